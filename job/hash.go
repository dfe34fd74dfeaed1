package job

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hash computes the deduplication digest for a submission. Two
// submissions of the same type, in the same tenant, with semantically
// equal parameters produce the same hash regardless of key order.
//
// The digest is the first 16 hex characters of
// sha256("type:tenant:canonical-json(params)"). json.Marshal sorts map
// keys, which gives the canonical form.
func Hash(jobType, tenant string, params map[string]any) (string, error) {
	if params == nil {
		params = map[string]any{}
	}

	canonical, err := json.Marshal(params)
	if err != nil {
		return "", fmt.Errorf("job: hash parameters: %w", err)
	}

	sum := sha256.Sum256([]byte(jobType + ":" + tenant + ":" + string(canonical)))
	return hex.EncodeToString(sum[:])[:16], nil
}
