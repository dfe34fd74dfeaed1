// Package stream provides an in-process pub/sub broker for realtime job
// events. It implements realtime.Publisher, fanning each event out to
// subscribers on the tenant's channel plus the firehose, with
// non-blocking delivery and per-subscriber flow control.
package stream

import (
	"encoding/json"
	"time"
)

// Event is the envelope delivered to subscribers.
type Event struct {
	// Tenant is the tenant the event belongs to.
	Tenant string `json:"tenant"`

	// Name identifies the event (realtime.EventStatusChanged or
	// realtime.EventProgress).
	Name string `json:"event"`

	// Timestamp is when the event was published.
	Timestamp time.Time `json:"ts"`

	// Topic is the channel this event was published on.
	Topic string `json:"topic"`

	// Data is the event payload.
	Data json.RawMessage `json:"data"`
}

// TopicFirehose receives every event regardless of tenant. Intended for
// operator tooling; client-facing code subscribes to tenant topics.
const TopicFirehose = "firehose"

// TenantTopic returns the topic name for a tenant's channel.
func TenantTopic(tenant string) string { return "tenant:" + tenant }
