// Package dispatch defines the queue transport: how queued job IDs move
// from the engine to worker pools. The durable job state lives in the
// store; the transport only carries IDs, so a lost transport message is
// recoverable by re-enqueueing from the store.
//
// Three priority-ordered queues exist: "short" for Critical and High
// priority work, "default" for Normal, and "long" for Low. Workers
// drain them in that order.
package dispatch

import (
	"context"
	"time"

	"github.com/conveyorhq/conveyor/id"
	"github.com/conveyorhq/conveyor/job"
)

// Queue names in drain order.
const (
	QueueShort   = "short"
	QueueDefault = "default"
	QueueLong    = "long"
)

// Queues lists all queue names in the order workers drain them.
var Queues = []string{QueueShort, QueueDefault, QueueLong}

// QueueFor maps a job priority to its queue.
func QueueFor(p job.Priority) string { return job.QueueFor(p) }

// Dispatcher moves job IDs between the engine and workers.
type Dispatcher interface {
	// Enqueue pushes a job ID onto the named queue.
	Enqueue(ctx context.Context, queue string, jobID id.ID) error

	// Dequeue pops the next job ID, draining the given queues in order.
	// It blocks until an ID is available or ctx is done, returning
	// ctx.Err() in the latter case.
	Dequeue(ctx context.Context, queues []string) (id.ID, error)
}

// pollInterval is how long the memory dispatcher waits between scans
// when all queues are empty.
const pollInterval = 50 * time.Millisecond

// Memory is a channel-backed Dispatcher for tests and single-process
// deployments.
type Memory struct {
	queues map[string]chan id.ID
}

var _ Dispatcher = (*Memory)(nil)

// NewMemory creates an in-process dispatcher with the given per-queue
// capacity.
func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = 1024
	}
	m := &Memory{queues: make(map[string]chan id.ID, len(Queues))}
	for _, q := range Queues {
		m.queues[q] = make(chan id.ID, capacity)
	}
	return m
}

// Enqueue pushes the ID onto the queue, blocking if it is at capacity.
func (m *Memory) Enqueue(ctx context.Context, queue string, jobID id.ID) error {
	ch, ok := m.queues[queue]
	if !ok {
		ch = m.queues[QueueDefault]
	}
	select {
	case ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue scans the queues in order, then polls until something arrives
// or ctx is done. Higher-priority queues always win a scan even when
// lower queues have older entries.
func (m *Memory) Dequeue(ctx context.Context, queues []string) (id.ID, error) {
	for {
		for _, q := range queues {
			ch, ok := m.queues[q]
			if !ok {
				continue
			}
			select {
			case jobID := <-ch:
				return jobID, nil
			default:
			}
		}

		select {
		case <-ctx.Done():
			return id.Nil, ctx.Err()
		case <-time.After(pollInterval):
		}
	}
}

// Depth returns the number of waiting IDs on a queue. Tests only.
func (m *Memory) Depth(queue string) int {
	if ch, ok := m.queues[queue]; ok {
		return len(ch)
	}
	return 0
}
