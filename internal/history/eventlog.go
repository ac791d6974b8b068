// Package history records the append-only event trail of flow runs.
package history

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/opsrig/flowkit/pkg/schema"
)

// Event is one entry in a run's history. Sequence numbers are per run and
// strictly monotonic.
type Event struct {
	ID       int64          `json:"id,omitempty"`
	RunID    string         `json:"run_id"`
	NodeID   string         `json:"node_id,omitempty"`
	Type     string         `json:"type"`
	Sequence int64          `json:"sequence"`
	Payload  map[string]any `json:"payload,omitempty"`
	At       time.Time      `json:"at"`
}

// Recorder persists run events. Implementations must assign Sequence and At
// when they are zero.
type Recorder interface {
	Append(ctx context.Context, event *Event) error
	Events(ctx context.Context, runID string) ([]*Event, error)
}

// MemoryLog is an in-process Recorder for tests and ephemeral runs.
type MemoryLog struct {
	mu     sync.RWMutex
	events map[string][]*Event
	seqs   map[string]int64
	nextID int64
}

// NewMemoryLog creates an empty MemoryLog.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		events: make(map[string][]*Event),
		seqs:   make(map[string]int64),
	}
}

// Append stores the event, assigning ID, per-run sequence, and timestamp.
func (l *MemoryLog) Append(ctx context.Context, event *Event) error {
	if event == nil {
		return schema.NewError(schema.ErrCodeValidation, "event is nil")
	}
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run ID")
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	event.ID = l.nextID
	if event.Sequence == 0 {
		l.seqs[event.RunID]++
		event.Sequence = l.seqs[event.RunID]
	} else if event.Sequence > l.seqs[event.RunID] {
		l.seqs[event.RunID] = event.Sequence
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	stored := *event
	l.events[event.RunID] = append(l.events[event.RunID], &stored)
	return nil
}

// Events returns a run's events ordered by sequence.
func (l *MemoryLog) Events(ctx context.Context, runID string) ([]*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	stored := l.events[runID]
	out := make([]*Event, len(stored))
	for i, e := range stored {
		copied := *e
		out[i] = &copied
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
