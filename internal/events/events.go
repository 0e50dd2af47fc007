// Package events publishes token lifecycle transitions for downstream consumers.
package events

import (
	"context"
	"sync"
	"time"

	"tokenwatch/internal/domain"
)

// Type names a lifecycle transition.
type Type string

const (
	TokenDiscovered  Type = "discovered"
	TokenArchived    Type = "archived"
	TokenFlagged     Type = "flagged"
	TokenQuarantined Type = "quarantined"
)

// Event is one lifecycle transition.
type Event struct {
	Type    Type               `json:"type"`
	TokenID int64              `json:"token_id"`
	Mint    string             `json:"mint,omitempty"`
	Reason  string             `json:"reason,omitempty"`
	Moved   domain.MovedCounts `json:"moved"`
	At      time.Time          `json:"at"`
}

// Publisher delivers lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the published events of type t.
func (r *Recorder) OfType(t Type) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
