// Package events carries activity lifecycle and draw notifications to
// subscribers: the WebSocket feed and, when configured, NATS.
package events

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Event types.
const (
	TypeActivityCreated   = "activity.created"
	TypeActivityActivated = "activity.activated"
	TypeProfitRateChanged = "activity.profit_rate_changed"
	TypeActivityHalted    = "activity.halted"
	TypeActivityEnded     = "activity.ended"
	TypeDrawCompleted     = "draw.completed"
)

// Event is the envelope published for every change. Data never carries the
// seed or a derived random value of an activity that is still on sale.
type Event struct {
	Type       string    `json:"type"`
	ActivityID string    `json:"activity_id"`
	Data       any       `json:"data,omitempty"`
	Time       time.Time `json:"time"`
}

// DrawCompleted is the payload of TypeDrawCompleted.
type DrawCompleted struct {
	TicketNumber int64  `json:"ticket_number"`
	PrizeLevel   string `json:"prize_level"`
	Remaining    int    `json:"remaining"`
}

// Publisher delivers events. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi fans an event out to several publishers. Every publisher is tried;
// the returned error joins all failures.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events with the given type.
func (r *Recorder) OfType(typ string) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}
