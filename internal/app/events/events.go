// Package events carries the raffle's observable notifications.
// Events are published after the state change they describe has committed.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/raffle_layer/internal/app/domain/account"
)

// Type classifies a notification.
type Type string

const (
	TypeEntered          Type = "raffle.entered"
	TypeRoundCalculating Type = "raffle.round_calculating"
	TypeWinnerPicked     Type = "raffle.winner_picked"
	TypePayoutStalled    Type = "raffle.payout_stalled"

	TypeRandomWordsRequested Type = "vrf.random_words_requested"
	TypeRandomWordsFulfilled Type = "vrf.random_words_fulfilled"
	TypeSubscriptionCreated  Type = "vrf.subscription_created"
	TypeSubscriptionFunded   Type = "vrf.subscription_funded"
)

// Event is a single notification.
type Event struct {
	ID        string          `json:"id"`
	Type      Type            `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Round     uint64          `json:"round,omitempty"`
	Player    account.Address `json:"player,omitempty"`
	Winner    account.Address `json:"winner,omitempty"`
	RequestID uint64          `json:"request_id,omitempty"`
	Amount    uint64          `json:"amount,omitempty"`
	Success   *bool           `json:"success,omitempty"`
	Error     string          `json:"error,omitempty"`
}

func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

// Publisher delivers events to interested parties.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Handler processes events as they occur.
type Handler func(Event)

// Filter decides whether a handler sees an event.
type Filter func(Event) bool

// OfType builds a filter matching any of the given types.
func OfType(types ...Type) Filter {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// Stamp fills in the identifier and timestamp when missing.
func Stamp(event Event) Event {
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	return event
}

// Bus is an in-process publisher that keeps the most recent events in a ring
// buffer and fans them out to subscribers.
type Bus struct {
	mu       sync.RWMutex
	events   []Event
	size     int
	head     int
	count    int
	handlers []handlerEntry
	nextID   int64
}

type handlerEntry struct {
	id      int64
	filter  Filter
	handler Handler
}

var _ Publisher = (*Bus)(nil)

// NewBus creates a bus retaining up to size events.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 1000
	}
	return &Bus{
		events: make([]Event, size),
		size:   size,
	}
}

// Publish records the event and notifies handlers outside the lock.
func (b *Bus) Publish(_ context.Context, event Event) error {
	event = Stamp(event)

	b.mu.Lock()
	b.events[b.head] = event
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	handlers := make([]handlerEntry, len(b.handlers))
	copy(handlers, b.handlers)
	b.mu.Unlock()

	for _, h := range handlers {
		if h.filter == nil || h.filter(event) {
			h.handler(event)
		}
	}
	return nil
}

// Subscribe registers a handler for all events and returns its cancel func.
func (b *Bus) Subscribe(handler Handler) func() {
	return b.SubscribeFiltered(nil, handler)
}

// SubscribeFiltered registers a handler that only sees matching events.
func (b *Bus) SubscribeFiltered(filter Filter, handler Handler) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.handlers = append(b.handlers, handlerEntry{id: id, filter: filter, handler: handler})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, h := range b.handlers {
			if h.id == id {
				b.handlers = append(b.handlers[:i], b.handlers[i+1:]...)
				return
			}
		}
	}
}

// Recent returns up to n events, newest first.
func (b *Bus) Recent(n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if n <= 0 || b.count == 0 {
		return nil
	}
	if n > b.count {
		n = b.count
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = b.events[(b.head-1-i+b.size)%b.size]
	}
	return out
}

// RecentByType returns up to n events of the given type, newest first.
func (b *Bus) RecentByType(t Type, n int) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for i := 0; i < b.count && len(out) < n; i++ {
		e := b.events[(b.head-1-i+b.size)%b.size]
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// Multi fans an event out to several publishers, returning the first error
// after attempting all of them.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, event Event) error {
	event = Stamp(event)
	var firstErr error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
