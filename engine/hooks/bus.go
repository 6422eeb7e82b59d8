package hooks

import (
	"context"
	"errors"
	"sync"
)

type (
	// Bus publishes flow events to registered subscribers in a fan-out
	// pattern. The bus is thread-safe and supports concurrent Publish,
	// Register, and Close operations.
	//
	// Events are delivered synchronously in the publisher's goroutine, in
	// registration order, and iteration stops at the first subscriber error.
	// The engine treats subscriber errors as best-effort failures: it logs
	// them and continues, so a failing subscriber never mutates Truth.
	Bus interface {
		// Publish delivers the event to every currently registered
		// subscriber. The context is forwarded to each subscriber.
		Publish(ctx context.Context, event Event) error

		// Register adds a subscriber to the bus and returns a Subscription
		// that can be closed to unregister. Register returns an error if sub
		// is nil.
		Register(sub Subscriber) (Subscription, error)
	}

	// Subscriber reacts to published flow events. Implementations must be
	// thread-safe if the same instance is registered with multiple buses.
	Subscriber interface {
		// HandleEvent processes a single event. Returning an error stops
		// delivery to remaining subscribers for this event.
		HandleEvent(ctx context.Context, event Event) error
	}

	// SubscriberFunc adapts a function to the Subscriber interface.
	SubscriberFunc func(ctx context.Context, event Event) error

	// Subscription represents an active registration on a Bus. Close removes
	// the subscriber; it is idempotent and thread-safe.
	Subscription interface {
		// Close removes the subscriber from the bus. Always returns nil.
		Close() error
	}

	bus struct {
		mu sync.RWMutex
		// ordered keeps registration order for deterministic delivery.
		ordered []*subscription
	}

	subscription struct {
		bus  *bus
		sub  Subscriber
		once sync.Once
	}
)

// HandleEvent implements Subscriber.
func (f SubscriberFunc) HandleEvent(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NewBus constructs a new in-memory event bus. The returned bus is
// thread-safe and ready for immediate use.
func NewBus() Bus {
	return &bus{}
}

// Publish delivers the event to every currently registered subscriber in
// registration order. The snapshot of subscribers is captured before
// iteration begins, so registrations during Publish do not affect the current
// delivery.
func (b *bus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	subs := make([]Subscriber, 0, len(b.ordered))
	for _, s := range b.ordered {
		subs = append(subs, s.sub)
	}
	b.mu.RUnlock()
	for _, sub := range subs {
		if err := sub.HandleEvent(ctx, event); err != nil {
			return err
		}
	}
	return nil
}

// Register adds a subscriber to the bus.
func (b *bus) Register(sub Subscriber) (Subscription, error) {
	if sub == nil {
		return nil, errors.New("subscriber is required")
	}
	s := &subscription{bus: b, sub: sub}
	b.mu.Lock()
	b.ordered = append(b.ordered, s)
	b.mu.Unlock()
	return s, nil
}

// Close removes the subscriber from the bus.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		defer s.bus.mu.Unlock()
		for i, cur := range s.bus.ordered {
			if cur == s {
				s.bus.ordered = append(s.bus.ordered[:i], s.bus.ordered[i+1:]...)
				break
			}
		}
	})
	return nil
}
