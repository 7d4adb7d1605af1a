package nats

import (
	"context"
	"sync"

	"github.com/brojonat/charityledger/service/ledger"
)

// MockPublisher is an in-memory Publisher and Subscriber for tests. Published events
// are recorded and delivered to live subscriptions.
type MockPublisher struct {
	mu              sync.RWMutex
	publishedEvents []ledger.Event
	publishError    error
	subscribers     map[int]mockSubscription
	nextID          int
	closed          bool
}

type mockSubscription struct {
	kind string
	ch   chan ledger.Event
}

// NewMockPublisher creates a new mock publisher for testing.
func NewMockPublisher() *MockPublisher {
	return &MockPublisher{
		publishedEvents: make([]ledger.Event, 0),
		subscribers:     make(map[int]mockSubscription),
	}
}

// Publish records the events and returns any configured error.
func (m *MockPublisher) Publish(ctx context.Context, events []ledger.Event) error {
	m.mu.Lock()
	if m.publishError != nil {
		err := m.publishError
		m.mu.Unlock()
		return err
	}
	m.publishedEvents = append(m.publishedEvents, events...)
	subs := make([]mockSubscription, 0, len(m.subscribers))
	for _, sub := range m.subscribers {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, ev := range events {
		for _, sub := range subs {
			if sub.kind != "" && sub.kind != string(ev.Kind) {
				continue
			}
			select {
			case sub.ch <- ev:
			default:
			}
		}
	}
	return nil
}

// Subscribe delivers events published after the call until ctx is done. DeliverAll
// first replays the recorded events.
func (m *MockPublisher) Subscribe(ctx context.Context, opts SubscribeOptions, handle func(ledger.Event)) error {
	if _, err := FilterSubject(opts.Kind); err != nil {
		return err
	}

	sub := mockSubscription{kind: opts.Kind, ch: make(chan ledger.Event, 64)}

	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subscribers[id] = sub
	var backlog []ledger.Event
	if opts.DeliverAll {
		backlog = append(backlog, m.publishedEvents...)
	}
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.subscribers, id)
		m.mu.Unlock()
	}()

	for _, ev := range backlog {
		if opts.Kind == "" || opts.Kind == string(ev.Kind) {
			handle(ev)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev := <-sub.ch:
			handle(ev)
		}
	}
}

// SubscriberCount returns the number of live subscriptions.
func (m *MockPublisher) SubscriberCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subscribers)
}

// Close marks the publisher as closed.
func (m *MockPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// GetPublishedEvents returns a copy of all published events.
func (m *MockPublisher) GetPublishedEvents() []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]ledger.Event, len(m.publishedEvents))
	copy(events, m.publishedEvents)
	return events
}

// GetPublishedEventCount returns the number of published events.
func (m *MockPublisher) GetPublishedEventCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.publishedEvents)
}

// GetPublishedEventsOfKind returns published events of one kind.
func (m *MockPublisher) GetPublishedEventsOfKind(kind ledger.EventKind) []ledger.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()

	events := make([]ledger.Event, 0)
	for _, ev := range m.publishedEvents {
		if ev.Kind == kind {
			events = append(events, ev)
		}
	}
	return events
}

// SetPublishError configures the mock to return an error on Publish.
func (m *MockPublisher) SetPublishError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishError = err
}

// Reset clears all published events and errors.
func (m *MockPublisher) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.publishedEvents = make([]ledger.Event, 0)
	m.publishError = nil
	m.closed = false
}

// IsClosed returns whether the publisher has been closed.
func (m *MockPublisher) IsClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.closed
}
