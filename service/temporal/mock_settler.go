package temporal

import (
	"context"
	"sync"
	"time"
)

// MockSettler is a mock implementation of Settler for testing.
type MockSettler struct {
	mu        sync.Mutex
	scheduled map[uint64]time.Time
	err       error
}

// NewMockSettler creates a new MockSettler.
func NewMockSettler() *MockSettler {
	return &MockSettler{scheduled: make(map[uint64]time.Time)}
}

// ScheduleSettlement records the transaction and its deadline.
func (m *MockSettler) ScheduleSettlement(ctx context.Context, transactionID uint64, deadline time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.scheduled[transactionID] = deadline
	return nil
}

// SetError makes ScheduleSettlement return err.
func (m *MockSettler) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// Deadline returns the deadline a transaction was scheduled with.
func (m *MockSettler) Deadline(transactionID uint64) (time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.scheduled[transactionID]
	return d, ok
}

// ScheduledCount returns the number of scheduled settlements.
func (m *MockSettler) ScheduledCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.scheduled)
}
