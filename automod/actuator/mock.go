package actuator

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// A single recorded call on MockActuator.
type MockCall struct {
	Method      string
	CommunityID string
	UserID      string
	MessageID   string
	Duration    *time.Duration
}

// In-memory Actuator which records every call. Errors and delays can be configured per method name
// ("DeleteMessage", "ApplyTimeout", etc). Useful in tests and for dry runs.
type MockActuator struct {
	lk     sync.Mutex
	calls  []MockCall
	Errors map[string]error
	Delays map[string]time.Duration
}

var _ Actuator = (*MockActuator)(nil)

func NewMockActuator() *MockActuator {
	return &MockActuator{
		Errors: make(map[string]error),
		Delays: make(map[string]time.Duration),
	}
}

func (m *MockActuator) SetError(method string, err error) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.Errors[method] = err
}

func (m *MockActuator) SetDelay(method string, d time.Duration) {
	m.lk.Lock()
	defer m.lk.Unlock()
	m.Delays[method] = d
}

func (m *MockActuator) Calls() []MockCall {
	m.lk.Lock()
	defer m.lk.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// Number of recorded calls of the given method.
func (m *MockActuator) Count(method string) int {
	n := 0
	for _, c := range m.Calls() {
		if c.Method == method {
			n++
		}
	}
	return n
}

func (m *MockActuator) record(ctx context.Context, c MockCall) error {
	m.lk.Lock()
	m.calls = append(m.calls, c)
	err := m.Errors[c.Method]
	delay := m.Delays[c.Method]
	m.lk.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", c.Method, ctx.Err())
		}
	}
	return err
}

func (m *MockActuator) DeleteMessage(ctx context.Context, communityID, messageID string) error {
	return m.record(ctx, MockCall{Method: "DeleteMessage", CommunityID: communityID, MessageID: messageID})
}

func (m *MockActuator) ApplyTimeout(ctx context.Context, communityID, userID string, dur time.Duration) error {
	return m.record(ctx, MockCall{Method: "ApplyTimeout", CommunityID: communityID, UserID: userID, Duration: &dur})
}

func (m *MockActuator) LiftTimeout(ctx context.Context, communityID, userID string) error {
	return m.record(ctx, MockCall{Method: "LiftTimeout", CommunityID: communityID, UserID: userID})
}

func (m *MockActuator) Kick(ctx context.Context, communityID, userID string) error {
	return m.record(ctx, MockCall{Method: "Kick", CommunityID: communityID, UserID: userID})
}

func (m *MockActuator) Ban(ctx context.Context, communityID, userID string, dur *time.Duration) error {
	return m.record(ctx, MockCall{Method: "Ban", CommunityID: communityID, UserID: userID, Duration: dur})
}
