package runtime

import (
	"context"
	"sync"

	"agrichat/domain/event"

	"github.com/google/uuid"
)

// stubSession records every event it receives. It stands in for a gateway
// session in registry/dispatcher/broadcaster tests.
type stubSession struct {
	id     string
	userID string
	name   string

	mu     sync.Mutex
	closed bool
	events []event.DomainEvent
}

func newStubSession(userID, name string) *stubSession {
	return &stubSession{id: uuid.NewString(), userID: userID, name: name}
}

func (s *stubSession) ID() string          { return s.id }
func (s *stubSession) UserID() string      { return s.userID }
func (s *stubSession) DisplayName() string { return s.name }

func (s *stubSession) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubSession) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *stubSession) Consume(_ context.Context, e event.DomainEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *stubSession) received() []event.DomainEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	events := make([]event.DomainEvent, len(s.events))
	copy(events, s.events)
	return events
}
