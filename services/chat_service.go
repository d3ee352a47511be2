package services

import (
	"context"

	"agrichat/contract"
	"agrichat/domain"
	"agrichat/runtime"

	"github.com/google/uuid"
)

type IChatService interface {
	Join(ctx context.Context, session contract.Session, groupID domain.GroupID) error
	Send(ctx context.Context, session contract.Session, groupID domain.GroupID, content string) (domain.Message, error)
	SetTyping(ctx context.Context, session contract.Session, groupID domain.GroupID, isTyping bool) error
	MarkRead(ctx context.Context, session contract.Session, groupID domain.GroupID, messageID uuid.UUID) error
	UnreadCount(ctx context.Context, userID string, groupID domain.GroupID) (int, error)
	Disconnect(ctx context.Context, session contract.Session)
}

// ChatService is the facade the gateway talks to: one entry point per wire
// operation, delegating to the shared runtime services.
type ChatService struct {
	registry    *runtime.Registry
	dispatcher  *runtime.Dispatcher
	broadcaster *runtime.Broadcaster
	tracker     *runtime.ReceiptTracker
}

func NewChatService(registry *runtime.Registry, dispatcher *runtime.Dispatcher,
	broadcaster *runtime.Broadcaster, tracker *runtime.ReceiptTracker) *ChatService {
	return &ChatService{
		registry:    registry,
		dispatcher:  dispatcher,
		broadcaster: broadcaster,
		tracker:     tracker,
	}
}

func (s *ChatService) Join(ctx context.Context, session contract.Session, groupID domain.GroupID) error {
	return s.registry.Join(ctx, session, groupID)
}

func (s *ChatService) Send(ctx context.Context, session contract.Session,
	groupID domain.GroupID, content string) (domain.Message, error) {
	return s.dispatcher.Send(ctx, session, groupID, content)
}

func (s *ChatService) SetTyping(ctx context.Context, session contract.Session,
	groupID domain.GroupID, isTyping bool) error {
	return s.broadcaster.SetTyping(ctx, session, groupID, isTyping)
}

func (s *ChatService) MarkRead(ctx context.Context, session contract.Session,
	groupID domain.GroupID, messageID uuid.UUID) error {
	return s.tracker.MarkRead(ctx, session, groupID, messageID)
}

func (s *ChatService) UnreadCount(ctx context.Context, userID string, groupID domain.GroupID) (int, error) {
	return s.tracker.UnreadCount(ctx, userID, groupID)
}

// Disconnect removes the session from every group and clears its typing
// entries, as one step from the caller's point of view. Safe to invoke twice:
// the second LeaveAll returns no groups and nothing else happens.
func (s *ChatService) Disconnect(ctx context.Context, session contract.Session) {
	groups := s.registry.LeaveAll(session)
	if len(groups) > 0 {
		s.broadcaster.ClearSession(ctx, session, groups)
	}
}
