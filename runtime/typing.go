package runtime

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agrichat/contract"
	"agrichat/domain"
	"agrichat/domain/event"
	apperrors "agrichat/errors"
)

type typingKey struct {
	groupID domain.GroupID
	userID  string
}

// Broadcaster handles ephemeral typing state. Entries expire after the TTL so
// a crashed client can never leave a permanent "is typing" indicator; an
// explicit stop removes the entry immediately.
//
// Typing events are fire-and-forget and travel on the droppable lane of each
// session: delivery failure to one member never blocks the others and never
// interferes with message ordering.
type Broadcaster struct {
	log      *slog.Logger
	registry *Registry
	ttl      time.Duration

	mu     sync.Mutex
	states map[typingKey]domain.TypingState

	now func() time.Time
}

func NewBroadcaster(log *slog.Logger, registry *Registry, ttl time.Duration) *Broadcaster {
	return &Broadcaster{
		log:      log,
		registry: registry,
		ttl:      ttl,
		states:   make(map[typingKey]domain.TypingState),
		now:      time.Now,
	}
}

// SetTyping upserts or clears the typing state of the session's user in the
// group and broadcasts the change to the other connected members. Never
// performs I/O.
func (b *Broadcaster) SetTyping(ctx context.Context, session contract.Session,
	groupID domain.GroupID, isTyping bool) error {
	if !b.registry.IsJoined(session, groupID) {
		return apperrors.ErrNotMember
	}

	key := typingKey{groupID: groupID, userID: session.UserID()}
	b.mu.Lock()
	if isTyping {
		b.states[key] = domain.TypingState{
			GroupID:     groupID,
			UserID:      session.UserID(),
			DisplayName: session.DisplayName(),
			SessionID:   session.ID(),
			ExpiresAt:   b.now().Add(b.ttl),
		}
	} else {
		delete(b.states, key)
	}
	b.mu.Unlock()

	b.broadcast(ctx, event.UserTyping{
		Group:       groupID,
		UserID:      session.UserID(),
		DisplayName: session.DisplayName(),
		IsTyping:    isTyping,
	}, session.ID())
	return nil
}

// Sweep expires stale entries and broadcasts the cessation for each, standing
// in for the explicit typing:false a crashed client never sent. Invoked
// periodically by the typing sweeper worker.
func (b *Broadcaster) Sweep(ctx context.Context) {
	now := b.now()

	b.mu.Lock()
	var expired []domain.TypingState
	for key, state := range b.states {
		if state.Expired(now) {
			delete(b.states, key)
			expired = append(expired, state)
		}
	}
	b.mu.Unlock()

	for _, state := range expired {
		b.log.Debug("Typing state expired", "group_id", state.GroupID, "user_id", state.UserID)
		// The typist is excluded here too, matching SetTyping and
		// ClearSession: nobody is told about their own cessation.
		b.broadcast(ctx, event.UserTyping{
			Group:       state.GroupID,
			UserID:      state.UserID,
			DisplayName: state.DisplayName,
			IsTyping:    false,
		}, state.SessionID)
	}
}

// ClearSession drops the typing entries owned by a disconnecting session in
// the given groups and tells the remaining members. Part of the gateway's
// idempotent disconnect cleanup.
func (b *Broadcaster) ClearSession(ctx context.Context, session contract.Session, groups []domain.GroupID) {
	for _, groupID := range groups {
		key := typingKey{groupID: groupID, userID: session.UserID()}

		b.mu.Lock()
		state, ok := b.states[key]
		if ok {
			delete(b.states, key)
		}
		b.mu.Unlock()

		if ok {
			b.broadcast(ctx, event.UserTyping{
				Group:       groupID,
				UserID:      state.UserID,
				DisplayName: state.DisplayName,
				IsTyping:    false,
			}, session.ID())
		}
	}
}

// Typists returns the users currently marked as typing in the group,
// expired entries excluded. Exposed for group-header rendering.
func (b *Broadcaster) Typists(groupID domain.GroupID) []domain.TypingState {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	var typists []domain.TypingState
	for key, state := range b.states {
		if key.groupID == groupID && !state.Expired(now) {
			typists = append(typists, state)
		}
	}
	return typists
}

func (b *Broadcaster) broadcast(ctx context.Context, evt event.UserTyping, excludeSessionID string) {
	for _, member := range b.registry.MembersOf(evt.Group) {
		if member.ID() == excludeSessionID {
			continue
		}
		if err := member.Consume(ctx, evt); err != nil {
			b.log.Debug("Typing event dropped for session",
				"session_id", member.ID(), "group_id", evt.Group, "error", err)
		}
	}
}
