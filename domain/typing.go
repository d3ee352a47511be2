package domain

import "time"

// TypingState is ephemeral composing-state for one user in one group.
// It is never persisted; it is overwritten on every refresh and removed on
// an explicit stop or on expiry.
type TypingState struct {
	GroupID     GroupID
	UserID      string
	DisplayName string
	// SessionID identifies the connection that set the state, so cessation
	// broadcasts can skip the typist regardless of who triggers them.
	SessionID string
	ExpiresAt time.Time
}

func (t TypingState) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}
