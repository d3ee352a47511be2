package domain

import (
	"time"

	"github.com/google/uuid"
)

// Message represents an immutable chat message. Seq is strictly increasing
// within a group and never reused; once persisted the message never changes.
type Message struct {
	ID          uuid.UUID
	GroupID     GroupID
	SenderID    string
	DisplayName string
	Seq         uint64
	Content     string
	CreatedAt   time.Time
}
