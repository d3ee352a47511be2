package event

import (
	"agrichat/domain"
)

type DomainEvent interface {
	GroupID() domain.GroupID
}

// NewMessage is emitted after a message has been persisted. Every connected
// member of the group receives it, including the sender.
type NewMessage struct {
	Message domain.Message
}

func (e NewMessage) GroupID() domain.GroupID {
	return e.Message.GroupID
}

// UserTyping signals a change of composing state. It is fire-and-forget:
// losing one is acceptable, delivering one late is not harmful.
type UserTyping struct {
	Group       domain.GroupID
	UserID      string
	DisplayName string
	IsTyping    bool
}

func (e UserTyping) GroupID() domain.GroupID {
	return e.Group
}
