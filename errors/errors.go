package errors

import "fmt"

var (
	ErrAuth             = fmt.Errorf("authentication failed")
	ErrGroupNotFound    = fmt.Errorf("group not found")
	ErrNotMember        = fmt.Errorf("user is not a member of this group")
	ErrInvalidContent   = fmt.Errorf("invalid message content")
	ErrUnknownMessage   = fmt.Errorf("unknown message")
	ErrStoreUnavailable = fmt.Errorf("store unavailable")
	ErrQueueOverflow    = fmt.Errorf("session outbound queue overflow")
	ErrSessionClosed    = fmt.Errorf("session closed")
	ErrWorkerPanic      = fmt.Errorf("worker panic")
)
