package gateway

import (
	"encoding/json"
	"time"

	"agrichat/domain"

	"github.com/go-playground/validator/v10"
)

// Client-to-server events.
const (
	EventJoinGroup   = "join_group"
	EventSendMessage = "send_message"
	EventTyping      = "typing"
	EventMarkRead    = "mark_read"
)

// Server-to-client events.
const (
	EventJoinGroupSuccess = "join_group_success"
	EventJoinGroupError   = "join_group_error"
	EventNewMessage       = "new_message"
	EventUserTyping       = "user_typing"
	EventSendError        = "send_error"
	EventMarkReadError    = "mark_read_error"
	EventConnectError     = "connect_error"
)

// Frame is the envelope of every message on the socket, in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

var validate = validator.New()

type JoinGroupRequest struct {
	GroupID int64 `json:"groupId" validate:"required"`
}

type SendMessageRequest struct {
	GroupID int64  `json:"groupId" validate:"required"`
	Content string `json:"content" validate:"required"`
}

type TypingRequest struct {
	GroupID  int64 `json:"groupId" validate:"required"`
	IsTyping bool  `json:"isTyping"`
}

type MarkReadRequest struct {
	GroupID   int64  `json:"groupId" validate:"required"`
	MessageID string `json:"messageId" validate:"required,uuid"`
}

type JoinGroupSuccessPayload struct {
	GroupID int64 `json:"groupId"`
}

type ErrorPayload struct {
	GroupID int64  `json:"groupId,omitempty"`
	Error   string `json:"error"`
}

type ConnectErrorPayload struct {
	Message string `json:"message"`
}

type NewMessagePayload struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	DisplayName string    `json:"displayName"`
	GroupID     int64     `json:"groupId"`
	Seq         uint64    `json:"seq"`
	Content     string    `json:"content"`
	CreatedAt   time.Time `json:"createdAt"`
}

type UserTypingPayload struct {
	GroupID     int64  `json:"groupId"`
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	IsTyping    bool   `json:"isTyping"`
}

// decodePayload unmarshals and validates an inbound payload in one step so
// every handler rejects malformed frames the same way.
func decodePayload[T any](data json.RawMessage) (T, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return payload, err
	}
	if err := validate.Struct(&payload); err != nil {
		return payload, err
	}
	return payload, nil
}

func encodeFrame(event string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Frame{Event: event, Data: data})
}

func toNewMessagePayload(message domain.Message) NewMessagePayload {
	return NewMessagePayload{
		ID:          message.ID.String(),
		UserID:      message.SenderID,
		DisplayName: message.DisplayName,
		GroupID:     int64(message.GroupID),
		Seq:         message.Seq,
		Content:     message.Content,
		CreatedAt:   message.CreatedAt,
	}
}
