// Package gateway accepts websocket connections, performs the identity
// handshake, wires sessions into the runtime services and guarantees the
// disconnect cleanup runs exactly once per session.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"agrichat/domain"
	apperrors "agrichat/errors"
	"agrichat/services"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// TokenVerifier is the external identity collaborator: it turns the token
// presented at connect time into a verified identity.
type TokenVerifier interface {
	Verify(token string) (domain.Identity, error)
}

type Config struct {
	QueueSize       int
	TypingQueueSize int
	MaxFrameSize    int64
	// CheckOrigin overrides the upgrader's origin policy; nil allows all
	// origins, which is what the mobile clients need.
	CheckOrigin func(r *http.Request) bool
}

type Gateway struct {
	log          *slog.Logger
	chat         *services.ChatService
	verifier     TokenVerifier
	upgrader     websocket.Upgrader
	queueSize    int
	typingQueue  int
	maxFrameSize int64

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	sessions map[*Session]struct{}
	wg       sync.WaitGroup
}

func NewGateway(log *slog.Logger, chat *services.ChatService, verifier TokenVerifier, cfg Config) *Gateway {
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gateway{
		log:      log,
		chat:     chat,
		verifier: verifier,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     checkOrigin,
		},
		queueSize:    cfg.QueueSize,
		typingQueue:  cfg.TypingQueueSize,
		maxFrameSize: cfg.MaxFrameSize,
		ctx:          ctx,
		cancel:       cancel,
		sessions:     make(map[*Session]struct{}),
	}
}

// ServeWS upgrades the connection, verifies the presented token and starts
// the session pumps. An absent or invalid token terminates the handshake
// with a connect_error frame; the connection never reaches the registry.
func (g *Gateway) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("Upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	identity, err := g.verifier.Verify(bearerToken(r))
	if err != nil {
		g.log.Warn("Rejected connection", "remote_addr", r.RemoteAddr, "error", err)
		g.refuse(conn, "authentication failed")
		return
	}

	session := newSession(identity, conn, g.log, g.queueSize, g.typingQueue)

	g.mu.Lock()
	g.sessions[session] = struct{}{}
	count := len(g.sessions)
	g.mu.Unlock()
	g.log.Info("Session connected",
		"session_id", session.ID(), "user_id", identity.UserID, "total_sessions", count)

	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		session.writePump(g)
	}()
	go func() {
		defer g.wg.Done()
		session.readPump(g)
	}()
}

// Disconnect removes the session from every group, clears its typing state
// and releases the outbound queues. Idempotent: both pumps call it on exit
// and a queue overflow may have closed the session already.
func (g *Gateway) Disconnect(session *Session) {
	session.cleanupOnce.Do(func() {
		session.Close()
		g.chat.Disconnect(g.ctx, session)

		g.mu.Lock()
		delete(g.sessions, session)
		count := len(g.sessions)
		g.mu.Unlock()

		_ = session.conn.Close()
		g.log.Info("Session disconnected",
			"session_id", session.ID(), "user_id", session.UserID(), "total_sessions", count)
	})
}

// Shutdown closes every live session and waits for the pumps to drain, or
// for the timeout to expire.
func (g *Gateway) Shutdown(timeout time.Duration) error {
	g.cancel()

	g.mu.Lock()
	sessions := make([]*Session, 0, len(g.sessions))
	for session := range g.sessions {
		sessions = append(sessions, session)
	}
	g.mu.Unlock()

	for _, session := range sessions {
		g.Disconnect(session)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.log.Info("Gateway shutdown completed")
		return nil
	case <-time.After(timeout):
		g.log.Warn("Gateway shutdown timed out")
		return context.DeadlineExceeded
	}
}

func (g *Gateway) handleFrame(session *Session, raw []byte) {
	var frame Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		g.log.Debug("Invalid frame", "session_id", session.ID(), "error", err)
		return
	}

	switch frame.Event {
	case EventJoinGroup:
		g.handleJoin(session, frame.Data)
	case EventSendMessage:
		g.handleSend(session, frame.Data)
	case EventTyping:
		g.handleTyping(session, frame.Data)
	case EventMarkRead:
		g.handleMarkRead(session, frame.Data)
	default:
		g.log.Debug("Unknown event", "session_id", session.ID(), "event", frame.Event)
	}
}

func (g *Gateway) handleJoin(session *Session, data json.RawMessage) {
	payload, err := decodePayload[JoinGroupRequest](data)
	if err != nil {
		g.reply(session, EventJoinGroupError, ErrorPayload{Error: "invalid payload"})
		return
	}
	groupID := domain.GroupID(payload.GroupID)

	if err := g.chat.Join(g.ctx, session, groupID); err != nil {
		g.reply(session, EventJoinGroupError, ErrorPayload{GroupID: payload.GroupID, Error: errorMessage(err)})
		return
	}
	g.reply(session, EventJoinGroupSuccess, JoinGroupSuccessPayload{GroupID: payload.GroupID})
}

func (g *Gateway) handleSend(session *Session, data json.RawMessage) {
	payload, err := decodePayload[SendMessageRequest](data)
	if err != nil {
		g.reply(session, EventSendError, ErrorPayload{Error: "invalid payload"})
		return
	}
	groupID := domain.GroupID(payload.GroupID)

	// The sender gets no direct ack: its own new_message echo from the
	// broadcast is the confirmation, carrying the authoritative id and seq.
	if _, err := g.chat.Send(g.ctx, session, groupID, payload.Content); err != nil {
		g.reply(session, EventSendError, ErrorPayload{GroupID: payload.GroupID, Error: errorMessage(err)})
	}
}

func (g *Gateway) handleTyping(session *Session, data json.RawMessage) {
	payload, err := decodePayload[TypingRequest](data)
	if err != nil {
		g.log.Debug("Invalid typing payload", "session_id", session.ID(), "error", err)
		return
	}
	groupID := domain.GroupID(payload.GroupID)

	// Fire-and-forget: a typing failure is never reported to the client.
	if err := g.chat.SetTyping(g.ctx, session, groupID, payload.IsTyping); err != nil {
		g.log.Debug("Typing rejected", "session_id", session.ID(), "group_id", groupID, "error", err)
	}
}

func (g *Gateway) handleMarkRead(session *Session, data json.RawMessage) {
	payload, err := decodePayload[MarkReadRequest](data)
	if err != nil {
		g.reply(session, EventMarkReadError, ErrorPayload{Error: "invalid payload"})
		return
	}
	groupID := domain.GroupID(payload.GroupID)
	messageID, err := uuid.Parse(payload.MessageID)
	if err != nil {
		g.reply(session, EventMarkReadError, ErrorPayload{GroupID: payload.GroupID, Error: "invalid payload"})
		return
	}

	if err := g.chat.MarkRead(g.ctx, session, groupID, messageID); err != nil {
		g.reply(session, EventMarkReadError, ErrorPayload{GroupID: payload.GroupID, Error: errorMessage(err)})
	}
}

func (g *Gateway) reply(session *Session, event string, payload any) {
	if err := session.send(event, payload); err != nil {
		g.log.Warn("Failed to queue reply",
			"session_id", session.ID(), "event", event, "error", err)
	}
}

func (g *Gateway) refuse(conn *websocket.Conn, message string) {
	frame, err := encodeFrame(EventConnectError, ConnectErrorPayload{Message: message})
	if err == nil {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		_ = conn.WriteMessage(websocket.TextMessage, frame)
	}
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "authentication failed"))
	_ = conn.Close()
}

// errorMessage maps the error taxonomy to the stable strings clients display
// inline. Store failures are transient: the client decides whether to retry.
func errorMessage(err error) string {
	switch {
	case errors.Is(err, apperrors.ErrGroupNotFound):
		return "group not found"
	case errors.Is(err, apperrors.ErrNotMember):
		return "not a member of this group"
	case errors.Is(err, apperrors.ErrInvalidContent):
		return "invalid message content"
	case errors.Is(err, apperrors.ErrUnknownMessage):
		return "unknown message"
	case errors.Is(err, apperrors.ErrStoreUnavailable):
		return "temporary storage failure, retry later"
	default:
		return "internal error"
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return token
	}
	return r.URL.Query().Get("token")
}
