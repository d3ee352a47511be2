package gateway

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"agrichat/contract"
	"agrichat/domain"
	"agrichat/domain/event"
	apperrors "agrichat/errors"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

var _ contract.Session = (*Session)(nil)

// Session is the server-side state of one live connection. Outbound traffic
// runs on two lanes: a durable lane for replies and chat messages, and a
// droppable lane for typing events. When the durable lane is full the session
// disconnects itself rather than lose a chat message; when the droppable lane
// is full the oldest typing event is shed.
type Session struct {
	id       string
	identity domain.Identity
	conn     *websocket.Conn
	log      *slog.Logger

	out       chan []byte
	typingOut chan []byte

	done        chan struct{}
	closeOnce   sync.Once
	cleanupOnce sync.Once
	closed      atomic.Bool
}

func newSession(identity domain.Identity, conn *websocket.Conn, log *slog.Logger,
	queueSize, typingQueueSize int) *Session {
	return &Session{
		id:        uuid.NewString(),
		identity:  identity,
		conn:      conn,
		log:       log,
		out:       make(chan []byte, queueSize),
		typingOut: make(chan []byte, typingQueueSize),
		done:      make(chan struct{}),
	}
}

func (s *Session) ID() string          { return s.id }
func (s *Session) UserID() string      { return s.identity.UserID }
func (s *Session) DisplayName() string { return s.identity.DisplayName }
func (s *Session) Closed() bool        { return s.closed.Load() }

// Close marks the session dead and wakes the write pump. Safe to call twice.
// Registry and typing cleanup happen in the gateway's Disconnect, which the
// pumps trigger on exit.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}

// Consume routes a fanned-out event to the right outbound lane. It never
// blocks; the dispatcher and broadcaster call it from many goroutines.
func (s *Session) Consume(_ context.Context, e event.DomainEvent) error {
	switch evt := e.(type) {
	case event.NewMessage:
		frame, err := encodeFrame(EventNewMessage, toNewMessagePayload(evt.Message))
		if err != nil {
			return err
		}
		return s.enqueue(frame)
	case event.UserTyping:
		frame, err := encodeFrame(EventUserTyping, UserTypingPayload{
			GroupID:     int64(evt.Group),
			UserID:      evt.UserID,
			DisplayName: evt.DisplayName,
			IsTyping:    evt.IsTyping,
		})
		if err != nil {
			return err
		}
		s.enqueueTyping(frame)
		return nil
	default:
		return nil
	}
}

// send encodes a direct reply and puts it on the durable lane.
func (s *Session) send(event string, payload any) error {
	frame, err := encodeFrame(event, payload)
	if err != nil {
		return err
	}
	return s.enqueue(frame)
}

func (s *Session) enqueue(frame []byte) error {
	select {
	case <-s.done:
		return apperrors.ErrSessionClosed
	case s.out <- frame:
		return nil
	default:
	}
	// Chat messages are never silently dropped: fail fast and let the
	// disconnect cleanup run instead.
	s.Close()
	return apperrors.ErrQueueOverflow
}

func (s *Session) enqueueTyping(frame []byte) {
	select {
	case s.typingOut <- frame:
		return
	default:
	}
	// Lane full: shed the oldest typing event, then try once more. If another
	// producer wins the race the event is dropped, which is acceptable for
	// fire-and-forget presence.
	select {
	case <-s.typingOut:
	default:
	}
	select {
	case s.typingOut <- frame:
	default:
	}
}

func (s *Session) readPump(g *Gateway) {
	defer g.Disconnect(s)

	s.conn.SetReadLimit(g.maxFrameSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseAbnormalClosure) {
				s.log.Warn("Unexpected close", "session_id", s.id, "error", err)
			}
			return
		}
		g.handleFrame(s, raw)
	}
}

func (s *Session) writePump(g *Gateway) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		g.Disconnect(s)
	}()

	for {
		// Drain the durable lane first so replies and chat messages are never
		// starved by a burst of typing events.
		select {
		case frame := <-s.out:
			if !s.write(websocket.TextMessage, frame) {
				return
			}
			continue
		default:
		}

		select {
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case frame := <-s.out:
			if !s.write(websocket.TextMessage, frame) {
				return
			}
		case frame := <-s.typingOut:
			if !s.write(websocket.TextMessage, frame) {
				return
			}
		case <-ticker.C:
			if !s.write(websocket.PingMessage, nil) {
				return
			}
		}
	}
}

func (s *Session) write(messageType int, payload []byte) bool {
	if err := s.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		s.log.Debug("Failed to set write deadline", "session_id", s.id, "error", err)
		return false
	}
	if err := s.conn.WriteMessage(messageType, payload); err != nil {
		s.log.Debug("Write failed", "session_id", s.id, "error", err)
		return false
	}
	return true
}
