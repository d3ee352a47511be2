package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"agrichat/auth"
	"agrichat/domain"
	"agrichat/repositories"
	"agrichat/runtime"
	"agrichat/services"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const (
	testSecret      = "gateway-test-secret"
	testReadTimeout = 2 * time.Second
)

// newTestServer wires the full stack on a throwaway Badger directory and
// provisions group 1 with alice and bob as members.
func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	req := require.New(t)
	log := slog.Default()

	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	store := repositories.NewBadgerStore(db, log, nil)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	req.NoError(store.CreateGroup(ctx, domain.Group{ID: 1, Name: "Wheat growers"}))
	req.NoError(store.AddMember(ctx, 1, "alice"))
	req.NoError(store.AddMember(ctx, 1, "bob"))

	registry := runtime.NewRegistry(log, store)
	dispatcher := runtime.NewDispatcher(log, registry, store, 500, time.Second)
	broadcaster := runtime.NewBroadcaster(log, registry, 5*time.Second)
	tracker := runtime.NewReceiptTracker(log, registry, store, time.Second)
	chat := services.NewChatService(registry, dispatcher, broadcaster, tracker)

	gw := NewGateway(log, chat, auth.NewVerifier(testSecret), Config{
		QueueSize:       16,
		TypingQueueSize: 8,
		MaxFrameSize:    4096,
	})
	t.Cleanup(func() { _ = gw.Shutdown(time.Second) })

	server := httptest.NewServer(http.HandlerFunc(gw.ServeWS))
	t.Cleanup(server.Close)
	return server
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func dial(t *testing.T, server *httptest.Server, userID, displayName string) *websocket.Conn {
	t.Helper()
	token, err := auth.GenerateToken(domain.Identity{UserID: userID, DisplayName: displayName},
		testSecret, time.Hour)
	require.NoError(t, err)

	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, event string, payload any) {
	t.Helper()
	raw, err := encodeFrame(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, raw))
}

func readFrame(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testReadTimeout)))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	var frame Frame
	require.NoError(t, json.Unmarshal(raw, &frame))
	return frame
}

// waitFor reads frames until one matches the wanted event, skipping unrelated
// traffic such as typing indicators.
func waitFor(t *testing.T, conn *websocket.Conn, event string) Frame {
	t.Helper()
	for {
		frame := readFrame(t, conn)
		if frame.Event == event {
			return frame
		}
	}
}

func joinGroup(t *testing.T, conn *websocket.Conn, groupID int64) {
	t.Helper()
	sendFrame(t, conn, EventJoinGroup, JoinGroupRequest{GroupID: groupID})
	frame := waitFor(t, conn, EventJoinGroupSuccess)
	var payload JoinGroupSuccessPayload
	require.NoError(t, json.Unmarshal(frame.Data, &payload))
	require.Equal(t, groupID, payload.GroupID)
}

func TestGateway_Rejects_Connection_Without_Token(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server), nil)
	req.NoError(err)
	defer conn.Close()

	frame := readFrame(t, conn)
	req.Equal(EventConnectError, frame.Event)

	var payload ConnectErrorPayload
	req.NoError(json.Unmarshal(frame.Data, &payload))
	req.Equal("authentication failed", payload.Message)

	// The server then closes the connection.
	req.NoError(conn.SetReadDeadline(time.Now().Add(testReadTimeout)))
	_, _, err = conn.ReadMessage()
	req.Error(err)
}

func TestGateway_Accepts_Token_Via_Query_Parameter(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)

	token, err := auth.GenerateToken(domain.Identity{UserID: "alice", DisplayName: "Alice"},
		testSecret, time.Hour)
	req.NoError(err)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server)+"?token="+token, nil)
	req.NoError(err)
	defer conn.Close()

	joinGroup(t, conn, 1)
}

func TestGateway_Join_Unknown_Group(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)
	alice := dial(t, server, "alice", "Alice")

	sendFrame(t, alice, EventJoinGroup, JoinGroupRequest{GroupID: 999})

	frame := waitFor(t, alice, EventJoinGroupError)
	var payload ErrorPayload
	req.NoError(json.Unmarshal(frame.Data, &payload))
	req.Equal("group not found", payload.Error)
}

func TestGateway_Join_Refused_For_Non_Member(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)
	mallory := dial(t, server, "mallory", "Mallory")

	sendFrame(t, mallory, EventJoinGroup, JoinGroupRequest{GroupID: 1})

	frame := waitFor(t, mallory, EventJoinGroupError)
	var payload ErrorPayload
	req.NoError(json.Unmarshal(frame.Data, &payload))
	req.Equal("not a member of this group", payload.Error)
}

func TestGateway_Send_Fans_Out_Over_The_Socket(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)

	alice := dial(t, server, "alice", "Alice")
	bob := dial(t, server, "bob", "Bob")
	joinGroup(t, alice, 1)
	joinGroup(t, bob, 1)

	sendFrame(t, alice, EventSendMessage, SendMessageRequest{GroupID: 1, Content: "rain is coming"})

	// Both members receive the same message; the sender's echo is the ack.
	for _, conn := range []*websocket.Conn{alice, bob} {
		frame := waitFor(t, conn, EventNewMessage)
		var payload NewMessagePayload
		req.NoError(json.Unmarshal(frame.Data, &payload))
		req.Equal("alice", payload.UserID)
		req.Equal("rain is coming", payload.Content)
		req.Equal(uint64(1), payload.Seq)
		_, err := uuid.Parse(payload.ID)
		req.NoError(err)
	}
}

func TestGateway_Send_Error_For_Invalid_Content(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)

	alice := dial(t, server, "alice", "Alice")
	joinGroup(t, alice, 1)

	sendFrame(t, alice, EventSendMessage, SendMessageRequest{GroupID: 1, Content: "   "})

	frame := waitFor(t, alice, EventSendError)
	var payload ErrorPayload
	req.NoError(json.Unmarshal(frame.Data, &payload))
	req.Equal("invalid message content", payload.Error)
}

func TestGateway_Typing_Indicator_Reaches_The_Other_Member(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)

	alice := dial(t, server, "alice", "Alice")
	bob := dial(t, server, "bob", "Bob")
	joinGroup(t, alice, 1)
	joinGroup(t, bob, 1)

	sendFrame(t, alice, EventTyping, TypingRequest{GroupID: 1, IsTyping: true})

	frame := waitFor(t, bob, EventUserTyping)
	var payload UserTypingPayload
	req.NoError(json.Unmarshal(frame.Data, &payload))
	req.Equal("alice", payload.UserID)
	req.Equal("Alice", payload.DisplayName)
	req.True(payload.IsTyping)
}

func TestGateway_MarkRead_Unknown_Message(t *testing.T) {
	req := require.New(t)
	server := newTestServer(t)

	alice := dial(t, server, "alice", "Alice")
	joinGroup(t, alice, 1)

	sendFrame(t, alice, EventMarkRead, MarkReadRequest{GroupID: 1, MessageID: uuid.NewString()})

	frame := waitFor(t, alice, EventMarkReadError)
	var payload ErrorPayload
	req.NoError(json.Unmarshal(frame.Data, &payload))
	req.Equal("unknown message", payload.Error)
}
