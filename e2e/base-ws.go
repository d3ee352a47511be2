package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/gookit/color"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/suite"

	"agrichat/auth"
	"agrichat/domain"
	"agrichat/gateway"
	"agrichat/repositories"
	"agrichat/runtime"
	"agrichat/services"
)

// BaseWsSuite boots the full chat stack in-process on a throwaway Badger
// directory and exposes websocket clients with logging, colors and JSON
// debugging.
type BaseWsSuite struct {
	suite.Suite
	Config Config

	Store   *repositories.BadgerStore
	Gateway *gateway.Gateway
	server  *httptest.Server
}

// SetupSuite loads the environment configuration before running tests
func (s *BaseWsSuite) SetupSuite() {
	var err error
	s.Config, err = LoadConfig()
	s.Require().NoError(err)
}

func (s *BaseWsSuite) SetupTest() {
	log := slog.Default()

	db, err := badger.Open(badger.DefaultOptions(s.T().TempDir()).
		WithLoggingLevel(badger.ERROR).
		WithValueLogFileSize(16 << 20))
	s.Require().NoError(err)
	s.T().Cleanup(func() { _ = db.Close() })

	s.Store = repositories.NewBadgerStore(db, log, nil)
	s.T().Cleanup(func() { _ = s.Store.Close() })

	registry := runtime.NewRegistry(log, s.Store)
	dispatcher := runtime.NewDispatcher(log, registry, s.Store, 500, time.Second)
	broadcaster := runtime.NewBroadcaster(log, registry, 5*time.Second)
	tracker := runtime.NewReceiptTracker(log, registry, s.Store, time.Second)
	chat := services.NewChatService(registry, dispatcher, broadcaster, tracker)

	s.Gateway = gateway.NewGateway(log, chat, auth.NewVerifier(s.Config.TokenSecret), gateway.Config{
		QueueSize:       32,
		TypingQueueSize: 8,
		MaxFrameSize:    4096,
	})
	s.server = httptest.NewServer(http.HandlerFunc(s.Gateway.ServeWS))
	s.T().Cleanup(s.server.Close)
}

func (s *BaseWsSuite) TearDownTest() {
	s.Require().NoError(s.Gateway.Shutdown(2 * time.Second))
}

// ProvisionGroup seeds a group and its members in the store, the way the
// account service would before the chat server ever sees them.
func (s *BaseWsSuite) ProvisionGroup(groupID int64, name string, members ...string) {
	ctx := context.Background()
	s.Require().NoError(s.Store.CreateGroup(ctx, domain.Group{ID: domain.GroupID(groupID), Name: name}))
	for _, member := range members {
		s.Require().NoError(s.Store.AddMember(ctx, domain.GroupID(groupID), member))
	}
}

// WsClient is one connected user in the scenario.
type WsClient struct {
	suite *BaseWsSuite
	conn  *websocket.Conn
	Name  string
}

// Connect dials the in-process server as the given user, printing a colorized
// header for the connection step in logs.
func (s *BaseWsSuite) Connect(t *testing.T, userID, displayName string) *WsClient {
	header := fmt.Sprintf("  ====== connecting %s ======", displayName)
	if s.Config.Colours {
		header = color.New(color.BgBlack, color.FgGreen).Render(header)
	}
	t.Log(header)

	token, err := auth.GenerateToken(domain.Identity{UserID: userID, DisplayName: displayName},
		s.Config.TokenSecret, time.Hour)
	s.Require().NoError(err)

	url := "ws" + strings.TrimPrefix(s.server.URL, "http")
	headers := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.Dial(url, headers)
	s.Require().NoError(err, "Failed to connect to websocket server at "+url)
	t.Cleanup(func() { _ = conn.Close() })

	return &WsClient{suite: s, conn: conn, Name: displayName}
}

func (c *WsClient) Send(event string, payload any) {
	data, err := json.Marshal(payload)
	c.suite.Require().NoError(err)
	frame, err := json.Marshal(gateway.Frame{Event: event, Data: data})
	c.suite.Require().NoError(err)

	if c.suite.Config.DebugJSON {
		c.suite.T().Logf("%s >> %s", c.Name, frame)
	}
	c.suite.Require().NoError(c.conn.WriteMessage(websocket.TextMessage, frame))
}

// CloseAbruptly tears the underlying TCP connection down without a websocket
// close handshake, the way a phone losing signal does.
func (c *WsClient) CloseAbruptly() {
	_ = c.conn.Close()
}

// WaitFor reads frames until one matches the wanted event, skipping unrelated
// traffic. Every read is bounded by the configured timeout.
func (c *WsClient) WaitFor(event string) json.RawMessage {
	for {
		c.suite.Require().NoError(c.conn.SetReadDeadline(time.Now().Add(c.suite.Config.ReadTimeout)))
		_, raw, err := c.conn.ReadMessage()
		c.suite.Require().NoError(err, "%s: no %q frame within %v", c.Name, event, c.suite.Config.ReadTimeout)

		if c.suite.Config.DebugJSON {
			c.suite.T().Logf("%s << %s", c.Name, raw)
		}

		var frame gateway.Frame
		c.suite.Require().NoError(json.Unmarshal(raw, &frame))
		if frame.Event == event {
			return frame.Data
		}
	}
}

// ExpectSilence asserts that no frame of the given event arrives within the
// grace period. Other traffic is tolerated.
func (c *WsClient) ExpectSilence(event string, grace time.Duration) {
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) {
		c.suite.Require().NoError(c.conn.SetReadDeadline(deadline))
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var frame gateway.Frame
		c.suite.Require().NoError(json.Unmarshal(raw, &frame))
		c.suite.Require().NotEqual(event, frame.Event,
			"%s: unexpected %q frame: %s", c.Name, event, raw)
	}
}

// Decode unmarshals a payload into the given destination.
func (s *BaseWsSuite) Decode(data json.RawMessage, dest any) {
	s.Require().NoError(json.Unmarshal(data, dest))
}
