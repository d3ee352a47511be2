// Command client is a terminal chat client, mostly for trying a server out
// without a mobile build: it joins one group, prints what happens in it and
// sends every line typed on stdin.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrichat/auth"
	"agrichat/domain"
	"agrichat/gateway"

	"github.com/Netflix/go-env"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
)

// Exit codes for the client application.
const (
	exitOK      = 0
	exitRuntime = 1
	exitConfig  = 2
)

// Config defines the client-side environment variables. A pre-issued token
// takes precedence; with only a shared secret the client signs its own, which
// is fine against a development server.
type Config struct {
	ServerURL   string `env:"CHAT_SERVER_URL,default=ws://localhost:8080/ws"`
	GroupID     int64  `env:"CHAT_GROUP_ID,default=1"`
	Token       string `env:"CHAT_TOKEN"`
	AuthSecret  string `env:"AUTH_SECRET"`
	UserID      string `env:"CHAT_USER_ID"`
	DisplayName string `env:"CHAT_DISPLAY_NAME"`
	LogLevel    string `env:"LOG_LEVEL,required=true"`
}

func main() {
	code, err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Client error: %v", err)
	}
	os.Exit(code)
}

func run() (int, error) {
	// 1. Load configuration from environment variables.
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return exitConfig, fmt.Errorf("config error: %w", err)
	}

	log := logs.GetLoggerFromString(config.LogLevel)

	token := config.Token
	if token == "" {
		if config.AuthSecret == "" || config.UserID == "" {
			return exitConfig, fmt.Errorf("either CHAT_TOKEN or AUTH_SECRET with CHAT_USER_ID is required")
		}
		var err error
		token, err = auth.GenerateToken(domain.Identity{
			UserID:      config.UserID,
			DisplayName: config.DisplayName,
		}, config.AuthSecret, 24*time.Hour)
		if err != nil {
			return exitConfig, fmt.Errorf("token generation failed: %w", err)
		}
	}

	// 2. Setup context to handle termination signals (Ctrl+C).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Connect and join the configured group.
	header := http.Header{"Authorization": []string{"Bearer " + token}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, config.ServerURL, header)
	if err != nil {
		return exitRuntime, fmt.Errorf("could not connect to server at %s: %w", config.ServerURL, err)
	}
	defer func() {
		log.Info("Closing connection...")
		_ = conn.Close()
	}()

	if err := sendFrame(conn, gateway.EventJoinGroup, gateway.JoinGroupRequest{GroupID: config.GroupID}); err != nil {
		return exitRuntime, err
	}

	log.Info(fmt.Sprintf(">>> Connected to %s! Listening Group %d (Ctrl+C to quit)...",
		config.ServerURL, config.GroupID))

	// 4. Reception loop in the background; errors end the session.
	errChan := make(chan error, 1)
	go func() {
		errChan <- receive(conn, log)
	}()

	// 5. Input loop: every stdin line becomes a chat message.
	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping client...")
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return exitOK, nil
		case err := <-errChan:
			if ctx.Err() != nil {
				return exitOK, nil
			}
			return exitRuntime, fmt.Errorf("connection error: %w", err)
		case line, ok := <-lines:
			if !ok {
				return exitOK, nil
			}
			if line == "" {
				continue
			}
			if err := sendFrame(conn, gateway.EventSendMessage, gateway.SendMessageRequest{
				GroupID: config.GroupID,
				Content: line,
			}); err != nil {
				return exitRuntime, err
			}
		}
	}
}

func sendFrame(conn *websocket.Conn, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(gateway.Frame{Event: event, Data: data})
	if err != nil {
		return err
	}
	return conn.WriteMessage(websocket.TextMessage, frame)
}

func receive(conn *websocket.Conn, log *slog.Logger) error {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame gateway.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			log.Warn("Invalid frame from server", "error", err)
			continue
		}

		switch frame.Event {
		case gateway.EventJoinGroupSuccess:
			log.Info("Joined the group")
		case gateway.EventNewMessage:
			var msg gateway.NewMessagePayload
			if err := json.Unmarshal(frame.Data, &msg); err != nil {
				continue
			}
			log.Info(fmt.Sprintf("[%s] %s: %s",
				msg.CreatedAt.Format(time.TimeOnly),
				msg.DisplayName,
				msg.Content,
			))
		case gateway.EventUserTyping:
			var typing gateway.UserTypingPayload
			if err := json.Unmarshal(frame.Data, &typing); err != nil {
				continue
			}
			if typing.IsTyping {
				log.Info(fmt.Sprintf("... %s is typing", typing.DisplayName))
			}
		case gateway.EventJoinGroupError, gateway.EventSendError, gateway.EventMarkReadError:
			var failure gateway.ErrorPayload
			_ = json.Unmarshal(frame.Data, &failure)
			log.Warn("Server refused the request", "event", frame.Event, "error", failure.Error)
		case gateway.EventConnectError:
			return fmt.Errorf("server refused the connection")
		}
	}
}
