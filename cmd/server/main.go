package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agrichat/auth"
	"agrichat/gateway"
	"agrichat/internal"
	"agrichat/repositories"
	"agrichat/runtime"
	"agrichat/runtime/workers"
	"agrichat/services"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes all components, manages the server lifecycle, and
// centralizes error reporting, so every defer (database close, gateway drain)
// executes before the process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Database (BadgerDB)
	db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
		WithLoggingLevel(badger.WARNING))
	if err != nil {
		return fmt.Errorf("database opening failed: %w", err)
	}
	defer func() {
		log.Info("Closing BadgerDB...")
		_ = db.Close()
	}()

	// 3. Store & runtime services
	store := repositories.NewBadgerStore(db, log, config.LimitMessages)
	defer func() {
		_ = store.Close()
	}()

	registry := runtime.NewRegistry(log, store)
	dispatcher := runtime.NewDispatcher(log, registry, store, config.MaxContentLength, config.StoreTimeout)
	broadcaster := runtime.NewBroadcaster(log, registry, config.TypingTTL)
	tracker := runtime.NewReceiptTracker(log, registry, store, config.StoreTimeout)
	chat := services.NewChatService(registry, dispatcher, broadcaster, tracker)

	// 4. Supervision
	supervisor := workers.NewSupervisor(log, config.RestartInterval)
	supervisor.Add(
		workers.NewTypingSweeper(broadcaster, config.TypingTTL, log),
		workers.NewHealthWorker(log, config.HealthInterval),
		workers.NewBadgerGC(db, config.GCInterval, log),
	)

	// 5. Context & Signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go supervisor.Run(ctx)

	// 6. Gateway & HTTP server
	verifier := auth.NewVerifier(config.AuthSecret)
	gw := gateway.NewGateway(log, chat, verifier, gateway.Config{
		QueueSize:       config.SessionQueueSize,
		TypingQueueSize: config.TypingQueueSize,
		MaxFrameSize:    config.MaxFrameSize,
	})

	if config.DebugPort != nil {
		internal.StartDebugServer(db, *config.DebugPort, "/inspect", internal.DefaultMapper, func() map[string]any {
			lsm, vlog := db.Size()
			return map[string]any{"lsm_bytes": lsm, "vlog_bytes": vlog}
		})
		log.Warn("Store inspector enabled", "port", *config.DebugPort)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", gw.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	address := fmt.Sprintf("%s:%d", config.Host, config.Port)
	server := &http.Server{Addr: address, Handler: mux}

	errChan := make(chan error, 1)
	go func() {
		log.Info("Starting chat server", "address", address, "at", time.Now().UTC())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- fmt.Errorf("http server error: %w", err)
		}
	}()

	// 7. Wait for Stop or Error
	select {
	case <-ctx.Done():
		log.Info("Shutting down gracefully...")
	case err := <-errChan:
		return err
	}

	// 8. Final Cleanup
	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)
	_ = gw.Shutdown(config.ShutdownTimeout)
	supervisor.Stop()
	log.Info("Program stopped cleanly")

	return nil
}
