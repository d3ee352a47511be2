package workers

import (
	"context"
	"log/slog"
	"time"

	"agrichat/contract"
	"agrichat/runtime"
)

var _ contract.Worker = (*TypingSweeper)(nil)

// TypingSweeper periodically expires stale typing entries so that a client
// that crashed mid-composition does not stay "typing" forever. The sweep
// interval is half the TTL, bounding how long a stale indicator can outlive
// its expiry.
type TypingSweeper struct {
	broadcaster *runtime.Broadcaster
	interval    time.Duration
	log         *slog.Logger
}

func NewTypingSweeper(broadcaster *runtime.Broadcaster, ttl time.Duration, log *slog.Logger) *TypingSweeper {
	return &TypingSweeper{broadcaster: broadcaster, interval: ttl / 2, log: log}
}

func (w *TypingSweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping typing sweeper")
			return ctx.Err()
		case <-ticker.C:
			w.broadcaster.Sweep(ctx)
		}
	}
}
