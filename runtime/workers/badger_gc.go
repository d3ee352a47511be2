package workers

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"agrichat/contract"

	"github.com/dgraph-io/badger/v4"
)

var _ contract.Worker = (*BadgerGC)(nil)

// BadgerGC runs Badger value-log garbage collection on a ticker. Badger never
// reclaims value-log space on its own; without this, a long-running chat node
// grows its disk footprint indefinitely.
type BadgerGC struct {
	db       *badger.DB
	interval time.Duration
	log      *slog.Logger
}

func NewBadgerGC(db *badger.DB, interval time.Duration, log *slog.Logger) *BadgerGC {
	return &BadgerGC{db: db, interval: interval, log: log}
}

func (w *BadgerGC) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			// Rerun while a rewrite happened; stop on ErrNoRewrite.
			for {
				err := w.db.RunValueLogGC(0.5)
				if err != nil {
					if !errors.Is(err, badger.ErrNoRewrite) {
						w.log.Warn("Value log GC failed", "error", err)
					}
					break
				}
			}
		}
	}
}
