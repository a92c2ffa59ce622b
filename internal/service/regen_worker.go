package service

import (
	"context"
	"log/slog"
	"time"
)

// RegenStore tops up depleted ledgers in one atomic statement.
type RegenStore interface {
	RegenerateAll(ctx context.Context) (int64, error)
}

// RegenWorker is the out-of-band balance-increase process: every interval
// it credits one token to every user below their cap. It never exceeds
// tokens_max and never touches cooldowns.
type RegenWorker struct {
	log      *slog.Logger
	store    RegenStore
	interval time.Duration
}

func NewRegenWorker(log *slog.Logger, store RegenStore, interval time.Duration) *RegenWorker {
	return &RegenWorker{log: log, store: store, interval: interval}
}

// Run ticks until the context is cancelled.
func (w *RegenWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			topped, err := w.store.RegenerateAll(ctx)
			if err != nil {
				w.log.Error("token regeneration failed", "err", err)
				continue
			}
			if topped > 0 {
				w.log.Info("regenerated tokens", "users", topped)
			}
		}
	}
}
