package logger

import (
	"log/slog"
	"os"
)

// New creates the process-wide JSON logger writing to stdout. Every record
// carries the service attribute so ledger, pipeline and placement logs can
// be filtered in aggregate.
func New() *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return slog.New(handler).With("service", "tileforge")
}
