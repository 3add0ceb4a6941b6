package logger

import (
	"log/slog"
	"os"
)

// New returns a JSON slog.Logger tagged with the component name so the
// pulse, migrate and token binaries are distinguishable in shared log
// streams.
func New(service string, level slog.Level) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return slog.New(h).With("service", service)
}
