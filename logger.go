package analyzer

import (
	"io"
	"log/slog"
)

// NopLogger returns a logger that discards all output. The library logs
// nothing unless a logger is supplied through the corresponding option.
func NopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
