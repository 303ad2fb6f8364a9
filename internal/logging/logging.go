// Package logging provides structured logging for the bridge daemon
package logging

import (
	"context"
	"log/slog"
	"os"
)

type contextKey string

const (
	receiptKey contextKey = "receipt"
	loggerKey  contextKey = "logger"
)

// New creates a new structured logger
func New(level string, format string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     lvl,
		AddSource: lvl == slog.LevelDebug,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// WithReceipt adds a receipt number to the context
func WithReceipt(ctx context.Context, receipt uint64) context.Context {
	return context.WithValue(ctx, receiptKey, receipt)
}

// Receipt extracts the receipt number from context, 0 if absent
func Receipt(ctx context.Context) uint64 {
	if r, ok := ctx.Value(receiptKey).(uint64); ok {
		return r
	}
	return 0
}

// WithLogger adds a logger to the context
func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// FromContext extracts the logger from context, or returns the default
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// L is a convenience function to get a logger carrying the receipt number
func L(ctx context.Context) *slog.Logger {
	logger := FromContext(ctx)
	if r := Receipt(ctx); r != 0 {
		return logger.With("receipt", r)
	}
	return logger
}
