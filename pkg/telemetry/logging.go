// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"io"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"
)

// ConfigureSlog installs a trace-aware logger as the slog default and
// returns it.
func ConfigureSlog(output io.Writer, level, format string) *slog.Logger {
	logger := NewLogger(output, level, format)
	slog.SetDefault(logger)
	return logger
}

// NewLogger builds a trace-aware logger without touching the default.
// Format is "json" or "text"; unknown levels fall back to info.
func NewLogger(output io.Writer, level, format string) *slog.Logger {
	return slog.New(newSlogHandler(output, level, format))
}

func newSlogHandler(output io.Writer, level, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: ParseLogLevel(level)}
	var base slog.Handler
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		base = slog.NewJSONHandler(output, opts)
	} else {
		base = slog.NewTextHandler(output, opts)
	}
	return &traceHandler{next: base}
}

// traceHandler stamps records with the ids of the span in ctx.
type traceHandler struct {
	next slog.Handler
}

func (h *traceHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *traceHandler) Handle(ctx context.Context, record slog.Record) error {
	if sc := spanContext(ctx); sc.IsValid() {
		if !recordHasAttr(record, "trace_id") {
			record.AddAttrs(slog.String("trace_id", sc.TraceID().String()))
		}
		if !recordHasAttr(record, "span_id") {
			record.AddAttrs(slog.String("span_id", sc.SpanID().String()))
		}
	}
	return h.next.Handle(ctx, record)
}

func (h *traceHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &traceHandler{next: h.next.WithAttrs(attrs)}
}

func (h *traceHandler) WithGroup(name string) slog.Handler {
	return &traceHandler{next: h.next.WithGroup(name)}
}

// ParseLogLevel maps debug, warn, warning and error to slog levels. Anything
// else is info.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func spanContext(ctx context.Context) trace.SpanContext {
	if ctx == nil {
		return trace.SpanContext{}
	}
	return trace.SpanContextFromContext(ctx)
}

func recordHasAttr(record slog.Record, key string) bool {
	found := false
	record.Attrs(func(attr slog.Attr) bool {
		if attr.Key == key {
			found = true
			return false
		}
		return true
	})
	return found
}
