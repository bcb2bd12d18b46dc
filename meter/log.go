// Package meter provides Meter implementations for the router: a
// slog-backed meter emitting one structured line per routing decision and
// per upstream attempt outcome, and a no-op default.
package meter

import (
	"context"
	"log/slog"

	"github.com/freerouter-dev/freerouter"
)

// LogMeter emits structured routing logs. Routing decisions log at Info;
// fallback attempts (attempt > 1) and failed attempts log at Warn so a
// degraded chain stands out in the stream, with timeouts tagged apart from
// plain upstream errors.
type LogMeter struct {
	logger *slog.Logger
}

var _ freerouter.Meter = (*LogMeter)(nil)

// NewLogMeter creates a LogMeter over logger, or slog.Default() when nil.
func NewLogMeter(logger *slog.Logger) *LogMeter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogMeter{logger: logger}
}

func (m *LogMeter) OnRoute(e freerouter.RouteEvent) {
	attrs := []slog.Attr{
		slog.String("tier", e.Tier.String()),
		slog.String("model", string(e.Model)),
		slog.String("method", string(e.Method)),
		slog.Int("attempt", e.AttemptNum),
		slog.Int64("estimated_tokens", e.EstimatedIn),
	}
	// Confidence only means anything when the classifier produced the
	// decision; overrides and explicit models are certainties.
	if e.Method == freerouter.MethodRules {
		attrs = append(attrs, slog.Float64("confidence", e.Confidence))
	}

	level, msg := slog.LevelInfo, "routed"
	if e.AttemptNum > 1 {
		level, msg = slog.LevelWarn, "fallback"
	}
	m.logger.LogAttrs(context.Background(), level, msg, attrs...)
}

func (m *LogMeter) OnResult(e freerouter.ResultEvent) {
	attrs := []slog.Attr{
		slog.String("tier", e.Tier.String()),
		slog.String("model", string(e.Model)),
		slog.Int64("duration_ms", e.Duration.Milliseconds()),
	}

	switch {
	case e.Success:
		attrs = append(attrs,
			slog.Int64("prompt_tokens", e.Usage.PromptTokens),
			slog.Int64("completion_tokens", e.Usage.CompletionTokens),
		)
		m.logger.LogAttrs(context.Background(), slog.LevelInfo, "upstream done", attrs...)
	case e.Timeout:
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "upstream timeout", attrs...)
	default:
		attrs = append(attrs, slog.Any("error", e.Error))
		m.logger.LogAttrs(context.Background(), slog.LevelWarn, "upstream error", attrs...)
	}
}
