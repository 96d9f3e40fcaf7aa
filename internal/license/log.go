package license

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"wslicense/internal/infrastructure"
)

// logAction writes a structured record with the action/result pair used
// throughout the license components and mirrors it as a span event.
func logAction(ctx context.Context, logger *slog.Logger, level slog.Level, component, action, result string, attrs ...slog.Attr) {
	if trace.SpanFromContext(ctx).IsRecording() {
		infrastructure.AddSpanEvent(ctx, "license."+action, map[string]interface{}{
			"action":    action,
			"result":    result,
			"component": component,
		})
	}

	all := make([]slog.Attr, 0, len(attrs)+3)
	all = append(all,
		slog.String("component", component),
		slog.String("action", action),
		slog.String("result", result),
	)
	all = append(all, attrs...)
	logger.LogAttrs(ctx, level, result, all...)
}

// maskToken keeps just enough of a token to correlate log lines.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "****" + token[len(token)-4:]
}

// shortHash is a truncated sha256 used to reference secrets in logs.
func shortHash(s string) string {
	if s == "" {
		return ""
	}
	h := sha256.Sum256([]byte(s))
	return fmt.Sprintf("%x", h)[:16]
}

func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "")
	}
	return slog.String("error", err.Error())
}
