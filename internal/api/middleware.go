package api

import (
	"log/slog"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/smazurov/llmpool/internal/logging"
)

// HTTPLoggingMiddleware logs each request once it completes, at a level
// chosen from the method and response status.
func HTTPLoggingMiddleware(ctx huma.Context, next func(huma.Context)) {
	start := time.Now()

	// Capture request details up front; handlers may consume the context.
	method := ctx.Method()
	path := ctx.URL().Path
	query := ctx.URL().RawQuery
	userAgent := ctx.Header("User-Agent")
	remoteAddr := ctx.RemoteAddr()

	next(ctx)

	status := ctx.Status()
	attrs := []slog.Attr{
		slog.String("method", method),
		slog.String("path", path),
		slog.String("remote_addr", remoteAddr),
		slog.Int("status", status),
		slog.Duration("duration", time.Since(start)),
	}
	if query != "" {
		attrs = append(attrs, slog.String("query", query))
	}
	if userAgent != "" {
		attrs = append(attrs, slog.String("user_agent", userAgent))
	}

	logging.GetLogger("http").LogAttrs(ctx.Context(), requestLevel(method, status),
		"HTTP request completed", attrs...)
}

// requestLevel keeps CORS preflight noise at debug, puts server errors
// at error and client errors at warn.
func requestLevel(method string, status int) slog.Level {
	switch {
	case method == "OPTIONS":
		return slog.LevelDebug
	case status >= 500:
		return slog.LevelError
	case status >= 400:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
