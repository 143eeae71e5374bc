package mw

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/devkishan/fluxgate/internal/httpx"
)

// AccessLog logs one structured line per request at the transport level.
// This is distinct from internal/accesslog's AccessLogEvent fan-out: this
// one is operator-facing stdout logging, the other is the durable,
// dashboard-consumed event stream.
func AccessLog(log *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &httpx.StatusWriter{ResponseWriter: w}
		start := time.Now()
		next.ServeHTTP(sw, r)
		d := time.Since(start)

		log.Info("http_request",
			slog.String("rid", RID(r.Context())),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", sw.Status),
			slog.Int("bytes", sw.Bytes),
			slog.String("duration", d.String()),
		)
	})
}
