package obs

import (
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/payment-core/internal/common"
)

// NewLogger builds the process logger: JSON on stdout, or human readable
// output when format is "console" or "text". Unknown levels fall back to info.
func NewLogger(format, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	var out io.Writer = os.Stdout
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "console", "text":
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(lvl).With().Timestamp().Logger()
}

// RequestLogger records structured HTTP request logs enriched with tracing metadata.
type RequestLogger struct {
	Logger zerolog.Logger
}

// Middleware writes one access log line per request. Handlers reach the
// request-scoped logger through zerolog.Ctx and may add fields to it, such as
// the authenticated user, which then appear on the access line.
func (l RequestLogger) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w}
		start := time.Now()

		fields := l.Logger.With().Str("request_id", middleware.GetReqID(r.Context()))
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			fields = fields.Str("trace_id", sc.TraceID().String())
		}
		ctx := fields.Logger().WithContext(r.Context())
		next.ServeHTTP(sw, r.WithContext(ctx))

		reqLogger := zerolog.Ctx(ctx)
		evt := reqLogger.Info()
		if sw.status() >= http.StatusInternalServerError {
			evt = reqLogger.Error()
		}
		// the query string is omitted: gateway callbacks carry signatures in it
		evt.Str("method", r.Method).
			Str("route", routeLabel(r, r.URL.Path)).
			Int("status", sw.status()).
			Int64("duration_ms", time.Since(start).Milliseconds()).
			Int64("bytes", sw.bytes).
			Str("client_ip", common.ClientIP(r)).
			Str("user_agent", r.UserAgent()).
			Msg("http_request")
	})
}
