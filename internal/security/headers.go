package security

import (
	"net/http"
	"strconv"
	"time"
)

var baseHeaders = [][2]string{
	{"X-Content-Type-Options", "nosniff"},
	{"X-Frame-Options", "DENY"},
	{"Referrer-Policy", "no-referrer"},
	// payment state must never be served from an intermediary cache
	{"Cache-Control", "no-store"},
}

// Headers sets response hardening headers on every API response.
type Headers struct {
	// HSTS is sent on TLS requests only.
	HSTS       bool
	HSTSMaxAge time.Duration
}

func (h Headers) Middleware(next http.Handler) http.Handler {
	maxAge := h.HSTSMaxAge
	if maxAge <= 0 {
		maxAge = 365 * 24 * time.Hour
	}
	hsts := "max-age=" + strconv.FormatInt(int64(maxAge/time.Second), 10)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := w.Header()
		for _, kv := range baseHeaders {
			out.Set(kv[0], kv[1])
		}
		if h.HSTS && r.TLS != nil {
			out.Set("Strict-Transport-Security", hsts)
		}
		next.ServeHTTP(w, r)
	})
}
