package main

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/auth"
	"github.com/noah-isme/payment-core/internal/health"
	"github.com/noah-isme/payment-core/internal/obs"
	"github.com/noah-isme/payment-core/internal/payment"
	"github.com/noah-isme/payment-core/internal/queue"
	"github.com/noah-isme/payment-core/internal/ratelimit"
	"github.com/noah-isme/payment-core/internal/security"
)

// server holds everything the HTTP surface needs.
type server struct {
	Logger   zerolog.Logger
	Metrics  *obs.HTTPMetrics
	Auth     auth.Middleware
	Payments *payment.Handler
	Webhook  payment.Webhook
	Callback payment.Callback
	Queue    *queue.AdminHandler
	Health   health.Handler

	IntentLimiter  ratelimit.Limiter
	WebhookLimiter ratelimit.Limiter
	MaxWebhookBody int64
	CORSOrigins    []string
	Proxies        security.TrustedProxies
	Production     bool
}

func (s server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.Proxies.Middleware)
	r.Use(middleware.Recoverer)
	r.Use(obs.Tracing)
	r.Use(s.Metrics.Middleware)
	r.Use(obs.RequestLogger{Logger: s.Logger}.Middleware)
	r.Use(security.Headers{HSTS: s.Production}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(s.CORSOrigins),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", auth.AdminKeyHeader},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "Retry-After"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	r.Get("/health/live", s.Health.Live)
	r.Get("/health/ready", s.Health.Ready)

	onLimiterError := func(err error) {
		s.Logger.Warn().Err(err).Msg("rate limiter unavailable")
	}

	r.Route("/payments", func(p chi.Router) {
		p.Get("/methods", s.Payments.Methods)

		p.Group(func(admin chi.Router) {
			admin.Use(s.Auth.RequireAdmin)
			admin.Get("/", s.Payments.List)
			admin.Get("/stats", s.Payments.Stats)
			admin.Post("/refunds", s.Payments.Refund)
		})

		p.Group(func(user chi.Router) {
			user.Use(s.Auth.RequireAuth)
			user.Get("/orders/{orderID}/status", s.Payments.Status)
			user.With(ratelimit.Handler{
				Limiter: s.IntentLimiter,
				Key:     ratelimit.ByUser("intent"),
				OnError: onLimiterError,
			}.Middleware).Post("/intents", s.Payments.Intent)
		})

		p.Route("/{provider}", func(gw chi.Router) {
			gw.Get("/callback", s.Callback.Handle)
			gw.Group(func(hook chi.Router) {
				hook.Use(ratelimit.Handler{
					Limiter: s.WebhookLimiter,
					Key:     ratelimit.ByIP("webhook"),
					OnError: onLimiterError,
				}.Middleware)
				hook.Use(security.WebhookBody{Max: s.MaxWebhookBody}.Middleware)
				// VNPAY delivers IPN as a GET with the signed fields in the query
				hook.Get("/webhook", s.Webhook.Handle)
				hook.Post("/webhook", s.Webhook.Handle)
			})
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.Auth.RequireAdmin)
		admin.Get("/queue/stats", s.Queue.Stats)
		admin.Get("/queue/dlq", s.Queue.ListDLQ)
		admin.Post("/queue/dlq/replay", s.Queue.ReplayDLQ)
	})
	r.With(s.Auth.RequireAdmin).Mount("/debug", middleware.Profiler())
	return r
}

func allowedOrigins(origins []string) []string {
	if len(origins) == 0 {
		return []string{"*"}
	}
	return origins
}
