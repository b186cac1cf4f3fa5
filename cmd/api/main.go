package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/noah-isme/payment-core/internal/app"
	"github.com/noah-isme/payment-core/internal/auth"
	"github.com/noah-isme/payment-core/internal/config"
	"github.com/noah-isme/payment-core/internal/db"
	"github.com/noah-isme/payment-core/internal/health"
	"github.com/noah-isme/payment-core/internal/obs"
	"github.com/noah-isme/payment-core/internal/payment"
	"github.com/noah-isme/payment-core/internal/queue"
	"github.com/noah-isme/payment-core/internal/ratelimit"
	"github.com/noah-isme/payment-core/internal/security"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "api").Logger()
	obs.MustRegisterDomainMetrics("payment", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   cfg.OTelServiceName,
		Endpoint:      cfg.OTelEndpoint,
		SamplingRatio: cfg.OTelSampleRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}

	migrator, err := db.NewMigrator(cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("open migrations")
	}
	if err := db.Up(migrator); err != nil {
		logger.Fatal().Err(err).Msg("apply migrations")
	}
	_, _ = migrator.Close()

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}

	intentStore, err := ratelimit.NewRedisStore(deps.Redis, "payment:ratelimit:intent")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limit store")
	}
	intentLimiter, err := ratelimit.NewFixedWindow(intentStore, cfg.RateLimitIntent)
	if err != nil {
		logger.Fatal().Err(err).Str("rate", cfg.RateLimitIntent).Msg("parse intent rate limit")
	}
	webhookLimiter, err := webhookWindow(deps, cfg.RateLimitWebhook)
	if err != nil {
		logger.Fatal().Err(err).Str("rate", cfg.RateLimitWebhook).Msg("parse webhook rate limit")
	}

	proxies, err := security.ParseTrustedProxies(cfg.TrustedProxies)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse trusted proxies")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse queue redis url")
	}
	inspector := asynq.NewInspector(redisOpt)
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Error().Err(err).Msg("close queue inspector")
		}
	}()

	srv := server{
		Logger:  logger,
		Metrics: obs.NewHTTPMetrics("payment", nil, nil),
		Auth: auth.Middleware{
			Verifier: &auth.Verifier{
				Secret:    []byte(cfg.JWTSecret),
				Issuer:    cfg.JWTIssuer,
				Audience:  cfg.JWTAudience,
				ClockSkew: 30 * time.Second,
			},
			AdminKeyHash: cfg.AdminAPIKeyHash,
		},
		Payments: &payment.Handler{Svc: deps.Service, Reconciler: deps.Reconciler},
		Webhook: payment.Webhook{
			Adapters:   deps.Adapters,
			Reconciler: deps.Reconciler,
			Retry:      deps.Enqueuer,
			Logger:     &logger,
		},
		Callback: payment.Callback{
			Adapters:  deps.Adapters,
			Store:     deps.Store,
			ResultURL: cfg.PaymentResultURL,
			Logger:    &logger,
		},
		Queue: &queue.AdminHandler{Inspector: inspector, Queue: cfg.QueueName, Logger: logger},
		Health: health.Handler{
			Checker:      health.Deps{DB: deps.DB, Redis: deps.Redis},
			Breakers:     deps.Breakers,
			DBTimeout:    500 * time.Millisecond,
			RedisTimeout: 300 * time.Millisecond,
		},
		IntentLimiter:  intentLimiter,
		WebhookLimiter: webhookLimiter,
		MaxWebhookBody: cfg.WebhookMaxBodyBytes,
		CORSOrigins:    cfg.CORSAllowedOrigins,
		Proxies:        proxies,
		Production:     cfg.IsProduction(),
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           srv.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Strs("gateways", providerNames(deps.Adapters)).Msg("server starting")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("server exited unexpectedly")
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("server draining")
	drainer := health.Drainer{Logger: logger}
	drainer.Add("http", httpServer.Shutdown)
	// closes the Kafka producer after the last handler could publish
	drainer.AddFunc("dependencies", deps.Close)
	drainer.Add("tracer", shutdownTracer)
	if err := drainer.Drain(context.Background(), cfg.ShutdownTimeout); err != nil {
		logger.Error().Err(err).Msg("server shutdown")
	}
	logger.Info().Msg("server shutdown complete")
}

func webhookWindow(deps *app.Dependencies, rate string) (ratelimit.SlidingWindow, error) {
	parsed, err := ratelimit.ParseRate(rate)
	if err != nil {
		return ratelimit.SlidingWindow{}, err
	}
	return ratelimit.SlidingWindow{
		Client: deps.Redis,
		Prefix: "payment:ratelimit:webhook",
		Window: parsed.Period,
		Max:    int(parsed.Limit),
	}, nil
}

func providerNames(a payment.Adapters) []string {
	enabled := a.Enabled()
	out := make([]string, 0, len(enabled))
	for _, p := range enabled {
		out = append(out, string(p))
	}
	return out
}
