package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/noah-isme/payment-core/internal/app"
	"github.com/noah-isme/payment-core/internal/config"
	"github.com/noah-isme/payment-core/internal/health"
	"github.com/noah-isme/payment-core/internal/obs"
	"github.com/noah-isme/payment-core/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Str("component", "worker").Logger()
	obs.MustRegisterDomainMetrics("payment", nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   cfg.OTelServiceName + "-worker",
		Endpoint:      cfg.OTelEndpoint,
		SamplingRatio: cfg.OTelSampleRatio,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		shutdownTracer = func(context.Context) error { return nil }
	}

	deps, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise dependencies")
	}

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse queue redis url")
	}

	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency:     cfg.QueueConcurrency,
		Queues:          map[string]int{cfg.QueueName: 1},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          queueLogger{l: logger},
		ErrorHandler: asynq.ErrorHandlerFunc(func(taskCtx context.Context, task *asynq.Task, err error) {
			retried, _ := asynq.GetRetryCount(taskCtx)
			logger.Warn().Err(err).Str("kind", task.Type()).Int("retried", retried).Msg("task_failed")
		}),
	})
	mux := asynq.NewServeMux()
	queue.Handlers{
		Reconciler: deps.Reconciler,
		Orders:     deps.Orders,
		Expirer:    deps.Service,
		Logger:     &logger,
	}.Register(mux)

	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: queueLogger{l: logger}})
	if _, err := scheduler.Register(cfg.ExpirySweepCron, queue.NewExpireIntentsTask(),
		asynq.Queue(cfg.QueueName), asynq.Unique(time.Minute), asynq.MaxRetry(0)); err != nil {
		logger.Fatal().Err(err).Str("cron", cfg.ExpirySweepCron).Msg("register expiry sweep")
	}

	var metricsSrv *http.Server
	if cfg.WorkerMetricsAddr != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsSrv = &http.Server{Addr: cfg.WorkerMetricsAddr, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server stopped")
			}
		}()
	}

	if err := scheduler.Start(); err != nil {
		logger.Fatal().Err(err).Msg("start scheduler")
	}
	if err := srv.Start(mux); err != nil {
		logger.Fatal().Err(err).Msg("start worker")
	}
	logger.Info().Str("queue", cfg.QueueName).Int("concurrency", cfg.QueueConcurrency).Msg("worker starting")

	<-ctx.Done()
	logger.Info().Msg("worker draining")
	drainer := health.Drainer{Logger: logger}
	drainer.AddFunc("scheduler", scheduler.Shutdown)
	// waits up to ShutdownTimeout for running tasks
	drainer.AddFunc("worker", srv.Shutdown)
	if metricsSrv != nil {
		drainer.Add("metrics", metricsSrv.Shutdown)
	}
	drainer.AddFunc("dependencies", deps.Close)
	drainer.Add("tracer", shutdownTracer)
	if err := drainer.Drain(context.Background(), cfg.ShutdownTimeout+5*time.Second); err != nil {
		logger.Error().Err(err).Msg("worker shutdown")
	}
	logger.Info().Msg("worker shutdown complete")
}

// queueLogger routes asynq's internal logs through zerolog.
type queueLogger struct {
	l zerolog.Logger
}

func (q queueLogger) Debug(args ...any) { q.l.Debug().Msg(fmt.Sprint(args...)) }
func (q queueLogger) Info(args ...any)  { q.l.Info().Msg(fmt.Sprint(args...)) }
func (q queueLogger) Warn(args ...any)  { q.l.Warn().Msg(fmt.Sprint(args...)) }
func (q queueLogger) Error(args ...any) { q.l.Error().Msg(fmt.Sprint(args...)) }
func (q queueLogger) Fatal(args ...any) { q.l.Fatal().Msg(fmt.Sprint(args...)) }
