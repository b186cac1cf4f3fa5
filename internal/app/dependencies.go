// Package app assembles the shared infrastructure used by the API, the worker
// and the admin CLI.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/payment-core/internal/config"
	"github.com/noah-isme/payment-core/internal/events"
	"github.com/noah-isme/payment-core/internal/lock"
	"github.com/noah-isme/payment-core/internal/obs"
	"github.com/noah-isme/payment-core/internal/orders"
	"github.com/noah-isme/payment-core/internal/payment"
	"github.com/noah-isme/payment-core/internal/payment/postgres"
	"github.com/noah-isme/payment-core/internal/queue"
	"github.com/noah-isme/payment-core/internal/resilience"
)

// Dependencies enumerates the services shared by every entry point.
type Dependencies struct {
	Config   *config.Config
	Logger   zerolog.Logger
	DB       *pgxpool.Pool
	Redis    *redis.Client
	Tasks    *asynq.Client
	Breakers *resilience.BreakerSet
	Adapters payment.Adapters
	Store    *postgres.Store
	Orders   *orders.Client
	Bus      *events.Bus
	Enqueuer queue.Enqueuer

	Service    *payment.Service
	Reconciler *payment.Reconciler

	closers []func() error
}

// New connects to Postgres and Redis and wires the payment core. Call Close when done.
func New(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*Dependencies, error) {
	d := &Dependencies{Config: cfg, Logger: logger}

	pool, err := OpenDB(ctx, cfg.DatabaseURL, cfg.OTelServiceName)
	if err != nil {
		return nil, err
	}
	d.DB = pool
	d.closers = append(d.closers, func() error { pool.Close(); return nil })

	rdb, err := OpenRedis(ctx, cfg.RedisURL, logger)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Redis = rdb
	d.closers = append(d.closers, rdb.Close)

	redisOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("app: parse queue redis url: %w", err)
	}
	d.Tasks = asynq.NewClient(redisOpt)
	d.closers = append(d.closers, d.Tasks.Close)
	d.Enqueuer = queue.Enqueuer{
		Client:      d.Tasks,
		Queue:       cfg.QueueName,
		MaxAttempts: cfg.QueueMaxAttempts,
		Retention:   cfg.QueueRetention,
	}

	d.Breakers = resilience.NewBreakerSet(cfg.CircuitFailureThreshold, 0.5, cfg.CircuitCooldown).WithLogger(logger)
	d.Adapters = NewAdapters(cfg, d.Breakers, &logger)

	d.Bus = &events.Bus{Sinks: []events.Sink{d.Enqueuer}}
	if len(cfg.KafkaBrokers) > 0 {
		producer, err := events.NewKafkaProducer(cfg.KafkaBrokers, cfg.OTelServiceName)
		if err != nil {
			// order.paid still reaches the order service through the queue
			logger.Error().Err(err).Strs("brokers", cfg.KafkaBrokers).Msg("kafka producer unavailable")
		} else {
			d.closers = append(d.closers, producer.Close)
			d.Bus.Sinks = append(d.Bus.Sinks, events.KafkaSink{
				Producer: producer,
				Topic:    cfg.KafkaTopic,
				Topics:   events.DefaultTopics(),
			})
		}
	}

	d.Orders = &orders.Client{
		BaseURL: cfg.OrdersAPIURL,
		Token:   cfg.OrdersAPIToken,
		HTTP:    gatewayClient(cfg, d.Breakers, "orders-api", &logger),
	}
	gateway := orders.Gateway{Client: d.Orders, Events: d.Bus}

	d.Store = postgres.New(pool)
	d.Service = &payment.Service{
		Store:    d.Store,
		Adapters: d.Adapters,
		Orders:   gateway,
		Locker: lock.Locker{
			R:            rdb,
			RetryBackoff: 50 * time.Millisecond,
			MaxWait:      cfg.LockMaxWait,
		},
		LockTTL:        cfg.LockTTL,
		IntentTTL:      cfg.PaymentIntentTTL,
		GatewayTimeout: cfg.PaymentGatewayTimeout,
		Currency:       cfg.CurrencyCode,
		ReturnURLFor:   func(p payment.Provider) string { return cfg.CallbackURL(string(p)) },
		Logger:         &logger,
	}
	d.Reconciler = &payment.Reconciler{
		Store:         d.Store,
		Orders:        gateway,
		Events:        d.Bus,
		Adapters:      d.Adapters,
		Timeout:       cfg.PaymentReconcileTimeout,
		RefundTimeout: cfg.PaymentGatewayTimeout,
		Logger:        &logger,
	}
	return d, nil
}

// Close releases connections in reverse order of acquisition.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.Logger.Error().Err(err).Msg("close dependency")
		}
	}
	d.closers = nil
}

// OpenDB opens a traced pgx pool and verifies connectivity.
func OpenDB(ctx context.Context, databaseURL, appName string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse database config: %w", err)
	}
	poolConfig.ConnConfig.Tracer = obs.PGXTracer{}
	if poolConfig.ConnConfig.RuntimeParams == nil {
		poolConfig.ConnConfig.RuntimeParams = map[string]string{}
	}
	poolConfig.ConnConfig.RuntimeParams["application_name"] = appName

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("app: connect database: %w", err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("app: ping database: %w", err)
	}
	return pool, nil
}

// OpenRedis opens an instrumented Redis client and verifies connectivity.
func OpenRedis(ctx context.Context, redisURL string, logger zerolog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("app: parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(rdb); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("app: ping redis: %w", err)
	}
	return rdb, nil
}

// NewAdapters builds an adapter for every gateway with credentials. Each
// gateway gets its own breaker so one failing provider does not trip the others.
func NewAdapters(cfg *config.Config, breakers *resilience.BreakerSet, logger *zerolog.Logger) payment.Adapters {
	var a payment.Adapters
	if cfg.VNPay.Enabled() {
		a.VNPay = &payment.VNPay{
			TmnCode:    cfg.VNPay.TmnCode,
			HashSecret: cfg.VNPay.HashSecret,
			PayURL:     cfg.VNPay.PayURL,
			APIURL:     cfg.VNPay.APIURL,
			HTTP:       gatewayClient(cfg, breakers, "gateway-vnpay", logger),
		}
	}
	if cfg.MoMo.Enabled() {
		a.MoMo = &payment.MoMo{
			PartnerCode: cfg.MoMo.PartnerCode,
			AccessKey:   cfg.MoMo.AccessKey,
			SecretKey:   cfg.MoMo.SecretKey,
			Endpoint:    cfg.MoMo.Endpoint,
			IPNURL:      cfg.WebhookURL(string(payment.ProviderMoMo)),
			HTTP:        gatewayClient(cfg, breakers, "gateway-momo", logger),
		}
	}
	if cfg.PayOS.Enabled() {
		a.PayOS = &payment.PayOS{
			ClientID:    cfg.PayOS.ClientID,
			APIKey:      cfg.PayOS.APIKey,
			ChecksumKey: cfg.PayOS.ChecksumKey,
			PartnerCode: cfg.PayOS.PartnerCode,
			APIURL:      cfg.PayOS.APIURL,
			CancelURL:   cfg.PayOS.CancelURL,
			HTTP:        gatewayClient(cfg, breakers, "gateway-payos", logger),
		}
	}
	return a
}

func gatewayClient(cfg *config.Config, breakers *resilience.BreakerSet, target string, logger *zerolog.Logger) resilience.HTTPClient {
	return resilience.HTTPClient{
		Client: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		Breaker:     breakers.For(target),
		BaseBackoff: 200 * time.Millisecond,
		MaxAttempts: cfg.HTTPMaxAttempts,
		Jitter:      0.2,
		Timeout:     cfg.PaymentGatewayTimeout,
		Target:      target,
		Logger:      logger,
	}
}
