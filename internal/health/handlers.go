package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
)

// Checker represents dependencies that readiness pings.
type Checker interface {
	PingDB(ctx context.Context, timeout time.Duration) error
	PingRedis(ctx context.Context, timeout time.Duration) error
}

// BreakerReporter exposes outbound circuit states keyed by gateway.
type BreakerReporter interface {
	Snapshot() map[string]string
}

var ready atomic.Bool

func init() { ready.Store(true) }

// SetReady flips readiness; the API clears it when draining for shutdown.
func SetReady(v bool) { ready.Store(v) }

// Deps pings the live Postgres pool and Redis client.
type Deps struct {
	DB    *pgxpool.Pool
	Redis *redis.Client
}

func (d Deps) PingDB(ctx context.Context, timeout time.Duration) error {
	if d.DB == nil {
		return errors.New("db not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.DB.Ping(ctx)
}

func (d Deps) PingRedis(ctx context.Context, timeout time.Duration) error {
	if d.Redis == nil {
		return errors.New("redis not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return d.Redis.Ping(ctx).Err()
}

// Handler serves the liveness and readiness checks.
type Handler struct {
	Checker      Checker
	Breakers     BreakerReporter
	DBTimeout    time.Duration
	RedisTimeout time.Duration
}

type readiness struct {
	DB       string            `json:"db"`
	Redis    string            `json:"redis"`
	Draining bool              `json:"draining,omitempty"`
	Gateways map[string]string `json:"gateways,omitempty"`
}

func (r readiness) ok() bool { return r.DB == "ok" && r.Redis == "ok" && !r.Draining }

// Live answers as long as the process can serve HTTP at all.
func (h Handler) Live(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("ok"))
}

// Ready fails while draining or when Postgres or Redis is unreachable. Gateway
// breakers are reported but never fail readiness: webhooks, callbacks and
// status reads keep working while a gateway is down.
func (h Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.Checker == nil {
		http.Error(w, "dependencies unavailable", http.StatusServiceUnavailable)
		return
	}
	status := readiness{
		DB:       checkResult(h.Checker.PingDB(r.Context(), orDefault(h.DBTimeout, 500*time.Millisecond))),
		Redis:    checkResult(h.Checker.PingRedis(r.Context(), orDefault(h.RedisTimeout, 300*time.Millisecond))),
		Draining: !ready.Load(),
	}
	if h.Breakers != nil {
		status.Gateways = h.Breakers.Snapshot()
	}
	code := http.StatusOK
	if !status.ok() {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(status)
}

func checkResult(err error) string {
	if err != nil {
		return err.Error()
	}
	return "ok"
}

func orDefault(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
