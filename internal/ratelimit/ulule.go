package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	limiter "github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
)

// FixedWindow adapts a ulule limiter, configured with a rate such as "20-M".
type FixedWindow struct {
	L *limiter.Limiter
}

// ParseRate reads a formatted rate such as "600-M" (limit per S, M, H or D).
func ParseRate(rate string) (limiter.Rate, error) {
	r, err := limiter.NewRateFromFormatted(rate)
	if err != nil {
		return limiter.Rate{}, fmt.Errorf("ratelimit: parse rate %q: %w", rate, err)
	}
	return r, nil
}

// NewFixedWindow builds a limiter over store from a formatted rate.
func NewFixedWindow(store limiter.Store, rate string) (*FixedWindow, error) {
	r, err := ParseRate(rate)
	if err != nil {
		return nil, err
	}
	return &FixedWindow{L: limiter.New(store, r)}, nil
}

// NewRedisStore keeps counters in Redis so every API replica shares them.
func NewRedisStore(rdb *redis.Client, prefix string) (limiter.Store, error) {
	return limiterredis.NewStoreWithOptions(rdb, limiter.StoreOptions{Prefix: prefix})
}

// NewMemoryStore keeps counters in process.
func NewMemoryStore(prefix string) limiter.Store {
	return memory.NewStoreWithOptions(limiter.StoreOptions{Prefix: prefix, CleanUpInterval: time.Minute})
}

func (f *FixedWindow) Allow(ctx context.Context, key string) (Decision, error) {
	lc, err := f.L.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	return Decision{
		Allowed:   !lc.Reached,
		Limit:     int(lc.Limit),
		Remaining: int(lc.Remaining),
		ResetAt:   time.Unix(lc.Reset, 0),
	}, nil
}
