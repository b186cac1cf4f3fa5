package resilience

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"
)

// ErrOpenCircuit is returned instead of calling a gateway whose breaker is open.
var ErrOpenCircuit = errors.New("resilience: circuit breaker open")

// State is a breaker position.
type State int

const (
	Closed State = iota
	Open
	// HalfOpen lets one trial call through after the cool-off.
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	}
	return "unknown"
}

// Breaker trips when the failure ratio over the most recent calls reaches a
// threshold. Outcomes live in a ring twice the minimum sample, so old results
// age out instead of diluting a fresh outage.
type Breaker struct {
	mu       sync.Mutex
	state    State
	ring     []bool
	next     int
	filled   int
	minCalls int
	ratio    float64
	openFor  time.Duration
	openedAt time.Time
	trial    bool

	target string
	logger zerolog.Logger
	now    func() time.Time
}

// NewBreaker opens after minCalls observed calls when failures reach
// failureRatio, and stays open for openFor.
func NewBreaker(minCalls int, failureRatio float64, openFor time.Duration) *Breaker {
	if minCalls < 1 {
		minCalls = 1
	}
	if failureRatio <= 0 || failureRatio > 1 {
		failureRatio = 0.5
	}
	if openFor <= 0 {
		openFor = 30 * time.Second
	}
	return &Breaker{
		ring:     make([]bool, 2*minCalls),
		minCalls: minCalls,
		ratio:    failureRatio,
		openFor:  openFor,
		target:   "default",
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// Allow reports whether a call may proceed. Once the cool-off has passed the
// first caller becomes the half-open trial; others are refused until it reports.
// A nil breaker admits every call.
func (b *Breaker) Allow(ctx context.Context) bool {
	if b == nil {
		return true
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.openFor {
			return false
		}
		b.moveLocked(ctx, HalfOpen)
		b.trial = true
		return true
	default:
		if b.trial {
			return false
		}
		b.trial = true
		return true
	}
}

// Report records the outcome of a call admitted by Allow.
func (b *Breaker) Report(ctx context.Context, success bool) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case Open:
		return
	case HalfOpen:
		b.trial = false
		if success {
			b.moveLocked(ctx, Closed)
		} else {
			b.moveLocked(ctx, Open)
		}
		return
	}

	b.ring[b.next] = !success
	b.next = (b.next + 1) % len(b.ring)
	if b.filled < len(b.ring) {
		b.filled++
	}
	if b.filled < b.minCalls {
		return
	}
	failures := 0
	for i := 0; i < b.filled; i++ {
		if b.ring[i] {
			failures++
		}
	}
	if float64(failures)/float64(b.filled) >= b.ratio {
		b.moveLocked(ctx, Open)
	}
}

func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) moveLocked(ctx context.Context, to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	switch to {
	case Open:
		b.openedAt = b.now()
	case Closed:
		b.next, b.filled = 0, 0
		clear(b.ring)
	}
	breakerState.WithLabelValues(b.target).Set(float64(to))
	breakerTransitions.WithLabelValues(b.target, from.String(), to.String()).Inc()

	evt := b.logger.Warn()
	if to == Closed {
		evt = b.logger.Info()
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt = evt.Str("trace_id", sc.TraceID().String())
	}
	evt.Str("target", b.target).Str("from_state", from.String()).Str("to_state", to.String()).Msg("breaker_transition")
}

// BreakerSet keeps one breaker per downstream target so a failing gateway
// never short-circuits calls to the healthy ones.
type BreakerSet struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	minCalls int
	ratio    float64
	openFor  time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewBreakerSet fixes the thresholds every breaker in the set is created with.
func NewBreakerSet(minCalls int, failureRatio float64, openFor time.Duration) *BreakerSet {
	return &BreakerSet{
		breakers: make(map[string]*Breaker),
		minCalls: minCalls,
		ratio:    failureRatio,
		openFor:  openFor,
		logger:   zerolog.Nop(),
		now:      time.Now,
	}
}

// WithLogger sets the transition logger for breakers created afterwards.
func (s *BreakerSet) WithLogger(logger zerolog.Logger) *BreakerSet {
	s.mu.Lock()
	s.logger = logger
	s.mu.Unlock()
	return s
}

// For returns the target's breaker, creating it closed on first use.
func (s *BreakerSet) For(target string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[target]; ok {
		return b
	}
	b := NewBreaker(s.minCalls, s.ratio, s.openFor)
	b.target = target
	b.logger = s.logger.With().Str("component", "breaker").Logger()
	b.now = s.now
	breakerState.WithLabelValues(target).Set(float64(Closed))
	s.breakers[target] = b
	return b
}

// Snapshot maps each known target to its state name.
func (s *BreakerSet) Snapshot() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.breakers))
	for target, b := range s.breakers {
		out[target] = b.State().String()
	}
	return out
}

// Backoff doubles base for every attempt after the first and spreads the
// result by up to ±jitter (a fraction of the delay).
func Backoff(base time.Duration, attempt int, jitter float64) time.Duration {
	if base <= 0 {
		base = 100 * time.Millisecond
	}
	if attempt < 1 {
		attempt = 1
	}
	d := base << (attempt - 1)
	if jitter <= 0 {
		return d
	}
	spread := float64(d) * jitter
	return d + time.Duration((rand.Float64()*2-1)*spread)
}
