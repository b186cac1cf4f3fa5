package health

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

type drainStep struct {
	name string
	stop func(context.Context) error
}

// Drainer shuts a process down in the order its parts were added, under one
// deadline. Readiness is cleared before the first step so load balancers stop
// sending traffic while in-flight requests and tasks finish.
type Drainer struct {
	Logger zerolog.Logger
	steps  []drainStep
}

// Add registers a step whose stop honours ctx.
func (d *Drainer) Add(name string, stop func(context.Context) error) {
	d.steps = append(d.steps, drainStep{name: name, stop: stop})
}

// AddFunc registers a step that blocks until it is done.
func (d *Drainer) AddFunc(name string, stop func()) {
	d.Add(name, func(context.Context) error { stop(); return nil })
}

// Drain runs every step even after one fails or the deadline passes, so
// buffers such as the Kafka producer still get their flush attempt.
func (d *Drainer) Drain(ctx context.Context, timeout time.Duration) error {
	SetReady(false)
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	var errs []error
	for _, s := range d.steps {
		start := time.Now()
		err := s.stop(ctx)
		evt := d.Logger.Info()
		if err != nil {
			evt = d.Logger.Error().Err(err)
			errs = append(errs, fmt.Errorf("%s: %w", s.name, err))
		}
		evt.Str("step", s.name).Dur("took", time.Since(start)).Msg("drain_step")
	}
	return errors.Join(errs...)
}
