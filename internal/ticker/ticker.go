// Package ticker runs a function periodically without ever overlapping two
// invocations.
//
// The interval is measured from the end of one invocation to the start of the
// next, so a slow run delays the following one instead of piling up.
package ticker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/snehjoshi/epochmq/internal/types"
)

// Func is the periodic unit of work.
type Func func(ctx context.Context) error

// Ticker drives a Func at a fixed interval.
type Ticker struct {
	name     string
	interval time.Duration
	fn       Func
	logger   *slog.Logger
	isFatal  func(error) bool

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Ticker.
type Option func(*Ticker)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Ticker) { t.logger = l }
}

// WithFatal overrides the error classification. Defaults to types.IsFatal.
func WithFatal(f func(error) bool) Option {
	return func(t *Ticker) { t.isFatal = f }
}

// New returns a Ticker. Call Run to start it.
func New(name string, interval time.Duration, fn Func, opts ...Option) *Ticker {
	t := &Ticker{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   slog.Default(),
		isFatal:  types.IsFatal,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Run invokes fn, waits for it to return, sleeps the interval and repeats
// until ctx is cancelled or Stop is called.
//
// Each invocation runs on a context detached from ctx's cancellation, so a
// shutdown never aborts a transition half way; cancellation is honoured
// between invocations. Run returns nil on a requested stop, or the error of
// the first invocation classified as fatal. Non-fatal errors are logged and
// the loop continues.
func (t *Ticker) Run(ctx context.Context) error {
	defer close(t.done)
	runCtx := context.WithoutCancel(ctx)
	for {
		if err := t.fn(runCtx); err != nil {
			if t.isFatal(err) {
				t.logger.Error("ticker: fatal error, stopping", "ticker", t.name, "err", err)
				return err
			}
			if !errors.Is(err, types.ErrLockContention) {
				t.logger.Warn("ticker: tick failed", "ticker", t.name, "err", err)
			}
		}

		timer := time.NewTimer(t.interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-t.stop:
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// Stop requests termination. It takes effect once the current invocation,
// if any, returns. Use StopAndWait to block until then.
func (t *Ticker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
}

// Done is closed once Run has returned.
func (t *Ticker) Done() <-chan struct{} { return t.done }

// StopAndWait stops the ticker and blocks until Run returned or ctx is done.
func (t *Ticker) StopAndWait(ctx context.Context) error {
	t.Stop()
	select {
	case <-t.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
