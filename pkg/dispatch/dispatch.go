// Package dispatch delivers a generation request to a provider, retrying
// transient failures and exposing streamed output as it arrives.
package dispatch

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/deepshell/deepshell/pkg/llmerr"
	"github.com/deepshell/deepshell/pkg/models"
	"github.com/deepshell/deepshell/pkg/provider"
)

// Policy bounds the attempts made for one request.
type Policy struct {
	// MaxAttempts is the total number of provider calls, first one
	// included. Values below 1 mean a single attempt.
	MaxAttempts int
	Backoff     Backoff
	// Timeout bounds a batch call, or the opening of a stream. Zero
	// disables it.
	Timeout time.Duration
}

// Dispatcher sends calls to one provider client.
type Dispatcher struct {
	client provider.Client
	policy Policy
	logger *zap.Logger
	sleep  func(context.Context, time.Duration) error
	rand   func() float64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithSleep replaces the backoff wait, mainly for tests.
func WithSleep(fn func(context.Context, time.Duration) error) Option {
	return func(d *Dispatcher) { d.sleep = fn }
}

// WithRand replaces the jitter source. fn returns a value in [0, 1).
func WithRand(fn func() float64) Option {
	return func(d *Dispatcher) { d.rand = fn }
}

// New creates a Dispatcher.
func New(client provider.Client, policy Policy, logger *zap.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}
	d := &Dispatcher{
		client: client,
		policy: policy,
		logger: logger,
		sleep:  sleepCtx,
		rand:   defaultRand,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Provider returns the name of the backend.
func (d *Dispatcher) Provider() string { return d.client.Name() }

// Outcome is either a batch response or an open stream.
type Outcome struct {
	Text     string
	Usage    *models.Usage
	Stream   *Stream
	Attempts int
}

// Dispatch runs call in batch or streaming mode. A stream is retried only
// while it is being opened; once chunks flow a failure ends the stream.
func (d *Dispatcher) Dispatch(ctx context.Context, call provider.Call, stream bool) (*Outcome, error) {
	if stream {
		s, n, err := d.openStream(ctx, call)
		if err != nil {
			return nil, err
		}
		return &Outcome{Stream: s, Attempts: n}, nil
	}
	var comp *provider.Completion
	n, err := d.retry(ctx, "complete", func(ctx context.Context) error {
		actx, cancel := d.attemptContext(ctx)
		defer cancel()
		c, err := d.client.Complete(actx, call)
		if err != nil {
			return err
		}
		comp = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &Outcome{Text: comp.Text, Usage: comp.Usage, Attempts: n}, nil
}

func (d *Dispatcher) attemptContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.policy.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d.policy.Timeout)
}

func (d *Dispatcher) openStream(ctx context.Context, call provider.Call) (*Stream, int, error) {
	var s *Stream
	n, err := d.retry(ctx, "stream", func(ctx context.Context) error {
		sctx, cancel := context.WithCancel(ctx)
		// The stream outlives this attempt, so the timeout only covers
		// the connection phase.
		var timedOut atomic.Bool
		var timer *time.Timer
		if d.policy.Timeout > 0 {
			timer = time.AfterFunc(d.policy.Timeout, func() {
				timedOut.Store(true)
				cancel()
			})
		}
		r, err := d.client.Stream(sctx, call)
		if timer != nil {
			timer.Stop()
		}
		if err == nil && timedOut.Load() {
			r.Close()
			err = context.DeadlineExceeded
		}
		if err != nil {
			cancel()
			if timedOut.Load() && ctx.Err() == nil {
				return llmerr.New(llmerr.KindTimeout, opName(d.client.Name(), "stream"), err)
			}
			return err
		}
		s = newStream(sctx, cancel, r, opName(d.client.Name(), "stream"))
		return nil
	})
	return s, n, err
}

// retry calls fn until it succeeds, fails with a non-retryable error, or
// the attempt budget is spent. It returns the number of attempts made.
func (d *Dispatcher) retry(ctx context.Context, mode string, fn func(context.Context) error) (int, error) {
	op := opName(d.client.Name(), mode)
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return attempt - 1, llmerr.New(llmerr.KindCancelled, op, err)
		}
		err := fn(ctx)
		if err == nil {
			return attempt, nil
		}
		if ctx.Err() != nil {
			return attempt, llmerr.New(llmerr.KindCancelled, op, ctx.Err())
		}
		err = llmerr.Classify(op, err)
		if !llmerr.Retryable(err) || attempt >= d.policy.MaxAttempts {
			return attempt, err
		}
		delay := d.policy.Backoff.Delay(attempt, d.rand)
		d.logger.Warn("provider call failed, retrying",
			zap.String("provider", d.client.Name()),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", d.policy.MaxAttempts),
			zap.Duration("delay", delay),
			zap.Error(err))
		if err := d.sleep(ctx, delay); err != nil {
			if errors.Is(err, context.Canceled) || ctx.Err() != nil {
				return attempt, llmerr.New(llmerr.KindCancelled, op, err)
			}
			return attempt, err
		}
	}
}

func opName(provider, mode string) string { return provider + " " + mode }
