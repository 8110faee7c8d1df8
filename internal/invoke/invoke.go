// Package invoke wraps worker step calls with timeout, retry, error
// classification, and per-worker circuit breaking. It is the only path
// through which the orchestrator reaches a worker.
package invoke

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"
)

// ErrorKind determines whether a failure is retry-eligible.
type ErrorKind string

const (
	// KindTransient covers network failures, timeouts, and 5xx-equivalent
	// responses. Retried with backoff.
	KindTransient ErrorKind = "Transient"
	// KindPermanent covers validation and malformed-payload failures.
	// Never retried.
	KindPermanent ErrorKind = "Permanent"
)

// Error is a classified worker failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient wraps err as a retry-eligible failure.
func Transient(err error) error {
	return &Error{Kind: KindTransient, Err: err}
}

// Permanent wraps err as a non-retryable failure.
func Permanent(err error) error {
	return &Error{Kind: KindPermanent, Err: err}
}

// Transientf formats a retry-eligible failure.
func Transientf(format string, args ...any) error {
	return Transient(fmt.Errorf(format, args...))
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// KindOf reports the classification of err. Unclassified errors default to
// Transient: an unknown failure mode is assumed to be worth one more try.
func KindOf(err error) ErrorKind {
	var classified *Error
	if errors.As(err, &classified) {
		return classified.Kind
	}
	return KindTransient
}

// Worker is one named step's business logic: a stateless function of its
// payload with no side effects outside its declared output.
type Worker interface {
	Name() string
	Run(ctx context.Context, payload []byte) ([]byte, error)
}

// Result is a successful invocation's output along with how many attempts
// it took.
type Result struct {
	Output   []byte
	Attempts int
}

// Options configure a Client. Zero values fall back to the defaults below.
type Options struct {
	StepTimeout      time.Duration
	MaxAttempts      int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// InitialBackoff seeds the exponential backoff. Tests shrink this.
	InitialBackoff time.Duration
}

func (o *Options) applyDefaults() {
	if o.StepTimeout <= 0 {
		o.StepTimeout = 10 * time.Second
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = 5
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = 30 * time.Second
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 250 * time.Millisecond
	}
}

// Client invokes workers with retry and circuit breaking. One breaker is
// maintained per worker name, shared across runs, so a degraded dependency
// is shielded from retry storms regardless of which run hits it.
type Client struct {
	opts   Options
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// New creates a Client with the given options.
func New(opts Options) *Client {
	opts.applyDefaults()
	return &Client{
		opts:     opts,
		logger:   slog.Default(),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breaker(name string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()

	if br, ok := c.breakers[name]; ok {
		return br
	}
	threshold := uint32(c.opts.BreakerThreshold)
	br := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: c.opts.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
	})
	c.breakers[name] = br
	return br
}

// Invoke calls the worker with the configured per-step timeout, retrying
// transient failures with capped exponential backoff. Permanent failures
// and open breakers are not retried past their classification. The attempt
// count is returned even on failure so the caller can record it.
func (c *Client) Invoke(ctx context.Context, runID string, worker Worker, payload []byte) (Result, error) {
	br := c.breaker(worker.Name())

	var output []byte
	attempts := 0

	operation := func() error {
		attempts++

		attemptCtx, cancel := context.WithTimeout(ctx, c.opts.StepTimeout)
		defer cancel()

		raw, err := br.Execute(func() (any, error) {
			return worker.Run(attemptCtx, payload)
		})
		if err != nil {
			err = classify(err)
			kind := KindOf(err)
			c.logger.Warn("worker invocation failed",
				"run_id", runID, "step", worker.Name(), "attempt", attempts,
				"outcome", "failure", "error_kind", string(kind), "error", err)
			if kind == KindPermanent {
				return backoff.Permanent(err)
			}
			return err
		}

		output = raw.([]byte)
		c.logger.Info("worker invocation succeeded",
			"run_id", runID, "step", worker.Name(), "attempt", attempts, "outcome", "success")
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.opts.InitialBackoff
	policy := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(c.opts.MaxAttempts-1)), ctx)

	if err := backoff.Retry(operation, policy); err != nil {
		return Result{Attempts: attempts}, err
	}
	return Result{Output: output, Attempts: attempts}, nil
}

// classify normalizes breaker and context errors into the taxonomy.
// A tripped breaker reads as Transient: the dependency may recover within
// the cooldown, and the caller's state machine treats it like any other
// exhausted retry.
func classify(err error) error {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return Transientf("circuit open: %v", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Transientf("step timed out: %v", err)
	}
	return err
}
