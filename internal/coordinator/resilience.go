package coordinator

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aletho/foreman/internal/scheduler"
	"github.com/aletho/foreman/internal/worker"
)

// RetryConfig configures exponential backoff for worker calls.
type RetryConfig struct {
	InitialInterval     time.Duration // first retry interval (default 100ms)
	MaxInterval         time.Duration // ceiling per interval (default 10s)
	MaxElapsedTime      time.Duration // total retry time per call (default 2min)
	Multiplier          float64       // backoff multiplier (default 2.0)
	RandomizationFactor float64       // jitter factor (default 0.5)
}

// DefaultRetryConfig returns the default retry configuration.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// breakerRegistry holds one circuit breaker per agent role. A flapping
// builder backend must not open the circuit for the documenter.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[scheduler.Role]*gobreaker.CircuitBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{
		breakers: make(map[scheduler.Role]*gobreaker.CircuitBreaker),
	}
}

// get returns the circuit breaker for the role, creating it on first use.
func (r *breakerRegistry) get(role scheduler.Role) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[role]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        string(role),
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			log.Printf("circuit breaker %q: %s -> %s", name, from, to)
		},
		IsSuccessful: func(err error) bool {
			// User cancellation is not an agent failure.
			if err == nil {
				return true
			}
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return true
			}
			return false
		},
	})

	r.breakers[role] = cb
	return cb
}

// resilientWorker wraps a worker with exponential backoff retry and a
// per-role circuit breaker. Retries cover transport errors only; a
// delivered OutcomeFailure result is a valid answer and is not retried
// here (the coordinator requeues the task instead).
type resilientWorker struct {
	inner    worker.Worker
	breakers *breakerRegistry
	retry    RetryConfig
}

// Run implements worker.Worker.
func (w resilientWorker) Run(ctx context.Context, a worker.Assignment) (worker.Result, error) {
	cb := w.breakers.get(a.Role)
	var res worker.Result

	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		result, err := cb.Execute(func() (interface{}, error) {
			return w.inner.Run(ctx, a)
		})
		if err != nil {
			// Open circuit: give up immediately so the coordinator can
			// requeue rather than hold the task hostage.
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		res = result.(worker.Result)
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = w.retry.InitialInterval
	policy.MaxInterval = w.retry.MaxInterval
	policy.MaxElapsedTime = w.retry.MaxElapsedTime
	policy.Multiplier = w.retry.Multiplier
	policy.RandomizationFactor = w.retry.RandomizationFactor

	if err := backoff.Retry(operation, backoff.WithContext(policy, ctx)); err != nil {
		return worker.Result{}, err
	}
	return res, nil
}
