package remote

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/cwbudde/sizif/internal/metrics"
	"github.com/cwbudde/sizif/internal/store"
)

// Policy tunes retries and the circuit breaker of a Resilient backend.
type Policy struct {
	// Retries is the number of retries after the first attempt of a
	// transient failure.
	Retries int
	// Interval is the initial delay between retries. It doubles per retry
	// up to MaxInterval. Zero retries immediately.
	Interval    time.Duration
	MaxInterval time.Duration
	// BreakerThreshold consecutive failed operations open the breaker. While
	// open, calls fail fast with a transient error until BreakerCooldown has
	// passed. Zero disables the breaker.
	BreakerThreshold uint32
	BreakerCooldown  time.Duration
}

// DefaultPolicy returns 3 retries with exponential backoff starting at one
// second and a breaker that opens after 5 consecutive failures.
func DefaultPolicy() Policy {
	return Policy{
		Retries:          3,
		Interval:         time.Second,
		MaxInterval:      30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  time.Minute,
	}
}

// Resilient decorates a remote backend with bounded retries of transient
// failures and a circuit breaker. Fatal errors are never retried.
type Resilient struct {
	inner   store.Backend
	name    string
	policy  Policy
	breaker *gobreaker.CircuitBreaker[any]
}

// NewResilient wraps inner with policy.
func NewResilient(inner store.Backend, policy Policy) *Resilient {
	name := store.NameOf(inner)
	r := &Resilient{inner: inner, name: name, policy: policy}

	if policy.BreakerThreshold > 0 {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
		r.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     policy.BreakerCooldown,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= policy.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("Remote circuit breaker state changed",
					"backend", name, "from", from.String(), "to", to.String())
				metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			},
			// A missing snapshot is an answer, not a failure of the backend.
			IsSuccessful: func(err error) bool {
				return err == nil || store.IsNotFound(err)
			},
		})
	}
	return r
}

// Name implements store.Named with the wrapped backend's name.
func (r *Resilient) Name() string { return r.name }

// State reports the breaker state ("closed", "half-open", "open").
func (r *Resilient) State() string {
	if r.breaker == nil {
		return gobreaker.StateClosed.String()
	}
	return r.breaker.State().String()
}

func (r *Resilient) Put(ctx context.Context, id string, blob []byte) error {
	return r.do(ctx, "put", id, func(ctx context.Context) error {
		return r.inner.Put(ctx, id, blob)
	})
}

func (r *Resilient) Get(ctx context.Context, id string) ([]byte, error) {
	var data []byte
	err := r.do(ctx, "get", id, func(ctx context.Context) error {
		var err error
		data, err = r.inner.Get(ctx, id)
		return err
	})
	return data, err
}

func (r *Resilient) Delete(ctx context.Context, id string) error {
	return r.do(ctx, "delete", id, func(ctx context.Context) error {
		return r.inner.Delete(ctx, id)
	})
}

func (r *Resilient) List(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.do(ctx, "list", "", func(ctx context.Context) error {
		var err error
		ids, err = r.inner.List(ctx)
		return err
	})
	return ids, err
}

func (r *Resilient) do(ctx context.Context, op, id string, fn func(ctx context.Context) error) error {
	start := time.Now()

	var err error
	if r.breaker == nil {
		err = r.retry(ctx, op, id, fn)
	} else {
		_, err = r.breaker.Execute(func() (any, error) {
			return nil, r.retry(ctx, op, id, fn)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = &store.RemoteTransientError{Backend: r.name, Op: op, ID: id, Err: err}
		}
	}

	metrics.ObserveRemote(r.name, op, outcome(err), time.Since(start))
	return err
}

// retry runs fn until it succeeds, fails with a non-transient error or the
// retry budget is spent.
func (r *Resilient) retry(ctx context.Context, op, id string, fn func(ctx context.Context) error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(r.newBackOff(), uint64(max(r.policy.Retries, 0))), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		err := fn(ctx)
		if err != nil && !store.IsTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, b, func(err error, wait time.Duration) {
		metrics.RemoteRetries.WithLabelValues(r.name, op).Inc()
		slog.Warn("Remote operation failed, retrying",
			"backend", r.name,
			"operation", op,
			"snapshot_id", id,
			"attempt", attempt,
			"wait", wait,
			"error", err)
	})
}

func (r *Resilient) newBackOff() backoff.BackOff {
	if r.policy.Interval <= 0 {
		return &backoff.ZeroBackOff{}
	}
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.policy.Interval
	eb.Multiplier = 2
	eb.RandomizationFactor = 0.1
	if r.policy.MaxInterval > 0 {
		eb.MaxInterval = r.policy.MaxInterval
	}
	// The retry count bounds the schedule.
	eb.MaxElapsedTime = 0
	return eb
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case store.IsNotFound(err):
		return "not_found"
	case store.IsTransient(err):
		return "transient"
	default:
		return "fatal"
	}
}

func stateToFloat(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
