package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/conductor/internal/observability"
)

// WrapperConfig configures a Wrapper.
type WrapperConfig struct {
	Retry RetryPolicy

	// CallTimeout bounds every single attempt. Defaults to 30s.
	CallTimeout time.Duration

	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Wrapper is the envelope around every outbound call. The circuit breaker
// sees one outcome per call, after retries are exhausted, and each attempt
// runs under a hard timeout.
type Wrapper struct {
	registry    *Registry
	policy      RetryPolicy
	callTimeout time.Duration
	logger      *slog.Logger
	metrics     *observability.Metrics
}

// NewWrapper creates a Wrapper backed by the shared breaker registry.
func NewWrapper(registry *Registry, config WrapperConfig) *Wrapper {
	if registry == nil {
		registry = NewRegistry(BreakerConfig{})
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Wrapper{
		registry:    registry,
		policy:      config.Retry,
		callTimeout: config.CallTimeout,
		logger:      config.Logger.With("component", "resilience"),
		metrics:     config.Metrics,
	}
}

// Registry returns the breaker registry.
func (w *Wrapper) Registry() *Registry {
	return w.registry
}

// Do runs fn against the dependency identified by key.
func (w *Wrapper) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	cb := w.registry.Get(key)
	return cb.Execute(ctx, func(ctx context.Context) error {
		result := Retry(ctx, w.policy, func(ctx context.Context, _ int) error {
			return w.attempt(ctx, fn)
		}, func(attempt int, err error, delay time.Duration) {
			w.metrics.RetryAttempted(key)
			w.logger.WarnContext(ctx, "retrying call",
				"dependency", key,
				"attempt", attempt,
				"delay_ms", delay.Milliseconds(),
				"error", err)
		})
		return result.Err
	})
}

// Call is Do for functions that return a value.
func Call[T any](ctx context.Context, w *Wrapper, key string, fn func(context.Context) (T, error)) (T, error) {
	var result T
	err := w.Do(ctx, key, func(ctx context.Context) error {
		value, err := fn(ctx)
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}

// attempt runs fn with the per-call timeout. A function that ignores its
// context is abandoned when the timeout fires; its result is discarded.
func (w *Wrapper) attempt(ctx context.Context, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, w.callTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("%w: %v", ErrPanicked, r)
			}
		}()
		done <- fn(callCtx)
	}()

	select {
	case err := <-done:
		if err != nil && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
			return Transient(KindTimeout, fmt.Errorf("%w after %s: %w", ErrCallTimeout, w.callTimeout, err))
		}
		return err
	case <-callCtx.Done():
		if errors.Is(ctx.Err(), context.Canceled) {
			return ctx.Err()
		}
		return Transient(KindTimeout, fmt.Errorf("%w after %s", ErrCallTimeout, w.callTimeout))
	}
}

// StateObserver returns an OnStateChange hook that logs transitions and
// exports them as metrics.
func StateObserver(logger *slog.Logger, metrics *observability.Metrics) func(name string, from, to State) {
	if logger == nil {
		logger = slog.Default()
	}
	return func(name string, from, to State) {
		metrics.BreakerStateChanged(name, string(to))
		level := slog.LevelInfo
		if to == StateOpen {
			level = slog.LevelWarn
		}
		logger.Log(context.Background(), level, "circuit breaker transition",
			"dependency", name,
			"from", string(from),
			"to", string(to))
	}
}
