package sync

import (
	"context"
	"math/rand"
	"time"

	apperrors "github.com/kimhsiao/millsync/backend/internal/errors"
)

// RetryConfig configures retry behavior for remote calls.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts, including the first.
	MaxAttempts int `yaml:"max_attempts" toml:"max_attempts" json:"max_attempts"`

	InitialBackoff time.Duration `yaml:"initial_backoff" toml:"initial_backoff" json:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" toml:"max_backoff" json:"max_backoff"`

	// Multiplier is applied to the backoff after each retry.
	Multiplier float64 `yaml:"multiplier" toml:"multiplier" json:"multiplier"`

	// Jitter between 0 and 1; 0.1 means ±10%.
	Jitter float64 `yaml:"jitter" toml:"jitter" json:"jitter"`

	// RetryIf decides whether an error is worth another attempt.
	// Defaults to errors.IsRetryable.
	RetryIf func(error) bool `yaml:"-" toml:"-" json:"-"`
}

// DefaultRetryConfig returns the retry policy used for pulls.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 200 * time.Millisecond,
		MaxBackoff:     10 * time.Second,
		Multiplier:     2.0,
		Jitter:         0.1,
	}
}

// Retryer runs operations with exponential backoff.
type Retryer struct {
	config RetryConfig
	sleep  func(ctx context.Context, d time.Duration) error
}

// NewRetryer creates a retryer, filling unset fields with defaults.
func NewRetryer(config RetryConfig) *Retryer {
	def := DefaultRetryConfig()
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = def.MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = def.InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = def.MaxBackoff
	}
	if config.Multiplier <= 0 {
		config.Multiplier = def.Multiplier
	}
	if config.Jitter < 0 || config.Jitter > 1 {
		config.Jitter = def.Jitter
	}
	if config.RetryIf == nil {
		config.RetryIf = apperrors.IsRetryable
	}
	return &Retryer{config: config, sleep: sleepCtx}
}

// RetryResult reports how many attempts an operation took.
type RetryResult struct {
	Attempts int
	LastErr  error
}

// Do executes op until it succeeds, returns a non-retryable error, the
// attempts run out, or ctx is done.
func (r *Retryer) Do(ctx context.Context, op func(ctx context.Context) error) RetryResult {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return RetryResult{Attempts: attempt - 1, LastErr: err}
		}

		lastErr = op(ctx)
		if lastErr == nil {
			return RetryResult{Attempts: attempt}
		}
		if !r.config.RetryIf(lastErr) {
			return RetryResult{Attempts: attempt, LastErr: lastErr}
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		if err := r.sleep(ctx, r.addJitter(backoff)); err != nil {
			return RetryResult{Attempts: attempt, LastErr: err}
		}

		backoff = time.Duration(float64(backoff) * r.config.Multiplier)
		if backoff > r.config.MaxBackoff {
			backoff = r.config.MaxBackoff
		}
	}

	return RetryResult{Attempts: r.config.MaxAttempts, LastErr: lastErr}
}

// DoValue is Do for operations that produce a value.
func DoValue[T any](ctx context.Context, r *Retryer, op func(ctx context.Context) (T, error)) (T, RetryResult) {
	var out T
	res := r.Do(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err == nil {
			out = v
		}
		return err
	})
	return out, res
}

func (r *Retryer) addJitter(d time.Duration) time.Duration {
	if r.config.Jitter == 0 {
		return d
	}
	delta := float64(d) * r.config.Jitter
	return time.Duration(float64(d) - delta + rand.Float64()*2*delta)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
