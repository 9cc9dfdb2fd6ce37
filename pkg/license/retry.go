package license

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"time"

	"github.com/germanamz/vitalscan/pkg/scanconfig"
)

var _ Registrar = (*RetryingRegistrar)(nil)

// RetryOpts configures WithRetry.
type RetryOpts struct {
	MaxRetries int           // Max retries after the first attempt (default 3).
	BaseDelay  time.Duration // Initial backoff delay (default 1s).
	Logger     *slog.Logger  // Defaults to slog.Default().
}

// RetryingRegistrar wraps a Registrar with exponential backoff and jitter.
// Only transport failures, 429 and 5xx answers are retried; a rejected
// license is returned immediately.
type RetryingRegistrar struct {
	inner      Registrar
	maxRetries int
	baseDelay  time.Duration
	log        *slog.Logger

	// sleepFunc is used for testing; defaults to a context-aware sleep.
	sleepFunc func(ctx context.Context, d time.Duration) error
	// randFunc returns a random float64 in [0,1); used for jitter.
	randFunc func() float64
}

// WithRetry wraps inner with a retry policy.
func WithRetry(inner Registrar, opts RetryOpts) *RetryingRegistrar {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &RetryingRegistrar{
		inner:      inner,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		log:        opts.Logger,
		sleepFunc:  contextSleep,
		randFunc:   rand.Float64,
	}
}

// SetSleepFunc overrides the sleep function (for testing).
func (r *RetryingRegistrar) SetSleepFunc(fn func(ctx context.Context, d time.Duration) error) {
	r.sleepFunc = fn
}

// SetRandFunc overrides the random number generator (for testing).
func (r *RetryingRegistrar) SetRandFunc(fn func() float64) { r.randFunc = fn }

// contextSleep sleeps for d or until ctx is cancelled.
func contextSleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Register calls the inner registrar, retrying retryable failures.
func (r *RetryingRegistrar) Register(ctx context.Context, cfg scanconfig.Config) (Credentials, error) {
	for attempt := 0; ; attempt++ {
		creds, err := r.inner.Register(ctx, cfg)
		if err == nil {
			return creds, nil
		}

		if attempt >= r.maxRetries || !retryable(err) {
			return Credentials{}, err
		}

		delay := r.backoff(attempt)
		r.log.WarnContext(ctx, "license registration failed, retrying",
			"attempt", attempt+1,
			"delay", delay,
			"error", err,
		)

		if sleepErr := r.sleepFunc(ctx, delay); sleepErr != nil {
			return Credentials{}, sleepErr
		}
	}
}

// backoff returns baseDelay * 2^attempt plus up to 25% jitter.
func (r *RetryingRegistrar) backoff(attempt int) time.Duration {
	d := float64(r.baseDelay) * math.Pow(2, float64(attempt))
	return time.Duration(d + d*0.25*r.randFunc())
}

func retryable(err error) bool {
	var regErr *RegistrationError
	if !errors.As(err, &regErr) {
		return false
	}

	switch {
	case regErr.StatusCode == 0:
		return true
	case regErr.StatusCode == http.StatusTooManyRequests:
		return true
	case regErr.StatusCode >= 500:
		return true
	default:
		return false
	}
}
