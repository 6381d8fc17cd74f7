package enrollment

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"github.com/edgesec-org/trustplane/interfaces"
)

// RetryPolicy bounds the retry loop for retryable backend failures.
// Non-retryable errors and an exhausted attempt budget are terminal for the
// step and trigger compensation.
type RetryPolicy struct {
	// Initial is the first backoff delay.
	Initial time.Duration

	// Max caps the backoff delay.
	Max time.Duration

	// MaxAttempts is the total number of attempts including the first.
	MaxAttempts int
}

// DefaultRetryPolicy returns the retry budget used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		Initial:     500 * time.Millisecond,
		Max:         8 * time.Second,
		MaxAttempts: 4,
	}
}

func (p RetryPolicy) normalized() RetryPolicy {
	def := DefaultRetryPolicy()
	if p.Initial <= 0 {
		p.Initial = def.Initial
	}
	if p.Max < p.Initial {
		p.Max = p.Initial
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// do runs fn until it succeeds, fails non-retryably, exhausts the attempt
// budget, or the context is done.
func (p RetryPolicy) do(ctx context.Context, log *slog.Logger, op string, fn func(context.Context) error) error {
	var attempt int
	for {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if attempt >= p.MaxAttempts-1 || !interfaces.IsRetryable(err) {
			return err
		}

		delay := backoffWithJitter(p.Initial, p.Max, attempt)
		log.Warn("Retrying enrollment step",
			slog.String("op", op),
			slog.Int("attempt", attempt+1),
			slog.Duration("sleep", delay),
			"err", err)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		attempt++
	}
}

func backoffWithJitter(initial, max time.Duration, attempt int) time.Duration {
	b := float64(initial) * math.Pow(2, float64(attempt))
	if b > float64(max) {
		b = float64(max)
	}
	j := b / 2
	return time.Duration(j + rand.Float64()*j)
}
