package es

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// RetryPolicy configures exponential backoff with full jitter: the n-th
// delay is uniform in [0, min(MaxDelay, StartingDelay*Multiplier^n)].
type RetryPolicy struct {
	StartingDelay time.Duration `yaml:"starting_delay" env:"STARTING_DELAY"`
	MaxDelay      time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	Multiplier    float64       `yaml:"multiplier" env:"MULTIPLIER"`
	MaxAttempts   int           `yaml:"max_attempts" env:"MAX_ATTEMPTS"`
}

// DefaultStoreRetryPolicy is used by store backends for transient
// database errors.
func DefaultStoreRetryPolicy() RetryPolicy {
	return RetryPolicy{
		StartingDelay: 100 * time.Millisecond,
		MaxDelay:      1600 * time.Millisecond,
		Multiplier:    2,
		MaxAttempts:   20,
	}
}

// DefaultProcessRetryPolicy is used by aggregates to retry commands that
// lost an optimistic concurrency race.
func DefaultProcessRetryPolicy() RetryPolicy {
	return RetryPolicy{
		StartingDelay: 10 * time.Millisecond,
		MaxDelay:      400 * time.Millisecond,
		Multiplier:    2,
		MaxAttempts:   10,
	}
}

// OrDefault fills unset fields of p from def.
func (p RetryPolicy) OrDefault(def RetryPolicy) RetryPolicy {
	if p.StartingDelay <= 0 {
		p.StartingDelay = def.StartingDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = def.MaxDelay
	}
	if p.Multiplier < 1 {
		p.Multiplier = def.Multiplier
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = def.MaxAttempts
	}
	return p
}

// NewBackOff returns a fresh full jitter backoff for p.
func (p RetryPolicy) NewBackOff() backoff.BackOff {
	return &fullJitterBackOff{policy: p.OrDefault(DefaultStoreRetryPolicy())}
}

type fullJitterBackOff struct {
	policy  RetryPolicy
	attempt int
}

func (b *fullJitterBackOff) NextBackOff() time.Duration {
	ceil := float64(b.policy.StartingDelay)
	for range b.attempt {
		ceil *= b.policy.Multiplier
		if ceil >= float64(b.policy.MaxDelay) {
			break
		}
	}
	ceil = min(ceil, float64(b.policy.MaxDelay))
	b.attempt++
	return time.Duration(rand.Float64() * ceil)
}

func (b *fullJitterBackOff) Reset() { b.attempt = 0 }

// Classifier decides whether err is transient. code names the condition
// for logs and metrics.
type Classifier func(err error) (code string, retryable bool)

// RetryOn classifies errors matching any of targets as retryable.
func RetryOn(targets ...error) Classifier {
	return func(err error) (string, bool) {
		for _, t := range targets {
			if errors.Is(err, t) {
				return t.Error(), true
			}
		}
		return "", false
	}
}

// RetryAll treats every error as retryable.
func RetryAll(err error) (string, bool) { return "error", true }

// RetryNotify is called before sleeping ahead of the next attempt.
type RetryNotify func(attempt int, code string, err error, next time.Duration)

// Retry runs op until it succeeds, fails with an error classify rejects,
// or runs out of attempts. The last error is returned unwrapped.
func Retry(
	ctx context.Context,
	policy RetryPolicy,
	classify Classifier,
	op func(ctx context.Context) error,
	notify RetryNotify,
) error {
	policy = policy.OrDefault(DefaultStoreRetryPolicy())

	var (
		attempt  int
		lastCode string
	)
	_, err := backoff.Retry(
		ctx,
		func() (struct{}, error) {
			attempt++
			err := op(ctx)
			if err == nil {
				return struct{}{}, nil
			}
			code, retryable := classify(err)
			if !retryable {
				return struct{}{}, backoff.Permanent(err)
			}
			lastCode = code
			return struct{}{}, err
		},
		backoff.WithBackOff(policy.NewBackOff()),
		backoff.WithMaxTries(uint(policy.MaxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			if notify != nil {
				notify(attempt, lastCode, err, next)
			}
		}),
	)

	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Err
	}
	return err
}
