package utils

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// RetryPolicy bounds an exponential backoff. The n-th retry waits
// InitialInterval * Multiplier^(n-1).
type RetryPolicy struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	Multiplier      float64
}

// DefaultRetryPolicy retries twice, after 1s and then 2s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      2,
		InitialInterval: time.Second,
		Multiplier:      2,
	}
}

// Timer is the clock retries wait on.
type Timer = backoff.Timer

// WithRetries runs operation until it succeeds, fails with an error that
// retryable rejects, exhausts the policy, or ctx is done. The last error is
// returned unwrapped.
func WithRetries(
	ctx context.Context,
	logger *zap.Logger,
	policy RetryPolicy,
	timer Timer,
	retryable func(error) bool,
	operation func() error,
) error {
	expBackOff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(policy.InitialInterval),
		backoff.WithMultiplier(policy.Multiplier),
		backoff.WithRandomizationFactor(0),
		backoff.WithMaxElapsedTime(0),
	)
	b := backoff.WithContext(backoff.WithMaxRetries(expBackOff, policy.MaxRetries), ctx)

	attempt := 0
	op := func() error {
		attempt++
		err := operation()
		if err != nil && !retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, duration time.Duration) {
		logger.Warn("operation failed, retrying...",
			zap.Int("attempt", attempt),
			zap.Duration("wait", duration),
			zap.Error(err),
		)
	}
	return backoff.RetryNotifyWithTimer(op, b, notify, timer)
}

// RecordingTimer fires immediately and records every wait it was asked for.
type RecordingTimer struct {
	lock  sync.Mutex
	waits []time.Duration
	c     chan time.Time
}

var _ Timer = (*RecordingTimer)(nil)

func NewRecordingTimer() *RecordingTimer {
	return &RecordingTimer{c: make(chan time.Time, 1)}
}

func (t *RecordingTimer) Start(d time.Duration) {
	t.lock.Lock()
	t.waits = append(t.waits, d)
	t.lock.Unlock()
	t.c <- time.Now()
}

func (*RecordingTimer) Stop() {}

func (t *RecordingTimer) C() <-chan time.Time {
	return t.c
}

// Waits returns the requested wait durations in order.
func (t *RecordingTimer) Waits() []time.Duration {
	t.lock.Lock()
	defer t.lock.Unlock()
	return append([]time.Duration(nil), t.waits...)
}
