package training

import (
	"time"

	back "github.com/cenkalti/backoff/v4"
)

// RetryPolicy bounds how often a training task is re-run after a transient
// failure. Attempts are numbered from 1.
type RetryPolicy struct {
	MaxAttempts int
	Base        time.Duration
	MaxDelay    time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Base: time.Minute, MaxDelay: 30 * time.Minute}
}

// ShouldRetry reports whether a task that failed on attempt with err gets
// another attempt.
func (p RetryPolicy) ShouldRetry(attempt int, err error) bool {
	return attempt < p.MaxAttempts && IsTransient(err)
}

// Delay is how long to wait before the attempt after the given one: Base,
// then doubling, capped at MaxDelay.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	bf := back.NewExponentialBackOff()
	bf.InitialInterval = p.Base
	bf.RandomizationFactor = 0
	bf.Multiplier = 2
	bf.MaxElapsedTime = 0
	if p.MaxDelay > 0 {
		bf.MaxInterval = p.MaxDelay
	}
	bf.Reset()

	delay := bf.NextBackOff()
	for i := 1; i < attempt; i++ {
		delay = bf.NextBackOff()
	}
	return delay
}
