// Package retry provides backoff policies for store connections and queued item replay.
package retry

import (
	"context"
	"time"

	"github.com/sethvargo/go-retry"
	"github.com/sirupsen/logrus"
)

// Config holds configuration for retry logic
type Config struct {
	MaxAttempts   uint64
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	JitterPercent uint64
}

// PostgreSQLDefaults returns sensible defaults for connecting the PostgreSQL store
func PostgreSQLDefaults() *Config {
	return &Config{
		MaxAttempts:   10,
		BaseDelay:     100 * time.Millisecond,
		MaxDelay:      30 * time.Second,
		JitterPercent: 10,
	}
}

// EtcdDefaults returns sensible defaults for connecting the etcd store
func EtcdDefaults() *Config {
	return &Config{
		MaxAttempts:   15, // etcd can take longer to recover
		BaseDelay:     200 * time.Millisecond,
		MaxDelay:      1 * time.Minute,
		JitterPercent: 15,
	}
}

// WithOperation performs a general operation with retry logic
func WithOperation(ctx context.Context, config *Config, operation func() error, operationName string) error {
	backoff := config.CreateBackoff()
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := operation()
		if err != nil {
			logrus.WithError(err).
				WithField("operation", operationName).
				Warn("Operation failed, retrying...")
			return retry.RetryableError(err)
		}
		return nil
	})
}

// CreateBackoff creates a reusable backoff strategy from config
func (c *Config) CreateBackoff() retry.Backoff {
	backoff := retry.NewExponential(c.BaseDelay)
	backoff = retry.WithMaxRetries(c.MaxAttempts, backoff)
	backoff = retry.WithCappedDuration(c.MaxDelay, backoff)
	backoff = retry.WithJitterPercent(c.JitterPercent, backoff)
	return backoff
}

// maxItemSteps bounds the exponent so large retry counts cannot overflow.
const maxItemSteps = 32

// ItemDelay returns how long a queued item that already failed `retries` times
// waits before it becomes eligible for replay again. A zero base disables backoff.
func ItemDelay(base, maxDelay time.Duration, retries int) time.Duration {
	if base <= 0 || retries <= 0 {
		return 0
	}
	backoff := retry.NewExponential(base)
	if maxDelay > 0 {
		backoff = retry.WithCappedDuration(maxDelay, backoff)
	}

	steps := min(retries, maxItemSteps)
	var delay time.Duration
	for range steps {
		next, stop := backoff.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}
