package poll

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrInvalidBaseDelay = errors.New("BaseDelay must be greater than 0")
	ErrInvalidAttempts  = errors.New("attempts must be greater than 0")
)

// Config defines parameters for exponential backoff.
type Config struct {
	// Initial delay before first retry
	BaseDelay time.Duration
	// Multiplier for delay on each retry
	Factor float64
	// Optional maximum delay between retries
	MaxDelay time.Duration
}

// Retry calls the operation up to attempts times, waiting between attempts
// with exponential backoff starting from Config.BaseDelay and increasing by
// Config.Factor, capped by Config.MaxDelay if set. The operation decides
// retryability: it returns (true, err) to request another attempt. The last
// error is returned when attempts are exhausted.
func Retry(ctx context.Context, cfg *Config, attempts int, opFn func(context.Context) (bool, error)) error {
	if attempts <= 0 {
		return ErrInvalidAttempts
	}
	if cfg.BaseDelay <= 0 {
		return fmt.Errorf("invalid Config: %w", ErrInvalidBaseDelay)
	}

	var lastErr error
	for try := 1; try <= attempts; try++ {
		retryable, err := opFn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retryable || try == attempts {
			return lastErr
		}

		select {
		case <-time.After(CalculateBackoffDelay(cfg, try)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

// CalculateBackoffDelay calculates the backoff delay for a given number of tries
// using exponential backoff with the provided configuration.
func CalculateBackoffDelay(cfg *Config, tries int) time.Duration {
	if tries <= 0 {
		return 0
	}

	delay := float64(cfg.BaseDelay)
	for i := 1; i < tries; i++ {
		delay *= cfg.Factor
	}

	delayDuration := time.Duration(delay)

	// cap max delay
	if cfg.MaxDelay > 0 && delayDuration > cfg.MaxDelay {
		delayDuration = cfg.MaxDelay
	}

	return delayDuration
}
