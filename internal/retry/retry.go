// Package retry wraps checkpoint and synchronization I/O in a bounded retry
// with a fixed backoff. Exhaustion is fatal for the whole run.
package retry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/danielpatrickdp/align-trainer/internal/faults"
)

// #region constants

const (
	defaultAttempts = 10
	defaultBackoff  = 10 * time.Second
)

// ErrExhausted is returned once every attempt of an operation failed.
var ErrExhausted = errors.New("retries exhausted")

// #endregion constants

// #region policy

// Policy is a fixed attempt count with a fixed pause between attempts.
type Policy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultPolicy returns 10 attempts with a 10 second backoff.
func DefaultPolicy() Policy {
	return Policy{Attempts: defaultAttempts, Backoff: defaultBackoff}
}

// #endregion policy

// #region do

// Do runs fn until it succeeds, returns a non-retryable error, or the attempts run out.
// Only errors classified as faults.ErrIO are retried.
func (p Policy) Do(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !faults.Retryable(err) {
			return err
		}
		lastErr = err
		log.Printf("[RETRY] %s attempt %d/%d failed: %v", op, attempt, attempts, err)

		if attempt == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(p.Backoff):
		}
	}
	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrExhausted, attempts, lastErr)
}

// #endregion do
