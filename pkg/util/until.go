// Package util holds small helpers shared by the long running loops.
package util

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

const (
	minRetryDelay = 10 * time.Millisecond
	maxRetryDelay = 5 * time.Second
)

// UntilCanceled calls cb until ctx is canceled. Failures are logged and
// retried with a growing delay; a successful call resets the delay.
func UntilCanceled(ctx context.Context, log zerolog.Logger, description string, cb func() error) error {
	delay := minRetryDelay
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := cb(); err != nil {
			log.Warn().Err(err).Msgf("%s failed", description)
			delay = time.Duration(float64(delay) * 1.5)
			if delay > maxRetryDelay {
				delay = maxRetryDelay
			}
		} else {
			delay = minRetryDelay
		}
		select {
		case <-ctx.Done():
			log.Info().Msgf("stopping %s; context canceled", description)
			return nil
		case <-time.After(delay):
		}
	}
}
