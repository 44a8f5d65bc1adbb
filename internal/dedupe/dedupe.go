// Package dedupe records which webhook deliveries have already been
// processed so a redelivered (job, state) pair has no side effects.
package dedupe

import (
	"context"
	"log/slog"
	"strings"
	"time"
)

// DefaultTTL bounds how long a processed delivery is remembered.
const DefaultTTL = 24 * time.Hour

// Store claims delivery keys. Claim returns true only for the first caller;
// Release gives the key back so a failed delivery can be retried.
type Store interface {
	Claim(ctx context.Context, key string) (bool, error)
	Release(ctx context.Context, key string) error
}

// Key builds the claim key for a job state delivery.
func Key(jobName, state string) string {
	return strings.TrimSpace(jobName) + ":" + strings.ToUpper(strings.TrimSpace(state))
}

// Fallback claims through primary and switches to secondary for the call
// when primary errors, so a Redis outage degrades to per-process dedupe
// instead of rejecting webhooks.
type Fallback struct {
	primary   Store
	secondary Store
	logger    *slog.Logger
}

// NewFallback wraps primary with secondary.
func NewFallback(primary, secondary Store, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{primary: primary, secondary: secondary, logger: logger}
}

func (f *Fallback) Claim(ctx context.Context, key string) (bool, error) {
	claimed, err := f.primary.Claim(ctx, key)
	if err == nil {
		return claimed, nil
	}
	f.logger.Warn("dedupe primary unavailable, using fallback", "key", key, "error", err)
	return f.secondary.Claim(ctx, key)
}

func (f *Fallback) Release(ctx context.Context, key string) error {
	primaryErr := f.primary.Release(ctx, key)
	secondaryErr := f.secondary.Release(ctx, key)
	if primaryErr != nil {
		f.logger.Warn("dedupe primary release failed", "key", key, "error", primaryErr)
	}
	return secondaryErr
}

var _ Store = (*Fallback)(nil)
