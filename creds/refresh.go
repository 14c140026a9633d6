package creds

import (
	"context"
	"log/slog"
	"math/rand"
	"time"
)

// RefreshFunc performs the provider-specific token exchange and returns the
// rotated credentials.
type RefreshFunc func(ctx context.Context, refreshToken string) (Credentials, error)

// StartRefresher launches a goroutine that periodically checks the stored
// credentials and refreshes them when remaining lifetime falls inside window.
// The rotated pair is persisted through the store before the cycle is
// considered done. Checks are jittered so multiple instances sharing a
// database don't stampede the token endpoint.
func StartRefresher(ctx context.Context, store Store, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			// Per-iteration jitter (±20% of interval) for scheduling diversity.
			jitterRange := int64(interval / 5)
			//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
			jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
			nextSleep := interval + jitter
			if nextSleep < interval/2 {
				nextSleep = interval / 2
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep):
			}

			cur, ok, err := store.Load(ctx)
			if err != nil {
				slog.Warn("credential load failed", slog.Any("err", err), slog.String("component", "creds"))
				continue
			}
			if !ok || cur.RefreshToken == "" {
				continue
			}
			if time.Until(cur.Expiry) > window {
				continue
			}

			ctx2, cancel := context.WithTimeout(ctx, 15*time.Second)
			rotated, err := fn(ctx2, cur.RefreshToken)
			cancel()
			if err != nil {
				slog.Warn("token refresh failed", slog.Any("err", err), slog.String("component", "creds"))
				continue
			}
			if rotated.RefreshToken == "" {
				rotated.RefreshToken = cur.RefreshToken
			}
			if rotated.Scope == "" {
				rotated.Scope = cur.Scope
			}
			if err := store.Save(ctx, rotated); err != nil {
				slog.Warn("token persist failed", slog.Any("err", err), slog.String("component", "creds"))
				continue
			}
			slog.Info("token refreshed", slog.Time("expires_at", rotated.Expiry), slog.String("component", "creds"))
		}
	}()
}
