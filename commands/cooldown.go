package commands

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/registry"
)

// WithCooldown wraps fn with a per-sender cooldown: repeat invocations by the
// same sender inside d are dropped silently. State is per wrapped handler, so
// a reload that rebuilds the registry also resets cooldowns.
func WithCooldown(d time.Duration, fn registry.HandlerFunc) registry.HandlerFunc {
	var mu sync.Mutex
	last := make(map[string]time.Time)
	return func(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx registry.Context) error {
		mu.Lock()
		prev, ok := last[ev.SenderID]
		now := time.Now()
		if ok && now.Sub(prev) < d {
			mu.Unlock()
			slog.Debug("command on cooldown",
				slog.String("sender", ev.SenderID), slog.String("component", "commands"))
			return nil
		}
		last[ev.SenderID] = now
		mu.Unlock()
		return fn(ctx, sender, ev, args, hctx)
	}
}
