// Package commands provides the builtin command handler implementations and
// the per-sender cooldown layer. Handlers are glue: they talk to the chat
// through the narrow Sender and have no access to the dispatcher's caches.
package commands

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/registry"
)

var startedAt = time.Now()

// Builtins returns the implementation table descriptors resolve against.
// Keys are lowercase implementation names.
func Builtins() map[string]registry.HandlerFunc {
	return map[string]registry.HandlerFunc{
		"ping":   Ping,
		"echo":   Echo,
		"uptime": Uptime,
		"roll":   Roll,
	}
}

// Ping answers with a liveness pong, greeting the sender by display name.
func Ping(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx registry.Context) error {
	return sender.Send(ctx, hctx.ChatID, fmt.Sprintf("pong, %s", hctx.SenderName))
}

// Echo repeats its arguments back to the chat.
func Echo(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx registry.Context) error {
	if len(args) == 0 {
		return fmt.Errorf("nothing to echo")
	}
	return sender.Send(ctx, hctx.ChatID, strings.Join(args, " "))
}

// Uptime reports how long the process has been running.
func Uptime(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx registry.Context) error {
	up := time.Since(startedAt).Round(time.Second)
	return sender.Send(ctx, hctx.ChatID, fmt.Sprintf("up %s", up))
}

// Roll rolls an n-sided die (default 6, "!roll 20" for a d20).
func Roll(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx registry.Context) error {
	sides := 6
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n < 2 {
			return fmt.Errorf("bad die size %q", args[0])
		}
		sides = n
	}
	//nolint:gosec // G404: dice rolls are not security sensitive
	return sender.Send(ctx, hctx.ChatID, fmt.Sprintf("%s rolled %d (d%d)", hctx.SenderName, 1+rand.Intn(sides), sides))
}

// Help builds a handler listing the registered command names. It closes over
// the registry rather than receiving it through the handler contract, keeping
// the contract narrow.
func Help(reg *registry.Registry) registry.HandlerFunc {
	return func(ctx context.Context, sender chat.Sender, ev chat.Event, args []string, hctx registry.Context) error {
		names := reg.Names()
		if len(names) == 0 {
			return sender.Send(ctx, hctx.ChatID, "no commands loaded")
		}
		return sender.Send(ctx, hctx.ChatID, "commands: "+strings.Join(names, ", "))
	}
}
