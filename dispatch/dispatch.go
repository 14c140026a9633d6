// Package dispatch turns inbound event batches into exactly-once command
// handler invocations. The pipeline per event: count it, drop non-conversable
// events, dedup, ack, parse the command, resolve metadata, and invoke the
// handler under a timeout with fault isolation.
package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/onnwee/relaybot/cache"
	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/registry"
	"github.com/onnwee/relaybot/telemetry"
)

// Transport is the slice of the session surface the dispatcher needs.
type Transport interface {
	chat.Sender
	Ack(ctx context.Context, ev chat.Event) error
}

// Dispatcher consumes event batches and invokes command handlers. HandleBatch
// is serialized, so handlers for events of one batch (and across batches) run
// strictly in delivery order.
type Dispatcher struct {
	tr       Transport
	reg      *registry.Registry
	dedup    *cache.Dedup
	meta     *cache.Metadata
	prefixes []string
	timeout  time.Duration

	mu sync.Mutex
}

// New builds a dispatcher. prefixes are matched in order, first match wins;
// timeout bounds each handler invocation.
func New(tr Transport, reg *registry.Registry, dedup *cache.Dedup, meta *cache.Metadata, prefixes []string, timeout time.Duration) *Dispatcher {
	telemetry.Init()
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if len(prefixes) == 0 {
		prefixes = []string{"!"}
	}
	return &Dispatcher{
		tr:       tr,
		reg:      reg,
		dedup:    dedup,
		meta:     meta,
		prefixes: prefixes,
		timeout:  timeout,
	}
}

// Run consumes batches from events until the channel closes or ctx is done.
func (d *Dispatcher) Run(ctx context.Context, events <-chan chat.Batch) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch, ok := <-events:
			if !ok {
				return
			}
			d.HandleBatch(ctx, batch)
		}
	}
}

// HandleBatch processes one batch of events sequentially.
func (d *Dispatcher) HandleBatch(ctx context.Context, batch chat.Batch) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, ev := range batch {
		if ctx.Err() != nil {
			return
		}
		d.handle(ctx, ev)
	}
}

func (d *Dispatcher) handle(ctx context.Context, ev chat.Event) {
	telemetry.EventsSeen.Inc()

	// Non-conversational events never reach the dedup cache, so they cannot
	// evict real entries under a status flood.
	if ev.ID == "" || ev.ChatID == chat.StatusChatID ||
		chat.IsSystemSender(ev.SenderID) || strings.HasPrefix(ev.ID, chat.SyntheticIDPrefix) {
		slog.Debug("dropping non-conversational event",
			slog.String("id", ev.ID), slog.String("chat", ev.ChatID), slog.String("component", "dispatch"))
		return
	}

	if d.dedup.Seen(ev.ID) {
		telemetry.DuplicatesSuppressed.Inc()
		slog.Info("duplicate delivery suppressed",
			slog.String("id", ev.ID), slog.String("chat", ev.ChatID), slog.String("component", "dispatch"))
		return
	}

	// Ack after the dedup insert: a redelivery racing the ack is already
	// recorded as seen. Ack failure is not a dispatch failure.
	if err := d.tr.Ack(ctx, ev); err != nil {
		slog.Warn("ack failed", slog.String("id", ev.ID), slog.Any("err", err), slog.String("component", "dispatch"))
	}

	if ev.Body == "" || ev.ChatID == "" {
		return
	}

	rest, ok := d.stripPrefix(ev.Body)
	if !ok {
		return
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return
	}
	name := strings.ToLower(fields[0])
	args := fields[1:]

	h, ok := d.reg.Lookup(name)
	if !ok {
		// Unknown commands stay silent; chatter prefixed by accident should
		// not trigger bot noise.
		slog.Debug("unknown command", slog.String("command", name), slog.String("component", "dispatch"))
		return
	}

	d.invoke(ctx, h, ev, args)
}

// stripPrefix returns the body with the first matching command prefix removed.
func (d *Dispatcher) stripPrefix(body string) (string, bool) {
	for _, p := range d.prefixes {
		if rest, ok := strings.CutPrefix(body, p); ok {
			return rest, true
		}
	}
	return "", false
}

// invoke runs one handler under the dispatch timeout. A handler error or
// timeout is isolated: it is counted, logged, and answered with a one-line
// notice in the originating chat, and never affects later events.
func (d *Dispatcher) invoke(ctx context.Context, h *registry.Handler, ev chat.Event, args []string) {
	telemetry.CommandsDispatched.Inc()

	hctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	hctx, span := telemetry.StartSpan(hctx, "dispatch", "command."+h.Name,
		telemetry.CommandAttr(h.Name), telemetry.ChatAttr(ev.ChatID))
	defer span.End()

	senderName := ev.SenderName
	if info, err := d.meta.Get(hctx, ev.ChatID); err == nil && !ev.IsGroup && info.DisplayName != "" {
		senderName = info.DisplayName
	}

	logger := slog.Default().With(
		slog.String("command", h.Name), slog.String("chat", ev.ChatID), slog.String("component", "dispatch"))

	var err error
	dur := telemetry.TimeFunc(telemetry.HandlerDuration, func() {
		err = h.Fn(hctx, d.tr, ev, args, registry.Context{
			Logger:     logger,
			ChatID:     ev.ChatID,
			IsGroup:    ev.IsGroup,
			SenderName: senderName,
		})
	})
	if err == nil && hctx.Err() != nil {
		err = hctx.Err()
	}
	if err != nil {
		telemetry.HandlerFailures.Inc()
		telemetry.RecordError(span, err)
		logger.Error("handler failed", slog.Any("err", err), slog.Duration("took", dur))
		// Best effort: the notice uses the parent ctx since hctx may already
		// be past its deadline.
		if serr := d.tr.Send(ctx, ev.ChatID, "command failed: "+h.Name); serr != nil {
			logger.Warn("failure notice not delivered", slog.Any("err", serr))
		}
		return
	}
	telemetry.SetSpanSuccess(span)
	logger.Debug("handler done", slog.Duration("took", dur))
}
