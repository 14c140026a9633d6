package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	twitch "github.com/gempir/go-twitch-irc/v3"

	"github.com/onnwee/relaybot/telemetry"
)

// SyntheticIDPrefix marks event ids synthesized locally (e.g. replayed or
// injected events) that must never be dispatched as conversational messages.
const SyntheticIDPrefix = "synthetic-"

// StatusChatID is the reserved pseudo-address for network status broadcasts.
// Events addressed to it are not conversational and are dropped before dedup.
const StatusChatID = "*.status"

// systemSenders are network service accounts whose messages are never
// conversational.
var systemSenders = map[string]bool{"tmi": true, "jtv": true}

// IsSystemSender reports whether a sender id belongs to a network service
// account rather than a user.
func IsSystemSender(id string) bool { return systemSenders[strings.ToLower(id)] }

// TwitchTransport implements Transport over Twitch IRC using go-twitch-irc.
// One instance corresponds to one dialed session; the session manager creates
// a fresh instance per connection attempt so each dial picks up current
// credentials.
type TwitchTransport struct {
	client  *twitch.Client
	channel string

	opened chan struct{}
	events chan Batch
	acked  atomic.Int64

	mu    sync.Mutex
	names map[string]string // chatID -> last observed display name
}

// NewTwitchTransport builds a transport for one bot login against one channel.
// The token is the bot user's OAuth access token; the "oauth:" prefix the IRC
// server expects is added here so stored credentials stay raw.
func NewTwitchTransport(username, token, channel string) *TwitchTransport {
	telemetry.Init()
	if !strings.HasPrefix(token, "oauth:") {
		token = "oauth:" + token
	}
	t := &TwitchTransport{
		client:  twitch.NewClient(username, token),
		channel: channel,
		opened:  make(chan struct{}, 1),
		events:  make(chan Batch, 256),
		names:   make(map[string]string),
	}
	t.client.OnConnect(func() {
		select {
		case t.opened <- struct{}{}:
		default:
		}
	})
	t.client.OnPrivateMessage(t.onPrivateMessage)
	t.client.OnWhisperMessage(t.onWhisperMessage)
	t.client.Join(channel)
	return t
}

// Run connects and serves the IRC session until it closes. A close caused by
// ctx cancellation is reported as nil; any other close reason is returned for
// classification by the session manager.
func (t *TwitchTransport) Run(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.client.Disconnect()
		case <-done:
		}
	}()

	err := t.client.Connect()
	if ctx.Err() != nil {
		return nil
	}
	if errors.Is(err, twitch.ErrClientDisconnected) {
		return nil
	}
	return err
}

// Opened is signaled once per successful session establishment.
func (t *TwitchTransport) Opened() <-chan struct{} { return t.opened }

// Events delivers inbound message batches.
func (t *TwitchTransport) Events() <-chan Batch { return t.events }

// Send delivers one outbound message. Group targets carry the IRC "#" prefix;
// anything else is a whisper to a user login.
func (t *TwitchTransport) Send(ctx context.Context, chatID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if chatID == "" {
		return fmt.Errorf("send: empty chat id")
	}
	if ch, ok := strings.CutPrefix(chatID, "#"); ok {
		t.client.Say(ch, text)
	} else {
		t.client.Whisper(chatID, text)
	}
	return nil
}

// Ack records delivery acknowledgment for an event. Twitch IRC has no read
// receipts, so the ack is observable only in metrics and debug logs.
func (t *TwitchTransport) Ack(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.acked.Add(1)
	telemetry.EventsAcked.Inc()
	slog.Debug("event acked", slog.String("id", ev.ID), slog.String("component", "chat"))
	return nil
}

// Acked returns how many events this session has acknowledged.
func (t *TwitchTransport) Acked() int64 { return t.acked.Load() }

// Resolve returns display metadata for a chat target, preferring names
// observed on the live session over the bare identifier.
func (t *TwitchTransport) Resolve(ctx context.Context, chatID string) (ChatInfo, error) {
	if err := ctx.Err(); err != nil {
		return ChatInfo{}, err
	}
	isGroup := strings.HasPrefix(chatID, "#")
	t.mu.Lock()
	name, ok := t.names[chatID]
	t.mu.Unlock()
	if !ok {
		name = strings.TrimPrefix(chatID, "#")
	}
	return ChatInfo{DisplayName: name, IsGroup: isGroup}, nil
}

func (t *TwitchTransport) onPrivateMessage(msg twitch.PrivateMessage) {
	t.remember("#"+msg.Channel, msg.Channel)
	t.deliver(Event{
		ID:         msg.ID,
		ChatID:     "#" + msg.Channel,
		SenderID:   msg.User.Name,
		SenderName: msg.User.DisplayName,
		Body:       msg.Message,
		IsGroup:    true,
		RawType:    msg.RawType,
	})
}

func (t *TwitchTransport) onWhisperMessage(msg twitch.WhisperMessage) {
	t.remember(msg.User.Name, msg.User.DisplayName)
	t.deliver(Event{
		ID:         msg.MessageID,
		ChatID:     msg.User.Name,
		SenderID:   msg.User.Name,
		SenderName: msg.User.DisplayName,
		Body:       msg.Message,
		IsGroup:    false,
		RawType:    msg.RawType,
	})
}

func (t *TwitchTransport) remember(chatID, name string) {
	t.mu.Lock()
	t.names[chatID] = name
	t.mu.Unlock()
}

// deliver hands one event to the consumer. The channel is buffered; when the
// dispatcher falls behind, delivery blocks the IRC read loop, which is the
// intended backpressure (never drop, never reorder).
func (t *TwitchTransport) deliver(ev Event) {
	t.events <- Batch{ev}
}
