// Package chat defines the transport abstraction between the bot core and the
// messaging network, plus the Twitch IRC implementation of it. The session
// manager and the dispatcher are the only consumers of transport events.
package chat

import (
	"context"
)

// Event is one inbound message as observed at the transport boundary.
// Read-only once constructed; never persisted beyond the dedup window.
type Event struct {
	ID         string
	ChatID     string
	SenderID   string
	SenderName string
	Body       string
	IsGroup    bool
	RawType    string
}

// Batch is a group of events delivered together by the transport. Events in a
// batch are processed sequentially in delivery order.
type Batch []Event

// ChatInfo is display metadata for a chat target, resolved on demand and held
// in the metadata cache.
type ChatInfo struct {
	DisplayName string
	IsGroup     bool
}

// Sender sends one outbound text message to a chat target. Handlers receive
// this narrow interface rather than the full transport.
type Sender interface {
	Send(ctx context.Context, chatID, text string) error
}

// Transport is a single logical session to the messaging network. Run blocks
// until the session closes; the returned error carries the close reason
// (Classify distinguishes transient from auth-invalidated closes).
type Transport interface {
	Sender

	// Run dials and serves the session until it closes or ctx is canceled.
	// A nil return means a clean, operator-requested shutdown.
	Run(ctx context.Context) error

	// Opened is signaled once per successful session establishment.
	Opened() <-chan struct{}

	// Events delivers inbound message batches until the session closes.
	Events() <-chan Batch

	// Ack marks an event as read/acknowledged at the transport.
	Ack(ctx context.Context, ev Event) error

	// Resolve fetches display metadata for a chat target.
	Resolve(ctx context.Context, chatID string) (ChatInfo, error)
}
