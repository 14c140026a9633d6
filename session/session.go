// Package session owns the connection lifecycle: it dials transports,
// observes session closes, and drives the reconnect state machine with
// exponential backoff. It is the only component that decides whether a close
// is retried, terminal, or a credential invalidation.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/creds"
	"github.com/onnwee/relaybot/telemetry"
)

// State is the observable connection lifecycle state. The numeric values are
// exported on the bot_session_state gauge.
type State int32

const (
	Disconnected State = iota
	Connecting
	Open
	Failed
	GaveUp
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Failed:
		return "failed"
	case GaveUp:
		return "gaveup"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal errors returned by Run. Both mean the process should exit and let
// the supervisor decide; ErrAuthInvalidated additionally means the stored
// credentials were cleared and the next start re-pairs.
var (
	ErrAuthInvalidated = errors.New("session invalidated by network, credentials cleared")
	ErrGaveUp          = errors.New("reconnect attempts exhausted")
)

// DialFunc establishes one fresh transport. It is invoked once per connection
// attempt so each attempt can pick up rotated credentials.
type DialFunc func(ctx context.Context) (chat.Transport, error)

// Options bound the reconnect behavior.
type Options struct {
	BackoffBase time.Duration // first retry delay
	Growth      float64       // multiplier per consecutive failure
	BackoffCap  time.Duration // delay ceiling
	MaxAttempts int           // consecutive failures before giving up
}

func (o *Options) fill() {
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.Growth <= 1 {
		o.Growth = 1.5
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
}

// Backoff computes the delay before retry number attempt (0-based):
// base * growth^attempt, capped. The exponent is deliberately 0-based so the
// first retry after a close waits exactly the base delay; growth applies from
// the second consecutive failure on.
func (o Options) Backoff(attempt int) time.Duration {
	d := time.Duration(float64(o.BackoffBase) * math.Pow(o.Growth, float64(attempt)))
	if d > o.BackoffCap || d <= 0 {
		d = o.BackoffCap
	}
	return d
}

// Manager runs the session lifecycle over transports produced by dial. Events
// from every underlying transport are forwarded to one stable channel so the
// dispatcher never observes a reconnect.
type Manager struct {
	dial  DialFunc
	store creds.Store
	opts  Options

	events chan chat.Batch

	mu      sync.RWMutex
	current chat.Transport
	state   State
}

// NewManager builds a manager. store may be nil when credential clearing on
// auth invalidation is handled elsewhere.
func NewManager(dial DialFunc, store creds.Store, opts Options) *Manager {
	telemetry.Init()
	opts.fill()
	m := &Manager{
		dial:   dial,
		store:  store,
		opts:   opts,
		events: make(chan chat.Batch),
	}
	m.setState(Disconnected)
	return m
}

// Events is the stable inbound stream across reconnects.
func (m *Manager) Events() <-chan chat.Batch { return m.events }

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	telemetry.SetSessionState(int(s))
}

func (m *Manager) setCurrent(t chat.Transport) {
	m.mu.Lock()
	m.current = t
	m.mu.Unlock()
}

func (m *Manager) transport() (chat.Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil || m.state != Open {
		return nil, fmt.Errorf("no open session (state %s)", m.state)
	}
	return m.current, nil
}

// Send delivers through the currently open session.
func (m *Manager) Send(ctx context.Context, chatID, text string) error {
	t, err := m.transport()
	if err != nil {
		return err
	}
	return t.Send(ctx, chatID, text)
}

// Ack acknowledges through the currently open session.
func (m *Manager) Ack(ctx context.Context, ev chat.Event) error {
	t, err := m.transport()
	if err != nil {
		return err
	}
	return t.Ack(ctx, ev)
}

// Resolve fetches chat metadata through the currently open session.
func (m *Manager) Resolve(ctx context.Context, chatID string) (chat.ChatInfo, error) {
	t, err := m.transport()
	if err != nil {
		return chat.ChatInfo{}, err
	}
	return t.Resolve(ctx, chatID)
}

// Run drives the connect/reconnect loop until ctx is canceled (returns nil)
// or a terminal condition is reached (ErrAuthInvalidated or ErrGaveUp).
// Consecutive failures back off exponentially; a successful open resets the
// failure count so a later close restarts from the base delay.
func (m *Manager) Run(ctx context.Context) error {
	attempt := 0
	for {
		m.setState(Connecting)
		if telemetry.ReconnectAttempts != nil {
			telemetry.ReconnectAttempts.Inc()
		}

		err := m.runOnce(ctx, &attempt)
		m.setCurrent(nil)
		if ctx.Err() != nil {
			m.setState(Disconnected)
			return nil
		}

		switch chat.Classify(err) {
		case chat.CloseAuthInvalid:
			slog.Error("session invalidated by network", slog.Any("err", err), slog.String("component", "session"))
			if m.store != nil {
				if cerr := m.store.Clear(context.Background()); cerr != nil {
					slog.Error("credential clear failed", slog.Any("err", cerr), slog.String("component", "session"))
				}
			}
			m.setState(Failed)
			return ErrAuthInvalidated
		default:
		}

		attempt++
		if attempt >= m.opts.MaxAttempts {
			slog.Error("giving up after repeated connect failures",
				slog.Int("attempts", attempt), slog.Any("err", err), slog.String("component", "session"))
			m.setState(GaveUp)
			return ErrGaveUp
		}

		delay := m.opts.Backoff(attempt - 1)
		if telemetry.ReconnectDelayMsGauge != nil {
			telemetry.ReconnectDelayMsGauge.Set(float64(delay.Milliseconds()))
		}
		slog.Warn("session closed, reconnecting",
			slog.Any("err", err), slog.Int("attempt", attempt),
			slog.Duration("delay", delay), slog.String("component", "session"))
		m.setState(Disconnected)

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(delay):
		}
	}
}

// runOnce dials and serves one transport to completion, forwarding its events
// to the stable channel. A successful open resets *attempt.
func (m *Manager) runOnce(ctx context.Context, attempt *int) error {
	t, err := m.dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	m.setCurrent(t)

	runErr := make(chan error, 1)
	go func() { runErr <- t.Run(ctx) }()

	for {
		select {
		case <-t.Opened():
			*attempt = 0
			m.setState(Open)
			slog.Info("session open", slog.String("component", "session"))

		case batch, ok := <-t.Events():
			if !ok {
				// Stream ended; wait for Run to report the close reason.
				return <-runErr
			}
			select {
			case m.events <- batch:
			case <-ctx.Done():
				return <-runErr
			}

		case err := <-runErr:
			return err
		}
	}
}
