// Package testutil provides in-memory fakes for the transport and credential
// store, so session and dispatch behavior can be tested without a network or
// a database.
package testutil

import (
	"context"
	"sync"

	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/creds"
)

// SentMessage is one outbound message recorded by a fake.
type SentMessage struct {
	ChatID string
	Text   string
}

// FakeTransport is a scriptable chat.Transport. The test drives it with
// Open, Deliver, and Close; the code under test observes it like a live
// session.
type FakeTransport struct {
	opened chan struct{}
	events chan chat.Batch
	closed chan struct{}

	mu       sync.Mutex
	closeErr error
	sent     []SentMessage
	acked    []string
	info     map[string]chat.ChatInfo
	sendErr  error
}

// NewFakeTransport returns an idle fake session.
func NewFakeTransport() *FakeTransport {
	return &FakeTransport{
		opened: make(chan struct{}, 1),
		events: make(chan chat.Batch, 64),
		closed: make(chan struct{}),
		info:   make(map[string]chat.ChatInfo),
	}
}

// Open signals session establishment.
func (f *FakeTransport) Open() {
	select {
	case f.opened <- struct{}{}:
	default:
	}
}

// Deliver queues one inbound batch.
func (f *FakeTransport) Deliver(batch chat.Batch) { f.events <- batch }

// Close ends the session; Run returns err.
func (f *FakeTransport) Close(err error) {
	f.mu.Lock()
	f.closeErr = err
	f.mu.Unlock()
	close(f.closed)
}

// FailSends makes subsequent Send calls return err.
func (f *FakeTransport) FailSends(err error) {
	f.mu.Lock()
	f.sendErr = err
	f.mu.Unlock()
}

// SetInfo scripts the Resolve result for a chat target.
func (f *FakeTransport) SetInfo(chatID string, info chat.ChatInfo) {
	f.mu.Lock()
	f.info[chatID] = info
	f.mu.Unlock()
}

func (f *FakeTransport) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case <-f.closed:
		f.mu.Lock()
		defer f.mu.Unlock()
		return f.closeErr
	}
}

func (f *FakeTransport) Opened() <-chan struct{} { return f.opened }

func (f *FakeTransport) Events() <-chan chat.Batch { return f.events }

func (f *FakeTransport) Send(ctx context.Context, chatID, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, SentMessage{ChatID: chatID, Text: text})
	return nil
}

func (f *FakeTransport) Ack(ctx context.Context, ev chat.Event) error {
	f.mu.Lock()
	f.acked = append(f.acked, ev.ID)
	f.mu.Unlock()
	return nil
}

func (f *FakeTransport) Resolve(ctx context.Context, chatID string) (chat.ChatInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if info, ok := f.info[chatID]; ok {
		return info, nil
	}
	return chat.ChatInfo{DisplayName: chatID}, nil
}

// Sent returns a copy of the recorded outbound messages.
func (f *FakeTransport) Sent() []SentMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SentMessage(nil), f.sent...)
}

// Acked returns a copy of the acknowledged event ids.
func (f *FakeTransport) Acked() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.acked...)
}

// MemStore is an in-memory creds.Store.
type MemStore struct {
	mu     sync.Mutex
	c      creds.Credentials
	have   bool
	Clears int
}

func (s *MemStore) Load(ctx context.Context) (creds.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.c, s.have, nil
}

func (s *MemStore) Save(ctx context.Context, c creds.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = c
	s.have = true
	return nil
}

func (s *MemStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.c = creds.Credentials{}
	s.have = false
	s.Clears++
	return nil
}
