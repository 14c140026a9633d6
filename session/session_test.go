package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/onnwee/relaybot/chat"
	"github.com/onnwee/relaybot/testutil"
)

func TestBackoffGrowthAndCap(t *testing.T) {
	o := Options{BackoffBase: time.Second, Growth: 1.5, BackoffCap: time.Minute}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 1000 * time.Millisecond},
		{1, 1500 * time.Millisecond},
		{2, 2250 * time.Millisecond},
		{3, 3375 * time.Millisecond},
		{10, 57665 * time.Millisecond},
		{11, time.Minute},
		{50, time.Minute},
	}
	for _, tc := range cases {
		got := o.Backoff(tc.attempt)
		if diff := got - tc.want; diff < -time.Millisecond || diff > time.Millisecond {
			t.Errorf("Backoff(%d) = %v, want %v", tc.attempt, got, tc.want)
		}
	}
}

// dialScript hands out pre-built transports one per dial.
type dialScript struct {
	mu    sync.Mutex
	ts    []*testutil.FakeTransport
	errs  []error
	dials int
}

func (s *dialScript) dial(ctx context.Context) (chat.Transport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	i := s.dials
	s.dials++
	if i < len(s.errs) && s.errs[i] != nil {
		return nil, s.errs[i]
	}
	if i < len(s.ts) {
		return s.ts[i], nil
	}
	return nil, errors.New("dial script exhausted")
}

func (s *dialScript) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func fastOpts() Options {
	return Options{BackoffBase: time.Millisecond, Growth: 1.5, BackoffCap: 5 * time.Millisecond, MaxAttempts: 3}
}

func TestRunReconnectsAcrossTransientClose(t *testing.T) {
	t1 := testutil.NewFakeTransport()
	t2 := testutil.NewFakeTransport()
	script := &dialScript{ts: []*testutil.FakeTransport{t1, t2}}
	store := &testutil.MemStore{}
	m := NewManager(script.dial, store, fastOpts())

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(ctx) }()

	t1.Open()
	t1.Deliver(chat.Batch{{ID: "m1", ChatID: "#c", Body: "hello"}})
	batch := <-m.Events()
	if len(batch) != 1 || batch[0].ID != "m1" {
		t.Fatalf("first batch = %+v", batch)
	}

	t1.Close(errors.New("read tcp: connection reset by peer"))

	t2.Open()
	t2.Deliver(chat.Batch{{ID: "m2", ChatID: "#c", Body: "again"}})
	batch = <-m.Events()
	if len(batch) != 1 || batch[0].ID != "m2" {
		t.Fatalf("second batch = %+v", batch)
	}
	if script.count() != 2 {
		t.Errorf("dials = %d, want 2", script.count())
	}
	if store.Clears != 0 {
		t.Errorf("credentials cleared on transient close")
	}

	cancel()
	if err := <-runDone; err != nil {
		t.Errorf("Run = %v, want nil on cancel", err)
	}
}

func TestRunAuthInvalidClearsAndStops(t *testing.T) {
	t1 := testutil.NewFakeTransport()
	t1.Close(errors.New("Login authentication failed"))
	script := &dialScript{ts: []*testutil.FakeTransport{t1}}
	store := &testutil.MemStore{}
	m := NewManager(script.dial, store, fastOpts())

	err := m.Run(context.Background())
	if !errors.Is(err, ErrAuthInvalidated) {
		t.Fatalf("Run = %v, want ErrAuthInvalidated", err)
	}
	if store.Clears != 1 {
		t.Errorf("Clears = %d, want 1", store.Clears)
	}
	if script.count() != 1 {
		t.Errorf("dials = %d, auth close must not be retried", script.count())
	}
	if m.State() != Failed {
		t.Errorf("State = %s, want failed", m.State())
	}
}

func TestRunGivesUpAfterMaxAttempts(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")
	script := &dialScript{errs: []error{refused, refused, refused, refused, refused}}
	m := NewManager(script.dial, &testutil.MemStore{}, fastOpts())

	err := m.Run(context.Background())
	if !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run = %v, want ErrGaveUp", err)
	}
	if script.count() != 3 {
		t.Errorf("dials = %d, want 3", script.count())
	}
	if m.State() != GaveUp {
		t.Errorf("State = %s, want gaveup", m.State())
	}
}

func TestOpenResetsAttemptCounter(t *testing.T) {
	refused := errors.New("dial tcp: connection refused")
	// Two failures, then a session that opens. Without the reset the transient
	// close of that session would be the third consecutive failure and the run
	// would give up after 3 dials.
	t3 := testutil.NewFakeTransport()
	script := &dialScript{
		ts:   []*testutil.FakeTransport{nil, nil, t3, nil, nil},
		errs: []error{refused, refused, nil, refused, refused},
	}
	m := NewManager(script.dial, &testutil.MemStore{}, fastOpts())

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(context.Background()) }()

	t3.Open()
	waitForState(t, m, Open)
	t3.Close(errors.New("i/o timeout"))

	if err := <-runDone; !errors.Is(err, ErrGaveUp) {
		t.Fatalf("Run = %v, want ErrGaveUp", err)
	}
	// 2 failed dials, the open session whose close restarts the count at 1,
	// then 2 more failed dials reach the limit.
	if script.count() != 5 {
		t.Errorf("dials = %d, want 5", script.count())
	}
}

func TestSendRequiresOpenSession(t *testing.T) {
	m := NewManager(func(ctx context.Context) (chat.Transport, error) {
		return nil, errors.New("unused")
	}, nil, fastOpts())
	if err := m.Send(context.Background(), "#c", "hi"); err == nil {
		t.Error("Send succeeded with no open session")
	}
}

func waitForState(t *testing.T, m *Manager, want State) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for m.State() != want {
		select {
		case <-deadline:
			t.Fatalf("state = %s, want %s", m.State(), want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}
