package creds_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/onnwee/relaybot/creds"
	"github.com/onnwee/relaybot/testutil"
)

func TestRefresherRotatesNearExpiry(t *testing.T) {
	store := &testutil.MemStore{}
	if err := store.Save(context.Background(), creds.Credentials{
		AccessToken:  "old-access",
		RefreshToken: "old-refresh",
		Expiry:       time.Now().Add(time.Minute), // inside the refresh window
		Scope:        "chat:read",
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var refreshes atomic.Int32
	creds.StartRefresher(ctx, store, 10*time.Millisecond, 15*time.Minute,
		func(ctx context.Context, refreshToken string) (creds.Credentials, error) {
			if refreshToken != "old-refresh" {
				t.Errorf("refreshToken = %q", refreshToken)
			}
			refreshes.Add(1)
			return creds.Credentials{
				AccessToken: "new-access",
				Expiry:      time.Now().Add(4 * time.Hour),
			}, nil
		})

	deadline := time.After(5 * time.Second)
	for {
		c, ok, _ := store.Load(ctx)
		if ok && c.AccessToken == "new-access" {
			// Rotation that omits the refresh token and scope keeps the old ones.
			if c.RefreshToken != "old-refresh" {
				t.Errorf("RefreshToken = %q, want old-refresh kept", c.RefreshToken)
			}
			if c.Scope != "chat:read" {
				t.Errorf("Scope = %q, want chat:read kept", c.Scope)
			}
			return
		}
		select {
		case <-deadline:
			t.Fatalf("credentials never rotated (refreshes=%d)", refreshes.Load())
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestRefresherSkipsFreshCredentials(t *testing.T) {
	store := &testutil.MemStore{}
	if err := store.Save(context.Background(), creds.Credentials{
		AccessToken:  "fresh",
		RefreshToken: "r",
		Expiry:       time.Now().Add(24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	creds.StartRefresher(ctx, store, 5*time.Millisecond, time.Minute,
		func(ctx context.Context, refreshToken string) (creds.Credentials, error) {
			t.Error("refresh ran for credentials far from expiry")
			return creds.Credentials{}, nil
		})

	time.Sleep(100 * time.Millisecond)
	c, _, _ := store.Load(ctx)
	if c.AccessToken != "fresh" {
		t.Errorf("AccessToken = %q, want unchanged", c.AccessToken)
	}
}
