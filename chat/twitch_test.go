package chat

import (
	"context"
	"testing"

	twitch "github.com/gempir/go-twitch-irc/v3"
)

func TestPrivateMessageMapping(t *testing.T) {
	tr := NewTwitchTransport("somebot", "token", "somechannel")

	go tr.onPrivateMessage(twitch.PrivateMessage{
		ID:      "m1",
		Channel: "somechannel",
		Message: "!ping",
		RawType: "PRIVMSG",
		User:    twitch.User{Name: "viewer", DisplayName: "Viewer"},
	})

	batch := <-tr.Events()
	if len(batch) != 1 {
		t.Fatalf("batch len = %d", len(batch))
	}
	ev := batch[0]
	if ev.ID != "m1" || ev.ChatID != "#somechannel" || ev.SenderID != "viewer" ||
		ev.SenderName != "Viewer" || ev.Body != "!ping" || !ev.IsGroup {
		t.Errorf("event = %+v", ev)
	}

	info, err := tr.Resolve(context.Background(), "#somechannel")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if !info.IsGroup || info.DisplayName != "somechannel" {
		t.Errorf("info = %+v", info)
	}
}

func TestWhisperMessageMapping(t *testing.T) {
	tr := NewTwitchTransport("somebot", "token", "somechannel")

	go tr.onWhisperMessage(twitch.WhisperMessage{
		MessageID: "w1",
		Message:   "hi",
		RawType:   "WHISPER",
		User:      twitch.User{Name: "viewer", DisplayName: "Viewer"},
	})

	batch := <-tr.Events()
	ev := batch[0]
	if ev.ID != "w1" || ev.ChatID != "viewer" || ev.IsGroup {
		t.Errorf("event = %+v", ev)
	}

	// The whisper taught the transport the sender's display name.
	info, err := tr.Resolve(context.Background(), "viewer")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if info.IsGroup || info.DisplayName != "Viewer" {
		t.Errorf("info = %+v", info)
	}
}

func TestAckCounts(t *testing.T) {
	tr := NewTwitchTransport("somebot", "token", "somechannel")
	for i := 0; i < 3; i++ {
		if err := tr.Ack(context.Background(), Event{ID: "m"}); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if got := tr.Acked(); got != 3 {
		t.Errorf("Acked = %d, want 3", got)
	}
}
