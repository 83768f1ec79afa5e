package main

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/bwmarrin/discordgo"
)

type fakeDiscordSender struct {
	mu   sync.Mutex
	err  error
	sent []string
}

func (f *fakeDiscordSender) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, _ ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, data.Content)
	return &discordgo.Message{ChannelID: channelID, Content: data.Content}, nil
}

func newTestNotifier() (*discordNotifier, *fakeDiscordSender) {
	s := &fakeDiscordSender{}
	return &discordNotifier{dg: s, channelID: "chan", prefix: "[kawpool RVN] "}, s
}

func TestDiscordNotifierGroupsLines(t *testing.T) {
	n, s := newTestNotifier()
	n.enqueueNotice("block one")
	n.enqueueNotice("  ")
	n.enqueueNotice("block two")
	if n.pending() != 1 {
		t.Fatalf("short lines should share one message, pending %d", n.pending())
	}
	n.sendNext()
	if len(s.sent) != 1 || s.sent[0] != "[kawpool RVN] block one\n[kawpool RVN] block two" {
		t.Fatalf("unexpected message %q", s.sent)
	}
	if n.pending() != 0 {
		t.Fatalf("queue should be empty")
	}
	n.sendNext()
	if len(s.sent) != 1 {
		t.Fatalf("empty queue should not send")
	}
}

func TestDiscordNotifierDropsOverflow(t *testing.T) {
	n, s := newTestNotifier()
	long := strings.Repeat("x", 600)
	for i := 0; i < discordMaxQueued+2; i++ {
		n.enqueueNotice(long)
	}
	if n.pending() != discordMaxQueued || n.dropped != 2 {
		t.Fatalf("pending %d dropped %d", n.pending(), n.dropped)
	}
	n.sendNext()
	if len(s.sent) != 1 || n.pending() != discordMaxQueued {
		t.Fatalf("sent %d pending %d", len(s.sent), n.pending())
	}
	last := n.queue[len(n.queue)-1]
	if len(last) != 1 || !strings.Contains(last[0], "dropped 2 updates") {
		t.Fatalf("expected drop notice, got %q", last)
	}

	n.enqueueNotice(strings.Repeat("y", 2*discordMaxChars))
	if n.dropped != 1 {
		t.Fatalf("full queue should count the drop")
	}
}

func TestDiscordNotifierSendErrors(t *testing.T) {
	n, s := newTestNotifier()
	n.enqueueNotice("hello")

	s.err = errors.New("connection reset")
	n.sendNext()
	if n.pending() != 1 {
		t.Fatalf("transient failure should keep the message")
	}

	s.err = discordgo.ErrUnauthorized
	n.sendNext()
	if n.pending() != 0 {
		t.Fatalf("permanent failure should drop the message")
	}
}

func TestDiscordNotifierNil(t *testing.T) {
	var n *discordNotifier
	n.enqueueNotice("ignored")
	n.start(context.Background())

	cfg := defaultConfig()
	got, err := newDiscordNotifier(cfg)
	if err != nil || got != nil {
		t.Fatalf("no token should disable the notifier: %v %v", got, err)
	}
}

func TestFormatFoundBlockNotice(t *testing.T) {
	rec := shareRecord{Height: 100, BlockHash: "00ab", Worker: "R.rig", ShareDiff: 3.14159}
	if got := formatFoundBlockNotice(rec, true); got != "Block 100 accepted: 00ab found by R.rig (diff 3.14)" {
		t.Fatalf("accepted notice %q", got)
	}
	if got := formatFoundBlockNotice(rec, false); !strings.Contains(got, "REJECTED") {
		t.Fatalf("rejected notice %q", got)
	}
}
