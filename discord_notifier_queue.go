package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
)

const (
	discordMaxQueued    = 3
	discordMaxChars     = 1000
	discordSendInterval = 10 * time.Second
)

type discordSender interface {
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// discordNotifier posts pool notices (found blocks, daemon trouble) to one
// channel, at most one message per discordSendInterval.
type discordNotifier struct {
	dg        discordSender
	channelID string
	prefix    string

	mu               sync.Mutex
	queue            [][]string
	dropped          int
	lastDropNoticeAt time.Time
}

func newDiscordNotifier(cfg Config) (*discordNotifier, error) {
	token := strings.TrimSpace(cfg.DiscordBotToken)
	channel := strings.TrimSpace(cfg.DiscordNotifyChannelID)
	if token == "" || channel == "" {
		return nil, nil
	}
	dg, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, err
	}
	return &discordNotifier{
		dg:        dg,
		channelID: channel,
		prefix:    "[" + poolSoftwareName + " " + cfg.CoinSymbol + "] ",
	}, nil
}

func (n *discordNotifier) start(ctx context.Context) {
	if n == nil {
		return
	}
	go n.loop(ctx)
	logger.Info("discord notifier started", "channel_id", n.channelID)
}

// enqueueNotice groups lines into at most discordMaxQueued pending
// messages. Lines beyond that are counted and dropped.
func (n *discordNotifier) enqueueNotice(line string) {
	if n == nil {
		return
	}
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	line = n.prefix + line
	if len(line) > discordMaxChars {
		line = line[:discordMaxChars]
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if k := len(n.queue); k > 0 {
		last := n.queue[k-1]
		if len(renderDiscordMessage(append(last[:len(last):len(last)], line))) <= discordMaxChars {
			n.queue[k-1] = append(last, line)
			return
		}
	}
	if len(n.queue) >= discordMaxQueued {
		n.dropped++
		return
	}
	n.queue = append(n.queue, []string{line})
}

func renderDiscordMessage(lines []string) string {
	return strings.Join(lines, "\n")
}

func (n *discordNotifier) loop(ctx context.Context) {
	ticker := time.NewTicker(discordSendInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n.sendNext()
		}
	}
}

// sendNext pops the head message only after a successful send or a
// permanent failure.
func (n *discordNotifier) sendNext() {
	n.mu.Lock()
	if len(n.queue) == 0 {
		n.mu.Unlock()
		return
	}
	msg := renderDiscordMessage(n.queue[0])
	n.mu.Unlock()

	_, err := n.dg.ChannelMessageSendComplex(n.channelID, &discordgo.MessageSend{
		Content:         msg,
		AllowedMentions: &discordgo.MessageAllowedMentions{},
	})
	if err != nil {
		logger.Warn("discord notify send failed", "error", err)
		if !isDiscordPermanentError(err) {
			return
		}
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.queue) > 0 {
		n.queue = n.queue[1:]
	}
	if n.dropped > 0 && len(n.queue) < discordMaxQueued {
		now := time.Now()
		if n.lastDropNoticeAt.IsZero() || now.Sub(n.lastDropNoticeAt) >= time.Minute {
			n.queue = append(n.queue, []string{n.prefix + fmt.Sprintf("Notification backlog full; dropped %d updates.", n.dropped)})
			n.dropped = 0
			n.lastDropNoticeAt = now
		}
	}
}

func (n *discordNotifier) pending() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.queue)
}

func isDiscordPermanentError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return true
	}
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Response != nil {
		switch restErr.Response.StatusCode {
		case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound:
			return true
		}
	}
	return false
}

func formatFoundBlockNotice(rec shareRecord, accepted bool) string {
	status := "accepted"
	if !accepted {
		status = "REJECTED by daemon"
	}
	return fmt.Sprintf("Block %d %s: %s found by %s (diff %.2f)", rec.Height, status, rec.BlockHash, rec.Worker, rec.ShareDiff)
}
