package main

import (
	"fmt"
	"sync"
	"time"
)

// banStore persists the ban list across restarts.
type banStore interface {
	SaveBan(ip, worker, reason string, at time.Time) error
	DeleteBan(ip string) error
	LoadBans(since time.Time) (map[string]time.Time, error)
}

// banList maps source addresses to the time they were banned.
type banList struct {
	mu    sync.Mutex
	bans  map[string]time.Time
	ttl   time.Duration
	store banStore
}

func newBanList(ttl time.Duration, store banStore) *banList {
	return &banList{bans: make(map[string]time.Time), ttl: ttl, store: store}
}

// restore loads unexpired bans from the store.
func (b *banList) restore(now time.Time) int {
	if b.store == nil {
		return 0
	}
	loaded, err := b.store.LoadBans(now.Add(-b.ttl))
	if err != nil {
		logger.Warn("load persisted bans failed", "error", err)
		return 0
	}
	b.mu.Lock()
	for ip, at := range loaded {
		b.bans[ip] = at
	}
	b.mu.Unlock()
	return len(loaded)
}

func (b *banList) add(ip, worker, reason string, now time.Time) {
	b.mu.Lock()
	b.bans[ip] = now
	b.mu.Unlock()
	if b.store != nil {
		if err := b.store.SaveBan(ip, worker, reason, now); err != nil {
			logger.Warn("persist ban failed", "ip", ip, "error", err)
		}
	}
}

// check reports the remaining ban time for ip. An expired entry is removed
// and forgiven is set.
func (b *banList) check(ip string, now time.Time) (remaining time.Duration, banned, forgiven bool) {
	b.mu.Lock()
	at, ok := b.bans[ip]
	if !ok {
		b.mu.Unlock()
		return 0, false, false
	}
	remaining = b.ttl - now.Sub(at)
	if remaining > 0 {
		b.mu.Unlock()
		return remaining, true, false
	}
	delete(b.bans, ip)
	b.mu.Unlock()
	b.forget(ip)
	return 0, false, true
}

// purge drops every expired entry.
func (b *banList) purge(now time.Time) int {
	var expired []string
	b.mu.Lock()
	for ip, at := range b.bans {
		if now.Sub(at) > b.ttl {
			delete(b.bans, ip)
			expired = append(expired, ip)
		}
	}
	b.mu.Unlock()
	for _, ip := range expired {
		b.forget(ip)
	}
	return len(expired)
}

func (b *banList) forget(ip string) {
	if b.store == nil {
		return
	}
	if err := b.store.DeleteBan(ip); err != nil {
		logger.Warn("delete persisted ban failed", "ip", ip, "error", err)
	}
}

func (b *banList) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.bans)
}

// considerBan counts one share outcome. Once the check threshold is
// reached the counters reset when the invalid share is acceptable;
// otherwise the connection is closed and its address banned.
func (mc *MinerConn) considerBan(valid bool) bool {
	cfg := mc.srv().cfg.Banning
	mc.mu.Lock()
	if valid {
		mc.shares.valid++
	} else {
		mc.shares.invalid++
	}
	total := mc.shares.valid + mc.shares.invalid
	if !cfg.Enabled || total < cfg.CheckThreshold {
		mc.mu.Unlock()
		return false
	}
	invalid := mc.shares.invalid
	percentBad := float64(invalid) / float64(total) * 100
	if percentBad < cfg.InvalidPercent {
		mc.shares = shareCounters{}
		mc.mu.Unlock()
		return false
	}
	ip, worker := mc.remoteIP, mc.workerName
	mc.mu.Unlock()

	reason := fmt.Sprintf("%d out of the last %d shares were invalid", invalid, total)
	logger.Warn("ban triggered", "miner", mc.label(), "reason", reason)
	mc.srv().bans.add(ip, worker, reason, time.Now())
	mc.Close("banned")
	return true
}
