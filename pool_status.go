package main

import (
	"context"
	"time"
)

const statusLogInterval = 5 * time.Minute

// poolStatus is a point-in-time view of the running pool.
type poolStatus struct {
	Miners          int
	ExtraNonces     int
	TotalDifficulty float64
	ValidJobs       int
	Feed            JobFeedStatus
	DaemonsHealthy  int
	Daemons         int
	Bans            int
	Uptime          time.Duration
}

func (p *Pool) status() poolStatus {
	st := poolStatus{
		Feed:           p.jobs.FeedStatus(),
		ValidJobs:      p.jobs.validJobCount(),
		ExtraNonces:    p.jobs.extraNonces.active(),
		DaemonsHealthy: p.daemon.healthyCount(),
		Daemons:        len(p.daemon.clients),
		Bans:           p.bans.len(),
		Uptime:         time.Since(p.startedAt),
	}
	if p.server != nil {
		st.Miners = p.server.clientCount()
		for _, mc := range p.server.snapshotClients() {
			st.TotalDifficulty += mc.currentDifficulty()
		}
	}
	return st
}

func (p *Pool) statusLoop(ctx context.Context) {
	ticker := time.NewTicker(statusLogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.logStatus(p.status())
		}
	}
}

func (p *Pool) logStatus(st poolStatus) {
	attrs := []any{
		"miners", st.Miners,
		"extranonces", st.ExtraNonces,
		"total_diff", st.TotalDifficulty,
		"height", st.Feed.Height,
		"valid_jobs", st.ValidJobs,
		"daemons", st.DaemonsHealthy,
		"bans", st.Bans,
		"uptime", humanDuration(st.Uptime),
	}
	if st.Feed.LastError != nil {
		attrs = append(attrs, "feed_error", st.Feed.LastError, "feed_error_age", humanDuration(time.Since(st.Feed.LastErrorAt)))
	}
	logger.Info("pool status", attrs...)
	if st.DaemonsHealthy < st.Daemons {
		for _, c := range p.daemon.clients {
			if c.Healthy() {
				continue
			}
			logger.Warn("daemon degraded", "daemon", c.endpointLabel(), "disconnects", c.Disconnects(), "reconnects", c.Reconnects(), "error", c.LastError())
		}
	}
}
