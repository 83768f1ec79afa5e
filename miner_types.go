package main

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

type StratumRequest struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

type StratumResponse struct {
	ID     any `json:"id"`
	Result any `json:"result"`
	Error  any `json:"error"`
}

// StratumNotification is an unsolicited push (mining.set_target,
// mining.notify). The id is always null.
type StratumNotification struct {
	ID     any    `json:"id"`
	Method string `json:"method"`
	Params []any  `json:"params"`
}

func newStratumError(code int, msg string) []any {
	return []any{code, msg, nil}
}

// shareCounters feed the ban check and reset whenever a check passes.
type shareCounters struct {
	valid   int
	invalid int
}

// jobPush is one queued mining.notify. A newer push replaces an unsent
// one; clean is sticky across the replacement.
type jobPush struct {
	job   *Job
	clean bool
	now   time.Time
}

// MinerConn is one stratum connection. Fields under mu are shared with the
// broadcast path and the submission workers.
type MinerConn struct {
	id        string
	conn      net.Conn
	server    atomic.Pointer[StratumServer]
	port      PortConfig
	isTLS     bool
	ctx       context.Context
	cancel    context.CancelFunc
	varDiff   *VarDiffController
	framer    *lineFramer
	jobCh     chan jobPush
	writeMu   sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
	released  atomic.Bool

	mu                  sync.Mutex
	subID               string
	remoteIP            string
	remotePort          int
	authorized          bool
	subscribedEarly     bool
	extraNonce          string
	workerName          string
	workerPass          string
	version             string
	difficulty          float64
	pendingDifficulty   float64
	previousDifficulty  float64
	lastActivity        time.Time
	shares              shareCounters
	varDiffState        varDiffState
	connectedAt         time.Time
	acceptedShares      uint64
	rejectedShares      uint64
	lastShareAcceptedAt time.Time
}
