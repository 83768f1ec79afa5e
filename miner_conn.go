package main

import (
	"context"
	"errors"
	"io"
	"net"
	"strconv"
	"time"
)

const minerReadChunk = 4096

func NewMinerConn(ctx context.Context, c net.Conn, server *StratumServer, subID string, port PortConfig, isTLS bool) *MinerConn {
	ctx, cancel := context.WithCancel(ctx)
	now := time.Now()
	mc := &MinerConn{
		id:           c.RemoteAddr().String(),
		subID:        subID,
		conn:         c,
		port:         port,
		isTLS:        isTLS,
		ctx:          ctx,
		cancel:       cancel,
		framer:       newLineFramer(maxStratumBufferSize),
		jobCh:        make(chan jobPush, 1),
		difficulty:   defaultStratumDifficulty,
		lastActivity: now,
		connectedAt:  now,
	}
	if server != nil {
		mc.server.Store(server)
		mc.varDiff = server.varDiff[port.Port]
	}
	if host, p, err := net.SplitHostPort(mc.id); err == nil {
		mc.remoteIP = host
		mc.remotePort, _ = strconv.Atoi(p)
	} else {
		mc.remoteIP = mc.id
	}
	return mc
}

// srv is the server currently owning the connection. It changes when the
// miner is handed to another server.
func (mc *MinerConn) srv() *StratumServer {
	return mc.server.Load()
}

// label names the connection in log lines.
func (mc *MinerConn) label() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	name := mc.workerName
	if name == "" {
		name = "(unauthorized)"
	}
	return name + " [" + mc.remoteIP + "]"
}

func (mc *MinerConn) remoteAddr() string {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.remoteIP
}

func (mc *MinerConn) currentDifficulty() float64 {
	mc.mu.Lock()
	defer mc.mu.Unlock()
	return mc.difficulty
}

func (mc *MinerConn) recordActivity(now time.Time) {
	mc.mu.Lock()
	mc.lastActivity = now
	mc.mu.Unlock()
}

// Close shuts the socket. The read loop notices and cleans up.
func (mc *MinerConn) Close(reason string) {
	mc.closeOnce.Do(func() {
		mc.closed.Store(true)
		if verboseLogging {
			logger.Debug("closing miner", "miner", mc.label(), "reason", reason)
		}
		mc.cancel()
		_ = mc.conn.Close()
	})
}

func (mc *MinerConn) cleanup() {
	mc.Close("disconnect")
	if !mc.released.CompareAndSwap(false, true) {
		return
	}
	s := mc.srv()
	if s == nil {
		return
	}
	mc.mu.Lock()
	en := mc.extraNonce
	mc.mu.Unlock()
	if en != "" {
		s.jobs.extraNonces.release(en)
	}
	s.removeClient(mc)
}

// queueJob hands job to listenJobs without waiting on the socket. An
// unsent job still in the queue is replaced.
func (mc *MinerConn) queueJob(job *Job, clean bool, now time.Time) {
	if job == nil || mc.closed.Load() {
		return
	}
	p := jobPush{job: job, clean: clean, now: now}
	for {
		select {
		case mc.jobCh <- p:
			return
		default:
		}
		select {
		case old := <-mc.jobCh:
			p.clean = p.clean || old.clean
		default:
		}
	}
}

// listenJobs writes queued jobs until the connection closes. A slow
// socket only delays its own miner.
func (mc *MinerConn) listenJobs() {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("listenJobs panic recovered", "miner", mc.id, "panic", r)
			mc.Close("job writer panic")
		}
	}()
	for {
		select {
		case <-mc.ctx.Done():
			return
		case p := <-mc.jobCh:
			mc.sendMiningJob(p.job, p.clean, p.now)
		}
	}
}

// handle runs the read loop until the socket closes.
func (mc *MinerConn) handle() {
	defer mc.cleanup()

	proxyPending := mc.srv().cfg.TCPProxyProtocol
	if !proxyPending && !mc.srv().checkBan(mc) {
		return
	}

	buf := make([]byte, minerReadChunk)
	for {
		if mc.ctx.Err() != nil {
			return
		}
		n, err := mc.conn.Read(buf)
		if n > 0 {
			lines, ferr := mc.framer.push(buf[:n])
			if ferr != nil {
				logger.Warn("detected socket flooding", "miner", mc.label())
				return
			}
			for _, line := range lines {
				if proxyPending {
					proxyPending = false
					ip, perr := parseProxyLine(line)
					if perr != nil {
						logger.Error("client ip detection failed, tcp proxy protocol is enabled", "remote", mc.id, "error", perr)
						return
					}
					mc.mu.Lock()
					mc.remoteIP = ip
					mc.mu.Unlock()
					if !mc.srv().checkBan(mc) {
						return
					}
					continue
				}
				if !mc.handleLine(line) {
					return
				}
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) && !mc.closed.Load() {
				logger.Warn("socket error", "miner", mc.label(), "error", err)
			}
			return
		}
	}
}

// handleLine decodes and dispatches one message. It returns false when the
// connection must close.
func (mc *MinerConn) handleLine(line []byte) bool {
	var req StratumRequest
	if err := fastJSONUnmarshal(line, &req); err != nil {
		logger.Warn("malformed message", "miner", mc.label(), "message", truncateForLog(string(line), 200))
		return false
	}
	mc.handleMessage(&req)
	return !mc.closed.Load()
}

func (mc *MinerConn) handleMessage(req *StratumRequest) {
	switch req.Method {
	case "mining.subscribe":
		mc.handleSubscribe(req)
	case "mining.authorize":
		mc.handleAuthorize(req)
	case "mining.submit":
		mc.recordActivity(mc.srv().now())
		mc.handleSubmit(req)
	case "mining.get_transactions":
		mc.writeResponse(StratumResponse{ID: nil, Result: []any{}, Error: true})
	case "mining.extranonce.subscribe":
		mc.writeResponse(StratumResponse{ID: req.ID, Result: false, Error: newStratumError(stratumErrOther, "Not supported.")})
	default:
		logger.Info("unknown stratum method", "miner", mc.label(), "method", req.Method)
	}
}

// handleSubscribe hands out an extra-nonce, then pushes the port
// difficulty and the current job.
func (mc *MinerConn) handleSubscribe(req *StratumRequest) {
	mc.mu.Lock()
	if !mc.authorized {
		mc.subscribedEarly = true
	}
	en := mc.extraNonce
	mc.mu.Unlock()

	if en == "" {
		var err error
		en, err = mc.srv().jobs.extraNonces.acquire()
		if err != nil {
			logger.Error("extranonce allocation failed", "miner", mc.label(), "error", err)
			mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(stratumErrOther, err.Error())})
			return
		}
		mc.mu.Lock()
		mc.extraNonce = en
		mc.mu.Unlock()
	}

	mc.writeResponse(StratumResponse{ID: req.ID, Result: []any{nil, en}, Error: nil})

	diff := mc.port.Diff
	if diff <= 0 {
		diff = defaultStratumDifficulty
	}
	mc.sendDifficulty(diff, true)
	mc.sendMiningJob(mc.srv().jobs.CurrentJob(), true, time.Now())
}
