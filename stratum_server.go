package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"
)

// StratumServer accepts miners on every configured port, tracks them by
// subscription id and fans jobs out to them.
type StratumServer struct {
	cfg         Config
	jobs        *JobManager
	authorize   authorizeFunc
	bans        *banList
	varDiff     map[int]*VarDiffController
	tlsConfig   *tls.Config
	submissions *submissionWorkerPool
	subIDs      subscriptionCounter
	now         func() time.Time
	ctx         context.Context

	mu        sync.RWMutex
	clients   map[string]*MinerConn
	listeners []net.Listener
	wg        sync.WaitGroup

	rebroadcastMu      sync.Mutex
	rebroadcast        *time.Timer
	onBroadcastTimeout func()
}

func NewStratumServer(cfg Config, jobs *JobManager, authorize authorizeFunc, bans *banList) *StratumServer {
	s := &StratumServer{
		cfg:       cfg,
		jobs:      jobs,
		authorize: authorize,
		bans:      bans,
		varDiff:   make(map[int]*VarDiffController),
		now:       time.Now,
		ctx:       context.Background(),
		clients:   make(map[string]*MinerConn),
	}
	if s.bans == nil {
		s.bans = newBanList(cfg.Banning.Time, nil)
	}
	for _, p := range cfg.Ports {
		if p.VarDiff != nil {
			s.varDiff[p.Port] = NewVarDiffController(p.Port, *p.VarDiff)
		}
	}
	return s
}

// OnBroadcastTimeout registers the stale-work callback fired when no job
// was broadcast for JobRebroadcastTimeout.
func (s *StratumServer) OnBroadcastTimeout(fn func()) {
	s.onBroadcastTimeout = fn
}

// Start binds every port. It fails without leaving listeners open if any
// port cannot be bound.
func (s *StratumServer) Start(ctx context.Context) error {
	s.ctx = ctx
	s.submissions = newSubmissionWorkerPool(0)

	needTLS := false
	for _, p := range s.cfg.Ports {
		needTLS = needTLS || p.TLS
	}
	if needTLS && s.tlsConfig == nil {
		cfg, err := loadStratumTLSConfig(ctx, s.cfg)
		if err != nil {
			return err
		}
		s.tlsConfig = cfg
	}

	var lc net.ListenConfig
	for _, p := range s.cfg.Ports {
		addr := net.JoinHostPort(s.cfg.BindAddr, strconv.Itoa(p.Port))
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err != nil {
			s.closeListeners()
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		if p.TLS {
			ln = tls.NewListener(ln, s.tlsConfig)
		}
		s.mu.Lock()
		s.listeners = append(s.listeners, ln)
		s.mu.Unlock()
		logger.Info("stratum listening", "addr", addr, "tls", p.TLS, "diff", p.Diff, "vardiff", p.VarDiff != nil)
	}

	s.mu.RLock()
	lns := append([]net.Listener(nil), s.listeners...)
	s.mu.RUnlock()
	for i, ln := range lns {
		go s.acceptLoop(ctx, ln, s.cfg.Ports[i])
	}
	if s.cfg.Banning.Enabled {
		go s.purgeBansLoop(ctx)
	}
	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *StratumServer) acceptLoop(ctx context.Context, ln net.Listener, port PortConfig) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			logger.Warn("stratum accept failed", "port", port.Port, "error", err)
			if sleepContext(ctx, 50*time.Millisecond) != nil {
				return
			}
			continue
		}
		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetKeepAlive(true)
		}
		s.handleNewClient(ctx, conn, port, port.TLS)
	}
}

// handleNewClient registers conn under a fresh subscription id and starts
// its read loop.
func (s *StratumServer) handleNewClient(ctx context.Context, conn net.Conn, port PortConfig, isTLS bool) *MinerConn {
	subID := s.subIDs.next()
	mc := NewMinerConn(ctx, conn, s, subID, port, isTLS)
	s.mu.Lock()
	s.clients[subID] = mc
	s.mu.Unlock()
	if verboseLogging {
		logger.Debug("miner connected", "remote", mc.id, "sub_id", subID, "port", port.Port)
	}
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		mc.handle()
	}()
	go func() {
		defer s.wg.Done()
		mc.listenJobs()
	}()
	return mc
}

// checkBan kicks a banned source address. An expired ban is forgiven.
func (s *StratumServer) checkBan(mc *MinerConn) bool {
	if !s.cfg.Banning.Enabled {
		return true
	}
	ip := mc.remoteAddr()
	remaining, banned, forgiven := s.bans.check(ip, s.now())
	if banned {
		logger.Info("rejected incoming connection from banned ip", "ip", ip, "remaining", remaining)
		mc.Close("banned")
		return false
	}
	if forgiven {
		logger.Info("forgave banned ip", "ip", ip)
	}
	return true
}

func (s *StratumServer) purgeBansLoop(ctx context.Context) {
	interval := s.cfg.Banning.PurgeInterval
	if interval <= 0 {
		interval = defaultBanPurgeInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.bans.purge(s.now()); n > 0 {
				logger.Info("purged expired bans", "count", n)
			}
		}
	}
}

// removeClient drops mc from the registry unless its id now belongs to
// another connection.
func (s *StratumServer) removeClient(mc *MinerConn) {
	mc.mu.Lock()
	subID := mc.subID
	mc.mu.Unlock()
	s.mu.Lock()
	if s.clients[subID] == mc {
		delete(s.clients, subID)
	}
	s.mu.Unlock()
}

func (s *StratumServer) snapshotClients() []*MinerConn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*MinerConn, 0, len(s.clients))
	for _, mc := range s.clients {
		out = append(out, mc)
	}
	return out
}

func (s *StratumServer) clientCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.clients)
}

// broadcastMiningJobs queues job on every connection and re-arms the
// rebroadcast timer. Writes happen on each connection's job goroutine.
func (s *StratumServer) broadcastMiningJobs(job *Job, clean bool) {
	if job == nil {
		return
	}
	now := s.now()
	for _, mc := range s.snapshotClients() {
		mc.queueJob(job, clean, now)
	}
	s.armRebroadcast()
}

func (s *StratumServer) armRebroadcast() {
	timeout := s.cfg.JobRebroadcastTimeout
	if timeout <= 0 {
		return
	}
	s.rebroadcastMu.Lock()
	defer s.rebroadcastMu.Unlock()
	if s.rebroadcast != nil {
		s.rebroadcast.Stop()
	}
	s.rebroadcast = time.AfterFunc(timeout, func() {
		if s.ctx.Err() != nil {
			return
		}
		logger.Info("no new blocks, updating transactions and rebroadcasting work", "after", timeout)
		if s.onBroadcastTimeout != nil {
			s.onBroadcastTimeout()
		}
	})
}

// runJobFeed forwards job manager events to the miners until ctx ends.
func (s *StratumServer) runJobFeed(ctx context.Context) {
	ch := s.jobs.Subscribe()
	defer s.jobs.Unsubscribe(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			s.broadcastMiningJobs(ev.Job, ev.Clean)
		}
	}
}

// relinquishMiners removes the connections matching filter from the
// registry and returns them. They stay connected.
func (s *StratumServer) relinquishMiners(filter func(*MinerConn) bool) []*MinerConn {
	var out []*MinerConn
	s.mu.Lock()
	for id, mc := range s.clients {
		if filter(mc) {
			delete(s.clients, id)
			out = append(out, mc)
		}
	}
	s.mu.Unlock()
	return out
}

// attachMiners registers miners taken from another server and sends them
// the current job. Each miner gets an id from this server's counter and
// its extranonce moves to this server's allocator; a miner whose
// extranonce is already live here is disconnected so it subscribes again.
func (s *StratumServer) attachMiners(miners []*MinerConn) {
	job := s.jobs.CurrentJob()
	for _, mc := range miners {
		if mc.closed.Load() || !s.adoptExtraNonce(mc) {
			continue
		}
		subID := s.subIDs.next()
		mc.mu.Lock()
		mc.subID = subID
		mc.varDiff = s.varDiff[mc.port.Port]
		mc.mu.Unlock()
		mc.server.Store(s)

		s.mu.Lock()
		s.clients[subID] = mc
		s.mu.Unlock()
		if mc.closed.Load() {
			s.removeClient(mc)
			continue
		}
		mc.queueJob(job, true, s.now())
	}
}

func (s *StratumServer) adoptExtraNonce(mc *MinerConn) bool {
	old := mc.srv()
	mc.mu.Lock()
	en := mc.extraNonce
	if en == "" || (old != nil && old.jobs == s.jobs) {
		mc.mu.Unlock()
		return true
	}
	if old != nil {
		old.jobs.extraNonces.release(en)
	}
	if s.jobs.extraNonces.reserve(en) {
		mc.mu.Unlock()
		return true
	}
	mc.extraNonce = ""
	mc.mu.Unlock()
	logger.Warn("extranonce already live on this server, closing handed-off miner", "miner", mc.label(), "extranonce", en)
	mc.Close("extranonce collision")
	return false
}

func (s *StratumServer) closeListeners() {
	s.mu.Lock()
	lns := s.listeners
	s.listeners = nil
	s.mu.Unlock()
	for _, ln := range lns {
		_ = ln.Close()
	}
}

// Stop closes listeners and connections and waits for read loops to end.
func (s *StratumServer) Stop() {
	s.closeListeners()
	s.rebroadcastMu.Lock()
	if s.rebroadcast != nil {
		s.rebroadcast.Stop()
	}
	s.rebroadcastMu.Unlock()
	for _, mc := range s.snapshotClients() {
		mc.Close("shutdown")
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(shutdownDrainLimit):
		logger.Warn("stratum shutdown timed out waiting for connections")
	}
}
