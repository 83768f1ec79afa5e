package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	rpcErrInWarmup        = -28
	rpcErrClientInIBD     = -10
	rpcErrMiscError       = -1
	rpcErrMethodNotFound  = -32601
	methodNotFoundMessage = "Method not found"
)

// ShareSink receives every processed share once, after block submission
// has settled for block candidates.
type ShareSink interface {
	OnShare(valid, block bool, rec shareRecord)
}

type logShareSink struct{}

func (logShareSink) OnShare(valid, block bool, rec shareRecord) {
	switch {
	case block:
		logger.Info("block found", "height", rec.Height, "hash", rec.BlockHash, "worker", rec.Worker, "ip", rec.IP)
	case !valid:
		if verboseLogging {
			logger.Debug("share rejected", "worker", rec.Worker, "ip", rec.IP, "job", shortJobID(rec.Job), "error", rec.Error)
		}
	case verboseLogging:
		logger.Debug("share accepted", "worker", rec.Worker, "diff", rec.Difficulty, "share_diff", rec.ShareDiff, "height", rec.Height)
	}
}

// poolStats is what the daemon reported at startup.
type poolStats struct {
	Connections     int
	Difficulty      float64
	NetworkHashRate float64
	ProtocolVersion int32
}

// Pool wires the daemon, job manager, stratum server and block watchers
// together.
type Pool struct {
	cfg    Config
	daemon *DaemonInterface
	jobs   *JobManager
	server *StratumServer
	state  *stateStore
	bans   *banList
	notify *discordNotifier
	sink   ShareSink

	hasSubmitMethod bool
	stats           poolStats
	poolScript      []byte
	startedAt       time.Time

	ctx context.Context

	lastBlockMu  sync.Mutex
	lastBlockHex string
}

func NewPool(cfg Config, state *stateStore, notify *discordNotifier) (*Pool, error) {
	if !strings.EqualFold(cfg.Algorithm, defaultAlgorithm) {
		return nil, fmt.Errorf("%w: %s", errUnsupportedAlgorithm, cfg.Algorithm)
	}
	daemon, err := NewDaemonInterface(cfg.Daemons)
	if err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:    cfg,
		daemon: daemon,
		state:  state,
		notify: notify,
		sink:   logShareSink{},
		ctx:    context.Background(),
	}
	var store banStore
	if state != nil {
		store = state
	}
	p.bans = newBanList(cfg.Banning.Time, store)
	return p, nil
}

// SetShareSink replaces the default logging sink. Call before Start.
func (p *Pool) SetShareSink(s ShareSink) {
	if s != nil {
		p.sink = s
	}
}

// Start brings the pool up in order: daemon online, coin detection, job
// manager, chain sync, first job, block polling and finally the stratum
// ports. It returns once miners can connect.
func (p *Pool) Start(ctx context.Context) error {
	p.ctx = ctx
	p.startedAt = time.Now()
	p.daemon.StartCookieWatchers(ctx)
	if err := p.waitDaemonOnline(ctx); err != nil {
		return err
	}
	if err := p.detectCoinData(ctx); err != nil {
		return err
	}
	if err := p.setupJobManager(ctx); err != nil {
		return err
	}
	if err := p.waitBlockchainSynced(ctx); err != nil {
		return err
	}
	if err := p.getFirstJob(ctx); err != nil {
		return err
	}
	if n := p.bans.restore(time.Now()); n > 0 {
		logger.Info("restored bans", "count", n)
	}
	p.startBlockWatchers(ctx)
	if err := p.startStratumServer(ctx); err != nil {
		return err
	}
	p.notify.start(ctx)
	go p.statusLoop(ctx)
	p.outputPoolInfo()
	return nil
}

func (p *Pool) waitDaemonOnline(ctx context.Context) error {
	for {
		ok, err := p.daemon.isOnline(ctx)
		if ok {
			return nil
		}
		logger.Error("failed to connect daemon(s)", "error", err)
		if sleepContext(ctx, syncRetryInterval) != nil {
			return ctx.Err()
		}
	}
}

type validateAddressResult struct {
	IsValid bool    `json:"isvalid"`
	Address string  `json:"address"`
	Pubkey  *string `json:"pubkey"`
}

type getInfoResult struct {
	Blocks          int64   `json:"blocks"`
	Testnet         bool    `json:"testnet"`
	ProtocolVersion int32   `json:"protocolversion"`
	Connections     int     `json:"connections"`
	Difficulty      float64 `json:"difficulty"`
}

type miningInfoResult struct {
	NetworkHashPS float64 `json:"networkhashps"`
}

// detectCoinData asks the daemon about the pool address, reward type,
// network and whether submitblock exists.
func (p *Pool) detectCoinData(ctx context.Context) error {
	calls := []rpcCall{
		{Method: "validateaddress", Params: []any{p.cfg.PoolAddress}},
		{Method: "getdifficulty", Params: []any{}},
		{Method: "getinfo", Params: []any{}},
		{Method: "getmininginfo", Params: []any{}},
		{Method: "submitblock", Params: []any{}},
	}
	resps, err := p.daemon.batchCmd(ctx, calls)
	if err != nil {
		return fmt.Errorf("init batch rpc call: %w", err)
	}
	if len(resps) != len(calls) {
		return fmt.Errorf("init batch rpc call: got %d results for %d calls", len(resps), len(calls))
	}
	for i, r := range resps[:len(calls)-1] {
		if r.Error != nil || len(r.Result) == 0 || string(r.Result) == "null" {
			return fmt.Errorf("init rpc %s: %v", calls[i].Method, r.Error)
		}
	}

	var addr validateAddressResult
	if err := fastJSONUnmarshal(resps[0].Result, &addr); err != nil {
		return fmt.Errorf("decode validateaddress: %w", err)
	}
	if !addr.IsValid {
		return fmt.Errorf("daemon reports address %s is not valid", p.cfg.PoolAddress)
	}
	p.cfg.RewardType = detectRewardType(resps[1].Result)
	if p.cfg.RewardType == "POS" && addr.Pubkey == nil {
		return errors.New("the address provided is not from the daemon wallet, this is required for POS coins")
	}

	var info getInfoResult
	if err := fastJSONUnmarshal(resps[2].Result, &info); err != nil {
		return fmt.Errorf("decode getinfo: %w", err)
	}
	if info.Testnet != p.cfg.Testnet {
		logger.Warn("daemon network differs from config, following daemon", "config_testnet", p.cfg.Testnet, "daemon_testnet", info.Testnet)
		p.cfg.Testnet = info.Testnet
	}
	var mining miningInfoResult
	if err := fastJSONUnmarshal(resps[3].Result, &mining); err != nil {
		return fmt.Errorf("decode getmininginfo: %w", err)
	}
	p.stats = poolStats{
		Connections:     info.Connections,
		Difficulty:      info.Difficulty * kawpowShareMultiplier,
		NetworkHashRate: mining.NetworkHashPS,
		ProtocolVersion: info.ProtocolVersion,
	}

	has, err := detectSubmitMethod(resps[4])
	if err != nil {
		return err
	}
	p.hasSubmitMethod = has

	address := addr.Address
	if address == "" {
		address = p.cfg.PoolAddress
	}
	script, err := scriptForAddress(address, chainParamsFor(p.cfg.Testnet))
	if err != nil {
		return fmt.Errorf("pool address: %w", err)
	}
	p.poolScript = script
	return nil
}

func detectRewardType(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '{' && bytes.Contains(raw, []byte(`"proof-of-stake"`)) {
		return "POS"
	}
	return "POW"
}

// detectSubmitMethod reads the answer to a parameterless submitblock.
func detectSubmitMethod(r rpcResponse) (bool, error) {
	switch {
	case r.Error == nil:
		return false, fmt.Errorf("could not detect block submission rpc method: unexpected result %s", string(r.Result))
	case r.Error.Message == methodNotFoundMessage || r.Error.Code == rpcErrMethodNotFound:
		return false, nil
	case r.Error.Code == rpcErrMiscError:
		return true, nil
	default:
		return false, fmt.Errorf("could not detect block submission rpc method: %w", r.Error)
	}
}

func (p *Pool) setupJobManager(ctx context.Context) error {
	params := chainParamsFor(p.cfg.Testnet)
	recipients := make([]rewardRecipient, 0, len(p.cfg.Recipients))
	for _, r := range p.cfg.Recipients {
		script, err := scriptForAddress(r.Address, params)
		if err != nil {
			return fmt.Errorf("recipient %s: %w", r.Address, err)
		}
		recipients = append(recipients, rewardRecipient{Address: r.Address, Percent: r.Percent, Script: script})
	}
	builder, err := newPayoutCoinbaseBuilder(p.poolScript, recipients)
	if err != nil {
		return err
	}
	if addr := scriptToAddress(p.poolScript, params); addr != "" {
		logger.Info("coinbase payout", "address", addr, "recipients", len(recipients))
	} else {
		logger.Info("coinbase payout", "script", hex.EncodeToString(p.poolScript), "recipients", len(recipients))
	}
	p.jobs = NewJobManager(builder, newPowVerifier(p.cfg.Validator, p.daemon))
	p.jobs.SetShareHandler(p.handleShare)
	p.jobs.Start(ctx)
	return nil
}

func getBlockTemplateParams() []any {
	return []any{map[string]any{
		"capabilities": []string{"coinbasetxn", "workid", "coinbase/append"},
		"rules":        []string{"segwit"},
	}}
}

func isRPCCode(err error, code int) bool {
	var rerr *rpcError
	return errors.As(err, &rerr) && rerr.Code == code
}

// waitBlockchainSynced polls getblocktemplate until no daemon reports
// that it is still downloading blocks.
func (p *Pool) waitBlockchainSynced(ctx context.Context) error {
	warned := false
	for {
		synced := true
		for _, r := range p.daemon.cmd(ctx, "getblocktemplate", getBlockTemplateParams()) {
			if isRPCCode(r.Err, rpcErrClientInIBD) || isRPCCode(r.Err, rpcErrInWarmup) {
				synced = false
			}
		}
		if synced {
			return nil
		}
		if !warned {
			logger.Error("daemon is still syncing with network, server will be started once synced")
			warned = true
		}
		p.logSyncProgress(ctx)
		if sleepContext(ctx, syncRetryInterval) != nil {
			return ctx.Err()
		}
	}
}

type peerInfoEntry struct {
	StartingHeight int64 `json:"startingheight"`
}

func (p *Pool) logSyncProgress(ctx context.Context) {
	var blocks int64
	for _, r := range p.daemon.cmd(ctx, "getinfo", nil) {
		var info getInfoResult
		if r.Err == nil && fastJSONUnmarshal(r.Response, &info) == nil && info.Blocks > blocks {
			blocks = info.Blocks
		}
	}
	var peers []peerInfoEntry
	if err := p.daemon.call(ctx, "getpeerinfo", nil, &peers); err != nil || len(peers) == 0 {
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].StartingHeight > peers[j].StartingHeight })
	if total := peers[0].StartingHeight; total > 0 {
		logger.Warn(fmt.Sprintf("downloaded %.2f%% of blockchain from %d peers", float64(blocks)/float64(total)*100, len(peers)))
	}
}

// getBlockTemplate fetches a template and feeds it to the job manager. It
// reports whether the template started a new block.
func (p *Pool) getBlockTemplate(ctx context.Context) (GetBlockTemplateResult, bool, error) {
	var tpl GetBlockTemplateResult
	var firstErr error
	found := false
	for _, r := range p.daemon.cmd(ctx, "getblocktemplate", getBlockTemplateParams()) {
		if r.Err != nil {
			logger.Error("getblocktemplate call failed", "instance", r.Instance, "error", r.Err)
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		if err := fastJSONUnmarshal(r.Response, &tpl); err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("decode getblocktemplate: %w", err)
			}
			continue
		}
		found = true
		break
	}
	if !found {
		return tpl, false, firstErr
	}
	isNew, err := p.jobs.processTemplate(tpl)
	return tpl, isNew, err
}

func (p *Pool) getFirstJob(ctx context.Context) error {
	if _, _, err := p.getBlockTemplate(ctx); err != nil {
		return fmt.Errorf("getblocktemplate on creating first job: %w", err)
	}
	if p.jobs.CurrentJob() == nil {
		return errors.New("no job after first getblocktemplate")
	}
	var warnings []string
	for _, port := range p.cfg.Ports {
		if p.stats.Difficulty < port.Diff {
			warnings = append(warnings, fmt.Sprintf("port %d w/ diff %g", port.Port, port.Diff))
		}
	}
	if len(warnings) > 0 {
		logger.Warn(fmt.Sprintf("network diff of %g is lower than %s", p.stats.Difficulty, strings.Join(warnings, " and ")))
	}
	return nil
}

func (p *Pool) startBlockWatchers(ctx context.Context) {
	if p.cfg.BlockRefreshInterval > 0 {
		go p.blockPollingLoop(ctx, p.cfg.BlockRefreshInterval)
	} else {
		logger.Info("block template polling has been disabled")
	}
	if p.cfg.ZMQHashBlockAddr != "" {
		zn := newZMQBlockNotifier(p.cfg.ZMQHashBlockAddr, func(hash string) {
			p.processBlockNotify(hash, "zmq")
		})
		go zn.Run(ctx)
	}
	if p.cfg.P2P.Enabled {
		pw, err := NewPeerWatcher(p.cfg, func(hash string) {
			p.processBlockNotify(hash, "p2p")
		})
		if err != nil {
			logger.Error("p2p disabled", "error", err)
			return
		}
		if p.stats.ProtocolVersion > 0 {
			pw.protocolVersion = p.stats.ProtocolVersion
		}
		go func() {
			if err := pw.Run(ctx); err != nil {
				logger.Error("p2p watcher stopped", "error", err)
			}
		}()
	}
}

func (p *Pool) blockPollingLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, isNew, err := p.getBlockTemplate(ctx); err == nil && isNew {
				logger.Info("block notification via rpc polling")
			}
		}
	}
}

// processBlockNotify refreshes the template when hash is not already the
// parent of the current job.
func (p *Pool) processBlockNotify(hash, source string) {
	if verboseLogging {
		logger.Debug("block notification", "source", source, "hash", hash)
	}
	job := p.jobs.CurrentJob()
	if job == nil || strings.EqualFold(hash, job.PrevHash) {
		return
	}
	if _, _, err := p.getBlockTemplate(p.ctx); err != nil {
		logger.Error("block notify error getting block template", "source", source, "coin", p.cfg.CoinName, "error", err)
	}
}

func (p *Pool) startStratumServer(ctx context.Context) error {
	auth := newStratumAuthorizer(p.cfg)
	p.server = NewStratumServer(p.cfg, p.jobs, auth.authorize, p.bans)
	p.server.OnBroadcastTimeout(p.onBroadcastTimeout)
	if err := p.server.Start(ctx); err != nil {
		return err
	}
	go p.server.runJobFeed(ctx)
	p.server.broadcastMiningJobs(p.jobs.CurrentJob(), true)
	return nil
}

// onBroadcastTimeout rebuilds the current job with fresh transactions when
// the chain tip has not moved.
func (p *Pool) onBroadcastTimeout() {
	tpl, isNew, err := p.getBlockTemplate(p.ctx)
	if err != nil || isNew {
		return
	}
	if err := p.jobs.updateCurrentJob(tpl); err != nil {
		logger.Error("update current job", "error", err)
	}
}

// handleShare runs on the submission worker. Block candidates are
// submitted off that path.
func (p *Pool) handleShare(out shareOutcome) {
	if len(out.Block) == 0 {
		p.sink.OnShare(out.accepted(), false, out.Record)
		return
	}
	go p.submitFoundBlock(p.ctx, out)
}

func (p *Pool) submitFoundBlock(ctx context.Context, out shareOutcome) {
	rec := out.Record
	blockHex := hex.EncodeToString(out.Block)

	p.lastBlockMu.Lock()
	if p.lastBlockHex == blockHex {
		p.lastBlockMu.Unlock()
		logger.Warn("ignored duplicate submit block", "height", rec.Height, "hash", rec.BlockHash)
		return
	}
	p.lastBlockHex = blockHex
	p.lastBlockMu.Unlock()

	submitErr := p.submitBlock(ctx, blockHex)
	accepted, detail := p.checkBlockAccepted(ctx, rec.BlockHash)
	rpcErr := ""
	if !accepted {
		rpcErr = detail
		if submitErr != nil {
			rpcErr = submitErr.Error()
		}
		rec.Error = rpcErr
	}
	if p.state != nil {
		if err := p.state.RecordFoundBlock(rec, accepted, rpcErr, time.Now()); err != nil {
			logger.Error("record found block", "height", rec.Height, "error", err)
		}
	}
	p.notify.enqueueNotice(formatFoundBlockNotice(rec, accepted))
	p.sink.OnShare(out.accepted(), accepted, rec)

	if _, isNew, err := p.getBlockTemplate(ctx); err == nil && isNew {
		logger.Info("block notification via rpc after block submission")
	}
}

// submitBlock sends the block to every daemon. It fails only when no
// daemon took it.
func (p *Pool) submitBlock(ctx context.Context, blockHex string) error {
	method := "submitblock"
	params := []any{blockHex}
	if !p.hasSubmitMethod {
		method = "getblocktemplate"
		params = []any{map[string]any{"mode": "submit", "data": blockHex}}
	}
	var errs []error
	results := p.daemon.cmd(ctx, method, params)
	for _, r := range results {
		if r.Err != nil {
			logger.Error("rpc error with daemon instance when submitting block", "instance", r.Instance, "method", method, "error", r.Err)
			errs = append(errs, r.Err)
			continue
		}
		if reason := submitRejection(r.Response); reason != "" {
			logger.Error("daemon rejected a supposedly valid block", "instance", r.Instance, "reason", reason)
			errs = append(errs, fmt.Errorf("rejected: %s", reason))
			continue
		}
		logger.Info("submitted block successfully to daemon instance", "instance", r.Instance)
	}
	if len(errs) == len(results) && len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// submitRejection returns the daemon's rejection reason, or "" for a null
// result.
func submitRejection(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := fastJSONUnmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

type getBlockResult struct {
	Hash          string   `json:"hash"`
	Confirmations int64    `json:"confirmations"`
	Tx            []string `json:"tx"`
}

// checkBlockAccepted returns the coinbase txid when a daemon knows the
// block on its main chain, or the reason it does not.
func (p *Pool) checkBlockAccepted(ctx context.Context, blockHash string) (bool, string) {
	reason := "block not found"
	for _, r := range p.daemon.cmd(ctx, "getblock", []any{blockHash}) {
		if r.Err != nil {
			reason = r.Err.Error()
			continue
		}
		var blk getBlockResult
		if err := fastJSONUnmarshal(r.Response, &blk); err != nil {
			reason = err.Error()
			continue
		}
		if blk.Confirmations < 0 {
			reason = "block orphaned"
			continue
		}
		tx := ""
		if len(blk.Tx) > 0 {
			tx = blk.Tx[0]
		}
		return true, tx
	}
	return false, reason
}

// relinquishMiners hands matching connections to the caller; attachMiners
// on another pool adopts them.
func (p *Pool) relinquishMiners(filter func(*MinerConn) bool) []*MinerConn {
	if p.server == nil {
		return nil
	}
	return p.server.relinquishMiners(filter)
}

func (p *Pool) attachMiners(miners []*MinerConn) {
	if p.server == nil || len(miners) == 0 {
		return
	}
	p.server.attachMiners(miners)
}

func formatHashRate(h float64) string {
	units := []string{"H/s", "KH/s", "MH/s", "GH/s", "TH/s", "PH/s", "EH/s"}
	unit := units[0]
	for i := 0; i < len(units)-1 && h >= 1000; i++ {
		h /= 1000
		unit = units[i+1]
	}
	return fmt.Sprintf("%.2f %s", h, unit)
}

func (p *Pool) outputPoolInfo() {
	job := p.jobs.CurrentJob()
	network := "mainnet"
	if p.cfg.Testnet {
		network = "testnet"
	}
	ports := make([]string, 0, len(p.cfg.Ports))
	for _, port := range p.cfg.Ports {
		ports = append(ports, fmt.Sprint(port.Port))
	}
	attrs := []any{
		"coin", p.cfg.CoinName,
		"symbol", strings.ToUpper(p.cfg.CoinSymbol),
		"algorithm", p.cfg.Algorithm,
		"network", network,
		"reward", p.cfg.RewardType,
		"height", job.Height,
		"block_diff", job.Difficulty * kawpowShareMultiplier,
		"peers", p.stats.Connections,
		"network_hashrate", formatHashRate(p.stats.NetworkHashRate),
		"ports", strings.Join(ports, ", "),
		"startup", humanDuration(time.Since(p.startedAt)),
	}
	if p.cfg.BlockRefreshInterval > 0 {
		attrs = append(attrs, "block_polling", p.cfg.BlockRefreshInterval)
	}
	if p.state != nil {
		if rows, err := p.state.RecentFoundBlocks(1); err == nil && len(rows) > 0 {
			attrs = append(attrs, "last_block", rows[0].Height, "last_block_age", humanDuration(time.Since(rows[0].At)))
		}
	}
	logger.Info("stratum pool server started", attrs...)
}

// Stop closes the stratum ports and waits for connections to drain.
func (p *Pool) Stop() {
	if p.server != nil {
		p.server.Stop()
		if p.server.submissions != nil {
			p.server.submissions.stop()
		}
	}
}
