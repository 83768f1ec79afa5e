package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// GetBlockTemplateResult holds the getblocktemplate fields the pool reads.
type GetBlockTemplateResult struct {
	Bits                     string           `json:"bits"`
	CurTime                  int64            `json:"curtime"`
	Height                   int64            `json:"height"`
	Target                   string           `json:"target"`
	Version                  int32            `json:"version"`
	Previous                 string           `json:"previousblockhash"`
	CoinbaseValue            int64            `json:"coinbasevalue"`
	DefaultWitnessCommitment string           `json:"default_witness_commitment,omitempty"`
	Transactions             []GBTTransaction `json:"transactions"`
}

type GBTTransaction struct {
	Data string `json:"data"`
	Txid string `json:"txid"`
	Hash string `json:"hash"`
	Fee  int64  `json:"fee"`
}

// jobEvent is delivered to subscribers whenever the current job changes.
// Clean is set when the chain tip moved and older work must be dropped.
type jobEvent struct {
	Job   *Job
	Clean bool
}

const (
	jobSubscriberBuffer     = 4
	jobNotifyQueueSize      = 100
	jobFeedErrorHistorySize = 3

	// A single worker keeps new-block and update events in order.
	jobNotifyWorkers = 1
)

var errStaleTemplate = errors.New("stale template")

type JobManager struct {
	buildCoinbase coinbaseBuilder
	verifier      powVerifier
	now           func() time.Time
	// onShare sees every processed share once. Set before serving miners.
	onShare func(shareOutcome)

	mu         sync.RWMutex
	curJob     *Job
	validJobs  map[string]*Job
	jobCounter *jobCounter

	extraNonces *extraNonceAllocator

	subsMu sync.Mutex
	subs   map[chan jobEvent]struct{}

	lastErrMu         sync.RWMutex
	lastErr           error
	lastErrAt         time.Time
	lastJobSuccess    time.Time
	jobFeedErrHistory []string

	notifyQueue chan jobEvent
	notifyWg    sizedwaitgroup.SizedWaitGroup
	startOnce   sync.Once
}

func NewJobManager(buildCoinbase coinbaseBuilder, verifier powVerifier) *JobManager {
	return &JobManager{
		buildCoinbase: buildCoinbase,
		verifier:      verifier,
		now:           time.Now,
		validJobs:     make(map[string]*Job),
		jobCounter:    newJobCounter(),
		extraNonces:   newExtraNonceAllocator(),
		subs:          make(map[chan jobEvent]struct{}),
		notifyQueue:   make(chan jobEvent, jobNotifyQueueSize),
	}
}

func (jm *JobManager) SetShareHandler(fn func(shareOutcome)) {
	jm.onShare = fn
}

// Start launches the fan-out workers that deliver job events to
// subscribers.
func (jm *JobManager) Start(ctx context.Context) {
	jm.startOnce.Do(func() {
		jm.notifyWg = sizedwaitgroup.New(jobNotifyWorkers)
		for i := 0; i < jobNotifyWorkers; i++ {
			jm.notifyWg.Add()
			go jm.notificationWorker(ctx, i)
		}
		if verboseLogging {
			logger.Debug("started job notification workers", "count", jobNotifyWorkers)
		}
	})
}

// processTemplate installs tpl as a new block when there is no current job
// or its previous hash differs from the current one. A tip change that
// reports a lower height than the current job is rejected as stale. On a
// new block every older job is invalidated.
func (jm *JobManager) processTemplate(tpl GetBlockTemplateResult) (bool, error) {
	jm.mu.Lock()
	cur := jm.curJob
	if cur != nil {
		if cur.PrevHash == tpl.Previous {
			jm.mu.Unlock()
			return false, nil
		}
		if tpl.Height < cur.Height {
			jm.mu.Unlock()
			return false, fmt.Errorf("%w: height %d below current %d", errStaleTemplate, tpl.Height, cur.Height)
		}
	}
	job, err := newJob(jm.jobCounter.next(), tpl, jm.buildCoinbase, jm.now())
	if err != nil {
		jm.mu.Unlock()
		jm.recordJobError(err)
		return false, err
	}
	jm.curJob = job
	jm.validJobs = map[string]*Job{job.JobID: job}
	jm.mu.Unlock()

	jm.recordJobSuccess(job)
	logger.Info("new block", "height", job.Height, "job_id", shortJobID(job.JobID), "prev", job.PrevHash, "txs", len(tpl.Transactions), "difficulty", job.Difficulty)
	jm.broadcastJob(jobEvent{Job: job, Clean: true})
	return true, nil
}

// updateCurrentJob replaces the current job without touching the older
// valid jobs, so in-flight shares against them still validate.
func (jm *JobManager) updateCurrentJob(tpl GetBlockTemplateResult) error {
	jm.mu.Lock()
	job, err := newJob(jm.jobCounter.next(), tpl, jm.buildCoinbase, jm.now())
	if err != nil {
		jm.mu.Unlock()
		jm.recordJobError(err)
		return err
	}
	jm.curJob = job
	jm.validJobs[job.JobID] = job
	jm.mu.Unlock()

	jm.recordJobSuccess(job)
	if verboseLogging {
		logger.Debug("updated block", "height", job.Height, "job_id", shortJobID(job.JobID), "txs", len(tpl.Transactions))
	}
	jm.broadcastJob(jobEvent{Job: job, Clean: false})
	return nil
}

func (jm *JobManager) CurrentJob() *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return jm.curJob
}

func (jm *JobManager) lookupJob(id string) *Job {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	job := jm.validJobs[id]
	if job == nil || job.JobID != id {
		return nil
	}
	return job
}

func (jm *JobManager) validJobCount() int {
	jm.mu.RLock()
	defer jm.mu.RUnlock()
	return len(jm.validJobs)
}

func (jm *JobManager) recordJobError(err error) {
	if err == nil {
		return
	}
	jm.lastErrMu.Lock()
	jm.lastErr = err
	jm.lastErrAt = time.Now()
	msg := strings.TrimSpace(err.Error())
	if msg != "" {
		jm.jobFeedErrHistory = append(jm.jobFeedErrHistory, msg)
		if len(jm.jobFeedErrHistory) > jobFeedErrorHistorySize {
			jm.jobFeedErrHistory = jm.jobFeedErrHistory[len(jm.jobFeedErrHistory)-jobFeedErrorHistorySize:]
		}
	}
	jm.lastErrMu.Unlock()
}

func (jm *JobManager) recordJobSuccess(job *Job) {
	jm.lastErrMu.Lock()
	jm.lastErr = nil
	jm.lastErrAt = time.Time{}
	jm.lastJobSuccess = job.CreatedAt
	jm.lastErrMu.Unlock()
}

type JobFeedStatus struct {
	Ready        bool
	Height       int64
	LastSuccess  time.Time
	LastError    error
	LastErrorAt  time.Time
	ErrorHistory []string
}

func (jm *JobManager) FeedStatus() JobFeedStatus {
	jm.lastErrMu.RLock()
	st := JobFeedStatus{
		LastSuccess:  jm.lastJobSuccess,
		LastError:    jm.lastErr,
		LastErrorAt:  jm.lastErrAt,
		ErrorHistory: append([]string(nil), jm.jobFeedErrHistory...),
	}
	jm.lastErrMu.RUnlock()

	if cur := jm.CurrentJob(); cur != nil {
		st.Ready = true
		st.Height = cur.Height
	}
	return st
}

func (jm *JobManager) Subscribe() chan jobEvent {
	ch := make(chan jobEvent, jobSubscriberBuffer)
	jm.subsMu.Lock()
	jm.subs[ch] = struct{}{}
	jm.subsMu.Unlock()
	return ch
}

func (jm *JobManager) Unsubscribe(ch chan jobEvent) {
	jm.subsMu.Lock()
	if _, ok := jm.subs[ch]; ok {
		delete(jm.subs, ch)
		close(ch)
	}
	jm.subsMu.Unlock()
}

func (jm *JobManager) broadcastJob(ev jobEvent) {
	select {
	case jm.notifyQueue <- ev:
	default:
		logger.Warn("notification queue full, falling back to sync broadcast")
		jm.deliver(ev, -1)
	}
}

func (jm *JobManager) deliver(ev jobEvent, workerID int) {
	jm.subsMu.Lock()
	blocked := 0
	subscribers := len(jm.subs)
	for ch := range jm.subs {
		select {
		case ch <- ev:
		default:
			blocked++
		}
	}
	jm.subsMu.Unlock()

	if blocked > 0 {
		logger.Warn("job broadcast blocked; dropping update", "worker", workerID, "subscribers", subscribers, "blocked", blocked)
	}
}

func (jm *JobManager) notificationWorker(ctx context.Context, workerID int) {
	defer jm.notifyWg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-jm.notifyQueue:
			jm.deliver(ev, workerID)
		}
	}
}

// shortJobID trims the zero padding off a job id for log lines.
func shortJobID(id string) string {
	trimmed := strings.TrimLeft(id, "0")
	if trimmed == "" {
		return "0"
	}
	return trimmed
}
