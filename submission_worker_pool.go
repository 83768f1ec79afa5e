package main

import (
	"runtime"
	"sync"
)

const (
	// submissionWorkerQueueMultiplier is the backlog allowed per worker.
	submissionWorkerQueueMultiplier = 32
	submissionWorkerQueueMinDepth   = 128
)

type submissionTask struct {
	mc    *MinerConn
	reqID any
	sub   shareSubmission
}

// submissionWorkerPool validates shares off the connection goroutines so a
// slow verifier round trip never blocks reads.
type submissionWorkerPool struct {
	mu     sync.RWMutex
	closed bool
	tasks  chan submissionTask
}

func newSubmissionWorkerPool(workerCount int) *submissionWorkerPool {
	if workerCount <= 0 {
		workerCount = runtime.NumCPU() * 4
	}
	pool := &submissionWorkerPool{
		tasks: make(chan submissionTask, max(workerCount*submissionWorkerQueueMultiplier, submissionWorkerQueueMinDepth)),
	}
	for i := 0; i < workerCount; i++ {
		go pool.worker(i)
	}
	return pool
}

// submit queues task. It reports false after stop.
func (p *submissionWorkerPool) submit(task submissionTask) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.tasks <- task
	return true
}

// stop lets workers exit once the queue drains.
func (p *submissionWorkerPool) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.tasks)
	}
}

func (p *submissionWorkerPool) worker(id int) {
	for task := range p.tasks {
		func(t submissionTask) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("submission worker panic", "worker", id, "error", r)
				}
			}()
			t.mc.processSubmission(t)
		}(task)
	}
}
