package main

import (
	"context"
	"encoding/hex"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/pebbe/zmq4"
)

const (
	zmqBackoffMin      = time.Second
	zmqBackoffMax      = 30 * time.Second
	zmqReceiveTimeout  = time.Second
	zmqReconnectIvl    = time.Second
	zmqReconnectIvlMax = 10 * time.Second
	zmqHeartbeatIvl    = 5 * time.Second
	zmqHeartbeatTTL    = 15 * time.Second
)

// zmqBlockNotifier subscribes to the node's hashblock topic and reports new
// tips. It runs next to block polling and the p2p watcher.
type zmqBlockNotifier struct {
	addr    string
	onBlock func(hash string)

	healthy     atomic.Bool
	disconnects atomic.Uint64
}

func newZMQBlockNotifier(addr string, onBlock func(hash string)) *zmqBlockNotifier {
	return &zmqBlockNotifier{addr: addr, onBlock: onBlock}
}

func (w *zmqBlockNotifier) markHealthy() {
	if w.healthy.Swap(true) {
		return
	}
	verb := "connected"
	if w.disconnects.Load() > 0 {
		verb = "reconnected"
	}
	logger.Info("zmq watcher "+verb, "addr", w.addr)
}

func (w *zmqBlockNotifier) markUnhealthy(reason string, err error) {
	if w.healthy.Swap(false) {
		w.disconnects.Add(1)
		logger.Warn("zmq watcher unhealthy", "reason", reason, "error", err)
		return
	}
	logger.Error("zmq watcher error", "reason", reason, "error", err)
}

func nextBackoff(cur time.Duration) time.Duration {
	cur *= 2
	if cur > zmqBackoffMax {
		cur = zmqBackoffMax
	}
	return cur
}

func isZMQTimeout(err error) bool {
	eno := zmq4.AsErrno(err)
	return eno == zmq4.Errno(syscall.EAGAIN) || eno == zmq4.ETIMEDOUT
}

func (w *zmqBlockNotifier) dial() (*zmq4.Socket, string, error) {
	sub, err := zmq4.NewSocket(zmq4.SUB)
	if err != nil {
		return nil, "socket", err
	}
	_ = sub.SetLinger(0)
	steps := []struct {
		name string
		fn   func() error
	}{
		{"subscribe", func() error { return sub.SetSubscribe("hashblock") }},
		{"set_rcvtimeo", func() error { return sub.SetRcvtimeo(zmqReceiveTimeout) }},
		{"reconnect_ivl", func() error { return sub.SetReconnectIvl(zmqReconnectIvl) }},
		{"reconnect_ivl_max", func() error { return sub.SetReconnectIvlMax(zmqReconnectIvlMax) }},
		{"heartbeat", func() error { return sub.SetHeartbeatIvl(zmqHeartbeatIvl) }},
		{"heartbeat_ttl", func() error { return sub.SetHeartbeatTtl(zmqHeartbeatTTL) }},
		{"connect", func() error { return sub.Connect(w.addr) }},
	}
	for _, s := range steps {
		if err := s.fn(); err != nil {
			sub.Close()
			return nil, s.name, err
		}
	}
	return sub, "", nil
}

// Run receives notifications until ctx ends, recreating the socket with
// backoff on errors.
func (w *zmqBlockNotifier) Run(ctx context.Context) {
	backoff := zmqBackoffMin
	for ctx.Err() == nil {
		sub, step, err := w.dial()
		if err != nil {
			w.markUnhealthy(step, err)
			if sleepContext(ctx, backoff) != nil {
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}
		w.markHealthy()
		backoff = zmqBackoffMin
		err = w.receive(ctx, sub)
		sub.Close()
		if err == nil {
			return
		}
		w.markUnhealthy("receive", err)
		if sleepContext(ctx, backoff) != nil {
			return
		}
		backoff = nextBackoff(backoff)
	}
}

func (w *zmqBlockNotifier) receive(ctx context.Context, sub *zmq4.Socket) error {
	for ctx.Err() == nil {
		frames, err := sub.RecvMessageBytes(0)
		if err != nil {
			if isZMQTimeout(err) {
				continue
			}
			return err
		}
		if len(frames) < 2 {
			logger.Warn("zmq notification malformed", "frames", len(frames))
			continue
		}
		if string(frames[0]) != "hashblock" {
			continue
		}
		if len(frames[1]) != 32 {
			logger.Warn("zmq hashblock payload has unexpected size", "bytes", len(frames[1]))
			continue
		}
		// hashblock carries the hash in display order already
		hash := hex.EncodeToString(frames[1])
		if verboseLogging {
			logger.Debug("zmq hashblock", "hash", hash)
		}
		if w.onBlock != nil {
			w.onBlock(hash)
		}
	}
	return nil
}
