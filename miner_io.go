package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
)

var (
	errSocketFlooded = errors.New("socket flooded")
	errProxyProtocol = errors.New("tcp proxy protocol header missing")
)

// lineFramer splits inbound bytes into newline-delimited messages. A
// trailing partial line is kept for the next push.
type lineFramer struct {
	buf   []byte
	limit int
}

func newLineFramer(limit int) *lineFramer {
	return &lineFramer{limit: limit}
}

// push appends chunk and returns every complete line. Exceeding the limit
// drops the buffer and returns errSocketFlooded.
func (f *lineFramer) push(chunk []byte) ([][]byte, error) {
	f.buf = append(f.buf, chunk...)
	if len(f.buf) > f.limit {
		f.buf = nil
		return nil, errSocketFlooded
	}
	var lines [][]byte
	for {
		i := bytes.IndexByte(f.buf, '\n')
		if i < 0 {
			break
		}
		line := bytes.TrimSpace(f.buf[:i])
		if len(line) > 0 {
			lines = append(lines, bytes.Clone(line))
		}
		f.buf = f.buf[i+1:]
	}
	if len(f.buf) == 0 {
		f.buf = nil
	}
	return lines, nil
}

func (f *lineFramer) pending() int {
	return len(f.buf)
}

// parseProxyLine extracts the source address from a PROXY protocol v1
// line: "PROXY TCP4 <src> <dst> <sport> <dport>".
func parseProxyLine(line []byte) (string, error) {
	s := string(line)
	if !strings.HasPrefix(s, "PROXY") {
		return "", fmt.Errorf("%w: got %q", errProxyProtocol, truncateForLog(s, 64))
	}
	fields := strings.Fields(s)
	if len(fields) < 3 {
		return "", fmt.Errorf("%w: short header %q", errProxyProtocol, s)
	}
	return fields[2], nil
}

func truncateForLog(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func (mc *MinerConn) writeJSON(v any) error {
	b, err := fastJSONMarshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')
	return mc.writeBytes(b)
}

func (mc *MinerConn) writeBytes(b []byte) error {
	if mc.closed.Load() {
		return io.ErrClosedPipe
	}
	mc.writeMu.Lock()
	defer mc.writeMu.Unlock()
	if err := mc.conn.SetWriteDeadline(time.Now().Add(stratumWriteTimeout)); err != nil {
		return err
	}
	for len(b) > 0 {
		n, err := mc.conn.Write(b)
		b = b[n:]
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrUnexpectedEOF
		}
	}
	return nil
}

func (mc *MinerConn) writeResponse(resp StratumResponse) {
	if err := mc.writeJSON(resp); err != nil && !mc.closed.Load() {
		logger.Warn("stratum write failed", "miner", mc.label(), "error", err)
	}
}

func (mc *MinerConn) writeNotification(method string, params []any) {
	if err := mc.writeJSON(StratumNotification{ID: nil, Method: method, Params: params}); err != nil && !mc.closed.Load() {
		logger.Warn("stratum write failed", "miner", mc.label(), "method", method, "error", err)
	}
}

// setDifficultyLocked switches to diff and reports whether it changed.
// Callers hold mc.mu.
func (mc *MinerConn) setDifficultyLocked(diff float64) bool {
	if diff == mc.difficulty {
		return false
	}
	mc.previousDifficulty = mc.difficulty
	mc.difficulty = diff
	return true
}

// sendDifficulty applies diff and pushes mining.set_target. It is a no-op
// when diff equals the current difficulty unless force is set.
func (mc *MinerConn) sendDifficulty(diff float64, force bool) bool {
	mc.mu.Lock()
	changed := mc.setDifficultyLocked(diff)
	mc.mu.Unlock()
	if !changed && !force {
		return false
	}
	mc.writeNotification("mining.set_target", []any{difficultyToTargetHex(diff)})
	return changed
}

// sendMiningJob pushes job to the miner. Idle connections are closed
// instead, and a pending difficulty is applied first.
func (mc *MinerConn) sendMiningJob(job *Job, clean bool, now time.Time) {
	if job == nil || mc.closed.Load() {
		return
	}
	mc.mu.Lock()
	idle := now.Sub(mc.lastActivity)
	if timeout := mc.srv().cfg.ConnectionTimeout; timeout > 0 && idle > timeout {
		mc.mu.Unlock()
		logger.Warn("closing idle miner", "miner", mc.label(), "idle", idle)
		mc.Close("idle timeout")
		return
	}
	var retarget bool
	if mc.pendingDifficulty > 0 {
		retarget = mc.setDifficultyLocked(mc.pendingDifficulty)
		mc.pendingDifficulty = 0
	}
	diff := mc.difficulty
	mc.mu.Unlock()

	if retarget {
		mc.writeNotification("mining.set_target", []any{difficultyToTargetHex(diff)})
		if verboseLogging {
			logger.Debug("difficulty changed", "miner", mc.label(), "difficulty", diff)
		}
	}
	params := job.jobParams(clean)
	params[3] = difficultyToTargetHex(diff)
	mc.writeNotification("mining.notify", params)
}
