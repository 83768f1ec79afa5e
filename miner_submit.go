package main

import "strings"

// trimHexPrefix drops a leading 0x, which kawpow miners send on nonce,
// header hash and mix hash.
func trimHexPrefix(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}

// handleSubmit checks connection state and queues the share for
// validation. Params: [worker, jobId, nonce, headerHash, mixHash].
func (mc *MinerConn) handleSubmit(req *StratumRequest) {
	now := mc.srv().now()
	mc.mu.Lock()
	if mc.workerName == "" {
		mc.workerName = safeWorkerName(paramString(req.Params, 0))
	}
	authorized := mc.authorized
	en := mc.extraNonce
	mc.mu.Unlock()

	if !authorized {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(stratumErrUnauthorized, "unauthorized worker")})
		mc.considerBan(false)
		return
	}
	if en == "" {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(stratumErrNotSubscribed, "not subscribed")})
		mc.considerBan(false)
		return
	}

	jobID := paramString(req.Params, 1)
	if len(req.Params) < 5 || jobID == "" || len(jobID) > maxJobIDLen {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(stratumErrOther, "invalid submit parameters")})
		mc.considerBan(false)
		return
	}

	mc.mu.Lock()
	if mc.varDiff != nil {
		if next, ok := mc.varDiff.observe(&mc.varDiffState, mc.difficulty, now); ok {
			mc.pendingDifficulty = next
			if verboseLogging {
				logger.Debug("vardiff retarget queued", "worker", mc.workerName, "from", mc.difficulty, "to", next)
			}
		}
	}
	sub := shareSubmission{
		JobID:              jobID,
		Nonce:              trimHexPrefix(strings.TrimSpace(paramString(req.Params, 2))),
		HeaderHash:         trimHexPrefix(strings.TrimSpace(paramString(req.Params, 3))),
		MixHash:            trimHexPrefix(strings.TrimSpace(paramString(req.Params, 4))),
		ExtraNonce:         en,
		Difficulty:         mc.difficulty,
		PreviousDifficulty: mc.previousDifficulty,
		IP:                 mc.remoteIP,
		Port:               mc.port.Port,
		Worker:             mc.workerName,
		ReceivedAt:         now,
	}
	mc.mu.Unlock()

	if !mc.srv().submissions.submit(submissionTask{mc: mc, reqID: req.ID, sub: sub}) {
		mc.writeResponse(StratumResponse{ID: req.ID, Result: nil, Error: newStratumError(stratumErrOther, "pool shutting down")})
	}
}

// processSubmission runs on a submission worker.
func (mc *MinerConn) processSubmission(task submissionTask) {
	out := mc.srv().jobs.processShare(mc.srv().ctx, task.sub)
	if out.accepted() {
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: true, Error: nil})
	} else {
		mc.writeResponse(StratumResponse{ID: task.reqID, Result: nil, Error: out.Err.stratum()})
	}

	mc.mu.Lock()
	if out.accepted() {
		mc.acceptedShares++
		mc.lastShareAcceptedAt = task.sub.ReceivedAt
	} else {
		mc.rejectedShares++
	}
	mc.mu.Unlock()

	mc.considerBan(out.accepted())
}
