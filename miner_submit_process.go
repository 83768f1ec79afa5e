package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"
)

// shareError is a rejected share. It renders as the stratum error triple.
type shareError struct {
	Code    int
	Message string
}

func (e *shareError) Error() string {
	return fmt.Sprintf("share rejected (%d): %s", e.Code, e.Message)
}

func (e *shareError) stratum() []any {
	return newStratumError(e.Code, e.Message)
}

func rejectShare(code int, msg string) *shareError {
	return &shareError{Code: code, Message: msg}
}

// shareSubmission is one mining.submit after parameter extraction.
type shareSubmission struct {
	JobID              string
	Nonce              string
	HeaderHash         string
	MixHash            string
	ExtraNonce         string
	Difficulty         float64
	PreviousDifficulty float64
	IP                 string
	Port               int
	Worker             string
	ReceivedAt         time.Time
}

// shareRecord describes a processed share for accounting and banning.
// Error is empty for accepted shares.
type shareRecord struct {
	Job             string  `json:"job"`
	IP              string  `json:"ip"`
	Port            int     `json:"port"`
	Worker          string  `json:"worker"`
	Height          int64   `json:"height,omitempty"`
	BlockReward     int64   `json:"blockReward,omitempty"`
	MinerReward     int64   `json:"minerReward,omitempty"`
	Difficulty      float64 `json:"difficulty"`
	ShareDiff       float64 `json:"shareDiff,omitempty"`
	BlockDiff       float64 `json:"blockDiff,omitempty"`
	BlockDiffActual float64 `json:"blockDiffActual,omitempty"`
	BlockHash       string  `json:"blockHash,omitempty"`
	Error           string  `json:"error,omitempty"`
}

// shareOutcome is the result of processShare. Block holds the serialized
// block when the share solved one.
type shareOutcome struct {
	Record shareRecord
	Block  []byte
	Err    *shareError
}

func (o shareOutcome) accepted() bool { return o.Err == nil }

// shareState threads intermediate values through the stages.
type shareState struct {
	sub        shareSubmission
	job        *Job
	headerHash string
	nonce      string
	mixHash    string
	pow        powResult
	credited   float64
	isBlock    bool
	block      []byte
	blockHash  string
}

type shareStage struct {
	name string
	run  func(ctx context.Context, jm *JobManager, st *shareState) *shareError
}

// shareStages run in order and the first rejection wins.
var shareStages = []shareStage{
	{"job", stageLookupJob},
	{"age", stageJobAge},
	{"header", stageHeaderHash},
	{"syntax", stageNonceMixSyntax},
	{"range", stageNonceRange},
	{"duplicate", stageDuplicate},
	{"pow", stageVerifyPow},
	{"block", stageBlockCandidate},
	{"difficulty", stageShareDifficulty},
	{"assemble", stageAssembleBlock},
}

// processShare validates sub and reports the outcome to the share hook
// exactly once, accepted or not.
func (jm *JobManager) processShare(ctx context.Context, sub shareSubmission) shareOutcome {
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = jm.now()
	}
	st := &shareState{sub: sub, credited: sub.Difficulty}
	var rejected *shareError
	var failedStage string
	for _, stage := range shareStages {
		if rejected = stage.run(ctx, jm, st); rejected != nil {
			failedStage = stage.name
			break
		}
	}

	out := shareOutcome{Record: st.record(), Err: rejected}
	if rejected != nil {
		out.Record.Error = rejected.Message
		if verboseLogging {
			logger.Debug("share rejected", "stage", failedStage, "worker", sub.Worker, "job", shortJobID(sub.JobID), "code", rejected.Code, "reason", rejected.Message)
		}
	} else {
		out.Block = st.block
	}
	if jm.onShare != nil {
		jm.onShare(out)
	}
	return out
}

func (st *shareState) record() shareRecord {
	rec := shareRecord{
		Job:        st.sub.JobID,
		IP:         st.sub.IP,
		Port:       st.sub.Port,
		Worker:     st.sub.Worker,
		Difficulty: st.credited,
	}
	if st.job == nil {
		return rec
	}
	rec.Height = st.job.Height
	rec.BlockReward = st.job.Template.CoinbaseValue
	rec.MinerReward = st.job.PoolReward
	rec.BlockDiff = st.job.Difficulty * kawpowShareMultiplier
	rec.BlockDiffActual = st.job.Difficulty
	if st.pow.Digest != nil {
		rec.ShareDiff = shareDifficulty(st.pow.Digest)
	}
	rec.BlockHash = st.blockHash
	return rec
}

// shareDifficulty is diff1/digest rounded to eight decimals.
func shareDifficulty(digest *big.Int) float64 {
	return roundDifficulty(targetToDifficulty(digest)*kawpowShareMultiplier, 8)
}

func isEvenHex(s string) bool {
	if len(s)%2 != 0 {
		return false
	}
	_, err := hex.DecodeString(s)
	return err == nil
}

func stageLookupJob(_ context.Context, jm *JobManager, st *shareState) *shareError {
	st.job = jm.lookupJob(st.sub.JobID)
	if st.job == nil {
		return rejectShare(stratumErrOther, "job not found")
	}
	st.headerHash = st.job.HeaderHash
	return nil
}

func stageJobAge(_ context.Context, _ *JobManager, st *shareState) *shareError {
	if st.sub.ReceivedAt.Sub(st.job.CreatedAt) > maxJobAge {
		return rejectShare(stratumErrOther, "job is too old")
	}
	return nil
}

func stageHeaderHash(_ context.Context, _ *JobManager, st *shareState) *shareError {
	claimed := strings.ToLower(st.sub.HeaderHash)
	if !isEvenHex(claimed) {
		return rejectShare(stratumErrOther, "invalid header hash, must be hex")
	}
	if claimed != st.headerHash {
		return rejectShare(stratumErrOther, "invalid header hash")
	}
	return nil
}

func stageNonceMixSyntax(_ context.Context, _ *JobManager, st *shareState) *shareError {
	st.nonce = strings.ToLower(st.sub.Nonce)
	st.mixHash = strings.ToLower(st.sub.MixHash)
	if !isEvenHex(st.nonce) {
		return rejectShare(stratumErrOther, "invalid nonce, must be hex")
	}
	if !isEvenHex(st.mixHash) {
		return rejectShare(stratumErrOther, "invalid mixhash, must be hex")
	}
	if len(st.nonce) != 16 {
		return rejectShare(stratumErrOther, "incorrect size of nonce, must be 8 bytes")
	}
	if len(st.mixHash) != 64 {
		return rejectShare(stratumErrOther, "incorrect size of mixhash, must be 32 bytes")
	}
	return nil
}

func stageNonceRange(_ context.Context, _ *JobManager, st *shareState) *shareError {
	prefix := strings.ToLower(st.sub.ExtraNonce)
	if len(prefix) > 2*extraNonceSize {
		prefix = prefix[:2*extraNonceSize]
	}
	if prefix == "" || !strings.HasPrefix(st.nonce, prefix) {
		return rejectShare(stratumErrUnauthorized, "nonce out of worker range")
	}
	return nil
}

func stageDuplicate(_ context.Context, _ *JobManager, st *shareState) *shareError {
	if !st.job.registerSubmit(st.headerHash, st.nonce) {
		return rejectShare(stratumErrDuplicate, "duplicate share")
	}
	return nil
}

func stageVerifyPow(ctx context.Context, jm *JobManager, st *shareState) *shareError {
	if jm.verifier == nil {
		return rejectShare(stratumErrOther, "no kawpow verifier")
	}
	res, err := jm.verifier.verify(ctx, powRequest{
		HeaderHash:  st.headerHash,
		MixHash:     st.mixHash,
		Nonce:       st.nonce,
		Height:      st.job.Height,
		ShareTarget: difficultyToTargetHex(st.sub.Difficulty),
		BlockTarget: st.job.TargetHex,
	})
	if err != nil {
		logger.Error("kawpow verify failed", "worker", st.sub.Worker, "job", shortJobID(st.job.JobID), "error", err)
		if errors.Is(err, errVerifierUnavailable) || errors.Is(err, context.Canceled) {
			return rejectShare(stratumErrOther, "kawpow verifier unavailable")
		}
		return rejectShare(stratumErrOther, jm.verifier.rejectMessage())
	}
	if !res.Valid {
		return rejectShare(stratumErrOther, jm.verifier.rejectMessage())
	}
	st.pow = res
	return nil
}

func stageBlockCandidate(_ context.Context, _ *JobManager, st *shareState) *shareError {
	d := st.pow.Digest
	st.isBlock = st.pow.Block || (d != nil && st.job.Target.Cmp(d) > 0)
	if st.isBlock && d != nil {
		st.blockHash = targetToHex(d)
	}
	return nil
}

// stageShareDifficulty requires the digest to meet the connection's
// difficulty. A share that only meets the previous difficulty is credited
// at that difficulty, which covers work issued before a retarget.
func stageShareDifficulty(_ context.Context, _ *JobManager, st *shareState) *shareError {
	d := st.pow.Digest
	if st.isBlock || d == nil || st.sub.Difficulty <= 0 {
		return nil
	}
	if d.Cmp(targetFromDifficulty(st.sub.Difficulty)) <= 0 {
		return nil
	}
	if prev := st.sub.PreviousDifficulty; prev > 0 && d.Cmp(targetFromDifficulty(prev)) <= 0 {
		st.credited = prev
		return nil
	}
	return rejectShare(stratumErrLowDifficulty, "low difficulty share")
}

func stageAssembleBlock(_ context.Context, _ *JobManager, st *shareState) *shareError {
	if !st.isBlock {
		return nil
	}
	block, err := st.job.serializeBlock(st.nonce, st.pow.MixHash)
	if err != nil {
		logger.Error("serialize block failed", "height", st.job.Height, "job", shortJobID(st.job.JobID), "error", err)
		return rejectShare(stratumErrOther, "block serialization failed")
	}
	st.block = block
	return nil
}
