package main

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"testing"
	"time"
)

type stubVerifier struct {
	res   powResult
	err   error
	calls int
	last  powRequest
}

func (v *stubVerifier) verify(_ context.Context, req powRequest) (powResult, error) {
	v.calls++
	v.last = req
	return v.res, v.err
}

func (v *stubVerifier) rejectMessage() string { return "bad share: invalid hash" }

const testExtraNonce = "abcd"

var testMixHash = strings.Repeat("5a", 32)

func newShareTestManager(t *testing.T, v *stubVerifier) (*JobManager, *Job, *[]shareOutcome) {
	t.Helper()
	jm := NewJobManager(stubCoinbase, v)
	var seen []shareOutcome
	jm.SetShareHandler(func(o shareOutcome) { seen = append(seen, o) })
	if _, err := jm.processTemplate(testTemplate()); err != nil {
		t.Fatalf("processTemplate: %v", err)
	}
	return jm, jm.CurrentJob(), &seen
}

func testSubmission(job *Job, nonceSuffix int, diff float64) shareSubmission {
	return shareSubmission{
		JobID:      job.JobID,
		Nonce:      fmt.Sprintf("%s%012x", testExtraNonce, nonceSuffix),
		HeaderHash: job.HeaderHash,
		MixHash:    testMixHash,
		ExtraNonce: testExtraNonce,
		Difficulty: diff,
		IP:         "10.0.0.1",
		Port:       3333,
		Worker:     "RAddr.rig1",
		ReceivedAt: job.CreatedAt.Add(time.Second),
	}
}

// twiceDiff1 is a digest worth difficulty 0.5: above the block target,
// below the share target at difficulty 0.25.
func twiceDiff1() *big.Int {
	return new(big.Int).Lsh(kawpowMaxTarget, 1)
}

func expectReject(t *testing.T, out shareOutcome, code int, msg string) {
	t.Helper()
	if out.Err == nil {
		t.Fatalf("expected rejection %d %q, share was accepted", code, msg)
	}
	if out.Err.Code != code || out.Err.Message != msg {
		t.Fatalf("expected rejection %d %q, got %d %q", code, msg, out.Err.Code, out.Err.Message)
	}
	if out.Record.Error != msg {
		t.Fatalf("record error = %q", out.Record.Error)
	}
}

func TestProcessShareAccepted(t *testing.T) {
	v := &stubVerifier{res: powResult{Valid: true, Digest: twiceDiff1(), MixHash: testMixHash}}
	jm, job, seen := newShareTestManager(t, v)

	out := jm.processShare(context.Background(), testSubmission(job, 1, 0.25))
	if !out.accepted() {
		t.Fatalf("expected accepted share, got %v", out.Err)
	}
	if out.Block != nil {
		t.Fatalf("share should not be a block")
	}
	if out.Record.ShareDiff != 0.5 || out.Record.Difficulty != 0.25 || out.Record.Height != 100 {
		t.Fatalf("unexpected record %+v", out.Record)
	}
	if v.last.ShareTarget != difficultyToTargetHex(0.25) || v.last.BlockTarget != job.TargetHex {
		t.Fatalf("verifier got wrong targets %+v", v.last)
	}
	if len(*seen) != 1 {
		t.Fatalf("share hook called %d times", len(*seen))
	}
}

func TestProcessShareRejections(t *testing.T) {
	v := &stubVerifier{res: powResult{Valid: true, Digest: twiceDiff1(), MixHash: testMixHash}}
	jm, job, seen := newShareTestManager(t, v)
	ctx := context.Background()

	sub := testSubmission(job, 1, 0.25)
	sub.JobID = formatJobID(42)
	expectReject(t, jm.processShare(ctx, sub), stratumErrOther, "job not found")

	sub = testSubmission(job, 2, 0.25)
	sub.ReceivedAt = job.CreatedAt.Add(maxJobAge + time.Second)
	expectReject(t, jm.processShare(ctx, sub), stratumErrOther, "job is too old")

	sub = testSubmission(job, 3, 0.25)
	sub.HeaderHash = strings.Repeat("00", 32)
	expectReject(t, jm.processShare(ctx, sub), stratumErrOther, "invalid header hash")

	sub = testSubmission(job, 4, 0.25)
	sub.Nonce = "abcd00"
	expectReject(t, jm.processShare(ctx, sub), stratumErrOther, "incorrect size of nonce, must be 8 bytes")

	sub = testSubmission(job, 5, 0.25)
	sub.MixHash = "zz"
	expectReject(t, jm.processShare(ctx, sub), stratumErrOther, "invalid mixhash, must be hex")

	sub = testSubmission(job, 6, 0.25)
	sub.Nonce = "ffff000000000006"
	expectReject(t, jm.processShare(ctx, sub), stratumErrUnauthorized, "nonce out of worker range")

	if v.calls != 0 {
		t.Fatalf("verifier should not run for early rejections, ran %d times", v.calls)
	}

	sub = testSubmission(job, 7, 0.25)
	if out := jm.processShare(ctx, sub); !out.accepted() {
		t.Fatalf("expected accepted share, got %v", out.Err)
	}
	sub.Nonce = strings.ToUpper(sub.Nonce)
	expectReject(t, jm.processShare(ctx, sub), stratumErrDuplicate, "duplicate share")

	expectReject(t, jm.processShare(ctx, testSubmission(job, 8, 4)), stratumErrLowDifficulty, "low difficulty share")

	if len(*seen) != 9 {
		t.Fatalf("share hook called %d times, want 9", len(*seen))
	}
}

func TestProcessSharePreviousDifficultyGrace(t *testing.T) {
	v := &stubVerifier{res: powResult{Valid: true, Digest: twiceDiff1(), MixHash: testMixHash}}
	jm, job, _ := newShareTestManager(t, v)

	sub := testSubmission(job, 1, 4)
	sub.PreviousDifficulty = 0.25
	out := jm.processShare(context.Background(), sub)
	if !out.accepted() {
		t.Fatalf("share meeting previous difficulty should pass, got %v", out.Err)
	}
	if out.Record.Difficulty != 0.25 {
		t.Fatalf("share should be credited at previous difficulty, got %v", out.Record.Difficulty)
	}
}

func TestProcessShareVerifierFailures(t *testing.T) {
	v := &stubVerifier{err: fmt.Errorf("%w: connection refused", errVerifierUnavailable)}
	jm, job, _ := newShareTestManager(t, v)
	ctx := context.Background()

	expectReject(t, jm.processShare(ctx, testSubmission(job, 1, 0.25)), stratumErrOther, "kawpow verifier unavailable")

	v.err = nil
	v.res = powResult{}
	expectReject(t, jm.processShare(ctx, testSubmission(job, 2, 0.25)), stratumErrOther, "bad share: invalid hash")
}

func TestProcessShareBlockCandidate(t *testing.T) {
	v := &stubVerifier{res: powResult{Valid: true, Digest: big.NewInt(1), MixHash: testMixHash}}
	jm, job, _ := newShareTestManager(t, v)

	out := jm.processShare(context.Background(), testSubmission(job, 1, 1024))
	if !out.accepted() {
		t.Fatalf("block share rejected: %v", out.Err)
	}
	if len(out.Block) == 0 {
		t.Fatalf("expected serialized block")
	}
	if out.Record.BlockHash != targetToHex(big.NewInt(1)) {
		t.Fatalf("block hash = %s", out.Record.BlockHash)
	}
	if out.Record.BlockReward != job.Template.CoinbaseValue {
		t.Fatalf("block reward = %d", out.Record.BlockReward)
	}
}

func TestProcessShareVerifierBlockFlag(t *testing.T) {
	// kawpowd can report a block without returning a digest.
	v := &stubVerifier{res: powResult{Valid: true, Block: true, MixHash: testMixHash}}
	jm, job, _ := newShareTestManager(t, v)

	out := jm.processShare(context.Background(), testSubmission(job, 1, 8))
	if !out.accepted() || len(out.Block) == 0 {
		t.Fatalf("expected block candidate, got err=%v block=%d", out.Err, len(out.Block))
	}
}
