package main

import (
	"bytes"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

const testPrevHash = "000000000000a1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a"

func testTemplate() GetBlockTemplateResult {
	return GetBlockTemplateResult{
		Bits:          "1d00ffff",
		CurTime:       1700000000,
		Height:        100,
		Version:       0x30000000,
		Previous:      testPrevHash,
		CoinbaseValue: 500000000000,
		Transactions: []GBTTransaction{{
			Data: "0100",
			Txid: strings.Repeat("11", 31) + "22",
			Fee:  1000,
		}},
	}
}

var testCoinbaseRaw = []byte{0x01, 0x00, 0x00, 0x00, 0xca, 0xfe}

func stubCoinbase(_ *GetBlockTemplateResult, reward, _ int64) (coinbaseTx, error) {
	raw := append([]byte(nil), testCoinbaseRaw...)
	return coinbaseTx{Raw: raw, Hash: chainhash.Hash(doubleSHA256Array(raw)), PoolReward: reward}, nil
}

func TestNewJobHeaderFixture(t *testing.T) {
	now := time.Unix(1700000000, 0)
	job, err := newJob(formatJobID(0xcccd), testTemplate(), stubCoinbase, now)
	if err != nil {
		t.Fatalf("newJob: %v", err)
	}
	if got := job.CoinbaseID.String(); got != "e0c29542f22d05b73d65592b79c26e3cff49d9e4567db7551989290522c441c4" {
		t.Fatalf("coinbase id = %s", got)
	}
	if got := job.MerkleRoot.String(); got != "918d4e7c71b46920ce1924a826d1ac5920acfb30e1fdcfd3e31c33e9b0e2fcbc" {
		t.Fatalf("merkle root = %s", got)
	}
	wantHeader := "000000303a291807f6e5d4c3b2a1908f7e6d5c4b3a291807f6e5d4c3b2a1000000000000bcfce2b0e9331ce3d3cffde130fbac2059acd126a82419ce2069b4717c4e8d9100f15365ffff001d64000000"
	if got := hex.EncodeToString(job.Header[:]); got != wantHeader {
		t.Fatalf("header\n got %s\nwant %s", got, wantHeader)
	}
	if job.HeaderHash != "1ed0c89bdf2c55184a7d6ce5d61b0b611c0c0ee2d20e448a1488dda429bcfaa0" {
		t.Fatalf("header hash = %s", job.HeaderHash)
	}
	if job.SeedHash != strings.Repeat("0", 64) {
		t.Fatalf("epoch 0 seed = %s", job.SeedHash)
	}
	if job.TargetHex != "00000000ffff0000000000000000000000000000000000000000000000000000" {
		t.Fatalf("target = %s", job.TargetHex)
	}
	if job.Difficulty != 0.996108949 {
		t.Fatalf("difficulty = %v", job.Difficulty)
	}
	if job.LocalTarget != "00000000ffff0001cb8df2f5896387ab4b30a112c7bc1c766fd877007be8603c" {
		t.Fatalf("local target = %s", job.LocalTarget)
	}
	if job.RewardFees != 1000 {
		t.Fatalf("fees = %d", job.RewardFees)
	}

	params := job.jobParams(true)
	if len(params) != 7 || params[0] != job.JobID || params[1] != job.HeaderHash || params[4] != true || params[5] != int64(100) || params[6] != "1d00ffff" {
		t.Fatalf("unexpected notify params %v", params)
	}
}

func TestNewJobRejectsMalformedTemplate(t *testing.T) {
	cases := map[string]func(*GetBlockTemplateResult){
		"short prev":   func(tpl *GetBlockTemplateResult) { tpl.Previous = "abcd" },
		"bad bits":     func(tpl *GetBlockTemplateResult) { tpl.Bits = "zz00ffff" },
		"short bits":   func(tpl *GetBlockTemplateResult) { tpl.Bits = "1d00ff" },
		"bad txid":     func(tpl *GetBlockTemplateResult) { tpl.Transactions[0].Txid = "xyz" },
		"empty txdata": func(tpl *GetBlockTemplateResult) { tpl.Transactions[0].Data = "" },
		"zero target":  func(tpl *GetBlockTemplateResult) { tpl.Target = "00" },
	}
	for name, mutate := range cases {
		tpl := testTemplate()
		mutate(&tpl)
		if _, err := newJob(formatJobID(1), tpl, stubCoinbase, time.Now()); !errors.Is(err, errMalformedTemplate) {
			t.Fatalf("%s: expected errMalformedTemplate, got %v", name, err)
		}
	}
}

func TestSerializeBlockLayout(t *testing.T) {
	job, err := newJob(formatJobID(1), testTemplate(), stubCoinbase, time.Now())
	if err != nil {
		t.Fatalf("newJob: %v", err)
	}
	mix := strings.Repeat("ab", 31) + "cd"
	block, err := job.serializeBlock("0011223344556677", mix)
	if err != nil {
		t.Fatalf("serializeBlock: %v", err)
	}
	if !bytes.Equal(block[:80], job.Header[:]) {
		t.Fatalf("block does not start with header")
	}
	if got := hex.EncodeToString(block[80:88]); got != "7766554433221100" {
		t.Fatalf("nonce bytes = %s", got)
	}
	if block[88] != 0xcd || block[119] != 0xab {
		t.Fatalf("mix hash not reversed: %x", block[88:120])
	}
	if block[120] != 2 {
		t.Fatalf("tx count = %d", block[120])
	}
	rest := block[121:]
	if !bytes.HasPrefix(rest, testCoinbaseRaw) || !bytes.Equal(rest[len(testCoinbaseRaw):], []byte{0x01, 0x00}) {
		t.Fatalf("unexpected tx section %x", rest)
	}

	if _, err := job.serializeBlock("0011", mix); err == nil {
		t.Fatalf("expected short nonce to fail")
	}
}

func TestRegisterSubmitDetectsDuplicates(t *testing.T) {
	job := &Job{}
	if !job.registerSubmit("aa", "01") {
		t.Fatalf("first submit should register")
	}
	if job.registerSubmit("aa", "01") {
		t.Fatalf("second submit should be a duplicate")
	}
	if !job.registerSubmit("aa", "02") {
		t.Fatalf("different nonce should register")
	}
	if job.submits.len() != 2 {
		t.Fatalf("expected 2 recorded submits, got %d", job.submits.len())
	}
}

func TestProcessTemplateNewBlockAndUpdate(t *testing.T) {
	jm := NewJobManager(stubCoinbase, nil)
	isNew, err := jm.processTemplate(testTemplate())
	if err != nil || !isNew {
		t.Fatalf("first template: new=%v err=%v", isNew, err)
	}
	first := jm.CurrentJob()
	if first.JobID != formatJobID(jobCounterStart+1) {
		t.Fatalf("first job id = %s", first.JobID)
	}

	isNew, err = jm.processTemplate(testTemplate())
	if err != nil || isNew {
		t.Fatalf("same prev should not be new: new=%v err=%v", isNew, err)
	}

	tpl := testTemplate()
	tpl.CurTime++
	if err := jm.updateCurrentJob(tpl); err != nil {
		t.Fatalf("updateCurrentJob: %v", err)
	}
	if jm.validJobCount() != 2 || jm.lookupJob(first.JobID) == nil {
		t.Fatalf("update should keep older jobs valid")
	}

	next := testTemplate()
	next.Height = 101
	next.Previous = strings.Repeat("0", 63) + "1"
	isNew, err = jm.processTemplate(next)
	if err != nil || !isNew {
		t.Fatalf("next block: new=%v err=%v", isNew, err)
	}
	if jm.validJobCount() != 1 || jm.lookupJob(first.JobID) != nil {
		t.Fatalf("new block should invalidate older jobs")
	}

	stale := testTemplate()
	stale.Previous = strings.Repeat("0", 63) + "2"
	if _, err := jm.processTemplate(stale); !errors.Is(err, errStaleTemplate) {
		t.Fatalf("expected stale template error, got %v", err)
	}
	if st := jm.FeedStatus(); !st.Ready || st.Height != 101 {
		t.Fatalf("unexpected feed status %+v", st)
	}
}

func TestProcessTemplateBroadcastsCleanFlag(t *testing.T) {
	jm := NewJobManager(stubCoinbase, nil)
	ch := jm.Subscribe()
	defer jm.Unsubscribe(ch)

	// Without Start the events stay queued; deliver them by hand.
	if _, err := jm.processTemplate(testTemplate()); err != nil {
		t.Fatalf("processTemplate: %v", err)
	}
	tpl := testTemplate()
	tpl.CurTime++
	if err := jm.updateCurrentJob(tpl); err != nil {
		t.Fatalf("updateCurrentJob: %v", err)
	}
	for i := 0; i < 2; i++ {
		jm.deliver(<-jm.notifyQueue, 0)
	}
	if ev := <-ch; !ev.Clean {
		t.Fatalf("new block event should be clean")
	}
	if ev := <-ch; ev.Clean {
		t.Fatalf("update event should not be clean")
	}
}

func TestSeedHashForHeight(t *testing.T) {
	zero := strings.Repeat("0", 64)
	if got := seedHashForHeight(7499); got != zero {
		t.Fatalf("epoch 0 seed = %s", got)
	}
	if got := seedHashForHeight(7500); got != "290decd9548b62a8d60345a988386fc84ba6bc95484008f6362f93160ef3e563" {
		t.Fatalf("epoch 1 seed = %s", got)
	}
}

func TestJobCounterAndIDs(t *testing.T) {
	c := newJobCounter()
	id := c.next()
	if len(id) != 64 || !strings.HasSuffix(id, "00000000cccd") {
		t.Fatalf("unexpected first job id %s", id)
	}
	c.counter = jobCounterWrap - 1
	if got := c.next(); got != formatJobID(1) {
		t.Fatalf("counter should wrap to 1, got %s", got)
	}
	if shortJobID(formatJobID(0xcccd)) != "cccd" {
		t.Fatalf("shortJobID = %s", shortJobID(formatJobID(0xcccd)))
	}
}

func TestExtraNonceAllocatorUnique(t *testing.T) {
	a := newExtraNonceAllocator()
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		en, err := a.acquire()
		if err != nil {
			t.Fatalf("acquire: %v", err)
		}
		if len(en) != 2*extraNonceSize || seen[en] {
			t.Fatalf("bad or duplicate extranonce %q", en)
		}
		seen[en] = true
	}
	for en := range seen {
		a.release(en)
	}
	if a.active() != 0 {
		t.Fatalf("expected all extranonces released, %d active", a.active())
	}
}

func TestSubscriptionCounter(t *testing.T) {
	var c subscriptionCounter
	if got := c.next(); got != "deadbeefcafebabe0100000000000000" {
		t.Fatalf("first subscription id = %s", got)
	}
	if got := c.next(); got != "deadbeefcafebabe0200000000000000" {
		t.Fatalf("second subscription id = %s", got)
	}
}
