package main

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"slices"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

var errMalformedTemplate = errors.New("malformed template")

// Job is an immutable block candidate handed to miners. Only the
// submission set changes after construction.
type Job struct {
	JobID       string
	Template    GetBlockTemplateResult
	Height      int64
	PrevHash    string
	Bits        string
	CreatedAt   time.Time
	RewardFees  int64
	PoolReward  int64
	Coinbase    []byte
	CoinbaseID  chainhash.Hash
	MerkleRoot  chainhash.Hash
	Header      [80]byte
	HeaderHash  string
	SeedHash    string
	Epoch       int64
	Target      *big.Int
	TargetHex   string
	Difficulty  float64
	LocalTarget string

	txData  [][]byte
	submits duplicateShareSet
}

// newJob builds a Job from a getblocktemplate result. Malformed hashes or
// bits fail with errMalformedTemplate.
func newJob(jobID string, tpl GetBlockTemplateResult, buildCoinbase coinbaseBuilder, now time.Time) (*Job, error) {
	prev, err := hashFromDisplayHex(tpl.Previous)
	if err != nil {
		return nil, fmt.Errorf("%w: previousblockhash: %v", errMalformedTemplate, err)
	}
	if len(tpl.Bits) != 8 {
		return nil, fmt.Errorf("%w: bits must be 8 hex characters, got %d", errMalformedTemplate, len(tpl.Bits))
	}
	bitsBytes, err := hex.DecodeString(tpl.Bits)
	if err != nil {
		return nil, fmt.Errorf("%w: bits: %v", errMalformedTemplate, err)
	}

	var target *big.Int
	if tpl.Target != "" {
		target, err = parseTargetHex(tpl.Target)
	} else {
		target, err = targetFromBits(tpl.Bits)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: target: %v", errMalformedTemplate, err)
	}
	if target.Sign() <= 0 {
		return nil, fmt.Errorf("%w: non-positive target", errMalformedTemplate)
	}

	txHashes := make([]chainhash.Hash, 0, len(tpl.Transactions)+1)
	txData := make([][]byte, 0, len(tpl.Transactions))
	var fees int64
	for i, tx := range tpl.Transactions {
		id := tx.Txid
		if id == "" {
			id = tx.Hash
		}
		h, err := hashFromDisplayHex(id)
		if err != nil {
			return nil, fmt.Errorf("%w: tx %d id: %v", errMalformedTemplate, i, err)
		}
		raw, err := hex.DecodeString(tx.Data)
		if err != nil || len(raw) == 0 {
			return nil, fmt.Errorf("%w: tx %d data", errMalformedTemplate, i)
		}
		txHashes = append(txHashes, h)
		txData = append(txData, raw)
		fees += tx.Fee
	}

	if buildCoinbase == nil {
		return nil, errors.New("coinbase builder required")
	}
	cb, err := buildCoinbase(&tpl, tpl.CoinbaseValue, fees)
	if err != nil {
		return nil, fmt.Errorf("build coinbase: %w", err)
	}

	job := &Job{
		JobID:      jobID,
		Template:   tpl,
		Height:     tpl.Height,
		PrevHash:   tpl.Previous,
		Bits:       tpl.Bits,
		CreatedAt:  now,
		RewardFees: fees,
		PoolReward: cb.PoolReward,
		Coinbase:   cb.Raw,
		CoinbaseID: cb.Hash,
		MerkleRoot: merkleRoot(append([]chainhash.Hash{cb.Hash}, txHashes...)),
		SeedHash:   seedHashForHeight(tpl.Height),
		Epoch:      tpl.Height / kawpowEpochLength,
		Target:     target,
		TargetHex:  targetToHex(target),
		txData:     txData,
	}
	job.Difficulty = roundDifficulty(targetToDifficulty(target), 9)
	job.LocalTarget = difficultyToTargetHex(job.Difficulty)
	job.Header = serializeKawpowHeader(tpl.Height, bitsBytes, tpl.CurTime, job.MerkleRoot, prev, tpl.Version)
	job.HeaderHash = headerHashHex(job.Header[:])
	return job, nil
}

// serializeKawpowHeader lays out height, bits, time, merkle root, previous
// hash and version (numbers big-endian, hashes in display order) and then
// reverses the whole buffer.
func serializeKawpowHeader(height int64, bits []byte, curTime int64, root, prev chainhash.Hash, version int32) [80]byte {
	var h [80]byte
	binary.BigEndian.PutUint32(h[0:4], uint32(height))
	copy(h[4:8], bits)
	binary.BigEndian.PutUint32(h[8:12], uint32(curTime))
	copy(h[12:44], reverseBytes(root[:]))
	copy(h[44:76], reverseBytes(prev[:]))
	binary.BigEndian.PutUint32(h[76:80], uint32(version))
	slices.Reverse(h[:])
	return h
}

func headerHashHex(header []byte) string {
	return chainhash.Hash(doubleSHA256Array(header)).String()
}

// serializeBlock assembles the full block for submitblock.
func (j *Job) serializeBlock(nonceHex, mixHashHex string) ([]byte, error) {
	nonce, err := hex.DecodeString(nonceHex)
	if err != nil || len(nonce) != 8 {
		return nil, fmt.Errorf("invalid nonce %q", nonceHex)
	}
	mix, err := hex.DecodeString(mixHashHex)
	if err != nil || len(mix) != 32 {
		return nil, fmt.Errorf("invalid mix hash %q", mixHashHex)
	}
	var buf bytes.Buffer
	size := len(j.Header) + 40 + 9 + len(j.Coinbase)
	for _, tx := range j.txData {
		size += len(tx)
	}
	buf.Grow(size)
	buf.Write(j.Header[:])
	slices.Reverse(nonce)
	slices.Reverse(mix)
	buf.Write(nonce)
	buf.Write(mix)
	if err := wire.WriteVarInt(&buf, 0, uint64(len(j.txData)+1)); err != nil {
		return nil, err
	}
	buf.Write(j.Coinbase)
	for _, tx := range j.txData {
		buf.Write(tx)
	}
	return buf.Bytes(), nil
}

// registerSubmit records header+nonce and reports false when the pair was
// already submitted for this job. Callers pass lowercase hex.
func (j *Job) registerSubmit(header, nonce string) bool {
	return !j.submits.seenOrAdd(header + nonce)
}

// jobParams returns the mining.notify parameter list. The slice is fresh on
// every call so connections may rewrite the target slot.
func (j *Job) jobParams(clean bool) []any {
	return []any{
		j.JobID,
		j.HeaderHash,
		j.SeedHash,
		j.LocalTarget,
		clean,
		j.Height,
		j.Bits,
	}
}
