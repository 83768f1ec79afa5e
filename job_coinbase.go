package main

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

// rewardRecipient receives a fixed percentage of every block reward.
type rewardRecipient struct {
	Address string
	Percent float64
	Script  []byte
}

type coinbaseTx struct {
	Raw        []byte
	Hash       chainhash.Hash
	PoolReward int64
}

// coinbaseBuilder turns a template plus reward and fees into a serialized
// generation transaction.
type coinbaseBuilder func(tpl *GetBlockTemplateResult, reward, fees int64) (coinbaseTx, error)

const maxCoinbaseRecipients = 32

// newPayoutCoinbaseBuilder returns a builder paying the pool script and
// every recipient. The recipient list is copied.
func newPayoutCoinbaseBuilder(poolScript []byte, recipients []rewardRecipient) (coinbaseBuilder, error) {
	if len(poolScript) == 0 {
		return nil, fmt.Errorf("pool payout script required")
	}
	if len(recipients) > maxCoinbaseRecipients {
		return nil, fmt.Errorf("too many reward recipients: %d > %d", len(recipients), maxCoinbaseRecipients)
	}
	var total float64
	for i, r := range recipients {
		if len(r.Script) == 0 {
			return nil, fmt.Errorf("recipient %d script required", i)
		}
		if r.Percent < 0 {
			return nil, fmt.Errorf("recipient %d percent cannot be negative", i)
		}
		total += r.Percent
	}
	if total >= 100 {
		return nil, fmt.Errorf("recipient percentages sum to %.4f, must be below 100", total)
	}
	pool := append([]byte(nil), poolScript...)
	recips := append([]rewardRecipient(nil), recipients...)
	return func(tpl *GetBlockTemplateResult, reward, fees int64) (coinbaseTx, error) {
		return buildCoinbaseTx(tpl, reward, fees, recips, pool)
	}, nil
}

// coinbaseScriptSig pushes the block height, an OP_0 and the raw pool tag.
func coinbaseScriptSig(height int64) ([]byte, error) {
	script, err := txscript.NewScriptBuilder().AddInt64(height).AddOp(txscript.OP_0).Script()
	if err != nil {
		return nil, err
	}
	return append(script, coinbaseTag...), nil
}

// buildCoinbaseTx creates a version 1 generation transaction. The pool gets
// the reward minus recipient percentages (rounded down); each recipient
// gets its rounded share. A witness commitment, when present, is appended
// as a zero-value output.
func buildCoinbaseTx(tpl *GetBlockTemplateResult, reward, _ int64, recipients []rewardRecipient, poolScript []byte) (coinbaseTx, error) {
	sigScript, err := coinbaseScriptSig(tpl.Height)
	if err != nil {
		return coinbaseTx{}, fmt.Errorf("coinbase script: %w", err)
	}

	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: *wire.NewOutPoint(&chainhash.Hash{}, wire.MaxPrevOutIndex),
		SignatureScript:  sigScript,
		Sequence:         wire.MaxTxInSequenceNum,
	})

	var feePercent float64
	for _, r := range recipients {
		feePercent += r.Percent
	}
	poolReward := int64(math.Floor(float64(reward) * (1 - feePercent/100)))
	tx.AddTxOut(wire.NewTxOut(poolReward, poolScript))
	for _, r := range recipients {
		tx.AddTxOut(wire.NewTxOut(int64(math.Round(float64(reward)*(r.Percent/100))), r.Script))
	}
	if tpl.DefaultWitnessCommitment != "" {
		commitment, err := hex.DecodeString(tpl.DefaultWitnessCommitment)
		if err != nil {
			return coinbaseTx{}, fmt.Errorf("decode witness commitment: %w", err)
		}
		tx.AddTxOut(wire.NewTxOut(0, commitment))
	}
	tx.LockTime = 0

	var buf bytes.Buffer
	buf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&buf); err != nil {
		return coinbaseTx{}, fmt.Errorf("serialize coinbase: %w", err)
	}
	return coinbaseTx{
		Raw:        buf.Bytes(),
		Hash:       tx.TxHash(),
		PoolReward: poolReward,
	}, nil
}
