package main

import (
	"fmt"
	"math"
	"math/big"
	"strconv"
	"strings"
)

// kawpowMaxTarget is the difficulty-1 target for kawpow.
var kawpowMaxTarget = func() *big.Int {
	n, _ := new(big.Int).SetString("00000000ff000000000000000000000000000000000000000000000000000000", 16)
	return n
}()

// maxUint256 is the maximum value representable in 256 bits.
var maxUint256 = func() *big.Int {
	n := new(big.Int).Lsh(big.NewInt(1), 256)
	return n.Sub(n, big.NewInt(1))
}()

// targetFromDifficulty returns maxTarget/diff using exact rational division.
// The result is floored. A non-positive difficulty maps to the largest
// 256-bit target.
func targetFromDifficulty(diff float64) *big.Int {
	if diff <= 0 || math.IsNaN(diff) || math.IsInf(diff, 0) {
		return new(big.Int).Set(maxUint256)
	}
	r, ok := new(big.Rat).SetString(strconv.FormatFloat(diff, 'g', -1, 64))
	if !ok || r.Sign() <= 0 {
		return new(big.Int).Set(maxUint256)
	}
	target := new(big.Rat).SetInt(kawpowMaxTarget)
	target.Quo(target, r)
	tgt := new(big.Int).Quo(target.Num(), target.Denom())
	if tgt.Sign() == 0 {
		tgt = big.NewInt(1)
	}
	return tgt
}

// difficultyToTargetHex renders maxTarget/diff as lowercase hex, left padded
// with zeros to 64 characters and cut at 64 characters.
func difficultyToTargetHex(diff float64) string {
	return targetToHex(targetFromDifficulty(diff))
}

func targetToHex(target *big.Int) string {
	s := target.Text(16)
	if len(s) < 64 {
		s = strings.Repeat("0", 64-len(s)) + s
	}
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}

// targetToDifficulty returns maxTarget/target as a float. It is only used
// for display and vardiff bookkeeping, never for share acceptance.
func targetToDifficulty(target *big.Int) float64 {
	if target == nil || target.Sign() <= 0 {
		return 0
	}
	r := new(big.Rat).SetFrac(kawpowMaxTarget, target)
	f, _ := r.Float64()
	return f
}

func parseTargetHex(s string) (*big.Int, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, fmt.Errorf("empty target")
	}
	t, ok := new(big.Int).SetString(s, 16)
	if !ok {
		return nil, fmt.Errorf("invalid target hex %q", s)
	}
	if t.Sign() <= 0 {
		return nil, fmt.Errorf("target must be positive")
	}
	return t, nil
}

// roundDifficulty rounds d to the given number of decimals.
func roundDifficulty(d float64, decimals int) float64 {
	p := math.Pow(10, float64(decimals))
	return math.Round(d*p) / p
}
