package main

import (
	"encoding/hex"
	"fmt"
	"math/big"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"golang.org/x/crypto/sha3"
)

// targetFromBits expands a compact "bits" hex string into a full target.
func targetFromBits(bits string) (*big.Int, error) {
	b, err := hex.DecodeString(bits)
	if err != nil {
		return nil, fmt.Errorf("decode bits: %w", err)
	}
	if len(b) != 4 {
		return nil, fmt.Errorf("invalid bits length %d", len(b))
	}
	exp := int(b[0])
	mantissa := new(big.Int).SetBytes(b[1:])
	if exp <= 3 {
		return mantissa.Rsh(mantissa, uint(8*(3-exp))), nil
	}
	return mantissa.Lsh(mantissa, uint(8*(exp-3))), nil
}

func doubleSHA256(b []byte) []byte {
	first := sha256Sum(b)
	second := sha256Sum(first[:])
	return second[:]
}

// doubleSHA256Array returns the double SHA256 hash as a fixed-size array.
func doubleSHA256Array(b []byte) [32]byte {
	first := sha256Sum(b)
	return sha256Sum(first[:])
}

func reverseBytes(in []byte) []byte {
	out := append([]byte(nil), in...)
	slices.Reverse(out)
	return out
}

// hashFromDisplayHex parses a hash in RPC display order into a chainhash
// (internal byte order).
func hashFromDisplayHex(s string) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(s) != chainhash.MaxHashStringSize {
		return h, fmt.Errorf("hash must be %d hex characters, got %d", chainhash.MaxHashStringSize, len(s))
	}
	if err := chainhash.Decode(&h, s); err != nil {
		return h, err
	}
	return h, nil
}

// seedHashForHeight returns the kawpow seed hash for the epoch containing
// height. The zero buffer is keccak256-hashed once per epoch; epoch 0 keeps
// the all-zero seed.
func seedHashForHeight(height int64) string {
	var seed [32]byte
	epoch := height / kawpowEpochLength
	for i := int64(0); i < epoch; i++ {
		h := sha3.NewLegacyKeccak256()
		h.Write(seed[:])
		h.Sum(seed[:0])
	}
	return hex.EncodeToString(seed[:])
}

// merkleRoot folds transaction hashes (internal byte order) into the block
// merkle root, duplicating the last entry on odd levels. A single hash is
// its own root.
func merkleRoot(hashes []chainhash.Hash) chainhash.Hash {
	if len(hashes) == 0 {
		return chainhash.Hash{}
	}
	level := append([]chainhash.Hash(nil), hashes...)
	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]chainhash.Hash, 0, len(level)/2)
		var pair [64]byte
		for i := 0; i < len(level); i += 2 {
			copy(pair[:32], level[i][:])
			copy(pair[32:], level[i+1][:])
			next = append(next, chainhash.Hash(doubleSHA256Array(pair[:])))
		}
		level = next
	}
	return level[0]
}
