package main

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
)

// jobCounter hands out job ids: a 32-byte buffer with the counter in its
// last six bytes, rendered as 64 hex characters.
type jobCounter struct {
	mu      sync.Mutex
	counter uint64
}

func newJobCounter() *jobCounter {
	return &jobCounter{counter: jobCounterStart}
}

func (c *jobCounter) next() string {
	c.mu.Lock()
	c.counter++
	if c.counter%jobCounterWrap == 0 {
		c.counter = 1
	}
	v := c.counter
	c.mu.Unlock()
	return formatJobID(v)
}

func formatJobID(v uint64) string {
	var buf [32]byte
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], v)
	copy(buf[26:], tmp[2:])
	return hex.EncodeToString(buf[:])
}

var errExtraNoncesExhausted = errors.New("extranonce space exhausted")

// extraNonceAllocator assigns 2-byte extranonces that stay unique among
// live connections. Allocation walks forward from a random start.
type extraNonceAllocator struct {
	mu    sync.Mutex
	next  uint16
	inUse map[uint16]struct{}
}

func newExtraNonceAllocator() *extraNonceAllocator {
	var seed [2]byte
	_, _ = rand.Read(seed[:])
	return &extraNonceAllocator{
		next:  binary.BigEndian.Uint16(seed[:]),
		inUse: make(map[uint16]struct{}),
	}
}

func (a *extraNonceAllocator) acquire() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.inUse) >= 1<<16 {
		return "", errExtraNoncesExhausted
	}
	for {
		v := a.next
		a.next++
		if _, taken := a.inUse[v]; taken {
			continue
		}
		a.inUse[v] = struct{}{}
		var buf [extraNonceSize]byte
		binary.BigEndian.PutUint16(buf[:], v)
		return hex.EncodeToString(buf[:]), nil
	}
}

// reserve claims en for a connection allocated elsewhere. It fails when
// en is malformed or already live here.
func (a *extraNonceAllocator) reserve(en string) bool {
	b, err := hex.DecodeString(en)
	if err != nil || len(b) != extraNonceSize {
		return false
	}
	v := binary.BigEndian.Uint16(b)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, taken := a.inUse[v]; taken {
		return false
	}
	a.inUse[v] = struct{}{}
	return true
}

func (a *extraNonceAllocator) release(en string) {
	b, err := hex.DecodeString(en)
	if err != nil || len(b) != extraNonceSize {
		return
	}
	a.mu.Lock()
	delete(a.inUse, binary.BigEndian.Uint16(b))
	a.mu.Unlock()
}

func (a *extraNonceAllocator) active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}

// subscriptionCounter produces fixed-width subscription ids: a constant
// prefix followed by the little-endian counter.
type subscriptionCounter struct {
	count atomic.Uint64
}

const subscriptionPrefix = "deadbeefcafebabe"

func (s *subscriptionCounter) next() string {
	v := s.count.Add(1)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	return subscriptionPrefix + hex.EncodeToString(buf[:])
}
