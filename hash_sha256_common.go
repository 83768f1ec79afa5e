package main

type sha256SumFunc func([]byte) [32]byte

// sha256Sum backs every sha256d computation: header hashes, merkle levels
// and peer message checksums.
var sha256Sum sha256SumFunc
