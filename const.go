package main

import "time"

const (
	poolSoftwareName = "kawpool"

	// kawpowEpochLength is the number of blocks sharing one DAG seed.
	kawpowEpochLength = 7500

	defaultStratumDifficulty = 8.0
	maxJobAge                = 600 * time.Second

	// maxStratumBufferSize caps undelimited inbound bytes before a
	// connection is treated as flooding.
	maxStratumBufferSize = 10240
	stratumWriteTimeout  = 30 * time.Second

	jobCounterStart = 0x0000cccc
	jobCounterWrap  = 0xffffffffff

	extraNonceSize = 2

	syncRetryInterval  = 5 * time.Second
	shutdownDrainLimit = 10 * time.Second

	// Input validation limits for miner-provided fields.
	maxWorkerNameLen = 256
	maxJobIDLen      = 128
	maxPasswordLen   = 1024
)

// Stratum share error codes.
const (
	stratumErrOther         = 20
	stratumErrDuplicate     = 22
	stratumErrLowDifficulty = 23
	stratumErrUnauthorized  = 24
	stratumErrNotSubscribed = 25
)

// kawpowShareMultiplier scales job difficulty into reported block difficulty.
const kawpowShareMultiplier = 1.0

// coinbaseTag is appended to the coinbase scriptSig after the height push.
var coinbaseTag = []byte("kawpow")
