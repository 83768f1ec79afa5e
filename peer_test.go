package main

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

var testPeerMagic = [4]byte{0x52, 0x41, 0x56, 0x4e}

func invPayload(entries ...[]byte) []byte {
	out := []byte{byte(len(entries))}
	for _, e := range entries {
		out = append(out, e...)
	}
	return out
}

func invEntry(kind uint32, hash chainhash.Hash) []byte {
	var b [36]byte
	binary.LittleEndian.PutUint32(b[:4], kind)
	copy(b[4:], hash[:])
	return b[:]
}

func TestPeerFramerRoundTrip(t *testing.T) {
	f := newPeerFramer(testPeerMagic)
	stream := append(encodePeerMessage(testPeerMagic, "verack", nil), encodePeerMessage(testPeerMagic, "ping", []byte{1, 2, 3, 4, 5, 6, 7, 8})...)

	if msgs := f.push(stream[:10]); len(msgs) != 0 {
		t.Fatalf("partial header: msgs=%v", msgs)
	}
	msgs := f.push(stream[10:])
	if len(msgs) != 2 || msgs[0].Command != "verack" || msgs[1].Command != "ping" || len(msgs[1].Payload) != 8 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
}

func TestPeerFramerResyncsAfterCorruption(t *testing.T) {
	var problems []error
	f := newPeerFramer(testPeerMagic)
	f.onError = func(err error) { problems = append(problems, err) }

	bad := encodePeerMessage(testPeerMagic, "ping", []byte{9, 9, 9, 9})
	bad[20] ^= 0xff
	stream := append([]byte("junk"), bad...)
	stream = append(stream, encodePeerMessage(testPeerMagic, "verack", nil)...)

	msgs := f.push(stream)
	if len(msgs) != 1 || msgs[0].Command != "verack" {
		t.Fatalf("expected only the verack to survive, got %+v", msgs)
	}
	var sawMagic, sawSum bool
	for _, p := range problems {
		sawMagic = sawMagic || errors.Is(p, errPeerBadMagic)
		sawSum = sawSum || errors.Is(p, errPeerBadSum)
	}
	if !sawMagic || !sawSum {
		t.Fatalf("expected bad magic and bad checksum reports, got %v", problems)
	}
}

func TestPeerFramerSkipsHugePayload(t *testing.T) {
	var problems []error
	f := newPeerFramer(testPeerMagic)
	f.onError = func(err error) { problems = append(problems, err) }

	hdr := make([]byte, peerHeaderLen)
	copy(hdr, testPeerMagic[:])
	binary.LittleEndian.PutUint32(hdr[16:20], peerMaxPayload+1)
	stream := append(hdr, encodePeerMessage(testPeerMagic, "verack", nil)...)

	msgs := f.push(stream)
	if len(msgs) != 1 || msgs[0].Command != "verack" {
		t.Fatalf("expected the verack after the oversized header, got %+v", msgs)
	}
	if len(problems) == 0 || !errors.Is(problems[0], errPeerTooLarge) {
		t.Fatalf("expected a too large report, got %v", problems)
	}
	if len(f.buf) != 0 {
		t.Fatalf("framer kept %d bytes", len(f.buf))
	}
}

func TestParseInvBlocks(t *testing.T) {
	var blockHash, txHash chainhash.Hash
	for i := range blockHash {
		blockHash[i] = byte(i)
		txHash[i] = 0xee
	}
	blocks, err := parseInvBlocks(invPayload(invEntry(invTypeTx, txHash), invEntry(invTypeBlock, blockHash)))
	if err != nil {
		t.Fatalf("parseInvBlocks: %v", err)
	}
	if len(blocks) != 1 || blocks[0] != blockHash.String() {
		t.Fatalf("blocks = %v", blocks)
	}

	if _, err := parseInvBlocks([]byte{2, 0, 0}); !errors.Is(err, errPeerShortInv) {
		t.Fatalf("expected short inv error, got %v", err)
	}
	if _, err := parseInvBlocks(nil); !errors.Is(err, errPeerShortInv) {
		t.Fatalf("expected short inv error for empty payload, got %v", err)
	}

	wide := []byte{0xfd, 1, 0}
	wide = append(wide, invEntry(invTypeBlock, blockHash)...)
	if blocks, err := parseInvBlocks(wide); err != nil || len(blocks) != 1 {
		t.Fatalf("two byte count: %v %v", blocks, err)
	}
}

func TestBuildVersionPayload(t *testing.T) {
	now := time.Unix(1700000000, 0)
	p, err := buildVersionPayload(70028, now, false)
	if err != nil {
		t.Fatalf("buildVersionPayload: %v", err)
	}
	if v := int32(binary.LittleEndian.Uint32(p[:4])); v != 70028 {
		t.Fatalf("protocol version = %d", v)
	}
	if ts := int64(binary.LittleEndian.Uint64(p[12:20])); ts != now.Unix() {
		t.Fatalf("timestamp = %d", ts)
	}
	if !bytes.Contains(p, []byte(peerUserAgent)) {
		t.Fatalf("user agent missing")
	}
	if p[len(p)-1] != 0 {
		t.Fatalf("relay flag should be cleared")
	}
	relay, _ := buildVersionPayload(70028, now, true)
	if len(relay) != len(p)-1 {
		t.Fatalf("relay payload should omit the flag byte")
	}
}

// fakeNode accepts one peer, completes the handshake and announces hash.
func fakeNode(t *testing.T, ln net.Listener, hash chainhash.Hash) {
	conn, err := ln.Accept()
	if err != nil {
		return
	}
	defer conn.Close()
	f := newPeerFramer(testPeerMagic)
	buf := make([]byte, 4096)
	gotVersion := false
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		n, err := conn.Read(buf)
		if err != nil {
			return
		}
		msgs := f.push(buf[:n])
		for _, m := range msgs {
			switch m.Command {
			case "version":
				gotVersion = true
				_, _ = conn.Write(encodePeerMessage(testPeerMagic, "version", m.Payload))
			case "verack":
				if !gotVersion {
					t.Errorf("verack before version")
				}
				_, _ = conn.Write(encodePeerMessage(testPeerMagic, "verack", nil))
				_, _ = conn.Write(encodePeerMessage(testPeerMagic, "inv", invPayload(invEntry(invTypeBlock, hash))))
			}
		}
	}
}

func TestPeerWatcherReportsBlocks(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	var hash chainhash.Hash
	hash[0] = 0xab
	go fakeNode(t, ln, hash)

	cfg := defaultConfig()
	host, port, _ := net.SplitHostPort(ln.Addr().String())
	cfg.P2P.Host = host
	cfg.P2P.Port, _ = strconv.Atoi(port)

	got := make(chan string, 1)
	pw, err := NewPeerWatcher(cfg, func(h string) {
		select {
		case got <- h:
		default:
		}
	})
	if err != nil {
		t.Fatalf("NewPeerWatcher: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pw.Run(ctx) }()

	select {
	case h := <-got:
		if h != hash.String() {
			t.Fatalf("block hash = %s, want %s", h, hash)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("no block announcement")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run after cancel: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("Run did not stop")
	}
}

func TestPeerWatcherRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	cfg := defaultConfig()
	cfg.P2P.Host = "127.0.0.1"
	cfg.P2P.Port = addr.Port
	pw, err := NewPeerWatcher(cfg, nil)
	if err != nil {
		t.Fatalf("NewPeerWatcher: %v", err)
	}
	if err := pw.Run(context.Background()); !errors.Is(err, errPeerRefused) {
		t.Fatalf("expected refused error, got %v", err)
	}
}

func TestNewPeerWatcherRejectsBadMagic(t *testing.T) {
	cfg := defaultConfig()
	cfg.PeerMagic = "zz"
	if _, err := NewPeerWatcher(cfg, nil); err == nil {
		t.Fatalf("expected invalid magic error")
	}
}
