package main

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	peerHeaderLen    = 24
	peerCommandLen   = 12
	peerMaxPayload   = 32 << 20
	peerUserAgent    = "/" + poolSoftwareName + "/"
	peerDialTimeout  = 10 * time.Second
	peerRetryBackoff = 5 * time.Second

	invTypeError = 0
	invTypeTx    = 1
	invTypeBlock = 2
)

var (
	errPeerRefused   = errors.New("peer refused connection")
	errPeerBadMagic  = errors.New("bad magic number from peer")
	errPeerBadSum    = errors.New("bad payload: failed checksum")
	errPeerTooLarge  = errors.New("peer payload too large")
	errPeerShortInv  = errors.New("truncated inv payload")
	emptyNetAddress  = mustDecodeHex("010000000000000000000000000000000000ffff000000000000")
	nodeNetworkBytes = []byte{1, 0, 0, 0, 0, 0, 0, 0}
)

func mustDecodeHex(s string) []byte {
	b, err := hex.DecodeString(s)
	if err != nil {
		panic(err)
	}
	return b
}

type peerMessage struct {
	Command string
	Payload []byte
}

// peerFramer splits a byte stream into framed peer messages. Corrupt
// frames are dropped and the stream resynchronizes on the next magic.
type peerFramer struct {
	magic [4]byte
	buf   []byte
	// onError receives framing problems that do not end the stream.
	onError func(error)
}

func newPeerFramer(magic [4]byte) *peerFramer {
	return &peerFramer{magic: magic}
}

// push appends chunk and returns every complete frame. Bad magic, an
// oversized length or a bad checksum are reported and skipped byte by
// byte until the next magic.
func (f *peerFramer) push(chunk []byte) []peerMessage {
	f.buf = append(f.buf, chunk...)
	var out []peerMessage
	for len(f.buf) >= peerHeaderLen {
		if !bytes.Equal(f.buf[:4], f.magic[:]) {
			f.report(errPeerBadMagic)
			idx := bytes.Index(f.buf[1:], f.magic[:])
			if idx < 0 {
				// keep a tail that may hold the start of the next magic
				keep := len(f.magic) - 1
				if len(f.buf) > keep {
					f.buf = append(f.buf[:0], f.buf[len(f.buf)-keep:]...)
				}
				break
			}
			f.buf = f.buf[idx+1:]
			continue
		}
		length := binary.LittleEndian.Uint32(f.buf[16:20])
		if length > peerMaxPayload {
			f.report(errPeerTooLarge)
			f.buf = f.buf[1:]
			continue
		}
		total := peerHeaderLen + int(length)
		if len(f.buf) < total {
			break
		}
		payload := f.buf[peerHeaderLen:total]
		sum := doubleSHA256(payload)
		if !bytes.Equal(sum[:4], f.buf[20:24]) {
			f.report(errPeerBadSum)
			// skip this magic so the scan finds the next frame
			f.buf = f.buf[1:]
			continue
		}
		out = append(out, peerMessage{
			Command: string(bytes.TrimRight(f.buf[4:16], "\x00")),
			Payload: append([]byte(nil), payload...),
		})
		f.buf = f.buf[total:]
	}
	return out
}

func (f *peerFramer) report(err error) {
	if f.onError != nil {
		f.onError(err)
	}
}

func encodePeerMessage(magic [4]byte, command string, payload []byte) []byte {
	msg := make([]byte, peerHeaderLen, peerHeaderLen+len(payload))
	copy(msg[:4], magic[:])
	copy(msg[4:4+peerCommandLen], command)
	binary.LittleEndian.PutUint32(msg[16:20], uint32(len(payload)))
	sum := doubleSHA256(payload)
	copy(msg[20:24], sum[:4])
	return append(msg, payload...)
}

func buildVersionPayload(protocolVersion int32, now time.Time, relay bool) ([]byte, error) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, protocolVersion)
	buf.Write(nodeNetworkBytes)
	_ = binary.Write(&buf, binary.LittleEndian, now.Unix())
	buf.Write(emptyNetAddress)
	buf.Write(emptyNetAddress)
	var nonce [8]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	buf.Write(nonce[:])
	if err := wire.WriteVarString(&buf, 0, peerUserAgent); err != nil {
		return nil, err
	}
	buf.Write([]byte{0, 0, 0, 0})
	if !relay {
		buf.WriteByte(0)
	}
	return buf.Bytes(), nil
}

// parseInvBlocks returns the display-order hashes of block entries.
func parseInvBlocks(payload []byte) ([]string, error) {
	if len(payload) < 1 {
		return nil, errPeerShortInv
	}
	count := int(payload[0])
	payload = payload[1:]
	if count >= 0xfd {
		if len(payload) < 2 {
			return nil, errPeerShortInv
		}
		count = int(binary.LittleEndian.Uint16(payload))
		payload = payload[2:]
	}
	var blocks []string
	for i := 0; i < count; i++ {
		if len(payload) < 36 {
			return blocks, errPeerShortInv
		}
		if binary.LittleEndian.Uint32(payload[:4]) == invTypeBlock {
			var h chainhash.Hash
			copy(h[:], payload[4:36])
			blocks = append(blocks, h.String())
		}
		payload = payload[36:]
	}
	return blocks, nil
}

// PeerWatcher holds a minimal p2p session with the node and reports block
// announcements.
type PeerWatcher struct {
	addr            string
	magic           [4]byte
	protocolVersion int32
	relay           bool
	onBlock         func(hash string)
	onConnected     func()

	connected bool
}

func NewPeerWatcher(cfg Config, onBlock func(hash string)) (*PeerWatcher, error) {
	raw, err := hex.DecodeString(cfg.peerMagic())
	if err != nil || len(raw) != 4 {
		return nil, fmt.Errorf("invalid peer magic %q", cfg.peerMagic())
	}
	pw := &PeerWatcher{
		addr:            net.JoinHostPort(cfg.P2P.Host, strconv.Itoa(cfg.P2P.Port)),
		protocolVersion: defaultProtocolVersion,
		relay:           !cfg.P2P.DisableTransactions,
		onBlock:         onBlock,
	}
	copy(pw.magic[:], raw)
	return pw, nil
}

// Run keeps the session alive until ctx ends. A refused dial is final.
// Other disconnects are retried only once a handshake has completed.
func (pw *PeerWatcher) Run(ctx context.Context) error {
	for {
		handshaked, err := pw.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			logger.Error("p2p connection refused, check p2p host/port", "addr", pw.addr)
			return fmt.Errorf("%w: %s", errPeerRefused, pw.addr)
		}
		if !handshaked {
			logger.Error("p2p connection rejected before handshake", "addr", pw.addr, "error", err)
			return fmt.Errorf("p2p %s: %w", pw.addr, err)
		}
		logger.Warn("p2p peer disconnected, reconnecting", "addr", pw.addr, "error", err)
		if sleepContext(ctx, peerRetryBackoff) != nil {
			return nil
		}
	}
}

func (pw *PeerWatcher) session(ctx context.Context) (bool, error) {
	d := net.Dialer{Timeout: peerDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", pw.addr)
	if err != nil {
		return false, err
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	pw.connected = false
	payload, err := buildVersionPayload(pw.protocolVersion, time.Now(), pw.relay)
	if err != nil {
		return false, err
	}
	if _, err := conn.Write(encodePeerMessage(pw.magic, "version", payload)); err != nil {
		return false, err
	}

	framer := newPeerFramer(pw.magic)
	framer.onError = func(err error) {
		logger.Warn("p2p framing", "addr", pw.addr, "error", err)
	}
	buf := make([]byte, 64*1024)
	for {
		n, err := conn.Read(buf)
		if n > 0 {
			for _, m := range framer.push(buf[:n]) {
				pw.handleMessage(conn, m)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return pw.connected, err
		}
	}
}

func (pw *PeerWatcher) handleMessage(w io.Writer, m peerMessage) {
	switch m.Command {
	case "verack":
		if !pw.connected {
			pw.connected = true
			logger.Info("p2p connected", "addr", pw.addr)
			if pw.onConnected != nil {
				pw.onConnected()
			}
		}
	case "version":
		_, _ = w.Write(encodePeerMessage(pw.magic, "verack", nil))
	case "ping":
		_, _ = w.Write(encodePeerMessage(pw.magic, "pong", m.Payload))
	case "inv":
		blocks, err := parseInvBlocks(m.Payload)
		if err != nil {
			logger.Warn("p2p inv parse", "error", err)
		}
		for _, h := range blocks {
			if pw.onBlock != nil {
				pw.onBlock(h)
			}
		}
	}
}
