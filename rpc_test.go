package main

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

func testRPCClient(t *testing.T, h http.HandlerFunc) *RPCClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)
	return NewRPCClient(DaemonConfig{Host: host, Port: p, User: "u", Password: "p", Timeout: 2 * time.Second})
}

func TestRPCClientCall(t *testing.T) {
	c := testRPCClient(t, func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "u" || pass != "p" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var req rpcRequest
		if err := fastJSONUnmarshal(body, &req); err != nil || req.Method != "getmininginfo" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_, _ = io.WriteString(w, `{"result":{"networkhashps":-nan,"blocks":12},"error":null,"id":`+strconv.Itoa(req.ID)+`}`)
	})

	var out struct {
		NetworkHashPS float64 `json:"networkhashps"`
		Blocks        int64   `json:"blocks"`
	}
	if err := c.callCtx(context.Background(), "getmininginfo", []any{}, &out); err != nil {
		t.Fatalf("callCtx: %v", err)
	}
	if out.Blocks != 12 || out.NetworkHashPS != 0 {
		t.Fatalf("unexpected result %+v", out)
	}
	if !c.Healthy() {
		t.Fatalf("client should be healthy after a successful call")
	}
}

func TestRPCClientErrorOnServerStatus(t *testing.T) {
	var hits atomic.Int32
	c := testRPCClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = io.WriteString(w, `{"result":null,"error":{"code":-32601,"message":"Method not found"},"id":1}`)
	})
	err := c.callCtx(context.Background(), "nosuch", nil, nil)
	var rerr *rpcError
	if !errors.As(err, &rerr) || rerr.Code != rpcErrMethodNotFound {
		t.Fatalf("expected rpc error, got %v", err)
	}
	if hits.Load() != 1 {
		t.Fatalf("rpc errors must not be retried, hits=%d", hits.Load())
	}
	if c.LastError() == nil {
		t.Fatalf("last error not recorded")
	}
}

func TestRPCClientRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	c := testRPCClient(t, func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) < 3 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"result":7,"error":null,"id":1}`)
	})
	var n int
	if err := c.callCtx(context.Background(), "getblockcount", nil, &n); err != nil {
		t.Fatalf("callCtx: %v", err)
	}
	if n != 7 || hits.Load() != 3 {
		t.Fatalf("result %d after %d hits", n, hits.Load())
	}
	if c.Disconnects() != 1 || c.Reconnects() != 1 {
		t.Fatalf("disconnects=%d reconnects=%d", c.Disconnects(), c.Reconnects())
	}
}

func TestRPCClientGivesUpOnPersistentStatus(t *testing.T) {
	c := testRPCClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "forbidden", http.StatusForbidden)
	})
	err := c.callCtx(context.Background(), "getinfo", nil, nil)
	var serr *httpStatusError
	if !errors.As(err, &serr) || serr.StatusCode != http.StatusForbidden || serr.Body != "forbidden" {
		t.Fatalf("expected http status error, got %v", err)
	}
}

func TestRPCClientBatchOrdersByID(t *testing.T) {
	c := testRPCClient(t, func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var reqs []rpcRequest
		if err := fastJSONUnmarshal(body, &reqs); err != nil || len(reqs) != 2 {
			http.Error(w, "bad batch", http.StatusBadRequest)
			return
		}
		// Answer in reverse order.
		_, _ = io.WriteString(w, `[{"result":"second","error":null,"id":`+strconv.Itoa(reqs[1].ID)+`},`+
			`{"result":"first","error":null,"id":`+strconv.Itoa(reqs[0].ID)+`}]`)
	})
	resps, err := c.batchCtx(context.Background(), []rpcCall{{Method: "a"}, {Method: "b"}})
	if err != nil {
		t.Fatalf("batchCtx: %v", err)
	}
	if len(resps) != 2 || string(resps[0].Result) != `"first"` || string(resps[1].Result) != `"second"` {
		t.Fatalf("unexpected batch order %+v", resps)
	}
	if out, err := c.batchCtx(context.Background(), nil); err != nil || out != nil {
		t.Fatalf("empty batch: %v %v", out, err)
	}
}

func TestRPCClientLoadsCookie(t *testing.T) {
	dir := t.TempDir()
	cookie := filepath.Join(dir, ".cookie")
	if err := os.WriteFile(cookie, []byte("__cookie__:abc123\n"), 0o600); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	creds := make(chan string, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		select {
		case creds <- user + ":" + pass:
		default:
		}
		_, _ = io.WriteString(w, `{"result":true,"error":null,"id":1}`)
	}))
	defer srv.Close()
	host, port, _ := net.SplitHostPort(srv.Listener.Addr().String())
	p, _ := strconv.Atoi(port)

	c := NewRPCClient(DaemonConfig{Host: host, Port: p, CookiePath: cookie})
	if err := c.callCtx(context.Background(), "ping", nil, nil); err != nil {
		t.Fatalf("callCtx: %v", err)
	}
	if got := <-creds; got != "__cookie__:abc123" {
		t.Fatalf("cookie credentials not used: %q", got)
	}
}

func TestRPCCookiePathCandidates(t *testing.T) {
	dir := t.TempDir()
	got := rpcCookiePathCandidates(dir)
	if len(got) != 3 || got[0] != filepath.Join(dir, ".cookie") || got[1] != filepath.Join(dir, "testnet7", ".cookie") {
		t.Fatalf("candidates = %v", got)
	}
	if got := rpcCookiePathCandidates("  "); got != nil {
		t.Fatalf("blank path should have no candidates, got %v", got)
	}

	if err := os.MkdirAll(filepath.Join(dir, "testnet7"), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "testnet7", ".cookie"), []byte("user:pass"), 0o600); err != nil {
		t.Fatalf("write cookie: %v", err)
	}
	path, user, pass, err := readRPCCookieWithFallback(dir)
	if err != nil || user != "user" || pass != "pass" || path != filepath.Join(dir, "testnet7", ".cookie") {
		t.Fatalf("fallback = %s %s %s %v", path, user, pass, err)
	}

	bad := filepath.Join(dir, "bad")
	if err := os.WriteFile(bad, []byte("nocolon"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := readRPCCookie(bad); err == nil {
		t.Fatalf("expected format error")
	}
}

func TestRPCRetryDelayWithBackoff(t *testing.T) {
	jitter := rpcRetryJitterFrac
	rpcRetryJitterFrac = 0
	defer func() { rpcRetryJitterFrac = jitter }()

	cases := map[int]time.Duration{
		0:  rpcRetryDelay,
		1:  rpcRetryDelay,
		2:  2 * rpcRetryDelay,
		3:  4 * rpcRetryDelay,
		20: rpcRetryMaxDelay,
	}
	for attempt, want := range cases {
		if got := rpcRetryDelayWithBackoff(attempt); got != want {
			t.Fatalf("attempt %d: delay %v, want %v", attempt, got, want)
		}
	}
}

func TestDaemonInterfaceFansOut(t *testing.T) {
	a, b := newFakeDaemon(t), newFakeDaemon(t)
	a.standardCoin()
	di, err := NewDaemonInterface([]DaemonConfig{a.config(), b.config()})
	if err != nil {
		t.Fatalf("NewDaemonInterface: %v", err)
	}
	res := di.cmd(context.Background(), "getinfo", nil)
	if len(res) != 2 || res[0].Err != nil || res[1].Err == nil || res[1].Instance != 1 {
		t.Fatalf("unexpected results %+v", res)
	}
	if ok, err := di.isOnline(context.Background()); ok || err == nil {
		t.Fatalf("one dead daemon should fail isOnline")
	}
	b.standardCoin()
	if ok, err := di.isOnline(context.Background()); !ok || err != nil {
		t.Fatalf("isOnline: %v", err)
	}
	if n := di.healthyCount(); n != 2 {
		t.Fatalf("healthy = %d", n)
	}
	if _, err := NewDaemonInterface(nil); !errors.Is(err, errNoDaemons) {
		t.Fatalf("expected errNoDaemons, got %v", err)
	}
}
