package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	rpcRetryDelay     = 100 * time.Millisecond
	rpcMaxRetries     = 4
	defaultRPCTimeout = 30 * time.Second
)

var rpcRetryMaxDelay = 5 * time.Second
var rpcCookieWatchInterval = time.Second
var rpcRetryJitterFrac = 0.2

type rpcRequest struct {
	Jsonrpc string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// rpcCall is one entry of a batch request.
type rpcCall struct {
	Method string
	Params interface{}
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
	ID     int             `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type httpStatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e *httpStatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("rpc http status %s: %s", e.Status, e.Body)
	}
	return fmt.Sprintf("rpc http status %s", e.Status)
}

type RPCClient struct {
	url                string
	user               string
	pass               string
	client             *http.Client
	idMu               sync.Mutex
	nextID             int
	connected          atomic.Bool
	unhealthy          atomic.Bool
	disconnects        atomic.Uint64
	reconnects         atomic.Uint64
	cookieWatchStarted atomic.Bool

	authMu        sync.RWMutex
	cookiePath    string
	cookieModTime time.Time
	cookieSize    int64

	lastErrMu sync.RWMutex
	lastErr   error
}

func NewRPCClient(d DaemonConfig) *RPCClient {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		IdleConnTimeout:       60 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}

	timeout := d.Timeout
	if timeout <= 0 {
		timeout = defaultRPCTimeout
	}
	c := &RPCClient{
		url:  d.URL(),
		user: d.User,
		pass: d.Password,
		client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		nextID:     1,
		cookiePath: strings.TrimSpace(d.CookiePath),
	}
	c.initCookieStat()
	return c
}

func (c *RPCClient) initCookieStat() {
	if c.cookiePath == "" {
		return
	}
	info, err := os.Stat(c.cookiePath)
	if err != nil {
		return
	}
	c.authMu.Lock()
	c.cookieModTime = info.ModTime()
	c.cookieSize = info.Size()
	c.authMu.Unlock()

	// If no credentials are configured yet, opportunistically load the cookie
	// immediately so the first RPC call doesn't depend on receiving a 401 first.
	c.authMu.RLock()
	empty := strings.TrimSpace(c.user) == "" && strings.TrimSpace(c.pass) == ""
	c.authMu.RUnlock()
	if empty {
		c.reloadCookieIfChanged()
	}
}

func (c *RPCClient) reloadCookieIfChanged() {
	if c.cookiePath == "" {
		return
	}
	info, err := os.Stat(c.cookiePath)
	if err != nil {
		return
	}
	c.authMu.RLock()
	modTime := c.cookieModTime
	size := c.cookieSize
	user, pass := c.user, c.pass
	c.authMu.RUnlock()

	credsEmpty := strings.TrimSpace(user) == "" && strings.TrimSpace(pass) == ""
	changed := !info.ModTime().Equal(modTime) || info.Size() != size
	if !changed && !credsEmpty {
		return
	}
	newUser, newPass, err := readRPCCookie(c.cookiePath)
	if err != nil {
		logger.Warn("reload rpc cookie", "path", c.cookiePath, "error", err)
		return
	}
	c.authMu.Lock()
	c.user = strings.TrimSpace(newUser)
	c.pass = strings.TrimSpace(newPass)
	c.cookieModTime = info.ModTime()
	c.cookieSize = info.Size()
	c.authMu.Unlock()
	if changed {
		logger.Info("rpc cookie reloaded", "path", c.cookiePath)
	} else {
		logger.Info("rpc cookie loaded", "path", c.cookiePath)
	}
}

// StartCookieWatcher monitors the node auth cookie and reloads credentials when
// it appears or changes. It is safe to call multiple times; subsequent calls
// are no-ops.
func (c *RPCClient) StartCookieWatcher(ctx context.Context) {
	if c == nil {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if strings.TrimSpace(c.cookiePath) == "" {
		return
	}
	if !c.cookieWatchStarted.CompareAndSwap(false, true) {
		return
	}

	go func() {
		ticker := time.NewTicker(rpcCookieWatchInterval)
		defer ticker.Stop()
		// Try once immediately so startup doesn't wait for the first tick.
		c.reloadCookieIfChanged()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.reloadCookieIfChanged()
			}
		}
	}()
}

func (c *RPCClient) callCtx(ctx context.Context, method string, params interface{}, out interface{}) error {
	return c.withRetry(ctx, func() error {
		return c.performCall(ctx, method, params, out)
	})
}

// batchCtx sends several requests in one HTTP round trip. Responses are
// returned in request order.
func (c *RPCClient) batchCtx(ctx context.Context, calls []rpcCall) ([]rpcResponse, error) {
	var out []rpcResponse
	err := c.withRetry(ctx, func() error {
		var err error
		out, err = c.performBatch(ctx, calls)
		return err
	})
	return out, err
}

func (c *RPCClient) withRetry(ctx context.Context, call func() error) error {
	retryCount := 0
	for {
		if ctx.Err() != nil {
			c.recordLastError(ctx.Err())
			return ctx.Err()
		}
		err := call()
		if err == nil {
			if c.unhealthy.Swap(false) {
				c.reconnects.Add(1)
				logger.Info("daemon reachable again", "daemon", c.endpointLabel())
			}
			c.connected.Store(true)
			c.recordRPCCallSuccess()
			return nil
		}
		c.recordLastError(err)
		if isRPCConnectivityError(err) {
			if !c.unhealthy.Swap(true) {
				c.disconnects.Add(1)
				logger.Warn("daemon unreachable", "daemon", c.endpointLabel(), "error", err)
			}
		}
		if retryCount < rpcMaxRetries && c.shouldRetry(err) {
			retryCount++
			c.reloadCookieIfChanged()
			if err := sleepContext(ctx, rpcRetryDelayWithBackoff(retryCount)); err != nil {
				return err
			}
			continue
		}
		return err
	}
}

func (c *RPCClient) endpointLabel() string {
	raw := strings.TrimSpace(c.url)
	if raw == "" {
		return "(unknown)"
	}
	u, err := url.Parse(raw)
	if err == nil && u.Host != "" {
		return u.Host
	}
	// Best-effort fallback for non-URL inputs; never include user/pass.
	if idx := strings.Index(raw, "@"); idx != -1 && idx+1 < len(raw) {
		raw = raw[idx+1:]
	}
	raw = strings.TrimLeft(raw, "/")
	if raw == "" {
		return "(unknown)"
	}
	return raw
}

func (c *RPCClient) Healthy() bool {
	if c == nil {
		return false
	}
	return c.connected.Load() && !c.unhealthy.Load()
}

func (c *RPCClient) Disconnects() uint64 {
	if c == nil {
		return 0
	}
	return c.disconnects.Load()
}

func (c *RPCClient) Reconnects() uint64 {
	if c == nil {
		return 0
	}
	return c.reconnects.Load()
}

func isRPCConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusUnauthorized || statusErr.StatusCode >= 500
	}
	return false
}

func (c *RPCClient) nextRequestID() int {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID++
	return id
}

// post sends body and returns the raw response. Non-200 statuses become an
// *httpStatusError unless the body carries a JSON-RPC error.
func (c *RPCClient) post(ctx context.Context, method string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	c.authMu.RLock()
	user, pass := c.user, c.pass
	c.authMu.RUnlock()
	if user != "" || pass != "" {
		req.SetBasicAuth(user, pass)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if verboseLogging {
		logger.Debug("rpc call", "daemon", c.endpointLabel(), "method", method, "elapsed", time.Since(start))
	}
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		// Daemons return -32601 and friends with a 500 status.
		var rpcResp rpcResponse
		if err := fastJSONUnmarshal(data, &rpcResp); err == nil && rpcResp.Error != nil {
			return nil, rpcResp.Error
		}
		return nil, &httpStatusError{StatusCode: resp.StatusCode, Status: resp.Status, Body: string(bytes.TrimSpace(data))}
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("rpc empty response body")
	}
	// Some daemons print NaN fields (e.g. networkhashps) as -nan.
	return bytes.ReplaceAll(data, []byte(":-nan,"), []byte(":0,")), nil
}

func (c *RPCClient) performCall(ctx context.Context, method string, params interface{}, out interface{}) error {
	body, err := fastJSONMarshal(rpcRequest{
		Jsonrpc: "1.0",
		ID:      c.nextRequestID(),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	data, err := c.post(ctx, method, body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := fastJSONUnmarshal(data, &rpcResp); err != nil {
		return fmt.Errorf("decode rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], rpcResp.Result...)
		return nil
	}
	return fastJSONUnmarshal(rpcResp.Result, out)
}

func (c *RPCClient) performBatch(ctx context.Context, calls []rpcCall) ([]rpcResponse, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]rpcRequest, len(calls))
	index := make(map[int]int, len(calls))
	for i, call := range calls {
		id := c.nextRequestID()
		reqs[i] = rpcRequest{Jsonrpc: "1.0", ID: id, Method: call.Method, Params: call.Params}
		index[id] = i
	}
	body, err := fastJSONMarshal(reqs)
	if err != nil {
		return nil, err
	}
	data, err := c.post(ctx, "batch", body)
	if err != nil {
		return nil, err
	}
	var resps []rpcResponse
	if err := fastJSONUnmarshal(data, &resps); err != nil {
		return nil, fmt.Errorf("decode rpc batch response: %w", err)
	}
	out := make([]rpcResponse, len(calls))
	for _, r := range resps {
		if i, ok := index[r.ID]; ok {
			out[i] = r
		}
	}
	return out, nil
}

func (c *RPCClient) recordRPCCallSuccess() {
	c.lastErrMu.Lock()
	c.lastErr = nil
	c.lastErrMu.Unlock()
}

func (c *RPCClient) shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return true
	}
	var statusErr *httpStatusError
	if errors.As(err, &statusErr) {
		switch statusErr.StatusCode {
		case http.StatusUnauthorized:
			return c.cookiePath != ""
		default:
			return statusErr.StatusCode >= 500
		}
	}
	return false
}

func (c *RPCClient) recordLastError(err error) {
	if err == nil {
		return
	}
	c.lastErrMu.Lock()
	c.lastErr = err
	c.lastErrMu.Unlock()
}

func (c *RPCClient) LastError() error {
	c.lastErrMu.RLock()
	defer c.lastErrMu.RUnlock()
	return c.lastErr
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func rpcRetryDelayWithBackoff(attempt int) time.Duration {
	if attempt <= 0 {
		return rpcRetryDelay
	}
	delay := rpcRetryDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if rpcRetryMaxDelay > 0 && delay >= rpcRetryMaxDelay {
			delay = rpcRetryMaxDelay
			break
		}
	}
	if rpcRetryJitterFrac > 0 {
		low := 1 - rpcRetryJitterFrac
		high := 1 + rpcRetryJitterFrac
		jitter := low + (high-low)*rand.Float64()
		delay = time.Duration(float64(delay) * jitter)
		if delay <= 0 {
			delay = time.Millisecond
		}
	}
	return delay
}
