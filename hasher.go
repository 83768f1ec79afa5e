package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/remeh/sizedwaitgroup"
)

// powRequest carries everything a KawPoW verifier needs for one share.
type powRequest struct {
	HeaderHash  string
	MixHash     string
	Nonce       string
	Height      int64
	ShareTarget string
	BlockTarget string
}

// powResult is a verifier's verdict. Digest is the final KawPoW hash and
// MixHash the mix that goes into the serialized block.
type powResult struct {
	Valid   bool
	Block   bool
	Digest  *big.Int
	MixHash string
}

type powVerifier interface {
	verify(ctx context.Context, req powRequest) (powResult, error)
	// rejectMessage is the share error text for an invalid result.
	rejectMessage() string
}

var errVerifierUnavailable = errors.New("kawpow verifier unavailable")

// rpcBool decodes a JSON true or "true".
type rpcBool bool

func (b *rpcBool) UnmarshalJSON(data []byte) error {
	s := strings.Trim(strings.TrimSpace(string(data)), `"`)
	*b = rpcBool(strings.EqualFold(s, "true"))
	return nil
}

type kawpowHashResult struct {
	Digest      string  `json:"digest"`
	Result      rpcBool `json:"result"`
	MixHash     string  `json:"mix_hash"`
	MeetsTarget rpcBool `json:"meets_target"`
}

// daemonPowVerifier asks the coin daemon to compute the hash via
// getkawpowhash.
type daemonPowVerifier struct {
	daemon *DaemonInterface
}

func newDaemonPowVerifier(d *DaemonInterface) *daemonPowVerifier {
	return &daemonPowVerifier{daemon: d}
}

func (v *daemonPowVerifier) rejectMessage() string { return "bad share: invalid hash" }

func (v *daemonPowVerifier) verify(ctx context.Context, req powRequest) (powResult, error) {
	var res kawpowHashResult
	params := []any{req.HeaderHash, req.MixHash, req.Nonce, req.Height, req.BlockTarget}
	if err := v.daemon.call(ctx, "getkawpowhash", params, &res); err != nil {
		return powResult{}, fmt.Errorf("%w: getkawpowhash: %v", errVerifierUnavailable, err)
	}
	if !res.Result {
		return powResult{}, nil
	}
	digest, err := parseTargetHex(res.Digest)
	if err != nil {
		return powResult{}, fmt.Errorf("getkawpowhash digest: %w", err)
	}
	mix := strings.ToLower(res.MixHash)
	if mix == "" {
		mix = req.MixHash
	}
	return powResult{Valid: true, Digest: digest, MixHash: mix}, nil
}

type kawpowdResult struct {
	Digest string  `json:"digest"`
	Share  rpcBool `json:"share"`
	Block  rpcBool `json:"block"`
}

// kawpowdVerifier queries an external kawpowd HTTP service. In-flight
// requests are capped so a burst of shares cannot exhaust sockets.
type kawpowdVerifier struct {
	base   string
	client *http.Client
	limit  sizedwaitgroup.SizedWaitGroup
}

func newKawpowdVerifier(cfg ValidatorConfig) *kawpowdVerifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultValidatorTimeout
	}
	inFlight := cfg.MaxInFlight
	if inFlight <= 0 {
		inFlight = defaultValidatorMaxInFlight
	}
	return &kawpowdVerifier{
		base: "http://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + "/",
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: inFlight,
				IdleConnTimeout:     60 * time.Second,
			},
		},
		limit: sizedwaitgroup.New(inFlight),
	}
}

func (v *kawpowdVerifier) rejectMessage() string { return "kawpow validation failed" }

func (v *kawpowdVerifier) requestURL(req powRequest) string {
	q := url.Values{}
	q.Set("header_hash", req.HeaderHash)
	q.Set("mix_hash", req.MixHash)
	q.Set("nonce", req.Nonce)
	q.Set("height", strconv.FormatInt(req.Height, 10))
	q.Set("share_boundary", req.ShareTarget)
	q.Set("block_boundary", req.BlockTarget)
	return v.base + "?" + q.Encode()
}

func (v *kawpowdVerifier) verify(ctx context.Context, req powRequest) (powResult, error) {
	if err := v.limit.AddWithContext(ctx); err != nil {
		return powResult{}, err
	}
	defer v.limit.Done()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, v.requestURL(req), nil)
	if err != nil {
		return powResult{}, err
	}
	resp, err := v.client.Do(httpReq)
	if err != nil {
		return powResult{}, fmt.Errorf("%w: %v", errVerifierUnavailable, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return powResult{}, fmt.Errorf("%w: read body: %v", errVerifierUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		return powResult{}, fmt.Errorf("%w: http status %s", errVerifierUnavailable, resp.Status)
	}

	var res kawpowdResult
	if err := fastJSONUnmarshal(bytes.TrimSpace(body), &res); err != nil {
		return powResult{}, fmt.Errorf("decode kawpowd response: %w", err)
	}
	if verboseLogging {
		logger.Debug("kawpowd verdict",
			"header_hash", req.HeaderHash,
			"nonce", req.Nonce,
			"height", req.Height,
			"share_target", req.ShareTarget,
			"block_target", req.BlockTarget,
			"digest", res.Digest,
			"share", bool(res.Share),
			"block", bool(res.Block),
		)
	}
	if !res.Share && !res.Block {
		return powResult{}, nil
	}
	out := powResult{Valid: true, Block: bool(res.Block), MixHash: req.MixHash}
	if res.Digest != "" {
		if d, err := parseTargetHex(res.Digest); err == nil {
			out.Digest = d
		}
	}
	return out, nil
}

func newPowVerifier(cfg ValidatorConfig, daemon *DaemonInterface) powVerifier {
	if cfg.Mode == validatorModeKawpowd {
		return newKawpowdVerifier(cfg)
	}
	return newDaemonPowVerifier(daemon)
}
