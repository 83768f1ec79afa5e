package main

import (
	"crypto/subtle"
	"errors"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/golang-jwt/jwt/v5"
	"github.com/martinhoefling/goxkcdpwgen/xkcdpwgen"
)

// authRequest is what a mining.authorize hands the authorizer.
type authRequest struct {
	IP         string
	Port       int
	Address    string
	Worker     string
	Password   string
	ExtraNonce string
	Version    string
}

// authResult: Error, when set, is sent as the stratum error. Disconnect
// closes the socket after the reply.
type authResult struct {
	Authorized bool
	Error      any
	Disconnect bool
}

type authorizeFunc func(req authRequest) authResult

// safeString keeps only [a-zA-Z0-9._].
func safeString(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}

// safeWorkerName normalizes a login to "address.worker"; the worker part
// defaults to "noname".
func safeWorkerName(raw string) string {
	if len(raw) > maxWorkerNameLen {
		raw = raw[:maxWorkerNameLen]
	}
	parts := strings.Split(safeString(raw), ".")
	worker := "noname"
	if len(parts) > 1 {
		worker = parts[1]
	}
	return parts[0] + "." + worker
}

func paramString(params []any, i int) string {
	if i >= len(params) || params[i] == nil {
		return ""
	}
	switch v := params[i].(type) {
	case string:
		return v
	default:
		return ""
	}
}

func (mc *MinerConn) handleAuthorize(req *StratumRequest) {
	worker := safeWorkerName(paramString(req.Params, 0))
	pass := paramString(req.Params, 1)
	if len(pass) > maxPasswordLen {
		pass = pass[:maxPasswordLen]
	}

	mc.mu.Lock()
	mc.workerName = worker
	mc.workerPass = pass
	ar := authRequest{
		IP:         mc.remoteIP,
		Port:       mc.port.Port,
		Address:    strings.SplitN(worker, ".", 2)[0],
		Worker:     worker,
		Password:   pass,
		ExtraNonce: mc.extraNonce,
		Version:    mc.version,
	}
	mc.mu.Unlock()

	res := authResult{Authorized: true}
	if mc.srv().authorize != nil {
		res = mc.srv().authorize(ar)
	}
	authorized := res.Error == nil && res.Authorized

	mc.mu.Lock()
	mc.authorized = authorized
	replay := authorized && mc.subscribedEarly && mc.extraNonce != ""
	mc.subscribedEarly = false
	diff := mc.difficulty
	mc.mu.Unlock()

	mc.writeResponse(StratumResponse{ID: req.ID, Result: authorized, Error: res.Error})
	if authorized {
		logger.Info("miner authorized", "miner", mc.label(), "port", mc.port.Port)
	} else {
		logger.Warn("miner authorization failed", "miner", mc.label(), "error", res.Error)
	}
	if res.Disconnect {
		mc.Close("authorization disconnect")
		return
	}
	if replay {
		mc.sendDifficulty(diff, true)
		mc.sendMiningJob(mc.srv().jobs.CurrentJob(), true, time.Now())
	}
}

// stratumAuthorizer checks that the login is an address of this chain
// and, when enabled, that the password matches or carries a valid token.
type stratumAuthorizer struct {
	params    *chaincfg.Params
	password  string
	jwtSecret []byte
}

func newStratumAuthorizer(cfg Config) *stratumAuthorizer {
	a := &stratumAuthorizer{params: chainParamsFor(cfg.Testnet)}
	if cfg.StratumPasswordEnabled {
		a.password = cfg.StratumPassword
	}
	if cfg.StratumJWTEnabled {
		a.jwtSecret = []byte(cfg.StratumJWTSecret)
	}
	return a
}

func (a *stratumAuthorizer) authorize(req authRequest) authResult {
	if _, err := scriptForAddress(req.Address, a.params); err != nil {
		return authResult{Error: newStratumError(stratumErrUnauthorized, "invalid payout address")}
	}
	if len(a.jwtSecret) > 0 {
		if err := a.checkToken(req.Password, req.Address); err != nil {
			logger.Warn("stratum token rejected", "ip", req.IP, "address", req.Address, "error", err)
			return authResult{Error: newStratumError(stratumErrUnauthorized, "invalid token"), Disconnect: true}
		}
		return authResult{Authorized: true}
	}
	if a.password != "" && subtle.ConstantTimeCompare([]byte(req.Password), []byte(a.password)) != 1 {
		return authResult{Error: newStratumError(stratumErrUnauthorized, "invalid password"), Disconnect: true}
	}
	return authResult{Authorized: true}
}

var errTokenSubject = errors.New("token subject does not match address")

// checkToken accepts an HS256 token whose subject is the payout address.
func (a *stratumAuthorizer) checkToken(token, address string) error {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return a.jwtSecret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return err
	}
	if !tok.Valid {
		return jwt.ErrTokenInvalidClaims
	}
	if claims.Subject != address {
		return errTokenSubject
	}
	return nil
}

// generateStratumPassword returns a memorable shared password for pools
// that enable password auth without setting one.
func generateStratumPassword() string {
	g := xkcdpwgen.NewGenerator()
	g.SetNumWords(4)
	g.SetCapitalize(false)
	g.SetDelimiter("-")
	return strings.TrimSpace(g.GeneratePasswordString())
}
