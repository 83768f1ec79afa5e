package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// applyRPCCookieCredentials reads the cookie for every daemon that names
// one. A daemon whose cookie cannot be read keeps its static credentials.
func applyRPCCookieCredentials(cfg *Config) {
	for i := range cfg.Daemons {
		d := &cfg.Daemons[i]
		if d.CookiePath == "" {
			continue
		}
		path, user, pass, err := readRPCCookieWithFallback(d.CookiePath)
		if err != nil {
			logger.Warn("rpc cookie unavailable", "daemon", d.URL(), "path", path, "error", err)
			continue
		}
		d.CookiePath = path
		d.User = user
		d.Password = pass
	}
}

// rpcCookiePathCandidates expands a configured cookie path. A directory is
// searched for .cookie directly and under the testnet/regtest subdirs the
// node uses.
func rpcCookiePathCandidates(basePath string) []string {
	basePath = strings.TrimSpace(basePath)
	if basePath == "" {
		return nil
	}
	if info, err := os.Stat(basePath); err == nil && info.IsDir() {
		out := []string{filepath.Join(basePath, ".cookie")}
		for _, sub := range []string{"testnet7", "regtest"} {
			out = append(out, filepath.Join(basePath, sub, ".cookie"))
		}
		return out
	}
	return []string{basePath}
}

func readRPCCookieWithFallback(basePath string) (string, string, string, error) {
	candidates := rpcCookiePathCandidates(basePath)
	if len(candidates) == 0 {
		return "", "", "", fmt.Errorf("invalid cookie path")
	}
	var lastErr error
	for _, candidate := range candidates {
		user, pass, err := readRPCCookie(candidate)
		if err == nil {
			return candidate, user, pass, nil
		}
		lastErr = err
		if !errors.Is(err, os.ErrNotExist) {
			return candidate, "", "", err
		}
	}
	return candidates[len(candidates)-1], "", "", lastErr
}

func readRPCCookie(path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "", fmt.Errorf("read %s: %w", path, err)
	}
	token := strings.TrimSpace(string(data))
	user, pass, ok := strings.Cut(token, ":")
	if !ok {
		return "", "", fmt.Errorf("unexpected cookie format")
	}
	return strings.TrimSpace(user), strings.TrimSpace(pass), nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// logSummary prints the effective settings once at startup. Secrets are
// never logged.
func (c Config) logSummary() {
	ports := make([]string, 0, len(c.Ports))
	for _, p := range c.Ports {
		mode := "static"
		if p.VarDiff != nil {
			mode = "vardiff"
		}
		tls := ""
		if p.TLS {
			tls = "+tls"
		}
		ports = append(ports, fmt.Sprintf("%d(%g %s%s)", p.Port, p.Diff, mode, tls))
	}
	logger.Info("pool config",
		"coin", c.CoinName,
		"symbol", c.CoinSymbol,
		"algorithm", c.Algorithm,
		"testnet", c.Testnet,
		"daemons", len(c.Daemons),
		"ports", strings.Join(ports, ","),
		"recipients", len(c.Recipients),
		"validator", c.Validator.Mode,
		"banning", c.Banning.Enabled,
		"p2p", c.P2P.Enabled,
		"zmq", c.ZMQHashBlockAddr != "",
	)
}
