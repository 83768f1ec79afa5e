package main

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeTestFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadExampleConfig(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.toml")
	secretsPath := filepath.Join(dir, "secrets.toml")
	writeTestFile(t, cfgPath, exampleConfig)
	writeTestFile(t, secretsPath, []byte("rpc_user = \"raven\"\nrpc_pass = \"hunter2\"\n"))

	cfg, usedSecrets, err := loadConfig(cfgPath, secretsPath)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if usedSecrets != secretsPath {
		t.Fatalf("secrets path = %s", usedSecrets)
	}
	if len(cfg.Daemons) != 1 || cfg.Daemons[0].Port != 8766 || cfg.Daemons[0].User != "raven" || cfg.Daemons[0].Password != "hunter2" {
		t.Fatalf("unexpected daemons %+v", cfg.Daemons)
	}
	if len(cfg.Ports) != 2 || cfg.Ports[0].Port != 3333 || cfg.Ports[1].Port != 3334 {
		t.Fatalf("unexpected ports %+v", cfg.Ports)
	}
	vd := cfg.Ports[0].VarDiff
	if vd == nil || vd.MinDiff != 0.025 || vd.MaxDiff != 1024 || vd.TargetTime != 10 || vd.RetargetTime != 60 {
		t.Fatalf("unexpected vardiff %+v", vd)
	}
	if cfg.Ports[1].VarDiff != nil || !cfg.Ports[1].TLS || cfg.Ports[1].Diff != 0.1 {
		t.Fatalf("unexpected tls port %+v", cfg.Ports[1])
	}
	if cfg.BlockRefreshInterval != 400*time.Millisecond || cfg.JobRebroadcastTimeout != 25*time.Second {
		t.Fatalf("unexpected stratum timings %v %v", cfg.BlockRefreshInterval, cfg.JobRebroadcastTimeout)
	}
	if !cfg.Banning.Enabled || cfg.Banning.InvalidPercent != 50 || cfg.Banning.Time != 600*time.Second {
		t.Fatalf("unexpected banning %+v", cfg.Banning)
	}

	// The placeholder address must be replaced before the pool can start.
	if err := validateConfig(cfg); err == nil {
		t.Fatalf("placeholder address should not validate")
	}
	cfg.PoolAddress = testMainnetAddr
	if err := validateConfig(cfg); err != nil {
		t.Fatalf("validateConfig: %v", err)
	}
}

func TestLoadConfigMissing(t *testing.T) {
	_, _, err := loadConfig(filepath.Join(t.TempDir(), "nope.toml"), "")
	if !errors.Is(err, errConfigMissing) {
		t.Fatalf("expected errConfigMissing, got %v", err)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"bad port":   "[ports.abc]\ndiff = 1.0\n",
		"bad syntax": "[pool\n",
		"int diff":   "[ports.3333]\ndiff = 1\n",
	}
	for name, body := range cases {
		path := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".toml")
		writeTestFile(t, path, []byte(body))
		if _, _, err := loadConfig(path, filepath.Join(dir, "none.toml")); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestSecretsDoNotOverrideCookie(t *testing.T) {
	cfg := defaultConfig()
	cfg.Daemons = []DaemonConfig{
		{Host: "a", Port: 1, CookiePath: "/tmp/.cookie"},
		{Host: "b", Port: 2, User: "own", Password: "pw"},
		{Host: "c", Port: 3},
	}
	applySecretsConfig(&cfg, secretsConfig{RPCUser: "s", RPCPass: "p", StratumJWTSecret: "jwt"})
	if cfg.Daemons[0].User != "" || cfg.Daemons[1].User != "own" || cfg.Daemons[2].User != "s" {
		t.Fatalf("unexpected daemon users %+v", cfg.Daemons)
	}
	if cfg.StratumJWTSecret != "jwt" {
		t.Fatalf("jwt secret not applied")
	}
}

func validTestConfig() Config {
	cfg := defaultConfig()
	cfg.PoolAddress = testMainnetAddr
	cfg.Daemons = []DaemonConfig{{Host: "127.0.0.1", Port: 8766}}
	cfg.Ports = []PortConfig{{Port: 3333, Diff: 1}}
	return cfg
}

func TestValidateConfig(t *testing.T) {
	if err := validateConfig(validTestConfig()); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	cases := map[string]func(*Config){
		"algorithm":        func(c *Config) { c.Algorithm = "sha256d" },
		"reward":           func(c *Config) { c.RewardType = "POX" },
		"no daemons":       func(c *Config) { c.Daemons = nil },
		"daemon port":      func(c *Config) { c.Daemons[0].Port = 70000 },
		"testnet address":  func(c *Config) { c.PoolAddress = testTestnetAddr },
		"recipient total":  func(c *Config) { c.Recipients = []RecipientConfig{{Address: testMainnetAddr, Percent: 100}} },
		"recipient zero":   func(c *Config) { c.Recipients = []RecipientConfig{{Address: testMainnetAddr}} },
		"no ports":         func(c *Config) { c.Ports = nil },
		"port diff":        func(c *Config) { c.Ports[0].Diff = 0 },
		"vardiff":          func(c *Config) { c.Ports[0].VarDiff = &VarDiffConfig{MinDiff: 2, MaxDiff: 1, TargetTime: 1, RetargetTime: 1} },
		"jwt secret":       func(c *Config) { c.StratumJWTEnabled = true },
		"tls pair":         func(c *Config) { c.TLSCertFile = "cert.pem" },
		"ban percent":      func(c *Config) { c.Banning.InvalidPercent = 0 },
		"p2p host":         func(c *Config) { c.P2P.Enabled = true },
		"validator mode":   func(c *Config) { c.Validator.Mode = "magic" },
		"kawpowd endpoint": func(c *Config) { c.Validator.Mode = validatorModeKawpowd },
		"discord channel":  func(c *Config) { c.DiscordBotToken = "tok" },
		"log level":        func(c *Config) { c.LogLevel = "loud" },
	}
	for name, mutate := range cases {
		cfg := validTestConfig()
		mutate(&cfg)
		if err := validateConfig(cfg); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestEnsureExampleFiles(t *testing.T) {
	dir := t.TempDir()
	ensureExampleFiles(dir)
	for _, name := range []string{"config.toml.example", "secrets.toml.example"} {
		data, err := os.ReadFile(filepath.Join(dir, "config", "examples", name))
		if err != nil || len(data) == 0 {
			t.Fatalf("%s: %v", name, err)
		}
	}
}
