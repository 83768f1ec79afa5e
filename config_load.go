package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml"
)

var errConfigMissing = errors.New("config file missing")

// loadConfig reads config.toml and the optional secrets overlay on top of
// defaultConfig. It returns the secrets path that was used.
func loadConfig(configPath, secretsPath string) (Config, string, error) {
	cfg := defaultConfig()
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	fc, ok, err := loadBaseConfigFile(configPath)
	if err != nil {
		return cfg, "", err
	}
	if !ok {
		return cfg, "", fmt.Errorf("%w: %s", errConfigMissing, configPath)
	}
	if err := applyBaseConfig(&cfg, *fc); err != nil {
		return cfg, "", err
	}

	if secretsPath == "" {
		secretsPath = defaultSecretsPath(cfg.DataDir)
	}
	ensureSecretFilePermissions(secretsPath)
	if sc, ok, err := loadSecretsFile(secretsPath); err != nil {
		return cfg, secretsPath, err
	} else if ok {
		applySecretsConfig(&cfg, *sc)
	}
	return cfg, secretsPath, nil
}

func loadTOMLFile[T any](path string) (*T, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}

	var cfg T
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, true, fmt.Errorf("parse %s: %w", path, err)
	}
	return &cfg, true, nil
}

func loadBaseConfigFile(path string) (*baseFileConfig, bool, error) {
	return loadTOMLFile[baseFileConfig](path)
}

func loadSecretsFile(path string) (*secretsConfig, bool, error) {
	return loadTOMLFile[secretsConfig](path)
}

func ensureSecretFilePermissions(path string) {
	if strings.TrimSpace(path) == "" {
		return
	}
	info, err := os.Stat(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Warn("secrets file stat failed", "path", path, "error", err)
		}
		return
	}
	if !info.Mode().IsRegular() || info.Mode().Perm()&0o077 == 0 {
		return
	}
	if err := os.Chmod(path, 0o600); err != nil {
		logger.Warn("secrets file chmod failed", "path", path, "error", err)
		return
	}
	logger.Warn("secrets file permissions tightened", "path", path, "mode", "0600")
}

func applyBaseConfig(cfg *Config, fc baseFileConfig) error {
	if fc.DataDir != "" {
		cfg.DataDir = fc.DataDir
	}

	p := fc.Pool
	if p.Coin != "" {
		cfg.CoinName = p.Coin
	}
	if p.Symbol != "" {
		cfg.CoinSymbol = p.Symbol
	}
	if p.Algorithm != "" {
		cfg.Algorithm = strings.ToLower(strings.TrimSpace(p.Algorithm))
	}
	if p.Reward != "" {
		cfg.RewardType = strings.ToUpper(strings.TrimSpace(p.Reward))
	}
	cfg.PoolAddress = strings.TrimSpace(p.Address)
	if p.Testnet != nil {
		cfg.Testnet = *p.Testnet
	}
	if p.PeerMagic != "" {
		cfg.PeerMagic = strings.ToLower(p.PeerMagic)
	}
	if p.PeerMagicTestnet != "" {
		cfg.PeerMagicTestnet = strings.ToLower(p.PeerMagicTestnet)
	}
	for _, r := range p.Recipients {
		cfg.Recipients = append(cfg.Recipients, RecipientConfig{Address: strings.TrimSpace(r.Address), Percent: r.Percent})
	}

	for _, d := range fc.Daemons {
		dc := DaemonConfig{
			Host:       strings.TrimSpace(d.Host),
			Port:       d.Port,
			User:       d.User,
			Password:   d.Password,
			CookiePath: strings.TrimSpace(d.CookiePath),
			TLS:        d.TLS,
		}
		if d.TimeoutSeconds != nil {
			dc.Timeout = time.Duration(*d.TimeoutSeconds) * time.Second
		}
		cfg.Daemons = append(cfg.Daemons, dc)
	}

	for key, pc := range fc.Ports {
		port, err := strconv.Atoi(strings.TrimSpace(key))
		if err != nil {
			return fmt.Errorf("ports.%s: invalid port number", key)
		}
		out := PortConfig{Port: port, Diff: defaultStratumDifficulty, TLS: pc.TLS}
		if pc.Diff != nil {
			out.Diff = *pc.Diff
		}
		if pc.VarDiff != nil {
			vd := defaultVarDiffConfig()
			applyVarDiffFile(&vd, *pc.VarDiff)
			out.VarDiff = &vd
		}
		cfg.Ports = append(cfg.Ports, out)
	}
	sortPorts(cfg.Ports)

	s := fc.Stratum
	cfg.BindAddr = strings.TrimSpace(s.Bind)
	if s.ConnectionTimeoutSeconds != nil {
		cfg.ConnectionTimeout = time.Duration(*s.ConnectionTimeoutSeconds) * time.Second
	}
	if s.JobRebroadcastTimeoutSeconds != nil {
		cfg.JobRebroadcastTimeout = time.Duration(*s.JobRebroadcastTimeoutSeconds) * time.Second
	}
	if s.BlockRefreshIntervalMs != nil {
		cfg.BlockRefreshInterval = time.Duration(*s.BlockRefreshIntervalMs) * time.Millisecond
	}
	cfg.TCPProxyProtocol = s.TCPProxyProtocol
	cfg.TLSCertFile = strings.TrimSpace(s.TLSCertFile)
	cfg.TLSKeyFile = strings.TrimSpace(s.TLSKeyFile)
	cfg.StratumPasswordEnabled = s.PasswordEnabled
	cfg.StratumPassword = s.Password
	cfg.StratumJWTEnabled = s.JWTEnabled

	b := fc.Banning
	if b.Enabled != nil {
		cfg.Banning.Enabled = *b.Enabled
	}
	if b.CheckThreshold != nil {
		cfg.Banning.CheckThreshold = *b.CheckThreshold
	}
	if b.InvalidPercent != nil {
		cfg.Banning.InvalidPercent = *b.InvalidPercent
	}
	if b.PurgeIntervalSeconds != nil {
		cfg.Banning.PurgeInterval = time.Duration(*b.PurgeIntervalSeconds) * time.Second
	}
	if b.TimeSeconds != nil {
		cfg.Banning.Time = time.Duration(*b.TimeSeconds) * time.Second
	}

	cfg.P2P.Enabled = fc.P2P.Enabled
	cfg.P2P.Host = strings.TrimSpace(fc.P2P.Host)
	cfg.P2P.Port = fc.P2P.Port
	if fc.P2P.DisableTransactions != nil {
		cfg.P2P.DisableTransactions = *fc.P2P.DisableTransactions
	}

	v := fc.Validator
	if v.Mode != "" {
		cfg.Validator.Mode = strings.ToLower(strings.TrimSpace(v.Mode))
	}
	cfg.Validator.Host = strings.TrimSpace(v.Host)
	cfg.Validator.Port = v.Port
	if v.MaxInFlight != nil {
		cfg.Validator.MaxInFlight = *v.MaxInFlight
	}
	if v.TimeoutSeconds != nil {
		cfg.Validator.Timeout = time.Duration(*v.TimeoutSeconds) * time.Second
	}

	cfg.ZMQHashBlockAddr = strings.TrimSpace(fc.ZMQ.HashBlockAddr)
	cfg.DiscordNotifyChannelID = strings.TrimSpace(fc.Discord.NotifyChannelID)
	if fc.Logging.Level != "" {
		cfg.LogLevel = fc.Logging.Level
	}
	return nil
}

func applyVarDiffFile(vd *VarDiffConfig, fc varDiffFileConfig) {
	if fc.MinDiff != nil {
		vd.MinDiff = *fc.MinDiff
	}
	if fc.MaxDiff != nil {
		vd.MaxDiff = *fc.MaxDiff
	}
	if fc.TargetTime != nil {
		vd.TargetTime = *fc.TargetTime
	}
	if fc.RetargetTime != nil {
		vd.RetargetTime = *fc.RetargetTime
	}
	if fc.VariancePercent != nil {
		vd.VariancePercent = *fc.VariancePercent
	}
	vd.X2Mode = fc.X2Mode
}

// applySecretsConfig fills daemon credentials that the main file left
// empty and loads the optional tokens.
func applySecretsConfig(cfg *Config, sc secretsConfig) {
	for i := range cfg.Daemons {
		d := &cfg.Daemons[i]
		if d.CookiePath != "" || d.User != "" || d.Password != "" {
			continue
		}
		d.User = strings.TrimSpace(sc.RPCUser)
		d.Password = strings.TrimSpace(sc.RPCPass)
	}
	if sc.DiscordBotToken != "" {
		cfg.DiscordBotToken = strings.TrimSpace(sc.DiscordBotToken)
	}
	if sc.StratumJWTSecret != "" {
		cfg.StratumJWTSecret = sc.StratumJWTSecret
	}
}

func logDirFor(cfg Config) string {
	dir := cfg.DataDir
	if dir == "" {
		dir = defaultDataDir
	}
	return filepath.Join(dir, "logs")
}
