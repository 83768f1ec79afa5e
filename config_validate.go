package main

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

var errUnsupportedAlgorithm = errors.New("unsupported algorithm")

func validateConfig(cfg Config) error {
	if cfg.Algorithm != defaultAlgorithm {
		return fmt.Errorf("%w: %q (only %s is supported)", errUnsupportedAlgorithm, cfg.Algorithm, defaultAlgorithm)
	}
	if cfg.RewardType != "POW" && cfg.RewardType != "POS" {
		return fmt.Errorf("pool.reward must be POW or POS, got %q", cfg.RewardType)
	}
	if len(cfg.Daemons) == 0 {
		return errNoDaemons
	}
	for i, d := range cfg.Daemons {
		if strings.TrimSpace(d.Host) == "" {
			return fmt.Errorf("daemons[%d]: host is required", i)
		}
		if d.Port <= 0 || d.Port > 65535 {
			return fmt.Errorf("daemons[%d]: port %d out of range", i, d.Port)
		}
	}
	if strings.TrimSpace(cfg.PoolAddress) == "" {
		return fmt.Errorf("pool.address is required for coinbase outputs")
	}
	params := chainParamsFor(cfg.Testnet)
	if _, err := scriptForAddress(cfg.PoolAddress, params); err != nil {
		return fmt.Errorf("pool.address: %w", err)
	}
	total := 0.0
	for i, r := range cfg.Recipients {
		if _, err := scriptForAddress(r.Address, params); err != nil {
			return fmt.Errorf("pool.recipients[%d]: %w", i, err)
		}
		if r.Percent <= 0 || math.IsNaN(r.Percent) {
			return fmt.Errorf("pool.recipients[%d]: percent must be > 0", i)
		}
		total += r.Percent
	}
	if total >= 100 {
		return fmt.Errorf("pool.recipients: percentages sum to %g, must be below 100", total)
	}

	if len(cfg.Ports) == 0 {
		return fmt.Errorf("at least one stratum port is required")
	}
	for _, p := range cfg.Ports {
		if p.Port <= 0 || p.Port > 65535 {
			return fmt.Errorf("ports.%d: out of range", p.Port)
		}
		if p.Diff <= 0 {
			return fmt.Errorf("ports.%d: diff must be > 0", p.Port)
		}
		if p.VarDiff != nil {
			if err := validateVarDiff(*p.VarDiff); err != nil {
				return fmt.Errorf("ports.%d.var_diff: %w", p.Port, err)
			}
		}
	}
	if cfg.ConnectionTimeout <= 0 {
		return fmt.Errorf("stratum.connection_timeout must be > 0")
	}
	if cfg.JobRebroadcastTimeout <= 0 {
		return fmt.Errorf("stratum.job_rebroadcast_timeout must be > 0")
	}
	if cfg.BlockRefreshInterval < 0 {
		return fmt.Errorf("stratum.block_refresh_interval_ms cannot be negative")
	}
	if cfg.StratumJWTEnabled && strings.TrimSpace(cfg.StratumJWTSecret) == "" {
		return fmt.Errorf("stratum_jwt_secret must be set in secrets.toml when jwt_enabled is set")
	}
	if (cfg.TLSCertFile == "") != (cfg.TLSKeyFile == "") {
		return fmt.Errorf("stratum.tls_cert_file and tls_key_file must be set together")
	}

	if cfg.Banning.Enabled {
		if cfg.Banning.CheckThreshold <= 0 {
			return fmt.Errorf("banning.check_threshold must be > 0")
		}
		if cfg.Banning.InvalidPercent <= 0 || cfg.Banning.InvalidPercent > 100 {
			return fmt.Errorf("banning.invalid_percent must be in (0, 100]")
		}
		if cfg.Banning.Time <= 0 || cfg.Banning.PurgeInterval <= 0 {
			return fmt.Errorf("banning.time and banning.purge_interval must be > 0")
		}
	}

	if cfg.P2P.Enabled {
		if cfg.P2P.Host == "" || cfg.P2P.Port <= 0 || cfg.P2P.Port > 65535 {
			return fmt.Errorf("p2p.host and p2p.port are required when p2p is enabled")
		}
		if len(cfg.peerMagic()) != 8 {
			return fmt.Errorf("peer magic must be 4 bytes of hex, got %q", cfg.peerMagic())
		}
	}

	switch cfg.Validator.Mode {
	case validatorModeDaemon:
	case validatorModeKawpowd:
		if cfg.Validator.Host == "" || cfg.Validator.Port <= 0 {
			return fmt.Errorf("validator.host and validator.port are required for kawpowd mode")
		}
		if cfg.Validator.MaxInFlight <= 0 {
			return fmt.Errorf("validator.max_in_flight must be > 0")
		}
	default:
		return fmt.Errorf("validator.mode must be %q or %q, got %q", validatorModeDaemon, validatorModeKawpowd, cfg.Validator.Mode)
	}

	if cfg.DiscordBotToken != "" && cfg.DiscordNotifyChannelID == "" {
		return fmt.Errorf("discord.notify_channel_id is required when a discord token is set")
	}
	if _, err := parseLogLevel(cfg.LogLevel); err != nil {
		return err
	}
	return nil
}

func validateVarDiff(vd VarDiffConfig) error {
	if vd.MinDiff <= 0 {
		return fmt.Errorf("min_diff must be > 0")
	}
	if vd.MaxDiff < vd.MinDiff {
		return fmt.Errorf("max_diff must be >= min_diff")
	}
	if vd.TargetTime <= 0 || vd.RetargetTime <= 0 {
		return fmt.Errorf("target_time and retarget_time must be > 0")
	}
	if vd.VariancePercent < 0 || vd.VariancePercent >= 100 {
		return fmt.Errorf("variance_percent must be in [0, 100)")
	}
	return nil
}
