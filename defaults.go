package main

import (
	"path/filepath"
	"time"
)

const (
	defaultDataDir               = "data"
	defaultCoinName              = "ravencoin"
	defaultCoinSymbol            = "RVN"
	defaultAlgorithm             = "kawpow"
	defaultRewardType            = "POW"
	defaultPeerMagic             = "5241564e"
	defaultPeerMagicTestnet      = "52564e54"
	defaultConnectionTimeout     = 600 * time.Second
	defaultJobRebroadcastTimeout = 25 * time.Second
	defaultBlockRefreshInterval  = 400 * time.Millisecond
	defaultBanCheckThreshold     = 500
	defaultBanInvalidPercent     = 50
	defaultBanPurgeInterval      = 300 * time.Second
	defaultBanTime               = 600 * time.Second
	defaultValidatorMaxInFlight  = 64
	defaultValidatorTimeout      = 10 * time.Second
	defaultProtocolVersion       = 70028
)

func defaultConfig() Config {
	return Config{
		DataDir:               defaultDataDir,
		CoinName:              defaultCoinName,
		CoinSymbol:            defaultCoinSymbol,
		Algorithm:             defaultAlgorithm,
		RewardType:            defaultRewardType,
		PeerMagic:             defaultPeerMagic,
		PeerMagicTestnet:      defaultPeerMagicTestnet,
		ConnectionTimeout:     defaultConnectionTimeout,
		JobRebroadcastTimeout: defaultJobRebroadcastTimeout,
		BlockRefreshInterval:  defaultBlockRefreshInterval,
		Banning: BanningConfig{
			Enabled:        true,
			CheckThreshold: defaultBanCheckThreshold,
			InvalidPercent: defaultBanInvalidPercent,
			PurgeInterval:  defaultBanPurgeInterval,
			Time:           defaultBanTime,
		},
		P2P: P2PConfig{
			DisableTransactions: true,
		},
		Validator: ValidatorConfig{
			Mode:        validatorModeDaemon,
			MaxInFlight: defaultValidatorMaxInFlight,
			Timeout:     defaultValidatorTimeout,
		},
		LogLevel: "info",
	}
}

func defaultVarDiffConfig() VarDiffConfig {
	return VarDiffConfig{
		MinDiff:         0.05,
		MaxDiff:         1024,
		TargetTime:      10,
		RetargetTime:    60,
		VariancePercent: 30,
	}
}

func defaultConfigPath() string {
	return filepath.Join(defaultDataDir, "config", "config.toml")
}

func defaultSecretsPath(dataDir string) string {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	return filepath.Join(dataDir, "config", "secrets.toml")
}
