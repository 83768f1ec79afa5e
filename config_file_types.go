package main

type poolFileConfig struct {
	Coin             string                `toml:"coin"`
	Symbol           string                `toml:"symbol"`
	Algorithm        string                `toml:"algorithm"`
	Reward           string                `toml:"reward"`
	Address          string                `toml:"address"`
	Testnet          *bool                 `toml:"testnet"`
	PeerMagic        string                `toml:"peer_magic"`
	PeerMagicTestnet string                `toml:"peer_magic_testnet"`
	Recipients       []recipientFileConfig `toml:"recipients"`
}

type recipientFileConfig struct {
	Address string  `toml:"address"`
	Percent float64 `toml:"percent"`
}

type daemonFileConfig struct {
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	User           string `toml:"user"`
	Password       string `toml:"password"`
	CookiePath     string `toml:"cookie_path"`
	TLS            bool   `toml:"tls"`
	TimeoutSeconds *int   `toml:"timeout_seconds"`
}

type varDiffFileConfig struct {
	MinDiff         *float64 `toml:"min_diff"`
	MaxDiff         *float64 `toml:"max_diff"`
	TargetTime      *float64 `toml:"target_time"`
	RetargetTime    *float64 `toml:"retarget_time"`
	VariancePercent *float64 `toml:"variance_percent"`
	X2Mode          bool     `toml:"x2mode"`
}

type portFileConfig struct {
	Diff    *float64           `toml:"diff"`
	TLS     bool               `toml:"tls"`
	VarDiff *varDiffFileConfig `toml:"var_diff"`
}

type stratumFileConfig struct {
	Bind                         string `toml:"bind"`
	ConnectionTimeoutSeconds     *int   `toml:"connection_timeout"`
	JobRebroadcastTimeoutSeconds *int   `toml:"job_rebroadcast_timeout"`
	BlockRefreshIntervalMs       *int   `toml:"block_refresh_interval_ms"`
	TCPProxyProtocol             bool   `toml:"tcp_proxy_protocol"`
	TLSCertFile                  string `toml:"tls_cert_file"`
	TLSKeyFile                   string `toml:"tls_key_file"`
	PasswordEnabled              bool   `toml:"password_enabled"`
	Password                     string `toml:"password"`
	JWTEnabled                   bool   `toml:"jwt_enabled"`
}

type banningFileConfig struct {
	Enabled              *bool    `toml:"enabled"`
	CheckThreshold       *int     `toml:"check_threshold"`
	InvalidPercent       *float64 `toml:"invalid_percent"`
	PurgeIntervalSeconds *int     `toml:"purge_interval"`
	TimeSeconds          *int     `toml:"time"`
}

type p2pFileConfig struct {
	Enabled             bool   `toml:"enabled"`
	Host                string `toml:"host"`
	Port                int    `toml:"port"`
	DisableTransactions *bool  `toml:"disable_transactions"`
}

type validatorFileConfig struct {
	Mode           string `toml:"mode"`
	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	MaxInFlight    *int   `toml:"max_in_flight"`
	TimeoutSeconds *int   `toml:"timeout_seconds"`
}

type zmqFileConfig struct {
	HashBlockAddr string `toml:"hashblock_addr"`
}

type discordFileConfig struct {
	NotifyChannelID string `toml:"notify_channel_id"`
}

type loggingConfig struct {
	Level string `toml:"level"`
}

type baseFileConfig struct {
	DataDir   string                    `toml:"data_dir"`
	Pool      poolFileConfig            `toml:"pool"`
	Daemons   []daemonFileConfig        `toml:"daemons"`
	Ports     map[string]portFileConfig `toml:"ports"`
	Stratum   stratumFileConfig         `toml:"stratum"`
	Banning   banningFileConfig         `toml:"banning"`
	P2P       p2pFileConfig             `toml:"p2p"`
	Validator validatorFileConfig       `toml:"validator"`
	ZMQ       zmqFileConfig             `toml:"zmq"`
	Discord   discordFileConfig         `toml:"discord"`
	Logging   loggingConfig             `toml:"logging"`
}

type secretsConfig struct {
	RPCUser          string `toml:"rpc_user"`
	RPCPass          string `toml:"rpc_pass"`
	DiscordBotToken  string `toml:"discord_token"`
	StratumJWTSecret string `toml:"stratum_jwt_secret"`
}
