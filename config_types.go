package main

import (
	"fmt"
	"net"
	"sort"
	"strconv"
	"time"
)

var secretsConfigExample = []byte(`# RPC credentials used for every [[daemons]] entry that does not set its
# own user/password or cookie_path.
rpc_user = "ravenrpc"
rpc_pass = "password"

# Optional Discord bot token for found-block notices.
# discord_token = "YOUR_DISCORD_BOT_TOKEN"

# Optional HS256 secret for token-gated mining.authorize.
# stratum_jwt_secret = "change-me"
`)

type Config struct {
	DataDir string

	// Coin and payout.
	CoinName         string
	CoinSymbol       string
	Algorithm        string
	RewardType       string // POW or POS, refined at startup from the daemon
	PoolAddress      string
	Testnet          bool
	PeerMagic        string
	PeerMagicTestnet string
	Recipients       []RecipientConfig

	Daemons []DaemonConfig

	// Stratum.
	BindAddr              string
	Ports                 []PortConfig
	ConnectionTimeout     time.Duration
	JobRebroadcastTimeout time.Duration
	BlockRefreshInterval  time.Duration
	TCPProxyProtocol      bool
	TLSCertFile           string
	TLSKeyFile            string
	// Stratum auth (optional; when enabled, require miners to send the
	// password or a signed token in mining.authorize).
	StratumPasswordEnabled bool
	StratumPassword        string
	StratumJWTEnabled      bool
	StratumJWTSecret       string

	Banning BanningConfig
	P2P     P2PConfig

	Validator ValidatorConfig

	ZMQHashBlockAddr string

	// Discord integration.
	DiscordBotToken        string // store in secrets.toml
	DiscordNotifyChannelID string

	LogLevel string
}

type RecipientConfig struct {
	Address string
	Percent float64
}

type DaemonConfig struct {
	Host       string
	Port       int
	User       string
	Password   string
	CookiePath string
	TLS        bool
	Timeout    time.Duration
}

func (d DaemonConfig) URL() string {
	scheme := "http"
	if d.TLS {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, net.JoinHostPort(d.Host, strconv.Itoa(d.Port)))
}

type PortConfig struct {
	Port    int
	Diff    float64
	TLS     bool
	VarDiff *VarDiffConfig
}

// VarDiffConfig times are in seconds.
type VarDiffConfig struct {
	MinDiff         float64
	MaxDiff         float64
	TargetTime      float64
	RetargetTime    float64
	VariancePercent float64
	X2Mode          bool
}

type BanningConfig struct {
	Enabled        bool
	CheckThreshold int
	InvalidPercent float64
	PurgeInterval  time.Duration
	Time           time.Duration
}

type P2PConfig struct {
	Enabled             bool
	Host                string
	Port                int
	DisableTransactions bool
}

const (
	validatorModeDaemon  = "daemon"
	validatorModeKawpowd = "kawpowd"
)

type ValidatorConfig struct {
	Mode        string
	Host        string
	Port        int
	MaxInFlight int
	Timeout     time.Duration
}

func sortPorts(ports []PortConfig) {
	sort.Slice(ports, func(i, j int) bool { return ports[i].Port < ports[j].Port })
}

func (c Config) peerMagic() string {
	if c.Testnet {
		return c.PeerMagicTestnet
	}
	return c.PeerMagic
}
