package main

import (
	"os"
	"path/filepath"
)

var exampleConfig = []byte(`# kawpool config.toml example. Copy to config/config.toml and edit.

data_dir = "data"

[pool]
coin = "ravencoin"
symbol = "RVN"
algorithm = "kawpow"
reward = "POW"
address = "RAVENCOIN_POOL_ADDRESS"
testnet = false
# peer_magic = "5241564e"
# peer_magic_testnet = "52564e54"

# [[pool.recipients]]
# address = "RECIPIENT_ADDRESS"
# percent = 0.5

[[daemons]]
host = "127.0.0.1"
port = 8766
# cookie_path = "/home/raven/.raven/.cookie"

[ports.3333]
diff = 0.05

[ports.3333.var_diff]
min_diff = 0.025
max_diff = 1024.0
target_time = 10.0
retarget_time = 60.0
variance_percent = 30.0
x2mode = false

[ports.3334]
diff = 0.1
tls = true

[stratum]
bind = ""
connection_timeout = 600
job_rebroadcast_timeout = 25
block_refresh_interval_ms = 400
tcp_proxy_protocol = false
password_enabled = false
jwt_enabled = false

[banning]
enabled = true
check_threshold = 500
invalid_percent = 50.0
purge_interval = 300
time = 600

[p2p]
enabled = false
host = "127.0.0.1"
port = 8767
disable_transactions = true

[validator]
# "daemon" calls getkawpowhash, "kawpowd" queries an HTTP validator.
mode = "daemon"
# host = "127.0.0.1"
# port = 9001

[zmq]
# hashblock_addr = "tcp://127.0.0.1:28332"

[discord]
# notify_channel_id = ""

[logging]
level = "info"
`)

func ensureExampleFiles(dataDir string) {
	if dataDir == "" {
		dataDir = defaultDataDir
	}
	examplesDir := filepath.Join(dataDir, "config", "examples")
	if err := os.MkdirAll(examplesDir, 0o755); err != nil {
		logger.Warn("create examples directory for example configs failed", "dir", examplesDir, "error", err)
		return
	}
	ensureExampleFile(filepath.Join(examplesDir, "config.toml.example"), exampleConfig)
	ensureExampleFile(filepath.Join(examplesDir, "secrets.toml.example"), secretsConfigExample)
}

func ensureExampleFile(path string, contents []byte) {
	if len(contents) == 0 {
		return
	}
	if err := os.WriteFile(path, contents, 0o644); err != nil {
		logger.Warn("write example config failed", "path", path, "error", err)
	}
}
