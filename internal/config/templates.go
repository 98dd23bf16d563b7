package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "", "rpc":
		return rpcTemplate, nil
	case "p2p":
		return p2pTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const rpcTemplate = `role = "rpc"
network = "mainnet"
# host = "127.0.0.1"
# port = 16110
idle_timeout = "0s"

[timeouts]
connect = "10s"
request = "2s"

[autoconnect]
conn_timeout = "10s"
max_latency = "500ms"
min_version = "0.12.0"

[retry]
max_attempts = 3
wait = "1s"
new_conn_on_exhaustion = true

[discovery]
retry_wait = "100ms"
probe_timeout = "500ms"
scan_interval = "60s"
max_nodes = 64

[tls]
mode = "development"
enabled = false

[log]
level = "info"

[metrics]
# addr = "127.0.0.1:9310"
`

const p2pTemplate = `role = "p2p"
network = "mainnet"

[timeouts]
connect = "10s"
handshake = "5s"
request = "2s"

[autoconnect]
conn_timeout = "10s"
max_latency = "500ms"
min_protocol = 5

[retry]
max_attempts = 3
wait = "1s"

[subscriptions]
callback_workers = 16
filter_inventory = true

[log]
level = "info"
`
