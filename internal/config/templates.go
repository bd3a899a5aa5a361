package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bridge":
		return bridgeTemplate, nil
	case "devicesim":
		return deviceSimTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

// Kinds lists the template names Template accepts.
func Kinds() []string {
	return []string{"bridge", "devicesim"}
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

// Validate loads path as kind and reports any error.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "bridge":
		_, err := LoadBridgeConfig(path)
		return err
	case "devicesim":
		_, err := LoadDeviceSimConfig(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}

const bridgeTemplate = `endpoint = "ws://localhost:5678/"
addr = ":9300"
cors_origins = ["http://localhost:3000"]
api_token = ""

[session]
connect_timeout = "5s"
bootstrap_timeout = "10s"
query_timeout = "5s"
idle_timeout = "30s"
write_timeout = "5s"
read_chunk_size = 1024
write_chunk_size = 10240
high_water_mark = 20
write_rate = 0.0

[session.backoff]
initial_delay = "250ms"
multiplier = 2.0
max_delay = "5s"
jitter = true
`

const deviceSimTemplate = `addr = ":5678"
path = "/"
instances = 3
ack_delay = "0s"

[[files]]
filetype = "datafile"
filename = "hello.txt"
data = "hello from the device simulator"
`
