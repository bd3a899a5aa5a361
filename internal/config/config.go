package config

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// BridgeConfig configures bridgectl: the device endpoint, the status API
// listener and protocol tuning.
type BridgeConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Addr        string        `toml:"addr"`
	CorsOrigins []string      `toml:"cors_origins"`
	APIToken    string        `toml:"api_token"`
	Session     SessionConfig `toml:"session"`
}

// SessionConfig mirrors session.Config. Zero values keep the defaults.
type SessionConfig struct {
	ConnectTimeout   Duration `toml:"connect_timeout"`
	BootstrapTimeout Duration `toml:"bootstrap_timeout"`
	QueryTimeout     Duration `toml:"query_timeout"`
	IdleTimeout      Duration `toml:"idle_timeout"`
	WriteTimeout     Duration `toml:"write_timeout"`
	ReadChunkSize    int      `toml:"read_chunk_size"`
	WriteChunkSize   int      `toml:"write_chunk_size"`
	HighWaterMark    int      `toml:"high_water_mark"`
	WriteRate        float64  `toml:"write_rate"`
	MaxBinaryBytes   int      `toml:"max_binary_bytes"`
	MaxTextBytes     int      `toml:"max_text_bytes"`
	Backoff          Backoff  `toml:"backoff"`
}

type Backoff struct {
	InitialDelay Duration `toml:"initial_delay"`
	Multiplier   float64  `toml:"multiplier"`
	MaxDelay     Duration `toml:"max_delay"`
	Jitter       *bool    `toml:"jitter"`
}

// DeviceSimConfig configures the device simulator.
type DeviceSimConfig struct {
	Addr      string       `toml:"addr"`
	Path      string       `toml:"path"`
	Instances int          `toml:"instances"`
	AckDelay  Duration     `toml:"ack_delay"`
	Files     []FileConfig `toml:"files"`
}

// FileConfig seeds one simulator file. Data is stored verbatim.
type FileConfig struct {
	Filetype string `toml:"filetype"`
	Filename string `toml:"filename"`
	Data     string `toml:"data"`
}

// Duration decodes TOML strings such as "250ms" or "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

func LoadBridgeConfig(path string) (BridgeConfig, error) {
	var cfg BridgeConfig
	if err := loadToml(path, &cfg); err != nil {
		return BridgeConfig{}, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9300"
	}
	if err := ValidateBridgeConfig(cfg); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func LoadDeviceSimConfig(path string) (DeviceSimConfig, error) {
	var cfg DeviceSimConfig
	if err := loadToml(path, &cfg); err != nil {
		return DeviceSimConfig{}, err
	}
	if cfg.Addr == "" {
		cfg.Addr = ":5678"
	}
	if cfg.Path == "" {
		cfg.Path = "/"
	}
	if err := ValidateDeviceSimConfig(cfg); err != nil {
		return DeviceSimConfig{}, err
	}
	return cfg, nil
}

func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	if err := toml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateBridgeConfig(cfg BridgeConfig) error {
	if err := ValidateEndpoint(cfg.Endpoint); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("bridge config missing addr")
	}
	if err := ValidateSessionConfig(cfg.Session); err != nil {
		return fmt.Errorf("session invalid: %w", err)
	}
	return nil
}

// ValidateEndpoint requires a ws:// or wss:// URL with a host.
func ValidateEndpoint(endpoint string) error {
	endpoint = strings.TrimSpace(endpoint)
	if endpoint == "" {
		return fmt.Errorf("bridge config missing endpoint")
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("endpoint invalid: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("endpoint scheme must be ws or wss: %s", endpoint)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint missing host: %s", endpoint)
	}
	return nil
}

func ValidateSessionConfig(cfg SessionConfig) error {
	for name, d := range map[string]Duration{
		"connect_timeout":   cfg.ConnectTimeout,
		"bootstrap_timeout": cfg.BootstrapTimeout,
		"query_timeout":     cfg.QueryTimeout,
		"idle_timeout":      cfg.IdleTimeout,
		"write_timeout":     cfg.WriteTimeout,
	} {
		if d.Duration < 0 {
			return fmt.Errorf("%s must not be negative", name)
		}
	}
	if cfg.ReadChunkSize < 0 || cfg.WriteChunkSize < 0 {
		return fmt.Errorf("chunk sizes must not be negative")
	}
	if cfg.HighWaterMark < 0 {
		return fmt.Errorf("high_water_mark must not be negative")
	}
	if cfg.WriteRate < 0 {
		return fmt.Errorf("write_rate must not be negative")
	}
	if cfg.Backoff.Multiplier != 0 && cfg.Backoff.Multiplier < 1 {
		return fmt.Errorf("backoff multiplier must be at least 1")
	}
	if cfg.Backoff.MaxDelay.Duration > 0 && cfg.Backoff.MaxDelay.Duration < cfg.Backoff.InitialDelay.Duration {
		return fmt.Errorf("backoff max_delay below initial_delay")
	}
	return nil
}

func ValidateDeviceSimConfig(cfg DeviceSimConfig) error {
	if strings.TrimSpace(cfg.Addr) == "" {
		return fmt.Errorf("devicesim config missing addr")
	}
	if !strings.HasPrefix(cfg.Path, "/") {
		return fmt.Errorf("devicesim path must start with /")
	}
	if cfg.Instances < 0 {
		return fmt.Errorf("instances must not be negative")
	}
	for i, f := range cfg.Files {
		if strings.TrimSpace(f.Filetype) == "" || strings.TrimSpace(f.Filename) == "" {
			return fmt.Errorf("files[%d] requires filetype and filename", i)
		}
	}
	return nil
}
