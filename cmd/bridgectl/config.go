package main

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/protocol/session"
)

// cliConfig is the resolved bridgectl setup: base config file, then the
// local override file, then flags.
type cliConfig struct {
	Endpoint    string
	Addr        string
	CorsOrigins []string
	Reconnect   bool
	APIToken    string
	Session     session.Config
}

// overrideFile holds per-machine tweaks layered over the shared config. Only
// keys present in the file apply.
type overrideFile struct {
	Endpoint       string   `toml:"endpoint"`
	Addr           string   `toml:"addr"`
	CorsOrigins    []string `toml:"cors_origins"`
	Reconnect      bool     `toml:"reconnect"`
	APIToken       string   `toml:"api_token"`
	ConnectTimeout string   `toml:"connect_timeout"`
	IdleTimeout    string   `toml:"idle_timeout"`
	QueryTimeout   string   `toml:"query_timeout"`
	HighWaterMark  int      `toml:"high_water_mark"`
	WriteRate      float64  `toml:"write_rate"`
	ReadChunkSize  int      `toml:"read_chunk_size"`
	WriteChunkSize int      `toml:"write_chunk_size"`
}

func defaultCLIConfig() cliConfig {
	return cliConfig{
		Endpoint:  "ws://localhost:5678/",
		Addr:      ":9300",
		Reconnect: true,
		Session:   session.DefaultConfig(),
	}
}

func resolveConfig(opts globalOptions) (cliConfig, error) {
	cfg := defaultCLIConfig()
	if opts.configPath != "" {
		if err := applyBaseConfig(&cfg, opts.configPath, opts.configExplicit); err != nil {
			return cliConfig{}, err
		}
	}
	if opts.overridePath != "" {
		if err := applyOverrideFile(&cfg, opts.overridePath); err != nil {
			return cliConfig{}, err
		}
	}
	if ep := strings.TrimSpace(opts.endpoint); ep != "" {
		cfg.Endpoint = ep
	}
	if opts.noReconnect {
		cfg.Reconnect = false
	}
	if err := config.ValidateEndpoint(cfg.Endpoint); err != nil {
		return cliConfig{}, err
	}
	cfg.Session = cfg.Session.WithDefaults()
	return cfg, nil
}

// applyBaseConfig loads the shared bridge config. A missing default path is
// not an error; a missing explicit path is.
func applyBaseConfig(cfg *cliConfig, path string, explicit bool) error {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) && !explicit {
		return nil
	}
	base, err := config.LoadBridgeConfig(path)
	if err != nil {
		return err
	}
	cfg.Endpoint = base.Endpoint
	cfg.Addr = base.Addr
	cfg.CorsOrigins = base.CorsOrigins
	cfg.APIToken = base.APIToken
	cfg.Session = base.Session.ToSession()
	return nil
}

func applyOverrideFile(cfg *cliConfig, path string) error {
	var raw overrideFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load bridgectl overrides: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("unknown override key %q", undecoded[0].String())
	}

	if meta.IsDefined("endpoint") {
		cfg.Endpoint = strings.TrimSpace(raw.Endpoint)
	}
	if meta.IsDefined("addr") {
		cfg.Addr = strings.TrimSpace(raw.Addr)
	}
	if meta.IsDefined("cors_origins") {
		cfg.CorsOrigins = raw.CorsOrigins
	}
	if meta.IsDefined("reconnect") {
		cfg.Reconnect = raw.Reconnect
	}
	if meta.IsDefined("api_token") {
		cfg.APIToken = strings.TrimSpace(raw.APIToken)
	}
	for key, dst := range map[string]*time.Duration{
		"connect_timeout": &cfg.Session.ConnectTimeout,
		"idle_timeout":    &cfg.Session.IdleTimeout,
		"query_timeout":   &cfg.Session.QueryTimeout,
	} {
		if !meta.IsDefined(key) {
			continue
		}
		d, err := time.ParseDuration(strings.TrimSpace(durationField(raw, key)))
		if err != nil {
			return fmt.Errorf("parse %s: %w", key, err)
		}
		*dst = d
	}
	if meta.IsDefined("high_water_mark") {
		cfg.Session.HighWaterMark = raw.HighWaterMark
	}
	if meta.IsDefined("write_rate") {
		cfg.Session.WriteRate = raw.WriteRate
	}
	if meta.IsDefined("read_chunk_size") {
		cfg.Session.ReadChunkSize = raw.ReadChunkSize
	}
	if meta.IsDefined("write_chunk_size") {
		cfg.Session.WriteChunkSize = raw.WriteChunkSize
	}
	return nil
}

func durationField(raw overrideFile, key string) string {
	switch key {
	case "connect_timeout":
		return raw.ConnectTimeout
	case "idle_timeout":
		return raw.IdleTimeout
	case "query_timeout":
		return raw.QueryTimeout
	default:
		return ""
	}
}
