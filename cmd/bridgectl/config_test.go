package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/config"
	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
)

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

func TestResolveConfigDefaultsWhenBaseMissing(t *testing.T) {
	testlog.Start(t)
	cfg, err := resolveConfig(globalOptions{configPath: filepath.Join(t.TempDir(), "absent.toml")})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Endpoint != "ws://localhost:5678/" || cfg.Addr != ":9300" || !cfg.Reconnect {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Session != session.DefaultConfig() {
		t.Fatalf("session drifted from defaults: %+v", cfg.Session)
	}

	_, err = resolveConfig(globalOptions{configPath: filepath.Join(t.TempDir(), "absent.toml"), configExplicit: true})
	if err == nil {
		t.Fatalf("explicit missing config must fail")
	}
}

func TestResolveConfigLayersBaseOverrideAndFlags(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	base := filepath.Join(dir, "config.toml")
	if err := config.WriteTemplate(base, "bridge", false); err != nil {
		t.Fatalf("template: %v", err)
	}
	override := writeFile(t, dir, "local.toml", `
addr = "127.0.0.1:9400"
idle_timeout = "90s"
high_water_mark = 8
reconnect = false
api_token = " local-token "
`)
	cfg, err := resolveConfig(globalOptions{
		configPath:   base,
		overridePath: override,
		endpoint:     "ws://10.0.0.7:5678/",
	})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Endpoint != "ws://10.0.0.7:5678/" {
		t.Fatalf("flag endpoint not applied: %q", cfg.Endpoint)
	}
	if cfg.Addr != "127.0.0.1:9400" || cfg.Reconnect || cfg.APIToken != "local-token" {
		t.Fatalf("override not applied: %+v", cfg)
	}
	if cfg.Session.IdleTimeout != 90*time.Second || cfg.Session.HighWaterMark != 8 {
		t.Fatalf("session override not applied: %+v", cfg.Session)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second || len(cfg.CorsOrigins) != 1 {
		t.Fatalf("undefined keys must keep base values: %+v", cfg)
	}
}

func TestOverrideRejectsUnknownAndBadValues(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	cfg := defaultCLIConfig()
	if err := applyOverrideFile(&cfg, writeFile(t, dir, "typo.toml", "idle_timout = \"1s\"\n")); err == nil {
		t.Fatalf("expected unknown key error")
	}
	if err := applyOverrideFile(&cfg, writeFile(t, dir, "bad.toml", "idle_timeout = \"later\"\n")); err == nil {
		t.Fatalf("expected duration error")
	}
	if _, err := resolveConfig(globalOptions{endpoint: "http://device/"}); err == nil {
		t.Fatalf("expected endpoint scheme error")
	}
}
