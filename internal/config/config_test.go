package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/edgelink/internal/protocol/session"
	"github.com/danmuck/edgelink/internal/testutil/testlog"
	"github.com/google/go-cmp/cmp"
)

func TestTemplatesLoadAndValidate(t *testing.T) {
	testlog.Start(t)
	dir := t.TempDir()
	for _, kind := range Kinds() {
		path := filepath.Join(dir, kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := Validate(path, kind); err != nil {
			t.Fatalf("validate %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected overwrite refusal for %s", kind)
		}
	}
	if _, err := Template("ghost"); err == nil {
		t.Fatalf("expected unknown kind error")
	}
}

func TestBridgeTemplateMatchesDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bridge.toml")
	if err := WriteTemplate(path, "bridge", false); err != nil {
		t.Fatalf("write template: %v", err)
	}
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if diff := cmp.Diff(session.DefaultConfig(), cfg.Session.ToSession()); diff != "" {
		t.Fatalf("template drifted from defaults (-want +got):\n%s", diff)
	}
}

func TestSessionOverridesAndDefaults(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bridge.toml")
	body := `endpoint = "wss://device.local:5678/"

[session]
idle_timeout = "2m"
high_water_mark = 4

[session.backoff]
jitter = false
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Addr != ":9300" {
		t.Fatalf("expected default addr, got %q", cfg.Addr)
	}
	if cfg.APIToken != "" {
		t.Fatalf("expected empty api token, got %q", cfg.APIToken)
	}
	got := cfg.Session.ToSession()
	want := session.DefaultConfig()
	want.IdleTimeout = 2 * time.Minute
	want.HighWaterMark = 4
	want.Backoff.Jitter = false
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("session mismatch (-want +got):\n%s", diff)
	}
}

func TestValidateRejects(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		name string
		cfg  BridgeConfig
	}{
		{name: "missing endpoint", cfg: BridgeConfig{Addr: ":1"}},
		{name: "http scheme", cfg: BridgeConfig{Endpoint: "http://x/", Addr: ":1"}},
		{name: "no host", cfg: BridgeConfig{Endpoint: "ws:///", Addr: ":1"}},
		{name: "missing addr", cfg: BridgeConfig{Endpoint: "ws://x/"}},
		{name: "negative hwm", cfg: BridgeConfig{Endpoint: "ws://x/", Addr: ":1", Session: SessionConfig{HighWaterMark: -1}}},
		{name: "negative timeout", cfg: BridgeConfig{Endpoint: "ws://x/", Addr: ":1", Session: SessionConfig{IdleTimeout: Duration{-time.Second}}}},
		{name: "shrinking backoff", cfg: BridgeConfig{Endpoint: "ws://x/", Addr: ":1", Session: SessionConfig{Backoff: Backoff{Multiplier: 0.5}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if err := ValidateBridgeConfig(tc.cfg); err == nil {
				t.Fatalf("expected validation error")
			}
		})
	}
}

func TestLoadReportsParseErrors(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bad.toml")
	if err := os.WriteFile(path, []byte("endpoint = \"ws://x/\"\n[session]\nidle_timeout = \"soon\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := LoadBridgeConfig(path); err == nil {
		t.Fatalf("expected duration parse error")
	}
	if _, err := LoadDeviceSimConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected missing file error")
	}
}

func TestAPITokenLoads(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "bridge.toml")
	if err := os.WriteFile(path, []byte("endpoint = \"wss://device.local/\"\napi_token = \"s3cret\"\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	cfg, err := LoadBridgeConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.APIToken != "s3cret" {
		t.Fatalf("unexpected api token: %q", cfg.APIToken)
	}
}
