package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeFile(t *testing.T, path, contents string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestConfigDirEnv(t *testing.T) {
	t.Setenv("SERENADE_NVIM_CONFIG_HOME", "/tmp/serenade-config")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir error: %v", err)
	}
	if dir != "/tmp/serenade-config" {
		t.Fatalf("ConfigDir = %q, want %q", dir, "/tmp/serenade-config")
	}

	t.Setenv("SERENADE_NVIM_CONFIG_HOME", "")
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err = ConfigDir()
	if err != nil {
		t.Fatalf("ConfigDir error: %v", err)
	}
	if dir != "/tmp/xdg/serenade-nvim" {
		t.Fatalf("ConfigDir = %q, want %q", dir, "/tmp/xdg/serenade-nvim")
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SERENADE_NVIM_CONFIG_HOME", dir)
	t.Setenv("SERENADE_NVIM_ENDPOINT", "")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg != Default() {
		t.Fatalf("Load = %+v, want defaults", cfg)
	}
	if cfg.Server.Endpoint != "ws://localhost:17373" {
		t.Fatalf("Endpoint = %q", cfg.Server.Endpoint)
	}
	if cfg.Server.HeartbeatInterval != time.Minute {
		t.Fatalf("HeartbeatInterval = %v, want 1m", cfg.Server.HeartbeatInterval)
	}
}

func TestLoadWithOverrides(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("SERENADE_NVIM_CONFIG_HOME", dir)
	t.Setenv("SERENADE_NVIM_ENDPOINT", "")

	writeFile(t, filepath.Join(dir, "config.toml"), `
log-file = "/tmp/bridge.log"
debug = true

[server]
endpoint = "ws://127.0.0.1:9000"
reconnect-interval = "250ms"
frame-delay = "10ms"

[identity]
app = "neovim"

[editor]
highlight-group = "Search"
`)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.LogFile != "/tmp/bridge.log" || !cfg.Debug {
		t.Fatalf("LogFile/Debug = %q/%v", cfg.LogFile, cfg.Debug)
	}
	if cfg.Server.Endpoint != "ws://127.0.0.1:9000" {
		t.Fatalf("Endpoint = %q", cfg.Server.Endpoint)
	}
	if cfg.Server.ReconnectInterval != 250*time.Millisecond {
		t.Fatalf("ReconnectInterval = %v, want 250ms", cfg.Server.ReconnectInterval)
	}
	if cfg.Server.FrameDelay != 10*time.Millisecond {
		t.Fatalf("FrameDelay = %v, want 10ms", cfg.Server.FrameDelay)
	}
	if cfg.Server.HeartbeatInterval != time.Minute {
		t.Fatalf("HeartbeatInterval = %v, want default", cfg.Server.HeartbeatInterval)
	}
	if cfg.Identity.App != "neovim" || cfg.Identity.Match != "term" {
		t.Fatalf("Identity = %+v", cfg.Identity)
	}
	if cfg.Editor.HighlightGroup != "Search" || cfg.Editor.Namespace != "serenade" {
		t.Fatalf("Editor = %+v", cfg.Editor)
	}
}

func TestLoadEndpointEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.toml")
	writeFile(t, path, "[server]\nendpoint = \"ws://file:1\"\n")
	t.Setenv("SERENADE_NVIM_ENDPOINT", "ws://env:2")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if cfg.Server.Endpoint != "ws://env:2" {
		t.Fatalf("Endpoint = %q, want env value", cfg.Server.Endpoint)
	}
}

func TestLoadRejectsBadEndpoint(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.toml")
	writeFile(t, path, "[server]\nendpoint = \"http://localhost:17373\"\n")
	t.Setenv("SERENADE_NVIM_ENDPOINT", "")

	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted http endpoint")
	}
}

func TestLoadMissingFileValidatesEnvEndpoint(t *testing.T) {
	t.Setenv("SERENADE_NVIM_CONFIG_HOME", t.TempDir())
	t.Setenv("SERENADE_NVIM_ENDPOINT", "http://localhost:17373")

	cfg, err := Load("")
	if err == nil {
		t.Fatalf("Load accepted http endpoint from env")
	}
	if cfg.Server.Endpoint != "http://localhost:17373" {
		t.Fatalf("Endpoint = %q, want env value", cfg.Server.Endpoint)
	}
}

func TestLoadRejectsBadToml(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.toml")
	writeFile(t, path, "[server\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("Load accepted malformed toml")
	}
}
