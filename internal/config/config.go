package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

type Server struct {
	Endpoint          string        `toml:"endpoint"`
	ReconnectInterval time.Duration `toml:"reconnect-interval"`
	HeartbeatInterval time.Duration `toml:"heartbeat-interval"`
	FrameDelay        time.Duration `toml:"frame-delay"`
	HandshakeTimeout  time.Duration `toml:"handshake-timeout"`
}

// Identity is announced in the first heartbeat after each connect.
type Identity struct {
	App   string `toml:"app"`
	Match string `toml:"match"`
}

type Editor struct {
	RequestTimeout time.Duration `toml:"request-timeout"`
	LockTimeout    time.Duration `toml:"lock-timeout"`
	Namespace      string        `toml:"namespace"`
	HighlightGroup string        `toml:"highlight-group"`
}

type Config struct {
	LogFile  string   `toml:"log-file"`
	Debug    bool     `toml:"debug"`
	Server   Server   `toml:"server"`
	Identity Identity `toml:"identity"`
	Editor   Editor   `toml:"editor"`
}

func Default() Config {
	return Config{
		Server: Server{
			Endpoint:          "ws://localhost:17373",
			ReconnectInterval: time.Second,
			HeartbeatInterval: 60 * time.Second,
			FrameDelay:        50 * time.Millisecond,
			HandshakeTimeout:  5 * time.Second,
		},
		Identity: Identity{
			App:   "nvim",
			Match: "term",
		},
		Editor: Editor{
			RequestTimeout: 10 * time.Second,
			LockTimeout:    5 * time.Second,
			Namespace:      "serenade",
			HighlightGroup: "Visual",
		},
	}
}

// Load reads the config file at path, or at ConfigPath when path is empty.
// A missing file yields Default. Values set in the file override defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return cfg, err
		}
		path = p
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg = applyEnv(cfg)
			return cfg, cfg.Validate()
		}
		return cfg, err
	}

	var userCfg Config
	if _, err := toml.Decode(string(data), &userCfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}

	if userCfg.LogFile != "" {
		cfg.LogFile = userCfg.LogFile
	}
	if userCfg.Debug {
		cfg.Debug = true
	}
	if userCfg.Server.Endpoint != "" {
		cfg.Server.Endpoint = userCfg.Server.Endpoint
	}
	if userCfg.Server.ReconnectInterval > 0 {
		cfg.Server.ReconnectInterval = userCfg.Server.ReconnectInterval
	}
	if userCfg.Server.HeartbeatInterval > 0 {
		cfg.Server.HeartbeatInterval = userCfg.Server.HeartbeatInterval
	}
	if userCfg.Server.FrameDelay > 0 {
		cfg.Server.FrameDelay = userCfg.Server.FrameDelay
	}
	if userCfg.Server.HandshakeTimeout > 0 {
		cfg.Server.HandshakeTimeout = userCfg.Server.HandshakeTimeout
	}
	if userCfg.Identity.App != "" {
		cfg.Identity.App = userCfg.Identity.App
	}
	if userCfg.Identity.Match != "" {
		cfg.Identity.Match = userCfg.Identity.Match
	}
	if userCfg.Editor.RequestTimeout > 0 {
		cfg.Editor.RequestTimeout = userCfg.Editor.RequestTimeout
	}
	if userCfg.Editor.LockTimeout > 0 {
		cfg.Editor.LockTimeout = userCfg.Editor.LockTimeout
	}
	if userCfg.Editor.Namespace != "" {
		cfg.Editor.Namespace = userCfg.Editor.Namespace
	}
	if userCfg.Editor.HighlightGroup != "" {
		cfg.Editor.HighlightGroup = userCfg.Editor.HighlightGroup
	}

	cfg = applyEnv(cfg)
	return cfg, cfg.Validate()
}

func applyEnv(cfg Config) Config {
	if v := os.Getenv("SERENADE_NVIM_ENDPOINT"); v != "" {
		cfg.Server.Endpoint = v
	}
	return cfg
}

// Validate reports settings the bridge cannot run with.
func (c Config) Validate() error {
	u, err := url.Parse(c.Server.Endpoint)
	if err != nil {
		return fmt.Errorf("server.endpoint: %w", err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("server.endpoint: unsupported scheme %q", u.Scheme)
	}
	if c.Server.ReconnectInterval <= 0 {
		return fmt.Errorf("server.reconnect-interval must be positive")
	}
	if c.Server.HeartbeatInterval <= 0 {
		return fmt.Errorf("server.heartbeat-interval must be positive")
	}
	return nil
}

func ConfigDir() (string, error) {
	if v := os.Getenv("SERENADE_NVIM_CONFIG_HOME"); v != "" {
		return v, nil
	}
	if v := os.Getenv("XDG_CONFIG_HOME"); v != "" {
		return filepath.Join(v, "serenade-nvim"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "serenade-nvim"), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}
