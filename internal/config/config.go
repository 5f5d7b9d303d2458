package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Daemon   DaemonConfig   `yaml:"daemon"`
	Session  SessionConfig  `yaml:"session"`
	Launcher LauncherConfig `yaml:"launcher"`
	Journal  JournalConfig  `yaml:"journal"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logs     LogsConfig     `yaml:"logs"`
}

type DaemonConfig struct {
	// Addr overrides host and port with a full ws:// or wss:// URL.
	Addr string `yaml:"addr"`
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CertRoot holds the TLS material the daemon mints on first start.
	// The individual paths default to the daemon layout under it.
	CertRoot           string `yaml:"cert_root"`
	CertPath           string `yaml:"cert_path"`
	KeyPath            string `yaml:"key_path"`
	CAPath             string `yaml:"ca_path"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify"`

	PingIntervalMs     int `yaml:"ping_interval_ms"`
	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms"`
}

// URL returns the dial target, honoring the addr override.
func (d DaemonConfig) URL() string {
	if d.Addr != "" {
		return d.Addr
	}
	return fmt.Sprintf("wss://%s:%d", d.Host, d.Port)
}

type SessionConfig struct {
	ServiceName       string  `yaml:"service_name"`
	RequestTimeoutMs  int     `yaml:"request_timeout_ms"`
	ReconnectBackoffS []int   `yaml:"reconnect_backoff_s"`
	SendRatePerSec    float64 `yaml:"send_rate_per_sec"`
	SendBurst         int     `yaml:"send_burst"`
}

type LauncherConfig struct {
	Command    string   `yaml:"command"`
	Args       []string `yaml:"args"`
	WaitCertMs int      `yaml:"wait_cert_ms"`
	LogPath    string   `yaml:"log_path"`
}

type JournalConfig struct {
	Dir      string `yaml:"dir"`
	MaxLines int    `yaml:"max_lines"`
}

type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

type LogsConfig struct {
	Path string `yaml:"path"`
}

// DefaultPath returns the per-user config file when it exists, empty
// otherwise.
func DefaultPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	path := filepath.Join(home, ".beacon", "daemonbus.yaml")
	if _, err := os.Stat(path); err != nil {
		return ""
	}
	return path
}

// Load reads the config at path, or just the defaults when path is empty.
func Load(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, err
		}
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	root := filepath.Join(home, ".beacon")

	// Set defaults
	if cfg.Daemon.Host == "" {
		cfg.Daemon.Host = "localhost"
	}
	if cfg.Daemon.Port == 0 {
		cfg.Daemon.Port = 55400
	}
	if cfg.Daemon.CertRoot == "" {
		cfg.Daemon.CertRoot = filepath.Join(root, "ssl")
	}
	if cfg.Daemon.CertPath == "" {
		cfg.Daemon.CertPath = filepath.Join(cfg.Daemon.CertRoot, "daemon", "private_daemon.crt")
	}
	if cfg.Daemon.KeyPath == "" {
		cfg.Daemon.KeyPath = filepath.Join(cfg.Daemon.CertRoot, "daemon", "private_daemon.key")
	}
	if cfg.Daemon.CAPath == "" {
		cfg.Daemon.CAPath = filepath.Join(cfg.Daemon.CertRoot, "ca", "private_ca.crt")
	}
	if cfg.Daemon.PingIntervalMs == 0 {
		cfg.Daemon.PingIntervalMs = 30000
	}
	if cfg.Daemon.HandshakeTimeoutMs == 0 {
		cfg.Daemon.HandshakeTimeoutMs = 10000
	}
	if cfg.Session.ServiceName == "" {
		cfg.Session.ServiceName = "wallet_ui"
	}
	if cfg.Session.RequestTimeoutMs == 0 {
		cfg.Session.RequestTimeoutMs = 30000
	}
	if len(cfg.Session.ReconnectBackoffS) == 0 {
		cfg.Session.ReconnectBackoffS = []int{1, 2, 5, 10, 30}
	}
	if cfg.Session.SendBurst == 0 {
		cfg.Session.SendBurst = 16
	}
	if cfg.Launcher.Command == "" {
		cfg.Launcher.Command = "beacon-daemon"
	}
	if cfg.Launcher.WaitCertMs == 0 {
		cfg.Launcher.WaitCertMs = 15000
	}
	if cfg.Launcher.LogPath == "" {
		cfg.Launcher.LogPath = filepath.Join(root, "log", "daemon.out")
	}
	if cfg.Journal.Dir == "" {
		cfg.Journal.Dir = filepath.Join(root, "daemonbus", "journal")
	}
	if cfg.Journal.MaxLines == 0 {
		cfg.Journal.MaxLines = 10000
	}
	if cfg.Logs.Path == "" {
		cfg.Logs.Path = filepath.Join(root, "log", "debug.log")
	}

	// Optional environment override so scripts can point at another daemon
	// without editing the file.
	if addr := os.Getenv("DAEMONBUS_DAEMON_ADDR"); addr != "" {
		cfg.Daemon.Addr = addr
	}

	return &cfg, nil
}
