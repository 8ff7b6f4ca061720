// Package config persists relay server settings as a JSON file inside an
// OS-aware data directory.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strconv"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName is the per-user application data directory name.
	AppDirectoryName = "lan-relay"
	// DefaultTCPPort is the control channel port used when no override exists.
	DefaultTCPPort = 5555
	// DefaultUDPPort is the media relay port used when no override exists.
	DefaultUDPPort = 5556
	// DefaultHeartbeatIntervalSeconds is the ping cadence clients are held to.
	DefaultHeartbeatIntervalSeconds = 5
	// DefaultHeartbeatTimeoutSeconds is the silence window before eviction.
	DefaultHeartbeatTimeoutSeconds = 30
	// DefaultTransferTTLSeconds is how long idle file-transfer bookkeeping
	// survives before garbage collection.
	DefaultTransferTTLSeconds = 600
	// configFileName is the persisted configuration file.
	configFileName = "server.json"
	// portProbeLimit bounds the fallback search for a free port.
	portProbeLimit = 20
)

// ServerConfig contains persistent relay server settings.
type ServerConfig struct {
	SessionID                string `json:"session_id"`
	SessionName              string `json:"session_name"`
	TCPPort                  int    `json:"tcp_port"`
	UDPPort                  int    `json:"udp_port"`
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds"`
	HeartbeatTimeoutSeconds  int    `json:"heartbeat_timeout_seconds"`
	TransferTTLSeconds       int    `json:"transfer_ttl_seconds"`
	AllowUnregistered        bool   `json:"allow_unregistered"`
	Advertise                bool   `json:"advertise"`
}

// ResolveDataDir returns the OS-aware app data directory.
//
// If LAN_RELAY_DATA_DIR is set, its value is used as an explicit override.
func ResolveDataDir() (string, error) {
	if override := os.Getenv("LAN_RELAY_DATA_DIR"); override != "" {
		return override, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}

	switch runtime.GOOS {
	case "windows":
		base := os.Getenv("APPDATA")
		if base == "" {
			base = filepath.Join(home, "AppData", "Roaming")
		}
		return filepath.Join(base, AppDirectoryName), nil
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", AppDirectoryName), nil
	default:
		base := os.Getenv("XDG_CONFIG_HOME")
		if base == "" {
			base = filepath.Join(home, ".config")
		}
		return filepath.Join(base, AppDirectoryName), nil
	}
}

// ConfigPath returns the full path to server.json for a data directory.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectory creates the app data directory if needed.
func EnsureDataDirectory(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create directory %q: %w", dataDir, err)
	}
	return nil
}

// Load reads and unmarshals server.json from disk.
func Load(path string) (*ServerConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg ServerConfig
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	return &cfg, nil
}

// Save marshals and writes server.json to disk.
func Save(path string, cfg *ServerConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	return nil
}

// LoadOrCreate ensures the data directory and config exist, then returns
// the config and its path.
func LoadOrCreate() (*ServerConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	if err := EnsureDataDirectory(dataDir); err != nil {
		return nil, "", err
	}

	cfgPath := ConfigPath(dataDir)
	cfg, err := Load(cfgPath)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, "", err
		}

		cfg = defaultConfig()
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}

		return cfg, cfgPath, nil
	}

	if normalizeDefaults(cfg) {
		if err := Save(cfgPath, cfg); err != nil {
			return nil, "", err
		}
	}

	return cfg, cfgPath, nil
}

func defaultConfig() *ServerConfig {
	sessionName := "LAN Relay Session"
	if host, err := os.Hostname(); err == nil && host != "" {
		sessionName = host
	}

	return &ServerConfig{
		SessionID:                uuid.NewString(),
		SessionName:              sessionName,
		TCPPort:                  DefaultTCPPort,
		UDPPort:                  DefaultUDPPort,
		HeartbeatIntervalSeconds: DefaultHeartbeatIntervalSeconds,
		HeartbeatTimeoutSeconds:  DefaultHeartbeatTimeoutSeconds,
		TransferTTLSeconds:       DefaultTransferTTLSeconds,
		AllowUnregistered:        true,
		Advertise:                true,
	}
}

func normalizeDefaults(cfg *ServerConfig) bool {
	updated := false

	if cfg.SessionID == "" {
		cfg.SessionID = uuid.NewString()
		updated = true
	}
	if cfg.SessionName == "" {
		sessionName := "LAN Relay Session"
		if host, err := os.Hostname(); err == nil && host != "" {
			sessionName = host
		}
		cfg.SessionName = sessionName
		updated = true
	}
	if cfg.TCPPort <= 0 {
		cfg.TCPPort = DefaultTCPPort
		updated = true
	}
	if cfg.UDPPort <= 0 {
		cfg.UDPPort = DefaultUDPPort
		updated = true
	}
	if cfg.HeartbeatIntervalSeconds <= 0 {
		cfg.HeartbeatIntervalSeconds = DefaultHeartbeatIntervalSeconds
		updated = true
	}
	if cfg.HeartbeatTimeoutSeconds <= 0 {
		cfg.HeartbeatTimeoutSeconds = DefaultHeartbeatTimeoutSeconds
		updated = true
	}
	if cfg.HeartbeatTimeoutSeconds < cfg.HeartbeatIntervalSeconds {
		cfg.HeartbeatTimeoutSeconds = cfg.HeartbeatIntervalSeconds * 3
		updated = true
	}
	if cfg.TransferTTLSeconds <= 0 {
		cfg.TransferTTLSeconds = DefaultTransferTTLSeconds
		updated = true
	}

	return updated
}

// FindAvailableTCPPort returns preferred if it can be bound, otherwise the
// first free port above it within the probe limit.
func FindAvailableTCPPort(preferred int) (int, error) {
	for candidate := preferred; candidate < preferred+portProbeLimit; candidate++ {
		listener, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(candidate)))
		if err != nil {
			continue
		}
		_ = listener.Close()
		return candidate, nil
	}
	return 0, fmt.Errorf("no free TCP port in [%d, %d)", preferred, preferred+portProbeLimit)
}

// FindAvailableUDPPort returns preferred if it can be bound, otherwise the
// first free port above it within the probe limit.
func FindAvailableUDPPort(preferred int) (int, error) {
	for candidate := preferred; candidate < preferred+portProbeLimit; candidate++ {
		conn, err := net.ListenPacket("udp", net.JoinHostPort("", strconv.Itoa(candidate)))
		if err != nil {
			continue
		}
		_ = conn.Close()
		return candidate, nil
	}
	return 0, fmt.Errorf("no free UDP port in [%d, %d)", preferred, preferred+portProbeLimit)
}
