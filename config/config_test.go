package config

import (
	"path/filepath"
	"testing"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LAN_RELAY_DATA_DIR", tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.SessionID == "" {
		t.Fatalf("expected non-empty session ID")
	}
	if firstCfg.TCPPort != DefaultTCPPort {
		t.Fatalf("expected default TCP port %d, got %d", DefaultTCPPort, firstCfg.TCPPort)
	}
	if firstCfg.UDPPort != DefaultUDPPort {
		t.Fatalf("expected default UDP port %d, got %d", DefaultUDPPort, firstCfg.UDPPort)
	}
	if !firstCfg.AllowUnregistered {
		t.Fatalf("expected open-join default")
	}
	if !firstCfg.Advertise {
		t.Fatalf("expected advertise default")
	}

	expectedConfigPath := filepath.Join(tempDir, "server.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}

	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.SessionID != firstCfg.SessionID {
		t.Fatalf("expected stable session ID, got %q then %q", firstCfg.SessionID, secondCfg.SessionID)
	}
}

func TestLoadOrCreateNormalizesPartialConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("LAN_RELAY_DATA_DIR", tempDir)

	cfgPath := filepath.Join(tempDir, "server.json")
	if err := EnsureDataDirectory(tempDir); err != nil {
		t.Fatalf("EnsureDataDirectory failed: %v", err)
	}

	partial := &ServerConfig{
		SessionID: "legacy-session",
		TCPPort:   7000,
	}
	if err := Save(cfgPath, partial); err != nil {
		t.Fatalf("Save partial config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.SessionID != "legacy-session" {
		t.Fatalf("expected session ID to be retained, got %q", cfg.SessionID)
	}
	if cfg.TCPPort != 7000 {
		t.Fatalf("expected TCP port to be retained, got %d", cfg.TCPPort)
	}
	if cfg.UDPPort != DefaultUDPPort {
		t.Fatalf("expected UDP port to be filled in, got %d", cfg.UDPPort)
	}
	if cfg.HeartbeatIntervalSeconds != DefaultHeartbeatIntervalSeconds {
		t.Fatalf("expected heartbeat interval to be filled in, got %d", cfg.HeartbeatIntervalSeconds)
	}
	if cfg.TransferTTLSeconds != DefaultTransferTTLSeconds {
		t.Fatalf("expected transfer TTL to be filled in, got %d", cfg.TransferTTLSeconds)
	}
}

func TestNormalizeDefaultsStretchesTimeoutBelowInterval(t *testing.T) {
	cfg := &ServerConfig{
		SessionID:                "s",
		SessionName:              "n",
		TCPPort:                  5555,
		UDPPort:                  5556,
		HeartbeatIntervalSeconds: 10,
		HeartbeatTimeoutSeconds:  5,
		TransferTTLSeconds:       600,
	}

	if !normalizeDefaults(cfg) {
		t.Fatalf("expected normalization to report an update")
	}
	if cfg.HeartbeatTimeoutSeconds != 30 {
		t.Fatalf("expected timeout to stretch to 3x interval, got %d", cfg.HeartbeatTimeoutSeconds)
	}
}

func TestFindAvailablePortsSkipPastBusyPort(t *testing.T) {
	tcpPort, err := FindAvailableTCPPort(DefaultTCPPort)
	if err != nil {
		t.Fatalf("FindAvailableTCPPort failed: %v", err)
	}
	if tcpPort < DefaultTCPPort {
		t.Fatalf("unexpected TCP port %d", tcpPort)
	}

	udpPort, err := FindAvailableUDPPort(DefaultUDPPort)
	if err != nil {
		t.Fatalf("FindAvailableUDPPort failed: %v", err)
	}
	if udpPort < DefaultUDPPort {
		t.Fatalf("unexpected UDP port %d", udpPort)
	}
}
