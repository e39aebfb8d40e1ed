// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tether.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	cfg.Payload.SaveDirectory = expandVars(cfg.Payload.SaveDirectory)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() = %v", err)
	}
	if cfg.Channel.MaxFrameSize != 1<<20 {
		t.Errorf("MaxFrameSize = %d, want %d", cfg.Channel.MaxFrameSize, 1<<20)
	}
	if cfg.Router.TeardownTimeout != 10*time.Second {
		t.Errorf("TeardownTimeout = %v, want 10s", cfg.Router.TeardownTimeout)
	}
}

func TestLoadFileMergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
log:
  level: debug
channel:
  keep_alive_interval: 2s
payload:
  compression: zstd
  save_directory: ${TETHER_TEST_ROOT:-/var/tmp}/inbox
discovery:
  peers:
    - endpoint_id: AB12
      service_id: chat
      address: 10.0.0.2:7411
`)
	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if cfg.Log.Level != "debug" {
		t.Errorf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Channel.KeepAliveInterval != 2*time.Second {
		t.Errorf("KeepAliveInterval = %v, want 2s", cfg.Channel.KeepAliveInterval)
	}
	if cfg.Channel.KeepAliveTimeout != 30*time.Second {
		t.Errorf("KeepAliveTimeout = %v, want default 30s", cfg.Channel.KeepAliveTimeout)
	}
	if cfg.Payload.Compression != "zstd" {
		t.Errorf("Compression = %q, want zstd", cfg.Payload.Compression)
	}
	if cfg.Payload.SaveDirectory != "/var/tmp/inbox" {
		t.Errorf("SaveDirectory = %q, want /var/tmp/inbox", cfg.Payload.SaveDirectory)
	}
	if len(cfg.Discovery.Peers) != 1 || cfg.Discovery.Peers[0].Address != "10.0.0.2:7411" {
		t.Errorf("Peers = %+v, want one peer at 10.0.0.2:7411", cfg.Discovery.Peers)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestLoadRequiresEnvironment(t *testing.T) {
	t.Setenv("TETHER_CONFIG", "")
	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "TETHER_CONFIG") {
		t.Fatalf("Load() error = %v, want mention of TETHER_CONFIG", err)
	}

	t.Setenv("TETHER_CONFIG", writeConfig(t, "log:\n  level: warn\n"))
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Log.Level != "warn" {
		t.Errorf("Log.Level = %q, want warn", cfg.Log.Level)
	}
}

func TestValidateReportsEveryProblem(t *testing.T) {
	cfg := Default()
	cfg.Log.Level = "loud"
	cfg.Payload.Compression = "gzip"
	cfg.Channel.KeepAliveTimeout = cfg.Channel.KeepAliveInterval
	cfg.Discovery.Peers = []Peer{{EndpointID: "AB12"}}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate accepted an invalid config")
	}
	for _, want := range []string{"log.level", "payload.compression", "keep_alive_timeout", "discovery.peers[0]"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("Validate error %q does not mention %s", err, want)
		}
	}
}

func TestValidateRequiresAMedium(t *testing.T) {
	cfg := Default()
	cfg.Mediums.LAN.Enabled = false
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "at least one medium") {
		t.Fatalf("Validate() = %v, want missing medium error", err)
	}
}
