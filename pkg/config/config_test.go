package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const sampleTOML = `
tcp_port = 5223
session_mode = "entity"
network = "socks"
socks_addr = "127.0.0.1:9050"
reconnect_interval = "5s"

[[smp_servers]]
host = "smp1.example.org"
port = "5223"
key_hash = "deadbeef"
`

func writeTemp(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agent.toml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadParsesFileOverDefaults(t *testing.T) {
	path := writeTemp(t, sampleTOML)
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.TCPPort != 5223 {
		t.Fatalf("TCPPort = %d, want 5223", cfg.TCPPort)
	}
	if cfg.SessionMode != SessionModeEntity {
		t.Fatalf("SessionMode = %q, want entity", cfg.SessionMode)
	}
	if cfg.Network != NetworkSocks || cfg.SocksAddr != "127.0.0.1:9050" {
		t.Fatalf("Network/SocksAddr = %q/%q", cfg.Network, cfg.SocksAddr)
	}
	if cfg.ReconnectInterval.Duration != 5*time.Second {
		t.Fatalf("ReconnectInterval = %v, want 5s", cfg.ReconnectInterval.Duration)
	}
	// Unset fields keep Default()'s values.
	if cfg.MaxWorkerRestartsPerMin != 5 {
		t.Fatalf("MaxWorkerRestartsPerMin = %d, want default 5", cfg.MaxWorkerRestartsPerMin)
	}
	if len(cfg.SMPServers) != 1 || cfg.SMPServers[0].Host != "smp1.example.org" {
		t.Fatalf("SMPServers = %+v", cfg.SMPServers)
	}
}

func TestLoadRejectsEmptySMPServers(t *testing.T) {
	path := writeTemp(t, `tcp_port = 5223`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing smp_servers")
	}
}

func TestLoadRejectsSocksWithoutAddr(t *testing.T) {
	path := writeTemp(t, `
network = "socks"
[[smp_servers]]
host = "smp1.example.org"
port = "5223"
key_hash = "deadbeef"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for socks network without socks_addr")
	}
}
