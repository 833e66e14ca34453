package core

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(WithID("a.agents.local"))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	if cfg.Port != DefaultPeerPort {
		t.Errorf("port = %d, want %d", cfg.Port, DefaultPeerPort)
	}
	if cfg.GossipInterval != DefaultGossipInterval {
		t.Errorf("gossip interval = %v", cfg.GossipInterval)
	}
	if cfg.GossipFanout != DefaultFanout {
		t.Errorf("fanout = %d", cfg.GossipFanout)
	}
	if cfg.PeerTTL != DefaultPeerTTL {
		t.Errorf("peer ttl = %v", cfg.PeerTTL)
	}
	if cfg.CacheTTL != DefaultCacheTTL {
		t.Errorf("cache ttl = %v", cfg.CacheTTL)
	}
	if cfg.Name != "a.agents.local" {
		t.Errorf("name = %q, want id", cfg.Name)
	}
}

func TestNewConfigDerivesID(t *testing.T) {
	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.ID == "" {
		t.Fatal("id not derived")
	}
	if !strings.Contains(cfg.ID, ".") {
		t.Errorf("id %q is not domain-like", cfg.ID)
	}
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("AGENT_ID", "env.agents.local")
	t.Setenv("AGENT_PORT", "9001")
	t.Setenv("AGENT_CAPABILITIES", "chat, translate,")
	t.Setenv("GOSSIP_INTERVAL", "30")
	t.Setenv("PEER_TTL", "2h")
	t.Setenv("GOSSIP_ENABLED", "false")

	cfg, err := NewConfig()
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	if cfg.ID != "env.agents.local" {
		t.Errorf("id = %q", cfg.ID)
	}
	if cfg.Port != 9001 {
		t.Errorf("port = %d", cfg.Port)
	}
	if len(cfg.Capabilities) != 2 || cfg.Capabilities[0] != "chat" || cfg.Capabilities[1] != "translate" {
		t.Errorf("capabilities = %v", cfg.Capabilities)
	}
	if cfg.GossipInterval != 30*time.Second {
		t.Errorf("gossip interval = %v", cfg.GossipInterval)
	}
	if cfg.PeerTTL != 2*time.Hour {
		t.Errorf("peer ttl = %v", cfg.PeerTTL)
	}
	if cfg.GossipEnabled {
		t.Error("gossip should be disabled")
	}
}

func TestOptionsOverrideEnv(t *testing.T) {
	t.Setenv("AGENT_PORT", "9001")

	cfg, err := NewConfig(WithID("a.agents.local"), WithPort(9002))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Port != 9002 {
		t.Errorf("port = %d, want option to win over env", cfg.Port)
	}
}

func TestConfigInvalidPort(t *testing.T) {
	if _, err := NewConfig(WithID("a"), WithPort(70000)); err == nil {
		t.Fatal("expected port validation to fail")
	}
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.yaml")
	yaml := `
id: file.agents.local
port: 8100
capabilities: [chat, vision]
registry_url: http://registry:8080
gossip_interval: 45s
gossip_fanout: 5
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFile: %v", err)
	}
	if cfg.ID != "file.agents.local" || cfg.Port != 8100 {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.GossipInterval != 45*time.Second || cfg.GossipFanout != 5 {
		t.Errorf("gossip = %v/%d", cfg.GossipInterval, cfg.GossipFanout)
	}
	if cfg.RegistryURL != "http://registry:8080" {
		t.Errorf("registry url = %q", cfg.RegistryURL)
	}
}

func TestLoadConfigFileInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte(":\nnot yaml"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadConfigFile(path); err == nil {
		t.Fatal("expected parse failure")
	}
}

func TestConfigRecord(t *testing.T) {
	cfg, err := NewConfig(
		WithID("a.agents.local"),
		WithName("agent-a"),
		WithPort(8100),
		WithCapabilities("chat"),
	)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Host = "agent-a-host"

	rec := cfg.Record()
	if rec.ID != "a.agents.local" || rec.Port != 8100 {
		t.Errorf("record = %+v", rec)
	}
	if rec.Interfaces["rest"] != "http://agent-a-host:8100" {
		t.Errorf("rest interface = %q", rec.Interfaces["rest"])
	}
	if rec.Endpoints["peers"] != "/peers" || rec.Endpoints["ping"] != "/health" {
		t.Errorf("endpoints = %v", rec.Endpoints)
	}
}
