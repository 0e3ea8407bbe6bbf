package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != "0.0.0.0:3000" {
		t.Errorf("Address = %q, want 0.0.0.0:3000", cfg.Address)
	}
	if cfg.AgentWarmup != 60*time.Second {
		t.Errorf("AgentWarmup = %v, want 60s", cfg.AgentWarmup)
	}
	if cfg.PollDuration != 20*time.Second {
		t.Errorf("PollDuration = %v, want 20s", cfg.PollDuration)
	}
}

func TestLoadYAMLFileOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "megaphone.yaml")
	content := `
address: 127.0.0.1:4000
agent_warmup_secs: 90
agent.virtual: solo-agent
webhooks:
  audit:
    hook: on-channel-deleted
    endpoint: http://localhost:9999/hook
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != "127.0.0.1:4000" {
		t.Errorf("Address = %q, want 127.0.0.1:4000", cfg.Address)
	}
	if cfg.AgentWarmup != 90*time.Second {
		t.Errorf("AgentWarmup = %v, want 90s", cfg.AgentWarmup)
	}
	if cfg.VirtualAgents["solo-agent"] != "MASTER" {
		t.Errorf("VirtualAgents[solo-agent] = %q, want MASTER (implied by bare scalar)", cfg.VirtualAgents["solo-agent"])
	}
	if cfg.Webhooks["audit"].Endpoint != "http://localhost:9999/hook" {
		t.Errorf("webhooks.audit.endpoint = %q", cfg.Webhooks["audit"].Endpoint)
	}
}

func TestLoadEnvOverridesDefaults(t *testing.T) {
	t.Setenv("MEGAPHONE_ADDRESS", "0.0.0.0:5000")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Address != "0.0.0.0:5000" {
		t.Errorf("Address = %q, want 0.0.0.0:5000", cfg.Address)
	}
}

func TestValidateRejectsEmptyWebhookEndpoint(t *testing.T) {
	cfg := Default()
	cfg.Webhooks["broken"] = WebhookConfig{Hook: "on-channel-deleted"}
	if err := cfg.Validate(); err == nil {
		t.Error("expected Validate to reject a webhook with no endpoint")
	}
}
