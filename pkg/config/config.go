// Package config loads the broker's configuration: a YAML file for the
// shaped, operator-authored settings (virtual agents, webhooks) layered
// under environment-variable overrides for the scalar operational knobs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// VirtualAgents maps a statically-provisioned virtual agent name to a
// status string ("MASTER" or "REPLICA"). cmd/megaphone provisions every
// listed agent as a Master; the status string is only logged. YAML may
// spell the whole
// setting as a single bare name string, which implies that one agent is
// a MASTER.
type VirtualAgents map[string]string

// UnmarshalYAML accepts either a mapping (name -> MASTER|REPLICA) or a
// bare scalar string naming a single implied-MASTER agent.
func (v *VirtualAgents) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		var name string
		if err := node.Decode(&name); err != nil {
			return err
		}
		*v = VirtualAgents{name: "MASTER"}
		return nil
	}
	var m map[string]string
	if err := node.Decode(&m); err != nil {
		return err
	}
	*v = m
	return nil
}

// WebhookConfig describes one fan-out target.
type WebhookConfig struct {
	Hook     string `yaml:"hook"`
	Endpoint string `yaml:"endpoint"`
}

// Config holds every recognized broker configuration option (spec.md §6).
type Config struct {
	Address       string
	GRPCAddress   string
	MngSocketPath string
	AgentWarmup   time.Duration
	PollDuration  time.Duration
	VirtualAgents VirtualAgents
	Webhooks      map[string]WebhookConfig

	agentWarmupSecs    int
	pollDurationMillis int
}

type rawConfig struct {
	Address            string                   `yaml:"address"`
	GRPCAddress        string                   `yaml:"grpc_address"`
	MngSocketPath      string                   `yaml:"mng_socket_path"`
	AgentWarmupSecs    int                      `yaml:"agent_warmup_secs"`
	PollDurationMillis int                      `yaml:"poll_duration_millis"`
	VirtualAgents      VirtualAgents            `yaml:"agent.virtual"`
	Webhooks           map[string]WebhookConfig `yaml:"webhooks"`
}

// Default returns the zero-config defaults spec.md documents.
func Default() *Config {
	return &Config{
		Address:            "0.0.0.0:3000",
		GRPCAddress:        "0.0.0.0:3001",
		MngSocketPath:      "/run/megaphone.sock",
		AgentWarmup:        60 * time.Second,
		PollDuration:       20000 * time.Millisecond,
		VirtualAgents:      VirtualAgents{},
		Webhooks:           map[string]WebhookConfig{},
		agentWarmupSecs:    60,
		pollDurationMillis: 20000,
	}
}

// Load reads path (if non-empty and present) as YAML, then applies
// environment-variable overrides on top, and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err == nil {
			var raw rawConfig
			if err := yaml.Unmarshal(data, &raw); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
			applyRaw(cfg, raw)
		}
	}

	cfg.Address = getEnv("MEGAPHONE_ADDRESS", cfg.Address)
	cfg.GRPCAddress = getEnv("MEGAPHONE_GRPC_ADDRESS", cfg.GRPCAddress)
	cfg.MngSocketPath = getEnv("MEGAPHONE_MNG_SOCKET_PATH", cfg.MngSocketPath)
	cfg.agentWarmupSecs = getEnvInt("MEGAPHONE_AGENT_WARMUP_SECS", cfg.agentWarmupSecs)
	cfg.pollDurationMillis = getEnvInt("MEGAPHONE_POLL_DURATION_MILLIS", cfg.pollDurationMillis)
	cfg.AgentWarmup = time.Duration(cfg.agentWarmupSecs) * time.Second
	cfg.PollDuration = time.Duration(cfg.pollDurationMillis) * time.Millisecond

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func applyRaw(cfg *Config, raw rawConfig) {
	if raw.Address != "" {
		cfg.Address = raw.Address
	}
	if raw.GRPCAddress != "" {
		cfg.GRPCAddress = raw.GRPCAddress
	}
	if raw.MngSocketPath != "" {
		cfg.MngSocketPath = raw.MngSocketPath
	}
	if raw.AgentWarmupSecs != 0 {
		cfg.agentWarmupSecs = raw.AgentWarmupSecs
	}
	if raw.PollDurationMillis != 0 {
		cfg.pollDurationMillis = raw.PollDurationMillis
	}
	if raw.VirtualAgents != nil {
		cfg.VirtualAgents = raw.VirtualAgents
	}
	if raw.Webhooks != nil {
		cfg.Webhooks = raw.Webhooks
	}
}

// Validate checks that every required field is set.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}
	if c.GRPCAddress == "" {
		return fmt.Errorf("grpc_address cannot be empty")
	}
	if c.MngSocketPath == "" {
		return fmt.Errorf("mng_socket_path cannot be empty")
	}
	if c.AgentWarmup <= 0 {
		return fmt.Errorf("agent_warmup_secs must be > 0")
	}
	if c.PollDuration <= 0 {
		return fmt.Errorf("poll_duration_millis must be > 0")
	}
	for name, wh := range c.Webhooks {
		if wh.Endpoint == "" {
			return fmt.Errorf("webhooks.%s.endpoint cannot be empty", name)
		}
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return n
}
