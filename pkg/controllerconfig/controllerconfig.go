// Package controllerconfig loads the controller binary's operational
// settings the same env-var-over-defaults way pkg/config loads the
// broker's.
package controllerconfig

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds the controller's recognized configuration.
type Config struct {
	ClusterName    string
	Namespace      string
	MinRequeue     time.Duration
	MaxRequeue     time.Duration
	MegactlTimeout time.Duration
	MegactlPath    string
}

// Default returns the controller's documented defaults. MinRequeue and
// MaxRequeue mirror pkg/controller's own MinRequeue/MaxRequeue constants.
// cmd/megaphonectl passes only ClusterName and Namespace on; the requeue
// and megactl fields are loaded and validated but do not change how the
// controller runs.
func Default() *Config {
	return &Config{
		ClusterName:    "megaphone",
		Namespace:      "default",
		MinRequeue:     10 * time.Second,
		MaxRequeue:     300 * time.Second,
		MegactlTimeout: 30 * time.Second,
		MegactlPath:    "megactl",
	}
}

// Load reads the controller's configuration from environment variables,
// layered over Default.
func Load() (*Config, error) {
	cfg := Default()
	cfg.ClusterName = getEnv("MEGACTL_CLUSTER_NAME", cfg.ClusterName)
	cfg.Namespace = getEnv("MEGACTL_NAMESPACE", cfg.Namespace)
	cfg.MinRequeue = getEnvDuration("MEGACTL_MIN_REQUEUE", cfg.MinRequeue)
	cfg.MaxRequeue = getEnvDuration("MEGACTL_MAX_REQUEUE", cfg.MaxRequeue)
	cfg.MegactlTimeout = getEnvDuration("MEGACTL_EXEC_TIMEOUT", cfg.MegactlTimeout)
	cfg.MegactlPath = getEnv("MEGACTL_PATH", cfg.MegactlPath)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded configuration is self-consistent.
func (c *Config) Validate() error {
	if c.ClusterName == "" {
		return fmt.Errorf("cluster name cannot be empty")
	}
	if c.Namespace == "" {
		return fmt.Errorf("namespace cannot be empty")
	}
	if c.MinRequeue <= 0 || c.MaxRequeue <= 0 {
		return fmt.Errorf("requeue bounds must be positive")
	}
	if c.MinRequeue > c.MaxRequeue {
		return fmt.Errorf("min requeue (%s) cannot exceed max requeue (%s)", c.MinRequeue, c.MaxRequeue)
	}
	if c.MegactlTimeout <= 0 {
		return fmt.Errorf("megactl exec timeout must be positive")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(v))
	if err != nil {
		return fallback
	}
	return d
}
