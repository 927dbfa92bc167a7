package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultAgentConfig returns sensible defaults for the agent configuration.
func DefaultAgentConfig() AgentConfig {
	return AgentConfig{
		SocketPath:             "/opt/tako/tako.sock",
		DataDir:                "/opt/tako",
		HTTPPort:               80,
		HTTPSPort:              443,
		LogLevel:               "info",
		InstancePortOffset:     0,
		ACMETimeout:            5 * time.Minute,
		RenewalIntervalHours:   24,
		HealthCheckInterval:    1 * time.Second,
		HealthProbeTimeout:     2 * time.Second,
		StartupTimeout:         30 * time.Second,
		DrainTimeout:           30 * time.Second,
		OnDemandSpawnTimeout:   30 * time.Second,
		IdleCheckInterval:      30 * time.Second,
		RollingUpdateDelay:     0,
		DefaultHealthCheckPath: "/_tako/status",
	}
}

// LoadAgentConfig reads the agent configuration from a YAML file and applies
// defaults for any unset fields. A missing file is not an error: the agent
// can run on defaults alone.
func LoadAgentConfig(path string) (AgentConfig, error) {
	cfg := DefaultAgentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			applyDerivedDefaults(&cfg)
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading agent config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing agent config %s: %w", path, err)
	}

	applyDerivedDefaults(&cfg)

	if cfg.SocketPath == "" {
		return cfg, fmt.Errorf("socket_path must not be empty")
	}
	if cfg.HTTPPort == cfg.HTTPSPort {
		return cfg, fmt.Errorf("http_port and https_port must differ (both %d)", cfg.HTTPPort)
	}

	return cfg, nil
}

// applyDerivedDefaults fills in fields that default to a path under
// DataDir, once DataDir itself is known.
func applyDerivedDefaults(cfg *AgentConfig) {
	if cfg.CertDir == "" {
		cfg.CertDir = filepath.Join(cfg.DataDir, "certs")
	}
	if cfg.ACMEAccountDir == "" {
		cfg.ACMEAccountDir = filepath.Join(cfg.DataDir, "acme")
	}
}

// ParseAppConfig parses an application manifest from raw YAML bytes, as
// used by the CLI (external to this runtime) and by tests.
func ParseAppConfig(data []byte) (AppConfig, error) {
	var ac AppConfig
	if err := yaml.Unmarshal(data, &ac); err != nil {
		return ac, fmt.Errorf("parsing app config: %w", err)
	}
	if ac.MaxInstances == 0 {
		if ac.MinInstances > 0 {
			ac.MaxInstances = ac.MinInstances
		} else {
			ac.MaxInstances = 1
		}
	}
	if ac.Cwd == "" {
		ac.Cwd = ac.Path
	}
	return ac, nil
}
