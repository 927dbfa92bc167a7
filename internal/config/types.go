// Package config holds the node agent's own operational configuration,
// loaded from a YAML file, with defaults for unset fields.
package config

import "time"

// AgentConfig holds the node agent's operational configuration. Every
// field here is either set from the YAML config file or a default from
// DefaultAgentConfig; no command-line flag overrides a field.
type AgentConfig struct {
	// SocketPath is the path of the local management-socket listener.
	SocketPath string `yaml:"socket_path"`
	// DataDir is the root of all agent-owned on-disk state: the state
	// store database, ACME credentials, certs, and app release dirs.
	DataDir string `yaml:"data_dir"`
	// HTTPPort is the plaintext listener port (ACME challenges + redirect).
	HTTPPort int `yaml:"http_port"`
	// HTTPSPort is the TLS-terminating listener port serving app traffic.
	HTTPSPort int `yaml:"https_port"`
	// LogLevel controls verbosity: "debug", "info", "warn", "error".
	LogLevel string `yaml:"log_level"`

	// InstancePortOffset is added to every instance's computed port. Used
	// by a candidate agent during an upgrade handoff so its instances
	// never collide with the primary's.
	InstancePortOffset int `yaml:"instance_port_offset"`

	// NoACME disables the ACME client entirely; certs must be supplied
	// out of band (or a self-signed fallback is used).
	NoACME bool `yaml:"no_acme"`
	// ACMEStaging selects the Let's Encrypt staging directory.
	ACMEStaging bool `yaml:"acme_staging"`
	// ACMEEmail is the contact address for the ACME account.
	ACMEEmail string `yaml:"acme_email,omitempty"`
	// ACMEAccountDir is where ACME account credentials are persisted.
	// Defaults to "<data_dir>/acme".
	ACMEAccountDir string `yaml:"acme_account_dir,omitempty"`
	// ACMETimeout bounds a single certificate issuance/renewal attempt.
	ACMETimeout time.Duration `yaml:"acme_timeout"`
	// RenewalIntervalHours is how often the renewal-check loop runs.
	RenewalIntervalHours int `yaml:"renewal_interval_hours"`

	// CertDir is where issued certificates are stored, one subdirectory
	// per domain. Defaults to "<data_dir>/certs".
	CertDir string `yaml:"cert_dir,omitempty"`

	// HealthCheckInterval is the cadence of per-instance health probes.
	HealthCheckInterval time.Duration `yaml:"health_check_interval"`
	// HealthProbeTimeout bounds a single health-probe HTTP round trip.
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout"`
	// StartupTimeout bounds how long an instance may stay Starting before
	// being killed and recorded as a startup failure.
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	// DrainTimeout bounds how long a Draining instance is given to finish
	// in-flight requests before being force-killed.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
	// OnDemandSpawnTimeout bounds how long a request waits for an
	// on-demand-spawned instance to become Healthy.
	OnDemandSpawnTimeout time.Duration `yaml:"on_demand_spawn_timeout"`
	// IdleCheckInterval is the cadence of the idle-eviction loop.
	IdleCheckInterval time.Duration `yaml:"idle_check_interval"`
	// RollingUpdateDelay is the pause between individual instance
	// replacements during a rolling deploy.
	RollingUpdateDelay time.Duration `yaml:"rolling_update_delay"`

	// DefaultHealthCheckPath is used when an app config does not specify
	// its own health-check path.
	DefaultHealthCheckPath string `yaml:"default_health_check_path"`

	// BuildStoreBucket, if set, enables fetching release artifacts
	// referenced by an "s3://<key>" deploy path from this S3(-compatible)
	// bucket instead of requiring the artifact to already sit on disk.
	BuildStoreBucket      string `yaml:"build_store_bucket,omitempty"`
	BuildStorePrefix      string `yaml:"build_store_prefix,omitempty"`
	BuildStoreRegion      string `yaml:"build_store_region,omitempty"`
	BuildStoreEndpointURL string `yaml:"build_store_endpoint_url,omitempty"`
}

// AppConfig is the desired configuration for one deployed application, as
// supplied by a `deploy` management command.
type AppConfig struct {
	// Name uniquely identifies the app: lowercase alphanumeric and
	// hyphen, 1-63 chars, not starting or ending with a hyphen.
	Name string `yaml:"name" json:"name"`
	// Version is the declared build version string.
	Version string `yaml:"version" json:"version"`
	// Path is the filesystem root of this release (must exist on disk).
	Path string `yaml:"path" json:"path"`
	// Cwd is the working directory instances are spawned in. Defaults to
	// Path if left empty.
	Cwd string `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	// Command is the argv used to spawn each instance. A bare Command[0]
	// is looked up on PATH; a relative path is resolved against Cwd.
	Command []string `yaml:"command" json:"command"`
	// Env holds additional environment variables injected into every
	// instance, alongside the standard PORT/INSTANCE_ID/APP_NAME/
	// APP_VERSION/TAKO_BUILD variables.
	Env map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	// MinInstances is the minimum instance count to maintain (0 = purely
	// on-demand).
	MinInstances int `yaml:"instances" json:"instances"`
	// MaxInstances bounds on-demand growth. Defaults to MinInstances if
	// zero and MinInstances > 0, else 1.
	MaxInstances int `yaml:"max_instances,omitempty" json:"max_instances,omitempty"`
	// BasePort is the first port assigned to instance id 1.
	BasePort int `yaml:"base_port" json:"base_port"`
	// IdleTimeoutSeconds is how long a Healthy, idle (zero in-flight)
	// instance may sit unused before being drained.
	IdleTimeoutSeconds int `yaml:"idle_timeout" json:"idle_timeout"`
	// HealthCheckPath is the HTTP path probed on each instance.
	HealthCheckPath string `yaml:"health_check_path,omitempty" json:"health_check_path,omitempty"`
	// Routes are the route patterns (host or host/path) that map traffic
	// to this app.
	Routes []string `yaml:"routes" json:"routes"`
	// LoadBalancerStrategy selects round_robin (default), least_connections,
	// or ip_hash.
	LoadBalancerStrategy string `yaml:"lb_strategy,omitempty" json:"lb_strategy,omitempty"`
	// StaticFilesEnabled turns on serving "<path>/public" for this app.
	StaticFilesEnabled bool `yaml:"static_files,omitempty" json:"static_files,omitempty"`
}

// IdleTimeout returns the configured idle timeout as a Duration.
func (c AppConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutSeconds) * time.Second
}
