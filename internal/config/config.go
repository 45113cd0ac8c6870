// ABOUTME: Configuration loading and parsing for cmdmesh controller and agent.
// ABOUTME: YAML files with environment variable expansion and duration parsing.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultPort is the controller's listening port when none is configured.
const DefaultPort = 5555

// Controller is the complete controller configuration.
type Controller struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	TLS       TLS       `yaml:"tls"`
	Auth      Auth      `yaml:"auth"`
	Timeouts  Timeouts  `yaml:"timeouts"`
	Inventory Inventory `yaml:"inventory"`
	Metrics   Metrics   `yaml:"metrics"`
	Logging   Logging   `yaml:"logging"`

	// AllowCommandRequests permits agents to ask the controller to execute
	// commands locally. Off by default: an inbound connection should not be
	// able to run code on the controller host without an explicit opt-in.
	AllowCommandRequests bool `yaml:"allow_command_requests"`
}

// Agent is the complete agent configuration.
type Agent struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// ClientID pins the agent identity across restarts. Empty generates a
	// fresh UUID per process.
	ClientID string `yaml:"client_id"`

	TLS      TLS      `yaml:"tls"`
	Token    string   `yaml:"token"`
	Timeouts Timeouts `yaml:"timeouts"`
	Logging  Logging  `yaml:"logging"`
}

// TLS holds transport encryption settings, used by both sides. The
// controller needs the cert/key pair; the agent optionally pins the
// certificate or, explicitly and loudly, skips verification.
type TLS struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
	// InsecureSkipVerify disables certificate verification on the agent
	// side. The connection stays encrypted but the peer is unauthenticated.
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`
}

// Auth configures the optional registration-token hook.
type Auth struct {
	// Mode is "none", "static", or "jwt".
	Mode string `yaml:"mode"`
	// Secret is the shared secret (static) or HMAC key (jwt).
	Secret string `yaml:"secret"`
}

// Inventory configures the optional SQLite client roster.
type Inventory struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Metrics configures the optional Prometheus exposition listener.
type Metrics struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Logging holds log level and format ("text" or "json").
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Timeouts gathers the liveness and execution windows. Raw strings come from
// YAML; the parsed durations are what the rest of the system reads.
type Timeouts struct {
	Read           time.Duration `yaml:"-"`
	Execution      time.Duration `yaml:"-"`
	Dispatch       time.Duration `yaml:"-"`
	ReconnectDelay time.Duration `yaml:"-"`
	HealthInterval time.Duration `yaml:"-"`
	Staleness      time.Duration `yaml:"-"`

	ReadRaw           string `yaml:"read"`
	ExecutionRaw      string `yaml:"execution"`
	DispatchRaw       string `yaml:"dispatch"`
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
	HealthIntervalRaw string `yaml:"health_interval"`
	StalenessRaw      string `yaml:"staleness"`
}

// DefaultController returns a controller config with the protocol defaults:
// listen on all interfaces, port 5555, 60s reads, 60s execution limit, 30s
// health sweeps against a 120s staleness threshold.
func DefaultController() *Controller {
	return &Controller{
		Host: "0.0.0.0",
		Port: DefaultPort,
		Timeouts: Timeouts{
			Read:           60 * time.Second,
			Execution:      60 * time.Second,
			Dispatch:       30 * time.Second,
			HealthInterval: 30 * time.Second,
			Staleness:      120 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// DefaultAgent returns an agent config with the protocol defaults: 30s
// reads, 60s execution limit, 5s reconnect delay, 10s request wait.
func DefaultAgent() *Agent {
	return &Agent{
		Port: DefaultPort,
		Timeouts: Timeouts{
			Read:           30 * time.Second,
			Execution:      60 * time.Second,
			Dispatch:       10 * time.Second,
			ReconnectDelay: 5 * time.Second,
		},
		Logging: Logging{Level: "info", Format: "text"},
	}
}

// LoadController reads and validates a controller config file. Environment
// variables in ${VAR} form are expanded before parsing.
func LoadController(path string) (*Controller, error) {
	cfg := DefaultController()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Timeouts.parse(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// LoadAgent reads and validates an agent config file.
func LoadAgent(path string) (*Agent, error) {
	cfg := DefaultAgent()
	if err := loadInto(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Timeouts.parse(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadInto(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	expanded := expandEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), out); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks controller invariants. TLS material must exist up front:
// a missing key is the one startup error worth dying for.
func (c *Controller) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when tls is enabled")
		}
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file: %w", err)
		}
	}
	switch c.Auth.Mode {
	case "", "none":
	case "static", "jwt":
		if c.Auth.Secret == "" {
			return fmt.Errorf("auth.secret is required for auth.mode %q", c.Auth.Mode)
		}
	default:
		return fmt.Errorf("unknown auth.mode %q", c.Auth.Mode)
	}
	if c.Inventory.Enabled && c.Inventory.Path == "" {
		return fmt.Errorf("inventory.path is required when inventory is enabled")
	}
	if c.Metrics.Enabled && c.Metrics.Addr == "" {
		return fmt.Errorf("metrics.addr is required when metrics is enabled")
	}
	return nil
}

// Validate checks agent invariants.
func (a *Agent) Validate() error {
	if a.Host == "" {
		return fmt.Errorf("host is required")
	}
	if a.Port <= 0 || a.Port > 65535 {
		return fmt.Errorf("port %d out of range", a.Port)
	}
	if a.TLS.CertFile != "" {
		if _, err := os.Stat(a.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file: %w", err)
		}
	}
	return nil
}

func (t *Timeouts) parse() error {
	fields := []struct {
		raw  string
		dst  *time.Duration
		name string
	}{
		{t.ReadRaw, &t.Read, "read"},
		{t.ExecutionRaw, &t.Execution, "execution"},
		{t.DispatchRaw, &t.Dispatch, "dispatch"},
		{t.ReconnectDelayRaw, &t.ReconnectDelay, "reconnect_delay"},
		{t.HealthIntervalRaw, &t.HealthInterval, "health_interval"},
		{t.StalenessRaw, &t.Staleness, "staleness"},
	}
	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing timeouts.%s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
