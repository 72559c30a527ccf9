// Package config provides configuration parsing and validation for the
// relay and its clients.
package config

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration. One file can describe the
// relay and both clients; each command reads the sections it needs.
type Config struct {
	Log       LogConfig       `yaml:"log"`
	Relay     RelayConfig     `yaml:"relay"`
	Auth      AuthConfig      `yaml:"auth"`
	Pairing   PairingConfig   `yaml:"pairing"`
	Health    HealthConfig    `yaml:"health"`
	Control   ControlConfig   `yaml:"control"`
	Agent     AgentConfig     `yaml:"agent"`
	Requester RequesterConfig `yaml:"requester"`
}

// LogConfig selects the log level and output format.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// RelayConfig defines the relay websocket endpoint.
type RelayConfig struct {
	Address      string        `yaml:"address"`
	Path         string        `yaml:"path"`
	TLS          TLSConfig     `yaml:"tls"`
	PlainText    bool          `yaml:"plaintext"`
	ReadLimit    ByteSize      `yaml:"read_limit"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// TLSConfig defines server certificate files.
type TLSConfig struct {
	Cert string `yaml:"cert"`
	Key  string `yaml:"key"`
}

// AuthConfig holds the shared client credential. SecretHash is a bcrypt
// hash and takes precedence over SharedSecret.
type AuthConfig struct {
	SharedSecret string `yaml:"shared_secret"`
	SecretHash   string `yaml:"secret_hash"`
}

// PairingConfig defines pairing policy settings.
type PairingConfig struct {
	// DefaultRole applies to clients that send neither a type parameter nor
	// an agent User-Agent. Production clients should always send type.
	DefaultRole string `yaml:"default_role"`
}

// HealthConfig defines health check server settings.
type HealthConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Address      string        `yaml:"address"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// ControlConfig defines control socket settings.
type ControlConfig struct {
	Enabled    bool   `yaml:"enabled"`
	SocketPath string `yaml:"socket_path"`
}

// ClientTLSConfig controls how clients verify the relay certificate.
type ClientTLSConfig struct {
	// Fingerprint pins the relay certificate ("sha256:<hex>").
	Fingerprint string `yaml:"fingerprint"`
	// Insecure skips verification when no fingerprint is set.
	Insecure bool `yaml:"insecure"`
}

// ReconnectConfig defines reconnection behavior.
type ReconnectConfig struct {
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Multiplier   float64       `yaml:"multiplier"`
	Jitter       float64       `yaml:"jitter"`
	MaxRetries   int           `yaml:"max_retries"` // 0 = infinite
}

// AgentConfig configures the agent client (Client B).
type AgentConfig struct {
	RelayURL             string          `yaml:"relay_url"`
	Token                string          `yaml:"token"`
	AllowedDomains       []string        `yaml:"allowed_domains"`
	RequestTimeout       time.Duration   `yaml:"request_timeout"`
	PingInterval         time.Duration   `yaml:"ping_interval"`
	MaxRequestsPerSecond float64         `yaml:"max_requests_per_second"`
	Burst                int             `yaml:"burst"`
	MaxBodySize          ByteSize        `yaml:"max_body_size"`
	Reconnect            ReconnectConfig `yaml:"reconnect"`
	TLS                  ClientTLSConfig `yaml:"tls"`
}

// RequesterConfig configures the requester proxy (Client A).
type RequesterConfig struct {
	RelayURL        string          `yaml:"relay_url"`
	Token           string          `yaml:"token"`
	Listen          string          `yaml:"listen"`
	ResponseTimeout time.Duration   `yaml:"response_timeout"`
	PingInterval    time.Duration   `yaml:"ping_interval"`
	MaxBodySize     ByteSize        `yaml:"max_body_size"`
	Reconnect       ReconnectConfig `yaml:"reconnect"`
	TLS             ClientTLSConfig `yaml:"tls"`
}

// DefaultReconnect returns the default client reconnect schedule.
func DefaultReconnect() ReconnectConfig {
	return ReconnectConfig{
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		Jitter:       0.2,
		MaxRetries:   0,
	}
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Relay: RelayConfig{
			Address:      "0.0.0.0:8443",
			Path:         "/relay",
			ReadLimit:    1 << 20,
			WriteTimeout: 10 * time.Second,
		},
		Pairing: PairingConfig{
			DefaultRole: "requester",
		},
		Health: HealthConfig{
			Enabled:      false,
			Address:      "127.0.0.1:9090",
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		Control: ControlConfig{
			Enabled:    false,
			SocketPath: "./relaybridge.sock",
		},
		Agent: AgentConfig{
			RequestTimeout:       30 * time.Second,
			PingInterval:         30 * time.Second,
			MaxRequestsPerSecond: 50,
			Burst:                10,
			MaxBodySize:          10 << 20,
			Reconnect:            DefaultReconnect(),
		},
		Requester: RequesterConfig{
			Listen:          "127.0.0.1:8088",
			ResponseTimeout: 30 * time.Second,
			PingInterval:    30 * time.Second,
			MaxBodySize:     10 << 20,
			Reconnect:       DefaultReconnect(),
		},
	}
}

// Load reads and parses a configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse parses configuration from YAML bytes.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	cfg := Default()

	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// envVarRegex matches ${VAR} or $VAR patterns
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// expandEnvVars replaces environment variable references with their values.
// ${VAR:-default} falls back to default when VAR is unset; unknown
// variables without a default are left as written.
func expandEnvVars(s string) string {
	return envVarRegex.ReplaceAllStringFunc(s, func(match string) string {
		var name string
		if strings.HasPrefix(match, "${") {
			name = match[2 : len(match)-1]
		} else {
			name = match[1:]
		}

		if varName, defaultVal, ok := strings.Cut(name, ":-"); ok {
			if val, found := os.LookupEnv(varName); found {
				return val
			}
			return defaultVal
		}

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		return match
	})
}

// validationError joins problems in the format every Validate method uses.
func validationError(errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("validation errors:\n  - %s", strings.Join(errs, "\n  - "))
}

// Validate checks the parts of the configuration every command relies on.
func (c *Config) Validate() error {
	var errs []string

	if !isValidLogLevel(c.Log.Level) {
		errs = append(errs, fmt.Sprintf("invalid log.level: %s (must be debug, info, warn, or error)", c.Log.Level))
	}
	if !isValidLogFormat(c.Log.Format) {
		errs = append(errs, fmt.Sprintf("invalid log.format: %s (must be text or json)", c.Log.Format))
	}
	if !isValidRole(c.Pairing.DefaultRole) {
		errs = append(errs, fmt.Sprintf("invalid pairing.default_role: %s (must be requester or agent)", c.Pairing.DefaultRole))
	}
	if c.Relay.ReadLimit < 0 {
		errs = append(errs, "relay.read_limit must not be negative")
	}
	if c.Relay.WriteTimeout < 0 {
		errs = append(errs, "relay.write_timeout must not be negative")
	}
	if c.Health.Enabled && c.Health.Address == "" {
		errs = append(errs, "health.address is required when enabled")
	}
	if c.Control.Enabled && c.Control.SocketPath == "" {
		errs = append(errs, "control.socket_path is required when enabled")
	}
	errs = append(errs, validateReconnect("agent.reconnect", c.Agent.Reconnect)...)
	errs = append(errs, validateReconnect("requester.reconnect", c.Requester.Reconnect)...)

	return validationError(errs)
}

// ValidateRelay checks what the relay server needs.
func (c *Config) ValidateRelay() error {
	var errs []string

	if c.Relay.Address == "" {
		errs = append(errs, "relay.address is required")
	} else if _, _, err := net.SplitHostPort(c.Relay.Address); err != nil {
		errs = append(errs, fmt.Sprintf("relay.address: %v", err))
	}
	if !strings.HasPrefix(c.Relay.Path, "/") {
		errs = append(errs, "relay.path must start with /")
	}
	if !c.Relay.PlainText && (c.Relay.TLS.Cert == "" || c.Relay.TLS.Key == "") {
		errs = append(errs, "relay.tls.cert and relay.tls.key are required unless relay.plaintext is true")
	}
	if c.Auth.SharedSecret == "" && c.Auth.SecretHash == "" {
		errs = append(errs, "auth.shared_secret or auth.secret_hash is required")
	}

	return validationError(errs)
}

// ValidateAgent checks what the agent client needs.
func (c *Config) ValidateAgent() error {
	var errs []string

	errs = append(errs, validateRelayURL("agent.relay_url", c.Agent.RelayURL)...)
	if c.Agent.Token == "" {
		errs = append(errs, "agent.token is required")
	}
	if c.Agent.RequestTimeout <= 0 {
		errs = append(errs, "agent.request_timeout must be positive")
	}
	if c.Agent.MaxRequestsPerSecond < 0 {
		errs = append(errs, "agent.max_requests_per_second must not be negative")
	}
	if c.Agent.MaxRequestsPerSecond > 0 && c.Agent.Burst < 1 {
		errs = append(errs, "agent.burst must be at least 1 when rate limiting")
	}

	return validationError(errs)
}

// ValidateRequester checks what the requester proxy needs.
func (c *Config) ValidateRequester() error {
	var errs []string

	errs = append(errs, validateRelayURL("requester.relay_url", c.Requester.RelayURL)...)
	if c.Requester.Token == "" {
		errs = append(errs, "requester.token is required")
	}
	if c.Requester.Listen == "" {
		errs = append(errs, "requester.listen is required")
	}
	if c.Requester.ResponseTimeout <= 0 {
		errs = append(errs, "requester.response_timeout must be positive")
	}

	return validationError(errs)
}

func validateRelayURL(field, raw string) []string {
	if raw == "" {
		return []string{field + " is required"}
	}
	u, err := url.Parse(raw)
	if err != nil {
		return []string{fmt.Sprintf("%s: %v", field, err)}
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return []string{fmt.Sprintf("%s: unsupported scheme %q (must be ws or wss)", field, u.Scheme)}
	}
	if u.Host == "" {
		return []string{field + ": host is required"}
	}
	return nil
}

func validateReconnect(field string, r ReconnectConfig) []string {
	var errs []string
	if r.InitialDelay < 0 || r.MaxDelay < 0 {
		errs = append(errs, field+" delays must not be negative")
	}
	if r.MaxDelay > 0 && r.InitialDelay > r.MaxDelay {
		errs = append(errs, field+".initial_delay must not exceed max_delay")
	}
	if r.Multiplier != 0 && r.Multiplier < 1 {
		errs = append(errs, field+".multiplier must be at least 1")
	}
	if r.Jitter < 0 || r.Jitter > 1 {
		errs = append(errs, field+".jitter must be between 0 and 1")
	}
	return errs
}

func isValidLogLevel(level string) bool {
	switch level {
	case "debug", "info", "warn", "error":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "text", "json":
		return true
	default:
		return false
	}
}

func isValidRole(role string) bool {
	switch strings.ToLower(role) {
	case "requester", "agent":
		return true
	default:
		return false
	}
}

// String returns a string representation of the config (for debugging).
// WARNING: This method redacts sensitive values. Use StringUnsafe() for full output.
func (c *Config) String() string {
	redacted := c.Redacted()
	data, _ := yaml.Marshal(redacted)
	return string(data)
}

// StringUnsafe returns a string representation including sensitive values.
// Use with caution - do not log the output.
func (c *Config) StringUnsafe() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

// redactedValue is the placeholder for sensitive values.
const redactedValue = "[REDACTED]"

// Redacted returns a copy of the config with secrets replaced, safe to log.
func (c *Config) Redacted() *Config {
	data, err := yaml.Marshal(c)
	if err != nil {
		return c
	}

	redacted := &Config{}
	if err := yaml.Unmarshal(data, redacted); err != nil {
		return c
	}

	for _, s := range []*string{
		&redacted.Auth.SharedSecret,
		&redacted.Auth.SecretHash,
		&redacted.Agent.Token,
		&redacted.Requester.Token,
		&redacted.Relay.TLS.Key,
	} {
		if *s != "" {
			*s = redactedValue
		}
	}

	return redacted
}

// HasSensitiveData returns true if the config contains any secret.
func (c *Config) HasSensitiveData() bool {
	return c.Auth.SharedSecret != "" || c.Auth.SecretHash != "" ||
		c.Agent.Token != "" || c.Requester.Token != ""
}
