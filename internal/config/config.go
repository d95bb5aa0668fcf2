package config

import (
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Role selects which binary's defaults and validation rules apply.
type Role string

const (
	RoleAuthority Role = "authority"
	RoleRuntime   Role = "runtime"
	RoleCLI       Role = "cli"
)

// Default ports per role.
const (
	DefaultAuthorityPort = 8080
	DefaultRuntimePort   = 8090
)

// Config holds the leasegate configuration shared by all binaries.
type Config struct {
	HTTP      HTTPConfig      `yaml:"http"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
	Authority AuthorityConfig `yaml:"authority"`
	Runtime   RuntimeConfig   `yaml:"runtime"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error (default: determined by env)
}

// TracingConfig holds OpenTelemetry settings. An empty endpoint disables export
// unless OTEL_EXPORTER_OTLP_ENDPOINT is set.
type TracingConfig struct {
	Endpoint    string `yaml:"endpoint"`
	ServiceName string `yaml:"service_name"`
}

// HTTPConfig holds HTTP server settings.
type HTTPConfig struct {
	Port            int `yaml:"port"`
	ReadTimeoutSec  int `yaml:"read_timeout_sec"`
	WriteTimeoutSec int `yaml:"write_timeout_sec"`
	ShutdownSec     int `yaml:"shutdown_timeout_sec"`
}

// DatabaseConfig holds ledger store connection settings.
type DatabaseConfig struct {
	Driver           string   `yaml:"driver"` // valkey, redis (default: valkey)
	Addrs            []string `yaml:"addrs"`
	Password         string   `yaml:"password"`
	ReadinessTimeout int      `yaml:"readiness_timeout_sec"`
}

// AuthorityConfig holds credential vault and ledger settings.
type AuthorityConfig struct {
	Issuer             string            `yaml:"issuer"`
	SigningSecret      string            `yaml:"signing_secret"`
	MasterKey          string            `yaml:"master_key"` // base64, 32 bytes
	LeaseSalt          string            `yaml:"lease_salt"`
	DefaultGrantUSD    float64           `yaml:"default_grant_usd"`
	MaxGrantUSD        float64           `yaml:"max_grant_usd"`
	Provider           string            `yaml:"provider"`
	ProviderKeys       map[string]string `yaml:"provider_keys"`
	UsageDedupTTLHours int               `yaml:"usage_dedup_ttl_hours"`
	CredentialTTLHours int               `yaml:"credential_ttl_hours"`
}

// RuntimeConfig holds gateway settings.
type RuntimeConfig struct {
	AuthorityURL        string             `yaml:"authority_url"`
	Credentials         []string           `yaml:"credentials"`
	LeaseSalt           string             `yaml:"lease_salt"`
	RequestedBudgetUSD  float64            `yaml:"requested_budget_usd"`
	LowWaterUSD         float64            `yaml:"low_water_usd"`
	RefreshBudgetUSD    float64            `yaml:"refresh_budget_usd"`
	AttemptTimeoutSec   int                `yaml:"attempt_timeout_sec"`
	Providers           []ProviderConfig   `yaml:"providers"`
	Pricing             map[string]float64 `yaml:"pricing"` // USD per million tokens
	DefaultPricePerMUSD float64            `yaml:"default_price_usd_per_million"`
	Estimate            EstimateConfig     `yaml:"estimate"`
	Safety              SafetyConfig       `yaml:"safety"`
	Tools               map[string]string  `yaml:"tools"`
	ToolTimeoutSec      int                `yaml:"tool_timeout_sec"`
	Queue               QueueConfig        `yaml:"queue"`
	AuthorityTimeoutSec int                `yaml:"authority_timeout_sec"`
}

// ProviderConfig is one entry of the provider fallback chain.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// EstimateConfig tunes pre-call cost estimation.
type EstimateConfig struct {
	MaxTokens int `yaml:"max_tokens"`
}

// SafetyConfig parameterizes the safety policy.
type SafetyConfig struct {
	PolicyPath     string   `yaml:"policy_path"`
	DeniedTerms    []string `yaml:"denied_terms"`
	AllowedTools   []string `yaml:"allowed_tools"`
	SecretPatterns []string `yaml:"secret_patterns"`
}

// QueueConfig holds reconciliation queue settings.
type QueueConfig struct {
	BufferPath        string `yaml:"buffer_path"`
	Capacity          int    `yaml:"capacity"`
	Workers           int    `yaml:"workers"`
	MaxAttempts       int    `yaml:"max_attempts"`
	InitialBackoffMS  int    `yaml:"initial_backoff_ms"`
	MaxBackoffMS      int    `yaml:"max_backoff_ms"`
	ReplayIntervalSec int    `yaml:"replay_interval_sec"`
}

// Load reads configuration from a YAML file by environment name (local, dev, prod).
// A .env file in the working directory, when present, seeds the environment first.
func Load(env string, role Role) (Config, error) {
	_ = godotenv.Load()

	configPath := findConfigPath(env)

	data, err := os.ReadFile(filepath.Clean(configPath))
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", configPath, err)
	}

	return Parse(data, role)
}

// Parse expands environment references in data and decodes it for role.
func Parse(data []byte, role Role) (Config, error) {
	data = expandEnvVars(data)

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.ApplyDefaults(role)

	if err := cfg.Validate(role); err != nil {
		return Config{}, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// MustLoad loads configuration or panics.
func MustLoad(env string, role Role) Config {
	cfg, err := Load(env, role)
	if err != nil {
		panic(err)
	}
	return cfg
}

// GetEnv returns the current environment from the ENV variable, defaulting to "local".
func GetEnv() string {
	if env := os.Getenv("ENV"); env != "" {
		return env
	}
	return "local"
}

// ApplyDefaults fills empty fields with default values.
func (c *Config) ApplyDefaults(role Role) {
	if c.HTTP.Port <= 0 {
		c.HTTP.Port = DefaultAuthorityPort
		if role == RoleRuntime {
			c.HTTP.Port = DefaultRuntimePort
		}
	}
	if c.HTTP.ReadTimeoutSec <= 0 {
		c.HTTP.ReadTimeoutSec = 10
	}
	if c.HTTP.WriteTimeoutSec <= 0 {
		// Completions walk the whole provider chain.
		c.HTTP.WriteTimeoutSec = 120
	}
	if c.HTTP.ShutdownSec <= 0 {
		c.HTTP.ShutdownSec = 10
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "valkey"
	}
	if c.Database.ReadinessTimeout <= 0 {
		c.Database.ReadinessTimeout = 10
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "leasegate-" + string(role)
	}

	a := &c.Authority
	if a.Issuer == "" {
		a.Issuer = "leasegate-authority"
	}
	if a.DefaultGrantUSD <= 0 {
		a.DefaultGrantUSD = 10
	}
	if a.MaxGrantUSD <= 0 {
		a.MaxGrantUSD = 100
	}
	if a.Provider == "" {
		a.Provider = "openai"
	}
	if a.UsageDedupTTLHours <= 0 {
		a.UsageDedupTTLHours = 720
	}
	if a.CredentialTTLHours <= 0 {
		a.CredentialTTLHours = 24
	}

	r := &c.Runtime
	if r.RequestedBudgetUSD <= 0 {
		r.RequestedBudgetUSD = 10
	}
	if r.LowWaterUSD <= 0 {
		r.LowWaterUSD = 1
	}
	if r.RefreshBudgetUSD <= 0 {
		r.RefreshBudgetUSD = 10
	}
	if r.AttemptTimeoutSec <= 0 {
		r.AttemptTimeoutSec = 30
	}
	if r.ToolTimeoutSec <= 0 {
		r.ToolTimeoutSec = 30
	}
	if r.AuthorityTimeoutSec <= 0 {
		r.AuthorityTimeoutSec = 10
	}
	if r.DefaultPricePerMUSD <= 0 {
		r.DefaultPricePerMUSD = 10
	}
	if r.Estimate.MaxTokens <= 0 {
		r.Estimate.MaxTokens = 1024
	}
	q := &r.Queue
	if q.BufferPath == "" {
		q.BufferPath = "leasegate-buffer.db"
	}
	if q.Capacity <= 0 {
		q.Capacity = 1024
	}
	if q.Workers <= 0 {
		q.Workers = 2
	}
	if q.MaxAttempts <= 0 {
		q.MaxAttempts = 5
	}
	if q.InitialBackoffMS <= 0 {
		q.InitialBackoffMS = 100
	}
	if q.MaxBackoffMS <= 0 {
		q.MaxBackoffMS = 5000
	}
	if q.ReplayIntervalSec <= 0 {
		q.ReplayIntervalSec = 10
	}
}

// Validate checks the configuration for correctness for role.
func (c *Config) Validate(role Role) error {
	if c.HTTP.Port <= 0 || c.HTTP.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535, got %d", c.HTTP.Port)
	}
	switch c.Database.Driver {
	case "valkey", "redis":
	default:
		return fmt.Errorf("database.driver must be \"valkey\" or \"redis\", got %q", c.Database.Driver)
	}
	switch role {
	case RoleAuthority:
		return c.validateAuthority()
	case RoleRuntime:
		return c.validateRuntime()
	case RoleCLI:
		if len(c.Database.Addrs) == 0 {
			return fmt.Errorf("database.addrs is required")
		}
		return nil
	default:
		return fmt.Errorf("unknown role %q", role)
	}
}

func (c *Config) validateAuthority() error {
	a := c.Authority
	if len(c.Database.Addrs) == 0 {
		return fmt.Errorf("database.addrs is required")
	}
	if len(a.SigningSecret) < 32 {
		return fmt.Errorf("authority.signing_secret must be at least 32 bytes")
	}
	if err := validateMasterKey(a.MasterKey); err != nil {
		return err
	}
	if a.LeaseSalt == "" {
		return fmt.Errorf("authority.lease_salt is required")
	}
	if a.MaxGrantUSD < a.DefaultGrantUSD {
		return fmt.Errorf("authority.max_grant_usd (%v) must be >= default_grant_usd (%v)", a.MaxGrantUSD, a.DefaultGrantUSD)
	}
	return nil
}

func (c *Config) validateRuntime() error {
	r := c.Runtime
	if r.AuthorityURL == "" {
		return fmt.Errorf("runtime.authority_url is required")
	}
	if len(r.Credentials) == 0 {
		return fmt.Errorf("runtime.credentials needs at least one agent credential")
	}
	if r.LeaseSalt == "" {
		return fmt.Errorf("runtime.lease_salt is required")
	}
	if len(r.Providers) == 0 {
		return fmt.Errorf("runtime.providers needs at least one provider")
	}
	for i, p := range r.Providers {
		if p.Name == "" {
			return fmt.Errorf("runtime.providers[%d].name is required", i)
		}
	}
	if r.LowWaterUSD >= r.RequestedBudgetUSD {
		return fmt.Errorf("runtime.low_water_usd (%v) must be below requested_budget_usd (%v)", r.LowWaterUSD, r.RequestedBudgetUSD)
	}
	for model, price := range r.Pricing {
		if price < 0 {
			return fmt.Errorf("runtime.pricing.%s cannot be negative", model)
		}
	}
	return nil
}

func validateMasterKey(b64 string) error {
	key, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("authority.master_key must be base64: %w", err)
	}
	if len(key) != 32 {
		return fmt.Errorf("authority.master_key must decode to 32 bytes, got %d", len(key))
	}
	return nil
}

// findConfigPath locates the config file.
func findConfigPath(env string) string {
	filename := fmt.Sprintf("%s.yaml", env)

	// 1. Check ./config/
	if path := filepath.Join("config", filename); fileExists(path) {
		return path
	}

	// 2. Check relative to the source file
	_, b, _, _ := runtime.Caller(0)
	projectRoot := filepath.Dir(filepath.Dir(filepath.Dir(b))) // internal/config -> project root
	if path := filepath.Join(projectRoot, "config", filename); fileExists(path) {
		return path
	}

	// 3. Fallback to ./config/
	return filepath.Join("config", filename)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// expandEnvVars replaces ${VAR} and ${VAR:-default} with environment variable values.
var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

func expandEnvVars(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		expr := string(match[2 : len(match)-1]) // strip ${ and }
		varName, defaultVal, hasDefault := strings.Cut(expr, ":-")
		val := os.Getenv(varName)
		if val == "" && hasDefault {
			val = defaultVal
		}
		return []byte(val)
	})
}
