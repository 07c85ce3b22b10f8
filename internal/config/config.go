package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/helioslabs/helios/internal/ratelimit"
)

// NodeConfig identifies this kernel instance in a fleet
type NodeConfig struct {
	ID string `json:"id"`
}

// DaemonConfig holds daemon-specific settings
type DaemonConfig struct {
	HTTPAddr        string        `json:"http_addr"`
	GRPCAddr        string        `json:"grpc_addr"`
	LogLevel        string        `json:"log_level"`
	LogFormat       string        `json:"log_format"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	DSN      string `json:"dsn"`
	MaxConns int32  `json:"max_conns"`
}

// ManifestConfig holds model manifest loading settings
type ManifestConfig struct {
	Path string `json:"path"`
}

// PoolConfig holds warm runner pool settings
type PoolConfig struct {
	MaxWarm    int           `json:"max_warm"`
	IdleTTL    time.Duration `json:"idle_ttl"`
	SweepEvery time.Duration `json:"sweep_every"`
}

// SessionConfig holds provider session pool settings
type SessionConfig struct {
	MaxConcurrent  int           `json:"max_concurrent"`
	AcquireTimeout time.Duration `json:"acquire_timeout"`
	IdleTimeout    time.Duration `json:"idle_timeout"`
	MaxAge         time.Duration `json:"max_age"`
	WarmCount      int           `json:"warm_count"`
	Reuse          bool          `json:"reuse"`
}

// BreakerConfig holds default circuit breaker settings applied per provider
type BreakerConfig struct {
	ConsecutiveFailures int           `json:"consecutive_failures"`
	FailureRate         float64       `json:"failure_rate"`
	WindowSize          int           `json:"window_size"`
	OpenDuration        time.Duration `json:"open_duration"`
	HalfOpenProbes      int           `json:"half_open_probes"`
	SuccessThreshold    int           `json:"success_threshold"`
}

// RateLimitConfig holds admission rate limiting settings
type RateLimitConfig struct {
	Enabled     bool                            `json:"enabled"`
	Backend     string                          `json:"backend"` // local, redis
	DefaultTier string                          `json:"default_tier"`
	Tiers       map[string]ratelimit.TierConfig `json:"tiers"`
}

// AuthConfig holds API authentication settings
type AuthConfig struct {
	Enabled     bool        `json:"enabled"`
	PublicPaths []string    `json:"public_paths"`
	DefaultRole string      `json:"default_role"` // role for unauthenticated identities when auth is disabled
	StaticKeys  []StaticKey `json:"static_keys"`
}

// StaticKey declares an API key inline in config
type StaticKey struct {
	Name     string `json:"name"`
	Key      string `json:"key"`
	TenantID string `json:"tenant_id"`
	Tier     string `json:"tier"`
}

// HealthConfig holds provider health cache settings
type HealthConfig struct {
	CacheTTL     time.Duration `json:"cache_ttl"`
	ProbeTimeout time.Duration `json:"probe_timeout"`
}

// SecretsConfig holds the at-rest encryption key for stored credentials.
// Either the hex key inline or a file holding it; file wins when both
// are set.
type SecretsConfig struct {
	MasterKey     string `json:"master_key"`
	MasterKeyFile string `json:"master_key_file"`
}

// ProviderSpec declares one provider instance the daemon builds at
// startup. Kind selects the adapter; fields that do not apply to the
// kind are ignored. Credential fields accept ${ENV}, file: and
// $SECRET: references.
type ProviderSpec struct {
	ID   string `json:"id"`
	Kind string `json:"kind"` // echo, openai-compat, anthropic, bedrock, ws-bridge

	// openai-compat
	BaseURL string `json:"base_url,omitempty"`

	// openai-compat, anthropic
	APIKey string `json:"api_key,omitempty"`

	// Model pins the upstream model identifier where the kind needs one.
	Model     string `json:"model,omitempty"`
	MaxTokens int    `json:"max_tokens,omitempty"`

	// bedrock
	Region          string `json:"region,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`

	// ws-bridge
	URL       string `json:"url,omitempty"`
	AuthToken string `json:"auth_token,omitempty"`

	Timeout time.Duration `json:"timeout,omitempty"`
}

// DispatchConfig holds orchestrator dispatch settings
type DispatchConfig struct {
	MaxAttempts    int           `json:"max_attempts"`
	DefaultTimeout time.Duration `json:"default_timeout"`
}

// AuditConfig holds audit trail settings
type AuditConfig struct {
	Enabled bool   `json:"enabled"`
	LogDir  string `json:"log_dir"`
}

// TelemetryConfig holds OpenTelemetry tracing settings
type TelemetryConfig struct {
	Enabled    bool    `json:"enabled"`
	Exporter   string  `json:"exporter"`
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs
type Config struct {
	Node      NodeConfig      `json:"node"`
	Daemon    DaemonConfig    `json:"daemon"`
	Redis     RedisConfig     `json:"redis"`
	Postgres  PostgresConfig  `json:"postgres"`
	Manifest  ManifestConfig  `json:"manifest"`
	Providers []ProviderSpec  `json:"providers"`
	Pool      PoolConfig      `json:"pool"`
	Session   SessionConfig   `json:"session"`
	Breaker   BreakerConfig   `json:"breaker"`
	RateLimit RateLimitConfig `json:"rate_limit"`
	Auth      AuthConfig      `json:"auth"`
	Health    HealthConfig    `json:"health"`
	Dispatch  DispatchConfig  `json:"dispatch"`
	Audit     AuditConfig     `json:"audit"`
	Secrets   SecretsConfig   `json:"secrets"`
	Telemetry TelemetryConfig `json:"telemetry"`
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Node: NodeConfig{
			ID: "helios-0",
		},
		Daemon: DaemonConfig{
			HTTPAddr:        ":8080",
			GRPCAddr:        "",
			LogLevel:        "info",
			LogFormat:       "text",
			ShutdownTimeout: 30 * time.Second,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
		},
		Postgres: PostgresConfig{
			DSN:      "",
			MaxConns: 10,
		},
		Manifest: ManifestConfig{
			Path: "models.yaml",
		},
		Providers: []ProviderSpec{
			{ID: "echo-0", Kind: "echo"},
		},
		Pool: PoolConfig{
			MaxWarm:    10,
			IdleTTL:    15 * time.Minute,
			SweepEvery: 5 * time.Minute,
		},
		Session: SessionConfig{
			MaxConcurrent:  32,
			AcquireTimeout: 5 * time.Second,
			IdleTimeout:    5 * time.Minute,
			MaxAge:         time.Hour,
			WarmCount:      0,
			Reuse:          true,
		},
		Breaker: BreakerConfig{
			ConsecutiveFailures: 5,
			FailureRate:         0.5,
			WindowSize:          20,
			OpenDuration:        30 * time.Second,
			HalfOpenProbes:      2,
			SuccessThreshold:    2,
		},
		RateLimit: RateLimitConfig{
			Enabled:     true,
			Backend:     "local",
			DefaultTier: "free",
			Tiers: map[string]ratelimit.TierConfig{
				"free":       {RequestsPerSecond: 5, BurstSize: 10},
				"pro":        {RequestsPerSecond: 50, BurstSize: 100},
				"enterprise": {RequestsPerSecond: 500, BurstSize: 1000},
			},
		},
		Auth: AuthConfig{
			Enabled: false,
			PublicPaths: []string{
				"/health",
				"/health/live",
				"/health/ready",
				"/metrics",
				"/metrics/prometheus",
			},
			DefaultRole: "admin",
		},
		Health: HealthConfig{
			CacheTTL:     30 * time.Second,
			ProbeTimeout: 5 * time.Second,
		},
		Dispatch: DispatchConfig{
			MaxAttempts:    3,
			DefaultTimeout: 30 * time.Second,
		},
		Audit: AuditConfig{
			Enabled: true,
			LogDir:  "",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Exporter:   "otlp-http",
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
		},
	}
}

// LoadFromFile loads configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("HELIOS_NODE_ID"); v != "" {
		cfg.Node.ID = v
	}
	if v := os.Getenv("HELIOS_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("HELIOS_GRPC_ADDR"); v != "" {
		cfg.Daemon.GRPCAddr = v
	}
	if v := os.Getenv("HELIOS_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("HELIOS_LOG_FORMAT"); v != "" {
		cfg.Daemon.LogFormat = v
	}
	if v := os.Getenv("HELIOS_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("HELIOS_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("HELIOS_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("HELIOS_MANIFEST_PATH"); v != "" {
		cfg.Manifest.Path = v
	}
	if v := os.Getenv("HELIOS_RATELIMIT_BACKEND"); v != "" {
		cfg.RateLimit.Backend = v
	}
	if v := os.Getenv("HELIOS_AUTH_ENABLED"); v != "" {
		cfg.Auth.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("HELIOS_API_KEY"); v != "" {
		cfg.Auth.Enabled = true
		cfg.Auth.StaticKeys = append(cfg.Auth.StaticKeys, StaticKey{
			Name: "env",
			Key:  v,
			Tier: cfg.RateLimit.DefaultTier,
		})
	}
	if v := os.Getenv("HELIOS_SECRETS_MASTER_KEY"); v != "" {
		cfg.Secrets.MasterKey = v
	}
	if v := os.Getenv("HELIOS_TELEMETRY_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
	if v := os.Getenv("HELIOS_AUDIT_LOG_DIR"); v != "" {
		cfg.Audit.LogDir = v
	}
}

// Validate checks the configuration for invalid values
func (c *Config) Validate() error {
	if c.Node.ID == "" {
		return fmt.Errorf("config: node.id must not be empty")
	}
	if c.Daemon.HTTPAddr == "" {
		return fmt.Errorf("config: daemon.http_addr must not be empty")
	}
	if c.Pool.MaxWarm <= 0 {
		return fmt.Errorf("config: pool.max_warm must be positive, got %d", c.Pool.MaxWarm)
	}
	if c.Session.MaxConcurrent <= 0 {
		return fmt.Errorf("config: session.max_concurrent must be positive, got %d", c.Session.MaxConcurrent)
	}
	if c.Session.AcquireTimeout <= 0 {
		return fmt.Errorf("config: session.acquire_timeout must be positive")
	}
	if c.Breaker.FailureRate < 0 || c.Breaker.FailureRate > 1 {
		return fmt.Errorf("config: breaker.failure_rate must be in [0, 1], got %v", c.Breaker.FailureRate)
	}
	if c.Dispatch.MaxAttempts <= 0 {
		return fmt.Errorf("config: dispatch.max_attempts must be positive, got %d", c.Dispatch.MaxAttempts)
	}
	if c.RateLimit.Enabled {
		switch c.RateLimit.Backend {
		case "local", "redis":
		default:
			return fmt.Errorf("config: rate_limit.backend must be local or redis, got %q", c.RateLimit.Backend)
		}
		if _, ok := c.RateLimit.Tiers[c.RateLimit.DefaultTier]; !ok {
			return fmt.Errorf("config: rate_limit.default_tier %q not defined in tiers", c.RateLimit.DefaultTier)
		}
	}
	for _, k := range c.Auth.StaticKeys {
		if k.Key == "" {
			return fmt.Errorf("config: auth.static_keys entry %q has empty key", k.Name)
		}
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: providers entry with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		switch p.Kind {
		case "echo", "openai-compat", "anthropic", "bedrock", "ws-bridge":
		default:
			return fmt.Errorf("config: provider %q has unknown kind %q", p.ID, p.Kind)
		}
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		return fmt.Errorf("config: telemetry.sample_rate must be in [0, 1], got %v", c.Telemetry.SampleRate)
	}
	return nil
}
