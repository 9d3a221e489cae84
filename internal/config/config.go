// ABOUTME: Configuration loading and parsing for notary-connect
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Role values accepted for operators.
const (
	RoleOperator = "operator"
	RoleAdmin    = "admin"
)

// Auth store drivers.
const (
	AuthStoreSQLite = "sqlite"
	AuthStoreRedis  = "redis"
)

// Config represents the complete notary-connect configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Tailscale TailscaleConfig  `yaml:"tailscale"`
	Database  DatabaseConfig   `yaml:"database"`
	Auth      AuthConfig       `yaml:"auth"`
	Sectors   []SectorConfig   `yaml:"sectors"`
	Operators []OperatorConfig `yaml:"operators"`
	Channel   ChannelConfig    `yaml:"channel"`
	AuthStore AuthStoreConfig  `yaml:"auth_store"`
	Responder ResponderConfig  `yaml:"responder"`
	Router    RouterConfig     `yaml:"router"`
	Media     MediaConfig      `yaml:"media"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	GRPCAddr       string   `yaml:"grpc_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path         string `yaml:"path"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// AuthConfig holds token signing configuration
type AuthConfig struct {
	JWTSecret   string        `yaml:"jwt_secret"`
	TokenTTL    time.Duration `yaml:"-"`
	TokenTTLRaw string        `yaml:"token_ttl"`
}

// SectorConfig declares a routing sector operators can belong to.
type SectorConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// OperatorConfig declares one operator account.
type OperatorConfig struct {
	ID           string   `yaml:"id"`
	Name         string   `yaml:"name"`
	Username     string   `yaml:"username"`
	PasswordHash string   `yaml:"password_hash"`
	Sectors      []string `yaml:"sectors"`
	Role         string   `yaml:"role"`
}

// ChannelConfig holds messaging channel session configuration
type ChannelConfig struct {
	SessionID string       `yaml:"session_id"`
	SendRate  float64      `yaml:"send_rate"`
	SendBurst int          `yaml:"send_burst"`
	Matrix    MatrixConfig `yaml:"matrix"`

	ReconnectDelay time.Duration `yaml:"-"`
	RestartDelay   time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	ReconnectDelayRaw string `yaml:"reconnect_delay"`
	RestartDelayRaw   string `yaml:"restart_delay"`
}

// MatrixConfig holds the Matrix transport settings
type MatrixConfig struct {
	Homeserver      string   `yaml:"homeserver"`
	Username        string   `yaml:"username"`
	Password        string   `yaml:"password"`
	DeviceName      string   `yaml:"device_name"`
	SSOCallbackURL  string   `yaml:"sso_callback_url"`
	AllowedRooms    []string `yaml:"allowed_rooms"`
	TypingIndicator bool     `yaml:"typing_indicator"`
	E2EE            bool     `yaml:"e2ee"`
	RecoveryKey     string   `yaml:"recovery_key"`
	DataDir         string   `yaml:"data_dir"`
}

// AuthStoreConfig selects where channel credentials are persisted.
type AuthStoreConfig struct {
	Driver    string `yaml:"driver"`
	RedisURL  string `yaml:"redis_url"`
	KeyPrefix string `yaml:"key_prefix"`
}

// ResponderConfig holds auto-response configuration
type ResponderConfig struct {
	RulesPath string   `yaml:"rules_path"`
	Timezone  string   `yaml:"timezone"`
	Holidays  []string `yaml:"holidays"`
}

// RouterConfig holds conversation routing configuration
type RouterConfig struct {
	ClosingMessage string `yaml:"closing_message"`
	DedupeSize     int    `yaml:"dedupe_size"`
	Workers        int    `yaml:"workers"`
	HistoryLimit   int    `yaml:"history_limit"`

	DedupeTTL    time.Duration `yaml:"-"`
	DedupeTTLRaw string        `yaml:"dedupe_ttl"`
}

// MediaConfig holds operator upload storage configuration
type MediaConfig struct {
	Dir            string `yaml:"dir"`
	BaseURL        string `yaml:"base_url"`
	MaxUploadBytes int64  `yaml:"max_upload_bytes"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultPath returns the config path used when NOTARY_CONFIG is unset.
func DefaultPath() string {
	if p := os.Getenv("NOTARY_CONFIG"); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "notary-connect", "config.yaml")
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse parses raw YAML configuration, applying the same expansion,
// defaults and validation as Load.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 8
	}
	if c.Auth.TokenTTL == 0 {
		c.Auth.TokenTTL = 12 * time.Hour
	}
	if c.Channel.SessionID == "" {
		c.Channel.SessionID = "default"
	}
	if c.Channel.ReconnectDelay == 0 {
		c.Channel.ReconnectDelay = 5 * time.Second
	}
	if c.Channel.RestartDelay == 0 {
		c.Channel.RestartDelay = time.Second
	}
	if c.Channel.SendRate <= 0 {
		c.Channel.SendRate = 5
	}
	if c.Channel.SendBurst <= 0 {
		c.Channel.SendBurst = 10
	}
	if c.Channel.Matrix.DeviceName == "" {
		c.Channel.Matrix.DeviceName = "notary-connect"
	}
	if c.Channel.Matrix.DataDir == "" && c.Database.Path != "" {
		c.Channel.Matrix.DataDir = filepath.Join(filepath.Dir(c.Database.Path), "matrix")
	}
	if c.AuthStore.Driver == "" {
		c.AuthStore.Driver = AuthStoreSQLite
	}
	if c.AuthStore.KeyPrefix == "" {
		c.AuthStore.KeyPrefix = "notary:auth:"
	}
	if c.Responder.Timezone == "" {
		c.Responder.Timezone = "UTC"
	}
	if c.Router.DedupeTTL == 0 {
		c.Router.DedupeTTL = 10 * time.Minute
	}
	if c.Router.DedupeSize <= 0 {
		c.Router.DedupeSize = 50000
	}
	if c.Router.Workers <= 0 {
		c.Router.Workers = 8
	}
	if c.Router.HistoryLimit <= 0 {
		c.Router.HistoryLimit = 50
	}
	if c.Media.Dir == "" && c.Database.Path != "" {
		c.Media.Dir = filepath.Join(filepath.Dir(c.Database.Path), "media")
	}
	if c.Media.MaxUploadBytes <= 0 {
		c.Media.MaxUploadBytes = 16 << 20
	}
	for i := range c.Operators {
		if c.Operators[i].Role == "" {
			c.Operators[i].Role = RoleOperator
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	sectors := make([]string, 0, len(c.Sectors))
	for _, s := range c.Sectors {
		if s.ID == "" {
			return fmt.Errorf("sectors: id is required")
		}
		if slices.Contains(sectors, s.ID) {
			return fmt.Errorf("sectors: duplicate id %q", s.ID)
		}
		sectors = append(sectors, s.ID)
	}

	if len(c.Operators) == 0 {
		return fmt.Errorf("at least one operator is required")
	}
	seenIDs := make(map[string]bool)
	seenUsers := make(map[string]bool)
	for _, op := range c.Operators {
		if op.ID == "" || op.Username == "" {
			return fmt.Errorf("operators: id and username are required")
		}
		if seenIDs[op.ID] {
			return fmt.Errorf("operators: duplicate id %q", op.ID)
		}
		if seenUsers[op.Username] {
			return fmt.Errorf("operators: duplicate username %q", op.Username)
		}
		seenIDs[op.ID] = true
		seenUsers[op.Username] = true

		if op.Role != RoleOperator && op.Role != RoleAdmin {
			return fmt.Errorf("operator %q: role must be %q or %q", op.ID, RoleOperator, RoleAdmin)
		}
		for _, s := range op.Sectors {
			if !slices.Contains(sectors, s) {
				return fmt.Errorf("operator %q: unknown sector %q", op.ID, s)
			}
		}
	}

	switch c.AuthStore.Driver {
	case AuthStoreSQLite:
	case AuthStoreRedis:
		if c.AuthStore.RedisURL == "" {
			return fmt.Errorf("auth_store.redis_url is required when driver is redis")
		}
	default:
		return fmt.Errorf("auth_store.driver must be %q or %q", AuthStoreSQLite, AuthStoreRedis)
	}

	if _, err := time.LoadLocation(c.Responder.Timezone); err != nil {
		return fmt.Errorf("responder.timezone %q: %w", c.Responder.Timezone, err)
	}
	for _, h := range c.Responder.Holidays {
		if _, err := time.Parse(time.DateOnly, h); err != nil {
			return fmt.Errorf("responder.holidays: %q is not a YYYY-MM-DD date", h)
		}
	}

	return nil
}

// Location returns the responder timezone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Responder.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SectorIDs returns the declared sector identifiers in declaration order.
func (c *Config) SectorIDs() []string {
	ids := make([]string, 0, len(c.Sectors))
	for _, s := range c.Sectors {
		ids = append(ids, s.ID)
	}
	return ids
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"channel.reconnect_delay", cfg.Channel.ReconnectDelayRaw, &cfg.Channel.ReconnectDelay},
		{"channel.restart_delay", cfg.Channel.RestartDelayRaw, &cfg.Channel.RestartDelay},
		{"router.dedupe_ttl", cfg.Router.DedupeTTLRaw, &cfg.Router.DedupeTTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("%s must not be negative", f.name)
		}
		*f.dst = d
	}

	return nil
}
