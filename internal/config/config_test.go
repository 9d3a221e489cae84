// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const testSecret = "0123456789abcdef0123456789abcdef"

const validConfig = `
server:
  http_addr: "127.0.0.1:8080"
  grpc_addr: "127.0.0.1:50051"

database:
  path: "/tmp/notary/test.db"

auth:
  jwt_secret: "0123456789abcdef0123456789abcdef"
  token_ttl: "2h"

sectors:
  - id: billing
    name: Billing
  - id: support
    name: Support

operators:
  - id: op-1
    name: Ana
    username: ana
    password_hash: "$2a$10$abcdefghijklmnopqrstuv"
    sectors: [billing]
  - id: admin-1
    name: Root
    username: root
    role: admin

channel:
  session_id: main
  reconnect_delay: "3s"
  restart_delay: "500ms"
  matrix:
    homeserver: "https://matrix.example.org"
    username: "notary"

responder:
  rules_path: "rules.toml"
  timezone: "America/Sao_Paulo"
  holidays: ["2026-12-25"]

router:
  closing_message: "Atendimento encerrado."
  dedupe_ttl: "1m"

logging:
  level: "debug"
  format: "json"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Database.Path != "/tmp/notary/test.db" {
		t.Errorf("Database.Path = %q", cfg.Database.Path)
	}
	if len(cfg.Operators) != 2 {
		t.Fatalf("len(Operators) = %d, want 2", len(cfg.Operators))
	}
	if cfg.Operators[0].Role != RoleOperator {
		t.Errorf("Operators[0].Role = %q, want default %q", cfg.Operators[0].Role, RoleOperator)
	}
	if cfg.Operators[1].Role != RoleAdmin {
		t.Errorf("Operators[1].Role = %q, want %q", cfg.Operators[1].Role, RoleAdmin)
	}
	if cfg.Channel.SessionID != "main" {
		t.Errorf("Channel.SessionID = %q", cfg.Channel.SessionID)
	}
	if cfg.Logging.Format != "json" {
		t.Errorf("Logging.Format = %q", cfg.Logging.Format)
	}
	if got := cfg.SectorIDs(); len(got) != 2 || got[0] != "billing" {
		t.Errorf("SectorIDs() = %v", got)
	}
	if cfg.Location().String() != "America/Sao_Paulo" {
		t.Errorf("Location() = %v", cfg.Location())
	}
}

func TestLoad_DurationParsing(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  time.Duration
		want time.Duration
	}{
		{"token_ttl", cfg.Auth.TokenTTL, 2 * time.Hour},
		{"reconnect_delay", cfg.Channel.ReconnectDelay, 3 * time.Second},
		{"restart_delay", cfg.Channel.RestartDelay, 500 * time.Millisecond},
		{"dedupe_ttl", cfg.Router.DedupeTTL, time.Minute},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, validConfig))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Database.MaxOpenConns != 8 {
		t.Errorf("MaxOpenConns = %d, want 8", cfg.Database.MaxOpenConns)
	}
	if cfg.AuthStore.Driver != AuthStoreSQLite {
		t.Errorf("AuthStore.Driver = %q, want sqlite", cfg.AuthStore.Driver)
	}
	if cfg.Channel.Matrix.DataDir != filepath.Join("/tmp/notary", "matrix") {
		t.Errorf("Matrix.DataDir = %q", cfg.Channel.Matrix.DataDir)
	}
	if cfg.Media.Dir != filepath.Join("/tmp/notary", "media") {
		t.Errorf("Media.Dir = %q", cfg.Media.Dir)
	}
	if cfg.Router.Workers != 8 {
		t.Errorf("Router.Workers = %d, want 8", cfg.Router.Workers)
	}
	if cfg.Channel.SendBurst != 10 {
		t.Errorf("Channel.SendBurst = %d, want 10", cfg.Channel.SendBurst)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("NOTARY_TEST_SECRET", testSecret)
	t.Setenv("NOTARY_TEST_HS", "https://hs.example.org")

	content := strings.Replace(validConfig, `jwt_secret: "0123456789abcdef0123456789abcdef"`, `jwt_secret: "${NOTARY_TEST_SECRET}"`, 1)
	content = strings.Replace(content, `"https://matrix.example.org"`, `"${NOTARY_TEST_HS}"`, 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Errorf("JWTSecret = %q, want expanded value", cfg.Auth.JWTSecret)
	}
	if cfg.Channel.Matrix.Homeserver != "https://hs.example.org" {
		t.Errorf("Homeserver = %q", cfg.Channel.Matrix.Homeserver)
	}
}

func TestLoad_EnvVarExpansion_UnsetVar(t *testing.T) {
	content := strings.Replace(validConfig, `closing_message: "Atendimento encerrado."`, `closing_message: "${NOTARY_DEFINITELY_UNSET_VAR}"`, 1)

	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Router.ClosingMessage != "" {
		t.Errorf("ClosingMessage = %q, want empty", cfg.Router.ClosingMessage)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil {
		t.Fatal("Load() expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "server: [unclosed"))
	if err == nil {
		t.Fatal("Load() expected error for invalid YAML")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	content := strings.Replace(validConfig, `reconnect_delay: "3s"`, `reconnect_delay: "soon"`, 1)
	_, err := Load(writeConfig(t, content))
	if err == nil {
		t.Fatal("Load() expected error for invalid duration")
	}
	if !strings.Contains(err.Error(), "channel.reconnect_delay") {
		t.Errorf("error %q should name the field", err)
	}
}

func TestValidate_Failures(t *testing.T) {
	tests := []struct {
		name    string
		old     string
		new     string
		wantErr string
	}{
		{"missing database", `path: "/tmp/notary/test.db"`, `path: ""`, "database.path"},
		{"short secret", `jwt_secret: "0123456789abcdef0123456789abcdef"`, `jwt_secret: "short"`, "at least 32 bytes"},
		{"unknown sector", `sectors: [billing]`, `sectors: [legal]`, "unknown sector"},
		{"bad role", "role: admin", "role: root", "role must be"},
		{"bad timezone", `timezone: "America/Sao_Paulo"`, `timezone: "Mars/Olympus"`, "responder.timezone"},
		{"bad holiday", `holidays: ["2026-12-25"]`, `holidays: ["25/12"]`, "responder.holidays"},
		{"redis without url", `router:`, "auth_store:\n  driver: redis\nrouter:", "redis_url"},
		{"duplicate username", "username: root", "username: ana", "duplicate username"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			content := strings.Replace(validConfig, tt.old, tt.new, 1)
			if content == validConfig {
				t.Fatalf("replacement %q did not apply", tt.old)
			}
			_, err := Parse([]byte(content))
			if err == nil {
				t.Fatal("Parse() expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want substring %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_NoOperators(t *testing.T) {
	cfg := &Config{
		Server:   ServerConfig{HTTPAddr: ":8080"},
		Database: DatabaseConfig{Path: "x.db"},
		Auth:     AuthConfig{JWTSecret: testSecret},
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err == nil || !strings.Contains(err.Error(), "operator") {
		t.Errorf("Validate() = %v, want operator error", err)
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("NOTARY_CONFIG", "/etc/notary/config.yaml")
	if got := DefaultPath(); got != "/etc/notary/config.yaml" {
		t.Errorf("DefaultPath() = %q", got)
	}

	t.Setenv("NOTARY_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	if got := DefaultPath(); got != filepath.Join("/xdg", "notary-connect", "config.yaml") {
		t.Errorf("DefaultPath() = %q", got)
	}
}
