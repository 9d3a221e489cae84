// ABOUTME: Tests for the notary-connect CLI helpers
// ABOUTME: Covers the log handler, init config rendering, hash-password and token issuing

package main

import (
	"bufio"
	"bytes"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/auth"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
)

func init() {
	color.NoColor = true
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "info"}, &buf)

	logger.Debug("hidden")
	logger.With("component", "router").WithGroup("msg").Info("routed", "id", "m1")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "INF")
	assert.Contains(t, out, "routed")
	assert.Contains(t, out, "component=router")
	assert.Contains(t, out, "msg.id=m1")
}

func TestSetupLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info("skipped")
	logger.Warn("kept", "k", "v")

	out := buf.String()
	assert.NotContains(t, out, "skipped")
	assert.Contains(t, out, `"msg":"kept"`)
	assert.Contains(t, out, `"k":"v"`)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel("bogus"))
}

func testAnswers(t *testing.T) initAnswers {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	secret, err := randomSecret()
	require.NoError(t, err)
	return initAnswers{
		HTTPAddr:      "localhost:8080",
		DBPath:        filepath.Join(t.TempDir(), "notary.db"),
		JWTSecret:     secret,
		Homeserver:    "https://matrix.example.org",
		AdminUsername: "boss",
		AdminName:     "The Boss",
		AdminHash:     string(hash),
		Timezone:      "America/Sao_Paulo",
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

func TestRenderConfigParses(t *testing.T) {
	a := testAnswers(t)
	a.GRPCAddr = "localhost:50051"
	a.MatrixUser = "notary"
	a.MatrixPassword = "pw"

	cfg, err := config.Parse([]byte(renderConfig(a)))
	require.NoError(t, err)

	assert.Equal(t, "localhost:50051", cfg.Server.GRPCAddr)
	assert.Equal(t, a.DBPath, cfg.Database.Path)
	assert.Equal(t, 12*time.Hour, cfg.Auth.TokenTTL)
	assert.Equal(t, "https://matrix.example.org", cfg.Channel.Matrix.Homeserver)
	assert.Equal(t, "notary", cfg.Channel.Matrix.Username)
	require.Len(t, cfg.Operators, 1)
	assert.Equal(t, config.RoleAdmin, cfg.Operators[0].Role)

	dir, err := auth.NewDirectory(cfg.Operators, cfg.Sectors)
	require.NoError(t, err)
	op, err := dir.Authenticate("boss", "s3cret")
	require.NoError(t, err)
	assert.True(t, op.IsAdmin())
}

func TestRenderConfigTailscale(t *testing.T) {
	a := testAnswers(t)
	a.Tailscale = true
	a.TSHostname = "notary"

	cfg, err := config.Parse([]byte(renderConfig(a)))
	require.NoError(t, err)
	assert.True(t, cfg.Tailscale.Enabled)
	assert.Equal(t, "notary", cfg.Tailscale.Hostname)
	assert.Empty(t, cfg.Tailscale.AuthKey)
}

func TestPromptDefaults(t *testing.T) {
	var out bytes.Buffer
	reader := bufio.NewReader(strings.NewReader("\n  custom  \n"))

	assert.Equal(t, "def", prompt(reader, &out, "First", "def"))
	assert.Equal(t, "custom", prompt(reader, &out, "Second", "def"))
	assert.Equal(t, "def", prompt(reader, &out, "Third", "def"))
	assert.Contains(t, out.String(), "First [def]: ")
}

func TestRunHashPassword(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, runHashPassword(nil, strings.NewReader("hunter2\n"), &out))

	hash := strings.TrimSpace(out.String())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("hunter2")))

	assert.Error(t, runHashPassword(nil, strings.NewReader(""), &out))
}

func TestIssueToken(t *testing.T) {
	cfg, err := config.Parse([]byte(renderConfig(testAnswers(t))))
	require.NoError(t, err)

	token, err := issueToken(cfg, "admin", time.Minute)
	require.NoError(t, err)

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	require.NoError(t, err)
	sub, err := verifier.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", sub)

	_, err = issueToken(cfg, "ghost", time.Minute)
	assert.ErrorContains(t, err, "unknown operator")
}
