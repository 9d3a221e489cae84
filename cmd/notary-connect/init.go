// ABOUTME: Interactive config generator for the init subcommand
// ABOUTME: Prompts for listeners, storage, the Matrix account and the first admin operator

package main

import (
	"bufio"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/auth"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
)

// initAnswers holds everything runInit collects before rendering.
type initAnswers struct {
	HTTPAddr       string
	GRPCAddr       string
	DBPath         string
	JWTSecret      string
	Homeserver     string
	MatrixUser     string
	MatrixPassword string
	AdminUsername  string
	AdminName      string
	AdminHash      string
	Timezone       string
	Tailscale      bool
	TSHostname     string
	TSAuthKey      string
	LogLevel       string
	LogFormat      string
}

func defaultDataPath() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, "notary-connect")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "data"
	}
	return filepath.Join(home, ".local", "share", "notary-connect")
}

func runInit(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)

	fmt.Fprintln(out, "notary-connect configuration setup")
	fmt.Fprintln(out, "==================================")
	fmt.Fprintln(out)

	outputFile := prompt(reader, out, "Config file path", config.DefaultPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(prompt(reader, out, "File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	secret, err := randomSecret()
	if err != nil {
		return err
	}
	a := initAnswers{JWTSecret: secret}

	fmt.Fprintln(out, "\n--- Server ---")
	a.HTTPAddr = prompt(reader, out, "HTTP address", "localhost:8080")
	a.GRPCAddr = prompt(reader, out, "gRPC health address (empty to disable)", "")
	a.DBPath = prompt(reader, out, "SQLite database path", filepath.Join(defaultDataPath(), "notary.db"))

	fmt.Fprintln(out, "\n--- Matrix account ---")
	a.Homeserver = prompt(reader, out, "Homeserver URL", "https://matrix.org")
	a.MatrixUser = prompt(reader, out, "Username (empty for SSO login)", "")
	if a.MatrixUser != "" {
		a.MatrixPassword = prompt(reader, out, "Password", "")
	}

	fmt.Fprintln(out, "\n--- First admin ---")
	a.AdminUsername = prompt(reader, out, "Admin username", "admin")
	a.AdminName = prompt(reader, out, "Admin display name", "Administrator")
	password := prompt(reader, out, "Admin password", "")
	if password == "" {
		return fmt.Errorf("admin password is required")
	}
	if a.AdminHash, err = auth.HashPassword(password); err != nil {
		return fmt.Errorf("hashing admin password: %w", err)
	}
	a.Timezone = prompt(reader, out, "Office timezone", "America/Sao_Paulo")

	fmt.Fprintln(out, "\n--- Tailscale ---")
	a.Tailscale = yes(prompt(reader, out, "Enable Tailscale?", "no"))
	if a.Tailscale {
		a.TSHostname = prompt(reader, out, "Tailscale hostname", "notary-connect")
		a.TSAuthKey = prompt(reader, out, "Tailscale auth key (leave empty for interactive)", "")
	}

	fmt.Fprintln(out, "\n--- Logging ---")
	a.LogLevel = prompt(reader, out, "Log level (debug/info/warn/error)", "info")
	a.LogFormat = prompt(reader, out, "Log format (text/json)", "text")

	if err := os.MkdirAll(filepath.Dir(outputFile), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Fprintf(out, "\n  ✓ Config written to %s\n", outputFile)
	fmt.Fprintf(out, "  ✓ Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the gateway:")
	fmt.Fprintln(out, "  notary-connect serve")
	return nil
}

// renderConfig produces a YAML config accepted by config.Parse.
func renderConfig(a initAnswers) string {
	var b strings.Builder
	b.WriteString("# notary-connect configuration\n")
	b.WriteString("# Generated by notary-connect init\n\n")

	b.WriteString("server:\n")
	fmt.Fprintf(&b, "  http_addr: %q\n", a.HTTPAddr)
	if a.GRPCAddr != "" {
		fmt.Fprintf(&b, "  grpc_addr: %q\n", a.GRPCAddr)
	}
	b.WriteString("\n")

	b.WriteString("database:\n")
	fmt.Fprintf(&b, "  path: %q\n\n", a.DBPath)

	b.WriteString("auth:\n")
	fmt.Fprintf(&b, "  jwt_secret: %q\n", a.JWTSecret)
	b.WriteString("  token_ttl: \"12h\"\n\n")

	b.WriteString("sectors:\n")
	b.WriteString("  - id: \"general\"\n")
	b.WriteString("    name: \"General\"\n\n")

	b.WriteString("operators:\n")
	b.WriteString("  - id: \"admin\"\n")
	fmt.Fprintf(&b, "    name: %q\n", a.AdminName)
	fmt.Fprintf(&b, "    username: %q\n", a.AdminUsername)
	fmt.Fprintf(&b, "    password_hash: %q\n", a.AdminHash)
	b.WriteString("    role: \"admin\"\n")
	b.WriteString("    sectors: [\"general\"]\n\n")

	b.WriteString("channel:\n")
	b.WriteString("  session_id: \"default\"\n")
	b.WriteString("  matrix:\n")
	fmt.Fprintf(&b, "    homeserver: %q\n", a.Homeserver)
	if a.MatrixUser != "" {
		fmt.Fprintf(&b, "    username: %q\n", a.MatrixUser)
		fmt.Fprintf(&b, "    password: %q\n", a.MatrixPassword)
	}
	b.WriteString("\n")

	b.WriteString("responder:\n")
	fmt.Fprintf(&b, "  timezone: %q\n\n", a.Timezone)

	b.WriteString("tailscale:\n")
	fmt.Fprintf(&b, "  enabled: %t\n", a.Tailscale)
	if a.Tailscale {
		fmt.Fprintf(&b, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&b, "  auth_key: %q\n", a.TSAuthKey)
		}
	}
	b.WriteString("\n")

	b.WriteString("logging:\n")
	fmt.Fprintf(&b, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&b, "  format: %q\n", a.LogFormat)
	return b.String()
}

func randomSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating JWT secret: %w", err)
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func yes(s string) bool {
	s = strings.ToLower(strings.TrimSpace(s))
	return s == "yes" || s == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		// EOF falls back to the default
		fmt.Fprintln(out)
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
