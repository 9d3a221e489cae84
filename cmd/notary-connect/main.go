// ABOUTME: Entry point for notary-connect, the messaging gateway for notary office operators
// ABOUTME: Subcommands serve, init, hash-password, token, health and status

package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/joho/godotenv"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/auth"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
             _                                                       _
 _ __   ___ | |_ __ _ _ __ _   _       ___ ___  _ __  _ __   ___  ___| |_
| '_ \ / _ \| __/ _' | '__| | | |_____/ __/ _ \| '_ \| '_ \ / _ \/ __| __|
| | | | (_) | || (_| | |  | |_| |_____| (_| (_) | | | | | | |  __/ (__| |_
|_| |_|\___/ \__\__,_|_|   \__, |      \___\___/|_| |_|_| |_|\___|\___|\__|
                           |___/
`

func usage() {
	fmt.Println("Usage: notary-connect <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                       Start the gateway")
	fmt.Println("  init                        Create a new config file interactively")
	fmt.Println("  hash-password [password]    Print a bcrypt hash for operators[].password_hash")
	fmt.Println("  token <operator-id> [-ttl]  Issue an operator token signed with the configured secret")
	fmt.Println("  health                      Check gateway liveness")
	fmt.Println("  status                      Show the messaging channel status")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	// A missing .env is normal.
	_ = godotenv.Load()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit(os.Stdin, os.Stdout)
	case "hash-password":
		err = runHashPassword(os.Args[2:], os.Stdin, os.Stdout)
	case "token":
		err = runToken(os.Args[2:], os.Stdout)
	case "health":
		err = runHealth(ctx)
	case "status":
		err = runStatus(ctx)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := config.DefaultPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Channel:   %s ", cfg.Channel.SessionID)
	gray.Printf("(%s)\n", cfg.Channel.Matrix.Homeserver)
	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Print("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}
	fmt.Println()

	logger.Info("starting notary-connect",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"operators", len(cfg.Operators),
		"sectors", len(cfg.Sectors),
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}
	return gw.Run(ctx)
}

func runHashPassword(args []string, in io.Reader, out io.Writer) error {
	password := ""
	if len(args) > 0 {
		password = args[0]
	} else {
		data, err := io.ReadAll(io.LimitReader(in, 1024))
		if err != nil {
			return fmt.Errorf("reading password: %w", err)
		}
		password = strings.TrimRight(string(data), "\r\n")
	}
	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, hash)
	return nil
}

func runToken(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	ttl := fs.Duration("ttl", 0, "token lifetime (default auth.token_ttl)")
	if len(args) == 0 || strings.HasPrefix(args[0], "-") {
		return errors.New("usage: notary-connect token <operator-id> [-ttl 24h]")
	}
	operatorID := args[0]
	if err := fs.Parse(args[1:]); err != nil {
		return err
	}

	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	token, err := issueToken(cfg, operatorID, *ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, token)
	return nil
}

// issueToken signs a token for a configured operator.
func issueToken(cfg *config.Config, operatorID string, ttl time.Duration) (string, error) {
	dir, err := auth.NewDirectory(cfg.Operators, cfg.Sectors)
	if err != nil {
		return "", err
	}
	if !dir.OperatorExists(operatorID) {
		return "", fmt.Errorf("unknown operator %q", operatorID)
	}
	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = cfg.Auth.TokenTTL
	}
	return verifier.Generate(operatorID, ttl)
}

// baseURL is where the CLI reaches a running gateway.
func baseURL(cfg *config.Config) string {
	if env := os.Getenv("NOTARY_URL"); env != "" {
		return strings.TrimRight(env, "/")
	}
	if cfg.Tailscale.Enabled {
		return "http://" + cfg.Tailscale.Hostname
	}
	return "http://" + cfg.Server.HTTPAddr
}

func runHealth(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	fmt.Println("healthy")
	return nil
}

// runStatus asks the running gateway for the channel state, authenticating
// as the first configured admin with a short-lived token.
func runStatus(ctx context.Context) error {
	cfg, err := config.Load(config.DefaultPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	adminID := ""
	for _, op := range cfg.Operators {
		if op.Role == config.RoleAdmin {
			adminID = op.ID
			break
		}
	}
	if adminID == "" {
		return errors.New("status needs an operator with role admin in the config")
	}
	token, err := issueToken(cfg, adminID, time.Minute)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(cfg)+"/api/channel/status", nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("status request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status request failed: %d %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var status gateway.ChannelStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("decoding status: %w", err)
	}
	printStatus(os.Stdout, status)
	return nil
}

func printStatus(out io.Writer, s gateway.ChannelStatusResponse) {
	c := color.New(color.FgYellow)
	switch s.Status {
	case "connected":
		c = color.New(color.FgGreen)
	case "auth_failure", "fatal_error":
		c = color.New(color.FgRed)
	}
	fmt.Fprintf(out, "Session:  %s\n", s.SessionID)
	fmt.Fprintf(out, "Status:   %s\n", c.Sprint(s.Status))
	if s.Address != "" {
		fmt.Fprintf(out, "Address:  %s\n", s.Address)
	}
	if s.Reason != "" {
		fmt.Fprintf(out, "Reason:   %s\n", s.Reason)
	}
	fmt.Fprintf(out, "Paused:   %t\n", s.Paused)
	fmt.Fprintf(out, "Attempts: %d\n", s.Attempts)
	if s.QR != "" {
		fmt.Fprintf(out, "Login:    %s\n", s.QR)
	}
}
