// ABOUTME: Gateway orchestrator that wires the store, channel connector, router and hub
// ABOUTME: Serves the operator HTTP/WebSocket API and gRPC health, and manages their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/cors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/EmanuProds/Notary-Connect-sub000/internal/auth"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/authstore"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/channel"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/config"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/conversation"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/hub"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/media"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/responder"
	"github.com/EmanuProds/Notary-Connect-sub000/internal/store"
)

const (
	shutdownTimeout  = 10 * time.Second
	redisDialTimeout = 5 * time.Second
)

// Gateway owns every long-lived component of one notary-connect process.
type Gateway struct {
	config      *config.Config
	store       *store.SQLiteStore
	authBackend authstore.Backend
	credentials *authstore.AuthStore
	directory   *auth.Directory
	verifier    *auth.JWTVerifier
	media       *media.Store
	connector   *channel.Connector
	router      *conversation.Router
	hub         *hub.Hub
	health      *health.Server
	grpcServer  *grpc.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	routerDone chan struct{}
}

// Option adjusts how New builds the gateway.
type Option func(*options)

type options struct {
	factory channel.TransportFactory
}

// WithTransportFactory replaces the Matrix transport, mainly for tests.
func WithTransportFactory(f channel.TransportFactory) Option {
	return func(o *options) { o.factory = f }
}

// New builds the gateway from configuration. Nothing is listening or
// connecting until Run.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	g := &Gateway{
		config:     cfg,
		hub:        hub.New(logger),
		health:     health.NewServer(),
		logger:     logger.With("component", "gateway"),
		routerDone: make(chan struct{}),
	}
	if err := g.init(logger, o); err != nil {
		g.closeStores()
		return nil, err
	}
	return g, nil
}

func (g *Gateway) init(logger *slog.Logger, o options) error {
	cfg := g.config

	st, err := initStore(cfg)
	if err != nil {
		return err
	}
	g.store = st

	g.authBackend, err = initAuthBackend(cfg, st)
	if err != nil {
		return err
	}
	g.credentials = authstore.New(g.authBackend, logger)

	g.directory, err = auth.NewDirectory(cfg.Operators, cfg.Sectors)
	if err != nil {
		return fmt.Errorf("loading operators: %w", err)
	}
	g.verifier, err = auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}

	g.media, err = media.New(cfg.Media.Dir, mediaBaseURL(cfg), cfg.Media.MaxUploadBytes, logger)
	if err != nil {
		return err
	}

	auto, err := initResponder(cfg, logger)
	if err != nil {
		return err
	}

	factory := o.factory
	if factory == nil {
		factory = channel.NewMatrixFactory(matrixConfig(cfg), cfg.Channel.SessionID, g.credentials, logger)
	}
	g.connector = channel.NewConnector(channel.Config{
		SessionID:      cfg.Channel.SessionID,
		ReconnectDelay: cfg.Channel.ReconnectDelay,
		RestartDelay:   cfg.Channel.RestartDelay,
		SendRate:       cfg.Channel.SendRate,
		SendBurst:      cfg.Channel.SendBurst,
	}, factory, st, g.credentials, logger)

	g.router = conversation.New(conversation.Config{
		ClosingMessage: cfg.Router.ClosingMessage,
		Workers:        cfg.Router.Workers,
		HistoryLimit:   cfg.Router.HistoryLimit,
		DedupeTTL:      cfg.Router.DedupeTTL,
		DedupeSize:     cfg.Router.DedupeSize,
	}, st, g.connector, g.hub, auto, logger,
		conversation.WithDirectory(g.directory),
		conversation.WithMedia(g.media),
		conversation.WithStatusObserver(g.observeStatus),
	)
	g.hub.SetHandler(g.router)

	g.observeStatus(g.connector.Status())
	g.grpcServer = newGRPCServer(g.health)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           g.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return nil
}

// initStore opens the conversation database, creating its directory.
func initStore(cfg *config.Config) (*store.SQLiteStore, error) {
	dbPath := cfg.Database.Path
	if envPath := os.Getenv("NOTARY_DB_PATH"); envPath != "" {
		dbPath = envPath
	}
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o750); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
	}
	s, err := store.NewSQLiteStore(dbPath, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// initAuthBackend picks where channel credentials live.
func initAuthBackend(cfg *config.Config, st *store.SQLiteStore) (authstore.Backend, error) {
	if cfg.AuthStore.Driver != config.AuthStoreRedis {
		return st, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisDialTimeout)
	defer cancel()
	backend, err := authstore.NewRedisBackend(ctx, cfg.AuthStore.RedisURL, cfg.AuthStore.KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("initializing auth store: %w", err)
	}
	return backend, nil
}

// initResponder returns nil when no rules file is configured.
func initResponder(cfg *config.Config, logger *slog.Logger) (conversation.AutoResponder, error) {
	if cfg.Responder.RulesPath == "" {
		logger.Warn("responder.rules_path not set, automated replies disabled")
		return nil, nil
	}
	source, err := responder.NewFileSource(cfg.Responder.RulesPath, logger)
	if err != nil {
		return nil, fmt.Errorf("loading auto-response rules: %w", err)
	}
	return responder.New(source, responder.NewDateCalendar(cfg.Responder.Holidays), cfg.Location(), logger), nil
}

func matrixConfig(cfg *config.Config) channel.MatrixConfig {
	m := cfg.Channel.Matrix
	return channel.MatrixConfig{
		Homeserver:      m.Homeserver,
		Username:        m.Username,
		Password:        m.Password,
		DeviceName:      m.DeviceName,
		SSOCallbackURL:  m.SSOCallbackURL,
		AllowedRooms:    m.AllowedRooms,
		TypingIndicator: m.TypingIndicator,
		E2EE:            m.E2EE,
		RecoveryKey:     m.RecoveryKey,
		DataDir:         m.DataDir,
	}
}

// mediaBaseURL falls back to a path-only URL served by this process.
func mediaBaseURL(cfg *config.Config) string {
	if cfg.Media.BaseURL != "" {
		return cfg.Media.BaseURL
	}
	return mediaPrefix
}

// routes builds the HTTP handler tree.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)
	mux.HandleFunc("POST /api/login", g.handleLogin)

	authMiddleware := auth.HTTPAuthMiddleware(g.directory, g.verifier, g.logger)
	adminMiddleware := auth.RequireAdminHTTP()
	admin := func(h http.HandlerFunc) http.Handler {
		return authMiddleware(adminMiddleware(h))
	}

	mux.Handle("GET /ws", authMiddleware(http.HandlerFunc(g.handleWebSocket)))
	mux.Handle("POST /api/media", authMiddleware(http.HandlerFunc(g.handleMediaUpload)))
	mux.Handle("GET "+mediaPrefix+"/", authMiddleware(http.StripPrefix(mediaPrefix, g.media.Handler())))

	mux.Handle("GET /api/channel/status", authMiddleware(http.HandlerFunc(g.handleChannelStatus)))
	mux.Handle("POST /api/channel/restart", admin(g.handleChannelRestart))
	mux.Handle("POST /api/channel/pause", admin(g.handleChannelPause))
	mux.Handle("POST /api/channel/resume", admin(g.handleChannelResume))
	mux.Handle("POST /api/channel/logout", admin(g.handleChannelLogout))
	mux.Handle("GET /api/audit", admin(g.handleAuditLog))
	// The homeserver redirects the browser here, so the callback cannot carry
	// an operator token.
	mux.HandleFunc("GET /api/channel/sso-callback", g.handleSSOCallback)
	mux.Handle("POST /api/channel/sso-callback", admin(g.handleSSOCallback))

	return cors.Handler(cors.Options{
		AllowedOrigins:   g.allowedOrigins(),
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	})(mux)
}

func (g *Gateway) allowedOrigins() []string {
	if len(g.config.Server.AllowedOrigins) == 0 {
		return []string{"*"}
	}
	return g.config.Server.AllowedOrigins
}

// observeStatus mirrors the channel state into the gRPC health service.
func (g *Gateway) observeStatus(snap channel.Snapshot) {
	g.health.SetServingStatus(healthService, servingStatus(snap.Status))
}

// setupTCPListeners creates standard TCP listeners for gRPC and HTTP. The
// gRPC listener is nil when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		if grpcLn != nil {
			_ = grpcLn.Close()
		}
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts gRPC and HTTP servers in goroutines, returning error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// Run starts routing, connects the channel and serves until ctx is
// cancelled or a server fails. Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	// Router and connector stop with this context, whichever way Run exits.
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		g.closeStores()
		return err
	}

	go func() {
		defer close(g.routerDone)
		if err := g.router.Run(ctx); err != nil {
			g.logger.Error("router stopped", "error", err)
		}
	}()

	if err := g.connector.Start(ctx); err != nil {
		g.logger.Error("starting channel connector", "error", err)
	}

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := g.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "notary-connect", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set tailscale.auth_key or TS_AUTHKEY")
	}
	return authKey, nil
}

// setupTailscaleListeners joins the tailnet and listens on :80 for HTTP and
// :50051 for gRPC.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0o700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}
	httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops serving, disconnects the channel, drains the router and
// releases storage. The router must already have been told to stop through
// the context passed to Run.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.health.Shutdown()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))
	g.hub.Close()
	g.shutdownGRPCServer(ctx)

	g.connector.Stop()
	select {
	case <-g.routerDone:
	case <-ctx.Done():
		errs = append(errs, errors.New("router did not stop in time"))
	}

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeStores()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

func (g *Gateway) closeStores() []error {
	var errs []error
	if rb, ok := g.authBackend.(*authstore.RedisBackend); ok {
		errs = appendCloseError(errs, "auth store close", rb.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store close", g.store.Close())
	}
	return errs
}

// Handler exposes the HTTP handler tree.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}
