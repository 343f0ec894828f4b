// ABOUTME: Gateway orchestrator that wires the realtime core and its HTTP and gRPC servers
// ABOUTME: Manages store, registry, services, listeners and graceful shutdown

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
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/hush-gateway/internal/auth"
	"github.com/2389/hush-gateway/internal/config"
	"github.com/2389/hush-gateway/internal/dedupe"
	"github.com/2389/hush-gateway/internal/events"
	"github.com/2389/hush-gateway/internal/messaging"
	"github.com/2389/hush-gateway/internal/metrics"
	"github.com/2389/hush-gateway/internal/presence"
	"github.com/2389/hush-gateway/internal/receipts"
	"github.com/2389/hush-gateway/internal/registry"
	"github.com/2389/hush-gateway/internal/router"
	"github.com/2389/hush-gateway/internal/store"
	"github.com/2389/hush-gateway/internal/typing"
)

// Gateway orchestrates the hush-gateway server components.
type Gateway struct {
	config *config.Config
	store  store.Store
	logger *slog.Logger

	verifier    auth.TokenVerifier
	registry    *registry.Registry
	router      *router.Router
	broadcaster *router.Broadcaster
	messaging   *messaging.Service
	receipts    *receipts.Tracker
	typing      *typing.Manager
	presence    *presence.Tracker
	events      *events.Bus
	dedupe      *dedupe.Cache[string]
	metrics     *metrics.Metrics

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	pushMu sync.RWMutex
	push   PushNotifier
	// stopPush ends the push fan-out subscriber.
	stopPush context.CancelFunc
}

// initStore opens the SQLite store at the configured path.
func initStore(cfg *config.Config) (store.Store, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return s, nil
}

// New creates a Gateway backed by the configured SQLite database.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg)
	if err != nil {
		return nil, err
	}
	gw, err := NewWithStore(cfg, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore creates a Gateway on an existing store. The gateway takes
// ownership of s and closes it on Shutdown.
func NewWithStore(cfg *config.Config, s store.Store, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(cfg.Auth.JWTSecret) < config.MinJWTSecretLength {
		return nil, errors.New("auth.jwt_secret is required")
	}
	rt := cfg.Realtime

	m := metrics.New()
	reg := registry.New(logger)
	bc := router.NewBroadcaster(reg, logger)
	bc.SetDropCounter(m)
	rtr := router.New(reg, logger)
	rtr.SetObserver(m)
	bus := events.NewBus(logger)

	typingMgr := typing.NewManager(typing.Params{
		Threads:     s,
		Broadcaster: bc,
		Events:      bus,
		Timeout:     rt.TypingTimeout,
		Logger:      logger,
	})
	dedupeCache := dedupe.New[string](rt.DedupeTTL, rt.DedupeSize)

	gw := &Gateway{
		config:      cfg,
		store:       s,
		logger:      logger.With("component", "gateway"),
		verifier:    auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret)),
		registry:    reg,
		router:      rtr,
		broadcaster: bc,
		typing:      typingMgr,
		events:      bus,
		dedupe:      dedupeCache,
		metrics:     m,
		messaging: messaging.NewService(messaging.Params{
			Store:       s,
			Broadcaster: bc,
			Typing:      typingMgr,
			Online:      reg,
			Dedupe:      dedupeCache,
			Events:      bus,
			EditWindow:  rt.EditWindow,
			Logger:      logger,
		}),
		receipts: receipts.NewTracker(receipts.Params{
			Store:    s,
			Notifier: bc,
			Events:   bus,
			Logger:   logger,
		}),
		presence: presence.NewTracker(presence.Params{
			Store:       s,
			Online:      reg,
			Broadcaster: bc,
			Events:      bus,
			Logger:      logger,
		}),
	}

	gw.push = logNotifier{logger: gw.logger}
	gw.registerHandlers()
	gw.registerGauges()
	gw.grpcServer, gw.health = newGRPCServer(logger)

	pushCtx, cancel := context.WithCancel(context.Background())
	gw.stopPush = cancel
	pushCh, _ := bus.Subscribe(pushCtx, events.KindMessage)
	go gw.runPushFanout(pushCtx, pushCh)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return gw, nil
}

func (g *Gateway) registerGauges() {
	g.metrics.RegisterGauge("connections_active", "Number of live realtime connections",
		func() float64 { return float64(g.registry.Count()) })
	g.metrics.RegisterGauge("typing_active", "Number of active typing indicators",
		func() float64 { return float64(g.typing.Active()) })
	g.metrics.RegisterGauge("dedupe_entries", "Number of remembered send client ids",
		func() float64 { return float64(g.dedupe.Len()) })
	g.metrics.RegisterGauge("events_dropped", "Events not delivered to a slow subscriber",
		func() float64 { return float64(g.events.Dropped()) })
}

// Handler returns the HTTP handler serving the socket, API, health and metrics routes.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /health", g.handleHealth)

	mux.HandleFunc("GET /ws", g.handleWebSocket)

	authMiddleware := auth.HTTPAuthMiddleware(g.verifier, g.logger)
	mux.Handle("PUT /api/keys", authMiddleware(http.HandlerFunc(g.handlePutKey)))
	mux.Handle("GET /api/keys", authMiddleware(http.HandlerFunc(g.handleGetKeys)))
	mux.Handle("POST /api/presence", authMiddleware(http.HandlerFunc(g.handlePresence)))
	mux.Handle("POST /api/threads", authMiddleware(http.HandlerFunc(g.handleCreateThread)))
	mux.Handle("GET /api/threads/{id}/messages", authMiddleware(http.HandlerFunc(g.handleHistory)))

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, g.metrics.Handler())
	}
	return mux
}

// Events exposes the collaborator event bus.
func (g *Gateway) Events() *events.Bus {
	return g.events
}

// Registry exposes the connection registry.
func (g *Gateway) Registry() *registry.Registry {
	return g.registry
}

// setupTCPListeners creates standard TCP listeners. The gRPC listener is
// nil when no gRPC address is configured.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"grpc_addr", g.config.Server.GRPCAddr,
		"http_addr", g.config.Server.HTTPAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.config.Server.GRPCAddr != "" {
		grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
		if err != nil {
			_ = httpLn.Close()
			return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
		}
	}
	return grpcLn, httpLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC health server listening", "addr", grpcLn.Addr().String())
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

// Run starts the servers and blocks until ctx is canceled or a server fails.
// Returns nil on graceful shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	grpcLn, httpLn, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServers(grpcLn, httpLn)

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	// The original context is already canceled.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "hush-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListeners starts a tsnet node and listens on :80 (HTTP)
// and :50051 (gRPC health).
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
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
	g.health.Shutdown()

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

// Shutdown closes every realtime connection, stops the servers and
// releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	// Hijacked websocket connections are not tracked by http.Server.Shutdown.
	g.registry.CloseAll("server shutting down")
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}

	g.stopPush()
	g.events.Close()
	g.dedupe.Close()
	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
