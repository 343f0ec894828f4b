// ABOUTME: Root cobra command and the shared session setup for hush-client
// ABOUTME: Loads TOML config, opens the keystore and wires client, API and messenger

package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/2389/hush-gateway/internal/client"
	"github.com/2389/hush-gateway/internal/config"
	"github.com/2389/hush-gateway/internal/e2ee"
	"github.com/2389/hush-gateway/internal/store"
)

var (
	configPath string
	tokenFlag  string
)

// Execute runs the command tree.
func Execute() error {
	root := &cobra.Command{
		Use:           "hush-client",
		Short:         "End-to-end encrypted messaging client for hush-gateway",
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVar(&configPath, "config", "", "client config file (default $HUSH_CLIENT_CONFIG or ~/.config/hush/client.toml)")
	root.PersistentFlags().StringVar(&tokenFlag, "token", "", "access token, overrides gateway.token")

	root.AddCommand(keygenCmd(), sendCmd(), listenCmd(), historyCmd(), threadCmd(), reactCmd())
	return root.Execute()
}

// session is everything a command needs to talk to the gateway.
type session struct {
	cfg      *config.ClientConfig
	identity string
	token    string
	logger   *slog.Logger
	keystore *e2ee.Keystore
	engine   *e2ee.Engine
	api      *client.API
	client   *client.Client
}

func loadConfig() (*config.ClientConfig, error) {
	path := configPath
	if path == "" {
		path = config.DefaultClientPath()
	}
	cfg, err := config.LoadClient(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if tokenFlag != "" {
		cfg.Gateway.Token = tokenFlag
	}
	if cfg.Gateway.Token == "" {
		return nil, errors.New("no token: set gateway.token or pass --token")
	}
	return cfg, nil
}

// identityFromToken reads the subject claim. The gateway verifies the
// signature; the client only needs to know who it is.
func identityFromToken(token string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return "", fmt.Errorf("parsing token: %w", err)
	}
	if claims.Subject == "" {
		return "", errors.New("token has no subject")
	}
	return claims.Subject, nil
}

func newLogger(level string) *slog.Logger {
	var l slog.Level
	switch level {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l}))
}

// openSession loads config and the keystore and builds the transport.
// Callers must call close.
func openSession() (*session, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	identity, err := identityFromToken(cfg.Gateway.Token)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Logging.Level)

	ks, err := e2ee.OpenKeystore(cfg.Keystore.Path)
	if err != nil {
		return nil, err
	}
	kp, err := ks.LoadOrCreateKeyPair()
	if err != nil {
		_ = ks.Close()
		return nil, fmt.Errorf("loading identity key: %w", err)
	}
	engine := e2ee.NewEngine(kp)
	if err := ks.LoadSessions(engine); err != nil {
		logger.Warn("discarding stored sessions", "error", err)
	}

	c := client.New(client.Options{
		Dialer: &client.WSDialer{URL: cfg.Gateway.URL},
		Backoff: client.Backoff{
			BaseDelay:   cfg.Reconnect.BaseDelay,
			MaxDelay:    cfg.Reconnect.MaxDelay,
			MaxAttempts: cfg.Reconnect.MaxAttempts,
		},
		Queue: client.QueueLimits{
			MaxSize:    cfg.Queue.MaxSize,
			MaxAge:     cfg.Queue.MaxAge,
			MaxRetries: cfg.Queue.MaxRetries,
		},
		Logger: logger,
	})

	return &session{
		cfg:      cfg,
		identity: identity,
		token:    cfg.Gateway.Token,
		logger:   logger,
		keystore: ks,
		engine:   engine,
		api:      client.NewAPI(cfg.APIBase(), cfg.Gateway.Token),
		client:   c,
	}, nil
}

func (s *session) messenger(onMessage func(client.Message), onStatus func(client.StatusUpdate)) *client.Messenger {
	return s.newMessenger(client.MessengerParams{OnMessage: onMessage, OnStatus: onStatus})
}

// newMessenger fills the session's collaborators into p.
func (s *session) newMessenger(p client.MessengerParams) *client.Messenger {
	p.Identity = s.identity
	p.Client = s.client
	p.Engine = s.engine
	p.Keys = s.api
	p.Sessions = s.keystore
	p.Logger = s.logger
	return client.NewMessenger(p)
}

// connect dials and waits until the client reports connected.
func (s *session) connect(ctx context.Context, timeout time.Duration) error {
	connected := make(chan struct{}, 1)
	s.client.OnStatus(func(st client.State) {
		if st == client.StateConnected {
			select {
			case connected <- struct{}{}:
			default:
			}
		}
	})
	if err := s.client.Connect(ctx, s.token); err != nil {
		return err
	}

	select {
	case <-connected:
		return nil
	case <-time.After(timeout):
		return errors.New("timed out connecting to gateway")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *session) close() {
	s.client.Disconnect()
	if err := s.keystore.SaveSessions(s.engine); err != nil {
		s.logger.Warn("saving sessions failed", "error", err)
	}
	_ = s.keystore.Close()
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func threadKind(group bool) string {
	if group {
		return store.ThreadKindGroup
	}
	return store.ThreadKindDM
}
