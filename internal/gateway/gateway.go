// ABOUTME: Operations HTTP server: listeners, routing and lifecycle
// ABOUTME: Serves on a TCP address or a private tsnet node, with graceful shutdown

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

	"github.com/gorilla/mux"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/deepbot/internal/auth"
	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/config"
	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/message"
	"github.com/2389/deepbot/internal/store"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
	keepAliveInterval = 15 * time.Second
)

// Engine is the part of the conversation engine the API reads and drives.
type Engine interface {
	Len() int
	Snapshots() []channel.Snapshot
	Snapshot(channelID string) (channel.Snapshot, bool)
	Inject(channelID, author, content string, directed bool) (message.Record, error)
	Broadcaster() *conversation.Broadcaster
}

// Ledger is the read side of the generation ledger.
type Ledger interface {
	Stats(ctx context.Context) (*store.Stats, error)
	ListGenerations(ctx context.Context, f store.Filter) ([]*store.Generation, error)
}

// Deps are the server's collaborators. Engine is required; a nil Ledger,
// Metrics or Verifier disables the matching feature.
type Deps struct {
	Engine   Engine
	Ledger   Ledger
	Metrics  http.Handler
	Verifier auth.TokenVerifier
	Logger   *slog.Logger
}

// Server is the operations API.
type Server struct {
	config     *config.Config
	engine     Engine
	ledger     Ledger
	logger     *slog.Logger
	router     *mux.Router
	httpServer *http.Server
	cancelBase context.CancelFunc

	tsnetServer *tsnet.Server
}

// New builds the server and its routes. Nothing listens until Run.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Engine == nil {
		return nil, errors.New("gateway: engine is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config: cfg,
		engine: deps.Engine,
		ledger: deps.Ledger,
		logger: logger.With("component", "gateway"),
	}
	s.router = s.routes(deps.Metrics, deps.Verifier)

	// Request contexts derive from base so Shutdown can end SSE streams.
	base, cancel := context.WithCancel(context.Background())
	s.cancelBase = cancel
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return base },
	}
	return s, nil
}

func (s *Server) routes(metrics http.Handler, verifier auth.TokenVerifier) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	if metrics != nil && s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, metrics).Methods(http.MethodGet)
	}

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware(verifier, s.logger))
	api.HandleFunc("/channels", s.handleListChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/history", s.handleChannelHistory).Methods(http.MethodGet)
	api.HandleFunc("/channels/{id}/messages", s.handleInjectMessage).Methods(http.MethodPost)
	api.HandleFunc("/channels/{id}/stream", s.handleStream).Methods(http.MethodGet)
	api.HandleFunc("/generations", s.handleListGenerations).Methods(http.MethodGet)
	api.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)

	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		sendJSONError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run listens and serves until ctx is cancelled, then shuts down.
// Returns nil on graceful shutdown, or the server's error if it fails.
func (s *Server) Run(ctx context.Context) error {
	ln, err := s.listen(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("operations API listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		s.logger.Info("context canceled, stopping operations API")
	case serverErr = <-errCh:
		s.logger.Error("server error", "error", serverErr)
	}

	// The run context is already done here.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	shutdownErr := s.Shutdown(shutdownCtx)

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// listen picks the tsnet node when tailscale is enabled, else server.http_addr.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	if s.config.Tailscale.Enabled {
		if s.config.Server.HTTPAddr != "" {
			s.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", s.config.Server.HTTPAddr)
		}
		return s.listenTailscale(ctx)
	}

	ln, err := net.Listen("tcp", s.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) string {
	if configured != "" {
		return configured
	}
	return filepath.Join(config.DefaultDataDir(), "tailscale")
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

func (s *Server) listenTailscale(ctx context.Context) (net.Listener, error) {
	tsCfg := s.config.Tailscale

	stateDir := resolveTailscaleStateDir(tsCfg.StateDir)
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}
	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	s.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	s.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := s.tsnetServer.Up(ctx)
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	s.logTailscaleStatus(tsCfg.Hostname, status)

	ln, err := s.tsnetServer.Listen("tcp", ":80")
	if err != nil {
		_ = s.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return ln, nil
}

func (s *Server) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		s.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	s.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown ends open streams, then stops the HTTP server and the tsnet node.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down operations API")
	s.cancelBase()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", s.httpServer.Shutdown(ctx))
	if s.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", s.tsnetServer.Close())
	}
	return errors.Join(errs...)
}
