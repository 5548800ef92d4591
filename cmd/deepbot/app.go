// ABOUTME: Wires configuration into the running bot
// ABOUTME: Builds the engine with its backend, chat adapter, ledger, metrics and operations API

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	"maunium.net/go/mautrix/id"

	"github.com/2389/deepbot/internal/auth"
	"github.com/2389/deepbot/internal/channel"
	"github.com/2389/deepbot/internal/config"
	"github.com/2389/deepbot/internal/conversation"
	"github.com/2389/deepbot/internal/dedupe"
	"github.com/2389/deepbot/internal/gateway"
	"github.com/2389/deepbot/internal/generation"
	"github.com/2389/deepbot/internal/history"
	"github.com/2389/deepbot/internal/matrix"
	"github.com/2389/deepbot/internal/metrics"
	"github.com/2389/deepbot/internal/prompt"
	"github.com/2389/deepbot/internal/store"
)

const engineShutdownTimeout = 10 * time.Second

// app holds every long-lived component of a running bot.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	engine  *conversation.Engine
	prompts *prompt.Library
	metrics *metrics.Recorder
	matrix  *matrix.Client     // nil when matrix is disabled
	ledger  *store.SQLiteStore // nil without database.path
	api     *gateway.Server    // nil without a listener
	backend channel.BackendInfo
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (a *app, err error) {
	a = &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.close()
		}
	}()

	a.prompts, err = prompt.NewLibrary(cfg.Prompt.Path, cfg.Prompt.MaxLines, logger)
	if err != nil {
		return nil, fmt.Errorf("loading prompt: %w", err)
	}

	client, backend := newGenerationClient(cfg, logger)
	a.backend = backend

	normalizer := history.NewNormalizer(botIdentity(cfg.Matrix))

	var (
		source    history.Source = emptySource{}
		outbox    channel.Outbox = newLogOutbox(logger)
		directory conversation.Directory
	)
	if cfg.Matrix.Enabled {
		a.matrix, err = matrix.New(cfg.Matrix, logger)
		if err != nil {
			return nil, err
		}
		if cfg.Matrix.Encryption {
			if err := a.matrix.EnableEncryption(ctx, cfg.Matrix.DataDir); err != nil {
				return nil, fmt.Errorf("setting up encryption: %w", err)
			}
		}
		source, outbox, directory = a.matrix, a.matrix, a.matrix
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.History.FetchRate), cfg.History.FetchBurst)
	reconciler := history.NewReconciler(source, normalizer, cfg.History.MaxHistory,
		history.WithLimiter(limiter),
		history.WithSkip(func(raw history.RawMessage) bool {
			return channel.IsCommandText(normalizer, raw.Content)
		}),
		history.WithLogger(logger),
	)

	settings := channel.NewSettings(cfg.GenerationSampling(), channel.Limits{
		MaxHistory:       cfg.History.MaxHistory,
		FetchLimit:       cfg.History.FetchLimit,
		MaxResponseLines: cfg.History.MaxResponseLines,
	})

	a.metrics = metrics.New()
	deps := conversation.Deps{
		Client:             client,
		Backend:            backend,
		Reconciler:         reconciler,
		Normalizer:         normalizer,
		Outbox:             outbox,
		Prompts:            a.prompts,
		Settings:           settings,
		Metrics:            a.metrics,
		Dedupe:             dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxEntries),
		StartupConcurrency: cfg.History.StartupConcurrency,
		Logger:             logger,
	}
	if directory != nil {
		deps.Directory = directory
	}

	if cfg.Database.Path != "" {
		a.ledger, err = store.NewSQLiteStore(cfg.Database.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("opening ledger: %w", err)
		}
		deps.Ledger = a.ledger
	}

	a.engine = conversation.New(deps)

	if cfg.Server.HTTPAddr != "" || cfg.Tailscale.Enabled {
		a.api, err = newAPIServer(cfg, a, logger)
		if err != nil {
			return nil, err
		}
	}
	return a, nil
}

func newGenerationClient(cfg *config.Config, logger *slog.Logger) (generation.Client, channel.BackendInfo) {
	if cfg.Backend.Kind != config.BackendHTTP {
		echo := generation.NewEcho()
		return echo, channel.BackendInfo{Name: echo.Name()}
	}
	backend := generation.NewHTTPBackend(generation.HTTPConfig{
		URL:     cfg.Backend.URL,
		Model:   cfg.Backend.Model,
		APIKey:  cfg.Backend.APIKey,
		Stream:  cfg.Backend.Stream,
		Timeout: cfg.Backend.Timeout,
	}, generation.WithHTTPLogger(logger))
	return backend, channel.BackendInfo{
		Name:     backend.Name(),
		Model:    backend.Model(),
		Endpoint: backend.Endpoint(),
	}
}

// botIdentity derives the names people use to address the bot: its user
// id, the id's localpart and the configured display name.
func botIdentity(cfg config.MatrixConfig) history.Identity {
	identity := history.Identity{UserID: cfg.UserID}
	if localpart, _, err := id.UserID(cfg.UserID).Parse(); err == nil && localpart != "" {
		identity.Names = append(identity.Names, localpart)
	}
	if cfg.DisplayName != "" {
		identity.Names = append(identity.Names, cfg.DisplayName)
	}
	if len(identity.Names) == 0 {
		identity.Names = []string{"deepbot"}
	}
	return identity
}

func newAPIServer(cfg *config.Config, a *app, logger *slog.Logger) (*gateway.Server, error) {
	deps := gateway.Deps{
		Engine:  a.engine,
		Metrics: a.metrics.Handler(),
		Logger:  logger,
	}
	if a.ledger != nil {
		deps.Ledger = a.ledger
	}
	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			return nil, fmt.Errorf("creating token verifier: %w", err)
		}
		deps.Verifier = verifier
	} else {
		logger.Warn("auth.jwt_secret is not set, operations API is unauthenticated")
	}
	return gateway.New(cfg, deps)
}

// run reconciles history, then serves until ctx is cancelled.
func (a *app) run(ctx context.Context) error {
	if err := a.engine.Start(ctx); err != nil {
		return fmt.Errorf("starting engine: %w", err)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	if a.cfg.Prompt.Watch {
		g.Go(func() error { return a.prompts.Watch(gctx) })
	}
	if a.matrix != nil {
		g.Go(func() error { return a.matrix.Run(gctx, a.engine) })
	}
	if a.api != nil {
		g.Go(func() error { return a.api.Run(gctx) })
	}
	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), engineShutdownTimeout)
	defer cancel()
	shutdownErr := a.engine.Shutdown(shutdownCtx)
	a.close()

	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	return shutdownErr
}

// close releases the chat client and the ledger. The engine must be shut
// down first so queued ledger writes land.
func (a *app) close() {
	if a.matrix != nil {
		if err := a.matrix.Close(); err != nil {
			a.logger.Warn("closing matrix client", "error", err)
		}
	}
	if a.ledger != nil {
		if err := a.ledger.Close(); err != nil {
			a.logger.Warn("closing ledger", "error", err)
		}
	}
}
