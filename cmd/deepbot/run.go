// ABOUTME: The run subcommand: load config, print the startup summary and serve
// ABOUTME: Stops cleanly on SIGINT or SIGTERM

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/2389/deepbot/internal/config"
)

func newRunCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the chat gateway and start answering",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := flags.loadConfig()
			if err != nil {
				return err
			}
			return runBot(cmd.Context(), cfg, path)
		},
	}
}

func runBot(parent context.Context, cfg *config.Config, configPath string) error {
	logger := setupLogger(os.Stdout, cfg.Logging.Level, cfg.Logging.Format)

	printBanner(os.Stdout, startupLines(cfg, configPath))

	ctx, cancel := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	logger.Info("deepbot starting", "version", version, "backend", a.backend.Name)
	return a.run(ctx)
}

func startupLines(cfg *config.Config, configPath string) [][2]string {
	lines := [][2]string{{"Config", configPath}}

	backend := cfg.Backend.Kind
	if cfg.Backend.Kind == config.BackendHTTP {
		backend = fmt.Sprintf("%s %s (%s)", cfg.Backend.Kind, cfg.Backend.URL, cfg.Backend.Model)
	}
	lines = append(lines, [2]string{"Backend", backend})

	if cfg.Matrix.Enabled {
		lines = append(lines, [2]string{"Homeserver", cfg.Matrix.Homeserver}, [2]string{"User", cfg.Matrix.UserID})
		if cfg.Matrix.Encryption {
			lines = append(lines, [2]string{"Encryption", "enabled"})
		}
	} else {
		lines = append(lines, [2]string{"Matrix", "disabled (local outbox)"})
	}

	switch {
	case cfg.Tailscale.Enabled:
		lines = append(lines, [2]string{"API", "tailscale " + cfg.Tailscale.Hostname})
	case cfg.Server.HTTPAddr != "":
		lines = append(lines, [2]string{"API", cfg.Server.HTTPAddr})
	}
	if cfg.Database.Path != "" {
		lines = append(lines, [2]string{"Ledger", cfg.Database.Path})
	}
	return lines
}
