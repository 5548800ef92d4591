// ABOUTME: Entry point for the deepbot chat assistant
// ABOUTME: Cobra root command with run, init, token and version subcommands

package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/2389/deepbot/internal/config"
)

// Set at build time with -ldflags "-X main.version=...".
var (
	version = "dev"
	commit  = "none"
)

const banner = `
     _                 _           _
  __| | ___  ___ _ __ | |__   ___ | |_
 / _' |/ _ \/ _ \ '_ \| '_ \ / _ \| __|
| (_| |  __/  __/ |_) | |_) | (_) | |_
 \__,_|\___|\___| .__/|_.__/ \___/ \__|
                |_|
`

type globalFlags struct {
	configPath string
	envFile    string
	verbose    bool
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "deepbot",
		Short: "Matrix chat assistant with per-room memory",
		Long: `deepbot keeps a short rolling history for every room it is in and
answers messages addressed to it with a language model backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return loadEnvFile(flags.envFile)
		},
	}
	root.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "config file (default $DEEPBOT_CONFIG or ~/.config/deepbot/config.yaml)")
	root.PersistentFlags().StringVar(&flags.envFile, "env-file", ".env", "dotenv file loaded before the config")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(
		newRunCmd(flags),
		newInitCmd(flags),
		newTokenCmd(flags),
		newSayCmd(flags),
		newTailCmd(flags),
		newVersionCmd(),
	)
	return root
}

// loadEnvFile loads a dotenv file. A missing file is fine.
func loadEnvFile(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

func (f *globalFlags) resolveConfigPath() string {
	if f.configPath != "" {
		return f.configPath
	}
	return config.DefaultPath()
}

func (f *globalFlags) loadConfig() (*config.Config, string, error) {
	path := f.resolveConfigPath()
	cfg, err := config.Load(path)
	if err != nil {
		return nil, path, fmt.Errorf("loading config from %s: %w", path, err)
	}
	if f.verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, path, nil
}

func setupLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	if format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "deepbot %s (%s)\n", version, commit)
		},
	}
}

// printBanner writes the banner and the labelled startup lines.
func printBanner(w io.Writer, lines [][2]string) {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Fprint(w, banner)
	for _, l := range lines {
		green.Fprint(w, "    ▶ ")
		fmt.Fprintf(w, "%-12s%s\n", l[0]+":", l[1])
	}
	fmt.Fprintln(w)
}
