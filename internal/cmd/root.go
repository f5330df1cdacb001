// Package cmd is the gm command line.
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/rand/gamemaster/internal/app"
	"github.com/rand/gamemaster/internal/config"
)

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Config file (default: ./"+config.DefaultFile+" when present)")
	rootCmd.PersistentFlags().BoolP("debug", "d", false, "Debug logging to stderr")

	rootCmd.AddCommand(
		serveCmd,
		turnCmd,
		effectsCmd,
		eventsCmd,
		ingestCmd,
		configCmd,
	)
}

var rootCmd = &cobra.Command{
	Use:   "gm",
	Short: "Voice tabletop Game Master",
	Long: `gm runs the turn orchestration core of a voice tabletop Game Master.

Players speak; each finalized utterance becomes a turn that is planned,
resolved against the campaign's world state and narrated back while the
consequences are still being worked out.`,
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig reads the config named by --config and applies --debug.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	debug, _ := cmd.Flags().GetBool("debug")

	cfg, err := config.Load(path)
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if debug {
		cfg.Log.Debug = true
	}
	return cfg, nil
}

// setupApp loads the config, installs the process logger and builds the
// services. The returned cleanup shuts everything down.
func setupApp(cmd *cobra.Command, opts app.Options) (*app.App, func(), error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, logCloser, err := cfg.Log.NewLogger()
	if err != nil {
		return nil, nil, fmt.Errorf("set up logging: %w", err)
	}
	slog.SetDefault(logger)

	opts.Logger = logger
	a, err := app.New(cmd.Context(), cfg, opts)
	cleanup := func() {
		if a != nil {
			if err := a.Shutdown(); err != nil {
				logger.Warn("shutdown", slog.String("error", err.Error()))
			}
		}
		_ = logCloser.Close()
	}
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return a, cleanup, nil
}

func out(cmd *cobra.Command) io.Writer {
	return cmd.OutOrStdout()
}
