package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/rand/gamemaster/internal/app"
	"github.com/rand/gamemaster/internal/narration"
	"github.com/rand/gamemaster/internal/voice"
)

func init() {
	serveCmd.Flags().String("addr", "", "Listen address (default from config)")
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the voice adapter and the effect scheduler",
	Long: `Serve the websocket voice adapter and run the delayed effect scheduler.

Speech-to-text clients connect to the voice endpoint, say hello with their
campaign and player ids, and send finalized utterances. Narration chunks
are broadcast to every connection of the campaign in turn order.`,
	Example: `
# Serve with the default config
gm serve

# Serve on another address
gm serve --addr 0.0.0.0:9000
`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		// The queue delivers to the server, and the server is built from
		// the app's controller.
		var server *voice.Server
		sink := narration.SinkFunc(func(ctx context.Context, c narration.Chunk) error {
			return server.Deliver(ctx, c)
		})

		a, cleanup, err := setupApp(cmd, app.Options{Sink: sink})
		if err != nil {
			return err
		}
		defer cleanup()

		cfg := a.Config()
		server = voice.NewServer(a.Controller, a.World, voice.Config{
			Path:           cfg.Voice.Path,
			AllowedOrigins: cfg.Voice.AllowedOrigins,
			Logger:         slog.Default(),
		})
		server.SetInterrupter(a.Queue)

		addr, _ := cmd.Flags().GetString("addr")
		if addr == "" {
			addr = cfg.Voice.Addr
		}

		g, ctx := errgroup.WithContext(ctx)
		g.Go(func() error { return server.Serve(ctx, addr) })
		g.Go(func() error { return a.RunScheduler(ctx) })
		if err := g.Wait(); err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	},
}
