package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	collabrelay "github.com/docsync/collab-relay"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var port int
	var origin string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay",
		Long: `Run the relay. Configuration is read from COLLAB_* environment variables;
flags override the environment.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := collabrelay.LoadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("port") {
				cfg.Port = port
			}
			if cmd.Flags().Changed("origin") {
				cfg.AllowedOrigin = origin
			}
			cfg.Version = version

			srv, err := collabrelay.NewServer(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			logger.Info().Str("version", version).Int("port", cfg.Port).Str("origin", cfg.AllowedOrigin).Msg("starting collaboration relay")
			return srv.Run(ctx)
		},
	}
	cmd.Flags().IntVar(&port, "port", 3001, "Port to listen on (overrides COLLAB_PORT)")
	cmd.Flags().StringVar(&origin, "origin", "", "Allowed browser origin, or * for any (overrides COLLAB_ALLOWED_ORIGIN)")
	return cmd
}
