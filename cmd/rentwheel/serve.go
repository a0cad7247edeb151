package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rentwheel/rentwheel/sdk/golang/internal/config"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/logger"
	"github.com/rentwheel/rentwheel/sdk/golang/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the chat server",
	Long:  "Run the chat server. Settings come from RENTWHEEL_* environment variables and .env files.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		log := logger.Init(cfg.Env, cfg.LogLevel)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := server.ListenAndServe(ctx, cfg, log); err != nil {
			log.Error().Err(err).Msg("server stopped")
			return err
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
