package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/conclave/pkg/inference"
	"github.com/go-go-golems/conclave/pkg/server"
	"github.com/go-go-golems/conclave/pkg/store"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			apiKey := resolveAPIKey(cfg)
			if apiKey == "" {
				return errors.New("no API key: set CONCLAVE_API_KEY or OPENROUTER_API_KEY")
			}

			storeOptions := []store.Option{}
			if cfg.SessionLimit > 0 {
				storeOptions = append(storeOptions, store.WithSessionLimit(cfg.SessionLimit))
			}
			st, err := store.Open(cfg.DBPath, storeOptions...)
			if err != nil {
				return err
			}

			engine := inference.NewOpenAIEngine(apiKey, inference.WithBaseURL(cfg.BaseURL))

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			log.Info().
				Str("db", cfg.DBPath).
				Strs("panel", cfg.Server.Council.PanelModels).
				Str("chairman", cfg.Server.Council.Chairman).
				Msg("starting server")

			return server.New(cfg.Server, st, engine).ListenAndServe(ctx)
		},
	}
}

func resolveAPIKey(cfg *appConfig) string {
	if cfg.APIKey != "" {
		return cfg.APIKey
	}
	return os.Getenv("OPENROUTER_API_KEY")
}
