package main

import (
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/go-go-golems/conclave/pkg/server"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

type appConfig struct {
	DBPath       string `mapstructure:"db_path"`
	SessionLimit int    `mapstructure:"session_limit"`

	// APIKey and BaseURL configure the OpenAI-compatible provider. The key
	// usually comes from the environment, not the config file.
	APIKey  string `mapstructure:"api_key"`
	BaseURL string `mapstructure:"base_url"`

	Server server.Config `mapstructure:"server"`
}

// loadConfig merges, in increasing precedence: defaults, the config file
// (explicit --config or ./conclave.yaml), and CONCLAVE_* environment
// variables.
func loadConfig(cmd *cobra.Command) (*appConfig, error) {
	v := viper.New()

	v.SetDefault("db_path", "conclave.db")
	v.SetDefault("base_url", defaultBaseURL)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.council.chairman", "google/gemini-2.5-pro")
	v.SetDefault("server.council.models", []string{
		"openai/gpt-5.1",
		"google/gemini-2.5-pro",
		"anthropic/claude-sonnet-4.5",
		"x-ai/grok-4",
	})

	if path, _ := cmd.Flags().GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("conclave")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("CONCLAVE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "could not read config file")
		}
	}

	cfg := &appConfig{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errors.Wrap(err, "could not parse config")
	}
	return cfg, nil
}
