// Package commands implements the CLI command structure using Cobra.
package commands

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/arclight-labs/arclight/cli/config"
	"github.com/arclight-labs/arclight/core"
)

var (
	// Global flags
	cfgFile string
	baseURL string
	verbose bool

	// Loaded configuration
	cfg *config.Config
)

// rootCmd is the base command for the CLI.
var rootCmd = &cobra.Command{
	Use:   "arclight",
	Short: "Arclight - API transport debugging CLI",
	Long: `Arclight is a command-line interface for exercising the Arclight API
transport: unary JSON calls, SSE streaming, raw byte streaming, and
multipart uploads.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return initConfig()
	},
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ~/.arclight/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&baseURL, "base-url", "", "API base URL")
	rootCmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "enable debug logging")
}

// initConfig reads in config file and sets defaults.
func initConfig() error {
	path := cfgFile
	if path == "" {
		path = config.DefaultConfigPath()
	}

	var err error
	cfg, err = config.LoadConfig(path)
	if err != nil {
		return err
	}

	if baseURL == "" && cfg.BaseURL != "" {
		baseURL = cfg.BaseURL
	}

	return nil
}

// buildClient assembles a client from config, flags, and the credential.
func buildClient() (*core.Client, error) {
	key := cfg.APIKey()
	if key == "" {
		var err error
		key, err = promptAPIKey()
		if err != nil {
			return nil, err
		}
	}

	opts := []core.Option{
		core.WithTimeout(cfg.Timeout()),
	}
	if baseURL != "" {
		opts = append(opts, core.WithBaseURL(baseURL))
	}
	if cfg.MaxRetries > 0 {
		opts = append(opts, core.WithMaxRetries(cfg.MaxRetries))
	}
	if verbose {
		logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
			Level(zerolog.DebugLevel).
			With().Timestamp().Logger()
		opts = append(opts, core.WithLogger(logger))
	}

	return core.New(key, opts...)
}

// promptAPIKey reads the credential without echo when attached to a
// terminal.
func promptAPIKey() (string, error) {
	fmt.Fprint(os.Stderr, "Enter API key: ")

	if term.IsTerminal(int(os.Stdin.Fd())) {
		keyBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("failed to read key: %w", err)
		}
		return string(keyBytes), nil
	}

	var key string
	if _, err := fmt.Fscanln(os.Stdin, &key); err != nil {
		return "", fmt.Errorf("failed to read key: %w", err)
	}
	return key, nil
}
