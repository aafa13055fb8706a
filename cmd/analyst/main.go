package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"safe-analysis-sandbox/internal/config"
)

var (
	configPath string
	jsonOutput bool
	verbose    bool

	serverURL string
	apiKey    string
)

func main() {
	root := &cobra.Command{
		Use:           "analyst",
		Short:         "Profile, validate and analyse tabular data with sandboxed scripts",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, _ []string) {
			setupLogging()
		},
	}

	root.PersistentFlags().StringVar(&configPath, "config", "configs/config.yaml", "Config file")
	root.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log pipeline activity to stderr")

	root.AddCommand(profileCmd(), validateCmd(), runCmd(), askCmd(), remoteCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func setupLogging() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
}

func loadConfig() (*config.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading .env: %w", err)
	}
	return config.LoadOrDefault(configPath)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// readSource reads a script path, or stdin for "-".
func readSource(path string) (string, error) {
	if path == "-" {
		b, err := readAllStdin()
		return string(b), err
	}
	b, err := os.ReadFile(path) // #nosec G304 -- path is a CLI argument
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}
