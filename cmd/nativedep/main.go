// nativedep resolves, builds and binds a project's native C library.
//
// Usage:
//
//	nativedep build   [--profile=<name>] [--no-bindings]
//	nativedep fetch
//	nativedep bindgen
//	nativedep check
//	nativedep clean   [--cache]
//	nativedep status
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/contriboss/nativedep-go"
)

// version is set at build time via -ldflags.
var version = "dev"

var rootFlags struct {
	configPath string
	projectDir string
	logLevel   string
}

var (
	logger          = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	shutdownTracing = func(context.Context) error { return nil }
)

var rootCmd = &cobra.Command{
	Use:   "nativedep",
	Short: "Build a native C library and its Go bindings",
	Long: "nativedep locates the sources of a native C library (a local checkout or a pinned\n" +
		"archive), builds it with its own build system, generates Go bindings from its public\n" +
		"header and copies the runtime libraries next to the final binary.",
	SilenceUsage:      true,
	SilenceErrors:     true,
	PersistentPreRunE: setup,
	CompletionOptions: cobra.CompletionOptions{
		HiddenDefaultCmd: true,
	},
}

func init() {
	f := rootCmd.PersistentFlags()
	f.StringVar(&rootFlags.configPath, "config", "", "Path to "+nativedep.ConfigFileName+" (default: the project's, when present)")
	f.StringVarP(&rootFlags.projectDir, "project", "C", ".", "Project directory")
	f.StringVar(&rootFlags.logLevel, "log-level", "info", "Log level (trace, debug, info, warn, error); env NATIVEDEP_LOG_LEVEL")

	rootCmd.AddCommand(buildCmd, fetchCmd, bindgenCmd, checkCmd, cleanCmd, statusCmd)
	rootCmd.Version = version
}

func setup(cmd *cobra.Command, _ []string) error {
	level := rootFlags.logLevel
	if !cmd.Flags().Changed("log-level") {
		if env := os.Getenv(nativedep.EnvPrefix + "LOG_LEVEL"); env != "" {
			level = env
		}
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger = logger.Level(lvl)

	shutdown, err := initTracing(cmd.Context())
	if err != nil {
		// Tracing is optional; a broken collector must not fail the build.
		logger.Warn().Err(err).Msg("tracing disabled")
		return nil
	}
	shutdownTracing = shutdown
	return nil
}

// loadConfig reads --config, or the project's nativedep.yaml when it exists.
func loadConfig(ctx context.Context) (*nativedep.Config, error) {
	path := rootFlags.configPath
	if path == "" {
		candidate := filepath.Join(rootFlags.projectDir, nativedep.ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			path = candidate
		}
	}
	cfg, err := nativedep.LoadConfig(ctx, path)
	if err != nil {
		return nil, err
	}
	if path != "" {
		logger.Debug().Str("config", path).Msg("configuration loaded")
	}
	return cfg, nil
}

func newPipeline(cfg *nativedep.Config) (*nativedep.Pipeline, error) {
	return nativedep.NewPipeline(cfg, rootFlags.projectDir, logger)
}

func loadPipeline(ctx context.Context) (*nativedep.Pipeline, error) {
	cfg, err := loadConfig(ctx)
	if err != nil {
		return nil, err
	}
	return newPipeline(cfg)
}

func main() {
	// A missing .env is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	if serr := shutdownTracing(shutdownCtx); serr != nil {
		logger.Warn().Err(serr).Msg("flush traces")
	}
	cancel()

	if err != nil {
		if !errors.Is(err, errStale) {
			logger.Error().Str("stage", nativedep.StageOf(err)).Err(err).Msg("nativedep failed")
		}
		os.Exit(1)
	}
}
