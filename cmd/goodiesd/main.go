// cmd/goodiesd/main.go

// goodiesd is the sync server: it owns the authoritative knowledge
// graph and answers Inbetweenies requests from replicas over HTTP.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/adrianco/the-goodies-sub002/internal/config"
	"github.com/adrianco/the-goodies-sub002/internal/logging"
	"github.com/adrianco/the-goodies-sub002/internal/server"
	"github.com/adrianco/the-goodies-sub002/internal/storage"
	"github.com/adrianco/the-goodies-sub002/pkg/inbetweenies"
)

var (
	configPath string
	listenFlag string
	levelFlag  string
)

func main() {
	if err := newServeCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "goodiesd: %v\n", err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "goodiesd",
		Short: "Knowledge graph sync server",
		Long: `goodiesd stores a versioned smart-home knowledge graph and keeps
replicas in step through the Inbetweenies delta-sync protocol.
Configuration comes from a YAML file and GOODIES_* environment
variables; see internal/config for the full key list.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runServe,
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to config file")
	cmd.Flags().StringVar(&listenFlag, "listen", "", "bind address, overrides server.listen")
	cmd.Flags().StringVar(&levelFlag, "log-level", "", "log level, overrides log.level")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if listenFlag != "" {
		cfg.Server.Listen = listenFlag
	}
	if levelFlag != "" {
		cfg.Log.Level = levelFlag
	}
	log := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := storage.OpenServer(cfg.Server.Driver, cfg.Server.DSN)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	deviceID, err := store.EnsureDeviceID(ctx, cfg.Server.DeviceID)
	if err != nil {
		return fmt.Errorf("device identity: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := server.NewMetrics(registry)

	engine, err := server.NewEngine(store, server.EngineOptions{
		DeviceID: deviceID,
		Strategy: inbetweenies.ResolutionStrategy(cfg.Server.ResolutionStrategy),
		MaxBatch: cfg.Server.MaxBatch,
		MaxSkew:  cfg.Server.MaxClockSkew,
		Logger:   log,
		Metrics:  metrics,
	})
	if err != nil {
		return err
	}

	auth, err := buildValidator(cfg.Server.Auth)
	if err != nil {
		return err
	}

	srv := server.New(engine, store, server.Options{
		Listen:         cfg.Server.Listen,
		Auth:           auth,
		RequestTimeout: cfg.Server.RequestTimeout,
		RateLimit:      cfg.Server.RateLimit,
		RateBurst:      cfg.Server.RateBurst,
		Registry:       registry,
		Logger:         log,
		ShutdownGrace:  cfg.Server.ShutdownGrace,
	})

	log.Info().
		Str("listen", cfg.Server.Listen).
		Str("device_id", deviceID).
		Str("driver", cfg.Server.Driver).
		Str("strategy", cfg.Server.ResolutionStrategy).
		Str("auth", cfg.Server.Auth.Mode).
		Msg("starting goodiesd")
	return srv.Run(ctx)
}

func buildValidator(cfg config.AuthConfig) (server.TokenValidator, error) {
	switch cfg.Mode {
	case "", config.AuthModeNone:
		return server.NoopValidator{}, nil
	case config.AuthModeStatic:
		return server.NewStaticValidator(cfg.Tokens), nil
	case config.AuthModeJWT:
		return server.NewJWTValidator(cfg.JWTSecret), nil
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
	}
}
