package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/nexus-chat/internal/auth"
	"github.com/Tyrowin/nexus-chat/internal/server"
	"github.com/Tyrowin/nexus-chat/internal/telemetry"
	"github.com/Tyrowin/nexus-chat/internal/transform"
)

const shutdownTimeout = 30 * time.Second

// configFlags registers the flags shared by serve and config and binds them
// into v.
func configFlags(cmd *cobra.Command, v *viper.Viper, configFile *string) {
	cmd.Flags().StringVarP(configFile, "config", "c", "", "Path to a YAML, TOML or JSON config file")
	cmd.Flags().StringP("port", "p", "", "Listen address, e.g. :8080")
	_ = v.BindPFlag("port", cmd.Flags().Lookup("port"))
}

func serveCmd() *cobra.Command {
	var configFile string
	v := server.NewViper()

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the chat server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := server.LoadConfig(v, configFile)
			if err != nil {
				return err
			}

			logger, err := server.NewLogger(cfg.Log, os.Stderr)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, logger)
		},
	}

	configFlags(cmd, v, &configFile)
	return cmd
}

func run(ctx context.Context, cfg *server.Config, logger *logrus.Logger) error {
	store, closeStore, err := openStore(ctx, cfg.Auth, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	tr, err := transform.FromKey(cfg.Transform.Key)
	if err != nil {
		return err
	}

	tracing, err := telemetry.New(ctx, telemetry.Config{
		Exporter:       cfg.Tracing.Exporter,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		ServiceName:    "nexus",
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	tracing.SetGlobal()
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tracing.Shutdown(sctx); err != nil {
			logger.WithError(err).Warn("Error flushing spans")
		}
	}()
	logger.WithField("exporter", cfg.Tracing.Exporter).Info("Tracing configured")

	srv := server.New(cfg, server.Options{
		Logger:         logger,
		Auth:           auth.NewService(store, cfg.Auth.BcryptCost),
		Transform:      tr,
		TracerProvider: tracing.Provider,
		Version:        version,
	})
	srv.Start()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("Shutdown signal received")
		return srv.Shutdown(shutdownTimeout)
	})
	return g.Wait()
}

// openStore picks Postgres when a database URL is configured and the
// in-memory store otherwise.
func openStore(ctx context.Context, cfg server.AuthConfig, logger logrus.FieldLogger) (auth.Store, func(), error) {
	if cfg.DatabaseURL == "" {
		logger.Warn("No auth.database_url set; accounts are kept in memory")
		return auth.NewMemoryStore(), func() {}, nil
	}

	pg, err := auth.OpenPostgres(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("Using Postgres credential store")
	return pg, func() {
		if err := pg.Close(); err != nil {
			logger.WithError(err).Warn("Error closing credential store")
		}
	}, nil
}
