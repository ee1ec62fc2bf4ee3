package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/manpreetbhatti/lattice/internal/api"
	"github.com/manpreetbhatti/lattice/internal/compaction"
	"github.com/manpreetbhatti/lattice/internal/config"
	"github.com/manpreetbhatti/lattice/internal/db"
	"github.com/manpreetbhatti/lattice/internal/document"
	"github.com/manpreetbhatti/lattice/internal/observability"
	"github.com/manpreetbhatti/lattice/internal/ratelimit"
	"github.com/manpreetbhatti/lattice/internal/session"
	"github.com/manpreetbhatti/lattice/internal/store"
	"github.com/manpreetbhatti/lattice/internal/store/memory"
	"github.com/manpreetbhatti/lattice/internal/store/postgres"
	"github.com/manpreetbhatti/lattice/internal/store/redisstore"
	"github.com/manpreetbhatti/lattice/internal/ws"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the websocket and HTTP API server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			cfg, err := config.Load(v, path)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().Int("port", 0, "HTTP listen port")
	cmd.Flags().String("store", "", "store driver: sqlite, postgres, redis or memory")
	cmd.Flags().String("log-level", "", "log level: debug, info, warn or error")
	_ = v.BindPFlag("server.port", cmd.Flags().Lookup("port"))
	_ = v.BindPFlag("store.driver", cmd.Flags().Lookup("store"))
	_ = v.BindPFlag("log.level", cmd.Flags().Lookup("log-level"))

	return cmd
}

func serve(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	if _, err := observability.NewLogger(cfg.LogConfig()); err != nil {
		return err
	}
	log := logrus.WithField("component", "server")

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	defer func() {
		if err := st.Close(); err != nil {
			log.WithError(err).Error("Failed to close store")
		}
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)
	manager := session.NewManager(cfg.SessionConfig(), st, document.UpdateLogFactory, metrics)
	limiters := ratelimit.NewClientLimiters(cfg.RateLimitConfig())

	compactor := compaction.New(manager, cfg.CompactionConfig())
	compactor.Start()

	mux := http.NewServeMux()
	mux.Handle("/ws", ws.NewHandler(manager, limiters, ws.DefaultConfig()))
	mux.Handle("/metrics", promhttp.Handler())
	api.New(manager, st).Routes(mux)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Server.Port),
		Handler: api.CORS(mux),
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"port":  cfg.Server.Port,
			"store": cfg.Store.Driver,
		}).Info("Lattice server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down server")
	case serveErr = <-errCh:
		log.WithError(serveErr).Error("HTTP server failed")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	compactor.Stop()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("HTTP shutdown incomplete")
	}
	// Websocket connections are hijacked, so the manager closes them itself
	if err := manager.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Some rooms failed to flush on shutdown")
	}
	return serveErr
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case config.DriverSQLite:
		return db.New(cfg.SQLitePath)
	case config.DriverPostgres:
		return postgres.Open(ctx, cfg.PostgresDSN, postgres.DefaultConfig())
	case config.DriverRedis:
		return redisstore.Open(ctx, &redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, cfg.RedisPrefix)
	case config.DriverMemory:
		return memory.New(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
