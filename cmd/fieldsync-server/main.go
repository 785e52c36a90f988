package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/marcus/fieldsync/internal/api"
	"github.com/marcus/fieldsync/internal/config"
	"github.com/marcus/fieldsync/internal/logging"
	"github.com/marcus/fieldsync/internal/serverdb"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:           "fieldsync-server",
	Short:         "Reference ingest server for fieldsync devices",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context())
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "server config file (YAML)")
	rootCmd.AddCommand(deviceCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func apiConfig(cfg *config.Server) api.Config {
	return api.Config{
		ListenAddr:              cfg.ListenAddr,
		ServerDBPath:            cfg.DBPath,
		ShutdownTimeout:         cfg.ShutdownTimeout,
		TokenSecret:             cfg.TokenSecret,
		TokenTTL:                cfg.TokenTTL,
		MaxBatch:                cfg.MaxBatch,
		MaxPhotoBatch:           cfg.MaxPhotoBatch,
		MaxBodyBytes:            cfg.MaxBodyBytes,
		RateLimitAuth:           cfg.RateLimitAuth,
		RateLimitPush:           cfg.RateLimitPush,
		RateLimitEventRetention: cfg.EventRetention,
	}
}

func serve(ctx context.Context) error {
	cfg, err := config.LoadServer(configPath)
	if err != nil {
		return err
	}

	logger, closer := logging.New(cfg.Log)
	defer closer.Close()
	slog.SetDefault(logger)

	store, err := serverdb.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open server db: %w", err)
	}
	defer store.Close()

	srv, err := api.NewServer(apiConfig(cfg), store)
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	slog.Info("server started", "addr", cfg.ListenAddr)

	<-ctx.Done()
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
