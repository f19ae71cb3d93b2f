package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fortybyte/mudaeUtils/internal/auth"
	"github.com/fortybyte/mudaeUtils/internal/config"
	"github.com/fortybyte/mudaeUtils/internal/dashboard"
	"github.com/fortybyte/mudaeUtils/internal/db"
	"github.com/fortybyte/mudaeUtils/internal/keywords"
	"github.com/fortybyte/mudaeUtils/internal/notify"
	"github.com/fortybyte/mudaeUtils/internal/store"
	"github.com/fortybyte/mudaeUtils/internal/supervisor"
	"github.com/fortybyte/mudaeUtils/internal/vault"
	"github.com/fortybyte/mudaeUtils/internal/wordmap"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var (
		configPath string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the instance supervisor and the control dashboard",
		Long: "Restores persisted instances, starts the health monitor and serves the " +
			"control dashboard and API until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, configPath, port)
		},
	}

	addConfigFlag(cmd, &configPath)
	cmd.Flags().IntVarP(&port, "port", "p", 0, "port to listen on (overrides server.port)")
	return cmd
}

func runServe(cmd *cobra.Command, configPath string, port int) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if port > 0 {
		cfg.Server.Port = port
	}
	logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gormDB, err := db.Connect(cfg.Database)
	if err != nil {
		return err
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		defer sqlDB.Close()
	}
	if err := db.AutoMigrate(gormDB); err != nil {
		return err
	}

	v, err := vault.Open(cfg.DataDir)
	if err != nil {
		return err
	}
	notifier, err := notify.FromConfig(cfg.Notify, logger.With().Str("component", "notify").Logger(), nil)
	if err != nil {
		return err
	}
	names, err := keywords.Load(cfg.Game.KeywordsFile)
	if err != nil {
		return err
	}
	passwordHash, err := resolvePasswordHash(cfg.Server)
	if err != nil {
		return err
	}

	sup, err := supervisor.New(supervisor.Options{
		Config:   cfg,
		Store:    store.New(gormDB),
		Vault:    v,
		Notifier: notifier,
		Resolver: loadResolver(ctx, cfg, logger),
		Keywords: keywords.NewMatcher(names),
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	restored, err := sup.Restore(ctx)
	if err != nil {
		logger.Warn().Err(err).Int("restored", restored).Msg("restore interrupted")
	}
	if err := sup.StartHealthMonitor(); err != nil {
		return err
	}

	srvErr := dashboard.Start(ctx, dashboard.StartOpts{
		Supervisor:     sup,
		Auth:           auth.NewService(passwordHash, cfg.Server.SessionTTL, logger),
		Port:           cfg.Server.Port,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Version:        Version,
		Logger:         logger,
		Out:            cmd.OutOrStdout(),
	})

	fmt.Fprintln(cmd.OutOrStdout(), "Shutting down instances...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("instances did not stop in time")
	}
	return srvErr
}

// resolvePasswordHash prefers the configured hash and falls back to hashing
// MU_PASSWORD. Both empty disables dashboard auth.
func resolvePasswordHash(c config.ServerConfig) (string, error) {
	if c.PasswordHash != "" {
		return c.PasswordHash, nil
	}
	pw := os.Getenv("MU_PASSWORD")
	if pw == "" {
		return "", nil
	}
	return auth.HashPassword(pw)
}

// loadResolver loads the word-guess table. A missing or broken table only
// costs guesses, so it degrades to the give-up answer.
func loadResolver(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *wordmap.Resolver {
	table, err := wordmap.Load(ctx, cfg.Wordmap.Source, wordmap.LoadOptions{
		GitHubToken: os.Getenv(cfg.Wordmap.GitHubTokenEnv),
	})
	if err != nil {
		logger.Warn().Err(err).Str("source", cfg.Wordmap.Source).Msg("word table unavailable, answering with give-up token")
	}
	r := wordmap.NewResolver(table, cfg.Game.GiveUpToken)
	logger.Info().Int("combos", r.Len()).Msg("word table loaded")
	return r
}
