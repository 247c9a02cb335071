package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mymyanmarland/claw-chat/internal/auth"
	"github.com/mymyanmarland/claw-chat/internal/config"
	"github.com/mymyanmarland/claw-chat/internal/history"
	"github.com/mymyanmarland/claw-chat/internal/metrics"
	"github.com/mymyanmarland/claw-chat/internal/providers/registry"
	"github.com/mymyanmarland/claw-chat/internal/ratelimit"
	"github.com/mymyanmarland/claw-chat/internal/relay"
	"github.com/mymyanmarland/claw-chat/internal/server"
	"github.com/mymyanmarland/claw-chat/internal/telemetry"
)

var (
	rootCmd = &cobra.Command{
		Use:          "clawchat",
		Short:        "Authenticated streaming chat relay with per-user history",
		SilenceUsage: true,
		RunE:         runServe,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server (default)",
		RunE:  runServe,
	}

	hashPasswordCmd = &cobra.Command{
		Use:   "hash-password [password]",
		Short: "Print a bcrypt hash for ADMIN_PASS_BCRYPT",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := auth.HashPassword(args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), h)
			return err
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd, hashPasswordCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	setupLogger(cfg.Log.Level)
	log.Info().
		Str("mode", cfg.Mode).
		Str("history_backend", cfg.History.Backend).
		Str("addr", cfg.ListenAddr()).
		Msg("starting claw-chat")

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownTracing, err := telemetry.Init(ctx, telemetry.Config{
		Exporter:     cfg.Telemetry.Exporter,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		ServiceName:  cfg.Telemetry.ServiceName,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}

	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", cfg.DataDir).Msg("failed to create data dir")
	}
	store, err := history.Open(ctx, history.Options{
		Backend:   cfg.History.Backend,
		File:      cfg.HistoryFile(),
		BadgerDir: cfg.BadgerDir(),
		DSN:       cfg.History.DSN,
		Limit:     cfg.History.Limit,
		Logger:    log.Logger.With().Str("component", "history").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize history store")
	}
	defer store.Close()

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("failed to connect redis")
		}
		defer rdb.Close()
	}

	issuer, err := auth.NewIssuer(auth.Config{
		Secret: cfg.Auth.Secret,
		TTL:    cfg.Auth.TokenTTL,
		Credentials: auth.Credentials{
			Username:     cfg.Auth.AdminUser,
			Password:     cfg.Auth.AdminPass,
			PasswordHash: cfg.Auth.AdminPassHash,
		},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize auth")
	}

	provider, err := registry.Build(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build provider")
	}

	m := metrics.Global()
	svc := server.NewService(server.Config{
		Issuer:   issuer,
		Store:    store,
		Provider: provider,
		Relay: relay.New(relay.Config{
			Timeout: cfg.HTTP.UpstreamTimeout,
			Logger:  log.Logger.With().Str("component", "relay").Logger(),
			Metrics: m,
		}),
		LoginLimiter:   ratelimit.New(rdb, cfg.Rate.LoginPerHour),
		ChatLimiter:    ratelimit.New(rdb, cfg.Rate.ChatPerHour),
		Logger:         log.Logger.With().Str("component", "http").Logger(),
		Metrics:        m,
		FrontendDir:    cfg.FrontendDir,
		ServiceName:    cfg.Telemetry.ServiceName,
		TrustedProxies: cfg.HTTP.TrustedProxies,
	})

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           svc.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr()).Msg("http server started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		log.Error().Err(err).Msg("runtime error")
		cancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to stop http server")
	}
	// Chats run detached from their requests; the store must outlive them.
	if err := svc.Wait(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("in-flight chats did not finish, their turns may be lost")
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("failed to flush traces")
	}

	log.Info().Msg("stopped")
	return nil
}

func setupLogger(level string) {
	zerolog.TimeFieldFormat = time.RFC3339
	lvl := parseLogLevel(level)
	zerolog.SetGlobalLevel(lvl)
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	if lvl == zerolog.DebugLevel {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
}

func parseLogLevel(level string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
