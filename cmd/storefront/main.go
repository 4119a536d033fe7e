package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dukerupert/storefront/internal/config"
	"github.com/dukerupert/storefront/internal/database"
	"github.com/dukerupert/storefront/internal/email"
	"github.com/dukerupert/storefront/internal/federation"
	"github.com/dukerupert/storefront/internal/logging"
	"github.com/dukerupert/storefront/internal/password"
	"github.com/dukerupert/storefront/internal/server"
	"github.com/dukerupert/storefront/internal/store/redisstore"
)

func main() {
	cfg, err := config.Load(os.Getenv)
	if err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.Setup(cfg.LogLevel, cfg.LogFormat)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	hasher, err := password.New(cfg.PasswordHash)
	if err != nil {
		slog.Error("password hasher", "error", err)
		os.Exit(1)
	}

	deps := server.Deps{Hasher: hasher}

	// Email: Postmark when a token is set, otherwise log the messages
	emailClient := email.NewClient(cfg.PostmarkToken, cfg.FromEmail)
	if emailClient.Configured() {
		deps.Sender = emailClient
	} else {
		slog.Warn("postmark token not set, reset emails will be logged")
		deps.Sender = email.LogSender{Logger: logger.With("component", "email")}
	}

	// Reset tokens: Redis when configured, otherwise SQLite
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			slog.Error("failed to connect to redis", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		deps.Tokens = redisstore.NewResetTokenStore(rdb, db, "storefront", cfg.ResetTokenMaxAge,
			redisstore.WithLogger(logger.With("component", "reset_tokens")))
		slog.Info("reset tokens stored in redis", "addr", cfg.RedisAddr)
	}

	if cfg.OAuth.Enabled() {
		provider, err := federation.New(federation.Config{
			Provider:     cfg.OAuth.Provider,
			ClientID:     cfg.OAuth.ClientID,
			ClientSecret: cfg.OAuth.ClientSecret,
			AuthURL:      cfg.OAuth.AuthURL,
			TokenURL:     cfg.OAuth.TokenURL,
			UserInfoURL:  cfg.OAuth.UserInfoURL,
			RedirectURL:  cfg.OAuthRedirectURL(),
			Scopes:       cfg.OAuth.Scopes,
			StateSecret:  []byte(cfg.StateSecret),
		})
		if err != nil {
			slog.Error("federated login", "error", err)
			os.Exit(1)
		}
		deps.Federation = provider
	}

	srv, err := server.New(db, server.Config{
		BaseURL:               cfg.BaseURL,
		SessionTTL:            cfg.SessionTTL,
		ResetTokenMaxAge:      cfg.ResetTokenMaxAge,
		ConcealUnknownAccount: cfg.ConcealUnknownAccount,
		SecureCookies:         cfg.SecureCookies(),
	}, deps, logger)
	if err != nil {
		slog.Error("failed to build server", "error", err)
		os.Exit(1)
	}

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Background cleanup goroutine
	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	defer cleanupCancel()
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if n, err := srv.SessionStore().DeleteExpired(cleanupCtx); err != nil {
					slog.Error("cleanup expired sessions", "error", err)
				} else if n > 0 {
					slog.Info("cleaned up expired sessions", "count", n)
				}
				if cfg.ResetTokenMaxAge > 0 {
					cutoff := time.Now().Add(-cfg.ResetTokenMaxAge)
					if n, err := srv.ResetTokenStore().DeleteExpired(cleanupCtx, cutoff); err != nil {
						slog.Error("cleanup expired reset tokens", "error", err)
					} else if n > 0 {
						slog.Info("cleaned up expired reset tokens", "count", n)
					}
				}
				srv.RateLimiter().Cleanup()
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	go func() {
		slog.Info("storefront starting", "addr", ":"+cfg.Port, "base_url", cfg.BaseURL)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down")
	cleanupCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		slog.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
