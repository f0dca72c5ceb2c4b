package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/LittleThigas/fatalzera/internal/ratelimit"
	"github.com/LittleThigas/fatalzera/internal/util"
	"github.com/LittleThigas/fatalzera/services/api/internal/app"
	"github.com/LittleThigas/fatalzera/services/api/internal/config"
	"github.com/LittleThigas/fatalzera/services/api/internal/server"
)

const shutdownTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load(config.ConfigPath())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.InitLogger(cfg.LogLevel)
	if !cfg.FromFile {
		logger.Info("no config file found, using defaults and environment", "path", config.ConfigPath())
	}
	if cfg.UsingDevSecret() {
		logger.Warn("using the built-in development secret key, set SECRET_KEY in production")
	}

	appCore, err := app.New(app.Config{
		DatabaseURL:       cfg.DatabaseURL,
		DatabaseName:      cfg.DatabaseName,
		SecretKey:         cfg.SecretKey,
		Algorithm:         cfg.Algorithm,
		TokenTTL:          cfg.TokenTTL(),
		BcryptCost:        cfg.BcryptCost,
		UploadsDir:        cfg.UploadsDir,
		MaxUploadBytes:    cfg.MaxUploadBytes,
		AllowedExtensions: cfg.AllowedImageExtensions,
		MinioEndpoint:     cfg.MinioEndpoint,
		MinioAccessKey:    cfg.MinioAccessKey,
		MinioSecretKey:    cfg.MinioSecretKey,
		MinioBucket:       cfg.MinioBucket,
		MinioUseSSL:       cfg.MinioUseSSL,
		AMQPURL:           cfg.AMQPURL,
		AuditExchange:     cfg.AuditExchange,
		AuditQueueSize:    cfg.AuditQueueSize,
		Logger:            logger,
	})
	if err != nil {
		log.Fatalf("failed to init app: %v", err)
	}

	trusted, err := util.NewTrustedProxies(cfg.TrustedProxyCIDRs)
	if err != nil {
		log.Fatalf("invalid trusted proxies: %v", err)
	}

	srvCfg := server.Config{
		App:                appCore,
		TrustedProxies:     trusted,
		CORSAllowedOrigins: cfg.CORSAllowedOrigins,
	}
	if cfg.RedisAddr != "" {
		client, err := ratelimit.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			log.Fatalf("failed to init redis: %v", err)
		}
		defer client.Close()
		if cfg.RegisterRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(client, "portfolio:ratelimit:register", cfg.RegisterRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init register limiter: %v", err)
			}
			srvCfg.RegisterLimiter = limiter
		}
		if cfg.LoginRateLimitPerMinute > 0 {
			limiter, err := ratelimit.NewFixedWindowLimiter(client, "portfolio:ratelimit:login", cfg.LoginRateLimitPerMinute, time.Minute)
			if err != nil {
				log.Fatalf("failed to init login limiter: %v", err)
			}
			srvCfg.LoginLimiter = limiter
		}
	} else {
		logger.Warn("redis not configured, auth rate limiting disabled")
	}

	httpServer, err := server.New(srvCfg)
	if err != nil {
		log.Fatalf("failed to init server: %v", err)
	}

	addr := ":" + cfg.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           httpServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http shutdown failed", "err", err)
		}
		return appCore.Close(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", "err", err)
		os.Exit(1)
	}
}
