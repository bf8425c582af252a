package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/localmesh/orgateway/cache"
	"github.com/localmesh/orgateway/config"
	"github.com/localmesh/orgateway/handler"
	"github.com/localmesh/orgateway/logger"
	"github.com/localmesh/orgateway/openrouter"
	"github.com/localmesh/orgateway/pipeline"
	"github.com/localmesh/orgateway/repo"
	"github.com/localmesh/orgateway/router"
	"github.com/localmesh/orgateway/store"
)

func main() {
	cfg := config.Load()
	log := logger.New(cfg)

	log.Info().Str("env", cfg.Env).Msg("gateway starting")

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("create data directory failed")
	}
	if err := os.MkdirAll(cfg.UploadsDir, 0o755); err != nil {
		log.Fatal().Err(err).Str("path", cfg.UploadsDir).Msg("create uploads directory failed")
	}

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DBPath).Msg("open store failed")
	}

	caches := cache.NewNamed()
	repository := repo.New(st, caches, cfg.UploadsDir, log)

	or := openrouter.New(openrouter.Config{
		APIKey:          cfg.OpenRouterAPIKey,
		BaseURL:         cfg.OpenRouterBaseURL,
		HTTPReferer:     cfg.OpenRouterHTTPReferer,
		XTitle:          cfg.OpenRouterXTitle,
		ReadIdleTimeout: cfg.UpstreamReadIdleTimeout,
	}, log)
	if !or.HasKey() {
		log.Warn().Msg("OPENROUTER_API_KEY not set; streams will fail preflight")
	}

	pipe := pipeline.New(repository, or, log)
	h := handler.New(cfg, log, repository, pipe, or)

	srv := &http.Server{
		Addr:        cfg.Addr,
		Handler:     router.New(cfg, log, h),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: streams legitimately outlive any fixed
		// deadline; JSON endpoints are bounded by middleware.
		IdleTimeout: 120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("gateway listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	<-done
	log.Info().Msg("shutdown signal received")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GracefulTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("graceful shutdown failed")
	} else {
		log.Info().Msg("gateway stopped gracefully")
	}

	if err := st.Close(); err != nil {
		log.Error().Err(err).Msg("close store failed")
	}
}
