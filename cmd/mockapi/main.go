package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/danmuck/apisession/internal/config"
	"github.com/danmuck/apisession/internal/logging"
	"github.com/danmuck/apisession/internal/testutil/mockapi"
	"github.com/rs/zerolog/log"
)

func main() {
	configPath := flag.String("config", "cmd/mockapi/config.toml", "mock API config path")
	flag.Parse()

	cfg, err := config.LoadMockAPIConfig(*configPath)
	if err != nil {
		logging.ConfigureRuntime()
		log.Fatal().Err(err).Msg("failed to load mockapi config")
	}
	logging.ConfigureWith(cfg.Log.Logging())
	log.Info().Str("path", *configPath).Msg("loaded mockapi config")

	api, err := mockapi.New(mockapi.Config{
		Username:      cfg.Username,
		Password:      cfg.Password,
		TwoFactorCode: cfg.TwoFactorCode,
		Metrics:       cfg.Metrics,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start mock api")
	}

	armored, fingerprint := api.ModulusKey()
	if cfg.ModulusKeyFile != "" {
		if err := writeKey(cfg.ModulusKeyFile, armored); err != nil {
			log.Fatal().Err(err).Msg("failed to write modulus key")
		}
	}
	log.Info().Str("fingerprint", fingerprint).Str("key_file", cfg.ModulusKeyFile).Msg("modulus signing key ready")

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           api.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("mock api shutdown")
		}
	}()

	log.Info().Str("addr", cfg.Addr).Str("username", cfg.Username).Bool("2fa", cfg.TwoFactorCode != "").Msg("mock api started")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("mock api stopped")
	}
	log.Info().Msg("mock api stopped")
}

func writeKey(path, armored string) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return os.WriteFile(path, []byte(armored), 0o600)
}
