package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/auth"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/config"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/relay"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/server"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/store"
	"github.com/Randy19800531/absolute-zero-forge-ai-sub001/internal/webhook"
)

func main() {
	configPath := flag.String("config", "", "path to yaml config file")
	flag.Parse()

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}
	logger.Info("voice relay starting",
		zap.String("listen", cfg.Server.ListenAddr),
		zap.String("upstream", cfg.Upstream.URL),
		zap.String("model", cfg.Upstream.Model),
	)

	validator := buildValidator(cfg, logger)

	records, err := store.Open(store.Options{Dir: cfg.Store.Dir})
	if err != nil {
		logger.Fatal("open session store", zap.Error(err))
	}
	defer records.Close()

	relaySvc := relay.NewService(cfg, validator, records, logger)

	var payfast *webhook.PayFastHandler
	if cfg.Webhook.MerchantID != "" {
		payfast = webhook.NewPayFastHandler(
			cfg.Webhook.MerchantID, cfg.Webhook.Passphrase, nil, logger)
	}

	srv := server.New(cfg, server.Deps{
		Relay:   relaySvc,
		PayFast: payfast,
		Records: records,
		Logger:  logger,
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.Server.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	relaySvc.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	srv.Shutdown(ctx)
}

// buildValidator prefers the identity service. Without one, a single
// development token from the environment keeps local runs working; an open
// relay is never the fallback.
func buildValidator(cfg *config.Config, logger *zap.Logger) auth.TokenValidator {
	if cfg.Auth.IntrospectURL != "" {
		return auth.NewHTTPValidator(cfg.Auth.IntrospectURL)
	}
	if token := os.Getenv("RELAY_DEV_TOKEN"); token != "" {
		logger.Warn("using development token auth; set auth.introspect_url in production")
		return &auth.StaticValidator{Tokens: map[string]auth.Claims{
			token: {UserID: "dev"},
		}}
	}
	logger.Fatal("no auth configured: set auth.introspect_url or RELAY_DEV_TOKEN")
	return nil
}
