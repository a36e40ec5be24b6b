// Package main запускает HTTP-сервер сервиса расчётов.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/daixin877889/lexseek-settlement/internal/config"
	"github.com/daixin877889/lexseek-settlement/internal/gateway"
	"github.com/daixin877889/lexseek-settlement/internal/handler"
	"github.com/daixin877889/lexseek-settlement/internal/middleware"
	"github.com/daixin877889/lexseek-settlement/internal/repository"
	"github.com/daixin877889/lexseek-settlement/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	registry, err := newRegistry(cfg, logger)
	if err != nil {
		sugar.Fatalw("payment gateway initialization error", "error", err.Error())
	}

	svc := service.NewService(repo, registry, logger, service.Options{NotifyURL: cfg.NotifyURL})

	sweeper, err := service.NewSweeper(svc, cfg.SweepSchedule, logger)
	if err != nil {
		sugar.Fatalw("sweeper initialization error", "error", err.Error())
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, svc.Points(), logger, authMiddleware)

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           h.SetupRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Опрос шлюза по попыткам без уведомления
	g.Go(func() error {
		svc.StartPaymentPolling(ctx, cfg.PollInterval)
		return nil
	})

	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress, "channels", registry.Channels())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

// newRegistry собирает адаптеры настроенных каналов.
func newRegistry(cfg *config.Config, logger *zap.Logger) (*gateway.Registry, error) {
	if !cfg.Wechat.Enabled() {
		logger.Warn("no payment channel configured")
		return gateway.NewRegistry(), nil
	}

	w := cfg.Wechat
	key, err := gateway.LoadPrivateKey(w.PrivateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("load merchant key: %w", err)
	}

	wc := gateway.WechatConfig{
		MchID:           w.MchID,
		AppID:           w.AppID,
		SerialNo:        w.SerialNo,
		PrivateKey:      key,
		APIv3Key:        w.APIv3Key,
		AllowUnverified: w.AllowUnverified,
		BaseURL:         w.BaseURL,
	}
	if w.PlatformCertPath != "" {
		if wc.PlatformKey, err = gateway.LoadPlatformKey(w.PlatformCertPath); err != nil {
			return nil, fmt.Errorf("load platform certificate: %w", err)
		}
	}

	adapter, err := gateway.NewWechatAdapter(wc, logger)
	if err != nil {
		return nil, err
	}
	return gateway.NewRegistry(adapter), nil
}
