// Package main запускает HTTP-сервер сервиса оформления и оплаты заказов.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/bookshelf/internal/config"
	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/handler"
	"github.com/mmeshcher/bookshelf/internal/metrics"
	"github.com/mmeshcher/bookshelf/internal/middleware"
	"github.com/mmeshcher/bookshelf/internal/notify"
	"github.com/mmeshcher/bookshelf/internal/ratelimit"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/service"
	"github.com/mmeshcher/bookshelf/internal/storage"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}
	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var repo service.Repository
	if cfg.DatabaseURI != "" {
		pg, err := repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
		repo = pg
	} else {
		sugar.Warn("DATABASE_URI is not set, using in-memory storage")
		mem := repository.NewMemoryRepository()
		if cfg.CatalogFile == "" {
			sugar.Warn("CATALOG_FILE is not set, the catalog is empty")
		} else {
			n, err := mem.LoadCatalogFile(cfg.CatalogFile)
			if err != nil {
				sugar.Fatalw("catalog load error", "error", err.Error())
			}
			sugar.Infow("catalog loaded", "file", cfg.CatalogFile, "books", n)
		}
		repo = mem
	}

	var gw service.Gateway
	switch {
	case cfg.StripeSecretKey != "":
		gw = gateway.NewStripeGateway(cfg.StripeSecretKey)
		sugar.Info("payment gateway: stripe")
	case cfg.GatewayAddress != "":
		gw = gateway.NewClient(cfg.GatewayAddress, cfg.GatewayReturnURL, cfg.GatewayTimeout)
		sugar.Infow("payment gateway: http", "addr", cfg.GatewayAddress)
	default:
		sugar.Warn("no payment gateway configured, only bank transfers are available")
	}

	g, ctx := errgroup.WithContext(ctx)

	var notifier service.Notifier
	if cfg.SMTP.Host != "" {
		mailer, err := notify.NewMailer(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, logger)
		if err != nil {
			sugar.Fatalw("mailer initialization error", "error", err.Error())
		}
		g.Go(func() error {
			mailer.Run(ctx)
			return nil
		})
		notifier = mailer
	} else {
		notifier = notify.NewLogNotifier(logger)
	}

	var limiter ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		limiter = ratelimit.NewRedisLimiter(rdb, "bookshelf:ratelimit", cfg.CheckoutRateLimit, time.Minute)
	} else {
		limiter = ratelimit.NewMemoryLimiter(cfg.CheckoutRateLimit, time.Minute)
	}

	var proofs handler.ProofStore
	if cfg.Minio.Endpoint != "" {
		store, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:  cfg.Minio.Endpoint,
			AccessKey: cfg.Minio.AccessKey,
			SecretKey: cfg.Minio.SecretKey,
			Bucket:    cfg.Minio.Bucket,
			UseSSL:    cfg.Minio.UseSSL,
		})
		if err != nil {
			sugar.Fatalw("proof storage initialization error", "error", err.Error())
		}
		proofs = store
	}

	m := metrics.New()

	svc := service.NewService(repo, gw, notifier, m, logger, service.Options{
		Currency:       cfg.Currency,
		GatewayTimeout: cfg.GatewayTimeout,
		Bank: service.BankAccount{
			IBAN:        cfg.Bank.IBAN,
			BIC:         cfg.Bank.BIC,
			Beneficiary: cfg.Bank.Beneficiary,
		},
		ReconcileInterval: cfg.ReconcileInterval,
		ReconcileAfter:    cfg.ReconcileAfter,
	})
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.JWTSecret)
	if cfg.JWTSecret == "" {
		sugar.Warn("JWT_SECRET is not set, tokens will not survive a restart")
	}

	h := handler.NewHandler(svc, logger, authMiddleware, handler.Options{
		Proofs:        proofs,
		Limiter:       limiter,
		Metrics:       m,
		GatewaySecret: cfg.GatewayWebhookSecret,
		StripeEnabled: cfg.StripeSecretKey != "",
		StripeSecret:  cfg.StripeWebhookSecret,
	})

	server := handler.NewServer(cfg.RunAddress, h.SetupRouter())

	// Сверка зависших платежей со шлюзом
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting bookshelf server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
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
