// Package config содержит логику чтения конфигурации сервиса оформления заказов.
package config

import (
	"errors"
	"flag"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRunAddress        = "localhost:8080"
	defaultCurrency          = "EUR"
	defaultGatewayTimeout    = 10 * time.Second
	defaultCheckoutRateLimit = 10
	defaultReconcileInterval = time.Minute
	defaultReconcileAfter    = 15 * time.Minute
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	DatabaseURI string `env:"DATABASE_URI"`
	CatalogFile string `env:"CATALOG_FILE"`
	JWTSecret   string `env:"JWT_SECRET"`
	Currency    string `env:"CURRENCY"`

	GatewayAddress       string        `env:"GATEWAY_ADDRESS"`
	GatewayWebhookSecret string        `env:"GATEWAY_WEBHOOK_SECRET"`
	GatewayTimeout       time.Duration `env:"GATEWAY_TIMEOUT"`
	GatewayReturnURL     string        `env:"GATEWAY_RETURN_URL"`
	StripeSecretKey      string        `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret  string        `env:"STRIPE_WEBHOOK_SECRET"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL"`
	ReconcileAfter    time.Duration `env:"RECONCILE_AFTER"`

	RedisAddr         string `env:"REDIS_ADDR"`
	RedisPassword     string `env:"REDIS_PASSWORD"`
	CheckoutRateLimit int    `env:"CHECKOUT_RATE_LIMIT"`

	Minio Minio
	SMTP  SMTP
	Bank  Bank
}

// Minio содержит параметры хранилища подтверждений оплаты.
type Minio struct {
	Endpoint  string `env:"MINIO_ENDPOINT"`
	AccessKey string `env:"MINIO_ACCESS_KEY"`
	SecretKey string `env:"MINIO_SECRET_KEY"`
	Bucket    string `env:"MINIO_BUCKET" envDefault:"payment-proofs"`
	UseSSL    bool   `env:"MINIO_USE_SSL"`
}

// SMTP содержит параметры почтового сервера для уведомлений.
type SMTP struct {
	Host     string `env:"SMTP_HOST"`
	Port     int    `env:"SMTP_PORT" envDefault:"587"`
	Username string `env:"SMTP_USERNAME"`
	Password string `env:"SMTP_PASSWORD"`
	From     string `env:"SMTP_FROM" envDefault:"noreply@bookshelf.local"`
}

// Bank содержит реквизиты для оплаты банковским переводом.
type Bank struct {
	IBAN        string `env:"BANK_IBAN"`
	BIC         string `env:"BANK_BIC"`
	Beneficiary string `env:"BANK_BENEFICIARY" envDefault:"Bookshelf"`
}

// Parse считывает конфигурацию из .env, флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	// .env необязателен, отсутствие файла не ошибка
	_ = godotenv.Load()

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayAddress := cfg.GatewayAddress
	envJWTSecret := cfg.JWTSecret

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI (empty for in-memory storage)")
	flag.StringVar(&cfg.GatewayAddress, "g", "", "payment gateway address")
	flag.StringVar(&cfg.JWTSecret, "j", "", "secret for JWT verification")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayAddress != "" {
		cfg.GatewayAddress = envGatewayAddress
	}
	if envJWTSecret != "" {
		cfg.JWTSecret = envJWTSecret
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.Currency == "" {
		cfg.Currency = defaultCurrency
	}
	if cfg.GatewayTimeout <= 0 {
		cfg.GatewayTimeout = defaultGatewayTimeout
	}
	if cfg.CheckoutRateLimit <= 0 {
		cfg.CheckoutRateLimit = defaultCheckoutRateLimit
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = defaultReconcileInterval
	}
	if cfg.ReconcileAfter <= 0 {
		cfg.ReconcileAfter = defaultReconcileAfter
	}

	return cfg, nil
}

// Validate проверяет сочетания параметров, с которыми сервис нельзя запускать.
func (c *Config) Validate() error {
	var errs []error
	if c.StripeSecretKey != "" && c.StripeWebhookSecret == "" {
		errs = append(errs, errors.New("STRIPE_WEBHOOK_SECRET is required when STRIPE_SECRET_KEY is set"))
	}
	if c.StripeSecretKey == "" && c.GatewayAddress != "" && c.GatewayWebhookSecret == "" {
		errs = append(errs, errors.New("GATEWAY_WEBHOOK_SECRET is required when GATEWAY_ADDRESS is set"))
	}
	return errors.Join(errs...)
}
