// Package service реализует жизненный цикл заказа: оформление, оплату и выполнение.
package service

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/metrics"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

// Repository описывает контракт доступа к данным, используемый сервисом.
// Всё, что меняет заказ или платёж, выполняется внутри InTx.
type Repository interface {
	Close() error
	InTx(ctx context.Context, fn func(tx repository.Tx) error) error

	GetBook(ctx context.Context, id int64) (*model.Book, error)
	GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error)
	SetCartLine(ctx context.Context, line model.CartLine) error
	RemoveCartLine(ctx context.Context, userID, bookID int64) error

	GetOrder(ctx context.Context, id int64) (*model.Order, error)
	GetOrderByNumber(ctx context.Context, number string) (*model.Order, error)
	GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error)

	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	GetPaymentsByOrder(ctx context.Context, orderID int64) ([]model.Payment, error)
	GetPaymentsByStatus(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error)
	GetStalePayments(ctx context.Context, method model.PaymentMethod, before time.Time, limit int) ([]model.Payment, error)

	GetLibrary(ctx context.Context, userID int64) ([]model.LibraryEntry, error)
}

// Gateway описывает внешний платёжный шлюз.
type Gateway interface {
	InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Session, error)
	PaymentStatus(ctx context.Context, p model.Payment) (gateway.Outcome, error)
}

// Notifier отправляет покупателю уведомления. Реализация не должна блокировать вызывающего.
type Notifier interface {
	SendOrderConfirmation(ctx context.Context, order model.Order)
	SendShippingUpdate(ctx context.Context, order model.Order)
}

// BankAccount содержит реквизиты получателя банковского перевода.
type BankAccount struct {
	IBAN        string
	BIC         string
	Beneficiary string
}

// Options задаёт параметры работы сервиса.
type Options struct {
	Currency          string
	GatewayTimeout    time.Duration
	Bank              BankAccount
	ReconcileInterval time.Duration
	ReconcileAfter    time.Duration
}

// Service содержит бизнес-логику оформления, оплаты и выполнения заказов.
type Service struct {
	repo     Repository
	gateway  Gateway
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *zap.Logger
	opts     Options
	now      func() time.Time
}

// NewService создаёт сервис. gw и notifier могут быть nil: тогда оплата через шлюз
// недоступна, а уведомления не отправляются.
func NewService(repo Repository, gw Gateway, notifier Notifier, m *metrics.Metrics, logger *zap.Logger, opts Options) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Currency == "" {
		opts.Currency = "EUR"
	}
	if opts.GatewayTimeout <= 0 {
		opts.GatewayTimeout = 10 * time.Second
	}
	return &Service{
		repo:     repo,
		gateway:  gw,
		notifier: notifier,
		metrics:  m,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
}

// Close закрывает ресурсы сервиса.
func (s *Service) Close() error {
	if s.repo != nil {
		return s.repo.Close()
	}
	return nil
}

// GetLibrary возвращает цифровые книги, выданные пользователю.
func (s *Service) GetLibrary(ctx context.Context, userID int64) ([]model.LibraryEntry, error) {
	return s.repo.GetLibrary(ctx, userID)
}
