// Package repository содержит реализации хранилища заказов, платежей и корзин.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
)

var (
	// ErrBookNotFound возвращается, если книги нет в каталоге.
	ErrBookNotFound = errors.New("book not found")
	// ErrOrderNotFound возвращается, если заказ не найден.
	ErrOrderNotFound = errors.New("order not found")
	// ErrPaymentNotFound возвращается, если платёж не найден.
	ErrPaymentNotFound = errors.New("payment not found")
	// ErrOrderNumberTaken возвращается при коллизии номера заказа.
	ErrOrderNumberTaken = errors.New("order number already taken")
	// ErrReferenceTaken возвращается при повторном использовании ссылки платежа.
	ErrReferenceTaken = errors.New("payment reference already taken")
	// ErrCompletedPaymentExists возвращается, если у заказа уже есть завершённый платёж.
	ErrCompletedPaymentExists = errors.New("order already has a completed payment")
	// ErrStaleStatus возвращается, если статус платежа изменился с момента чтения.
	ErrStaleStatus = errors.New("payment status changed concurrently")
)

// Tx описывает операции, выполняемые внутри одной транзакции.
// Блокирующие методы (Lock*) удерживают строку до конца транзакции.
type Tx interface {
	GetBook(ctx context.Context, id int64) (*model.Book, error)

	InsertOrder(ctx context.Context, order *model.Order) error
	LockOrder(ctx context.Context, id int64) (*model.Order, error)
	SetOrderStatus(ctx context.Context, id int64, status model.OrderStatus) error

	InsertPayment(ctx context.Context, p *model.Payment) error
	GetPayment(ctx context.Context, id int64) (*model.Payment, error)
	GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error)
	LockPayment(ctx context.Context, id int64) (*model.Payment, error)
	GetOrderPayments(ctx context.Context, orderID int64) ([]model.Payment, error)
	// UpdatePaymentStatus меняет статус только если текущий статус равен from.
	UpdatePaymentStatus(ctx context.Context, p *model.Payment, from model.PaymentStatus) error
	AttachGatewaySession(ctx context.Context, paymentID int64, providerID string, descriptor []byte) error

	GrantLibrary(ctx context.Context, entry model.LibraryEntry) (bool, error)
	// DecrementStock атомарно уменьшает остаток, не опуская его ниже нуля, и возвращает недостачу.
	DecrementStock(ctx context.Context, bookID int64, qty int) (int, error)
	ClearCart(ctx context.Context, userID int64) (int64, error)
}

// toCents переводит денежную сумму в минимальные единицы валюты.
func toCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

// fromCents переводит минимальные единицы валюты в денежную сумму.
func fromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}

func now() time.Time {
	return time.Now().UTC()
}
