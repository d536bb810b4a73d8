// Package model содержит доменные сущности сервиса оформления заказов.
package model

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// BookFormat описывает формат издания.
type BookFormat string

const (
	BookFormatDigital  BookFormat = "digital"
	BookFormatPhysical BookFormat = "physical"
)

// Book содержит актуальное состояние книги в каталоге.
type Book struct {
	ID           int64
	Title        string
	Format       BookFormat
	Price        decimal.Decimal
	Active       bool
	StockTracked bool
	StockQty     int
}

// IsDigital сообщает, выдаётся ли книга в библиотеку пользователя.
func (b Book) IsDigital() bool {
	return b.Format == BookFormatDigital
}

// TracksStock сообщает, нужно ли учитывать складской остаток книги.
func (b Book) TracksStock() bool {
	return b.Format == BookFormatPhysical && b.StockTracked
}

// CartLine описывает позицию корзины пользователя.
type CartLine struct {
	UserID   int64
	BookID   int64
	Quantity int
	AddedAt  time.Time
}

// OrderStatus описывает статус заказа.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusFailed    OrderStatus = "failed"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// Address хранит копию адреса на момент оформления заказа.
type Address struct {
	FullName   string `json:"full_name"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
	Email      string `json:"email,omitempty"`
}

// Order описывает заказ. После создания сумма и позиции не меняются.
type Order struct {
	ID              int64
	Number          string
	UserID          int64
	Total           decimal.Decimal
	Currency        string
	Status          OrderStatus
	PaymentMethod   PaymentMethod
	ShippingAddress *Address
	BillingAddress  Address
	Items           []OrderItem
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HasPhysicalItems сообщает, содержит ли заказ бумажные издания.
func (o Order) HasPhysicalItems() bool {
	for _, it := range o.Items {
		if it.Format == BookFormatPhysical {
			return true
		}
	}
	return false
}

// OrderItem описывает позицию заказа с зафиксированной ценой.
type OrderItem struct {
	ID        int64
	OrderID   int64
	BookID    int64
	Title     string
	Format    BookFormat
	Quantity  int
	UnitPrice decimal.Decimal
}

// LineTotal возвращает стоимость позиции.
func (i OrderItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// PaymentMethod описывает способ оплаты.
type PaymentMethod string

const (
	PaymentMethodGateway      PaymentMethod = "gateway"
	PaymentMethodBankTransfer PaymentMethod = "bank_transfer"
)

// Valid проверяет, что способ оплаты поддерживается.
func (m PaymentMethod) Valid() bool {
	return m == PaymentMethodGateway || m == PaymentMethodBankTransfer
}

// PaymentStatus описывает статус попытки оплаты.
type PaymentStatus string

const (
	PaymentStatusPending          PaymentStatus = "pending"
	PaymentStatusAwaitingApproval PaymentStatus = "awaiting_approval"
	PaymentStatusCompleted        PaymentStatus = "completed"
	PaymentStatusFailed           PaymentStatus = "failed"
	PaymentStatusRefunded         PaymentStatus = "refunded"
)

// Terminal сообщает, что из статуса нет переходов.
func (s PaymentStatus) Terminal() bool {
	switch s {
	case PaymentStatusCompleted, PaymentStatusFailed, PaymentStatusRefunded:
		return true
	}
	return false
}

// Payment описывает одну попытку оплаты заказа.
type Payment struct {
	ID         int64
	OrderID    int64
	Amount     decimal.Decimal
	Currency   string
	Method     PaymentMethod
	Status     PaymentStatus
	Reference  string
	ProviderID string
	// Descriptor хранит ответ платёжного шлюза: redirect URL или данные для встроенной формы.
	Descriptor json.RawMessage
	ProofURL   string
	AdminNotes string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// LibraryEntry описывает книгу в библиотеке пользователя.
type LibraryEntry struct {
	UserID    int64
	BookID    int64
	OrderID   int64
	GrantedAt time.Time
}

// Customer содержит контактные данные покупателя для платёжного шлюза.
type Customer struct {
	UserID int64  `json:"user_id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
}
