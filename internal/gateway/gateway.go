// Package gateway содержит клиенты внешних платёжных шлюзов.
package gateway

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
)

// ErrUnavailable возвращается, если шлюз не ответил или ответил ошибкой сервера.
var ErrUnavailable = errors.New("payment gateway unavailable")

// Outcome описывает результат оплаты, сообщённый шлюзом.
type Outcome string

const (
	OutcomePending Outcome = "pending"
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
)

// ParseOutcome приводит статус из уведомления шлюза к Outcome.
func ParseOutcome(s string) (Outcome, error) {
	switch s {
	case "success", "succeeded", "paid", "completed":
		return OutcomeSuccess, nil
	case "failure", "failed", "cancelled", "canceled", "declined", "expired":
		return OutcomeFailure, nil
	case "pending", "processing", "requires_action":
		return OutcomePending, nil
	}
	return "", fmt.Errorf("unknown payment outcome %q", s)
}

// PaymentRequest описывает запрос на создание платежа в шлюзе.
type PaymentRequest struct {
	Reference   string
	OrderNumber string
	Amount      decimal.Decimal
	Currency    string
	Customer    model.Customer
	Description string
}

// Session описывает созданный в шлюзе платёж.
type Session struct {
	ProviderID   string `json:"provider_id"`
	RedirectURL  string `json:"redirect_url,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// RateLimitError возвращается, если шлюз попросил повторить запрос позже.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("gateway rate limited, retry after %s", e.RetryAfter)
}

func minorUnits(amount decimal.Decimal) int64 {
	return amount.Shift(2).Round(0).IntPart()
}
