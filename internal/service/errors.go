package service

import (
	"errors"
	"fmt"
	"strings"

	"github.com/mmeshcher/bookshelf/internal/repository"
)

var (
	ErrGatewayUnavailable  = errors.New("payment gateway unavailable")
	ErrPaymentNotFound     = repository.ErrPaymentNotFound
	ErrOrderNotFound       = repository.ErrOrderNotFound
	ErrAlreadyFinalized    = errors.New("payment already finalized")
	ErrInvalidTransition   = errors.New("invalid payment transition")
	ErrOrderNotPayable     = errors.New("order does not accept payments")
	ErrOrderNotCancellable = errors.New("order cannot be cancelled")
	ErrInsufficientStock   = errors.New("insufficient stock")
	ErrEmptyCart           = errors.New("cart is empty")
)

// FieldError описывает одно нарушение при проверке входных данных.
type FieldError struct {
	Field  string `json:"field"`
	BookID int64  `json:"book_id,omitempty"`
	Reason string `json:"reason"`
}

// ValidationError собирает все нарушения запроса, чтобы вернуть их клиенту разом.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		if fe.BookID != 0 {
			parts = append(parts, fmt.Sprintf("%s (book %d): %s", fe.Field, fe.BookID, fe.Reason))
			continue
		}
		parts = append(parts, fe.Field+": "+fe.Reason)
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// Is позволяет проверять нехватку остатка через errors.Is(err, ErrInsufficientStock).
func (e *ValidationError) Is(target error) bool {
	if target != ErrInsufficientStock {
		return false
	}
	for _, fe := range e.Errors {
		if fe.Reason == reasonOutOfStock || strings.HasPrefix(fe.Reason, reasonOnlyLeftPrefix) {
			return true
		}
	}
	return false
}

func (e *ValidationError) add(field string, bookID int64, reason string) {
	e.Errors = append(e.Errors, FieldError{Field: field, BookID: bookID, Reason: reason})
}

func (e *ValidationError) orNil() error {
	if len(e.Errors) == 0 {
		return nil
	}
	return e
}
