package service

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

// SnapshotLine фиксирует книгу и её цену на момент оформления.
type SnapshotLine struct {
	Book      model.Book
	Quantity  int
	UnitPrice decimal.Decimal
}

// Snapshot содержит проверенное содержимое корзины, из которого создаётся заказ.
type Snapshot struct {
	UserID   int64
	Lines    []SnapshotLine
	Subtotal decimal.Decimal
	TakenAt  time.Time
}

// HasPhysical сообщает, есть ли в снимке печатные книги.
func (s Snapshot) HasPhysical() bool {
	for _, l := range s.Lines {
		if !l.Book.IsDigital() {
			return true
		}
	}
	return false
}

// SnapshotCart читает корзину, сверяет каждую позицию с каталогом и фиксирует текущие цены.
// Все нарушения собираются в один ValidationError. Корзина при этом не меняется.
func (s *Service) SnapshotCart(ctx context.Context, userID int64) (*Snapshot, error) {
	lines, err := s.repo.GetCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}
	if len(lines) == 0 {
		return nil, ErrEmptyCart
	}

	snap := &Snapshot{UserID: userID, Subtotal: decimal.Zero, TakenAt: s.now()}
	verr := &ValidationError{}

	for _, l := range lines {
		book, err := s.repo.GetBook(ctx, l.BookID)
		if err != nil {
			if errors.Is(err, repository.ErrBookNotFound) {
				verr.add("book_id", l.BookID, reasonBookMissing)
				continue
			}
			return nil, err
		}
		if fe := checkAvailability(book, l.Quantity); fe != nil {
			verr.Errors = append(verr.Errors, *fe)
			continue
		}

		snap.Lines = append(snap.Lines, SnapshotLine{Book: *book, Quantity: l.Quantity, UnitPrice: book.Price})
		snap.Subtotal = snap.Subtotal.Add(book.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
	}

	if err := verr.orNil(); err != nil {
		return nil, err
	}
	return snap, nil
}
