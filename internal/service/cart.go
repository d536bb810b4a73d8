package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

const (
	reasonBookMissing    = "book no longer exists"
	reasonBookInactive   = "book is not available for sale"
	reasonBadQuantity    = "quantity must be positive"
	reasonDigitalQty     = "digital books can be bought once"
	reasonOutOfStock     = "out of stock"
	reasonOnlyLeftPrefix = "only "
)

// CartItem описывает позицию корзины с актуальной ценой из каталога.
type CartItem struct {
	BookID    int64            `json:"book_id"`
	Title     string           `json:"title"`
	Format    model.BookFormat `json:"format"`
	Quantity  int              `json:"quantity"`
	UnitPrice decimal.Decimal  `json:"unit_price"`
	Available bool             `json:"available"`
}

// Cart описывает содержимое корзины пользователя.
type Cart struct {
	Items    []CartItem      `json:"items"`
	Subtotal decimal.Decimal `json:"subtotal"`
}

// checkAvailability проверяет, можно ли продать qty экземпляров книги.
// Возвращает nil, если покупка возможна.
func checkAvailability(book *model.Book, qty int) *FieldError {
	switch {
	case qty <= 0:
		return &FieldError{Field: "quantity", BookID: book.ID, Reason: reasonBadQuantity}
	case !book.Active:
		return &FieldError{Field: "book_id", BookID: book.ID, Reason: reasonBookInactive}
	case book.IsDigital() && qty > 1:
		return &FieldError{Field: "quantity", BookID: book.ID, Reason: reasonDigitalQty}
	case book.TracksStock() && book.StockQty <= 0:
		return &FieldError{Field: "quantity", BookID: book.ID, Reason: reasonOutOfStock}
	case book.TracksStock() && qty > book.StockQty:
		return &FieldError{Field: "quantity", BookID: book.ID, Reason: fmt.Sprintf("%s%d left in stock", reasonOnlyLeftPrefix, book.StockQty)}
	}
	return nil
}

// GetCart возвращает корзину пользователя с ценами на текущий момент.
func (s *Service) GetCart(ctx context.Context, userID int64) (*Cart, error) {
	lines, err := s.repo.GetCartLines(ctx, userID)
	if err != nil {
		return nil, err
	}

	cart := &Cart{Items: make([]CartItem, 0, len(lines)), Subtotal: decimal.Zero}
	for _, l := range lines {
		item := CartItem{BookID: l.BookID, Quantity: l.Quantity}

		book, err := s.repo.GetBook(ctx, l.BookID)
		switch {
		case errors.Is(err, repository.ErrBookNotFound):
		case err != nil:
			return nil, err
		default:
			item.Title = book.Title
			item.Format = book.Format
			item.UnitPrice = book.Price
			item.Available = checkAvailability(book, l.Quantity) == nil
			if item.Available {
				cart.Subtotal = cart.Subtotal.Add(book.Price.Mul(decimal.NewFromInt(int64(l.Quantity))))
			}
		}
		cart.Items = append(cart.Items, item)
	}
	return cart, nil
}

// AddToCart добавляет qty экземпляров книги в корзину.
// Количество суммируется с уже лежащим в корзине и проверяется по остатку.
func (s *Service) AddToCart(ctx context.Context, userID, bookID int64, qty int) error {
	verr := &ValidationError{}
	if qty <= 0 {
		verr.add("quantity", bookID, reasonBadQuantity)
		return verr
	}

	book, err := s.repo.GetBook(ctx, bookID)
	if err != nil {
		if errors.Is(err, repository.ErrBookNotFound) {
			verr.add("book_id", bookID, reasonBookMissing)
			return verr
		}
		return err
	}

	lines, err := s.repo.GetCartLines(ctx, userID)
	if err != nil {
		return err
	}
	total := qty
	for _, l := range lines {
		if l.BookID == bookID {
			total += l.Quantity
		}
	}

	if fe := checkAvailability(book, total); fe != nil {
		verr.Errors = append(verr.Errors, *fe)
		return verr
	}

	return s.repo.SetCartLine(ctx, model.CartLine{UserID: userID, BookID: bookID, Quantity: total, AddedAt: s.now()})
}

// RemoveFromCart удаляет книгу из корзины пользователя.
func (s *Service) RemoveFromCart(ctx context.Context, userID, bookID int64) error {
	return s.repo.RemoveCartLine(ctx, userID, bookID)
}
