package service

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

// StockShortfall описывает печатную книгу, которой не хватило на складе при выполнении заказа.
type StockShortfall struct {
	BookID  int64 `json:"book_id"`
	Ordered int   `json:"ordered"`
	Missing int   `json:"missing"`
}

// FulfillmentReport описывает результат выполнения заказа.
type FulfillmentReport struct {
	OrderID          int64            `json:"order_id"`
	AlreadyFulfilled bool             `json:"already_fulfilled"`
	Granted          []int64          `json:"granted,omitempty"`
	AlreadyOwned     []int64          `json:"already_owned,omitempty"`
	Shortfalls       []StockShortfall `json:"shortfalls,omitempty"`
	MissingBooks     []int64          `json:"missing_books,omitempty"`
	CartLinesCleared int64            `json:"cart_lines_cleared"`
}

// fulfill выдаёт цифровые книги, списывает остатки печатных, очищает корзину
// и переводит заказ в paid. Повторный вызов для оплаченного заказа ничего не меняет.
//
// Нехватка остатка не отменяет оплату: остаток опускается до нуля, а недостача
// попадает в отчёт.
func (s *Service) fulfill(ctx context.Context, tx repository.Tx, order *model.Order) (*FulfillmentReport, error) {
	report := &FulfillmentReport{OrderID: order.ID}

	switch order.Status {
	case model.OrderStatusPaid:
		report.AlreadyFulfilled = true
		return report, nil
	case model.OrderStatusPending:
	default:
		return nil, fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.Number, order.Status)
	}

	for _, it := range order.Items {
		if it.Format == model.BookFormatDigital {
			granted, err := tx.GrantLibrary(ctx, model.LibraryEntry{
				UserID:    order.UserID,
				BookID:    it.BookID,
				OrderID:   order.ID,
				GrantedAt: s.now(),
			})
			if err != nil {
				return nil, err
			}
			if granted {
				report.Granted = append(report.Granted, it.BookID)
			} else {
				report.AlreadyOwned = append(report.AlreadyOwned, it.BookID)
			}
			continue
		}

		book, err := tx.GetBook(ctx, it.BookID)
		if err != nil {
			if errors.Is(err, repository.ErrBookNotFound) {
				report.MissingBooks = append(report.MissingBooks, it.BookID)
				continue
			}
			return nil, err
		}
		if !book.TracksStock() {
			continue
		}

		missing, err := tx.DecrementStock(ctx, it.BookID, it.Quantity)
		if err != nil {
			if errors.Is(err, repository.ErrBookNotFound) {
				report.MissingBooks = append(report.MissingBooks, it.BookID)
				continue
			}
			return nil, err
		}
		if missing > 0 {
			report.Shortfalls = append(report.Shortfalls, StockShortfall{BookID: it.BookID, Ordered: it.Quantity, Missing: missing})
		}
	}

	cleared, err := tx.ClearCart(ctx, order.UserID)
	if err != nil {
		return nil, err
	}
	report.CartLinesCleared = cleared

	if err := tx.SetOrderStatus(ctx, order.ID, model.OrderStatusPaid); err != nil {
		return nil, err
	}
	order.Status = model.OrderStatusPaid

	return report, nil
}

// FulfillOrder повторно выполняет заказ с завершённой оплатой.
// Нужен для восстановления после сбоя, безопасен при повторных вызовах.
func (s *Service) FulfillOrder(ctx context.Context, orderID int64) (*FulfillmentReport, error) {
	var (
		report *FulfillmentReport
		order  model.Order
	)

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		report = nil

		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}

		payments, err := tx.GetOrderPayments(ctx, orderID)
		if err != nil {
			return err
		}
		paid := false
		for _, p := range payments {
			if p.Status == model.PaymentStatusCompleted {
				paid = true
				break
			}
		}
		if !paid {
			return fmt.Errorf("%w: order %s has no completed payment", ErrOrderNotPayable, o.Number)
		}

		report, err = s.fulfill(ctx, tx, o)
		order = *o
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterFulfillment(ctx, order, report)
	return report, nil
}

func (s *Service) afterFulfillment(ctx context.Context, order model.Order, report *FulfillmentReport) {
	if report.AlreadyFulfilled {
		return
	}

	s.metrics.ObserveFulfillment(len(report.Shortfalls))
	s.logger.Info("order fulfilled",
		zap.Int64("order_id", order.ID),
		zap.String("number", order.Number),
		zap.Int("granted", len(report.Granted)),
		zap.Int64("cart_lines_cleared", report.CartLinesCleared),
	)
	for _, sf := range report.Shortfalls {
		s.logger.Warn("stock shortfall on fulfillment",
			zap.Int64("order_id", order.ID),
			zap.Int64("book_id", sf.BookID),
			zap.Int("ordered", sf.Ordered),
			zap.Int("missing", sf.Missing),
		)
	}
	for _, id := range report.MissingBooks {
		s.logger.Warn("ordered book missing from catalog", zap.Int64("order_id", order.ID), zap.Int64("book_id", id))
	}

	if s.notifier == nil {
		return
	}
	nctx := context.WithoutCancel(ctx)
	s.notifier.SendOrderConfirmation(nctx, order)
	if order.HasPhysicalItems() {
		s.notifier.SendShippingUpdate(nctx, order)
	}
}
