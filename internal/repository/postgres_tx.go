package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/mmeshcher/bookshelf/internal/model"
)

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return getBook(ctx, t.tx, id, false)
}

func (t *pgTx) InsertOrder(ctx context.Context, order *model.Order) error {
	var shipping []byte
	if order.ShippingAddress != nil {
		data, err := json.Marshal(order.ShippingAddress)
		if err != nil {
			return fmt.Errorf("encode shipping address: %w", err)
		}
		shipping = data
	}
	billing, err := json.Marshal(order.BillingAddress)
	if err != nil {
		return fmt.Errorf("encode billing address: %w", err)
	}

	err = t.tx.QueryRow(ctx,
		`INSERT INTO orders (number, user_id, total_cents, currency, status, payment_method, shipping_address, billing_address)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 RETURNING id, created_at, updated_at`,
		order.Number, order.UserID, toCents(order.Total), order.Currency, string(order.Status),
		string(order.PaymentMethod), shipping, billing,
	).Scan(&order.ID, &order.CreatedAt, &order.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "orders_number_key") {
			return fmt.Errorf("%w: %s", ErrOrderNumberTaken, order.Number)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	for i := range order.Items {
		it := &order.Items[i]
		it.OrderID = order.ID
		err := t.tx.QueryRow(ctx,
			`INSERT INTO order_items (order_id, book_id, title, format, quantity, unit_price_cents)
			 VALUES ($1, $2, $3, $4, $5, $6)
			 RETURNING id`,
			order.ID, it.BookID, it.Title, string(it.Format), it.Quantity, toCents(it.UnitPrice),
		).Scan(&it.ID)
		if err != nil {
			return fmt.Errorf("insert order item %d: %w", it.BookID, err)
		}
	}

	return nil
}

func (t *pgTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	return getOrder(ctx, t.tx, `WHERE id = $1`, id, true)
}

func (t *pgTx) SetOrderStatus(ctx context.Context, id int64, status model.OrderStatus) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = now() WHERE id = $1`,
		id, string(status),
	)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrOrderNotFound
	}
	return nil
}

func (t *pgTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	var descriptor []byte
	if len(p.Descriptor) > 0 {
		descriptor = p.Descriptor
	}

	err := t.tx.QueryRow(ctx,
		`INSERT INTO payments (order_id, amount_cents, currency, method, status, reference, provider_id, descriptor, proof_url, admin_notes)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING id, created_at, updated_at`,
		p.OrderID, toCents(p.Amount), p.Currency, string(p.Method), string(p.Status), p.Reference,
		p.ProviderID, descriptor, p.ProofURL, p.AdminNotes,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "payments_reference_key") {
			return fmt.Errorf("%w: %s", ErrReferenceTaken, p.Reference)
		}
		if isUniqueViolation(err, "payments_one_completed_per_order") {
			return ErrCompletedPaymentExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (t *pgTx) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return getPayment(ctx, t.tx, `WHERE id = $1`, id, false)
}

func (t *pgTx) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	return getPayment(ctx, t.tx, `WHERE reference = $1`, reference, false)
}

func (t *pgTx) LockPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return getPayment(ctx, t.tx, `WHERE id = $1`, id, true)
}

func (t *pgTx) GetOrderPayments(ctx context.Context, orderID int64) ([]model.Payment, error) {
	return listPayments(ctx, t.tx, `WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

func (t *pgTx) UpdatePaymentStatus(ctx context.Context, p *model.Payment, from model.PaymentStatus) error {
	err := t.tx.QueryRow(ctx,
		`UPDATE payments
		 SET status = $3, proof_url = $4, admin_notes = $5, updated_at = now()
		 WHERE id = $1 AND status = $2
		 RETURNING updated_at`,
		p.ID, string(from), string(p.Status), p.ProofURL, p.AdminNotes,
	).Scan(&p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrStaleStatus
		}
		if isUniqueViolation(err, "payments_one_completed_per_order") {
			return ErrCompletedPaymentExists
		}
		return fmt.Errorf("update payment status: %w", err)
	}
	return nil
}

func (t *pgTx) AttachGatewaySession(ctx context.Context, paymentID int64, providerID string, descriptor []byte) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE payments
		 SET provider_id = $2, descriptor = $3, updated_at = now()
		 WHERE id = $1 AND status = $4`,
		paymentID, providerID, descriptor, string(model.PaymentStatusPending),
	)
	if err != nil {
		return fmt.Errorf("attach gateway session: %w", err)
	}
	return nil
}

func (t *pgTx) GrantLibrary(ctx context.Context, entry model.LibraryEntry) (bool, error) {
	tag, err := t.tx.Exec(ctx,
		`INSERT INTO user_library (user_id, book_id, order_id)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, book_id) DO NOTHING`,
		entry.UserID, entry.BookID, entry.OrderID,
	)
	if err != nil {
		return false, fmt.Errorf("grant library entry: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (t *pgTx) DecrementStock(ctx context.Context, bookID int64, qty int) (int, error) {
	tag, err := t.tx.Exec(ctx,
		`UPDATE books SET stock_qty = stock_qty - $2 WHERE id = $1 AND stock_qty >= $2`,
		bookID, qty,
	)
	if err != nil {
		return 0, fmt.Errorf("decrement stock: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return 0, nil
	}

	// Остатка не хватает: списываем сколько есть и возвращаем недостачу.
	var before int
	err = t.tx.QueryRow(ctx,
		`UPDATE books b SET stock_qty = GREATEST(cur.stock_qty - $2, 0)
		 FROM (SELECT id, stock_qty FROM books WHERE id = $1 FOR UPDATE) cur
		 WHERE b.id = cur.id
		 RETURNING cur.stock_qty`,
		bookID, qty,
	).Scan(&before)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrBookNotFound
		}
		return 0, fmt.Errorf("floor stock: %w", err)
	}

	if before >= qty {
		return 0, nil
	}
	return qty - before, nil
}

func (t *pgTx) ClearCart(ctx context.Context, userID int64) (int64, error) {
	tag, err := t.tx.Exec(ctx, `DELETE FROM cart_lines WHERE user_id = $1`, userID)
	if err != nil {
		return 0, fmt.Errorf("clear cart: %w", err)
	}
	return tag.RowsAffected(), nil
}
