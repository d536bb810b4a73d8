package repository

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/mmeshcher/bookshelf/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// querier объединяет общие методы пула соединений и транзакции.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresRepository предоставляет доступ к хранилищу данных в PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт новый репозиторий и инициализирует схему БД через миграции.
func NewPostgresRepository(dsn string) (*PostgresRepository, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse pool config: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	r := &PostgresRepository{pool: pool}

	if err := r.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	return r, nil
}

func (r *PostgresRepository) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDBFromPool(r.pool)
	defer db.Close()

	goose.SetBaseFS(migrationsFS)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set dialect: %w", err)
	}

	if err := goose.UpContext(ctx, db, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	return nil
}

func (r *PostgresRepository) withRetry(ctx context.Context, fn func() error) error {
	var err error
	delays := []time.Duration{100 * time.Millisecond, 500 * time.Millisecond, 1 * time.Second}

	for i := 0; i <= len(delays); i++ {
		err = fn()
		if err == nil {
			return nil
		}

		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		if isRetryable(err) && i < len(delays) {
			timer := time.NewTimer(delays[i])
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			continue
		}

		break
	}
	return err
}

func isRetryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgerrcode.SerializationFailure || pgErr.Code == pgerrcode.DeadlockDetected
	}
	return isConnectionError(err)
}

func isConnectionError(err error) bool {
	return strings.Contains(err.Error(), "connection refused") ||
		strings.Contains(err.Error(), "broken pipe") ||
		strings.Contains(err.Error(), "connection reset by peer")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgerrcode.UniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// Close закрывает пул соединений с БД.
func (r *PostgresRepository) Close() error {
	r.pool.Close()
	return nil
}

// InTx выполняет fn в транзакции. При конфликте сериализации или дедлоке транзакция
// повторяется целиком, поэтому fn не должна иметь побочных эффектов вне tx.
func (r *PostgresRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return r.withRetry(ctx, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback(ctx)

		if err := fn(&pgTx{tx: tx}); err != nil {
			return err
		}

		if err := tx.Commit(ctx); err != nil {
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// GetBook возвращает актуальное состояние книги из каталога.
func (r *PostgresRepository) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return getBook(ctx, r.pool, id, false)
}

// GetCartLines возвращает позиции корзины пользователя в порядке добавления.
func (r *PostgresRepository) GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, book_id, quantity, added_at
		 FROM cart_lines
		 WHERE user_id = $1
		 ORDER BY added_at, book_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select cart lines: %w", err)
	}
	defer rows.Close()

	var lines []model.CartLine
	for rows.Next() {
		var l model.CartLine
		if err := rows.Scan(&l.UserID, &l.BookID, &l.Quantity, &l.AddedAt); err != nil {
			return nil, fmt.Errorf("scan cart line: %w", err)
		}
		lines = append(lines, l)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return lines, nil
}

// SetCartLine создаёт позицию корзины или заменяет её количество.
func (r *PostgresRepository) SetCartLine(ctx context.Context, line model.CartLine) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO cart_lines (user_id, book_id, quantity)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, book_id) DO UPDATE SET quantity = EXCLUDED.quantity`,
		line.UserID, line.BookID, line.Quantity,
	)
	if err != nil {
		return fmt.Errorf("upsert cart line: %w", err)
	}
	return nil
}

// RemoveCartLine удаляет позицию из корзины пользователя.
func (r *PostgresRepository) RemoveCartLine(ctx context.Context, userID, bookID int64) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM cart_lines WHERE user_id = $1 AND book_id = $2`,
		userID, bookID,
	)
	if err != nil {
		return fmt.Errorf("delete cart line: %w", err)
	}
	return nil
}

// GetOrder возвращает заказ вместе с позициями.
func (r *PostgresRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	return getOrder(ctx, r.pool, `WHERE id = $1`, id, false)
}

// GetOrderByNumber возвращает заказ по его номеру.
func (r *PostgresRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	return getOrder(ctx, r.pool, `WHERE number = $1`, number, false)
}

// GetOrdersByUser возвращает заказы пользователя, начиная с последних.
func (r *PostgresRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+orderColumns+`
		 FROM orders
		 WHERE user_id = $1
		 ORDER BY created_at DESC, id DESC`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}

	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.Order, error) {
		o, err := scanOrder(row)
		if err != nil {
			return model.Order{}, err
		}
		return *o, nil
	})
	if err != nil {
		return nil, fmt.Errorf("collect orders: %w", err)
	}

	for i := range orders {
		items, err := getOrderItems(ctx, r.pool, orders[i].ID)
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}

	return orders, nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *PostgresRepository) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return getPayment(ctx, r.pool, `WHERE id = $1`, id, false)
}

// GetPaymentsByOrder возвращает все попытки оплаты заказа.
func (r *PostgresRepository) GetPaymentsByOrder(ctx context.Context, orderID int64) ([]model.Payment, error) {
	return listPayments(ctx, r.pool,
		`WHERE order_id = $1 ORDER BY created_at, id`, orderID)
}

// GetPaymentsByStatus возвращает платежи в указанном статусе, начиная с самых старых.
func (r *PostgresRepository) GetPaymentsByStatus(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	return listPayments(ctx, r.pool,
		`WHERE status = $1 ORDER BY created_at, id LIMIT $2`, string(status), limit)
}

// GetStalePayments возвращает незавершённые платежи способа method, созданные раньше before.
func (r *PostgresRepository) GetStalePayments(ctx context.Context, method model.PaymentMethod, before time.Time, limit int) ([]model.Payment, error) {
	return listPayments(ctx, r.pool,
		`WHERE status = $1 AND method = $2 AND created_at < $3 ORDER BY created_at, id LIMIT $4`,
		string(model.PaymentStatusPending), string(method), before, limit)
}

// GetLibrary возвращает книги в библиотеке пользователя.
func (r *PostgresRepository) GetLibrary(ctx context.Context, userID int64) ([]model.LibraryEntry, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT user_id, book_id, order_id, granted_at
		 FROM user_library
		 WHERE user_id = $1
		 ORDER BY granted_at, book_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("select library: %w", err)
	}
	defer rows.Close()

	var res []model.LibraryEntry
	for rows.Next() {
		var e model.LibraryEntry
		if err := rows.Scan(&e.UserID, &e.BookID, &e.OrderID, &e.GrantedAt); err != nil {
			return nil, fmt.Errorf("scan library entry: %w", err)
		}
		res = append(res, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}

func getBook(ctx context.Context, q querier, id int64, lock bool) (*model.Book, error) {
	query := `SELECT id, title, format, price_cents, active, stock_tracked, stock_qty FROM books WHERE id = $1`
	if lock {
		query += ` FOR UPDATE`
	}

	var (
		b          model.Book
		format     string
		priceCents int64
	)
	err := q.QueryRow(ctx, query, id).
		Scan(&b.ID, &b.Title, &format, &priceCents, &b.Active, &b.StockTracked, &b.StockQty)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookNotFound
		}
		return nil, fmt.Errorf("get book: %w", err)
	}

	b.Format = model.BookFormat(format)
	b.Price = fromCents(priceCents)
	return &b, nil
}

const orderColumns = `id, number, user_id, total_cents, currency, status, payment_method,
	shipping_address, billing_address, created_at, updated_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var (
		o          model.Order
		totalCents int64
		status     string
		method     string
		shipping   []byte
		billing    []byte
	)
	err := row.Scan(&o.ID, &o.Number, &o.UserID, &totalCents, &o.Currency, &status, &method,
		&shipping, &billing, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}

	o.Total = fromCents(totalCents)
	o.Status = model.OrderStatus(status)
	o.PaymentMethod = model.PaymentMethod(method)

	if len(shipping) > 0 {
		var addr model.Address
		if err := json.Unmarshal(shipping, &addr); err != nil {
			return nil, fmt.Errorf("decode shipping address: %w", err)
		}
		o.ShippingAddress = &addr
	}
	if err := json.Unmarshal(billing, &o.BillingAddress); err != nil {
		return nil, fmt.Errorf("decode billing address: %w", err)
	}

	return &o, nil
}

func getOrder(ctx context.Context, q querier, where string, arg any, lock bool) (*model.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders ` + where
	if lock {
		query += ` FOR UPDATE`
	}

	o, err := scanOrder(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}

	items, err := getOrderItems(ctx, q, o.ID)
	if err != nil {
		return nil, err
	}
	o.Items = items

	return o, nil
}

func getOrderItems(ctx context.Context, q querier, orderID int64) ([]model.OrderItem, error) {
	rows, err := q.Query(ctx,
		`SELECT id, order_id, book_id, title, format, quantity, unit_price_cents
		 FROM order_items
		 WHERE order_id = $1
		 ORDER BY id`,
		orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("select order items: %w", err)
	}
	defer rows.Close()

	var items []model.OrderItem
	for rows.Next() {
		var (
			it         model.OrderItem
			format     string
			priceCents int64
		)
		if err := rows.Scan(&it.ID, &it.OrderID, &it.BookID, &it.Title, &format, &it.Quantity, &priceCents); err != nil {
			return nil, fmt.Errorf("scan order item: %w", err)
		}
		it.Format = model.BookFormat(format)
		it.UnitPrice = fromCents(priceCents)
		items = append(items, it)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return items, nil
}

const paymentColumns = `id, order_id, amount_cents, currency, method, status, reference,
	provider_id, descriptor, proof_url, admin_notes, created_at, updated_at`

func scanPayment(row pgx.Row) (*model.Payment, error) {
	var (
		p           model.Payment
		amountCents int64
		method      string
		status      string
		descriptor  []byte
	)
	err := row.Scan(&p.ID, &p.OrderID, &amountCents, &p.Currency, &method, &status, &p.Reference,
		&p.ProviderID, &descriptor, &p.ProofURL, &p.AdminNotes, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.Amount = fromCents(amountCents)
	p.Method = model.PaymentMethod(method)
	p.Status = model.PaymentStatus(status)
	if len(descriptor) > 0 {
		p.Descriptor = json.RawMessage(descriptor)
	}

	return &p, nil
}

func getPayment(ctx context.Context, q querier, where string, arg any, lock bool) (*model.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments ` + where
	if lock {
		query += ` FOR UPDATE`
	}

	p, err := scanPayment(q.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func listPayments(ctx context.Context, q querier, where string, args ...any) ([]model.Payment, error) {
	rows, err := q.Query(ctx, `SELECT `+paymentColumns+` FROM payments `+where, args...)
	if err != nil {
		return nil, fmt.Errorf("select payments: %w", err)
	}
	defer rows.Close()

	var res []model.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		res = append(res, *p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return res, nil
}
