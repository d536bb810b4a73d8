package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mmeshcher/bookshelf/internal/model"
)

// MemoryRepository хранит данные в памяти процесса. Транзакции сериализуются одной
// блокировкой и применяются атомарно: изменения видны только после успешного fn.
type MemoryRepository struct {
	mu    sync.RWMutex
	state *memState
}

type cartKey struct {
	userID int64
	bookID int64
}

type memState struct {
	books    map[int64]model.Book
	cart     map[cartKey]model.CartLine
	orders   map[int64]model.Order
	payments map[int64]model.Payment
	library  map[cartKey]model.LibraryEntry

	nextOrderID   int64
	nextItemID    int64
	nextPaymentID int64
}

// NewMemoryRepository создаёт пустое хранилище в памяти.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		state: &memState{
			books:    make(map[int64]model.Book),
			cart:     make(map[cartKey]model.CartLine),
			orders:   make(map[int64]model.Order),
			payments: make(map[int64]model.Payment),
			library:  make(map[cartKey]model.LibraryEntry),
		},
	}
}

func (s *memState) clone() *memState {
	c := &memState{
		books:         make(map[int64]model.Book, len(s.books)),
		cart:          make(map[cartKey]model.CartLine, len(s.cart)),
		orders:        make(map[int64]model.Order, len(s.orders)),
		payments:      make(map[int64]model.Payment, len(s.payments)),
		library:       make(map[cartKey]model.LibraryEntry, len(s.library)),
		nextOrderID:   s.nextOrderID,
		nextItemID:    s.nextItemID,
		nextPaymentID: s.nextPaymentID,
	}
	for k, v := range s.books {
		c.books[k] = v
	}
	for k, v := range s.cart {
		c.cart[k] = v
	}
	for k, v := range s.orders {
		c.orders[k] = copyOrder(v)
	}
	for k, v := range s.payments {
		c.payments[k] = v
	}
	for k, v := range s.library {
		c.library[k] = v
	}
	return c
}

func copyOrder(o model.Order) model.Order {
	o.Items = append([]model.OrderItem(nil), o.Items...)
	if o.ShippingAddress != nil {
		addr := *o.ShippingAddress
		o.ShippingAddress = &addr
	}
	return o
}

// Close ничего не делает и нужен для совместимости с PostgresRepository.
func (r *MemoryRepository) Close() error {
	return nil
}

// PutBook добавляет или заменяет книгу в каталоге.
func (r *MemoryRepository) PutBook(b model.Book) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.books[b.ID] = b
}

// InTx выполняет fn над копией состояния и публикует её только при успехе.
func (r *MemoryRepository) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	work := r.state.clone()
	if err := fn(&memTx{st: work}); err != nil {
		return err
	}
	r.state = work
	return nil
}

// GetBook возвращает книгу из каталога.
func (r *MemoryRepository) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getBook(id)
}

// GetCartLines возвращает позиции корзины пользователя в порядке добавления.
func (r *MemoryRepository) GetCartLines(ctx context.Context, userID int64) ([]model.CartLine, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var lines []model.CartLine
	for k, l := range r.state.cart {
		if k.userID == userID {
			lines = append(lines, l)
		}
	}
	sort.Slice(lines, func(i, j int) bool {
		if !lines[i].AddedAt.Equal(lines[j].AddedAt) {
			return lines[i].AddedAt.Before(lines[j].AddedAt)
		}
		return lines[i].BookID < lines[j].BookID
	})
	return lines, nil
}

// SetCartLine создаёт позицию корзины или заменяет её количество.
func (r *MemoryRepository) SetCartLine(ctx context.Context, line model.CartLine) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cartKey{userID: line.UserID, bookID: line.BookID}
	if existing, ok := r.state.cart[key]; ok {
		existing.Quantity = line.Quantity
		r.state.cart[key] = existing
		return nil
	}
	if line.AddedAt.IsZero() {
		line.AddedAt = now()
	}
	r.state.cart[key] = line
	return nil
}

// RemoveCartLine удаляет позицию из корзины пользователя.
func (r *MemoryRepository) RemoveCartLine(ctx context.Context, userID, bookID int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.state.cart, cartKey{userID: userID, bookID: bookID})
	return nil
}

// GetOrder возвращает заказ вместе с позициями.
func (r *MemoryRepository) GetOrder(ctx context.Context, id int64) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getOrder(id)
}

// GetOrderByNumber возвращает заказ по его номеру.
func (r *MemoryRepository) GetOrderByNumber(ctx context.Context, number string) (*model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, o := range r.state.orders {
		if o.Number == number {
			c := copyOrder(o)
			return &c, nil
		}
	}
	return nil, ErrOrderNotFound
}

// GetOrdersByUser возвращает заказы пользователя, начиная с последних.
func (r *MemoryRepository) GetOrdersByUser(ctx context.Context, userID int64) ([]model.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.Order
	for _, o := range r.state.orders {
		if o.UserID == userID {
			res = append(res, copyOrder(o))
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID > res[j].ID })
	return res, nil
}

// GetPayment возвращает платёж по идентификатору.
func (r *MemoryRepository) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.getPayment(id)
}

// GetPaymentsByOrder возвращает все попытки оплаты заказа.
func (r *MemoryRepository) GetPaymentsByOrder(ctx context.Context, orderID int64) ([]model.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.filterPayments(func(p model.Payment) bool { return p.OrderID == orderID }, 0), nil
}

// GetPaymentsByStatus возвращает платежи в указанном статусе, начиная с самых старых.
func (r *MemoryRepository) GetPaymentsByStatus(ctx context.Context, status model.PaymentStatus, limit int) ([]model.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.filterPayments(func(p model.Payment) bool { return p.Status == status }, limit), nil
}

// GetStalePayments возвращает незавершённые платежи способа method, созданные раньше before.
func (r *MemoryRepository) GetStalePayments(ctx context.Context, method model.PaymentMethod, before time.Time, limit int) ([]model.Payment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state.filterPayments(func(p model.Payment) bool {
		return p.Status == model.PaymentStatusPending && p.Method == method && p.CreatedAt.Before(before)
	}, limit), nil
}

// GetLibrary возвращает книги в библиотеке пользователя.
func (r *MemoryRepository) GetLibrary(ctx context.Context, userID int64) ([]model.LibraryEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var res []model.LibraryEntry
	for k, e := range r.state.library {
		if k.userID == userID {
			res = append(res, e)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].BookID < res[j].BookID })
	return res, nil
}

func (s *memState) getBook(id int64) (*model.Book, error) {
	b, ok := s.books[id]
	if !ok {
		return nil, ErrBookNotFound
	}
	return &b, nil
}

func (s *memState) getOrder(id int64) (*model.Order, error) {
	o, ok := s.orders[id]
	if !ok {
		return nil, ErrOrderNotFound
	}
	c := copyOrder(o)
	return &c, nil
}

func (s *memState) getPayment(id int64) (*model.Payment, error) {
	p, ok := s.payments[id]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	return &p, nil
}

func (s *memState) filterPayments(keep func(model.Payment) bool, limit int) []model.Payment {
	var res []model.Payment
	for _, p := range s.payments {
		if keep(p) {
			res = append(res, p)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	if limit > 0 && len(res) > limit {
		res = res[:limit]
	}
	return res
}

type memTx struct {
	st *memState
}

func (t *memTx) GetBook(ctx context.Context, id int64) (*model.Book, error) {
	return t.st.getBook(id)
}

func (t *memTx) InsertOrder(ctx context.Context, order *model.Order) error {
	for _, o := range t.st.orders {
		if o.Number == order.Number {
			return ErrOrderNumberTaken
		}
	}

	t.st.nextOrderID++
	order.ID = t.st.nextOrderID
	order.CreatedAt = now()
	order.UpdatedAt = order.CreatedAt

	for i := range order.Items {
		t.st.nextItemID++
		order.Items[i].ID = t.st.nextItemID
		order.Items[i].OrderID = order.ID
	}

	t.st.orders[order.ID] = copyOrder(*order)
	return nil
}

func (t *memTx) LockOrder(ctx context.Context, id int64) (*model.Order, error) {
	return t.st.getOrder(id)
}

func (t *memTx) SetOrderStatus(ctx context.Context, id int64, status model.OrderStatus) error {
	o, ok := t.st.orders[id]
	if !ok {
		return ErrOrderNotFound
	}
	o.Status = status
	o.UpdatedAt = now()
	t.st.orders[id] = o
	return nil
}

func (t *memTx) InsertPayment(ctx context.Context, p *model.Payment) error {
	for _, existing := range t.st.payments {
		if existing.Reference == p.Reference {
			return ErrReferenceTaken
		}
		if p.Status == model.PaymentStatusCompleted && existing.OrderID == p.OrderID &&
			existing.Status == model.PaymentStatusCompleted {
			return ErrCompletedPaymentExists
		}
	}

	t.st.nextPaymentID++
	p.ID = t.st.nextPaymentID
	p.CreatedAt = now()
	p.UpdatedAt = p.CreatedAt
	t.st.payments[p.ID] = *p
	return nil
}

func (t *memTx) GetPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return t.st.getPayment(id)
}

func (t *memTx) GetPaymentByReference(ctx context.Context, reference string) (*model.Payment, error) {
	for _, p := range t.st.payments {
		if p.Reference == reference {
			c := p
			return &c, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (t *memTx) LockPayment(ctx context.Context, id int64) (*model.Payment, error) {
	return t.st.getPayment(id)
}

func (t *memTx) GetOrderPayments(ctx context.Context, orderID int64) ([]model.Payment, error) {
	return t.st.filterPayments(func(p model.Payment) bool { return p.OrderID == orderID }, 0), nil
}

func (t *memTx) UpdatePaymentStatus(ctx context.Context, p *model.Payment, from model.PaymentStatus) error {
	current, ok := t.st.payments[p.ID]
	if !ok || current.Status != from {
		return ErrStaleStatus
	}
	if p.Status == model.PaymentStatusCompleted {
		for _, other := range t.st.payments {
			if other.ID != p.ID && other.OrderID == p.OrderID && other.Status == model.PaymentStatusCompleted {
				return ErrCompletedPaymentExists
			}
		}
	}

	current.Status = p.Status
	current.ProofURL = p.ProofURL
	current.AdminNotes = p.AdminNotes
	current.UpdatedAt = now()
	p.UpdatedAt = current.UpdatedAt
	t.st.payments[p.ID] = current
	return nil
}

func (t *memTx) AttachGatewaySession(ctx context.Context, paymentID int64, providerID string, descriptor []byte) error {
	p, ok := t.st.payments[paymentID]
	if !ok || p.Status != model.PaymentStatusPending {
		return nil
	}
	p.ProviderID = providerID
	p.Descriptor = append([]byte(nil), descriptor...)
	p.UpdatedAt = now()
	t.st.payments[paymentID] = p
	return nil
}

func (t *memTx) GrantLibrary(ctx context.Context, entry model.LibraryEntry) (bool, error) {
	key := cartKey{userID: entry.UserID, bookID: entry.BookID}
	if _, ok := t.st.library[key]; ok {
		return false, nil
	}
	if entry.GrantedAt.IsZero() {
		entry.GrantedAt = now()
	}
	t.st.library[key] = entry
	return true, nil
}

func (t *memTx) DecrementStock(ctx context.Context, bookID int64, qty int) (int, error) {
	b, ok := t.st.books[bookID]
	if !ok {
		return 0, ErrBookNotFound
	}

	shortfall := 0
	if b.StockQty >= qty {
		b.StockQty -= qty
	} else {
		shortfall = qty - b.StockQty
		b.StockQty = 0
	}
	t.st.books[bookID] = b
	return shortfall, nil
}

func (t *memTx) ClearCart(ctx context.Context, userID int64) (int64, error) {
	var n int64
	for k := range t.st.cart {
		if k.userID == userID {
			delete(t.st.cart, k)
			n++
		}
	}
	return n, nil
}
