package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

const (
	reader  int64 = 1
	another int64 = 2

	digitalBook  int64 = 10
	physicalBook int64 = 20
	untracked    int64 = 30
)

type stubGateway struct {
	mu       sync.Mutex
	calls    []gateway.PaymentRequest
	err      error
	delay    time.Duration
	outcomes map[string]gateway.Outcome
	statusFn func(p model.Payment) (gateway.Outcome, error)
}

func (g *stubGateway) InitiatePayment(ctx context.Context, req gateway.PaymentRequest) (*gateway.Session, error) {
	g.mu.Lock()
	g.calls = append(g.calls, req)
	err := g.err
	delay := g.delay
	g.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}
	return &gateway.Session{ProviderID: "gw-" + req.Reference, RedirectURL: "https://pay.example/" + req.Reference}, nil
}

func (g *stubGateway) PaymentStatus(ctx context.Context, p model.Payment) (gateway.Outcome, error) {
	if g.statusFn != nil {
		return g.statusFn(p)
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if o, ok := g.outcomes[p.Reference]; ok {
		return o, nil
	}
	return gateway.OutcomePending, nil
}

func (g *stubGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

func (g *stubGateway) setErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.err = err
}

type stubNotifier struct {
	mu            sync.Mutex
	confirmations []model.Order
	shipping      []model.Order
}

func (n *stubNotifier) SendOrderConfirmation(ctx context.Context, order model.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.confirmations = append(n.confirmations, order)
}

func (n *stubNotifier) SendShippingUpdate(ctx context.Context, order model.Order) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.shipping = append(n.shipping, order)
}

func (n *stubNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.confirmations), len(n.shipping)
}

type fixture struct {
	repo     *repository.MemoryRepository
	gw       *stubGateway
	notifier *stubNotifier
	svc      *Service
}

func newFixture() *fixture {
	repo := repository.NewMemoryRepository()
	repo.PutBook(model.Book{ID: digitalBook, Title: "Go in Practice (ebook)", Format: model.BookFormatDigital, Price: decimal.RequireFromString("15.00"), Active: true})
	repo.PutBook(model.Book{ID: physicalBook, Title: "The Go Programming Language", Format: model.BookFormatPhysical, Price: decimal.RequireFromString("20.00"), Active: true, StockTracked: true, StockQty: 3})
	repo.PutBook(model.Book{ID: untracked, Title: "Print on Demand", Format: model.BookFormatPhysical, Price: decimal.RequireFromString("9.99"), Active: true})

	gw := &stubGateway{outcomes: map[string]gateway.Outcome{}}
	notifier := &stubNotifier{}

	svc := NewService(repo, gw, notifier, nil, nil, Options{
		Currency:       "EUR",
		GatewayTimeout: 100 * time.Millisecond,
		Bank:           BankAccount{IBAN: "DE89 3704 0044 0532 0130 00", BIC: "COBADEFFXXX", Beneficiary: "Bookshelf GmbH"},
		ReconcileAfter: time.Minute,
	})
	return &fixture{repo: repo, gw: gw, notifier: notifier, svc: svc}
}

func billing() model.Address {
	return model.Address{
		FullName:   "Ada Reader",
		Line1:      "1 Main St",
		City:       "Berlin",
		PostalCode: "10115",
		Country:    "DE",
		Email:      "ada@example.com",
	}
}

func shipping() *model.Address {
	a := billing()
	a.Email = ""
	return &a
}

func (f *fixture) stock(id int64) int {
	b, err := f.repo.GetBook(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return b.StockQty
}

func (f *fixture) cartSize(userID int64) int {
	lines, err := f.repo.GetCartLines(context.Background(), userID)
	if err != nil {
		panic(err)
	}
	return len(lines)
}

func (f *fixture) order(id int64) *model.Order {
	o, err := f.repo.GetOrder(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return o
}

func (f *fixture) payment(id int64) *model.Payment {
	p, err := f.repo.GetPayment(context.Background(), id)
	if err != nil {
		panic(err)
	}
	return p
}

var errBoom = errors.New("boom")
