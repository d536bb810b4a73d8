package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
)

type stubSender struct {
	mu    sync.Mutex
	sent  int
	err   error
	calls chan struct{}
}

func (s *stubSender) DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error {
	s.mu.Lock()
	s.sent += len(messages)
	s.mu.Unlock()
	s.calls <- struct{}{}
	return s.err
}

func testOrder() model.Order {
	return model.Order{
		Number:   "2610180000421",
		Total:    decimal.RequireFromString("35.00"),
		Currency: "EUR",
		BillingAddress: model.Address{
			FullName: "Reader",
			Email:    "reader@example.com",
		},
		Items: []model.OrderItem{
			{Title: "Go in Action", Format: model.BookFormatDigital, Quantity: 1, UnitPrice: decimal.RequireFromString("25")},
		},
	}
}

func TestMailer_EnqueueComposesMessages(t *testing.T) {
	m := newMailer(&stubSender{calls: make(chan struct{}, 4)}, "noreply@example.com", zap.NewNop())

	order := testOrder()
	m.SendOrderConfirmation(context.Background(), order)
	m.SendShippingUpdate(context.Background(), order)

	require.Len(t, m.queue, 2)

	first := <-m.queue
	assert.Equal(t, "reader@example.com", first.to)
	assert.Equal(t, "Order 2610180000421 confirmed", first.subject)

	second := <-m.queue
	assert.Contains(t, second.subject, "shipping")
}

func TestMailer_SkipsWithoutRecipient(t *testing.T) {
	m := newMailer(&stubSender{calls: make(chan struct{}, 1)}, "noreply@example.com", zap.NewNop())

	order := testOrder()
	order.BillingAddress.Email = ""
	m.SendOrderConfirmation(context.Background(), order)

	assert.Len(t, m.queue, 0)
}

func TestMailer_RunSendsAndSurvivesErrors(t *testing.T) {
	s := &stubSender{calls: make(chan struct{}, 4), err: errors.New("smtp down")}
	m := newMailer(s, "noreply@example.com", zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		m.Run(ctx)
		close(done)
	}()

	m.SendOrderConfirmation(ctx, testOrder())
	m.SendOrderConfirmation(ctx, testOrder())

	for i := 0; i < 2; i++ {
		select {
		case <-s.calls:
		case <-time.After(time.Second):
			t.Fatalf("message %d was not sent", i+1)
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not stop after cancel")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 2, s.sent)
}
