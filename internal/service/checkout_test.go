package service

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/validation"
)

func TestCheckout_DigitalBookThroughGateway(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, digitalBook, 1))

	res, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:         reader,
		PaymentMethod:  model.PaymentMethodGateway,
		BillingAddress: billing(),
	})
	require.NoError(t, err)

	assert.Equal(t, model.OrderStatusPending, res.Order.Status)
	assert.True(t, res.Order.Total.Equal(decimal.RequireFromString("15")))
	assert.Nil(t, res.Order.ShippingAddress)
	require.NotNil(t, res.Payment)
	require.NotNil(t, res.Payment.Session)
	assert.Equal(t, model.PaymentStatusPending, res.Payment.Payment.Status)
	assert.NotEmpty(t, res.Payment.Payment.Descriptor)
	assert.Equal(t, 1, f.cartSize(reader), "cart must survive checkout until payment is confirmed")

	require.Equal(t, 1, f.gw.callCount())
	assert.Equal(t, res.Payment.Payment.Reference, f.gw.calls[0].Reference)
	assert.Equal(t, "ada@example.com", f.gw.calls[0].Customer.Email)

	tr, err := f.svc.ConfirmGatewayPayment(ctx, res.Payment.Payment.Reference, gateway.OutcomeSuccess)
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, tr.Payment.Status)
	assert.Equal(t, model.PaymentStatusPending, tr.From)
	require.NotNil(t, tr.Fulfillment)
	assert.Equal(t, []int64{digitalBook}, tr.Fulfillment.Granted)

	assert.Equal(t, model.OrderStatusPaid, f.order(res.Order.ID).Status)
	assert.Equal(t, 0, f.cartSize(reader))

	lib, err := f.svc.GetLibrary(ctx, reader)
	require.NoError(t, err)
	require.Len(t, lib, 1)
	assert.Equal(t, res.Order.ID, lib[0].OrderID)

	confirmations, shipments := f.notifier.counts()
	assert.Equal(t, 1, confirmations)
	assert.Equal(t, 0, shipments)
}

func TestCheckout_PhysicalBookByBankTransfer(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, physicalBook, 2))

	res, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:          reader,
		PaymentMethod:   model.PaymentMethodBankTransfer,
		ShippingAddress: shipping(),
		BillingAddress:  billing(),
	})
	require.NoError(t, err)
	assert.Equal(t, 0, f.gw.callCount())

	ins := res.Payment.Instructions
	require.NotNil(t, ins)
	assert.True(t, ins.Amount.Equal(decimal.RequireFromString("40")))
	assert.Equal(t, res.Payment.Payment.Reference, ins.Reference)
	assert.True(t, strings.HasPrefix(ins.QRCode, "data:image/png;base64,"))

	pid := res.Payment.Payment.ID

	tr, err := f.svc.AttachProof(ctx, reader, pid, "https://files.example/proofs/1.pdf")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusAwaitingApproval, tr.Payment.Status)
	assert.Nil(t, tr.Fulfillment)
	assert.Equal(t, 3, f.stock(physicalBook), "stock must not move before approval")
	assert.Equal(t, 1, f.cartSize(reader))

	tr, err = f.svc.DecidePayment(ctx, pid, DecisionApprove, "matched statement")
	require.NoError(t, err)
	assert.Equal(t, model.PaymentStatusCompleted, tr.Payment.Status)
	require.NotNil(t, tr.Fulfillment)
	assert.Empty(t, tr.Fulfillment.Shortfalls)

	assert.Equal(t, 1, f.stock(physicalBook))
	assert.Equal(t, 0, f.cartSize(reader))
	assert.Equal(t, model.OrderStatusPaid, f.order(res.Order.ID).Status)

	p := f.payment(pid)
	assert.Equal(t, "https://files.example/proofs/1.pdf", p.ProofURL)
	assert.Equal(t, "matched statement", p.AdminNotes)

	confirmations, shipments := f.notifier.counts()
	assert.Equal(t, 1, confirmations)
	assert.Equal(t, 1, shipments)
}

func TestCheckout_GatewayTimeoutKeepsOrderPending(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, digitalBook, 1))
	f.gw.delay = time.Second

	res, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:         reader,
		PaymentMethod:  model.PaymentMethodGateway,
		BillingAddress: billing(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))

	require.NotNil(t, res)
	require.NotNil(t, res.Payment)
	assert.Equal(t, model.OrderStatusPending, f.order(res.Order.ID).Status)

	first := f.payment(res.Payment.Payment.ID)
	assert.Equal(t, model.PaymentStatusPending, first.Status)
	assert.Empty(t, first.Descriptor)
	assert.Equal(t, 1, f.cartSize(reader))

	f.gw.delay = 0

	retry, err := f.svc.InitiatePayment(ctx, reader, res.Order.ID, "")
	require.NoError(t, err)
	assert.Equal(t, first.ID, retry.Payment.ID, "retry must reuse the open attempt")
	require.NotNil(t, retry.Session)

	require.Equal(t, 2, f.gw.callCount())
	assert.Equal(t, f.gw.calls[0].Reference, f.gw.calls[1].Reference)
}

func TestCheckout_GatewayErrorIsUnavailable(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, digitalBook, 1))
	f.gw.setErr(errBoom)

	res, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:         reader,
		PaymentMethod:  model.PaymentMethodGateway,
		BillingAddress: billing(),
	})
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
	require.NotNil(t, res)
	assert.Equal(t, model.PaymentStatusPending, f.payment(res.Payment.Payment.ID).Status)
}

func TestCheckout_NoGatewayConfigured(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.svc.gateway = nil

	require.NoError(t, f.svc.AddToCart(ctx, reader, digitalBook, 1))

	_, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:         reader,
		PaymentMethod:  model.PaymentMethodGateway,
		BillingAddress: billing(),
	})
	assert.True(t, errors.Is(err, ErrGatewayUnavailable))
}

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name      string
		prepare   func(f *fixture)
		req       CheckoutRequest
		wantField string
	}{
		{
			name:      "empty cart",
			req:       CheckoutRequest{UserID: reader, PaymentMethod: model.PaymentMethodGateway, BillingAddress: billing()},
			wantField: "cart",
		},
		{
			name: "unknown method",
			prepare: func(f *fixture) {
				_ = f.svc.AddToCart(context.Background(), reader, digitalBook, 1)
			},
			req:       CheckoutRequest{UserID: reader, PaymentMethod: "cash", BillingAddress: billing()},
			wantField: "payment_method",
		},
		{
			name: "shipping required for physical books",
			prepare: func(f *fixture) {
				_ = f.svc.AddToCart(context.Background(), reader, physicalBook, 1)
			},
			req:       CheckoutRequest{UserID: reader, PaymentMethod: model.PaymentMethodBankTransfer, BillingAddress: billing()},
			wantField: "shipping_address",
		},
		{
			name: "billing email invalid",
			prepare: func(f *fixture) {
				_ = f.svc.AddToCart(context.Background(), reader, digitalBook, 1)
			},
			req: CheckoutRequest{UserID: reader, PaymentMethod: model.PaymentMethodGateway, BillingAddress: func() model.Address {
				a := billing()
				a.Email = "not-an-email"
				return a
			}()},
			wantField: "billing_address.email",
		},
		{
			name: "billing city missing",
			prepare: func(f *fixture) {
				_ = f.svc.AddToCart(context.Background(), reader, digitalBook, 1)
			},
			req: CheckoutRequest{UserID: reader, PaymentMethod: model.PaymentMethodGateway, BillingAddress: func() model.Address {
				a := billing()
				a.City = " "
				return a
			}()},
			wantField: "billing_address.city",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture()
			if tt.prepare != nil {
				tt.prepare(f)
			}

			_, err := f.svc.Checkout(context.Background(), tt.req)

			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "expected ValidationError, got %v", err)
			fields := make([]string, 0, len(verr.Errors))
			for _, fe := range verr.Errors {
				fields = append(fields, fe.Field)
			}
			assert.Contains(t, fields, tt.wantField)

			orders, err := f.svc.ListOrders(context.Background(), reader)
			require.NoError(t, err)
			assert.Empty(t, orders)
		})
	}
}

func TestCheckout_StockDroppedAfterAddingToCart(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, physicalBook, 3))
	require.NoError(t, f.svc.AddToCart(ctx, reader, digitalBook, 1))

	f.repo.PutBook(model.Book{ID: physicalBook, Title: "The Go Programming Language", Format: model.BookFormatPhysical, Price: decimal.RequireFromString("20.00"), Active: true, StockTracked: true, StockQty: 1})
	f.repo.PutBook(model.Book{ID: digitalBook, Title: "Go in Practice (ebook)", Format: model.BookFormatDigital, Price: decimal.RequireFromString("15.00"), Active: false})

	_, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:          reader,
		PaymentMethod:   model.PaymentMethodBankTransfer,
		ShippingAddress: shipping(),
		BillingAddress:  billing(),
	})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientStock))

	var verr *ValidationError
	require.True(t, errors.As(err, &verr))
	require.Len(t, verr.Errors, 2, "all offending lines are reported at once")
	reasons := map[int64]string{}
	for _, fe := range verr.Errors {
		reasons[fe.BookID] = fe.Reason
	}
	assert.Equal(t, "only 1 left in stock", reasons[physicalBook])
	assert.Equal(t, "book is not available for sale", reasons[digitalBook])

	assert.Equal(t, 2, f.cartSize(reader))
}

func TestCheckout_PriceIsSnapshotted(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, untracked, 2))

	res, err := f.svc.Checkout(ctx, CheckoutRequest{
		UserID:          reader,
		PaymentMethod:   model.PaymentMethodBankTransfer,
		ShippingAddress: shipping(),
		BillingAddress:  billing(),
	})
	require.NoError(t, err)

	f.repo.PutBook(model.Book{ID: untracked, Title: "Print on Demand", Format: model.BookFormatPhysical, Price: decimal.RequireFromString("99.00"), Active: true})

	got := f.order(res.Order.ID)
	assert.True(t, got.Total.Equal(decimal.RequireFromString("19.98")))
	require.Len(t, got.Items, 1)
	assert.True(t, got.Items[0].UnitPrice.Equal(decimal.RequireFromString("9.99")))
	assert.True(t, f.payment(res.Payment.Payment.ID).Amount.Equal(got.Total))
}

func TestNewOrderNumber(t *testing.T) {
	f := newFixture()
	f.svc.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

	for i := 0; i < 20; i++ {
		n := f.svc.newOrderNumber()
		assert.Len(t, n, 13)
		assert.True(t, strings.HasPrefix(n, "260314"))
		assert.True(t, validation.IsValidOrderNumber(n), n)
	}
}

func TestGetOrder_Ownership(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	require.NoError(t, f.svc.AddToCart(ctx, reader, digitalBook, 1))
	res, err := f.svc.Checkout(ctx, CheckoutRequest{UserID: reader, PaymentMethod: model.PaymentMethodBankTransfer, BillingAddress: billing()})
	require.NoError(t, err)

	details, err := f.svc.GetOrder(ctx, reader, res.Order.ID)
	require.NoError(t, err)
	assert.Len(t, details.Payments, 1)

	byNumber, err := f.svc.GetOrderByNumber(ctx, reader, res.Order.Number)
	require.NoError(t, err)
	assert.Equal(t, res.Order.ID, byNumber.Order.ID)

	_, err = f.svc.GetOrder(ctx, another, res.Order.ID)
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	_, err = f.svc.GetOrderByNumber(ctx, reader, "12345")
	assert.True(t, errors.Is(err, ErrOrderNotFound))

	_, err = f.svc.GetOrder(ctx, reader, 999)
	assert.True(t, errors.Is(err, ErrOrderNotFound))
}
