package service

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
	"github.com/mmeshcher/bookshelf/internal/validation"
)

const orderNumberAttempts = 5

// CheckoutRequest описывает запрос на оформление заказа.
type CheckoutRequest struct {
	UserID          int64
	PaymentMethod   model.PaymentMethod
	ShippingAddress *model.Address
	BillingAddress  model.Address
}

// CheckoutResult содержит созданный заказ и первую попытку оплаты.
type CheckoutResult struct {
	Order   model.Order
	Payment *PaymentResult
}

// OrderDetails содержит заказ и все его попытки оплаты.
type OrderDetails struct {
	Order    model.Order
	Payments []model.Payment
}

// Checkout оформляет заказ из корзины пользователя и сразу начинает оплату.
//
// Корзина не очищается: это происходит только после подтверждённой оплаты.
// Если шлюз недоступен, заказ и платёж остаются в pending, а вызывающий получает
// ErrGatewayUnavailable вместе с уже созданным заказом.
func (s *Service) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	verr := &ValidationError{}
	if !req.PaymentMethod.Valid() {
		verr.add("payment_method", 0, "must be gateway or bank_transfer")
	}

	snap, err := s.SnapshotCart(ctx, req.UserID)
	switch {
	case errors.Is(err, ErrEmptyCart):
		verr.add("cart", 0, "cart is empty")
	case err != nil:
		var snapErr *ValidationError
		if !errors.As(err, &snapErr) {
			return nil, err
		}
		verr.Errors = append(verr.Errors, snapErr.Errors...)
	}

	validateAddress(verr, "billing_address", req.BillingAddress, true)
	if snap != nil && snap.HasPhysical() {
		if req.ShippingAddress == nil {
			verr.add("shipping_address", 0, "required for physical books")
		} else {
			validateAddress(verr, "shipping_address", *req.ShippingAddress, false)
		}
	}

	if err := verr.orNil(); err != nil {
		s.metrics.ObserveCheckout(string(req.PaymentMethod), "invalid")
		return nil, err
	}

	order, err := s.createOrder(ctx, req, snap)
	if err != nil {
		s.metrics.ObserveCheckout(string(req.PaymentMethod), "error")
		return nil, err
	}

	s.logger.Info("order created",
		zap.Int64("order_id", order.ID),
		zap.String("number", order.Number),
		zap.Int64("user_id", order.UserID),
		zap.String("total", order.Total.StringFixed(2)),
		zap.String("method", string(order.PaymentMethod)),
	)

	payment, err := s.startPayment(ctx, order, req.PaymentMethod)
	res := &CheckoutResult{Order: *order, Payment: payment}
	if err != nil {
		s.metrics.ObserveCheckout(string(req.PaymentMethod), "gateway_unavailable")
		return res, err
	}

	s.metrics.ObserveCheckout(string(req.PaymentMethod), "ok")
	return res, nil
}

func validateAddress(verr *ValidationError, field string, a model.Address, needEmail bool) {
	required := []struct {
		name  string
		value string
	}{
		{"full_name", a.FullName},
		{"line1", a.Line1},
		{"city", a.City},
		{"postal_code", a.PostalCode},
		{"country", a.Country},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			verr.add(field+"."+r.name, 0, "required")
		}
	}

	switch {
	case needEmail && strings.TrimSpace(a.Email) == "":
		verr.add(field+".email", 0, "required")
	case a.Email != "" && !validation.IsValidEmail(a.Email):
		verr.add(field+".email", 0, "invalid email address")
	}
}

// createOrder сохраняет заказ с позициями из снимка в одной транзакции.
// Номер заказа генерируется заново, если случайно совпал с существующим.
func (s *Service) createOrder(ctx context.Context, req CheckoutRequest, snap *Snapshot) (*model.Order, error) {
	items := make([]model.OrderItem, 0, len(snap.Lines))
	for _, l := range snap.Lines {
		items = append(items, model.OrderItem{
			BookID:    l.Book.ID,
			Title:     l.Book.Title,
			Format:    l.Book.Format,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
		})
	}

	var shipping *model.Address
	if snap.HasPhysical() && req.ShippingAddress != nil {
		addr := *req.ShippingAddress
		shipping = &addr
	}

	for attempt := 0; attempt < orderNumberAttempts; attempt++ {
		order := &model.Order{
			Number:          s.newOrderNumber(),
			UserID:          req.UserID,
			Total:           snap.Subtotal,
			Currency:        s.opts.Currency,
			Status:          model.OrderStatusPending,
			PaymentMethod:   req.PaymentMethod,
			ShippingAddress: shipping,
			BillingAddress:  req.BillingAddress,
			Items:           append([]model.OrderItem(nil), items...),
		}

		err := s.repo.InTx(ctx, func(tx repository.Tx) error {
			return tx.InsertOrder(ctx, order)
		})
		if err == nil {
			return order, nil
		}
		if !errors.Is(err, repository.ErrOrderNumberTaken) {
			return nil, fmt.Errorf("create order: %w", err)
		}
		s.logger.Debug("order number collision, retrying", zap.String("number", order.Number))
	}

	return nil, fmt.Errorf("create order: %w", repository.ErrOrderNumberTaken)
}

// newOrderNumber возвращает номер вида YYMMDD + 6 случайных цифр + контрольная цифра Луна.
func (s *Service) newOrderNumber() string {
	payload := s.now().UTC().Format("060102") + fmt.Sprintf("%06d", rand.Intn(1_000_000))
	check, _ := validation.LuhnCheckDigit(payload)
	return payload + string(check)
}

// GetOrder возвращает заказ пользователя вместе с попытками оплаты.
// Чужой заказ неотличим от несуществующего.
func (s *Service) GetOrder(ctx context.Context, userID, orderID int64) (*OrderDetails, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return s.orderDetails(ctx, order)
}

// GetOrderByNumber возвращает заказ пользователя по номеру.
func (s *Service) GetOrderByNumber(ctx context.Context, userID int64, number string) (*OrderDetails, error) {
	if !validation.IsValidOrderNumber(number) {
		return nil, ErrOrderNotFound
	}
	order, err := s.repo.GetOrderByNumber(ctx, number)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}
	return s.orderDetails(ctx, order)
}

// GetOrderForAdmin возвращает любой заказ без проверки владельца.
func (s *Service) GetOrderForAdmin(ctx context.Context, orderID int64) (*OrderDetails, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	return s.orderDetails(ctx, order)
}

func (s *Service) orderDetails(ctx context.Context, order *model.Order) (*OrderDetails, error) {
	payments, err := s.repo.GetPaymentsByOrder(ctx, order.ID)
	if err != nil {
		return nil, err
	}
	return &OrderDetails{Order: *order, Payments: payments}, nil
}

// ListOrders возвращает заказы пользователя, начиная с последних.
func (s *Service) ListOrders(ctx context.Context, userID int64) ([]model.Order, error) {
	return s.repo.GetOrdersByUser(ctx, userID)
}
