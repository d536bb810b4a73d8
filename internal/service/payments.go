package service

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

const qrSize = 256

// BankInstructions содержит реквизиты для оплаты банковским переводом.
type BankInstructions struct {
	IBAN        string          `json:"iban"`
	BIC         string          `json:"bic,omitempty"`
	Beneficiary string          `json:"beneficiary"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Reference   string          `json:"reference"`
	QRCode      string          `json:"qr_code,omitempty"`
}

// PaymentResult описывает начатую попытку оплаты и то, что нужно покупателю для её завершения.
type PaymentResult struct {
	Payment      model.Payment
	Session      *gateway.Session
	Instructions *BankInstructions
}

// InitiatePayment начинает оплату заказа пользователя выбранным способом.
// Если открытая попытка тем же способом уже есть, возвращается она.
func (s *Service) InitiatePayment(ctx context.Context, userID, orderID int64, method model.PaymentMethod) (*PaymentResult, error) {
	order, err := s.repo.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, ErrOrderNotFound
	}

	if method == "" {
		method = order.PaymentMethod
	}
	if !method.Valid() {
		verr := &ValidationError{}
		verr.add("payment_method", 0, "must be gateway or bank_transfer")
		return nil, verr
	}

	return s.startPayment(ctx, order, method)
}

func (s *Service) startPayment(ctx context.Context, order *model.Order, method model.PaymentMethod) (*PaymentResult, error) {
	p, err := s.openPaymentAttempt(ctx, order.ID, method)
	if err != nil {
		return nil, err
	}

	res := &PaymentResult{Payment: *p}
	switch method {
	case model.PaymentMethodBankTransfer:
		res.Instructions = s.bankInstructions(order, p)
		return res, nil

	case model.PaymentMethodGateway:
		if len(p.Descriptor) > 0 {
			var session gateway.Session
			if err := json.Unmarshal(p.Descriptor, &session); err == nil {
				res.Session = &session
				return res, nil
			}
		}

		session, err := s.requestGatewaySession(ctx, order, p)
		res.Payment = *p
		if err != nil {
			return res, err
		}
		res.Session = session
		return res, nil
	}

	return nil, fmt.Errorf("unsupported payment method %q", method)
}

// openPaymentAttempt возвращает открытую попытку оплаты способом method или создаёт новую.
func (s *Service) openPaymentAttempt(ctx context.Context, orderID int64, method model.PaymentMethod) (*model.Payment, error) {
	var p *model.Payment

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		p = nil

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.Number, order.Status)
		}

		payments, err := tx.GetOrderPayments(ctx, orderID)
		if err != nil {
			return err
		}
		for _, existing := range payments {
			if existing.Status == model.PaymentStatusCompleted {
				return fmt.Errorf("%w: order %s already paid", ErrOrderNotPayable, order.Number)
			}
			if existing.Method == method && !existing.Status.Terminal() {
				p = &existing
				return nil
			}
		}

		p = &model.Payment{
			OrderID:   order.ID,
			Amount:    order.Total,
			Currency:  order.Currency,
			Method:    method,
			Status:    model.PaymentStatusPending,
			Reference: uuid.NewString(),
		}
		return tx.InsertPayment(ctx, p)
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

// requestGatewaySession создаёт платёж в шлюзе вне транзакции и сохраняет ответ.
// Ссылка платежа передаётся шлюзу как ключ идемпотентности, поэтому повтор безопасен.
func (s *Service) requestGatewaySession(ctx context.Context, order *model.Order, p *model.Payment) (*gateway.Session, error) {
	if s.gateway == nil {
		return nil, fmt.Errorf("%w: gateway is not configured", ErrGatewayUnavailable)
	}

	gctx, cancel := context.WithTimeout(ctx, s.opts.GatewayTimeout)
	defer cancel()

	session, err := s.gateway.InitiatePayment(gctx, gateway.PaymentRequest{
		Reference:   p.Reference,
		OrderNumber: order.Number,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Customer: model.Customer{
			UserID: order.UserID,
			Name:   order.BillingAddress.FullName,
			Email:  order.BillingAddress.Email,
		},
		Description: "Order " + order.Number,
	})
	if err != nil {
		s.logger.Warn("gateway initiation failed",
			zap.Int64("payment_id", p.ID),
			zap.String("reference", p.Reference),
			zap.Error(err),
		)
		return nil, fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	descriptor, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode gateway session: %w", err)
	}

	err = s.repo.InTx(ctx, func(tx repository.Tx) error {
		return tx.AttachGatewaySession(ctx, p.ID, session.ProviderID, descriptor)
	})
	if err != nil {
		return nil, fmt.Errorf("save gateway session: %w", err)
	}

	p.ProviderID = session.ProviderID
	p.Descriptor = descriptor
	return session, nil
}

func (s *Service) bankInstructions(order *model.Order, p *model.Payment) *BankInstructions {
	ins := &BankInstructions{
		IBAN:        s.opts.Bank.IBAN,
		BIC:         s.opts.Bank.BIC,
		Beneficiary: s.opts.Bank.Beneficiary,
		Amount:      p.Amount,
		Currency:    p.Currency,
		Reference:   p.Reference,
	}

	if ins.IBAN == "" || !strings.EqualFold(ins.Currency, "EUR") {
		return ins
	}

	png, err := qrcode.Encode(epcPayload(ins, order.Number), qrcode.Medium, qrSize)
	if err != nil {
		s.logger.Warn("failed to render transfer QR code", zap.Int64("payment_id", p.ID), zap.Error(err))
		return ins
	}
	ins.QRCode = "data:image/png;base64," + base64.StdEncoding.EncodeToString(png)
	return ins
}

// epcPayload собирает содержимое QR-кода перевода SEPA (EPC069-12, версия 002).
func epcPayload(ins *BankInstructions, orderNumber string) string {
	lines := []string{
		"BCD",
		"002",
		"1",
		"SCT",
		ins.BIC,
		ins.Beneficiary,
		strings.ReplaceAll(ins.IBAN, " ", ""),
		"EUR" + ins.Amount.StringFixed(2),
		"",
		"",
		fmt.Sprintf("Order %s %s", orderNumber, ins.Reference),
	}
	return strings.Join(lines, "\n")
}
