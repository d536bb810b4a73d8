package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/repository"
)

// Decision описывает решение администратора по банковскому переводу.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// ParseDecision приводит строку из запроса к Decision.
func ParseDecision(s string) (Decision, error) {
	switch Decision(strings.ToLower(strings.TrimSpace(s))) {
	case DecisionApprove, "approved":
		return DecisionApprove, nil
	case DecisionReject, "rejected":
		return DecisionReject, nil
	}
	return "", fmt.Errorf("unknown decision %q", s)
}

// TransitionResult описывает применённый переход платежа.
type TransitionResult struct {
	Payment     model.Payment
	Order       model.Order
	From        model.PaymentStatus
	Fulfillment *FulfillmentReport
	// Superseded содержит другие попытки оплаты заказа, закрытые при его оплате.
	Superseded []TransitionResult
}

type transitionInput struct {
	event     Event
	locate    func(ctx context.Context, tx repository.Tx) (*model.Payment, error)
	authorize func(order *model.Order) error
	apply     func(p *model.Payment)
}

// ConfirmGatewayPayment применяет результат оплаты, сообщённый шлюзом.
// Повторное уведомление о том же платеже возвращает ErrAlreadyFinalized и ничего не меняет.
func (s *Service) ConfirmGatewayPayment(ctx context.Context, reference string, outcome gateway.Outcome) (*TransitionResult, error) {
	var ev Event
	switch outcome {
	case gateway.OutcomeSuccess:
		ev = EventGatewaySucceeded
	case gateway.OutcomeFailure:
		ev = EventGatewayFailed
	default:
		return nil, fmt.Errorf("%w: outcome %q is not final", ErrInvalidTransition, outcome)
	}

	return s.transition(ctx, transitionInput{
		event: ev,
		locate: func(ctx context.Context, tx repository.Tx) (*model.Payment, error) {
			return tx.GetPaymentByReference(ctx, reference)
		},
	})
}

// AttachProof прикрепляет к банковскому переводу подтверждение оплаты.
// Повторная загрузка, пока платёж ждёт проверки, заменяет прежнее подтверждение.
func (s *Service) AttachProof(ctx context.Context, userID, paymentID int64, proofURL string) (*TransitionResult, error) {
	if strings.TrimSpace(proofURL) == "" {
		verr := &ValidationError{}
		verr.add("proof", 0, "required")
		return nil, verr
	}

	return s.transition(ctx, transitionInput{
		event:  EventProofAttached,
		locate: byID(paymentID),
		authorize: func(order *model.Order) error {
			return proofAllowed(order, userID)
		},
		apply: func(p *model.Payment) {
			p.ProofURL = proofURL
		},
	})
}

// CheckProofOwner проверяет, что платёж принадлежит пользователю и ещё ждёт подтверждения.
// Вызывается до загрузки файла, чтобы не складывать в хранилище чужие документы.
func (s *Service) CheckProofOwner(ctx context.Context, userID, paymentID int64) error {
	p, err := s.repo.GetPayment(ctx, paymentID)
	if err != nil {
		return err
	}
	order, err := s.repo.GetOrder(ctx, p.OrderID)
	if err != nil {
		return err
	}
	if err := proofAllowed(order, userID); err != nil {
		return err
	}
	_, err = Next(*p, EventProofAttached)
	return err
}

// proofAllowed разрешает загрузку подтверждения только владельцу неоплаченного заказа.
func proofAllowed(order *model.Order, userID int64) error {
	if order.UserID != userID {
		return ErrPaymentNotFound
	}
	if order.Status != model.OrderStatusPending {
		return fmt.Errorf("%w: order %s is %s", ErrOrderNotPayable, order.Number, order.Status)
	}
	return nil
}

// DecidePayment применяет решение администратора по банковскому переводу.
func (s *Service) DecidePayment(ctx context.Context, paymentID int64, decision Decision, notes string) (*TransitionResult, error) {
	var ev Event
	switch decision {
	case DecisionApprove:
		ev = EventAdminApproved
	case DecisionReject:
		ev = EventAdminRejected
	default:
		verr := &ValidationError{}
		verr.add("decision", 0, "must be approve or reject")
		return nil, verr
	}

	return s.transition(ctx, transitionInput{
		event:  ev,
		locate: byID(paymentID),
		apply: func(p *model.Payment) {
			if notes != "" {
				p.AdminNotes = notes
			}
		},
	})
}

// ListAwaitingApproval возвращает переводы, ожидающие решения администратора.
func (s *Service) ListAwaitingApproval(ctx context.Context, limit int) ([]model.Payment, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.repo.GetPaymentsByStatus(ctx, model.PaymentStatusAwaitingApproval, limit)
}

// CancelOrder отменяет неоплаченный заказ пользователя. Открытые попытки оплаты
// переводятся в failed через тот же автомат состояний. Заказ с переводом на проверке
// отменить нельзя: решение по нему принимает администратор.
func (s *Service) CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, error) {
	var (
		cancelled model.Order
		closed    []TransitionResult
	)

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		closed = closed[:0]

		order, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return ErrOrderNotFound
		}
		if order.Status != model.OrderStatusPending {
			return fmt.Errorf("%w: order %s is %s", ErrOrderNotCancellable, order.Number, order.Status)
		}

		payments, err := tx.GetOrderPayments(ctx, orderID)
		if err != nil {
			return err
		}
		for _, found := range payments {
			if found.Status == model.PaymentStatusAwaitingApproval {
				return fmt.Errorf("%w: payment %d is awaiting approval", ErrOrderNotCancellable, found.ID)
			}
		}
		for _, found := range payments {
			if found.Status.Terminal() {
				continue
			}
			p, err := tx.LockPayment(ctx, found.ID)
			if err != nil {
				return err
			}
			res, err := s.transitionLocked(ctx, tx, order, p, EventOrderCancelled, func(p *model.Payment) {
				p.AdminNotes = "order cancelled"
			})
			if err != nil {
				return err
			}
			closed = append(closed, *res)
		}

		if err := tx.SetOrderStatus(ctx, orderID, model.OrderStatusCancelled); err != nil {
			return err
		}
		order.Status = model.OrderStatusCancelled
		cancelled = *order
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i := range closed {
		s.afterTransition(ctx, &closed[i])
	}
	s.logger.Info("order cancelled", zap.Int64("order_id", cancelled.ID), zap.String("number", cancelled.Number))
	return &cancelled, nil
}

func byID(paymentID int64) func(ctx context.Context, tx repository.Tx) (*model.Payment, error) {
	return func(ctx context.Context, tx repository.Tx) (*model.Payment, error) {
		return tx.GetPayment(ctx, paymentID)
	}
}

// transition находит платёж, блокирует заказ и платёж (всегда в этом порядке)
// и применяет событие в одной транзакции. Уведомления уходят только после фиксации.
func (s *Service) transition(ctx context.Context, in transitionInput) (*TransitionResult, error) {
	var res *TransitionResult

	err := s.repo.InTx(ctx, func(tx repository.Tx) error {
		res = nil

		found, err := in.locate(ctx, tx)
		if err != nil {
			return err
		}
		order, err := tx.LockOrder(ctx, found.OrderID)
		if err != nil {
			return err
		}
		if in.authorize != nil {
			if err := in.authorize(order); err != nil {
				return err
			}
		}
		p, err := tx.LockPayment(ctx, found.ID)
		if err != nil {
			return err
		}

		res, err = s.transitionLocked(ctx, tx, order, p, in.event, in.apply)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.afterTransition(ctx, res)
	return res, nil
}

// transitionLocked применяет событие к уже заблокированным заказу и платежу.
// Переход в completed сразу выполняет заказ в той же транзакции.
func (s *Service) transitionLocked(ctx context.Context, tx repository.Tx, order *model.Order, p *model.Payment, ev Event, apply func(*model.Payment)) (*TransitionResult, error) {
	to, err := Next(*p, ev)
	if err != nil {
		return nil, err
	}
	from := p.Status

	var siblings []model.Payment
	if to == model.PaymentStatusCompleted {
		if order.Status != model.OrderStatusPending {
			return nil, fmt.Errorf("%w: order %s is %s", ErrAlreadyFinalized, order.Number, order.Status)
		}
		payments, err := tx.GetOrderPayments(ctx, order.ID)
		if err != nil {
			return nil, err
		}
		for _, other := range payments {
			if other.ID == p.ID {
				continue
			}
			if other.Status == model.PaymentStatusCompleted {
				return nil, fmt.Errorf("%w: order %s already paid by payment %d", ErrAlreadyFinalized, order.Number, other.ID)
			}
			if !other.Status.Terminal() {
				siblings = append(siblings, other)
			}
		}
	}

	p.Status = to
	if apply != nil {
		apply(p)
	}
	if err := tx.UpdatePaymentStatus(ctx, p, from); err != nil {
		if errors.Is(err, repository.ErrStaleStatus) || errors.Is(err, repository.ErrCompletedPaymentExists) {
			return nil, fmt.Errorf("%w: payment %d", ErrAlreadyFinalized, p.ID)
		}
		return nil, err
	}

	res := &TransitionResult{Payment: *p, Order: *order, From: from}
	if to != model.PaymentStatusCompleted {
		return res, nil
	}

	report, err := s.fulfill(ctx, tx, order)
	if err != nil {
		return nil, err
	}
	res.Fulfillment = report
	res.Order = *order

	res.Superseded, err = s.supersede(ctx, tx, order, p.ID, siblings)
	if err != nil {
		return nil, err
	}
	return res, nil
}

// supersede переводит в failed остальные открытые попытки оплаты заказа.
// Заказ уже заблокирован вызывающим, поэтому платежи блокируются после него.
func (s *Service) supersede(ctx context.Context, tx repository.Tx, order *model.Order, paidBy int64, siblings []model.Payment) ([]TransitionResult, error) {
	var closed []TransitionResult
	for _, found := range siblings {
		p, err := tx.LockPayment(ctx, found.ID)
		if err != nil {
			return nil, err
		}
		to, err := Next(*p, EventSuperseded)
		if err != nil {
			continue
		}
		from := p.Status
		p.Status = to
		p.AdminNotes = fmt.Sprintf("order paid by payment %d", paidBy)
		if err := tx.UpdatePaymentStatus(ctx, p, from); err != nil {
			return nil, fmt.Errorf("supersede payment %d: %w", p.ID, err)
		}
		closed = append(closed, TransitionResult{Payment: *p, Order: *order, From: from})
	}
	return closed, nil
}

func (s *Service) afterTransition(ctx context.Context, res *TransitionResult) {
	s.metrics.ObserveTransition(string(res.Payment.Method), string(res.From), string(res.Payment.Status))
	s.logger.Info("payment status changed",
		zap.Int64("payment_id", res.Payment.ID),
		zap.Int64("order_id", res.Order.ID),
		zap.String("method", string(res.Payment.Method)),
		zap.String("from", string(res.From)),
		zap.String("to", string(res.Payment.Status)),
	)

	for i := range res.Superseded {
		s.afterTransition(ctx, &res.Superseded[i])
	}

	if res.Fulfillment != nil {
		s.afterFulfillment(ctx, res.Order, res.Fulfillment)
	}
}
