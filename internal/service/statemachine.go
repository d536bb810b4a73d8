package service

import (
	"fmt"

	"github.com/mmeshcher/bookshelf/internal/model"
)

// Event описывает событие, меняющее статус платежа.
type Event string

const (
	EventGatewaySucceeded Event = "gateway_succeeded"
	EventGatewayFailed    Event = "gateway_failed"
	EventProofAttached    Event = "proof_attached"
	EventAdminApproved    Event = "admin_approved"
	EventAdminRejected    Event = "admin_rejected"
	EventOrderCancelled   Event = "order_cancelled"
	// EventSuperseded закрывает открытую попытку, когда заказ оплачен другой попыткой.
	EventSuperseded Event = "superseded"
)

type transitionKey struct {
	from  model.PaymentStatus
	event Event
}

// Единственная таблица допустимых переходов. Любая пара, которой здесь нет, запрещена.
var transitions = map[transitionKey]model.PaymentStatus{
	{model.PaymentStatusPending, EventGatewaySucceeded}: model.PaymentStatusCompleted,
	{model.PaymentStatusPending, EventGatewayFailed}:    model.PaymentStatusFailed,

	{model.PaymentStatusPending, EventProofAttached}:          model.PaymentStatusAwaitingApproval,
	{model.PaymentStatusAwaitingApproval, EventProofAttached}: model.PaymentStatusAwaitingApproval,
	{model.PaymentStatusAwaitingApproval, EventAdminApproved}: model.PaymentStatusCompleted,
	{model.PaymentStatusAwaitingApproval, EventAdminRejected}: model.PaymentStatusFailed,

	{model.PaymentStatusPending, EventOrderCancelled}: model.PaymentStatusFailed,

	{model.PaymentStatusPending, EventSuperseded}:          model.PaymentStatusFailed,
	{model.PaymentStatusAwaitingApproval, EventSuperseded}: model.PaymentStatusFailed,
}

// События, допустимые только для одного способа оплаты.
var eventMethods = map[Event]model.PaymentMethod{
	EventGatewaySucceeded: model.PaymentMethodGateway,
	EventGatewayFailed:    model.PaymentMethodGateway,
	EventProofAttached:    model.PaymentMethodBankTransfer,
	EventAdminApproved:    model.PaymentMethodBankTransfer,
	EventAdminRejected:    model.PaymentMethodBankTransfer,
}

// Next возвращает статус, в который платёж p переходит по событию ev.
// Для завершённого платежа возвращается ErrAlreadyFinalized, для недопустимой пары ErrInvalidTransition.
func Next(p model.Payment, ev Event) (model.PaymentStatus, error) {
	if p.Status.Terminal() {
		return "", fmt.Errorf("%w: payment %d is %s", ErrAlreadyFinalized, p.ID, p.Status)
	}
	if m, ok := eventMethods[ev]; ok && p.Method != m {
		return "", fmt.Errorf("%w: %s is not allowed for %s payments", ErrInvalidTransition, ev, p.Method)
	}
	to, ok := transitions[transitionKey{from: p.Status, event: ev}]
	if !ok {
		return "", fmt.Errorf("%w: %s from %s", ErrInvalidTransition, ev, p.Status)
	}
	return to, nil
}
