package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/paymentintent"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mmeshcher/bookshelf/internal/model"
)

const stripeReferenceKey = "reference"

// StripeGateway создаёт платежи через Stripe PaymentIntents.
type StripeGateway struct{}

// NewStripeGateway настраивает ключ Stripe и возвращает шлюз.
func NewStripeGateway(secretKey string) *StripeGateway {
	stripe.Key = secretKey
	return &StripeGateway{}
}

// InitiatePayment создаёт PaymentIntent. Ссылка платежа используется как ключ идемпотентности.
func (g *StripeGateway) InitiatePayment(ctx context.Context, req PaymentRequest) (*Session, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(minorUnits(req.Amount)),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
		Description: stripe.String(req.Description),
		Metadata: map[string]string{
			stripeReferenceKey: req.Reference,
			"order_number":     req.OrderNumber,
		},
	}
	if req.Customer.Email != "" {
		params.ReceiptEmail = stripe.String(req.Customer.Email)
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(req.Reference)

	intent, err := paymentintent.New(params)
	if err != nil {
		return nil, classifyStripeError(err)
	}

	return &Session{
		ProviderID:   intent.ID,
		ClientSecret: intent.ClientSecret,
	}, nil
}

// PaymentStatus возвращает состояние PaymentIntent, созданного для платежа.
func (g *StripeGateway) PaymentStatus(ctx context.Context, p model.Payment) (Outcome, error) {
	if p.ProviderID == "" {
		return OutcomePending, nil
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := paymentintent.Get(p.ProviderID, params)
	if err != nil {
		return "", classifyStripeError(err)
	}

	switch intent.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return OutcomeSuccess, nil
	case stripe.PaymentIntentStatusCanceled:
		return OutcomeFailure, nil
	}
	return OutcomePending, nil
}

func classifyStripeError(err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < 500 && stripeErr.HTTPStatusCode != 429 {
		return fmt.Errorf("stripe: %w", err)
	}
	return fmt.Errorf("%w: %v", ErrUnavailable, err)
}

// StripeNotification содержит результат разбора webhook-события Stripe.
type StripeNotification struct {
	Type      string
	Reference string
	Outcome   Outcome
}

// ErrWebhookSecretMissing возвращается, если секрет для проверки подписи webhook не задан.
var ErrWebhookSecretMissing = errors.New("webhook signing secret is not configured")

// ParseStripeEvent проверяет подпись webhook-события и извлекает ссылку платежа.
// Для событий, не относящихся к оплате, возвращается ok = false.
// payment_intent.payment_failed не окончателен: покупатель может повторить оплату
// тем же PaymentIntent, поэтому такое событие возвращается с OutcomePending.
func ParseStripeEvent(payload []byte, signature, secret string) (*StripeNotification, bool, error) {
	if secret == "" {
		return nil, false, ErrWebhookSecretMissing
	}

	event, err := webhook.ConstructEventWithOptions(payload, signature, secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, false, fmt.Errorf("verify event: %w", err)
	}

	var outcome Outcome
	switch string(event.Type) {
	case "payment_intent.succeeded":
		outcome = OutcomeSuccess
	case "payment_intent.canceled":
		outcome = OutcomeFailure
	case "payment_intent.payment_failed", "payment_intent.processing", "payment_intent.requires_action":
		outcome = OutcomePending
	default:
		return nil, false, nil
	}

	if event.Data == nil {
		return nil, false, fmt.Errorf("event %s has no data", event.ID)
	}

	var intent stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &intent); err != nil {
		return nil, false, fmt.Errorf("decode payment intent: %w", err)
	}

	reference := intent.Metadata[stripeReferenceKey]
	if reference == "" {
		return nil, false, fmt.Errorf("payment intent %s has no reference", intent.ID)
	}

	return &StripeNotification{
		Type:      string(event.Type),
		Reference: reference,
		Outcome:   outcome,
	}, true, nil
}
