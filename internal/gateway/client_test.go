package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/mmeshcher/bookshelf/internal/model"
)

func TestInitiatePayment_OK(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/payments", r.URL.Path)
		assert.Equal(t, "ref-1", r.Header.Get(IdempotencyHeader))

		var req createPaymentRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "35.00", req.Amount)
		assert.Equal(t, "EUR", req.Currency)
		assert.Equal(t, "reader@example.com", req.Customer.Email)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_ = json.NewEncoder(w).Encode(createPaymentResponse{ID: "gw-42", RedirectURL: "https://pay.example/gw-42"})
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", time.Second)

	session, err := client.InitiatePayment(context.Background(), PaymentRequest{
		Reference: "ref-1",
		Amount:    decimal.RequireFromString("35"),
		Currency:  "EUR",
		Customer:  model.Customer{UserID: 1, Email: "reader@example.com"},
	})
	require.NoError(t, err)
	assert.Equal(t, "gw-42", session.ProviderID)
	assert.Equal(t, "https://pay.example/gw-42", session.RedirectURL)
}

func TestInitiatePayment_ServerErrorIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", time.Second)

	_, err := client.InitiatePayment(context.Background(), PaymentRequest{Reference: "ref-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestInitiatePayment_TimeoutIsUnavailable(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", 20*time.Millisecond)

	_, err := client.InitiatePayment(context.Background(), PaymentRequest{Reference: "ref-1"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestInitiatePayment_NotConfigured(t *testing.T) {
	var client *Client

	_, err := client.InitiatePayment(context.Background(), PaymentRequest{})
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestPaymentStatus(t *testing.T) {
	tests := []struct {
		name    string
		code    int
		body    string
		want    Outcome
		wantErr bool
	}{
		{name: "succeeded", code: http.StatusOK, body: `{"reference":"ref-1","status":"succeeded"}`, want: OutcomeSuccess},
		{name: "cancelled", code: http.StatusOK, body: `{"reference":"ref-1","status":"cancelled"}`, want: OutcomeFailure},
		{name: "processing", code: http.StatusOK, body: `{"reference":"ref-1","status":"processing"}`, want: OutcomePending},
		{name: "unknown to gateway", code: http.StatusNotFound, want: OutcomePending},
		{name: "no content", code: http.StatusNoContent, want: OutcomePending},
		{name: "server error", code: http.StatusInternalServerError, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/payments/ref-1", r.URL.Path)
				w.WriteHeader(tt.code)
				if tt.body != "" {
					_, _ = w.Write([]byte(tt.body))
				}
			}))
			defer ts.Close()

			client := NewClient(ts.URL, "", time.Second)

			got, err := client.PaymentStatus(context.Background(), model.Payment{Reference: "ref-1"})
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPaymentStatus_TooManyRequests(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()

	client := NewClient(ts.URL, "", time.Second)

	_, err := client.PaymentStatus(context.Background(), model.Payment{Reference: "ref-1"})

	var rateErr *RateLimitError
	require.True(t, errors.As(err, &rateErr))
	assert.Equal(t, 5*time.Second, rateErr.RetryAfter)
}

func TestVerifySignature(t *testing.T) {
	body := []byte(`{"reference":"ref-1","outcome":"success"}`)
	sig := Sign("secret", body)

	assert.True(t, VerifySignature("secret", body, sig))
	assert.False(t, VerifySignature("other", body, sig))
	assert.False(t, VerifySignature("secret", []byte(`{}`), sig))
}

func TestParseOutcome(t *testing.T) {
	for _, s := range []string{"success", "succeeded", "paid"} {
		got, err := ParseOutcome(s)
		require.NoError(t, err)
		assert.Equal(t, OutcomeSuccess, got)
	}
	for _, s := range []string{"failure", "failed", "canceled", "cancelled"} {
		got, err := ParseOutcome(s)
		require.NoError(t, err)
		assert.Equal(t, OutcomeFailure, got)
	}

	_, err := ParseOutcome("maybe")
	assert.Error(t, err)
}

const testWebhookSecret = "whsec_test"

func stripeEvent(eventType, reference string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": "evt_1",
		"object": "event",
		"type": %q,
		"data": {"object": {"id": "pi_1", "object": "payment_intent", "metadata": {"reference": %q}}}
	}`, eventType, reference))
}

func signStripe(payload []byte, secret string) string {
	return webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{Payload: payload, Secret: secret}).Header
}

func TestParseStripeEvent(t *testing.T) {
	tests := []struct {
		eventType string
		wantOK    bool
		want      Outcome
	}{
		{eventType: "payment_intent.succeeded", wantOK: true, want: OutcomeSuccess},
		{eventType: "payment_intent.canceled", wantOK: true, want: OutcomeFailure},
		{eventType: "payment_intent.payment_failed", wantOK: true, want: OutcomePending},
		{eventType: "payment_intent.processing", wantOK: true, want: OutcomePending},
		{eventType: "charge.refunded", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			payload := stripeEvent(tt.eventType, "ref-1")

			n, ok, err := ParseStripeEvent(payload, signStripe(payload, testWebhookSecret), testWebhookSecret)
			require.NoError(t, err)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				return
			}
			assert.Equal(t, "ref-1", n.Reference)
			assert.Equal(t, tt.want, n.Outcome)
		})
	}
}

func TestParseStripeEvent_RequiresSecret(t *testing.T) {
	payload := stripeEvent("payment_intent.succeeded", "ref-1")

	_, _, err := ParseStripeEvent(payload, "", "")
	assert.ErrorIs(t, err, ErrWebhookSecretMissing)
}

func TestParseStripeEvent_BadSignature(t *testing.T) {
	payload := stripeEvent("payment_intent.succeeded", "ref-1")

	_, _, err := ParseStripeEvent(payload, "t=1,v1=deadbeef", testWebhookSecret)
	assert.Error(t, err)

	_, _, err = ParseStripeEvent(payload, signStripe(payload, "whsec_other"), testWebhookSecret)
	assert.Error(t, err)

	_, _, err = ParseStripeEvent(payload, "", testWebhookSecret)
	assert.Error(t, err)
}
