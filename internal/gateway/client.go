package gateway

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mmeshcher/bookshelf/internal/model"
)

// IdempotencyHeader передаёт шлюзу ссылку платежа, чтобы повторный запрос не создавал второй платёж.
const IdempotencyHeader = "Idempotency-Key"

// SignatureHeader содержит HMAC-SHA256 тела уведомления от шлюза.
const SignatureHeader = "X-Gateway-Signature"

// Client инкапсулирует HTTP-взаимодействие с платёжным шлюзом.
type Client struct {
	baseURL    string
	returnURL  string
	httpClient *http.Client
}

type createPaymentRequest struct {
	Reference   string         `json:"reference"`
	OrderNumber string         `json:"order_number"`
	Amount      string         `json:"amount"`
	Currency    string         `json:"currency"`
	Description string         `json:"description,omitempty"`
	ReturnURL   string         `json:"return_url,omitempty"`
	Customer    model.Customer `json:"customer"`
}

type createPaymentResponse struct {
	ID          string `json:"id"`
	RedirectURL string `json:"redirect_url"`
}

// PaymentState описывает ответ шлюза о состоянии платежа.
type PaymentState struct {
	Reference string `json:"reference"`
	Status    string `json:"status"`
}

// NewClient создаёт HTTP-клиент шлюза. Таймаут ограничивает каждый запрос.
func NewClient(baseURL, returnURL string, timeout time.Duration) *Client {
	base := strings.TrimRight(baseURL, "/")
	if base != "" && !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &Client{
		baseURL:   base,
		returnURL: returnURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// InitiatePayment создаёт платёж в шлюзе и возвращает данные для перенаправления покупателя.
func (c *Client) InitiatePayment(ctx context.Context, req PaymentRequest) (*Session, error) {
	if c == nil || c.baseURL == "" {
		return nil, fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	body, err := json.Marshal(createPaymentRequest{
		Reference:   req.Reference,
		OrderNumber: req.OrderNumber,
		Amount:      req.Amount.StringFixed(2),
		Currency:    req.Currency,
		Description: req.Description,
		ReturnURL:   c.returnURL,
		Customer:    req.Customer,
	})
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/payments", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set(IdempotencyHeader, req.Reference)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var result createPaymentResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	return &Session{
		ProviderID:  result.ID,
		RedirectURL: result.RedirectURL,
	}, nil
}

// PaymentStatus запрашивает у шлюза текущее состояние платежа.
func (c *Client) PaymentStatus(ctx context.Context, p model.Payment) (Outcome, error) {
	if c == nil || c.baseURL == "" {
		return "", fmt.Errorf("%w: client not configured", ErrUnavailable)
	}

	endpoint := fmt.Sprintf("%s/api/payments/%s", c.baseURL, url.PathEscape(p.Reference))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusTooManyRequests:
		retryAfter := time.Duration(0)
		if v := resp.Header.Get("Retry-After"); v != "" {
			if seconds, parseErr := strconv.Atoi(v); parseErr == nil {
				retryAfter = time.Duration(seconds) * time.Second
			}
		}
		return "", &RateLimitError{RetryAfter: retryAfter}
	case http.StatusNoContent, http.StatusNotFound:
		return OutcomePending, nil
	case http.StatusOK:
	default:
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var state PaymentState
	if err := json.NewDecoder(resp.Body).Decode(&state); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}

	return ParseOutcome(state.Status)
}

// Sign вычисляет подпись тела уведомления.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature проверяет подпись уведомления шлюза.
func VerifySignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(strings.TrimSpace(signature)))
}
