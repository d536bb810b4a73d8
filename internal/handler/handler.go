// Package handler содержит HTTP-обработчики API оформления и оплаты заказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/metrics"
	"github.com/mmeshcher/bookshelf/internal/middleware"
	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/ratelimit"
	"github.com/mmeshcher/bookshelf/internal/service"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	GetCart(ctx context.Context, userID int64) (*service.Cart, error)
	AddToCart(ctx context.Context, userID, bookID int64, qty int) error
	RemoveFromCart(ctx context.Context, userID, bookID int64) error

	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	InitiatePayment(ctx context.Context, userID, orderID int64, method model.PaymentMethod) (*service.PaymentResult, error)
	GetOrder(ctx context.Context, userID, orderID int64) (*service.OrderDetails, error)
	GetOrderByNumber(ctx context.Context, userID int64, number string) (*service.OrderDetails, error)
	ListOrders(ctx context.Context, userID int64) ([]model.Order, error)
	CancelOrder(ctx context.Context, userID, orderID int64) (*model.Order, error)
	GetLibrary(ctx context.Context, userID int64) ([]model.LibraryEntry, error)

	ConfirmGatewayPayment(ctx context.Context, reference string, outcome gateway.Outcome) (*service.TransitionResult, error)
	CheckProofOwner(ctx context.Context, userID, paymentID int64) error
	AttachProof(ctx context.Context, userID, paymentID int64, proofURL string) (*service.TransitionResult, error)

	GetOrderForAdmin(ctx context.Context, orderID int64) (*service.OrderDetails, error)
	ListAwaitingApproval(ctx context.Context, limit int) ([]model.Payment, error)
	DecidePayment(ctx context.Context, paymentID int64, decision service.Decision, notes string) (*service.TransitionResult, error)
	FulfillOrder(ctx context.Context, orderID int64) (*service.FulfillmentReport, error)
}

// ProofStore сохраняет загруженные подтверждения оплаты и возвращает их адрес.
type ProofStore interface {
	SaveProof(ctx context.Context, paymentID int64, filename string, r io.Reader, size int64, contentType string) (string, error)
}

// Options содержит необязательные зависимости обработчика.
type Options struct {
	Proofs  ProofStore
	Limiter ratelimit.Limiter
	Metrics *metrics.Metrics

	// GatewaySecret проверяет подпись уведомлений шлюза. Без секрета маршрут уведомлений не подключается.
	GatewaySecret string
	StripeEnabled bool
	StripeSecret  string
}

// Handler реализует HTTP-обработчики API.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
	opts           Options
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware, opts Options) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
		opts:           opts,
	}
}

type errorResponse struct {
	Error   string               `json:"error"`
	Details []service.FieldError `json:"details,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeValidation(w http.ResponseWriter, details ...service.FieldError) {
	writeJSON(w, http.StatusUnprocessableEntity, errorResponse{Error: "validation failed", Details: details})
}

// writeServiceError переводит ошибку сервиса в HTTP-ответ. Неизвестные ошибки логируются как 500.
func (h *Handler) writeServiceError(w http.ResponseWriter, err error, msg string, fields ...zap.Field) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		writeValidation(w, verr.Errors...)
	case errors.Is(err, service.ErrGatewayUnavailable):
		w.Header().Set("Retry-After", "30")
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "payment gateway unavailable, retry later"})
	case errors.Is(err, service.ErrOrderNotFound), errors.Is(err, service.ErrPaymentNotFound):
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	case errors.Is(err, service.ErrAlreadyFinalized),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrOrderNotPayable),
		errors.Is(err, service.ErrOrderNotCancellable):
		writeJSON(w, http.StatusConflict, errorResponse{Error: err.Error()})
	default:
		h.logger.Error(msg, append(fields, zap.Error(err))...)
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
	}
}

func currentUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
	}
	return userID, ok
}

func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
		return 0, false
	}
	return id, true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return false
	}
	return true
}
