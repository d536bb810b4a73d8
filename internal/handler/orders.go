package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/service"
)

type cartItemRequest struct {
	BookID   int64 `json:"book_id"`
	Quantity int   `json:"quantity"`
}

// GetCart возвращает корзину текущего пользователя.
func (h *Handler) GetCart(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	cart, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "get cart error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// AddCartItem добавляет книгу в корзину с проверкой остатка.
func (h *Handler) AddCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req cartItemRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Quantity == 0 {
		req.Quantity = 1
	}

	if err := h.service.AddToCart(r.Context(), userID, req.BookID, req.Quantity); err != nil {
		h.writeServiceError(w, err, "add to cart error", zap.Int64("userID", userID), zap.Int64("bookID", req.BookID))
		return
	}

	cart, err := h.service.GetCart(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "get cart error", zap.Int64("userID", userID))
		return
	}
	writeJSON(w, http.StatusOK, cart)
}

// RemoveCartItem удаляет книгу из корзины.
func (h *Handler) RemoveCartItem(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	bookID, ok := pathID(w, r, "bookID")
	if !ok {
		return
	}

	if err := h.service.RemoveFromCart(r.Context(), userID, bookID); err != nil {
		h.writeServiceError(w, err, "remove from cart error", zap.Int64("userID", userID), zap.Int64("bookID", bookID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type checkoutRequest struct {
	PaymentMethod   string         `json:"payment_method"`
	ShippingAddress *model.Address `json:"shipping_address"`
	BillingAddress  model.Address  `json:"billing_address"`
}

// Checkout оформляет заказ из корзины и начинает оплату.
// При недоступном шлюзе возвращает 503 вместе с созданным заказом, чтобы клиент мог повторить оплату.
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	var req checkoutRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.Checkout(r.Context(), service.CheckoutRequest{
		UserID:          userID,
		PaymentMethod:   model.PaymentMethod(req.PaymentMethod),
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
	})
	if err != nil {
		if errors.Is(err, service.ErrGatewayUnavailable) && res != nil {
			w.Header().Set("Retry-After", "30")
			writeJSON(w, http.StatusServiceUnavailable, checkoutResponse{
				Error:   "payment gateway unavailable, retry payment later",
				Order:   toOrderResponse(res.Order, nil),
				Payment: toPaymentInitResponse(res.Payment),
			})
			return
		}
		h.writeServiceError(w, err, "checkout error", zap.Int64("userID", userID))
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		Order:   toOrderResponse(res.Order, nil),
		Payment: toPaymentInitResponse(res.Payment),
	})
}

type initiatePaymentRequest struct {
	PaymentMethod string `json:"payment_method"`
}

// InitiatePayment начинает новую попытку оплаты заказа или возвращает открытую.
func (h *Handler) InitiatePayment(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req initiatePaymentRequest
	if r.ContentLength != 0 && !decodeJSON(w, r, &req) {
		return
	}

	res, err := h.service.InitiatePayment(r.Context(), userID, orderID, model.PaymentMethod(req.PaymentMethod))
	if err != nil {
		h.writeServiceError(w, err, "initiate payment error", zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}
	writeJSON(w, http.StatusCreated, toPaymentInitResponse(res))
}

// GetOrder возвращает заказ текущего пользователя вместе с попытками оплаты.
func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	details, err := h.service.GetOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, err, "get order error", zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(details.Order, details.Payments))
}

// GetOrderByNumber возвращает заказ текущего пользователя по номеру.
func (h *Handler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	number := chi.URLParam(r, "number")

	details, err := h.service.GetOrderByNumber(r.Context(), userID, number)
	if err != nil {
		h.writeServiceError(w, err, "get order by number error", zap.Int64("userID", userID), zap.String("number", number))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(details.Order, details.Payments))
}

// ListOrders возвращает заказы текущего пользователя.
func (h *Handler) ListOrders(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	orders, err := h.service.ListOrders(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "list orders error", zap.Int64("userID", userID))
		return
	}

	if len(orders) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o, nil))
	}
	writeJSON(w, http.StatusOK, resp)
}

// CancelOrder отменяет неоплаченный заказ текущего пользователя.
func (h *Handler) CancelOrder(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	order, err := h.service.CancelOrder(r.Context(), userID, orderID)
	if err != nil {
		h.writeServiceError(w, err, "cancel order error", zap.Int64("userID", userID), zap.Int64("orderID", orderID))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(*order, nil))
}

// GetLibrary возвращает цифровые книги текущего пользователя.
func (h *Handler) GetLibrary(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	entries, err := h.service.GetLibrary(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, err, "get library error", zap.Int64("userID", userID))
		return
	}

	if len(entries) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]libraryEntryResponse, 0, len(entries))
	for _, e := range entries {
		resp = append(resp, libraryEntryResponse{
			BookID:    e.BookID,
			OrderID:   e.OrderID,
			GrantedAt: e.GrantedAt.Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}
