package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/service"
)

const (
	maxWebhookBody = 64 << 10
	maxProofSize   = 10 << 20
)

var proofContentTypes = map[string]bool{
	"application/pdf": true,
	"image/jpeg":      true,
	"image/png":       true,
}

type confirmRequest struct {
	Reference string `json:"reference"`
	Outcome   string `json:"outcome"`
}

// ConfirmPayment принимает асинхронное уведомление шлюза о результате оплаты.
// Уведомление без действительной подписи отклоняется, пустой секрет подписью не считается.
// Повторные и неизвестные уведомления подтверждаются ответом 200, чтобы шлюз их не пересылал.
func (h *Handler) ConfirmPayment(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if h.opts.GatewaySecret == "" || !gateway.VerifySignature(h.opts.GatewaySecret, body, r.Header.Get(gateway.SignatureHeader)) {
		h.logger.Warn("gateway notification with bad signature", zap.String("remote", r.RemoteAddr))
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}

	var req confirmRequest
	if err := json.Unmarshal(body, &req); err != nil || req.Reference == "" {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	outcome, err := gateway.ParseOutcome(strings.ToLower(req.Outcome))
	if err != nil {
		writeValidation(w, service.FieldError{Field: "outcome", Reason: err.Error()})
		return
	}
	if outcome == gateway.OutcomePending {
		writeJSON(w, http.StatusOK, ackIgnored)
		return
	}

	h.applyGatewayOutcome(w, r, req.Reference, outcome)
}

// StripeWebhook принимает события Stripe о платежах.
func (h *Handler) StripeWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	n, ok, err := gateway.ParseStripeEvent(body, r.Header.Get("Stripe-Signature"), h.opts.StripeSecret)
	if err != nil {
		h.logger.Warn("invalid stripe event", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}
	if !ok || n.Reference == "" {
		writeJSON(w, http.StatusOK, ackIgnored)
		return
	}
	if n.Outcome == gateway.OutcomePending {
		h.logger.Info("stripe event is not final",
			zap.String("type", n.Type),
			zap.String("reference", n.Reference),
		)
		writeJSON(w, http.StatusOK, ackIgnored)
		return
	}

	h.applyGatewayOutcome(w, r, n.Reference, n.Outcome)
}

func (h *Handler) applyGatewayOutcome(w http.ResponseWriter, r *http.Request, reference string, outcome gateway.Outcome) {
	res, err := h.service.ConfirmGatewayPayment(r.Context(), reference, outcome)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrPaymentNotFound),
			errors.Is(err, service.ErrAlreadyFinalized),
			errors.Is(err, service.ErrInvalidTransition):
			h.logger.Info("gateway notification ignored",
				zap.String("reference", reference),
				zap.String("outcome", string(outcome)),
				zap.Error(err),
			)
			writeJSON(w, http.StatusOK, ackIgnored)
		default:
			h.logger.Error("confirm payment error", zap.String("reference", reference), zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		}
		return
	}

	writeJSON(w, http.StatusOK, ackApplied(res))
}

type proofRequest struct {
	ProofURL string `json:"proof_url"`
}

// AttachProof принимает подтверждение банковского перевода: файл в поле proof
// (multipart/form-data) или ссылку proof_url в JSON.
func (h *Handler) AttachProof(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	paymentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var proofURL string
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		u, ok := h.uploadProof(w, r, userID, paymentID)
		if !ok {
			return
		}
		proofURL = u
	} else {
		var req proofRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		if !validProofURL(req.ProofURL) {
			writeValidation(w, service.FieldError{Field: "proof_url", Reason: "must be an http(s) URL"})
			return
		}
		proofURL = req.ProofURL
	}

	res, err := h.service.AttachProof(r.Context(), userID, paymentID, proofURL)
	if err != nil {
		h.writeServiceError(w, err, "attach proof error", zap.Int64("userID", userID), zap.Int64("paymentID", paymentID))
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func (h *Handler) uploadProof(w http.ResponseWriter, r *http.Request, userID, paymentID int64) (string, bool) {
	if h.opts.Proofs == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "file uploads are not configured, send proof_url"})
		return "", false
	}

	if err := h.service.CheckProofOwner(r.Context(), userID, paymentID); err != nil {
		h.writeServiceError(w, err, "check proof owner error", zap.Int64("userID", userID), zap.Int64("paymentID", paymentID))
		return "", false
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxProofSize+1<<20)
	file, header, err := r.FormFile("proof")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
			return "", false
		}
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return "", false
	}
	defer file.Close()

	if header.Size > maxProofSize {
		http.Error(w, http.StatusText(http.StatusRequestEntityTooLarge), http.StatusRequestEntityTooLarge)
		return "", false
	}

	contentType := header.Header.Get("Content-Type")
	if !proofContentTypes[contentType] {
		writeValidation(w, service.FieldError{Field: "proof", Reason: "only PDF, JPEG and PNG files are accepted"})
		return "", false
	}

	u, err := h.opts.Proofs.SaveProof(r.Context(), paymentID, header.Filename, file, header.Size, contentType)
	if err != nil {
		h.logger.Error("save proof error", zap.Int64("paymentID", paymentID), zap.Error(err))
		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
		return "", false
	}
	return u, true
}

func validProofURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

type decisionRequest struct {
	Decision string `json:"decision"`
	Notes    string `json:"notes"`
}

// DecidePayment применяет решение администратора по банковскому переводу.
func (h *Handler) DecidePayment(w http.ResponseWriter, r *http.Request) {
	paymentID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	decision, err := service.ParseDecision(req.Decision)
	if err != nil {
		writeValidation(w, service.FieldError{Field: "decision", Reason: "must be approve or reject"})
		return
	}

	res, err := h.service.DecidePayment(r.Context(), paymentID, decision, strings.TrimSpace(req.Notes))
	if err != nil {
		h.writeServiceError(w, err, "decide payment error", zap.Int64("paymentID", paymentID))
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

// ListAwaitingPayments возвращает очередь переводов на проверку.
func (h *Handler) ListAwaitingPayments(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	payments, err := h.service.ListAwaitingApproval(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, err, "list awaiting payments error")
		return
	}

	if len(payments) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]paymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, toPaymentResponse(p))
	}
	writeJSON(w, http.StatusOK, resp)
}

// AdminGetOrder возвращает любой заказ с попытками оплаты.
func (h *Handler) AdminGetOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	details, err := h.service.GetOrderForAdmin(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err, "admin get order error", zap.Int64("orderID", orderID))
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(details.Order, details.Payments))
}

// FulfillOrder повторно выполняет оплаченный заказ.
func (h *Handler) FulfillOrder(w http.ResponseWriter, r *http.Request) {
	orderID, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	report, err := h.service.FulfillOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, err, "fulfill order error", zap.Int64("orderID", orderID))
		return
	}
	writeJSON(w, http.StatusOK, report)
}
