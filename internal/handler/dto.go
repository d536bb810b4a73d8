package handler

import (
	"encoding/json"
	"time"

	"github.com/mmeshcher/bookshelf/internal/model"
	"github.com/mmeshcher/bookshelf/internal/service"
)

type orderItemResponse struct {
	BookID    int64  `json:"book_id"`
	Title     string `json:"title"`
	Format    string `json:"format"`
	Quantity  int    `json:"quantity"`
	UnitPrice string `json:"unit_price"`
	LineTotal string `json:"line_total"`
}

type orderResponse struct {
	ID              int64               `json:"id"`
	Number          string              `json:"number"`
	Status          string              `json:"status"`
	Total           string              `json:"total"`
	Currency        string              `json:"currency"`
	PaymentMethod   string              `json:"payment_method"`
	ShippingAddress *model.Address      `json:"shipping_address,omitempty"`
	BillingAddress  model.Address       `json:"billing_address"`
	Items           []orderItemResponse `json:"items,omitempty"`
	Payments        []paymentResponse   `json:"payments,omitempty"`
	CreatedAt       string              `json:"created_at"`
}

type paymentResponse struct {
	ID         int64           `json:"id"`
	OrderID    int64           `json:"order_id"`
	Method     string          `json:"method"`
	Status     string          `json:"status"`
	Amount     string          `json:"amount"`
	Currency   string          `json:"currency"`
	Reference  string          `json:"reference"`
	Descriptor json.RawMessage `json:"descriptor,omitempty"`
	ProofURL   string          `json:"proof_url,omitempty"`
	AdminNotes string          `json:"admin_notes,omitempty"`
	CreatedAt  string          `json:"created_at"`
	UpdatedAt  string          `json:"updated_at"`
}

type paymentInitResponse struct {
	Payment      paymentResponse           `json:"payment"`
	RedirectURL  string                    `json:"redirect_url,omitempty"`
	ClientSecret string                    `json:"client_secret,omitempty"`
	BankTransfer *service.BankInstructions `json:"bank_transfer,omitempty"`
}

type checkoutResponse struct {
	Error   string               `json:"error,omitempty"`
	Order   orderResponse        `json:"order"`
	Payment *paymentInitResponse `json:"payment,omitempty"`
}

type transitionResponse struct {
	Payment     paymentResponse            `json:"payment"`
	OrderStatus string                     `json:"order_status"`
	Fulfillment *service.FulfillmentReport `json:"fulfillment,omitempty"`
	Superseded  []int64                    `json:"superseded_payments,omitempty"`
}

type libraryEntryResponse struct {
	BookID    int64  `json:"book_id"`
	OrderID   int64  `json:"order_id"`
	GrantedAt string `json:"granted_at"`
}

func toOrderResponse(o model.Order, payments []model.Payment) orderResponse {
	resp := orderResponse{
		ID:              o.ID,
		Number:          o.Number,
		Status:          string(o.Status),
		Total:           o.Total.StringFixed(2),
		Currency:        o.Currency,
		PaymentMethod:   string(o.PaymentMethod),
		ShippingAddress: o.ShippingAddress,
		BillingAddress:  o.BillingAddress,
		CreatedAt:       o.CreatedAt.Format(time.RFC3339),
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, orderItemResponse{
			BookID:    it.BookID,
			Title:     it.Title,
			Format:    string(it.Format),
			Quantity:  it.Quantity,
			UnitPrice: it.UnitPrice.StringFixed(2),
			LineTotal: it.LineTotal().StringFixed(2),
		})
	}
	for _, p := range payments {
		resp.Payments = append(resp.Payments, toPaymentResponse(p))
	}
	return resp
}

func toPaymentResponse(p model.Payment) paymentResponse {
	return paymentResponse{
		ID:         p.ID,
		OrderID:    p.OrderID,
		Method:     string(p.Method),
		Status:     string(p.Status),
		Amount:     p.Amount.StringFixed(2),
		Currency:   p.Currency,
		Reference:  p.Reference,
		Descriptor: p.Descriptor,
		ProofURL:   p.ProofURL,
		AdminNotes: p.AdminNotes,
		CreatedAt:  p.CreatedAt.Format(time.RFC3339),
		UpdatedAt:  p.UpdatedAt.Format(time.RFC3339),
	}
}

func toPaymentInitResponse(res *service.PaymentResult) *paymentInitResponse {
	if res == nil {
		return nil
	}
	resp := &paymentInitResponse{
		Payment:      toPaymentResponse(res.Payment),
		BankTransfer: res.Instructions,
	}
	if res.Session != nil {
		resp.RedirectURL = res.Session.RedirectURL
		resp.ClientSecret = res.Session.ClientSecret
	}
	return resp
}

func toTransitionResponse(res *service.TransitionResult) transitionResponse {
	resp := transitionResponse{
		Payment:     toPaymentResponse(res.Payment),
		OrderStatus: string(res.Order.Status),
		Fulfillment: res.Fulfillment,
	}
	for _, sup := range res.Superseded {
		resp.Superseded = append(resp.Superseded, sup.Payment.ID)
	}
	return resp
}

type webhookAck struct {
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status,omitempty"`
}

func ackApplied(res *service.TransitionResult) webhookAck {
	return webhookAck{Status: "applied", PaymentStatus: string(res.Payment.Status)}
}

var ackIgnored = webhookAck{Status: "ignored"}
