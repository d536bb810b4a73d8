package handler

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	custommiddleware "github.com/mmeshcher/bookshelf/internal/middleware"
)

// SetupRouter настраивает HTTP-маршруты и middleware сервиса.
func (h *Handler) SetupRouter() *chi.Mux {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(custommiddleware.GzipMiddleware)
	r.Use(custommiddleware.Logger(h.logger))
	if h.opts.Metrics != nil {
		r.Use(custommiddleware.Metrics(h.opts.Metrics))
		r.Handle("/metrics", h.opts.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		if h.opts.GatewaySecret != "" {
			r.Post("/payments/confirm", h.ConfirmPayment)
		}
		if h.opts.StripeEnabled && h.opts.StripeSecret != "" {
			r.Post("/payments/stripe/webhook", h.StripeWebhook)
		}

		r.Group(func(r chi.Router) {
			r.Use(h.authMiddleware.Middleware)

			r.Get("/cart", h.GetCart)
			r.Post("/cart/items", h.AddCartItem)
			r.Delete("/cart/items/{bookID}", h.RemoveCartItem)

			r.With(h.rateLimit("checkout")).Post("/checkout", h.Checkout)

			r.Get("/orders", h.ListOrders)
			r.Get("/orders/number/{number}", h.GetOrderByNumber)
			r.Get("/orders/{id}", h.GetOrder)
			r.With(h.rateLimit("payment")).Post("/orders/{id}/payments", h.InitiatePayment)
			r.Post("/orders/{id}/cancel", h.CancelOrder)

			r.Post("/payments/{id}/proof", h.AttachProof)

			r.Get("/library", h.GetLibrary)

			r.Route("/admin", func(r chi.Router) {
				r.Use(custommiddleware.RequireAdmin)

				r.Get("/payments/awaiting", h.ListAwaitingPayments)
				r.Post("/payments/{id}/decision", h.DecidePayment)
				r.Get("/orders/{id}", h.AdminGetOrder)
				r.Post("/orders/{id}/fulfill", h.FulfillOrder)
			})
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
	})

	return r
}

func (h *Handler) rateLimit(scope string) func(http.Handler) http.Handler {
	if h.opts.Limiter == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return custommiddleware.RateLimit(h.opts.Limiter, scope, h.logger)
}

// NewServer создаёт HTTP-сервер с таймаутами для указанного адреса.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
}
