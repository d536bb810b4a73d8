// Package metrics содержит Prometheus-метрики сервиса.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bookshelf"

// Metrics объединяет метрики HTTP-сервера и жизненного цикла заказа.
// Методы безопасно вызывать на nil.
type Metrics struct {
	gatherer prometheus.Gatherer

	Requests    *prometheus.CounterVec
	LatencyMS   *prometheus.HistogramVec
	Checkouts   *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Fulfilled   prometheus.Counter
	Shortfalls  prometheus.Counter
}

// New создаёт и регистрирует метрики в отдельном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		gatherer: reg,
		Requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests.",
		}, []string{"route", "status"}),
		LatencyMS: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_ms",
			Help:      "HTTP request latency in milliseconds.",
			Buckets:   []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		}, []string{"route"}),
		Checkouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkouts_total",
			Help:      "Checkout attempts by payment method and result.",
		}, []string{"method", "result"}),
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_transitions_total",
			Help:      "Payment status transitions.",
		}, []string{"method", "from", "to"}),
		Fulfilled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_fulfilled_total",
			Help:      "Orders fulfilled after a completed payment.",
		}),
		Shortfalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_shortfalls_total",
			Help:      "Physical items fulfilled with insufficient stock.",
		}),
	}

	reg.MustRegister(m.Requests, m.LatencyMS, m.Checkouts, m.Transitions, m.Fulfilled, m.Shortfalls)
	return m
}

// Handler возвращает HTTP-обработчик для выгрузки метрик.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// ObserveRequest учитывает обработанный HTTP-запрос.
func (m *Metrics) ObserveRequest(route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Requests.WithLabelValues(route, status).Inc()
	m.LatencyMS.WithLabelValues(route).Observe(float64(d.Milliseconds()))
}

// ObserveCheckout учитывает попытку оформления заказа.
func (m *Metrics) ObserveCheckout(method, result string) {
	if m == nil {
		return
	}
	m.Checkouts.WithLabelValues(method, result).Inc()
}

// ObserveTransition учитывает смену статуса платежа.
func (m *Metrics) ObserveTransition(method, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(method, from, to).Inc()
}

// ObserveFulfillment учитывает выполненный заказ и число позиций с недостачей.
func (m *Metrics) ObserveFulfillment(shortfalls int) {
	if m == nil {
		return
	}
	m.Fulfilled.Inc()
	m.Shortfalls.Add(float64(shortfalls))
}
