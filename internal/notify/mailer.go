// Package notify отправляет покупателям уведомления о заказах.
package notify

import (
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/wneessen/go-mail"
	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/model"
)

const (
	queueSize   = 256
	sendTimeout = 30 * time.Second
)

var (
	confirmationTemplate = template.Must(template.New("confirmation").Parse(`<!DOCTYPE html>
<html><body>
<h2>Order {{.Number}} is confirmed</h2>
<p>Thank you for your purchase. Your payment has been received.</p>
<table>
<tr><th>Title</th><th>Format</th><th>Qty</th><th>Price</th></tr>
{{range .Items}}<tr><td>{{.Title}}</td><td>{{.Format}}</td><td>{{.Quantity}}</td><td>{{.UnitPrice.StringFixed 2}}</td></tr>
{{end}}</table>
<p><strong>Total: {{.Total.StringFixed 2}} {{.Currency}}</strong></p>
</body></html>`))

	shippingTemplate = template.Must(template.New("shipping").Parse(`<!DOCTYPE html>
<html><body>
<h2>Order {{.Number}} is being prepared for shipping</h2>
{{with .ShippingAddress}}<p>Delivery address: {{.FullName}}, {{.Line1}}, {{.PostalCode}} {{.City}}, {{.Country}}</p>{{end}}
</body></html>`))
)

type sender interface {
	DialAndSendWithContext(ctx context.Context, messages ...*mail.Msg) error
}

type message struct {
	to       string
	subject  string
	template *template.Template
	order    model.Order
}

// Mailer ставит письма в очередь и отправляет их в фоне через SMTP.
// Ошибки отправки только логируются.
type Mailer struct {
	client sender
	from   string
	queue  chan message
	logger *zap.Logger
}

// SMTPConfig содержит параметры подключения к SMTP-серверу.
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// NewMailer создаёт почтовый клиент go-mail и очередь писем.
func NewMailer(cfg SMTPConfig, logger *zap.Logger) (*Mailer, error) {
	opts := []mail.Option{
		mail.WithPort(cfg.Port),
		mail.WithTLSPolicy(mail.TLSMandatory),
	}
	if cfg.Username != "" {
		opts = append(opts,
			mail.WithSMTPAuth(mail.SMTPAuthLogin),
			mail.WithUsername(cfg.Username),
			mail.WithPassword(cfg.Password),
		)
	}

	client, err := mail.NewClient(cfg.Host, opts...)
	if err != nil {
		return nil, fmt.Errorf("create smtp client: %w", err)
	}

	return newMailer(client, cfg.From, logger), nil
}

func newMailer(client sender, from string, logger *zap.Logger) *Mailer {
	return &Mailer{
		client: client,
		from:   from,
		queue:  make(chan message, queueSize),
		logger: logger,
	}
}

// SendOrderConfirmation ставит в очередь письмо об оплаченном заказе.
func (m *Mailer) SendOrderConfirmation(ctx context.Context, order model.Order) {
	m.enqueue(message{
		to:       order.BillingAddress.Email,
		subject:  fmt.Sprintf("Order %s confirmed", order.Number),
		template: confirmationTemplate,
		order:    order,
	})
}

// SendShippingUpdate ставит в очередь письмо о подготовке бумажных книг к отправке.
func (m *Mailer) SendShippingUpdate(ctx context.Context, order model.Order) {
	m.enqueue(message{
		to:       order.BillingAddress.Email,
		subject:  fmt.Sprintf("Order %s is being prepared for shipping", order.Number),
		template: shippingTemplate,
		order:    order,
	})
}

func (m *Mailer) enqueue(msg message) {
	if msg.to == "" {
		m.logger.Warn("skip notification without recipient", zap.String("order", msg.order.Number))
		return
	}

	select {
	case m.queue <- msg:
	default:
		m.logger.Warn("notification queue is full, message dropped",
			zap.String("order", msg.order.Number), zap.String("subject", msg.subject))
	}
}

// Run отправляет письма из очереди, пока не отменён ctx.
func (m *Mailer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-m.queue:
			if err := m.send(ctx, msg); err != nil {
				m.logger.Error("send notification error", zap.Error(err),
					zap.String("order", msg.order.Number), zap.String("to", msg.to))
			}
		}
	}
}

func (m *Mailer) send(ctx context.Context, msg message) error {
	mm := mail.NewMsg()
	if err := mm.From(m.from); err != nil {
		return fmt.Errorf("set from: %w", err)
	}
	if err := mm.To(msg.to); err != nil {
		return fmt.Errorf("set to: %w", err)
	}
	mm.Subject(msg.subject)
	if err := mm.SetBodyHTMLTemplate(msg.template, msg.order); err != nil {
		return fmt.Errorf("render body: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	return m.client.DialAndSendWithContext(sendCtx, mm)
}

// LogNotifier пишет уведомления в лог. Используется, если SMTP не настроен.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// SendOrderConfirmation логирует подтверждение заказа.
func (n *LogNotifier) SendOrderConfirmation(ctx context.Context, order model.Order) {
	n.logger.Info("order confirmation", zap.String("order", order.Number), zap.String("to", order.BillingAddress.Email))
}

// SendShippingUpdate логирует уведомление о доставке.
func (n *LogNotifier) SendShippingUpdate(ctx context.Context, order model.Order) {
	n.logger.Info("shipping update", zap.String("order", order.Number), zap.String("to", order.BillingAddress.Email))
}
