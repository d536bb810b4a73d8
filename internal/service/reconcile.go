package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mmeshcher/bookshelf/internal/gateway"
	"github.com/mmeshcher/bookshelf/internal/model"
)

const reconcileBatch = 100

// StartReconciliation запускает фоновую сверку зависших платежей со шлюзом.
// Платёж считается зависшим, если он в pending дольше ReconcileAfter.
func (s *Service) StartReconciliation(ctx context.Context) {
	if s.gateway == nil || s.opts.ReconcileInterval <= 0 {
		return
	}

	go func() {
		ticker := time.NewTicker(s.opts.ReconcileInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.reconcileBatch(ctx)
			}
		}
	}()
}

func (s *Service) reconcileBatch(ctx context.Context) {
	before := s.now().Add(-s.opts.ReconcileAfter)
	payments, err := s.repo.GetStalePayments(ctx, model.PaymentMethodGateway, before, reconcileBatch)
	if err != nil {
		s.logger.Error("failed to load stale payments", zap.Error(err))
		return
	}

	for _, p := range payments {
		outcome, err := s.gateway.PaymentStatus(ctx, p)
		if err != nil {
			var rateErr *gateway.RateLimitError
			if errors.As(err, &rateErr) && rateErr.RetryAfter > 0 {
				timer := time.NewTimer(rateErr.RetryAfter)
				select {
				case <-ctx.Done():
					timer.Stop()
					return
				case <-timer.C:
				}
				continue
			}
			s.logger.Debug("gateway status check failed", zap.String("reference", p.Reference), zap.Error(err))
			continue
		}

		if outcome == gateway.OutcomePending {
			continue
		}

		_, err = s.ConfirmGatewayPayment(ctx, p.Reference, outcome)
		if err != nil && !errors.Is(err, ErrAlreadyFinalized) {
			s.logger.Error("failed to reconcile payment", zap.String("reference", p.Reference), zap.Error(err))
		}
	}
}
