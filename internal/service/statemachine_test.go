package service

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mmeshcher/bookshelf/internal/model"
)

func TestNext(t *testing.T) {
	gw := model.PaymentMethodGateway
	bank := model.PaymentMethodBankTransfer

	tests := []struct {
		name    string
		method  model.PaymentMethod
		from    model.PaymentStatus
		event   Event
		want    model.PaymentStatus
		wantErr error
	}{
		{"gateway success", gw, model.PaymentStatusPending, EventGatewaySucceeded, model.PaymentStatusCompleted, nil},
		{"gateway failure", gw, model.PaymentStatusPending, EventGatewayFailed, model.PaymentStatusFailed, nil},
		{"proof on pending transfer", bank, model.PaymentStatusPending, EventProofAttached, model.PaymentStatusAwaitingApproval, nil},
		{"proof replaced", bank, model.PaymentStatusAwaitingApproval, EventProofAttached, model.PaymentStatusAwaitingApproval, nil},
		{"approve", bank, model.PaymentStatusAwaitingApproval, EventAdminApproved, model.PaymentStatusCompleted, nil},
		{"reject", bank, model.PaymentStatusAwaitingApproval, EventAdminRejected, model.PaymentStatusFailed, nil},
		{"cancel pending", gw, model.PaymentStatusPending, EventOrderCancelled, model.PaymentStatusFailed, nil},
		{"superseded pending gateway", gw, model.PaymentStatusPending, EventSuperseded, model.PaymentStatusFailed, nil},
		{"superseded awaiting transfer", bank, model.PaymentStatusAwaitingApproval, EventSuperseded, model.PaymentStatusFailed, nil},

		{"approve without proof", bank, model.PaymentStatusPending, EventAdminApproved, "", ErrInvalidTransition},
		{"gateway event on transfer", bank, model.PaymentStatusPending, EventGatewaySucceeded, "", ErrInvalidTransition},
		{"admin event on gateway", gw, model.PaymentStatusPending, EventAdminApproved, "", ErrInvalidTransition},
		{"proof on gateway", gw, model.PaymentStatusPending, EventProofAttached, "", ErrInvalidTransition},
		{"cancel awaiting", bank, model.PaymentStatusAwaitingApproval, EventOrderCancelled, "", ErrInvalidTransition},

		{"completed is terminal", gw, model.PaymentStatusCompleted, EventGatewayFailed, "", ErrAlreadyFinalized},
		{"failed is terminal", bank, model.PaymentStatusFailed, EventProofAttached, "", ErrAlreadyFinalized},
		{"superseded completed", bank, model.PaymentStatusCompleted, EventSuperseded, "", ErrAlreadyFinalized},
		{"refunded is terminal", gw, model.PaymentStatusRefunded, EventGatewaySucceeded, "", ErrAlreadyFinalized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Next(model.Payment{ID: 1, Method: tt.method, Status: tt.from}, tt.event)
			if tt.wantErr != nil {
				require.Error(t, err)
				assert.True(t, errors.Is(err, tt.wantErr), "got %v", err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
