package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	apperrors "telehealth/internal/errors"
	"telehealth/internal/gateway"
	"telehealth/internal/model"
)

func TestVerifyByReference_CompletesAndCascades(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), &appt.ID)
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", "success", 80000), nil).Once()

	result, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, model.PaymentStatusCompleted, result.Payment.Status)
	assert.NotNil(t, result.Payment.CompletedAt)
	assert.NotEmpty(t, result.Payment.GatewayResponse)

	a, err := f.appointments.FindByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentPaymentPaid, a.PaymentStatus)
	assert.Equal(t, model.AppointmentStatusScheduled, a.Status)

	require.Len(t, f.publisher.Published(), 1)
	assert.Equal(t, "TH_1_1", f.publisher.Published()[0].Reference)
	assert.Equal(t, "polling", f.publisher.Published()[0].Source)
}

func TestVerifyByReference_CompletedIsNotVerifiedAgain(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", "success", 80000), nil).Once()

	first, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})
	require.NoError(t, err)
	completedAt := *first.Payment.CompletedAt

	second, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyCompleted, second.Outcome)
	assert.True(t, completedAt.Equal(*second.Payment.CompletedAt))
	assert.Len(t, f.publisher.Published(), 1)
	f.verifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerifyByReference_NonSuccessLeavesPending(t *testing.T) {
	for _, status := range []string{"abandoned", "failed", "ongoing", "reversed"} {
		t.Run(status, func(t *testing.T) {
			f := newFixture(t)
			f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)
			f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", status, 80000), nil)

			result, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})

			require.NoError(t, err)
			assert.Equal(t, OutcomePending, result.Outcome)
			assert.Equal(t, status, result.GatewayStatus())
			assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_1_1").Status)
			assert.Empty(t, f.publisher.Published())
		})
	}
}

func TestVerifyByReference_UsesGatewayReferenceAndLinksAppointment(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil).Once()

	result, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{
		Reference:        "TH_1_1",
		GatewayReference: "T999",
		AppointmentID:    &appt.ID,
	})

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "T999", result.Payment.GatewayReference)
	require.NotNil(t, result.Payment.AppointmentID)
	assert.Equal(t, appt.ID, *result.Payment.AppointmentID)

	a, err := f.appointments.FindByID(context.Background(), appt.ID)
	require.NoError(t, err)
	assert.Equal(t, model.AppointmentPaymentPaid, a.PaymentStatus)
}

func TestVerifyByReference_GatewayReferenceCompletesOnePayment(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_A", 800, time.Now(), nil)
	f.pendingPayment(t, "TH_B", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil).Once()

	first, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_A", GatewayReference: "T999"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, first.Outcome)

	second, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_B", GatewayReference: "T999"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeTransactionUsed, second.Outcome)
	assert.False(t, second.Completed())

	assert.Equal(t, model.PaymentStatusCompleted, f.reload(t, "TH_A").Status)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_B").Status)
	assert.Len(t, f.publisher.Published(), 1)
	f.verifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerifyByReference_RefusesTransactionOwnedByAnotherPayment(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_A", 800, time.Now().Add(-time.Minute), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil).Once()
	_, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")
	require.NoError(t, err)

	f.pendingPayment(t, "TH_B", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "TH_B").Return(verification("T999", "success", 80000), nil).Once()

	result, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_B"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeTransactionUsed, result.Outcome)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_B").Status)
	assert.Len(t, f.publisher.Published(), 1)
}

func TestVerifyByReference_NotFound(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_missing"})

	assert.ErrorIs(t, err, apperrors.ErrPaymentNotFound)
	f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)
}

func TestVerifyByReference_RequiresReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "  "})

	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

func TestVerifyByReference_GatewayUnavailable(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(nil, fmt.Errorf("%w: status 503", gateway.ErrUnavailable))

	_, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})

	assert.ErrorIs(t, err, gateway.ErrUnavailable)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_1_1").Status)
}

func TestVerifyByReference_AmountMismatch(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", "success", 50000), nil)

	result, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeAmountMismatch, result.Outcome)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_1_1").Status)
	assert.Empty(t, f.publisher.Published())
}

func TestVerifyByGatewayReference_PicksMostRecentPendingWithAmount(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.pendingPayment(t, "TH_T1", 800, base, nil)
	f.pendingPayment(t, "TH_T2", 800, base.Add(time.Minute), nil)
	f.pendingPayment(t, "TH_T3", 800, base.Add(2*time.Minute), nil)
	f.pendingPayment(t, "TH_OTHER", 500, base.Add(3*time.Minute), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil).Once()

	result, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "TH_T3", result.Payment.Reference)
	assert.Equal(t, "T999", result.Payment.GatewayReference)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_T1").Status)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_T2").Status)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_OTHER").Status)
}

func TestVerifyByGatewayReference_RepeatDoesNotCompleteAnother(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.pendingPayment(t, "TH_T1", 800, base, nil)
	f.pendingPayment(t, "TH_T2", 800, base.Add(time.Minute), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil).Once()

	_, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")
	require.NoError(t, err)

	again, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")
	require.NoError(t, err)

	assert.Equal(t, OutcomeAlreadyCompleted, again.Outcome)
	assert.Equal(t, "TH_T2", again.Payment.Reference)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_T1").Status)
	f.verifier.AssertNumberOfCalls(t, "Verify", 1)
}

func TestVerifyByGatewayReference_MatchesCurrency(t *testing.T) {
	f := newFixture(t)
	base := time.Now().Add(-time.Hour)
	f.pendingPayment(t, "TH_ZAR", 800, base, nil)
	require.NoError(t, f.payments.Create(context.Background(), &model.Payment{
		Reference: "TH_NGN",
		Amount:    decimal.NewFromInt(800),
		Currency:  "NGN",
		Status:    model.PaymentStatusPending,
		CreatedAt: base.Add(time.Minute),
	}))
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil).Once()

	result, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "TH_ZAR", result.Payment.Reference)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_NGN").Status)
}

func TestVerifyByGatewayReference_NoPendingMatch(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_T1", 500, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "success", 80000), nil)

	_, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")

	require.ErrorIs(t, err, apperrors.ErrPaymentNotFound)
	var notFound *NoPendingMatchError
	require.True(t, errors.As(err, &notFound))
	assert.Equal(t, "800.00", notFound.Amount.StringFixed(2))
}

func TestVerifyByGatewayReference_NonSuccess(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_T1", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "T999").Return(verification("T999", "abandoned", 80000), nil)

	result, err := f.reconcile.VerifyByGatewayReference(context.Background(), "T999")

	require.NoError(t, err)
	assert.Equal(t, OutcomePending, result.Outcome)
	assert.Equal(t, "abandoned", result.GatewayStatus())
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_T1").Status)
}

func TestApplyWebhookEvent_CompletesFromMetadataReference(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)

	event := &gateway.Event{
		Event: gateway.EventChargeSuccess,
		Data: gateway.Transaction{
			ID:        1,
			Reference: "T999",
			Amount:    80000,
			Status:    "success",
			Metadata:  gateway.Metadata{Reference: "TH_1_1", AppointmentID: appt.ID.String()},
		},
	}

	result, err := f.reconcile.ApplyWebhookEvent(context.Background(), event)

	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, "T999", result.Payment.GatewayReference)
	require.NotNil(t, result.Payment.AppointmentID)
	assert.Equal(t, appt.ID, *result.Payment.AppointmentID)
	f.verifier.AssertNotCalled(t, "Verify", mock.Anything, mock.Anything)

	again, err := f.reconcile.ApplyWebhookEvent(context.Background(), event)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyCompleted, again.Outcome)
	assert.Len(t, f.publisher.Published(), 1)
}

func TestApplyWebhookEvent_IgnoresOtherEvents(t *testing.T) {
	f := newFixture(t)

	result, err := f.reconcile.ApplyWebhookEvent(context.Background(), &gateway.Event{Event: "transfer.success"})

	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, result.Outcome)
}

func TestApplyWebhookEvent_UnknownReference(t *testing.T) {
	f := newFixture(t)

	_, err := f.reconcile.ApplyWebhookEvent(context.Background(), &gateway.Event{
		Event: gateway.EventChargeSuccess,
		Data:  gateway.Transaction{Reference: "TH_missing", Amount: 80000, Status: "success"},
	})

	assert.ErrorIs(t, err, apperrors.ErrPaymentNotFound)
}

func TestReconcile_ConcurrentPathsCompleteOnce(t *testing.T) {
	f := newFixture(t)
	appt := f.appointment(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), &appt.ID)
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", "success", 80000), nil)

	event := &gateway.Event{
		Event: gateway.EventChargeSuccess,
		Data:  gateway.Transaction{ID: 7, Reference: "TH_1_1", Amount: 80000, Status: "success"},
	}

	const workers = 8
	outcomes := make(chan Outcome, workers*2)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			if r, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"}); err == nil {
				outcomes <- r.Outcome
			}
		}()
		go func() {
			defer wg.Done()
			if r, err := f.reconcile.ApplyWebhookEvent(context.Background(), event); err == nil {
				outcomes <- r.Outcome
			}
		}()
	}
	wg.Wait()
	close(outcomes)

	completed := 0
	for o := range outcomes {
		if o == OutcomeCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
	assert.Len(t, f.publisher.Published(), 1)
	assert.Equal(t, model.PaymentStatusCompleted, f.reload(t, "TH_1_1").Status)
}

func TestSweepPending(t *testing.T) {
	f := newFixture(t)
	old := time.Now().Add(-time.Hour)
	f.pendingPayment(t, "TH_PAID", 800, old, nil)
	f.pendingPayment(t, "TH_OPEN", 500, old.Add(time.Minute), nil)
	f.pendingPayment(t, "TH_FRESH", 300, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "TH_PAID").Return(verification("TH_PAID", "success", 80000), nil)
	f.verifier.On("Verify", mock.Anything, "TH_OPEN").Return(verification("TH_OPEN", "ongoing", 50000), nil)

	report, err := f.reconcile.SweepPending(context.Background(), 10*time.Minute, 50)

	require.NoError(t, err)
	assert.Equal(t, &SweepReport{Checked: 2, Completed: 1, Pending: 1}, report)
	assert.Equal(t, model.PaymentStatusCompleted, f.reload(t, "TH_PAID").Status)
	assert.Equal(t, model.PaymentStatusPending, f.reload(t, "TH_FRESH").Status)
	f.verifier.AssertNotCalled(t, "Verify", mock.Anything, "TH_FRESH")
}

func TestReconcile_LogsEveryAttempt(t *testing.T) {
	f := newFixture(t)
	f.pendingPayment(t, "TH_1_1", 800, time.Now(), nil)
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", "abandoned", 80000), nil).Once()
	f.verifier.On("Verify", mock.Anything, "TH_1_1").Return(verification("TH_1_1", "success", 80000), nil).Once()

	for i := 0; i < 2; i++ {
		_, err := f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: "TH_1_1"})
		require.NoError(t, err)
	}
	f.reconcile.Close()

	logs, err := f.logs.ListByReference(context.Background(), "TH_1_1")
	require.NoError(t, err)
	require.Len(t, logs, 2)

	outcomes := []string{logs[0].Outcome, logs[1].Outcome}
	assert.ElementsMatch(t, []string{string(OutcomePending), string(OutcomeCompleted)}, outcomes)
}

func TestReconcile_CloseKeepsConcurrentLogs(t *testing.T) {
	f := newFixture(t)
	const attempts = 50

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = f.reconcile.VerifyByReference(context.Background(), ReferenceRequest{Reference: fmt.Sprintf("TH_missing_%d", i)})
		}(i)
	}
	f.reconcile.Close()
	wg.Wait()

	var count int64
	require.NoError(t, f.db.Model(&model.ReconciliationLog{}).Count(&count).Error)
	assert.Equal(t, int64(attempts), count)
}
