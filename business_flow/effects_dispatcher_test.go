package businessflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func (e *testEngine) creditedPayment(t *testing.T, userID uint, externalID string, amount int64) CreditedPayment {
	t.Helper()
	ctx := context.Background()
	record := e.record(t, userID, externalID, amount)
	credit, err := e.crediting.Credit(ctx, record.ID, amount, nil)
	require.NoError(t, err)
	user, err := e.userRepo.ByID(ctx, userID)
	require.NoError(t, err)
	return CreditedPayment{
		Record:  credit.Record,
		Event:   e.channel.event(externalID, services.EventStatusPaid, amount),
		Credit:  credit,
		User:    user,
		Trigger: TriggerWebhook,
	}
}

func TestEffectsDispatcher_AllEffectsRun(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)
	payment := e.creditedPayment(t, user.ID, "fx-1", 12500)

	res := e.effects.Dispatch(context.Background(), payment)
	require.False(t, res.Failed())
	assert.NoError(t, res.Err())
	assert.Equal(t, []string{EffectUserMessage, EffectAutoPurchase, EffectAdminMessage, EffectPublish}, res.Executed)

	msgs := e.notifier.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, user.TelegramID, msgs[0].TelegramID)
	assert.Contains(t, msgs[0].Text, "12,500")
	assert.True(t, msgs[1].Admin)
	assert.Contains(t, msgs[1].Text, "fx-1")
	assert.Contains(t, msgs[1].Text, "webhook")

	published := e.publisher.published()
	require.Len(t, published, 1)
	assert.Equal(t, "fx-1", published[0]["external_id"])
	assert.Equal(t, int64(12500), published[0]["amount"])
	assert.Equal(t, int64(12500), published[0]["balance_after"])
	assert.Equal(t, TriggerWebhook, published[0]["trigger"])
}

func TestEffectsDispatcher_FailuresAreIsolated(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)
	payment := e.creditedPayment(t, user.ID, "fx-iso", 1000)

	notifier := &mockNotifier{}
	notifier.On("SendUserMessage", mock.Anything, mock.Anything).Return(errors.New("telegram down"))
	notifier.On("SendAdminMessage", mock.Anything).Return(nil)
	publisher := &recordingPublisher{panicMsg: "broker exploded"}

	dispatcher := NewEffectsDispatcher(notifier, e.purchaser, publisher, "payment.credited", time.Second, e.auditRepo, zap.NewNop())
	res := dispatcher.Dispatch(context.Background(), payment)

	assert.Len(t, res.Executed, 4)
	require.Len(t, res.Errors, 2)
	assert.Equal(t, EffectUserMessage, res.Errors[0].Effect)
	assert.Equal(t, EffectPublish, res.Errors[1].Effect)
	for _, fe := range res.Errors {
		assert.ErrorIs(t, fe, ErrDownstreamEffectFailure)
	}
	assert.True(t, IsDownstreamEffectFailure(res.Err()))
	assert.Contains(t, res.Errors[1].Error(), "broker exploded")
	notifier.AssertCalled(t, "SendAdminMessage", mock.Anything)

	logs, err := e.auditRepo.ListByAction(context.Background(), models.AuditActionEffectFailed, 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 2)

	// the credit itself is untouched
	assert.Equal(t, int64(1000), e.balance(t, user.ID))
}

func TestEffectsDispatcher_AutoPurchase(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)
	cart, err := e.fixtures.CreateTestSavedCart(user.ID, "Pro <monthly>", 800)
	require.NoError(t, err)

	payment := e.creditedPayment(t, user.ID, "fx-cart", 1000)
	res := e.effects.Dispatch(context.Background(), payment)
	require.False(t, res.Failed(), "%v", res.Err())

	assert.Equal(t, int64(200), e.balance(t, user.ID))
	e.assertLedgerBalanced(t, user.ID)

	purchases := e.completedTransactions(t, models.PaymentMethodBalance, cartExternalID(cart.ID))
	require.Len(t, purchases, 1)
	assert.Equal(t, models.TransactionTypeSubscriptionPayment, purchases[0].Type)
	assert.Equal(t, int64(800), purchases[0].Amount)

	reloaded, err := e.cartRepo.ByID(context.Background(), cart.ID)
	require.NoError(t, err)
	assert.True(t, reloaded.IsPurchased)
	require.NotNil(t, reloaded.TransactionID)
	assert.Equal(t, purchases[0].ID, *reloaded.TransactionID)

	msgs := e.notifier.Messages()
	require.Len(t, msgs, 3)
	assert.Contains(t, msgs[1].Text, "Pro &lt;monthly&gt;")
	assert.Contains(t, msgs[1].Text, "200")

	has, err := e.purchaser.HasSavedCart(context.Background(), user.ID)
	require.NoError(t, err)
	assert.False(t, has)
}

func TestEffectsDispatcher_CartNotAffordable(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)
	_, err := e.fixtures.CreateTestSavedCart(user.ID, "Enterprise", 5000)
	require.NoError(t, err)

	payment := e.creditedPayment(t, user.ID, "fx-poor", 1000)
	res := e.effects.Dispatch(context.Background(), payment)
	assert.False(t, res.Failed())
	assert.Equal(t, int64(1000), e.balance(t, user.ID))

	has, err := e.purchaser.HasSavedCart(context.Background(), user.ID)
	require.NoError(t, err)
	assert.True(t, has)

	_, err = e.purchaser.AttemptAutoPurchase(context.Background(), payment.User)
	assert.True(t, IsInsufficientFunds(err))
}

func TestEffectsDispatcher_SkipsAlreadyCredited(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)
	payment := e.creditedPayment(t, user.ID, "fx-dup", 1000)
	payment.Credit = &CreditResult{Record: payment.Record, AlreadyCredited: true}

	res := e.effects.Dispatch(context.Background(), payment)
	assert.Empty(t, res.Executed)
	assert.Empty(t, e.notifier.Messages())
	assert.Empty(t, e.publisher.published())
}

func TestEffectsDispatcher_MissingCollaboratorsAreSkipped(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)
	payment := e.creditedPayment(t, user.ID, "fx-skip", 1000)

	dispatcher := NewEffectsDispatcher(nil, nil, nil, "", 0, e.auditRepo, nil)
	res := dispatcher.Dispatch(context.Background(), payment)
	assert.Empty(t, res.Executed)
	assert.ElementsMatch(t, []string{EffectUserMessage, EffectAutoPurchase, EffectAdminMessage, EffectPublish}, res.Skipped)
}
