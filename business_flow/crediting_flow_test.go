package businessflow

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPaymentLedger(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	ctx := context.Background()
	user := e.user(t, 0, nil)

	t.Run("unknown external id", func(t *testing.T) {
		_, err := e.ledger.FindByExternalID(ctx, models.ProviderBankLink, "nope")
		assert.True(t, IsPaymentRecordNotFound(err))
	})

	t.Run("empty external id", func(t *testing.T) {
		_, err := e.ledger.FindByExternalID(ctx, models.ProviderBankLink, "")
		assert.True(t, IsExternalIDRequired(err))
	})

	t.Run("mark paid keeps the first paid_at", func(t *testing.T) {
		record := e.record(t, user.ID, "ledger-paid", 100)
		first := e.channel.event("ledger-paid", services.EventStatusPaid, 100)

		updated, err := e.ledger.MarkPaid(ctx, record, first)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentRecordStatusPaid, updated.Status)
		require.NotNil(t, updated.PaidAt)
		assert.True(t, updated.PaidAt.Equal(first.OccurredAt))
		assert.False(t, updated.IsCredited())

		later := e.channel.event("ledger-paid", services.EventStatusPaid, 100)
		later.OccurredAt = first.OccurredAt.Add(time.Hour)
		updated, err = e.ledger.MarkPaid(ctx, updated, later)
		require.NoError(t, err)
		assert.True(t, updated.PaidAt.Equal(first.OccurredAt))

		assert.Empty(t, e.completedTransactions(t, string(models.ProviderBankLink), "ledger-paid"))
	})

	t.Run("paid is never downgraded", func(t *testing.T) {
		record := e.record(t, user.ID, "ledger-nodown", 100)
		_, err := e.ledger.MarkPaid(ctx, record, e.channel.event("ledger-nodown", services.EventStatusPaid, 100))
		require.NoError(t, err)

		updated, err := e.ledger.MarkStatus(ctx, record, e.channel.event("ledger-nodown", services.EventStatusFailed, 0))
		require.NoError(t, err)
		assert.Equal(t, models.PaymentRecordStatusPaid, updated.Status)
	})

	t.Run("failed status narrowed by provider status", func(t *testing.T) {
		record := e.record(t, user.ID, "ledger-expired", 100)
		ev := e.channel.event("ledger-expired", services.EventStatusFailed, 0)
		ev.Metadata["bank_link_status"] = "EXPIRED"

		updated, err := e.ledger.MarkStatus(ctx, record, ev)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentRecordStatusExpired, updated.Status)

		record = e.record(t, user.ID, "ledger-cancel", 100)
		ev = e.channel.event("ledger-cancel", services.EventStatusFailed, 0)
		ev.Metadata = map[string]any{"atipay_status": "1_CanceledByUser"}
		updated, err = e.ledger.MarkStatus(ctx, record, ev)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentRecordStatusCancelled, updated.Status)
	})

	t.Run("pending only refreshes metadata", func(t *testing.T) {
		record := e.record(t, user.ID, "ledger-pending", 100)
		updated, err := e.ledger.MarkStatus(ctx, record, e.channel.event("ledger-pending", services.EventStatusPending, 0))
		require.NoError(t, err)
		assert.Equal(t, models.PaymentRecordStatusPending, updated.Status)
		assert.Contains(t, string(updated.Metadata), "event_status")
	})

	t.Run("register rejects duplicates", func(t *testing.T) {
		record := &models.PaymentRecord{UserID: user.ID, Provider: models.ProviderBankLink, ExternalID: "ledger-dup", Currency: "TMN"}
		require.NoError(t, e.ledger.Register(ctx, record))
		assert.Equal(t, models.PaymentRecordStatusPending, record.Status)

		again := &models.PaymentRecord{UserID: user.ID, Provider: models.ProviderBankLink, ExternalID: "ledger-dup", Currency: "TMN"}
		assert.True(t, IsPaymentRecordExists(e.ledger.Register(ctx, again)))
	})
}

func TestCreditingFlow_Credit(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	ctx := context.Background()

	t.Run("fresh credit", func(t *testing.T) {
		user := e.user(t, 0, nil)
		record := e.record(t, user.ID, "credit-1", 950)

		res, err := e.crediting.Credit(ctx, record.ID, 950, map[string]any{"trigger": "test"})
		require.NoError(t, err)
		assert.False(t, res.AlreadyCredited)
		require.NotNil(t, res.Transaction)
		assert.Equal(t, models.TransactionTypeDeposit, res.Transaction.Type)
		assert.Equal(t, int64(950), res.Transaction.Amount)
		assert.Equal(t, int64(0), res.BalanceBefore)
		assert.Equal(t, int64(950), res.BalanceAfter)
		assert.Equal(t, string(models.ProviderBankLink), res.Transaction.PaymentMethod)
		assert.Equal(t, "credit-1", res.Transaction.ExternalID)
		assert.True(t, res.Transaction.IsCompleted)
		require.NotNil(t, res.Record.TransactionID)
		assert.Equal(t, res.Transaction.ID, *res.Record.TransactionID)

		assert.Equal(t, int64(950), e.balance(t, user.ID))
		e.assertLedgerBalanced(t, user.ID)
	})

	t.Run("second credit is a no-op", func(t *testing.T) {
		user := e.user(t, 0, nil)
		record := e.record(t, user.ID, "credit-2", 500)

		first, err := e.crediting.Credit(ctx, record.ID, 500, nil)
		require.NoError(t, err)

		second, err := e.crediting.Credit(ctx, record.ID, 500, nil)
		require.NoError(t, err)
		assert.True(t, second.AlreadyCredited)
		require.NotNil(t, second.Transaction)
		assert.Equal(t, first.Transaction.ID, second.Transaction.ID)

		assert.Equal(t, int64(500), e.balance(t, user.ID))
		assert.Len(t, e.completedTransactions(t, string(models.ProviderBankLink), "credit-2"), 1)
	})

	t.Run("non-positive amounts are rejected without mutation", func(t *testing.T) {
		user := e.user(t, 0, nil)
		record := e.record(t, user.ID, "credit-zero", 0)

		for _, amount := range []int64{0, -10} {
			_, err := e.crediting.Credit(ctx, record.ID, amount, nil)
			assert.True(t, IsInvalidAmount(err))
		}

		reloaded, err := e.recordRepo.ByID(ctx, record.ID)
		require.NoError(t, err)
		assert.False(t, reloaded.IsCredited())
		assert.Equal(t, int64(0), e.balance(t, user.ID))
		assert.Empty(t, e.completedTransactions(t, string(models.ProviderBankLink), "credit-zero"))
	})

	t.Run("credited record ignores the replayed amount", func(t *testing.T) {
		user := e.user(t, 0, nil)
		record := e.record(t, user.ID, "credit-replay-zero", 700)

		first, err := e.crediting.Credit(ctx, record.ID, 700, nil)
		require.NoError(t, err)

		for _, amount := range []int64{0, -1} {
			res, err := e.crediting.Credit(ctx, record.ID, amount, nil)
			require.NoError(t, err)
			assert.True(t, res.AlreadyCredited)
			require.NotNil(t, res.Transaction)
			assert.Equal(t, first.Transaction.ID, res.Transaction.ID)
		}
		assert.Equal(t, int64(700), e.balance(t, user.ID))
	})

	t.Run("missing record", func(t *testing.T) {
		_, err := e.crediting.Credit(ctx, 999999, 10, nil)
		assert.True(t, IsPaymentRecordNotFound(err))
	})

	t.Run("unique index conflict resolves to already credited", func(t *testing.T) {
		user := e.user(t, 0, nil)
		record := e.record(t, user.ID, "credit-conflict", 300)

		// a completed ledger entry for the same external id that never got linked
		require.NoError(t, e.txRepo.Save(ctx, &models.Transaction{
			UserID:        user.ID,
			Type:          models.TransactionTypeDeposit,
			Amount:        300,
			BalanceAfter:  300,
			PaymentMethod: string(models.ProviderBankLink),
			ExternalID:    "credit-conflict",
			IsCompleted:   true,
		}))

		res, err := e.crediting.Credit(ctx, record.ID, 300, nil)
		require.NoError(t, err)
		assert.True(t, res.AlreadyCredited)
		require.NotNil(t, res.Transaction)
		assert.Equal(t, "credit-conflict", res.Transaction.ExternalID)
		assert.Equal(t, int64(0), e.balance(t, user.ID))
	})
}

func TestCreditingFlow_LockUncredited(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	ctx := context.Background()
	user := e.user(t, 0, nil)
	record := e.record(t, user.ID, "lock-1", 100)

	err := repository.WithTransaction(ctx, e.db.DB, func(txCtx context.Context) error {
		locked, credited, err := e.crediting.LockUncredited(txCtx, record.ID)
		require.NoError(t, err)
		assert.False(t, credited)
		assert.Equal(t, record.ID, locked.ID)
		return nil
	})
	require.NoError(t, err)

	_, err = e.crediting.Credit(ctx, record.ID, 100, nil)
	require.NoError(t, err)

	err = repository.WithTransaction(ctx, e.db.DB, func(txCtx context.Context) error {
		_, credited, err := e.crediting.LockUncredited(txCtx, record.ID)
		require.NoError(t, err)
		assert.True(t, credited)
		return nil
	})
	require.NoError(t, err)
}

func TestCreditingFlow_ConcurrentCallers(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	ctx := context.Background()
	user := e.user(t, 0, nil)
	record := e.record(t, user.ID, "race-1", 700)

	const callers = 8
	var wg sync.WaitGroup
	results := make([]*CreditResult, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.crediting.Credit(ctx, record.ID, 700, nil)
		}(i)
	}
	wg.Wait()

	fresh := 0
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		if !results[i].AlreadyCredited {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, int64(700), e.balance(t, user.ID))
	assert.Len(t, e.completedTransactions(t, string(models.ProviderBankLink), "race-1"), 1)
	e.assertLedgerBalanced(t, user.ID)
}
