package businessflow

import (
	"context"
	"testing"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// creditAndRefer credits a fresh record for user and runs the cascade on it
func (e *testEngine) creditAndRefer(t *testing.T, userID uint, externalID string, amount int64) (*CreditResult, *ReferralResult) {
	t.Helper()
	ctx := context.Background()
	record := e.record(t, userID, externalID, amount)
	credit, err := e.crediting.Credit(ctx, record.ID, amount, nil)
	require.NoError(t, err)
	require.False(t, credit.AlreadyCredited)
	res, err := e.referral.Apply(ctx, credit)
	require.NoError(t, err)
	return credit, res
}

func (e *testEngine) earnings(t *testing.T, referrerID uint) []*models.ReferralEarning {
	t.Helper()
	out, err := e.earningRepo.ByFilter(context.Background(), models.ReferralEarningFilter{ReferrerUserID: &referrerID}, "id ASC", 0, 0)
	require.NoError(t, err)
	return out
}

func TestReferralFlow_FirstTopupThenCommission(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	referrer := e.user(t, 0, nil)
	referred := e.user(t, 0, &referrer.ID)

	credit, res := e.creditAndRefer(t, referred.ID, "ref-first", 1000)
	assert.True(t, res.FirstTopupClaimed)
	require.Len(t, res.Payouts, 2)

	bonus := res.Payouts[0]
	assert.Equal(t, referred.ID, bonus.UserID)
	assert.Equal(t, int64(20), bonus.Amount)
	assert.Equal(t, models.PaymentMethodReferralBonus, bonus.PaymentMethod)
	assert.Equal(t, models.ReferralReasonFirstTopupBonus, bonus.Reason)

	// max(inviter fixed 50, 10% of 1000)
	commission := res.Payouts[1]
	assert.Equal(t, referrer.ID, commission.UserID)
	assert.Equal(t, int64(100), commission.Amount)
	assert.Equal(t, models.PaymentMethodReferral, commission.PaymentMethod)
	assert.Equal(t, referralExternalID(credit.Transaction.ID, models.ReferralReasonFirstTopupBonus), commission.ExternalID)
	assert.Equal(t, int64(100), res.Total())

	assert.Equal(t, int64(100), e.balance(t, referrer.ID))
	assert.Equal(t, int64(1020), e.balance(t, referred.ID))

	_, res = e.creditAndRefer(t, referred.ID, "ref-second", 500)
	assert.False(t, res.FirstTopupClaimed)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, models.ReferralReasonOngoingCommission, res.Payouts[0].Reason)
	assert.Equal(t, int64(50), res.Payouts[0].Amount)

	assert.Equal(t, int64(150), e.balance(t, referrer.ID))
	assert.Equal(t, int64(1520), e.balance(t, referred.ID))

	earnings := e.earnings(t, referrer.ID)
	require.Len(t, earnings, 2)
	assert.Equal(t, referred.ID, earnings[0].ReferralUserID)
	assert.Equal(t, int64(100), earnings[0].Amount)
	assert.Equal(t, int64(50), earnings[1].Amount)

	total, err := e.earningRepo.TotalByReferrer(context.Background(), referrer.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(150), total)

	e.assertLedgerBalanced(t, referrer.ID)
	e.assertLedgerBalanced(t, referred.ID)
}

func TestReferralFlow_FixedBonusWinsOnSmallCommission(t *testing.T) {
	cfg := testReconciliationConfig()
	cfg.CommissionPercent = 2
	e := newTestEngine(t, cfg)
	referrer := e.user(t, 0, nil)
	referred := e.user(t, 0, &referrer.ID)

	_, res := e.creditAndRefer(t, referred.ID, "ref-fixed", 1000)
	require.Len(t, res.Payouts, 2)
	assert.Equal(t, int64(50), res.Payouts[1].Amount)
	assert.Equal(t, int64(50), e.balance(t, referrer.ID))
}

func TestReferralFlow_BelowMinimumKeepsBonusForLater(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	referrer := e.user(t, 0, nil)
	referred := e.user(t, 0, &referrer.ID)

	_, res := e.creditAndRefer(t, referred.ID, "ref-small", 400)
	assert.False(t, res.FirstTopupClaimed)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, models.ReferralReasonOngoingCommission, res.Payouts[0].Reason)
	assert.Equal(t, int64(40), res.Payouts[0].Amount)

	reloaded, err := e.userRepo.ByID(context.Background(), referred.ID)
	require.NoError(t, err)
	assert.False(t, reloaded.HasMadeFirstTopup)

	_, res = e.creditAndRefer(t, referred.ID, "ref-big", 2000)
	assert.True(t, res.FirstTopupClaimed)
	require.Len(t, res.Payouts, 2)
	assert.Equal(t, int64(20), res.Payouts[0].Amount)
	assert.Equal(t, int64(200), res.Payouts[1].Amount)

	assert.Equal(t, int64(240), e.balance(t, referrer.ID))
	assert.Equal(t, int64(2420), e.balance(t, referred.ID))
}

func TestReferralFlow_ForfeitBelowMinimum(t *testing.T) {
	cfg := testReconciliationConfig()
	cfg.ForfeitFirstBonusBelowMinimum = true
	e := newTestEngine(t, cfg)
	referrer := e.user(t, 0, nil)
	referred := e.user(t, 0, &referrer.ID)

	_, res := e.creditAndRefer(t, referred.ID, "forfeit-small", 400)
	assert.True(t, res.FirstTopupClaimed)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, models.ReferralReasonOngoingCommission, res.Payouts[0].Reason)

	_, res = e.creditAndRefer(t, referred.ID, "forfeit-big", 2000)
	assert.False(t, res.FirstTopupClaimed)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, models.ReferralReasonOngoingCommission, res.Payouts[0].Reason)
	assert.Equal(t, int64(200), res.Payouts[0].Amount)

	assert.Equal(t, int64(2400), e.balance(t, referred.ID))
}

func TestReferralFlow_NoReferrer(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	user := e.user(t, 0, nil)

	_, res := e.creditAndRefer(t, user.ID, "solo", 5000)
	assert.Nil(t, res.Referrer)
	assert.Empty(t, res.Payouts)
	assert.Zero(t, res.Total())
	assert.Equal(t, int64(5000), e.balance(t, user.ID))
}

func TestReferralFlow_PercentOverride(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	referrer := e.user(t, 0, nil)
	require.NoError(t, e.db.DB.Model(&models.User{}).
		Where("id = ?", referrer.ID).
		Update("referral_commission_percent", 25).Error)
	referred := e.user(t, 0, &referrer.ID)
	require.NoError(t, e.db.DB.Model(&models.User{}).
		Where("id = ?", referred.ID).
		Update("has_made_first_topup", true).Error)

	// 25% of 333 = 83.25
	_, res := e.creditAndRefer(t, referred.ID, "override", 333)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, int64(83), res.Payouts[0].Amount)

	// 25% of 2 = 0.5 rounds half up
	_, res = e.creditAndRefer(t, referred.ID, "override-half", 2)
	require.Len(t, res.Payouts, 1)
	assert.Equal(t, int64(1), res.Payouts[0].Amount)
}

func TestReferralFlow_ReplayIsIdempotent(t *testing.T) {
	e := newTestEngine(t, testReconciliationConfig())
	ctx := context.Background()
	referrer := e.user(t, 0, nil)
	referred := e.user(t, 0, &referrer.ID)
	require.NoError(t, e.db.DB.Model(&models.User{}).
		Where("id = ?", referred.ID).
		Update("has_made_first_topup", true).Error)

	credit, res := e.creditAndRefer(t, referred.ID, "replay", 1000)
	require.Len(t, res.Payouts, 1)
	assert.False(t, res.Payouts[0].Duplicate)

	again, err := e.referral.Apply(ctx, credit)
	require.NoError(t, err)
	require.Len(t, again.Payouts, 1)
	assert.True(t, again.Payouts[0].Duplicate)
	assert.Equal(t, res.Payouts[0].Transaction.ID, again.Payouts[0].Transaction.ID)
	assert.Zero(t, again.Total())

	assert.Equal(t, int64(100), e.balance(t, referrer.ID))
	assert.Len(t, e.earnings(t, referrer.ID), 1)

	skipped, err := e.referral.Apply(ctx, &CreditResult{AlreadyCredited: true, Transaction: credit.Transaction})
	require.NoError(t, err)
	assert.Empty(t, skipped.Payouts)

	count, err := e.txRepo.Count(ctx, models.TransactionFilter{
		PaymentMethod: utils.ToPtr(models.PaymentMethodReferral),
		UserID:        &referrer.ID,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
