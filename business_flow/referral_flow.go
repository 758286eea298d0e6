package businessflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ReferralPayout is one commission or bonus credited by the cascade
type ReferralPayout struct {
	UserID        uint
	Amount        int64
	Reason        models.ReferralReason
	PaymentMethod string
	ExternalID    string
	Transaction   *models.Transaction
	Duplicate     bool
}

// ReferralResult summarizes the cascade for one primary credit
type ReferralResult struct {
	Referrer          *models.User
	Payouts           []*ReferralPayout
	FirstTopupClaimed bool
}

// Total returns the amount paid to the referrer, duplicates excluded
func (r *ReferralResult) Total() int64 {
	if r == nil || r.Referrer == nil {
		return 0
	}
	var total int64
	for _, p := range r.Payouts {
		if p.UserID == r.Referrer.ID && !p.Duplicate {
			total += p.Amount
		}
	}
	return total
}

// ReferralFlow pays referral commissions after a fresh credit
type ReferralFlow interface {
	Apply(ctx context.Context, credit *CreditResult) (*ReferralResult, error)
}

// ReferralFlowImpl implements ReferralFlow
type ReferralFlowImpl struct {
	cfg         config.ReconciliationConfig
	userRepo    repository.UserRepository
	txRepo      repository.TransactionRepository
	earningRepo repository.ReferralEarningRepository
	db          *gorm.DB
	audit       *auditor
	logger      *zap.Logger
}

func NewReferralFlow(
	cfg config.ReconciliationConfig,
	userRepo repository.UserRepository,
	txRepo repository.TransactionRepository,
	earningRepo repository.ReferralEarningRepository,
	auditRepo repository.AuditLogRepository,
	db *gorm.DB,
	logger *zap.Logger,
) ReferralFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ReferralFlowImpl{
		cfg:         cfg,
		userRepo:    userRepo,
		txRepo:      txRepo,
		earningRepo: earningRepo,
		db:          db,
		audit:       newAuditor(auditRepo, logger),
		logger:      logger,
	}
}

// Apply runs the cascade for a freshly credited deposit. Replays of the same
// credit find the payouts already in the ledger and do nothing.
func (f *ReferralFlowImpl) Apply(ctx context.Context, credit *CreditResult) (*ReferralResult, error) {
	result := &ReferralResult{}
	if credit == nil || credit.AlreadyCredited || credit.Transaction == nil {
		return result, nil
	}
	source := credit.Transaction

	user, err := f.userRepo.ByID(ctx, source.UserID)
	if err != nil {
		return nil, NewBusinessError("USER_LOOKUP_FAILED", "Failed to lookup user", err)
	}
	if user == nil {
		return nil, NewBusinessErrorf("USER_NOT_FOUND", "User %d not found", ErrUserNotFound, source.UserID)
	}
	if !user.HasReferrer() {
		return result, nil
	}

	referrer, err := f.userRepo.ByID(ctx, *user.ReferrerID)
	if err != nil {
		return nil, NewBusinessError("USER_LOOKUP_FAILED", "Failed to lookup referrer", err)
	}
	if referrer == nil {
		f.logger.Warn("referrer no longer exists",
			zap.Uint("user_id", user.ID),
			zap.Uint("referrer_id", *user.ReferrerID))
		return result, nil
	}
	result.Referrer = referrer

	commission := f.commission(referrer, source.Amount)

	err = repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		result.Payouts = nil
		result.FirstTopupClaimed = false

		firstBonus := false
		if !user.HasMadeFirstTopup {
			qualifying := source.Amount >= f.cfg.MinTopupForBonus
			if qualifying || f.cfg.ForfeitFirstBonusBelowMinimum {
				claimed, err := f.userRepo.ClaimFirstTopup(txCtx, user.ID)
				if err != nil {
					return err
				}
				result.FirstTopupClaimed = claimed
				firstBonus = claimed && qualifying
			}
		}

		if firstBonus {
			if f.cfg.ReferredUserBonus > 0 {
				p, err := f.payout(txCtx, payoutParams{
					beneficiaryID: user.ID,
					amount:        f.cfg.ReferredUserBonus,
					method:        models.PaymentMethodReferralBonus,
					reason:        models.ReferralReasonFirstTopupBonus,
					source:        source,
					description:   fmt.Sprintf("Welcome bonus for first topup (tx %d)", source.ID),
				})
				if err != nil {
					return err
				}
				result.Payouts = append(result.Payouts, p)
			}

			amount := max(f.cfg.InviterFixedBonus, commission)
			if amount > 0 {
				p, err := f.payout(txCtx, payoutParams{
					beneficiaryID: referrer.ID,
					amount:        amount,
					method:        models.PaymentMethodReferral,
					reason:        models.ReferralReasonFirstTopupBonus,
					source:        source,
					referralID:    user.ID,
					earning:       true,
					description:   fmt.Sprintf("Referral bonus for first topup of user %d", user.ID),
				})
				if err != nil {
					return err
				}
				result.Payouts = append(result.Payouts, p)
			}
			return nil
		}

		if commission <= 0 {
			return nil
		}
		p, err := f.payout(txCtx, payoutParams{
			beneficiaryID: referrer.ID,
			amount:        commission,
			method:        models.PaymentMethodReferral,
			reason:        models.ReferralReasonOngoingCommission,
			source:        source,
			referralID:    user.ID,
			earning:       true,
			description:   fmt.Sprintf("Referral commission on topup of user %d", user.ID),
		})
		if err != nil {
			return err
		}
		result.Payouts = append(result.Payouts, p)
		return nil
	})
	if err != nil {
		referralPayoutsTotal.WithLabelValues("any", "failed").Inc()
		if repository.IsUniqueViolation(err) {
			err = fmt.Errorf("%w: %v", ErrStorageConflict, err)
		}
		return nil, NewBusinessError("REFERRAL_PAYOUT_FAILED", "Referral payout failed", err)
	}

	for _, p := range result.Payouts {
		outcome := "paid"
		if p.Duplicate {
			outcome = "duplicate"
		}
		referralPayoutsTotal.WithLabelValues(string(p.Reason), outcome).Inc()
		if p.Duplicate {
			continue
		}
		f.audit.record(ctx, auditEntry{
			UserID:      &p.UserID,
			Action:      models.AuditActionReferralPaid,
			Description: fmt.Sprintf("%s of %d units via %s", p.Reason, p.Amount, p.PaymentMethod),
			Success:     true,
			Metadata: map[string]any{
				"source_transaction_id": source.ID,
				"transaction_id":        p.Transaction.ID,
				"referral_user_id":      user.ID,
				"reason":                p.Reason,
				"amount":                p.Amount,
			},
		}, nil)
	}

	return result, nil
}

// commission is the referrer's percentage of amount, rounded half up
func (f *ReferralFlowImpl) commission(referrer *models.User, amount int64) int64 {
	percent := f.cfg.CommissionPercent
	if referrer.ReferralCommissionPercent != nil {
		percent = *referrer.ReferralCommissionPercent
	}
	if percent <= 0 || amount <= 0 {
		return 0
	}
	return decimal.NewFromInt(amount).
		Mul(decimal.NewFromInt(int64(percent))).
		Div(decimal.NewFromInt(100)).
		Round(0).
		IntPart()
}

type payoutParams struct {
	beneficiaryID uint
	amount        int64
	method        string
	reason        models.ReferralReason
	source        *models.Transaction
	referralID    uint
	earning       bool
	description   string
}

// referralExternalID keys a payout to its source transaction and reason
func referralExternalID(sourceTxID uint, reason models.ReferralReason) string {
	return fmt.Sprintf("%d:%s", sourceTxID, reason)
}

// payout credits one commission transaction; must run inside WithTransaction
func (f *ReferralFlowImpl) payout(ctx context.Context, in payoutParams) (*ReferralPayout, error) {
	p := &ReferralPayout{
		UserID:        in.beneficiaryID,
		Amount:        in.amount,
		Reason:        in.reason,
		PaymentMethod: in.method,
		ExternalID:    referralExternalID(in.source.ID, in.reason),
	}

	existing, err := f.txRepo.CompletedByExternalID(ctx, p.PaymentMethod, p.ExternalID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		p.Transaction = existing
		p.Duplicate = true
		return p, nil
	}

	beneficiary, err := f.userRepo.LockByID(ctx, in.beneficiaryID)
	if err != nil {
		return nil, err
	}
	if beneficiary == nil {
		return nil, NewBusinessErrorf("USER_NOT_FOUND", "User %d not found", ErrUserNotFound, in.beneficiaryID)
	}

	meta, err := json.Marshal(map[string]any{
		"source_transaction_id": in.source.ID,
		"source_user_id":        in.source.UserID,
		"reason":                in.reason,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payout metadata: %w", err)
	}

	tx := &models.Transaction{
		UserID:        beneficiary.ID,
		Type:          models.TransactionTypeCommission,
		Amount:        in.amount,
		BalanceBefore: beneficiary.Balance,
		BalanceAfter:  beneficiary.Balance + in.amount,
		PaymentMethod: p.PaymentMethod,
		ExternalID:    p.ExternalID,
		IsCompleted:   true,
		Description:   in.description,
		Metadata:      meta,
	}
	if err := f.txRepo.Save(ctx, tx); err != nil {
		return nil, err
	}
	if err := f.userRepo.IncrementBalance(ctx, beneficiary.ID, in.amount); err != nil {
		return nil, err
	}

	if in.earning {
		earning := &models.ReferralEarning{
			ReferrerUserID:          beneficiary.ID,
			ReferralUserID:          in.referralID,
			Amount:                  in.amount,
			Reason:                  in.reason,
			RelatedTransactionID:    in.source.ID,
			CommissionTransactionID: tx.ID,
		}
		if err := f.earningRepo.Save(ctx, earning); err != nil {
			return nil, err
		}
	}

	p.Transaction = tx
	return p, nil
}
