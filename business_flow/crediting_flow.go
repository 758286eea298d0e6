package businessflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreditResult describes the outcome of one crediting attempt
type CreditResult struct {
	Record          *models.PaymentRecord
	Transaction     *models.Transaction
	User            *models.User
	AlreadyCredited bool
	BalanceBefore   int64
	BalanceAfter    int64
}

// CreditingFlow turns a paid payment record into exactly one completed deposit
type CreditingFlow interface {
	// LockUncredited re-reads the record under a row lock. The bool is true when
	// the record already carries a transaction. Must run inside WithTransaction.
	LockUncredited(ctx context.Context, recordID uint) (*models.PaymentRecord, bool, error)
	Credit(ctx context.Context, recordID uint, amount int64, metadata map[string]any) (*CreditResult, error)
}

// CreditingFlowImpl implements CreditingFlow
type CreditingFlowImpl struct {
	recordRepo repository.PaymentRecordRepository
	userRepo   repository.UserRepository
	txRepo     repository.TransactionRepository
	db         *gorm.DB
	logger     *zap.Logger
}

func NewCreditingFlow(
	recordRepo repository.PaymentRecordRepository,
	userRepo repository.UserRepository,
	txRepo repository.TransactionRepository,
	db *gorm.DB,
	logger *zap.Logger,
) CreditingFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CreditingFlowImpl{
		recordRepo: recordRepo,
		userRepo:   userRepo,
		txRepo:     txRepo,
		db:         db,
		logger:     logger,
	}
}

func (f *CreditingFlowImpl) LockUncredited(ctx context.Context, recordID uint) (*models.PaymentRecord, bool, error) {
	record, err := f.recordRepo.LockByID(ctx, recordID)
	if err != nil {
		return nil, false, err
	}
	if record == nil {
		return nil, false, NewBusinessErrorf("PAYMENT_RECORD_NOT_FOUND", "Payment record %d not found", ErrPaymentRecordNotFound, recordID)
	}
	return record, record.IsCredited(), nil
}

// Credit inserts the deposit, moves the balance and links the record in one
// storage transaction. A record that is already linked is reported as
// AlreadyCredited without touching anything, whatever amount is passed.
func (f *CreditingFlowImpl) Credit(ctx context.Context, recordID uint, amount int64, metadata map[string]any) (*CreditResult, error) {
	var result *CreditResult
	err := repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		record, credited, err := f.LockUncredited(txCtx, recordID)
		if err != nil {
			return err
		}
		if credited {
			result = &CreditResult{Record: record, AlreadyCredited: true}
			return nil
		}
		if amount <= 0 {
			return NewBusinessErrorf("INVALID_AMOUNT", "Cannot credit %d units", ErrInvalidAmount, amount)
		}

		user, err := f.userRepo.LockByID(txCtx, record.UserID)
		if err != nil {
			return err
		}
		if user == nil {
			return NewBusinessErrorf("USER_NOT_FOUND", "User %d not found", ErrUserNotFound, record.UserID)
		}

		raw, err := json.Marshal(creditMetadata(record, metadata))
		if err != nil {
			return fmt.Errorf("failed to marshal transaction metadata: %w", err)
		}

		tx := &models.Transaction{
			UserID:        user.ID,
			Type:          models.TransactionTypeDeposit,
			Amount:        amount,
			BalanceBefore: user.Balance,
			BalanceAfter:  user.Balance + amount,
			PaymentMethod: string(record.Provider),
			ExternalID:    record.ExternalID,
			IsCompleted:   true,
			Description:   fmt.Sprintf("Balance topup via %s (%s)", record.Provider, record.ExternalID),
			Metadata:      raw,
		}
		if err := f.txRepo.Save(txCtx, tx); err != nil {
			if repository.IsUniqueViolation(err) {
				return fmt.Errorf("%w: %v", ErrStorageConflict, err)
			}
			return err
		}

		if err := f.userRepo.IncrementBalance(txCtx, user.ID, amount); err != nil {
			return err
		}

		attached, err := f.recordRepo.AttachTransaction(txCtx, record.ID, tx.ID)
		if err != nil {
			return err
		}
		if !attached {
			return fmt.Errorf("%w: payment record %d was linked concurrently", ErrStorageConflict, record.ID)
		}

		record.TransactionID = &tx.ID
		user.Balance += amount
		result = &CreditResult{
			Record:        record,
			Transaction:   tx,
			User:          user,
			BalanceBefore: tx.BalanceBefore,
			BalanceAfter:  tx.BalanceAfter,
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, ErrStorageConflict) {
			f.logger.Info("credit lost a race, treating as already credited",
				zap.Uint("payment_record_id", recordID),
				zap.Error(err))
			return f.alreadyCredited(ctx, recordID)
		}
		var be *BusinessError
		if errors.As(err, &be) {
			return nil, err
		}
		return nil, NewBusinessError("CREDIT_FAILED", "Failed to credit payment", err)
	}

	if result.AlreadyCredited {
		return f.alreadyCredited(ctx, recordID)
	}
	return result, nil
}

// alreadyCredited loads the winning transaction so callers can report it
func (f *CreditingFlowImpl) alreadyCredited(ctx context.Context, recordID uint) (*CreditResult, error) {
	record, err := f.recordRepo.ByID(ctx, recordID)
	if err != nil {
		return nil, NewBusinessError("PAYMENT_RECORD_LOOKUP_FAILED", "Failed to reload payment record", err)
	}
	if record == nil {
		return nil, NewBusinessErrorf("PAYMENT_RECORD_NOT_FOUND", "Payment record %d not found", ErrPaymentRecordNotFound, recordID)
	}

	result := &CreditResult{Record: record, AlreadyCredited: true}
	if record.TransactionID != nil {
		tx, err := f.txRepo.ByID(ctx, *record.TransactionID)
		if err != nil {
			return nil, NewBusinessError("TRANSACTION_LOOKUP_FAILED", "Failed to load credited transaction", err)
		}
		if tx != nil {
			result.Transaction = tx
			result.BalanceBefore = tx.BalanceBefore
			result.BalanceAfter = tx.BalanceAfter
		}
	} else {
		// Lost on the transactions unique index without a link; the winner is
		// still the completed transaction for this external id.
		tx, err := f.txRepo.CompletedByExternalID(ctx, string(record.Provider), record.ExternalID)
		if err != nil {
			return nil, NewBusinessError("TRANSACTION_LOOKUP_FAILED", "Failed to load credited transaction", err)
		}
		result.Transaction = tx
	}
	return result, nil
}

func creditMetadata(record *models.PaymentRecord, extra map[string]any) map[string]any {
	out := map[string]any{
		"payment_record_id":   record.ID,
		"payment_record_uuid": record.UUID.String(),
		"provider_amount":     record.Amount.String(),
		"provider_currency":   record.Currency,
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
