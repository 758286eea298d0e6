package businessflow

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// AutoPurchaseResult describes a saved cart bought from balance
type AutoPurchaseResult struct {
	Cart         *models.SavedCart
	Transaction  *models.Transaction
	BalanceAfter int64
	Duplicate    bool
}

// AutoPurchaser buys a user's pending cart once the balance covers it
type AutoPurchaser interface {
	HasSavedCart(ctx context.Context, userID uint) (bool, error)
	// AttemptAutoPurchase returns nil when the user has no saved cart and
	// ErrInsufficientFunds when the balance does not cover it
	AttemptAutoPurchase(ctx context.Context, user *models.User) (*AutoPurchaseResult, error)
}

// AutoPurchaseFlowImpl implements AutoPurchaser
type AutoPurchaseFlowImpl struct {
	cartRepo repository.SavedCartRepository
	userRepo repository.UserRepository
	txRepo   repository.TransactionRepository
	db       *gorm.DB
	audit    *auditor
	logger   *zap.Logger
}

func NewAutoPurchaseFlow(
	cartRepo repository.SavedCartRepository,
	userRepo repository.UserRepository,
	txRepo repository.TransactionRepository,
	auditRepo repository.AuditLogRepository,
	db *gorm.DB,
	logger *zap.Logger,
) AutoPurchaser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &AutoPurchaseFlowImpl{
		cartRepo: cartRepo,
		userRepo: userRepo,
		txRepo:   txRepo,
		db:       db,
		audit:    newAuditor(auditRepo, logger),
		logger:   logger,
	}
}

func (f *AutoPurchaseFlowImpl) HasSavedCart(ctx context.Context, userID uint) (bool, error) {
	return f.cartRepo.Exists(ctx, models.SavedCartFilter{
		UserID:      &userID,
		IsPurchased: utils.ToPtr(false),
	})
}

func cartExternalID(cartID uint) string {
	return fmt.Sprintf("cart:%d", cartID)
}

func (f *AutoPurchaseFlowImpl) AttemptAutoPurchase(ctx context.Context, user *models.User) (*AutoPurchaseResult, error) {
	if user == nil {
		return nil, NewBusinessError("USER_NOT_FOUND", "User is required", ErrUserNotFound)
	}

	var result *AutoPurchaseResult
	err := repository.WithTransaction(ctx, f.db, func(txCtx context.Context) error {
		cart, err := f.cartRepo.LatestUnpurchased(txCtx, user.ID)
		if err != nil {
			return err
		}
		if cart == nil {
			return nil
		}

		existing, err := f.txRepo.CompletedByExternalID(txCtx, models.PaymentMethodBalance, cartExternalID(cart.ID))
		if err != nil {
			return err
		}
		if existing != nil {
			if _, err := f.cartRepo.MarkPurchased(txCtx, cart.ID, existing.ID, existing.CreatedAt); err != nil {
				return err
			}
			result = &AutoPurchaseResult{Cart: cart, Transaction: existing, BalanceAfter: existing.BalanceAfter, Duplicate: true}
			return nil
		}

		locked, err := f.userRepo.LockByID(txCtx, user.ID)
		if err != nil {
			return err
		}
		if locked == nil {
			return NewBusinessErrorf("USER_NOT_FOUND", "User %d not found", ErrUserNotFound, user.ID)
		}
		if locked.Balance < cart.Price {
			return NewBusinessErrorf("INSUFFICIENT_FUNDS", "Balance %d does not cover cart price %d", ErrInsufficientFunds, locked.Balance, cart.Price)
		}

		meta, err := json.Marshal(map[string]any{
			"cart_id":       cart.ID,
			"plan_name":     cart.PlanName,
			"duration_days": cart.DurationDays,
			"auto_purchase": true,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal purchase metadata: %w", err)
		}

		tx := &models.Transaction{
			UserID:        locked.ID,
			Type:          models.TransactionTypeSubscriptionPayment,
			Amount:        cart.Price,
			BalanceBefore: locked.Balance,
			BalanceAfter:  locked.Balance - cart.Price,
			PaymentMethod: models.PaymentMethodBalance,
			ExternalID:    cartExternalID(cart.ID),
			IsCompleted:   true,
			Description:   fmt.Sprintf("Automatic purchase of %s", cart.PlanName),
			Metadata:      meta,
		}
		if err := f.txRepo.Save(txCtx, tx); err != nil {
			return err
		}
		if err := f.userRepo.IncrementBalance(txCtx, locked.ID, -cart.Price); err != nil {
			return err
		}
		marked, err := f.cartRepo.MarkPurchased(txCtx, cart.ID, tx.ID, utils.UTCNow())
		if err != nil {
			return err
		}
		if !marked {
			return fmt.Errorf("%w: cart %d was purchased concurrently", ErrStorageConflict, cart.ID)
		}

		result = &AutoPurchaseResult{Cart: cart, Transaction: tx, BalanceAfter: tx.BalanceAfter}
		return nil
	})
	if err != nil {
		if IsInsufficientFunds(err) || IsUserNotFound(err) {
			return nil, err
		}
		return nil, NewBusinessError("AUTO_PURCHASE_FAILED", "Automatic purchase failed", err)
	}
	if result == nil || result.Duplicate {
		return result, nil
	}

	f.audit.record(ctx, auditEntry{
		UserID:      &user.ID,
		Action:      models.AuditActionAutoPurchaseComplete,
		Description: fmt.Sprintf("Saved cart %d (%s) purchased for %d units", result.Cart.ID, result.Cart.PlanName, result.Cart.Price),
		Success:     true,
		Metadata: map[string]any{
			"cart_id":        result.Cart.ID,
			"transaction_id": result.Transaction.ID,
			"balance_after":  result.BalanceAfter,
		},
	}, nil)

	return result, nil
}
