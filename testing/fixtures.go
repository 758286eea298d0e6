package testing

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/bcrypt"
)

// TestPassword is the plain password of every fixture operator
const TestPassword = "TestPass123!"

// TestFixtures provides helper methods for creating test data
type TestFixtures struct {
	DB *TestDB
}

// NewTestFixtures creates a new test fixtures instance
func NewTestFixtures(db *TestDB) *TestFixtures {
	return &TestFixtures{DB: db}
}

// CreateTestUser creates a user with the given balance and optional referrer
func (tf *TestFixtures) CreateTestUser(balance int64, referrerID *uint) (*models.User, error) {
	user := &models.User{
		TelegramID: rand.Int63n(9_000_000_000) + 1_000_000_000,
		Username:   fmt.Sprintf("user_%s", uuid.NewString()[:8]),
		Balance:    balance,
		ReferrerID: referrerID,
	}
	if err := tf.DB.DB.Create(user).Error; err != nil {
		return nil, fmt.Errorf("failed to create test user: %w", err)
	}
	return user, nil
}

// CreateTestPaymentRecord creates a pending record for the given provider
func (tf *TestFixtures) CreateTestPaymentRecord(userID uint, provider models.Provider, externalID string, amount decimal.Decimal, currency string) (*models.PaymentRecord, error) {
	if externalID == "" {
		externalID = uuid.NewString()
	}
	record := &models.PaymentRecord{
		UserID:     userID,
		Provider:   provider,
		ExternalID: externalID,
		Amount:     amount,
		Currency:   currency,
		Subject:    models.PaymentSubjectBalanceTopup,
		Status:     models.PaymentRecordStatusPending,
		Metadata:   json.RawMessage(`{}`),
	}
	if err := tf.DB.DB.Create(record).Error; err != nil {
		return nil, fmt.Errorf("failed to create test payment record: %w", err)
	}
	return record, nil
}

// AgePaymentRecord moves created_at into the past so sweeps pick the record up
func (tf *TestFixtures) AgePaymentRecord(id uint, age time.Duration) error {
	return tf.DB.DB.Model(&models.PaymentRecord{}).
		Where("id = ?", id).
		UpdateColumn("created_at", utils.UTCNow().Add(-age)).Error
}

// CreateTestSavedCart creates an unpurchased cart
func (tf *TestFixtures) CreateTestSavedCart(userID uint, planName string, price int64) (*models.SavedCart, error) {
	cart := &models.SavedCart{
		UserID:       userID,
		PlanName:     planName,
		Price:        price,
		DurationDays: 30,
	}
	if err := tf.DB.DB.Create(cart).Error; err != nil {
		return nil, fmt.Errorf("failed to create test saved cart: %w", err)
	}
	return cart, nil
}

// CreateTestAdmin creates an active admin with TestPassword
func (tf *TestFixtures) CreateTestAdmin(username string) (*models.Admin, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	admin := &models.Admin{
		Username:     username,
		PasswordHash: string(hash),
		IsActive:     utils.ToPtr(true),
	}
	if err := tf.DB.DB.Create(admin).Error; err != nil {
		return nil, fmt.Errorf("failed to create test admin: %w", err)
	}
	return admin, nil
}

// CreateTestBot creates an active bot with TestPassword
func (tf *TestFixtures) CreateTestBot(username string) (*models.Bot, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(TestPassword), bcrypt.MinCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	bot := &models.Bot{
		Username:     username,
		PasswordHash: string(hash),
		IsActive:     utils.ToPtr(true),
	}
	if err := tf.DB.DB.Create(bot).Error; err != nil {
		return nil, fmt.Errorf("failed to create test bot: %w", err)
	}
	return bot, nil
}
