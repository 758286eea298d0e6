package businessflow

import (
	"context"
	"testing"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	testingutil "github.com/amirphl/Kusanagi/testing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupOperatorAuth(t *testing.T) (OperatorAuthFlow, services.TokenService, *testingutil.TestDB) {
	t.Helper()
	testDB, err := testingutil.SetupTestDB()
	require.NoError(t, err)
	t.Cleanup(func() { _ = testDB.Cleanup() })

	tokens, err := services.NewTokenService(config.JWTConfig{
		SecretKey:       "test-secret-key-for-jwt-signing-32-chars",
		AccessTokenTTL:  15 * time.Minute,
		RefreshTokenTTL: time.Hour,
		Issuer:          "kusanagi-test",
		Audience:        "kusanagi-test",
	}, services.NewMemoryRevocationStore())
	require.NoError(t, err)

	flow := NewOperatorAuthFlow(
		repository.NewAdminRepository(testDB.DB),
		repository.NewBotRepository(testDB.DB),
		tokens,
		15*time.Minute,
		repository.NewAuditLogRepository(testDB.DB),
		nil,
	)
	return flow, tokens, testDB
}

func TestOperatorAuthFlow_LoginAdmin(t *testing.T) {
	flow, tokens, testDB := setupOperatorAuth(t)
	fixtures := testingutil.NewTestFixtures(testDB)
	ctx := context.Background()

	admin, err := fixtures.CreateTestAdmin("root")
	require.NoError(t, err)

	t.Run("success", func(t *testing.T) {
		resp, err := flow.LoginAdmin(ctx, &dto.OperatorLoginRequest{Username: "root", Password: testingutil.TestPassword}, NewClientMetadata("10.0.0.1", "curl"))
		require.NoError(t, err)
		assert.Equal(t, admin.ID, resp.Operator.ID)
		assert.Equal(t, "admin", resp.Operator.Kind)
		assert.Equal(t, "Bearer", resp.Session.TokenType)
		assert.Equal(t, int64(900), resp.Session.ExpiresIn)

		claims, err := tokens.ValidateToken(ctx, services.OperatorAdmin, resp.Session.AccessToken)
		require.NoError(t, err)
		assert.Equal(t, admin.ID, claims.OperatorID)

		_, err = tokens.ValidateToken(ctx, services.OperatorBot, resp.Session.AccessToken)
		assert.Error(t, err)

		reloaded, err := repository.NewAdminRepository(testDB.DB).ByID(ctx, admin.ID)
		require.NoError(t, err)
		assert.NotNil(t, reloaded.LastLoginAt)
	})

	t.Run("wrong password", func(t *testing.T) {
		_, err := flow.LoginAdmin(ctx, &dto.OperatorLoginRequest{Username: "root", Password: "not-the-password"}, nil)
		assert.True(t, IsIncorrectPassword(err))
	})

	t.Run("unknown admin", func(t *testing.T) {
		_, err := flow.LoginAdmin(ctx, &dto.OperatorLoginRequest{Username: "ghost", Password: testingutil.TestPassword}, nil)
		assert.True(t, IsAdminNotFound(err))
	})

	t.Run("empty credentials", func(t *testing.T) {
		_, err := flow.LoginAdmin(ctx, &dto.OperatorLoginRequest{}, nil)
		assert.True(t, IsInvalidCredentials(err))
	})

	t.Run("inactive admin", func(t *testing.T) {
		inactive, err := fixtures.CreateTestAdmin("sleepy")
		require.NoError(t, err)
		require.NoError(t, testDB.DB.Model(&models.Admin{}).Where("id = ?", inactive.ID).Update("is_active", false).Error)

		_, err = flow.LoginAdmin(ctx, &dto.OperatorLoginRequest{Username: "sleepy", Password: testingutil.TestPassword}, nil)
		assert.True(t, IsAdminInactive(err))
	})

	logs, err := repository.NewAuditLogRepository(testDB.DB).ListByAction(ctx, models.AuditActionLoginFailed, 10, 0)
	require.NoError(t, err)
	assert.Len(t, logs, 3)
}

func TestOperatorAuthFlow_LoginBotAndRefresh(t *testing.T) {
	flow, _, testDB := setupOperatorAuth(t)
	fixtures := testingutil.NewTestFixtures(testDB)
	ctx := context.Background()

	bot, err := fixtures.CreateTestBot("shop-bot")
	require.NoError(t, err)

	resp, err := flow.LoginBot(ctx, &dto.OperatorLoginRequest{Username: "shop-bot", Password: testingutil.TestPassword}, nil)
	require.NoError(t, err)
	assert.Equal(t, bot.ID, resp.Operator.ID)
	assert.Equal(t, "bot", resp.Operator.Kind)

	_, err = flow.LoginBot(ctx, &dto.OperatorLoginRequest{Username: "nobody", Password: testingutil.TestPassword}, nil)
	assert.True(t, IsBotNotFound(err))

	session, err := flow.Refresh(ctx, services.OperatorBot, resp.Session.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, session.AccessToken)
	assert.NotEqual(t, resp.Session.RefreshToken, session.RefreshToken)

	// the consumed refresh token cannot be used again
	_, err = flow.Refresh(ctx, services.OperatorBot, resp.Session.RefreshToken)
	assert.Equal(t, "TOKEN_REFRESH_FAILED", ErrorCode(err))

	_, err = flow.Refresh(ctx, services.OperatorAdmin, session.RefreshToken)
	assert.Error(t, err)
}
