package handlers

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	businessflow "github.com/amirphl/Kusanagi/business_flow"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockOperatorAuthFlow struct {
	mock.Mock
}

func (m *mockOperatorAuthFlow) LoginAdmin(ctx context.Context, req *dto.OperatorLoginRequest, metadata *businessflow.ClientMetadata) (*dto.OperatorLoginResponse, error) {
	args := m.Called(ctx, req, metadata)
	res, _ := args.Get(0).(*dto.OperatorLoginResponse)
	return res, args.Error(1)
}

func (m *mockOperatorAuthFlow) LoginBot(ctx context.Context, req *dto.OperatorLoginRequest, metadata *businessflow.ClientMetadata) (*dto.OperatorLoginResponse, error) {
	args := m.Called(ctx, req, metadata)
	res, _ := args.Get(0).(*dto.OperatorLoginResponse)
	return res, args.Error(1)
}

func (m *mockOperatorAuthFlow) Refresh(ctx context.Context, kind services.OperatorKind, refreshToken string) (*dto.SessionDTO, error) {
	args := m.Called(ctx, kind, refreshToken)
	res, _ := args.Get(0).(*dto.SessionDTO)
	return res, args.Error(1)
}

func newAuthApp(flow businessflow.OperatorAuthFlow) *fiber.App {
	admin := NewAdminAuthHandler(flow, nil)
	bot := NewBotAuthHandler(flow, nil)
	app := fiber.New()
	app.Post("/api/v1/auth/admin/login", admin.Login)
	app.Post("/api/v1/auth/admin/refresh", admin.Refresh)
	app.Post("/api/v1/auth/bot/login", bot.Login)
	app.Post("/api/v1/auth/bot/refresh", bot.Refresh)
	return app
}

func postJSON(t *testing.T, app *fiber.App, path, body string) *http.Response {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "handler-test")
	resp, err := app.Test(req)
	require.NoError(t, err)
	return resp
}

func TestAdminAuthHandler_Login(t *testing.T) {
	const creds = `{"username":"root","password":"TestPass123!"}`

	t.Run("success", func(t *testing.T) {
		flow := new(mockOperatorAuthFlow)
		flow.On("LoginAdmin", mock.Anything, &dto.OperatorLoginRequest{Username: "root", Password: "TestPass123!"}, mock.MatchedBy(func(m *businessflow.ClientMetadata) bool {
			return m != nil && m.UserAgent == "handler-test"
		})).Return(&dto.OperatorLoginResponse{
			Operator: dto.OperatorDTO{ID: 1, Username: "root", Kind: "admin"},
			Session:  dto.SessionDTO{AccessToken: "access", RefreshToken: "refresh", TokenType: "Bearer", ExpiresIn: 900},
		}, nil)

		resp := postJSON(t, newAuthApp(flow), "/api/v1/auth/admin/login", creds)
		require.Equal(t, fiber.StatusOK, resp.StatusCode)

		out := decodeAPIResponse(t, resp)
		session, ok := out.Data["session"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "access", session["access_token"])
		assert.EqualValues(t, 900, session["expires_in"])
	})

	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"unknown admin", businessflow.ErrAdminNotFound, fiber.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"wrong password", businessflow.ErrIncorrectPassword, fiber.StatusUnauthorized, "INVALID_CREDENTIALS"},
		{"inactive", businessflow.ErrAdminInactive, fiber.StatusForbidden, "ADMIN_INACTIVE"},
		{"unexpected", fmt.Errorf("db down"), fiber.StatusInternalServerError, "LOGIN_FAILED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			flow := new(mockOperatorAuthFlow)
			flow.On("LoginAdmin", mock.Anything, mock.Anything, mock.Anything).Return(nil, tc.err)

			resp := postJSON(t, newAuthApp(flow), "/api/v1/auth/admin/login", creds)
			assert.Equal(t, tc.status, resp.StatusCode)
			assert.Equal(t, tc.code, decodeAPIResponse(t, resp).Error.Code)
		})
	}

	t.Run("validation", func(t *testing.T) {
		flow := new(mockOperatorAuthFlow)
		resp := postJSON(t, newAuthApp(flow), "/api/v1/auth/admin/login", `{"username":"root","password":"short"}`)
		assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)
		flow.AssertNotCalled(t, "LoginAdmin", mock.Anything, mock.Anything, mock.Anything)
	})
}

func TestBotAuthHandler_LoginAndRefresh(t *testing.T) {
	flow := new(mockOperatorAuthFlow)
	flow.On("LoginBot", mock.Anything, mock.Anything, mock.Anything).Return(nil, businessflow.ErrBotInactive).Once()
	flow.On("Refresh", mock.Anything, services.OperatorBot, "good").Return(&dto.SessionDTO{AccessToken: "new-access", RefreshToken: "new-refresh"}, nil).Once()
	flow.On("Refresh", mock.Anything, services.OperatorBot, "used").Return(nil, businessflow.NewBusinessError("TOKEN_REFRESH_FAILED", "refresh", fmt.Errorf("revoked"))).Once()
	app := newAuthApp(flow)

	resp := postJSON(t, app, "/api/v1/auth/bot/login", `{"username":"shop-bot","password":"TestPass123!"}`)
	assert.Equal(t, fiber.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "BOT_INACTIVE", decodeAPIResponse(t, resp).Error.Code)

	resp = postJSON(t, app, "/api/v1/auth/bot/refresh", `{"refresh_token":"good"}`)
	require.Equal(t, fiber.StatusOK, resp.StatusCode)
	assert.Equal(t, "new-access", decodeAPIResponse(t, resp).Data["access_token"])

	resp = postJSON(t, app, "/api/v1/auth/bot/refresh", `{"refresh_token":"used"}`)
	assert.Equal(t, fiber.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "TOKEN_REFRESH_FAILED", decodeAPIResponse(t, resp).Error.Code)

	resp = postJSON(t, app, "/api/v1/auth/bot/refresh", `{}`)
	assert.Equal(t, fiber.StatusBadRequest, resp.StatusCode)

	flow.AssertExpectations(t)
}
