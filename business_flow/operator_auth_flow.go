package businessflow

import (
	"context"
	"fmt"
	"time"

	"github.com/amirphl/Kusanagi/app/dto"
	"github.com/amirphl/Kusanagi/app/services"
	"github.com/amirphl/Kusanagi/models"
	"github.com/amirphl/Kusanagi/repository"
	"github.com/amirphl/Kusanagi/utils"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// OperatorAuthFlow authenticates admins and bots
type OperatorAuthFlow interface {
	LoginAdmin(ctx context.Context, req *dto.OperatorLoginRequest, metadata *ClientMetadata) (*dto.OperatorLoginResponse, error)
	LoginBot(ctx context.Context, req *dto.OperatorLoginRequest, metadata *ClientMetadata) (*dto.OperatorLoginResponse, error)
	Refresh(ctx context.Context, kind services.OperatorKind, refreshToken string) (*dto.SessionDTO, error)
}

// OperatorAuthFlowImpl implements OperatorAuthFlow
type OperatorAuthFlowImpl struct {
	adminRepo    repository.AdminRepository
	botRepo      repository.BotRepository
	tokenService services.TokenService
	accessTTL    time.Duration
	audit        *auditor
	logger       *zap.Logger
}

func NewOperatorAuthFlow(
	adminRepo repository.AdminRepository,
	botRepo repository.BotRepository,
	tokenService services.TokenService,
	accessTTL time.Duration,
	auditRepo repository.AuditLogRepository,
	logger *zap.Logger,
) OperatorAuthFlow {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OperatorAuthFlowImpl{
		adminRepo:    adminRepo,
		botRepo:      botRepo,
		tokenService: tokenService,
		accessTTL:    accessTTL,
		audit:        newAuditor(auditRepo, logger),
		logger:       logger,
	}
}

// operatorAccount is the part of Admin and Bot the login needs
type operatorAccount struct {
	id           uint
	uuid         string
	username     string
	passwordHash string
	isActive     *bool
	enabled      bool
	createdAt    time.Time
	lastLoginAt  *time.Time
}

func (f *OperatorAuthFlowImpl) LoginAdmin(ctx context.Context, req *dto.OperatorLoginRequest, metadata *ClientMetadata) (*dto.OperatorLoginResponse, error) {
	if err := validateLogin(req); err != nil {
		return nil, err
	}

	admin, err := f.adminRepo.ByUsername(ctx, req.Username)
	if err != nil {
		return nil, NewBusinessError("ADMIN_LOOKUP_FAILED", "Failed to lookup admin", err)
	}
	if admin == nil {
		f.loginFailed(ctx, services.OperatorAdmin, req.Username, ErrAdminNotFound, metadata)
		return nil, NewBusinessError("ADMIN_NOT_FOUND", "Admin not found", ErrAdminNotFound)
	}

	account := operatorAccount{
		id:           admin.ID,
		uuid:         admin.UUID.String(),
		username:     admin.Username,
		passwordHash: admin.PasswordHash,
		isActive:     admin.IsActive,
		enabled:      admin.IsEnabled(),
		createdAt:    admin.CreatedAt,
		lastLoginAt:  admin.LastLoginAt,
	}
	return f.login(ctx, services.OperatorAdmin, account, req.Password, ErrAdminInactive, f.adminRepo.UpdateLastLogin, metadata)
}

func (f *OperatorAuthFlowImpl) LoginBot(ctx context.Context, req *dto.OperatorLoginRequest, metadata *ClientMetadata) (*dto.OperatorLoginResponse, error) {
	if err := validateLogin(req); err != nil {
		return nil, err
	}

	bot, err := f.botRepo.ByUsername(ctx, req.Username)
	if err != nil {
		return nil, NewBusinessError("BOT_LOOKUP_FAILED", "Failed to lookup bot", err)
	}
	if bot == nil {
		f.loginFailed(ctx, services.OperatorBot, req.Username, ErrBotNotFound, metadata)
		return nil, NewBusinessError("BOT_NOT_FOUND", "Bot not found", ErrBotNotFound)
	}

	account := operatorAccount{
		id:           bot.ID,
		uuid:         bot.UUID.String(),
		username:     bot.Username,
		passwordHash: bot.PasswordHash,
		isActive:     bot.IsActive,
		enabled:      bot.IsEnabled(),
		createdAt:    bot.CreatedAt,
		lastLoginAt:  bot.LastLoginAt,
	}
	return f.login(ctx, services.OperatorBot, account, req.Password, ErrBotInactive, f.botRepo.UpdateLastLogin, metadata)
}

func validateLogin(req *dto.OperatorLoginRequest) error {
	if req == nil || len(req.Username) == 0 || len(req.Password) == 0 {
		return NewBusinessError("LOGIN_VALIDATION_FAILED", "Username and password are required", ErrInvalidCredentials)
	}
	return nil
}

func (f *OperatorAuthFlowImpl) login(
	ctx context.Context,
	kind services.OperatorKind,
	account operatorAccount,
	password string,
	inactiveErr error,
	touch func(ctx context.Context, id uint, at time.Time) error,
	metadata *ClientMetadata,
) (*dto.OperatorLoginResponse, error) {
	if !account.enabled {
		f.loginFailed(ctx, kind, account.username, inactiveErr, metadata)
		return nil, NewBusinessErrorf("OPERATOR_INACTIVE", "%s account is inactive", inactiveErr, kind)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.passwordHash), []byte(password)); err != nil {
		f.loginFailed(ctx, kind, account.username, ErrIncorrectPassword, metadata)
		return nil, NewBusinessError("INCORRECT_PASSWORD", "Incorrect password", ErrIncorrectPassword)
	}

	accessToken, refreshToken, err := f.tokenService.GenerateTokens(kind, account.id)
	if err != nil {
		return nil, NewBusinessError("TOKEN_GENERATION_FAILED", "Failed to generate tokens", err)
	}

	now := utils.UTCNow()
	if err := touch(ctx, account.id, now); err != nil {
		f.logger.Warn("failed to update last login", zap.String("kind", string(kind)), zap.Uint("id", account.id), zap.Error(err))
	}

	f.audit.record(ctx, auditEntry{
		Action:      models.AuditActionLoginSuccess,
		Description: fmt.Sprintf("%s %s logged in", kind, account.username),
		Success:     true,
		Metadata:    map[string]any{"kind": kind, "operator_id": account.id},
	}, metadata)

	operator := dto.OperatorDTO{
		ID:        account.id,
		UUID:      account.uuid,
		Username:  account.username,
		Kind:      string(kind),
		IsActive:  account.isActive,
		CreatedAt: account.createdAt.UTC().Format(time.RFC3339),
	}
	if account.lastLoginAt != nil {
		operator.LastLoginAt = utils.ToPtr(account.lastLoginAt.UTC().Format(time.RFC3339))
	}

	return &dto.OperatorLoginResponse{
		Operator: operator,
		Session:  f.session(accessToken, refreshToken, now),
	}, nil
}

func (f *OperatorAuthFlowImpl) Refresh(ctx context.Context, kind services.OperatorKind, refreshToken string) (*dto.SessionDTO, error) {
	accessToken, newRefresh, err := f.tokenService.RefreshToken(ctx, kind, refreshToken)
	if err != nil {
		return nil, NewBusinessError("TOKEN_REFRESH_FAILED", "Failed to refresh token", err)
	}
	session := f.session(accessToken, newRefresh, utils.UTCNow())
	return &session, nil
}

func (f *OperatorAuthFlowImpl) session(accessToken, refreshToken string, now time.Time) dto.SessionDTO {
	return dto.SessionDTO{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresIn:    int64(f.accessTTL.Seconds()),
		TokenType:    "Bearer",
		CreatedAt:    now.Format(time.RFC3339),
	}
}

func (f *OperatorAuthFlowImpl) loginFailed(ctx context.Context, kind services.OperatorKind, username string, reason error, metadata *ClientMetadata) {
	f.audit.record(ctx, auditEntry{
		Action:      models.AuditActionLoginFailed,
		Description: fmt.Sprintf("%s login failed for %s", kind, username),
		Success:     false,
		Err:         reason,
		Metadata:    map[string]any{"kind": kind, "username": username},
	}, metadata)
}
