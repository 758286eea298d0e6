package services

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/amirphl/Kusanagi/config"
	"github.com/amirphl/Kusanagi/utils"
	"github.com/golang-jwt/jwt/v5"
	"github.com/redis/go-redis/v9"
)

// Token service error constants
var (
	ErrTokenExpired = errors.New("token has expired")
	ErrTokenInvalid = errors.New("invalid token")
	ErrTokenRevoked = errors.New("token has been revoked")
)

// OperatorKind separates admin tokens from bot tokens
type OperatorKind string

const (
	OperatorAdmin OperatorKind = "admin"
	OperatorBot   OperatorKind = "bot"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// TokenService issues and validates operator JWTs
type TokenService interface {
	GenerateTokens(kind OperatorKind, operatorID uint) (accessToken, refreshToken string, err error)
	ValidateToken(ctx context.Context, kind OperatorKind, token string) (*TokenClaims, error)
	RefreshToken(ctx context.Context, kind OperatorKind, refreshToken string) (newAccessToken, newRefreshToken string, err error)
	RevokeToken(ctx context.Context, kind OperatorKind, token string) error
}

// TokenClaims represents the claims in an operator JWT
type TokenClaims struct {
	Kind       OperatorKind `json:"kind"`
	OperatorID uint         `json:"operator_id"`
	TokenType  string       `json:"token_type"` // "access" or "refresh"
	jwt.RegisteredClaims
}

// IsAccess reports whether the claims belong to an access token
func (c *TokenClaims) IsAccess() bool {
	return c.TokenType == tokenTypeAccess
}

// RevocationStore remembers revoked token ids until they would have expired anyway
type RevocationStore interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// TokenServiceImpl implements TokenService
type TokenServiceImpl struct {
	accessTokenTTL  time.Duration
	refreshTokenTTL time.Duration
	signingMethod   jwt.SigningMethod
	signKey         any
	verifyKey       any
	issuer          string
	audience        string
	revocations     RevocationStore
}

// NewTokenService creates a token service; HS256 unless RSA keys are configured
func NewTokenService(cfg config.JWTConfig, revocations RevocationStore) (TokenService, error) {
	s := &TokenServiceImpl{
		accessTokenTTL:  cfg.AccessTokenTTL,
		refreshTokenTTL: cfg.RefreshTokenTTL,
		issuer:          cfg.Issuer,
		audience:        cfg.Audience,
		revocations:     revocations,
	}
	if s.revocations == nil {
		s.revocations = NewMemoryRevocationStore()
	}

	if cfg.UseRSAKeys {
		privateKey, publicKey, err := parseRSAKeys(cfg.PrivateKey, cfg.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse RSA keys: %w", err)
		}
		s.signingMethod = jwt.SigningMethodRS256
		s.signKey, s.verifyKey = privateKey, publicKey
	} else {
		if cfg.SecretKey == "" {
			return nil, fmt.Errorf("secret key is required when not using RSA keys")
		}
		s.signingMethod = jwt.SigningMethodHS256
		s.signKey, s.verifyKey = []byte(cfg.SecretKey), []byte(cfg.SecretKey)
	}
	return s, nil
}

// parseRSAKeys parses RSA private and public keys from PEM format
func parseRSAKeys(privateKeyPEM, publicKeyPEM string) (*rsa.PrivateKey, *rsa.PublicKey, error) {
	if privateKeyPEM == "" || publicKeyPEM == "" {
		return nil, nil, fmt.Errorf("both private and public keys are required")
	}
	privateKey, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(privateKeyPEM))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	block, _ := pem.Decode([]byte(publicKeyPEM))
	if block == nil {
		return nil, nil, fmt.Errorf("failed to decode public key")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	rsaPublicKey, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, nil, fmt.Errorf("public key is not RSA")
	}
	return privateKey, rsaPublicKey, nil
}

// GenerateTokens generates access and refresh tokens for an operator
func (s *TokenServiceImpl) GenerateTokens(kind OperatorKind, operatorID uint) (accessToken, refreshToken string, err error) {
	if kind != OperatorAdmin && kind != OperatorBot {
		return "", "", fmt.Errorf("unknown operator kind %q", kind)
	}
	now := utils.UTCNow()
	if accessToken, err = s.sign(kind, operatorID, tokenTypeAccess, now, s.accessTokenTTL); err != nil {
		return "", "", err
	}
	if refreshToken, err = s.sign(kind, operatorID, tokenTypeRefresh, now, s.refreshTokenTTL); err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

func (s *TokenServiceImpl) sign(kind OperatorKind, operatorID uint, tokenType string, now time.Time, ttl time.Duration) (string, error) {
	tokenID, err := generateTokenID()
	if err != nil {
		return "", err
	}
	claims := TokenClaims{
		Kind:       kind,
		OperatorID: operatorID,
		TokenType:  tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        tokenID,
			Subject:   fmt.Sprintf("%s:%d", kind, operatorID),
			Issuer:    s.issuer,
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(s.signingMethod, claims).SignedString(s.signKey)
}

func (s *TokenServiceImpl) parse(token string) (*TokenClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{s.signingMethod.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(utils.UTCNow),
	}
	if s.issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.issuer))
	}
	if s.audience != "" {
		opts = append(opts, jwt.WithAudience(s.audience))
	}

	claims := &TokenClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		return s.verifyKey, nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, ErrTokenInvalid
	}
	if !parsed.Valid || claims.ID == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}

// ValidateToken validates a token of the given operator kind and returns its claims
func (s *TokenServiceImpl) ValidateToken(ctx context.Context, kind OperatorKind, token string) (*TokenClaims, error) {
	claims, err := s.parse(token)
	if err != nil {
		return nil, err
	}
	if claims.Kind != kind || claims.OperatorID == 0 {
		return nil, ErrTokenInvalid
	}
	revoked, err := s.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, fmt.Errorf("check revocation: %w", err)
	}
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// RefreshToken rotates a refresh token: the old one is revoked and a new pair issued
func (s *TokenServiceImpl) RefreshToken(ctx context.Context, kind OperatorKind, refreshToken string) (string, string, error) {
	claims, err := s.ValidateToken(ctx, kind, refreshToken)
	if err != nil {
		return "", "", fmt.Errorf("invalid refresh token: %w", err)
	}
	if claims.TokenType != tokenTypeRefresh {
		return "", "", fmt.Errorf("token is not a refresh token: %w", ErrTokenInvalid)
	}
	if err := s.revoke(ctx, claims); err != nil {
		return "", "", err
	}
	return s.GenerateTokens(kind, claims.OperatorID)
}

// RevokeToken marks a valid token as revoked until its natural expiry
func (s *TokenServiceImpl) RevokeToken(ctx context.Context, kind OperatorKind, token string) error {
	claims, err := s.ValidateToken(ctx, kind, token)
	if err != nil {
		return err
	}
	return s.revoke(ctx, claims)
}

func (s *TokenServiceImpl) revoke(ctx context.Context, claims *TokenClaims) error {
	ttl := time.Minute
	if claims.ExpiresAt != nil {
		if remaining := claims.ExpiresAt.Sub(utils.UTCNow()); remaining > 0 {
			ttl = remaining
		}
	}
	return s.revocations.Revoke(ctx, claims.ID, ttl)
}

// generateTokenID generates a unique token ID
func generateTokenID() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// MemoryRevocationStore keeps revoked ids in process memory
type MemoryRevocationStore struct {
	mu      sync.RWMutex
	revoked map[string]time.Time
}

func NewMemoryRevocationStore() *MemoryRevocationStore {
	return &MemoryRevocationStore{revoked: make(map[string]time.Time)}
}

func (m *MemoryRevocationStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := utils.UTCNow()
	for id, exp := range m.revoked {
		if now.After(exp) {
			delete(m.revoked, id)
		}
	}
	m.revoked[tokenID] = now.Add(ttl)
	return nil
}

func (m *MemoryRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exp, ok := m.revoked[tokenID]
	return ok && utils.UTCNow().Before(exp), nil
}

// RedisRevocationStore shares revocations between instances
type RedisRevocationStore struct {
	client *redis.Client
	prefix string
}

func NewRedisRevocationStore(client *redis.Client, prefix string) *RedisRevocationStore {
	return &RedisRevocationStore{client: client, prefix: prefix + "revoked:"}
}

func (r *RedisRevocationStore) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	return r.client.Set(ctx, r.prefix+tokenID, 1, ttl).Err()
}

func (r *RedisRevocationStore) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.prefix+tokenID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
