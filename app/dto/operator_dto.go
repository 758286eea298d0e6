package dto

// OperatorLoginRequest is the admin and bot login payload
type OperatorLoginRequest struct {
	Username string `json:"username" validate:"required,min=3,max=255" example:"admin"`
	Password string `json:"password" validate:"required,min=8,max=100" example:"SecurePass123!"`
}

// RefreshTokenRequest exchanges a refresh token for a new pair
type RefreshTokenRequest struct {
	RefreshToken string `json:"refresh_token" validate:"required" example:"jwt"`
}

type OperatorDTO struct {
	ID          uint    `json:"id" example:"1"`
	UUID        string  `json:"uuid" example:"f47ac10b-58cc-4372-a567-0e02b2c3d479"`
	Username    string  `json:"username" example:"admin"`
	Kind        string  `json:"kind" example:"admin"`
	IsActive    *bool   `json:"is_active" example:"true"`
	LastLoginAt *string `json:"last_login_at,omitempty" example:"2024-01-15T10:30:00Z"`
	CreatedAt   string  `json:"created_at" example:"2024-01-15T10:30:00Z"`
}

type SessionDTO struct {
	AccessToken  string `json:"access_token" example:"jwt"`
	RefreshToken string `json:"refresh_token" example:"jwt"`
	ExpiresIn    int64  `json:"expires_in" example:"3600"`
	TokenType    string `json:"token_type" example:"Bearer"`
	CreatedAt    string `json:"created_at" example:"2024-01-15T10:30:00Z"`
}

type OperatorLoginResponse struct {
	Operator OperatorDTO `json:"operator"`
	Session  SessionDTO  `json:"session"`
}
