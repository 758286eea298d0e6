// Package businessflow contains the payment reconciliation and balance-crediting use cases
package businessflow

import (
	"errors"
	"fmt"

	"github.com/amirphl/Kusanagi/app/services"
)

// Business flow error constants
var (
	// Provider adapter errors, shared with the channel implementations
	ErrInvalidPayload      = services.ErrInvalidPayload
	ErrProviderUnavailable = services.ErrProviderUnavailable
	ErrUnknownProvider     = services.ErrUnknownProvider
	ErrProviderDisabled    = errors.New("payment provider is disabled")

	// Crediting errors
	ErrInvalidAmount           = errors.New("amount must be positive")
	ErrAlreadyCredited         = errors.New("payment already credited")
	ErrStorageConflict         = errors.New("storage conflict")
	ErrDownstreamEffectFailure = errors.New("downstream effect failed")

	// Lookup errors
	ErrPaymentRecordNotFound = errors.New("payment record not found")
	ErrPaymentRecordExists   = errors.New("payment record already exists")
	ErrUserNotFound          = errors.New("user not found")
	ErrSavedCartNotFound     = errors.New("saved cart not found")

	// Balance errors
	ErrInsufficientFunds = errors.New("insufficient funds")

	// Invoice errors
	ErrInvoiceNotSupported = errors.New("provider does not issue invoices")
	ErrExternalIDRequired  = errors.New("external id is required")

	// Operator errors
	ErrAdminNotFound      = errors.New("admin not found")
	ErrAdminInactive      = errors.New("admin is inactive")
	ErrBotNotFound        = errors.New("bot not found")
	ErrBotInactive        = errors.New("bot is inactive")
	ErrIncorrectPassword  = errors.New("incorrect password")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type BusinessError struct {
	Code    string
	Message string
	Err     error
}

func (e *BusinessError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *BusinessError) Unwrap() error {
	return e.Err
}

func NewBusinessError(code, message string, err error) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

func NewBusinessErrorf(code, message string, err error, args ...any) *BusinessError {
	return &BusinessError{
		Code:    code,
		Message: fmt.Sprintf(message, args...),
		Err:     err,
	}
}

// ErrorCode returns the code of the outermost BusinessError in err's chain
func ErrorCode(err error) string {
	var be *BusinessError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

func IsInvalidPayload(err error) bool {
	return errors.Is(err, ErrInvalidPayload)
}

func IsProviderUnavailable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable)
}

func IsUnknownProvider(err error) bool {
	return errors.Is(err, ErrUnknownProvider)
}

func IsProviderDisabled(err error) bool {
	return errors.Is(err, ErrProviderDisabled)
}

func IsInvalidAmount(err error) bool {
	return errors.Is(err, ErrInvalidAmount)
}

func IsAlreadyCredited(err error) bool {
	return errors.Is(err, ErrAlreadyCredited)
}

func IsStorageConflict(err error) bool {
	return errors.Is(err, ErrStorageConflict)
}

func IsDownstreamEffectFailure(err error) bool {
	return errors.Is(err, ErrDownstreamEffectFailure)
}

func IsPaymentRecordNotFound(err error) bool {
	return errors.Is(err, ErrPaymentRecordNotFound)
}

func IsPaymentRecordExists(err error) bool {
	return errors.Is(err, ErrPaymentRecordExists)
}

func IsUserNotFound(err error) bool {
	return errors.Is(err, ErrUserNotFound)
}

func IsSavedCartNotFound(err error) bool {
	return errors.Is(err, ErrSavedCartNotFound)
}

func IsInsufficientFunds(err error) bool {
	return errors.Is(err, ErrInsufficientFunds)
}

func IsInvoiceNotSupported(err error) bool {
	return errors.Is(err, ErrInvoiceNotSupported)
}

func IsExternalIDRequired(err error) bool {
	return errors.Is(err, ErrExternalIDRequired)
}

func IsAdminNotFound(err error) bool {
	return errors.Is(err, ErrAdminNotFound)
}

func IsAdminInactive(err error) bool {
	return errors.Is(err, ErrAdminInactive)
}

func IsBotNotFound(err error) bool {
	return errors.Is(err, ErrBotNotFound)
}

func IsBotInactive(err error) bool {
	return errors.Is(err, ErrBotInactive)
}

func IsIncorrectPassword(err error) bool {
	return errors.Is(err, ErrIncorrectPassword)
}

func IsInvalidCredentials(err error) bool {
	return errors.Is(err, ErrInvalidCredentials)
}
