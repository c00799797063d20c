package domain

import "errors"

// Sentinel errors for the closed failure taxonomy. The HTTP boundary maps
// these to status codes; the core never works in transport terms.
var (
	ErrPortfolioNotFound = errors.New("portfolio_not_found")
	ErrOrderNotFound     = errors.New("order_not_found")
	ErrPositionNotFound  = errors.New("position_not_found")
	ErrSymbolNotFound    = errors.New("symbol_not_found")
	ErrOrderNotPending   = errors.New("order_not_pending")

	ErrInsufficientCash   = errors.New("insufficient_cash_balance")
	ErrInsufficientShares = errors.New("insufficient_shares")
	ErrPriceUnavailable   = errors.New("price_unavailable")

	// ErrConcurrentModification surfaces only after the settlement retry
	// budget is exhausted. The caller may retry the whole call.
	ErrConcurrentModification = errors.New("concurrent_modification")

	ErrOwnerAlreadyHasPortfolio = errors.New("owner_already_has_portfolio")
)

// ValidationError represents a request validation failure. It is rejected
// before any order is created and is never retried.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

// NewValidationError builds a ValidationError with the given message.
func NewValidationError(msg string) *ValidationError {
	return &ValidationError{Message: msg}
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
