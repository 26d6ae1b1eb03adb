package domain

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"
)

// RetriableError defines an interface for errors that can be retried
type RetriableError interface {
	error
	IsRetriable() bool
}

// IsRetriable checks if an error is retriable
func IsRetriable(err error) bool {
	var re RetriableError
	if errors.As(err, &re) {
		return re.IsRetriable()
	}
	return false
}

// ValidationError rejects caller input: bad parameters, zero amounts,
// unknown tokens, checked arithmetic overflow.
type ValidationError struct {
	Op    string
	Field string
	Err   error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " [" + e.Field + "]: " + e.Err.Error()
}

func (e *ValidationError) IsRetriable() bool { return false }
func (e *ValidationError) Unwrap() error     { return e.Err }

func NewValidationError(op string, err error, field string) *ValidationError {
	return &ValidationError{Op: op, Field: field, Err: err}
}

// StateError means the system is not in a state that allows the operation.
// Some states pass with time (a heartbeat cycle, a redemption window), so
// Retriable is set for those.
type StateError struct {
	Op        string
	Err       error
	Retriable bool
}

func (e *StateError) Error() string     { return e.Op + ": " + e.Err.Error() }
func (e *StateError) IsRetriable() bool { return e.Retriable }
func (e *StateError) Unwrap() error     { return e.Err }

func NewStateError(op string, err error) *StateError {
	return &StateError{Op: op, Err: err}
}

// NewWaitError is a StateError that clears once time advances.
func NewWaitError(op string, err error) *StateError {
	return &StateError{Op: op, Err: err, Retriable: true}
}

// CapacityError reports an amount that exceeds what is available.
type CapacityError struct {
	Op        string
	Err       error
	Requested *uint256.Int
	Available *uint256.Int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s: %v (requested %s, available %s)", e.Op, e.Err, dec(e.Requested), dec(e.Available))
}

func (e *CapacityError) IsRetriable() bool { return false }
func (e *CapacityError) Unwrap() error     { return e.Err }

func NewCapacityError(op string, err error, requested, available *uint256.Int) *CapacityError {
	return &CapacityError{Op: op, Err: err, Requested: requested, Available: available}
}

// ExternalCallError wraps a failure returned by a collaborator module.
type ExternalCallError struct {
	Op     string
	Target string
	Err    error
}

func (e *ExternalCallError) Error() string {
	return e.Op + " -> " + e.Target + ": " + e.Err.Error()
}

func (e *ExternalCallError) IsRetriable() bool { return IsRetriable(e.Err) }
func (e *ExternalCallError) Unwrap() error     { return e.Err }

func NewExternalCallError(op, target string, err error) *ExternalCallError {
	return &ExternalCallError{Op: op, Target: target, Err: err}
}

// RoundingError reports an operation that rounds to nothing.
type RoundingError struct {
	Op  string
	Err error
}

func (e *RoundingError) Error() string     { return e.Op + ": " + e.Err.Error() }
func (e *RoundingError) IsRetriable() bool { return false }
func (e *RoundingError) Unwrap() error     { return e.Err }

func NewRoundingError(op string, err error) *RoundingError {
	return &RoundingError{Op: op, Err: err}
}

// NetworkError represents a network-related error that may be retriable
type NetworkError struct {
	Op        string // Operation that failed (e.g., "connect", "read", "write")
	Err       error  // Underlying error
	Retriable bool   // Whether this error is retriable
}

func (e *NetworkError) Error() string {
	return e.Op + ": " + e.Err.Error()
}

func (e *NetworkError) IsRetriable() bool {
	return e.Retriable
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new retriable network error
func NewNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: true}
}

// NewFatalNetworkError creates a non-retriable network error
func NewFatalNetworkError(op string, err error) *NetworkError {
	return &NetworkError{Op: op, Err: err, Retriable: false}
}

// ConfigError represents a configuration error (never retriable)
type ConfigError struct {
	Field string
	Err   error
}

func (e *ConfigError) Error() string {
	return "config error [" + e.Field + "]: " + e.Err.Error()
}

func (e *ConfigError) IsRetriable() bool {
	return false
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

func dec(x *uint256.Int) string {
	if x == nil {
		return "0"
	}
	return x.Dec()
}

var (
	// Lifecycle
	ErrInactive           = errors.New("inactive")
	ErrNotInitialized     = errors.New("not initialized")
	ErrAlreadyInitialized = errors.New("already initialized")
	ErrDisabled           = errors.New("disabled")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrReentrant          = errors.New("reentrant call")

	// Range and market
	ErrWallDown              = errors.New("wall down")
	ErrInsufficientCapacity  = errors.New("insufficient capacity")
	ErrAmountLessThanMinimum = errors.New("amount less than minimum")
	ErrMarketNotLive         = errors.New("market not live")
	ErrInvalidToken          = errors.New("invalid token")
	ErrStalePrice            = errors.New("stale price")

	// Heartbeat
	ErrBeatStopped   = errors.New("beat stopped")
	ErrOutOfCycle    = errors.New("out of cycle")
	ErrBeatAvailable = errors.New("beat available")

	// Amounts
	ErrZeroAmount            = errors.New("zero amount")
	ErrArithmetic            = errors.New("arithmetic overflow")
	ErrInvalidParams         = errors.New("invalid params")
	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientAllowance = errors.New("insufficient allowance")

	// Asset custody
	ErrNotFound           = errors.New("not found")
	ErrAssetNotConfigured = errors.New("asset not configured")
	ErrAssetExists        = errors.New("asset already configured")
	ErrDepositCapExceeded = errors.New("deposit cap exceeded")
	ErrMinimumDeposit     = errors.New("below minimum deposit")
	ErrFeeOnTransfer      = errors.New("fee on transfer detected")

	// Redemption
	ErrTooEarly        = errors.New("too early")
	ErrAlreadyRedeemed = errors.New("already redeemed")

	// Delegation
	ErrTooManyDelegates = errors.New("too many delegates")

	// ErrConnectionFailed is returned when websocket connection fails. It's usually retriable.
	ErrConnectionFailed = errors.New("connection failed")

	// ErrConfigNotFound is returned when configuration file is missing
	ErrConfigNotFound = errors.New("configuration not found")
)
