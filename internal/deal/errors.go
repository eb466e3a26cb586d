package deal

import "errors"

// Header errors
var (
	ErrMissingID             = errors.New("transaction id is required")
	ErrInvalidID             = errors.New("invalid transaction id")
	ErrInvalidBusinessUnit   = errors.New("invalid business unit")
	ErrMissingClient         = errors.New("client name is required")
	ErrInvalidStatus         = errors.New("invalid approval status")
	ErrInvalidTerm           = errors.New("contract term must be positive")
	ErrNegativeAmount        = errors.New("amount cannot be negative")
	ErrInvalidCommissionRate = errors.New("commission rate must be between 0 and 1")
	ErrMissingFile           = errors.New("source file name is required")
	ErrMissingFingerprint    = errors.New("file fingerprint is required")
)

// Lookup errors
var (
	ErrNotFound = errors.New("transaction not found")
)

// Transition errors
var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusChanged     = errors.New("transaction status changed concurrently")
	ErrStale             = errors.New("transaction changed since it was loaded")
)
