package model

import "errors"

// Sentinel errors for the engine. Handlers classify these into HTTP
// statuses; orchestrators wrap them with context via fmt.Errorf and %w.
var (
	ErrInvalidAmount      = errors.New("invalid amount")
	ErrInvalidOutcome     = errors.New("invalid outcome")
	ErrInvalidProbability = errors.New("invalid probability")

	ErrNotFound      = errors.New("not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrNotOwner      = errors.New("bet not owned by user")

	ErrMarketClosed    = errors.New("market closed")
	ErrAlreadyResolved = errors.New("market already resolved")
	ErrAlreadySold     = errors.New("bet already sold")
	ErrOrderNotOpen    = errors.New("order not open")
	ErrAlreadyExists   = errors.New("already exists")
	ErrWrongMechanism  = errors.New("operation not supported by market mechanism")

	ErrInsufficientBalance   = errors.New("insufficient balance")
	ErrInsufficientShares    = errors.New("insufficient shares")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")

	// ErrOverflow means a pricing computation produced a non-finite
	// intermediate. Always fatal to the triggering request.
	ErrOverflow = errors.New("numeric overflow")

	// ErrVersionConflict means a commit lost an optimistic-concurrency
	// race; orchestrators retry a bounded number of times before
	// surfacing it.
	ErrVersionConflict = errors.New("version conflict")
)
