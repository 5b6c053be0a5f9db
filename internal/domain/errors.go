package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors carry no infrastructure dependency.

var (
	// Caller errors
	ErrInvalidAmount  = errors.New("amount must be a positive number of tokens")
	ErrUnknownFeature = errors.New("unknown feature")
	ErrInvalidAccount = errors.New("account id is required")

	// Storage errors. Callers treat these as "balance unknown", never as zero.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrAccountNotFound    = errors.New("account not found")

	// Compare-and-swap outcomes reported by stores
	ErrConflict     = errors.New("balance changed concurrently")
	ErrDuplicateKey = errors.New("idempotency key already applied")
)
