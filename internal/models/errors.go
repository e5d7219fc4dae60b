package models

import "errors"

// Business error taxonomy. Handlers map these to problem responses; anything
// not in this set is treated as an internal failure.
var (
	// Authentication: opaque to the caller, detail stays in the logs.
	ErrInvalidSignature = errors.New("invalid signature")

	// Authorization: the caller does not own the referenced account.
	ErrNotAccountOwner = errors.New("caller does not own account")

	// Validation.
	ErrAccountNotFound    = errors.New("account not found")
	ErrSettlementNotFound = errors.New("settlement not found")
	ErrUnknownEvent       = errors.New("unknown webhook event type")
	ErrMalformedWebhook   = errors.New("malformed webhook payload")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrTxNotFound         = errors.New("chain transaction not found")
	ErrTxUnconfirmed      = errors.New("chain transaction not confirmed")
	ErrWrongDestination   = errors.New("chain transaction destination mismatch")
	ErrAmountMismatch     = errors.New("chain transaction amount mismatch")

	// Conflict.
	ErrAlreadyProcessed  = errors.New("external reference already processed")
	ErrInvalidTransition = errors.New("illegal settlement state transition")

	// Upstream: the external protocol was unreachable or returned an error.
	ErrUpstream = errors.New("settlement protocol request failed")
)
