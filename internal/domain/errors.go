package domain

import "errors"

// ─── Sentinel Errors ────────────────────────────────────────────────────────
// Domain errors are pure, with no infrastructure dependency.

var (
	// Request errors
	ErrInvalidRequest = errors.New("invalid transfer request")

	// Instance errors
	ErrTransferNotFound = errors.New("transfer not found")
	ErrTransferExists   = errors.New("transfer already exists")
	ErrTransferTerminal = errors.New("transfer already finished")

	// Orchestration errors
	ErrInvalidTransition   = errors.New("invalid state transition")
	ErrStaleEvent          = errors.New("event does not match the pending step")
	ErrNotAwaitingApproval = errors.New("transfer is not awaiting approval")
	ErrNotCancellable      = errors.New("transfer cannot be cancelled in its current step")

	// Journal errors
	ErrJournalConflict = errors.New("journal entry conflicts with recorded operation")

	// Store errors
	ErrStoreClosed = errors.New("store is closed")
)
