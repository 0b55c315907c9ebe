// Package domain contains pure business types with ZERO infrastructure imports.
// This is the innermost ring of clean architecture: it depends on nothing
// but the money type.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// HandlePrefix prefixes every transfer handle, so one reference id maps to
// exactly one orchestration instance.
const HandlePrefix = "money-transfer-"

// ─── Transfer Request ───────────────────────────────────────────────────────

// TransferRequest is the caller's instruction. Immutable once the
// orchestration starts.
type TransferRequest struct {
	SourceAccount string `json:"source_account"`
	TargetAccount string `json:"target_account"`
	Amount        int64  `json:"amount"` // minor units
	ReferenceID   string `json:"reference_id"`
}

// Validate checks the request shape. It does not apply banking rules;
// those belong to the account operations.
func (r TransferRequest) Validate() error {
	switch {
	case strings.TrimSpace(r.SourceAccount) == "":
		return fmt.Errorf("%w: source account is required", ErrInvalidRequest)
	case strings.TrimSpace(r.TargetAccount) == "":
		return fmt.Errorf("%w: target account is required", ErrInvalidRequest)
	case strings.TrimSpace(r.ReferenceID) == "":
		return fmt.Errorf("%w: reference id is required", ErrInvalidRequest)
	case r.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive, got %d", ErrInvalidRequest, r.Amount)
	case r.SourceAccount == r.TargetAccount:
		return fmt.Errorf("%w: source and target accounts must differ", ErrInvalidRequest)
	}
	return nil
}

// Handle returns the instance handle for this request.
func (r TransferRequest) Handle() string {
	return HandleFor(r.ReferenceID)
}

// HandleFor returns the transfer handle for a reference id.
func HandleFor(referenceID string) string {
	return HandlePrefix + referenceID
}

// ─── Money ──────────────────────────────────────────────────────────────────

// FormatAmount renders minor units as a two-decimal currency string.
func FormatAmount(minor int64) string {
	return "$" + decimal.New(minor, -2).StringFixed(2)
}

// ParseAmount parses a whole number of minor units, e.g. "25000".
func ParseAmount(s string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: amount %q: %v", ErrInvalidRequest, s, err)
	}
	return AmountFromDecimal(d)
}

// AmountFromDecimal converts d to minor units. It must be a positive whole
// number that fits in an int64.
func AmountFromDecimal(d decimal.Decimal) (int64, error) {
	if !d.IsInteger() {
		return 0, fmt.Errorf("%w: amount %s must be a whole number of minor units", ErrInvalidRequest, d)
	}
	if !d.IsPositive() {
		return 0, fmt.Errorf("%w: amount %s must be positive", ErrInvalidRequest, d)
	}
	n := d.BigInt()
	if !n.IsInt64() {
		return 0, fmt.Errorf("%w: amount %s is out of range", ErrInvalidRequest, d)
	}
	return n.Int64(), nil
}

// ─── Transfer Instance ──────────────────────────────────────────────────────

// Awaiting marks which external event a suspended transfer is waiting for.
// Together with State, PendingOp, Attempt and WakeAt it forms the persisted
// continuation a restart resumes from.
type Awaiting string

const (
	AwaitNone      Awaiting = "NONE"      // terminal
	AwaitOperation Awaiting = "OPERATION" // an operation outcome
	AwaitRetry     Awaiting = "RETRY"     // the retry backoff timer
	AwaitApproval  Awaiting = "APPROVAL"  // an approval signal or its deadline
)

// GatePhase is the approval gate's sub-state.
type GatePhase string

const (
	GateIdle     GatePhase = "IDLE"
	GateWaiting  GatePhase = "WAITING"
	GateApproved GatePhase = "APPROVED"
	GateRejected GatePhase = "REJECTED"
	GateTimedOut GatePhase = "TIMED_OUT"
)

// Closed reports whether the gate has reached a decision.
func (g GatePhase) Closed() bool {
	return g == GateApproved || g == GateRejected || g == GateTimedOut
}

// Transfer is one orchestration instance as persisted after every transition.
type Transfer struct {
	ID      string          `json:"id"`
	RunID   string          `json:"run_id"`
	Request TransferRequest `json:"request"`

	State     TransferState `json:"state"`
	Awaiting  Awaiting      `json:"awaiting"`
	PendingOp Operation     `json:"pending_op,omitempty"`
	Attempt   int           `json:"attempt,omitempty"`
	WakeAt    time.Time     `json:"wake_at,omitempty"`

	Gate            GatePhase `json:"gate"`
	ApprovalReasons []string  `json:"approval_reasons,omitempty"`
	ApprovedBy      string    `json:"approved_by,omitempty"`

	CompensationReason string `json:"compensation_reason,omitempty"`
	WithdrawTxID       string `json:"withdraw_tx_id,omitempty"`
	DepositTxID        string `json:"deposit_tx_id,omitempty"`
	RefundTxID         string `json:"refund_tx_id,omitempty"`
	LastError          string `json:"last_error,omitempty"`

	Result *TransferResult `json:"result,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Terminal reports whether the transfer has produced its result.
func (t *Transfer) Terminal() bool {
	return t.State.IsTerminal()
}

// AwaitingApproval reports whether the transfer is blocked on the gate.
func (t *Transfer) AwaitingApproval() bool {
	return t.Awaiting == AwaitApproval && t.Gate == GateWaiting
}

// Advance moves the transfer to the next state, rejecting edges the
// transition table does not allow.
func (t *Transfer) Advance(to TransferState, now time.Time) error {
	if err := ValidateTransition(t.State, to); err != nil {
		return err
	}
	t.State = to
	t.UpdatedAt = now
	return nil
}

// Clone returns a deep copy, safe to hand to callers.
func (t *Transfer) Clone() *Transfer {
	c := *t
	if t.ApprovalReasons != nil {
		c.ApprovalReasons = append([]string(nil), t.ApprovalReasons...)
	}
	if t.Result != nil {
		r := *t.Result
		c.Result = &r
	}
	return &c
}

// ─── Approval ───────────────────────────────────────────────────────────────

// ApprovalSignal is the external approver's decision.
type ApprovalSignal struct {
	Approved   bool      `json:"approved"`
	ApprovedBy string    `json:"approved_by,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// ApprovalOutcome is how the gate closed.
type ApprovalOutcome string

const (
	ApprovalGranted  ApprovalOutcome = "Approved"
	ApprovalRejected ApprovalOutcome = "Rejected"
	ApprovalTimedOut ApprovalOutcome = "TimedOut"
)

// OutcomeForPhase maps a closed gate phase to its outcome; ok is false while
// the gate is still open.
func OutcomeForPhase(p GatePhase) (ApprovalOutcome, bool) {
	switch p {
	case GateApproved:
		return ApprovalGranted, true
	case GateRejected:
		return ApprovalRejected, true
	case GateTimedOut:
		return ApprovalTimedOut, true
	}
	return "", false
}

// ─── Journal ────────────────────────────────────────────────────────────────

// JournalEntry records that an operation was applied for a reference id.
// The journal detects replays; it never tracks balances.
type JournalEntry struct {
	ReferenceID   string    `json:"reference_id"`
	Operation     Operation `json:"operation"`
	Account       string    `json:"account"`
	Amount        int64     `json:"amount"`
	TransactionID string    `json:"transaction_id"`
	RecordedAt    time.Time `json:"recorded_at"`
}
