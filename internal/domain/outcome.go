package domain

import (
	"fmt"
	"time"
)

// ─── Operations ─────────────────────────────────────────────────────────────

// Operation names a unit of work dispatched to the account executor.
type Operation string

const (
	OpWithdraw Operation = "withdraw"
	OpDeposit  Operation = "deposit"
	OpRefund   Operation = "refund"
)

// Valid reports whether op is a known operation.
func (op Operation) Valid() bool {
	return op == OpWithdraw || op == OpDeposit || op == OpRefund
}

// TxPrefix is the transaction id prefix the ledger uses for op.
func (op Operation) TxPrefix() string {
	switch op {
	case OpWithdraw:
		return "w"
	case OpDeposit:
		return "d"
	case OpRefund:
		return "r"
	}
	return "x"
}

// Invocation is one attempt of an operation on behalf of a transfer.
type Invocation struct {
	TransferID string
	Operation  Operation
	Attempt    int
	Request    TransferRequest
}

// Account returns the account the operation touches.
func (inv Invocation) Account() string {
	if inv.Operation == OpDeposit {
		return inv.Request.TargetAccount
	}
	return inv.Request.SourceAccount
}

// ─── Failures ───────────────────────────────────────────────────────────────

// FailureKind classifies an operation failure.
type FailureKind string

const (
	FailureInvalidAccount    FailureKind = "InvalidAccount"
	FailureInsufficientFunds FailureKind = "InsufficientFunds"
	FailureTransient         FailureKind = "TransientError"
)

// Retryable reports whether the executor's caller may retry. Business
// failures are deterministic and never retried.
func (k FailureKind) Retryable() bool {
	return k == FailureTransient
}

// OperationFailure is a typed operation error.
type OperationFailure struct {
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

func (f *OperationFailure) Error() string {
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

// OperationOutcome is the result of withdraw, deposit or refund: either a
// transaction id or a failure.
type OperationOutcome struct {
	TransactionID string            `json:"transaction_id,omitempty"`
	Failure       *OperationFailure `json:"failure,omitempty"`
}

// Succeeded builds a success outcome.
func Succeeded(txID string) OperationOutcome {
	return OperationOutcome{TransactionID: txID}
}

// Failed builds a failure outcome.
func Failed(kind FailureKind, format string, args ...any) OperationOutcome {
	return OperationOutcome{Failure: &OperationFailure{Kind: kind, Message: fmt.Sprintf(format, args...)}}
}

// OK reports success.
func (o OperationOutcome) OK() bool { return o.Failure == nil }

// Retryable reports whether the failure may be retried.
func (o OperationOutcome) Retryable() bool {
	return o.Failure != nil && o.Failure.Kind.Retryable()
}

// Label is a low-cardinality outcome name for metrics and logs.
func (o OperationOutcome) Label() string {
	if o.Failure == nil {
		return "success"
	}
	return string(o.Failure.Kind)
}

// ─── Results ────────────────────────────────────────────────────────────────

// ResultStatus is the final status reported to the caller.
type ResultStatus string

const (
	ResultCompleted ResultStatus = "Completed"
	ResultRefunded  ResultStatus = "Refunded"
	ResultFailed    ResultStatus = "Failed"
)

// ApprovalReasonThreshold is recorded when the amount alone requires
// approval; escalating rules add their own names.
const ApprovalReasonThreshold = "AmountThreshold"

// Compensation reasons carried as the Refunded result's detail.
const (
	ReasonApprovalRejected = "ApprovalRejected"
	ReasonApprovalTimedOut = "ApprovalTimedOut"
	ReasonCancelled        = "Cancelled"
	reasonDepositFailed    = "DepositFailed"
	reasonWithdrawFailed   = "WithdrawFailed"
)

// DetailCompensationFailed is the Failed detail when the refund could not
// be applied. Such transfers need an operator.
const DetailCompensationFailed = "compensation failed"

// DepositFailedReason formats the compensation reason for a deposit failure.
func DepositFailedReason(kind FailureKind) string {
	return reasonDepositFailed + ":" + string(kind)
}

// WithdrawFailedDetail formats the Failed detail for a withdraw failure.
func WithdrawFailedDetail(kind FailureKind) string {
	return reasonWithdrawFailed + ":" + string(kind)
}

// TransferResult is the final value of an orchestration. Created once.
type TransferResult struct {
	Status             ResultStatus `json:"status"`
	Detail             string       `json:"detail"`
	ManualIntervention bool         `json:"manual_intervention,omitempty"`
	CompletedAt        time.Time    `json:"completed_at"`
}
