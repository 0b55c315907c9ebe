// Package saga is the transfer state machine: withdraw, an optional approval
// gate, deposit, and refund compensation.
//
// Every handler is a pure transition over the persisted *domain.Transfer. A
// handler never blocks or performs I/O; it leaves the continuation (Awaiting,
// PendingOp, Attempt, WakeAt) describing what the runtime must do next.
package saga

import (
	"fmt"
	"time"

	"github.com/tutu-network/transferd/internal/app/retry"
	"github.com/tutu-network/transferd/internal/domain"
)

// Config is the immutable, process-wide orchestration configuration.
type Config struct {
	ApprovalThreshold int64
	ApprovalTimeout   time.Duration
	Retry             retry.Policy
	Rules             Escalator // escalates below-threshold transfers; nil for none
}

// DefaultConfig returns the standard thresholds and retry policy.
func DefaultConfig() Config {
	return Config{
		ApprovalThreshold: 500,
		ApprovalTimeout:   24 * time.Hour,
		Retry:             retry.DefaultPolicy(),
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.ApprovalThreshold <= 0 {
		return fmt.Errorf("saga: approval threshold must be positive, got %d", c.ApprovalThreshold)
	}
	if c.ApprovalTimeout <= 0 {
		return fmt.Errorf("saga: approval timeout must be positive, got %s", c.ApprovalTimeout)
	}
	return c.Retry.Validate()
}

// Orchestrator sequences a transfer.
type Orchestrator struct {
	cfg         Config
	gate        Gate
	compensator Compensator
}

// New creates an orchestrator.
func New(cfg Config) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:         cfg,
		gate:        Gate{Threshold: cfg.ApprovalThreshold, Timeout: cfg.ApprovalTimeout, Rules: cfg.Rules},
		compensator: Compensator{Retry: cfg.Retry},
	}, nil
}

// Config returns the orchestrator's configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Gate returns the approval gate.
func (o *Orchestrator) Gate() Gate { return o.gate }

// ─── Start ──────────────────────────────────────────────────────────────────

// Start builds a new instance for req with the first withdraw pending.
func (o *Orchestrator) Start(req domain.TransferRequest, runID string, now time.Time) (*domain.Transfer, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	t := &domain.Transfer{
		ID:        req.Handle(),
		RunID:     runID,
		Request:   req,
		State:     domain.StateStarted,
		Gate:      domain.GateIdle,
		CreatedAt: now,
		UpdatedAt: now,
	}
	dispatch(t, domain.OpWithdraw, 1, now)
	return t, nil
}

// ─── Operation outcomes ─────────────────────────────────────────────────────

// HandleOutcome applies the outcome of attempt of op. Outcomes for anything
// other than the pending attempt are stale.
func (o *Orchestrator) HandleOutcome(t *domain.Transfer, op domain.Operation, attempt int, out domain.OperationOutcome, now time.Time) error {
	if t.Terminal() {
		return domain.ErrTransferTerminal
	}
	if t.Awaiting != domain.AwaitOperation || t.PendingOp != op || t.Attempt != attempt {
		return fmt.Errorf("%w: got %s#%d, pending %s %s#%d", domain.ErrStaleEvent, op, attempt, t.Awaiting, t.PendingOp, t.Attempt)
	}

	switch op {
	case domain.OpWithdraw:
		return o.onWithdraw(t, out, now)
	case domain.OpDeposit:
		return o.onDeposit(t, out, now)
	case domain.OpRefund:
		return o.compensator.Resolve(t, out, now)
	}
	return fmt.Errorf("saga: unknown operation %q", op)
}

func (o *Orchestrator) onWithdraw(t *domain.Transfer, out domain.OperationOutcome, now time.Time) error {
	switch {
	case out.OK():
		t.WithdrawTxID = out.TransactionID
		if err := t.Advance(domain.StateWithdrawn, now); err != nil {
			return err
		}
		return o.afterWithdraw(t, now)

	case out.Retryable() && !o.cfg.Retry.Exhausted(t.Attempt):
		t.LastError = out.Failure.Error()
		scheduleRetry(t, o.cfg.Retry, now)
		return nil

	default:
		// Nothing moved, so there is nothing to compensate.
		t.LastError = out.Failure.Error()
		if err := t.Advance(domain.StateFailed, now); err != nil {
			return err
		}
		finish(t, domain.ResultFailed, domain.WithdrawFailedDetail(out.Failure.Kind), false, now)
		return nil
	}
}

func (o *Orchestrator) afterWithdraw(t *domain.Transfer, now time.Time) error {
	if len(o.gate.Reasons(t.Request)) > 0 {
		if err := t.Advance(domain.StateAwaitingApproval, now); err != nil {
			return err
		}
		o.gate.Open(t, now)
		return nil
	}
	o.gate.Open(t, now)
	if err := t.Advance(domain.StateApproved, now); err != nil {
		return err
	}
	dispatch(t, domain.OpDeposit, 1, now)
	return nil
}

func (o *Orchestrator) onDeposit(t *domain.Transfer, out domain.OperationOutcome, now time.Time) error {
	switch {
	case out.OK():
		t.DepositTxID = out.TransactionID
		if err := t.Advance(domain.StateDeposited, now); err != nil {
			return err
		}
		if err := t.Advance(domain.StateCompleted, now); err != nil {
			return err
		}
		detail := fmt.Sprintf("transfer complete (transaction IDs: %s, %s)", t.WithdrawTxID, t.DepositTxID)
		finish(t, domain.ResultCompleted, detail, false, now)
		return nil

	case out.Retryable() && !o.cfg.Retry.Exhausted(t.Attempt):
		t.LastError = out.Failure.Error()
		scheduleRetry(t, o.cfg.Retry, now)
		return nil

	default:
		t.LastError = out.Failure.Error()
		return o.compensator.Begin(t, domain.DepositFailedReason(out.Failure.Kind), now)
	}
}

// ─── Timers ─────────────────────────────────────────────────────────────────

// HandleTimer fires the transfer's pending timer: the next retry attempt or
// the approval deadline. Early or unexpected timers are stale.
func (o *Orchestrator) HandleTimer(t *domain.Transfer, now time.Time) error {
	if t.Terminal() {
		return domain.ErrTransferTerminal
	}
	if t.WakeAt.IsZero() || now.Before(t.WakeAt) {
		return fmt.Errorf("%w: timer not due (wake at %s)", domain.ErrStaleEvent, t.WakeAt)
	}

	switch t.Awaiting {
	case domain.AwaitRetry:
		dispatch(t, t.PendingOp, t.Attempt+1, now)
		return nil
	case domain.AwaitApproval:
		return o.expireApproval(t, now)
	}
	return fmt.Errorf("%w: no timer pending while awaiting %s", domain.ErrStaleEvent, t.Awaiting)
}

func (o *Orchestrator) expireApproval(t *domain.Transfer, now time.Time) error {
	if !o.gate.Expire(t, now) {
		return fmt.Errorf("%w: approval gate is %s", domain.ErrStaleEvent, t.Gate)
	}
	return o.compensator.Begin(t, domain.ReasonApprovalTimedOut, now)
}

// ─── Signals ────────────────────────────────────────────────────────────────

// HandleSignal delivers an approval signal. It reports whether the gate
// consumed it. A signal arriving at or after the deadline closes the gate as
// timed out instead; the transfer still changes, so the caller must persist.
func (o *Orchestrator) HandleSignal(t *domain.Transfer, sig domain.ApprovalSignal, now time.Time) (bool, error) {
	if t.Terminal() || !t.AwaitingApproval() {
		return false, domain.ErrNotAwaitingApproval
	}
	if !now.Before(t.WakeAt) {
		return false, o.expireApproval(t, now)
	}

	outcome, ok := o.gate.Deliver(t, sig)
	if !ok {
		return false, domain.ErrNotAwaitingApproval
	}
	t.UpdatedAt = now

	if outcome == domain.ApprovalGranted {
		if err := t.Advance(domain.StateApproved, now); err != nil {
			return true, err
		}
		dispatch(t, domain.OpDeposit, 1, now)
		return true, nil
	}
	return true, o.compensator.Begin(t, domain.ReasonApprovalRejected, now)
}

// ─── Cancellation ───────────────────────────────────────────────────────────

// HandleCancel stops a transfer that is suspended on the approval gate or a
// retry backoff. A withdraw still being retried fails outright; once money
// has moved the transfer is refunded. Anything else is not cancellable.
func (o *Orchestrator) HandleCancel(t *domain.Transfer, now time.Time) error {
	if t.Terminal() {
		return domain.ErrTransferTerminal
	}

	switch {
	case t.AwaitingApproval():
		// A cancelled gate reads as rejected.
		t.Gate = domain.GateRejected
		return o.compensator.Begin(t, domain.ReasonCancelled, now)

	case t.Awaiting == domain.AwaitRetry && t.PendingOp == domain.OpWithdraw:
		if err := t.Advance(domain.StateFailed, now); err != nil {
			return err
		}
		finish(t, domain.ResultFailed, domain.ReasonCancelled, false, now)
		return nil

	case t.Awaiting == domain.AwaitRetry && t.PendingOp == domain.OpDeposit:
		return o.compensator.Begin(t, domain.ReasonCancelled, now)
	}
	return fmt.Errorf("%w: awaiting %s %s", domain.ErrNotCancellable, t.Awaiting, t.PendingOp)
}

// ─── Continuation helpers ───────────────────────────────────────────────────

func dispatch(t *domain.Transfer, op domain.Operation, attempt int, now time.Time) {
	t.Awaiting = domain.AwaitOperation
	t.PendingOp = op
	t.Attempt = attempt
	t.WakeAt = time.Time{}
	t.UpdatedAt = now
}

func scheduleRetry(t *domain.Transfer, p retry.Policy, now time.Time) {
	t.Awaiting = domain.AwaitRetry
	t.WakeAt = now.Add(p.Delay(t.Attempt))
	t.UpdatedAt = now
}

func finish(t *domain.Transfer, status domain.ResultStatus, detail string, manual bool, now time.Time) {
	t.Result = &domain.TransferResult{
		Status:             status,
		Detail:             detail,
		ManualIntervention: manual,
		CompletedAt:        now,
	}
	t.Awaiting = domain.AwaitNone
	t.PendingOp = ""
	t.WakeAt = time.Time{}
	t.UpdatedAt = now
}
