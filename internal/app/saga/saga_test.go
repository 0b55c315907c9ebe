package saga

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tutu-network/transferd/internal/domain"
)

var t0 = time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

func newTestOrchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	o, err := New(DefaultConfig())
	require.NoError(t, err)
	return o
}

func request(ref string, amount int64, target string) domain.TransferRequest {
	return domain.TransferRequest{SourceAccount: "A123", TargetAccount: target, Amount: amount, ReferenceID: ref}
}

// script answers operation attempts in order; missing entries succeed.
type script map[domain.Operation][]domain.OperationOutcome

func (s script) next(op domain.Operation, attempt int) domain.OperationOutcome {
	if outs := s[op]; attempt-1 < len(outs) {
		return outs[attempt-1]
	}
	return domain.Succeeded(op.TxPrefix() + "0000000001")
}

// drive feeds scripted outcomes and fires retry timers until the transfer
// terminates or waits for approval.
func drive(t *testing.T, o *Orchestrator, tr *domain.Transfer, s script, now time.Time) time.Time {
	t.Helper()
	for i := 0; i < 100; i++ {
		switch tr.Awaiting {
		case domain.AwaitOperation:
			out := s.next(tr.PendingOp, tr.Attempt)
			require.NoError(t, o.HandleOutcome(tr, tr.PendingOp, tr.Attempt, out, now))
		case domain.AwaitRetry:
			now = tr.WakeAt
			require.NoError(t, o.HandleTimer(tr, now))
		default:
			return now
		}
	}
	t.Fatal("transfer did not settle")
	return now
}

// ─── Scenarios ──────────────────────────────────────────────────────────────

func TestScenario_SmallTransferCompletes(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, err := o.Start(request("REF999", 100, "B456"), "run-1", t0)
	require.NoError(t, err)
	assert.Equal(t, "money-transfer-REF999", tr.ID)
	assert.Equal(t, domain.OpWithdraw, tr.PendingOp)

	drive(t, o, tr, script{
		domain.OpWithdraw: {domain.Succeeded("w1111111111")},
		domain.OpDeposit:  {domain.Succeeded("d2222222222")},
	}, t0)

	assert.Equal(t, domain.StateCompleted, tr.State)
	require.NotNil(t, tr.Result)
	assert.Equal(t, domain.ResultCompleted, tr.Result.Status)
	assert.Equal(t, "transfer complete (transaction IDs: w1111111111, d2222222222)", tr.Result.Detail)
	assert.Equal(t, domain.GateApproved, tr.Gate, "below threshold bypasses the gate")
	assert.Equal(t, domain.AwaitNone, tr.Awaiting)
}

func TestScenario_ApprovedTransferCompletes(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, err := o.Start(request("REF1", 1000, "B456"), "run", t0)
	require.NoError(t, err)

	drive(t, o, tr, nil, t0)
	assert.Equal(t, domain.StateAwaitingApproval, tr.State)
	assert.True(t, tr.AwaitingApproval())
	assert.Equal(t, t0.Add(24*time.Hour), tr.WakeAt)

	accepted, err := o.HandleSignal(tr, domain.ApprovalSignal{Approved: true, ApprovedBy: "alice"}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, "alice", tr.ApprovedBy)

	drive(t, o, tr, nil, t0.Add(time.Minute))
	assert.Equal(t, domain.ResultCompleted, tr.Result.Status)
}

func TestScenario_InvalidAccountRefunds(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, err := o.Start(request("REF2", 100, "B5555"), "run", t0)
	require.NoError(t, err)

	drive(t, o, tr, script{
		domain.OpDeposit: {domain.Failed(domain.FailureInvalidAccount, "no such account")},
	}, t0)

	assert.Equal(t, domain.StateCompleted, tr.State)
	assert.Equal(t, domain.ResultRefunded, tr.Result.Status)
	assert.Equal(t, "DepositFailed:InvalidAccount", tr.Result.Detail)
	assert.NotEmpty(t, tr.RefundTxID)
	assert.Empty(t, tr.DepositTxID)
}

func TestScenario_InsufficientFundsFails(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, err := o.Start(request("REF3", 10000, "B456"), "run", t0)
	require.NoError(t, err)

	drive(t, o, tr, script{
		domain.OpWithdraw: {domain.Failed(domain.FailureInsufficientFunds, "too poor")},
	}, t0)

	assert.Equal(t, domain.StateFailed, tr.State)
	assert.Equal(t, domain.ResultFailed, tr.Result.Status)
	assert.Equal(t, "WithdrawFailed:InsufficientFunds", tr.Result.Detail)
	assert.False(t, tr.Result.ManualIntervention)
	assert.Empty(t, tr.RefundTxID, "nothing to compensate")
}

func TestScenario_ApprovalRejectedRefunds(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-r", 700, "B456"), "run", t0)
	drive(t, o, tr, nil, t0)

	accepted, err := o.HandleSignal(tr, domain.ApprovalSignal{Approved: false}, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, accepted)
	assert.Equal(t, domain.StateRefunding, tr.State)
	assert.Equal(t, domain.OpRefund, tr.PendingOp)

	drive(t, o, tr, nil, t0.Add(time.Hour))
	assert.Equal(t, domain.ResultRefunded, tr.Result.Status)
	assert.Equal(t, "ApprovalRejected", tr.Result.Detail)
}

func TestScenario_ApprovalTimeoutRefunds(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ApprovalTimeout = 2 * time.Second
	o, err := New(cfg)
	require.NoError(t, err)

	tr, _ := o.Start(request("REF-t", 1000, "B456"), "run", t0)
	drive(t, o, tr, nil, t0)

	assert.ErrorIs(t, o.HandleTimer(tr, t0.Add(time.Second)), domain.ErrStaleEvent, "early timer")
	require.NoError(t, o.HandleTimer(tr, t0.Add(2*time.Second)))
	assert.Equal(t, domain.GateTimedOut, tr.Gate)

	drive(t, o, tr, nil, t0.Add(2*time.Second))
	assert.Equal(t, domain.ResultRefunded, tr.Result.Status)
	assert.Equal(t, "ApprovalTimedOut", tr.Result.Detail)

	// A late approval changes nothing.
	before := *tr.Result
	accepted, err := o.HandleSignal(tr, domain.ApprovalSignal{Approved: true}, t0.Add(3*time.Second))
	assert.False(t, accepted)
	assert.ErrorIs(t, err, domain.ErrNotAwaitingApproval)
	assert.Equal(t, before, *tr.Result)
}

func TestSignalAtDeadlineTimesOut(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-d", 1000, "B456"), "run", t0)
	drive(t, o, tr, nil, t0)

	accepted, err := o.HandleSignal(tr, domain.ApprovalSignal{Approved: true}, tr.WakeAt)
	require.NoError(t, err)
	assert.False(t, accepted)
	assert.Equal(t, domain.GateTimedOut, tr.Gate)
	assert.Equal(t, domain.ReasonApprovalTimedOut, tr.CompensationReason)
}

func TestDuplicateSignalIgnored(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-dup", 1000, "B456"), "run", t0)
	drive(t, o, tr, nil, t0)

	accepted, err := o.HandleSignal(tr, domain.ApprovalSignal{Approved: true, ApprovedBy: "first"}, t0)
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = o.HandleSignal(tr, domain.ApprovalSignal{Approved: false, ApprovedBy: "second"}, t0)
	assert.False(t, accepted)
	assert.ErrorIs(t, err, domain.ErrNotAwaitingApproval)
	assert.Equal(t, "first", tr.ApprovedBy)
	assert.Equal(t, domain.StateApproved, tr.State)
}

// ─── Retry ──────────────────────────────────────────────────────────────────

func TestTransientWithdrawRetriesThenSucceeds(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-rt", 100, "B456"), "run", t0)

	transient := domain.Failed(domain.FailureTransient, "blip")
	require.NoError(t, o.HandleOutcome(tr, domain.OpWithdraw, 1, transient, t0))
	assert.Equal(t, domain.AwaitRetry, tr.Awaiting)
	assert.Equal(t, t0.Add(time.Second), tr.WakeAt)

	require.NoError(t, o.HandleTimer(tr, tr.WakeAt))
	assert.Equal(t, domain.AwaitOperation, tr.Awaiting)
	assert.Equal(t, 2, tr.Attempt)

	now := tr.WakeAt
	require.NoError(t, o.HandleOutcome(tr, domain.OpWithdraw, 2, transient, now))
	assert.Equal(t, now.Add(2*time.Second), tr.WakeAt)

	drive(t, o, tr, nil, now)
	assert.Equal(t, domain.ResultCompleted, tr.Result.Status)
}

func TestWithdrawRetryExhausted(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-ex", 100, "B456"), "run", t0)

	transient := domain.Failed(domain.FailureTransient, "down")
	drive(t, o, tr, script{domain.OpWithdraw: {transient, transient, transient, transient, transient}}, t0)

	assert.Equal(t, domain.ResultFailed, tr.Result.Status)
	assert.Equal(t, "WithdrawFailed:TransientError", tr.Result.Detail)
	assert.Equal(t, 5, tr.Attempt)
}

func TestDepositRetryExhaustedCompensates(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-dx", 100, "B456"), "run", t0)

	transient := domain.Failed(domain.FailureTransient, "down")
	drive(t, o, tr, script{domain.OpDeposit: {transient, transient, transient, transient, transient}}, t0)

	assert.Equal(t, domain.ResultRefunded, tr.Result.Status)
	assert.Equal(t, "DepositFailed:TransientError", tr.Result.Detail)
}

func TestRefundFailureNeedsManualIntervention(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-rf", 100, "B5555"), "run", t0)

	transient := domain.Failed(domain.FailureTransient, "ledger down")
	drive(t, o, tr, script{
		domain.OpDeposit: {domain.Failed(domain.FailureInvalidAccount, "bad")},
		domain.OpRefund:  {transient, transient, transient, transient, transient},
	}, t0)

	assert.Equal(t, domain.StateFailed, tr.State)
	assert.Equal(t, domain.ResultFailed, tr.Result.Status)
	assert.Equal(t, "compensation failed", tr.Result.Detail)
	assert.True(t, tr.Result.ManualIntervention)
}

// ─── Stale events ───────────────────────────────────────────────────────────

func TestStaleOutcomesIgnored(t *testing.T) {
	o := newTestOrchestrator(t)
	tr, _ := o.Start(request("REF-s", 100, "B456"), "run", t0)

	require.NoError(t, o.HandleOutcome(tr, domain.OpWithdraw, 1, domain.Succeeded("w1"), t0))
	snapshot := *tr

	err := o.HandleOutcome(tr, domain.OpWithdraw, 1, domain.Succeeded("w1"), t0)
	assert.ErrorIs(t, err, domain.ErrStaleEvent)
	err = o.HandleOutcome(tr, domain.OpDeposit, 2, domain.Succeeded("d1"), t0)
	assert.ErrorIs(t, err, domain.ErrStaleEvent)
	assert.Equal(t, snapshot, *tr)

	assert.ErrorIs(t, o.HandleTimer(tr, t0.Add(time.Hour)), domain.ErrStaleEvent, "no timer while awaiting an operation")

	drive(t, o, tr, nil, t0)
	err = o.HandleOutcome(tr, domain.OpDeposit, 1, domain.Succeeded("d1"), t0)
	assert.ErrorIs(t, err, domain.ErrTransferTerminal)
}

// ─── Cancellation ───────────────────────────────────────────────────────────

func TestCancel(t *testing.T) {
	transient := domain.Failed(domain.FailureTransient, "blip")

	t.Run("during approval refunds", func(t *testing.T) {
		o := newTestOrchestrator(t)
		tr, _ := o.Start(request("C1", 1000, "B456"), "run", t0)
		drive(t, o, tr, nil, t0)

		require.NoError(t, o.HandleCancel(tr, t0))
		assert.Equal(t, domain.StateRefunding, tr.State)
		assert.False(t, tr.AwaitingApproval())
		drive(t, o, tr, nil, t0)
		assert.Equal(t, domain.ResultRefunded, tr.Result.Status)
		assert.Equal(t, "Cancelled", tr.Result.Detail)
	})

	t.Run("during withdraw retry fails", func(t *testing.T) {
		o := newTestOrchestrator(t)
		tr, _ := o.Start(request("C2", 100, "B456"), "run", t0)
		require.NoError(t, o.HandleOutcome(tr, domain.OpWithdraw, 1, transient, t0))

		require.NoError(t, o.HandleCancel(tr, t0))
		assert.Equal(t, domain.ResultFailed, tr.Result.Status)
		assert.Equal(t, "Cancelled", tr.Result.Detail)
	})

	t.Run("during deposit retry refunds", func(t *testing.T) {
		o := newTestOrchestrator(t)
		tr, _ := o.Start(request("C3", 100, "B456"), "run", t0)
		require.NoError(t, o.HandleOutcome(tr, domain.OpWithdraw, 1, domain.Succeeded("w1"), t0))
		require.NoError(t, o.HandleOutcome(tr, domain.OpDeposit, 1, transient, t0))

		require.NoError(t, o.HandleCancel(tr, t0))
		assert.Equal(t, domain.OpRefund, tr.PendingOp)
		drive(t, o, tr, nil, t0)
		assert.Equal(t, domain.ResultRefunded, tr.Result.Status)
	})

	t.Run("operation in flight is not cancellable", func(t *testing.T) {
		o := newTestOrchestrator(t)
		tr, _ := o.Start(request("C4", 100, "B456"), "run", t0)
		assert.ErrorIs(t, o.HandleCancel(tr, t0), domain.ErrNotCancellable)
	})

	t.Run("refund retry is not cancellable", func(t *testing.T) {
		o := newTestOrchestrator(t)
		tr, _ := o.Start(request("C5", 100, "B5555"), "run", t0)
		require.NoError(t, o.HandleOutcome(tr, domain.OpWithdraw, 1, domain.Succeeded("w1"), t0))
		require.NoError(t, o.HandleOutcome(tr, domain.OpDeposit, 1, domain.Failed(domain.FailureInvalidAccount, "x"), t0))
		require.NoError(t, o.HandleOutcome(tr, domain.OpRefund, 1, transient, t0))
		assert.ErrorIs(t, o.HandleCancel(tr, t0), domain.ErrNotCancellable)
	})

	t.Run("terminal", func(t *testing.T) {
		o := newTestOrchestrator(t)
		tr, _ := o.Start(request("C6", 100, "B456"), "run", t0)
		drive(t, o, tr, nil, t0)
		assert.ErrorIs(t, o.HandleCancel(tr, t0), domain.ErrTransferTerminal)
	})
}

// ─── Gate ───────────────────────────────────────────────────────────────────

func TestGate(t *testing.T) {
	g := Gate{Threshold: 500, Timeout: time.Hour}
	assert.True(t, g.Required(500), "threshold is inclusive")
	assert.False(t, g.Required(499))

	tr := &domain.Transfer{Request: request("G", 500, "B"), Gate: domain.GateIdle}
	assert.True(t, g.Open(tr, t0))
	assert.Equal(t, t0.Add(time.Hour), tr.WakeAt)

	assert.False(t, g.Expire(tr, t0.Add(59*time.Minute)))
	assert.True(t, g.Expire(tr, t0.Add(time.Hour)))
	_, ok := g.Deliver(tr, domain.ApprovalSignal{Approved: true})
	assert.False(t, ok, "closed gate ignores signals")
}

// ─── Config ─────────────────────────────────────────────────────────────────

func TestConfigValidate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ApprovalThreshold = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.ApprovalTimeout = 0
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Retry.MaxAttempts = 0
	_, err := New(cfg)
	assert.Error(t, err)
}

func TestStartRejectsInvalidRequest(t *testing.T) {
	o := newTestOrchestrator(t)
	_, err := o.Start(domain.TransferRequest{ReferenceID: "x"}, "run", t0)
	assert.True(t, errors.Is(err, domain.ErrInvalidRequest))
}

// escalator flags transfers to the listed targets.
type escalator map[string]string

func (e escalator) Escalations(req domain.TransferRequest) []string {
	if name, ok := e[req.TargetAccount]; ok {
		return []string{name}
	}
	return nil
}

func TestGate_Reasons(t *testing.T) {
	g := Gate{Threshold: 500, Timeout: time.Hour, Rules: escalator{"B999": "watchlist"}}
	assert.Empty(t, g.Reasons(request("R", 100, "B456")))
	assert.Equal(t, []string{"watchlist"}, g.Reasons(request("R", 100, "B999")))
	assert.Equal(t, []string{domain.ApprovalReasonThreshold, "watchlist"}, g.Reasons(request("R", 900, "B999")))

	tr := &domain.Transfer{Request: request("R", 100, "B456"), Gate: domain.GateIdle}
	assert.False(t, g.Open(tr, t0))
	assert.Equal(t, domain.GateApproved, tr.Gate)
	assert.Empty(t, tr.ApprovalReasons)
}

func TestScenario_RuleEscalatesSmallTransfer(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Rules = escalator{"B999": "watchlist"}
	o, err := New(cfg)
	require.NoError(t, err)

	tr, err := o.Start(request("RULE1", 100, "B999"), "run", t0)
	require.NoError(t, err)
	drive(t, o, tr, nil, t0)
	assert.Equal(t, domain.StateAwaitingApproval, tr.State)
	assert.Equal(t, []string{"watchlist"}, tr.ApprovalReasons)

	accepted, err := o.HandleSignal(tr, domain.ApprovalSignal{Approved: true, ApprovedBy: "alice"}, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, accepted)
	drive(t, o, tr, nil, t0.Add(time.Minute))
	assert.Equal(t, domain.ResultCompleted, tr.Result.Status)

	other, err := o.Start(request("RULE2", 100, "B456"), "run", t0)
	require.NoError(t, err)
	drive(t, o, other, nil, t0)
	assert.Equal(t, domain.ResultCompleted, other.Result.Status, "unflagged small transfer skips approval")
}
