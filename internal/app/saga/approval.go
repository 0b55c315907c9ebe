package saga

import (
	"time"

	"github.com/tutu-network/transferd/internal/domain"
)

// Gate decides whether a transfer needs a human decision and tracks the
// single signal it will consume.
//
//	Idle ──Open──▶ Waiting ──Deliver──▶ Approved | Rejected
//	  │                └─────Expire───▶ TimedOut
//	  └──(no reasons)──▶ Approved
type Gate struct {
	Threshold int64
	Timeout   time.Duration
	Rules     Escalator // optional
}

// Escalator names the rules that send a request to approval regardless of
// its amount.
type Escalator interface {
	Escalations(req domain.TransferRequest) []string
}

// Required reports whether amount must be approved.
func (g Gate) Required(amount int64) bool {
	return amount >= g.Threshold
}

// Reasons lists why req needs approval: the threshold first, then any
// escalating rules by priority. Empty means no approval.
func (g Gate) Reasons(req domain.TransferRequest) []string {
	var reasons []string
	if g.Required(req.Amount) {
		reasons = append(reasons, domain.ApprovalReasonThreshold)
	}
	if g.Rules != nil {
		reasons = append(reasons, g.Rules.Escalations(req)...)
	}
	return reasons
}

// Open enters Waiting with a deadline when there is a reason to, or
// approves immediately. Reports whether the transfer now waits.
func (g Gate) Open(t *domain.Transfer, now time.Time) bool {
	if t.Gate != domain.GateIdle {
		return t.Gate == domain.GateWaiting
	}
	reasons := g.Reasons(t.Request)
	if len(reasons) == 0 {
		t.Gate = domain.GateApproved
		return false
	}
	t.ApprovalReasons = reasons
	t.Gate = domain.GateWaiting
	t.Awaiting = domain.AwaitApproval
	t.PendingOp = ""
	t.Attempt = 0
	t.WakeAt = now.Add(g.Timeout)
	return true
}

// Deliver consumes sig if the gate is waiting. Only the first signal counts;
// anything delivered outside Waiting is a no-op and reports false.
func (g Gate) Deliver(t *domain.Transfer, sig domain.ApprovalSignal) (domain.ApprovalOutcome, bool) {
	if t.Gate != domain.GateWaiting {
		return "", false
	}
	if sig.Approved {
		t.Gate = domain.GateApproved
		t.ApprovedBy = sig.ApprovedBy
		return domain.ApprovalGranted, true
	}
	t.Gate = domain.GateRejected
	return domain.ApprovalRejected, true
}

// Expire closes a waiting gate whose deadline has passed.
func (g Gate) Expire(t *domain.Transfer, now time.Time) bool {
	if t.Gate != domain.GateWaiting || now.Before(t.WakeAt) {
		return false
	}
	t.Gate = domain.GateTimedOut
	return true
}
