package saga

import (
	"time"

	"github.com/tutu-network/transferd/internal/app/retry"
	"github.com/tutu-network/transferd/internal/domain"
)

// Compensator undoes a successful withdraw with a refund under the same
// reference id, then resolves the transfer's final result.
type Compensator struct {
	Retry retry.Policy
}

// Begin moves the transfer to Refunding and dispatches the first refund
// attempt. reason becomes the Refunded result's detail.
func (c Compensator) Begin(t *domain.Transfer, reason string, now time.Time) error {
	if err := t.Advance(domain.StateRefunding, now); err != nil {
		return err
	}
	t.CompensationReason = reason
	dispatch(t, domain.OpRefund, 1, now)
	return nil
}

// Resolve applies the outcome of a refund attempt.
func (c Compensator) Resolve(t *domain.Transfer, out domain.OperationOutcome, now time.Time) error {
	switch {
	case out.OK():
		t.RefundTxID = out.TransactionID
		if err := t.Advance(domain.StateCompleted, now); err != nil {
			return err
		}
		finish(t, domain.ResultRefunded, t.CompensationReason, false, now)

	case out.Retryable() && !c.Retry.Exhausted(t.Attempt):
		t.LastError = out.Failure.Error()
		scheduleRetry(t, c.Retry, now)

	default:
		// Money left the source account and could not be returned.
		t.LastError = out.Failure.Error()
		if err := t.Advance(domain.StateFailed, now); err != nil {
			return err
		}
		finish(t, domain.ResultFailed, domain.DetailCompensationFailed, true, now)
	}
	return nil
}
