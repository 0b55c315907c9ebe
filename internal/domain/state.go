package domain

import "fmt"

// TransferState is the orchestrator's state.
type TransferState string

const (
	StateStarted          TransferState = "STARTED"
	StateWithdrawn        TransferState = "WITHDRAWN"
	StateAwaitingApproval TransferState = "AWAITING_APPROVAL"
	StateApproved         TransferState = "APPROVED"
	StateDeposited        TransferState = "DEPOSITED"
	StateRefunding        TransferState = "REFUNDING"
	StateCompleted        TransferState = "COMPLETED"
	StateFailed           TransferState = "FAILED"
)

// allowedTransitions is the monotonic state graph. Refunding is only
// reachable after money has left the source account.
var allowedTransitions = map[TransferState][]TransferState{
	StateStarted:          {StateWithdrawn, StateFailed},
	StateWithdrawn:        {StateAwaitingApproval, StateApproved},
	StateAwaitingApproval: {StateApproved, StateRefunding},
	StateApproved:         {StateDeposited, StateRefunding},
	StateDeposited:        {StateCompleted},
	StateRefunding:        {StateCompleted, StateFailed},
	StateCompleted:        {},
	StateFailed:           {},
}

// IsTerminal reports whether no further transition is possible.
func (s TransferState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is a known state.
func (s TransferState) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// CanTransition checks if a transition from one state to another is allowed.
func CanTransition(from, to TransferState) bool {
	for _, s := range allowedTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ValidateTransition returns ErrInvalidTransition if the edge is not allowed.
func ValidateTransition(from, to TransferState) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}
