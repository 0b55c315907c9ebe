package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/tutu-network/transferd/internal/domain"
)

// ─── Transfers API ──────────────────────────────────────────────────────────
//
// POST /api/transfers                  start a transfer (201 new, 200 existing)
// GET  /api/transfers?status=          list (all|running|completed|failed)
// GET  /api/transfers/{id}             state, awaiting_approval, result
// GET  /api/transfers/{id}/result      result, optionally ?wait=30s
// POST /api/transfers/{id}/approve     approval signal
// POST /api/transfers/{id}/reject      rejection signal
// POST /api/transfers/{id}/signal      raw approval signal
// POST /api/transfers/{id}/cancel      cancel while suspended

// MaxResultWait bounds ?wait on the result endpoint.
const MaxResultWait = 2 * time.Minute

// TransferService is what the handlers drive; the engine implements it.
type TransferService interface {
	Submit(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, bool, error)
	Signal(ctx context.Context, id string, sig domain.ApprovalSignal) (bool, error)
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.Transfer, error)
	List(ctx context.Context, filter domain.ListFilter) ([]*domain.Transfer, error)
	Await(ctx context.Context, id string) (*domain.TransferResult, error)
}

// TransferAPI serves the transfer endpoints.
type TransferAPI struct {
	Service TransferService
}

// SubmitRequest is the POST /api/transfers body. Amount accepts a JSON
// number or string of whole minor units.
type SubmitRequest struct {
	SourceAccount string          `json:"source_account"`
	TargetAccount string          `json:"target_account"`
	Amount        decimal.Decimal `json:"amount"`
	ReferenceID   string          `json:"reference_id"`
}

// SignalRequest is the body of the signal endpoints.
type SignalRequest struct {
	Approved   bool      `json:"approved"`
	ApprovedBy string    `json:"approved_by"`
	Timestamp  time.Time `json:"timestamp"`
}

// TransferView is the JSON shape of a transfer.
type TransferView struct {
	ID               string                 `json:"id"`
	RunID            string                 `json:"run_id"`
	Request          domain.TransferRequest `json:"request"`
	AmountDisplay    string                 `json:"amount_display"`
	State            domain.TransferState   `json:"state"`
	Awaiting         domain.Awaiting        `json:"awaiting"`
	PendingOperation domain.Operation       `json:"pending_operation,omitempty"`
	Attempt          int                    `json:"attempt,omitempty"`
	WakeAt           *time.Time             `json:"wake_at,omitempty"`
	AwaitingApproval bool                   `json:"awaiting_approval"`
	ApprovalGate     domain.GatePhase       `json:"approval_gate"`
	ApprovalReasons  []string               `json:"approval_reasons,omitempty"`
	ApprovedBy       string                 `json:"approved_by,omitempty"`
	WithdrawTxID     string                 `json:"withdraw_tx_id,omitempty"`
	DepositTxID      string                 `json:"deposit_tx_id,omitempty"`
	RefundTxID       string                 `json:"refund_tx_id,omitempty"`
	LastError        string                 `json:"last_error,omitempty"`
	Result           *domain.TransferResult `json:"result,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// NewTransferView renders t.
func NewTransferView(t *domain.Transfer) TransferView {
	v := TransferView{
		ID:               t.ID,
		RunID:            t.RunID,
		Request:          t.Request,
		AmountDisplay:    domain.FormatAmount(t.Request.Amount),
		State:            t.State,
		Awaiting:         t.Awaiting,
		PendingOperation: t.PendingOp,
		Attempt:          t.Attempt,
		AwaitingApproval: t.AwaitingApproval(),
		ApprovalGate:     t.Gate,
		ApprovalReasons:  t.ApprovalReasons,
		ApprovedBy:       t.ApprovedBy,
		WithdrawTxID:     t.WithdrawTxID,
		DepositTxID:      t.DepositTxID,
		RefundTxID:       t.RefundTxID,
		LastError:        t.LastError,
		Result:           t.Result,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
	if !t.WakeAt.IsZero() {
		wake := t.WakeAt
		v.WakeAt = &wake
	}
	return v
}

// HandleSubmit starts a transfer.
// POST /api/transfers
func (a *TransferAPI) HandleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	amount, err := domain.AmountFromDecimal(body.Amount)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	t, created, err := a.Service.Submit(r.Context(), domain.TransferRequest{
		SourceAccount: body.SourceAccount,
		TargetAccount: body.TargetAccount,
		Amount:        amount,
		ReferenceID:   body.ReferenceID,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]interface{}{
		"handle":   t.ID,
		"created":  created,
		"transfer": NewTransferView(t),
	})
}

// HandleList lists transfers.
// GET /api/transfers?status=running
func (a *TransferAPI) HandleList(w http.ResponseWriter, r *http.Request) {
	filter, err := domain.ParseListFilter(r.URL.Query().Get("status"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "status must be one of all, running, completed, failed")
		return
	}

	transfers, err := a.Service.List(r.Context(), filter)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	views := make([]TransferView, 0, len(transfers))
	for _, t := range transfers {
		views = append(views, NewTransferView(t))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"transfers": views,
		"count":     len(views),
	})
}

// HandleGet returns one transfer.
// GET /api/transfers/{id}
func (a *TransferAPI) HandleGet(w http.ResponseWriter, r *http.Request) {
	t, err := a.Service.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, NewTransferView(t))
}

// HandleResult returns the result, waiting up to ?wait for it.
// GET /api/transfers/{id}/result?wait=30s
// 200 with the result, or 202 if the transfer is still running.
func (a *TransferAPI) HandleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var wait time.Duration
	if raw := r.URL.Query().Get("wait"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid wait %q", raw))
			return
		}
		wait = min(d, MaxResultWait)
	}

	if wait > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		result, err := a.Service.Await(ctx, id)
		if err == nil {
			writeJSON(w, http.StatusOK, result)
			return
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			writeDomainError(w, err)
			return
		}
	}

	t, err := a.Service.Get(r.Context(), id)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if t.Result == nil {
		writeJSON(w, http.StatusAccepted, map[string]interface{}{
			"id":    t.ID,
			"state": t.State,
		})
		return
	}
	writeJSON(w, http.StatusOK, t.Result)
}

// HandleApprove sends an approval.
// POST /api/transfers/{id}/approve {"approved_by": "..."}
func (a *TransferAPI) HandleApprove(w http.ResponseWriter, r *http.Request) {
	var body SignalRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	a.signal(w, r, domain.ApprovalSignal{Approved: true, ApprovedBy: body.ApprovedBy, Timestamp: body.Timestamp})
}

// HandleReject sends a rejection.
// POST /api/transfers/{id}/reject
func (a *TransferAPI) HandleReject(w http.ResponseWriter, r *http.Request) {
	var body SignalRequest
	if !decodeOptional(w, r, &body) {
		return
	}
	a.signal(w, r, domain.ApprovalSignal{Approved: false, ApprovedBy: body.ApprovedBy, Timestamp: body.Timestamp})
}

// HandleSignal sends a raw approval signal.
// POST /api/transfers/{id}/signal {"approved": true, "approved_by": "...", "timestamp": "..."}
func (a *TransferAPI) HandleSignal(w http.ResponseWriter, r *http.Request) {
	var body SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	a.signal(w, r, domain.ApprovalSignal(body))
}

func (a *TransferAPI) signal(w http.ResponseWriter, r *http.Request, sig domain.ApprovalSignal) {
	id := chi.URLParam(r, "id")
	accepted, err := a.Service.Signal(r.Context(), id, sig)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !accepted {
		writeError(w, http.StatusConflict, "transfer is not awaiting approval; signal ignored")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":       id,
		"accepted": true,
		"approved": sig.Approved,
	})
}

// HandleCancel cancels a suspended transfer.
// POST /api/transfers/{id}/cancel
func (a *TransferAPI) HandleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.Service.Cancel(r.Context(), id); err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]interface{}{
		"id":        id,
		"cancelled": true,
	})
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if r.ContentLength == 0 {
		return true
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeDomainError maps sentinel errors to status codes.
func writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrTransferNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrNotCancellable),
		errors.Is(err, domain.ErrTransferTerminal),
		errors.Is(err, domain.ErrNotAwaitingApproval):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
