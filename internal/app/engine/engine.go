// Package engine is the durable runtime that drives transfers. It persists
// every transition, dispatches pending operations to the executor, fires
// retry and approval timers, delivers approval signals, answers queries, and
// resumes every unfinished transfer after a restart.
package engine

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tutu-network/transferd/internal/app/saga"
	"github.com/tutu-network/transferd/internal/domain"
	"github.com/tutu-network/transferd/internal/infra/dsa"
	"github.com/tutu-network/transferd/internal/infra/logging"
	"github.com/tutu-network/transferd/internal/infra/observability"
)

// DefaultTaskQueue names the queue transfers are dispatched on.
const DefaultTaskQueue = "money-transfer"

const lockStripes = 64

// Dispatcher runs one operation invocation to completion.
type Dispatcher interface {
	Execute(ctx context.Context, inv domain.Invocation) domain.OperationOutcome
}

// Config is injected at construction and never changes.
type Config struct {
	TaskQueue string
}

// Engine owns the lifecycle of every transfer.
type Engine struct {
	cfg    Config
	store  domain.TransferStore
	orch   *saga.Orchestrator
	exec   Dispatcher
	timers *dsa.TimerQueue
	logger *zap.Logger

	// Now is the engine clock; replace before Start in tests.
	Now func() time.Time

	locks [lockStripes]sync.Mutex // per-transfer serialization

	mu       sync.Mutex
	running  bool
	runCtx   context.Context
	cancel   context.CancelFunc
	inflight map[string]struct{}
	watchers map[string]map[chan struct{}]struct{}
	wg       sync.WaitGroup
}

// New creates an engine. Nothing runs until Start.
func New(cfg Config, store domain.TransferStore, orch *saga.Orchestrator, exec Dispatcher, logger *zap.Logger) (*Engine, error) {
	if store == nil || orch == nil || exec == nil {
		return nil, errors.New("engine: store, orchestrator and dispatcher are required")
	}
	if cfg.TaskQueue == "" {
		cfg.TaskQueue = DefaultTaskQueue
	}
	e := &Engine{
		cfg:      cfg,
		store:    store,
		orch:     orch,
		exec:     exec,
		timers:   dsa.NewTimerQueue(),
		logger:   logging.OrNop(logger).Named("engine").With(zap.String("task_queue", cfg.TaskQueue)),
		Now:      time.Now,
		inflight: make(map[string]struct{}),
		watchers: make(map[string]map[chan struct{}]struct{}),
	}
	return e, nil
}

// TaskQueue returns the configured queue name.
func (e *Engine) TaskQueue() string { return e.cfg.TaskQueue }

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// Start launches the timer loop and resumes every unfinished transfer:
// pending operations are dispatched again and timers re-armed. Overdue
// timers fire immediately.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine: already running")
	}
	e.runCtx, e.cancel = context.WithCancel(context.Background())
	e.running = true
	e.mu.Unlock()

	e.timers.SetClock(e.Now)

	pending, err := e.store.List(ctx, domain.FilterRunning)
	if err != nil {
		e.Stop(context.Background())
		return fmt.Errorf("recover transfers: %w", err)
	}
	observability.TransfersActive.Set(float64(len(pending)))

	e.wg.Add(1)
	go e.timerLoop(e.runCtx)

	for _, t := range pending {
		mu := e.lockFor(t.ID)
		mu.Lock()
		e.advance(t)
		mu.Unlock()
		e.logger.Info("recovered transfer",
			zap.String("transfer_id", t.ID),
			zap.String("state", string(t.State)),
			zap.String("awaiting", string(t.Awaiting)))
	}
	e.logger.Info("engine started", zap.Int("recovered", len(pending)))
	return nil
}

// Stop halts dispatching and waits for in-flight invocations, bounded by ctx.
// Outcomes that arrive after Stop begins are discarded; their transfers keep
// the persisted continuation and resume on the next Start.
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return nil
	}
	e.running = false
	e.cancel()
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		e.logger.Info("engine stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("engine stop: %w", ctx.Err())
	}
}

func (e *Engine) isRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// ─── Commands ───────────────────────────────────────────────────────────────

// Submit starts a transfer. A request whose reference id already has an
// instance returns that instance with created=false.
func (e *Engine) Submit(ctx context.Context, req domain.TransferRequest) (*domain.Transfer, bool, error) {
	t, err := e.orch.Start(req, uuid.NewString(), e.Now())
	if err != nil {
		return nil, false, err
	}

	mu := e.lockFor(t.ID)
	mu.Lock()
	defer mu.Unlock()

	if err := e.store.Create(ctx, t); err != nil {
		if errors.Is(err, domain.ErrTransferExists) {
			existing, gerr := e.store.Get(ctx, t.ID)
			if gerr != nil {
				return nil, false, gerr
			}
			return existing, false, nil
		}
		return nil, false, err
	}

	observability.TransfersStarted.Inc()
	observability.TransfersActive.Inc()
	e.logger.Info("transfer started",
		zap.String("transfer_id", t.ID),
		zap.String("run_id", t.RunID),
		zap.String("from", req.SourceAccount),
		zap.String("to", req.TargetAccount),
		zap.String("amount", domain.FormatAmount(req.Amount)))

	e.advance(t)
	return t.Clone(), true, nil
}

// Signal delivers an approval decision. It reports whether the gate
// consumed it; signals for transfers not waiting on approval are ignored.
func (e *Engine) Signal(ctx context.Context, id string, sig domain.ApprovalSignal) (bool, error) {
	if sig.Timestamp.IsZero() {
		sig.Timestamp = e.Now()
	}
	var accepted bool
	_, err := e.apply(ctx, id, func(t *domain.Transfer, now time.Time) error {
		var err error
		accepted, err = e.orch.HandleSignal(t, sig, now)
		return err
	})

	decision := "rejected"
	if sig.Approved {
		decision = "approved"
	}
	observability.ApprovalSignals.WithLabelValues(decision, fmt.Sprint(accepted)).Inc()

	if errors.Is(err, domain.ErrNotAwaitingApproval) {
		e.logger.Info("approval signal ignored", zap.String("transfer_id", normalizeID(id)))
		return false, nil
	}
	return accepted, err
}

// Cancel stops a transfer suspended on approval or a retry backoff.
func (e *Engine) Cancel(ctx context.Context, id string) error {
	_, err := e.apply(ctx, id, func(t *domain.Transfer, now time.Time) error {
		return e.orch.HandleCancel(t, now)
	})
	if errors.Is(err, domain.ErrTransferTerminal) {
		return fmt.Errorf("%w: %v", domain.ErrNotCancellable, err)
	}
	return err
}

// ─── Queries ────────────────────────────────────────────────────────────────

// Get returns a transfer by handle or reference id.
func (e *Engine) Get(ctx context.Context, id string) (*domain.Transfer, error) {
	return e.store.Get(ctx, normalizeID(id))
}

// List returns transfers matching filter.
func (e *Engine) List(ctx context.Context, filter domain.ListFilter) ([]*domain.Transfer, error) {
	return e.store.List(ctx, filter)
}

// Await blocks until the transfer produces its result or ctx ends.
func (e *Engine) Await(ctx context.Context, id string) (*domain.TransferResult, error) {
	t, err := e.waitFor(ctx, id, func(t *domain.Transfer) (bool, error) {
		return t.Result != nil, nil
	})
	if err != nil {
		return nil, err
	}
	return t.Result, nil
}

// AwaitApproval blocks until the approval gate closes and returns how.
// Transfers that finish without ever opening the gate report
// ErrNotAwaitingApproval.
func (e *Engine) AwaitApproval(ctx context.Context, id string) (domain.ApprovalOutcome, error) {
	t, err := e.waitFor(ctx, id, func(t *domain.Transfer) (bool, error) {
		if _, ok := domain.OutcomeForPhase(t.Gate); ok {
			return true, nil
		}
		if t.Terminal() {
			return false, domain.ErrNotAwaitingApproval
		}
		return false, nil
	})
	if err != nil {
		return "", err
	}
	outcome, _ := domain.OutcomeForPhase(t.Gate)
	return outcome, nil
}

func (e *Engine) waitFor(ctx context.Context, id string, done func(*domain.Transfer) (bool, error)) (*domain.Transfer, error) {
	id = normalizeID(id)
	ch := e.watch(id)
	defer e.unwatch(id, ch)

	for {
		t, err := e.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		ok, err := done(t)
		if err != nil {
			return nil, err
		}
		if ok {
			return t, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// ─── Transitions ────────────────────────────────────────────────────────────

// apply loads the transfer, runs fn under the transfer's lock, persists the
// result, and acts on the new continuation. Nothing is saved if fn fails.
func (e *Engine) apply(ctx context.Context, id string, fn func(t *domain.Transfer, now time.Time) error) (*domain.Transfer, error) {
	id = normalizeID(id)
	mu := e.lockFor(id)
	mu.Lock()
	defer mu.Unlock()

	t, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	before := t.Clone()
	if err := fn(t, e.Now()); err != nil {
		return t, err
	}
	if err := e.store.Save(ctx, t); err != nil {
		return nil, fmt.Errorf("persist %s: %w", id, err)
	}
	e.observe(before, t)
	e.advance(t)
	return t.Clone(), nil
}

// advance acts on a persisted continuation. Callers hold the transfer lock.
func (e *Engine) advance(t *domain.Transfer) {
	switch t.Awaiting {
	case domain.AwaitOperation:
		e.timers.Cancel(t.ID)
		e.dispatch(t.Clone())
	case domain.AwaitRetry, domain.AwaitApproval:
		e.timers.Schedule(t.ID, t.WakeAt)
	default:
		e.timers.Cancel(t.ID)
	}
	e.notify(t.ID)
}

func (e *Engine) dispatch(t *domain.Transfer) {
	inv := domain.Invocation{
		TransferID: t.ID,
		Operation:  t.PendingOp,
		Attempt:    t.Attempt,
		Request:    t.Request,
	}
	key := fmt.Sprintf("%s|%s|%d", inv.TransferID, inv.Operation, inv.Attempt)

	e.mu.Lock()
	if !e.running {
		// Persisted; the next Start dispatches it.
		e.mu.Unlock()
		return
	}
	if _, dup := e.inflight[key]; dup {
		e.mu.Unlock()
		return
	}
	e.inflight[key] = struct{}{}
	ctx := e.runCtx
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		out := e.exec.Execute(ctx, inv)

		e.mu.Lock()
		delete(e.inflight, key)
		e.mu.Unlock()

		e.deliver(inv, out)
	}()
}

func (e *Engine) deliver(inv domain.Invocation, out domain.OperationOutcome) {
	log := e.logger.With(
		zap.String("transfer_id", inv.TransferID),
		zap.String("op", string(inv.Operation)),
		zap.Int("attempt", inv.Attempt))

	if !e.isRunning() {
		log.Info("dropping outcome after stop", zap.String("outcome", out.Label()))
		return
	}
	_, err := e.apply(context.Background(), inv.TransferID, func(t *domain.Transfer, now time.Time) error {
		return e.orch.HandleOutcome(t, inv.Operation, inv.Attempt, out, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleEvent), errors.Is(err, domain.ErrTransferTerminal):
		log.Debug("ignoring stale outcome", zap.Error(err))
	default:
		log.Error("applying outcome failed", zap.Error(err))
	}
}

// ─── Timers ─────────────────────────────────────────────────────────────────

func (e *Engine) timerLoop(ctx context.Context) {
	defer e.wg.Done()

	for {
		for _, due := range e.timers.PopDue() {
			e.fire(ctx, due.Key)
		}

		var wake <-chan time.Time
		var timer *time.Timer
		if d, ok := e.timers.Next(); ok {
			timer = time.NewTimer(d)
			wake = timer.C
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-e.timers.C():
		case <-wake:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

func (e *Engine) fire(ctx context.Context, id string) {
	_, err := e.apply(ctx, id, func(t *domain.Transfer, now time.Time) error {
		return e.orch.HandleTimer(t, now)
	})
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrStaleEvent), errors.Is(err, domain.ErrTransferTerminal):
		e.logger.Debug("ignoring stale timer", zap.String("transfer_id", id), zap.Error(err))
	default:
		e.logger.Error("firing timer failed", zap.String("transfer_id", id), zap.Error(err))
	}
}

// ─── Observation ────────────────────────────────────────────────────────────

func (e *Engine) observe(before, after *domain.Transfer) {
	log := e.logger.With(zap.String("transfer_id", after.ID))

	if before.State != after.State {
		log.Info("transition",
			zap.String("from", string(before.State)),
			zap.String("to", string(after.State)))
	}
	if before.Awaiting != domain.AwaitRetry && after.Awaiting == domain.AwaitRetry {
		observability.OperationRetries.WithLabelValues(string(after.PendingOp)).Inc()
		log.Info("retry scheduled",
			zap.String("op", string(after.PendingOp)),
			zap.Int("attempt", after.Attempt),
			zap.Time("wake_at", after.WakeAt),
			zap.String("last_error", after.LastError))
	}
	if before.Gate != after.Gate {
		if outcome, ok := domain.OutcomeForPhase(after.Gate); ok {
			observability.ApprovalOutcomes.WithLabelValues(string(outcome)).Inc()
		}
	}
	if !before.Terminal() && after.Terminal() && after.Result != nil {
		r := after.Result
		observability.TransfersFinished.WithLabelValues(string(r.Status)).Inc()
		observability.TransfersActive.Dec()
		observability.TransferDuration.WithLabelValues(string(r.Status)).Observe(r.CompletedAt.Sub(after.CreatedAt).Seconds())
		if r.ManualIntervention {
			observability.CompensationFailures.Inc()
			log.Error("compensation failed, manual intervention required",
				zap.String("reason", after.CompensationReason),
				zap.String("last_error", after.LastError))
		}
		log.Info("transfer finished", zap.String("status", string(r.Status)), zap.String("detail", r.Detail))
	}
}

// ─── Watchers ───────────────────────────────────────────────────────────────

func (e *Engine) watch(id string) chan struct{} {
	ch := make(chan struct{}, 1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.watchers[id] == nil {
		e.watchers[id] = make(map[chan struct{}]struct{})
	}
	e.watchers[id][ch] = struct{}{}
	return ch
}

func (e *Engine) unwatch(id string, ch chan struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.watchers[id], ch)
	if len(e.watchers[id]) == 0 {
		delete(e.watchers, id)
	}
}

func (e *Engine) notify(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for ch := range e.watchers[id] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// ─── helpers ────────────────────────────────────────────────────────────────

func (e *Engine) lockFor(id string) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(id))
	return &e.locks[h.Sum32()%lockStripes]
}

// normalizeID accepts a full handle or a bare reference id.
func normalizeID(id string) string {
	if strings.HasPrefix(id, domain.HandlePrefix) {
		return id
	}
	return domain.HandleFor(id)
}
