// Package executor runs account operation invocations on a bounded pool.
//
// The executor:
//  1. Waits for a concurrency slot (or the caller's context)
//  2. Applies the start-to-close timeout
//  3. Routes to the backend registered for the operation
//  4. Converts panics and unknown operations into TransientError
//  5. Keeps successes that arrive after the timeout
//  6. Traces and meters every invocation
package executor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/transferd/internal/domain"
	"github.com/tutu-network/transferd/internal/infra/logging"
	"github.com/tutu-network/transferd/internal/infra/observability"
)

// Backend executes one operation invocation.
type Backend interface {
	Execute(ctx context.Context, inv domain.Invocation) domain.OperationOutcome
}

// BackendFunc adapts a function to Backend.
type BackendFunc func(ctx context.Context, inv domain.Invocation) domain.OperationOutcome

// Execute calls f.
func (f BackendFunc) Execute(ctx context.Context, inv domain.Invocation) domain.OperationOutcome {
	return f(ctx, inv)
}

// Config controls executor behavior.
type Config struct {
	MaxConcurrent    int           // Maximum concurrent invocations (default: 4)
	OperationTimeout time.Duration // Start-to-close timeout (default: 1m)
}

// DefaultConfig returns safe executor defaults.
func DefaultConfig() Config {
	return Config{
		MaxConcurrent:    4,
		OperationTimeout: time.Minute,
	}
}

// Executor dispatches invocations to registered backends.
type Executor struct {
	mu        sync.RWMutex
	config    Config
	backends  map[domain.Operation]Backend
	sem       chan struct{} // Concurrency semaphore
	tracer    *observability.Tracer
	logger    *zap.Logger
	active    int
	completed int64
	failed    int64
}

// New creates an executor.
func New(cfg Config, tracer *observability.Tracer, logger *zap.Logger) *Executor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultConfig().MaxConcurrent
	}
	if tracer == nil {
		tracer = observability.NewTracer(observability.TracerConfig{Enabled: false})
	}
	return &Executor{
		config:   cfg,
		backends: make(map[domain.Operation]Backend),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
		tracer:   tracer,
		logger:   logging.OrNop(logger).Named("executor"),
	}
}

// RegisterBackend registers the backend for an operation.
func (e *Executor) RegisterBackend(op domain.Operation, backend Backend) {
	e.mu.Lock()
	e.backends[op] = backend
	e.mu.Unlock()
}

// RegisterAccountOperations routes withdraw, deposit and refund to ops.
func (e *Executor) RegisterAccountOperations(ops domain.AccountOperations) {
	e.RegisterBackend(domain.OpWithdraw, BackendFunc(func(ctx context.Context, inv domain.Invocation) domain.OperationOutcome {
		return ops.Withdraw(ctx, inv.Account(), inv.Request.Amount, inv.Request.ReferenceID)
	}))
	e.RegisterBackend(domain.OpDeposit, BackendFunc(func(ctx context.Context, inv domain.Invocation) domain.OperationOutcome {
		return ops.Deposit(ctx, inv.Account(), inv.Request.Amount, inv.Request.ReferenceID)
	}))
	e.RegisterBackend(domain.OpRefund, BackendFunc(func(ctx context.Context, inv domain.Invocation) domain.OperationOutcome {
		return ops.Refund(ctx, inv.Account(), inv.Request.Amount, inv.Request.ReferenceID)
	}))
}

// Execute runs inv and returns its outcome. It blocks until a slot is free;
// if ctx ends first the outcome is a TransientError.
func (e *Executor) Execute(ctx context.Context, inv domain.Invocation) (out domain.OperationOutcome) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return domain.Failed(domain.FailureTransient, "no executor slot: %v", ctx.Err())
	}
	defer func() { <-e.sem }() // Release concurrency slot

	e.mu.Lock()
	e.active++
	e.mu.Unlock()
	observability.ExecutorActive.Inc()

	start := time.Now()
	ctx, span := e.tracer.StartSpan(ctx, string(inv.Operation), map[string]string{
		"transfer_id": inv.TransferID,
		"attempt":     fmt.Sprint(inv.Attempt),
	})
	log := logging.WithTrace(ctx, e.logger).With(
		zap.String("transfer_id", inv.TransferID),
		zap.String("op", string(inv.Operation)),
		zap.Int("attempt", inv.Attempt),
	)

	defer func() {
		if r := recover(); r != nil {
			log.Error("backend panicked", zap.Any("panic", r))
			out = domain.Failed(domain.FailureTransient, "%s panicked: %v", inv.Operation, r)
		}

		var spanErr error
		if out.Failure != nil {
			spanErr = out.Failure
		}
		e.tracer.EndSpan(span, spanErr)
		observability.ExecutorActive.Dec()
		observability.OperationInvocations.WithLabelValues(string(inv.Operation), out.Label()).Inc()
		observability.OperationLatency.WithLabelValues(string(inv.Operation)).Observe(time.Since(start).Seconds())

		e.mu.Lock()
		e.active--
		if out.OK() {
			e.completed++
		} else {
			e.failed++
		}
		e.mu.Unlock()
	}()

	e.mu.RLock()
	backend, ok := e.backends[inv.Operation]
	e.mu.RUnlock()
	if !ok {
		log.Warn("no backend registered")
		return domain.Failed(domain.FailureTransient, "no backend for operation %q", inv.Operation)
	}

	execCtx := ctx
	if e.config.OperationTimeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, e.config.OperationTimeout)
		defer cancel()
	}

	log.Debug("executing")
	out = backend.Execute(execCtx, inv)
	if err := execCtx.Err(); err != nil && out.OK() {
		// The backend committed; a late success is still a success.
		log.Warn("completed after timeout", zap.Duration("elapsed", time.Since(start)), zap.Error(err))
	}
	if out.OK() {
		log.Debug("completed", zap.String("tx_id", out.TransactionID))
	} else {
		log.Info("failed", zap.String("kind", string(out.Failure.Kind)), zap.String("message", out.Failure.Message))
	}
	return out
}

// Stats returns executor statistics.
type Stats struct {
	Active    int   `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	MaxSlots  int   `json:"max_slots"`
	FreeSlots int   `json:"free_slots"`
}

// Stats returns current executor statistics.
func (e *Executor) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	return Stats{
		Active:    e.active,
		Completed: e.completed,
		Failed:    e.failed,
		MaxSlots:  e.config.MaxConcurrent,
		FreeSlots: e.config.MaxConcurrent - e.active,
	}
}

// ActiveCount returns the number of currently executing invocations.
func (e *Executor) ActiveCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.active
}
