// Package banking simulates the account operations a transfer moves money
// with. Every operation is idempotent on (referenceID, operation) through
// the journal; failures are classified so the orchestrator can decide
// between retry and compensation.
package banking

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/tutu-network/transferd/internal/domain"
	"github.com/tutu-network/transferd/internal/infra/logging"
)

// Config holds the simulation rules.
type Config struct {
	// InsufficientFundsThreshold: withdrawals strictly above it fail.
	InsufficientFundsThreshold int64
	// InvalidAccountPattern matches deposit targets that do not exist.
	InvalidAccountPattern string
	// ProcessingDelay is how long a successful call takes.
	ProcessingDelay time.Duration
	// TransientFailureRate in [0,1] injects TransientError.
	TransientFailureRate float64
}

// DefaultConfig returns the rules the sample scenarios rely on.
func DefaultConfig() Config {
	return Config{
		InsufficientFundsThreshold: 5000,
		InvalidAccountPattern:      `^B5555$`,
		ProcessingDelay:            200 * time.Millisecond,
	}
}

// Service implements domain.AccountOperations.
type Service struct {
	cfg     Config
	invalid *regexp.Regexp
	journal domain.Journal
	logger  *zap.Logger

	// Injectable for tests.
	Now    func() time.Time
	Random func() float64
	TxID   func(op domain.Operation) string
}

var _ domain.AccountOperations = (*Service)(nil)

// New creates a banking service over the given journal.
func New(cfg Config, journal domain.Journal, logger *zap.Logger) (*Service, error) {
	if journal == nil {
		return nil, errors.New("banking: journal is required")
	}
	if cfg.TransientFailureRate < 0 || cfg.TransientFailureRate > 1 {
		return nil, fmt.Errorf("banking: transient failure rate %g outside [0,1]", cfg.TransientFailureRate)
	}
	var invalid *regexp.Regexp
	if cfg.InvalidAccountPattern != "" {
		re, err := regexp.Compile(cfg.InvalidAccountPattern)
		if err != nil {
			return nil, fmt.Errorf("banking: invalid account pattern: %w", err)
		}
		invalid = re
	}
	return &Service{
		cfg:     cfg,
		invalid: invalid,
		journal: journal,
		logger:  logging.OrNop(logger).Named("banking"),
		Now:     time.Now,
		Random:  rand.Float64,
		TxID:    NewTransactionID,
	}, nil
}

// NewTransactionID returns the operation prefix followed by ten digits.
func NewTransactionID(op domain.Operation) string {
	return fmt.Sprintf("%s%010d", op.TxPrefix(), rand.Int64N(10_000_000_000))
}

// Withdraw debits the source account.
func (s *Service) Withdraw(ctx context.Context, accountID string, amount int64, referenceID string) domain.OperationOutcome {
	return s.apply(ctx, domain.OpWithdraw, accountID, amount, referenceID, func() *domain.OperationOutcome {
		if amount > s.cfg.InsufficientFundsThreshold {
			o := domain.Failed(domain.FailureInsufficientFunds, "account %s cannot cover %s", accountID, domain.FormatAmount(amount))
			return &o
		}
		return nil
	})
}

// Deposit credits the target account.
func (s *Service) Deposit(ctx context.Context, accountID string, amount int64, referenceID string) domain.OperationOutcome {
	return s.apply(ctx, domain.OpDeposit, accountID, amount, referenceID, func() *domain.OperationOutcome {
		if s.invalid != nil && s.invalid.MatchString(accountID) {
			o := domain.Failed(domain.FailureInvalidAccount, "account %s does not exist", accountID)
			return &o
		}
		return nil
	})
}

// Refund returns a withdrawn amount to the source account. It applies no
// business validation; only transient faults can fail it.
func (s *Service) Refund(ctx context.Context, accountID string, amount int64, referenceID string) domain.OperationOutcome {
	return s.apply(ctx, domain.OpRefund, accountID, amount, referenceID, nil)
}

func (s *Service) apply(
	ctx context.Context,
	op domain.Operation,
	accountID string,
	amount int64,
	referenceID string,
	validate func() *domain.OperationOutcome,
) domain.OperationOutcome {
	log := s.logger.With(zap.String("op", string(op)), zap.String("reference_id", referenceID))

	// Replays return the original transaction without touching the account.
	prior, err := s.journal.Lookup(ctx, referenceID, op)
	if err != nil {
		log.Warn("journal lookup failed", zap.Error(err))
		return domain.Failed(domain.FailureTransient, "journal lookup: %v", err)
	}
	if prior != nil {
		log.Debug("replayed from journal", zap.String("tx_id", prior.TransactionID))
		return domain.Succeeded(prior.TransactionID)
	}

	if validate != nil {
		if o := validate(); o != nil {
			log.Info("operation rejected", zap.String("kind", string(o.Failure.Kind)))
			return *o
		}
	}

	if err := sleep(ctx, s.cfg.ProcessingDelay); err != nil {
		return domain.Failed(domain.FailureTransient, "%s interrupted: %v", op, err)
	}

	if s.cfg.TransientFailureRate > 0 && s.Random() < s.cfg.TransientFailureRate {
		log.Info("injected transient failure")
		return domain.Failed(domain.FailureTransient, "%s on %s temporarily unavailable", op, accountID)
	}

	entry, err := s.journal.Record(ctx, domain.JournalEntry{
		ReferenceID:   referenceID,
		Operation:     op,
		Account:       accountID,
		Amount:        amount,
		TransactionID: s.TxID(op),
		RecordedAt:    s.Now().UTC(),
	})
	if err != nil {
		log.Warn("journal record failed", zap.Error(err))
		return domain.Failed(domain.FailureTransient, "journal record: %v", err)
	}
	log.Info("operation applied",
		zap.String("account", accountID),
		zap.String("amount", domain.FormatAmount(amount)),
		zap.String("tx_id", entry.TransactionID))
	return domain.Succeeded(entry.TransactionID)
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
