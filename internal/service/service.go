package service

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rongwang/points-ledger/internal/metrics"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/repository"
	"github.com/rs/zerolog"
)

// Service defines all the ledger operations
type Service interface {
	// Ledger core
	CreateTransaction(ctx context.Context, actorID int64, in CreateTransactionInput) (*models.Transaction, error)
	ProcessRedemption(ctx context.Context, transactionID, processorID int64) (*models.Transaction, error)

	// Suspicious reversal
	SetSuspicious(ctx context.Context, actorID, transactionID int64, suspicious bool) (*models.Transaction, error)

	// Event budget
	AwardEventPoints(ctx context.Context, in EventAwardInput) (*EventAwardResult, error)

	// Reads
	GetTransaction(ctx context.Context, actorID, transactionID int64) (*models.Transaction, error)
	GetUser(ctx context.Context, userID int64) (*models.User, error)
	AuditTrail(ctx context.Context, actorID, transactionID int64) ([]models.AuditEntry, error)
}

// Auditor receives a record of every committed operation. Failures are
// logged and never fail the operation.
type Auditor interface {
	Record(ctx context.Context, entry models.AuditEntry) error
}

type nopAuditor struct{}

func (nopAuditor) Record(context.Context, models.AuditEntry) error { return nil }

// NopAuditor discards audit entries.
func NopAuditor() Auditor { return nopAuditor{} }

// AuditReader is implemented by auditors that can replay what they recorded.
type AuditReader interface {
	ForTransaction(ctx context.Context, transactionID int64) ([]models.AuditEntry, error)
}

// Operation names used for metrics and audit entries.
const (
	opCreateTransaction = "create_transaction"
	opProcessRedemption = "process_redemption"
	opSetSuspicious     = "set_suspicious"
	opAwardEvent        = "award_event"
)

// DefaultService implements the Service interface
type DefaultService struct {
	repo       repository.Repository
	promotions *PromotionEngine
	auditor    Auditor
	log        zerolog.Logger
	now        func() time.Time
}

// Option customises a DefaultService.
type Option func(*DefaultService)

// WithClock overrides the time source used for promotion windows and event end times.
func WithClock(now func() time.Time) Option {
	return func(s *DefaultService) { s.now = now }
}

// WithAuditor sets where committed operations are recorded.
func WithAuditor(a Auditor) Option {
	return func(s *DefaultService) { s.auditor = a }
}

// NewDefaultService creates a new DefaultService
func NewDefaultService(repo repository.Repository, log zerolog.Logger, opts ...Option) *DefaultService {
	s := &DefaultService{
		repo:       repo,
		promotions: NewPromotionEngine(),
		auditor:    NopAuditor(),
		log:        log,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// GetUser returns the user record including the current balance.
func (s *DefaultService) GetUser(ctx context.Context, userID int64) (*models.User, error) {
	user, err := s.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, models.NotFound("user", userID)
	}
	return user, nil
}

// GetTransaction returns a transaction to its owner or to a manager.
func (s *DefaultService) GetTransaction(ctx context.Context, actorID, transactionID int64) (*models.Transaction, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}

	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, models.NotFound("transaction", transactionID)
	}

	if t.OwnerID != actor.ID && !models.RoleAtLeast(actor.Role, models.RoleManager) {
		return nil, models.Forbidden("transaction %d belongs to another user", transactionID)
	}
	return t, nil
}

// AuditTrail returns the recorded operations that touched a transaction,
// oldest first. Managers only. Auditors that cannot be read yield an empty
// trail.
func (s *DefaultService) AuditTrail(ctx context.Context, actorID, transactionID int64) ([]models.AuditEntry, error) {
	actor, err := s.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if !models.RoleAtLeast(actor.Role, models.RoleManager) {
		return nil, models.Forbidden("role %s cannot read the audit trail", actor.Role)
	}

	t, err := s.repo.GetTransaction(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, models.NotFound("transaction", transactionID)
	}

	reader, ok := s.auditor.(AuditReader)
	if !ok {
		return []models.AuditEntry{}, nil
	}
	return reader.ForTransaction(ctx, transactionID)
}

// observe records duration and failure metrics for one operation.
func (s *DefaultService) observe(operation string, start time.Time, err error) {
	metrics.OperationDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.OperationErrorsTotal.WithLabelValues(operation, errorReason(err)).Inc()
	}
}

// audit hands a committed operation to the auditor.
func (s *DefaultService) audit(ctx context.Context, entry models.AuditEntry) {
	entry.ID = uuid.NewString()
	entry.At = s.now()
	if err := s.auditor.Record(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("operation", entry.Operation).Msg("failed to record audit entry")
	}
}

func errorReason(err error) string {
	switch {
	case errors.Is(err, models.ErrValidation):
		return "validation"
	case errors.Is(err, models.ErrNotFound):
		return "not_found"
	case errors.Is(err, models.ErrForbidden):
		return "forbidden"
	case errors.Is(err, models.ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, models.ErrBudgetExceeded):
		return "budget_exceeded"
	case errors.Is(err, models.ErrPromotionConflict):
		return "promotion_conflict"
	case errors.Is(err, models.ErrStateConflict):
		return "state_conflict"
	default:
		return "internal"
	}
}

// requireRole loads the actor and checks the minimum role.
func requireRole(ctx context.Context, tx repository.LedgerTx, actorID int64, need models.Role) (*models.User, error) {
	actor, err := tx.GetUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if actor == nil {
		return nil, models.NotFound("user", actorID)
	}
	if !models.RoleAtLeast(actor.Role, need) {
		return nil, models.Forbidden("role %s required, caller is %s", need, actor.Role)
	}
	return actor, nil
}
