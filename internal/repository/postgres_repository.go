package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rongwang/points-ledger/internal/metrics"
	"github.com/rongwang/points-ledger/internal/models"
)

// Repository interface defines the methods that any repository implementation must satisfy.
// Lookups return (nil, nil) when the row does not exist.
type Repository interface {
	// Read operations
	GetUserByID(ctx context.Context, id int64) (*models.User, error)
	GetUserByUTORid(ctx context.Context, utorid string) (*models.User, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	GetEvent(ctx context.Context, id int64) (*models.Event, error)

	// Fixture operations, used for seeding and tests
	CreateUser(ctx context.Context, user *models.User) error
	CreatePromotion(ctx context.Context, promotion *models.Promotion) error
	CreateEvent(ctx context.Context, event *models.Event) error
	AddEventGuest(ctx context.Context, eventID, userID int64) error
	RemoveEventGuest(ctx context.Context, eventID, userID int64) error
	AddEventOrganizer(ctx context.Context, eventID, userID int64) error

	// Atomic runs fn as one atomic ledger operation: everything fn writes
	// through tx commits together or not at all. fn may be re-run after a
	// commit conflict, so it must not leak state between attempts.
	Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
}

// LedgerTx is the only handle through which balances and event budgets change.
// Lock* methods hold the row until the surrounding Atomic call returns.
type LedgerTx interface {
	GetUser(ctx context.Context, id int64) (*models.User, error)
	LockUser(ctx context.Context, id int64) (*models.User, error)
	LockUserByUTORid(ctx context.Context, utorid string) (*models.User, error)
	// LockUsers locks all ids in ascending order and returns them keyed by id.
	LockUsers(ctx context.Context, ids ...int64) (map[int64]*models.User, error)
	LockEvent(ctx context.Context, id int64) (*models.Event, error)
	LockTransaction(ctx context.Context, id int64) (*models.Transaction, error)
	GetTransaction(ctx context.Context, id int64) (*models.Transaction, error)

	GetPromotion(ctx context.Context, id int64) (*models.Promotion, error)
	ActiveAutomaticPromotions(ctx context.Context, at time.Time) ([]models.Promotion, error)
	// PromotionUsed reports whether promotionID appears on any transaction
	// owned by userID, suspicious or not.
	PromotionUsed(ctx context.Context, userID, promotionID int64) (bool, error)
	// ConsumeOneTimePromotion records the single permitted use and fails with
	// a promotion conflict if the pair was already consumed.
	ConsumeOneTimePromotion(ctx context.Context, userID, promotionID, transactionID int64) error

	EventGuests(ctx context.Context, eventID int64) ([]models.User, error)
	IsEventGuest(ctx context.Context, eventID, userID int64) (bool, error)
	IsEventOrganizer(ctx context.Context, eventID, userID int64) (bool, error)

	// InsertTransaction assigns ID and CreatedAt.
	InsertTransaction(ctx context.Context, t *models.Transaction) error
	AdjustBalance(ctx context.Context, userID, delta int64) error
	AddEventAwarded(ctx context.Context, eventID, amount int64) error
	SetSuspicious(ctx context.Context, transactionID int64, suspicious bool) error
	FinalizeRedemption(ctx context.Context, transactionID, processedBy, amount int64) error
}

const defaultMaxRetries = 5

// PostgreSQL error codes that mean "try the whole unit again".
const (
	pqSerializationFailure = "40001"
	pqDeadlockDetected     = "40P01"
	pqUniqueViolation      = "23505"
)

// PostgresRepository implements the Repository interface using PostgreSQL
type PostgresRepository struct {
	db         *sqlx.DB
	maxRetries int
}

// NewPostgresRepository creates a new PostgreSQL repository
func NewPostgresRepository(db *sqlx.DB, maxRetries int) *PostgresRepository {
	if maxRetries <= 0 {
		maxRetries = defaultMaxRetries
	}
	return &PostgresRepository{
		db:         db,
		maxRetries: maxRetries,
	}
}

// Atomic runs fn inside a database transaction and retries on serialization
// failures and deadlocks.
func (r *PostgresRepository) Atomic(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error {
	var err error
	for attempt := 0; attempt <= r.maxRetries; attempt++ {
		if attempt > 0 {
			metrics.CommitRetriesTotal.Inc()
		}
		err = r.runOnce(ctx, fn)
		if !isRetryable(err) {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
	return fmt.Errorf("atomic ledger operation: giving up after %d retries: %w", r.maxRetries, err)
}

func (r *PostgresRepository) runOnce(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) (err error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(ctx, &pgLedgerTx{tx: tx}); err != nil {
		return err
	}

	return tx.Commit()
}

func isRetryable(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return pqErr.Code == pqSerializationFailure || pqErr.Code == pqDeadlockDetected
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == pqUniqueViolation
}

// User repository methods
func (r *PostgresRepository) GetUserByID(ctx context.Context, id int64) (*models.User, error) {
	return getUser(ctx, r.db, `SELECT * FROM users WHERE id = $1`, id)
}

func (r *PostgresRepository) GetUserByUTORid(ctx context.Context, utorid string) (*models.User, error) {
	return getUser(ctx, r.db, `SELECT * FROM users WHERE utorid = $1`, utorid)
}

func (r *PostgresRepository) CreateUser(ctx context.Context, user *models.User) error {
	query := `
		INSERT INTO users (utorid, name, role, verified, suspicious, balance, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	return r.db.QueryRowContext(ctx, query,
		user.UTORid, user.Name, user.Role, user.Verified, user.Suspicious, user.Balance, user.CreatedAt,
	).Scan(&user.ID)
}

// Transaction repository methods
func (r *PostgresRepository) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return getTransaction(ctx, r.db, `SELECT * FROM transactions WHERE id = $1`, id)
}

// Promotion repository methods
func (r *PostgresRepository) CreatePromotion(ctx context.Context, promotion *models.Promotion) error {
	query := `
		INSERT INTO promotions (name, kind, start_time, end_time, min_spending, rate, points)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return r.db.QueryRowContext(ctx, query,
		promotion.Name, promotion.Kind, promotion.StartTime, promotion.EndTime,
		promotion.MinSpending, promotion.Rate, promotion.Points,
	).Scan(&promotion.ID)
}

// Event repository methods
func (r *PostgresRepository) GetEvent(ctx context.Context, id int64) (*models.Event, error) {
	return getEvent(ctx, r.db, `SELECT * FROM events WHERE id = $1`, id)
}

func (r *PostgresRepository) CreateEvent(ctx context.Context, event *models.Event) error {
	query := `
		INSERT INTO events (name, start_time, end_time, points_total, points_awarded)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	return r.db.QueryRowContext(ctx, query,
		event.Name, event.StartTime, event.EndTime, event.PointsTotal, event.PointsAwarded,
	).Scan(&event.ID)
}

func (r *PostgresRepository) AddEventGuest(ctx context.Context, eventID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_guests (event_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		eventID, userID)
	return err
}

func (r *PostgresRepository) RemoveEventGuest(ctx context.Context, eventID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM event_guests WHERE event_id = $1 AND user_id = $2`,
		eventID, userID)
	return err
}

func (r *PostgresRepository) AddEventOrganizer(ctx context.Context, eventID, userID int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO event_organizers (event_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		eventID, userID)
	return err
}

// Shared query helpers, usable with both *sqlx.DB and *sqlx.Tx.

func getUser(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.User, error) {
	var user models.User
	err := sqlx.GetContext(ctx, q, &user, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // User not found
		}
		return nil, err
	}

	return &user, nil
}

func getEvent(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Event, error) {
	var event models.Event
	err := sqlx.GetContext(ctx, q, &event, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Event not found
		}
		return nil, err
	}

	return &event, nil
}

func getTransaction(ctx context.Context, q sqlx.QueryerContext, query string, args ...interface{}) (*models.Transaction, error) {
	var row transactionRow
	err := sqlx.GetContext(ctx, q, &row, query, args...)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Transaction not found
		}
		return nil, err
	}

	var promotionIDs []int64
	if models.TransactionKind(row.Kind) == models.KindPurchase {
		err = sqlx.SelectContext(ctx, q, &promotionIDs,
			`SELECT promotion_id FROM transaction_promotions WHERE transaction_id = $1 ORDER BY promotion_id`,
			row.ID)
		if err != nil {
			return nil, err
		}
	}

	return row.toModel(promotionIDs)
}
