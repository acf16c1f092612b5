package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/shopspring/decimal"
)

// pgLedgerTx is a LedgerTx bound to one open database transaction. Row locks
// use FOR NO KEY UPDATE so foreign key checks from concurrent inserts are not
// blocked.
type pgLedgerTx struct {
	tx *sqlx.Tx
}

// transactionRow is the flat storage shape of models.Transaction.
type transactionRow struct {
	ID          int64               `db:"id"`
	Kind        string              `db:"kind"`
	OwnerID     int64               `db:"owner_id"`
	Amount      int64               `db:"amount"`
	Spent       decimal.NullDecimal `db:"spent"`
	Redeemed    sql.NullInt64       `db:"redeemed"`
	RelatedID   sql.NullInt64       `db:"related_id"`
	ProcessedBy sql.NullInt64       `db:"processed_by"`
	Suspicious  bool                `db:"suspicious"`
	Remark      string              `db:"remark"`
	CreatedBy   int64               `db:"created_by"`
	CreatedAt   time.Time           `db:"created_at"`
}

func (row *transactionRow) toModel(promotionIDs []int64) (*models.Transaction, error) {
	t := &models.Transaction{
		ID:         row.ID,
		OwnerID:    row.OwnerID,
		Amount:     row.Amount,
		Suspicious: row.Suspicious,
		Remark:     row.Remark,
		CreatedBy:  row.CreatedBy,
		CreatedAt:  row.CreatedAt,
	}

	switch models.TransactionKind(row.Kind) {
	case models.KindPurchase:
		if promotionIDs == nil {
			promotionIDs = []int64{}
		}
		t.Details = &models.PurchaseDetails{Spent: row.Spent.Decimal, PromotionIDs: promotionIDs}
	case models.KindRedemption:
		d := &models.RedemptionDetails{Redeemed: row.Redeemed.Int64}
		if row.ProcessedBy.Valid {
			processedBy := row.ProcessedBy.Int64
			d.ProcessedBy = &processedBy
		}
		t.Details = d
	case models.KindAdjustment:
		t.Details = &models.AdjustmentDetails{RelatedTransactionID: row.RelatedID.Int64}
	case models.KindTransfer:
		t.Details = &models.TransferDetails{CounterpartUserID: row.RelatedID.Int64}
	case models.KindEvent:
		t.Details = &models.EventDetails{EventID: row.RelatedID.Int64}
	default:
		return nil, fmt.Errorf("transaction %d has unknown kind %q", row.ID, row.Kind)
	}

	return t, nil
}

func newTransactionRow(t *models.Transaction) transactionRow {
	row := transactionRow{
		Kind:       string(t.Kind()),
		OwnerID:    t.OwnerID,
		Amount:     t.Amount,
		Suspicious: t.Suspicious,
		Remark:     t.Remark,
		CreatedBy:  t.CreatedBy,
		CreatedAt:  t.CreatedAt,
	}

	switch d := t.Details.(type) {
	case *models.PurchaseDetails:
		row.Spent = decimal.NullDecimal{Decimal: d.Spent, Valid: true}
	case *models.RedemptionDetails:
		row.Redeemed = sql.NullInt64{Int64: d.Redeemed, Valid: true}
		if d.ProcessedBy != nil {
			row.ProcessedBy = sql.NullInt64{Int64: *d.ProcessedBy, Valid: true}
		}
	case *models.AdjustmentDetails:
		row.RelatedID = sql.NullInt64{Int64: d.RelatedTransactionID, Valid: true}
	case *models.TransferDetails:
		row.RelatedID = sql.NullInt64{Int64: d.CounterpartUserID, Valid: true}
	case *models.EventDetails:
		row.RelatedID = sql.NullInt64{Int64: d.EventID, Valid: true}
	}

	return row
}

func (p *pgLedgerTx) GetUser(ctx context.Context, id int64) (*models.User, error) {
	return getUser(ctx, p.tx, `SELECT * FROM users WHERE id = $1`, id)
}

func (p *pgLedgerTx) LockUser(ctx context.Context, id int64) (*models.User, error) {
	return getUser(ctx, p.tx, `SELECT * FROM users WHERE id = $1 FOR NO KEY UPDATE`, id)
}

func (p *pgLedgerTx) LockUserByUTORid(ctx context.Context, utorid string) (*models.User, error) {
	return getUser(ctx, p.tx, `SELECT * FROM users WHERE utorid = $1 FOR NO KEY UPDATE`, utorid)
}

func (p *pgLedgerTx) LockUsers(ctx context.Context, ids ...int64) (map[int64]*models.User, error) {
	sorted := append([]int64(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var users []models.User
	err := sqlx.SelectContext(ctx, p.tx, &users,
		`SELECT * FROM users WHERE id = ANY($1) ORDER BY id FOR NO KEY UPDATE`,
		pq.Array(sorted))
	if err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.User, len(users))
	for i := range users {
		byID[users[i].ID] = &users[i]
	}
	return byID, nil
}

func (p *pgLedgerTx) LockEvent(ctx context.Context, id int64) (*models.Event, error) {
	return getEvent(ctx, p.tx, `SELECT * FROM events WHERE id = $1 FOR NO KEY UPDATE`, id)
}

func (p *pgLedgerTx) LockTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return getTransaction(ctx, p.tx, `SELECT * FROM transactions WHERE id = $1 FOR NO KEY UPDATE`, id)
}

func (p *pgLedgerTx) GetTransaction(ctx context.Context, id int64) (*models.Transaction, error) {
	return getTransaction(ctx, p.tx, `SELECT * FROM transactions WHERE id = $1`, id)
}

func (p *pgLedgerTx) GetPromotion(ctx context.Context, id int64) (*models.Promotion, error) {
	var promotion models.Promotion
	err := sqlx.GetContext(ctx, p.tx, &promotion, `SELECT * FROM promotions WHERE id = $1`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil // Promotion not found
		}
		return nil, err
	}
	return &promotion, nil
}

func (p *pgLedgerTx) ActiveAutomaticPromotions(ctx context.Context, at time.Time) ([]models.Promotion, error) {
	query := `
		SELECT * FROM promotions
		WHERE kind = $1 AND start_time <= $2 AND end_time > $2
		ORDER BY id
	`

	var promotions []models.Promotion
	if err := sqlx.SelectContext(ctx, p.tx, &promotions, query, models.PromotionAutomatic, at); err != nil {
		return nil, err
	}
	return promotions, nil
}

func (p *pgLedgerTx) PromotionUsed(ctx context.Context, userID, promotionID int64) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM transaction_promotions tp
			JOIN transactions t ON t.id = tp.transaction_id
			WHERE t.owner_id = $1 AND tp.promotion_id = $2
		)
	`

	var used bool
	err := p.tx.QueryRowContext(ctx, query, userID, promotionID).Scan(&used)
	return used, err
}

func (p *pgLedgerTx) ConsumeOneTimePromotion(ctx context.Context, userID, promotionID, transactionID int64) error {
	_, err := p.tx.ExecContext(ctx,
		`INSERT INTO onetime_promotion_uses (user_id, promotion_id, transaction_id) VALUES ($1, $2, $3)`,
		userID, promotionID, transactionID)
	if isUniqueViolation(err) {
		return models.PromotionConflict(promotionID, "one-time promotion already used")
	}
	return err
}

func (p *pgLedgerTx) EventGuests(ctx context.Context, eventID int64) ([]models.User, error) {
	query := `
		SELECT u.* FROM users u
		JOIN event_guests g ON g.user_id = u.id
		WHERE g.event_id = $1
		ORDER BY u.id
	`

	var guests []models.User
	if err := sqlx.SelectContext(ctx, p.tx, &guests, query, eventID); err != nil {
		return nil, err
	}
	return guests, nil
}

func (p *pgLedgerTx) IsEventGuest(ctx context.Context, eventID, userID int64) (bool, error) {
	var exists bool
	err := p.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM event_guests WHERE event_id = $1 AND user_id = $2)`,
		eventID, userID).Scan(&exists)
	return exists, err
}

func (p *pgLedgerTx) IsEventOrganizer(ctx context.Context, eventID, userID int64) (bool, error) {
	var exists bool
	err := p.tx.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM event_organizers WHERE event_id = $1 AND user_id = $2)`,
		eventID, userID).Scan(&exists)
	return exists, err
}

func (p *pgLedgerTx) InsertTransaction(ctx context.Context, t *models.Transaction) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO transactions (kind, owner_id, amount, spent, redeemed, related_id,
			processed_by, suspicious, remark, created_by, created_at)
		VALUES (:kind, :owner_id, :amount, :spent, :redeemed, :related_id,
			:processed_by, :suspicious, :remark, :created_by, :created_at)
		RETURNING id
	`

	row := newTransactionRow(t)
	stmt, err := p.tx.PrepareNamedContext(ctx, query)
	if err != nil {
		return err
	}
	defer stmt.Close()

	if err := stmt.QueryRowxContext(ctx, row).Scan(&t.ID); err != nil {
		return err
	}

	if purchase, ok := t.Purchase(); ok {
		for _, promotionID := range purchase.PromotionIDs {
			_, err := p.tx.ExecContext(ctx,
				`INSERT INTO transaction_promotions (transaction_id, promotion_id) VALUES ($1, $2)`,
				t.ID, promotionID)
			if err != nil {
				return err
			}
		}
	}

	return nil
}

func (p *pgLedgerTx) AdjustBalance(ctx context.Context, userID, delta int64) error {
	return p.execOne(ctx, "user", userID,
		`UPDATE users SET balance = balance + $1 WHERE id = $2`, delta, userID)
}

func (p *pgLedgerTx) AddEventAwarded(ctx context.Context, eventID, amount int64) error {
	return p.execOne(ctx, "event", eventID,
		`UPDATE events SET points_awarded = points_awarded + $1 WHERE id = $2`, amount, eventID)
}

func (p *pgLedgerTx) SetSuspicious(ctx context.Context, transactionID int64, suspicious bool) error {
	return p.execOne(ctx, "transaction", transactionID,
		`UPDATE transactions SET suspicious = $1 WHERE id = $2`, suspicious, transactionID)
}

func (p *pgLedgerTx) FinalizeRedemption(ctx context.Context, transactionID, processedBy, amount int64) error {
	// The processed_by IS NULL guard keeps finalization one-shot even if a
	// caller skipped the lock.
	return p.execOne(ctx, "transaction", transactionID, `
		UPDATE transactions SET processed_by = $1, related_id = $1, amount = $2
		WHERE id = $3 AND kind = 'redemption' AND processed_by IS NULL
	`, processedBy, amount, transactionID)
}

// execOne runs an UPDATE that must touch exactly one row.
func (p *pgLedgerTx) execOne(ctx context.Context, field string, id int64, query string, args ...interface{}) error {
	res, err := p.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n != 1 {
		return models.StateConflict(field, id, "expected to update one row, updated %d", n)
	}
	return nil
}
