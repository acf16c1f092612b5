package service

import (
	"context"
	"time"

	"github.com/rongwang/points-ledger/internal/metrics"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/repository"
	"github.com/shopspring/decimal"
)

// UserRef identifies a user by id or by utorid. ID wins when both are set.
type UserRef struct {
	ID     int64
	UTORid string
}

func (r UserRef) lock(ctx context.Context, tx repository.LedgerTx) (*models.User, error) {
	if r.ID != 0 {
		user, err := tx.LockUser(ctx, r.ID)
		if err != nil {
			return nil, err
		}
		if user == nil {
			return nil, models.NotFound("user", r.ID)
		}
		return user, nil
	}

	if r.UTORid == "" {
		return nil, models.Invalid("utorid", "user is required")
	}
	user, err := tx.LockUserByUTORid(ctx, r.UTORid)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, &models.LedgerError{Kind: models.ErrNotFound, Field: "utorid", Message: r.UTORid + " does not exist"}
	}
	return user, nil
}

// Params is the kind-specific part of a transaction request.
type Params interface {
	Kind() models.TransactionKind
}

type PurchaseParams struct {
	Spent        decimal.Decimal
	PromotionIDs []int64
}

type RedemptionParams struct {
	Amount int64
}

type AdjustmentParams struct {
	Amount       int64
	RelatedID    int64
	PromotionIDs []int64
}

type TransferParams struct {
	RecipientID int64
	Amount      int64
}

func (PurchaseParams) Kind() models.TransactionKind   { return models.KindPurchase }
func (RedemptionParams) Kind() models.TransactionKind { return models.KindRedemption }
func (AdjustmentParams) Kind() models.TransactionKind { return models.KindAdjustment }
func (TransferParams) Kind() models.TransactionKind   { return models.KindTransfer }

// CreateTransactionInput is a request to create one transaction. For
// purchases and adjustments Owner is the customer; for redemptions and
// transfers it is the acting user.
type CreateTransactionInput struct {
	Owner  UserRef
	Remark string
	Params Params
}

// CreateTransaction validates the request for its kind and commits the row
// together with its balance effect. Transfers return the sender's row.
func (s *DefaultService) CreateTransaction(ctx context.Context, actorID int64, in CreateTransactionInput) (t *models.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(opCreateTransaction, start, err) }()

	if in.Params == nil {
		return nil, models.Invalid("type", "transaction type is required")
	}

	var created []*models.Transaction
	err = s.repo.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		var err error
		switch p := in.Params.(type) {
		case PurchaseParams:
			created, err = s.purchase(ctx, tx, actorID, in.Owner, in.Remark, p)
		case RedemptionParams:
			created, err = s.requestRedemption(ctx, tx, actorID, in.Remark, p)
		case AdjustmentParams:
			created, err = s.adjust(ctx, tx, actorID, in.Owner, in.Remark, p)
		case TransferParams:
			created, err = s.transfer(ctx, tx, actorID, in.Remark, p)
		default:
			err = models.Invalid("type", "%s transactions cannot be created here", in.Params.Kind())
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	entry := models.AuditEntry{
		Operation: opCreateTransaction,
		Kind:      in.Params.Kind(),
		ActorID:   actorID,
	}
	for _, c := range created {
		metrics.TransactionsTotal.WithLabelValues(string(c.Kind())).Inc()
		entry.OwnerIDs = append(entry.OwnerIDs, c.OwnerID)
		entry.TransactionIDs = append(entry.TransactionIDs, c.ID)
		entry.Amount += c.Amount
	}
	s.audit(ctx, entry)

	s.log.Info().
		Str("kind", string(in.Params.Kind())).
		Int64("actor_id", actorID).
		Int64("transaction_id", created[0].ID).
		Int64("amount", created[0].Amount).
		Msg("transaction created")

	return created[0], nil
}

func (s *DefaultService) purchase(ctx context.Context, tx repository.LedgerTx, actorID int64, owner UserRef, remark string, p PurchaseParams) ([]*models.Transaction, error) {
	actor, err := requireRole(ctx, tx, actorID, models.RoleCashier)
	if err != nil {
		return nil, err
	}
	if !p.Spent.IsPositive() {
		return nil, models.Invalid("spent", "must be positive")
	}
	if !p.Spent.Equal(p.Spent.Round(2)) {
		return nil, models.Invalid("spent", "at most two decimal places are allowed")
	}

	customer, err := owner.lock(ctx, tx)
	if err != nil {
		return nil, err
	}

	result, err := s.promotions.Evaluate(ctx, tx, customer.ID, p.Spent, p.PromotionIDs, s.now())
	if err != nil {
		return nil, err
	}

	t := &models.Transaction{
		OwnerID:    customer.ID,
		Amount:     result.Earned(),
		Suspicious: actor.Suspicious,
		Remark:     remark,
		CreatedBy:  actor.ID,
		Details: &models.PurchaseDetails{
			Spent:        p.Spent,
			PromotionIDs: result.PromotionIDs,
		},
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}

	for _, id := range result.OneTime {
		if err := tx.ConsumeOneTimePromotion(ctx, customer.ID, id, t.ID); err != nil {
			return nil, err
		}
	}

	// A suspicious cashier's purchase is recorded but not credited until cleared.
	if !t.Suspicious {
		if err := tx.AdjustBalance(ctx, customer.ID, t.Amount); err != nil {
			return nil, err
		}
	}

	return []*models.Transaction{t}, nil
}

func (s *DefaultService) requestRedemption(ctx context.Context, tx repository.LedgerTx, actorID int64, remark string, p RedemptionParams) ([]*models.Transaction, error) {
	if p.Amount <= 0 {
		return nil, models.Invalid("amount", "must be a positive integer")
	}

	user, err := tx.LockUser(ctx, actorID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, models.NotFound("user", actorID)
	}
	if !user.Verified {
		return nil, models.Forbidden("user %s is not verified", user.UTORid)
	}
	if user.Balance < p.Amount {
		return nil, models.InsufficientBalance(user.ID, user.Balance, p.Amount)
	}

	t := &models.Transaction{
		OwnerID:   user.ID,
		Amount:    0,
		Remark:    remark,
		CreatedBy: user.ID,
		Details:   &models.RedemptionDetails{Redeemed: p.Amount},
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	return []*models.Transaction{t}, nil
}

func (s *DefaultService) adjust(ctx context.Context, tx repository.LedgerTx, actorID int64, owner UserRef, remark string, p AdjustmentParams) ([]*models.Transaction, error) {
	actor, err := requireRole(ctx, tx, actorID, models.RoleManager)
	if err != nil {
		return nil, err
	}
	if len(p.PromotionIDs) > 0 {
		return nil, models.Invalid("promotionIds", "promotions cannot be applied to an adjustment")
	}
	if p.Amount == 0 {
		return nil, models.Invalid("amount", "must be a non-zero integer")
	}
	if p.RelatedID <= 0 {
		return nil, models.Invalid("relatedId", "an adjustment must reference the transaction it corrects")
	}

	related, err := tx.GetTransaction(ctx, p.RelatedID)
	if err != nil {
		return nil, err
	}
	if related == nil {
		return nil, models.NotFound("transaction", p.RelatedID)
	}

	customer, err := owner.lock(ctx, tx)
	if err != nil {
		return nil, err
	}
	if p.Amount < 0 && customer.Balance < -p.Amount {
		return nil, models.InsufficientBalance(customer.ID, customer.Balance, -p.Amount)
	}

	t := &models.Transaction{
		OwnerID:   customer.ID,
		Amount:    p.Amount,
		Remark:    remark,
		CreatedBy: actor.ID,
		Details:   &models.AdjustmentDetails{RelatedTransactionID: related.ID},
	}
	if err := tx.InsertTransaction(ctx, t); err != nil {
		return nil, err
	}
	if err := tx.AdjustBalance(ctx, customer.ID, t.Amount); err != nil {
		return nil, err
	}
	return []*models.Transaction{t}, nil
}

func (s *DefaultService) transfer(ctx context.Context, tx repository.LedgerTx, actorID int64, remark string, p TransferParams) ([]*models.Transaction, error) {
	if p.Amount <= 0 {
		return nil, models.Invalid("amount", "must be a positive integer")
	}
	if p.RecipientID == actorID {
		return nil, models.Invalid("userId", "cannot transfer points to yourself")
	}

	users, err := tx.LockUsers(ctx, actorID, p.RecipientID)
	if err != nil {
		return nil, err
	}
	sender, ok := users[actorID]
	if !ok {
		return nil, models.NotFound("user", actorID)
	}
	recipient, ok := users[p.RecipientID]
	if !ok {
		return nil, models.NotFound("user", p.RecipientID)
	}
	if !sender.Verified {
		return nil, models.Forbidden("user %s is not verified", sender.UTORid)
	}
	if sender.Balance < p.Amount {
		return nil, models.InsufficientBalance(sender.ID, sender.Balance, p.Amount)
	}

	sent := &models.Transaction{
		OwnerID:   sender.ID,
		Amount:    -p.Amount,
		Remark:    remark,
		CreatedBy: sender.ID,
		Details:   &models.TransferDetails{CounterpartUserID: recipient.ID},
	}
	received := &models.Transaction{
		OwnerID:   recipient.ID,
		Amount:    p.Amount,
		Remark:    remark,
		CreatedBy: sender.ID,
		Details:   &models.TransferDetails{CounterpartUserID: sender.ID},
	}

	for _, t := range []*models.Transaction{sent, received} {
		if err := tx.InsertTransaction(ctx, t); err != nil {
			return nil, err
		}
		if err := tx.AdjustBalance(ctx, t.OwnerID, t.Amount); err != nil {
			return nil, err
		}
	}
	return []*models.Transaction{sent, received}, nil
}

// ProcessRedemption finalizes a pending redemption and debits its owner.
func (s *DefaultService) ProcessRedemption(ctx context.Context, transactionID, processorID int64) (t *models.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(opProcessRedemption, start, err) }()

	err = s.repo.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		processor, err := requireRole(ctx, tx, processorID, models.RoleCashier)
		if err != nil {
			return err
		}

		locked, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if locked == nil {
			return models.NotFound("transaction", transactionID)
		}
		redemption, ok := locked.Redemption()
		if !ok {
			return models.Invalid("transactionId", "transaction %d is a %s, not a redemption", transactionID, locked.Kind())
		}
		if redemption.Processed() {
			return models.StateConflict("transaction", transactionID, "redemption was already processed")
		}

		owner, err := tx.LockUser(ctx, locked.OwnerID)
		if err != nil {
			return err
		}
		if owner == nil {
			return models.NotFound("user", locked.OwnerID)
		}
		if owner.Balance < redemption.Redeemed {
			return models.InsufficientBalance(owner.ID, owner.Balance, redemption.Redeemed)
		}

		amount := -redemption.Redeemed
		if err := tx.FinalizeRedemption(ctx, transactionID, processor.ID, amount); err != nil {
			return err
		}
		if !locked.Suspicious {
			if err := tx.AdjustBalance(ctx, owner.ID, amount); err != nil {
				return err
			}
		}

		processedBy := processor.ID
		redemption.ProcessedBy = &processedBy
		locked.Amount = amount
		t = locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.audit(ctx, models.AuditEntry{
		Operation:      opProcessRedemption,
		Kind:           models.KindRedemption,
		ActorID:        processorID,
		OwnerIDs:       []int64{t.OwnerID},
		TransactionIDs: []int64{t.ID},
		Amount:         t.Amount,
	})

	s.log.Info().
		Int64("transaction_id", t.ID).
		Int64("processed_by", processorID).
		Int64("amount", t.Amount).
		Msg("redemption processed")

	return t, nil
}
