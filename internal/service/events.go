package service

import (
	"context"
	"time"

	"github.com/rongwang/points-ledger/internal/metrics"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/repository"
)

// EventAwardInput awards Amount points to the guest named by UTORid, or to
// every current guest when UTORid is empty.
type EventAwardInput struct {
	EventID int64
	UTORid  string
	Amount  int64
	ActorID int64
	Remark  string
}

// EventAwardResult is the committed award and the event after it.
type EventAwardResult struct {
	Event        *models.Event
	Transactions []*models.Transaction
}

// Awarded is the total taken from the event pool.
func (r *EventAwardResult) Awarded() int64 {
	var total int64
	for _, t := range r.Transactions {
		total += t.Amount
	}
	return total
}

// AwardEventPoints pays a fixed amount per recipient out of the event pool.
// The pool is never overdrawn and a broadcast either reaches every guest or none.
func (s *DefaultService) AwardEventPoints(ctx context.Context, in EventAwardInput) (result *EventAwardResult, err error) {
	start := time.Now()
	defer func() { s.observe(opAwardEvent, start, err) }()

	if in.Amount <= 0 {
		return nil, models.Invalid("amount", "must be a positive integer")
	}

	err = s.repo.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		event, err := tx.LockEvent(ctx, in.EventID)
		if err != nil {
			return err
		}
		if event == nil {
			return models.NotFound("event", in.EventID)
		}

		actor, err := tx.GetUser(ctx, in.ActorID)
		if err != nil {
			return err
		}
		if actor == nil {
			return models.NotFound("user", in.ActorID)
		}
		if !models.RoleAtLeast(actor.Role, models.RoleManager) {
			organizer, err := tx.IsEventOrganizer(ctx, event.ID, actor.ID)
			if err != nil {
				return err
			}
			if !organizer {
				return models.Forbidden("only managers or organizers of event %d may award its points", event.ID)
			}
		}

		if event.Ended(s.now()) {
			return models.StateConflict("event", event.ID, "event has ended")
		}

		recipients, err := s.eventRecipients(ctx, tx, event.ID, in.UTORid)
		if err != nil {
			return err
		}

		remain := event.PointsRemain()
		// amount*n may overflow, so compare against remain/n instead.
		n := int64(len(recipients))
		if in.Amount > remain/n {
			return models.BudgetExceeded(event.ID, remain, requiredTotal(in.Amount, n))
		}

		created := make([]*models.Transaction, 0, len(recipients))
		for _, guest := range recipients {
			t := &models.Transaction{
				OwnerID:   guest.ID,
				Amount:    in.Amount,
				Remark:    in.Remark,
				CreatedBy: actor.ID,
				Details:   &models.EventDetails{EventID: event.ID},
			}
			if err := tx.InsertTransaction(ctx, t); err != nil {
				return err
			}
			if err := tx.AdjustBalance(ctx, guest.ID, t.Amount); err != nil {
				return err
			}
			created = append(created, t)
		}

		total := in.Amount * n
		if err := tx.AddEventAwarded(ctx, event.ID, total); err != nil {
			return err
		}
		event.PointsAwarded += total

		result = &EventAwardResult{Event: event, Transactions: created}
		return nil
	})
	if err != nil {
		return nil, err
	}

	entry := models.AuditEntry{
		Operation: opAwardEvent,
		Kind:      models.KindEvent,
		ActorID:   in.ActorID,
		Amount:    result.Awarded(),
		EventID:   &result.Event.ID,
	}
	for _, t := range result.Transactions {
		entry.OwnerIDs = append(entry.OwnerIDs, t.OwnerID)
		entry.TransactionIDs = append(entry.TransactionIDs, t.ID)
	}
	s.audit(ctx, entry)

	metrics.TransactionsTotal.WithLabelValues(string(models.KindEvent)).Add(float64(len(result.Transactions)))
	metrics.EventPointsAwardedTotal.Add(float64(result.Awarded()))

	s.log.Info().
		Int64("event_id", result.Event.ID).
		Int("recipients", len(result.Transactions)).
		Int64("awarded", result.Awarded()).
		Int64("points_remain", result.Event.PointsRemain()).
		Msg("event points awarded")

	return result, nil
}

// eventRecipients resolves the award target against the current guest list.
func (s *DefaultService) eventRecipients(ctx context.Context, tx repository.LedgerTx, eventID int64, utorid string) ([]models.User, error) {
	if utorid == "" {
		guests, err := tx.EventGuests(ctx, eventID)
		if err != nil {
			return nil, err
		}
		if len(guests) == 0 {
			return nil, models.Invalid("utorid", "event %d has no guests to award", eventID)
		}
		return guests, nil
	}

	guest, err := tx.LockUserByUTORid(ctx, utorid)
	if err != nil {
		return nil, err
	}
	if guest == nil {
		return nil, &models.LedgerError{Kind: models.ErrNotFound, Field: "utorid", Message: utorid + " does not exist"}
	}
	isGuest, err := tx.IsEventGuest(ctx, eventID, guest.ID)
	if err != nil {
		return nil, err
	}
	if !isGuest {
		return nil, models.Invalid("utorid", "%s is not a guest of event %d", utorid, eventID)
	}
	return []models.User{*guest}, nil
}

// requiredTotal is amount*n, saturated at the int64 maximum for error messages.
func requiredTotal(amount, n int64) int64 {
	const maxInt64 = int64(^uint64(0) >> 1)
	if amount > maxInt64/n {
		return maxInt64
	}
	return amount * n
}
