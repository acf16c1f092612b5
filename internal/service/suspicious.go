package service

import (
	"context"
	"time"

	"github.com/rongwang/points-ledger/internal/metrics"
	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/repository"
)

// SetSuspicious flips a transaction's suspicious flag and moves its amount out
// of or back into the owner's balance. Setting the current value is a no-op.
func (s *DefaultService) SetSuspicious(ctx context.Context, actorID, transactionID int64, suspicious bool) (t *models.Transaction, err error) {
	start := time.Now()
	defer func() { s.observe(opSetSuspicious, start, err) }()

	var changed bool
	err = s.repo.Atomic(ctx, func(ctx context.Context, tx repository.LedgerTx) error {
		changed = false
		if _, err := requireRole(ctx, tx, actorID, models.RoleManager); err != nil {
			return err
		}

		locked, err := tx.LockTransaction(ctx, transactionID)
		if err != nil {
			return err
		}
		if locked == nil {
			return models.NotFound("transaction", transactionID)
		}
		t = locked

		if locked.Suspicious == suspicious {
			return nil
		}

		// The delta is derived from the locked row, so it always matches the
		// transition actually being committed.
		delta := locked.Amount
		if suspicious {
			delta = -delta
		}

		if err := tx.SetSuspicious(ctx, locked.ID, suspicious); err != nil {
			return err
		}
		if delta != 0 {
			if err := tx.AdjustBalance(ctx, locked.OwnerID, delta); err != nil {
				return err
			}
		}

		locked.Suspicious = suspicious
		changed = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !changed {
		return t, nil
	}

	direction := "cleared"
	if suspicious {
		direction = "flagged"
	}
	metrics.SuspiciousFlipsTotal.WithLabelValues(direction).Inc()

	s.audit(ctx, models.AuditEntry{
		Operation:      opSetSuspicious,
		Kind:           t.Kind(),
		ActorID:        actorID,
		OwnerIDs:       []int64{t.OwnerID},
		TransactionIDs: []int64{t.ID},
		Amount:         t.Amount,
		Suspicious:     &suspicious,
	})

	s.log.Info().
		Int64("transaction_id", t.ID).
		Bool("suspicious", suspicious).
		Int64("owner_id", t.OwnerID).
		Msg("transaction suspicious flag changed")

	return t, nil
}
