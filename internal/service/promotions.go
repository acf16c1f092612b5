package service

import (
	"context"
	"sort"
	"time"

	"github.com/rongwang/points-ledger/internal/models"
	"github.com/rongwang/points-ledger/internal/repository"
	"github.com/shopspring/decimal"
)

var basePointsPerDollar = decimal.NewFromInt(4)

// BasePoints is round(spent * 4).
func BasePoints(spent decimal.Decimal) int64 {
	return spent.Mul(basePointsPerDollar).Round(0).IntPart()
}

// PromotionResult is the outcome of evaluating a purchase against promotions.
type PromotionResult struct {
	Base         int64
	Bonus        int64
	PromotionIDs []int64
	// OneTime lists the requested one-time promotions that must be consumed
	// together with the purchase.
	OneTime []int64
}

// Earned is base plus all bonuses.
func (r *PromotionResult) Earned() int64 {
	return r.Base + r.Bonus
}

// PromotionEngine decides which promotions apply to a purchase.
type PromotionEngine struct{}

func NewPromotionEngine() *PromotionEngine {
	return &PromotionEngine{}
}

// Evaluate applies every qualifying automatic promotion and validates each
// requested one-time promotion for userID. Any invalid requested promotion
// fails the whole evaluation.
func (e *PromotionEngine) Evaluate(ctx context.Context, tx repository.LedgerTx, userID int64, spent decimal.Decimal, requested []int64, now time.Time) (*PromotionResult, error) {
	result := &PromotionResult{
		Base:         BasePoints(spent),
		PromotionIDs: []int64{},
	}
	applied := make(map[int64]bool)

	automatic, err := tx.ActiveAutomaticPromotions(ctx, now)
	if err != nil {
		return nil, err
	}
	for i := range automatic {
		p := &automatic[i]
		if !p.ActiveAt(now) || !p.MeetsMinimum(spent) || applied[p.ID] {
			continue
		}
		applied[p.ID] = true
		result.Bonus += p.Bonus(spent)
	}

	for _, id := range dedupe(requested) {
		p, err := tx.GetPromotion(ctx, id)
		if err != nil {
			return nil, err
		}
		if err := validateOneTime(ctx, tx, p, id, userID, spent, now); err != nil {
			return nil, err
		}
		result.OneTime = append(result.OneTime, id)
		if applied[id] {
			continue
		}
		applied[id] = true
		result.Bonus += p.Bonus(spent)
	}

	for id := range applied {
		result.PromotionIDs = append(result.PromotionIDs, id)
	}
	sort.Slice(result.PromotionIDs, func(i, j int) bool { return result.PromotionIDs[i] < result.PromotionIDs[j] })

	return result, nil
}

func validateOneTime(ctx context.Context, tx repository.LedgerTx, p *models.Promotion, id, userID int64, spent decimal.Decimal, now time.Time) error {
	if p == nil {
		return models.NotFound("promotion", id)
	}
	if p.Kind != models.PromotionOneTime {
		return models.PromotionConflict(id, "promotion is %s and cannot be requested", p.Kind)
	}
	if !p.ActiveAt(now) {
		return models.PromotionConflict(id, "promotion is not active")
	}
	if !p.MeetsMinimum(spent) {
		return models.PromotionConflict(id, "spent %s is below the minimum of %s", spent.StringFixed(2), p.MinSpending.Decimal.StringFixed(2))
	}

	used, err := tx.PromotionUsed(ctx, userID, id)
	if err != nil {
		return err
	}
	if used {
		return models.PromotionConflict(id, "promotion was already used")
	}
	return nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]bool, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
