package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// User is a participant of the points economy.
type User struct {
	ID         int64     `db:"id" json:"id"`
	UTORid     string    `db:"utorid" json:"utorid"`
	Name       string    `db:"name" json:"name"`
	Role       Role      `db:"role" json:"role"`
	Verified   bool      `db:"verified" json:"verified"`
	Suspicious bool      `db:"suspicious" json:"suspicious"`
	Balance    int64     `db:"balance" json:"points"`
	CreatedAt  time.Time `db:"created_at" json:"createdAt"`
}

// PromotionKind distinguishes blanket promotions from consumable ones.
type PromotionKind string

const (
	PromotionAutomatic PromotionKind = "automatic"
	PromotionOneTime   PromotionKind = "onetime"
)

// Promotion is read-only from the ledger's point of view.
type Promotion struct {
	ID          int64               `db:"id" json:"id"`
	Name        string              `db:"name" json:"name"`
	Kind        PromotionKind       `db:"kind" json:"type"`
	StartTime   time.Time           `db:"start_time" json:"startTime"`
	EndTime     time.Time           `db:"end_time" json:"endTime"`
	MinSpending decimal.NullDecimal `db:"min_spending" json:"minSpending"`
	Rate        decimal.NullDecimal `db:"rate" json:"rate"`
	Points      *int64              `db:"points" json:"points"`
}

// ActiveAt reports whether t falls in the half-open window [StartTime, EndTime).
func (p *Promotion) ActiveAt(t time.Time) bool {
	return !t.Before(p.StartTime) && t.Before(p.EndTime)
}

// MeetsMinimum reports whether spent satisfies the optional minimum spending.
func (p *Promotion) MeetsMinimum(spent decimal.Decimal) bool {
	return !p.MinSpending.Valid || p.MinSpending.Decimal.LessThanOrEqual(spent)
}

// Bonus is round(spent*100*rate) plus the flat points, whichever are set.
func (p *Promotion) Bonus(spent decimal.Decimal) int64 {
	var bonus int64
	if p.Rate.Valid {
		bonus += spent.Mul(decimal.NewFromInt(100)).Mul(p.Rate.Decimal).Round(0).IntPart()
	}
	if p.Points != nil {
		bonus += *p.Points
	}
	return bonus
}

// Event owns a fixed pool of points it may hand out to its guests.
type Event struct {
	ID            int64     `db:"id" json:"id"`
	Name          string    `db:"name" json:"name"`
	StartTime     time.Time `db:"start_time" json:"startTime"`
	EndTime       time.Time `db:"end_time" json:"endTime"`
	PointsTotal   int64     `db:"points_total" json:"pointsTotal"`
	PointsAwarded int64     `db:"points_awarded" json:"pointsAwarded"`
}

// PointsRemain is what is left of the pool.
func (e *Event) PointsRemain() int64 {
	return e.PointsTotal - e.PointsAwarded
}

// Ended reports whether the event is over at t.
func (e *Event) Ended(t time.Time) bool {
	return !t.Before(e.EndTime)
}
