package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// TransactionKind names one of the five ways points move.
type TransactionKind string

const (
	KindPurchase   TransactionKind = "purchase"
	KindRedemption TransactionKind = "redemption"
	KindAdjustment TransactionKind = "adjustment"
	KindTransfer   TransactionKind = "transfer"
	KindEvent      TransactionKind = "event"
)

// Valid reports whether k is a known kind.
func (k TransactionKind) Valid() bool {
	switch k {
	case KindPurchase, KindRedemption, KindAdjustment, KindTransfer, KindEvent:
		return true
	}
	return false
}

// Details is the kind-specific payload of a Transaction. Exactly one of the
// *Details types below implements it per kind.
type Details interface {
	Kind() TransactionKind
	relatedID() *int64
}

// PurchaseDetails records what was spent and which promotions were consumed.
type PurchaseDetails struct {
	Spent        decimal.Decimal
	PromotionIDs []int64
}

// RedemptionDetails holds the requested points and who processed them.
type RedemptionDetails struct {
	Redeemed    int64
	ProcessedBy *int64
}

// AdjustmentDetails points at the transaction being corrected.
type AdjustmentDetails struct {
	RelatedTransactionID int64
}

// TransferDetails names the other side of the transfer pair.
type TransferDetails struct {
	CounterpartUserID int64
}

// EventDetails names the event whose pool funded the award.
type EventDetails struct {
	EventID int64
}

func (*PurchaseDetails) Kind() TransactionKind   { return KindPurchase }
func (*RedemptionDetails) Kind() TransactionKind { return KindRedemption }
func (*AdjustmentDetails) Kind() TransactionKind { return KindAdjustment }
func (*TransferDetails) Kind() TransactionKind   { return KindTransfer }
func (*EventDetails) Kind() TransactionKind      { return KindEvent }

func (*PurchaseDetails) relatedID() *int64     { return nil }
func (d *RedemptionDetails) relatedID() *int64 { return d.ProcessedBy }
func (d *AdjustmentDetails) relatedID() *int64 { return &d.RelatedTransactionID }
func (d *TransferDetails) relatedID() *int64   { return &d.CounterpartUserID }
func (d *EventDetails) relatedID() *int64      { return &d.EventID }

// Processed reports whether the redemption has been finalized.
func (d *RedemptionDetails) Processed() bool { return d.ProcessedBy != nil }

// Transaction is a ledger row. Amount is the signed effect on the owner's
// balance while the row is not suspicious.
type Transaction struct {
	ID         int64
	OwnerID    int64
	Amount     int64
	Suspicious bool
	Remark     string
	CreatedBy  int64
	CreatedAt  time.Time
	Details    Details
}

// Kind is the kind of the carried payload.
func (t *Transaction) Kind() TransactionKind {
	return t.Details.Kind()
}

// RelatedID is the polymorphic counterpart id: event, user or transaction
// depending on the kind. Nil for purchases and unprocessed redemptions.
func (t *Transaction) RelatedID() *int64 {
	return t.Details.relatedID()
}

// Purchase returns the purchase payload, if any.
func (t *Transaction) Purchase() (*PurchaseDetails, bool) {
	d, ok := t.Details.(*PurchaseDetails)
	return d, ok
}

// Redemption returns the redemption payload, if any.
func (t *Transaction) Redemption() (*RedemptionDetails, bool) {
	d, ok := t.Details.(*RedemptionDetails)
	return d, ok
}

// Clone returns a deep copy, so callers can't alias stored state.
func (t *Transaction) Clone() *Transaction {
	c := *t
	switch d := t.Details.(type) {
	case *PurchaseDetails:
		cp := *d
		cp.PromotionIDs = append([]int64(nil), d.PromotionIDs...)
		c.Details = &cp
	case *RedemptionDetails:
		cp := *d
		if d.ProcessedBy != nil {
			id := *d.ProcessedBy
			cp.ProcessedBy = &id
		}
		c.Details = &cp
	case *AdjustmentDetails:
		cp := *d
		c.Details = &cp
	case *TransferDetails:
		cp := *d
		c.Details = &cp
	case *EventDetails:
		cp := *d
		c.Details = &cp
	}
	return &c
}
