package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Request models
type CreateTransactionRequest struct {
	UTORid       string           `json:"utorid" binding:"required,alphanum,min=1,max=16"`
	Type         TransactionKind  `json:"type" binding:"required,oneof=purchase adjustment"`
	Spent        *decimal.Decimal `json:"spent" binding:"omitempty,gt=0"`
	Amount       *int64           `json:"amount"`
	RelatedID    *int64           `json:"relatedId" binding:"omitempty,gt=0"`
	PromotionIDs []int64          `json:"promotionIds" binding:"omitempty,dive,gt=0"`
	Remark       string           `json:"remark" binding:"max=500"`
}

type RedemptionRequest struct {
	Type   TransactionKind `json:"type" binding:"required,eq=redemption"`
	Amount int64           `json:"amount" binding:"required,gt=0"`
	Remark string          `json:"remark" binding:"max=500"`
}

type TransferRequest struct {
	Type   TransactionKind `json:"type" binding:"required,eq=transfer"`
	Amount int64           `json:"amount" binding:"required,gt=0"`
	Remark string          `json:"remark" binding:"max=500"`
}

type ProcessRedemptionRequest struct {
	Processed *bool `json:"processed" binding:"required"`
}

type SuspiciousRequest struct {
	Suspicious *bool `json:"suspicious" binding:"required"`
}

type EventAwardRequest struct {
	Type   TransactionKind `json:"type" binding:"required,eq=event"`
	UTORid string          `json:"utorid" binding:"omitempty,alphanum,max=16"`
	Amount int64           `json:"amount" binding:"required,gt=0"`
	Remark string          `json:"remark" binding:"max=500"`
}

// Response models
type TransactionResponse struct {
	ID           int64            `json:"id"`
	Type         TransactionKind  `json:"type"`
	UserID       int64            `json:"userId"`
	Amount       int64            `json:"amount"`
	Suspicious   bool             `json:"suspicious"`
	Remark       string           `json:"remark"`
	CreatedBy    int64            `json:"createdBy"`
	CreatedAt    time.Time        `json:"createdAt"`
	Spent        *decimal.Decimal `json:"spent,omitempty"`
	PromotionIDs []int64          `json:"promotionIds,omitempty"`
	Redeemed     *int64           `json:"redeemed,omitempty"`
	ProcessedBy  *int64           `json:"processedBy,omitempty"`
	RelatedID    *int64           `json:"relatedId,omitempty"`
}

// NewTransactionResponse renders only the fields that belong to tx's kind.
func NewTransactionResponse(tx *Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:         tx.ID,
		Type:       tx.Kind(),
		UserID:     tx.OwnerID,
		Amount:     tx.Amount,
		Suspicious: tx.Suspicious,
		Remark:     tx.Remark,
		CreatedBy:  tx.CreatedBy,
		CreatedAt:  tx.CreatedAt,
		RelatedID:  tx.RelatedID(),
	}

	switch d := tx.Details.(type) {
	case *PurchaseDetails:
		spent := d.Spent
		resp.Spent = &spent
		resp.PromotionIDs = append([]int64{}, d.PromotionIDs...)
	case *RedemptionDetails:
		redeemed := d.Redeemed
		resp.Redeemed = &redeemed
		resp.ProcessedBy = d.ProcessedBy
	}

	return resp
}

type EventAwardResponse struct {
	Status       string                `json:"status"`
	EventID      int64                 `json:"eventId"`
	Awarded      int64                 `json:"awarded"`
	PointsRemain int64                 `json:"pointsRemain"`
	Transactions []TransactionResponse `json:"transactions"`
}

type ErrorResponse struct {
	Status  string `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}
