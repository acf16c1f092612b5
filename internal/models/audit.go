package models

import "time"

// AuditEntry describes one committed ledger operation.
type AuditEntry struct {
	ID             string          `json:"id" bson:"_id"`
	Operation      string          `json:"operation" bson:"operation"`
	Kind           TransactionKind `json:"kind,omitempty" bson:"kind,omitempty"`
	ActorID        int64           `json:"actorId" bson:"actor_id"`
	OwnerIDs       []int64         `json:"ownerIds" bson:"owner_ids"`
	TransactionIDs []int64         `json:"transactionIds" bson:"transaction_ids"`
	Amount         int64           `json:"amount" bson:"amount"`
	EventID        *int64          `json:"eventId,omitempty" bson:"event_id,omitempty"`
	Suspicious     *bool           `json:"suspicious,omitempty" bson:"suspicious,omitempty"`
	At             time.Time       `json:"at" bson:"at"`
}
