package payment

import (
	"context"
	"time"
)

// Status is the order state. PAID means funds are captured but the award has
// not finished; a crash between the two is reconciled from this status.
type Status string

const (
	StatusPaid     Status = "PAID"
	StatusAwarded  Status = "AWARDED"
	StatusRefunded Status = "REFUNDED"
	StatusFailed   Status = "FAILED"
)

// Record is one captured charge. Identity and idempotency:
// TelegramPaymentChargeID.
type Record struct {
	TelegramPaymentChargeID string    `json:"telegramPaymentChargeId"`
	ProviderPaymentChargeID string    `json:"providerPaymentChargeId,omitempty"`
	InvoicePayload          string    `json:"invoicePayload"`
	Currency                string    `json:"currency"`
	TotalAmount             int64     `json:"totalAmount"`
	UserID                  int64     `json:"userId"`
	Status                  Status    `json:"status"`
	AwardedItemID           string    `json:"awardedItemId,omitempty"`
	CreatedAt               time.Time `json:"createdAt"`
}

// Store persists payment records. InsertPaid is the only racy entry point
// and must be atomic on the charge id; the state machine is the sole writer
// afterwards.
type Store interface {
	// InsertPaid stores r unless the charge id exists; returns the stored
	// record and whether this call inserted it.
	InsertPaid(ctx context.Context, r Record) (Record, bool, error)
	// SetStatus moves an existing record to status, recording the awarded
	// item when non-empty.
	SetStatus(ctx context.Context, chargeID string, status Status, awardedItemID string) error
	// Get returns the record for chargeID, nil if absent.
	Get(ctx context.Context, chargeID string) (*Record, error)
}
