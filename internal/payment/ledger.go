package payment

import "context"

// Ledger accumulates internal star credits won from cases. Credits are spent
// through the web view, outside this process.
type Ledger interface {
	Credit(ctx context.Context, userID, amount int64, reason string) error
	Balance(ctx context.Context, userID int64) (int64, error)
}
