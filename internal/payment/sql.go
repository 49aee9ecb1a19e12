package payment

import (
	"context"
	"database/sql"
	"fmt"
)

// SQLStore keeps payment records in postgres; the unique charge id column
// carries the idempotency. Shares the *sql.DB with the rng store.
type SQLStore struct {
	db *sql.DB
}

const paySchema = `
CREATE TABLE IF NOT EXISTS payments (
	telegram_payment_charge_id TEXT PRIMARY KEY,
	provider_payment_charge_id TEXT,
	invoice_payload            TEXT NOT NULL,
	currency                   TEXT NOT NULL,
	total_amount               BIGINT NOT NULL,
	user_id                    BIGINT NOT NULL,
	status                     TEXT NOT NULL,
	awarded_item_id            TEXT,
	created_at                 TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS ledger_balances (
	user_id BIGINT PRIMARY KEY,
	balance BIGINT NOT NULL DEFAULT 0
);`

func NewSQLStore(ctx context.Context, db *sql.DB) (*SQLStore, error) {
	if _, err := db.ExecContext(ctx, paySchema); err != nil {
		return nil, fmt.Errorf("payment schema: %w", err)
	}
	return &SQLStore{db: db}, nil
}

func (s *SQLStore) InsertPaid(ctx context.Context, r Record) (Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO payments (telegram_payment_charge_id, provider_payment_charge_id,
			invoice_payload, currency, total_amount, user_id, status, awarded_item_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (telegram_payment_charge_id) DO NOTHING`,
		r.TelegramPaymentChargeID, r.ProviderPaymentChargeID, r.InvoicePayload,
		r.Currency, r.TotalAmount, r.UserID, r.Status, r.AwardedItemID, r.CreatedAt)
	if err != nil {
		return Record{}, false, fmt.Errorf("insert payment: %w", err)
	}
	n, _ := res.RowsAffected()
	stored, err := s.Get(ctx, r.TelegramPaymentChargeID)
	if err != nil {
		return Record{}, false, err
	}
	if stored == nil {
		return Record{}, false, fmt.Errorf("payment %s vanished", r.TelegramPaymentChargeID)
	}
	return *stored, n > 0, nil
}

func (s *SQLStore) SetStatus(ctx context.Context, chargeID string, status Status, awardedItemID string) error {
	var res sql.Result
	var err error
	if awardedItemID != "" {
		res, err = s.db.ExecContext(ctx, `
			UPDATE payments SET status = $2, awarded_item_id = $3
			WHERE telegram_payment_charge_id = $1`, chargeID, status, awardedItemID)
	} else {
		res, err = s.db.ExecContext(ctx, `
			UPDATE payments SET status = $2
			WHERE telegram_payment_charge_id = $1`, chargeID, status)
	}
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("payment %s not found", chargeID)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, chargeID string) (*Record, error) {
	var r Record
	var provider, item sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT telegram_payment_charge_id, provider_payment_charge_id, invoice_payload,
			currency, total_amount, user_id, status, awarded_item_id, created_at
		FROM payments WHERE telegram_payment_charge_id = $1`, chargeID).
		Scan(&r.TelegramPaymentChargeID, &provider, &r.InvoicePayload,
			&r.Currency, &r.TotalAmount, &r.UserID, &r.Status, &item, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	r.ProviderPaymentChargeID = provider.String
	r.AwardedItemID = item.String
	return &r, nil
}

// SQLLedger upserts balances in the shared database.
type SQLLedger struct {
	db *sql.DB
}

func NewSQLLedger(db *sql.DB) *SQLLedger {
	return &SQLLedger{db: db}
}

func (l *SQLLedger) Credit(ctx context.Context, userID, amount int64, _ string) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO ledger_balances (user_id, balance) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET balance = ledger_balances.balance + $2`,
		userID, amount)
	if err != nil {
		return fmt.Errorf("credit ledger: %w", err)
	}
	return nil
}

func (l *SQLLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	var v int64
	err := l.db.QueryRowContext(ctx,
		`SELECT balance FROM ledger_balances WHERE user_id = $1`, userID).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return v, nil
}
