package payment

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	redisPayPrefix    = "pay:rec:"
	redisLedgerPrefix = "pay:bal:"
)

// RedisStore keeps payment records as JSON values. SET NX carries the
// idempotency; later status writes come from the single state-machine owner,
// so plain SET is safe.
type RedisStore struct {
	rdb *redis.Client
}

func NewRedisStore(rdb *redis.Client) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) InsertPaid(ctx context.Context, r Record) (Record, bool, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return Record{}, false, fmt.Errorf("marshal payment: %w", err)
	}
	set, err := s.rdb.SetNX(ctx, redisPayPrefix+r.TelegramPaymentChargeID, data, 0).Result()
	if err != nil {
		return Record{}, false, fmt.Errorf("insert payment: %w", err)
	}
	if set {
		return r, true, nil
	}
	stored, err := s.Get(ctx, r.TelegramPaymentChargeID)
	if err != nil {
		return Record{}, false, err
	}
	if stored == nil {
		return Record{}, false, fmt.Errorf("payment %s vanished", r.TelegramPaymentChargeID)
	}
	return *stored, false, nil
}

func (s *RedisStore) SetStatus(ctx context.Context, chargeID string, status Status, awardedItemID string) error {
	r, err := s.Get(ctx, chargeID)
	if err != nil {
		return err
	}
	if r == nil {
		return fmt.Errorf("payment %s not found", chargeID)
	}
	r.Status = status
	if awardedItemID != "" {
		r.AwardedItemID = awardedItemID
	}
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal payment: %w", err)
	}
	if err := s.rdb.Set(ctx, redisPayPrefix+chargeID, data, 0).Err(); err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, chargeID string) (*Record, error) {
	data, err := s.rdb.Get(ctx, redisPayPrefix+chargeID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get payment: %w", err)
	}
	var r Record
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("unmarshal payment: %w", err)
	}
	return &r, nil
}

// RedisLedger keeps balances as plain integer keys.
type RedisLedger struct {
	rdb *redis.Client
}

func NewRedisLedger(rdb *redis.Client) *RedisLedger {
	return &RedisLedger{rdb: rdb}
}

func (l *RedisLedger) Credit(ctx context.Context, userID, amount int64, _ string) error {
	if err := l.rdb.IncrBy(ctx, fmt.Sprintf("%s%d", redisLedgerPrefix, userID), amount).Err(); err != nil {
		return fmt.Errorf("credit ledger: %w", err)
	}
	return nil
}

func (l *RedisLedger) Balance(ctx context.Context, userID int64) (int64, error) {
	v, err := l.rdb.Get(ctx, fmt.Sprintf("%s%d", redisLedgerPrefix, userID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("ledger balance: %w", err)
	}
	return v, nil
}
