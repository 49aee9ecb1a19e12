package ratelimit

import (
	"context"
)

// Store issues atomic refill-and-consume decisions. Implementations guarantee
// that concurrent calls for the same key serialize: the read–modify–write of
// the bucket state is a single critical section (a per-key mutex in memory,
// a server-side script in redis).
type Store interface {
	TryConsume(ctx context.Context, key Key, p Params, cost float64) (Decision, error)
}
