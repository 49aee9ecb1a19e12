// Package queue is the bounded, deduplicating update queue. Updates are
// admitted at most once per update id within the dedup TTL; on overflow the
// oldest queued update is dropped so fresh traffic keeps flowing.
package queue

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/metrics"
	"github.com/casedrop/casebot/internal/tg"
)

// Handler processes one drained update.
type Handler func(ctx context.Context, u tg.Update)

const (
	// DefaultDedupTTL suppresses repeated update ids for about a day; the
	// platform retries failed webhooks for roughly that long.
	DefaultDedupTTL = 26 * time.Hour

	// DefaultDrainTimeout bounds how long Close waits for in-flight handlers.
	DefaultDrainTimeout = 5 * time.Second
)

type Queue struct {
	ch       chan tg.Update
	handler  Handler
	dedupTTL time.Duration
	clk      clock.Clock
	m        *metrics.Metrics
	log      *zap.Logger

	mu     sync.Mutex
	seen   map[int64]time.Time
	closed bool

	stop    chan struct{}
	workers *errgroup.Group
}

func New(capacity int, handler Handler, clk clock.Clock, m *metrics.Metrics, log *zap.Logger) *Queue {
	return &Queue{
		ch:       make(chan tg.Update, capacity),
		handler:  handler,
		dedupTTL: DefaultDedupTTL,
		clk:      clk,
		m:        m,
		log:      log,
		seen:     make(map[int64]time.Time),
		stop:     make(chan struct{}),
	}
}

// SetDedupTTL overrides the dedup window (call before Start).
func (q *Queue) SetDedupTTL(ttl time.Duration) { q.dedupTTL = ttl }

// Enqueue admits an update. Duplicates within the TTL and arrivals after
// Close are counted and discarded; on overflow the oldest queued update is
// dropped in favor of the new one.
func (q *Queue) Enqueue(u tg.Update) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		q.m.Inc("tg_updates_dropped_total", nil)
		return
	}
	now := q.clk.Now()
	if first, ok := q.seen[u.UpdateID]; ok && now.Sub(first) < q.dedupTTL {
		q.mu.Unlock()
		q.m.Inc("tg_updates_duplicated_total", nil)
		return
	}
	q.seen[u.UpdateID] = now
	q.mu.Unlock()

	select {
	case q.ch <- u:
	default:
		// Full: evict the oldest, then retry once. A racing worker may have
		// already made room, in which case the receive just misses.
		select {
		case old := <-q.ch:
			q.m.Inc("tg_updates_dropped_total", nil)
			q.log.Debug("queue overflow, dropped oldest", zap.Int64("update_id", old.UpdateID))
		default:
		}
		select {
		case q.ch <- u:
		default:
			q.m.Inc("tg_updates_dropped_total", nil)
			q.m.SetGauge("tg_queue_size", nil, float64(len(q.ch)))
			return
		}
	}
	q.m.Inc("tg_updates_enqueued_total", nil)
	q.m.SetGauge("tg_queue_size", nil, float64(len(q.ch)))
}

// Start spawns the worker pool and the dedup janitor.
func (q *Queue) Start(ctx context.Context, workers int) {
	g, ctx := errgroup.WithContext(ctx)
	q.workers = g
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			q.runWorker(ctx)
			return nil
		})
	}
	g.Go(func() error {
		q.runJanitor(ctx)
		return nil
	})
}

func (q *Queue) runWorker(ctx context.Context) {
	for {
		select {
		case u := <-q.ch:
			q.handle(ctx, u)
		case <-q.stop:
			// Drain whatever is left, then exit.
			for {
				select {
				case u := <-q.ch:
					q.handle(ctx, u)
				default:
					return
				}
			}
		case <-ctx.Done():
			return
		}
	}
}

func (q *Queue) handle(ctx context.Context, u tg.Update) {
	start := q.clk.Now()
	q.handler(ctx, u)
	q.m.Observe("tg_update_handle_seconds", nil, q.clk.Now().Sub(start).Seconds())
	q.m.Inc("tg_updates_processed_total", nil)
	q.m.SetGauge("tg_queue_size", nil, float64(len(q.ch)))
}

// runJanitor evicts dedup entries past the TTL.
func (q *Queue) runJanitor(ctx context.Context) {
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			now := q.clk.Now()
			q.mu.Lock()
			for id, first := range q.seen {
				if now.Sub(first) >= q.dedupTTL {
					delete(q.seen, id)
				}
			}
			q.mu.Unlock()
		case <-q.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Close stops accepting, lets workers drain, and waits up to the drain
// timeout for them to finish.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	close(q.stop)
	if q.workers == nil {
		return
	}

	done := make(chan struct{})
	go func() {
		q.workers.Wait() //nolint:errcheck
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DefaultDrainTimeout):
		q.log.Warn("queue close timed out waiting for workers")
	}
}

// Len reports the queued item count (test support).
func (q *Queue) Len() int { return len(q.ch) }
