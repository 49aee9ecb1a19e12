package tg

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/metrics"
)

// LongPollState is the runner's lifecycle phase.
type LongPollState int32

const (
	LPIdle LongPollState = iota
	LPPolling
	LPBackoff
	LPStopped
)

const (
	lpTimeout        = 25 * time.Second
	lpBackoffInitial = time.Second
	lpBackoffCap     = 30 * time.Second
)

// LongPoller is the alternative ingress: it pulls updates with getUpdates
// and feeds them into the same sink as the webhook. At most one runner may
// be active, and the webhook must be deleted while it runs (enforced by the
// admin surface).
type LongPoller struct {
	api  API
	sink Sink
	m    *metrics.Metrics
	log  *zap.Logger

	// BackoffInitial/BackoffCap bound the error backoff; overridable in tests.
	BackoffInitial time.Duration
	BackoffCap     time.Duration

	mu     sync.Mutex
	state  LongPollState
	offset int64
	cancel context.CancelFunc
	done   chan struct{}
}

func NewLongPoller(api API, sink Sink, m *metrics.Metrics, log *zap.Logger) *LongPoller {
	return &LongPoller{
		api:            api,
		sink:           sink,
		m:              m,
		log:            log,
		BackoffInitial: lpBackoffInitial,
		BackoffCap:     lpBackoffCap,
	}
}

// State reports the current phase.
func (lp *LongPoller) State() LongPollState {
	lp.mu.Lock()
	defer lp.mu.Unlock()
	return lp.state
}

// Start launches the poll loop. Starting an already-running poller is a no-op.
func (lp *LongPoller) Start(ctx context.Context) {
	lp.mu.Lock()
	if lp.state == LPPolling || lp.state == LPBackoff {
		lp.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	lp.cancel = cancel
	lp.done = make(chan struct{})
	lp.state = LPPolling
	lp.mu.Unlock()

	go lp.run(ctx)
}

// Stop halts the loop and waits for it to exit.
func (lp *LongPoller) Stop() {
	lp.mu.Lock()
	cancel, done := lp.cancel, lp.done
	lp.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (lp *LongPoller) run(ctx context.Context) {
	defer func() {
		lp.mu.Lock()
		lp.state = LPStopped
		close(lp.done)
		lp.mu.Unlock()
		lp.log.Info("long poller stopped")
	}()

	lp.log.Info("long poller started")
	backoff := lp.BackoffInitial

	for {
		if ctx.Err() != nil {
			return
		}

		lp.setState(LPPolling)
		updates, err := lp.api.GetUpdates(ctx, lp.offset, lpTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			lp.m.Inc("tg_lp_retries_total", nil)
			lp.log.Warn("getUpdates failed, backing off",
				zap.Duration("backoff", backoff), zap.Error(err))

			lp.setState(LPBackoff)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			backoff *= 2
			if backoff > lp.BackoffCap {
				backoff = lp.BackoffCap
			}
			continue
		}
		backoff = lp.BackoffInitial

		if len(updates) == 0 {
			continue
		}
		for _, u := range updates {
			lp.sink.Enqueue(u)
		}
		lp.m.Add("tg_lp_updates_total", nil, float64(len(updates)))
		// Advance only after the whole batch is enqueued so a crash
		// re-delivers rather than skips; the dedup set absorbs replays.
		lp.offset = updates[len(updates)-1].UpdateID + 1
	}
}

func (lp *LongPoller) setState(s LongPollState) {
	lp.mu.Lock()
	lp.state = s
	lp.mu.Unlock()
}
