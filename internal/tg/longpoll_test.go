package tg

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/metrics"
)

// fakeAPI scripts getUpdates batches and records requested offsets.
type fakeAPI struct {
	API

	mu      sync.Mutex
	batches [][]Update
	errs    []error
	offsets []int64
}

func (f *fakeAPI) GetUpdates(ctx context.Context, offset int64, _ time.Duration) ([]Update, error) {
	f.mu.Lock()
	f.offsets = append(f.offsets, offset)

	if len(f.errs) > 0 {
		err := f.errs[0]
		f.errs = f.errs[1:]
		f.mu.Unlock()
		return nil, err
	}
	if len(f.batches) == 0 {
		f.mu.Unlock()
		// Idle long poll: park briefly instead of spinning.
		select {
		case <-ctx.Done():
		case <-time.After(10 * time.Millisecond):
		}
		return nil, ctx.Err()
	}
	b := f.batches[0]
	f.batches = f.batches[1:]
	f.mu.Unlock()
	return b, nil
}

func TestLongPollerAdvancesOffsetAfterBatch(t *testing.T) {
	api := &fakeAPI{batches: [][]Update{
		{{UpdateID: 5}, {UpdateID: 6}},
		{{UpdateID: 7}},
	}}
	sink := &RecordingSink{}
	lp := NewLongPoller(api, sink, metrics.New(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	lp.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sink.Count() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	lp.Stop()

	if sink.Count() != 3 {
		t.Fatalf("sink received %d, want 3", sink.Count())
	}
	api.mu.Lock()
	defer api.mu.Unlock()
	// First call offset 0, then 7 (last id 6 + 1), then 8.
	if len(api.offsets) < 3 || api.offsets[0] != 0 || api.offsets[1] != 7 || api.offsets[2] != 8 {
		t.Errorf("offsets: got %v", api.offsets)
	}
	if lp.State() != LPStopped {
		t.Errorf("state after stop: got %v want LPStopped", lp.State())
	}
}

func TestLongPollerBacksOffOnErrors(t *testing.T) {
	api := &fakeAPI{
		errs:    []error{errors.New("boom"), errors.New("boom")},
		batches: [][]Update{{{UpdateID: 1}}},
	}
	sink := &RecordingSink{}
	m := metrics.New()
	lp := NewLongPoller(api, sink, m, zap.NewNop())
	lp.BackoffInitial = time.Millisecond
	lp.BackoffCap = 5 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	lp.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && sink.Count() < 1 {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	lp.Stop()

	if sink.Count() != 1 {
		t.Fatalf("sink received %d, want 1 after retries", sink.Count())
	}
	if got := m.CounterValue("tg_lp_retries_total", nil); got != 2 {
		t.Errorf("retries: got %v want 2", got)
	}
}

func TestLongPollerStartIsIdempotent(t *testing.T) {
	api := &fakeAPI{}
	lp := NewLongPoller(api, &RecordingSink{}, metrics.New(), zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lp.Start(ctx)
	lp.Start(ctx) // second start must not spawn a second loop
	time.Sleep(20 * time.Millisecond)
	lp.Stop()

	if lp.State() != LPStopped {
		t.Errorf("state: got %v want LPStopped", lp.State())
	}
}
