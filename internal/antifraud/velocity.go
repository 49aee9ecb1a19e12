package antifraud

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/metrics"
)

// Flag is one heuristic velocity signal.
type Flag string

const (
	FlagIPShortBurst      Flag = "IP_SHORT_BURST"
	FlagSubjectUAMismatch Flag = "SUBJECT_UA_MISMATCH"
	FlagDistinctPaths     Flag = "DISTINCT_PATHS"
	FlagInvoiceShortBurst Flag = "INVOICE_SHORT_BURST"
	FlagPrecheckoutBurst  Flag = "PRECHECKOUT_BURST"
	FlagSuccessBurst      Flag = "SUCCESS_BURST"
)

// Action is the graded antifraud outcome.
type Action int

const (
	ActionLogOnly Action = iota
	ActionSoftCap
	ActionHardBlock
)

func (a Action) String() string {
	switch a {
	case ActionSoftCap:
		return "SOFT_CAP"
	case ActionHardBlock:
		return "HARD_BLOCK"
	default:
		return "LOG_ONLY"
	}
}

// EventType classifies the request being scored. Hard blocks are allowed
// only for pre-capture events (invoice, precheckout).
type EventType string

const (
	EventInvoice     EventType = "invoice"
	EventPrecheckout EventType = "precheckout"
	EventSuccess     EventType = "success"
	EventWebhook     EventType = "webhook"
)

func (e EventType) preCapture() bool {
	return e == EventInvoice || e == EventPrecheckout
}

// Context carries the request attributes the scorer keys its counters by.
type Context struct {
	IP        string
	Subject   int64 // 0 when the request has no platform user
	Path      string
	UserAgent string
	Event     EventType
}

// Result is the scored outcome.
type Result struct {
	Flags  []Flag
	Score  int
	Action Action
}

// Config holds window sizes, per-counter maxima, flag scores, and the action
// thresholds. Thresholds are configuration, not constants: operators tune
// them without code changes.
type Config struct {
	ShortWindow time.Duration
	LongWindow  time.Duration

	IPShortMax          int64
	InvoiceShortMax     int64
	PrecheckoutShortMax int64
	SuccessShortMax     int64
	DistinctPathsMax    int64
	DistinctUAMax       int64

	Scores    map[Flag]int
	SoftCap   int
	HardBlock int
}

func DefaultConfig() Config {
	return Config{
		ShortWindow:         60 * time.Second,
		LongWindow:          600 * time.Second,
		IPShortMax:          60,
		InvoiceShortMax:     5,
		PrecheckoutShortMax: 5,
		SuccessShortMax:     5,
		DistinctPathsMax:    12,
		DistinctUAMax:       2,
		Scores: map[Flag]int{
			FlagIPShortBurst:      10,
			FlagSubjectUAMismatch: 15,
			FlagDistinctPaths:     8,
			FlagInvoiceShortBurst: 10,
			FlagPrecheckoutBurst:  10,
			FlagSuccessBurst:      10,
		},
		SoftCap:   10,
		HardBlock: 20,
	}
}

// CounterStore backs the scorer's windowed counters. Incr bumps a counter
// that resets after window; AddDistinct records a set member with a TTL and
// returns the distinct-member count.
type CounterStore interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
	AddDistinct(ctx context.Context, key, member string, ttl time.Duration) (int64, error)
}

// Scorer evaluates a request context into flags and a graded action.
type Scorer struct {
	cfg   Config
	store CounterStore
	m     *metrics.Metrics
	log   *zap.Logger
}

func NewScorer(cfg Config, store CounterStore, m *metrics.Metrics, log *zap.Logger) *Scorer {
	return &Scorer{cfg: cfg, store: store, m: m, log: log}
}

func (s *Scorer) Evaluate(ctx context.Context, rc Context) (Result, error) {
	var res Result

	raise := func(f Flag) {
		res.Flags = append(res.Flags, f)
		res.Score += s.cfg.Scores[f]
		s.m.Inc("pay_af_flags_total", metrics.Tags{"flag": string(f)})
	}

	// Queue-delivered events carry no source address; skip IP counters then.
	if rc.IP != "" {
		n, err := s.store.Incr(ctx, "ip:"+rc.IP, s.cfg.ShortWindow)
		if err != nil {
			return res, fmt.Errorf("velocity incr ip: %w", err)
		}
		if n > s.cfg.IPShortMax {
			raise(FlagIPShortBurst)
		}
	}

	if rc.IP != "" && rc.Path != "" {
		distinct, err := s.store.AddDistinct(ctx, "paths:"+rc.IP, rc.Path, s.cfg.LongWindow)
		if err != nil {
			return res, fmt.Errorf("velocity distinct paths: %w", err)
		}
		if distinct > s.cfg.DistinctPathsMax {
			raise(FlagDistinctPaths)
		}
	}

	if rc.Subject != 0 && rc.UserAgent != "" {
		subj := strconv.FormatInt(rc.Subject, 10)
		distinct, err := s.store.AddDistinct(ctx, "ua:"+subj, rc.UserAgent, s.cfg.LongWindow)
		if err != nil {
			return res, fmt.Errorf("velocity distinct ua: %w", err)
		}
		if distinct > s.cfg.DistinctUAMax {
			raise(FlagSubjectUAMismatch)
		}
	}

	if f, max := s.eventCounter(rc.Event); max > 0 {
		key := string(rc.Event) + ":" + s.eventKey(rc)
		n, err := s.store.Incr(ctx, key, s.cfg.ShortWindow)
		if err != nil {
			return res, fmt.Errorf("velocity incr %s: %w", rc.Event, err)
		}
		if n > max {
			raise(f)
		}
	}

	res.Action = s.action(res.Score, rc.Event)

	s.m.Inc("pay_af_decisions_total", metrics.Tags{
		"type":   string(rc.Event),
		"action": res.Action.String(),
	})
	if res.Action != ActionLogOnly {
		s.log.Info("antifraud decision",
			zap.String("event", string(rc.Event)),
			zap.String("action", res.Action.String()),
			zap.Int("score", res.Score),
		)
	}
	return res, nil
}

func (s *Scorer) eventCounter(e EventType) (Flag, int64) {
	switch e {
	case EventInvoice:
		return FlagInvoiceShortBurst, s.cfg.InvoiceShortMax
	case EventPrecheckout:
		return FlagPrecheckoutBurst, s.cfg.PrecheckoutShortMax
	case EventSuccess:
		return FlagSuccessBurst, s.cfg.SuccessShortMax
	default:
		return "", 0
	}
}

// eventKey prefers the subject for per-user burst counters; anonymous
// traffic falls back to the source address.
func (s *Scorer) eventKey(rc Context) string {
	if rc.Subject != 0 {
		return "sub:" + strconv.FormatInt(rc.Subject, 10)
	}
	return "ip:" + rc.IP
}

// action maps the summed score to an action. Post-capture events never see
// HARD_BLOCK: funds are already captured, so a block is demoted to SOFT_CAP.
func (s *Scorer) action(score int, e EventType) Action {
	switch {
	case score >= s.cfg.HardBlock:
		if !e.preCapture() {
			return ActionSoftCap
		}
		return ActionHardBlock
	case score >= s.cfg.SoftCap:
		return ActionSoftCap
	default:
		return ActionLogOnly
	}
}
