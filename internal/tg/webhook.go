package tg

import (
	"crypto/subtle"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/antifraud"
	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/httpapi"
	"github.com/casedrop/casebot/internal/metrics"
	"github.com/casedrop/casebot/internal/ratelimit"
)

const (
	secretHeader = "X-Telegram-Bot-Api-Secret-Token"
	maxBodyBytes = 1 << 20
)

// WebhookIngestParams shapes the per-IP bucket guarding the webhook path.
var WebhookIngestParams = ratelimit.Params{
	Capacity:      120,
	RefillPerSec:  2,
	TTL:           10 * time.Minute,
	InitialTokens: 120,
}

// Webhook is the HTTP ingress for platform updates. It answers fast: all
// downstream work happens on the queue workers.
type Webhook struct {
	secret  string
	sink    Sink
	limiter ratelimit.Store
	scorer  *antifraud.Scorer
	guard   *antifraud.Guard
	clk     clock.Clock
	m       *metrics.Metrics
	log     *zap.Logger
}

func NewWebhook(
	secret string,
	sink Sink,
	limiter ratelimit.Store,
	scorer *antifraud.Scorer,
	guard *antifraud.Guard,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Webhook {
	return &Webhook{
		secret:  secret,
		sink:    sink,
		limiter: limiter,
		scorer:  scorer,
		guard:   guard,
		clk:     clk,
		m:       m,
		log:     log,
	}
}

// Handle serves POST <webhook path>.
func (w *Webhook) Handle(c *gin.Context) {
	got := c.GetHeader(secretHeader)
	if subtle.ConstantTimeCompare([]byte(got), []byte(w.secret)) != 1 {
		w.m.Inc("tg_webhook_rejected_total", nil)
		httpapi.Error(c, http.StatusForbidden, "forbidden")
		return
	}

	if c.Request.ContentLength > maxBodyBytes {
		w.m.Inc("tg_webhook_body_too_large_total", nil)
		httpapi.Error(c, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	if ct := c.ContentType(); ct != "" && !strings.HasPrefix(ct, "application/json") {
		w.m.Inc("tg_webhook_rejected_total", nil)
		httpapi.Error(c, http.StatusUnsupportedMediaType, "unsupported content type")
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxBodyBytes+1))
	if err != nil {
		w.m.Inc("tg_webhook_rejected_total", nil)
		httpapi.Error(c, http.StatusBadRequest, "invalid update json")
		return
	}
	if len(body) > maxBodyBytes {
		w.m.Inc("tg_webhook_body_too_large_total", nil)
		httpapi.Error(c, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	u, err := ParseUpdate(body)
	if err != nil {
		w.m.Inc("tg_webhook_rejected_total", nil)
		httpapi.Error(c, http.StatusBadRequest, "invalid update json")
		return
	}

	ip := c.ClientIP()
	if !w.guard.Allowed(c.Request.Context(), ip) {
		httpapi.Error(c, http.StatusForbidden, "forbidden")
		return
	}

	d, err := w.limiter.TryConsume(c.Request.Context(), ratelimit.IPKey(ip), WebhookIngestParams, 1)
	if err != nil {
		w.log.Warn("webhook rate limit store failed", zap.Error(err))
	} else if !d.Allowed {
		w.m.Inc("af_rl_blocked_total", metrics.Tags{"type": "ip"})
		httpapi.ErrorWithType(c, http.StatusTooManyRequests, "rate_limited", "rate_limit")
		return
	} else {
		w.m.Inc("af_rl_allowed_total", metrics.Tags{"type": "ip"})
	}

	// Post-capture path: the scorer can only observe or soft-cap here, so the
	// result never blocks the enqueue. Soft-capped sources accumulate marks
	// toward an automatic temporary ban.
	if res, err := w.scorer.Evaluate(c.Request.Context(), antifraud.Context{
		IP:        ip,
		Subject:   u.UserID(),
		Path:      c.FullPath(),
		UserAgent: c.GetHeader("User-Agent"),
		Event:     antifraud.EventWebhook,
	}); err != nil {
		w.log.Warn("webhook velocity scoring failed", zap.Error(err))
	} else if res.Action == antifraud.ActionSoftCap {
		w.guard.MarkSuspicious(c.Request.Context(), ip)
	}

	start := w.clk.Now()
	w.sink.Enqueue(u)
	w.m.Observe("tg_webhook_enqueue_seconds", nil, w.clk.Now().Sub(start).Seconds())
	w.m.Inc("tg_webhook_updates_total", nil)

	c.String(http.StatusOK, "ok")
}
