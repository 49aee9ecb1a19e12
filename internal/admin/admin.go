// Package admin is the token-gated operational surface: webhook management,
// economy inspection, the fairness seed lifecycle, and the IP banlist.
package admin

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/antifraud"
	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/httpapi"
	"github.com/casedrop/casebot/internal/metrics"
	"github.com/casedrop/casebot/internal/rng"
	"github.com/casedrop/casebot/internal/tg"
)

const tokenHeader = "X-Admin-Token"

// TokenMiddleware gates every admin route on a constant-time token match.
// The caller must not mount admin routes at all when no token is configured.
func TokenMiddleware(token string) gin.HandlerFunc {
	return func(c *gin.Context) {
		got := c.GetHeader(tokenHeader)
		if got == "" {
			httpapi.Error(c, http.StatusUnauthorized, "unauthorized")
			return
		}
		if subtle.ConstantTimeCompare([]byte(got), []byte(token)) != 1 {
			httpapi.Error(c, http.StatusForbidden, "forbidden")
			return
		}
		c.Next()
	}
}

// Handlers is the admin route set.
type Handlers struct {
	api           tg.API
	catalogue     *cases.Loader
	guard         *antifraud.Guard
	draws         *rng.Service
	webhookSecret string
	webhookMode   bool // false when the bot runs on long polling
	m             *metrics.Metrics
	log           *zap.Logger
}

func NewHandlers(
	api tg.API,
	catalogue *cases.Loader,
	guard *antifraud.Guard,
	draws *rng.Service,
	webhookSecret string,
	webhookMode bool,
	m *metrics.Metrics,
	log *zap.Logger,
) *Handlers {
	return &Handlers{
		api:           api,
		catalogue:     catalogue,
		guard:         guard,
		draws:         draws,
		webhookSecret: webhookSecret,
		webhookMode:   webhookMode,
		m:             m,
		log:           log.Named("admin"),
	}
}

// Register mounts the admin routes on a token-protected group.
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.POST("/telegram/webhook/set", h.setWebhook)
	g.POST("/telegram/webhook/delete", h.deleteWebhook)
	g.GET("/telegram/webhook/info", h.webhookInfo)
	g.GET("/economy/preview", h.economyPreview)
	g.POST("/economy/reload", h.economyReload)
	g.GET("/rng/commit", h.rngCommit)
	g.POST("/rng/reveal", h.rngReveal)
	g.POST("/banlist/ban", h.ban)
	g.POST("/banlist/unban", h.unban)
}

type setWebhookBody struct {
	URL            string   `json:"url"`
	AllowedUpdates []string `json:"allowedUpdates"`
	MaxConnections int      `json:"maxConnections"`
	DropPending    bool     `json:"dropPending"`
}

func (h *Handlers) setWebhook(c *gin.Context) {
	if !h.webhookMode {
		httpapi.Error(c, http.StatusConflict, "bot is running on long polling")
		return
	}
	var body setWebhookBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if body.MaxConnections != 0 && (body.MaxConnections < 1 || body.MaxConnections > 100) {
		httpapi.Error(c, http.StatusBadRequest, "maxConnections out of range [1, 100]")
		return
	}
	err := h.api.SetWebhook(c.Request.Context(), tg.SetWebhookParams{
		URL:            body.URL,
		SecretToken:    h.webhookSecret,
		AllowedUpdates: body.AllowedUpdates,
		MaxConnections: body.MaxConnections,
		DropPending:    body.DropPending,
	})
	if err != nil {
		h.m.Inc("tg_admin_webhook_set_fail_total", nil)
		h.log.Error("webhook set failed", zap.Error(err))
		httpapi.Error(c, http.StatusBadGateway, "webhook set failed")
		return
	}
	h.m.Inc("tg_admin_webhook_set_total", nil)
	h.log.Info("webhook set", zap.String("url", body.URL))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) deleteWebhook(c *gin.Context) {
	dropPending := c.Query("dropPending") == "true"
	if err := h.api.DeleteWebhook(c.Request.Context(), dropPending); err != nil {
		h.m.Inc("tg_admin_webhook_delete_fail_total", nil)
		h.log.Error("webhook delete failed", zap.Error(err))
		httpapi.Error(c, http.StatusBadGateway, "webhook delete failed")
		return
	}
	h.m.Inc("tg_admin_webhook_delete_total", nil)
	h.log.Info("webhook deleted", zap.Bool("dropPending", dropPending))
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) webhookInfo(c *gin.Context) {
	info, err := h.api.GetWebhookInfo(c.Request.Context())
	if err != nil {
		h.log.Error("webhook info failed", zap.Error(err))
		httpapi.Error(c, http.StatusBadGateway, "webhook info failed")
		return
	}
	// WebhookInfo carries no secret fields; the struct is safe to relay.
	c.JSON(http.StatusOK, info)
}

func (h *Handlers) economyPreview(c *gin.Context) {
	caseID := c.Query("caseId")
	if caseID == "" {
		httpapi.Error(c, http.StatusBadRequest, "caseId required")
		return
	}
	report, ok := h.catalogue.Snapshot().Report(caseID)
	if !ok {
		httpapi.Error(c, http.StatusNotFound, "case not found")
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handlers) economyReload(c *gin.Context) {
	reports, err := h.catalogue.Load()
	if err != nil {
		h.log.Error("catalogue reload failed", zap.Error(err))
		httpapi.Error(c, http.StatusUnprocessableEntity, "reload failed")
		return
	}
	h.log.Info("catalogue reloaded", zap.Int("cases", len(reports)))
	c.JSON(http.StatusOK, gin.H{"reports": reports})
}

// rngCommit returns the commitment for ?day=, or today's, creating today's
// lazily. The response never carries the seed of an unrevealed day.
func (h *Handlers) rngCommit(c *gin.Context) {
	day := c.Query("day")
	var (
		commit rng.Commitment
		err    error
	)
	if day == "" {
		commit, err = h.draws.Commit(c.Request.Context())
	} else {
		commit, err = h.draws.CommitFor(c.Request.Context(), day)
	}
	switch {
	case errors.Is(err, rng.ErrNoCommit):
		httpapi.Error(c, http.StatusNotFound, "no commit for day")
	case err != nil:
		h.log.Error("commit lookup failed", zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, "commit lookup failed")
	default:
		c.JSON(http.StatusOK, commit)
	}
}

type revealBody struct {
	Day string `json:"day" binding:"required"`
}

func (h *Handlers) rngReveal(c *gin.Context) {
	var body revealBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	commit, err := h.draws.Reveal(c.Request.Context(), body.Day)
	switch {
	case errors.Is(err, rng.ErrNoCommit):
		httpapi.Error(c, http.StatusNotFound, "no commit for day")
	case errors.Is(err, rng.ErrNotPast):
		httpapi.Error(c, http.StatusUnprocessableEntity, "day is not in the past")
	case err != nil:
		h.log.Error("reveal failed", zap.String("day", body.Day), zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, "reveal failed")
	default:
		c.JSON(http.StatusOK, commit)
	}
}

type banBody struct {
	IP      string `json:"ip" binding:"required"`
	Minutes int    `json:"minutes"` // 0 = permanent
}

func (h *Handlers) ban(c *gin.Context) {
	var body banBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	d := time.Duration(body.Minutes) * time.Minute
	if err := h.guard.Ban(c.Request.Context(), body.IP, d); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, "ban failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handlers) unban(c *gin.Context) {
	var body banBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.guard.Unban(c.Request.Context(), body.IP); err != nil {
		httpapi.Error(c, http.StatusInternalServerError, "unban failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true})
}
