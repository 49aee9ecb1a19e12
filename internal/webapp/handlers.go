package webapp

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/httpapi"
	"github.com/casedrop/casebot/internal/payment"
)

const (
	initDataHeader = "X-Telegram-Init-Data"
	ctxInitData    = "webapp_init_data"
)

// AuthMiddleware verifies the init-data header and binds the verified
// context for downstream handlers. 403 on absence or mismatch.
func AuthMiddleware(botToken string, log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader(initDataHeader)
		if raw == "" {
			// Fallback: "Authorization: tma <initData>".
			if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "tma ") {
				raw = strings.TrimPrefix(auth, "tma ")
			}
		}
		data, err := Verify(botToken, raw)
		if err != nil {
			log.Debug("init data rejected", zap.String("requestId", httpapi.RequestID(c)))
			httpapi.Error(c, http.StatusForbidden, "forbidden")
			return
		}
		c.Set(ctxInitData, data)
		c.Next()
	}
}

// FromContext returns the verified init data bound by AuthMiddleware.
func FromContext(c *gin.Context) (InitData, bool) {
	v, ok := c.Get(ctxInitData)
	if !ok {
		return InitData{}, false
	}
	data, ok := v.(InitData)
	return data, ok
}

// Handlers is the mini-app JSON API.
type Handlers struct {
	catalogue *cases.Loader
	machine   *payment.Machine
	ledger    payment.Ledger
	log       *zap.Logger
}

func NewHandlers(catalogue *cases.Loader, machine *payment.Machine, ledger payment.Ledger, log *zap.Logger) *Handlers {
	return &Handlers{catalogue: catalogue, machine: machine, ledger: ledger, log: log.Named("webapp")}
}

// Register mounts the mini-app routes on an init-data protected group.
func (h *Handlers) Register(g *gin.RouterGroup) {
	g.GET("/cases", h.listCases)
	g.POST("/invoice", h.createInvoice)
	g.GET("/balance", h.balance)
}

func (h *Handlers) listCases(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cases": h.catalogue.Snapshot().PublicList()})
}

type invoiceBody struct {
	CaseID string `json:"caseId" binding:"required"`
}

func (h *Handlers) createInvoice(c *gin.Context) {
	data, ok := FromContext(c)
	if !ok {
		httpapi.Error(c, http.StatusForbidden, "forbidden")
		return
	}
	var body invoiceBody
	if err := c.ShouldBindJSON(&body); err != nil {
		httpapi.Error(c, http.StatusBadRequest, "invalid request body")
		return
	}

	link, err := h.machine.CreateInvoice(c.Request.Context(), payment.InvoiceRequest{
		CaseID:    body.CaseID,
		UserID:    data.UserID,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	switch {
	case errors.Is(err, payment.ErrRateLimited):
		httpapi.ErrorWithType(c, http.StatusTooManyRequests, "rate_limited", "rate_limit")
	case errors.Is(err, payment.ErrHardBlocked):
		httpapi.ErrorWithType(c, http.StatusTooManyRequests, "rate_limited", "velocity")
	case errors.Is(err, payment.ErrUnknownCase):
		httpapi.Error(c, http.StatusNotFound, "case not found")
	case err != nil:
		h.log.Error("invoice creation failed",
			zap.String("requestId", httpapi.RequestID(c)), zap.Error(err))
		httpapi.Error(c, http.StatusBadGateway, "invoice unavailable")
	default:
		c.JSON(http.StatusOK, gin.H{"invoiceLink": link})
	}
}

func (h *Handlers) balance(c *gin.Context) {
	data, ok := FromContext(c)
	if !ok {
		httpapi.Error(c, http.StatusForbidden, "forbidden")
		return
	}
	bal, err := h.ledger.Balance(c.Request.Context(), data.UserID)
	if err != nil {
		h.log.Error("balance lookup failed",
			zap.String("requestId", httpapi.RequestID(c)), zap.Error(err))
		httpapi.Error(c, http.StatusInternalServerError, "internal error")
		return
	}
	c.JSON(http.StatusOK, gin.H{"balance": bal})
}
