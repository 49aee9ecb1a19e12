package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/antifraud"
	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/metrics"
	"github.com/casedrop/casebot/internal/ratelimit"
	"github.com/casedrop/casebot/internal/rng"
	"github.com/casedrop/casebot/internal/tg"
)

// InvoiceSubjectParams throttles invoice creation per authenticated user:
// a small burst, then one invoice every ten seconds.
var InvoiceSubjectParams = ratelimit.Params{
	Capacity:      5,
	RefillPerSec:  0.1,
	TTL:           10 * time.Minute,
	InitialTokens: 5,
}

const (
	// CurrencyStars is the only currency the machine handles.
	CurrencyStars = "XTR"

	// precheckoutDeadline bounds the answer; past it the platform retries.
	precheckoutDeadline = 10 * time.Second
)

// premiumStars is the informational cost table for premium grants. The stars
// were already charged through the invoice; the grant call just names them.
var premiumStars = map[int]int64{3: 1000, 6: 1500, 12: 2500}

var (
	// ErrHardBlocked is returned when antifraud denies a pre-capture step.
	ErrHardBlocked = errors.New("blocked by velocity check")
	// ErrRateLimited is returned when the subject's invoice bucket is empty.
	ErrRateLimited = errors.New("subject rate limit exceeded")
	// ErrUnknownCase rejects an invoice for a case absent from the catalogue.
	ErrUnknownCase = errors.New("unknown case")
)

// InvoiceRequest is one web-view purchase attempt.
type InvoiceRequest struct {
	CaseID    string
	UserID    int64
	IP        string
	UserAgent string
}

// Machine owns every payment transition. It is the sole writer of payment
// records.
type Machine struct {
	api       tg.API
	draws     *rng.Service
	catalogue *cases.Loader
	store     Store
	ledger    Ledger
	scorer    *antifraud.Scorer
	limiter   ratelimit.Store
	codec     *Codec
	clk       clock.Clock
	m         *metrics.Metrics
	log       *zap.Logger
}

func NewMachine(
	api tg.API,
	draws *rng.Service,
	catalogue *cases.Loader,
	store Store,
	ledger Ledger,
	scorer *antifraud.Scorer,
	limiter ratelimit.Store,
	codec *Codec,
	clk clock.Clock,
	m *metrics.Metrics,
	log *zap.Logger,
) *Machine {
	return &Machine{
		api:       api,
		draws:     draws,
		catalogue: catalogue,
		store:     store,
		ledger:    ledger,
		scorer:    scorer,
		limiter:   limiter,
		codec:     codec,
		clk:       clk,
		m:         m,
		log:       log.Named("payment"),
	}
}

// CreateInvoice scores the request, then asks the platform for an invoice
// link carrying a signed order payload. HARD_BLOCK maps to ErrHardBlocked.
func (pm *Machine) CreateInvoice(ctx context.Context, req InvoiceRequest) (string, error) {
	d, err := pm.limiter.TryConsume(ctx, ratelimit.SubjectKey(req.UserID), InvoiceSubjectParams, 1)
	if err != nil {
		// Limiter trouble must not block purchases.
		pm.log.Warn("invoice subject bucket failed", zap.Error(err))
	} else if !d.Allowed {
		pm.m.Inc("af_rl_blocked_total", metrics.Tags{"type": "subject"})
		return "", ErrRateLimited
	} else {
		pm.m.Inc("af_rl_allowed_total", metrics.Tags{"type": "subject"})
	}

	res, err := pm.scorer.Evaluate(ctx, antifraud.Context{
		IP:        req.IP,
		Subject:   req.UserID,
		Path:      "/api/miniapp/invoice",
		UserAgent: req.UserAgent,
		Event:     antifraud.EventInvoice,
	})
	if err != nil {
		// Scoring trouble must not block purchases.
		pm.log.Warn("invoice velocity check failed", zap.Error(err))
	} else if res.Action == antifraud.ActionHardBlock {
		pm.m.Inc("pay_af_blocks_total", metrics.Tags{"type": "invoice"})
		return "", ErrHardBlocked
	}

	caseCfg, ok := pm.catalogue.Snapshot().Get(req.CaseID)
	if !ok {
		return "", ErrUnknownCase
	}

	payload, err := pm.codec.Encode(Payload{
		CaseID: caseCfg.ID,
		UserID: req.UserID,
		Nonce:  clock.NewRequestID(),
	})
	if err != nil {
		return "", err
	}

	link, err := pm.api.CreateInvoiceLink(ctx, tg.InvoiceParams{
		Title:       caseCfg.Title,
		Description: fmt.Sprintf("Кейс «%s»", caseCfg.Title),
		Payload:     payload,
		Label:       caseCfg.Title,
		Amount:      caseCfg.PriceStars,
	})
	if err != nil {
		return "", fmt.Errorf("create invoice link: %w", err)
	}
	return link, nil
}

// HandlePreCheckout validates and answers a pre-checkout query. The platform
// gives 10 seconds; past the deadline it retries the query on its own.
func (pm *Machine) HandlePreCheckout(ctx context.Context, q *tg.PreCheckoutQuery) error {
	ctx, cancel := context.WithTimeout(ctx, precheckoutDeadline)
	defer cancel()

	userID := int64(0)
	if q.From != nil {
		userID = q.From.ID
	}

	res, err := pm.scorer.Evaluate(ctx, antifraud.Context{
		Subject: userID,
		Path:    "precheckout",
		Event:   antifraud.EventPrecheckout,
	})
	if err != nil {
		pm.log.Warn("precheckout velocity check failed", zap.Error(err))
	} else if res.Action == antifraud.ActionHardBlock {
		pm.m.Inc("pay_af_blocks_total", metrics.Tags{"type": "precheckout"})
		return pm.answer(ctx, q.ID, false, "Слишком много попыток, попробуйте позже.")
	}

	if q.Currency != CurrencyStars {
		return pm.answer(ctx, q.ID, false, "Неподдерживаемая валюта платежа.")
	}
	payload, err := pm.codec.Decode(q.InvoicePayload)
	if err != nil {
		return pm.answer(ctx, q.ID, false, "Платёж не распознан, создайте счёт заново.")
	}
	caseCfg, ok := pm.catalogue.Snapshot().Get(payload.CaseID)
	if !ok {
		return pm.answer(ctx, q.ID, false, "Кейс больше недоступен.")
	}
	if q.TotalAmount != caseCfg.PriceStars {
		return pm.answer(ctx, q.ID, false, "Некорректная сумма платежа.")
	}
	return pm.answer(ctx, q.ID, true, "")
}

func (pm *Machine) answer(ctx context.Context, queryID string, ok bool, reason string) error {
	if err := pm.api.AnswerPreCheckoutQuery(ctx, queryID, ok, reason); err != nil {
		pm.log.Error("precheckout answer failed",
			zap.String("queryId", queryID), zap.Bool("ok", ok), zap.Error(err))
		return err
	}
	return nil
}

// HandleSuccess finalizes a captured charge: journal the payment, draw, and
// dispatch the award. Redelivery of the same charge id is a counted no-op.
func (pm *Machine) HandleSuccess(ctx context.Context, msg *tg.Message) error {
	sp := msg.SuccessfulPayment
	if sp == nil || sp.TelegramPaymentChargeID == "" {
		return errors.New("success update without payment")
	}
	userID := int64(0)
	if msg.From != nil {
		userID = msg.From.ID
	}

	// Post-capture scoring is observe-only.
	if _, err := pm.scorer.Evaluate(ctx, antifraud.Context{
		Subject: userID,
		Path:    "success",
		Event:   antifraud.EventSuccess,
	}); err != nil {
		pm.log.Warn("success velocity check failed", zap.Error(err))
	}

	record := Record{
		TelegramPaymentChargeID: sp.TelegramPaymentChargeID,
		ProviderPaymentChargeID: sp.ProviderPaymentChargeID,
		InvoicePayload:          sp.InvoicePayload,
		Currency:                sp.Currency,
		TotalAmount:             sp.TotalAmount,
		UserID:                  userID,
		Status:                  StatusPaid,
		CreatedAt:               pm.clk.Now().UTC(),
	}
	_, inserted, err := pm.store.InsertPaid(ctx, record)
	if err != nil {
		pm.m.Inc("pay_success_fail_total", nil)
		return fmt.Errorf("persist payment: %w", err)
	}
	if !inserted {
		pm.m.Inc("pay_success_idempotent_total", nil)
		pm.log.Info("duplicate successful payment",
			zap.String("chargeId", sp.TelegramPaymentChargeID))
		return nil
	}

	payload, err := pm.codec.Decode(sp.InvoicePayload)
	if err != nil {
		pm.fail(ctx, sp.TelegramPaymentChargeID, "payload", err)
		return err
	}
	caseCfg, ok := pm.catalogue.Snapshot().Get(payload.CaseID)
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownCase, payload.CaseID)
		pm.fail(ctx, sp.TelegramPaymentChargeID, "case", err)
		return err
	}

	out, err := pm.draws.Draw(ctx, caseCfg, payload.UserID, payload.Nonce)
	if err != nil {
		pm.fail(ctx, sp.TelegramPaymentChargeID, "draw", err)
		return err
	}

	awarded, err := pm.award(ctx, caseCfg, record, out)
	if err != nil {
		return err
	}
	if !awarded {
		// Refunded instead; the record is already terminal.
		return nil
	}

	if err := pm.store.SetStatus(ctx, sp.TelegramPaymentChargeID, StatusAwarded, out.ItemID); err != nil {
		pm.log.Error("mark awarded failed",
			zap.String("chargeId", sp.TelegramPaymentChargeID), zap.Error(err))
		return err
	}
	pm.m.Inc("pay_success_total", nil)
	pm.log.Info("payment awarded",
		zap.String("chargeId", sp.TelegramPaymentChargeID),
		zap.String("caseId", caseCfg.ID),
		zap.String("itemId", out.ItemID),
		zap.String("kind", out.Kind))
	return nil
}

func (pm *Machine) fail(ctx context.Context, chargeID, stage string, cause error) {
	pm.m.Inc("pay_success_fail_total", nil)
	pm.log.Error("payment finalization failed",
		zap.String("chargeId", chargeID), zap.String("stage", stage), zap.Error(cause))
	if err := pm.store.SetStatus(ctx, chargeID, StatusFailed, ""); err != nil {
		pm.log.Error("mark failed failed", zap.String("chargeId", chargeID), zap.Error(err))
	}
}

// award dispatches the drawn prize. Returns false when the charge was
// refunded instead of awarded. A permanent gift rejection refunds; transient
// exhaustion leaves the record PAID for reconciliation.
func (pm *Machine) award(ctx context.Context, caseCfg cases.Config, r Record, out rng.Outcome) (bool, error) {
	item, hasItem := findItem(caseCfg, out.ItemID)

	switch {
	case hasItem && item.Kind == cases.KindGift:
		if err := pm.api.SendGift(ctx, r.UserID, item.GiftID); err != nil {
			pm.m.Inc("award_fail_total", nil)
			if tg.IsPermanent(err) {
				pm.log.Error("gift rejected, refunding",
					zap.String("chargeId", r.TelegramPaymentChargeID), zap.Error(err))
				return false, pm.Refund(ctx, r.UserID, r.TelegramPaymentChargeID, r.Currency)
			}
			pm.log.Error("gift send failed",
				zap.String("chargeId", r.TelegramPaymentChargeID), zap.Error(err))
			return false, err
		}
		pm.m.Inc("award_gift_total", nil)

	case hasItem && item.Kind.PremiumMonths() > 0:
		months := item.Kind.PremiumMonths()
		if err := pm.api.GiftPremiumSubscription(ctx, r.UserID, months, premiumStars[months]); err != nil {
			pm.m.Inc("award_fail_total", nil)
			pm.log.Error("premium grant failed",
				zap.String("chargeId", r.TelegramPaymentChargeID), zap.Error(err))
			return false, err
		}
		pm.m.Inc("award_premium_total", nil)

	default:
		// Explicit INTERNAL item or the implicit remainder slot.
		credit := int64(0)
		if hasItem && item.StarCost != nil {
			credit = *item.StarCost
		}
		if credit > 0 {
			if err := pm.ledger.Credit(ctx, r.UserID, credit, caseCfg.ID); err != nil {
				pm.m.Inc("award_fail_total", nil)
				return false, fmt.Errorf("ledger credit: %w", err)
			}
		}
		pm.m.Inc("award_internal_total", nil)
	}
	return true, nil
}

// Refund returns the stars for a captured charge. Only XTR charges are
// refundable; transient API failures are retried inside the client, and a
// final failure leaves the record PAID for operator reconciliation.
func (pm *Machine) Refund(ctx context.Context, userID int64, chargeID, currency string) error {
	if currency != CurrencyStars {
		return fmt.Errorf("refund: unsupported currency %q", currency)
	}
	pm.m.Inc("refund_total", nil)
	if err := pm.api.RefundStarPayment(ctx, userID, chargeID); err != nil {
		pm.m.Inc("refund_fail_total", nil)
		pm.log.Error("refund failed", zap.String("chargeId", chargeID), zap.Error(err))
		return err
	}
	if err := pm.store.SetStatus(ctx, chargeID, StatusRefunded, ""); err != nil {
		pm.log.Error("mark refunded failed", zap.String("chargeId", chargeID), zap.Error(err))
		return err
	}
	pm.log.Info("payment refunded", zap.String("chargeId", chargeID))
	return nil
}

func findItem(c cases.Config, itemID string) (cases.PrizeItem, bool) {
	if itemID == "" {
		return cases.PrizeItem{}, false
	}
	for _, it := range c.Items {
		if it.ID == itemID {
			return it, true
		}
	}
	return cases.PrizeItem{}, false
}
