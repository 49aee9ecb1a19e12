package admin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/casedrop/casebot/internal/antifraud"
	"github.com/casedrop/casebot/internal/cases"
	"github.com/casedrop/casebot/internal/clock"
	"github.com/casedrop/casebot/internal/httpapi"
	"github.com/casedrop/casebot/internal/metrics"
	"github.com/casedrop/casebot/internal/rng"
	"github.com/casedrop/casebot/internal/tg"
)

const adminToken = "test-admin-token"

type fakeAPI struct {
	mu       sync.Mutex
	setCalls []tg.SetWebhookParams
	delCalls []bool
	info     tg.WebhookInfo
}

func (f *fakeAPI) GetUpdates(context.Context, int64, time.Duration) ([]tg.Update, error) {
	return nil, nil
}

func (f *fakeAPI) SetWebhook(_ context.Context, p tg.SetWebhookParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, p)
	return nil
}

func (f *fakeAPI) DeleteWebhook(_ context.Context, dropPending bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delCalls = append(f.delCalls, dropPending)
	return nil
}

func (f *fakeAPI) GetWebhookInfo(context.Context) (tg.WebhookInfo, error) {
	return f.info, nil
}

func (f *fakeAPI) CreateInvoiceLink(context.Context, tg.InvoiceParams) (string, error) {
	return "", nil
}
func (f *fakeAPI) AnswerPreCheckoutQuery(context.Context, string, bool, string) error { return nil }
func (f *fakeAPI) RefundStarPayment(context.Context, int64, string) error             { return nil }
func (f *fakeAPI) SendGift(context.Context, int64, string) error                      { return nil }
func (f *fakeAPI) GiftPremiumSubscription(context.Context, int64, int, int64) error   { return nil }
func (f *fakeAPI) SendMessage(context.Context, int64, string) error                   { return nil }

const adminCatalogue = `
cases:
  - id: starter
    title: Starter Case
    price_stars: 100
    rtp_ext_min: 0.0
    rtp_ext_max: 1.0
    jackpot_alpha: 0.0
    items:
      - id: credit
        kind: INTERNAL
        star_cost: 10
        probability_ppm: 1000000
`

func newAdminRig(t *testing.T, webhookMode bool) (*gin.Engine, *fakeAPI, *antifraud.Guard, *clock.Fake) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	log := zap.NewNop()
	m := metrics.New()
	clk := clock.NewFake(time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))

	loader := cases.NewLoader("unused", log)
	if _, err := loader.LoadBytes([]byte(adminCatalogue)); err != nil {
		t.Fatal(err)
	}
	api := &fakeAPI{info: tg.WebhookInfo{URL: "https://bot.example/telegram/webhook"}}
	guard := antifraud.NewGuard(antifraud.NewMemoryBanlist(clk), antifraud.NewMemoryCounters(clk), m, log)
	draws := rng.NewService(rng.NewMemoryStore(), clk, m, log)

	r := gin.New()
	r.Use(httpapi.RequestIDMiddleware())
	g := r.Group("/internal", TokenMiddleware(adminToken))
	NewHandlers(api, loader, guard, draws, "hook-secret", webhookMode, m, log).Register(g)
	return r, api, guard, clk
}

func do(r *gin.Engine, method, path, token, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	if token != "" {
		req.Header.Set("X-Admin-Token", token)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestTokenGate(t *testing.T) {
	r, _, _, _ := newAdminRig(t, true)

	if w := do(r, http.MethodGet, "/internal/telegram/webhook/info", "", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing token: got %d want 401", w.Code)
	}
	if w := do(r, http.MethodGet, "/internal/telegram/webhook/info", "wrong", ""); w.Code != http.StatusForbidden {
		t.Errorf("wrong token: got %d want 403", w.Code)
	}
	if w := do(r, http.MethodGet, "/internal/telegram/webhook/info", adminToken, ""); w.Code != http.StatusOK {
		t.Errorf("valid token: got %d want 200", w.Code)
	}
}

func TestSetWebhookUsesConfiguredSecret(t *testing.T) {
	r, api, _, _ := newAdminRig(t, true)

	w := do(r, http.MethodPost, "/internal/telegram/webhook/set", adminToken,
		`{"url":"https://bot.example/telegram/webhook","maxConnections":40}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	if len(api.setCalls) != 1 {
		t.Fatalf("setWebhook calls: %d", len(api.setCalls))
	}
	if api.setCalls[0].SecretToken != "hook-secret" {
		t.Error("configured secret must be forwarded")
	}
	if api.setCalls[0].MaxConnections != 40 {
		t.Errorf("maxConnections: got %d", api.setCalls[0].MaxConnections)
	}
}

func TestSetWebhookRejectsBadMaxConnections(t *testing.T) {
	r, api, _, _ := newAdminRig(t, true)
	w := do(r, http.MethodPost, "/internal/telegram/webhook/set", adminToken,
		`{"url":"https://x","maxConnections":500}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status: got %d want 400", w.Code)
	}
	if len(api.setCalls) != 0 {
		t.Error("invalid request must not reach the platform")
	}
}

func TestSetWebhookRefusedOnLongPolling(t *testing.T) {
	r, api, _, _ := newAdminRig(t, false)
	w := do(r, http.MethodPost, "/internal/telegram/webhook/set", adminToken,
		`{"url":"https://x"}`)
	if w.Code != http.StatusConflict {
		t.Errorf("status: got %d want 409", w.Code)
	}
	if len(api.setCalls) != 0 {
		t.Error("webhook must not be set in long-polling mode")
	}
}

func TestDeleteWebhook(t *testing.T) {
	r, api, _, _ := newAdminRig(t, true)
	w := do(r, http.MethodPost, "/internal/telegram/webhook/delete?dropPending=true", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	if len(api.delCalls) != 1 || !api.delCalls[0] {
		t.Errorf("delete calls: %v", api.delCalls)
	}
}

func TestEconomyPreview(t *testing.T) {
	r, _, _, _ := newAdminRig(t, true)

	w := do(r, http.MethodGet, "/internal/economy/preview?caseId=starter", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var report cases.ValidationReport
	if err := json.Unmarshal(w.Body.Bytes(), &report); err != nil {
		t.Fatal(err)
	}
	if report.CaseID != "starter" || !report.IsOk {
		t.Errorf("report: %+v", report)
	}

	if w := do(r, http.MethodGet, "/internal/economy/preview?caseId=nope", adminToken, ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown case: got %d want 404", w.Code)
	}
	if w := do(r, http.MethodGet, "/internal/economy/preview", adminToken, ""); w.Code != http.StatusBadRequest {
		t.Errorf("missing caseId: got %d want 400", w.Code)
	}
}

func TestRngCommitEndpoint(t *testing.T) {
	r, _, _, _ := newAdminRig(t, true)

	w := do(r, http.MethodGet, "/internal/rng/commit", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d body %s", w.Code, w.Body.String())
	}
	var commit rng.Commitment
	if err := json.Unmarshal(w.Body.Bytes(), &commit); err != nil {
		t.Fatal(err)
	}
	if commit.DayUTC != "2025-03-10" || commit.ServerSeedHash == "" {
		t.Errorf("commitment: %+v", commit)
	}
	if commit.ServerSeed != "" {
		t.Error("unrevealed commitment must not expose the seed")
	}

	// A second fetch names the day explicitly and sees the same hash.
	w = do(r, http.MethodGet, "/internal/rng/commit?day=2025-03-10", adminToken, "")
	if w.Code != http.StatusOK {
		t.Fatalf("status: got %d", w.Code)
	}
	var again rng.Commitment
	if err := json.Unmarshal(w.Body.Bytes(), &again); err != nil {
		t.Fatal(err)
	}
	if again.ServerSeedHash != commit.ServerSeedHash {
		t.Error("hash must be stable for the day")
	}

	if w := do(r, http.MethodGet, "/internal/rng/commit?day=2020-01-01", adminToken, ""); w.Code != http.StatusNotFound {
		t.Errorf("uncommitted day: got %d want 404", w.Code)
	}
}

func TestRngRevealEndpoint(t *testing.T) {
	r, _, _, clk := newAdminRig(t, true)

	if w := do(r, http.MethodGet, "/internal/rng/commit", adminToken, ""); w.Code != http.StatusOK {
		t.Fatalf("commit status: got %d", w.Code)
	}

	// The current day cannot be revealed.
	w := do(r, http.MethodPost, "/internal/rng/reveal", adminToken, `{"day":"2025-03-10"}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Fatalf("same-day reveal: got %d want 422", w.Code)
	}

	clk.Advance(24 * time.Hour)
	w = do(r, http.MethodPost, "/internal/rng/reveal", adminToken, `{"day":"2025-03-10"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("reveal status: got %d body %s", w.Code, w.Body.String())
	}
	var commit rng.Commitment
	if err := json.Unmarshal(w.Body.Bytes(), &commit); err != nil {
		t.Fatal(err)
	}
	if commit.ServerSeed == "" || commit.RevealedAt == nil {
		t.Errorf("revealed commitment must carry seed and timestamp: %+v", commit)
	}

	if w := do(r, http.MethodPost, "/internal/rng/reveal", adminToken, `{"day":"2020-01-01"}`); w.Code != http.StatusNotFound {
		t.Errorf("uncommitted day: got %d want 404", w.Code)
	}
	if w := do(r, http.MethodPost, "/internal/rng/reveal", adminToken, `{}`); w.Code != http.StatusBadRequest {
		t.Errorf("missing day: got %d want 400", w.Code)
	}
}

func TestBanlistRoutes(t *testing.T) {
	r, _, guard, _ := newAdminRig(t, true)
	ctx := context.Background()

	if w := do(r, http.MethodPost, "/internal/banlist/ban", adminToken, `{"ip":"10.0.0.5","minutes":30}`); w.Code != http.StatusOK {
		t.Fatalf("ban status: got %d", w.Code)
	}
	if guard.Allowed(ctx, "10.0.0.5") {
		t.Error("banned ip must be denied")
	}

	if w := do(r, http.MethodPost, "/internal/banlist/unban", adminToken, `{"ip":"10.0.0.5"}`); w.Code != http.StatusOK {
		t.Fatalf("unban status: got %d", w.Code)
	}
	if !guard.Allowed(ctx, "10.0.0.5") {
		t.Error("unbanned ip must be allowed")
	}
}
