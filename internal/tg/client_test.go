package tg

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
)

func newAPIServer(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "123456:TEST-TOKEN"), srv
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": "https://t.me/inv/1"}) //nolint:errcheck
	})

	link, err := c.CreateInvoiceLink(context.Background(), InvoiceParams{
		Title: "Case", Payload: "p", Label: "Case", Amount: 100,
	})
	if err != nil {
		t.Fatalf("expected success after retries: %v", err)
	}
	if link != "https://t.me/inv/1" {
		t.Errorf("link: got %q", link)
	}
	if calls.Load() != 3 {
		t.Errorf("calls: got %d want 3", calls.Load())
	}
}

func TestClientDoesNotRetryClientErrors(t *testing.T) {
	var calls atomic.Int32
	c, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"ok": false, "error_code": 400, "description": "Bad Request: CURRENCY_INVALID",
		})
	})

	err := c.RefundStarPayment(context.Background(), 42, "charge-x")
	if err == nil {
		t.Fatal("expected error")
	}
	if !IsPermanent(err) {
		t.Errorf("400 must be permanent: %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("calls: got %d want 1 (no retry)", calls.Load())
	}
}

func TestClientParsesUpdates(t *testing.T) {
	c, _ := newAPIServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Offset int64 `json:"offset"`
		}
		json.NewDecoder(r.Body).Decode(&req) //nolint:errcheck
		if req.Offset != 10 {
			t.Errorf("offset: got %d want 10", req.Offset)
		}
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"ok": true,
			"result": []map[string]any{
				{"update_id": 10, "message": map[string]any{"message_id": 1, "text": "hi"}},
			},
		})
	})

	updates, err := c.GetUpdates(context.Background(), 10, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(updates) != 1 || updates[0].UpdateID != 10 || updates[0].Kind() != KindMessage {
		t.Errorf("updates: got %+v", updates)
	}
}
