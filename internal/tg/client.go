package tg

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"
)

// API is the narrow Bot API surface the core calls. The HTTP client
// implements it; tests substitute recording fakes.
type API interface {
	GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error)
	SetWebhook(ctx context.Context, p SetWebhookParams) error
	DeleteWebhook(ctx context.Context, dropPending bool) error
	GetWebhookInfo(ctx context.Context) (WebhookInfo, error)
	CreateInvoiceLink(ctx context.Context, p InvoiceParams) (string, error)
	AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error
	RefundStarPayment(ctx context.Context, userID int64, chargeID string) error
	SendGift(ctx context.Context, userID int64, giftID string) error
	GiftPremiumSubscription(ctx context.Context, userID int64, monthCount int, starCount int64) error
	SendMessage(ctx context.Context, chatID int64, text string) error
}

type SetWebhookParams struct {
	URL            string   `json:"url"`
	SecretToken    string   `json:"secret_token,omitempty"`
	AllowedUpdates []string `json:"allowed_updates,omitempty"`
	MaxConnections int      `json:"max_connections,omitempty"`
	DropPending    bool     `json:"drop_pending_updates,omitempty"`
}

type WebhookInfo struct {
	URL                  string `json:"url"`
	HasCustomCertificate bool   `json:"has_custom_certificate"`
	PendingUpdateCount   int    `json:"pending_update_count"`
	LastErrorDate        int64  `json:"last_error_date,omitempty"`
	LastErrorMessage     string `json:"last_error_message,omitempty"`
}

// InvoiceParams describes a single-priced XTR invoice.
type InvoiceParams struct {
	Title       string
	Description string
	Payload     string
	Label       string
	Amount      int64 // stars
}

// APIError is a non-2xx Bot API outcome. 4xx responses are permanent and
// never retried; 5xx are transient.
type APIError struct {
	Code        int
	Description string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bot api: %d %s", e.Code, e.Description)
}

// Transient reports whether the error is worth retrying.
func (e *APIError) Transient() bool { return e.Code >= 500 }

// IsPermanent reports whether err is a non-retryable Bot API rejection.
func IsPermanent(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && !ae.Transient()
}

const (
	retryBase     = 200 * time.Millisecond
	retryMax      = 5 * time.Second
	retryAttempts = 3
)

// Client talks JSON to the Bot API over a shared HTTP pool.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 40 * time.Second},
	}
}

type apiEnvelope struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	ErrorCode   int             `json:"error_code"`
	Description string          `json:"description"`
}

// call posts one method with jittered exponential backoff on network errors
// and 5xx. The token appears only in the URL, never in errors or logs.
func (c *Client) call(ctx context.Context, method string, params any, result any) error {
	body, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("%s: marshal: %w", method, err)
	}

	var lastErr error
	delay := retryBase
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if attempt > 0 {
			jitter := time.Duration(rand.Int63n(int64(delay) / 2))
			select {
			case <-time.After(delay + jitter):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
			if delay > retryMax {
				delay = retryMax
			}
		}

		lastErr = c.once(ctx, method, body, result)
		if lastErr == nil {
			return nil
		}
		var ae *APIError
		if errors.As(lastErr, &ae) && !ae.Transient() {
			return lastErr
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return fmt.Errorf("%s: %w", method, lastErr)
}

func (c *Client) once(ctx context.Context, method string, body []byte, result any) error {
	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read: %w", method, err)
	}

	var env apiEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		if resp.StatusCode >= 500 {
			return &APIError{Code: resp.StatusCode, Description: "unparseable upstream response"}
		}
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if !env.OK {
		code := env.ErrorCode
		if code == 0 {
			code = resp.StatusCode
		}
		return &APIError{Code: code, Description: env.Description}
	}
	if result != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, result); err != nil {
			return fmt.Errorf("%s: decode result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) GetUpdates(ctx context.Context, offset int64, timeout time.Duration) ([]Update, error) {
	var updates []Update
	err := c.call(ctx, "getUpdates", map[string]any{
		"offset":  offset,
		"timeout": int(timeout.Seconds()),
	}, &updates)
	return updates, err
}

func (c *Client) SetWebhook(ctx context.Context, p SetWebhookParams) error {
	return c.call(ctx, "setWebhook", p, nil)
}

func (c *Client) DeleteWebhook(ctx context.Context, dropPending bool) error {
	return c.call(ctx, "deleteWebhook", map[string]any{"drop_pending_updates": dropPending}, nil)
}

func (c *Client) GetWebhookInfo(ctx context.Context) (WebhookInfo, error) {
	var info WebhookInfo
	err := c.call(ctx, "getWebhookInfo", map[string]any{}, &info)
	return info, err
}

func (c *Client) CreateInvoiceLink(ctx context.Context, p InvoiceParams) (string, error) {
	var link string
	err := c.call(ctx, "createInvoiceLink", map[string]any{
		"title":       p.Title,
		"description": p.Description,
		"payload":     p.Payload,
		"currency":    "XTR",
		"prices":      []map[string]any{{"label": p.Label, "amount": p.Amount}},
	}, &link)
	return link, err
}

func (c *Client) AnswerPreCheckoutQuery(ctx context.Context, queryID string, ok bool, errorMessage string) error {
	params := map[string]any{"pre_checkout_query_id": queryID, "ok": ok}
	if !ok && errorMessage != "" {
		params["error_message"] = errorMessage
	}
	return c.call(ctx, "answerPreCheckoutQuery", params, nil)
}

func (c *Client) RefundStarPayment(ctx context.Context, userID int64, chargeID string) error {
	return c.call(ctx, "refundStarPayment", map[string]any{
		"user_id":                    userID,
		"telegram_payment_charge_id": chargeID,
	}, nil)
}

func (c *Client) SendGift(ctx context.Context, userID int64, giftID string) error {
	return c.call(ctx, "sendGift", map[string]any{
		"user_id": userID,
		"gift_id": giftID,
	}, nil)
}

func (c *Client) GiftPremiumSubscription(ctx context.Context, userID int64, monthCount int, starCount int64) error {
	return c.call(ctx, "giftPremiumSubscription", map[string]any{
		"user_id":     userID,
		"month_count": monthCount,
		"star_count":  starCount,
	}, nil)
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string) error {
	return c.call(ctx, "sendMessage", map[string]any{"chat_id": chatID, "text": text}, nil)
}
