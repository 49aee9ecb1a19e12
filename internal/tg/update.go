package tg

import "encoding/json"

// Update is one platform update. Parsing is permissive: unknown fields are
// ignored, absent branches stay nil.
type Update struct {
	UpdateID         int64             `json:"update_id"`
	Message          *Message          `json:"message,omitempty"`
	PreCheckoutQuery *PreCheckoutQuery `json:"pre_checkout_query,omitempty"`
}

type Message struct {
	MessageID         int64              `json:"message_id"`
	From              *User              `json:"from,omitempty"`
	Chat              *Chat              `json:"chat,omitempty"`
	Text              string             `json:"text,omitempty"`
	SuccessfulPayment *SuccessfulPayment `json:"successful_payment,omitempty"`
}

type User struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

type Chat struct {
	ID   int64  `json:"id"`
	Type string `json:"type,omitempty"`
}

// PreCheckoutQuery is the platform's authorization callback before charging.
type PreCheckoutQuery struct {
	ID             string `json:"id"`
	From           *User  `json:"from,omitempty"`
	Currency       string `json:"currency"`
	TotalAmount    int64  `json:"total_amount"`
	InvoicePayload string `json:"invoice_payload"`
}

// SuccessfulPayment confirms a captured charge.
type SuccessfulPayment struct {
	Currency                string `json:"currency"`
	TotalAmount             int64  `json:"total_amount"`
	InvoicePayload          string `json:"invoice_payload"`
	TelegramPaymentChargeID string `json:"telegram_payment_charge_id"`
	ProviderPaymentChargeID string `json:"provider_payment_charge_id"`
}

// Kind classifies an update for dispatch.
type Kind string

const (
	KindMessage     Kind = "message"
	KindPreCheckout Kind = "precheckout"
	KindSuccess     Kind = "success"
	KindOther       Kind = "other"
)

func (u *Update) Kind() Kind {
	switch {
	case u.PreCheckoutQuery != nil:
		return KindPreCheckout
	case u.Message != nil && u.Message.SuccessfulPayment != nil:
		return KindSuccess
	case u.Message != nil:
		return KindMessage
	default:
		return KindOther
	}
}

// UserID returns the acting user, 0 when absent.
func (u *Update) UserID() int64 {
	switch {
	case u.PreCheckoutQuery != nil && u.PreCheckoutQuery.From != nil:
		return u.PreCheckoutQuery.From.ID
	case u.Message != nil && u.Message.From != nil:
		return u.Message.From.ID
	default:
		return 0
	}
}

// ChatID returns the originating chat, 0 when absent.
func (u *Update) ChatID() int64 {
	if u.Message != nil && u.Message.Chat != nil {
		return u.Message.Chat.ID
	}
	return 0
}

// ParseUpdate decodes an update, tolerating unknown fields.
func ParseUpdate(data []byte) (Update, error) {
	var u Update
	err := json.Unmarshal(data, &u)
	return u, err
}

// Sink accepts admitted updates. Implemented by the dedup queue; tests use a
// recording stub.
type Sink interface {
	Enqueue(u Update)
}
