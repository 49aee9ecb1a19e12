// Package payment drives the order lifecycle: invoice creation, pre-checkout
// authorization, successful-payment finalization with idempotent awards, and
// refunds. Every transition keys on the platform charge identifier.
package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrBadPayload rejects an invoice payload that fails decoding or
// authentication. The payload travels through the platform unmodified, so a
// failure here means tampering or a key rotation.
var ErrBadPayload = errors.New("invalid invoice payload")

const payloadTagLen = 16

// Payload is the opaque order reference carried inside an invoice. Short keys
// keep it under the platform's 128-byte payload limit.
type Payload struct {
	CaseID string `json:"c"`
	UserID int64  `json:"u"`
	Nonce  string `json:"n"`
}

// Codec signs and verifies invoice payloads with the fairness key. Wire form:
// base64url(json) "." base64url(hmac-sha256 tag, truncated).
type Codec struct {
	key []byte
}

func NewCodec(key []byte) *Codec {
	return &Codec{key: key}
}

func (c *Codec) tag(body []byte) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write(body)
	return mac.Sum(nil)[:payloadTagLen]
}

func (c *Codec) Encode(p Payload) (string, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString(body) + "." + enc.EncodeToString(c.tag(body)), nil
}

func (c *Codec) Decode(s string) (Payload, error) {
	body64, tag64, ok := strings.Cut(s, ".")
	if !ok {
		return Payload{}, ErrBadPayload
	}
	enc := base64.RawURLEncoding
	body, err := enc.DecodeString(body64)
	if err != nil {
		return Payload{}, ErrBadPayload
	}
	tag, err := enc.DecodeString(tag64)
	if err != nil {
		return Payload{}, ErrBadPayload
	}
	if !hmac.Equal(tag, c.tag(body)) {
		return Payload{}, ErrBadPayload
	}
	var p Payload
	if err := json.Unmarshal(body, &p); err != nil {
		return Payload{}, ErrBadPayload
	}
	if p.CaseID == "" || p.UserID == 0 || p.Nonce == "" {
		return Payload{}, ErrBadPayload
	}
	return p, nil
}
