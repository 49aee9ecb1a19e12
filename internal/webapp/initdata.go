// Package webapp verifies the platform web-view handshake and serves the
// mini-app JSON API behind it.
package webapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// ErrBadInitData rejects a handshake that is absent, malformed, or fails the
// signature check.
var ErrBadInitData = errors.New("invalid init data")

// InitData is the verified web-view context.
type InitData struct {
	UserID   int64
	Username string
	AuthDate time.Time
	ChatType string
	QueryID  string
}

type initDataUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Verify checks the query-string handshake against the bot token: the hash
// field must equal HMAC-SHA-256 of the sorted key=value lines under
// HMAC-SHA-256("WebAppData", botToken).
func Verify(botToken, raw string) (InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return InitData{}, ErrBadInitData
	}
	gotHash := values.Get("hash")
	if gotHash == "" {
		return InitData{}, ErrBadInitData
	}
	values.Del("hash")

	lines := make([]string, 0, len(values))
	for k, vs := range values {
		for _, v := range vs {
			lines = append(lines, k+"="+v)
		}
	}
	sort.Strings(lines)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	want := hex.EncodeToString(mac.Sum(nil))

	if subtle.ConstantTimeCompare([]byte(want), []byte(gotHash)) != 1 {
		return InitData{}, ErrBadInitData
	}

	out := InitData{
		ChatType: values.Get("chat_type"),
		QueryID:  values.Get("query_id"),
	}
	if ad := values.Get("auth_date"); ad != "" {
		sec, err := strconv.ParseInt(ad, 10, 64)
		if err != nil {
			return InitData{}, ErrBadInitData
		}
		out.AuthDate = time.Unix(sec, 0).UTC()
	}
	if userJSON := values.Get("user"); userJSON != "" {
		var u initDataUser
		if err := json.Unmarshal([]byte(userJSON), &u); err != nil {
			return InitData{}, ErrBadInitData
		}
		out.UserID = u.ID
		out.Username = u.Username
	}
	return out, nil
}

// Sign computes the hash field for a set of init-data values. Test support
// for building well-formed handshakes.
func Sign(botToken string, values url.Values) string {
	lines := make([]string, 0, len(values))
	for k, vs := range values {
		if k == "hash" {
			continue
		}
		for _, v := range vs {
			lines = append(lines, k+"="+v)
		}
	}
	sort.Strings(lines)

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
