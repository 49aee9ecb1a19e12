package clock

import (
	"crypto/rand"
	"sync"
	"time"
)

// Clock abstracts wall time so rate-limit and velocity tests can steer it.
type Clock interface {
	Now() time.Time
}

// System reads the real wall clock.
type System struct{}

func (System) Now() time.Time { return time.Now() }

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu  sync.Mutex
	now time.Time
}

func NewFake(start time.Time) *Fake {
	return &Fake{now: start}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

const (
	requestIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"
	requestIDLen      = 12
)

// NewRequestID returns a 12-char alphanumeric identifier.
func NewRequestID() string {
	buf := make([]byte, requestIDLen)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand only fails if the OS entropy source is broken;
		// fall back to a fixed marker rather than panic on a request path.
		return "rid-fallback"
	}
	for i, b := range buf {
		buf[i] = requestIDAlphabet[int(b)%len(requestIDAlphabet)]
	}
	return string(buf)
}

// ValidRequestID reports whether s is usable as an inbound X-Request-Id:
// 8..64 chars, [A-Za-z0-9] only.
func ValidRequestID(s string) bool {
	if len(s) < 8 || len(s) > 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}
