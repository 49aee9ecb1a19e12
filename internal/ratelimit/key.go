package ratelimit

import (
	"fmt"
	"strconv"
)

// Key identifies one bucket. Variants use disjoint prefixes so that no two
// variants can ever stringify to the same store key.
type Key struct {
	kind  string
	value string
}

func IPKey(addr string) Key       { return Key{kind: "ip", value: addr} }
func SubjectKey(userID int64) Key { return Key{kind: "sub", value: strconv.FormatInt(userID, 10)} }
func PathKey(p string) Key        { return Key{kind: "path", value: p} }

// CompositeKey namespaces an arbitrary value. ns must not contain ':';
// the "k:" prefix keeps composites disjoint from the fixed variants.
func CompositeKey(ns, value string) Key { return Key{kind: "k:" + ns, value: value} }

func (k Key) String() string {
	return fmt.Sprintf("%s:%s", k.kind, k.value)
}
