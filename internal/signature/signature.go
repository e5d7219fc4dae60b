// Package signature computes and verifies the HMAC scheme shared by the
// outbound protocol client and the inbound webhook endpoint. The signing
// string is `timestamp + "." + body` and signatures carry an algorithm tag,
// e.g. "sha256=6fd9...".
package signature

import (
	"container/list"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"
)

const Prefix = "sha256="

var (
	ErrMissingTimestamp = errors.New("missing timestamp")
	ErrStaleTimestamp   = errors.New("timestamp outside freshness window")
	ErrNonceReplayed    = errors.New("nonce already seen")
	ErrBadSignature     = errors.New("signature mismatch")
)

// Codec signs and verifies (timestamp, body) pairs with a shared secret.
type Codec struct {
	secret []byte
}

func NewCodec(secret string) *Codec {
	return &Codec{secret: []byte(secret)}
}

// Sign returns the tagged signature over timestamp + "." + body.
func (c *Codec) Sign(timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, c.secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return Prefix + hex.EncodeToString(mac.Sum(nil))
}

// Verify recomputes the digest and compares in constant time.
func (c *Codec) Verify(timestamp string, body []byte, provided string) bool {
	if len(c.secret) == 0 {
		return false
	}
	expected := c.Sign(timestamp, body)
	return hmac.Equal([]byte(strings.TrimSpace(provided)), []byte(expected))
}

// Verifier wraps a Codec with replay protection for the receiving side:
// timestamps must fall inside a bounded freshness window and nonces seen
// within that window are rejected.
type Verifier struct {
	codec  *Codec
	maxAge time.Duration
	nowFn  func() time.Time
	nonces *nonceLedger
}

func NewVerifier(secret string, maxAge time.Duration) *Verifier {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	return &Verifier{
		codec:  NewCodec(secret),
		maxAge: maxAge,
		nowFn:  time.Now,
		nonces: newNonceLedger(maxAge, defaultNonceCapacity),
	}
}

// WithNow overrides the clock, for tests.
func (v *Verifier) WithNow(nowFn func() time.Time) *Verifier {
	v.nowFn = nowFn
	return v
}

// Verify checks signature, timestamp freshness and nonce uniqueness. The
// returned error distinguishes causes for logging; callers must surface only
// a generic rejection. An empty nonce skips the replay ledger (the protocol
// includes one on every request, but the signature alone remains mandatory).
func (v *Verifier) Verify(timestamp, nonce string, body []byte, provided string) error {
	timestamp = strings.TrimSpace(timestamp)
	if timestamp == "" {
		return ErrMissingTimestamp
	}
	secs, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return ErrMissingTimestamp
	}
	now := v.nowFn().UTC()
	age := now.Sub(time.Unix(secs, 0).UTC())
	if age < 0 {
		age = -age
	}
	if age > v.maxAge {
		return ErrStaleTimestamp
	}
	if !v.codec.Verify(timestamp, body, provided) {
		return ErrBadSignature
	}
	if nonce = strings.TrimSpace(nonce); nonce != "" {
		if v.nonces.Seen(timestamp+"|"+nonce, now) {
			return ErrNonceReplayed
		}
	}
	return nil
}

const (
	defaultNonceCapacity = 4096
)

// nonceLedger is a TTL-bounded LRU of recently observed nonces.
type nonceLedger struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceLedger(ttl time.Duration, capacity int) *nonceLedger {
	return &nonceLedger{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether the nonce was already observed within the TTL window,
// registering it otherwise.
func (n *nonceLedger) Seen(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true
	}
	for n.capacity > 0 && n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
	return false
}

func (n *nonceLedger) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}
