package sso

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

const nonceLen = 12

// Noncer mints user-independent shared nonces. Session-bound nonces are
// useless here: both ends of the handshake run before any shared session
// exists, so the user becomes part of the action string instead.
//
// A nonce carries no server-side state: it is a truncated HMAC over the
// current tick and the action. Ticks are half the lifespan wide and
// verification accepts the current and previous tick, so a nonce stays valid
// between lifespan/2 and lifespan after minting.
type Noncer struct {
	secret   []byte
	lifespan time.Duration
	now      func() time.Time
}

func NewNoncer(secret string, lifespan time.Duration) *Noncer {
	if lifespan <= 0 {
		lifespan = 24 * time.Hour
	}
	return &Noncer{secret: []byte(secret), lifespan: lifespan, now: time.Now}
}

func (n *Noncer) tick() int64 {
	half := int64(n.lifespan / time.Second / 2)
	if half <= 0 {
		half = 1
	}
	return n.now().Unix() / half
}

func (n *Noncer) at(tick int64, action string) string {
	mac := hmac.New(sha256.New, n.secret)
	fmt.Fprintf(mac, "%d|%s", tick, action)
	sum := hex.EncodeToString(mac.Sum(nil))
	return sum[len(sum)-nonceLen:]
}

// Create mints a nonce for the given action.
func (n *Noncer) Create(action string) string {
	return n.at(n.tick(), action)
}

// Verify checks a nonce against the current and the immediately-prior tick.
func (n *Noncer) Verify(nonce, action string) bool {
	if nonce == "" {
		return false
	}
	t := n.tick()
	if hmac.Equal([]byte(nonce), []byte(n.at(t, action))) {
		return true
	}
	return hmac.Equal([]byte(nonce), []byte(n.at(t-1, action)))
}
