package storage

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

const (
	paramExpires   = "expires"
	paramNonce     = "nonce"
	paramSignature = "signature"
)

// Signer mints and checks HMAC-SHA256 signatures over a request path and expiry.
type Signer struct {
	secret []byte
	now    func() time.Time
}

// NewSigner builds a signer. now may be nil to use the wall clock.
func NewSigner(secret string, now func() time.Time) *Signer {
	if now == nil {
		now = time.Now
	}
	return &Signer{secret: []byte(secret), now: now}
}

// Sign returns the query parameters that authorise GET path until now+ttl.
// Each call uses a fresh nonce, so two URLs for the same key never share a signature.
func (s *Signer) Sign(path string, ttl time.Duration) (url.Values, time.Time) {
	expires := s.now().Add(ttl).Truncate(time.Second)
	nonce := make([]byte, 8)
	_, _ = rand.Read(nonce)

	q := url.Values{}
	q.Set(paramExpires, strconv.FormatInt(expires.Unix(), 10))
	q.Set(paramNonce, hex.EncodeToString(nonce))
	q.Set(paramSignature, s.mac(path, q.Get(paramExpires), q.Get(paramNonce)))
	return q, expires
}

// Verify reports whether q carries a valid, unexpired signature for path.
func (s *Signer) Verify(path string, q url.Values) bool {
	expiresRaw, nonce, sig := q.Get(paramExpires), q.Get(paramNonce), q.Get(paramSignature)
	if expiresRaw == "" || sig == "" {
		return false
	}
	expires, err := strconv.ParseInt(expiresRaw, 10, 64)
	if err != nil {
		return false
	}
	if s.now().Unix() > expires {
		return false
	}
	want, err := hex.DecodeString(s.mac(path, expiresRaw, nonce))
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return false
	}
	return hmac.Equal(want, got)
}

func (s *Signer) mac(path, expires, nonce string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(path))
	h.Write([]byte{'\n'})
	h.Write([]byte(expires))
	h.Write([]byte{'\n'})
	h.Write([]byte(nonce))
	return hex.EncodeToString(h.Sum(nil))
}
