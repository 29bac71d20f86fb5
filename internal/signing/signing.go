// Package signing implements the HMAC helper behind expiring preview links.
package signing

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// Signer generates and validates HMAC based signatures.
type Signer struct {
	secret []byte
}

// NewSigner creates a Signer.
func NewSigner(secret []byte) *Signer {
	return &Signer{secret: secret}
}

// Sign returns the hex signature binding a resource id to an expiry.
func (s *Signer) Sign(resourceID string, expiresUnix int64) string {
	mac := hmac.New(sha256.New, s.secret)
	payload := fmt.Sprintf("%s:%d", resourceID, expiresUnix)
	mac.Write([]byte(payload))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validate compares the provided signature with the expected one.
func (s *Signer) Validate(resourceID, expires, signature string) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	expected := s.Sign(resourceID, exp)
	// hmac.Equal performs constant-time comparison to avoid timing attacks.
	return hmac.Equal([]byte(expected), []byte(signature))
}

// SignedURL appends expires and signature query parameters to base.
func (s *Signer) SignedURL(base, resourceID string, expiresAt time.Time) string {
	expiry := expiresAt.Unix()
	q := url.Values{}
	q.Set("expires", strconv.FormatInt(expiry, 10))
	q.Set("signature", s.Sign(resourceID, expiry))
	return base + "?" + q.Encode()
}

// Verify checks a signature and that the link has not expired at now.
func (s *Signer) Verify(resourceID, expires, signature string, now time.Time) bool {
	exp, err := strconv.ParseInt(expires, 10, 64)
	if err != nil {
		return false
	}
	if time.Unix(exp, 0).Before(now) {
		return false
	}
	return s.Validate(resourceID, expires, signature)
}
