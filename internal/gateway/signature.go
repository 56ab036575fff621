package gateway

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "x-paystack-signature"

// Signer computes and checks HMAC-SHA512 signatures over raw webhook bodies.
type Signer struct {
	secret []byte
}

// NewSigner creates a signer keyed with the gateway secret key.
func NewSigner(secret string) *Signer {
	return &Signer{secret: []byte(secret)}
}

// Sign returns the lowercase hex signature of body.
func (s *Signer) Sign(body []byte) string {
	mac := hmac.New(sha512.New, s.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Authenticate reports whether signature matches body. An empty secret
// never authenticates anything.
func (s *Signer) Authenticate(body []byte, signature string) bool {
	if len(s.secret) == 0 || signature == "" {
		return false
	}
	return hmac.Equal([]byte(s.Sign(body)), []byte(signature))
}
