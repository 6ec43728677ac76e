// Package izipay adapts Izipay (Lyra) instant payment notifications.
package izipay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"checkout-service/internal/config"
)

const passwordHashKey = "password"

// Signer signs and verifies kr-answer payloads. Browser redirects are
// signed with the HMAC-SHA-256 key, IPNs with the API password.
type Signer struct {
	apiPassword string
	shaKey      string
}

func NewSigner(cfg config.Provider) *Signer {
	return &Signer{apiPassword: cfg.APIPassword, shaKey: cfg.SHAKey}
}

func (s *Signer) secret(hashKey string) string {
	if strings.EqualFold(strings.TrimSpace(hashKey), passwordHashKey) && s.apiPassword != "" {
		return s.apiPassword
	}
	return s.shaKey
}

// Sign returns the lower-case hex HMAC-SHA-256 of answer.
func (s *Signer) Sign(answer, hashKey string) string {
	mac := hmac.New(sha256.New, []byte(s.secret(hashKey)))
	mac.Write([]byte(answer))
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *Signer) Verify(answer, signature, hashKey string) bool {
	if signature == "" {
		return false
	}
	expected := s.Sign(answer, hashKey)
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(strings.TrimSpace(signature))))
}
