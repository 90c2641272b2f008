package usecase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"strings"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

// WebhookVerifier checks the HMAC-SHA256 signature the platform puts on
// every webhook delivery. The signature is base64 of the MAC over the raw body.
type WebhookVerifier struct {
	secret []byte
}

func NewWebhookVerifier(secret string) *WebhookVerifier {
	return &WebhookVerifier{secret: []byte(secret)}
}

func (v *WebhookVerifier) Verify(body []byte, signature string) error {
	signature = strings.TrimSpace(signature)
	if signature == "" || len(v.secret) == 0 {
		return domain.Unauthorized("missing webhook signature")
	}
	got, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return domain.Unauthorized("malformed webhook signature")
	}
	if !hmac.Equal(got, v.mac(body)) {
		return domain.Unauthorized("invalid webhook signature")
	}
	return nil
}

func (v *WebhookVerifier) Sign(body []byte) string {
	return base64.StdEncoding.EncodeToString(v.mac(body))
}

func (v *WebhookVerifier) mac(body []byte) []byte {
	m := hmac.New(sha256.New, v.secret)
	m.Write(body)
	return m.Sum(nil)
}
