package usecase

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

func TestWebhookVerifier(t *testing.T) {
	body := []byte(`{"domain":"shop-a.example"}`)
	mac := hmac.New(sha256.New, []byte("secret"))
	mac.Write(body)
	valid := base64.StdEncoding.EncodeToString(mac.Sum(nil))

	v := NewWebhookVerifier("secret")
	assert.Equal(t, valid, v.Sign(body))
	require.NoError(t, v.Verify(body, valid))
	require.NoError(t, v.Verify(body, " "+valid+" "))

	for name, tc := range map[string]struct {
		body      []byte
		signature string
	}{
		"missing":    {body: body, signature: ""},
		"not base64": {body: body, signature: "%%%"},
		"tampered":   {body: []byte(`{"domain":"shop-b.example"}`), signature: valid},
		"other key":  {body: body, signature: NewWebhookVerifier("other").Sign(body)},
	} {
		t.Run(name, func(t *testing.T) {
			require.ErrorIs(t, v.Verify(tc.body, tc.signature), domain.ErrUnauthorized)
		})
	}

	require.ErrorIs(t, NewWebhookVerifier("").Verify(body, valid), domain.ErrUnauthorized)
}
