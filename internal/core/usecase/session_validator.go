package usecase

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atvirokodosprendimai/storesync/internal/core/domain"
)

var ErrUnauthorized = domain.Unauthorized("unauthorized")

// SessionClaims is the payload of a platform-issued admin session token.
// dest is the store URL the session belongs to; iss is the store's admin URL.
type SessionClaims struct {
	Dest      string `json:"dest"`
	SessionID string `json:"sid,omitempty"`
	jwt.RegisteredClaims
}

// SessionValidator verifies admin session tokens. It only reads the token;
// it never touches tenant records.
type SessionValidator struct {
	secret   []byte
	audience string
	leeway   time.Duration
	now      func() time.Time
}

func NewSessionValidator(secret, audience string, leeway time.Duration) *SessionValidator {
	return &SessionValidator{
		secret:   []byte(secret),
		audience: audience,
		leeway:   leeway,
		now:      time.Now,
	}
}

func (v *SessionValidator) Validate(_ context.Context, token string) (domain.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" || len(v.secret) == 0 {
		return domain.Session{}, ErrUnauthorized
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(v.leeway),
		jwt.WithTimeFunc(v.now),
	}
	if v.audience != "" {
		opts = append(opts, jwt.WithAudience(v.audience))
	}

	claims := new(SessionClaims)
	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !parsed.Valid {
		return domain.Session{}, ErrUnauthorized
	}

	storeDomain, err := hostOf(claims.Dest)
	if err != nil {
		return domain.Session{}, ErrUnauthorized
	}
	issuerDomain, err := hostOf(claims.Issuer)
	if err != nil || issuerDomain != storeDomain {
		return domain.Session{}, ErrUnauthorized
	}

	session := domain.Session{
		Domain:    storeDomain,
		Subject:   claims.Subject,
		SessionID: claims.SessionID,
	}
	if claims.IssuedAt != nil {
		session.IssuedAt = claims.IssuedAt.UTC()
	}
	return session, nil
}

// IssueSessionToken mints a token Validate accepts. The platform issues
// these in production; local tooling and tests use this.
func IssueSessionToken(secret, audience, storeDomain, subject string, ttl time.Duration, now time.Time) (string, error) {
	storeDomain = domain.NormalizeDomain(storeDomain)
	if err := domain.ValidateDomain(storeDomain); err != nil {
		return "", err
	}
	if secret == "" {
		return "", errors.New("session secret is empty")
	}

	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	claims := SessionClaims{
		Dest:      "https://" + storeDomain,
		SessionID: hex.EncodeToString(b[:8]),
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "https://" + storeDomain + "/admin",
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        hex.EncodeToString(b),
		},
	}
	if audience != "" {
		claims.Audience = jwt.ClaimStrings{audience}
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func hostOf(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if u.Scheme != "https" {
		return "", errors.New("session url must be https")
	}
	host := domain.NormalizeDomain(u.Hostname())
	if err := domain.ValidateDomain(host); err != nil {
		return "", err
	}
	return host, nil
}
