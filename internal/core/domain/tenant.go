package domain

import (
	"regexp"
	"strings"
	"time"
)

var hostnamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?(\.[a-z0-9]([a-z0-9-]*[a-z0-9])?)+$`)

// Tenant is the local record of one installed store.
type Tenant struct {
	Domain       string
	ExternalID   string
	DisplayName  string
	ContactEmail string
	Plan         string
	Active       bool
	LastSyncedAt time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// State reports the lifecycle state the record is in.
func (t Tenant) State() string {
	if t.Active {
		return "active"
	}
	return "inactive"
}

// UpsertInput is the client-supplied part of an install. Empty ContactEmail
// or Plan means "keep what is stored".
type UpsertInput struct {
	Domain       string
	ExternalID   string
	DisplayName  string
	ContactEmail string
	Plan         string
}

func (in UpsertInput) Normalize() UpsertInput {
	in.Domain = NormalizeDomain(in.Domain)
	in.ExternalID = strings.TrimSpace(in.ExternalID)
	in.DisplayName = strings.TrimSpace(in.DisplayName)
	in.ContactEmail = strings.TrimSpace(in.ContactEmail)
	in.Plan = NormalizePlan(in.Plan)
	return in
}

// Validate expects a normalized input.
func (in UpsertInput) Validate() error {
	var missing []string
	if in.DisplayName == "" {
		missing = append(missing, "displayName")
	}
	if in.Domain == "" {
		missing = append(missing, "domain")
	}
	if in.ExternalID == "" {
		missing = append(missing, "externalId")
	}
	if len(missing) > 0 {
		return Validation("missing required fields: " + strings.Join(missing, ", "))
	}
	return ValidateDomain(in.Domain)
}

func NormalizeDomain(d string) string {
	return strings.ToLower(strings.TrimSpace(d))
}

func NormalizePlan(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}

// ValidateDomain expects a normalized domain.
func ValidateDomain(d string) error {
	if d == "" {
		return Validation("domain is required")
	}
	if len(d) > 253 || !hostnamePattern.MatchString(d) {
		return Validation("domain must be a hostname")
	}
	return nil
}

// NextSyncTime returns the lastSyncedAt value a write at now must store so
// that the stored value only ever moves forward.
func NextSyncTime(prev, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if prev.IsZero() || now.After(prev) {
		return now
	}
	return prev.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
}

// Session is what a validated platform session token proves.
type Session struct {
	Domain    string
	IssuedAt  time.Time
	Subject   string
	SessionID string
}
