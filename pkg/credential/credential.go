package credential

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Keys under which backends persist a credential.
const (
	TokenKey   = "access_token"
	ExpiresKey = "expires_at"
)

// Credential is a bearer value with an optional advisory expiry. A zero
// ExpiresAt means the issuer did not say when the value stops being valid.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// FromToken builds a Credential for value. A positive lifetime wins, otherwise
// the exp claim is used when value happens to be a JWT.
func FromToken(value string, lifetime time.Duration, now time.Time) Credential {
	c := Credential{Value: value}
	if lifetime > 0 {
		c.ExpiresAt = now.Add(lifetime)
		return c
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(value, claims); err == nil && claims.ExpiresAt != nil {
		c.ExpiresAt = claims.ExpiresAt.Time
	}
	return c
}

// Expired reports whether the advisory expiry has passed. Credentials with no
// expiry never report expired; a failed request is the authoritative signal.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// TTL is the time left before the advisory expiry, or zero when unknown.
func (c Credential) TTL(now time.Time) time.Duration {
	if c.ExpiresAt.IsZero() {
		return 0
	}
	return c.ExpiresAt.Sub(now)
}

// Equal compares the bearer value and expiry.
func (c Credential) Equal(o Credential) bool {
	return c.Value == o.Value && c.ExpiresAt.Equal(o.ExpiresAt)
}

// record is the two-key persisted form shared by backends. Expiry is stored
// in epoch milliseconds.
type record struct {
	AccessToken string `yaml:"access_token"`
	ExpiresAt   string `yaml:"expires_at,omitempty"`
}

func toRecord(c Credential) record {
	r := record{AccessToken: c.Value}
	if !c.ExpiresAt.IsZero() {
		r.ExpiresAt = formatExpiry(c.ExpiresAt)
	}
	return r
}

func (r record) credential() (Credential, bool) {
	if r.AccessToken == "" {
		return Credential{}, false
	}
	c := Credential{Value: r.AccessToken}
	if t, ok := ParseExpiry(r.ExpiresAt); ok {
		c.ExpiresAt = t
	}
	return c, true
}

func formatExpiry(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

// ParseExpiry decodes an epoch millisecond expiry as written under ExpiresKey.
func ParseExpiry(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ms <= 0 {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}

// Fields returns the persisted two-key form of c, for backends that store a
// flat string map. An absent expiry is omitted.
func Fields(c Credential) map[string]string {
	r := toRecord(c)
	m := map[string]string{TokenKey: r.AccessToken}
	if r.ExpiresAt != "" {
		m[ExpiresKey] = r.ExpiresAt
	}
	return m
}

// FromFields is the inverse of Fields.
func FromFields(m map[string]string) (Credential, bool) {
	return record{AccessToken: m[TokenKey], ExpiresAt: m[ExpiresKey]}.credential()
}
