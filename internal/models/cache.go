package models

import "time"

// CacheMetadata is the validity record attached to every cacheable fetch:
// an opaque conditional-request token plus a validity window. Records are
// computed fresh from every API response and replaced wholesale, never
// merged. A "not modified" response keeps the token but refreshes the
// window.
type CacheMetadata struct {
	ETag        string
	Expires     time.Time
	LastRefresh time.Time
}

// Expired reports whether the record no longer vouches for the cached
// data. A nil record is always expired.
func (m *CacheMetadata) Expired(now time.Time) bool {
	return m == nil || !m.Expires.After(now)
}
