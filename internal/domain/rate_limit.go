package domain

import "time"

// IdentifierTypeIP identifies clients by their resolved network origin.
const IdentifierTypeIP = "ip"

// UnknownClientIdentifier is used when no network origin can be resolved.
const UnknownClientIdentifier = "unknown"

// RateLimitKey identifies the owner of a rate limit window.
type RateLimitKey struct {
	Identifier     string
	IdentifierType string
}

// RateLimitRecord counts accepted requests for a key within a fixed window.
type RateLimitRecord struct {
	Key         RateLimitKey
	Count       int
	WindowStart time.Time
	UpdatedAt   time.Time
}

// CountIn returns the record count when it belongs to the window starting at windowStart.
func (r RateLimitRecord) CountIn(windowStart time.Time) int {
	if r.WindowStart.Equal(windowStart) {
		return r.Count
	}
	return 0
}

// ChargeWindow returns the window a charge dated windowStart lands in and the count already
// recorded there. A record from a later window is never moved back to an earlier one.
func (r RateLimitRecord) ChargeWindow(windowStart time.Time) (time.Time, int) {
	if r.WindowStart.After(windowStart) {
		return r.WindowStart, r.Count
	}
	return windowStart, r.CountIn(windowStart)
}
