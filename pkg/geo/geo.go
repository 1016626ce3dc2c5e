// Package geo extracts the request origin country from a trusted edge
// header and detects country changes between a stored session and the
// current request. Lookups never touch a GeoIP database here; the edge
// proxy is the source of truth.
package geo

import (
	"net/http"
	"strings"
)

// Header is set by the edge proxy on every forwarded request.
const Header = "X-Forwarded-Country"

// Sentinel values the edge emits when it cannot resolve a country.
// "XX" is the unknown marker, "T1" marks Tor exit nodes.
const (
	unknownCountry = "XX"
	torCountry     = "T1"
)

// FromRequest returns the normalized country code of the request, or the
// empty string when the header is absent.
func FromRequest(r *http.Request) string {
	return Normalize(r.Header.Get(Header))
}

// Normalize upper-cases and trims a country code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Known reports whether the code identifies a real country. Sentinel
// values and the empty string are not known.
func Known(code string) bool {
	switch Normalize(code) {
	case "", unknownCountry, torCountry:
		return false
	}
	return true
}

// Changed reports whether the session moved to a different country.
// It is true only when both codes are known and differ; an unknown code
// on either side never triggers invalidation.
func Changed(stored, current string) bool {
	if !Known(stored) || !Known(current) {
		return false
	}
	return Normalize(stored) != Normalize(current)
}
