package domain

import "strings"

// MinTenantDigits is the minimum number of digits a phone number must
// carry to be accepted as a tenant identifier.
const MinTenantDigits = 10

// SanitizeNumber strips everything but digits from a phone number. The
// result is the canonical tenant identifier used as the primary key in
// every store.
func SanitizeNumber(number string) string {
	var b strings.Builder
	b.Grow(len(number))
	for _, r := range number {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// ValidTenantID reports whether id is an already-sanitized phone number
// of acceptable length.
func ValidTenantID(id string) bool {
	if len(id) < MinTenantDigits {
		return false
	}
	for _, r := range id {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// DecodeIdentity resolves the canonical tenant identifier from the raw
// identity string the protocol socket reports for itself. Raw identities
// look like "15551234567:12@s.whatsapp.net"; the device suffix after ':'
// and the server part after '@' are dropped and the remainder sanitized.
// The socket identity is authoritative over the dialed number, since the
// two can differ after a re-pair.
func DecodeIdentity(raw string) string {
	if raw == "" {
		return ""
	}
	if at := strings.IndexByte(raw, '@'); at >= 0 {
		raw = raw[:at]
	}
	if colon := strings.IndexByte(raw, ':'); colon >= 0 {
		raw = raw[:colon]
	}
	return SanitizeNumber(raw)
}
