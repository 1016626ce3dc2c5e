package tokens

import "time"

// Metadata describes how the session was established and what the
// client may display about the user without another profile fetch.
type Metadata struct {
	Provider string `json:"provider"`
	Username string `json:"username"`
	Email    string `json:"email,omitempty"`
	Avatar   string `json:"avatar,omitempty"`
	OrgID    string `json:"orgId,omitempty"`
}

// Claims is the access token payload. Permissions are flattened to
// "<resource>.<scope>.<action>" strings with decimal bitfields, so the
// verifier never needs the role tables to authorize a call.
type Claims struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
	DeviceID    string   `json:"deviceId"`
	Metadata    Metadata `json:"metadata"`
	IssuedAt    int64    `json:"iat"`
	ExpiresAt   int64    `json:"exp"`
}

// Expired reports whether the claims are past their expiry.
func (c *Claims) Expired(now time.Time) bool {
	return now.Unix() >= c.ExpiresAt
}

// TokenUser is the subject a token pair is minted for.
type TokenUser struct {
	ID          string
	Permissions []string
	Metadata    Metadata
}

// DeviceInfo captures the client context recorded with a refresh token.
// An empty DeviceID is replaced with a fresh identifier at issuance.
type DeviceInfo struct {
	DeviceID  string
	IPAddress string
	Country   string
	UserAgent string
}
