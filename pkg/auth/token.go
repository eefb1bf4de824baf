// Package auth implements the three-step authentication flow against the
// upstream sync endpoint and the resulting access token's lifecycle.
package auth

import (
	"time"
)

// AuthPlugin is one entry returned by GetAuthConfig: a service URL and the
// plug-in identifier the server expects back in GetAuthorizationCookie.
type AuthPlugin struct {
	ServiceURL string
	ID         string
}

// AuthCookie is the per-plug-in cookie minted by GetAuthorizationCookie.
type AuthCookie struct {
	PluginID string
	Cookie   string
}

// AccessCookie is the encrypted cookie returned by GetCookie, carrying its
// own expiration.
type AccessCookie struct {
	Cookie     string    `json:"cookie"`
	Expiration time.Time `json:"expiration"`
}

// Token is the full authentication state for a session: the plug-in list,
// the per-plug-in authorization cookie used to mint a new access cookie,
// and the current access cookie.
type Token struct {
	AuthInfo     []AuthPlugin   `json:"authInfo"`
	AuthCookies  []AuthCookie   `json:"authCookie"`
	AccessCookie AccessCookie   `json:"accessCookie"`
}

// renewWindow is how far ahead of expiry a cached token is still considered
// fresh enough to reuse without renewal.
const renewWindow = 30 * time.Minute

// Expired reports whether t's access cookie expires at or before at.
func (t Token) Expired(at time.Time) bool {
	return !t.AccessCookie.Expiration.After(at)
}

// needsRenewal reports whether t should be renewed given now: either
// already expired, or within renewWindow of expiring.
func (t Token) needsRenewal(now time.Time) bool {
	return !t.AccessCookie.Expiration.After(now.Add(renewWindow))
}
