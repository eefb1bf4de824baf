package auth

import (
	"context"
	"encoding/xml"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/operator-framework/wssync/internal/soapclient"
	"github.com/operator-framework/wssync/internal/wssyncerrs"
)

// ProtocolVersion is the protocol version string wssync advertises to
// GetCookie.
const ProtocolVersion = "1.7"

// Authenticator drives the three-step authentication flow over a shared
// soapclient.Client.
type Authenticator struct {
	Transport *soapclient.Client

	// Now is overridable for tests; defaults to time.Now.
	Now func() time.Time
}

// New returns an Authenticator bound to transport.
func New(transport *soapclient.Client) *Authenticator {
	return &Authenticator{Transport: transport, Now: time.Now}
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// Authenticate returns a live Token. If cached is nil the full three-step
// flow runs. If cached is still fresh (outside the renewal window) it is
// returned unchanged. Otherwise step 3 alone is retried with the cached
// authorization cookies; an InvalidAuthorizationCookie fault restarts the
// flow from step 1.
func (a *Authenticator) Authenticate(ctx context.Context, cached *Token) (Token, error) {
	if cached == nil {
		return a.fullFlow(ctx)
	}
	if !cached.needsRenewal(a.now()) {
		return *cached, nil
	}

	access, err := a.getCookie(ctx, cached.AuthCookies)
	if err != nil {
		var iac *wssyncerrs.InvalidAuthorizationCookie
		if errors.As(err, &iac) {
			return a.fullFlow(ctx)
		}
		return Token{}, err
	}
	renewed := *cached
	renewed.AccessCookie = access
	return renewed, nil
}

func (a *Authenticator) fullFlow(ctx context.Context) (Token, error) {
	plugins, err := a.getAuthConfig(ctx)
	if err != nil {
		return Token{}, err
	}
	if len(plugins) == 0 {
		return Token{}, &wssyncerrs.UpstreamServerError{Code: "NoAuthPlugins", Fault: "GetAuthConfig returned no plug-ins"}
	}
	selected := plugins[0]

	cookie, err := a.getAuthorizationCookie(ctx, selected, uuid.NewString(), uuid.NewString())
	if err != nil {
		return Token{}, err
	}

	authCookies := []AuthCookie{cookie}
	access, err := a.getCookie(ctx, authCookies)
	if err != nil {
		return Token{}, err
	}

	return Token{
		AuthInfo:     plugins,
		AuthCookies:  authCookies,
		AccessCookie: access,
	}, nil
}

// --- wire calls ---------------------------------------------------------

type getAuthConfigResponse struct {
	XMLName xml.Name `xml:"GetAuthConfigResponse"`
	Plugins []struct {
		ServiceURL string `xml:"ServiceUrl"`
		ID         string `xml:"Id"`
	} `xml:"AuthPlugInConfig>AuthPlugInInfo"`
}

func (a *Authenticator) getAuthConfig(ctx context.Context) ([]AuthPlugin, error) {
	var resp getAuthConfigResponse
	if err := a.Transport.Call(ctx, "GetAuthConfig", []byte(`<GetAuthConfig/>`), &resp); err != nil {
		return nil, err
	}
	out := make([]AuthPlugin, 0, len(resp.Plugins))
	for _, p := range resp.Plugins {
		out = append(out, AuthPlugin{ServiceURL: p.ServiceURL, ID: p.ID})
	}
	return out, nil
}

type getAuthorizationCookieRequest struct {
	XMLName     xml.Name `xml:"GetAuthorizationCookie"`
	AccountGUID string   `xml:"accountGuid"`
	AccountName string   `xml:"accountName"`
}

type getAuthorizationCookieResponse struct {
	XMLName xml.Name `xml:"GetAuthorizationCookieResponse"`
	Cookie  string   `xml:"AuthorizationCookie>CookieData"`
}

func (a *Authenticator) getAuthorizationCookie(ctx context.Context, plugin AuthPlugin, accountGUID, accountName string) (AuthCookie, error) {
	req, err := xml.Marshal(getAuthorizationCookieRequest{AccountGUID: accountGUID, AccountName: accountName})
	if err != nil {
		return AuthCookie{}, err
	}
	client := a.Transport
	if plugin.ServiceURL != "" {
		scoped := *a.Transport
		scoped.Endpoint = plugin.ServiceURL
		client = &scoped
	}
	var resp getAuthorizationCookieResponse
	if err := client.Call(ctx, "GetAuthorizationCookie", req, &resp); err != nil {
		return AuthCookie{}, err
	}
	return AuthCookie{PluginID: plugin.ID, Cookie: resp.Cookie}, nil
}

type getCookieRequest struct {
	XMLName         xml.Name     `xml:"GetCookie"`
	AuthCookies     []authCookie `xml:"oldAuthCookies>AuthorizationCookie"`
	ProtocolVersion string       `xml:"protocolVersion"`
}

type authCookie struct {
	PlugInID   string `xml:"PlugInId"`
	CookieData string `xml:"CookieData"`
}

type getCookieResponse struct {
	XMLName    xml.Name  `xml:"GetCookieResponse"`
	CookieData string    `xml:"Cookie>CookieData"`
	Expiration time.Time `xml:"Cookie>Expiration"`
}

func (a *Authenticator) getCookie(ctx context.Context, cookies []AuthCookie) (AccessCookie, error) {
	wire := make([]authCookie, 0, len(cookies))
	for _, c := range cookies {
		wire = append(wire, authCookie{PlugInID: c.PluginID, CookieData: c.Cookie})
	}
	req, err := xml.Marshal(getCookieRequest{AuthCookies: wire, ProtocolVersion: ProtocolVersion})
	if err != nil {
		return AccessCookie{}, err
	}
	var resp getCookieResponse
	if err := a.Transport.Call(ctx, "GetCookie", req, &resp); err != nil {
		return AccessCookie{}, err
	}
	return AccessCookie{Cookie: resp.CookieData, Expiration: resp.Expiration}, nil
}
