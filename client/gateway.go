package client

import (
	"context"
	"net/url"
	"time"
)

// Gateway is the remote side of the session. HTTPGateway speaks the wire
// protocol; tests substitute their own.
type Gateway interface {
	// RegisterClient obtains dynamic client credentials.
	RegisterClient(ctx context.Context, req ClientRegistrationRequest) (*ClientRegistration, error)
	// RegisterDevice exchanges a CSR for a client certificate and device
	// identifier.
	RegisterDevice(ctx context.Context, req DeviceRegistrationRequest) (*DeviceRegistration, error)
	// RenewDevice re-issues the client certificate. The caller authenticates
	// with its current certificate.
	RenewDevice(ctx context.Context, req DeviceRequest) (*DeviceRegistration, error)
	DeregisterDevice(ctx context.Context, req DeviceRequest) error
	Token(ctx context.Context, req GrantRequest) (*TokenResponse, error)
	Logout(ctx context.Context, req LogoutRequest) error
	Revoke(ctx context.Context, req RevokeRequest) error
}

// ClientAuth identifies the application to the gateway.
type ClientAuth struct {
	ID     string
	Secret string
}

type ClientRegistrationRequest struct {
	// ClientID is the master client id from configuration.
	ClientID string
	Scope    []string
}

type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	// Expiration is zero when the credentials never expire.
	Expiration time.Time
}

type DeviceRegistrationRequest struct {
	Client      ClientAuth
	DeviceID    string
	DeviceName  string
	CSR         []byte // PEM
	Credentials Credentials
}

type DeviceRegistration struct {
	Certificate []byte // DER
	Identifier  string
	Status      string
	IDToken     string
	IDTokenType string
}

type DeviceRequest struct {
	Client     ClientAuth
	Identifier string
	DeviceID   string
	CSR        []byte // PEM, renewal only
}

type GrantRequest struct {
	Client      ClientAuth
	Credentials Credentials
	Scope       []string
	Identifier  string
}

type LogoutRequest struct {
	Client      ClientAuth
	Identifier  string
	IDToken     string
	IDTokenType string
}

type RevokeRequest struct {
	Client        ClientAuth
	Token         string
	TokenTypeHint string
}

// Endpoints are the absolute URLs of the gateway protocol.
type Endpoints struct {
	ClientInit string `json:"client_init"`
	Register   string `json:"register"`
	Renew      string `json:"renew"`
	Remove     string `json:"remove"`
	Token      string `json:"token"`
	Logout     string `json:"logout"`
	Revoke     string `json:"revoke"`
}

// DefaultEndpoints returns the standard endpoint paths under base.
func DefaultEndpoints(base string) Endpoints {
	join := func(p string) string {
		u, err := url.JoinPath(base, p)
		if err != nil {
			return base + p
		}
		return u
	}
	return Endpoints{
		ClientInit: join("/connect/client/initialize"),
		Register:   join("/connect/device/register"),
		Renew:      join("/connect/device/renew"),
		Remove:     join("/connect/device/remove"),
		Token:      join("/auth/oauth/v2/token"),
		Logout:     join("/connect/session/logout"),
		Revoke:     join("/auth/oauth/v2/token/revoke"),
	}
}

// Validate checks every endpoint is an absolute URL.
func (e Endpoints) Validate() error {
	for name, raw := range map[string]string{
		"client_init": e.ClientInit, "register": e.Register, "renew": e.Renew,
		"remove": e.Remove, "token": e.Token, "logout": e.Logout, "revoke": e.Revoke,
	} {
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return Errorf(CodeConfigurationInvalidEndpoint, "endpoint %s: %q is not an absolute URL", name, raw)
		}
	}
	return nil
}
