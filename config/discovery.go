package config

import (
	"context"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"

	"github.com/panyam/mobileauth/client"
)

// Discovery is the part of the OpenID discovery document the session uses.
type Discovery struct {
	Issuer             string   `json:"issuer"`
	TokenEndpoint      string   `json:"token_endpoint"`
	RevocationEndpoint string   `json:"revocation_endpoint"`
	EndSessionEndpoint string   `json:"end_session_endpoint"`
	JWKSURI            string   `json:"jwks_uri"`
	ScopesSupported    []string `json:"scopes_supported"`
	GrantTypes         []string `json:"grant_types_supported"`
}

// Discover fetches issuer's discovery document. The HTTP client can be set
// on ctx with oidc.ClientContext.
func Discover(ctx context.Context, issuer string) (*Discovery, error) {
	provider, err := oidc.NewProvider(ctx, strings.TrimSuffix(issuer, "/"))
	if err != nil {
		return nil, client.Wrap(client.CodeConfigurationInvalidEndpoint, "oidc discovery failed", err)
	}
	var d Discovery
	if err := provider.Claims(&d); err != nil {
		return nil, client.Wrap(client.CodeConfigurationInvalidJSON, "invalid discovery metadata", err)
	}
	if d.TokenEndpoint == "" {
		return nil, client.NewError(client.CodeConfigurationInvalidEndpoint, "discovery incomplete: missing token_endpoint")
	}
	return &d, nil
}

// Discover fills the token, revocation and logout endpoints and the JWKS
// location from the gateway's discovery document. Endpoints set explicitly
// in the file are kept.
func (c *Config) Discover(ctx context.Context) error {
	issuer := c.Server.Issuer
	if issuer == "" {
		issuer = c.BaseURL()
	}
	d, err := Discover(ctx, issuer)
	if err != nil {
		return err
	}
	fill := func(dst *string, v string) {
		if *dst == "" && v != "" {
			*dst = v
		}
	}
	fill(&c.OAuth.Endpoints.Token, d.TokenEndpoint)
	fill(&c.OAuth.Endpoints.Revoke, d.RevocationEndpoint)
	fill(&c.OAuth.Endpoints.Logout, d.EndSessionEndpoint)
	fill(&c.OAuth.JWKSURL, d.JWKSURI)
	return nil
}
