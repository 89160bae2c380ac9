package client

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/url"
)

// Grant types understood by the gateway token endpoint.
const (
	GrantClientCredentials = "client_credentials"
	GrantPassword          = "password"
	GrantAuthorizationCode = "authorization_code"
	GrantRefreshToken      = "refresh_token"
	GrantJWTBearer         = "urn:ietf:params:oauth:grant-type:jwt-bearer"
)

// Credentials is login or registration material. Each variant declares
// whether it may register a device and whether it may be replayed for a
// later login.
type Credentials interface {
	GrantType() string
	CanRegisterDevice() bool
	IsReusable() bool
	// TokenParams are added to the token request form.
	TokenParams() url.Values
	// RegistrationHeaders authenticate the user on device registration.
	RegistrationHeaders() http.Header
}

// ClientCredentials authenticates as the application alone.
type ClientCredentials struct{}

func (ClientCredentials) GrantType() string               { return GrantClientCredentials }
func (ClientCredentials) CanRegisterDevice() bool         { return true }
func (ClientCredentials) IsReusable() bool                { return true }
func (ClientCredentials) TokenParams() url.Values         { return url.Values{} }
func (ClientCredentials) RegistrationHeaders() http.Header { return http.Header{} }

// Password is the resource owner password grant.
type Password struct {
	Username string
	Password string
}

func (p *Password) GrantType() string       { return GrantPassword }
func (p *Password) CanRegisterDevice() bool { return true }
func (p *Password) IsReusable() bool        { return false }

func (p *Password) TokenParams() url.Values {
	return url.Values{"username": {p.Username}, "password": {p.Password}}
}

func (p *Password) RegistrationHeaders() http.Header {
	h := http.Header{}
	h.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(p.Username+":"+p.Password)))
	return h
}

// AuthorizationCode exchanges a code obtained out of band.
type AuthorizationCode struct {
	Code         string
	RedirectURI  string
	CodeVerifier string
}

func (c *AuthorizationCode) GrantType() string       { return GrantAuthorizationCode }
func (c *AuthorizationCode) CanRegisterDevice() bool { return true }
func (c *AuthorizationCode) IsReusable() bool        { return false }

func (c *AuthorizationCode) TokenParams() url.Values {
	v := url.Values{"code": {c.Code}}
	if c.RedirectURI != "" {
		v.Set("redirect_uri", c.RedirectURI)
	}
	if c.CodeVerifier != "" {
		v.Set("code_verifier", c.CodeVerifier)
	}
	return v
}

func (c *AuthorizationCode) RegistrationHeaders() http.Header {
	h := http.Header{}
	h.Set("authorization-code", c.Code)
	if c.RedirectURI != "" {
		h.Set("redirect-uri", c.RedirectURI)
	}
	return h
}

// JWTBearer signs in with an assertion, typically a previously issued
// id_token.
type JWTBearer struct {
	Assertion string
	TokenType string
}

func (j *JWTBearer) GrantType() string       { return GrantJWTBearer }
func (j *JWTBearer) CanRegisterDevice() bool { return true }
func (j *JWTBearer) IsReusable() bool        { return false }

func (j *JWTBearer) TokenParams() url.Values {
	return url.Values{"assertion": {j.Assertion}}
}

func (j *JWTBearer) RegistrationHeaders() http.Header {
	h := http.Header{}
	h.Set("id-token", j.Assertion)
	tt := j.TokenType
	if tt == "" {
		tt = GrantJWTBearer
	}
	h.Set("id-token-type", tt)
	return h
}

// RefreshToken renews a grant. It cannot register a device.
type RefreshToken struct {
	Token string
}

func (r *RefreshToken) GrantType() string               { return GrantRefreshToken }
func (r *RefreshToken) CanRegisterDevice() bool         { return false }
func (r *RefreshToken) IsReusable() bool                { return false }
func (r *RefreshToken) TokenParams() url.Values         { return url.Values{"refresh_token": {r.Token}} }
func (r *RefreshToken) RegistrationHeaders() http.Header { return http.Header{} }

// Custom is host-provided material. The host declares both capabilities.
type Custom struct {
	Grant       string
	Params      url.Values
	Headers     http.Header
	CanRegister bool
	Reusable    bool
}

func (c *Custom) GrantType() string       { return c.Grant }
func (c *Custom) CanRegisterDevice() bool { return c.CanRegister }
func (c *Custom) IsReusable() bool        { return c.Reusable }

func (c *Custom) TokenParams() url.Values {
	v := url.Values{}
	for k, vs := range c.Params {
		v[k] = append([]string(nil), vs...)
	}
	return v
}

func (c *Custom) RegistrationHeaders() http.Header {
	if c.Headers == nil {
		return http.Header{}
	}
	return c.Headers.Clone()
}

// usernameOf returns the user the material identifies, if any.
func usernameOf(c Credentials) string {
	if p, ok := c.(*Password); ok {
		return p.Username
	}
	return ""
}

// CredentialReason says why material is being requested.
type CredentialReason int

const (
	ReasonDeviceRegistration CredentialReason = iota
	ReasonLogin
)

func (r CredentialReason) String() string {
	if r == ReasonDeviceRegistration {
		return "device_registration"
	}
	return "login"
}

// CredentialRequest is passed to the host when the session needs
// interactive input.
type CredentialRequest struct {
	Reason    CredentialReason
	GrantType string
	// Err is the failure of the previous attempt, if any.
	Err error
}

// CredentialProvider supplies material on demand. Credentials blocks until
// the host resolves the request or ctx is done.
type CredentialProvider interface {
	Credentials(ctx context.Context, req CredentialRequest) (Credentials, error)
}

// CredentialProviderFunc adapts a function to CredentialProvider.
type CredentialProviderFunc func(ctx context.Context, req CredentialRequest) (Credentials, error)

func (f CredentialProviderFunc) Credentials(ctx context.Context, req CredentialRequest) (Credentials, error) {
	return f(ctx, req)
}
