package client

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/panyam/mobileauth/security"
)

// Protocol headers.
const (
	HeaderMagIdentifier       = "mag-identifier"
	HeaderDeviceStatus        = "device-status"
	HeaderIDToken             = "id-token"
	HeaderIDTokenType         = "id-token-type"
	HeaderClientAuthorization = "client-authorization"
	HeaderDeviceID            = "device-id"
	HeaderDeviceName          = "device-name"
	HeaderCertFormat          = "cert-format"
	HeaderErrorCode           = "x-ca-err"
	HeaderRequestID           = "x-request-id"
)

const maxErrorBody = 4 << 10

// HTTPGateway implements Gateway over HTTP.
type HTTPGateway struct {
	endpoints Endpoints
	client    *http.Client
	headers   http.Header
	logger    *slog.Logger
}

// GatewayOption configures an HTTPGateway
type GatewayOption func(*HTTPGateway)

// WithGatewayHeaders adds headers to every gateway call.
func WithGatewayHeaders(h http.Header) GatewayOption {
	return func(g *HTTPGateway) {
		g.headers = h.Clone()
	}
}

func WithGatewayLogger(l *slog.Logger) GatewayOption {
	return func(g *HTTPGateway) {
		g.logger = l
	}
}

// NewHTTPGateway creates a gateway client. hc should carry the transport
// built by the security policy so registration and renewal are pinned and
// presented with the device certificate.
func NewHTTPGateway(endpoints Endpoints, hc *http.Client, opts ...GatewayOption) *HTTPGateway {
	if hc == nil {
		hc = http.DefaultClient
	}
	g := &HTTPGateway{
		endpoints: endpoints,
		client:    hc,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RegisterClient obtains dynamic client credentials.
func (g *HTTPGateway) RegisterClient(ctx context.Context, req ClientRegistrationRequest) (*ClientRegistration, error) {
	form := url.Values{
		"client_id": {req.ClientID},
		"nonce":     {uuid.NewString()},
	}
	if len(req.Scope) > 0 {
		form.Set("scope", JoinScopes(req.Scope))
	}
	hr, err := g.newRequest(ctx, http.MethodPost, g.endpoints.ClientInit, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(CodeApplicationNotRegistered, resp)
	}

	var body struct {
		ClientID         string `json:"client_id"`
		ClientSecret     string `json:"client_secret"`
		ClientExpiration int64  `json:"client_expiration"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, Wrap(CodeNetworkUnexpectedResponse, "decode client registration", err)
	}
	if body.ClientID == "" {
		return nil, NewError(CodeApplicationNotRegistered, "gateway returned no client id")
	}
	out := &ClientRegistration{ClientID: body.ClientID, ClientSecret: body.ClientSecret}
	if body.ClientExpiration > 0 {
		out.Expiration = time.Unix(body.ClientExpiration, 0)
	}
	return out, nil
}

// RegisterDevice posts the CSR with the user's registration material.
func (g *HTTPGateway) RegisterDevice(ctx context.Context, req DeviceRegistrationRequest) (*DeviceRegistration, error) {
	hr, err := g.newRequest(ctx, http.MethodPost, g.endpoints.Register, strings.NewReader(string(req.CSR)))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/pkcs10")
	hr.Header.Set(HeaderClientAuthorization, basicAuth(req.Client))
	hr.Header.Set(HeaderDeviceID, base64.StdEncoding.EncodeToString([]byte(req.DeviceID)))
	hr.Header.Set(HeaderDeviceName, base64.StdEncoding.EncodeToString([]byte(req.DeviceName)))
	hr.Header.Set(HeaderCertFormat, "pem")
	grant := GrantClientCredentials
	if req.Credentials != nil {
		grant = req.Credentials.GrantType()
		for k, vs := range req.Credentials.RegistrationHeaders() {
			for _, v := range vs {
				hr.Header.Add(k, v)
			}
		}
	}

	resp, err := g.do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil, responseError(CodeDeviceAlreadyRegistered, resp)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, responseError(grantFailureCode(grant), resp)
	case resp.StatusCode != http.StatusOK:
		return nil, responseError(CodeDeviceNotRegistered, resp)
	}
	return readDeviceRegistration(resp)
}

// RenewDevice sends a fresh CSR over the mutually authenticated channel.
func (g *HTTPGateway) RenewDevice(ctx context.Context, req DeviceRequest) (*DeviceRegistration, error) {
	hr, err := g.newRequest(ctx, http.MethodPut, g.endpoints.Renew, strings.NewReader(string(req.CSR)))
	if err != nil {
		return nil, err
	}
	hr.Header.Set("Content-Type", "application/pkcs10")
	hr.Header.Set(HeaderClientAuthorization, basicAuth(req.Client))
	hr.Header.Set(HeaderMagIdentifier, req.Identifier)
	hr.Header.Set(HeaderCertFormat, "pem")

	resp, err := g.do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, responseError(CodeDeviceCertificateRenewalFailed, resp)
	}
	reg, err := readDeviceRegistration(resp)
	if err != nil {
		return nil, err
	}
	if reg.Identifier == "" {
		reg.Identifier = req.Identifier
	}
	return reg, nil
}

// DeregisterDevice deletes the device on the gateway. A device the gateway
// no longer knows counts as removed.
func (g *HTTPGateway) DeregisterDevice(ctx context.Context, req DeviceRequest) error {
	hr, err := g.newRequest(ctx, http.MethodDelete, g.endpoints.Remove, nil)
	if err != nil {
		return err
	}
	hr.Header.Set(HeaderClientAuthorization, basicAuth(req.Client))
	hr.Header.Set(HeaderMagIdentifier, req.Identifier)

	resp, err := g.do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 || resp.StatusCode == http.StatusNotFound {
		return nil
	}
	return responseError(CodeDeviceCouldNotBeDeregistered, resp)
}

// Token performs a grant. Every grant type goes through the client
// credentials exchange with grant_type overridden, so client authentication
// and error parsing stay in x/oauth2.
func (g *HTTPGateway) Token(ctx context.Context, req GrantRequest) (*TokenResponse, error) {
	if req.Credentials == nil {
		return nil, NewError(CodeCredentialsNotProvided, "no credentials for token request")
	}
	grant := req.Credentials.GrantType()
	params := req.Credentials.TokenParams()
	params.Set("grant_type", grant)
	params.Del("scope")

	cfg := &clientcredentials.Config{
		ClientID:       req.Client.ID,
		ClientSecret:   req.Client.Secret,
		TokenURL:       g.endpoints.Token,
		Scopes:         req.Scope,
		EndpointParams: params,
		AuthStyle:      oauth2.AuthStyleInHeader,
	}

	extra := http.Header{}
	if req.Identifier != "" {
		extra.Set(HeaderMagIdentifier, req.Identifier)
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, g.clientWithHeaders(extra))

	g.logger.DebugContext(ctx, "token request", "grant_type", grant, "client_id", req.Client.ID)
	tok, err := cfg.Token(ctx)
	if err != nil {
		return nil, tokenError(grant, err)
	}
	return tokenResponse(tok), nil
}

// Logout ends the user session on the gateway.
func (g *HTTPGateway) Logout(ctx context.Context, req LogoutRequest) error {
	form := url.Values{"logout_apps": {"false"}}
	if req.IDToken != "" {
		form.Set("id_token", req.IDToken)
		form.Set("id_token_type", req.IDTokenType)
	}
	hr, err := g.newRequest(ctx, http.MethodPost, g.endpoints.Logout, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hr.Header.Set("Authorization", basicAuth(req.Client))
	if req.Identifier != "" {
		hr.Header.Set(HeaderMagIdentifier, req.Identifier)
	}
	return g.expectOK(hr, CodeNetworkUnexpectedResponse)
}

// Revoke revokes a token per RFC 7009.
func (g *HTTPGateway) Revoke(ctx context.Context, req RevokeRequest) error {
	form := url.Values{"token": {req.Token}}
	if req.TokenTypeHint != "" {
		form.Set("token_type_hint", req.TokenTypeHint)
	}
	hr, err := g.newRequest(ctx, http.MethodPost, g.endpoints.Revoke, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hr.Header.Set("Authorization", basicAuth(req.Client))
	return g.expectOK(hr, CodeNetworkUnexpectedResponse)
}

func (g *HTTPGateway) expectOK(hr *http.Request, code Code) error {
	resp, err := g.do(hr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return responseError(code, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (g *HTTPGateway) newRequest(ctx context.Context, method, target string, body io.Reader) (*http.Request, error) {
	if target == "" {
		return nil, Errorf(CodeConfigurationInvalidEndpoint, "%s endpoint is not configured", method)
	}
	hr, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, Wrap(CodeConfigurationInvalidEndpoint, "build request", err)
	}
	for k, vs := range g.headers {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}
	hr.Header.Set(HeaderRequestID, uuid.NewString())
	return hr, nil
}

func (g *HTTPGateway) do(hr *http.Request) (*http.Response, error) {
	resp, err := g.client.Do(hr)
	if err != nil {
		g.logger.WarnContext(hr.Context(), "gateway request failed", "method", hr.Method, "url", hr.URL.Path, "error", err)
		return nil, classifyTransportError(err)
	}
	return resp, nil
}

func (g *HTTPGateway) clientWithHeaders(extra http.Header) *http.Client {
	h := g.headers.Clone()
	if h == nil {
		h = http.Header{}
	}
	for k, vs := range extra {
		h[k] = vs
	}
	c := *g.client
	base := c.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	c.Transport = &headerTransport{base: base, header: h}
	return &c
}

type headerTransport struct {
	base   http.RoundTripper
	header http.Header
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	for k, vs := range t.header {
		req.Header[k] = vs
	}
	return t.base.RoundTrip(req)
}

func readDeviceRegistration(resp *http.Response) (*DeviceRegistration, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return nil, Wrap(CodeNetworkUnexpectedResponse, "read certificate", err)
	}
	der, err := certificateDER(body)
	if err != nil {
		return nil, Wrap(CodeNetworkUnexpectedResponse, "gateway returned an invalid certificate", err)
	}
	return &DeviceRegistration{
		Certificate: der,
		Identifier:  resp.Header.Get(HeaderMagIdentifier),
		Status:      resp.Header.Get(HeaderDeviceStatus),
		IDToken:     resp.Header.Get(HeaderIDToken),
		IDTokenType: resp.Header.Get(HeaderIDTokenType),
	}, nil
}

// certificateDER accepts a PEM block or raw DER.
func certificateDER(body []byte) ([]byte, error) {
	der := body
	if block, _ := pem.Decode(body); block != nil {
		der = block.Bytes
	}
	if _, err := x509.ParseCertificate(der); err != nil {
		return nil, err
	}
	return der, nil
}

func tokenResponse(tok *oauth2.Token) *TokenResponse {
	out := &TokenResponse{
		AccessToken:  tok.AccessToken,
		TokenType:    tok.TokenType,
		RefreshToken: tok.RefreshToken,
		ExpiresIn:    tok.ExpiresIn,
	}
	if s, ok := tok.Extra("id_token").(string); ok {
		out.IDToken = s
	}
	if s, ok := tok.Extra("id_token_type").(string); ok {
		out.IDTokenType = s
	}
	if s, ok := tok.Extra("scope").(string); ok {
		out.Scope = s
	}
	if out.ExpiresIn == 0 {
		switch v := tok.Extra("expires_in").(type) {
		case float64:
			out.ExpiresIn = int64(v)
		case string:
			out.ExpiresIn, _ = strconv.ParseInt(v, 10, 64)
		case json.Number:
			out.ExpiresIn, _ = v.Int64()
		}
	}
	if out.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		out.ExpiresIn = int64(time.Until(tok.Expiry).Round(time.Second) / time.Second)
	}
	return out
}

// grantFailureCode maps a rejected grant onto the code the caller branches on.
func grantFailureCode(grant string) Code {
	switch grant {
	case GrantRefreshToken:
		return CodeRefreshTokenInvalid
	case GrantJWTBearer:
		return CodeIDTokenInvalid
	default:
		return CodeInvalidCredentials
	}
}

func tokenError(grant string, err error) error {
	var re *oauth2.RetrieveError
	if !errors.As(err, &re) {
		return classifyTransportError(err)
	}
	status := 0
	if re.Response != nil {
		status = re.Response.StatusCode
	}
	code := grantFailureCode(grant)
	switch {
	case status >= 500:
		code = CodeNetworkUnexpectedResponse
	case re.ErrorCode == "invalid_scope":
		code = CodeAccessTokenInsufficientScope
	}
	msg := re.ErrorDescription
	if msg == "" {
		msg = re.ErrorCode
	}
	if msg == "" {
		msg = fmt.Sprintf("token request rejected with status %d", status)
	}
	return &Error{Code: code, Message: msg, Status: status, Cause: err}
}

func responseError(code Code, resp *http.Response) *Error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}
	if gw := resp.Header.Get(HeaderErrorCode); gw != "" {
		msg = fmt.Sprintf("%s (gateway code %s)", msg, gw)
	}
	if resp.StatusCode >= 500 && code.Kind() != KindNetwork {
		return &Error{Code: CodeNetworkUnexpectedResponse, Message: msg, Status: resp.StatusCode,
			Cause: NewError(code, "gateway error")}
	}
	return &Error{Code: code, Message: msg, Status: resp.StatusCode}
}

// classifyTransportError maps a failed round trip onto a network code.
func classifyTransportError(err error) error {
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	var (
		unknownAuth x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
		hostname    x509.HostnameError
		verifyErr   *tls.CertificateVerificationError
		netErr      net.Error
	)
	switch {
	case errors.Is(err, security.ErrUntrusted),
		errors.As(err, &unknownAuth), errors.As(err, &invalidCert),
		errors.As(err, &hostname), errors.As(err, &verifyErr):
		return Wrap(CodeNetworkSSLConnection, "server certificate is not trusted", err)
	case errors.Is(err, context.Canceled):
		return Wrap(CodeNetworkRequestCancelled, "request cancelled", err)
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(CodeNetworkTimeout, "request timed out", err)
	case errors.As(err, &netErr) && netErr.Timeout():
		return Wrap(CodeNetworkTimeout, "request timed out", err)
	default:
		return Wrap(CodeNetworkUnreachable, "gateway unreachable", err)
	}
}

func basicAuth(c ClientAuth) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(url.QueryEscape(c.ID)+":"+url.QueryEscape(c.Secret)))
}

var _ Gateway = (*HTTPGateway)(nil)
