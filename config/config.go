// Package config loads the description of an application and its gateway.
//
// A configuration is a JSON document, usually shipped with the host
// application, optionally overridden from MOBILEAUTH_* environment variables
// and completed from the gateway's OpenID discovery document.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/panyam/mobileauth/client"
	"github.com/panyam/mobileauth/security"
)

// Config is the on-disk configuration.
type Config struct {
	Server   Server            `json:"server"`
	OAuth    OAuth             `json:"oauth"`
	Device   Device            `json:"device"`
	Security []SecurityEntry   `json:"security,omitempty"`
	Headers  map[string]string `json:"custom_headers,omitempty"`

	// StepUpCodes and TokenInvalidCodes are x-ca-err values.
	StepUpCodes       []string `json:"step_up_codes,omitempty"`
	TokenInvalidCodes []string `json:"token_invalid_codes,omitempty"`

	// RenewalDays is how long before expiry the device certificate is
	// renewed. Zero uses the session default.
	RenewalDays int `json:"certificate_renewal_days,omitempty"`
}

// Server locates the gateway.
type Server struct {
	Hostname string `json:"hostname"`
	Port     int    `json:"port,omitempty"`
	Prefix   string `json:"prefix,omitempty"`
	// Issuer is the OpenID issuer used by Discover. Defaults to BaseURL.
	Issuer string `json:"issuer,omitempty"`

	// ServerCerts pins the gateway's certificates (PEM).
	ServerCerts []string `json:"server_certs,omitempty"`
	// PublicKeyHashes pins the gateway's SubjectPublicKeyInfo digests.
	PublicKeyHashes []string `json:"public_key_hashes,omitempty"`
	TrustPublicPKI  bool     `json:"trust_public_pki,omitempty"`
}

// OAuth describes the client and the gateway's protocol endpoints.
type OAuth struct {
	Client    Client    `json:"client"`
	Endpoints Endpoints `json:"system_endpoints,omitempty"`

	// JWKSURL holds the id_token verification keys. Filled by Discover.
	JWKSURL string `json:"jwks_uri,omitempty"`
}

type Client struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
	// Scope is space separated.
	Scope        string `json:"scope,omitempty"`
	Dynamic      bool   `json:"dynamic,omitempty"`
	Flow         string `json:"flow,omitempty"`
	Organization string `json:"organization,omitempty"`
}

// Endpoints are paths relative to the base URL, or absolute URLs. Empty
// entries use the standard paths.
type Endpoints struct {
	ClientInit string `json:"client_init,omitempty"`
	Register   string `json:"register,omitempty"`
	Renew      string `json:"renew,omitempty"`
	Remove     string `json:"remove,omitempty"`
	Token      string `json:"token,omitempty"`
	Logout     string `json:"logout,omitempty"`
	Revoke     string `json:"revoke,omitempty"`
}

type Device struct {
	Name string `json:"name,omitempty"`
}

// SecurityEntry is the JSON form of security.Entry.
type SecurityEntry struct {
	Host                     string   `json:"host"`
	Port                     int      `json:"port,omitempty"`
	Mode                     string   `json:"mode,omitempty"`
	Certificates             []string `json:"certificates,omitempty"`
	PublicKeyHashes          []string `json:"public_key_hashes,omitempty"`
	ValidateDomainName       bool     `json:"validate_domain_name,omitempty"`
	ValidateCertificateChain bool     `json:"validate_certificate_chain,omitempty"`
	TrustPublicPKI           bool     `json:"trust_public_pki,omitempty"`
	Public                   bool     `json:"public,omitempty"`
}

// Load reads the file at path, parses it and applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, client.Wrap(client.CodeConfigurationInvalidJSON, "unable to read "+path, err)
	}
	return load(data)
}

// Parse decodes a configuration document. Environment overrides are not
// applied.
func Parse(data []byte) (*Config, error) {
	var c Config
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, client.Wrap(client.CodeConfigurationInvalidJSON, "invalid configuration", err)
	}
	return &c, nil
}

// Validate checks the fields a session cannot do without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Server.Hostname) == "" {
		return client.NewError(client.CodeConfigurationMissingParameter, "server.hostname is required")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return client.Errorf(client.CodeConfigurationInvalidEndpoint, "server.port %d out of range", c.Server.Port)
	}
	if c.OAuth.Client.ClientID == "" {
		return client.NewError(client.CodeConfigurationMissingParameter, "oauth.client.client_id is required")
	}
	if _, err := c.SecurityEntries(); err != nil {
		return err
	}
	return c.endpoints().Validate()
}

// BaseURL is https://hostname[:port]/prefix.
func (c *Config) BaseURL() string {
	host := c.Server.Hostname
	if c.Server.Port != 0 && c.Server.Port != 443 {
		host = net.JoinHostPort(host, strconv.Itoa(c.Server.Port))
	}
	u := url.URL{Scheme: "https", Host: host}
	if p := strings.Trim(c.Server.Prefix, "/"); p != "" {
		u.Path = "/" + p
	}
	return u.String()
}

// Identity names the gateway and client. Sessions created for different
// identities must not share state.
func (c *Config) Identity() string {
	port := c.Server.Port
	if port == 0 {
		port = 443
	}
	return fmt.Sprintf("%s:%d/%s", strings.ToLower(c.Server.Hostname), port, c.OAuth.Client.ClientID)
}

// Scopes splits the space-separated client scope.
func (c *Config) Scopes() []string {
	return client.ParseScopes(c.OAuth.Client.Scope)
}

func (c *Config) endpoints() client.Endpoints {
	base := c.BaseURL()
	def := client.DefaultEndpoints(base)
	resolve := func(v, fallback string) string {
		if v == "" {
			return fallback
		}
		if u, err := url.Parse(v); err == nil && u.IsAbs() {
			return v
		}
		joined, err := url.JoinPath(base, v)
		if err != nil {
			return base + v
		}
		return joined
	}
	e := c.OAuth.Endpoints
	return client.Endpoints{
		ClientInit: resolve(e.ClientInit, def.ClientInit),
		Register:   resolve(e.Register, def.Register),
		Renew:      resolve(e.Renew, def.Renew),
		Remove:     resolve(e.Remove, def.Remove),
		Token:      resolve(e.Token, def.Token),
		Logout:     resolve(e.Logout, def.Logout),
		Revoke:     resolve(e.Revoke, def.Revoke),
	}
}

// ClientConfig converts the configuration into a session configuration.
func (c *Config) ClientConfig() client.Config {
	var headers http.Header
	if len(c.Headers) > 0 {
		headers = make(http.Header, len(c.Headers))
		for k, v := range c.Headers {
			headers.Set(k, v)
		}
	}
	cfg := client.Config{
		ClientID:          c.OAuth.Client.ClientID,
		ClientSecret:      c.OAuth.Client.ClientSecret,
		Scopes:            c.Scopes(),
		Dynamic:           c.OAuth.Client.Dynamic,
		Flow:              c.OAuth.Client.Flow,
		Endpoints:         c.endpoints(),
		DeviceName:        c.Device.Name,
		Organization:      c.OAuth.Client.Organization,
		CustomHeaders:     headers,
		StepUpCodes:       c.StepUpCodes,
		TokenInvalidCodes: c.TokenInvalidCodes,
	}
	if c.RenewalDays > 0 {
		cfg.RenewalWindow = time.Duration(c.RenewalDays) * 24 * time.Hour
	}
	return cfg
}

// SecurityEntries returns the gateway's entry followed by the configured
// entries, converted and checked.
func (c *Config) SecurityEntries() ([]security.Entry, error) {
	gw := SecurityEntry{
		Host:                     c.Server.Hostname,
		Port:                     c.Server.Port,
		Certificates:             c.Server.ServerCerts,
		PublicKeyHashes:          c.Server.PublicKeyHashes,
		ValidateDomainName:       true,
		ValidateCertificateChain: true,
		TrustPublicPKI:           c.Server.TrustPublicPKI || (len(c.Server.ServerCerts) == 0 && len(c.Server.PublicKeyHashes) == 0),
	}
	switch {
	case len(gw.Certificates) > 0:
		gw.Mode = security.PinningCertificate.String()
	case len(gw.PublicKeyHashes) > 0:
		gw.Mode = security.PinningPublicKeyHash.String()
	}
	if gw.Port == 0 {
		gw.Port = 443
	}

	entries := make([]security.Entry, 0, len(c.Security)+1)
	var errs []error
	for i, se := range append([]SecurityEntry{gw}, c.Security...) {
		e, err := se.Entry()
		if err != nil {
			name := "server"
			if i > 0 {
				name = fmt.Sprintf("security[%d]", i-1)
			}
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		entries = append(entries, e)
	}
	if len(errs) > 0 {
		return nil, client.Wrap(client.CodeConfigurationInvalidSecurity, "invalid security configuration", errors.Join(errs...))
	}
	return entries, nil
}

// Entry converts se, checking it the way security.Policy.Register does.
func (se SecurityEntry) Entry() (security.Entry, error) {
	mode, err := security.ParsePinningMode(se.Mode)
	if err != nil {
		return security.Entry{}, err
	}
	e := security.Entry{
		Host:                     se.Host,
		Port:                     se.Port,
		Mode:                     mode,
		Hashes:                   se.PublicKeyHashes,
		ValidateDomainName:       se.ValidateDomainName,
		ValidateCertificateChain: se.ValidateCertificateChain,
		TrustPublicPKI:           se.TrustPublicPKI,
		Public:                   se.Public,
	}
	for _, p := range se.Certificates {
		certs, err := security.ParseCertificatesPEM([]byte(p))
		if err != nil {
			return security.Entry{}, err
		}
		e.Certificates = append(e.Certificates, certs...)
	}
	if err := security.NewPolicy().Register(e); err != nil {
		return security.Entry{}, err
	}
	return e, nil
}
