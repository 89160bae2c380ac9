// Package client is the session core: it keeps the application, device and
// user registered with the gateway, holds the token ledger, and injects the
// session into outgoing requests.
package client

import (
	"crypto"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"time"
)

// TokenRecord holds the current grant.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	TokenType    string    `json:"token_type,omitempty"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	IDToken      string    `json:"id_token,omitempty"`
	IDTokenType  string    `json:"id_token_type,omitempty"`
	ExpiresIn    int64     `json:"expires_in"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        []string  `json:"scope,omitempty"`
}

// IsExpired returns true if the access token has expired at now
func (r *TokenRecord) IsExpired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// IsExpiringSoon returns true if the token expires within the given duration
func (r *TokenRecord) IsExpiringSoon(now time.Time, within time.Duration) bool {
	return !now.Add(within).Before(r.ExpiresAt)
}

// HasRefreshToken returns true if a refresh token is available
func (r *TokenRecord) HasRefreshToken() bool {
	return r.RefreshToken != ""
}

// HasScope reports whether every scope in required was granted.
func (r *TokenRecord) HasScope(required []string) bool {
	return ContainsAllScopes(r.Scope, required)
}

// ApplicationRecord is the client registration.
type ApplicationRecord struct {
	ClientID     string    `json:"client_id"`
	ClientSecret string    `json:"client_secret,omitempty"`
	Expiration   time.Time `json:"client_expiration,omitempty"`
	Scopes       []string  `json:"scopes,omitempty"`
	Dynamic      bool      `json:"dynamic,omitempty"`
}

// IsExpired reports whether the client credentials lapsed. A zero expiration
// never expires.
func (a *ApplicationRecord) IsExpired(now time.Time) bool {
	return !a.Expiration.IsZero() && !now.Before(a.Expiration)
}

// IsRegistered reports whether the record carries a client id.
func (a *ApplicationRecord) IsRegistered() bool {
	return a != nil && a.ClientID != ""
}

// DeviceRecord is the device identity issued by the gateway.
type DeviceRecord struct {
	DeviceID    string    `json:"device_id"`
	Identifier  string    `json:"mag_identifier"`
	Name        string    `json:"name,omitempty"`
	Status      string    `json:"status,omitempty"`
	Registered  bool      `json:"registered"`
	Locked      bool      `json:"locked,omitempty"`
	Certificate []byte    `json:"certificate,omitempty"`
	PrivateKey  []byte    `json:"private_key,omitempty"`
	CertExpiry  time.Time `json:"certificate_expiry,omitempty"`
	Username    string    `json:"username,omitempty"`
}

// IsRegistered reports whether the gateway has issued an identity.
func (d *DeviceRecord) IsRegistered() bool {
	return d != nil && d.Registered && d.Identifier != ""
}

// CertificateExpiresWithin reports whether the client certificate lapses
// within window of now.
func (d *DeviceRecord) CertificateExpiresWithin(now time.Time, window time.Duration) bool {
	if d == nil || d.CertExpiry.IsZero() {
		return false
	}
	return !now.Add(window).Before(d.CertExpiry)
}

// TLSCertificate builds the mutual TLS identity for the device.
func (d *DeviceRecord) TLSCertificate() (*tls.Certificate, error) {
	if d == nil || len(d.Certificate) == 0 || len(d.PrivateKey) == 0 {
		return nil, nil
	}
	leaf, err := x509.ParseCertificate(d.Certificate)
	if err != nil {
		return nil, fmt.Errorf("parse device certificate: %w", err)
	}
	key, err := x509.ParsePKCS8PrivateKey(d.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("parse device key: %w", err)
	}
	return &tls.Certificate{
		Certificate: [][]byte{d.Certificate},
		PrivateKey:  key,
		Leaf:        leaf,
	}, nil
}

// Signer returns the device private key and certificate.
func (d *DeviceRecord) Signer() (crypto.Signer, *x509.Certificate, error) {
	c, err := d.TLSCertificate()
	if err != nil {
		return nil, nil, err
	}
	if c == nil {
		return nil, nil, NewError(CodeDeviceNotRegistered, "device has no certificate")
	}
	signer, ok := c.PrivateKey.(crypto.Signer)
	if !ok {
		return nil, nil, fmt.Errorf("device key %T cannot sign", c.PrivateKey)
	}
	return signer, c.Leaf, nil
}

// UserRecord is the signed-in user.
type UserRecord struct {
	Username      string         `json:"username"`
	Subject       string         `json:"sub,omitempty"`
	Profile       map[string]any `json:"profile,omitempty"`
	Current       bool           `json:"current"`
	SessionLocked bool           `json:"session_locked,omitempty"`
}

func cloneJSON[T any](v *T) *T {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}
