package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/panyam/mobileauth/keychain"
)

// Keychain item names for the identity records. The device lives in the
// shared namespace so apps of the same group present one identity.
const (
	keyApplication = "application"
	keyDevice      = "device"
	keyDeviceID    = "device_id"
	keyUsers       = "users"
)

// RegistryConfig is the static part of the application identity.
type RegistryConfig struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Dynamic asks the gateway for per-install client credentials.
	Dynamic      bool
	DeviceName   string
	Organization string
}

// Registry owns the application, device and user records and enforces the
// registration chain: application, then device, then user.
type Registry struct {
	mu       sync.Mutex
	cfg      RegistryConfig
	kc       *keychain.Keychain
	ledger   *Ledger
	gateway  Gateway
	clock    clockwork.Clock
	logger   *slog.Logger
	notifier *Notifier

	cert            atomic.Pointer[tls.Certificate]
	identityChanged func()
}

func NewRegistry(cfg RegistryConfig, kc *keychain.Keychain, ledger *Ledger, gw Gateway, clock clockwork.Clock, logger *slog.Logger, n *Notifier) *Registry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:      cfg,
		kc:       kc,
		ledger:   ledger,
		gateway:  gw,
		clock:    clock,
		logger:   logger,
		notifier: n,
	}
}

// OnIdentityChange sets fn to run whenever the device certificate changes,
// so pooled connections made with the old identity can be dropped.
func (r *Registry) OnIdentityChange(fn func()) {
	r.identityChanged = fn
}

// resetIdentity drops the cached certificate. Callers hold r.mu.
func (r *Registry) resetIdentity() {
	r.cert.Store(nil)
	if r.identityChanged != nil {
		r.identityChanged()
	}
}

func (r *Registry) publish(t EventType, attrs map[string]string, err error) {
	r.notifier.Publish(Event{Type: t, Time: r.clock.Now(), Attrs: attrs, Err: err})
}

// Application returns the application record, or nil.
func (r *Registry) Application(ctx context.Context) (*ApplicationRecord, error) {
	var app ApplicationRecord
	ok, err := r.kc.GetJSON(ctx, keychain.Local, keyApplication, &app)
	if err != nil || !ok {
		return nil, err
	}
	return &app, nil
}

// Device returns the device record, or nil.
func (r *Registry) Device(ctx context.Context) (*DeviceRecord, error) {
	var dev DeviceRecord
	ok, err := r.kc.GetJSON(ctx, keychain.Shared, keyDevice, &dev)
	if err != nil || !ok {
		return nil, err
	}
	return &dev, nil
}

// ClientAuth returns the credentials of the registered application.
func (r *Registry) ClientAuth(ctx context.Context) (ClientAuth, error) {
	app, err := r.Application(ctx)
	if err != nil {
		return ClientAuth{}, err
	}
	if !app.IsRegistered() {
		return ClientAuth{}, NewError(CodeApplicationNotRegistered, "application is not registered")
	}
	return ClientAuth{ID: app.ClientID, Secret: app.ClientSecret}, nil
}

// Identifier returns the mag-identifier of the registered device.
func (r *Registry) Identifier(ctx context.Context) string {
	dev, err := r.Device(ctx)
	if err != nil || !dev.IsRegistered() {
		return ""
	}
	return dev.Identifier
}

// RegisterApplication records the application credentials. Static
// credentials are stored as configured; dynamic ones come from the gateway.
func (r *Registry) RegisterApplication(ctx context.Context) (*ApplicationRecord, error) {
	if r.cfg.ClientID == "" {
		return nil, NewError(CodeConfigurationMissingParameter, "client id is not configured")
	}
	app := &ApplicationRecord{
		ClientID:     r.cfg.ClientID,
		ClientSecret: r.cfg.ClientSecret,
		Scopes:       slices.Clone(r.cfg.Scopes),
		Dynamic:      r.cfg.Dynamic,
	}
	if r.cfg.Dynamic {
		reg, err := r.gateway.RegisterClient(ctx, ClientRegistrationRequest{ClientID: r.cfg.ClientID, Scope: r.cfg.Scopes})
		if err != nil {
			r.logger.WarnContext(ctx, "application registration failed", "client_id", r.cfg.ClientID, "code", GetCode(err))
			return nil, Wrap(CodeApplicationNotRegistered, "application registration failed", err)
		}
		app.ClientID = reg.ClientID
		app.ClientSecret = reg.ClientSecret
		app.Expiration = reg.Expiration
	}

	r.mu.Lock()
	err := r.kc.SetJSON(ctx, keychain.Local, keyApplication, app)
	r.mu.Unlock()
	if err != nil {
		return nil, Wrap(CodeApplicationNotRegistered, "unable to store application record", err)
	}
	r.logger.InfoContext(ctx, "application registered", "client_id", app.ClientID, "dynamic", app.Dynamic)
	r.publish(EventApplicationRegistered, map[string]string{"client_id": app.ClientID}, nil)
	return app, nil
}

// installID returns the stable device id of this install, creating it on
// first use.
func (r *Registry) installID(ctx context.Context) (string, error) {
	id, ok, err := r.kc.GetString(ctx, keychain.Shared, keyDeviceID)
	if err != nil {
		return "", err
	}
	if ok && id != "" {
		return id, nil
	}
	id = uuid.NewString()
	return id, r.kc.SetString(ctx, keychain.Shared, keyDeviceID, id)
}

// RegisterDevice registers this install with creds, which default to the
// client credentials grant.
func (r *Registry) RegisterDevice(ctx context.Context, creds Credentials) (*DeviceRecord, error) {
	client, err := r.ClientAuth(ctx)
	if err != nil {
		return nil, err
	}
	if dev, err := r.Device(ctx); err != nil {
		return nil, err
	} else if dev.IsRegistered() {
		return nil, NewError(CodeDeviceAlreadyRegistered, "device is already registered")
	}
	if creds == nil {
		creds = ClientCredentials{}
	}
	if !creds.CanRegisterDevice() {
		return nil, Errorf(CodeCredentialsCannotRegisterDevice, "%s credentials cannot register a device", creds.GrantType())
	}

	deviceID, err := r.installID(ctx)
	if err != nil {
		return nil, err
	}
	username := usernameOf(creds)
	cn := username
	if cn == "" {
		cn = client.ID
	}
	key, err := newDeviceKey(cn, deviceID, r.cfg.Organization)
	if err != nil {
		return nil, err
	}

	reg, err := r.gateway.RegisterDevice(ctx, DeviceRegistrationRequest{
		Client:      client,
		DeviceID:    deviceID,
		DeviceName:  r.cfg.DeviceName,
		CSR:         key.CSR,
		Credentials: creds,
	})
	if err != nil {
		r.logger.WarnContext(ctx, "device registration failed", "grant_type", creds.GrantType(), "code", GetCode(err))
		return nil, err
	}
	leaf, err := x509.ParseCertificate(reg.Certificate)
	if err != nil {
		return nil, Wrap(CodeNetworkUnexpectedResponse, "gateway returned an invalid certificate", err)
	}
	if reg.Identifier == "" {
		return nil, NewError(CodeNetworkUnexpectedResponse, "gateway returned no device identifier")
	}

	dev := &DeviceRecord{
		DeviceID:    deviceID,
		Identifier:  reg.Identifier,
		Name:        r.cfg.DeviceName,
		Status:      reg.Status,
		Registered:  true,
		Locked:      reg.Status == "locked",
		Certificate: reg.Certificate,
		PrivateKey:  key.PKCS8,
		CertExpiry:  leaf.NotAfter,
		Username:    username,
	}
	r.mu.Lock()
	err = r.kc.SetJSON(ctx, keychain.Shared, keyDevice, dev)
	r.resetIdentity()
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if reg.IDToken != "" {
		if err := r.ledger.StoreIDToken(ctx, reg.IDToken, reg.IDTokenType); err != nil {
			return nil, err
		}
	}
	if username != "" {
		if err := r.SetCurrentUser(ctx, username, ""); err != nil {
			return nil, err
		}
	}
	r.logger.InfoContext(ctx, "device registered", "device_id", deviceID, "grant_type", creds.GrantType())
	r.publish(EventDeviceRegistered, map[string]string{"device_id": deviceID, "mag_identifier": reg.Identifier}, nil)
	return dev, nil
}

// RenewDevice replaces the client certificate. The gateway authenticates the
// request with the current certificate; the new key is only stored once the
// gateway has signed it.
func (r *Registry) RenewDevice(ctx context.Context) (*DeviceRecord, error) {
	client, err := r.ClientAuth(ctx)
	if err != nil {
		return nil, err
	}
	dev, err := r.Device(ctx)
	if err != nil {
		return nil, err
	}
	if !dev.IsRegistered() {
		return nil, NewError(CodeDeviceNotRegistered, "device is not registered")
	}
	cn := dev.Username
	if cn == "" {
		cn = client.ID
	}
	key, err := newDeviceKey(cn, dev.DeviceID, r.cfg.Organization)
	if err != nil {
		return nil, err
	}
	reg, err := r.gateway.RenewDevice(ctx, DeviceRequest{
		Client:     client,
		Identifier: dev.Identifier,
		DeviceID:   dev.DeviceID,
		CSR:        key.CSR,
	})
	if err != nil {
		if !IsCode(err, CodeDeviceCertificateRenewalFailed) {
			err = Wrap(CodeDeviceCertificateRenewalFailed, "certificate renewal failed", err)
		}
		return nil, err
	}
	leaf, err := x509.ParseCertificate(reg.Certificate)
	if err != nil {
		return nil, Wrap(CodeDeviceCertificateRenewalFailed, "gateway returned an invalid certificate", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	current, err := r.Device(ctx)
	if err != nil {
		return nil, err
	}
	if !current.IsRegistered() || current.Identifier != dev.Identifier {
		return nil, NewError(CodeDeviceCertificateRenewalFailed, "device changed during renewal")
	}
	current.Certificate = reg.Certificate
	current.PrivateKey = key.PKCS8
	current.CertExpiry = leaf.NotAfter
	if reg.Status != "" {
		current.Status = reg.Status
		current.Locked = reg.Status == "locked"
	}
	if err := r.kc.SetJSON(ctx, keychain.Shared, keyDevice, current); err != nil {
		return nil, err
	}
	r.resetIdentity()
	r.logger.InfoContext(ctx, "device certificate renewed", "device_id", current.DeviceID, "expires", leaf.NotAfter)
	r.publish(EventDeviceRenewed, map[string]string{"device_id": current.DeviceID}, nil)
	return current, nil
}

// Deregister removes the device from the gateway and, only once that
// succeeded, forgets the device, its users and their tokens locally. When
// the remote call fails nothing local is touched.
func (r *Registry) Deregister(ctx context.Context) error {
	client, err := r.ClientAuth(ctx)
	if err != nil {
		return err
	}
	dev, err := r.Device(ctx)
	if err != nil {
		return err
	}
	if !dev.IsRegistered() {
		return NewError(CodeDeviceNotRegistered, "device is not registered")
	}

	if err := r.gateway.DeregisterDevice(ctx, DeviceRequest{Client: client, Identifier: dev.Identifier, DeviceID: dev.DeviceID}); err != nil {
		r.logger.WarnContext(ctx, "device deregistration failed", "device_id", dev.DeviceID, "code", GetCode(err))
		if !IsCode(err, CodeDeviceCouldNotBeDeregistered) {
			err = Wrap(CodeDeviceCouldNotBeDeregistered, "gateway refused deregistration", err)
		}
		return err
	}

	r.mu.Lock()
	err = errors.Join(
		r.kc.Delete(ctx, keychain.Shared, keyDevice),
		r.kc.Delete(ctx, keychain.Local, keyUsers),
		r.ledger.ClearAll(ctx),
	)
	r.resetIdentity()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "device deregistered", "device_id", dev.DeviceID)
	r.publish(EventDeviceDeregistered, map[string]string{"device_id": dev.DeviceID}, nil)
	return nil
}

// ResetLocally wipes every record without contacting the gateway. Use it to
// recover from corrupted state.
func (r *Registry) ResetLocally(ctx context.Context) error {
	r.mu.Lock()
	err := errors.Join(
		r.kc.Delete(ctx, keychain.Shared, keyDevice),
		r.kc.Delete(ctx, keychain.Shared, keyDeviceID),
		r.kc.Delete(ctx, keychain.Local, keyUsers),
		r.kc.Delete(ctx, keychain.Local, keyApplication),
		r.ledger.ClearAll(ctx),
	)
	r.resetIdentity()
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.logger.InfoContext(ctx, "local session reset")
	r.publish(EventSessionReset, nil, nil)
	return nil
}

func (r *Registry) users(ctx context.Context) (map[string]*UserRecord, error) {
	users := map[string]*UserRecord{}
	if _, err := r.kc.GetJSON(ctx, keychain.Local, keyUsers, &users); err != nil {
		return nil, err
	}
	return users, nil
}

// SetCurrentUser marks username as the current user, un-marking any other.
func (r *Registry) SetCurrentUser(ctx context.Context, username, subject string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, err := r.users(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		u.Current = false
	}
	u, ok := users[username]
	if !ok {
		u = &UserRecord{Username: username}
		users[username] = u
	}
	u.Current = true
	if subject != "" {
		u.Subject = subject
	}
	return r.kc.SetJSON(ctx, keychain.Local, keyUsers, users)
}

// CurrentUser returns the current user, or nil.
func (r *Registry) CurrentUser(ctx context.Context) (*UserRecord, error) {
	users, err := r.users(ctx)
	if err != nil {
		return nil, err
	}
	for _, u := range users {
		if u.Current {
			return u, nil
		}
	}
	return nil, nil
}

func (r *Registry) updateCurrentUser(ctx context.Context, fn func(*UserRecord)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	users, err := r.users(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		if u.Current {
			fn(u)
		}
	}
	return r.kc.SetJSON(ctx, keychain.Local, keyUsers, users)
}

// IsAuthenticated reports a valid access token on an unlocked session.
func (r *Registry) IsAuthenticated(ctx context.Context) bool {
	return !r.ledger.IsLocked(ctx) && r.ledger.IsAccessTokenValid(ctx)
}

// LockSession seals the tokens. Locking a locked session is a no-op.
func (r *Registry) LockSession(ctx context.Context) error {
	if r.ledger.IsLocked(ctx) {
		return nil
	}
	if err := r.ledger.Lock(ctx); err != nil {
		return err
	}
	if err := r.updateCurrentUser(ctx, func(u *UserRecord) { u.SessionLocked = true }); err != nil {
		return err
	}
	r.publish(EventSessionLocked, nil, nil)
	return nil
}

// UnlockSession prompts the device owner and restores the sealed tokens.
func (r *Registry) UnlockSession(ctx context.Context) error {
	if !r.ledger.IsLocked(ctx) {
		return NewError(CodeUserSessionIsAlreadyUnlocked, "session is not locked")
	}
	if err := r.ledger.Unlock(ctx); err != nil {
		return err
	}
	if err := r.updateCurrentUser(ctx, func(u *UserRecord) { u.SessionLocked = false }); err != nil {
		return err
	}
	r.publish(EventSessionUnlocked, nil, nil)
	return nil
}

func (r *Registry) IsSessionLocked(ctx context.Context) bool {
	return r.ledger.IsLocked(ctx)
}

// Logout ends the session on the gateway, revokes the refresh token and then
// clears the user's tokens. With force, local state is cleared even when the
// gateway cannot be reached.
func (r *Registry) Logout(ctx context.Context, force bool) error {
	locked := r.ledger.IsLocked(ctx)
	if locked && !force {
		return NewError(CodeUserSessionIsCurrentlyLocked, "unlock the session before logging out")
	}
	client, err := r.ClientAuth(ctx)
	if err != nil && !force {
		return err
	}

	var remoteErr error
	if err == nil && !locked {
		rec, err := r.ledger.Current(ctx)
		if err != nil {
			return err
		}
		if rec != nil {
			remoteErr = r.gateway.Logout(ctx, LogoutRequest{
				Client:      client,
				Identifier:  r.Identifier(ctx),
				IDToken:     rec.IDToken,
				IDTokenType: rec.IDTokenType,
			})
			if remoteErr == nil && rec.RefreshToken != "" {
				remoteErr = r.gateway.Revoke(ctx, RevokeRequest{Client: client, Token: rec.RefreshToken, TokenTypeHint: "refresh_token"})
			}
		}
	}
	if remoteErr != nil {
		r.logger.WarnContext(ctx, "remote logout failed", "code", GetCode(remoteErr), "force", force)
		if !force {
			return remoteErr
		}
	}

	wipe := r.ledger.ClearForLogout
	if locked {
		wipe = r.ledger.ClearAll
	}
	if err := wipe(ctx); err != nil {
		return err
	}
	if err := r.updateCurrentUser(ctx, func(u *UserRecord) { u.Current, u.SessionLocked = false, false }); err != nil {
		return err
	}
	r.publish(EventUserLoggedOut, nil, remoteErr)
	return nil
}

// ClientCertificate returns the device certificate for mutual TLS, or nil
// before the device is registered. It does not take the registry lock so
// the transport can use it while a registration call is in flight.
func (r *Registry) ClientCertificate() (*tls.Certificate, error) {
	dev, err := r.Device(context.Background())
	if err != nil || dev == nil {
		return nil, err
	}
	if c := r.cert.Load(); c != nil && bytes.Equal(c.Certificate[0], dev.Certificate) {
		return c, nil
	}
	c, err := dev.TLSCertificate()
	if err != nil || c == nil {
		return nil, err
	}
	r.cert.Store(c)
	return c, nil
}
