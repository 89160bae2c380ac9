package client

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/singleflight"

	"github.com/panyam/mobileauth/idtoken"
)

// DefaultRenewalWindow is how long before expiry the device certificate is
// renewed.
const DefaultRenewalWindow = 30 * 24 * time.Hour

// Validator runs the session walk: application, device, renewal, tokens,
// lock. One walk runs at a time; concurrent callers asking for the same
// scope share its result.
type Validator struct {
	registry *Registry
	ledger   *Ledger
	gateway  Gateway
	flow     string
	scopes   []string
	window   time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
	tracer   trace.Tracer
	notifier *Notifier

	mu       sync.Mutex
	provider CredentialProvider
	held     Credentials
	keys     idtoken.KeySource

	flights singleflight.Group
	walkSem chan struct{}

	renewals singleflight.Group
	renewWG  sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
	closed   bool // guarded by mu
}

// ValidatorConfig wires a Validator.
type ValidatorConfig struct {
	Registry *Registry
	Ledger   *Ledger
	Gateway  Gateway
	// Flow is the grant used for device registration and login when no
	// material is held: GrantClientCredentials or GrantPassword.
	Flow          string
	Scopes        []string
	RenewalWindow time.Duration
	Clock         clockwork.Clock
	Logger        *slog.Logger
	Tracer        trace.Tracer
	Notifier      *Notifier
}

func NewValidator(cfg ValidatorConfig) *Validator {
	v := &Validator{
		registry: cfg.Registry,
		ledger:   cfg.Ledger,
		gateway:  cfg.Gateway,
		flow:     cfg.Flow,
		scopes:   slices.Clone(cfg.Scopes),
		window:   cfg.RenewalWindow,
		clock:    cfg.Clock,
		logger:   cfg.Logger,
		tracer:   cfg.Tracer,
		notifier: cfg.Notifier,
		walkSem:  make(chan struct{}, 1),
	}
	if v.flow == "" {
		v.flow = GrantPassword
	}
	if v.window <= 0 {
		v.window = DefaultRenewalWindow
	}
	if v.clock == nil {
		v.clock = clockwork.NewRealClock()
	}
	if v.logger == nil {
		v.logger = slog.Default()
	}
	if v.tracer == nil {
		v.tracer = noop.NewTracerProvider().Tracer("")
	}
	v.bgCtx, v.bgCancel = context.WithCancel(context.Background())
	return v
}

// SetCredentialProvider installs the host's interactive callback.
func (v *Validator) SetCredentialProvider(p CredentialProvider) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.provider = p
}

// SetCredentials holds material for the next registration or login.
// Non-reusable material is dropped after one walk uses it.
func (v *Validator) SetCredentials(c Credentials) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.held = c
}

// SetIDTokenKeys sets the keys id_tokens are verified with. Without keys the
// client secret is used as the HMAC key.
func (v *Validator) SetIDTokenKeys(k idtoken.KeySource) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.keys = k
}

// Close stops background renewals and waits for them.
func (v *Validator) Close() {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.bgCancel()
	v.renewWG.Wait()
}

// Exclusive runs fn while no walk is in progress. Walks started meanwhile
// wait for fn to return.
func (v *Validator) Exclusive(ctx context.Context, fn func(context.Context) error) error {
	if err := v.acquire(ctx); err != nil {
		return err
	}
	defer v.release()
	return fn(ctx)
}

// EnsureValidSession returns once the session can serve a request needing
// scope. Callers arriving while a walk for the same scope is in flight wait
// for it instead of starting another. Abandoning the wait through ctx does
// not cancel the shared walk.
func (v *Validator) EnsureValidSession(ctx context.Context, scope []string) error {
	key := "ensure|" + JoinScopes(normalizeScope(scope))
	ch := v.flights.DoChan(key, func() (any, error) {
		wctx := context.WithoutCancel(ctx)
		if err := v.acquire(wctx); err != nil {
			return nil, err
		}
		defer v.release()
		return nil, v.walk(wctx, scope, nil)
	})
	select {
	case <-ctx.Done():
		return Wrap(CodeNetworkRequestCancelled, "session validation abandoned", ctx.Err())
	case res := <-ch:
		return res.Err
	}
}

// ValidateWithCredentials runs the walk signing in with creds instead of
// held material.
func (v *Validator) ValidateWithCredentials(ctx context.Context, creds Credentials) error {
	if creds == nil {
		return NewError(CodeCredentialsNotProvided, "no credentials")
	}
	if err := v.acquire(ctx); err != nil {
		return err
	}
	defer v.release()
	return v.walk(ctx, nil, creds)
}

func (v *Validator) acquire(ctx context.Context) error {
	select {
	case v.walkSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return Wrap(CodeNetworkRequestCancelled, "session validation abandoned", ctx.Err())
	}
}

func (v *Validator) release() { <-v.walkSem }

// walkState carries material through one walk.
type walkState struct {
	creds    Credentials
	explicit bool
	usedHeld bool
	// consumed is set when creds registered the device in this walk.
	consumed bool
}

func (v *Validator) walk(ctx context.Context, scope []string, explicit Credentials) (err error) {
	ctx, span := v.tracer.Start(ctx, "mobileauth.session.validate",
		trace.WithAttributes(attribute.String("scope", JoinScopes(scope))))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("code", string(GetCode(err))))
		}
		span.End()
	}()

	w := &walkState{creds: explicit, explicit: explicit != nil}
	defer v.discardUsed(w)
	now := v.clock.Now()

	// 1, 2: application
	app, err := v.registry.Application(ctx)
	if err != nil {
		return err
	}
	switch {
	case !app.IsRegistered():
		span.AddEvent("register_application")
		if _, err := v.registry.RegisterApplication(ctx); err != nil {
			return err
		}
	case app.IsExpired(now):
		span.AddEvent("renew_application")
		v.logger.InfoContext(ctx, "client credentials expired, re-registering", "client_id", app.ClientID, "step", 2)
		if _, err := v.registry.RegisterApplication(ctx); err != nil {
			return err
		}
	}

	// 3: device
	dev, err := v.registry.Device(ctx)
	if err != nil {
		return err
	}
	if !dev.IsRegistered() {
		span.AddEvent("register_device")
		creds, err := v.registrationCredentials(ctx, w)
		if err != nil {
			return err
		}
		if dev, err = v.registry.RegisterDevice(ctx, creds); err != nil {
			return err
		}
		w.consumed = w.creds != nil
	}

	// 4: certificate renewal, off the request path
	if dev.CertificateExpiresWithin(now, v.window) {
		span.AddEvent("renew_certificate")
		v.renewInBackground()
	}

	// 5, 6: tokens, unless sealed
	if v.ledger.IsLocked(ctx) {
		return NewError(CodeUserSessionIsCurrentlyLocked, "session is locked")
	}
	return v.ensureToken(ctx, span, scope, w)
}

func (v *Validator) discardUsed(w *walkState) {
	if !w.usedHeld {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.held != nil && !v.held.IsReusable() {
		v.held = nil
	}
}

// registrationCredentials picks the material that registers the device.
func (v *Validator) registrationCredentials(ctx context.Context, w *walkState) (Credentials, error) {
	if w.creds != nil {
		return w.creds, nil
	}
	if v.flow == GrantClientCredentials {
		return ClientCredentials{}, nil
	}
	c, err := v.material(ctx, w, ReasonDeviceRegistration, nil)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// material returns held material, or asks the host for it.
func (v *Validator) material(ctx context.Context, w *walkState, reason CredentialReason, prev error) (Credentials, error) {
	v.mu.Lock()
	held, provider := v.held, v.provider
	v.mu.Unlock()
	if held != nil && prev == nil {
		w.creds, w.usedHeld = held, true
		return held, nil
	}
	if provider == nil {
		return nil, NewError(CodeCredentialsNotProvided, "no credentials available and no credential provider")
	}
	c, err := provider.Credentials(ctx, CredentialRequest{Reason: reason, GrantType: v.flow, Err: prev})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, Wrap(CodeAuthenticationProviderCancelled, "credential request cancelled", err)
		}
		var e *Error
		if errors.As(err, &e) {
			return nil, err
		}
		return nil, Wrap(CodeAuthenticationProviderCancelled, "credential provider failed", err)
	}
	if c == nil {
		return nil, NewError(CodeCredentialsNotProvided, "credential provider returned no credentials")
	}
	w.creds = c
	if c.IsReusable() {
		v.mu.Lock()
		v.held = c
		v.mu.Unlock()
	}
	return c, nil
}

// ensureToken is step 5: refresh, then id_token re-login, then full login.
func (v *Validator) ensureToken(ctx context.Context, span trace.Span, scope []string, w *walkState) error {
	rec, err := v.ledger.Current(ctx)
	if err != nil {
		return err
	}
	now := v.clock.Now()
	if !w.explicit && rec != nil && rec.AccessToken != "" && !rec.IsExpired(now) && rec.HasScope(scope) {
		return nil
	}

	client, err := v.registry.ClientAuth(ctx)
	if err != nil {
		return err
	}
	want := v.requestScope(scope)
	grant := func(c Credentials) (*TokenRecord, error) {
		v.ledger.SetRequestingScope(want)
		resp, err := v.gateway.Token(ctx, GrantRequest{
			Client:      client,
			Credentials: c,
			Scope:       want,
			Identifier:  v.registry.Identifier(ctx),
		})
		if err != nil {
			return nil, err
		}
		return v.ledger.Store(ctx, resp)
	}

	// a: refresh
	if !w.explicit && rec != nil && rec.RefreshToken != "" {
		span.AddEvent("refresh_token")
		if _, err := grant(&RefreshToken{Token: rec.RefreshToken}); err == nil {
			v.notifier.Publish(Event{Type: EventTokenRefreshed, Time: v.clock.Now()})
			return nil
		} else if IsKind(err, KindNetwork) || isTerminalCredentialError(err) {
			return err
		} else {
			v.logger.InfoContext(ctx, "refresh grant failed", "code", GetCode(err), "step", 5)
		}
	}

	// b: id_token, skipped for fresh explicit material
	if !w.explicit || (w.consumed && !w.creds.IsReusable()) {
		if ok, err := v.loginWithIDToken(ctx, span, grant); ok || err != nil {
			return err
		}
	}

	// c: full login
	creds := w.creds
	if creds == nil {
		if v.flow == GrantClientCredentials {
			creds = ClientCredentials{}
		} else if creds, err = v.material(ctx, w, ReasonLogin, nil); err != nil {
			return err
		}
	}
	span.AddEvent("login", trace.WithAttributes(attribute.String("grant_type", creds.GrantType())))
	if _, err := grant(creds); err != nil {
		v.logger.WarnContext(ctx, "login failed", "grant_type", creds.GrantType(), "code", GetCode(err), "step", 5)
		return err
	}
	if u := usernameOf(creds); u != "" {
		if err := v.registry.SetCurrentUser(ctx, u, ""); err != nil {
			return err
		}
	}
	v.notifier.Publish(Event{Type: EventUserAuthenticated, Time: v.clock.Now(),
		Attrs: map[string]string{"grant_type": creds.GrantType()}})
	return nil
}

// loginWithIDToken tries the jwt-bearer grant with the stored id_token. It
// reports ok when the grant succeeded. An expired or unusable id_token makes
// it step aside; a forged or misdirected one is terminal and is dropped.
func (v *Validator) loginWithIDToken(ctx context.Context, span trace.Span, grant func(Credentials) (*TokenRecord, error)) (bool, error) {
	token, tokenType, err := v.ledger.IDToken(ctx)
	if err != nil || token == "" {
		return false, err
	}
	svc, err := v.idTokenService(ctx)
	if err != nil {
		return false, err
	}
	if _, err := svc.Validate(ctx, token, "", false); err != nil {
		code := idTokenCode(err)
		v.logger.InfoContext(ctx, "stored id_token rejected", "code", code, "step", 5)
		switch code {
		case CodeIDTokenInvalidSignature, CodeIDTokenInvalidAud, CodeIDTokenInvalidAzp:
			if cerr := v.ledger.ClearForExpiration(ctx); cerr != nil {
				return false, cerr
			}
			return false, Wrap(code, "stored id_token is not trusted", err)
		}
		return false, nil
	}
	span.AddEvent("id_token_login")
	if _, err := grant(&JWTBearer{Assertion: token, TokenType: tokenType}); err != nil {
		if IsKind(err, KindNetwork) {
			return false, err
		}
		v.logger.InfoContext(ctx, "id_token grant failed", "code", GetCode(err), "step", 5)
		return false, nil
	}
	v.notifier.Publish(Event{Type: EventUserAuthenticated, Time: v.clock.Now(),
		Attrs: map[string]string{"grant_type": GrantJWTBearer}})
	return true, nil
}

func (v *Validator) idTokenService(ctx context.Context) (*idtoken.Service, error) {
	app, err := v.registry.Application(ctx)
	if err != nil {
		return nil, err
	}
	if !app.IsRegistered() {
		return nil, NewError(CodeApplicationNotRegistered, "application is not registered")
	}
	v.mu.Lock()
	keys := v.keys
	v.mu.Unlock()
	if keys == nil {
		keys = idtoken.StaticKeys{HMACSecret: []byte(app.ClientSecret)}
	}
	return idtoken.New(app.ClientID, keys, idtoken.WithClock(v.clock), idtoken.WithLogger(v.logger)), nil
}

// ValidateIDToken checks a token against the registered client.
func (v *Validator) ValidateIDToken(ctx context.Context, token string) (map[string]any, error) {
	svc, err := v.idTokenService(ctx)
	if err != nil {
		return nil, err
	}
	claims, err := svc.Validate(ctx, token, "", false)
	if err != nil {
		return nil, Wrap(idTokenCode(err), "id_token rejected", err)
	}
	return claims, nil
}

func idTokenCode(err error) Code {
	switch {
	case errors.Is(err, idtoken.ErrExpired):
		return CodeIDTokenExpired
	case errors.Is(err, idtoken.ErrInvalidSignature):
		return CodeIDTokenInvalidSignature
	case errors.Is(err, idtoken.ErrInvalidAud):
		return CodeIDTokenInvalidAud
	case errors.Is(err, idtoken.ErrInvalidAzp):
		return CodeIDTokenInvalidAzp
	case errors.Is(err, idtoken.ErrMalformed):
		return CodeJWTMalformed
	case errors.Is(err, idtoken.ErrSerialization):
		return CodeJWTSerialization
	case errors.Is(err, idtoken.ErrInvalidClaims):
		return CodeJWTInvalidClaims
	default:
		return CodeIDTokenInvalid
	}
}

// requestScope merges the configured scopes with the required ones.
func (v *Validator) requestScope(required []string) []string {
	return MergeScopes(v.scopes, required)
}

// renewInBackground renews the device certificate without holding up the
// walk. Concurrent triggers share one renewal; failures are published.
func (v *Validator) renewInBackground() {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.renewWG.Add(1)
	v.mu.Unlock()
	go func() {
		defer v.renewWG.Done()
		_, err, shared := v.renewals.Do("renew", func() (any, error) {
			return v.registry.RenewDevice(v.bgCtx)
		})
		if err != nil && !shared {
			v.logger.Warn("device certificate renewal failed", "code", GetCode(err), "step", 4)
			v.notifier.Publish(Event{Type: EventCertificateRenewalFailed, Time: v.clock.Now(), Err: err})
		}
	}()
}
