package client

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net/http"
	"slices"
	"time"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/panyam/mobileauth/idtoken"
	"github.com/panyam/mobileauth/keychain"
	"github.com/panyam/mobileauth/security"
)

// DefaultGatewayTimeout bounds each call to the gateway.
const DefaultGatewayTimeout = 30 * time.Second

const tracerName = "github.com/panyam/mobileauth/client"

// Config is what a Session needs to know about the application and gateway.
type Config struct {
	ClientID     string
	ClientSecret string
	Scopes       []string
	// Dynamic registers per-install client credentials.
	Dynamic bool
	// Flow is GrantPassword (default) or GrantClientCredentials.
	Flow         string
	Endpoints    Endpoints
	DeviceName   string
	Organization string
	// CustomHeaders are added to every gateway call and API request.
	CustomHeaders http.Header
	// StepUpCodes and TokenInvalidCodes are x-ca-err values that signal a
	// step-up challenge or a rejected access token.
	StepUpCodes       []string
	TokenInvalidCodes []string
	RenewalWindow     time.Duration
}

// Session is one authenticated application instance: its identity records,
// tokens and the pipeline that injects them into requests.
type Session struct {
	cfg        Config
	kc         *keychain.Keychain
	policy     *security.Policy
	gateway    Gateway
	notifier   *Notifier
	dispatch   *Dispatch
	ledger     *Ledger
	registry   *Registry
	validator  *Validator
	pipeline   *Pipeline
	base       http.RoundTripper
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger
}

type sessionOptions struct {
	logger       *slog.Logger
	clock        clockwork.Clock
	tp           trace.TracerProvider
	gateway      Gateway
	policy       *security.Policy
	base         http.RoundTripper
	timeout      time.Duration
	provider     CredentialProvider
	creds        Credentials
	keys         idtoken.KeySource
	notifier     *Notifier
	stepUp       StepUpSignal
	tokenInvalid TokenInvalidSignal
	auths        []Authenticator
}

// Option configures a Session
type Option func(*sessionOptions)

func WithLogger(l *slog.Logger) Option {
	return func(o *sessionOptions) { o.logger = l }
}

// WithClock sets the clock every expiry decision uses.
func WithClock(c clockwork.Clock) Option {
	return func(o *sessionOptions) { o.clock = c }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *sessionOptions) { o.tp = tp }
}

// WithGateway replaces the HTTP gateway client.
func WithGateway(g Gateway) Option {
	return func(o *sessionOptions) { o.gateway = g }
}

// WithPolicy sets the security policy. The session registers nothing on it.
func WithPolicy(p *security.Policy) Option {
	return func(o *sessionOptions) { o.policy = p }
}

// WithHTTPClient takes the transport and timeout of client. The transport
// replaces the pinned transport built from the security policy.
func WithHTTPClient(client *http.Client) Option {
	return func(o *sessionOptions) {
		if client == nil {
			return
		}
		if client.Transport != nil {
			o.base = client.Transport
		}
		o.timeout = client.Timeout
	}
}

// WithTransport sets the base transport under the pipeline and gateway.
func WithTransport(rt http.RoundTripper) Option {
	return func(o *sessionOptions) { o.base = rt }
}

func WithCredentialProvider(p CredentialProvider) Option {
	return func(o *sessionOptions) { o.provider = p }
}

// WithCredentials holds material for registration and login.
func WithCredentials(c Credentials) Option {
	return func(o *sessionOptions) { o.creds = c }
}

// WithIDTokenKeys sets the keys id_tokens are verified with.
func WithIDTokenKeys(k idtoken.KeySource) Option {
	return func(o *sessionOptions) { o.keys = k }
}

// WithNotifier shares a notifier, e.g. with the SDK lifecycle.
func WithNotifier(n *Notifier) Option {
	return func(o *sessionOptions) { o.notifier = n }
}

func WithStepUpSignal(s StepUpSignal) Option {
	return func(o *sessionOptions) { o.stepUp = s }
}

func WithTokenInvalidSignal(s TokenInvalidSignal) Option {
	return func(o *sessionOptions) { o.tokenInvalid = s }
}

// WithAuthenticators registers step-up authenticators in order.
func WithAuthenticators(a ...Authenticator) Option {
	return func(o *sessionOptions) { o.auths = append(o.auths, a...) }
}

// NewSession wires a session over kc.
func NewSession(cfg Config, kc *keychain.Keychain, opts ...Option) (*Session, error) {
	if cfg.ClientID == "" {
		return nil, NewError(CodeConfigurationMissingParameter, "client id is required")
	}
	if kc == nil {
		return nil, NewError(CodeConfigurationMissingParameter, "keychain is required")
	}
	switch cfg.Flow {
	case "":
		cfg.Flow = GrantPassword
	case GrantPassword, GrantClientCredentials:
	default:
		return nil, Errorf(CodeConfigurationMissingParameter, "unsupported grant flow %q", cfg.Flow)
	}

	o := sessionOptions{timeout: DefaultGatewayTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	if o.gateway == nil {
		if err := cfg.Endpoints.Validate(); err != nil {
			return nil, err
		}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.tp == nil {
		o.tp = otel.GetTracerProvider()
	}
	if o.policy == nil {
		o.policy = security.NewPolicy(security.WithClock(o.clock), security.WithLogger(o.logger))
	}
	if o.notifier == nil {
		o.notifier = NewNotifier()
	}
	tracer := o.tp.Tracer(tracerName)

	s := &Session{
		cfg:      cfg,
		kc:       kc,
		policy:   o.policy,
		notifier: o.notifier,
		dispatch: NewDispatch(o.auths...),
		clock:    o.clock,
		logger:   o.logger,
	}

	s.base = o.base
	if s.base == nil {
		s.base = o.policy.Transport(func() (*tls.Certificate, error) {
			return s.registry.ClientCertificate()
		})
	}
	s.gateway = o.gateway
	if s.gateway == nil {
		s.gateway = NewHTTPGateway(cfg.Endpoints,
			&http.Client{Transport: s.base, Timeout: o.timeout},
			WithGatewayHeaders(cfg.CustomHeaders),
			WithGatewayLogger(o.logger))
	}

	s.ledger = NewLedger(kc, o.clock, o.logger)
	s.registry = NewRegistry(RegistryConfig{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Scopes:       cfg.Scopes,
		Dynamic:      cfg.Dynamic,
		DeviceName:   cfg.DeviceName,
		Organization: cfg.Organization,
	}, kc, s.ledger, s.gateway, o.clock, o.logger, o.notifier)
	s.registry.OnIdentityChange(func() {
		if t, ok := s.base.(interface{ CloseIdleConnections() }); ok {
			t.CloseIdleConnections()
		}
	})
	s.validator = NewValidator(ValidatorConfig{
		Registry:      s.registry,
		Ledger:        s.ledger,
		Gateway:       s.gateway,
		Flow:          cfg.Flow,
		Scopes:        cfg.Scopes,
		RenewalWindow: cfg.RenewalWindow,
		Clock:         o.clock,
		Logger:        o.logger,
		Tracer:        tracer,
		Notifier:      o.notifier,
	})
	s.validator.SetCredentialProvider(o.provider)
	s.validator.SetCredentials(o.creds)
	s.validator.SetIDTokenKeys(o.keys)

	stepUp := o.stepUp
	if stepUp == nil {
		stepUp = DefaultStepUpSignal(cfg.StepUpCodes...)
	}
	tokenInvalid := o.tokenInvalid
	if tokenInvalid == nil {
		tokenInvalid = DefaultTokenInvalidSignal(cfg.TokenInvalidCodes...)
	}
	s.pipeline = NewPipeline(PipelineConfig{
		Validator:    s.validator,
		Ledger:       s.ledger,
		Registry:     s.registry,
		Policy:       o.policy,
		Dispatch:     s.dispatch,
		Base:         s.base,
		Headers:      cfg.CustomHeaders,
		StepUp:       stepUp,
		TokenInvalid: tokenInvalid,
		Tracer:       tracer,
		Logger:       o.logger,
		Notifier:     o.notifier,
	})
	s.httpClient = &http.Client{Transport: s.pipeline}
	return s, nil
}

// HTTPClient returns a client whose requests go through the pipeline.
// Per-request options travel in the context, see WithRequestOptions.
func (s *Session) HTTPClient() *http.Client {
	return s.httpClient
}

// Do sends req through the pipeline.
func (s *Session) Do(req *http.Request, opts ...RequestOption) (*http.Response, error) {
	return s.pipeline.Invoke(req, opts...)
}

// EnsureValidSession registers and signs in as needed so that a request
// requiring scope can be sent.
func (s *Session) EnsureValidSession(ctx context.Context, scope ...string) error {
	return s.validator.EnsureValidSession(ctx, scope)
}

// Login signs in with creds, registering the application and device first
// if needed.
func (s *Session) Login(ctx context.Context, creds Credentials) error {
	return s.validator.ValidateWithCredentials(ctx, creds)
}

// Logout ends the user session. With force, local tokens are cleared even
// when the gateway cannot be told.
func (s *Session) Logout(ctx context.Context, force bool) error {
	return s.registry.Logout(ctx, force)
}

// Deregister removes the device from the gateway, then forgets it locally.
func (s *Session) Deregister(ctx context.Context) error {
	return s.registry.Deregister(ctx)
}

// ResetLocally wipes all local state without contacting the gateway.
func (s *Session) ResetLocally(ctx context.Context) error {
	return s.registry.ResetLocally(ctx)
}

func (s *Session) LockSession(ctx context.Context) error   { return s.registry.LockSession(ctx) }
func (s *Session) UnlockSession(ctx context.Context) error { return s.registry.UnlockSession(ctx) }
func (s *Session) IsSessionLocked(ctx context.Context) bool {
	return s.registry.IsSessionLocked(ctx)
}

func (s *Session) IsAuthenticated(ctx context.Context) bool {
	return s.registry.IsAuthenticated(ctx)
}

func (s *Session) CurrentUser(ctx context.Context) (*UserRecord, error) {
	return s.registry.CurrentUser(ctx)
}

func (s *Session) Application(ctx context.Context) (*ApplicationRecord, error) {
	return s.registry.Application(ctx)
}

func (s *Session) Device(ctx context.Context) (*DeviceRecord, error) {
	return s.registry.Device(ctx)
}

// Token returns a copy of the current token record.
func (s *Session) Token(ctx context.Context) (*TokenRecord, error) {
	return s.ledger.Current(ctx)
}

// AccessToken returns the access token if it is still valid.
func (s *Session) AccessToken(ctx context.Context) (string, error) {
	return s.ledger.AccessToken(ctx)
}

// Identifier returns the device's mag-identifier.
func (s *Session) Identifier(ctx context.Context) string {
	return s.registry.Identifier(ctx)
}

// InvalidateAccessToken drops the access token and keeps the refresh token,
// so the next validation renews it.
func (s *Session) InvalidateAccessToken(ctx context.Context) error {
	return s.ledger.ClearForExpiration(ctx)
}

// Revoke revokes the refresh token (or the access token when there is none)
// on the gateway and drops the tokens locally.
func (s *Session) Revoke(ctx context.Context) error {
	return s.validator.Exclusive(ctx, func(ctx context.Context) error {
		rec, err := s.ledger.Current(ctx)
		if err != nil || rec == nil {
			return err
		}
		client, err := s.registry.ClientAuth(ctx)
		if err != nil {
			return err
		}
		req := RevokeRequest{Client: client, Token: rec.RefreshToken, TokenTypeHint: "refresh_token"}
		if req.Token == "" {
			req.Token, req.TokenTypeHint = rec.AccessToken, "access_token"
		}
		if err := s.gateway.Revoke(ctx, req); err != nil {
			return err
		}
		return s.ledger.ClearForLogout(ctx)
	})
}

// SetRequestingScope overrides the scope of the next grant.
func (s *Session) SetRequestingScope(scope ...string) {
	s.ledger.SetRequestingScope(scope)
}

// Subscribe observes registration and authentication milestones.
func (s *Session) Subscribe(fn func(Event)) (unsubscribe func()) {
	return s.notifier.Subscribe(fn)
}

func (s *Session) RegisterAuthenticator(a Authenticator)        { s.dispatch.Register(a) }
func (s *Session) UnregisterAuthenticator(a Authenticator) bool { return s.dispatch.Unregister(a) }

func (s *Session) SetCredentialProvider(p CredentialProvider) { s.validator.SetCredentialProvider(p) }
func (s *Session) SetCredentials(c Credentials)               { s.validator.SetCredentials(c) }

// Policy returns the security policy the transport evaluates.
func (s *Session) Policy() *security.Policy {
	return s.policy
}

// Keychain returns the store the session persists to.
func (s *Session) Keychain() *keychain.Keychain {
	return s.kc
}

// ValidateIDToken checks an id_token against the registered client.
func (s *Session) ValidateIDToken(ctx context.Context, token string) (map[string]any, error) {
	return s.validator.ValidateIDToken(ctx, token)
}

// SignUserClaims signs claims with the device key, attaching the device
// certificate so the gateway can verify them.
func (s *Session) SignUserClaims(ctx context.Context, claims map[string]any) (string, error) {
	app, err := s.registry.Application(ctx)
	if err != nil {
		return "", err
	}
	if !app.IsRegistered() {
		return "", NewError(CodeApplicationNotRegistered, "application is not registered")
	}
	dev, err := s.registry.Device(ctx)
	if err != nil {
		return "", err
	}
	if !dev.IsRegistered() {
		return "", NewError(CodeDeviceNotRegistered, "device is not registered")
	}
	signer, cert, err := dev.Signer()
	if err != nil {
		return "", err
	}
	c := make(map[string]any, len(claims)+1)
	for k, v := range claims {
		c[k] = v
	}
	if _, ok := c["sub"]; !ok {
		if u, _ := s.registry.CurrentUser(ctx); u != nil {
			c["sub"] = u.Username
		}
	}
	svc := idtoken.New(app.ClientID, nil, idtoken.WithClock(s.clock), idtoken.WithLogger(s.logger))
	token, err := svc.SignUserClaims(c, cert, signer)
	if err != nil {
		return "", Wrap(CodeJWTSerialization, "unable to sign user claims", err)
	}
	return token, nil
}

// Scopes returns the configured scopes.
func (s *Session) Scopes() []string {
	return slices.Clone(s.cfg.Scopes)
}

// Close stops background work and releases idle connections.
func (s *Session) Close() error {
	s.validator.Close()
	if t, ok := s.base.(interface{ CloseIdleConnections() }); ok {
		t.CloseIdleConnections()
	}
	return nil
}
