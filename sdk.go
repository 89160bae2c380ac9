package mobileauth

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel/trace"

	"github.com/panyam/mobileauth/client"
	"github.com/panyam/mobileauth/config"
	"github.com/panyam/mobileauth/idtoken"
	"github.com/panyam/mobileauth/keychain"
	"github.com/panyam/mobileauth/keychain/fs"
	"github.com/panyam/mobileauth/security"
)

// DefaultAppID names the keychain when the host sets none.
const DefaultAppID = "mobileauth"

// SDK is the host-facing handle: it owns the lifecycle, the security policy
// and the session built from the configuration.
type SDK struct {
	mu      sync.Mutex
	state   State
	pending []client.Event

	o        options
	cfg      *config.Config
	policy   *security.Policy
	notifier *client.Notifier
	kc       *keychain.Keychain
	session  *client.Session
	// sessionErr is set when a reload could not rebuild the session.
	sessionErr error

	provider client.CredentialProvider
	auths    []client.Authenticator
	// hostEntries were added with AddSecurityConfiguration and survive
	// configuration reloads.
	hostEntries []security.Entry
	fromConfig  []security.Entry

	cancelRun context.CancelFunc
	runCtx    context.Context

	logger *slog.Logger
	clock  clockwork.Clock
}

type options struct {
	logger      *slog.Logger
	clock       clockwork.Clock
	tp          trace.TracerProvider
	kc          *keychain.Keychain
	backend     keychain.Backend
	appID       string
	policyOpts  []security.Option
	sessionOpts []client.Option
	configPath  string
	watch       bool
	discover    bool
}

// Option configures an SDK
type Option func(*options)

func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

func WithClock(c clockwork.Clock) Option {
	return func(o *options) { o.clock = c }
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *options) { o.tp = tp }
}

// WithKeychain sets the keychain sessions persist to.
func WithKeychain(kc *keychain.Keychain) Option {
	return func(o *options) { o.kc = kc }
}

// WithBackend builds the keychain over b. Without it or WithKeychain the
// keychain is a file under the user's config directory.
func WithBackend(b keychain.Backend) Option {
	return func(o *options) { o.backend = b }
}

func WithAppID(id string) Option {
	return func(o *options) { o.appID = id }
}

// WithPolicyOptions configures the security policy, e.g. its trust roots.
func WithPolicyOptions(opts ...security.Option) Option {
	return func(o *options) { o.policyOpts = append(o.policyOpts, opts...) }
}

// WithSessionOptions are applied after the SDK's own session options.
func WithSessionOptions(opts ...client.Option) Option {
	return func(o *options) { o.sessionOpts = append(o.sessionOpts, opts...) }
}

// WithConfigFile loads the configuration from path when New is given none.
func WithConfigFile(path string) Option {
	return func(o *options) { o.configPath = path }
}

// WithConfigWatch reloads the configuration file while the SDK runs. A
// reload naming a different gateway or client resets local state.
func WithConfigWatch() Option {
	return func(o *options) { o.watch = true }
}

// WithDiscovery completes the configuration from the gateway's OpenID
// discovery document at start.
func WithDiscovery() Option {
	return func(o *options) { o.discover = true }
}

// New creates an SDK. A nil cfg leaves it NotConfigured unless
// WithConfigFile names a file to load.
func New(cfg *config.Config, opts ...Option) (*SDK, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = clockwork.NewRealClock()
	}
	if o.appID == "" {
		o.appID = DefaultAppID
	}

	s := &SDK{
		o:        o,
		notifier: client.NewNotifier(),
		logger:   o.logger,
		clock:    o.clock,
	}
	s.policy = security.NewPolicy(append([]security.Option{
		security.WithClock(o.clock),
		security.WithLogger(o.logger),
	}, o.policyOpts...)...)

	if cfg == nil && o.configPath != "" {
		loaded, err := config.Load(o.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if cfg != nil {
		if err := s.Configure(cfg); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Configure sets the configuration of an SDK created without one.
func (s *SDK) Configure(cfg *config.Config) error {
	if cfg == nil {
		return client.NewError(client.CodeConfigurationMissingParameter, "configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.unlock()
	if err := s.transition(StateNotInitialized); err != nil {
		return err
	}
	s.cfg = cfg
	return nil
}

// Start loads the keychain, registers the configured security entries and
// builds the session. A start that fails leaves the SDK stopped; it may be
// started again.
func (s *SDK) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()

	if s.state == StateNotConfigured {
		return client.NewError(client.CodeConfigurationMissingParameter, "the SDK has no configuration")
	}
	if s.state == StateNotInitialized {
		if err := s.load(); err != nil {
			return err
		}
		if err := s.transition(StateDidLoad); err != nil {
			return err
		}
	}
	if err := s.transition(StateWillStart); err != nil {
		return err
	}
	if err := s.start(ctx); err != nil {
		s.logger.Error("start failed", "code", string(client.GetCode(err)), "err", err)
		s.shutdown()
		_ = s.transition(StateDidStop)
		s.pending[len(s.pending)-1].Err = err
		return err
	}
	return s.transition(StateDidStart)
}

func (s *SDK) load() error {
	if s.o.kc != nil {
		s.kc = s.o.kc
		return nil
	}
	backend := s.o.backend
	if backend == nil {
		b, err := fs.New("", s.o.appID)
		if err != nil {
			return client.Wrap(client.CodeConfigurationMissingParameter, "unable to open keychain", err)
		}
		backend = b
	}
	s.kc = keychain.New(backend, s.o.appID)
	return nil
}

func (s *SDK) start(ctx context.Context) error {
	s.runCtx, s.cancelRun = context.WithCancel(context.Background())

	if err := s.registerConfigEntries(); err != nil {
		return err
	}
	if s.o.discover {
		dctx := oidc.ClientContext(ctx, &http.Client{Transport: s.policy.Transport(nil)})
		if err := s.cfg.Discover(dctx); err != nil {
			return err
		}
	}
	session, err := s.newSession()
	if err != nil {
		return err
	}
	s.session, s.sessionErr = session, nil

	if s.o.watch && s.o.configPath != "" {
		if err := config.Watch(s.runCtx, s.o.configPath, s.reload); err != nil {
			return client.Wrap(client.CodeConfigurationInvalidJSON, "unable to watch "+s.o.configPath, err)
		}
	}
	return nil
}

func (s *SDK) registerConfigEntries() error {
	for _, e := range s.fromConfig {
		s.policy.Remove(e.Host, e.Port)
	}
	s.fromConfig = nil
	entries, err := s.cfg.SecurityEntries()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.policy.Register(e); err != nil {
			return client.Wrap(client.CodeConfigurationInvalidSecurity, "invalid security entry", err)
		}
	}
	s.fromConfig = entries
	// Host entries win over configured ones for the same host and port.
	for _, e := range s.hostEntries {
		_ = s.policy.Register(e)
	}
	return nil
}

func (s *SDK) newSession() (*client.Session, error) {
	opts := []client.Option{
		client.WithLogger(s.logger),
		client.WithClock(s.clock),
		client.WithPolicy(s.policy),
		client.WithNotifier(s.notifier),
		client.WithCredentialProvider(s.provider),
		client.WithAuthenticators(s.auths...),
	}
	if s.o.tp != nil {
		opts = append(opts, client.WithTracerProvider(s.o.tp))
	}
	if u := s.cfg.OAuth.JWKSURL; u != "" {
		keys, err := idtoken.JWKSKeys(s.runCtx, u)
		if err != nil {
			s.logger.Warn("jwks unavailable, id_tokens are checked with the client secret", "jwks_uri", u, "err", err)
		} else {
			opts = append(opts, client.WithIDTokenKeys(keys))
		}
	}
	return client.NewSession(s.cfg.ClientConfig(), s.kc, append(opts, s.o.sessionOpts...)...)
}

// reload applies a configuration delivered by the file watcher.
func (s *SDK) reload(next *config.Config, err error) {
	if err != nil {
		s.logger.Warn("configuration reload failed", "err", err)
		s.notifier.Publish(client.Event{Type: client.EventConfigurationReloaded, Time: s.clock.Now(), Err: err})
		return
	}

	s.mu.Lock()
	defer s.unlock()
	if s.state != StateDidStart {
		return
	}
	prev := s.cfg
	s.cfg = next
	identityChanged := prev.Identity() != next.Identity()
	event := client.Event{
		Type:  client.EventConfigurationReloaded,
		Time:  s.clock.Now(),
		Attrs: map[string]string{"identity": next.Identity(), "identity_changed": boolString(identityChanged)},
	}
	defer func() { s.pending = append(s.pending, event) }()

	if err := s.registerConfigEntries(); err != nil {
		event.Err = err
		s.logger.Warn("reloaded security configuration rejected", "err", err)
	}

	if s.session != nil {
		if identityChanged {
			s.logger.Info("gateway identity changed, resetting local state", "from", prev.Identity(), "to", next.Identity())
			if err := s.session.ResetLocally(s.runCtx); err != nil {
				s.logger.Error("reset after identity change failed", "err", err)
			}
		}
		_ = s.session.Close()
	}
	session, err := s.newSession()
	if err != nil {
		s.session, s.sessionErr = nil, err
		event.Err = err
		return
	}
	s.session, s.sessionErr = session, nil
}

func boolString(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

// Stop stops background work and closes the session. Local state is kept.
func (s *SDK) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.unlock()
	if err := s.transition(StateWillStop); err != nil {
		return err
	}
	s.shutdown()
	return s.transition(StateDidStop)
}

// EmergencyStop stops the SDK for good. It is safe to call in any state.
func (s *SDK) EmergencyStop() {
	s.mu.Lock()
	defer s.unlock()
	if s.state == StateBeingStopped {
		return
	}
	_ = s.transition(StateBeingStopped)
	s.shutdown()
}

func (s *SDK) shutdown() {
	if s.cancelRun != nil {
		s.cancelRun()
		s.cancelRun = nil
	}
	if s.session != nil {
		_ = s.session.Close()
		s.session = nil
	}
}

func (s *SDK) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Session returns the running session.
func (s *SDK) Session() (*client.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateDidStart {
		return nil, client.Errorf(client.CodeConfigurationSDKNotStarted, "the SDK is %s", s.state)
	}
	if s.session == nil {
		return nil, s.sessionErr
	}
	return s.session, nil
}

// Config returns the configuration in use.
func (s *SDK) Config() *config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// Subscribe observes lifecycle, registration and authentication events.
func (s *SDK) Subscribe(fn func(client.Event)) (unsubscribe func()) {
	return s.notifier.Subscribe(fn)
}

// RegisterAuthenticator adds a step-up authenticator, kept across restarts.
func (s *SDK) RegisterAuthenticator(a client.Authenticator) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.auths = append(s.auths, a)
	if s.session != nil {
		s.session.RegisterAuthenticator(a)
	}
}

func (s *SDK) UnregisterAuthenticator(a client.Authenticator) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for i, v := range s.auths {
		if v == a {
			s.auths = append(s.auths[:i], s.auths[i+1:]...)
			found = true
			break
		}
	}
	if s.session != nil {
		s.session.UnregisterAuthenticator(a)
	}
	return found
}

// SetCredentialProvider sets the callback asked for credentials when the
// session needs interactive input.
func (s *SDK) SetCredentialProvider(p client.CredentialProvider) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = p
	if s.session != nil {
		s.session.SetCredentialProvider(p)
	}
}

// AddSecurityConfiguration registers a trust entry for a host.
func (s *SDK) AddSecurityConfiguration(e security.Entry) error {
	if err := s.policy.Register(e); err != nil {
		return client.Wrap(client.CodeConfigurationInvalidSecurity, "invalid security entry", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostEntries = removeEntry(s.hostEntries, e.Host, e.Port)
	s.hostEntries = append(s.hostEntries, e)
	return nil
}

// RemoveSecurityConfiguration removes the entry for host and port. It
// reports whether there was one.
func (s *SDK) RemoveSecurityConfiguration(host string, port int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hostEntries = removeEntry(s.hostEntries, host, port)
	return s.policy.Remove(host, port)
}

// Policy returns the security policy shared by every session of the SDK.
func (s *SDK) Policy() *security.Policy {
	return s.policy
}

func removeEntry(entries []security.Entry, host string, port int) []security.Entry {
	out := entries[:0]
	for _, e := range entries {
		if strings.EqualFold(strings.TrimSuffix(e.Host, "."), strings.TrimSuffix(host, ".")) && e.Port == port {
			continue
		}
		out = append(out, e)
	}
	return out
}

var shared atomic.Pointer[SDK]

// SetShared installs s as the process-wide SDK for callers that expect
// ambient state. Passing nil clears it.
func SetShared(s *SDK) {
	shared.Store(s)
}

// Shared returns the process-wide SDK, or nil.
func Shared() *SDK {
	return shared.Load()
}
