// Package gatewaytest runs an in-process gateway for tests. It speaks the
// registration, token, step-up and deregistration protocol over TLS and
// counts every call so tests can assert how often each endpoint was hit.
package gatewaytest

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"io"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/jonboulle/clockwork"
)

// Endpoint paths.
const (
	PathClientInit = "/connect/client/initialize"
	PathRegister   = "/connect/device/register"
	PathRenew      = "/connect/device/renew"
	PathRemove     = "/connect/device/remove"
	PathToken      = "/auth/oauth/v2/token"
	PathLogout     = "/connect/session/logout"
	PathRevoke     = "/auth/oauth/v2/token/revoke"
	PathResource   = "/protected/resource"
	PathOTP        = "/protected/otp"
	PathPublic     = "/public/hello"
	PathFlaky      = "/flaky"
	PathDiscovery  = "/.well-known/openid-configuration"
)

// Gateway error codes sent in x-ca-err.
const (
	ErrCodeOTPRequired  = "8000140"
	ErrCodeOTPInvalid   = "8000142"
	ErrCodeTokenInvalid = "990"
)

const jwtBearer = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// Config shapes the gateway's behavior.
type Config struct {
	ClientID     string
	ClientSecret string
	// Users maps usernames to passwords.
	Users map[string]string
	// AuthCodes maps authorization codes to users. Codes are single use.
	AuthCodes map[string]string

	TokenTTL   time.Duration
	IDTokenTTL time.Duration
	CertTTL    time.Duration
	// ClientTTL is the lifetime of dynamic client credentials; zero never
	// expires.
	ClientTTL time.Duration

	// IssueIDTokens makes user grants and registrations return an id_token
	// signed with the client secret.
	IssueIDTokens bool
	OTPCode       string
	OTPChannels   []string

	// RegistrationDelay holds device registration, widening race windows.
	RegistrationDelay time.Duration
	Clock             clockwork.Clock
}

type grant struct {
	clientID string
	user     string
	scope    string
	expires  time.Time
}

type device struct {
	identifier string
	deviceID   string
	user       string
	cert       *x509.Certificate
}

// Server is a running fake gateway.
type Server struct {
	*httptest.Server

	cfg   Config
	ca    *x509.Certificate
	caKey *ecdsa.PrivateKey

	mu             sync.Mutex
	counts         map[string]int
	clients        map[string]string
	devices        map[string]*device
	access         map[string]*grant
	refresh        map[string]*grant
	codes          map[string]string
	failDeregister bool
	failRefresh    bool
	failRenew      bool
	lastHeaders    map[string]http.Header
}

// NewServer starts a TLS gateway that requests, but does not require,
// client certificates. It is closed when the test ends.
func NewServer(t testing.TB, cfg Config) *Server {
	t.Helper()
	if cfg.ClientID == "" {
		cfg.ClientID = "test-client"
	}
	if cfg.ClientSecret == "" {
		cfg.ClientSecret = "test-secret"
	}
	if cfg.TokenTTL == 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.IDTokenTTL == 0 {
		cfg.IDTokenTTL = time.Hour
	}
	if cfg.CertTTL == 0 {
		cfg.CertTTL = 365 * 24 * time.Hour
	}
	if cfg.OTPCode == "" {
		cfg.OTPCode = "123456"
	}
	if cfg.OTPChannels == nil {
		cfg.OTPChannels = []string{"EMAIL", "SMS"}
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}

	s := &Server{
		cfg:         cfg,
		counts:      map[string]int{},
		clients:     map[string]string{cfg.ClientID: cfg.ClientSecret},
		devices:     map[string]*device{},
		access:      map[string]*grant{},
		refresh:     map[string]*grant{},
		codes:       map[string]string{},
		lastHeaders: map[string]http.Header{},
	}
	for code, user := range cfg.AuthCodes {
		s.codes[code] = user
	}
	if err := s.newCA(); err != nil {
		t.Fatalf("gatewaytest: create CA: %v", err)
	}

	r := mux.NewRouter()
	r.HandleFunc(PathClientInit, s.handleClientInit).Methods(http.MethodPost)
	r.HandleFunc(PathRegister, s.handleRegister).Methods(http.MethodPost)
	r.HandleFunc(PathRenew, s.handleRenew).Methods(http.MethodPut)
	r.HandleFunc(PathRemove, s.handleRemove).Methods(http.MethodDelete)
	r.HandleFunc(PathRevoke, s.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc(PathToken, s.handleToken).Methods(http.MethodPost)
	r.HandleFunc(PathLogout, s.handleLogout).Methods(http.MethodPost)
	r.HandleFunc(PathResource, s.handleResource)
	r.HandleFunc(PathOTP, s.handleOTP)
	r.HandleFunc(PathPublic, s.handlePublic)
	r.HandleFunc(PathFlaky, s.handleFlaky)
	r.HandleFunc(PathDiscovery, s.handleDiscovery).Methods(http.MethodGet)

	s.Server = httptest.NewUnstartedServer(r)
	s.Server.TLS = &tls.Config{ClientAuth: tls.RequestClientCert}
	s.Server.StartTLS()
	t.Cleanup(s.Server.Close)
	return s
}

// handleDiscovery serves an OpenID discovery document whose issuer is the
// server's URL. id_tokens are signed with the client secret, so there is no
// jwks_uri.
func (s *Server) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	s.hit("discovery", r)
	writeJSON(w, http.StatusOK, map[string]any{
		"issuer":                s.URL,
		"token_endpoint":        s.URL + PathToken,
		"revocation_endpoint":   s.URL + PathRevoke,
		"end_session_endpoint":  s.URL + PathLogout,
		"grant_types_supported": []string{"password", "client_credentials", "refresh_token", "authorization_code", jwtBearer},
	})
}

func (s *Server) newCA() error {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return err
	}
	now := s.cfg.Clock.Now()
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "gatewaytest device CA"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(20 * 365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		return err
	}
	s.ca, err = x509.ParseCertificate(der)
	s.caKey = key
	return err
}

// RootCAs trusts the server's TLS certificate.
func (s *Server) RootCAs() *x509.CertPool {
	pool := x509.NewCertPool()
	pool.AddCert(s.Certificate())
	return pool
}

// DeviceCA is the CA that signs device certificates.
func (s *Server) DeviceCA() *x509.Certificate { return s.ca }

// ClientID and ClientSecret are the master client credentials.
func (s *Server) ClientID() string     { return s.cfg.ClientID }
func (s *Server) ClientSecret() string { return s.cfg.ClientSecret }

// Count returns how often the named endpoint was called. Token grants are
// also counted as "token:<grant_type>".
func (s *Server) Count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[name]
}

// LastHeaders returns the request headers of the last call to name.
func (s *Server) LastHeaders(name string) http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeaders[name].Clone()
}

// Devices returns how many devices are registered.
func (s *Server) Devices() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

// InvalidateAccessTokens revokes every access token, keeping refresh tokens.
func (s *Server) InvalidateAccessTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.access = map[string]*grant{}
}

func (s *Server) SetFailDeregister(v bool) { s.set(&s.failDeregister, v) }
func (s *Server) SetFailRefresh(v bool)    { s.set(&s.failRefresh, v) }
func (s *Server) SetFailRenew(v bool)      { s.set(&s.failRenew, v) }

func (s *Server) set(field *bool, v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	*field = v
}

// IDToken issues an id_token for user as the gateway would.
func (s *Server) IDToken(clientID, user string, ttl time.Duration) string {
	s.mu.Lock()
	secret := s.clients[clientID]
	s.mu.Unlock()
	return s.signIDToken(clientID, secret, user, ttl)
}

func (s *Server) signIDToken(clientID, secret, user string, ttl time.Duration) string {
	now := s.cfg.Clock.Now()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"iss": s.URL,
		"sub": user,
		"aud": clientID,
		"azp": clientID,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}).SignedString([]byte(secret))
	if err != nil {
		panic(err)
	}
	return tok
}

func (s *Server) hit(name string, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts[name]++
	s.lastHeaders[name] = r.Header.Clone()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func oauthError(w http.ResponseWriter, status int, code, desc string) {
	writeJSON(w, status, map[string]string{"error": code, "error_description": desc})
}

// clientFrom authenticates the client from a Basic header value.
func (s *Server) clientFrom(header string) (string, bool) {
	raw, ok := strings.CutPrefix(header, "Basic ")
	if !ok {
		return "", false
	}
	dec, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return "", false
	}
	id, secret, ok := strings.Cut(string(dec), ":")
	if !ok {
		return "", false
	}
	id, _ = url.QueryUnescape(id)
	secret, _ = url.QueryUnescape(secret)
	s.mu.Lock()
	defer s.mu.Unlock()
	want, known := s.clients[id]
	return id, known && want == secret
}

func (s *Server) handleClientInit(w http.ResponseWriter, r *http.Request) {
	s.hit("client_init", r)
	if err := r.ParseForm(); err != nil || r.PostForm.Get("client_id") != s.cfg.ClientID {
		http.Error(w, "unknown master client", http.StatusUnauthorized)
		return
	}
	id, secret := "dyn-"+uuid.NewString(), uuid.NewString()
	s.mu.Lock()
	s.clients[id] = secret
	s.mu.Unlock()
	var exp int64
	if s.cfg.ClientTTL > 0 {
		exp = s.cfg.Clock.Now().Add(s.cfg.ClientTTL).Unix()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"client_id":         id,
		"client_secret":     secret,
		"client_expiration": exp,
	})
}

// registrationUser authenticates the user from registration headers. An
// empty user with ok set is the client credentials flow.
func (s *Server) registrationUser(r *http.Request) (user string, ok bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		u, p, ok := r.BasicAuth()
		if !ok {
			return "", false
		}
		want, known := s.cfg.Users[u]
		return u, known && want == p
	}
	if tok := r.Header.Get("id-token"); tok != "" {
		clientID, _ := s.clientFrom(r.Header.Get("client-authorization"))
		return s.verifyIDToken(clientID, tok)
	}
	if code := r.Header.Get("authorization-code"); code != "" {
		return s.redeemCode(code)
	}
	return "", true
}

func (s *Server) redeemCode(code string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	user, ok := s.codes[code]
	delete(s.codes, code)
	return user, ok
}

func (s *Server) verifyIDToken(clientID, token string) (string, bool) {
	s.mu.Lock()
	secret := s.clients[clientID]
	s.mu.Unlock()
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithTimeFunc(s.cfg.Clock.Now), jwt.WithValidMethods([]string{"HS256"}), jwt.WithAudience(clientID))
	if err != nil {
		return "", false
	}
	sub, _ := claims.GetSubject()
	return sub, sub != ""
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	s.hit("register", r)
	if s.cfg.RegistrationDelay > 0 {
		time.Sleep(s.cfg.RegistrationDelay)
	}
	clientID, ok := s.clientFrom(r.Header.Get("client-authorization"))
	if !ok {
		http.Error(w, "invalid client", http.StatusUnauthorized)
		return
	}
	user, ok := s.registrationUser(r)
	if !ok {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	cert, err := s.signCSR(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	deviceID, _ := base64.StdEncoding.DecodeString(r.Header.Get("device-id"))
	d := &device{identifier: uuid.NewString(), deviceID: string(deviceID), user: user, cert: cert}

	s.mu.Lock()
	for _, other := range s.devices {
		if other.deviceID == d.deviceID && d.deviceID != "" {
			s.mu.Unlock()
			http.Error(w, "device already registered", http.StatusConflict)
			return
		}
	}
	s.devices[d.identifier] = d
	secret := s.clients[clientID]
	s.mu.Unlock()

	w.Header().Set("mag-identifier", d.identifier)
	w.Header().Set("device-status", "activated")
	if s.cfg.IssueIDTokens && user != "" {
		w.Header().Set("id-token", s.signIDToken(clientID, secret, user, s.cfg.IDTokenTTL))
		w.Header().Set("id-token-type", jwtBearer)
	}
	w.Header().Set("Content-Type", "application/x-pem-file")
	_, _ = w.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func (s *Server) signCSR(body io.Reader) (*x509.Certificate, error) {
	raw, err := io.ReadAll(io.LimitReader(body, 64<<10))
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errBadCSR
	}
	csr, err := x509.ParseCertificateRequest(block.Bytes)
	if err != nil {
		return nil, err
	}
	if err := csr.CheckSignature(); err != nil {
		return nil, err
	}
	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 62))
	if err != nil {
		return nil, err
	}
	now := s.cfg.Clock.Now()
	der, err := x509.CreateCertificate(rand.Reader, &x509.Certificate{
		SerialNumber: serial,
		Subject:      csr.Subject,
		NotBefore:    now.Add(-time.Minute),
		NotAfter:     now.Add(s.cfg.CertTTL),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
	}, s.ca, csr.PublicKey, s.caKey)
	if err != nil {
		return nil, err
	}
	return x509.ParseCertificate(der)
}

type gatewayError string

func (e gatewayError) Error() string { return string(e) }

const errBadCSR = gatewayError("body is not a PEM certificate request")

// presentedDevice returns the device whose certificate the TLS peer
// presented.
func (s *Server) presentedDevice(r *http.Request) *device {
	if r.TLS == nil || len(r.TLS.PeerCertificates) == 0 {
		return nil
	}
	peer := r.TLS.PeerCertificates[0]
	if peer.CheckSignatureFrom(s.ca) != nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.devices[r.Header.Get("mag-identifier")]
	if d == nil || !d.cert.Equal(peer) {
		return nil
	}
	return d
}

func (s *Server) handleRenew(w http.ResponseWriter, r *http.Request) {
	s.hit("renew", r)
	s.mu.Lock()
	fail := s.failRenew
	s.mu.Unlock()
	if fail {
		http.Error(w, "renewal unavailable", http.StatusServiceUnavailable)
		return
	}
	d := s.presentedDevice(r)
	if d == nil {
		http.Error(w, "client certificate required", http.StatusUnauthorized)
		return
	}
	cert, err := s.signCSR(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	s.mu.Lock()
	d.cert = cert
	s.mu.Unlock()
	w.Header().Set("mag-identifier", d.identifier)
	w.Header().Set("device-status", "activated")
	_, _ = w.Write(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: cert.Raw}))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	s.hit("remove", r)
	if _, ok := s.clientFrom(r.Header.Get("client-authorization")); !ok {
		http.Error(w, "invalid client", http.StatusUnauthorized)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failDeregister {
		http.Error(w, "deregistration failed", http.StatusInternalServerError)
		return
	}
	id := r.Header.Get("mag-identifier")
	if _, ok := s.devices[id]; !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	delete(s.devices, id)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	s.hit("token", r)
	clientID, secret, ok := r.BasicAuth()
	if ok {
		clientID, _ = url.QueryUnescape(clientID)
		secret, _ = url.QueryUnescape(secret)
		s.mu.Lock()
		want, known := s.clients[clientID]
		s.mu.Unlock()
		ok = known && want == secret
	}
	if !ok {
		oauthError(w, http.StatusUnauthorized, "invalid_client", "client authentication failed")
		return
	}
	if err := r.ParseForm(); err != nil {
		oauthError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	grantType := r.PostForm.Get("grant_type")
	s.hit("token:"+grantType, r)

	var user string
	switch grantType {
	case "client_credentials":
	case "password":
		u, p := r.PostForm.Get("username"), r.PostForm.Get("password")
		if want, known := s.cfg.Users[u]; !known || want != p {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "bad username or password")
			return
		}
		user = u
	case "authorization_code":
		if user, ok = s.redeemCode(r.PostForm.Get("code")); !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "unknown authorization code")
			return
		}
	case "refresh_token":
		s.mu.Lock()
		g, known := s.refresh[r.PostForm.Get("refresh_token")]
		fail := s.failRefresh
		if known && !fail {
			delete(s.refresh, r.PostForm.Get("refresh_token"))
		}
		s.mu.Unlock()
		if !known || fail || g.clientID != clientID {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "refresh token is invalid")
			return
		}
		user = g.user
	case jwtBearer:
		if user, ok = s.verifyIDToken(clientID, r.PostForm.Get("assertion")); !ok {
			oauthError(w, http.StatusBadRequest, "invalid_grant", "assertion rejected")
			return
		}
	default:
		oauthError(w, http.StatusBadRequest, "unsupported_grant_type", grantType)
		return
	}

	now := s.cfg.Clock.Now()
	scope := r.PostForm.Get("scope")
	access, refresh := uuid.NewString(), uuid.NewString()
	g := &grant{clientID: clientID, user: user, scope: scope, expires: now.Add(s.cfg.TokenTTL)}
	s.mu.Lock()
	s.access[access] = g
	s.refresh[refresh] = g
	secret = s.clients[clientID]
	s.mu.Unlock()

	body := map[string]any{
		"access_token":  access,
		"token_type":    "Bearer",
		"expires_in":    int64(s.cfg.TokenTTL / time.Second),
		"refresh_token": refresh,
		"scope":         scope,
	}
	if s.cfg.IssueIDTokens && user != "" {
		body["id_token"] = s.signIDToken(clientID, secret, user, s.cfg.IDTokenTTL)
		body["id_token_type"] = jwtBearer
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	s.hit("logout", r)
	if _, _, ok := r.BasicAuth(); !ok {
		http.Error(w, "invalid client", http.StatusUnauthorized)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	s.hit("revoke", r)
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	token := r.PostForm.Get("token")
	s.mu.Lock()
	delete(s.refresh, token)
	delete(s.access, token)
	s.mu.Unlock()
	w.WriteHeader(http.StatusOK)
}

// bearer returns the grant behind the request's access token.
func (s *Server) bearer(r *http.Request) *grant {
	tok, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g := s.access[tok]
	if g == nil || !s.cfg.Clock.Now().Before(g.expires) {
		return nil
	}
	return g
}

func rejectToken(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
	w.Header().Set("x-ca-err", ErrCodeTokenInvalid)
	http.Error(w, "invalid token", http.StatusUnauthorized)
}

func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	s.hit("resource", r)
	g := s.bearer(r)
	if g == nil {
		rejectToken(w)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"sub":            g.user,
		"scope":          g.scope,
		"mag_identifier": r.Header.Get("mag-identifier"),
	})
}

func (s *Server) handleOTP(w http.ResponseWriter, r *http.Request) {
	s.hit("otp", r)
	if s.bearer(r) == nil {
		rejectToken(w)
		return
	}
	code := r.Header.Get("X-OTP")
	switch {
	case code == "":
		w.Header().Set("X-OTP", "required")
		w.Header().Set("X-OTP-Channel", strings.Join(s.cfg.OTPChannels, ","))
		w.Header().Set("x-ca-err", ErrCodeOTPRequired)
		http.Error(w, "otp required", http.StatusUnauthorized)
	case code != s.cfg.OTPCode:
		w.Header().Set("X-OTP", "invalid")
		w.Header().Set("X-OTP-Retry-Interval", strconv.Itoa(30))
		w.Header().Set("x-ca-err", ErrCodeOTPInvalid)
		http.Error(w, "otp invalid", http.StatusUnauthorized)
	default:
		writeJSON(w, http.StatusOK, map[string]string{"otp": "verified"})
	}
}

func (s *Server) handlePublic(w http.ResponseWriter, r *http.Request) {
	s.hit("public", r)
	writeJSON(w, http.StatusOK, map[string]bool{"authorized": r.Header.Get("Authorization") != ""})
}

// handleFlaky drops every odd-numbered connection without a response.
func (s *Server) handleFlaky(w http.ResponseWriter, r *http.Request) {
	s.hit("flaky", r)
	if s.Count("flaky")%2 == 1 {
		hj, ok := w.(http.Hijacker)
		if ok {
			if conn, _, err := hj.Hijack(); err == nil {
				conn.Close()
				return
			}
		}
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}
	_, _ = io.Copy(io.Discard, r.Body)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
