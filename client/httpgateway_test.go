package client

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/panyam/mobileauth/security"
)

// recordedRequest is what a stub gateway saw.
type recordedRequest struct {
	Method string
	Path   string
	Header http.Header
	Form   url.Values
	Body   string
}

type stubGateway struct {
	*httptest.Server
	mu   sync.Mutex
	reqs []recordedRequest
}

func newStubGateway(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) *stubGateway {
	t.Helper()
	s := &stubGateway{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recordedRequest{Method: r.Method, Path: r.URL.Path, Header: r.Header.Clone()}
		if r.Header.Get("Content-Type") == "application/x-www-form-urlencoded" {
			_ = r.ParseForm()
			rec.Form = r.PostForm
		} else {
			buf := make([]byte, 8<<10)
			n, _ := r.Body.Read(buf)
			rec.Body = string(buf[:n])
		}
		s.mu.Lock()
		s.reqs = append(s.reqs, rec)
		s.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

func (s *stubGateway) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.reqs) == 0 {
		return recordedRequest{}
	}
	return s.reqs[len(s.reqs)-1]
}

func selfSignedPEM(t *testing.T) []byte {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "device"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
}

func tokenJSON(w http.ResponseWriter, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body)
}

func TestHTTPGateway_TokenGrants(t *testing.T) {
	tests := []struct {
		name      string
		creds     Credentials
		wantGrant string
		wantForm  map[string]string
	}{
		{"client credentials", ClientCredentials{}, "client_credentials", nil},
		{"password", &Password{Username: "alice", Password: "s3cret"}, "password",
			map[string]string{"username": "alice", "password": "s3cret"}},
		{"authorization code", &AuthorizationCode{Code: "abc", RedirectURI: "app://cb", CodeVerifier: "v"}, "authorization_code",
			map[string]string{"code": "abc", "redirect_uri": "app://cb", "code_verifier": "v"}},
		{"refresh", &RefreshToken{Token: "r1"}, "refresh_token", map[string]string{"refresh_token": "r1"}},
		{"jwt bearer", &JWTBearer{Assertion: "eyJ"}, GrantJWTBearer, map[string]string{"assertion": "eyJ"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
				tokenJSON(w, map[string]any{
					"access_token":  "at",
					"token_type":    "Bearer",
					"expires_in":    3600,
					"refresh_token": "rt",
					"scope":         "openid msso",
					"id_token":      "idt",
					"id_token_type": GrantJWTBearer,
				})
			})
			gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client())

			resp, err := gw.Token(context.Background(), GrantRequest{
				Client:      ClientAuth{ID: "client 1", Secret: "sec:ret"},
				Credentials: tt.creds,
				Scope:       []string{"openid", "msso"},
				Identifier:  "mag-123",
			})
			if err != nil {
				t.Fatalf("Token() error = %v", err)
			}
			if resp.AccessToken != "at" || resp.RefreshToken != "rt" || resp.ExpiresIn != 3600 {
				t.Errorf("Token() = %+v, want at/rt/3600", resp)
			}
			if resp.IDToken != "idt" || resp.Scope != "openid msso" {
				t.Errorf("Token() id_token/scope = %q/%q, want idt/openid msso", resp.IDToken, resp.Scope)
			}

			got := srv.last()
			if got.Path != "/auth/oauth/v2/token" {
				t.Errorf("path = %s, want /auth/oauth/v2/token", got.Path)
			}
			if g := got.Form.Get("grant_type"); g != tt.wantGrant {
				t.Errorf("grant_type = %q, want %q", g, tt.wantGrant)
			}
			if s := got.Form.Get("scope"); s != "openid msso" {
				t.Errorf("scope = %q, want %q", s, "openid msso")
			}
			for k, v := range tt.wantForm {
				if g := got.Form.Get(k); g != v {
					t.Errorf("form %s = %q, want %q", k, g, v)
				}
			}
			if g := got.Header.Get(HeaderMagIdentifier); g != "mag-123" {
				t.Errorf("mag-identifier = %q, want mag-123", g)
			}
			wantAuth := "Basic " + base64.StdEncoding.EncodeToString([]byte(url.QueryEscape("client 1")+":"+url.QueryEscape("sec:ret")))
			if g := got.Header.Get("Authorization"); g != wantAuth {
				t.Errorf("Authorization = %q, want %q", g, wantAuth)
			}
		})
	}
}

func TestHTTPGateway_TokenErrors(t *testing.T) {
	tests := []struct {
		name   string
		creds  Credentials
		status int
		body   string
		want   Code
	}{
		{"bad password", &Password{Username: "a", Password: "b"}, 400, `{"error":"invalid_grant"}`, CodeInvalidCredentials},
		{"bad refresh", &RefreshToken{Token: "r"}, 400, `{"error":"invalid_grant"}`, CodeRefreshTokenInvalid},
		{"bad id_token", &JWTBearer{Assertion: "x"}, 400, `{"error":"invalid_grant"}`, CodeIDTokenInvalid},
		{"bad scope", ClientCredentials{}, 400, `{"error":"invalid_scope"}`, CodeAccessTokenInsufficientScope},
		{"server error", &Password{Username: "a", Password: "b"}, 503, `{"error":"temporarily_unavailable"}`, CodeNetworkUnexpectedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				fmt.Fprint(w, tt.body)
			})
			gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client())

			_, err := gw.Token(context.Background(), GrantRequest{Client: ClientAuth{ID: "c", Secret: "s"}, Credentials: tt.creds})
			if !IsCode(err, tt.want) {
				t.Errorf("Token() error = %v, want %s", err, tt.want)
			}
		})
	}
}

func TestHTTPGateway_TokenWithoutCredentials(t *testing.T) {
	gw := NewHTTPGateway(DefaultEndpoints("https://gateway.example.com"), nil)
	if _, err := gw.Token(context.Background(), GrantRequest{}); !IsCode(err, CodeCredentialsNotProvided) {
		t.Errorf("Token() error = %v, want %s", err, CodeCredentialsNotProvided)
	}
}

func TestHTTPGateway_RegisterClient(t *testing.T) {
	srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		tokenJSON(w, map[string]any{
			"client_id":         "dyn-1",
			"client_secret":     "dyn-secret",
			"client_expiration": 1893456000,
		})
	})
	gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client())

	reg, err := gw.RegisterClient(context.Background(), ClientRegistrationRequest{ClientID: "master", Scope: []string{"openid"}})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if reg.ClientID != "dyn-1" || reg.ClientSecret != "dyn-secret" {
		t.Errorf("RegisterClient() = %+v", reg)
	}
	if !reg.Expiration.Equal(time.Unix(1893456000, 0)) {
		t.Errorf("Expiration = %v, want %v", reg.Expiration, time.Unix(1893456000, 0))
	}
	got := srv.last()
	if got.Form.Get("client_id") != "master" || got.Form.Get("nonce") == "" {
		t.Errorf("form = %v, want client_id and nonce", got.Form)
	}
}

func TestHTTPGateway_RegisterDevice(t *testing.T) {
	certPEM := selfSignedPEM(t)
	srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(HeaderMagIdentifier, "mag-1")
		w.Header().Set(HeaderDeviceStatus, "activated")
		w.Header().Set(HeaderIDToken, "idt")
		w.Header().Set(HeaderIDTokenType, GrantJWTBearer)
		w.Write(certPEM)
	})
	gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client())

	reg, err := gw.RegisterDevice(context.Background(), DeviceRegistrationRequest{
		Client:      ClientAuth{ID: "c", Secret: "s"},
		DeviceID:    "install-1",
		DeviceName:  "Alice's phone",
		CSR:         []byte("-----BEGIN CERTIFICATE REQUEST-----"),
		Credentials: &Password{Username: "alice", Password: "pw"},
	})
	if err != nil {
		t.Fatalf("RegisterDevice() error = %v", err)
	}
	if reg.Identifier != "mag-1" || reg.Status != "activated" || reg.IDToken != "idt" {
		t.Errorf("RegisterDevice() = %+v", reg)
	}
	block, _ := pem.Decode(certPEM)
	if string(reg.Certificate) != string(block.Bytes) {
		t.Errorf("Certificate is not the DER of the returned PEM")
	}

	got := srv.last()
	tests := []struct {
		header string
		want   string
	}{
		{HeaderDeviceID, base64.StdEncoding.EncodeToString([]byte("install-1"))},
		{HeaderDeviceName, base64.StdEncoding.EncodeToString([]byte("Alice's phone"))},
		{HeaderCertFormat, "pem"},
		{HeaderClientAuthorization, basicAuth(ClientAuth{ID: "c", Secret: "s"})},
		{"Authorization", "Basic " + base64.StdEncoding.EncodeToString([]byte("alice:pw"))},
	}
	for _, tt := range tests {
		if g := got.Header.Get(tt.header); g != tt.want {
			t.Errorf("header %s = %q, want %q", tt.header, g, tt.want)
		}
	}
}

func TestHTTPGateway_RegisterDeviceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		creds  Credentials
		want   Code
	}{
		{"conflict", http.StatusConflict, ClientCredentials{}, CodeDeviceAlreadyRegistered},
		{"bad password", http.StatusUnauthorized, &Password{Username: "a", Password: "b"}, CodeInvalidCredentials},
		{"bad id_token", http.StatusForbidden, &JWTBearer{Assertion: "x"}, CodeIDTokenInvalid},
		{"bad request", http.StatusBadRequest, ClientCredentials{}, CodeDeviceNotRegistered},
		{"server error", http.StatusInternalServerError, ClientCredentials{}, CodeNetworkUnexpectedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set(HeaderErrorCode, "1000201")
				http.Error(w, "nope", tt.status)
			})
			gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client())

			_, err := gw.RegisterDevice(context.Background(), DeviceRegistrationRequest{
				Client: ClientAuth{ID: "c", Secret: "s"}, DeviceID: "d", CSR: []byte("csr"), Credentials: tt.creds,
			})
			if !IsCode(err, tt.want) {
				t.Errorf("RegisterDevice() error = %v, want %s", err, tt.want)
			}
			var e *Error
			if errors.As(err, &e) && e.Status != tt.status {
				t.Errorf("Status = %d, want %d", e.Status, tt.status)
			}
		})
	}
}

func TestHTTPGateway_DeregisterDevice(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr bool
	}{
		{"removed", http.StatusOK, false},
		{"no content", http.StatusNoContent, false},
		{"unknown device", http.StatusNotFound, false},
		{"server error", http.StatusInternalServerError, true},
		{"forbidden", http.StatusForbidden, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			})
			gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client())

			err := gw.DeregisterDevice(context.Background(), DeviceRequest{Client: ClientAuth{ID: "c"}, Identifier: "mag-1"})
			if (err != nil) != tt.wantErr {
				t.Errorf("DeregisterDevice() error = %v, wantErr %v", err, tt.wantErr)
			}
			got := srv.last()
			if got.Method != http.MethodDelete || got.Header.Get(HeaderMagIdentifier) != "mag-1" {
				t.Errorf("request = %s mag-identifier=%q", got.Method, got.Header.Get(HeaderMagIdentifier))
			}
		})
	}
}

func TestHTTPGateway_CustomHeaders(t *testing.T) {
	srv := newStubGateway(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	gw := NewHTTPGateway(DefaultEndpoints(srv.URL), srv.Client(), WithGatewayHeaders(http.Header{"X-App-Version": {"2.1"}}))

	if err := gw.Revoke(context.Background(), RevokeRequest{Client: ClientAuth{ID: "c"}, Token: "rt", TokenTypeHint: "refresh_token"}); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	got := srv.last()
	if got.Header.Get("X-App-Version") != "2.1" {
		t.Errorf("X-App-Version = %q, want 2.1", got.Header.Get("X-App-Version"))
	}
	if got.Header.Get(HeaderRequestID) == "" {
		t.Errorf("x-request-id missing")
	}
	if got.Form.Get("token") != "rt" || got.Form.Get("token_type_hint") != "refresh_token" {
		t.Errorf("form = %v", got.Form)
	}
}

func TestEndpoints_Validate(t *testing.T) {
	if err := DefaultEndpoints("https://gw.example.com:8443").Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
	e := DefaultEndpoints("https://gw.example.com")
	e.Token = "/relative/token"
	if err := e.Validate(); !IsCode(err, CodeConfigurationInvalidEndpoint) {
		t.Errorf("Validate() error = %v, want %s", err, CodeConfigurationInvalidEndpoint)
	}
}

func TestClassifyTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"cancelled", fmt.Errorf("Post: %w", context.Canceled), CodeNetworkRequestCancelled},
		{"deadline", fmt.Errorf("Post: %w", context.DeadlineExceeded), CodeNetworkTimeout},
		{"untrusted", fmt.Errorf("tls: %w", security.ErrUntrusted), CodeNetworkSSLConnection},
		{"unknown authority", x509.UnknownAuthorityError{}, CodeNetworkSSLConnection},
		{"refused", errors.New("connection refused"), CodeNetworkUnreachable},
		{"already classified", NewError(CodeOTPInvalid, "x"), CodeOTPInvalid},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := GetCode(classifyTransportError(tt.err)); got != tt.want {
				t.Errorf("classifyTransportError() = %s, want %s", got, tt.want)
			}
		})
	}
}
