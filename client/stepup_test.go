package client

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"
)

func challenge(status int, headers map[string]string) *http.Response {
	resp := &http.Response{StatusCode: status, Header: http.Header{}}
	for k, v := range headers {
		resp.Header.Set(k, v)
	}
	return resp
}

func TestOTPStatusError(t *testing.T) {
	tests := []struct {
		name    string
		headers map[string]string
		want    Code
	}{
		{"invalid", map[string]string{HeaderOTP: "invalid"}, CodeOTPInvalid},
		{"expired", map[string]string{HeaderOTP: "Expired"}, CodeOTPExpired},
		{"suspended", map[string]string{HeaderOTP: "suspended", HeaderOTPRetryInterval: "30"}, CodeOTPRetryBarred},
		{"exceeded", map[string]string{HeaderOTP: "exceeded"}, CodeOTPRetryLimitExceeded},
		{"repeated required", map[string]string{HeaderOTP: "required"}, CodeStepUpRetryExceeded},
		{"no otp header", nil, CodeStepUpRetryExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := OTPStatusError(challenge(http.StatusUnauthorized, tt.headers))
			if err.Code != tt.want {
				t.Errorf("OTPStatusError() = %s, want %s", err.Code, tt.want)
			}
			if err.Status != http.StatusUnauthorized {
				t.Errorf("Status = %d, want 401", err.Status)
			}
		})
	}
}

func TestDefaultStepUpSignal(t *testing.T) {
	signal := DefaultStepUpSignal("8000140")
	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{"otp header", challenge(401, map[string]string{HeaderOTP: "required"}), true},
		{"configured code", challenge(403, map[string]string{HeaderErrorCode: "8000140"}), true},
		{"other code", challenge(403, map[string]string{HeaderErrorCode: "990"}), false},
		{"success with otp header", challenge(200, map[string]string{HeaderOTP: "generated"}), false},
		{"plain 401", challenge(401, nil), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signal(tt.resp); got != tt.want {
				t.Errorf("signal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDefaultTokenInvalidSignal(t *testing.T) {
	signal := DefaultTokenInvalidSignal("990")
	tests := []struct {
		name string
		resp *http.Response
		want bool
	}{
		{"www-authenticate", challenge(401, map[string]string{"WWW-Authenticate": `Bearer error="invalid_token"`}), true},
		{"configured code", challenge(400, map[string]string{HeaderErrorCode: "990"}), true},
		{"plain 401", challenge(401, nil), false},
		{"insufficient scope", challenge(403, map[string]string{"WWW-Authenticate": `Bearer error="insufficient_scope"`}), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := signal(tt.resp); got != tt.want {
				t.Errorf("signal() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHandler_ResolvesOnce(t *testing.T) {
	h := NewHandler(challenge(401, nil))
	hdr := http.Header{}
	hdr.Set(HeaderOTP, "1")
	h.Proceed(hdr)
	h.Cancel(nil)

	headers, err := h.Wait(context.Background())
	if err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if headers.Get(HeaderOTP) != "1" {
		t.Errorf("headers = %v, want X-OTP 1", headers)
	}
}

func TestHandler_CancelDefault(t *testing.T) {
	h := NewHandler(nil)
	h.Cancel(nil)
	if _, err := h.Wait(context.Background()); !IsCode(err, CodeMFACancelled) {
		t.Errorf("Wait() error = %v, want %s", err, CodeMFACancelled)
	}
}

func TestHandler_WaitAbandoned(t *testing.T) {
	h := NewHandler(nil)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := h.Wait(ctx); !IsCode(err, CodeNetworkRequestCancelled) {
		t.Errorf("Wait() error = %v, want %s", err, CodeNetworkRequestCancelled)
	}
}

type recordingAuthenticator struct {
	claim   bool
	proceed http.Header
	calls   int
}

func (a *recordingAuthenticator) BuildHandler(req *http.Request, resp *http.Response) *Handler {
	if !a.claim {
		return nil
	}
	return NewHandler(resp)
}

func (a *recordingAuthenticator) OnChallenge(ctx context.Context, req *http.Request, h *Handler) {
	a.calls++
	h.Proceed(a.proceed)
}

func TestDispatch_FirstMatchWins(t *testing.T) {
	skip := &recordingAuthenticator{}
	first := &recordingAuthenticator{claim: true, proceed: http.Header{"X-First": {"1"}}}
	second := &recordingAuthenticator{claim: true, proceed: http.Header{"X-Second": {"1"}}}
	d := NewDispatch(skip, first, second)

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com", nil)
	headers, ok, err := d.Handle(context.Background(), req, challenge(401, nil))
	if err != nil || !ok {
		t.Fatalf("Handle() = %v, %v", ok, err)
	}
	if headers.Get("X-First") != "1" {
		t.Errorf("headers = %v, want X-First", headers)
	}
	if second.calls != 0 {
		t.Errorf("second authenticator called %d times, want 0", second.calls)
	}

	if !d.Unregister(first) {
		t.Fatalf("Unregister() = false, want true")
	}
	headers, _, _ = d.Handle(context.Background(), req, challenge(401, nil))
	if headers.Get("X-Second") != "1" {
		t.Errorf("headers after unregister = %v, want X-Second", headers)
	}
	if d.Unregister(first) {
		t.Errorf("second Unregister() = true, want false")
	}
}

func TestDispatch_NoMatch(t *testing.T) {
	d := NewDispatch(&recordingAuthenticator{})
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com", nil)
	if _, ok, err := d.Handle(context.Background(), req, challenge(401, nil)); ok || err != nil {
		t.Errorf("Handle() = %v, %v, want false, nil", ok, err)
	}
}

func TestOTPAuthenticator(t *testing.T) {
	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com", nil)
	offered := map[string]string{HeaderOTP: "required", HeaderOTPChannel: "EMAIL, SMS"}

	tests := []struct {
		name        string
		auth        *OTPAuthenticator
		headers     map[string]string
		wantCode    Code
		wantOTP     string
		wantChannel string
	}{
		{
			name:        "all channels",
			auth:        &OTPAuthenticator{Code: func(ctx context.Context, ch []string) (string, error) { return "4242", nil }},
			headers:     offered,
			wantOTP:     "4242",
			wantChannel: "EMAIL,SMS",
		},
		{
			name: "selected channel",
			auth: &OTPAuthenticator{
				SelectChannels: func(ctx context.Context, offered []string) ([]string, error) { return offered[1:], nil },
				Code:           func(ctx context.Context, ch []string) (string, error) { return "4242", nil },
			},
			headers:     offered,
			wantOTP:     "4242",
			wantChannel: "SMS",
		},
		{
			name: "no channel selected",
			auth: &OTPAuthenticator{
				SelectChannels: func(ctx context.Context, offered []string) ([]string, error) { return nil, nil },
				Code:           func(ctx context.Context, ch []string) (string, error) { return "4242", nil },
			},
			headers:  offered,
			wantCode: CodeOTPChannelNotSelected,
		},
		{
			name:     "prompt cancelled",
			auth:     &OTPAuthenticator{Code: func(ctx context.Context, ch []string) (string, error) { return "", errors.New("dismissed") }},
			headers:  offered,
			wantCode: CodeOTPNotProvided,
		},
		{
			name:     "suspended",
			auth:     &OTPAuthenticator{Code: func(ctx context.Context, ch []string) (string, error) { return "4242", nil }},
			headers:  map[string]string{HeaderOTP: "suspended", HeaderOTPRetryInterval: "60"},
			wantCode: CodeOTPRetryBarred,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := NewDispatch(tt.auth)
			headers, ok, err := d.Handle(context.Background(), req, challenge(401, tt.headers))
			if !ok {
				t.Fatalf("Handle() ok = false, want true")
			}
			if tt.wantCode != "" {
				if !IsCode(err, tt.wantCode) {
					t.Errorf("Handle() error = %v, want %s", err, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("Handle() error = %v", err)
			}
			if got := headers.Get(HeaderOTP); got != tt.wantOTP {
				t.Errorf("X-OTP = %q, want %q", got, tt.wantOTP)
			}
			if got := headers.Get(HeaderOTPChannel); got != tt.wantChannel {
				t.Errorf("X-OTP-Channel = %q, want %q", got, tt.wantChannel)
			}
		})
	}
}
