package client

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// OTP protocol headers.
const (
	HeaderOTP              = "X-OTP"
	HeaderOTPChannel       = "X-OTP-Channel"
	HeaderOTPRetryInterval = "X-OTP-Retry-Interval"
)

// OTP statuses reported by the gateway in X-OTP.
const (
	OTPRequired  = "required"
	OTPGenerated = "generated"
	OTPInvalid   = "invalid"
	OTPExpired   = "expired"
	OTPSuspended = "suspended"
	OTPExceeded  = "exceeded"
)

// Authenticator handles one kind of step-up challenge. The built-in
// OTPAuthenticator is one; hosts register their own.
type Authenticator interface {
	// BuildHandler returns a handler when resp is a challenge this
	// authenticator understands, nil otherwise.
	BuildHandler(req *http.Request, resp *http.Response) *Handler
	// OnChallenge resolves h, typically after prompting the user. It runs
	// on its own goroutine.
	OnChallenge(ctx context.Context, req *http.Request, h *Handler)
}

// Handler is a pending challenge. It is resolved exactly once, either with
// headers to re-issue the request with or with an error.
type Handler struct {
	// Status and Header are from the challenge response.
	Status int
	Header http.Header

	once    sync.Once
	done    chan struct{}
	headers http.Header
	err     error
}

// NewHandler creates a pending handler for the challenge in resp.
func NewHandler(resp *http.Response) *Handler {
	h := &Handler{done: make(chan struct{}), Header: http.Header{}}
	if resp != nil {
		h.Status = resp.StatusCode
		h.Header = resp.Header.Clone()
	}
	return h
}

// Proceed re-issues the request with headers added.
func (h *Handler) Proceed(headers http.Header) {
	h.once.Do(func() {
		h.headers = headers.Clone()
		close(h.done)
	})
}

// Cancel fails the request with err, or MFA_CANCELLED when err is nil.
func (h *Handler) Cancel(err error) {
	if err == nil {
		err = NewError(CodeMFACancelled, "step-up cancelled")
	}
	h.once.Do(func() {
		h.err = err
		close(h.done)
	})
}

// Done is closed once the handler is resolved.
func (h *Handler) Done() <-chan struct{} { return h.done }

// Wait blocks until the handler is resolved. When ctx ends first the
// handler is cancelled so the challenge does not stay pending.
func (h *Handler) Wait(ctx context.Context) (http.Header, error) {
	select {
	case <-h.done:
	case <-ctx.Done():
		h.Cancel(Wrap(CodeNetworkRequestCancelled, "request cancelled during step-up", ctx.Err()))
		<-h.done
	}
	return h.headers, h.err
}

// Dispatch holds the registered authenticators in registration order.
type Dispatch struct {
	mu    sync.RWMutex
	auths []Authenticator
}

func NewDispatch(auths ...Authenticator) *Dispatch {
	return &Dispatch{auths: auths}
}

// Register appends a.
func (d *Dispatch) Register(a Authenticator) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.auths = append(d.auths, a)
}

// Unregister removes a. Authenticators are compared by identity, so
// register pointers.
func (d *Dispatch) Unregister(a Authenticator) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, x := range d.auths {
		if x == a {
			d.auths = append(d.auths[:i:i], d.auths[i+1:]...)
			return true
		}
	}
	return false
}

// Match returns the first authenticator that builds a handler for resp.
func (d *Dispatch) Match(req *http.Request, resp *http.Response) (Authenticator, *Handler) {
	d.mu.RLock()
	auths := append([]Authenticator(nil), d.auths...)
	d.mu.RUnlock()
	for _, a := range auths {
		if h := a.BuildHandler(req, resp); h != nil {
			return a, h
		}
	}
	return nil, nil
}

// Handle dispatches the challenge and waits for its resolution. ok is false
// when no authenticator claims it.
func (d *Dispatch) Handle(ctx context.Context, req *http.Request, resp *http.Response) (headers http.Header, ok bool, err error) {
	a, h := d.Match(req, resp)
	if h == nil {
		return nil, false, nil
	}
	go a.OnChallenge(ctx, req, h)
	headers, err = h.Wait(ctx)
	return headers, true, err
}

// OTPAuthenticator answers X-OTP challenges with host callbacks.
type OTPAuthenticator struct {
	// SelectChannels picks delivery channels from those offered. Nil
	// selects all of them.
	SelectChannels func(ctx context.Context, offered []string) ([]string, error)
	// Deliver asks the gateway to send a code over channels. Optional.
	Deliver func(ctx context.Context, channels []string) error
	// Code prompts the user for the one-time password.
	Code   func(ctx context.Context, channels []string) (string, error)
	Logger *slog.Logger
}

// BuildHandler claims responses carrying X-OTP. Statuses that cannot be
// answered with a code resolve the handler immediately with their error.
func (o *OTPAuthenticator) BuildHandler(req *http.Request, resp *http.Response) *Handler {
	status := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderOTP)))
	if status == "" {
		return nil
	}
	h := NewHandler(resp)
	switch status {
	case OTPSuspended, OTPExceeded:
		h.Cancel(OTPStatusError(resp))
	}
	return h
}

func (o *OTPAuthenticator) OnChallenge(ctx context.Context, req *http.Request, h *Handler) {
	select {
	case <-h.Done():
		return
	default:
	}
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}

	offered := splitList(h.Header.Get(HeaderOTPChannel))
	channels := offered
	if o.SelectChannels != nil {
		var err error
		if channels, err = o.SelectChannels(ctx, offered); err != nil {
			h.Cancel(Wrap(CodeOTPChannelNotSelected, "no OTP channel selected", err))
			return
		}
	}
	if len(channels) == 0 && len(offered) > 0 {
		h.Cancel(NewError(CodeOTPChannelNotSelected, "no OTP channel selected"))
		return
	}
	if o.Deliver != nil {
		if err := o.Deliver(ctx, channels); err != nil {
			h.Cancel(err)
			return
		}
	}
	if o.Code == nil {
		h.Cancel(NewError(CodeOTPNotProvided, "no OTP prompt configured"))
		return
	}
	code, err := o.Code(ctx, channels)
	if err != nil {
		h.Cancel(Wrap(CodeOTPNotProvided, "OTP prompt failed", err))
		return
	}
	if code == "" {
		h.Cancel(NewError(CodeOTPNotProvided, "OTP not provided"))
		return
	}
	logger.DebugContext(ctx, "OTP challenge answered", "channels", strings.Join(channels, ","))
	hdr := http.Header{}
	hdr.Set(HeaderOTP, code)
	if len(channels) > 0 {
		hdr.Set(HeaderOTPChannel, strings.Join(channels, ","))
	}
	h.Proceed(hdr)
}

// OTPStatusError maps the X-OTP status of resp onto a step-up error.
func OTPStatusError(resp *http.Response) *Error {
	status := strings.ToLower(strings.TrimSpace(resp.Header.Get(HeaderOTP)))
	e := &Error{Status: resp.StatusCode}
	switch status {
	case OTPInvalid:
		e.Code, e.Message = CodeOTPInvalid, "OTP is invalid"
	case OTPExpired:
		e.Code, e.Message = CodeOTPExpired, "OTP expired"
	case OTPSuspended:
		e.Code, e.Message = CodeOTPRetryBarred, "OTP retries are barred"
		if secs, err := strconv.Atoi(resp.Header.Get(HeaderOTPRetryInterval)); err == nil {
			e.Message += ", retry in " + (time.Duration(secs) * time.Second).String()
		}
	case OTPExceeded:
		e.Code, e.Message = CodeOTPRetryLimitExceeded, "OTP retry limit exceeded"
	default:
		e.Code, e.Message = CodeStepUpRetryExceeded, "step-up challenge repeated"
	}
	return e
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
