package client

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/panyam/mobileauth/security"
)

// StepUpSignal reports whether resp is a step-up challenge.
type StepUpSignal func(resp *http.Response) bool

// TokenInvalidSignal reports whether resp rejected the access token.
type TokenInvalidSignal func(resp *http.Response) bool

// DefaultStepUpSignal matches error responses carrying X-OTP, or an x-ca-err
// code from errorCodes.
func DefaultStepUpSignal(errorCodes ...string) StepUpSignal {
	return func(resp *http.Response) bool {
		if resp.StatusCode < 400 {
			return false
		}
		if resp.Header.Get(HeaderOTP) != "" {
			return true
		}
		code := resp.Header.Get(HeaderErrorCode)
		return code != "" && slices.Contains(errorCodes, code)
	}
}

// DefaultTokenInvalidSignal matches a 401 whose WWW-Authenticate reports
// invalid_token, or an x-ca-err code from errorCodes.
func DefaultTokenInvalidSignal(errorCodes ...string) TokenInvalidSignal {
	return func(resp *http.Response) bool {
		code := resp.Header.Get(HeaderErrorCode)
		if code != "" && slices.Contains(errorCodes, code) {
			return true
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return false
		}
		for _, v := range resp.Header.Values("WWW-Authenticate") {
			if strings.Contains(v, `error="invalid_token"`) {
				return true
			}
		}
		return false
	}
}

type requestOptions struct {
	public  bool
	scope   []string
	headers http.Header
}

// RequestOption configures one pipeline invocation.
type RequestOption func(*requestOptions)

// Public sends the request without a session.
func Public() RequestOption {
	return func(o *requestOptions) { o.public = true }
}

// RequiredScope makes the request wait for a token granting scope.
func RequiredScope(scope ...string) RequestOption {
	return func(o *requestOptions) { o.scope = append(o.scope, scope...) }
}

// Headers adds headers to the request.
func Headers(h http.Header) RequestOption {
	return func(o *requestOptions) {
		if o.headers == nil {
			o.headers = http.Header{}
		}
		for k, vs := range h {
			o.headers[k] = append(o.headers[k], vs...)
		}
	}
}

type requestOptionsKey struct{}

// WithRequestOptions attaches options to ctx for requests sent through
// Session.HTTPClient.
func WithRequestOptions(ctx context.Context, opts ...RequestOption) context.Context {
	prev, _ := ctx.Value(requestOptionsKey{}).([]RequestOption)
	return context.WithValue(ctx, requestOptionsKey{}, append(slices.Clone(prev), opts...))
}

// Pipeline sends requests on behalf of the session: it guarantees a valid
// session, injects it, and handles step-up and token rejection.
type Pipeline struct {
	validator    *Validator
	ledger       *Ledger
	registry     *Registry
	policy       *security.Policy
	dispatch     *Dispatch
	base         http.RoundTripper
	headers      http.Header
	stepUp       StepUpSignal
	tokenInvalid TokenInvalidSignal
	tracer       trace.Tracer
	logger       *slog.Logger
	notifier     *Notifier
}

// PipelineConfig wires a Pipeline.
type PipelineConfig struct {
	Validator    *Validator
	Ledger       *Ledger
	Registry     *Registry
	Policy       *security.Policy
	Dispatch     *Dispatch
	Base         http.RoundTripper
	Headers      http.Header
	StepUp       StepUpSignal
	TokenInvalid TokenInvalidSignal
	Tracer       trace.Tracer
	Logger       *slog.Logger
	Notifier     *Notifier
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	p := &Pipeline{
		validator:    cfg.Validator,
		ledger:       cfg.Ledger,
		registry:     cfg.Registry,
		policy:       cfg.Policy,
		dispatch:     cfg.Dispatch,
		base:         cfg.Base,
		headers:      cfg.Headers.Clone(),
		stepUp:       cfg.StepUp,
		tokenInvalid: cfg.TokenInvalid,
		tracer:       cfg.Tracer,
		logger:       cfg.Logger,
		notifier:     cfg.Notifier,
	}
	if p.base == nil {
		p.base = http.DefaultTransport
	}
	if p.dispatch == nil {
		p.dispatch = NewDispatch()
	}
	if p.stepUp == nil {
		p.stepUp = DefaultStepUpSignal()
	}
	if p.tokenInvalid == nil {
		p.tokenInvalid = DefaultTokenInvalidSignal()
	}
	if p.tracer == nil {
		p.tracer = noop.NewTracerProvider().Tracer("")
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// RoundTrip implements http.RoundTripper using options from the request
// context.
func (p *Pipeline) RoundTrip(req *http.Request) (*http.Response, error) {
	return p.Invoke(req)
}

// Invoke sends req. Transport failures are retried once when the body can
// be replayed, except TLS trust failures which are never retried. A step-up
// challenge is answered at most once; a rejected access token is dropped
// and the request re-issued at most once.
func (p *Pipeline) Invoke(req *http.Request, opts ...RequestOption) (resp *http.Response, err error) {
	var o requestOptions
	ctxOpts, _ := req.Context().Value(requestOptionsKey{}).([]RequestOption)
	for _, opt := range append(ctxOpts, opts...) {
		opt(&o)
	}
	public := o.public || (p.policy != nil && p.policy.IsPublic(req.URL))

	ctx, span := p.tracer.Start(req.Context(), "mobileauth.request", trace.WithAttributes(
		attribute.String("http.method", req.Method),
		attribute.String("server.address", req.URL.Host),
		attribute.Bool("public", public),
	))
	defer func() {
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			span.SetAttributes(attribute.String("code", string(GetCode(err))))
		} else {
			span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		}
		span.End()
	}()

	replayable := req.Body == nil || req.Body == http.NoBody || req.GetBody != nil
	var (
		extra        http.Header
		attempts     int
		netRetried   bool
		tokenRetried bool
		steppedUp    bool
	)
	for {
		if !public {
			if err := p.validator.EnsureValidSession(ctx, o.scope); err != nil {
				return nil, err
			}
		}
		attempt, err := p.prepare(ctx, req, attempts, public, o.headers, extra)
		if err != nil {
			return nil, err
		}
		attempts++

		resp, err := p.base.RoundTrip(attempt)
		if err != nil {
			err = classifyTransportError(err)
			transient := IsCode(err, CodeNetworkUnreachable) || IsCode(err, CodeNetworkTimeout)
			if transient && !netRetried && replayable {
				netRetried = true
				span.AddEvent("network_retry")
				p.logger.InfoContext(ctx, "retrying request after network failure", "code", GetCode(err))
				continue
			}
			return nil, err
		}

		isStepUp := p.stepUp(resp)
		if !public && !isStepUp && p.tokenInvalid(resp) {
			drain(resp)
			if tokenRetried {
				return nil, &Error{Code: CodeAccessTokenInvalid, Message: "access token rejected after renewal", Status: resp.StatusCode}
			}
			tokenRetried = true
			span.AddEvent("token_retry")
			if err := p.ledger.ClearForExpiration(ctx); err != nil {
				return nil, err
			}
			if !replayable {
				return nil, NewError(CodeNetworkRequestNotReplayable, "access token rejected and request body cannot be replayed")
			}
			continue
		}

		if isStepUp {
			if steppedUp {
				drain(resp)
				return nil, OTPStatusError(resp)
			}
			p.notifier.Publish(Event{Type: EventStepUpRequired, Attrs: map[string]string{"host": req.URL.Host}})
			span.AddEvent("step_up")
			headers, ok, herr := p.dispatch.Handle(ctx, attempt, resp)
			if !ok {
				return resp, nil
			}
			drain(resp)
			if herr != nil {
				return nil, herr
			}
			steppedUp = true
			if !replayable {
				return nil, NewError(CodeNetworkRequestNotReplayable, "step-up answered but request body cannot be replayed")
			}
			if extra == nil {
				extra = http.Header{}
			}
			for k, vs := range headers {
				extra[k] = vs
			}
			continue
		}
		return resp, nil
	}
}

// prepare builds the outgoing copy of req for the given attempt.
func (p *Pipeline) prepare(ctx context.Context, req *http.Request, attempt int, public bool, headers, extra http.Header) (*http.Request, error) {
	out := req.Clone(ctx)
	if attempt > 0 && req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, Wrap(CodeNetworkRequestNotReplayable, "unable to replay request body", err)
		}
		out.Body = body
	}
	for _, h := range []http.Header{p.headers, headers, extra} {
		for k, vs := range h {
			out.Header[k] = slices.Clone(vs)
		}
	}
	if public {
		return out, nil
	}
	token, err := p.ledger.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	if id := p.registry.Identifier(ctx); id != "" {
		out.Header.Set(HeaderMagIdentifier, id)
	}
	return out, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxErrorBody))
	resp.Body.Close()
}
