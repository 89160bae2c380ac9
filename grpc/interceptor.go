package grpc

import (
	"context"
	"errors"
	"log/slog"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/panyam/mobileauth/client"
)

// SessionSource is the part of a session the interceptors use.
// *client.Session satisfies it.
type SessionSource interface {
	EnsureValidSession(ctx context.Context, scope ...string) error
	AccessToken(ctx context.Context) (string, error)
	Identifier(ctx context.Context) string
	InvalidateAccessToken(ctx context.Context) error
}

var _ SessionSource = (*client.Session)(nil)

// InterceptorConfig configures the interceptors.
type InterceptorConfig struct {
	// Config holds the metadata key configuration.
	*Config

	// RequireAuth when true rejects calls without a bearer token.
	// Server interceptors only.
	RequireAuth bool

	// PublicMethods is a set of method names that need no session.
	// Keys should be full method names like "/package.Service/Method".
	PublicMethods map[string]bool

	// Scopes are required for every non-public call.
	Scopes []string

	// Verify checks the token and identifier of an incoming call.
	// Server interceptors only; nil accepts any non-empty token.
	Verify func(ctx context.Context, token, identifier string) error

	Logger *slog.Logger
}

// DefaultInterceptorConfig returns a config that requires a session for all methods.
func DefaultInterceptorConfig() *InterceptorConfig {
	return &InterceptorConfig{
		Config:        DefaultConfig(),
		RequireAuth:   true,
		PublicMethods: make(map[string]bool),
	}
}

// NewPublicMethodsConfig creates a config with the specified public methods.
func NewPublicMethodsConfig(publicMethods ...string) *InterceptorConfig {
	config := DefaultInterceptorConfig()
	for _, method := range publicMethods {
		config.PublicMethods[method] = true
	}
	return config
}

// OptionalAuthConfig returns a server config that lets calls without a
// token through.
func OptionalAuthConfig() *InterceptorConfig {
	config := DefaultInterceptorConfig()
	config.RequireAuth = false
	return config
}

func (c *InterceptorConfig) withDefaults() *InterceptorConfig {
	if c == nil {
		c = DefaultInterceptorConfig()
	}
	if c.Config == nil {
		c.Config = DefaultConfig()
	}
	c.Config.EnsureDefaults()
	if c.PublicMethods == nil {
		c.PublicMethods = make(map[string]bool)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// UnaryClientInterceptor validates the session before each unary call and
// attaches its credentials. A call rejected with Unauthenticated is retried
// once after the access token is invalidated.
func UnaryClientInterceptor(src SessionSource, config *InterceptorConfig) grpc.UnaryClientInterceptor {
	config = config.withDefaults()

	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		if isPublic(ctx) || config.PublicMethods[method] {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		authed, err := authorize(ctx, src, config)
		if err != nil {
			return StatusFromError(err)
		}
		err = invoker(authed, method, req, reply, cc, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return err
		}

		config.Logger.Debug("access token rejected, retrying", "method", method)
		if err := src.InvalidateAccessToken(ctx); err != nil {
			return StatusFromError(err)
		}
		authed, err = authorize(ctx, src, config)
		if err != nil {
			return StatusFromError(err)
		}
		return invoker(authed, method, req, reply, cc, opts...)
	}
}

// StreamClientInterceptor is UnaryClientInterceptor for streams. Only a
// stream that fails to open with Unauthenticated is retried.
func StreamClientInterceptor(src SessionSource, config *InterceptorConfig) grpc.StreamClientInterceptor {
	config = config.withDefaults()

	return func(ctx context.Context, desc *grpc.StreamDesc, cc *grpc.ClientConn, method string, streamer grpc.Streamer, opts ...grpc.CallOption) (grpc.ClientStream, error) {
		if isPublic(ctx) || config.PublicMethods[method] {
			return streamer(ctx, desc, cc, method, opts...)
		}

		authed, err := authorize(ctx, src, config)
		if err != nil {
			return nil, StatusFromError(err)
		}
		cs, err := streamer(authed, desc, cc, method, opts...)
		if status.Code(err) != codes.Unauthenticated {
			return cs, err
		}

		config.Logger.Debug("access token rejected, reopening stream", "method", method)
		if err := src.InvalidateAccessToken(ctx); err != nil {
			return nil, StatusFromError(err)
		}
		authed, err = authorize(ctx, src, config)
		if err != nil {
			return nil, StatusFromError(err)
		}
		return streamer(authed, desc, cc, method, opts...)
	}
}

func authorize(ctx context.Context, src SessionSource, config *InterceptorConfig) (context.Context, error) {
	scope := client.MergeScopes(config.Scopes, RequiredScopeFromContext(ctx))
	if err := src.EnsureValidSession(ctx, scope...); err != nil {
		return nil, err
	}
	token, err := src.AccessToken(ctx)
	if err != nil {
		return nil, err
	}
	if token == "" {
		return nil, client.NewError(client.CodeAccessTokenInvalid, "no access token after validation")
	}
	return CredentialsToOutgoingContextWithConfig(ctx, token, src.Identifier(ctx), config.Config), nil
}

// StatusFromError converts a session error into a gRPC status error.
// Status errors are returned unchanged.
func StatusFromError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}
	return status.Error(codeFor(err), err.Error())
}

func codeFor(err error) codes.Code {
	switch {
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}

	switch client.GetCode(err) {
	case client.CodeNetworkTimeout:
		return codes.DeadlineExceeded
	case client.CodeNetworkRequestCancelled, client.CodeMFACancelled, client.CodeAuthenticationProviderCancelled:
		return codes.Canceled
	case client.CodeAccessTokenInsufficientScope:
		return codes.PermissionDenied
	case client.CodeUserSessionIsCurrentlyLocked:
		return codes.FailedPrecondition
	case client.CodeOTPRetryBarred, client.CodeOTPRetryLimitExceeded:
		return codes.ResourceExhausted
	}

	var ce *client.Error
	if !errors.As(err, &ce) {
		return codes.Unknown
	}
	switch ce.Kind() {
	case client.KindConfiguration, client.KindRegistration:
		return codes.FailedPrecondition
	case client.KindAuthentication, client.KindToken, client.KindJWT:
		return codes.Unauthenticated
	case client.KindNetwork:
		return codes.Unavailable
	case client.KindStepUp:
		return codes.PermissionDenied
	default:
		return codes.Unknown
	}
}

// UnaryAuthInterceptor returns a server interceptor that checks the
// credentials attached by the client interceptors.
func UnaryAuthInterceptor(config *InterceptorConfig) grpc.UnaryServerInterceptor {
	config = config.withDefaults()

	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if err := checkIncoming(ctx, info.FullMethod, config); err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// StreamAuthInterceptor is UnaryAuthInterceptor for streams.
func StreamAuthInterceptor(config *InterceptorConfig) grpc.StreamServerInterceptor {
	config = config.withDefaults()

	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if err := checkIncoming(ss.Context(), info.FullMethod, config); err != nil {
			return err
		}
		return handler(srv, ss)
	}
}

func checkIncoming(ctx context.Context, method string, config *InterceptorConfig) error {
	if !config.RequireAuth || config.PublicMethods[method] {
		return nil
	}
	token := BearerFromContextWithConfig(ctx, config.Config)
	if token == "" {
		return status.Error(codes.Unauthenticated, "authentication required")
	}
	if config.Verify != nil {
		if err := config.Verify(ctx, token, IdentifierFromContextWithConfig(ctx, config.Config)); err != nil {
			return status.Error(codes.Unauthenticated, err.Error())
		}
	}
	return nil
}
