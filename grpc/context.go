// Package grpc carries a mobileauth session into outbound gRPC calls.
//
// The client interceptors make sure the session is valid before each RPC and
// attach the access token and device identifier as metadata. The context
// helpers read the same metadata back on the receiving side, which is useful
// for services and tests behind the gateway.
package grpc

import (
	"context"
	"slices"
	"strings"

	"google.golang.org/grpc/metadata"
)

// Default metadata keys for session credentials.
const (
	// DefaultMetadataKeyAuthorization carries "Bearer <access token>".
	DefaultMetadataKeyAuthorization = "authorization"

	// DefaultMetadataKeyIdentifier carries the device's mag-identifier.
	DefaultMetadataKeyIdentifier = "mag-identifier"
)

// Config holds the metadata key configuration.
type Config struct {
	// MetadataKeyAuthorization defaults to "authorization".
	MetadataKeyAuthorization string

	// MetadataKeyIdentifier defaults to "mag-identifier".
	MetadataKeyIdentifier string
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		MetadataKeyAuthorization: DefaultMetadataKeyAuthorization,
		MetadataKeyIdentifier:    DefaultMetadataKeyIdentifier,
	}
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.MetadataKeyAuthorization == "" {
		c.MetadataKeyAuthorization = DefaultMetadataKeyAuthorization
	}
	if c.MetadataKeyIdentifier == "" {
		c.MetadataKeyIdentifier = DefaultMetadataKeyIdentifier
	}
}

type scopeKey struct{}
type publicKey struct{}

// WithRequiredScope makes the interceptors require scope for calls made
// with ctx, on top of the configured scopes.
func WithRequiredScope(ctx context.Context, scope ...string) context.Context {
	return context.WithValue(ctx, scopeKey{}, slices.Clone(scope))
}

// RequiredScopeFromContext returns the scope set with WithRequiredScope.
func RequiredScopeFromContext(ctx context.Context) []string {
	scope, _ := ctx.Value(scopeKey{}).([]string)
	return scope
}

// WithPublic marks calls made with ctx as public: no session validation and
// no credentials attached.
func WithPublic(ctx context.Context) context.Context {
	return context.WithValue(ctx, publicKey{}, true)
}

func isPublic(ctx context.Context) bool {
	v, _ := ctx.Value(publicKey{}).(bool)
	return v
}

// CredentialsToOutgoingContext attaches the access token and identifier to
// outgoing metadata. Existing values for the same keys are replaced.
func CredentialsToOutgoingContext(ctx context.Context, accessToken, identifier string) context.Context {
	return CredentialsToOutgoingContextWithConfig(ctx, accessToken, identifier, nil)
}

// CredentialsToOutgoingContextWithConfig is CredentialsToOutgoingContext with custom keys.
func CredentialsToOutgoingContextWithConfig(ctx context.Context, accessToken, identifier string, config *Config) context.Context {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	md, _ := metadata.FromOutgoingContext(ctx)
	md = md.Copy()
	md.Set(config.MetadataKeyAuthorization, "Bearer "+accessToken)
	if identifier != "" {
		md.Set(config.MetadataKeyIdentifier, identifier)
	} else {
		md.Delete(config.MetadataKeyIdentifier)
	}
	return metadata.NewOutgoingContext(ctx, md)
}

// BearerFromContext extracts the bearer token from incoming metadata.
// Returns empty string if there is none.
func BearerFromContext(ctx context.Context) string {
	return BearerFromContextWithConfig(ctx, nil)
}

// BearerFromContextWithConfig extracts the bearer token using the specified config.
func BearerFromContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()

	v := firstIncoming(ctx, config.MetadataKeyAuthorization)
	scheme, token, ok := strings.Cut(v, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

// IdentifierFromContext extracts the mag-identifier from incoming metadata.
func IdentifierFromContext(ctx context.Context) string {
	return IdentifierFromContextWithConfig(ctx, nil)
}

// IdentifierFromContextWithConfig extracts the identifier using the specified config.
func IdentifierFromContextWithConfig(ctx context.Context, config *Config) string {
	if config == nil {
		config = DefaultConfig()
	}
	config.EnsureDefaults()
	return firstIncoming(ctx, config.MetadataKeyIdentifier)
}

// IsAuthenticated returns true if the incoming call carries a bearer token.
func IsAuthenticated(ctx context.Context) bool {
	return BearerFromContext(ctx) != ""
}

func firstIncoming(ctx context.Context, key string) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	if values := md.Get(key); len(values) > 0 {
		return values[0]
	}
	return ""
}
