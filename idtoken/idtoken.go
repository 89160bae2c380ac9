// Package idtoken builds and validates the signed tokens the gateway hands
// out alongside the access token, and the device-signed user claims the
// client sends back.
package idtoken

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// Validation failures. Callers branch on which check failed, so each has its
// own sentinel.
var (
	ErrMalformed        = errors.New("idtoken: malformed token")
	ErrInvalidSignature = errors.New("idtoken: invalid signature")
	ErrExpired          = errors.New("idtoken: token expired")
	ErrInvalidAud       = errors.New("idtoken: audience mismatch")
	ErrInvalidAzp       = errors.New("idtoken: authorized party mismatch")
	ErrInvalidClaims    = errors.New("idtoken: invalid claims")
	ErrSerialization    = errors.New("idtoken: unable to serialize token")
)

// TypeJWT is the id-token-type the gateway reports for JWT id_tokens.
const TypeJWT = "urn:ietf:params:oauth:grant-type:jwt-bearer"

// SigningKey pairs a signing method with its key material.
type SigningKey struct {
	Method jwt.SigningMethod
	Key    any
	KeyID  string
}

// HMACKey signs with HS256 using secret, typically the client secret.
func HMACKey(secret []byte) SigningKey {
	return SigningKey{Method: jwt.SigningMethodHS256, Key: secret}
}

// Service validates tokens for one client.
type Service struct {
	clientID    string
	keys        KeySource
	allowedAlgs []string
	leeway      time.Duration
	clock       clockwork.Clock
	logger      *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

func WithClock(c clockwork.Clock) Option {
	return func(s *Service) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithLeeway tolerates clock skew on exp.
func WithLeeway(d time.Duration) Option {
	return func(s *Service) { s.leeway = d }
}

// WithAllowedAlgs restricts accepted signing algorithms.
func WithAllowedAlgs(algs ...string) Option {
	return func(s *Service) { s.allowedAlgs = algs }
}

// New creates a Service checking aud/azp against clientID. keys may be nil,
// in which case only unverified validation is possible.
func New(clientID string, keys KeySource, opts ...Option) *Service {
	s := &Service{
		clientID:    clientID,
		keys:        keys,
		allowedAlgs: []string{"HS256", "HS384", "HS512", "RS256", "RS384", "RS512", "ES256", "ES384", "ES512", "PS256"},
		clock:       clockwork.NewRealClock(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ClientID returns the audience the service validates against.
func (s *Service) ClientID() string { return s.clientID }

// SetKeys replaces the verification keys, e.g. after the client secret
// rotates.
func (s *Service) SetKeys(keys KeySource) { s.keys = keys }

// CanVerify reports whether signature verification is possible.
func (s *Service) CanVerify() bool { return s.keys != nil }

// Build signs claims with key.
func (s *Service) Build(claims jwt.MapClaims, key SigningKey) (string, error) {
	if key.Method == nil {
		return "", fmt.Errorf("%w: signing method is required", ErrSerialization)
	}
	if _, ok := claims["iat"]; !ok {
		claims["iat"] = s.clock.Now().Unix()
	}
	token := jwt.NewWithClaims(key.Method, claims)
	if key.KeyID != "" {
		token.Header["kid"] = key.KeyID
	}
	signed, err := token.SignedString(key.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return signed, nil
}

// Validate checks, in order: format, signature (unless skipSignature), exp,
// aud and azp. keyID, when set, selects the verification key instead of the
// token's own kid header.
func (s *Service) Validate(ctx context.Context, token, keyID string, skipSignature bool) (jwt.MapClaims, error) {
	if strings.Count(token, ".") != 2 {
		return nil, fmt.Errorf("%w: expected three segments", ErrMalformed)
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods(s.allowedAlgs),
		jwt.WithoutClaimsValidation(),
	)

	claims := jwt.MapClaims{}
	if skipSignature {
		if _, _, err := parser.ParseUnverified(token, claims); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	} else {
		if s.keys == nil {
			return nil, fmt.Errorf("%w: no verification keys configured", ErrInvalidSignature)
		}
		_, err := parser.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
			if keyID != "" {
				t.Header["kid"] = keyID
			}
			return s.keys.Keyfunc(t)
		})
		if err != nil {
			return nil, classifyParseError(err)
		}
	}

	if err := s.checkClaims(claims); err != nil {
		s.logger.DebugContext(ctx, "id_token rejected", "error", err)
		return nil, err
	}
	return claims, nil
}

func classifyParseError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenMalformed):
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid),
		errors.Is(err, jwt.ErrTokenUnverifiable),
		errors.Is(err, jwt.ErrSignatureInvalid):
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
}

func (s *Service) checkClaims(claims jwt.MapClaims) error {
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: exp: %v", ErrInvalidClaims, err)
	}
	if exp == nil {
		return fmt.Errorf("%w: missing exp", ErrInvalidClaims)
	}
	if !s.clock.Now().Before(exp.Add(s.leeway)) {
		return fmt.Errorf("%w: expired at %s", ErrExpired, exp.UTC().Format(time.RFC3339))
	}

	if s.clientID == "" {
		return nil
	}
	aud, err := claims.GetAudience()
	if err != nil {
		return fmt.Errorf("%w: aud: %v", ErrInvalidClaims, err)
	}
	if !slices.Contains(aud, s.clientID) {
		return fmt.Errorf("%w: %v does not include %s", ErrInvalidAud, []string(aud), s.clientID)
	}

	azp, present := claims["azp"]
	if !present {
		if len(aud) > 1 {
			return fmt.Errorf("%w: missing azp with multiple audiences", ErrInvalidAzp)
		}
		return nil
	}
	if v, ok := azp.(string); !ok || v != s.clientID {
		return fmt.Errorf("%w: %v", ErrInvalidAzp, azp)
	}
	return nil
}

// ExpiresAt returns the exp claim without verifying anything else.
func ExpiresAt(token string) (time.Time, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return time.Time{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, fmt.Errorf("%w: missing exp", ErrInvalidClaims)
	}
	return exp.Time, nil
}
