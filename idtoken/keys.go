package idtoken

import (
	"context"
	"crypto"
	"encoding/json"
	"fmt"

	keyfunc "github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// KeySource resolves the verification key for a parsed token.
// keyfunc.Keyfunc satisfies it.
type KeySource interface {
	Keyfunc(t *jwt.Token) (any, error)
}

// StaticKeys serves HMAC tokens with a shared secret and asymmetric tokens
// from a fixed set of public keys.
type StaticKeys struct {
	// HMACSecret verifies HS* tokens; the gateway signs id_tokens with the
	// client secret.
	HMACSecret []byte
	// PublicKeys by kid. When the token has no kid and there is exactly one
	// key, that key is used.
	PublicKeys map[string]crypto.PublicKey
}

func (k StaticKeys) Keyfunc(t *jwt.Token) (any, error) {
	if _, ok := t.Method.(*jwt.SigningMethodHMAC); ok {
		if len(k.HMACSecret) == 0 {
			return nil, fmt.Errorf("no secret for %s", t.Method.Alg())
		}
		return k.HMACSecret, nil
	}
	kid, _ := t.Header["kid"].(string)
	if key, ok := k.PublicKeys[kid]; ok {
		return key, nil
	}
	if kid == "" && len(k.PublicKeys) == 1 {
		for _, key := range k.PublicKeys {
			return key, nil
		}
	}
	return nil, fmt.Errorf("unknown kid %q", kid)
}

// JWKSKeys resolves keys from remote JWK Set URLs, refreshed in the
// background until ctx is done.
func JWKSKeys(ctx context.Context, urls ...string) (KeySource, error) {
	if len(urls) == 0 {
		return nil, fmt.Errorf("at least one jwks url is required")
	}
	kf, err := keyfunc.NewDefaultCtx(ctx, urls)
	if err != nil {
		return nil, fmt.Errorf("jwks init failed: %w", err)
	}
	return kf, nil
}

// JWKSKeysJSON resolves keys from a literal JWK Set document.
func JWKSKeysJSON(raw []byte) (KeySource, error) {
	kf, err := keyfunc.NewJWKSetJSON(json.RawMessage(raw))
	if err != nil {
		return nil, fmt.Errorf("jwks parse failed: %w", err)
	}
	return kf, nil
}
