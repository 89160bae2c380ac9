package idtoken

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-jose/go-jose/v4"
)

// DefaultUserClaimsTTL bounds the lifetime of device-signed claims.
const DefaultUserClaimsTTL = 5 * time.Minute

var userClaimsAlgs = []jose.SignatureAlgorithm{
	jose.ES256, jose.ES384, jose.ES512, jose.RS256, jose.PS256, jose.EdDSA,
}

func signatureAlgorithm(key crypto.Signer) (jose.SignatureAlgorithm, error) {
	switch k := key.Public().(type) {
	case *ecdsa.PublicKey:
		switch k.Curve {
		case elliptic.P256():
			return jose.ES256, nil
		case elliptic.P384():
			return jose.ES384, nil
		case elliptic.P521():
			return jose.ES512, nil
		}
	case *rsa.PublicKey:
		return jose.RS256, nil
	case ed25519.PublicKey:
		return jose.EdDSA, nil
	}
	return "", fmt.Errorf("unsupported device key %T", key.Public())
}

// SignUserClaims produces a compact JWS over claims, signed with the device
// key and carrying the device certificate in x5c so the gateway can tie the
// claims to the registered device. iat and exp are filled in when absent.
func (s *Service) SignUserClaims(claims map[string]any, cert *x509.Certificate, key crypto.Signer) (string, error) {
	if cert == nil || key == nil {
		return "", fmt.Errorf("%w: device certificate and key are required", ErrSerialization)
	}
	alg, err := signatureAlgorithm(key)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	body := make(map[string]any, len(claims)+2)
	for k, v := range claims {
		body[k] = v
	}
	now := s.clock.Now()
	if _, ok := body["iat"]; !ok {
		body["iat"] = now.Unix()
	}
	if _, ok := body["exp"]; !ok {
		body["exp"] = now.Add(DefaultUserClaimsTTL).Unix()
	}
	if _, ok := body["aud"]; !ok && s.clientID != "" {
		body["aud"] = s.clientID
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	opts := (&jose.SignerOptions{}).
		WithType("JWT").
		WithHeader("x5c", []string{base64.StdEncoding.EncodeToString(cert.Raw)})
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: alg, Key: key}, opts)
	if err != nil {
		return "", fmt.Errorf("%w: failed to create signer: %v", ErrSerialization, err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("%w: failed to sign payload: %v", ErrSerialization, err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("%w: failed to serialize jws: %v", ErrSerialization, err)
	}
	return compact, nil
}

// VerifyUserClaims checks the x5c chain against opts, the signature against
// the leaf key and exp against the service clock.
func (s *Service) VerifyUserClaims(token string, opts x509.VerifyOptions) (map[string]any, *x509.Certificate, error) {
	jws, err := jose.ParseSigned(token, userClaimsAlgs)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, nil, fmt.Errorf("%w: unexpected signatures: %d", ErrMalformed, len(jws.Signatures))
	}
	if len(opts.KeyUsages) == 0 {
		opts.KeyUsages = []x509.ExtKeyUsage{x509.ExtKeyUsageAny}
	}
	if opts.CurrentTime.IsZero() {
		opts.CurrentTime = s.clock.Now()
	}
	chains, err := jws.Signatures[0].Protected.Certificates(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: x5c: %v", ErrInvalidSignature, err)
	}
	leaf := chains[0][0]
	payload, err := jws.Verify(leaf.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	var claims map[string]any
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidClaims, err)
	}
	exp, ok := claims["exp"].(float64)
	if !ok {
		return nil, nil, fmt.Errorf("%w: missing exp", ErrInvalidClaims)
	}
	if !s.clock.Now().Before(time.Unix(int64(exp), 0).Add(s.leeway)) {
		return nil, nil, fmt.Errorf("%w: user claims expired", ErrExpired)
	}
	return claims, leaf, nil
}
