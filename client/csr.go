package client

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
)

// deviceKey is a freshly generated device key pair with its CSR.
type deviceKey struct {
	PKCS8 []byte
	CSR   []byte // PEM
}

// newDeviceKey generates a P-256 key and a CSR naming the subject, the
// device and the organization.
func newDeviceKey(commonName, deviceID, organization string) (*deviceKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate device key: %w", err)
	}
	subject := pkix.Name{CommonName: commonName}
	if deviceID != "" {
		subject.OrganizationalUnit = []string{deviceID}
	}
	if organization != "" {
		subject.Organization = []string{organization}
	}
	der, err := x509.CreateCertificateRequest(rand.Reader, &x509.CertificateRequest{
		Subject:            subject,
		SignatureAlgorithm: x509.ECDSAWithSHA256,
	}, key)
	if err != nil {
		return nil, fmt.Errorf("create csr: %w", err)
	}
	pkcs8, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal device key: %w", err)
	}
	return &deviceKey{
		PKCS8: pkcs8,
		CSR:   pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der}),
	}, nil
}
