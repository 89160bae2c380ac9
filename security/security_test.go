package security

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testChain struct {
	root, intermediate, leaf *x509.Certificate
	other                    *x509.Certificate
}

func newCert(t *testing.T, tmpl *x509.Certificate, parent *x509.Certificate, parentKey *ecdsa.PrivateKey) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	if parent == nil {
		parent, parentKey = tmpl, key
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, parent, &key.PublicKey, parentKey)
	require.NoError(t, err)
	c, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return c, key
}

func newTestChain(t *testing.T) testChain {
	t.Helper()
	now := time.Now()
	ca := func(serial int64, cn string) *x509.Certificate {
		return &x509.Certificate{
			SerialNumber:          big.NewInt(serial),
			Subject:               pkix.Name{CommonName: cn},
			NotBefore:             now.Add(-time.Hour),
			NotAfter:              now.Add(24 * time.Hour),
			IsCA:                  true,
			BasicConstraintsValid: true,
			KeyUsage:              x509.KeyUsageCertSign,
		}
	}
	root, rootKey := newCert(t, ca(1, "root"), nil, nil)
	inter, interKey := newCert(t, ca(2, "intermediate"), root, rootKey)
	leaf, _ := newCert(t, &x509.Certificate{
		SerialNumber: big.NewInt(3),
		Subject:      pkix.Name{CommonName: "api.example.com"},
		DNSNames:     []string{"api.example.com"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}, inter, interKey)
	other, _ := newCert(t, ca(4, "other"), nil, nil)
	return testChain{root: root, intermediate: inter, leaf: leaf, other: other}
}

func (c testChain) presented() []*x509.Certificate {
	return []*x509.Certificate{c.leaf, c.intermediate}
}

func TestRegister_RejectsEntryThatPinsNothing(t *testing.T) {
	p := NewPolicy()
	err := p.Register(Entry{Host: "api.example.com", Port: 443})
	assert.True(t, errors.Is(err, ErrInvalidEntry), "got %v", err)

	err = p.Register(Entry{Host: "api.example.com", Port: 443, TrustPublicPKI: true})
	assert.NoError(t, err)

	err = p.Register(Entry{Host: "", TrustPublicPKI: true})
	assert.True(t, errors.Is(err, ErrInvalidEntry))

	err = p.Register(Entry{Host: "x", Mode: PinningCertificate, Hashes: []string{"abc"}})
	assert.True(t, errors.Is(err, ErrInvalidEntry))
}

func TestEvaluate_PublicKeyHash(t *testing.T) {
	chain := newTestChain(t)
	tests := []struct {
		name   string
		hashes []string
		trust  bool
		want   bool
	}{
		{"leaf hash", []string{PublicKeyHash(chain.leaf)}, false, true},
		{"intermediate hash", []string{PublicKeyHash(chain.intermediate)}, false, true},
		{"prefixed hash", []string{"sha256/" + PublicKeyHash(chain.leaf)}, false, true},
		{"no match", []string{PublicKeyHash(chain.other)}, false, false},
		{"no match with public pki fallback against system roots", []string{PublicKeyHash(chain.other)}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPolicy()
			require.NoError(t, p.Register(Entry{
				Host:           "api.example.com",
				Port:           443,
				Mode:           PinningPublicKeyHash,
				Hashes:         tt.hashes,
				TrustPublicPKI: tt.trust,
			}))
			assert.Equal(t, tt.want, p.Evaluate(chain.presented(), "api.example.com:443"))
		})
	}
}

func TestEvaluate_TrustPublicPKIAcceptsVerifiedChain(t *testing.T) {
	chain := newTestChain(t)
	roots := x509.NewCertPool()
	roots.AddCert(chain.root)

	p := NewPolicy(WithRoots(roots))
	require.NoError(t, p.Register(Entry{
		Host:           "api.example.com",
		Mode:           PinningPublicKeyHash,
		Hashes:         []string{PublicKeyHash(chain.other)},
		TrustPublicPKI: true,
	}))
	assert.True(t, p.Evaluate(chain.presented(), "api.example.com"))
}

func TestEvaluate_CertificateAndPublicKeyModes(t *testing.T) {
	chain := newTestChain(t)

	p := NewPolicy()
	require.NoError(t, p.Register(Entry{Host: "a.example.com", Mode: PinningCertificate, Certificates: []*x509.Certificate{chain.intermediate}}))
	require.NoError(t, p.Register(Entry{Host: "b.example.com", Mode: PinningPublicKey, Certificates: []*x509.Certificate{chain.leaf}}))
	require.NoError(t, p.Register(Entry{Host: "c.example.com", Mode: PinningCertificate, Certificates: []*x509.Certificate{chain.other}}))

	assert.True(t, p.Evaluate(chain.presented(), "a.example.com"))
	assert.True(t, p.Evaluate(chain.presented(), "b.example.com"))
	assert.False(t, p.Evaluate(chain.presented(), "c.example.com"))
}

func TestEvaluate_DomainNameIndependentOfPinning(t *testing.T) {
	chain := newTestChain(t)
	p := NewPolicy()
	require.NoError(t, p.Register(Entry{
		Host:               "wrong.example.com",
		Mode:               PinningPublicKeyHash,
		Hashes:             []string{PublicKeyHash(chain.leaf)},
		ValidateDomainName: true,
	}))
	assert.False(t, p.Evaluate(chain.presented(), "wrong.example.com"))

	require.NoError(t, p.Register(Entry{
		Host:               "api.example.com",
		Mode:               PinningPublicKeyHash,
		Hashes:             []string{PublicKeyHash(chain.leaf)},
		ValidateDomainName: true,
	}))
	assert.True(t, p.Evaluate(chain.presented(), "api.example.com"))
}

func TestEvaluate_ChainValidation(t *testing.T) {
	chain := newTestChain(t)
	entry := Entry{
		Host:                     "api.example.com",
		Mode:                     PinningPublicKeyHash,
		Hashes:                   []string{PublicKeyHash(chain.leaf)},
		ValidateCertificateChain: true,
	}

	p := NewPolicy()
	require.NoError(t, p.Register(entry))
	assert.True(t, p.Evaluate(chain.presented(), "api.example.com"))
	assert.False(t, p.Evaluate([]*x509.Certificate{chain.leaf, chain.other}, "api.example.com"))

	clock := clockwork.NewFakeClockAt(time.Now().Add(48 * time.Hour))
	expired := NewPolicy(WithClock(clock))
	require.NoError(t, expired.Register(entry))
	assert.False(t, expired.Evaluate(chain.presented(), "api.example.com"))
}

func TestEvaluate_PrivateAnchorsInModeNone(t *testing.T) {
	chain := newTestChain(t)
	p := NewPolicy()
	require.NoError(t, p.Register(Entry{Host: "api.example.com", Certificates: []*x509.Certificate{chain.root}}))
	assert.True(t, p.Evaluate(chain.presented(), "api.example.com"))

	require.NoError(t, p.Register(Entry{Host: "api.example.com", Certificates: []*x509.Certificate{chain.other}}))
	assert.False(t, p.Evaluate(chain.presented(), "api.example.com"))
}

func TestEvaluate_NoEntryUsesRoots(t *testing.T) {
	chain := newTestChain(t)
	roots := x509.NewCertPool()
	roots.AddCert(chain.root)

	assert.True(t, NewPolicy(WithRoots(roots)).Evaluate(chain.presented(), "api.example.com"))
	assert.False(t, NewPolicy(WithRoots(roots)).Evaluate(chain.presented(), "other.example.com"))
	assert.False(t, NewPolicy(WithRoots(x509.NewCertPool())).Evaluate(chain.presented(), "api.example.com"))
	assert.False(t, NewPolicy().Evaluate(nil, "api.example.com"))
}

func TestLookup_PortFallbackAndRemove(t *testing.T) {
	p := NewPolicy()
	require.NoError(t, p.Register(Entry{Host: "API.example.com", TrustPublicPKI: true, Public: true}))
	require.NoError(t, p.Register(Entry{Host: "api.example.com", Port: 8443, TrustPublicPKI: true}))

	e, ok := p.Lookup("api.example.com", 443)
	require.True(t, ok)
	assert.True(t, e.Public)

	e, ok = p.Lookup("api.example.com", 8443)
	require.True(t, ok)
	assert.False(t, e.Public)

	assert.True(t, p.IsPublic(&url.URL{Scheme: "https", Host: "api.example.com"}))
	assert.False(t, p.IsPublic(&url.URL{Scheme: "https", Host: "api.example.com:8443"}))

	assert.True(t, p.Remove("api.example.com", 0))
	assert.False(t, p.Remove("api.example.com", 0))
	_, ok = p.Lookup("api.example.com", 443)
	assert.False(t, ok)
}

func TestParsePinningMode(t *testing.T) {
	for _, m := range []PinningMode{PinningNone, PinningCertificate, PinningPublicKey, PinningPublicKeyHash} {
		got, err := ParsePinningMode(m.String())
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}
	_, err := ParsePinningMode("fingerprint")
	assert.Error(t, err)
}

func TestParseCertificatesPEM(t *testing.T) {
	chain := newTestChain(t)
	data := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.leaf.Raw})
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: []byte("skip")})...)
	data = append(data, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: chain.root.Raw})...)

	certs, err := ParseCertificatesPEM(data)
	require.NoError(t, err)
	require.Len(t, certs, 2)
	assert.True(t, certs[0].Equal(chain.leaf))

	_, err = ParseCertificatesPEM([]byte("nothing"))
	assert.Error(t, err)
}

func TestTransport_PinsAgainstLiveServer(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(u.Host)
	require.NoError(t, err)
	port, _ := strconv.Atoi(portStr)

	t.Run("matching pin", func(t *testing.T) {
		p := NewPolicy()
		require.NoError(t, p.Register(Entry{
			Host:   host,
			Port:   port,
			Mode:   PinningPublicKeyHash,
			Hashes: []string{PublicKeyHash(srv.Certificate())},
		}))
		resp, err := (&http.Client{Transport: p.Transport(nil)}).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	})

	t.Run("mismatched pin", func(t *testing.T) {
		chain := newTestChain(t)
		p := NewPolicy()
		require.NoError(t, p.Register(Entry{
			Host:   host,
			Port:   port,
			Mode:   PinningPublicKeyHash,
			Hashes: []string{PublicKeyHash(chain.other)},
		}))
		_, err := (&http.Client{Transport: p.Transport(nil)}).Get(srv.URL)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrUntrusted), "got %v", err)
	})

	t.Run("no entry uses configured roots", func(t *testing.T) {
		roots := x509.NewCertPool()
		roots.AddCert(srv.Certificate())
		p := NewPolicy(WithRoots(roots))
		resp, err := (&http.Client{Transport: p.Transport(nil)}).Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
	})
}
