// Package security decides whether a TLS peer is trusted. Trust is configured
// per (host, port) with an Entry that can pin certificates, public keys or
// public-key hashes, optionally on top of public PKI validation.
package security

import (
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"github.com/jonboulle/clockwork"
)

var (
	// ErrUntrusted is wrapped by every evaluation failure.
	ErrUntrusted = errors.New("security: peer is not trusted")

	// ErrInvalidEntry is returned by Register for entries that could never
	// produce a meaningful decision.
	ErrInvalidEntry = errors.New("security: invalid configuration entry")
)

// PinningMode selects what part of the presented chain is compared against
// the allow-list.
type PinningMode int

const (
	PinningNone PinningMode = iota
	PinningCertificate
	PinningPublicKey
	PinningPublicKeyHash
)

func (m PinningMode) String() string {
	switch m {
	case PinningCertificate:
		return "certificate"
	case PinningPublicKey:
		return "public_key"
	case PinningPublicKeyHash:
		return "public_key_hash"
	default:
		return "none"
	}
}

// ParsePinningMode accepts the names produced by String. An empty string is
// PinningNone.
func ParsePinningMode(s string) (PinningMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "none":
		return PinningNone, nil
	case "certificate":
		return PinningCertificate, nil
	case "public_key", "publickey":
		return PinningPublicKey, nil
	case "public_key_hash", "publickeyhash":
		return PinningPublicKeyHash, nil
	}
	return PinningNone, fmt.Errorf("unknown pinning mode %q", s)
}

// Entry is the trust configuration for one (host, port). Port 0 matches any
// port of the host.
type Entry struct {
	Host string
	Port int

	Mode PinningMode
	// Certificates are pinned certificates (certificate and public_key modes)
	// or private trust anchors (mode none).
	Certificates []*x509.Certificate
	// Hashes are base64 SHA-256 digests of SubjectPublicKeyInfo, optionally
	// prefixed with "sha256/".
	Hashes []string

	ValidateDomainName       bool
	ValidateCertificateChain bool
	TrustPublicPKI           bool

	// Public requests to this host bypass session validation and credential
	// injection.
	Public bool
}

func (e Entry) validate() error {
	if strings.TrimSpace(e.Host) == "" {
		return fmt.Errorf("%w: host is required", ErrInvalidEntry)
	}
	if e.Port < 0 || e.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidEntry, e.Port)
	}
	if !e.TrustPublicPKI && len(e.Certificates) == 0 && len(e.Hashes) == 0 {
		return fmt.Errorf("%w: %s:%d trusts no public PKI and pins nothing", ErrInvalidEntry, e.Host, e.Port)
	}
	if e.Mode == PinningPublicKeyHash && len(e.Hashes) == 0 && len(e.Certificates) == 0 {
		return fmt.Errorf("%w: public_key_hash pinning needs hashes", ErrInvalidEntry)
	}
	if (e.Mode == PinningCertificate || e.Mode == PinningPublicKey) && len(e.Certificates) == 0 {
		return fmt.Errorf("%w: %s pinning needs certificates", ErrInvalidEntry, e.Mode)
	}
	return nil
}

type entryKey struct {
	host string
	port int
}

// Policy holds the registered entries and evaluates chains against them.
type Policy struct {
	mu      sync.RWMutex
	entries map[entryKey]Entry

	roots  *x509.CertPool
	clock  clockwork.Clock
	logger *slog.Logger
}

// Option configures a Policy.
type Option func(*Policy)

// WithRoots replaces the system root pool used for public PKI checks.
func WithRoots(pool *x509.CertPool) Option {
	return func(p *Policy) { p.roots = pool }
}

func WithClock(c clockwork.Clock) Option {
	return func(p *Policy) { p.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Policy) { p.logger = l }
}

func NewPolicy(opts ...Option) *Policy {
	p := &Policy{
		entries: make(map[entryKey]Entry),
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func normalizeHost(h string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(h)), ".")
}

// Register validates and stores e, replacing any entry for the same key.
func (p *Policy) Register(e Entry) error {
	if err := e.validate(); err != nil {
		return err
	}
	e.Host = normalizeHost(e.Host)
	e.Hashes = normalizeHashes(e.Hashes)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[entryKey{e.Host, e.Port}] = e
	return nil
}

// Remove deletes the entry for (host, port). It reports whether one existed.
func (p *Policy) Remove(host string, port int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	k := entryKey{normalizeHost(host), port}
	_, ok := p.entries[k]
	delete(p.entries, k)
	return ok
}

// Lookup finds the entry for (host, port), falling back to the host's
// any-port entry.
func (p *Policy) Lookup(host string, port int) (Entry, bool) {
	host = normalizeHost(host)
	p.mu.RLock()
	defer p.mu.RUnlock()
	if e, ok := p.entries[entryKey{host, port}]; ok {
		return e, true
	}
	e, ok := p.entries[entryKey{host, 0}]
	return e, ok
}

// IsPublic reports whether requests to u skip credential injection.
func (p *Policy) IsPublic(u *url.URL) bool {
	if u == nil {
		return false
	}
	e, ok := p.Lookup(u.Hostname(), urlPort(u))
	return ok && e.Public
}

func urlPort(u *url.URL) int {
	if s := u.Port(); s != "" {
		n, _ := strconv.Atoi(s)
		return n
	}
	if u.Scheme == "http" {
		return 80
	}
	return 443
}

// SplitDomain parses "host" or "host:port"; the port defaults to 443.
func SplitDomain(domain string) (string, int) {
	host, portStr, err := net.SplitHostPort(domain)
	if err != nil {
		return strings.Trim(domain, "[]"), 443
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return host, 443
	}
	return host, port
}

// Evaluate reports whether chain (leaf first) is trusted for domain, which is
// "host" or "host:port".
func (p *Policy) Evaluate(chain []*x509.Certificate, domain string) bool {
	host, port := SplitDomain(domain)
	return p.Verify(chain, host, port) == nil
}

// Verify is Evaluate with the reason for rejection. Errors wrap ErrUntrusted.
func (p *Policy) Verify(chain []*x509.Certificate, host string, port int) error {
	err := p.verify(chain, host, port)
	if err != nil {
		p.logger.Warn("tls peer rejected", "host", host, "port", port, "error", err)
		return fmt.Errorf("%w: %s:%d: %v", ErrUntrusted, host, port, err)
	}
	return nil
}

func (p *Policy) verify(chain []*x509.Certificate, host string, port int) error {
	if len(chain) == 0 {
		return errors.New("empty certificate chain")
	}
	entry, ok := p.Lookup(host, port)
	if !ok {
		return p.verifyPKI(chain, host, p.roots)
	}

	if entry.ValidateDomainName {
		if err := chain[0].VerifyHostname(host); err != nil {
			return err
		}
	}
	if entry.ValidateCertificateChain {
		if err := p.verifyChainLinks(chain); err != nil {
			return err
		}
	}

	if entry.Mode == PinningNone {
		// configured certificates act as private trust anchors
		if len(entry.Certificates) > 0 {
			pool := x509.NewCertPool()
			for _, c := range entry.Certificates {
				pool.AddCert(c)
			}
			if p.verifyPKI(chain, "", pool) == nil {
				return nil
			}
		}
		if entry.TrustPublicPKI {
			return p.verifyPKI(chain, "", p.roots)
		}
		return errors.New("chain does not verify against configured anchors")
	}

	if matchPins(entry, chain) {
		return nil
	}
	if entry.TrustPublicPKI {
		if err := p.verifyPKI(chain, "", p.roots); err != nil {
			return fmt.Errorf("no pin matched and public PKI rejected chain: %w", err)
		}
		return nil
	}
	return fmt.Errorf("no %s pin matched", entry.Mode)
}

func (p *Policy) verifyPKI(chain []*x509.Certificate, host string, roots *x509.CertPool) error {
	inter := x509.NewCertPool()
	for _, c := range chain[1:] {
		inter.AddCert(c)
	}
	_, err := chain[0].Verify(x509.VerifyOptions{
		DNSName:       host,
		Roots:         roots,
		Intermediates: inter,
		CurrentTime:   p.clock.Now(),
	})
	return err
}

// verifyChainLinks checks every certificate is in its validity window and is
// signed by the next one.
func (p *Policy) verifyChainLinks(chain []*x509.Certificate) error {
	now := p.clock.Now()
	for i, c := range chain {
		if now.Before(c.NotBefore) || now.After(c.NotAfter) {
			return fmt.Errorf("certificate %d (%s) outside validity period", i, c.Subject.CommonName)
		}
		if i+1 < len(chain) {
			if err := c.CheckSignatureFrom(chain[i+1]); err != nil {
				return fmt.Errorf("certificate %d not signed by %d: %w", i, i+1, err)
			}
		}
	}
	return nil
}

// matchPins checks every certificate in the chain, not just the leaf.
func matchPins(e Entry, chain []*x509.Certificate) bool {
	switch e.Mode {
	case PinningCertificate:
		for _, c := range chain {
			for _, pin := range e.Certificates {
				if c.Equal(pin) {
					return true
				}
			}
		}
	case PinningPublicKey:
		for _, c := range chain {
			for _, pin := range e.Certificates {
				if string(c.RawSubjectPublicKeyInfo) == string(pin.RawSubjectPublicKeyInfo) {
					return true
				}
			}
		}
	case PinningPublicKeyHash:
		allowed := make(map[string]struct{}, len(e.Hashes)+len(e.Certificates))
		for _, h := range e.Hashes {
			allowed[h] = struct{}{}
		}
		for _, c := range e.Certificates {
			allowed[PublicKeyHash(c)] = struct{}{}
		}
		for _, c := range chain {
			if _, ok := allowed[PublicKeyHash(c)]; ok {
				return true
			}
		}
	}
	return false
}

// PublicKeyHash returns the base64 SHA-256 digest of the certificate's
// SubjectPublicKeyInfo.
func PublicKeyHash(c *x509.Certificate) string {
	sum := sha256.Sum256(c.RawSubjectPublicKeyInfo)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func normalizeHashes(in []string) []string {
	out := make([]string, 0, len(in))
	for _, h := range in {
		h = strings.TrimSpace(h)
		h = strings.TrimPrefix(h, "sha256/")
		if h != "" {
			out = append(out, h)
		}
	}
	return out
}

// ParseCertificatesPEM decodes every CERTIFICATE block in data.
func ParseCertificatesPEM(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		c, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("parse certificate: %w", err)
		}
		certs = append(certs, c)
	}
	if len(certs) == 0 {
		return nil, errors.New("no certificates found in PEM data")
	}
	return certs, nil
}
