package security

import (
	"context"
	"crypto/tls"
	"net"
	"net/http"
	"time"
)

// ClientCertificateSource returns the certificate presented for mutual TLS,
// or nil when there is none yet.
type ClientCertificateSource func() (*tls.Certificate, error)

// TLSConfig returns a client config whose handshake is decided by the
// policy instead of the default verifier.
func (p *Policy) TLSConfig(host string, port int, certs ClientCertificateSource) *tls.Config {
	return &tls.Config{
		ServerName:         host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: true, // replaced by VerifyConnection
		VerifyConnection: func(cs tls.ConnectionState) error {
			return p.Verify(cs.PeerCertificates, host, port)
		},
		GetClientCertificate: func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
			if certs == nil {
				return &tls.Certificate{}, nil
			}
			c, err := certs()
			if err != nil {
				return nil, err
			}
			if c == nil {
				return &tls.Certificate{}, nil
			}
			return c, nil
		},
	}
}

// Transport builds an http.Transport that evaluates every TLS peer against
// the policy during the handshake and presents certs for mutual TLS.
func (p *Policy) Transport(certs ClientCertificateSource) *http.Transport {
	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.TLSClientConfig = nil
	t.DialTLSContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port := SplitDomain(addr)
		raw, err := dialer.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}
		conn := tls.Client(raw, p.TLSConfig(host, port, certs))
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			return nil, err
		}
		return conn, nil
	}
	return t
}
