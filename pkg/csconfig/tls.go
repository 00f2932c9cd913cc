package csconfig

import (
	"crypto/tls"

	"github.com/cipherstash/csproxy/pkg/csproxyerr"
)

// ServerTLSConfig builds the *tls.Config the proxy terminates client
// TLS with, preferring inline PEM material over a filesystem path.
func (t TLS) ServerTLSConfig() (*tls.Config, error) {
	cert, err := t.loadKeyPair()
	if err != nil {
		return nil, err
	}
	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}

func (t TLS) loadKeyPair() (tls.Certificate, error) {
	if t.CertificatePEM != "" && t.PrivateKeyPEM != "" {
		cert, err := tls.X509KeyPair([]byte(t.CertificatePEM), []byte(t.PrivateKeyPEM))
		if err != nil {
			return tls.Certificate{}, csproxyerr.Wrap(csproxyerr.KindConfiguration, "", "invalid inline TLS material", err)
		}
		return cert, nil
	}
	if t.CertificatePath != "" && t.PrivateKeyPath != "" {
		cert, err := tls.LoadX509KeyPair(t.CertificatePath, t.PrivateKeyPath)
		if err != nil {
			return tls.Certificate{}, csproxyerr.Wrap(csproxyerr.KindConfiguration, "", "failed to load TLS material from disk", err)
		}
		return cert, nil
	}
	return tls.Certificate{}, csproxyerr.ErrConfigMissingField.WithDetail("tls certificate/key not configured")
}
