// Package mtls builds the TLS configuration for the credential service from
// the certificate files named in the config.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/breeze-rmm/bioauth/internal/logging"
)

var log = logging.L("mtls")

// ErrIncompletePair is returned when only one of cert and key is configured.
var ErrIncompletePair = errors.New("mtls: tls_cert_file and tls_key_file must be set together")

// Files names the PEM files to load. Empty fields are skipped.
type Files struct {
	CertFile string
	KeyFile  string
	CAFile   string
}

func (f Files) empty() bool {
	return f.CertFile == "" && f.KeyFile == "" && f.CAFile == ""
}

// LoadClientCert reads a PEM certificate and private key pair.
func LoadClientCert(certFile, keyFile string) (*tls.Certificate, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load mTLS key pair: %w", err)
	}
	if cert.Leaf == nil && len(cert.Certificate) > 0 {
		leaf, err := x509.ParseCertificate(cert.Certificate[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse mTLS certificate: %w", err)
		}
		cert.Leaf = leaf
	}
	return &cert, nil
}

// BuildTLSConfig returns a TLS config with the client certificate and extra
// root CAs loaded. Returns nil when no files are configured, which means the
// default transport settings apply.
func BuildTLSConfig(files Files) (*tls.Config, error) {
	if files.empty() {
		return nil, nil
	}
	if (files.CertFile == "") != (files.KeyFile == "") {
		return nil, ErrIncompletePair
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}

	if files.CertFile != "" {
		cert, err := LoadClientCert(files.CertFile, files.KeyFile)
		if err != nil {
			return nil, err
		}
		warnOnExpiry(cert.Leaf, time.Now())
		cfg.Certificates = []tls.Certificate{*cert}
	}

	if files.CAFile != "" {
		pem, err := os.ReadFile(files.CAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA file: %w", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil || pool == nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in CA file %s", files.CAFile)
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}

// IsExpired reports whether now is past the certificate's NotAfter.
// A nil certificate is not expired.
func IsExpired(cert *x509.Certificate, now time.Time) bool {
	if cert == nil {
		return false
	}
	return now.After(cert.NotAfter)
}

// NeedsRenewal reports whether the certificate has passed 2/3 of its
// lifetime.
func NeedsRenewal(cert *x509.Certificate, now time.Time) bool {
	if cert == nil {
		return false
	}
	lifetime := cert.NotAfter.Sub(cert.NotBefore)
	if lifetime <= 0 {
		return true
	}
	threshold := cert.NotBefore.Add(lifetime * 2 / 3)
	return now.After(threshold)
}

func warnOnExpiry(cert *x509.Certificate, now time.Time) {
	switch {
	case IsExpired(cert, now):
		log.Warn("mTLS client certificate has expired, the credential service will likely refuse it",
			"notAfter", cert.NotAfter.Format(time.RFC3339))
	case NeedsRenewal(cert, now):
		log.Info("mTLS client certificate is due for renewal",
			"notAfter", cert.NotAfter.Format(time.RFC3339))
	}
}
