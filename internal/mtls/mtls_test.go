package mtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writePair(t *testing.T, notBefore, notAfter time.Time) (certFile, keyFile string) {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "bioauth-test"},
		NotBefore:             notBefore,
		NotAfter:              notAfter,
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	dir := t.TempDir()
	certFile = filepath.Join(dir, "client.crt")
	keyFile = filepath.Join(dir, "client.key")
	if err := os.WriteFile(certFile, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(keyFile, pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}), 0600); err != nil {
		t.Fatal(err)
	}
	return certFile, keyFile
}

func TestBuildTLSConfigEmpty(t *testing.T) {
	cfg, err := BuildTLSConfig(Files{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg != nil {
		t.Fatal("expected nil config when no files are set")
	}
}

func TestBuildTLSConfigIncompletePair(t *testing.T) {
	certFile, _ := writePair(t, time.Now().Add(-time.Hour), time.Now().Add(time.Hour))
	if _, err := BuildTLSConfig(Files{CertFile: certFile}); !errors.Is(err, ErrIncompletePair) {
		t.Fatalf("err = %v, want ErrIncompletePair", err)
	}
}

func TestBuildTLSConfigLoadsCertAndCA(t *testing.T) {
	certFile, keyFile := writePair(t, time.Now().Add(-time.Hour), time.Now().Add(24*time.Hour))
	cfg, err := BuildTLSConfig(Files{CertFile: certFile, KeyFile: keyFile, CAFile: certFile})
	if err != nil {
		t.Fatalf("BuildTLSConfig: %v", err)
	}
	if len(cfg.Certificates) != 1 {
		t.Fatalf("certificates = %d, want 1", len(cfg.Certificates))
	}
	if cfg.Certificates[0].Leaf == nil {
		t.Fatal("leaf certificate not parsed")
	}
	if cfg.RootCAs == nil {
		t.Fatal("RootCAs not set")
	}
}

func TestBuildTLSConfigBadCA(t *testing.T) {
	bad := filepath.Join(t.TempDir(), "ca.pem")
	if err := os.WriteFile(bad, []byte("not pem"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := BuildTLSConfig(Files{CAFile: bad}); err == nil {
		t.Fatal("expected error for CA file without certificates")
	}
	if _, err := BuildTLSConfig(Files{CAFile: filepath.Join(t.TempDir(), "missing.pem")}); err == nil {
		t.Fatal("expected error for missing CA file")
	}
}

func TestExpiryChecks(t *testing.T) {
	issued := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cert := &x509.Certificate{NotBefore: issued, NotAfter: issued.Add(90 * 24 * time.Hour)}

	if IsExpired(cert, issued.Add(89*24*time.Hour)) {
		t.Fatal("cert reported expired before NotAfter")
	}
	if !IsExpired(cert, issued.Add(91*24*time.Hour)) {
		t.Fatal("cert not reported expired after NotAfter")
	}
	if NeedsRenewal(cert, issued.Add(30*24*time.Hour)) {
		t.Fatal("renewal requested at 1/3 of lifetime")
	}
	if !NeedsRenewal(cert, issued.Add(61*24*time.Hour)) {
		t.Fatal("renewal not requested past 2/3 of lifetime")
	}
	if IsExpired(nil, time.Now()) || NeedsRenewal(nil, time.Now()) {
		t.Fatal("nil cert should be neither expired nor due")
	}
}
