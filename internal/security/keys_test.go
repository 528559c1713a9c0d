package security

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestCert(t *testing.T, cn string) *x509.Certificate {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: cn},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate: %v", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatalf("ParseCertificate: %v", err)
	}
	return cert
}

func TestLoadPEM_InlineWithLiteralNewlines(t *testing.T) {
	got, err := LoadPEM(`-----BEGIN CERTIFICATE-----\nAAAA\n-----END CERTIFICATE-----`)
	if err != nil {
		t.Fatalf("LoadPEM: %v", err)
	}
	if !strings.Contains(string(got), "\nAAAA\n") {
		t.Errorf("LoadPEM did not convert literal newlines: %q", got)
	}
}

func TestLoadPEM_EmptyAndWhitespace(t *testing.T) {
	for _, s := range []string{"", "   "} {
		if _, err := LoadPEM(s); err != ErrInvalidKey {
			t.Errorf("LoadPEM(%q): want ErrInvalidKey, got %v", s, err)
		}
	}
}

func TestLoadPEM_InvalidFile(t *testing.T) {
	if _, err := LoadPEM(filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatal("LoadPEM with missing file should fail")
	}
}

func TestParseCertificates_InlineAndFile(t *testing.T) {
	a := newTestCert(t, "idp-a")
	b := newTestCert(t, "idp-b")
	bundle := EncodeCertificate(a) + EncodeCertificate(b)

	certs, err := ParseCertificates(bundle)
	if err != nil {
		t.Fatalf("ParseCertificates inline: %v", err)
	}
	if len(certs) != 2 || certs[1].Subject.CommonName != "idp-b" {
		t.Fatalf("ParseCertificates = %d certs, want 2 with idp-b second", len(certs))
	}

	path := filepath.Join(t.TempDir(), "idp.pem")
	if err := os.WriteFile(path, []byte(EncodeCertificate(a)), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	certs, err = ParseCertificates(path)
	if err != nil {
		t.Fatalf("ParseCertificates file: %v", err)
	}
	if certs[0].Subject.CommonName != "idp-a" {
		t.Errorf("CommonName = %q, want idp-a", certs[0].Subject.CommonName)
	}
}

func TestParseCertificates_NoCertificateBlock(t *testing.T) {
	_, err := ParseCertificates("-----BEGIN PUBLIC KEY-----\nAAAA\n-----END PUBLIC KEY-----")
	if err != ErrInvalidKey {
		t.Errorf("want ErrInvalidKey, got %v", err)
	}
}
