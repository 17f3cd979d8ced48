package responder

import (
	"context"
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/ocsp"
	"github.com/remiblancher/qocsp/internal/truststore"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// =============================================================================
// Test Helpers
// =============================================================================

// testPKI is a CA with a delegated responder and three leaves.
type testPKI struct {
	caKey         *ecdsa.PrivateKey
	caCert        *x509.Certificate
	responderKey  *ecdsa.PrivateKey
	responderCert *x509.Certificate
	good          *x509.Certificate
	revoked       *x509.Certificate
	missing       *x509.Certificate
	store         *truststore.Store
}

func generateKey(t *testing.T) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate key: %v", err)
	}
	return priv
}

func generateTestCA(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := generateKey(t)
	cert, _, err := x509util.NewCertificateBuilder().
		CommonName(cn).
		ValidFor(24*time.Hour).
		CA(1).
		BuildAndSign(&key.PublicKey, nil, key)
	if err != nil {
		t.Fatalf("Failed to create CA: %v", err)
	}
	return cert, key
}

func issueTestCertificate(t *testing.T, issuer *x509.Certificate, issuerKey crypto.Signer, cn string) *x509.Certificate {
	t.Helper()
	key := generateKey(t)
	cert, _, err := x509util.NewCertificateBuilder().
		CommonName(cn).
		ValidFor(12*time.Hour).
		TLSServer().
		BuildAndSign(&key.PublicKey, issuer, issuerKey)
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}
	return cert
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caCert, caKey := generateTestCA(t, "Responder Test CA")

	respKey := generateKey(t)
	respCert, _, err := x509util.NewCertificateBuilder().
		CommonName("Responder Test OCSP").
		ValidFor(12*time.Hour).
		EndEntity().
		OCSPSigning().
		OCSPNoCheck().
		BuildAndSign(&respKey.PublicKey, caCert, caKey)
	if err != nil {
		t.Fatalf("Failed to create responder certificate: %v", err)
	}

	store := truststore.New()
	store.AddRoot(caCert)

	return &testPKI{
		caKey:         caKey,
		caCert:        caCert,
		responderKey:  respKey,
		responderCert: respCert,
		good:          issueTestCertificate(t, caCert, caKey, "good.example.com"),
		revoked:       issueTestCertificate(t, caCert, caKey, "revoked.example.com"),
		missing:       issueTestCertificate(t, caCert, caKey, "missing.example.com"),
		store:         store,
	}
}

func newTestSigner(t *testing.T, key any) *pkicrypto.Signer {
	t.Helper()
	kp, err := pkicrypto.NewKeyPair(key)
	if err != nil {
		t.Fatalf("NewKeyPair() error = %v", err)
	}
	t.Cleanup(func() { _ = kp.Close() })
	s, err := pkicrypto.NewSigner(kp, crypto.SHA256)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return s
}

// statusYAML renders a status table marking pki.good good and pki.revoked
// revoked for keyCompromise.
func statusYAML(pki *testPKI) string {
	return fmt.Sprintf(`certificates:
  - serial: "%s"
    status: good
  - serial: "%s"
    status: revoked
    revoked_at: 2024-05-01T10:00:00Z
    reason: keyCompromise
`, ocsp.SerialHex(pki.good.SerialNumber), ocsp.SerialHex(pki.revoked.SerialNumber))
}

func writeStatusFile(t *testing.T, path, content string) {
	t.Helper()
	// Write then rename so watchers see a complete file.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(content), 0600); err != nil {
		t.Fatalf("failed to write status file: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("failed to rename status file: %v", err)
	}
}

// newTestResponder writes the default status table to a temp dir and
// creates a responder for it.
func newTestResponder(t *testing.T, pki *testPKI, opts Options) (*Responder, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "status.yaml")
	writeStatusFile(t, path, statusYAML(pki))

	if opts.Certificate == nil {
		opts.Certificate = pki.responderCert
		opts.Issuer = pki.caCert
		opts.Signer = newTestSigner(t, pki.responderKey)
	}
	opts.StatusFile = path

	r, err := New(context.Background(), opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return r, path
}

// newTestRequest encodes a request for certs issued by issuer.
func newTestRequest(t *testing.T, issuer *x509.Certificate, url string, nonce bool, certs ...*x509.Certificate) *ocsp.Request {
	t.Helper()
	b, err := ocsp.NewRequestForCertificates(certs, issuer)
	if err != nil {
		t.Fatalf("NewRequestForCertificates() error = %v", err)
	}
	req, err := b.SetNonce(nonce).SetURL(url).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return req
}
