package ocsp

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"testing"
	"time"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/truststore"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// =============================================================================
// Test Helpers
// =============================================================================

// testPKI is a root CA, a delegated OCSP responder and a leaf.
type testPKI struct {
	caKey         *ecdsa.PrivateKey
	caCert        *x509.Certificate
	responderKey  *ecdsa.PrivateKey
	responderCert *x509.Certificate
	leafKey       *ecdsa.PrivateKey
	leaf          *x509.Certificate
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

// generateTestCA creates a self-signed root CA.
func generateTestCA(t *testing.T, cn string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := generateKey(t)
	cert, _, err := x509util.NewCertificateBuilder().
		CommonName(cn).
		Organization("Test Org").
		ValidFor(24 * time.Hour).
		CA(1).
		BuildAndSign(&key.PublicKey, nil, key)
	if err != nil {
		t.Fatalf("Failed to create CA: %v", err)
	}
	return cert, key
}

// issueTestCertificate issues an end-entity certificate pointing at ocspURL.
func issueTestCertificate(t *testing.T, issuer *x509.Certificate, issuerKey crypto.Signer, cn, ocspURL string) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := generateKey(t)
	b := x509util.NewCertificateBuilder().
		CommonName(cn).
		ValidFor(12 * time.Hour).
		TLSServer()
	if ocspURL != "" {
		b = b.OCSPServers(ocspURL)
	}
	cert, _, err := b.BuildAndSign(&key.PublicKey, issuer, issuerKey)
	if err != nil {
		t.Fatalf("Failed to issue certificate: %v", err)
	}
	return cert, key
}

// generateOCSPResponderCert issues a delegated responder certificate. The
// flags select the OCSPSigning EKU and the nocheck extension.
func generateOCSPResponderCert(t *testing.T, issuer *x509.Certificate, issuerKey crypto.Signer, withEKU, withNoCheck bool) (*x509.Certificate, *ecdsa.PrivateKey) {
	t.Helper()
	key := generateKey(t)
	b := x509util.NewCertificateBuilder().
		CommonName("Test OCSP Responder").
		ValidFor(12 * time.Hour).
		EndEntity()
	if withEKU {
		b = b.ExtKeyUsage(x509.ExtKeyUsageOCSPSigning)
	}
	if withNoCheck {
		b = b.OCSPNoCheck()
	}
	cert, _, err := b.BuildAndSign(&key.PublicKey, issuer, issuerKey)
	if err != nil {
		t.Fatalf("Failed to create responder certificate: %v", err)
	}
	return cert, key
}

func newTestPKI(t *testing.T) *testPKI {
	t.Helper()
	caCert, caKey := generateTestCA(t, "Test Root CA")
	respCert, respKey := generateOCSPResponderCert(t, caCert, caKey, true, true)
	leaf, leafKey := issueTestCertificate(t, caCert, caKey, "leaf.example.com", "http://ocsp.example.com")

	store := truststore.New()
	store.AddRoot(caCert)

	return &testPKI{
		caKey:         caKey,
		caCert:        caCert,
		responderKey:  respKey,
		responderCert: respCert,
		leafKey:       leafKey,
		leaf:          leaf,
		store:         store,
	}
}

func newTestSigner(t *testing.T, key any, h crypto.Hash) *pkicrypto.Signer {
	t.Helper()
	kp, err := pkicrypto.NewKeyPair(key)
	if err != nil {
		t.Fatalf("NewKeyPair() error = %v", err)
	}
	t.Cleanup(func() { _ = kp.Close() })
	s, err := pkicrypto.NewSigner(kp, h)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	return s
}

func mustCertID(t *testing.T, issuer, leaf *x509.Certificate) *CertID {
	t.Helper()
	id, err := NewCertID(issuer, leaf)
	if err != nil {
		t.Fatalf("NewCertID() error = %v", err)
	}
	return id
}

// encodeTestRequest encodes an unsigned request for leaf.
func encodeTestRequest(t *testing.T, pki *testPKI, nonce bool) *Request {
	t.Helper()
	b, err := NewRequestForCertificate(pki.leaf, pki.store)
	if err != nil {
		t.Fatalf("NewRequestForCertificate() error = %v", err)
	}
	req, err := b.SetNonce(nonce).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	return req
}

// delegatedBuilder returns a response builder signing with the delegated
// responder.
func delegatedBuilder(t *testing.T, pki *testPKI) *ResponseBuilder {
	t.Helper()
	return NewResponseBuilder(pki.responderCert, newTestSigner(t, pki.responderKey, crypto.SHA256))
}

func mustBuild(t *testing.T, b *ResponseBuilder) []byte {
	t.Helper()
	der, err := b.Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return der
}

func mustParseResponse(t *testing.T, der []byte, opts ParseOptions) *Response {
	t.Helper()
	resp, err := ParseResponse(der, opts)
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	return resp
}

func testName(cn string) pkix.Name {
	return pkix.Name{CommonName: cn, Organization: []string{"Test Org"}}
}
