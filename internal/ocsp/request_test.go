package ocsp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"golang.org/x/crypto/ocsp"

	"github.com/remiblancher/qocsp/internal/truststore"
)

// =============================================================================
// [Unit] Request Building
// =============================================================================

func TestU_Request_EncodeUnsigned(t *testing.T) {
	pki := newTestPKI(t)
	req := encodeTestRequest(t, pki, true)

	if req.Version() != 1 {
		t.Errorf("Version() = %d, want 1", req.Version())
	}
	if req.IsSigned() {
		t.Error("IsSigned() = true for an unsigned request")
	}
	if _, ok := req.RequestorName(); ok {
		t.Error("RequestorName() present on an unsigned request")
	}
	if n := len(req.Nonce()); n != NonceLength {
		t.Errorf("nonce length = %d, want %d", n, NonceLength)
	}
	if req.Requests().Len() != 1 {
		t.Fatalf("Requests().Len() = %d, want 1", req.Requests().Len())
	}
	if !req.Requests().At(0).CertID().Equal(mustCertID(t, pki.caCert, pki.leaf)) {
		t.Error("request CertID does not match the leaf")
	}

	parsed, err := ParseRequest(req.Raw())
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if !bytes.Equal(parsed.Nonce(), req.Nonce()) {
		t.Error("nonce lost in round trip")
	}
}

func TestU_Request_NoNonce(t *testing.T) {
	pki := newTestPKI(t)
	req := encodeTestRequest(t, pki, false)
	if req.Nonce() != nil {
		t.Errorf("Nonce() = %x, want nil", req.Nonce())
	}
	if len(req.Extensions()) != 0 {
		t.Errorf("Extensions() = %d, want 0", len(req.Extensions()))
	}
}

func TestU_Request_FinalizeOnce(t *testing.T) {
	pki := newTestPKI(t)
	b, err := NewRequestForCertificates([]*x509.Certificate{pki.leaf}, pki.caCert)
	if err != nil {
		t.Fatalf("NewRequestForCertificates() error = %v", err)
	}
	if _, err := b.Encode(); err != nil {
		t.Fatalf("first Encode() error = %v", err)
	}
	if _, err := b.Encode(); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("second Encode() error = %v, want ErrAlreadyFinalized", err)
	}
	signer := newTestSigner(t, pki.leafKey, crypto.SHA256)
	if _, err := b.Sign(signer, pki.leaf, SignOptions{}); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("Sign() after Encode error = %v, want ErrAlreadyFinalized", err)
	}
	if _, err := b.SetNonce(false).Encode(); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("setter after finalize error = %v, want ErrAlreadyFinalized", err)
	}
}

func TestU_Request_FailedSignKeepsBuilderOpen(t *testing.T) {
	pki := newTestPKI(t)
	b, err := NewRequestForCertificates([]*x509.Certificate{pki.leaf}, pki.caCert)
	if err != nil {
		t.Fatalf("NewRequestForCertificates() error = %v", err)
	}

	signer := newTestSigner(t, pki.leafKey, crypto.SHA256)
	_ = signer.KeyPair().Close()
	_, err = b.Sign(signer, pki.leaf, SignOptions{})
	if err == nil {
		t.Fatal("Sign() with a closed key should fail")
	}
	if errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("Sign() error = %v, want the signing error", err)
	}

	req, err := b.Encode()
	if err != nil {
		t.Fatalf("Encode() after a failed Sign error = %v", err)
	}
	if req.IsSigned() {
		t.Error("request should be unsigned")
	}
	if _, err := b.Encode(); !errors.Is(err, ErrAlreadyFinalized) {
		t.Errorf("Encode() after success error = %v, want ErrAlreadyFinalized", err)
	}
}

func TestU_Request_MultipleCertificates(t *testing.T) {
	pki := newTestPKI(t)
	leaf2, _ := issueTestCertificate(t, pki.caCert, pki.caKey, "other.example.com", "http://ocsp.example.com")

	b, err := NewRequestForCertificatesFromStore([]*x509.Certificate{pki.leaf, leaf2}, pki.store)
	if err != nil {
		t.Fatalf("NewRequestForCertificatesFromStore() error = %v", err)
	}
	req, err := b.SetHashAlgorithm(crypto.SHA256).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}

	list := req.Requests()
	if list.Len() != 2 {
		t.Fatalf("Requests().Len() = %d, want 2", list.Len())
	}
	for _, sr := range list.Items() {
		if sr.CertID().HashAlgorithm() != crypto.SHA256 {
			t.Errorf("hash = %v, want SHA-256", sr.CertID().HashAlgorithm())
		}
	}
	if _, ok := list.BySerial(SerialHex(leaf2.SerialNumber)); !ok {
		t.Error("BySerial() did not find the second certificate")
	}
	if _, ok := list.BySerial("DEADBEEF"); ok {
		t.Error("BySerial() found an unknown serial")
	}
}

func TestU_Request_FromList(t *testing.T) {
	pki := newTestPKI(t)
	list := NewRequestList(NewSingleRequest(mustCertID(t, pki.caCert, pki.leaf)))

	b, err := NewRequestFromList(list)
	if err != nil {
		t.Fatalf("NewRequestFromList() error = %v", err)
	}
	req, err := b.SetURL("http://responder.test").Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if req.URL() != "http://responder.test" {
		t.Errorf("URL() = %q", req.URL())
	}

	if _, err := NewRequestFromList(NewRequestList()); err == nil {
		t.Error("NewRequestFromList(empty) should fail")
	}
}

func TestU_Request_URL(t *testing.T) {
	pki := newTestPKI(t)

	t.Run("[Unit] URL: from AIA", func(t *testing.T) {
		req := encodeTestRequest(t, pki, false)
		if req.URL() != "http://ocsp.example.com" {
			t.Errorf("URL() = %q, want AIA URL", req.URL())
		}
	})

	t.Run("[Unit] URL: explicit overrides AIA", func(t *testing.T) {
		b, err := NewRequestForCertificate(pki.leaf, pki.store)
		if err != nil {
			t.Fatalf("NewRequestForCertificate() error = %v", err)
		}
		req, err := b.SetURL("http://override.test/ocsp").Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if req.URL() != "http://override.test/ocsp" {
			t.Errorf("URL() = %q", req.URL())
		}
	})

	t.Run("[Unit] URL: none", func(t *testing.T) {
		leaf, _ := issueTestCertificate(t, pki.caCert, pki.caKey, "noaia.example.com", "")
		b, err := NewRequestForCertificate(leaf, pki.store)
		if err != nil {
			t.Fatalf("NewRequestForCertificate() error = %v", err)
		}
		req, err := b.Encode()
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if req.URL() != "" {
			t.Errorf("URL() = %q, want empty", req.URL())
		}
	})
}

func TestU_Request_ServiceLocator(t *testing.T) {
	pki := newTestPKI(t)
	b, err := NewRequestForCertificate(pki.leaf, pki.store)
	if err != nil {
		t.Fatalf("NewRequestForCertificate() error = %v", err)
	}
	req, err := b.SetServiceLocator(true).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	if _, ok := req.Requests().At(0).ServiceLocator(); !ok {
		t.Error("ServiceLocator() missing for a leaf with AIA")
	}
}

// =============================================================================
// [Unit] Signed Requests
// =============================================================================

func TestU_Request_Sign(t *testing.T) {
	pki := newTestPKI(t)

	b, err := NewRequestForCertificate(pki.leaf, pki.store)
	if err != nil {
		t.Fatalf("NewRequestForCertificate() error = %v", err)
	}
	signer := newTestSigner(t, pki.leafKey, crypto.SHA256)
	req, err := b.SetNonce(true).Sign(signer, pki.leaf, SignOptions{})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}

	if !req.IsSigned() {
		t.Fatal("IsSigned() = false")
	}
	name, ok := req.RequestorName()
	if !ok {
		t.Fatal("RequestorName() missing on a signed request")
	}
	if name.CommonName != pki.leaf.Subject.CommonName {
		t.Errorf("RequestorName() CN = %q, want %q", name.CommonName, pki.leaf.Subject.CommonName)
	}
	if len(req.Certificates()) != 1 {
		t.Errorf("Certificates() = %d, want 1", len(req.Certificates()))
	}
	if err := req.VerifySignature(); err != nil {
		t.Errorf("VerifySignature() error = %v", err)
	}

	parsed, err := ParseRequest(req.Raw())
	if err != nil {
		t.Fatalf("ParseRequest() error = %v", err)
	}
	if err := parsed.VerifySignature(); err != nil {
		t.Errorf("VerifySignature() after re-parse error = %v", err)
	}
}

func TestU_Request_SignFullChain(t *testing.T) {
	pki := newTestPKI(t)
	b, err := NewRequestForCertificate(pki.leaf, pki.store)
	if err != nil {
		t.Fatalf("NewRequestForCertificate() error = %v", err)
	}
	signer := newTestSigner(t, pki.leafKey, crypto.SHA384)
	req, err := b.Sign(signer, pki.leaf, SignOptions{IncludeFullChain: true, Store: pki.store})
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	certs := req.Certificates()
	if len(certs) != 2 {
		t.Fatalf("Certificates() = %d, want leaf and root", len(certs))
	}
	if !bytes.Equal(certs[1].Raw, pki.caCert.Raw) {
		t.Error("second certificate is not the root")
	}
}

func TestU_Request_ExplicitRequestorName(t *testing.T) {
	pki := newTestPKI(t)
	b, err := NewRequestForCertificate(pki.leaf, pki.store)
	if err != nil {
		t.Fatalf("NewRequestForCertificate() error = %v", err)
	}
	req, err := b.SetRequestorName(testName("Requestor")).Encode()
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	name, ok := req.RequestorName()
	if !ok || name.CommonName != "Requestor" {
		t.Errorf("RequestorName() = %v, %v", name, ok)
	}
}

// =============================================================================
// [Unit] HTTP Decoding
// =============================================================================

func TestU_Request_ParseFromHTTP(t *testing.T) {
	pki := newTestPKI(t)
	req := encodeTestRequest(t, pki, true)

	t.Run("[Unit] ParseFromHTTP: GET", func(t *testing.T) {
		httpReq := httptest.NewRequest(http.MethodGet, GetURL("http://responder.test/ocsp", req.Raw()), nil)
		parsed, err := ParseRequestFromHTTP(httpReq)
		if err != nil {
			t.Fatalf("ParseRequestFromHTTP() error = %v", err)
		}
		if !bytes.Equal(parsed.Raw(), req.Raw()) {
			t.Error("GET round trip changed the request")
		}
	})

	t.Run("[Unit] ParseFromHTTP: POST", func(t *testing.T) {
		httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(req.Raw()))
		httpReq.Header.Set("Content-Type", ContentTypeRequest)
		parsed, err := ParseRequestFromHTTP(httpReq)
		if err != nil {
			t.Fatalf("ParseRequestFromHTTP() error = %v", err)
		}
		if !bytes.Equal(parsed.Raw(), req.Raw()) {
			t.Error("POST round trip changed the request")
		}
	})

	t.Run("[Unit] ParseFromHTTP: wrong content type", func(t *testing.T) {
		httpReq := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(req.Raw()))
		httpReq.Header.Set("Content-Type", "text/plain")
		if _, err := ParseRequestFromHTTP(httpReq); err == nil {
			t.Error("text/plain body should be rejected")
		}
	})

	t.Run("[Unit] ParseFromHTTP: unsupported method", func(t *testing.T) {
		httpReq := httptest.NewRequest(http.MethodPut, "/", nil)
		if _, err := ParseRequestFromHTTP(httpReq); err == nil {
			t.Error("PUT should be rejected")
		}
	})
}

func TestU_GetURL(t *testing.T) {
	tests := []struct {
		name string
		base string
		der  []byte
		want string
	}{
		{"escapes base64 specials", "http://ocsp.test", []byte{0xfb, 0xff, 0xfe}, "http://ocsp.test/%2B%2F%2F%2B"},
		{"escapes padding", "http://ocsp.test/", []byte{0}, "http://ocsp.test/AA%3D%3D"},
	}
	for _, tt := range tests {
		t.Run("[Unit] GetURL: "+tt.name, func(t *testing.T) {
			if got := GetURL(tt.base, tt.der); got != tt.want {
				t.Errorf("GetURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

// =============================================================================
// [Unit] Interoperability
// =============================================================================

func TestU_Request_ParsedByXCrypto(t *testing.T) {
	pki := newTestPKI(t)
	req := encodeTestRequest(t, pki, false)

	parsed, err := ocsp.ParseRequest(req.Raw())
	if err != nil {
		t.Fatalf("ocsp.ParseRequest() error = %v", err)
	}
	if parsed.SerialNumber.Cmp(pki.leaf.SerialNumber) != 0 {
		t.Errorf("serial = %v, want %v", parsed.SerialNumber, pki.leaf.SerialNumber)
	}
	if parsed.HashAlgorithm != crypto.SHA1 {
		t.Errorf("hash = %v, want SHA-1", parsed.HashAlgorithm)
	}
}

func TestU_Request_IssuerNotFound(t *testing.T) {
	pki := newTestPKI(t)
	if _, err := NewRequestForCertificate(pki.leaf, truststore.New()); !errors.Is(err, ErrIssuerNotFound) {
		t.Errorf("error = %v, want ErrIssuerNotFound", err)
	}
}
