package responder

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/remiblancher/qocsp/internal/audit"
	"github.com/remiblancher/qocsp/internal/ocsp"
)

// =============================================================================
// Construction Tests
// =============================================================================

func TestU_Responder_New_Errors(t *testing.T) {
	pki := newTestPKI(t)
	signer := newTestSigner(t, pki.responderKey)

	tests := []struct {
		name   string
		opts   Options
		errMsg string
	}{
		{"[Unit] New: no certificate", Options{Signer: signer, StatusFile: "s.yaml"}, "certificate is required"},
		{"[Unit] New: no signer", Options{Certificate: pki.responderCert, StatusFile: "s.yaml"}, "signer is required"},
		{"[Unit] New: no status file", Options{Certificate: pki.responderCert, Signer: signer}, "status file is required"},
		{"[Unit] New: missing status file", Options{
			Certificate: pki.responderCert,
			Signer:      signer,
			StatusFile:  filepath.Join(t.TempDir(), "missing.yaml"),
		}, "failed to read status file"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(context.Background(), tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.errMsg) {
				t.Errorf("New() error = %v, want %q", err, tt.errMsg)
			}
		})
	}
}

// =============================================================================
// HTTP Tests
// =============================================================================

func newTestClient(t *testing.T, pki *testPKI) *ocsp.Client {
	t.Helper()
	c, err := ocsp.NewClient(ocsp.ClientOptions{Store: pki.store})
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	return c
}

func TestU_Responder_ServeHTTP_Methods(t *testing.T) {
	pki := newTestPKI(t)
	r, _ := newTestResponder(t, pki, Options{NextUpdate: time.Hour})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	client := newTestClient(t, pki)

	for _, method := range []ocsp.Method{ocsp.MethodPOST, ocsp.MethodGET, ocsp.MethodAuto} {
		t.Run("[Unit] ServeHTTP: "+method.String(), func(t *testing.T) {
			req := newTestRequest(t, pki.caCert, srv.URL, true, pki.good, pki.revoked, pki.missing)

			resp, err := client.SendWith(context.Background(), req, method)
			if err != nil {
				t.Fatalf("SendWith() error = %v", err)
			}
			if resp.Status() != ocsp.StatusSuccessful {
				t.Fatalf("Status() = %v", resp.Status())
			}
			if !resp.SignatureValid() || !resp.SignerValid() {
				t.Errorf("SignatureValid() = %v, SignerValid() = %v", resp.SignatureValid(), resp.SignerValid())
			}
			if !resp.Compliance().Compliant() {
				t.Errorf("Compliance() = %v", resp.Compliance())
			}
			if !bytes.Equal(resp.Nonce(), req.Nonce()) {
				t.Error("nonce was not echoed")
			}

			list := resp.Responses()
			if list.Len() != 3 {
				t.Fatalf("Responses().Len() = %d, want 3", list.Len())
			}
			want := []ocsp.CertStatus{ocsp.CertStatusGood, ocsp.CertStatusRevoked, ocsp.CertStatusUnknown}
			for i, sr := range list.Items() {
				if sr.Status() != want[i] {
					t.Errorf("Responses()[%d].Status() = %v, want %v", i, sr.Status(), want[i])
				}
				if got := sr.NextUpdate().Sub(sr.ThisUpdate()); got != time.Hour {
					t.Errorf("Responses()[%d] validity = %v, want 1h", i, got)
				}
			}

			revoked, ok := list.BySerial(ocsp.SerialHex(pki.revoked.SerialNumber))
			if !ok {
				t.Fatal("BySerial() missed the revoked entry")
			}
			if !revoked.RevocationTime().Equal(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)) {
				t.Errorf("RevocationTime() = %v", revoked.RevocationTime())
			}
			if revoked.RevocationReason() != ocsp.ReasonKeyCompromise {
				t.Errorf("RevocationReason() = %v", revoked.RevocationReason())
			}
		})
	}
}

func TestU_Responder_ServeHTTP_CacheHeaders(t *testing.T) {
	pki := newTestPKI(t)
	r, _ := newTestResponder(t, pki, Options{NextUpdate: 30 * time.Minute})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	req := newTestRequest(t, pki.caCert, srv.URL, false, pki.good)
	res, err := http.Get(ocsp.GetURL(srv.URL, req.Raw()))
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d", res.StatusCode)
	}
	if ct := res.Header.Get("Content-Type"); ct != ocsp.ContentTypeResponse {
		t.Errorf("Content-Type = %q", ct)
	}
	if cc := res.Header.Get("Cache-Control"); !strings.HasPrefix(cc, "max-age=1800,") {
		t.Errorf("Cache-Control = %q", cc)
	}
	if res.Header.Get("X-Request-Id") == "" {
		t.Error("missing request id header")
	}
}

// postRaw posts body and decodes the OCSP response status.
func postRaw(t *testing.T, url string, body []byte) ocsp.ResponseStatus {
	t.Helper()
	res, err := http.Post(url, ocsp.ContentTypeRequest, bytes.NewReader(body))
	if err != nil {
		t.Fatalf("POST error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("StatusCode = %d, want 200", res.StatusCode)
	}
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("failed to read body: %v", err)
	}
	resp, err := ocsp.ParseResponse(data, ocsp.ParseOptions{})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	return resp.Status()
}

func TestU_Responder_ServeHTTP_Errors(t *testing.T) {
	pki := newTestPKI(t)
	r, _ := newTestResponder(t, pki, Options{})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	t.Run("[Unit] ServeHTTP: malformed request", func(t *testing.T) {
		if got := postRaw(t, srv.URL, []byte("not an OCSP request")); got != ocsp.StatusMalformedRequest {
			t.Errorf("Status() = %v, want malformedRequest", got)
		}
	})

	t.Run("[Unit] ServeHTTP: empty GET", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		defer res.Body.Close()
		data, _ := io.ReadAll(res.Body)
		resp, err := ocsp.ParseResponse(data, ocsp.ParseOptions{})
		if err != nil {
			t.Fatalf("ParseResponse() error = %v", err)
		}
		if resp.Status() != ocsp.StatusMalformedRequest {
			t.Errorf("Status() = %v, want malformedRequest", resp.Status())
		}
	})

	t.Run("[Unit] ServeHTTP: foreign issuer", func(t *testing.T) {
		otherCA, otherKey := generateTestCA(t, "Other CA")
		foreign := issueTestCertificate(t, otherCA, otherKey, "foreign.example.com")
		req := newTestRequest(t, otherCA, srv.URL, false, foreign)

		if got := postRaw(t, srv.URL, req.Raw()); got != ocsp.StatusUnauthorized {
			t.Errorf("Status() = %v, want unauthorized", got)
		}
	})

	t.Run("[Unit] ServeHTTP: unsupported method", func(t *testing.T) {
		httpReq, _ := http.NewRequest(http.MethodPut, srv.URL+"/", nil)
		res, err := http.DefaultClient.Do(httpReq)
		if err != nil {
			t.Fatalf("PUT error = %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("StatusCode = %d, want 405", res.StatusCode)
		}
	})

	t.Run("[Unit] ServeHTTP: health", func(t *testing.T) {
		res, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatalf("GET error = %v", err)
		}
		res.Body.Close()
		if res.StatusCode != http.StatusOK {
			t.Errorf("StatusCode = %d", res.StatusCode)
		}
	})
}

// =============================================================================
// Respond Tests
// =============================================================================

func TestU_Responder_Respond_IssuerSigned(t *testing.T) {
	pki := newTestPKI(t)
	r, _ := newTestResponder(t, pki, Options{
		Certificate: pki.caCert,
		Signer:      newTestSigner(t, pki.caKey),
		ByName:      true,
	})

	req := newTestRequest(t, pki.caCert, "", false, pki.good)
	der, err := r.Respond(context.Background(), req, http.MethodPost)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}

	resp, err := ocsp.ParseResponse(der, ocsp.ParseOptions{Request: req, Store: pki.store})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	if !resp.Compliance().Compliant() {
		t.Errorf("Compliance() = %v", resp.Compliance())
	}
	if _, ok := resp.ResponderID().ByName(); !ok {
		t.Error("ResponderID should be byName")
	}
	if !resp.SignerCertificate().Equal(pki.caCert) {
		t.Error("signer should be the CA")
	}
	if !resp.Responses().At(0).NextUpdate().IsZero() {
		t.Error("nextUpdate should be absent without NextUpdate")
	}
}

func TestU_Responder_Respond_NotAuthoritative(t *testing.T) {
	pki := newTestPKI(t)
	r, _ := newTestResponder(t, pki, Options{})

	otherCA, otherKey := generateTestCA(t, "Other CA")
	foreign := issueTestCertificate(t, otherCA, otherKey, "foreign.example.com")

	_, err := r.Respond(context.Background(), newTestRequest(t, otherCA, "", false, foreign), http.MethodPost)
	if !errors.Is(err, ErrNotAuthoritative) {
		t.Errorf("Respond() error = %v, want ErrNotAuthoritative", err)
	}
}

// =============================================================================
// Reload Tests
// =============================================================================

func statusOf(t *testing.T, r *Responder, pki *testPKI) ocsp.CertStatus {
	t.Helper()
	req := newTestRequest(t, pki.caCert, "", false, pki.good)
	der, err := r.Respond(context.Background(), req, http.MethodPost)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	resp, err := ocsp.ParseResponse(der, ocsp.ParseOptions{Request: req})
	if err != nil {
		t.Fatalf("ParseResponse() error = %v", err)
	}
	return resp.Responses().At(0).Status()
}

func TestU_Responder_Reload(t *testing.T) {
	pki := newTestPKI(t)
	r, path := newTestResponder(t, pki, Options{})

	if got := statusOf(t, r, pki); got != ocsp.CertStatusGood {
		t.Fatalf("status = %v, want good", got)
	}

	writeStatusFile(t, path, `certificates:
  - serial: "`+ocsp.SerialHex(pki.good.SerialNumber)+`"
    status: revoked
    revoked_at: 2024-07-01T00:00:00Z
`)
	if err := r.Reload(context.Background()); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := statusOf(t, r, pki); got != ocsp.CertStatusRevoked {
		t.Errorf("status = %v, want revoked", got)
	}
	if r.Status().Len() != 1 {
		t.Errorf("Status().Len() = %d, want 1", r.Status().Len())
	}
}

func TestU_Responder_Reload_KeepsPreviousTable(t *testing.T) {
	pki := newTestPKI(t)
	r, path := newTestResponder(t, pki, Options{})

	writeStatusFile(t, path, "certificates:\n  - serial: \"zz\"\n    status: good\n")
	if err := r.Reload(context.Background()); err == nil {
		t.Fatal("Reload() should fail for an invalid table")
	}
	if r.Status().Len() != 2 {
		t.Errorf("Status().Len() = %d, want the previous 2 entries", r.Status().Len())
	}
	if got := statusOf(t, r, pki); got != ocsp.CertStatusGood {
		t.Errorf("status = %v, want good", got)
	}
}

func TestU_Responder_Watch(t *testing.T) {
	pki := newTestPKI(t)
	r, path := newTestResponder(t, pki, Options{Debounce: 20 * time.Millisecond})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Watch(ctx) }()
	defer func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Watch() error = %v", err)
		}
	}()

	updated := "certificates:\n  - serial: \"01\"\n    status: good\n"
	deadline := time.Now().Add(5 * time.Second)
	for r.Status().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("status table was not reloaded")
		}
		// The watcher may not be registered yet; keep touching the file.
		writeStatusFile(t, path, updated)
		time.Sleep(100 * time.Millisecond)
	}
}

// =============================================================================
// Audit Tests
// =============================================================================

func TestU_Responder_Audit(t *testing.T) {
	auditPath := filepath.Join(t.TempDir(), "audit.jsonl")
	if err := audit.InitFile(auditPath); err != nil {
		t.Fatalf("InitFile() error = %v", err)
	}
	t.Cleanup(func() { _ = audit.Close() })

	pki := newTestPKI(t)
	r, _ := newTestResponder(t, pki, Options{})
	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	req := newTestRequest(t, pki.caCert, srv.URL, false, pki.good, pki.missing)
	if got := postRaw(t, srv.URL, req.Raw()); got != ocsp.StatusSuccessful {
		t.Fatalf("Status() = %v", got)
	}
	if got := postRaw(t, srv.URL, []byte{0x30, 0x00}); got != ocsp.StatusMalformedRequest {
		t.Fatalf("Status() = %v", got)
	}

	if err := audit.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	// One load, two served entries and one rejection.
	count, err := audit.VerifyChain(auditPath)
	if err != nil {
		t.Fatalf("VerifyChain() error = %v", err)
	}
	if count != 4 {
		t.Errorf("VerifyChain() = %d events, want 4", count)
	}
}
