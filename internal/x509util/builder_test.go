package x509util

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"math/big"
	"net"
	"testing"
	"time"
)

// =============================================================================
// Test Helpers
// =============================================================================

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
	cert, _, err := NewCertificateBuilder().
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

// =============================================================================
// CertificateBuilder Tests
// =============================================================================

func TestU_CertificateBuilder_CA(t *testing.T) {
	t.Run("[Unit] Builder: self-signed CA", func(t *testing.T) {
		ca, key := generateTestCA(t, "Test Root")

		if !ca.IsCA {
			t.Error("IsCA should be true")
		}
		if ca.MaxPathLen != 1 {
			t.Errorf("MaxPathLen = %d, want 1", ca.MaxPathLen)
		}
		if ca.KeyUsage&x509.KeyUsageCertSign == 0 {
			t.Error("CA should carry keyCertSign")
		}
		if !IsSelfSigned(ca) {
			t.Error("CA should be self-signed")
		}
		skid, err := SubjectKeyID(&key.PublicKey)
		if err != nil {
			t.Fatalf("SubjectKeyID() error = %v", err)
		}
		if string(ca.SubjectKeyId) != string(skid) {
			t.Error("SubjectKeyId should be the method 1 key identifier")
		}
	})

	t.Run("[Unit] Builder: path length zero", func(t *testing.T) {
		key := generateKey(t)
		cert, _, err := NewCertificateBuilder().
			CommonName("Leaf CA").
			CA(0).
			BuildAndSign(&key.PublicKey, nil, key)
		if err != nil {
			t.Fatalf("BuildAndSign() error = %v", err)
		}
		if !cert.MaxPathLenZero || cert.MaxPathLen != 0 {
			t.Errorf("MaxPathLen = %d, MaxPathLenZero = %v", cert.MaxPathLen, cert.MaxPathLenZero)
		}
	})
}

func TestU_CertificateBuilder_OCSPSigning(t *testing.T) {
	ca, caKey := generateTestCA(t, "Test Root")
	key := generateKey(t)

	cert, der, err := NewCertificateBuilder().
		CommonName("OCSP Responder").
		ValidFor(time.Hour).
		OCSPSigning().
		OCSPNoCheck().
		BuildAndSign(&key.PublicKey, ca, caKey)
	if err != nil {
		t.Fatalf("BuildAndSign() error = %v", err)
	}
	if len(der) == 0 {
		t.Fatal("DER should not be empty")
	}

	t.Run("[Unit] OCSPSigning: extended key usage", func(t *testing.T) {
		if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageOCSPSigning {
			t.Errorf("ExtKeyUsage = %v", cert.ExtKeyUsage)
		}
		if cert.IsCA {
			t.Error("responder certificate should not be a CA")
		}
	})

	t.Run("[Unit] OCSPSigning: nocheck added once", func(t *testing.T) {
		count := 0
		for _, ext := range cert.Extensions {
			if ext.Id.Equal(OIDOCSPNoCheck) {
				count++
			}
		}
		if count != 1 {
			t.Errorf("nocheck extensions = %d, want 1", count)
		}
		if !HasExtension(cert, OIDOCSPNoCheck) {
			t.Error("HasExtension() should find nocheck")
		}
	})

	t.Run("[Unit] OCSPSigning: issued by CA", func(t *testing.T) {
		if err := cert.CheckSignatureFrom(ca); err != nil {
			t.Errorf("CheckSignatureFrom() error = %v", err)
		}
		if IsSelfSigned(cert) {
			t.Error("issued certificate should not be self-signed")
		}
	})
}

func TestU_CertificateBuilder_TLSServer(t *testing.T) {
	ca, caKey := generateTestCA(t, "Test Root")
	key := generateKey(t)
	serial := big.NewInt(4242)

	cert, _, err := NewCertificateBuilder().
		CommonName("www.example.com").
		DNSNames("www.example.com", "example.com").
		IPAddresses(net.ParseIP("127.0.0.1")).
		TLSServer().
		SerialNumber(serial).
		OCSPServers("http://ocsp.example.com").
		IssuingCertificateURL("http://ca.example.com/root.crt").
		BuildAndSign(&key.PublicKey, ca, caKey)
	if err != nil {
		t.Fatalf("BuildAndSign() error = %v", err)
	}

	if cert.SerialNumber.Cmp(serial) != 0 {
		t.Errorf("SerialNumber = %v, want %v", cert.SerialNumber, serial)
	}
	if len(cert.DNSNames) != 2 || len(cert.IPAddresses) != 1 {
		t.Errorf("SANs = %v %v", cert.DNSNames, cert.IPAddresses)
	}
	if len(cert.OCSPServer) != 1 || cert.OCSPServer[0] != "http://ocsp.example.com" {
		t.Errorf("OCSPServer = %v", cert.OCSPServer)
	}
	if len(cert.IssuingCertificateURL) != 1 {
		t.Errorf("IssuingCertificateURL = %v", cert.IssuingCertificateURL)
	}
	if len(cert.ExtKeyUsage) != 1 || cert.ExtKeyUsage[0] != x509.ExtKeyUsageServerAuth {
		t.Errorf("ExtKeyUsage = %v", cert.ExtKeyUsage)
	}
}

func TestU_CertificateBuilder_Validity(t *testing.T) {
	notBefore := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	notAfter := notBefore.AddDate(2, 0, 0)

	tmpl, err := NewCertificateBuilder().
		CommonName("fixed").
		Validity(notBefore, notAfter).
		Build()
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if !tmpl.NotBefore.Equal(notBefore) || !tmpl.NotAfter.Equal(notAfter) {
		t.Errorf("validity = %v..%v", tmpl.NotBefore, tmpl.NotAfter)
	}
	if tmpl.SerialNumber == nil || tmpl.SerialNumber.Sign() <= 0 {
		t.Error("Build() should generate a positive serial")
	}
	if tmpl.SerialNumber.BitLen() > 128 {
		t.Errorf("serial bit length = %d, want <= 128", tmpl.SerialNumber.BitLen())
	}
}

func TestU_SubjectKeyID(t *testing.T) {
	key := generateKey(t)
	der, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatal(err)
	}
	bits, err := PublicKeyBits(der)
	if err != nil {
		t.Fatalf("PublicKeyBits() error = %v", err)
	}
	want := sha1.Sum(bits)

	got, err := SubjectKeyID(&key.PublicKey)
	if err != nil {
		t.Fatalf("SubjectKeyID() error = %v", err)
	}
	if string(got) != string(want[:]) {
		t.Error("SubjectKeyID() should hash the subjectPublicKey bits")
	}
}
