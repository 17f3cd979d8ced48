// Package x509util provides certificate helpers shared by the OCSP engine,
// the trust store and the command line: PEM/DER loading, public key bit
// extraction and hashing, self-signed detection and extension lookup.
package x509util

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
)

var (
	// OIDAuthorityInfoAccess is id-pe-authorityInfoAccess.
	OIDAuthorityInfoAccess = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 1, 1}

	// OIDExtKeyUsage is id-ce-extKeyUsage.
	OIDExtKeyUsage = asn1.ObjectIdentifier{2, 5, 29, 37}

	// OIDOCSPNoCheck is id-pkix-ocsp-nocheck.
	OIDOCSPNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}
)

// asn1NullBytes is the DER encoding of NULL.
var asn1NullBytes = []byte{0x05, 0x00}

const pemTypeCertificate = "CERTIFICATE"

// ErrNoCertificates is returned when an input holds no certificate.
var ErrNoCertificates = errors.New("no certificates found")

// ParseCertificates parses every CERTIFICATE block of a PEM input, or a
// single DER certificate when the input is not PEM.
func ParseCertificates(data []byte) ([]*x509.Certificate, error) {
	var certs []*x509.Certificate
	rest := data
	sawPEM := false
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		sawPEM = true
		if block.Type != pemTypeCertificate {
			continue
		}
		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		certs = append(certs, cert)
	}

	if !sawPEM {
		parsed, err := x509.ParseCertificates(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse DER certificate: %w", err)
		}
		certs = parsed
	}

	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}
	return certs, nil
}

// LoadCertificates reads certificates from a PEM or DER file.
func LoadCertificates(path string) ([]*x509.Certificate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	certs, err := ParseCertificates(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return certs, nil
}

// LoadCertificate reads the first certificate of a PEM or DER file.
func LoadCertificate(path string) (*x509.Certificate, error) {
	certs, err := LoadCertificates(path)
	if err != nil {
		return nil, err
	}
	return certs[0], nil
}

// EncodeCertificatesPEM encodes certificates as concatenated PEM blocks.
func EncodeCertificatesPEM(certs ...*x509.Certificate) []byte {
	var buf bytes.Buffer
	for _, c := range certs {
		_ = pem.Encode(&buf, &pem.Block{Type: pemTypeCertificate, Bytes: c.Raw})
	}
	return buf.Bytes()
}

// PublicKeyBits returns the subjectPublicKey BIT STRING contents of a DER
// SubjectPublicKeyInfo, without tag, length or unused-bits octet.
func PublicKeyBits(spkiDER []byte) ([]byte, error) {
	var spki struct {
		Algorithm pkix.AlgorithmIdentifier
		PublicKey asn1.BitString
	}
	rest, err := asn1.Unmarshal(spkiDER, &spki)
	if err != nil {
		return nil, fmt.Errorf("failed to parse SubjectPublicKeyInfo: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after SubjectPublicKeyInfo")
	}
	return spki.PublicKey.RightAlign(), nil
}

// SubjectPublicKeyBits returns the subjectPublicKey bits of a certificate.
func SubjectPublicKeyBits(cert *x509.Certificate) ([]byte, error) {
	return PublicKeyBits(cert.RawSubjectPublicKeyInfo)
}

// KeyHash hashes the subjectPublicKey bits of cert with h, as used by
// the OCSP CertID issuerKeyHash and the byKey ResponderID.
func KeyHash(cert *x509.Certificate, h crypto.Hash) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("hash algorithm %v not available", h)
	}
	bits, err := SubjectPublicKeyBits(cert)
	if err != nil {
		return nil, err
	}
	hh := h.New()
	hh.Write(bits)
	return hh.Sum(nil), nil
}

// NameHash hashes the DER subject of cert with h.
func NameHash(cert *x509.Certificate, h crypto.Hash) ([]byte, error) {
	if !h.Available() {
		return nil, fmt.Errorf("hash algorithm %v not available", h)
	}
	hh := h.New()
	hh.Write(cert.RawSubject)
	return hh.Sum(nil), nil
}

// IsSelfSigned reports whether cert is issued by itself and its signature
// verifies with its own key.
func IsSelfSigned(cert *x509.Certificate) bool {
	if !bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		return false
	}
	return cert.CheckSignature(cert.SignatureAlgorithm, cert.RawTBSCertificate, cert.Signature) == nil
}

// FindExtension returns the first extension with the given OID.
func FindExtension(exts []pkix.Extension, oid asn1.ObjectIdentifier) (pkix.Extension, bool) {
	for _, ext := range exts {
		if ext.Id.Equal(oid) {
			return ext, true
		}
	}
	return pkix.Extension{}, false
}

// HasExtension reports whether the certificate carries the extension.
func HasExtension(cert *x509.Certificate, oid asn1.ObjectIdentifier) bool {
	_, ok := FindExtension(cert.Extensions, oid)
	return ok
}

// SameCertificate reports whether a and b have identical DER encodings.
func SameCertificate(a, b *x509.Certificate) bool {
	if a == nil || b == nil {
		return false
	}
	return bytes.Equal(a.Raw, b.Raw)
}
