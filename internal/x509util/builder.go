package x509util

import (
	"crypto"
	"crypto/rand"
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"net"
	"time"
)

// CertificateRequest holds the parameters for creating a certificate.
type CertificateRequest struct {
	// Subject information
	Subject pkix.Name

	// Subject Alternative Names
	DNSNames       []string
	EmailAddresses []string
	IPAddresses    []net.IP

	// Validity period
	NotBefore time.Time
	NotAfter  time.Time

	// Key Usage
	KeyUsage    x509.KeyUsage
	ExtKeyUsage []x509.ExtKeyUsage

	// CA settings
	IsCA                  bool
	MaxPathLen            int
	MaxPathLenZero        bool
	BasicConstraintsValid bool

	// Serial number (if nil, a random one will be generated)
	SerialNumber *big.Int

	// OCSP servers (Authority Information Access)
	OCSPServers []string

	// Issuing certificate URL
	IssuingCertificateURL []string

	// Additional extensions
	ExtraExtensions []pkix.Extension
}

// CertificateBuilder builds X.509 certificates.
type CertificateBuilder struct {
	request *CertificateRequest
}

// NewCertificateBuilder creates a new certificate builder.
func NewCertificateBuilder() *CertificateBuilder {
	return &CertificateBuilder{
		request: &CertificateRequest{
			NotBefore:             time.Now(),
			NotAfter:              time.Now().AddDate(1, 0, 0), // 1 year default
			BasicConstraintsValid: true,
		},
	}
}

// Subject sets the certificate subject.
func (b *CertificateBuilder) Subject(name pkix.Name) *CertificateBuilder {
	b.request.Subject = name
	return b
}

// CommonName sets the subject common name.
func (b *CertificateBuilder) CommonName(cn string) *CertificateBuilder {
	b.request.Subject.CommonName = cn
	return b
}

// Organization sets the subject organization.
func (b *CertificateBuilder) Organization(org string) *CertificateBuilder {
	b.request.Subject.Organization = []string{org}
	return b
}

// DNSNames sets the DNS SANs.
func (b *CertificateBuilder) DNSNames(names ...string) *CertificateBuilder {
	b.request.DNSNames = names
	return b
}

// IPAddresses sets the IP SANs.
func (b *CertificateBuilder) IPAddresses(ips ...net.IP) *CertificateBuilder {
	b.request.IPAddresses = ips
	return b
}

// Validity sets the certificate validity period.
func (b *CertificateBuilder) Validity(notBefore, notAfter time.Time) *CertificateBuilder {
	b.request.NotBefore = notBefore
	b.request.NotAfter = notAfter
	return b
}

// ValidFor sets the validity duration from now, backdated by one minute
// to tolerate clock skew.
func (b *CertificateBuilder) ValidFor(d time.Duration) *CertificateBuilder {
	now := time.Now()
	b.request.NotBefore = now.Add(-time.Minute)
	b.request.NotAfter = now.Add(d)
	return b
}

// KeyUsage sets the key usage flags.
func (b *CertificateBuilder) KeyUsage(usage x509.KeyUsage) *CertificateBuilder {
	b.request.KeyUsage = usage
	return b
}

// ExtKeyUsage sets the extended key usage.
func (b *CertificateBuilder) ExtKeyUsage(usage ...x509.ExtKeyUsage) *CertificateBuilder {
	b.request.ExtKeyUsage = usage
	return b
}

// CA marks this as a CA certificate.
func (b *CertificateBuilder) CA(maxPathLen int) *CertificateBuilder {
	b.request.IsCA = true
	b.request.MaxPathLen = maxPathLen
	b.request.MaxPathLenZero = (maxPathLen == 0)
	b.request.BasicConstraintsValid = true
	b.request.KeyUsage = x509.KeyUsageCertSign | x509.KeyUsageCRLSign | x509.KeyUsageDigitalSignature
	return b
}

// EndEntity marks this as an end-entity (non-CA) certificate.
func (b *CertificateBuilder) EndEntity() *CertificateBuilder {
	b.request.IsCA = false
	b.request.MaxPathLen = -1
	b.request.BasicConstraintsValid = true
	return b
}

// TLSServer configures the certificate for TLS server authentication.
func (b *CertificateBuilder) TLSServer() *CertificateBuilder {
	b.request.KeyUsage = x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment
	b.request.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
	return b.EndEntity()
}

// OCSPSigning configures a delegated OCSP responder certificate: the
// OCSPSigning extended key usage and the id-pkix-ocsp-nocheck extension.
func (b *CertificateBuilder) OCSPSigning() *CertificateBuilder {
	b.request.KeyUsage = x509.KeyUsageDigitalSignature
	b.request.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageOCSPSigning}
	b.OCSPNoCheck()
	return b.EndEntity()
}

// OCSPNoCheck adds the id-pkix-ocsp-nocheck extension.
func (b *CertificateBuilder) OCSPNoCheck() *CertificateBuilder {
	for _, ext := range b.request.ExtraExtensions {
		if ext.Id.Equal(OIDOCSPNoCheck) {
			return b
		}
	}
	b.request.ExtraExtensions = append(b.request.ExtraExtensions, pkix.Extension{
		Id:    OIDOCSPNoCheck,
		Value: asn1NullBytes,
	})
	return b
}

// SerialNumber sets a specific serial number.
func (b *CertificateBuilder) SerialNumber(sn *big.Int) *CertificateBuilder {
	b.request.SerialNumber = sn
	return b
}

// OCSPServers sets the OCSP server URLs.
func (b *CertificateBuilder) OCSPServers(urls ...string) *CertificateBuilder {
	b.request.OCSPServers = urls
	return b
}

// IssuingCertificateURL sets the issuing certificate URL (AIA).
func (b *CertificateBuilder) IssuingCertificateURL(urls ...string) *CertificateBuilder {
	b.request.IssuingCertificateURL = urls
	return b
}

// AddExtension adds a custom extension.
func (b *CertificateBuilder) AddExtension(ext pkix.Extension) *CertificateBuilder {
	b.request.ExtraExtensions = append(b.request.ExtraExtensions, ext)
	return b
}

// Build creates an x509.Certificate template from the request.
func (b *CertificateBuilder) Build() (*x509.Certificate, error) {
	serial := b.request.SerialNumber
	if serial == nil {
		var err error
		serial, err = generateSerialNumber()
		if err != nil {
			return nil, fmt.Errorf("failed to generate serial number: %w", err)
		}
	}

	return &x509.Certificate{
		SerialNumber:          serial,
		Subject:               b.request.Subject,
		NotBefore:             b.request.NotBefore,
		NotAfter:              b.request.NotAfter,
		KeyUsage:              b.request.KeyUsage,
		ExtKeyUsage:           b.request.ExtKeyUsage,
		IsCA:                  b.request.IsCA,
		MaxPathLen:            b.request.MaxPathLen,
		MaxPathLenZero:        b.request.MaxPathLenZero,
		BasicConstraintsValid: b.request.BasicConstraintsValid,
		DNSNames:              b.request.DNSNames,
		EmailAddresses:        b.request.EmailAddresses,
		IPAddresses:           b.request.IPAddresses,
		OCSPServer:            b.request.OCSPServers,
		IssuingCertificateURL: b.request.IssuingCertificateURL,
		ExtraExtensions:       b.request.ExtraExtensions,
	}, nil
}

// BuildAndSign creates and signs a certificate. A nil issuer makes the
// certificate self-signed.
func (b *CertificateBuilder) BuildAndSign(
	pub crypto.PublicKey,
	issuer *x509.Certificate,
	issuerKey crypto.Signer,
) (*x509.Certificate, []byte, error) {
	template, err := b.Build()
	if err != nil {
		return nil, nil, err
	}

	if issuer == nil {
		issuer = template
		if template.IsCA {
			skid, err := SubjectKeyID(pub)
			if err != nil {
				return nil, nil, err
			}
			template.SubjectKeyId = skid
		}
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, issuer, pub, issuerKey)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse created certificate: %w", err)
	}

	return cert, certDER, nil
}

// generateSerialNumber generates a random 128-bit serial number.
func generateSerialNumber() (*big.Int, error) {
	serialNumberLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, serialNumberLimit)
}

// SubjectKeyID computes the RFC 5280 method 1 key identifier of a public
// key: the SHA-1 hash of the subjectPublicKey bits.
func SubjectKeyID(pub crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	bits, err := PublicKeyBits(der)
	if err != nil {
		return nil, err
	}
	sum := sha1.Sum(bits)
	return sum[:], nil
}
