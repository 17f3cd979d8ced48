package ocsp

import (
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"time"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// ResponseBuilder assembles and signs a BasicOCSPResponse.
type ResponseBuilder struct {
	responderCert *x509.Certificate
	signer        *pkicrypto.Signer
	producedAt    time.Time
	byName        bool
	includeCerts  bool
	chain         []*x509.Certificate
	alternate     bool
	responses     []singleResponseASN1
	extensions    []pkix.Extension
	err           error
}

// NewResponseBuilder creates a builder signing with signer on behalf of
// responderCert. The responder is identified by key hash and its
// certificate is embedded by default.
func NewResponseBuilder(responderCert *x509.Certificate, signer *pkicrypto.Signer) *ResponseBuilder {
	return &ResponseBuilder{
		responderCert: responderCert,
		signer:        signer,
		producedAt:    time.Now(),
		includeCerts:  true,
	}
}

// SetProducedAt overrides the producedAt time.
func (b *ResponseBuilder) SetProducedAt(t time.Time) *ResponseBuilder {
	b.producedAt = t
	return b
}

// ResponderByName identifies the responder by subject name instead of key
// hash.
func (b *ResponseBuilder) ResponderByName(enable bool) *ResponseBuilder {
	b.byName = enable
	return b
}

// IncludeCerts controls whether the responder certificate is embedded.
func (b *ResponseBuilder) IncludeCerts(enable bool) *ResponseBuilder {
	b.includeCerts = enable
	return b
}

// AddChain embeds extra certificates after the responder certificate.
func (b *ResponseBuilder) AddChain(certs ...*x509.Certificate) *ResponseBuilder {
	b.chain = append(b.chain, certs...)
	return b
}

// SetAlternate selects ecdsa-with-Specified for ECDSA signers.
func (b *ResponseBuilder) SetAlternate(enable bool) *ResponseBuilder {
	b.alternate = enable
	return b
}

func (b *ResponseBuilder) add(id *CertID, status CertStatus, thisUpdate, nextUpdate, revokedAt time.Time, reason RevocationReason) *ResponseBuilder {
	if b.err != nil {
		return b
	}
	if id == nil {
		b.err = fmt.Errorf("CertID is required")
		return b
	}
	idDER, err := id.Encode()
	if err != nil {
		b.err = err
		return b
	}
	cs, err := encodeCertStatus(status, revokedAt, reason)
	if err != nil {
		b.err = err
		return b
	}
	sr := singleResponseASN1{
		CertID:     asn1.RawValue{FullBytes: idDER},
		CertStatus: cs,
		ThisUpdate: thisUpdate.UTC().Truncate(time.Second),
	}
	if !nextUpdate.IsZero() {
		sr.NextUpdate = nextUpdate.UTC().Truncate(time.Second)
	}
	b.responses = append(b.responses, sr)
	return b
}

// AddGood adds a good entry. A zero nextUpdate is omitted.
func (b *ResponseBuilder) AddGood(id *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	return b.add(id, CertStatusGood, thisUpdate, nextUpdate, time.Time{}, ReasonNotGiven)
}

// AddRevoked adds a revoked entry. ReasonNotGiven omits the reason code.
func (b *ResponseBuilder) AddRevoked(id *CertID, thisUpdate, nextUpdate, revokedAt time.Time, reason RevocationReason) *ResponseBuilder {
	return b.add(id, CertStatusRevoked, thisUpdate, nextUpdate, revokedAt, reason)
}

// AddUnknown adds an unknown entry.
func (b *ResponseBuilder) AddUnknown(id *CertID, thisUpdate, nextUpdate time.Time) *ResponseBuilder {
	return b.add(id, CertStatusUnknown, thisUpdate, nextUpdate, time.Time{}, ReasonNotGiven)
}

// AddNonce echoes a request nonce. A nil nonce is ignored.
func (b *ResponseBuilder) AddNonce(nonce []byte) *ResponseBuilder {
	if nonce == nil || b.err != nil {
		return b
	}
	value, err := asn1.Marshal(nonce)
	if err != nil {
		b.err = fmt.Errorf("failed to marshal nonce: %w", err)
		return b
	}
	return b.AddExtension(pkix.Extension{Id: OIDOcspNonce, Value: value})
}

// AddExtension adds a response extension.
func (b *ResponseBuilder) AddExtension(ext pkix.Extension) *ResponseBuilder {
	b.extensions = append(b.extensions, ext)
	return b
}

func (b *ResponseBuilder) responderID() (asn1.RawValue, error) {
	if b.byName {
		return asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        responderIDByName,
			IsCompound: true,
			Bytes:      b.responderCert.RawSubject,
		}, nil
	}
	bits, err := x509util.SubjectPublicKeyBits(b.responderCert)
	if err != nil {
		return asn1.RawValue{}, err
	}
	hash := sha1.Sum(bits)
	keyHash, err := asn1.Marshal(hash[:])
	if err != nil {
		return asn1.RawValue{}, err
	}
	return asn1.RawValue{
		Class:      asn1.ClassContextSpecific,
		Tag:        responderIDByKey,
		IsCompound: true,
		Bytes:      keyHash,
	}, nil
}

// Build signs and encodes the response.
func (b *ResponseBuilder) Build() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.responderCert == nil || b.signer == nil {
		return nil, fmt.Errorf("responder certificate and signer are required")
	}
	if len(b.responses) == 0 {
		return nil, fmt.Errorf("no responses added")
	}

	rid, err := b.responderID()
	if err != nil {
		return nil, fmt.Errorf("failed to encode ResponderID: %w", err)
	}
	tbs, err := asn1.Marshal(responseDataASN1{
		ResponderID:        rid,
		ProducedAt:         b.producedAt.UTC().Truncate(time.Second),
		Responses:          b.responses,
		ResponseExtensions: b.extensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode ResponseData: %w", err)
	}

	sigAlg, err := b.signer.AlgorithmIdentifier(b.alternate)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signature algorithm: %w", err)
	}
	signature, err := b.signer.SignData(tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign OCSP response: %w", err)
	}

	basic := basicResponseASN1{
		TBSResponseData:    asn1.RawValue{FullBytes: tbs},
		SignatureAlgorithm: sigAlg,
		Signature:          asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
	}
	if b.includeCerts {
		basic.Certs = append(basic.Certs, asn1.RawValue{FullBytes: b.responderCert.Raw})
		for _, c := range b.chain {
			basic.Certs = append(basic.Certs, asn1.RawValue{FullBytes: c.Raw})
		}
	}
	basicDER, err := asn1.Marshal(basic)
	if err != nil {
		return nil, fmt.Errorf("failed to encode BasicOCSPResponse: %w", err)
	}

	der, err := asn1.Marshal(ocspResponseASN1{
		Status: asn1.Enumerated(StatusSuccessful),
		ResponseBytes: responseBytesASN1{
			ResponseType: OIDOcspBasic,
			Response:     basicDER,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCSP response: %w", err)
	}
	return der, nil
}

// NewErrorResponse encodes a response carrying only a non-successful
// status.
func NewErrorResponse(status ResponseStatus) ([]byte, error) {
	if status == StatusSuccessful {
		return nil, fmt.Errorf("error response requires a non-successful status")
	}
	der, err := asn1.Marshal(ocspResponseASN1{Status: asn1.Enumerated(status)})
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCSP response: %w", err)
	}
	return der, nil
}
