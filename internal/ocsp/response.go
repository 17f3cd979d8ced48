package ocsp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"net/http"
	"strings"
	"time"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/truststore"
)

// ResponseStatus represents the status of an OCSP response.
type ResponseStatus int

const (
	StatusSuccessful       ResponseStatus = 0
	StatusMalformedRequest ResponseStatus = 1
	StatusInternalError    ResponseStatus = 2
	StatusTryLater         ResponseStatus = 3
	// 4 is not used
	StatusSigRequired  ResponseStatus = 5
	StatusUnauthorized ResponseStatus = 6
)

// String returns a human-readable status string.
func (s ResponseStatus) String() string {
	switch s {
	case StatusSuccessful:
		return "successful"
	case StatusMalformedRequest:
		return "malformedRequest"
	case StatusInternalError:
		return "internalError"
	case StatusTryLater:
		return "tryLater"
	case StatusSigRequired:
		return "sigRequired"
	case StatusUnauthorized:
		return "unauthorized"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// CertStatus represents the revocation status of a certificate.
type CertStatus int

const (
	CertStatusGood    CertStatus = 0
	CertStatusRevoked CertStatus = 1
	CertStatusUnknown CertStatus = 2
)

// String returns a human-readable status string.
func (s CertStatus) String() string {
	switch s {
	case CertStatusGood:
		return "good"
	case CertStatusRevoked:
		return "revoked"
	case CertStatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ParseCertStatus parses good, revoked or unknown.
func ParseCertStatus(s string) (CertStatus, error) {
	switch s {
	case "good":
		return CertStatusGood, nil
	case "revoked":
		return CertStatusRevoked, nil
	case "unknown":
		return CertStatusUnknown, nil
	default:
		return 0, fmt.Errorf("invalid certificate status %q", s)
	}
}

// RevocationReason per RFC 5280 §5.3.1
type RevocationReason int

const (
	// ReasonNotGiven omits the reason code from a revoked entry.
	ReasonNotGiven RevocationReason = -1

	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	// 7 is not used
	ReasonRemoveFromCRL      RevocationReason = 8
	ReasonPrivilegeWithdrawn RevocationReason = 9
	ReasonAACompromise       RevocationReason = 10
)

var reasonNames = map[RevocationReason]string{
	ReasonUnspecified:          "unspecified",
	ReasonKeyCompromise:        "keyCompromise",
	ReasonCACompromise:         "cACompromise",
	ReasonAffiliationChanged:   "affiliationChanged",
	ReasonSuperseded:           "superseded",
	ReasonCessationOfOperation: "cessationOfOperation",
	ReasonCertificateHold:      "certificateHold",
	ReasonRemoveFromCRL:        "removeFromCRL",
	ReasonPrivilegeWithdrawn:   "privilegeWithdrawn",
	ReasonAACompromise:         "aACompromise",
}

// String returns the RFC 5280 name of the reason.
func (r RevocationReason) String() string {
	if name, ok := reasonNames[r]; ok {
		return name
	}
	if r == ReasonNotGiven {
		return "none"
	}
	return fmt.Sprintf("unknown(%d)", int(r))
}

// ParseRevocationReason parses an RFC 5280 reason name, case-insensitively.
// The empty string yields ReasonNotGiven.
func ParseRevocationReason(s string) (RevocationReason, error) {
	if s == "" {
		return ReasonNotGiven, nil
	}
	for r, name := range reasonNames {
		if strings.EqualFold(name, strings.TrimSpace(s)) {
			return r, nil
		}
	}
	return 0, fmt.Errorf("invalid revocation reason %q", s)
}

// ocspResponseASN1 is the outer response.
// OCSPResponse ::= SEQUENCE {
//
//	responseStatus         OCSPResponseStatus,
//	responseBytes          [0] EXPLICIT ResponseBytes OPTIONAL }
type ocspResponseASN1 struct {
	Status        asn1.Enumerated
	ResponseBytes responseBytesASN1 `asn1:"optional,explicit,tag:0"`
}

// responseBytesASN1 holds the typed response.
// ResponseBytes ::= SEQUENCE {
//
//	responseType   OBJECT IDENTIFIER,
//	response       OCTET STRING }
type responseBytesASN1 struct {
	ResponseType asn1.ObjectIdentifier
	Response     []byte
}

// basicResponseASN1 is the id-pkix-ocsp-basic response. The TBS part is
// kept raw for signature verification.
// BasicOCSPResponse ::= SEQUENCE {
//
//	tbsResponseData      ResponseData,
//	signatureAlgorithm   AlgorithmIdentifier,
//	signature            BIT STRING,
//	certs            [0] EXPLICIT SEQUENCE OF Certificate OPTIONAL }
type basicResponseASN1 struct {
	TBSResponseData    asn1.RawValue
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certs              []asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// responseDataASN1 contains the response information to be signed.
// ResponseData ::= SEQUENCE {
//
//	version              [0] EXPLICIT Version DEFAULT v1,
//	responderID              ResponderID,
//	producedAt               GeneralizedTime,
//	responses                SEQUENCE OF SingleResponse,
//	responseExtensions   [1] EXPLICIT Extensions OPTIONAL }
type responseDataASN1 struct {
	Version            int           `asn1:"optional,explicit,tag:0,default:0"`
	ResponderID        asn1.RawValue // CHOICE: byName [1] or byKey [2]
	ProducedAt         time.Time     `asn1:"generalized"`
	Responses          []singleResponseASN1
	ResponseExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// Responder ID CHOICE tags.
const (
	responderIDByName = 1
	responderIDByKey  = 2
)

// ResponderID identifies the responder by subject name or by the SHA-1
// hash of its public key. Exactly one form is set.
type ResponderID struct {
	rawName []byte
	keyHash []byte
}

// ByName returns the responder name and whether the byName form is used.
func (r ResponderID) ByName() (pkix.Name, bool) {
	if r.rawName == nil {
		return pkix.Name{}, false
	}
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(r.rawName, &rdn); err != nil {
		return pkix.Name{}, false
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, true
}

// RawName returns the DER responder name of the byName form.
func (r ResponderID) RawName() []byte { return r.rawName }

// ByKey returns the key hash and whether the byKey form is used.
func (r ResponderID) ByKey() ([]byte, bool) {
	if r.keyHash == nil {
		return nil, false
	}
	return append([]byte(nil), r.keyHash...), true
}

// String returns "name:<DN>" or "key:<hex>".
func (r ResponderID) String() string {
	if name, ok := r.ByName(); ok {
		return "name:" + name.String()
	}
	if r.keyHash != nil {
		return "key:" + upperHex(r.keyHash)
	}
	return ""
}

func parseResponderID(raw asn1.RawValue) (ResponderID, error) {
	if raw.Class != asn1.ClassContextSpecific || !raw.IsCompound {
		return ResponderID{}, fmt.Errorf("malformed ResponderID")
	}
	switch raw.Tag {
	case responderIDByName:
		return ResponderID{rawName: raw.Bytes}, nil
	case responderIDByKey:
		var hash []byte
		rest, err := asn1.Unmarshal(raw.Bytes, &hash)
		if err != nil || len(rest) > 0 {
			return ResponderID{}, fmt.Errorf("malformed ResponderID key hash")
		}
		if hash == nil {
			hash = []byte{}
		}
		return ResponderID{keyHash: hash}, nil
	default:
		return ResponderID{}, fmt.Errorf("unknown ResponderID choice [%d]", raw.Tag)
	}
}

// ParseOptions carries the context a response is validated against.
type ParseOptions struct {
	// Request is the request the response answers. It enables the nonce
	// and CertID checks.
	Request *Request

	// Header holds the HTTP response headers. It enables the Content-Type
	// check.
	Header http.Header

	// Store is used to locate the signer certificate when none is embedded
	// and to build the signer chain.
	Store *truststore.Store

	// CurrentTime is the validation time. Defaults to time.Now().
	CurrentTime time.Time
}

// Response is a decoded OCSP response. It is immutable and safe for
// concurrent reads.
//
// Signature and signer validity and the compliance flags are data: a
// response is returned even when they indicate problems.
type Response struct {
	raw          []byte
	status       ResponseStatus
	responseType asn1.ObjectIdentifier
	version      int
	responderID  ResponderID
	producedAt   time.Time
	tbsRaw       []byte
	certs        []*x509.Certificate
	responses    *SingleResponseList
	extensions   []pkix.Extension
	sigAlg       pkix.AlgorithmIdentifier
	signature    []byte

	signatureValid bool
	signerCert     *x509.Certificate
	signerValid    bool
	chainStatus    []ChainStatus
	compliance     ComplianceFlags
}

// ParseResponse decodes a DER OCSP response and validates it.
//
// For a non-successful status decoding stops after the status and
// Responses returns nil.
func ParseResponse(der []byte, opts ParseOptions) (*Response, error) {
	var outer ocspResponseASN1
	rest, err := asn1.Unmarshal(der, &outer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP response: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after OCSP response")
	}

	r := &Response{
		raw:    append([]byte(nil), der...),
		status: ResponseStatus(outer.Status),
	}
	if r.status != StatusSuccessful {
		return r, nil
	}

	if outer.ResponseBytes.ResponseType == nil {
		return nil, fmt.Errorf("successful OCSP response without responseBytes")
	}
	r.responseType = outer.ResponseBytes.ResponseType
	if !r.responseType.Equal(OIDOcspBasic) {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedResponseType, r.responseType)
	}

	var basic basicResponseASN1
	if rest, err := asn1.Unmarshal(outer.ResponseBytes.Response, &basic); err != nil {
		return nil, fmt.Errorf("failed to parse BasicOCSPResponse: %w", err)
	} else if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after BasicOCSPResponse")
	}

	if _, err := pkicrypto.HashForSignatureAlgorithm(basic.SignatureAlgorithm); err != nil {
		return nil, err
	}
	r.sigAlg = basic.SignatureAlgorithm
	r.signature = basic.Signature.RightAlign()
	r.tbsRaw = basic.TBSResponseData.FullBytes

	var data responseDataASN1
	if rest, err := asn1.Unmarshal(r.tbsRaw, &data); err != nil {
		return nil, fmt.Errorf("failed to parse ResponseData: %w", err)
	} else if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after ResponseData")
	}
	r.version = data.Version + 1
	r.producedAt = data.ProducedAt
	r.extensions = data.ResponseExtensions
	if r.responderID, err = parseResponderID(data.ResponderID); err != nil {
		return nil, err
	}

	items := make([]*SingleResponse, 0, len(data.Responses))
	for i, sr := range data.Responses {
		single, err := parseSingleResponse(sr)
		if err != nil {
			return nil, fmt.Errorf("response %d: %w", i, err)
		}
		items = append(items, single)
	}
	r.responses = NewSingleResponseList(items...)

	for _, rc := range basic.Certs {
		c, err := x509.ParseCertificate(rc.FullBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse response certificate: %w", err)
		}
		r.certs = append(r.certs, c)
	}

	r.validate(opts)
	return r, nil
}

// Raw returns the DER encoding.
func (r *Response) Raw() []byte { return append([]byte(nil), r.raw...) }

// Status returns the response status.
func (r *Response) Status() ResponseStatus { return r.status }

// ResponseType returns the response type OID, nil when not successful.
func (r *Response) ResponseType() asn1.ObjectIdentifier { return r.responseType }

// Version returns the ResponseData version, 1 for v1.
func (r *Response) Version() int { return r.version }

// ResponderID returns the responder identification.
func (r *Response) ResponderID() ResponderID { return r.responderID }

// ProducedAt returns the producedAt time.
func (r *Response) ProducedAt() time.Time { return r.producedAt }

// Certificates returns the embedded certificates.
func (r *Response) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), r.certs...)
}

// Responses returns the status entries, nil for non-successful responses.
func (r *Response) Responses() *SingleResponseList { return r.responses }

// Extensions returns a copy of the response extensions.
func (r *Response) Extensions() []pkix.Extension {
	return append([]pkix.Extension(nil), r.extensions...)
}

// Nonce returns the nonce echoed by the responder, or nil.
func (r *Response) Nonce() []byte { return nonceFromExtensions(r.extensions) }

// SignatureAlgorithm returns the signature AlgorithmIdentifier.
func (r *Response) SignatureAlgorithm() pkix.AlgorithmIdentifier { return r.sigAlg }

// SignatureValid reports whether the signature verified with the signer
// certificate.
func (r *Response) SignatureValid() bool { return r.signatureValid }

// SignerCertificate returns the certificate used to verify the signature,
// or nil when none was found.
func (r *Response) SignerCertificate() *x509.Certificate { return r.signerCert }

// SignerValid reports whether the signer certificate chains to a trusted
// root and, for delegated responders, carries id-pkix-ocsp-nocheck and
// the OCSPSigning extended key usage.
func (r *Response) SignerValid() bool { return r.signerValid }

// ChainStatus returns the problems found while building the signer chain.
func (r *Response) ChainStatus() []ChainStatus {
	return append([]ChainStatus(nil), r.chainStatus...)
}

// Compliance returns the accumulated compliance flags.
func (r *Response) Compliance() ComplianceFlags { return r.compliance }
