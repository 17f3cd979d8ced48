package ocsp

import (
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/truststore"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// NonceLength is the size of generated request nonces.
const NonceLength = 16

// maxRequestSize bounds request bodies read by ParseRequestFromHTTP.
const maxRequestSize = 64 << 10

// ocspRequestASN1 is the outer request. encoding/asn1 leaves explicit
// RawValue fields wrapped: Bytes holds the inner element.
// OCSPRequest ::= SEQUENCE {
//
//	tbsRequest                  TBSRequest,
//	optionalSignature   [0]     EXPLICIT Signature OPTIONAL }
type ocspRequestASN1 struct {
	TBSRequest        asn1.RawValue
	OptionalSignature asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// signedRequestASN1 is used to encode a signed request.
type signedRequestASN1 struct {
	TBSRequest        asn1.RawValue
	OptionalSignature signatureASN1 `asn1:"explicit,tag:0"`
}

// tbsRequestASN1 is the to-be-signed part of a request.
// TBSRequest ::= SEQUENCE {
//
//	version             [0]     EXPLICIT Version DEFAULT v1,
//	requestorName       [1]     EXPLICIT GeneralName OPTIONAL,
//	requestList                 SEQUENCE OF Request,
//	requestExtensions   [2]     EXPLICIT Extensions OPTIONAL }
type tbsRequestASN1 struct {
	Version           int              `asn1:"optional,explicit,tag:0,default:0"`
	RequestorName     asn1.RawValue    `asn1:"optional,explicit,tag:1"`
	RequestList       asn1.RawValue
	RequestExtensions []pkix.Extension `asn1:"optional,explicit,tag:2"`
}

// signatureASN1 is the optional request signature.
// Signature ::= SEQUENCE {
//
//	signatureAlgorithm      AlgorithmIdentifier,
//	signature               BIT STRING,
//	certs               [0] EXPLICIT SEQUENCE OF Certificate OPTIONAL }
type signatureASN1 struct {
	SignatureAlgorithm pkix.AlgorithmIdentifier
	Signature          asn1.BitString
	Certs              []asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// generalNameDirectoryTag is the directoryName choice of GeneralName.
const generalNameDirectoryTag = 4

// =============================================================================
// Building
// =============================================================================

// requestEntry is a pending entry of a RequestBuilder. leaf is nil for
// entries that came from a prebuilt list.
type requestEntry struct {
	id     *CertID
	leaf   *x509.Certificate
	single *SingleRequest
}

// RequestBuilder assembles an OCSP request. It is finalized exactly once,
// by Encode or Sign, which produce an immutable Request.
//
// Setters are chainable; the first error they meet is reported by the
// finalizer.
type RequestBuilder struct {
	entries        []requestEntry
	sources        []*x509.Certificate
	nonce          bool
	url            string
	requestorName  []byte
	serviceLocator bool
	err            error
	finalized      bool
}

// NewRequestForCertificate builds a request for one certificate. The
// issuer is discovered through the trust store.
func NewRequestForCertificate(leaf *x509.Certificate, store *truststore.Store) (*RequestBuilder, error) {
	id, err := NewCertIDFromStore(leaf, store)
	if err != nil {
		return nil, err
	}
	return &RequestBuilder{
		entries: []requestEntry{{id: id, leaf: leaf}},
		sources: []*x509.Certificate{leaf},
	}, nil
}

// NewRequestForCertificates builds a request for certificates sharing the
// explicit issuer. The issuer is not checked against the certificates.
func NewRequestForCertificates(certs []*x509.Certificate, issuer *x509.Certificate) (*RequestBuilder, error) {
	if len(certs) == 0 {
		return nil, ErrEmptyRequest
	}
	b := &RequestBuilder{sources: append([]*x509.Certificate(nil), certs...)}
	for i, c := range certs {
		id, err := NewCertID(issuer, c)
		if err != nil {
			return nil, fmt.Errorf("failed to create CertID for certificate %d: %w", i, err)
		}
		b.entries = append(b.entries, requestEntry{id: id, leaf: c})
	}
	return b, nil
}

// NewRequestForCertificatesFromStore builds a request for certificates
// sharing one issuer, discovered from the first certificate.
func NewRequestForCertificatesFromStore(certs []*x509.Certificate, store *truststore.Store) (*RequestBuilder, error) {
	if len(certs) == 0 {
		return nil, ErrEmptyRequest
	}
	issuer, err := findIssuer(certs[0], store)
	if err != nil {
		return nil, err
	}
	return NewRequestForCertificates(certs, issuer)
}

// NewRequestFromList builds a request from prebuilt entries.
func NewRequestFromList(list *RequestList) (*RequestBuilder, error) {
	if list.Len() == 0 {
		return nil, ErrEmptyRequest
	}
	b := &RequestBuilder{}
	for _, item := range list.Items() {
		b.entries = append(b.entries, requestEntry{id: item.CertID(), single: item})
	}
	return b, nil
}

func (b *RequestBuilder) setErr(err error) {
	if b.err == nil {
		b.err = err
	}
}

func (b *RequestBuilder) mutable() bool {
	if b.finalized {
		b.setErr(ErrAlreadyFinalized)
		return false
	}
	return true
}

// SetNonce controls whether a fresh nonce extension is added.
func (b *RequestBuilder) SetNonce(enable bool) *RequestBuilder {
	if b.mutable() {
		b.nonce = enable
	}
	return b
}

// SetURL sets the responder URL, overriding the certificates' AIA.
func (b *RequestBuilder) SetURL(u string) *RequestBuilder {
	if b.mutable() {
		b.url = u
	}
	return b
}

// SetRequestorName sets the requestorName as a directoryName. Sign
// overrides it with the signer's subject.
func (b *RequestBuilder) SetRequestorName(name pkix.Name) *RequestBuilder {
	if !b.mutable() {
		return b
	}
	raw, err := asn1.Marshal(name.ToRDNSequence())
	if err != nil {
		b.setErr(fmt.Errorf("failed to encode requestor name: %w", err))
		return b
	}
	b.requestorName = raw
	return b
}

// SetServiceLocator adds the service locator extension to entries built
// from certificates.
func (b *RequestBuilder) SetServiceLocator(enable bool) *RequestBuilder {
	if b.mutable() {
		b.serviceLocator = enable
	}
	return b
}

// SetHashAlgorithm sets the CertID hash algorithm of every entry.
func (b *RequestBuilder) SetHashAlgorithm(h crypto.Hash) *RequestBuilder {
	if !b.mutable() {
		return b
	}
	for _, e := range b.entries {
		if err := e.id.SetHashAlgorithm(h); err != nil {
			b.setErr(err)
			return b
		}
	}
	return b
}

func (b *RequestBuilder) list() (*RequestList, error) {
	items := make([]*SingleRequest, 0, len(b.entries))
	for _, e := range b.entries {
		switch {
		case e.single != nil:
			items = append(items, e.single)
		case b.serviceLocator:
			sr, err := NewSingleRequestWithLocator(e.id, e.leaf)
			if err != nil {
				return nil, err
			}
			items = append(items, sr)
		default:
			items = append(items, NewSingleRequest(e.id))
		}
	}
	return NewRequestList(items...), nil
}

func (b *RequestBuilder) tbs(requestorName []byte) ([]byte, error) {
	list, err := b.list()
	if err != nil {
		return nil, err
	}
	listDER, err := list.Encode()
	if err != nil {
		return nil, err
	}
	if listDER == nil {
		return nil, ErrEmptyRequest
	}

	tbs := tbsRequestASN1{RequestList: asn1.RawValue{FullBytes: listDER}}

	if requestorName != nil {
		gn, err := asn1.Marshal(asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        generalNameDirectoryTag,
			IsCompound: true,
			Bytes:      requestorName,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to encode requestor name: %w", err)
		}
		tbs.RequestorName = asn1.RawValue{
			Class:      asn1.ClassContextSpecific,
			Tag:        1,
			IsCompound: true,
			Bytes:      gn,
		}
	}

	if b.nonce {
		ext, err := newNonceExtension()
		if err != nil {
			return nil, err
		}
		tbs.RequestExtensions = append(tbs.RequestExtensions, ext)
	}

	der, err := asn1.Marshal(tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to encode TBSRequest: %w", err)
	}
	return der, nil
}

func newNonceExtension() (pkix.Extension, error) {
	nonce := make([]byte, NonceLength)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to generate nonce: %w", err)
	}
	value, err := asn1.Marshal(nonce)
	if err != nil {
		return pkix.Extension{}, fmt.Errorf("failed to marshal nonce: %w", err)
	}
	return pkix.Extension{Id: OIDOcspNonce, Value: value}, nil
}

// checkFinalizable reports setter errors and a previous finalization.
// A failed Encode or Sign leaves the builder open.
func (b *RequestBuilder) checkFinalizable() error {
	if b.err != nil {
		return b.err
	}
	if b.finalized {
		return ErrAlreadyFinalized
	}
	return nil
}

// result parses der back and marks the builder finalized.
func (b *RequestBuilder) result(der []byte) (*Request, error) {
	req, err := ParseRequest(der)
	if err != nil {
		return nil, err
	}
	req.url = b.url
	req.sources = append([]*x509.Certificate(nil), b.sources...)
	b.finalized = true
	return req, nil
}

// Encode finalizes an unsigned request.
func (b *RequestBuilder) Encode() (*Request, error) {
	if err := b.checkFinalizable(); err != nil {
		return nil, err
	}
	tbs, err := b.tbs(b.requestorName)
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(ocspRequestASN1{TBSRequest: asn1.RawValue{FullBytes: tbs}})
	if err != nil {
		return nil, fmt.Errorf("failed to encode OCSP request: %w", err)
	}
	return b.result(der)
}

// SignOptions controls request signing.
type SignOptions struct {
	// IncludeFullChain attaches the signer chain up to a self-signed root
	// instead of the signer certificate alone.
	IncludeFullChain bool

	// Store is used to build the full chain.
	Store *truststore.Store

	// Alternate selects ecdsa-with-Specified for ECDSA signers.
	Alternate bool
}

// Sign finalizes a signed request. The requestorName is set to the signer
// certificate's subject.
func (b *RequestBuilder) Sign(signer *pkicrypto.Signer, signerCert *x509.Certificate, opts SignOptions) (*Request, error) {
	if signer == nil || signerCert == nil {
		return nil, fmt.Errorf("signer and signer certificate are required")
	}
	if err := b.checkFinalizable(); err != nil {
		return nil, err
	}

	tbs, err := b.tbs(signerCert.RawSubject)
	if err != nil {
		return nil, err
	}

	sigAlg, err := signer.AlgorithmIdentifier(opts.Alternate)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve signature algorithm: %w", err)
	}
	signature, err := signer.SignData(tbs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign OCSP request: %w", err)
	}

	certs := []*x509.Certificate{signerCert}
	if opts.IncludeFullChain {
		certs = buildChain(signerCert, opts.Store)
	}
	rawCerts := make([]asn1.RawValue, len(certs))
	for i, c := range certs {
		rawCerts[i] = asn1.RawValue{FullBytes: c.Raw}
	}

	der, err := asn1.Marshal(signedRequestASN1{
		TBSRequest: asn1.RawValue{FullBytes: tbs},
		OptionalSignature: signatureASN1{
			SignatureAlgorithm: sigAlg,
			Signature:          asn1.BitString{Bytes: signature, BitLength: len(signature) * 8},
			Certs:              rawCerts,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode signed OCSP request: %w", err)
	}
	return b.result(der)
}

// buildChain returns cert followed by its issuers up to a self-signed
// root, without duplicates. A verified chain from the store is preferred;
// otherwise issuers are searched one by one.
func buildChain(cert *x509.Certificate, store *truststore.Store) []*x509.Certificate {
	if store == nil {
		return []*x509.Certificate{cert}
	}
	if chains, err := store.Verify(cert, nil, time.Time{}); err == nil && len(chains) > 0 {
		return chains[0]
	}

	chain := []*x509.Certificate{cert}
	current := cert
	for !x509util.IsSelfSigned(current) {
		issuer, ok := store.FindIssuer(current)
		if !ok {
			break
		}
		for _, seen := range chain {
			if x509util.SameCertificate(seen, issuer) {
				return chain
			}
		}
		chain = append(chain, issuer)
		current = issuer
	}
	return chain
}

// =============================================================================
// Finalized request
// =============================================================================

// Request is an encoded OCSP request. It is immutable and safe for
// concurrent reads.
type Request struct {
	raw           []byte
	tbsRaw        []byte
	version       int
	requestorName []byte
	requests      *RequestList
	extensions    []pkix.Extension
	signed        bool
	sigAlg        pkix.AlgorithmIdentifier
	signature     []byte
	certs         []*x509.Certificate
	url           string
	sources       []*x509.Certificate
}

// ParseRequest decodes a DER OCSP request, as received by a responder.
func ParseRequest(data []byte) (*Request, error) {
	var outer ocspRequestASN1
	rest, err := asn1.Unmarshal(data, &outer)
	if err != nil {
		return nil, fmt.Errorf("failed to parse OCSP request: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after OCSP request")
	}

	var tbs tbsRequestASN1
	if _, err := asn1.Unmarshal(outer.TBSRequest.FullBytes, &tbs); err != nil {
		return nil, fmt.Errorf("failed to parse TBSRequest: %w", err)
	}
	if tbs.Version != 0 {
		return nil, fmt.Errorf("unsupported OCSP request version: %d", tbs.Version+1)
	}

	var entries []singleRequestASN1
	if _, err := asn1.Unmarshal(tbs.RequestList.FullBytes, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse request list: %w", err)
	}
	if len(entries) == 0 {
		return nil, ErrEmptyRequest
	}
	items := make([]*SingleRequest, 0, len(entries))
	for i, e := range entries {
		sr, err := parseSingleRequest(e)
		if err != nil {
			return nil, fmt.Errorf("request %d: %w", i, err)
		}
		items = append(items, sr)
	}

	req := &Request{
		raw:        append([]byte(nil), data[:len(data)-len(rest)]...),
		tbsRaw:     outer.TBSRequest.FullBytes,
		version:    tbs.Version + 1,
		requests:   NewRequestList(items...),
		extensions: tbs.RequestExtensions,
	}

	if len(tbs.RequestorName.Bytes) > 0 {
		var gn asn1.RawValue
		if _, err := asn1.Unmarshal(tbs.RequestorName.Bytes, &gn); err != nil {
			return nil, fmt.Errorf("failed to parse requestorName: %w", err)
		}
		if gn.Class == asn1.ClassContextSpecific && gn.Tag == generalNameDirectoryTag {
			req.requestorName = gn.Bytes
		}
	}

	if len(outer.OptionalSignature.FullBytes) > 0 {
		var sig signatureASN1
		if _, err := asn1.Unmarshal(outer.OptionalSignature.Bytes, &sig); err != nil {
			return nil, fmt.Errorf("failed to parse request signature: %w", err)
		}
		req.signed = true
		req.sigAlg = sig.SignatureAlgorithm
		req.signature = sig.Signature.RightAlign()
		for _, rc := range sig.Certs {
			c, err := x509.ParseCertificate(rc.FullBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse request certificate: %w", err)
			}
			req.certs = append(req.certs, c)
		}
	}

	return req, nil
}

// ParseRequestFromHTTP parses an OCSP request from an HTTP request.
// Supports both GET (base64 in the last path segment) and POST (DER body).
func ParseRequestFromHTTP(r *http.Request) (*Request, error) {
	switch r.Method {
	case http.MethodGet:
		return parseRequestFromGET(r)
	case http.MethodPost:
		return parseRequestFromPOST(r)
	default:
		return nil, fmt.Errorf("unsupported HTTP method: %s", r.Method)
	}
}

// parseRequestFromGET decodes the last path segment. Standard base64 is
// tried first, then the URL-safe alphabets.
func parseRequestFromGET(r *http.Request) (*Request, error) {
	path := r.URL.EscapedPath()
	if i := strings.LastIndex(path, "/"); i >= 0 {
		path = path[i+1:]
	}
	if path == "" {
		return nil, fmt.Errorf("empty OCSP request in GET path")
	}

	decoded, err := url.PathUnescape(path)
	if err != nil {
		return nil, fmt.Errorf("failed to URL-decode OCSP request: %w", err)
	}

	data, err := base64.StdEncoding.DecodeString(decoded)
	if err != nil {
		data, err = base64.URLEncoding.DecodeString(decoded)
		if err != nil {
			data, err = base64.RawURLEncoding.DecodeString(decoded)
			if err != nil {
				return nil, fmt.Errorf("failed to base64-decode OCSP request: %w", err)
			}
		}
	}

	return ParseRequest(data)
}

// parseRequestFromPOST parses an OCSP request from a POST request body.
func parseRequestFromPOST(r *http.Request) (*Request, error) {
	contentType := r.Header.Get("Content-Type")
	if !strings.HasPrefix(contentType, ContentTypeRequest) {
		// Be lenient - some clients might not set the header
		if contentType != "" && !strings.HasPrefix(contentType, "application/") {
			return nil, fmt.Errorf("invalid content type: %s", contentType)
		}
	}

	data, err := io.ReadAll(io.LimitReader(r.Body, maxRequestSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read request body: %w", err)
	}
	if len(data) > maxRequestSize {
		return nil, fmt.Errorf("OCSP request body exceeds %d bytes", maxRequestSize)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("empty OCSP request body")
	}

	return ParseRequest(data)
}

// Raw returns the DER encoding.
func (r *Request) Raw() []byte { return append([]byte(nil), r.raw...) }

// Version returns the protocol version, 1 for v1.
func (r *Request) Version() int { return r.version }

// Requests returns the request entries.
func (r *Request) Requests() *RequestList { return r.requests }

// Extensions returns a copy of the request extensions.
func (r *Request) Extensions() []pkix.Extension {
	return append([]pkix.Extension(nil), r.extensions...)
}

// Nonce returns the nonce extension value, or nil.
func (r *Request) Nonce() []byte { return nonceFromExtensions(r.extensions) }

// RequestorName returns the directoryName requestorName, if present.
func (r *Request) RequestorName() (pkix.Name, bool) {
	if r.requestorName == nil {
		return pkix.Name{}, false
	}
	var rdn pkix.RDNSequence
	if _, err := asn1.Unmarshal(r.requestorName, &rdn); err != nil {
		return pkix.Name{}, false
	}
	var name pkix.Name
	name.FillFromRDNSequence(&rdn)
	return name, true
}

// IsSigned reports whether the request carries a signature.
func (r *Request) IsSigned() bool { return r.signed }

// SignatureAlgorithm returns the signature AlgorithmIdentifier of a
// signed request.
func (r *Request) SignatureAlgorithm() pkix.AlgorithmIdentifier { return r.sigAlg }

// Certificates returns the certificates attached to the signature.
func (r *Request) Certificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), r.certs...)
}

// SourceCertificates returns the certificates the request was built from.
func (r *Request) SourceCertificates() []*x509.Certificate {
	return append([]*x509.Certificate(nil), r.sources...)
}

// URL returns the responder URL: the explicit one, else the first OCSP
// server of the source certificates, else "".
func (r *Request) URL() string {
	if r.url != "" {
		return r.url
	}
	for _, c := range r.sources {
		if len(c.OCSPServer) > 0 {
			return c.OCSPServer[0]
		}
	}
	return ""
}

// VerifySignature checks the request signature with the first attached
// certificate.
func (r *Request) VerifySignature() error {
	if !r.signed {
		return fmt.Errorf("OCSP request is not signed")
	}
	if len(r.certs) == 0 {
		return fmt.Errorf("signed OCSP request carries no certificate")
	}
	return verifyTBS(r.tbsRaw, r.signature, r.sigAlg, r.certs[0])
}

// verifyTBS verifies signature over tbs with the public key of cert.
func verifyTBS(tbs, signature []byte, sigAlg pkix.AlgorithmIdentifier, cert *x509.Certificate) error {
	kp, err := pkicrypto.PublicKeyPairFromCertificate(cert)
	if err != nil {
		return fmt.Errorf("failed to load signer public key: %w", err)
	}
	defer kp.Close()

	verifier, err := pkicrypto.NewVerifier(kp, sigAlg)
	if err != nil {
		return err
	}
	if !verifier.VerifyData(tbs, signature) {
		return fmt.Errorf("signature verification failed")
	}
	return nil
}

func nonceFromExtensions(exts []pkix.Extension) []byte {
	ext, ok := x509util.FindExtension(exts, OIDOcspNonce)
	if !ok {
		return nil
	}
	var nonce []byte
	if rest, err := asn1.Unmarshal(ext.Value, &nonce); err == nil && len(rest) == 0 {
		return nonce
	}
	return ext.Value
}
