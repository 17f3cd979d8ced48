package ocsp

import (
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"

	"github.com/remiblancher/qocsp/internal/x509util"
)

// singleRequestASN1 is the wire form of one request entry.
// Request ::= SEQUENCE {
//
//	reqCert                     CertID,
//	singleRequestExtensions     [0] EXPLICIT Extensions OPTIONAL }
type singleRequestASN1 struct {
	ReqCert    asn1.RawValue
	Extensions []pkix.Extension `asn1:"optional,explicit,tag:0"`
}

// serviceLocatorASN1 is the id-pkix-ocsp-service-locator extension value.
// ServiceLocator ::= SEQUENCE {
//
//	issuer    Name,
//	locator   AuthorityInfoAccessSyntax }
type serviceLocatorASN1 struct {
	Issuer  asn1.RawValue
	Locator asn1.RawValue
}

// SingleRequest is one certificate entry of an OCSP request. It is
// immutable once constructed.
type SingleRequest struct {
	certID     *CertID
	extensions []pkix.Extension
}

// NewSingleRequest wraps a CertID without extensions.
func NewSingleRequest(id *CertID) *SingleRequest {
	return &SingleRequest{certID: id}
}

// NewSingleRequestWithLocator wraps a CertID and adds the service locator
// extension built from the leaf's issuer name and its Authority
// Information Access extension. The extension is omitted when the leaf
// has no AIA extension.
func NewSingleRequestWithLocator(id *CertID, leaf *x509.Certificate) (*SingleRequest, error) {
	sr := &SingleRequest{certID: id}
	if leaf == nil {
		return sr, nil
	}
	aia, ok := x509util.FindExtension(leaf.Extensions, x509util.OIDAuthorityInfoAccess)
	if !ok {
		return sr, nil
	}
	value, err := asn1.Marshal(serviceLocatorASN1{
		Issuer:  asn1.RawValue{FullBytes: leaf.RawIssuer},
		Locator: asn1.RawValue{FullBytes: aia.Value},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode service locator: %w", err)
	}
	sr.extensions = []pkix.Extension{{Id: OIDOcspServiceLocator, Value: value}}
	return sr, nil
}

func parseSingleRequest(w singleRequestASN1) (*SingleRequest, error) {
	id, err := ParseCertID(w.ReqCert.FullBytes)
	if err != nil {
		return nil, err
	}
	return &SingleRequest{certID: id, extensions: w.Extensions}, nil
}

// CertID returns the certificate identifier.
func (r *SingleRequest) CertID() *CertID { return r.certID }

// Extensions returns a copy of the single request extensions.
func (r *SingleRequest) Extensions() []pkix.Extension {
	return append([]pkix.Extension(nil), r.extensions...)
}

// ServiceLocator returns the service locator extension value, if present.
func (r *SingleRequest) ServiceLocator() ([]byte, bool) {
	ext, ok := x509util.FindExtension(r.extensions, OIDOcspServiceLocator)
	if !ok {
		return nil, false
	}
	return ext.Value, true
}

// Encode returns SEQUENCE { CertID, [0] Extensions OPTIONAL }. It encodes
// and freezes the CertID.
func (r *SingleRequest) Encode() ([]byte, error) {
	idDER, err := r.certID.Encode()
	if err != nil {
		return nil, err
	}
	der, err := asn1.Marshal(singleRequestASN1{
		ReqCert:    asn1.RawValue{FullBytes: idDER},
		Extensions: r.extensions,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to encode single request: %w", err)
	}
	return der, nil
}

// RequestList is the ordered list of entries of an OCSP request.
type RequestList struct {
	items []*SingleRequest
}

// NewRequestList creates a list from the given entries.
func NewRequestList(items ...*SingleRequest) *RequestList {
	return &RequestList{items: append([]*SingleRequest(nil), items...)}
}

// Len returns the number of entries.
func (l *RequestList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// At returns the entry at index i.
func (l *RequestList) At(i int) *SingleRequest { return l.items[i] }

// Items returns a copy of the entries in order.
func (l *RequestList) Items() []*SingleRequest {
	if l == nil {
		return nil
	}
	return append([]*SingleRequest(nil), l.items...)
}

// BySerial returns the first entry whose serial number, in hex, matches
// serial case-insensitively.
func (l *RequestList) BySerial(serial string) (*SingleRequest, bool) {
	if l == nil {
		return nil, false
	}
	for _, item := range l.items {
		if strings.EqualFold(item.certID.SerialNumber(), serial) {
			return item, true
		}
	}
	return nil, false
}

// Contains reports whether an entry's CertID equals id.
func (l *RequestList) Contains(id *CertID) bool {
	if l == nil {
		return false
	}
	for _, item := range l.items {
		if item.certID.Equal(id) {
			return true
		}
	}
	return false
}

// Encode returns the SEQUENCE OF Request, or nil for an empty list.
func (l *RequestList) Encode() ([]byte, error) {
	if l.Len() == 0 {
		return nil, nil
	}
	entries := make([]asn1.RawValue, 0, len(l.items))
	for i, item := range l.items {
		der, err := item.Encode()
		if err != nil {
			return nil, fmt.Errorf("failed to encode request %d: %w", i, err)
		}
		entries = append(entries, asn1.RawValue{FullBytes: der})
	}
	der, err := asn1.Marshal(entries)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request list: %w", err)
	}
	return der, nil
}
