package ocsp

import (
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
	"time"
)

// singleResponseASN1 is the wire form of one status entry.
// SingleResponse ::= SEQUENCE {
//
//	certID                       CertID,
//	certStatus                   CertStatus,
//	thisUpdate                   GeneralizedTime,
//	nextUpdate         [0]       EXPLICIT GeneralizedTime OPTIONAL,
//	singleExtensions   [1]       EXPLICIT Extensions OPTIONAL }
type singleResponseASN1 struct {
	CertID           asn1.RawValue
	CertStatus       asn1.RawValue
	ThisUpdate       time.Time        `asn1:"generalized"`
	NextUpdate       time.Time        `asn1:"optional,explicit,tag:0,generalized"`
	SingleExtensions []pkix.Extension `asn1:"optional,explicit,tag:1"`
}

// revokedInfoASN1 is carried as [1] IMPLICIT RevokedInfo.
// RevokedInfo ::= SEQUENCE {
//
//	revocationTime              GeneralizedTime,
//	revocationReason    [0]     EXPLICIT CRLReason OPTIONAL }
type revokedInfoASN1 struct {
	RevocationTime   time.Time     `asn1:"generalized"`
	RevocationReason asn1.RawValue `asn1:"optional,explicit,tag:0"`
}

// CertStatus CHOICE tags.
const (
	certStatusTagGood    = 0
	certStatusTagRevoked = 1
	certStatusTagUnknown = 2
)

// SingleResponse is the status of one certificate.
type SingleResponse struct {
	certID         *CertID
	status         CertStatus
	thisUpdate     time.Time
	nextUpdate     time.Time
	extensions     []pkix.Extension
	revocationTime time.Time
	reason         RevocationReason
}

func parseSingleResponse(w singleResponseASN1) (*SingleResponse, error) {
	id, err := ParseCertID(w.CertID.FullBytes)
	if err != nil {
		return nil, err
	}
	sr := &SingleResponse{
		certID:     id,
		thisUpdate: w.ThisUpdate,
		nextUpdate: w.NextUpdate,
		extensions: w.SingleExtensions,
		reason:     ReasonNotGiven,
	}

	cs := w.CertStatus
	if cs.Class != asn1.ClassContextSpecific {
		return nil, fmt.Errorf("malformed certStatus")
	}
	switch cs.Tag {
	case certStatusTagGood:
		sr.status = CertStatusGood
	case certStatusTagUnknown:
		sr.status = CertStatusUnknown
	case certStatusTagRevoked:
		var info revokedInfoASN1
		rest, err := asn1.UnmarshalWithParams(cs.FullBytes, &info, "tag:1")
		if err != nil {
			return nil, fmt.Errorf("failed to parse RevokedInfo: %w", err)
		}
		if len(rest) > 0 {
			return nil, fmt.Errorf("trailing data after RevokedInfo")
		}
		sr.status = CertStatusRevoked
		sr.revocationTime = info.RevocationTime
		if len(info.RevocationReason.Bytes) > 0 {
			var reason asn1.Enumerated
			if _, err := asn1.Unmarshal(info.RevocationReason.Bytes, &reason); err != nil {
				return nil, fmt.Errorf("failed to parse revocation reason: %w", err)
			}
			sr.reason = RevocationReason(reason)
		}
	default:
		return nil, fmt.Errorf("unknown certStatus choice [%d]", cs.Tag)
	}
	return sr, nil
}

// encodeCertStatus returns the CHOICE encoding of a status.
func encodeCertStatus(status CertStatus, revokedAt time.Time, reason RevocationReason) (asn1.RawValue, error) {
	switch status {
	case CertStatusGood:
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: certStatusTagGood}, nil
	case CertStatusUnknown:
		return asn1.RawValue{Class: asn1.ClassContextSpecific, Tag: certStatusTagUnknown}, nil
	case CertStatusRevoked:
		info := revokedInfoASN1{RevocationTime: revokedAt.UTC().Truncate(time.Second)}
		if reason != ReasonNotGiven {
			enc, err := asn1.Marshal(asn1.Enumerated(reason))
			if err != nil {
				return asn1.RawValue{}, err
			}
			info.RevocationReason = asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        0,
				IsCompound: true,
				Bytes:      enc,
			}
		}
		der, err := asn1.MarshalWithParams(info, "tag:1")
		if err != nil {
			return asn1.RawValue{}, fmt.Errorf("failed to encode RevokedInfo: %w", err)
		}
		return asn1.RawValue{FullBytes: der}, nil
	default:
		return asn1.RawValue{}, fmt.Errorf("invalid certificate status %v", status)
	}
}

// CertID returns the identifier of the certificate the entry covers.
func (s *SingleResponse) CertID() *CertID { return s.certID }

// Status returns good, revoked or unknown.
func (s *SingleResponse) Status() CertStatus { return s.status }

// ThisUpdate returns the time the status was known to be correct.
func (s *SingleResponse) ThisUpdate() time.Time { return s.thisUpdate }

// NextUpdate returns the time newer information will be available. The
// zero time means the responder did not say.
func (s *SingleResponse) NextUpdate() time.Time { return s.nextUpdate }

// Extensions returns a copy of the single response extensions.
func (s *SingleResponse) Extensions() []pkix.Extension {
	return append([]pkix.Extension(nil), s.extensions...)
}

// RevocationTime returns the revocation time of a revoked entry.
func (s *SingleResponse) RevocationTime() time.Time { return s.revocationTime }

// RevocationReason returns the reason of a revoked entry, ReasonNotGiven
// when absent.
func (s *SingleResponse) RevocationReason() RevocationReason { return s.reason }

// HasRevocationReason reports whether the revoked entry carries a reason.
func (s *SingleResponse) HasRevocationReason() bool { return s.reason != ReasonNotGiven }

// SingleResponseList is the ordered list of entries of a response.
type SingleResponseList struct {
	items []*SingleResponse
}

// NewSingleResponseList creates a list from the given entries.
func NewSingleResponseList(items ...*SingleResponse) *SingleResponseList {
	return &SingleResponseList{items: append([]*SingleResponse(nil), items...)}
}

// Len returns the number of entries.
func (l *SingleResponseList) Len() int {
	if l == nil {
		return 0
	}
	return len(l.items)
}

// At returns the entry at index i.
func (l *SingleResponseList) At(i int) *SingleResponse { return l.items[i] }

// Items returns a copy of the entries in order.
func (l *SingleResponseList) Items() []*SingleResponse {
	if l == nil {
		return nil
	}
	return append([]*SingleResponse(nil), l.items...)
}

// ByStatus returns the entries with the given status.
func (l *SingleResponseList) ByStatus(status CertStatus) []*SingleResponse {
	if l == nil {
		return nil
	}
	var out []*SingleResponse
	for _, item := range l.items {
		if item.status == status {
			out = append(out, item)
		}
	}
	return out
}

// BySerial returns the first entry whose serial number, in hex, matches
// serial case-insensitively.
func (l *SingleResponseList) BySerial(serial string) (*SingleResponse, bool) {
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

// ByCertID returns the entry whose CertID equals id.
func (l *SingleResponseList) ByCertID(id *CertID) (*SingleResponse, bool) {
	if l == nil {
		return nil, false
	}
	for _, item := range l.items {
		if item.certID.Equal(id) {
			return item, true
		}
	}
	return nil, false
}
