package ocsp

import "encoding/asn1"

// OCSP OIDs per RFC 6960
var (
	// id-pkix-ocsp OBJECT IDENTIFIER ::= { id-ad-ocsp }
	// id-ad-ocsp OBJECT IDENTIFIER ::= { iso(1) identified-organization(3)
	//   dod(6) internet(1) security(5) mechanisms(5) pkix(7) ad(48) 1 }
	OIDPKIXOcsp = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1}

	// id-pkix-ocsp-basic OBJECT IDENTIFIER ::= { id-pkix-ocsp 1 }
	OIDOcspBasic = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 1}

	// id-pkix-ocsp-nonce OBJECT IDENTIFIER ::= { id-pkix-ocsp 2 }
	OIDOcspNonce = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 2}

	// id-pkix-ocsp-crl OBJECT IDENTIFIER ::= { id-pkix-ocsp 3 }
	OIDOcspCRL = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 3}

	// id-pkix-ocsp-response OBJECT IDENTIFIER ::= { id-pkix-ocsp 4 }
	OIDOcspResponse = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 4}

	// id-pkix-ocsp-nocheck OBJECT IDENTIFIER ::= { id-pkix-ocsp 5 }
	OIDOcspNoCheck = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 5}

	// id-pkix-ocsp-archive-cutoff OBJECT IDENTIFIER ::= { id-pkix-ocsp 6 }
	OIDOcspArchiveCutoff = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 6}

	// id-pkix-ocsp-service-locator OBJECT IDENTIFIER ::= { id-pkix-ocsp 7 }
	OIDOcspServiceLocator = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 48, 1, 7}

	// id-kp-OCSPSigning OBJECT IDENTIFIER ::= { id-kp 9 }
	OIDExtKeyUsageOCSPSigning = asn1.ObjectIdentifier{1, 3, 6, 1, 5, 5, 7, 3, 9}
)

// Content types used on the HTTP transport (RFC 6960 Appendix A).
const (
	ContentTypeRequest  = "application/ocsp-request"
	ContentTypeResponse = "application/ocsp-response"
)
