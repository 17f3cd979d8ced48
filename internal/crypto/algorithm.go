// Package crypto provides the key material and signing layer used by the
// OCSP engine. It decodes RSA, DSA and ECDSA keys from their standard
// encodings and signs or verifies with any supported hash algorithm,
// including RSASSA-PSS parameters.
package crypto

import (
	"crypto"
	_ "crypto/md5" // registers crypto.MD5
	_ "crypto/sha1"
	_ "crypto/sha256"
	_ "crypto/sha512"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"strings"
)

// KeyAlgorithm identifies a key family.
type KeyAlgorithm int

const (
	KeyUnknown KeyAlgorithm = iota
	KeyRSA
	KeyDSA
	KeyECDSA
)

// String returns the family name.
func (a KeyAlgorithm) String() string {
	switch a {
	case KeyRSA:
		return "RSA"
	case KeyDSA:
		return "DSA"
	case KeyECDSA:
		return "ECDSA"
	default:
		return fmt.Sprintf("unknown(%d)", int(a))
	}
}

// Key algorithm OIDs (SubjectPublicKeyInfo / PKCS#8).
var (
	OIDRSAEncryption = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 1}
	OIDDSA           = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 1}
	OIDECPublicKey   = asn1.ObjectIdentifier{1, 2, 840, 10045, 2, 1}
)

// Hash algorithm OIDs.
var (
	OIDMD5    = asn1.ObjectIdentifier{1, 2, 840, 113549, 2, 5}
	OIDSHA1   = asn1.ObjectIdentifier{1, 3, 14, 3, 2, 26}
	OIDSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 1}
	OIDSHA384 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 2}
	OIDSHA512 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 2, 3}
)

// Signature algorithm OIDs.
var (
	OIDMD5WithRSA    = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 4}
	OIDSHA1WithRSA   = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 5}
	OIDMGF1          = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 8}
	OIDRSASSAPSS     = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 10}
	OIDSHA256WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 11}
	OIDSHA384WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 12}
	OIDSHA512WithRSA = asn1.ObjectIdentifier{1, 2, 840, 113549, 1, 1, 13}

	OIDDSAWithSHA1   = asn1.ObjectIdentifier{1, 2, 840, 10040, 4, 3}
	OIDDSAWithSHA256 = asn1.ObjectIdentifier{2, 16, 840, 1, 101, 3, 4, 3, 2}

	OIDECDSAWithSHA1      = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 1}
	OIDECDSAWithSpecified = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3}
	OIDECDSAWithSHA256    = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 2}
	OIDECDSAWithSHA384    = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 3}
	OIDECDSAWithSHA512    = asn1.ObjectIdentifier{1, 2, 840, 10045, 4, 3, 4}
)

// signatureKind distinguishes how a signature identifier is interpreted.
type signatureKind int

const (
	// sigCombined is a conventional <hash>With<Key> OID.
	sigCombined signatureKind = iota
	// sigNullSigned is a bare hash OID used as a signature algorithm; the
	// "signature" is the digest itself.
	sigNullSigned
	// sigPSS carries its hash in RSASSA-PSS-params.
	sigPSS
	// sigSpecified is ecdsa-with-Specified, hash in the parameters.
	sigSpecified
)

// signatureInfo holds metadata about a signature algorithm OID.
type signatureInfo struct {
	Name string
	OID  asn1.ObjectIdentifier
	Key  KeyAlgorithm
	Hash crypto.Hash
	Kind signatureKind
}

// signatureAlgorithms maps signature algorithm OIDs to key family and hash.
// It is the single source of truth for OID/hash resolution.
var signatureAlgorithms = []signatureInfo{
	{"MD5", OIDMD5, KeyUnknown, crypto.MD5, sigNullSigned},
	{"SHA1", OIDSHA1, KeyUnknown, crypto.SHA1, sigNullSigned},
	{"SHA256", OIDSHA256, KeyUnknown, crypto.SHA256, sigNullSigned},
	{"SHA384", OIDSHA384, KeyUnknown, crypto.SHA384, sigNullSigned},
	{"SHA512", OIDSHA512, KeyUnknown, crypto.SHA512, sigNullSigned},

	{"MD5-RSA", OIDMD5WithRSA, KeyRSA, crypto.MD5, sigCombined},
	{"SHA1-RSA", OIDSHA1WithRSA, KeyRSA, crypto.SHA1, sigCombined},
	{"SHA256-RSA", OIDSHA256WithRSA, KeyRSA, crypto.SHA256, sigCombined},
	{"SHA384-RSA", OIDSHA384WithRSA, KeyRSA, crypto.SHA384, sigCombined},
	{"SHA512-RSA", OIDSHA512WithRSA, KeyRSA, crypto.SHA512, sigCombined},
	{"RSASSA-PSS", OIDRSASSAPSS, KeyRSA, 0, sigPSS},

	{"SHA1-DSA", OIDDSAWithSHA1, KeyDSA, crypto.SHA1, sigCombined},
	{"SHA256-DSA", OIDDSAWithSHA256, KeyDSA, crypto.SHA256, sigCombined},

	{"SHA1-ECDSA", OIDECDSAWithSHA1, KeyECDSA, crypto.SHA1, sigCombined},
	{"SHA256-ECDSA", OIDECDSAWithSHA256, KeyECDSA, crypto.SHA256, sigCombined},
	{"SHA384-ECDSA", OIDECDSAWithSHA384, KeyECDSA, crypto.SHA384, sigCombined},
	{"SHA512-ECDSA", OIDECDSAWithSHA512, KeyECDSA, crypto.SHA512, sigCombined},
	{"SPECIFIED-ECDSA", OIDECDSAWithSpecified, KeyECDSA, 0, sigSpecified},
}

// hashAlgorithms lists the supported hashes with their OIDs and names.
var hashAlgorithms = []struct {
	Hash crypto.Hash
	OID  asn1.ObjectIdentifier
	Name string
}{
	{crypto.MD5, OIDMD5, "MD5"},
	{crypto.SHA1, OIDSHA1, "SHA1"},
	{crypto.SHA256, OIDSHA256, "SHA256"},
	{crypto.SHA384, OIDSHA384, "SHA384"},
	{crypto.SHA512, OIDSHA512, "SHA512"},
}

func lookupSignature(oid asn1.ObjectIdentifier) (signatureInfo, bool) {
	for _, info := range signatureAlgorithms {
		if info.OID.Equal(oid) {
			return info, true
		}
	}
	return signatureInfo{}, false
}

func combinedSignatureOID(key KeyAlgorithm, hash crypto.Hash) (asn1.ObjectIdentifier, bool) {
	for _, info := range signatureAlgorithms {
		if info.Kind == sigCombined && info.Key == key && info.Hash == hash {
			return info.OID, true
		}
	}
	return nil, false
}

// IsSupportedHash reports whether h is one of the supported hash algorithms.
func IsSupportedHash(h crypto.Hash) bool {
	for _, a := range hashAlgorithms {
		if a.Hash == h {
			return true
		}
	}
	return false
}

// ParseHashAlgorithm resolves a hash name such as "SHA256" or "sha-1".
func ParseHashAlgorithm(name string) (crypto.Hash, error) {
	n := strings.ToUpper(strings.ReplaceAll(strings.TrimSpace(name), "-", ""))
	for _, a := range hashAlgorithms {
		if a.Name == n {
			return a.Hash, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrInvalidHashAlgorithm, name)
}

// HashName returns the canonical name of a supported hash.
func HashName(h crypto.Hash) string {
	for _, a := range hashAlgorithms {
		if a.Hash == h {
			return a.Name
		}
	}
	return h.String()
}

// HashOID returns the AlgorithmIdentifier OID of a supported hash.
func HashOID(h crypto.Hash) (asn1.ObjectIdentifier, error) {
	for _, a := range hashAlgorithms {
		if a.Hash == h {
			return a.OID, nil
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrInvalidHashAlgorithm, h)
}

// HashFromOID resolves a hash AlgorithmIdentifier OID.
func HashFromOID(oid asn1.ObjectIdentifier) (crypto.Hash, bool) {
	for _, a := range hashAlgorithms {
		if a.OID.Equal(oid) {
			return a.Hash, true
		}
	}
	return 0, false
}

// HashForSignatureAlgorithm resolves the hash algorithm of a signature
// AlgorithmIdentifier, decoding RSASSA-PSS and ecdsa-with-Specified
// parameters where needed.
func HashForSignatureAlgorithm(ai pkix.AlgorithmIdentifier) (crypto.Hash, error) {
	info, ok := lookupSignature(ai.Algorithm)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrInvalidSignatureAlgorithm, ai.Algorithm)
	}
	switch info.Kind {
	case sigPSS:
		params, err := ParsePSSParameters(ai.Parameters.FullBytes)
		if err != nil {
			return 0, err
		}
		return params.Hash, nil
	case sigSpecified:
		return parseSpecifiedHash(ai.Parameters.FullBytes)
	default:
		return info.Hash, nil
	}
}

// SignatureAlgorithmName returns a display name for a signature OID.
func SignatureAlgorithmName(oid asn1.ObjectIdentifier) string {
	if info, ok := lookupSignature(oid); ok {
		return info.Name
	}
	return oid.String()
}

// IsNullSigned reports whether the identifier is a bare hash OID used as a
// signature algorithm.
func IsNullSigned(oid asn1.ObjectIdentifier) bool {
	info, ok := lookupSignature(oid)
	return ok && info.Kind == sigNullSigned
}

func parseSpecifiedHash(params []byte) (crypto.Hash, error) {
	if len(params) == 0 {
		return 0, fmt.Errorf("%w: ecdsa-with-Specified without hash parameter", ErrInvalidSignatureAlgorithm)
	}
	var hashAlg pkix.AlgorithmIdentifier
	rest, err := asn1.Unmarshal(params, &hashAlg)
	if err != nil || len(rest) > 0 {
		return 0, fmt.Errorf("%w: malformed ecdsa-with-Specified parameter", ErrInvalidSignatureAlgorithm)
	}
	h, ok := HashFromOID(hashAlg.Algorithm)
	if !ok {
		return 0, fmt.Errorf("%w: %v", ErrInvalidHashAlgorithm, hashAlg.Algorithm)
	}
	return h, nil
}
