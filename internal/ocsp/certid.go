package ocsp

import (
	"bytes"
	"crypto"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
	"time"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/truststore"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// certIDASN1 is the wire form of a CertID.
// CertID ::= SEQUENCE {
//
//	hashAlgorithm       AlgorithmIdentifier,
//	issuerNameHash      OCTET STRING,
//	issuerKeyHash       OCTET STRING,
//	serialNumber        CertificateSerialNumber }
type certIDASN1 struct {
	HashAlgorithm  pkix.AlgorithmIdentifier
	IssuerNameHash []byte
	IssuerKeyHash  []byte
	SerialNumber   *big.Int
}

// asn1Null is the DER NULL used as hash AlgorithmIdentifier parameters.
var asn1Null = asn1.RawValue{Tag: asn1.TagNull}

// CertID identifies a certificate by issuer name hash, issuer key hash and
// serial number.
//
// A CertID built from certificates computes its hashes on demand with the
// configured hash algorithm (SHA-1 by default) and becomes read-only once
// encoded. A CertID decoded from wire bytes is read-only from the start.
// Read-only CertIDs are safe for concurrent use.
type CertID struct {
	hash     crypto.Hash
	hashOID  asn1.ObjectIdentifier
	issuer   *x509.Certificate
	serial   *big.Int
	nameHash []byte
	keyHash  []byte
	raw      []byte
	readOnly bool
}

// NewCertID builds a CertID for leaf with an explicit issuer. The issuer is
// taken as given: neither the chain nor the issuer signature is checked.
func NewCertID(issuer, leaf *x509.Certificate) (*CertID, error) {
	if leaf == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	return NewCertIDFromSerial(issuer, leaf.SerialNumber)
}

// NewCertIDFromSerial builds a CertID for the given issuer and serial
// number, as responders do when they only know the serial.
func NewCertIDFromSerial(issuer *x509.Certificate, serial *big.Int) (*CertID, error) {
	if issuer == nil {
		return nil, fmt.Errorf("issuer certificate is required")
	}
	if serial == nil {
		return nil, fmt.Errorf("serial number is required")
	}
	return &CertID{
		hash:   crypto.SHA1,
		issuer: issuer,
		serial: new(big.Int).Set(serial),
	}, nil
}

// NewCertIDFromStore builds a CertID for leaf, discovering the issuer.
//
// A chain is built against the trust store without revocation checks and
// the second element is the issuer; a verified chain without one (leaf is
// a trust anchor) yields ErrIssuerNotFound. When no chain verifies, the
// store is searched for another certificate whose subject and key match
// the leaf's issuer.
func NewCertIDFromStore(leaf *x509.Certificate, store *truststore.Store) (*CertID, error) {
	issuer, err := findIssuer(leaf, store)
	if err != nil {
		return nil, err
	}
	return NewCertID(issuer, leaf)
}

func findIssuer(leaf *x509.Certificate, store *truststore.Store) (*x509.Certificate, error) {
	if leaf == nil {
		return nil, fmt.Errorf("certificate is required")
	}
	if store == nil {
		return nil, fmt.Errorf("%w: no trust store for %s", ErrIssuerNotFound, leaf.Subject)
	}
	if chains, err := store.Verify(leaf, nil, time.Time{}); err == nil {
		for _, chain := range chains {
			if len(chain) > 1 {
				return chain[1], nil
			}
		}
		return nil, fmt.Errorf("%w: %s is a trust anchor", ErrIssuerNotFound, leaf.Subject)
	}
	for _, c := range store.FindBySubject(leaf.RawIssuer) {
		if x509util.SameCertificate(c, leaf) {
			continue
		}
		if leaf.CheckSignatureFrom(c) == nil {
			return c, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrIssuerNotFound, leaf.Issuer)
}

// ParseCertID decodes a DER CertID. The result is read-only.
func ParseCertID(der []byte) (*CertID, error) {
	var w certIDASN1
	rest, err := asn1.Unmarshal(der, &w)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CertID: %w", err)
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("trailing data after CertID")
	}
	return certIDFromASN1(w, der[:len(der)-len(rest)])
}

func certIDFromASN1(w certIDASN1, raw []byte) (*CertID, error) {
	if w.SerialNumber == nil {
		return nil, fmt.Errorf("CertID without serial number")
	}
	h, _ := pkicrypto.HashFromOID(w.HashAlgorithm.Algorithm)
	if raw == nil {
		var err error
		if raw, err = asn1.Marshal(w); err != nil {
			return nil, fmt.Errorf("failed to encode CertID: %w", err)
		}
	}
	return &CertID{
		hash:     h,
		hashOID:  w.HashAlgorithm.Algorithm,
		serial:   w.SerialNumber,
		nameHash: w.IssuerNameHash,
		keyHash:  w.IssuerKeyHash,
		raw:      append([]byte(nil), raw...),
		readOnly: true,
	}, nil
}

// SetHashAlgorithm changes the hash used for the issuer hashes.
func (id *CertID) SetHashAlgorithm(h crypto.Hash) error {
	if id.readOnly {
		return ErrReadOnly
	}
	if !pkicrypto.IsSupportedHash(h) {
		return fmt.Errorf("%w: %v", pkicrypto.ErrInvalidHashAlgorithm, h)
	}
	if h != id.hash {
		id.hash = h
		id.nameHash, id.keyHash = nil, nil
	}
	return nil
}

// IsReadOnly reports whether the CertID was decoded or already encoded.
func (id *CertID) IsReadOnly() bool { return id.readOnly }

// HashAlgorithm returns the hash algorithm, or 0 when a decoded CertID
// names an unknown one.
func (id *CertID) HashAlgorithm() crypto.Hash { return id.hash }

// HashAlgorithmOID returns the hash AlgorithmIdentifier OID.
func (id *CertID) HashAlgorithmOID() asn1.ObjectIdentifier {
	if id.hashOID != nil {
		return id.hashOID
	}
	oid, _ := pkicrypto.HashOID(id.hash)
	return oid
}

// compute fills the issuer hashes if needed.
func (id *CertID) compute() error {
	if id.readOnly || (id.nameHash != nil && id.keyHash != nil) {
		return nil
	}
	if id.issuer == nil {
		return fmt.Errorf("CertID has no issuer certificate")
	}
	nameHash, err := x509util.NameHash(id.issuer, id.hash)
	if err != nil {
		return fmt.Errorf("failed to hash issuer name: %w", err)
	}
	keyHash, err := x509util.KeyHash(id.issuer, id.hash)
	if err != nil {
		return fmt.Errorf("failed to hash issuer key: %w", err)
	}
	id.nameHash, id.keyHash = nameHash, keyHash
	return nil
}

func (id *CertID) asn1() (certIDASN1, error) {
	if err := id.compute(); err != nil {
		return certIDASN1{}, err
	}
	oid, err := pkicrypto.HashOID(id.hash)
	if id.hashOID != nil {
		oid, err = id.hashOID, nil
	}
	if err != nil {
		return certIDASN1{}, err
	}
	return certIDASN1{
		HashAlgorithm:  pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1Null},
		IssuerNameHash: id.nameHash,
		IssuerKeyHash:  id.keyHash,
		SerialNumber:   id.serial,
	}, nil
}

// Encode returns the DER CertID and makes the CertID read-only.
func (id *CertID) Encode() ([]byte, error) {
	if id.raw != nil {
		return append([]byte(nil), id.raw...), nil
	}
	w, err := id.asn1()
	if err != nil {
		return nil, err
	}
	raw, err := asn1.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to encode CertID: %w", err)
	}
	id.raw = raw
	id.hashOID = w.HashAlgorithm.Algorithm
	id.readOnly = true
	return append([]byte(nil), raw...), nil
}

// IssuerNameHashBytes returns the issuer name hash. It returns nil if the
// hash cannot be computed.
func (id *CertID) IssuerNameHashBytes() []byte {
	if id.compute() != nil {
		return nil
	}
	return append([]byte(nil), id.nameHash...)
}

// IssuerKeyHashBytes returns the issuer key hash. It returns nil if the
// hash cannot be computed.
func (id *CertID) IssuerKeyHashBytes() []byte {
	if id.compute() != nil {
		return nil
	}
	return append([]byte(nil), id.keyHash...)
}

// IssuerNameHash returns the issuer name hash as uppercase hex.
func (id *CertID) IssuerNameHash() string { return upperHex(id.IssuerNameHashBytes()) }

// IssuerKeyHash returns the issuer key hash as uppercase hex.
func (id *CertID) IssuerKeyHash() string { return upperHex(id.IssuerKeyHashBytes()) }

// Serial returns a copy of the serial number.
func (id *CertID) Serial() *big.Int { return new(big.Int).Set(id.serial) }

// SerialNumber returns the serial number as uppercase hex of its magnitude
// bytes.
func (id *CertID) SerialNumber() string { return SerialHex(id.serial) }

// Equal reports structural equality over hash algorithm, issuer hashes and
// serial number.
func (id *CertID) Equal(other *CertID) bool {
	if id == nil || other == nil {
		return id == other
	}
	if !id.HashAlgorithmOID().Equal(other.HashAlgorithmOID()) {
		return false
	}
	if id.serial.Cmp(other.serial) != 0 {
		return false
	}
	if id.compute() != nil || other.compute() != nil {
		return false
	}
	return bytes.Equal(id.nameHash, other.nameHash) && bytes.Equal(id.keyHash, other.keyHash)
}

// MatchesIssuer reports whether the issuer hashes were computed from
// issuer, using the CertID's own hash algorithm.
func (id *CertID) MatchesIssuer(issuer *x509.Certificate) bool {
	if issuer == nil || !id.hash.Available() {
		return false
	}
	if id.compute() != nil {
		return false
	}
	nameHash, err := x509util.NameHash(issuer, id.hash)
	if err != nil {
		return false
	}
	keyHash, err := x509util.KeyHash(issuer, id.hash)
	if err != nil {
		return false
	}
	return bytes.Equal(id.nameHash, nameHash) && bytes.Equal(id.keyHash, keyHash)
}

// String returns a short description for logs.
func (id *CertID) String() string {
	return fmt.Sprintf("serial=%s hash=%s", id.SerialNumber(), pkicrypto.HashName(id.hash))
}

// SerialHex formats a serial number as uppercase hex of its magnitude
// bytes ("00" for zero).
func SerialHex(serial *big.Int) string {
	if serial == nil {
		return ""
	}
	b := serial.Bytes()
	if len(b) == 0 {
		return "00"
	}
	return upperHex(b)
}

func upperHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}
