package crypto

import (
	"crypto/x509/pkix"
	"encoding/asn1"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// pkcs8 is the PKCS#8 PrivateKeyInfo structure (RFC 5208). Optional
// attributes are ignored.
type pkcs8 struct {
	Version    int
	Algo       pkix.AlgorithmIdentifier
	PrivateKey []byte
}

// subjectPublicKeyInfo is the X.509 SubjectPublicKeyInfo structure.
type subjectPublicKeyInfo struct {
	Algorithm pkix.AlgorithmIdentifier
	PublicKey asn1.BitString
}

func parsePKCS8(der []byte) (*pkcs8, bool) {
	var info pkcs8
	rest, err := asn1.Unmarshal(der, &info)
	if err != nil || len(rest) > 0 {
		return nil, false
	}
	return &info, true
}

func parseSPKI(der []byte) (*subjectPublicKeyInfo, bool) {
	var info subjectPublicKeyInfo
	rest, err := asn1.Unmarshal(der, &info)
	if err != nil || len(rest) > 0 {
		return nil, false
	}
	return &info, true
}

// marshalSPKI builds a SubjectPublicKeyInfo from an algorithm OID, its raw
// DER parameters and the subjectPublicKey bits.
func marshalSPKI(oid asn1.ObjectIdentifier, params []byte, key []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		addAlgorithmIdentifier(b, oid, params)
		b.AddASN1(cbasn1.BIT_STRING, func(b *cryptobyte.Builder) {
			b.AddUint8(0)
			b.AddBytes(key)
		})
	})
	return b.Bytes()
}

// marshalPKCS8 builds a version 0 PrivateKeyInfo.
func marshalPKCS8(oid asn1.ObjectIdentifier, params []byte, key []byte) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(0)
		addAlgorithmIdentifier(b, oid, params)
		b.AddASN1OctetString(key)
	})
	return b.Bytes()
}

func addAlgorithmIdentifier(b *cryptobyte.Builder, oid asn1.ObjectIdentifier, params []byte) {
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1ObjectIdentifier(oid)
		if len(params) > 0 {
			b.AddBytes(params)
		}
	})
}

// MarshalPKIXPublicKey encodes the public half of kp as a
// SubjectPublicKeyInfo.
func MarshalPKIXPublicKey(kp KeyPair) ([]byte, error) {
	switch k := kp.(type) {
	case *RSAKeyPair:
		return k.marshalPublic()
	case *DSAKeyPair:
		return k.marshalPublic()
	case *ECDSAKeyPair:
		return k.marshalPublic()
	default:
		return nil, ErrUnsupportedKeyAlgorithm
	}
}

// MarshalPKCS8PrivateKey encodes kp as a PKCS#8 PrivateKeyInfo.
func MarshalPKCS8PrivateKey(kp KeyPair) ([]byte, error) {
	if kp.IsPublicOnly() {
		return nil, ErrPublicKeyOnly
	}
	switch k := kp.(type) {
	case *RSAKeyPair:
		return k.marshalPrivate()
	case *DSAKeyPair:
		return k.marshalPrivate()
	case *ECDSAKeyPair:
		return k.marshalPrivate()
	default:
		return nil, ErrUnsupportedKeyAlgorithm
	}
}
