package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// ECDSAKeyPair holds ECDSA key material on a prime curve.
type ECDSAKeyPair struct {
	Curve elliptic.Curve
	// CurveOID is nil when the key carries explicit parameters that do not
	// match a named curve.
	CurveOID asn1.ObjectIdentifier
	X, Y     *big.Int
	D        *big.Int

	// params is the DER ECParameters re-emitted on encoding.
	params []byte
	public bool
	handle keyHandle
}

func newECDSAKeyPairFromNative(pub *ecdsa.PublicKey, d *big.Int) (*ECDSAKeyPair, error) {
	oid, ok := oidFromCurve(pub.Curve)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedCurve, pub.Curve.Params().Name)
	}
	params, err := asn1.Marshal(oid)
	if err != nil {
		return nil, err
	}
	return &ECDSAKeyPair{
		Curve:    pub.Curve,
		CurveOID: oid,
		X:        copyInt(pub.X),
		Y:        copyInt(pub.Y),
		D:        d,
		params:   params,
		public:   d == nil,
	}, nil
}

// DecodeECDSAPrivateKey decodes a SEC1 ECPrivateKey or a PKCS#8
// PrivateKeyInfo holding one. Named and explicit prime-curve parameters are
// accepted; the public point is derived when the encoding omits it.
func DecodeECDSAPrivateKey(der []byte) (*ECDSAKeyPair, error) {
	var outerParams []byte
	if info, ok := parsePKCS8(der); ok {
		if !info.Algo.Algorithm.Equal(OIDECPublicKey) {
			return nil, fmt.Errorf("%w: PKCS#8 algorithm %v is not EC", ErrMalformedKey, info.Algo.Algorithm)
		}
		outerParams = info.Algo.Parameters.FullBytes
		der = info.PrivateKey
	}
	return parseSEC1(der, outerParams)
}

// parseSEC1 decodes
//
//	ECPrivateKey ::= SEQUENCE {
//	  version        INTEGER { ecPrivkeyVer1(1) },
//	  privateKey     OCTET STRING,
//	  parameters [0] ECParameters OPTIONAL,
//	  publicKey  [1] BIT STRING OPTIONAL }
func parseSEC1(der, outerParams []byte) (*ECDSAKeyPair, error) {
	malformed := fmt.Errorf("%w: invalid EC private key", ErrMalformedKey)

	input := cryptobyte.String(der)
	var seq cryptobyte.String
	var version int
	var privBytes []byte
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(&version) || version != 1 ||
		!seq.ReadASN1Bytes(&privBytes, cbasn1.OCTET_STRING) {
		return nil, malformed
	}

	var paramsField, pubField cryptobyte.String
	var hasParams, hasPub bool
	if !seq.ReadOptionalASN1(&paramsField, &hasParams, cbasn1.Tag(0).Constructed().ContextSpecific()) ||
		!seq.ReadOptionalASN1(&pubField, &hasPub, cbasn1.Tag(1).Constructed().ContextSpecific()) {
		return nil, malformed
	}

	params := outerParams
	if hasParams {
		params = []byte(paramsField)
	}
	if len(params) == 0 {
		return nil, fmt.Errorf("%w: missing curve parameters", ErrMalformedKey)
	}
	curve, oid, err := parseECParameters(params)
	if err != nil {
		return nil, err
	}

	n := curve.Params().N
	d := new(big.Int).SetBytes(privBytes)
	if d.Sign() <= 0 || d.Cmp(n) >= 0 {
		return nil, fmt.Errorf("%w: EC private scalar out of range", ErrMalformedKey)
	}

	var x, y *big.Int
	if hasPub {
		var bits asn1.BitString
		if !pubField.ReadASN1BitString(&bits) || !pubField.Empty() {
			return nil, malformed
		}
		if x, y, err = decodePoint(curve, bits.RightAlign()); err != nil {
			return nil, err
		}
	} else {
		x, y = curve.ScalarBaseMult(d.FillBytes(make([]byte, (n.BitLen()+7)/8)))
	}

	return &ECDSAKeyPair{Curve: curve, CurveOID: oid, X: x, Y: y, D: d, params: params}, nil
}

// DecodeECDSAPublicKey decodes a SubjectPublicKeyInfo holding an EC key.
// Compressed points are accepted.
func DecodeECDSAPublicKey(der []byte) (*ECDSAKeyPair, error) {
	info, ok := parseSPKI(der)
	if !ok {
		return nil, fmt.Errorf("%w: invalid SubjectPublicKeyInfo", ErrMalformedKey)
	}
	if !info.Algorithm.Algorithm.Equal(OIDECPublicKey) {
		return nil, fmt.Errorf("%w: SubjectPublicKeyInfo algorithm %v is not EC", ErrMalformedKey, info.Algorithm.Algorithm)
	}
	params := info.Algorithm.Parameters.FullBytes
	curve, oid, err := parseECParameters(params)
	if err != nil {
		return nil, err
	}
	x, y, err := decodePoint(curve, info.PublicKey.RightAlign())
	if err != nil {
		return nil, err
	}
	return &ECDSAKeyPair{Curve: curve, CurveOID: oid, X: x, Y: y, params: params, public: true}, nil
}

func (k *ECDSAKeyPair) Algorithm() KeyAlgorithm     { return KeyECDSA }
func (k *ECDSAKeyPair) OID() asn1.ObjectIdentifier { return OIDECPublicKey }
func (k *ECDSAKeyPair) IsPublicOnly() bool         { return k.public }

// Public returns an *ecdsa.PublicKey.
func (k *ECDSAKeyPair) Public() crypto.PublicKey {
	return k.publicKey()
}

func (k *ECDSAKeyPair) publicKey() *ecdsa.PublicKey {
	return &ecdsa.PublicKey{Curve: k.Curve, X: k.X, Y: k.Y}
}

// Key returns the cached *ecdsa.PrivateKey or *ecdsa.PublicKey.
func (k *ECDSAKeyPair) Key() (any, error) {
	return k.handle.get(func() (any, error) {
		pub := k.publicKey()
		if k.public {
			return pub, nil
		}
		return &ecdsa.PrivateKey{PublicKey: *pub, D: k.D}, nil
	})
}

// Close wipes the private scalar.
func (k *ECDSAKeyPair) Close() error {
	return k.handle.close(func(any) {
		wipe(k.D)
	})
}

func (k *ECDSAKeyPair) signDigest(rand io.Reader, digest []byte, _ signOptions) ([]byte, error) {
	if k.public {
		return nil, ErrPublicKeyOnly
	}
	native, err := k.Key()
	if err != nil {
		return nil, err
	}
	sig, err := ecdsa.SignASN1(rand, native.(*ecdsa.PrivateKey), digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign with ECDSA: %w", err)
	}
	return sig, nil
}

func (k *ECDSAKeyPair) verifyDigest(digest, signature []byte, _ signOptions) bool {
	if k.handle.isClosed() {
		return false
	}
	return ecdsa.VerifyASN1(k.publicKey(), digest, signature)
}

func (k *ECDSAKeyPair) marshalPublic() ([]byte, error) {
	return marshalSPKI(OIDECPublicKey, k.params, encodePoint(k.Curve, k.X, k.Y))
}

// marshalPrivate emits PKCS#8 wrapping a SEC1 key without inner
// parameters.
func (k *ECDSAKeyPair) marshalPrivate() ([]byte, error) {
	if k.handle.isClosed() {
		return nil, ErrKeyClosed
	}
	scalar := k.D.FillBytes(make([]byte, (k.Curve.Params().N.BitLen()+7)/8))
	point := encodePoint(k.Curve, k.X, k.Y)

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1OctetString(scalar)
		b.AddASN1(cbasn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddASN1BitString(point)
		})
	})
	sec1, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return marshalPKCS8(OIDECPublicKey, k.params, sec1)
}
