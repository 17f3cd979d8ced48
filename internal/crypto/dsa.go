package crypto

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // legacy DSA keys are still found in the wild
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// DSAKeyPair holds DSA key material. Signing always uses SHA-1.
type DSAKeyPair struct {
	P, Q, G *big.Int
	Y       *big.Int
	X       *big.Int

	public bool
	handle keyHandle
}

// DecodeDSAPrivateKey decodes an OpenSSL "DSA PRIVATE KEY"
// (SEQUENCE{version, p, q, g, y, x}) or a PKCS#8 PrivateKeyInfo holding a DSA
// key.
func DecodeDSAPrivateKey(der []byte) (*DSAKeyPair, error) {
	if info, ok := parsePKCS8(der); ok {
		if !info.Algo.Algorithm.Equal(OIDDSA) {
			return nil, fmt.Errorf("%w: PKCS#8 algorithm %v is not DSA", ErrMalformedKey, info.Algo.Algorithm)
		}
		p, q, g, err := parseDSAParameters(info.Algo.Parameters.FullBytes)
		if err != nil {
			return nil, err
		}
		x := new(big.Int)
		s := cryptobyte.String(info.PrivateKey)
		if !s.ReadASN1Integer(x) || !s.Empty() {
			return nil, fmt.Errorf("%w: invalid DSA private value", ErrMalformedKey)
		}
		kp := &DSAKeyPair{P: p, Q: q, G: g, X: x, Y: new(big.Int).Exp(g, x, p)}
		return kp, kp.check()
	}

	var version int
	p, q, g, y, x := new(big.Int), new(big.Int), new(big.Int), new(big.Int), new(big.Int)
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(&version) ||
		!seq.ReadASN1Integer(p) || !seq.ReadASN1Integer(q) || !seq.ReadASN1Integer(g) ||
		!seq.ReadASN1Integer(y) || !seq.ReadASN1Integer(x) || !seq.Empty() {
		return nil, fmt.Errorf("%w: invalid DSA private key", ErrMalformedKey)
	}
	if version != 0 {
		return nil, fmt.Errorf("%w: unsupported DSA private key version %d", ErrMalformedKey, version)
	}
	kp := &DSAKeyPair{P: p, Q: q, G: g, Y: y, X: x}
	return kp, kp.check()
}

// DecodeDSAPublicKey decodes a SubjectPublicKeyInfo holding a DSA key.
func DecodeDSAPublicKey(der []byte) (*DSAKeyPair, error) {
	info, ok := parseSPKI(der)
	if !ok {
		return nil, fmt.Errorf("%w: invalid SubjectPublicKeyInfo", ErrMalformedKey)
	}
	if !info.Algorithm.Algorithm.Equal(OIDDSA) {
		return nil, fmt.Errorf("%w: SubjectPublicKeyInfo algorithm %v is not DSA", ErrMalformedKey, info.Algorithm.Algorithm)
	}
	p, q, g, err := parseDSAParameters(info.Algorithm.Parameters.FullBytes)
	if err != nil {
		return nil, err
	}
	y := new(big.Int)
	s := cryptobyte.String(info.PublicKey.RightAlign())
	if !s.ReadASN1Integer(y) || !s.Empty() {
		return nil, fmt.Errorf("%w: invalid DSA public value", ErrMalformedKey)
	}
	kp := &DSAKeyPair{P: p, Q: q, G: g, Y: y, public: true}
	return kp, kp.check()
}

// parseDSAParameters decodes Dss-Parms ::= SEQUENCE { p, q, g }.
func parseDSAParameters(der []byte) (p, q, g *big.Int, err error) {
	p, q, g = new(big.Int), new(big.Int), new(big.Int)
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(p) || !seq.ReadASN1Integer(q) || !seq.ReadASN1Integer(g) || !seq.Empty() {
		return nil, nil, nil, fmt.Errorf("%w: invalid DSA parameters", ErrMalformedKey)
	}
	return p, q, g, nil
}

func (k *DSAKeyPair) check() error {
	if k.P.Sign() <= 0 || k.Q.Sign() <= 0 || k.G.Sign() <= 0 || k.Y.Sign() <= 0 {
		return fmt.Errorf("%w: DSA values must be positive", ErrMalformedKey)
	}
	if !k.public && (k.X.Sign() <= 0 || k.X.Cmp(k.Q) >= 0) {
		return fmt.Errorf("%w: DSA private value out of range", ErrMalformedKey)
	}
	return nil
}

func (k *DSAKeyPair) Algorithm() KeyAlgorithm     { return KeyDSA }
func (k *DSAKeyPair) OID() asn1.ObjectIdentifier { return OIDDSA }
func (k *DSAKeyPair) IsPublicOnly() bool         { return k.public }

// Public returns a *dsa.PublicKey.
func (k *DSAKeyPair) Public() crypto.PublicKey {
	return k.publicKey()
}

func (k *DSAKeyPair) publicKey() *dsa.PublicKey {
	return &dsa.PublicKey{Parameters: dsa.Parameters{P: k.P, Q: k.Q, G: k.G}, Y: k.Y}
}

// Key returns the cached *dsa.PrivateKey or *dsa.PublicKey.
func (k *DSAKeyPair) Key() (any, error) {
	return k.handle.get(func() (any, error) {
		pub := k.publicKey()
		if k.public {
			return pub, nil
		}
		return &dsa.PrivateKey{PublicKey: *pub, X: k.X}, nil
	})
}

// Close wipes the private value.
func (k *DSAKeyPair) Close() error {
	return k.handle.close(func(any) {
		wipe(k.X)
	})
}

// truncate cuts digest to the byte length of the subgroup order.
func (k *DSAKeyPair) truncate(digest []byte) []byte {
	n := (k.Q.BitLen() + 7) / 8
	if len(digest) > n {
		return digest[:n]
	}
	return digest
}

func (k *DSAKeyPair) signDigest(rand io.Reader, digest []byte, _ signOptions) ([]byte, error) {
	if k.public {
		return nil, ErrPublicKeyOnly
	}
	native, err := k.Key()
	if err != nil {
		return nil, err
	}
	r, s, err := dsa.Sign(rand, native.(*dsa.PrivateKey), k.truncate(digest))
	if err != nil {
		return nil, fmt.Errorf("failed to sign with DSA: %w", err)
	}
	return marshalDSSSignature(r, s)
}

func (k *DSAKeyPair) verifyDigest(digest, signature []byte, _ signOptions) bool {
	if k.handle.isClosed() {
		return false
	}
	r, s, ok := parseDSSSignature(signature)
	if !ok {
		return false
	}
	return dsa.Verify(k.publicKey(), k.truncate(digest), r, s)
}

func (k *DSAKeyPair) parameters() ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(k.P)
		b.AddASN1BigInt(k.Q)
		b.AddASN1BigInt(k.G)
	})
	return b.Bytes()
}

func (k *DSAKeyPair) marshalPublic() ([]byte, error) {
	params, err := k.parameters()
	if err != nil {
		return nil, err
	}
	var y cryptobyte.Builder
	y.AddASN1BigInt(k.Y)
	key, err := y.Bytes()
	if err != nil {
		return nil, err
	}
	return marshalSPKI(OIDDSA, params, key)
}

func (k *DSAKeyPair) marshalPrivate() ([]byte, error) {
	if k.handle.isClosed() {
		return nil, ErrKeyClosed
	}
	params, err := k.parameters()
	if err != nil {
		return nil, err
	}
	var x cryptobyte.Builder
	x.AddASN1BigInt(k.X)
	key, err := x.Bytes()
	if err != nil {
		return nil, err
	}
	return marshalPKCS8(OIDDSA, params, key)
}

// marshalDSSSignature encodes Dss-Sig-Value / ECDSA-Sig-Value
// SEQUENCE { r INTEGER, s INTEGER }.
func marshalDSSSignature(r, s *big.Int) ([]byte, error) {
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(r)
		b.AddASN1BigInt(s)
	})
	return b.Bytes()
}

func parseDSSSignature(sig []byte) (r, s *big.Int, ok bool) {
	r, s = new(big.Int), new(big.Int)
	input := cryptobyte.String(sig)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(r) || !seq.ReadASN1Integer(s) || !seq.Empty() {
		return nil, nil, false
	}
	return r, s, true
}
