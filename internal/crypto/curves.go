package crypto

import (
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"math/big"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// Named curve OIDs (RFC 5480).
var (
	OIDNamedCurveP224 = asn1.ObjectIdentifier{1, 3, 132, 0, 33}
	OIDNamedCurveP256 = asn1.ObjectIdentifier{1, 2, 840, 10045, 3, 1, 7}
	OIDNamedCurveP384 = asn1.ObjectIdentifier{1, 3, 132, 0, 34}
	OIDNamedCurveP521 = asn1.ObjectIdentifier{1, 3, 132, 0, 35}
)

// Field type OIDs of explicit ECParameters (X9.62).
var (
	oidPrimeField             = asn1.ObjectIdentifier{1, 2, 840, 10045, 1, 1}
	oidCharacteristicTwoField = asn1.ObjectIdentifier{1, 2, 840, 10045, 1, 2}
)

var namedCurves = []struct {
	OID   asn1.ObjectIdentifier
	Curve elliptic.Curve
}{
	{OIDNamedCurveP224, elliptic.P224()},
	{OIDNamedCurveP256, elliptic.P256()},
	{OIDNamedCurveP384, elliptic.P384()},
	{OIDNamedCurveP521, elliptic.P521()},
}

func curveFromOID(oid asn1.ObjectIdentifier) (elliptic.Curve, bool) {
	for _, nc := range namedCurves {
		if nc.OID.Equal(oid) {
			return nc.Curve, true
		}
	}
	return nil, false
}

func oidFromCurve(c elliptic.Curve) (asn1.ObjectIdentifier, bool) {
	for _, nc := range namedCurves {
		if nc.Curve == c || nc.Curve.Params().Name == c.Params().Name {
			return nc.OID, true
		}
	}
	return nil, false
}

// parseECParameters decodes ECParameters: a namedCurve OID or explicit
// prime-field parameters. The returned OID is nil for explicit parameters
// that do not match a named curve.
func parseECParameters(der []byte) (elliptic.Curve, asn1.ObjectIdentifier, error) {
	input := cryptobyte.String(der)
	switch {
	case input.PeekASN1Tag(cbasn1.OBJECT_IDENTIFIER):
		var oid asn1.ObjectIdentifier
		if !input.ReadASN1ObjectIdentifier(&oid) || !input.Empty() {
			return nil, nil, fmt.Errorf("%w: invalid named curve", ErrMalformedKey)
		}
		c, ok := curveFromOID(oid)
		if !ok {
			return nil, nil, fmt.Errorf("%w: %v", ErrUnsupportedCurve, oid)
		}
		return c, oid, nil
	case input.PeekASN1Tag(cbasn1.NULL):
		return nil, nil, fmt.Errorf("%w: implicitlyCA parameters", ErrUnsupportedCurve)
	case input.PeekASN1Tag(cbasn1.SEQUENCE):
		return parseExplicitCurve(input)
	default:
		return nil, nil, fmt.Errorf("%w: invalid curve parameters", ErrMalformedKey)
	}
}

// parseExplicitCurve decodes
//
//	ECParameters ::= SEQUENCE {
//	  version   INTEGER { ecpVer1(1) },
//	  fieldID   FieldID,
//	  curve     Curve,
//	  base      ECPoint,
//	  order     INTEGER,
//	  cofactor  INTEGER OPTIONAL }
//
// Only prime fields with a = p - 3 are supported.
func parseExplicitCurve(input cryptobyte.String) (elliptic.Curve, asn1.ObjectIdentifier, error) {
	malformed := fmt.Errorf("%w: invalid explicit curve parameters", ErrMalformedKey)

	var seq, fieldID, curveSeq cryptobyte.String
	var version int
	var fieldType asn1.ObjectIdentifier
	if !input.ReadASN1(&seq, cbasn1.SEQUENCE) || !input.Empty() ||
		!seq.ReadASN1Integer(&version) ||
		!seq.ReadASN1(&fieldID, cbasn1.SEQUENCE) ||
		!fieldID.ReadASN1ObjectIdentifier(&fieldType) {
		return nil, nil, malformed
	}
	if fieldType.Equal(oidCharacteristicTwoField) {
		return nil, nil, fmt.Errorf("%w: characteristic-two field", ErrUnsupportedCurve)
	}
	if !fieldType.Equal(oidPrimeField) {
		return nil, nil, fmt.Errorf("%w: field type %v", ErrUnsupportedCurve, fieldType)
	}

	p := new(big.Int)
	if !fieldID.ReadASN1Integer(p) || !fieldID.Empty() || p.BitLen() < 2 || !p.ProbablyPrime(20) {
		return nil, nil, malformed
	}

	var aBytes, bBytes, base []byte
	if !seq.ReadASN1(&curveSeq, cbasn1.SEQUENCE) ||
		!curveSeq.ReadASN1Bytes(&aBytes, cbasn1.OCTET_STRING) ||
		!curveSeq.ReadASN1Bytes(&bBytes, cbasn1.OCTET_STRING) {
		return nil, nil, malformed
	}
	n := new(big.Int)
	if !seq.ReadASN1Bytes(&base, cbasn1.OCTET_STRING) || !seq.ReadASN1Integer(n) || n.Sign() <= 0 {
		return nil, nil, malformed
	}

	a := new(big.Int).SetBytes(aBytes)
	b := new(big.Int).SetBytes(bBytes)
	if a.Cmp(new(big.Int).Sub(p, big.NewInt(3))) != 0 {
		return nil, nil, fmt.Errorf("%w: curve coefficient a is not p-3", ErrUnsupportedCurve)
	}

	params := &elliptic.CurveParams{
		P:       p,
		N:       n,
		B:       b,
		BitSize: p.BitLen(),
		Name:    fmt.Sprintf("explicit-prime%d", p.BitLen()),
	}
	gx, gy, err := decodePoint(params, base)
	if err != nil {
		return nil, nil, err
	}
	params.Gx, params.Gy = gx, gy

	// A named curve must agree on the generator too.
	for _, nc := range namedCurves {
		named := nc.Curve.Params()
		if named.P.Cmp(p) == 0 && named.B.Cmp(b) == 0 && named.N.Cmp(n) == 0 &&
			named.Gx.Cmp(gx) == 0 && named.Gy.Cmp(gy) == 0 {
			return nc.Curve, nc.OID, nil
		}
	}
	return params, nil, nil
}

// decodePoint decodes an uncompressed or compressed SEC1 point.
func decodePoint(curve elliptic.Curve, data []byte) (x, y *big.Int, err error) {
	params := curve.Params()
	byteLen := (params.BitSize + 7) / 8

	switch {
	case len(data) == 1+2*byteLen && data[0] == 4:
		x = new(big.Int).SetBytes(data[1 : 1+byteLen])
		y = new(big.Int).SetBytes(data[1+byteLen:])
	case len(data) == 1+byteLen && (data[0] == 2 || data[0] == 3):
		x = new(big.Int).SetBytes(data[1:])
		y, err = decompressY(params, x, data[0] == 3)
		if err != nil {
			return nil, nil, err
		}
	default:
		return nil, nil, fmt.Errorf("%w: invalid EC point encoding", ErrMalformedKey)
	}

	if x.Cmp(params.P) >= 0 || y.Cmp(params.P) >= 0 || !curve.IsOnCurve(x, y) {
		return nil, nil, fmt.Errorf("%w: EC point is not on the curve", ErrMalformedKey)
	}
	return x, y, nil
}

// decompressY solves y² = x³ - 3x + b (mod p) and picks the root whose
// parity matches odd.
func decompressY(params *elliptic.CurveParams, x *big.Int, odd bool) (*big.Int, error) {
	y2 := new(big.Int).Exp(x, big.NewInt(3), params.P)
	threeX := new(big.Int).Mul(x, big.NewInt(3))
	y2.Sub(y2, threeX)
	y2.Add(y2, params.B)
	y2.Mod(y2, params.P)

	y := new(big.Int).ModSqrt(y2, params.P)
	if y == nil {
		return nil, fmt.Errorf("%w: compressed EC point has no square root", ErrMalformedKey)
	}
	if (y.Bit(0) == 1) != odd {
		y.Sub(params.P, y)
	}
	return y, nil
}

// encodePoint returns the uncompressed SEC1 encoding of (x, y).
func encodePoint(curve elliptic.Curve, x, y *big.Int) []byte {
	byteLen := (curve.Params().BitSize + 7) / 8
	out := make([]byte, 1+2*byteLen)
	out[0] = 4
	x.FillBytes(out[1 : 1+byteLen])
	y.FillBytes(out[1+byteLen:])
	return out
}
