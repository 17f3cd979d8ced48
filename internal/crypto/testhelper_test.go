package crypto

import (
	"crypto/dsa" //nolint:staticcheck // DSA keys are part of the supported set
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"math/big"
	"sync"
	"testing"

	"golang.org/x/crypto/cryptobyte"
	cbasn1 "golang.org/x/crypto/cryptobyte/asn1"
)

// =============================================================================
// Test Helpers
// =============================================================================

var (
	dsaParamsOnce sync.Once
	dsaParams     dsa.Parameters
	dsaParamsErr  error
)

// testDSAParameters generates 1024/160 domain parameters once per test run.
func testDSAParameters(t *testing.T) dsa.Parameters {
	t.Helper()
	dsaParamsOnce.Do(func() {
		dsaParamsErr = dsa.GenerateParameters(&dsaParams, rand.Reader, dsa.L1024N160)
	})
	if dsaParamsErr != nil {
		t.Fatalf("Failed to generate DSA parameters: %v", dsaParamsErr)
	}
	return dsaParams
}

func generateDSAKey(t *testing.T) *dsa.PrivateKey {
	t.Helper()
	priv := &dsa.PrivateKey{}
	priv.Parameters = testDSAParameters(t)
	if err := dsa.GenerateKey(priv, rand.Reader); err != nil {
		t.Fatalf("Failed to generate DSA key: %v", err)
	}
	return priv
}

func generateRSAKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate RSA key: %v", err)
	}
	return priv
}

func generateECDSAKey(t *testing.T, curve elliptic.Curve) *ecdsa.PrivateKey {
	t.Helper()
	priv, err := ecdsa.GenerateKey(curve, rand.Reader)
	if err != nil {
		t.Fatalf("Failed to generate ECDSA key: %v", err)
	}
	return priv
}

func mustKeyPair(t *testing.T, key any) KeyPair {
	t.Helper()
	kp, err := NewKeyPair(key)
	if err != nil {
		t.Fatalf("NewKeyPair() error = %v", err)
	}
	t.Cleanup(func() { _ = kp.Close() })
	return kp
}

func hexInt(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("bad hex constant: " + s)
	}
	return n
}

// brainpoolP256t1 is a prime curve with a = p - 3 that has no Go
// implementation, so it exercises the generic CurveParams path.
func brainpoolP256t1() *elliptic.CurveParams {
	return &elliptic.CurveParams{
		P:       hexInt("A9FB57DBA1EEA9BC3E660A909D838D726E3BF623D52620282013481D1F6E5377"),
		N:       hexInt("A9FB57DBA1EEA9BC3E660A909D838D718C397AA3B561A6F7901E0E82974856A7"),
		B:       hexInt("662C61C430D84EA4FE66A7733D0B76B7BF93EBC4AF2F49256AE58101FEE92B04"),
		Gx:      hexInt("A3E8EB3CC1CFE7B7732213B23A656149AFA142C47AAFBC2B79A191562E1305F4"),
		Gy:      hexInt("2D996C823439C56D7F7B22E14644417E69BCB6DE39D027001DABE8F35B25C9BE"),
		BitSize: 256,
		Name:    "brainpoolP256t1",
	}
}

// explicitECParameters encodes prime-field ECParameters with a = p - 3.
func explicitECParameters(t *testing.T, params *elliptic.CurveParams) []byte {
	t.Helper()
	byteLen := (params.BitSize + 7) / 8
	a := new(big.Int).Sub(params.P, big.NewInt(3))

	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1ObjectIdentifier(oidPrimeField)
			b.AddASN1BigInt(params.P)
		})
		b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
			b.AddASN1OctetString(a.FillBytes(make([]byte, byteLen)))
			b.AddASN1OctetString(params.B.FillBytes(make([]byte, byteLen)))
		})
		b.AddASN1OctetString(encodePoint(params, params.Gx, params.Gy))
		b.AddASN1BigInt(params.N)
		b.AddASN1Int64(1)
	})
	der, err := b.Bytes()
	if err != nil {
		t.Fatalf("Failed to encode EC parameters: %v", err)
	}
	return der
}

// sec1PrivateKey encodes a SEC1 ECPrivateKey with the given parameters.
// A nil point omits the public key field.
func sec1PrivateKey(t *testing.T, d *big.Int, byteLen int, params, point []byte) []byte {
	t.Helper()
	var b cryptobyte.Builder
	b.AddASN1(cbasn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1Int64(1)
		b.AddASN1OctetString(d.FillBytes(make([]byte, byteLen)))
		b.AddASN1(cbasn1.Tag(0).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
			b.AddBytes(params)
		})
		if point != nil {
			b.AddASN1(cbasn1.Tag(1).Constructed().ContextSpecific(), func(b *cryptobyte.Builder) {
				b.AddASN1BitString(point)
			})
		}
	})
	der, err := b.Bytes()
	if err != nil {
		t.Fatalf("Failed to encode SEC1 key: %v", err)
	}
	return der
}
