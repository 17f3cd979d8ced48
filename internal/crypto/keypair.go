package crypto

import (
	"crypto"
	"crypto/dsa" //nolint:staticcheck // DSA keys are part of the supported set
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sync"
)

// KeyPair is decoded RSA, DSA or ECDSA key material.
//
// The set of implementations is closed: RSAKeyPair, DSAKeyPair and
// ECDSAKeyPair. A KeyPair owns its numeric fields; Close wipes the private
// parts and releases the cached native key.
type KeyPair interface {
	// Algorithm returns the key family.
	Algorithm() KeyAlgorithm

	// OID returns the SubjectPublicKeyInfo algorithm OID of the family.
	OID() asn1.ObjectIdentifier

	// IsPublicOnly reports whether the pair carries no private key.
	IsPublicOnly() bool

	// Public returns the native Go public key.
	Public() crypto.PublicKey

	// Key returns the native Go key (*rsa.PrivateKey, *dsa.PublicKey, ...).
	// The handle is created on first use and cached.
	Key() (any, error)

	// Close wipes private material. Closing twice is a no-op.
	Close() error

	signDigest(rand io.Reader, digest []byte, opts signOptions) ([]byte, error)
	verifyDigest(digest, signature []byte, opts signOptions) bool
}

var (
	_ KeyPair = (*RSAKeyPair)(nil)
	_ KeyPair = (*DSAKeyPair)(nil)
	_ KeyPair = (*ECDSAKeyPair)(nil)
)

// keyHandle caches the native key built from the decoded numeric fields.
type keyHandle struct {
	mu     sync.Mutex
	native any
	closed bool
}

func (h *keyHandle) get(build func() (any, error)) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrKeyClosed
	}
	if h.native == nil {
		k, err := build()
		if err != nil {
			return nil, err
		}
		h.native = k
	}
	return h.native, nil
}

func (h *keyHandle) close(wipeFn func(native any)) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil
	}
	wipeFn(h.native)
	h.native = nil
	h.closed = true
	return nil
}

func (h *keyHandle) isClosed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// wipe zeroes the words of each integer and sets it to zero.
func wipe(ints ...*big.Int) {
	for _, n := range ints {
		if n == nil {
			continue
		}
		clear(n.Bits())
		n.SetInt64(0)
	}
}

func copyInt(n *big.Int) *big.Int {
	if n == nil {
		return nil
	}
	return new(big.Int).Set(n)
}

// NewKeyPair wraps a native Go key. The numeric fields are copied, so
// closing the returned pair does not affect key.
func NewKeyPair(key any) (KeyPair, error) {
	switch k := key.(type) {
	case *rsa.PrivateKey:
		primes := make([]*big.Int, len(k.Primes))
		for i, p := range k.Primes {
			primes[i] = copyInt(p)
		}
		return &RSAKeyPair{N: copyInt(k.N), E: k.E, D: copyInt(k.D), Primes: primes}, nil
	case *rsa.PublicKey:
		return &RSAKeyPair{N: copyInt(k.N), E: k.E, public: true}, nil
	case *dsa.PrivateKey:
		return &DSAKeyPair{
			P: copyInt(k.P), Q: copyInt(k.Q), G: copyInt(k.G),
			Y: copyInt(k.Y), X: copyInt(k.X),
		}, nil
	case *dsa.PublicKey:
		return &DSAKeyPair{P: copyInt(k.P), Q: copyInt(k.Q), G: copyInt(k.G), Y: copyInt(k.Y), public: true}, nil
	case *ecdsa.PrivateKey:
		kp, err := newECDSAKeyPairFromNative(&k.PublicKey, copyInt(k.D))
		if err != nil {
			return nil, err
		}
		return kp, nil
	case *ecdsa.PublicKey:
		kp, err := newECDSAKeyPairFromNative(k, nil)
		if err != nil {
			return nil, err
		}
		return kp, nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedKeyAlgorithm, key)
	}
}

// PublicKeyPairFromCertificate decodes the subject public key of cert.
func PublicKeyPairFromCertificate(cert *x509.Certificate) (KeyPair, error) {
	if cert == nil {
		return nil, fmt.Errorf("%w: nil certificate", ErrMalformedKey)
	}
	return ParsePublicKey(cert.RawSubjectPublicKeyInfo)
}

// ParsePrivateKey decodes a private key in PKCS#8, PKCS#1, SEC1 or OpenSSL
// DSA form, detecting the key family.
func ParsePrivateKey(der []byte) (KeyPair, error) {
	if info, ok := parsePKCS8(der); ok {
		switch {
		case info.Algo.Algorithm.Equal(OIDRSAEncryption):
			return asKeyPair(DecodeRSAPrivateKey(der))
		case info.Algo.Algorithm.Equal(OIDDSA):
			return asKeyPair(DecodeDSAPrivateKey(der))
		case info.Algo.Algorithm.Equal(OIDECPublicKey):
			return asKeyPair(DecodeECDSAPrivateKey(der))
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyAlgorithm, info.Algo.Algorithm)
		}
	}

	if kp, err := DecodeRSAPrivateKey(der); err == nil {
		return kp, nil
	}
	if kp, err := DecodeECDSAPrivateKey(der); err == nil {
		return kp, nil
	}
	if kp, err := DecodeDSAPrivateKey(der); err == nil {
		return kp, nil
	}
	return nil, fmt.Errorf("%w: unrecognized private key encoding", ErrMalformedKey)
}

// ParsePublicKey decodes a SubjectPublicKeyInfo (or a bare PKCS#1
// RSAPublicKey), detecting the key family.
func ParsePublicKey(der []byte) (KeyPair, error) {
	if info, ok := parseSPKI(der); ok {
		switch {
		case info.Algorithm.Algorithm.Equal(OIDRSAEncryption):
			return asKeyPair(DecodeRSAPublicKey(der))
		case info.Algorithm.Algorithm.Equal(OIDDSA):
			return asKeyPair(DecodeDSAPublicKey(der))
		case info.Algorithm.Algorithm.Equal(OIDECPublicKey):
			return asKeyPair(DecodeECDSAPublicKey(der))
		default:
			return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyAlgorithm, info.Algorithm.Algorithm)
		}
	}
	if kp, err := DecodeRSAPublicKey(der); err == nil {
		return kp, nil
	}
	return nil, fmt.Errorf("%w: unrecognized public key encoding", ErrMalformedKey)
}

// asKeyPair converts a typed decoder result so that a failed decode yields a
// nil interface.
func asKeyPair(k KeyPair, err error) (KeyPair, error) {
	if err != nil {
		return nil, err
	}
	return k, nil
}
