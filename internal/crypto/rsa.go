package crypto

import (
	"crypto"
	"crypto/rsa"
	"crypto/x509"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
)

// RSAKeyPair holds RSA key material.
type RSAKeyPair struct {
	N      *big.Int
	E      int
	D      *big.Int
	Primes []*big.Int

	public bool
	handle keyHandle
}

// DecodeRSAPrivateKey decodes a PKCS#1 RSAPrivateKey or a PKCS#8
// PrivateKeyInfo holding an RSA key.
func DecodeRSAPrivateKey(der []byte) (*RSAKeyPair, error) {
	if info, ok := parsePKCS8(der); ok {
		if !info.Algo.Algorithm.Equal(OIDRSAEncryption) {
			return nil, fmt.Errorf("%w: PKCS#8 algorithm %v is not RSA", ErrMalformedKey, info.Algo.Algorithm)
		}
		der = info.PrivateKey
	}

	priv, err := x509.ParsePKCS1PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	kp, _ := NewKeyPair(priv)
	return kp.(*RSAKeyPair), nil
}

// DecodeRSAPublicKey decodes a SubjectPublicKeyInfo holding an RSA key or a
// bare PKCS#1 RSAPublicKey.
func DecodeRSAPublicKey(der []byte) (*RSAKeyPair, error) {
	if info, ok := parseSPKI(der); ok {
		if !info.Algorithm.Algorithm.Equal(OIDRSAEncryption) {
			return nil, fmt.Errorf("%w: SubjectPublicKeyInfo algorithm %v is not RSA", ErrMalformedKey, info.Algorithm.Algorithm)
		}
		der = info.PublicKey.RightAlign()
	}

	pub, err := x509.ParsePKCS1PublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}
	return &RSAKeyPair{N: pub.N, E: pub.E, public: true}, nil
}

func (k *RSAKeyPair) Algorithm() KeyAlgorithm     { return KeyRSA }
func (k *RSAKeyPair) OID() asn1.ObjectIdentifier { return OIDRSAEncryption }
func (k *RSAKeyPair) IsPublicOnly() bool         { return k.public }

// Public returns an *rsa.PublicKey.
func (k *RSAKeyPair) Public() crypto.PublicKey {
	return &rsa.PublicKey{N: k.N, E: k.E}
}

// Key returns the cached *rsa.PrivateKey or *rsa.PublicKey.
func (k *RSAKeyPair) Key() (any, error) {
	return k.handle.get(func() (any, error) {
		pub := rsa.PublicKey{N: k.N, E: k.E}
		if k.public {
			return &pub, nil
		}
		priv := &rsa.PrivateKey{PublicKey: pub, D: k.D, Primes: k.Primes}
		if err := priv.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
		}
		priv.Precompute()
		return priv, nil
	})
}

// Close wipes the private exponent and primes.
func (k *RSAKeyPair) Close() error {
	return k.handle.close(func(native any) {
		if priv, ok := native.(*rsa.PrivateKey); ok {
			wipe(priv.Precomputed.Dp, priv.Precomputed.Dq, priv.Precomputed.Qinv)
		}
		wipe(k.D)
		wipe(k.Primes...)
	})
}

func (k *RSAKeyPair) privateKey() (*rsa.PrivateKey, error) {
	if k.public {
		return nil, ErrPublicKeyOnly
	}
	native, err := k.Key()
	if err != nil {
		return nil, err
	}
	return native.(*rsa.PrivateKey), nil
}

func (k *RSAKeyPair) publicKey() *rsa.PublicKey {
	return &rsa.PublicKey{N: k.N, E: k.E}
}

func (k *RSAKeyPair) signDigest(rand io.Reader, digest []byte, opts signOptions) ([]byte, error) {
	priv, err := k.privateKey()
	if err != nil {
		return nil, err
	}
	switch opts.Padding {
	case PaddingPSS:
		return rsa.SignPSS(rand, priv, opts.Hash, digest, &rsa.PSSOptions{
			SaltLength: opts.SaltLength,
			Hash:       opts.Hash,
		})
	default:
		return rsa.SignPKCS1v15(rand, priv, opts.Hash, digest)
	}
}

func (k *RSAKeyPair) verifyDigest(digest, signature []byte, opts signOptions) bool {
	if k.handle.isClosed() {
		return false
	}
	pub := k.publicKey()
	switch opts.Padding {
	case PaddingPSS:
		return rsa.VerifyPSS(pub, opts.Hash, digest, signature, &rsa.PSSOptions{
			SaltLength: opts.SaltLength,
			Hash:       opts.Hash,
		}) == nil
	default:
		return rsa.VerifyPKCS1v15(pub, opts.Hash, digest, signature) == nil
	}
}

func (k *RSAKeyPair) marshalPublic() ([]byte, error) {
	return x509.MarshalPKIXPublicKey(k.publicKey())
}

func (k *RSAKeyPair) marshalPrivate() ([]byte, error) {
	priv, err := k.privateKey()
	if err != nil {
		return nil, err
	}
	return x509.MarshalPKCS8PrivateKey(priv)
}
