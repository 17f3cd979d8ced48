package crypto

import (
	"crypto/dsa" //nolint:staticcheck // DSA keys are part of the supported set
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"fmt"
	"io"
	"strings"
)

// KeySpec names a key to generate, e.g. "ecdsa-p256" or "rsa-2048".
type KeySpec string

const (
	KeySpecRSA2048   KeySpec = "rsa-2048"
	KeySpecRSA3072   KeySpec = "rsa-3072"
	KeySpecRSA4096   KeySpec = "rsa-4096"
	KeySpecECDSAP224 KeySpec = "ecdsa-p224"
	KeySpecECDSAP256 KeySpec = "ecdsa-p256"
	KeySpecECDSAP384 KeySpec = "ecdsa-p384"
	KeySpecECDSAP521 KeySpec = "ecdsa-p521"
	KeySpecDSA1024   KeySpec = "dsa-1024"
	KeySpecDSA2048   KeySpec = "dsa-2048"
)

// KeySpecs lists the supported key specs.
func KeySpecs() []KeySpec {
	return []KeySpec{
		KeySpecRSA2048, KeySpecRSA3072, KeySpecRSA4096,
		KeySpecECDSAP224, KeySpecECDSAP256, KeySpecECDSAP384, KeySpecECDSAP521,
		KeySpecDSA1024, KeySpecDSA2048,
	}
}

// ParseKeySpec normalizes and validates a key spec name.
func ParseKeySpec(s string) (KeySpec, error) {
	spec := KeySpec(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KeySpecs() {
		if k == spec {
			return spec, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnsupportedKeyAlgorithm, s)
}

// GenerateKeyPair generates a new key pair for spec.
//
// Example:
//
//	kp, err := crypto.GenerateKeyPair(crypto.KeySpecECDSAP256)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer kp.Close()
func GenerateKeyPair(spec KeySpec) (KeyPair, error) {
	return GenerateKeyPairWithRand(rand.Reader, spec)
}

// GenerateKeyPairWithRand generates a key pair using the provided random
// source.
func GenerateKeyPairWithRand(random io.Reader, spec KeySpec) (KeyPair, error) {
	var native any
	var err error

	switch spec {
	case KeySpecRSA2048:
		native, err = rsa.GenerateKey(random, 2048)
	case KeySpecRSA3072:
		native, err = rsa.GenerateKey(random, 3072)
	case KeySpecRSA4096:
		native, err = rsa.GenerateKey(random, 4096)

	case KeySpecECDSAP224:
		native, err = ecdsa.GenerateKey(elliptic.P224(), random)
	case KeySpecECDSAP256:
		native, err = ecdsa.GenerateKey(elliptic.P256(), random)
	case KeySpecECDSAP384:
		native, err = ecdsa.GenerateKey(elliptic.P384(), random)
	case KeySpecECDSAP521:
		native, err = ecdsa.GenerateKey(elliptic.P521(), random)

	case KeySpecDSA1024:
		native, err = generateDSA(random, dsa.L1024N160)
	case KeySpecDSA2048:
		native, err = generateDSA(random, dsa.L2048N256)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKeyAlgorithm, spec)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", spec, err)
	}
	return NewKeyPair(native)
}

// generateDSA generates fresh domain parameters and a key. Parameter
// generation is slow for large sizes.
func generateDSA(random io.Reader, sizes dsa.ParameterSizes) (*dsa.PrivateKey, error) {
	priv := new(dsa.PrivateKey)
	if err := dsa.GenerateParameters(&priv.Parameters, random, sizes); err != nil {
		return nil, err
	}
	if err := dsa.GenerateKey(priv, random); err != nil {
		return nil, err
	}
	return priv, nil
}
