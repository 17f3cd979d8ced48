package crypto

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
)

// PEM block types handled by LoadKeyPair and SaveKeyPair.
const (
	PEMTypePrivateKey     = "PRIVATE KEY"
	PEMTypeRSAPrivateKey  = "RSA PRIVATE KEY"
	PEMTypeECPrivateKey   = "EC PRIVATE KEY"
	PEMTypeDSAPrivateKey  = "DSA PRIVATE KEY"
	PEMTypePublicKey      = "PUBLIC KEY"
	PEMTypeRSAPublicKey   = "RSA PUBLIC KEY"
	PEMTypeCertificate    = "CERTIFICATE"
	pemTypeECParameters   = "EC PARAMETERS"
	pemTypeEncryptedPKCS8 = "ENCRYPTED PRIVATE KEY"
)

// LoadKeyPair loads a key from a PEM or DER file. Legacy encrypted PEM
// blocks (Proc-Type: 4,ENCRYPTED) are decrypted with passphrase.
func LoadKeyPair(path string, passphrase []byte) (KeyPair, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	kp, err := ParseKeyPair(data, passphrase)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return kp, nil
}

// ParseKeyPair decodes the first key in data. data may hold PEM blocks
// (EC PARAMETERS blocks are skipped) or raw DER. A CERTIFICATE block yields
// the public key of the certificate.
func ParseKeyPair(data, passphrase []byte) (KeyPair, error) {
	rest := data
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type == pemTypeECParameters {
			continue
		}
		return parsePEMKeyBlock(block, passphrase)
	}

	if kp, err := ParsePrivateKey(data); err == nil {
		return kp, nil
	}
	if kp, err := ParsePublicKey(data); err == nil {
		return kp, nil
	}
	if cert, err := x509.ParseCertificate(data); err == nil {
		return PublicKeyPairFromCertificate(cert)
	}
	return nil, fmt.Errorf("%w: no key found", ErrMalformedKey)
}

func parsePEMKeyBlock(block *pem.Block, passphrase []byte) (KeyPair, error) {
	keyBytes := block.Bytes

	if x509.IsEncryptedPEMBlock(block) { //nolint:staticcheck
		if len(passphrase) == 0 {
			return nil, fmt.Errorf("private key is encrypted but no passphrase provided")
		}
		var err error
		keyBytes, err = x509.DecryptPEMBlock(block, passphrase) //nolint:staticcheck
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt private key: %w", err)
		}
	}

	switch block.Type {
	case PEMTypePrivateKey:
		return ParsePrivateKey(keyBytes)
	case PEMTypeRSAPrivateKey:
		return asKeyPair(DecodeRSAPrivateKey(keyBytes))
	case PEMTypeECPrivateKey:
		return asKeyPair(DecodeECDSAPrivateKey(keyBytes))
	case PEMTypeDSAPrivateKey:
		return asKeyPair(DecodeDSAPrivateKey(keyBytes))
	case PEMTypePublicKey:
		return ParsePublicKey(keyBytes)
	case PEMTypeRSAPublicKey:
		return asKeyPair(DecodeRSAPublicKey(keyBytes))
	case PEMTypeCertificate:
		cert, err := x509.ParseCertificate(keyBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse certificate: %w", err)
		}
		return PublicKeyPairFromCertificate(cert)
	case pemTypeEncryptedPKCS8:
		return nil, fmt.Errorf("%w: PKCS#8 encrypted keys are not supported", ErrMalformedKey)
	default:
		return nil, fmt.Errorf("unknown PEM type: %s", block.Type)
	}
}

// EncodeKeyPairPEM encodes kp as a PKCS#8 "PRIVATE KEY" block, or as a
// "PUBLIC KEY" block for public-only pairs.
func EncodeKeyPairPEM(kp KeyPair) ([]byte, error) {
	block, err := keyPairBlock(kp)
	if err != nil {
		return nil, err
	}
	return pem.EncodeToMemory(block), nil
}

func keyPairBlock(kp KeyPair) (*pem.Block, error) {
	if kp.IsPublicOnly() {
		der, err := MarshalPKIXPublicKey(kp)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal public key: %w", err)
		}
		return &pem.Block{Type: PEMTypePublicKey, Bytes: der}, nil
	}
	der, err := MarshalPKCS8PrivateKey(kp)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal private key: %w", err)
	}
	return &pem.Block{Type: PEMTypePrivateKey, Bytes: der}, nil
}

// SaveKeyPair writes kp to path as PEM with mode 0600. A non-empty
// passphrase encrypts the block with AES-256.
func SaveKeyPair(kp KeyPair, path string, passphrase []byte) error {
	block, err := keyPairBlock(kp)
	if err != nil {
		return err
	}

	if len(passphrase) > 0 && !kp.IsPublicOnly() {
		block, err = x509.EncryptPEMBlock(rand.Reader, block.Type, block.Bytes, passphrase, x509.PEMCipherAES256) //nolint:staticcheck // Deprecated but still used
		if err != nil {
			return fmt.Errorf("failed to encrypt private key: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create key file: %w", err)
	}
	defer f.Close()

	if err := pem.Encode(f, block); err != nil {
		return fmt.Errorf("failed to write PEM: %w", err)
	}
	return nil
}
