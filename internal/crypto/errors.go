package crypto

import "errors"

var (
	// ErrMalformedKey is returned when key bytes cannot be decoded or the
	// outer algorithm OID does not match the expected key family.
	ErrMalformedKey = errors.New("malformed key")

	// ErrUnsupportedCurve is returned for explicit curve parameters that
	// cannot be mapped to a prime-field curve (e.g. characteristic-two).
	ErrUnsupportedCurve = errors.New("unsupported elliptic curve")

	// ErrInvalidHashAlgorithm is returned for unknown or unsupported hashes.
	ErrInvalidHashAlgorithm = errors.New("invalid hash algorithm")

	// ErrUnsupportedKeyAlgorithm is returned for key families other than
	// RSA, DSA and ECDSA.
	ErrUnsupportedKeyAlgorithm = errors.New("unsupported key algorithm")

	// ErrInvalidSignatureAlgorithm is returned for unrecognized or
	// inconsistent signature algorithm identifiers.
	ErrInvalidSignatureAlgorithm = errors.New("invalid signature algorithm")

	// ErrKeyClosed is returned when a closed key pair is used.
	ErrKeyClosed = errors.New("key pair is closed")

	// ErrPublicKeyOnly is returned when signing with a public-only key pair.
	ErrPublicKeyOnly = errors.New("key pair has no private key")
)
