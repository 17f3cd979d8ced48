package crypto

import (
	"crypto"
	"fmt"
)

// Padding is the RSA signature padding scheme.
type Padding int

const (
	// PaddingPKCS1v15 is RSASSA-PKCS1-v1_5.
	PaddingPKCS1v15 Padding = iota
	// PaddingPSS is RSASSA-PSS with MGF1 over the signature hash.
	PaddingPSS
)

// String returns the padding name.
func (p Padding) String() string {
	switch p {
	case PaddingPKCS1v15:
		return "pkcs1v15"
	case PaddingPSS:
		return "pss"
	default:
		return fmt.Sprintf("unknown(%d)", int(p))
	}
}

// ParsePadding parses "pkcs1", "pkcs1v15" or "pss".
func ParsePadding(s string) (Padding, error) {
	switch s {
	case "", "pkcs1", "pkcs1v15", "pkcs1-v1_5":
		return PaddingPKCS1v15, nil
	case "pss":
		return PaddingPSS, nil
	default:
		return 0, fmt.Errorf("invalid padding: %s (must be pkcs1v15 or pss)", s)
	}
}

// DefaultSaltLength returns the PSS salt length used when none is set: the
// output size of the hash (16, 20, 32, 48 or 64 bytes).
func DefaultSaltLength(h crypto.Hash) int {
	return h.Size()
}

// signOptions are the per-operation parameters handed to a KeyPair.
type signOptions struct {
	Hash       crypto.Hash
	Padding    Padding
	SaltLength int
}
