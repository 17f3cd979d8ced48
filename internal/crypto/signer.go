package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/subtle"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"io"
	"sync"
)

// Signer hashes, signs and verifies with a KeyPair.
//
// The signature algorithm is derived from the key family, the hash and the
// padding. It is unknown until the first sign, verify or AlgorithmIdentifier
// call and fixed afterwards, until the padding or salt length changes.
type Signer struct {
	key        KeyPair
	hash       crypto.Hash
	padding    Padding
	saltLength int
	nullSigned bool

	mu     sync.Mutex
	sigAlg pkix.AlgorithmIdentifier
	known  bool
}

var _ crypto.Signer = (*Signer)(nil)

// NewSigner creates a Signer for kp and hash h.
//
// DSA keys always sign with SHA-1 whatever h is: DSA keys found in the
// wild use 1024-bit parameters sized for SHA-1.
func NewSigner(kp KeyPair, h crypto.Hash) (*Signer, error) {
	if kp == nil {
		return nil, fmt.Errorf("%w: nil key pair", ErrUnsupportedKeyAlgorithm)
	}
	switch kp.Algorithm() {
	case KeyDSA:
		h = crypto.SHA1
	case KeyRSA, KeyECDSA:
	default:
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKeyAlgorithm, kp.Algorithm())
	}
	if !IsSupportedHash(h) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHashAlgorithm, h)
	}
	return &Signer{
		key:        kp,
		hash:       h,
		padding:    PaddingPKCS1v15,
		saltLength: DefaultSaltLength(h),
	}, nil
}

// NewVerifier creates a Signer for verifying signatures made with the
// algorithm identified by sigAlg. kp may be nil for null-signed
// identifiers, where the signature is the digest itself.
func NewVerifier(kp KeyPair, sigAlg pkix.AlgorithmIdentifier) (*Signer, error) {
	info, ok := lookupSignature(sigAlg.Algorithm)
	if !ok {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSignatureAlgorithm, sigAlg.Algorithm)
	}

	s := &Signer{key: kp, hash: info.Hash, sigAlg: sigAlg, known: true}

	if info.Kind == sigNullSigned {
		s.nullSigned = true
		s.saltLength = DefaultSaltLength(info.Hash)
		return s, nil
	}

	if kp == nil {
		return nil, fmt.Errorf("%w: nil key pair", ErrUnsupportedKeyAlgorithm)
	}
	if info.Key != kp.Algorithm() {
		return nil, fmt.Errorf("%w: %s does not apply to %v keys",
			ErrInvalidSignatureAlgorithm, info.Name, kp.Algorithm())
	}

	switch info.Kind {
	case sigPSS:
		params, err := ParsePSSParameters(sigAlg.Parameters.FullBytes)
		if err != nil {
			return nil, err
		}
		s.hash = params.Hash
		s.padding = PaddingPSS
		s.saltLength = params.SaltLength
	case sigSpecified:
		h, err := parseSpecifiedHash(sigAlg.Parameters.FullBytes)
		if err != nil {
			return nil, err
		}
		s.hash = h
		s.saltLength = DefaultSaltLength(h)
	default:
		s.saltLength = DefaultSaltLength(info.Hash)
	}
	return s, nil
}

// KeyPair returns the key pair. It is nil for null-signed verifiers.
func (s *Signer) KeyPair() KeyPair { return s.key }

// Hash returns the effective hash algorithm.
func (s *Signer) Hash() crypto.Hash { return s.hash }

// Padding returns the RSA padding scheme.
func (s *Signer) Padding() Padding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.padding
}

// SaltLength returns the PSS salt length in bytes.
func (s *Signer) SaltLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saltLength
}

// SetPadding selects PKCS#1 v1.5 or PSS. PSS requires an RSA key.
func (s *Signer) SetPadding(p Padding) error {
	if p != PaddingPKCS1v15 && p != PaddingPSS {
		return fmt.Errorf("%w: padding %v", ErrInvalidSignatureAlgorithm, p)
	}
	if p == PaddingPSS && (s.key == nil || s.key.Algorithm() != KeyRSA) {
		return fmt.Errorf("%w: PSS padding requires an RSA key", ErrInvalidSignatureAlgorithm)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.padding != p {
		s.padding = p
		s.known = false
	}
	return nil
}

// SetSaltLength sets the PSS salt length. n must be positive.
func (s *Signer) SetSaltLength(n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: PSS salt length %d", ErrInvalidSignatureAlgorithm, n)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saltLength != n {
		s.saltLength = n
		if s.padding == PaddingPSS {
			s.known = false
		}
	}
	return nil
}

// Public returns the public key, so that a Signer can be handed to
// x509.CreateCertificate.
func (s *Signer) Public() crypto.PublicKey {
	if s.key == nil {
		return nil
	}
	return s.key.Public()
}

// Sign implements crypto.Signer. The hash comes from opts; *rsa.PSSOptions
// selects PSS. The Signer's own hash and padding are not consulted.
func (s *Signer) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	if s.key == nil {
		return nil, ErrPublicKeyOnly
	}
	o := signOptions{Hash: opts.HashFunc(), Padding: PaddingPKCS1v15}
	if pss, ok := opts.(*rsa.PSSOptions); ok {
		o.Padding = PaddingPSS
		o.SaltLength = pss.SaltLength
		if o.SaltLength <= 0 {
			o.SaltLength = o.Hash.Size()
		}
	}
	return s.key.signDigest(random, digest, o)
}

func (s *Signer) options() signOptions {
	s.mu.Lock()
	defer s.mu.Unlock()
	return signOptions{Hash: s.hash, Padding: s.padding, SaltLength: s.saltLength}
}

// SignData hashes message and signs the digest.
func (s *Signer) SignData(message []byte) ([]byte, error) {
	h := s.hash.New()
	h.Write(message)
	return s.SignHash(h.Sum(nil))
}

// SignHash signs a digest produced by Hash(). Null-signed signers return a
// copy of the digest.
func (s *Signer) SignHash(digest []byte) ([]byte, error) {
	if len(digest) != s.hash.Size() {
		return nil, fmt.Errorf("digest length %d does not match %s", len(digest), HashName(s.hash))
	}
	if s.nullSigned {
		return append([]byte(nil), digest...), nil
	}
	if s.key.IsPublicOnly() {
		return nil, ErrPublicKeyOnly
	}

	sig, err := s.key.signDigest(rand.Reader, digest, s.options())
	if err != nil {
		return nil, err
	}
	if _, err := s.resolve(); err != nil {
		return nil, err
	}
	return sig, nil
}

// VerifyData hashes message and verifies signature over the digest.
func (s *Signer) VerifyData(message, signature []byte) bool {
	h := s.hash.New()
	h.Write(message)
	return s.VerifyHash(h.Sum(nil), signature)
}

// VerifyHash verifies signature over digest.
func (s *Signer) VerifyHash(digest, signature []byte) bool {
	if len(digest) != s.hash.Size() {
		return false
	}
	if s.nullSigned {
		return verifyNullSigned(digest, signature)
	}
	ok := s.key.verifyDigest(digest, signature, s.options())
	_, _ = s.resolve()
	return ok
}

// verifyNullSigned compares the digest with the "signature" of a bare hash
// signature identifier.
func verifyNullSigned(digest, signature []byte) bool {
	return subtle.ConstantTimeCompare(digest, signature) == 1
}

// SignatureAlgorithm returns the signature algorithm OID and whether it is
// known yet.
func (s *Signer) SignatureAlgorithm() (asn1.ObjectIdentifier, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sigAlg.Algorithm, s.known
}

func (s *Signer) resolve() (pkix.AlgorithmIdentifier, error) {
	s.mu.Lock()
	known, alg := s.known, s.sigAlg
	s.mu.Unlock()
	if known {
		return alg, nil
	}
	return s.AlgorithmIdentifier(false)
}

// AlgorithmIdentifier returns the signature AlgorithmIdentifier.
//
// RSA with PSS padding yields id-RSASSA-PSS with its parameters. ECDSA
// yields ecdsa-with-Specified when alternate is set or when the hash has
// no combined OID. Otherwise the combined hash-with-key OID is used, with
// NULL parameters for RSA.
func (s *Signer) AlgorithmIdentifier(alternate bool) (pkix.AlgorithmIdentifier, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.known && !alternate {
		return s.sigAlg, nil
	}

	ai, err := s.buildAlgorithmIdentifier(alternate)
	if err != nil {
		return pkix.AlgorithmIdentifier{}, err
	}
	if !s.known {
		s.sigAlg = ai
		s.known = true
	}
	return ai, nil
}

func (s *Signer) buildAlgorithmIdentifier(alternate bool) (pkix.AlgorithmIdentifier, error) {
	if s.nullSigned {
		oid, err := HashOID(s.hash)
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
	}

	switch s.key.Algorithm() {
	case KeyRSA:
		if s.padding == PaddingPSS {
			params, err := MarshalPSSParameters(s.hash, s.saltLength)
			if err != nil {
				return pkix.AlgorithmIdentifier{}, err
			}
			return pkix.AlgorithmIdentifier{
				Algorithm:  OIDRSASSAPSS,
				Parameters: asn1.RawValue{FullBytes: params},
			}, nil
		}
		oid, ok := combinedSignatureOID(KeyRSA, s.hash)
		if !ok {
			return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: RSA with %s", ErrInvalidHashAlgorithm, HashName(s.hash))
		}
		return pkix.AlgorithmIdentifier{Algorithm: oid, Parameters: asn1Null}, nil

	case KeyDSA:
		oid, ok := combinedSignatureOID(KeyDSA, s.hash)
		if !ok {
			return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: DSA with %s", ErrInvalidHashAlgorithm, HashName(s.hash))
		}
		return pkix.AlgorithmIdentifier{Algorithm: oid}, nil

	case KeyECDSA:
		oid, ok := combinedSignatureOID(KeyECDSA, s.hash)
		if ok && !alternate {
			return pkix.AlgorithmIdentifier{Algorithm: oid}, nil
		}
		hashOID, err := HashOID(s.hash)
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		params, err := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: hashOID, Parameters: asn1Null})
		if err != nil {
			return pkix.AlgorithmIdentifier{}, err
		}
		return pkix.AlgorithmIdentifier{
			Algorithm:  OIDECDSAWithSpecified,
			Parameters: asn1.RawValue{FullBytes: params},
		}, nil

	default:
		return pkix.AlgorithmIdentifier{}, fmt.Errorf("%w: %v", ErrUnsupportedKeyAlgorithm, s.key.Algorithm())
	}
}
