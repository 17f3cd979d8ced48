package crypto

import (
	"crypto"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"testing"
)

// =============================================================================
// [Unit] Sign / Verify Round Trips
// =============================================================================

func TestU_Signer_SignVerifyAllCombinations(t *testing.T) {
	keys := []struct {
		name string
		kp   KeyPair
	}{
		{"RSA", mustKeyPair(t, generateRSAKey(t))},
		{"ECDSA-P256", mustKeyPair(t, generateECDSAKey(t, elliptic.P256()))},
		{"ECDSA-P384", mustKeyPair(t, generateECDSAKey(t, elliptic.P384()))},
		{"DSA", mustKeyPair(t, generateDSAKey(t))},
	}
	hashes := []crypto.Hash{crypto.MD5, crypto.SHA1, crypto.SHA256, crypto.SHA384, crypto.SHA512}
	message := []byte("OCSP request body")

	for _, k := range keys {
		for _, h := range hashes {
			t.Run("[Unit] Sign: "+k.name+"/"+HashName(h), func(t *testing.T) {
				s, err := NewSigner(k.kp, h)
				if err != nil {
					t.Fatalf("NewSigner() error = %v", err)
				}

				sig, err := s.SignData(message)
				if err != nil {
					t.Fatalf("SignData() error = %v", err)
				}
				if !s.VerifyData(message, sig) {
					t.Error("VerifyData() = false for a valid signature")
				}

				altered := append([]byte(nil), message...)
				altered[0] ^= 0x01
				if s.VerifyData(altered, sig) {
					t.Error("VerifyData() = true for an altered message")
				}

				ai, err := s.AlgorithmIdentifier(false)
				if err != nil {
					t.Fatalf("AlgorithmIdentifier() error = %v", err)
				}
				v, err := NewVerifier(k.kp, ai)
				if err != nil {
					t.Fatalf("NewVerifier(%s) error = %v", SignatureAlgorithmName(ai.Algorithm), err)
				}
				if !v.VerifyData(message, sig) {
					t.Error("verifier built from the identifier rejected the signature")
				}
			})
		}
	}
}

func TestU_Signer_RSAPSSRoundTrip(t *testing.T) {
	kp := mustKeyPair(t, generateRSAKey(t))

	s, err := NewSigner(kp, crypto.SHA256)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if err := s.SetPadding(PaddingPSS); err != nil {
		t.Fatalf("SetPadding() error = %v", err)
	}
	if err := s.SetSaltLength(48); err != nil {
		t.Fatalf("SetSaltLength() error = %v", err)
	}

	sig, err := s.SignData([]byte("pss"))
	if err != nil {
		t.Fatalf("SignData() error = %v", err)
	}

	ai, err := s.AlgorithmIdentifier(false)
	if err != nil {
		t.Fatalf("AlgorithmIdentifier() error = %v", err)
	}
	if !ai.Algorithm.Equal(OIDRSASSAPSS) {
		t.Fatalf("Algorithm = %v, want id-RSASSA-PSS", ai.Algorithm)
	}

	params, err := ParsePSSParameters(ai.Parameters.FullBytes)
	if err != nil {
		t.Fatalf("ParsePSSParameters() error = %v", err)
	}
	if params.Hash != crypto.SHA256 || params.SaltLength != 48 {
		t.Errorf("params = %+v, want SHA256/48", params)
	}

	v, err := NewVerifier(kp, ai)
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if v.Padding() != PaddingPSS || v.SaltLength() != 48 || v.Hash() != crypto.SHA256 {
		t.Errorf("verifier = %v/%d/%v", v.Padding(), v.SaltLength(), v.Hash())
	}
	if !v.VerifyData([]byte("pss"), sig) {
		t.Error("PSS verification failed")
	}
}

func TestU_ParsePSSParameters_Defaults(t *testing.T) {
	empty, _ := asn1.Marshal(struct{}{})

	for _, der := range [][]byte{nil, {0x05, 0x00}, empty} {
		params, err := ParsePSSParameters(der)
		if err != nil {
			t.Fatalf("ParsePSSParameters(%x) error = %v", der, err)
		}
		if params.Hash != crypto.SHA1 || params.SaltLength != 20 {
			t.Errorf("ParsePSSParameters(%x) = %+v, want SHA1/20", der, params)
		}
	}
}

// pssFieldTags returns the context tags present in RSASSA-PSS-params.
func pssFieldTags(t *testing.T, der []byte) []int {
	t.Helper()
	var seq asn1.RawValue
	if _, err := asn1.Unmarshal(der, &seq); err != nil {
		t.Fatalf("asn1.Unmarshal() error = %v", err)
	}
	var tags []int
	for rest := seq.Bytes; len(rest) > 0; {
		var field asn1.RawValue
		var err error
		if rest, err = asn1.Unmarshal(rest, &field); err != nil {
			t.Fatalf("asn1.Unmarshal() error = %v", err)
		}
		if field.Class == asn1.ClassContextSpecific {
			tags = append(tags, field.Tag)
		}
	}
	return tags
}

func TestU_MarshalPSSParameters_DefaultFields(t *testing.T) {
	tests := []struct {
		name     string
		hash     crypto.Hash
		salt     int
		wantTags []int
	}{
		{"[Unit] PSS: default salt omitted", crypto.SHA1, 20, []int{0, 1}},
		{"[Unit] PSS: explicit salt kept", crypto.SHA256, 32, []int{0, 1, 2}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			der, err := MarshalPSSParameters(tt.hash, tt.salt)
			if err != nil {
				t.Fatalf("MarshalPSSParameters() error = %v", err)
			}
			tags := pssFieldTags(t, der)
			if len(tags) != len(tt.wantTags) {
				t.Fatalf("tags = %v, want %v", tags, tt.wantTags)
			}
			for i := range tags {
				if tags[i] != tt.wantTags[i] {
					t.Fatalf("tags = %v, want %v", tags, tt.wantTags)
				}
			}

			params, err := ParsePSSParameters(der)
			if err != nil {
				t.Fatalf("ParsePSSParameters() error = %v", err)
			}
			if params.Hash != tt.hash || params.SaltLength != tt.salt {
				t.Errorf("ParsePSSParameters() = %+v, want %s/%d", params, HashName(tt.hash), tt.salt)
			}
		})
	}
}

func TestU_ParsePSSParameters_Invalid(t *testing.T) {
	sha256Alg := pkix.AlgorithmIdentifier{Algorithm: OIDSHA256, Parameters: asn1Null}
	sha1Alg, _ := asn1.Marshal(pkix.AlgorithmIdentifier{Algorithm: OIDSHA1, Parameters: asn1Null})

	mismatch, _ := asn1.Marshal(pssParameters{
		Hash:         sha256Alg,
		MGF:          pkix.AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: sha1Alg}},
		SaltLength:   32,
		TrailerField: 1,
	})
	badTrailer, _ := asn1.Marshal(pssParameters{Hash: sha256Alg, SaltLength: 32, TrailerField: 2})

	tests := []struct {
		name string
		der  []byte
	}{
		{"[Unit] PSS: MGF1 hash mismatch", mismatch},
		{"[Unit] PSS: trailer field 2", badTrailer},
		{"[Unit] PSS: garbage", []byte{0x30, 0x01}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePSSParameters(tt.der); err == nil {
				t.Error("ParsePSSParameters() should fail")
			}
		})
	}
}

// =============================================================================
// [Unit] Algorithm Resolution
// =============================================================================

func TestU_Signer_DSAForcesSHA1(t *testing.T) {
	kp := mustKeyPair(t, generateDSAKey(t))

	s, err := NewSigner(kp, crypto.SHA512)
	if err != nil {
		t.Fatalf("NewSigner() error = %v", err)
	}
	if s.Hash() != crypto.SHA1 {
		t.Errorf("Hash() = %v, want SHA1", s.Hash())
	}
	ai, err := s.AlgorithmIdentifier(false)
	if err != nil {
		t.Fatalf("AlgorithmIdentifier() error = %v", err)
	}
	if !ai.Algorithm.Equal(OIDDSAWithSHA1) {
		t.Errorf("Algorithm = %v, want dsa-with-sha1", ai.Algorithm)
	}
	if len(ai.Parameters.FullBytes) != 0 {
		t.Error("DSA identifier must have absent parameters")
	}
}

func TestU_Signer_SignatureAlgorithmUnknownUntilUsed(t *testing.T) {
	kp := mustKeyPair(t, generateECDSAKey(t, elliptic.P256()))
	s, _ := NewSigner(kp, crypto.SHA384)

	if _, known := s.SignatureAlgorithm(); known {
		t.Fatal("SignatureAlgorithm() known before any operation")
	}
	if _, err := s.SignData([]byte("x")); err != nil {
		t.Fatalf("SignData() error = %v", err)
	}
	oid, known := s.SignatureAlgorithm()
	if !known || !oid.Equal(OIDECDSAWithSHA384) {
		t.Errorf("SignatureAlgorithm() = %v, %v; want ecdsa-with-SHA384", oid, known)
	}
}

func TestU_Signer_ECDSASpecifiedIdentifier(t *testing.T) {
	kp := mustKeyPair(t, generateECDSAKey(t, elliptic.P256()))

	tests := []struct {
		name      string
		hash      crypto.Hash
		alternate bool
	}{
		{"[Unit] Specified: alternate SHA256", crypto.SHA256, true},
		{"[Unit] Specified: MD5 has no combined OID", crypto.MD5, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := NewSigner(kp, tt.hash)
			ai, err := s.AlgorithmIdentifier(tt.alternate)
			if err != nil {
				t.Fatalf("AlgorithmIdentifier() error = %v", err)
			}
			if !ai.Algorithm.Equal(OIDECDSAWithSpecified) {
				t.Fatalf("Algorithm = %v, want ecdsa-with-Specified", ai.Algorithm)
			}
			h, err := HashForSignatureAlgorithm(ai)
			if err != nil || h != tt.hash {
				t.Errorf("HashForSignatureAlgorithm() = %v, %v; want %v", h, err, tt.hash)
			}
		})
	}
}

func TestU_Signer_RSAIdentifierHasNullParameters(t *testing.T) {
	kp := mustKeyPair(t, generateRSAKey(t))
	s, _ := NewSigner(kp, crypto.SHA256)

	ai, err := s.AlgorithmIdentifier(false)
	if err != nil {
		t.Fatalf("AlgorithmIdentifier() error = %v", err)
	}
	if !ai.Algorithm.Equal(OIDSHA256WithRSA) {
		t.Errorf("Algorithm = %v, want sha256WithRSAEncryption", ai.Algorithm)
	}
	der, err := asn1.Marshal(ai)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if der[len(der)-2] != asn1.TagNull || der[len(der)-1] != 0 {
		t.Errorf("encoded identifier %x does not end with NULL", der)
	}
}

func TestU_Verifier_NullSigned(t *testing.T) {
	digest := sha256.Sum256([]byte("null signed"))

	v, err := NewVerifier(nil, pkix.AlgorithmIdentifier{Algorithm: OIDSHA256})
	if err != nil {
		t.Fatalf("NewVerifier() error = %v", err)
	}
	if !v.VerifyHash(digest[:], digest[:]) {
		t.Error("null-signed verification failed for an equal digest")
	}
	other := digest
	other[31] ^= 0xff
	if v.VerifyHash(digest[:], other[:]) {
		t.Error("null-signed verification passed for a different digest")
	}
	if !IsNullSigned(OIDSHA256) || IsNullSigned(OIDSHA256WithRSA) {
		t.Error("IsNullSigned() misclassifies OIDs")
	}
}

func TestU_NewVerifier_Errors(t *testing.T) {
	ecKP := mustKeyPair(t, generateECDSAKey(t, elliptic.P256()))

	tests := []struct {
		name string
		kp   KeyPair
		alg  asn1.ObjectIdentifier
	}{
		{"[Unit] Verifier: unknown OID", ecKP, asn1.ObjectIdentifier{1, 2, 3, 4}},
		{"[Unit] Verifier: family mismatch", ecKP, OIDSHA256WithRSA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewVerifier(tt.kp, pkix.AlgorithmIdentifier{Algorithm: tt.alg})
			if !errors.Is(err, ErrInvalidSignatureAlgorithm) {
				t.Errorf("NewVerifier() error = %v, want ErrInvalidSignatureAlgorithm", err)
			}
		})
	}
}

func TestU_Signer_SettersValidate(t *testing.T) {
	ecKP := mustKeyPair(t, generateECDSAKey(t, elliptic.P256()))
	s, _ := NewSigner(ecKP, crypto.SHA256)

	if err := s.SetPadding(PaddingPSS); err == nil {
		t.Error("SetPadding(PSS) on ECDSA should fail")
	}
	if err := s.SetSaltLength(0); err == nil {
		t.Error("SetSaltLength(0) should fail")
	}
	if s.SaltLength() != 32 {
		t.Errorf("default SaltLength() = %d, want 32", s.SaltLength())
	}

	if _, err := NewSigner(ecKP, crypto.SHA224); !errors.Is(err, ErrInvalidHashAlgorithm) {
		t.Errorf("NewSigner(SHA224) error = %v, want ErrInvalidHashAlgorithm", err)
	}
	if _, err := NewSigner(nil, crypto.SHA256); !errors.Is(err, ErrUnsupportedKeyAlgorithm) {
		t.Errorf("NewSigner(nil) error = %v, want ErrUnsupportedKeyAlgorithm", err)
	}
}

func TestU_Signer_PublicOnlyCannotSign(t *testing.T) {
	priv := generateECDSAKey(t, elliptic.P256())
	kp := mustKeyPair(t, &priv.PublicKey)
	s, _ := NewSigner(kp, crypto.SHA256)

	if _, err := s.SignData([]byte("x")); !errors.Is(err, ErrPublicKeyOnly) {
		t.Errorf("SignData() error = %v, want ErrPublicKeyOnly", err)
	}
}

func TestU_Signer_ClosedKeyCannotSign(t *testing.T) {
	kp, _ := NewKeyPair(generateECDSAKey(t, elliptic.P256()))
	s, _ := NewSigner(kp, crypto.SHA256)
	_ = kp.Close()

	if _, err := s.SignData([]byte("x")); !errors.Is(err, ErrKeyClosed) {
		t.Errorf("SignData() error = %v, want ErrKeyClosed", err)
	}
}

func TestU_Signer_CryptoSignerPSS(t *testing.T) {
	priv := generateRSAKey(t)
	s, _ := NewSigner(mustKeyPair(t, priv), crypto.SHA256)
	digest := sha256.Sum256([]byte("x509"))

	opts := &rsa.PSSOptions{SaltLength: rsa.PSSSaltLengthEqualsHash, Hash: crypto.SHA256}
	sig, err := s.Sign(rand.Reader, digest[:], opts)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if err := rsa.VerifyPSS(&priv.PublicKey, crypto.SHA256, digest[:], sig, opts); err != nil {
		t.Errorf("VerifyPSS() error = %v", err)
	}
}

// =============================================================================
// [Unit] Hash Tables
// =============================================================================

func TestU_ParseHashAlgorithm(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    crypto.Hash
		wantErr bool
	}{
		{"[Unit] Hash: MD5", "MD5", crypto.MD5, false},
		{"[Unit] Hash: sha-1", "sha-1", crypto.SHA1, false},
		{"[Unit] Hash: SHA256", "SHA256", crypto.SHA256, false},
		{"[Unit] Hash: Sha-384", "Sha-384", crypto.SHA384, false},
		{"[Unit] Hash: sha512", "sha512", crypto.SHA512, false},
		{"[Unit] Hash: SHA3-256", "SHA3-256", 0, true},
		{"[Unit] Hash: empty", "", 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseHashAlgorithm(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseHashAlgorithm() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, ErrInvalidHashAlgorithm) {
				t.Errorf("error = %v, want ErrInvalidHashAlgorithm", err)
			}
			if got != tt.want {
				t.Errorf("ParseHashAlgorithm() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestU_HashForSignatureAlgorithm_Table(t *testing.T) {
	tests := []struct {
		oid  asn1.ObjectIdentifier
		want crypto.Hash
	}{
		{OIDMD5, crypto.MD5},
		{OIDMD5WithRSA, crypto.MD5},
		{OIDSHA1, crypto.SHA1},
		{OIDSHA1WithRSA, crypto.SHA1},
		{OIDDSAWithSHA1, crypto.SHA1},
		{OIDECDSAWithSHA1, crypto.SHA1},
		{OIDSHA256WithRSA, crypto.SHA256},
		{OIDDSAWithSHA256, crypto.SHA256},
		{OIDECDSAWithSHA256, crypto.SHA256},
		{OIDSHA384WithRSA, crypto.SHA384},
		{OIDECDSAWithSHA384, crypto.SHA384},
		{OIDSHA512, crypto.SHA512},
		{OIDSHA512WithRSA, crypto.SHA512},
		{OIDECDSAWithSHA512, crypto.SHA512},
		{OIDRSASSAPSS, crypto.SHA1},
	}

	for _, tt := range tests {
		got, err := HashForSignatureAlgorithm(pkix.AlgorithmIdentifier{Algorithm: tt.oid})
		if err != nil {
			t.Errorf("HashForSignatureAlgorithm(%v) error = %v", tt.oid, err)
			continue
		}
		if got != tt.want {
			t.Errorf("HashForSignatureAlgorithm(%v) = %v, want %v", tt.oid, got, tt.want)
		}
	}

	if _, err := HashForSignatureAlgorithm(pkix.AlgorithmIdentifier{Algorithm: asn1.ObjectIdentifier{1, 2, 3}}); !errors.Is(err, ErrInvalidSignatureAlgorithm) {
		t.Errorf("unknown OID error = %v, want ErrInvalidSignatureAlgorithm", err)
	}
}
