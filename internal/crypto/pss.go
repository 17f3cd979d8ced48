package crypto

import (
	"crypto"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
)

// pssParameters is RSASSA-PSS-params (RFC 4055). Marshal leaves out a salt
// length of 20 and a trailer field of 1, as DER requires for DEFAULT values.
type pssParameters struct {
	Hash         pkix.AlgorithmIdentifier `asn1:"explicit,tag:0,optional"`
	MGF          pkix.AlgorithmIdentifier `asn1:"explicit,tag:1,optional"`
	SaltLength   int                      `asn1:"explicit,tag:2,optional,default:20"`
	TrailerField int                      `asn1:"explicit,tag:3,optional,default:1"`
}

// PSSParameters are the decoded RSASSA-PSS parameters. The mask generation
// function is always MGF1 over Hash.
type PSSParameters struct {
	Hash       crypto.Hash
	SaltLength int
}

var asn1Null = asn1.RawValue{Tag: asn1.TagNull, FullBytes: []byte{asn1.TagNull, 0}}

// ParsePSSParameters decodes RSASSA-PSS-params. Absent parameters take the
// RFC 4055 defaults: SHA-1, MGF1 with SHA-1 and a 20 byte salt.
func ParsePSSParameters(der []byte) (PSSParameters, error) {
	out := PSSParameters{Hash: crypto.SHA1, SaltLength: 20}
	if len(der) == 0 || (len(der) == 2 && der[0] == asn1.TagNull && der[1] == 0) {
		return out, nil
	}

	var params pssParameters
	rest, err := asn1.Unmarshal(der, &params)
	if err != nil || len(rest) > 0 {
		return PSSParameters{}, fmt.Errorf("%w: malformed RSASSA-PSS parameters", ErrInvalidSignatureAlgorithm)
	}

	if len(params.Hash.Algorithm) > 0 {
		h, ok := HashFromOID(params.Hash.Algorithm)
		if !ok {
			return PSSParameters{}, fmt.Errorf("%w: PSS hash %v", ErrInvalidHashAlgorithm, params.Hash.Algorithm)
		}
		out.Hash = h
	}

	mgfHash := crypto.SHA1
	if len(params.MGF.Algorithm) > 0 {
		if !params.MGF.Algorithm.Equal(OIDMGF1) {
			return PSSParameters{}, fmt.Errorf("%w: mask generation function %v", ErrInvalidSignatureAlgorithm, params.MGF.Algorithm)
		}
		var mgfAlg pkix.AlgorithmIdentifier
		if rest, err := asn1.Unmarshal(params.MGF.Parameters.FullBytes, &mgfAlg); err != nil || len(rest) > 0 {
			return PSSParameters{}, fmt.Errorf("%w: malformed MGF1 parameters", ErrInvalidSignatureAlgorithm)
		}
		h, ok := HashFromOID(mgfAlg.Algorithm)
		if !ok {
			return PSSParameters{}, fmt.Errorf("%w: MGF1 hash %v", ErrInvalidHashAlgorithm, mgfAlg.Algorithm)
		}
		mgfHash = h
	}
	if mgfHash != out.Hash {
		return PSSParameters{}, fmt.Errorf("%w: MGF1 hash %s differs from signature hash %s",
			ErrInvalidSignatureAlgorithm, HashName(mgfHash), HashName(out.Hash))
	}

	if params.SaltLength <= 0 {
		return PSSParameters{}, fmt.Errorf("%w: PSS salt length %d", ErrInvalidSignatureAlgorithm, params.SaltLength)
	}
	if params.TrailerField != 1 {
		return PSSParameters{}, fmt.Errorf("%w: PSS trailer field %d", ErrInvalidSignatureAlgorithm, params.TrailerField)
	}
	out.SaltLength = params.SaltLength
	return out, nil
}

// MarshalPSSParameters encodes RSASSA-PSS-params for hash h with MGF1 over
// the same hash.
func MarshalPSSParameters(h crypto.Hash, saltLength int) ([]byte, error) {
	hashOID, err := HashOID(h)
	if err != nil {
		return nil, err
	}
	if saltLength <= 0 {
		return nil, fmt.Errorf("%w: PSS salt length %d", ErrInvalidSignatureAlgorithm, saltLength)
	}
	hashAlg := pkix.AlgorithmIdentifier{Algorithm: hashOID, Parameters: asn1Null}
	mgfParams, err := asn1.Marshal(hashAlg)
	if err != nil {
		return nil, err
	}
	return asn1.Marshal(pssParameters{
		Hash:         hashAlg,
		MGF:          pkix.AlgorithmIdentifier{Algorithm: OIDMGF1, Parameters: asn1.RawValue{FullBytes: mgfParams}},
		SaltLength:   saltLength,
		TrailerField: 1,
	})
}
