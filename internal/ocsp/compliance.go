package ocsp

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"errors"
	"mime"
	"slices"
	"strings"
	"time"

	"github.com/remiblancher/qocsp/internal/truststore"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// maxProducedAtSkew is the tolerance for a producedAt in the future.
const maxProducedAtSkew = 10 * time.Minute

// ComplianceFlags is a set of problems found while validating a response.
// The zero value means compliant.
type ComplianceFlags uint32

const (
	// MissingCert is set when no signer certificate can be located.
	MissingCert ComplianceFlags = 1 << iota

	// MissingOCSPRevNoCheck is set when a delegated signer lacks the
	// id-pkix-ocsp-nocheck extension.
	MissingOCSPRevNoCheck

	// MissingOCSPSigningEKU is set when a delegated signer lacks the
	// OCSPSigning extended key usage.
	MissingOCSPSigningEKU

	// ResponderIDMismatch is set when the ResponderID does not identify
	// the signer certificate.
	ResponderIDMismatch

	// InvalidHTTPHeader is set when the HTTP Content-Type is not
	// application/ocsp-response.
	InvalidHTTPHeader

	// ResponseNotTimeValid is set when producedAt is too far in the future.
	ResponseNotTimeValid

	// UpdateNotTimeValid is set when an entry's thisUpdate is in the
	// future or its nextUpdate in the past.
	UpdateNotTimeValid

	// NonceMismatch is set when request and response both carry a nonce
	// and they differ.
	NonceMismatch

	// CertIDMismatch is set when an entry's CertID is not in the request.
	CertIDMismatch
)

var complianceNames = []struct {
	flag ComplianceFlags
	name string
}{
	{MissingCert, "MissingCert"},
	{MissingOCSPRevNoCheck, "MissingOCSPRevNoCheck"},
	{MissingOCSPSigningEKU, "MissingOCSPSigningEKU"},
	{ResponderIDMismatch, "ResponderIDMismatch"},
	{InvalidHTTPHeader, "InvalidHTTPHeader"},
	{ResponseNotTimeValid, "ResponseNotTimeValid"},
	{UpdateNotTimeValid, "UpdateNotTimeValid"},
	{NonceMismatch, "NonceMismatch"},
	{CertIDMismatch, "CertIDMismatch"},
}

// Has reports whether every flag of f is set.
func (c ComplianceFlags) Has(f ComplianceFlags) bool { return c&f == f }

// Compliant reports whether no flag is set.
func (c ComplianceFlags) Compliant() bool { return c == 0 }

// Names returns the names of the set flags in bit order.
func (c ComplianceFlags) Names() []string {
	var names []string
	for _, n := range complianceNames {
		if c&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

// String returns "Compliant" or the set flag names joined by "|".
func (c ComplianceFlags) String() string {
	if c == 0 {
		return "Compliant"
	}
	return strings.Join(c.Names(), "|")
}

// ChainStatus is a problem found while building the signer chain.
type ChainStatus int

const (
	ChainUntrustedRoot ChainStatus = iota + 1
	ChainPartial
	ChainNotTimeValid
	ChainNotValidForUsage
	ChainInvalidBasicConstraints
	ChainInvalidNameConstraints
	ChainNotSignatureValid
	ChainOther
)

// String returns the status name.
func (s ChainStatus) String() string {
	switch s {
	case ChainUntrustedRoot:
		return "UntrustedRoot"
	case ChainPartial:
		return "PartialChain"
	case ChainNotTimeValid:
		return "NotTimeValid"
	case ChainNotValidForUsage:
		return "NotValidForUsage"
	case ChainInvalidBasicConstraints:
		return "InvalidBasicConstraints"
	case ChainInvalidNameConstraints:
		return "InvalidNameConstraints"
	case ChainNotSignatureValid:
		return "NotSignatureValid"
	default:
		return "Other"
	}
}

// chainStatusFromError maps a chain building error of cert.
func chainStatusFromError(cert *x509.Certificate, err error) ChainStatus {
	var (
		unknown   x509.UnknownAuthorityError
		invalid   x509.CertificateInvalidError
		insecure  x509.InsecureAlgorithmError
		sysRoots  x509.SystemRootsError
		violation x509.ConstraintViolationError
	)
	switch {
	case errors.As(err, &unknown):
		if x509util.IsSelfSigned(cert) {
			return ChainUntrustedRoot
		}
		return ChainPartial
	case errors.As(err, &sysRoots):
		return ChainUntrustedRoot
	case errors.As(err, &invalid):
		switch invalid.Reason {
		case x509.Expired:
			return ChainNotTimeValid
		case x509.IncompatibleUsage, x509.CANotAuthorizedForExtKeyUsage:
			return ChainNotValidForUsage
		case x509.NotAuthorizedToSign, x509.TooManyIntermediates:
			return ChainInvalidBasicConstraints
		case x509.CANotAuthorizedForThisName, x509.TooManyConstraints, x509.UnconstrainedName:
			return ChainInvalidNameConstraints
		default:
			return ChainOther
		}
	case errors.As(err, &insecure):
		return ChainNotSignatureValid
	case errors.As(err, &violation):
		return ChainNotValidForUsage
	default:
		return ChainOther
	}
}

// validate fills the signature, signer and compliance results.
func (r *Response) validate(opts ParseOptions) {
	now := opts.CurrentTime
	if now.IsZero() {
		now = time.Now()
	}
	store := opts.Store
	if store == nil {
		store = truststore.New()
	}

	signer, embedded := r.locateSigner(store)
	if signer == nil {
		r.compliance |= MissingCert
	} else {
		r.signerCert = signer
		r.signatureValid = verifyTBS(r.tbsRaw, r.signature, r.sigAlg, signer) == nil
		if !r.responderIDMatches(signer) {
			r.compliance |= ResponderIDMismatch
		}
		r.validateSigner(signer, embedded, store, now)
	}

	if opts.Header != nil && !isResponseContentType(opts.Header.Get("Content-Type")) {
		r.compliance |= InvalidHTTPHeader
	}

	if r.producedAt.After(now.Add(maxProducedAtSkew)) {
		r.compliance |= ResponseNotTimeValid
	}
	for _, sr := range r.responses.Items() {
		if sr.thisUpdate.After(now) || (!sr.nextUpdate.IsZero() && sr.nextUpdate.Before(now)) {
			r.compliance |= UpdateNotTimeValid
			break
		}
	}

	if req := opts.Request; req != nil {
		reqNonce, respNonce := req.Nonce(), r.Nonce()
		if reqNonce != nil && respNonce != nil && !bytes.Equal(reqNonce, respNonce) {
			r.compliance |= NonceMismatch
		}
		for _, sr := range r.responses.Items() {
			if !req.Requests().Contains(sr.certID) {
				r.compliance |= CertIDMismatch
				break
			}
		}
	}
}

// locateSigner returns the first embedded certificate, or a trust store
// certificate matching the ResponderID.
func (r *Response) locateSigner(store *truststore.Store) (*x509.Certificate, bool) {
	if len(r.certs) > 0 {
		return r.certs[0], true
	}
	var candidates []*x509.Certificate
	if raw := r.responderID.RawName(); raw != nil {
		candidates = store.FindBySubject(raw)
	} else if hash, ok := r.responderID.ByKey(); ok {
		candidates = store.FindByKeyID(hash)
	}
	for _, c := range candidates {
		if verifyTBS(r.tbsRaw, r.signature, r.sigAlg, c) == nil {
			return c, false
		}
	}
	if len(candidates) > 0 {
		return candidates[0], false
	}
	return nil, false
}

func (r *Response) responderIDMatches(signer *x509.Certificate) bool {
	if raw := r.responderID.RawName(); raw != nil {
		if bytes.Equal(raw, signer.RawSubject) {
			return true
		}
		name, ok := r.responderID.ByName()
		return ok && name.String() == signer.Subject.String()
	}
	if hash, ok := r.responderID.ByKey(); ok {
		bits, err := x509util.SubjectPublicKeyBits(signer)
		if err != nil {
			return false
		}
		sum := sha1.Sum(bits)
		return bytes.Equal(hash, sum[:])
	}
	return false
}

// validateSigner builds the signer chain and applies the delegated
// responder requirements when the signer is not the CertID issuer.
func (r *Response) validateSigner(signer *x509.Certificate, embedded bool, store *truststore.Store, now time.Time) {
	valid := true
	if _, err := store.Verify(signer, r.certs, now); err != nil {
		r.chainStatus = append(r.chainStatus, chainStatusFromError(signer, err))
		valid = false
	}

	if embedded && r.isDelegated(signer) {
		if !x509util.HasExtension(signer, OIDOcspNoCheck) {
			r.compliance |= MissingOCSPRevNoCheck
			valid = false
		}
		if !hasOCSPSigningEKU(signer) {
			r.compliance |= MissingOCSPSigningEKU
			valid = false
		}
	}
	r.signerValid = valid
}

// isDelegated reports whether signer is not the issuer of the certificates
// the entries cover.
func (r *Response) isDelegated(signer *x509.Certificate) bool {
	items := r.responses.Items()
	if len(items) == 0 {
		return true
	}
	for _, sr := range items {
		if !sr.certID.MatchesIssuer(signer) {
			return true
		}
	}
	return false
}

func hasOCSPSigningEKU(cert *x509.Certificate) bool {
	if slices.Contains(cert.ExtKeyUsage, x509.ExtKeyUsageOCSPSigning) {
		return true
	}
	for _, oid := range cert.UnknownExtKeyUsage {
		if oid.Equal(OIDExtKeyUsageOCSPSigning) {
			return true
		}
	}
	return false
}

func isResponseContentType(value string) bool {
	mediaType, _, err := mime.ParseMediaType(value)
	return err == nil && strings.EqualFold(mediaType, ContentTypeResponse)
}
