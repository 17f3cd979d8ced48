package ocsp

import (
	"errors"
	"fmt"
)

var (
	// ErrIssuerNotFound is returned when no issuer can be found for a
	// certificate, neither by chain building nor by a trust store search.
	ErrIssuerNotFound = errors.New("issuer certificate not found")

	// ErrReadOnly is returned when mutating a CertID decoded from wire
	// bytes or already encoded.
	ErrReadOnly = errors.New("CertID is read-only")

	// ErrAlreadyFinalized is returned by a second Encode or Sign on a
	// RequestBuilder.
	ErrAlreadyFinalized = errors.New("OCSP request already finalized")

	// ErrMissingResponderURL is returned when neither an explicit URL nor
	// an OCSP AIA entry of the source certificates is available.
	ErrMissingResponderURL = errors.New("no OCSP responder URL")

	// ErrUnsupportedResponseType is returned for response types other than
	// id-pkix-ocsp-basic.
	ErrUnsupportedResponseType = errors.New("unsupported OCSP response type")

	// ErrEmptyRequest is returned when finalizing a request without entries.
	ErrEmptyRequest = errors.New("OCSP request has no entries")
)

// HTTPError is returned when a responder answers with a non-2xx status.
type HTTPError struct {
	Method     string
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("OCSP %s %s: HTTP status %d", e.Method, e.URL, e.StatusCode)
}
