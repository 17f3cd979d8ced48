// Package truststore holds the local "Root" and "CA" certificate stores
// consulted when an OCSP engine needs to discover an issuer, locate a
// responder certificate or build a responder chain.
package truststore

import (
	"bytes"
	"crypto/sha1"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/remiblancher/qocsp/internal/x509util"
)

// Kind selects one of the two certificate stores.
type Kind string

const (
	// KindRoot holds trust anchors.
	KindRoot Kind = "Root"
	// KindCA holds intermediate certificates.
	KindCA Kind = "CA"
)

// Store is a pair of certificate lists. It is safe for concurrent use.
type Store struct {
	mu          sync.RWMutex
	roots       []*x509.Certificate
	cas         []*x509.Certificate
	systemRoots bool
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// UseSystemRoots makes chain building also trust the system roots.
// System roots are not enumerable and never match FindBySubject.
func (s *Store) UseSystemRoots(enable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.systemRoots = enable
}

// Add appends certificates to the store of the given kind. Duplicates are
// ignored.
func (s *Store) Add(kind Kind, certs ...*x509.Certificate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range certs {
		if c == nil {
			continue
		}
		switch kind {
		case KindRoot:
			s.roots = appendUnique(s.roots, c)
		default:
			s.cas = appendUnique(s.cas, c)
		}
	}
}

// AddRoot adds trust anchors.
func (s *Store) AddRoot(certs ...*x509.Certificate) { s.Add(KindRoot, certs...) }

// AddCA adds intermediate certificates.
func (s *Store) AddCA(certs ...*x509.Certificate) { s.Add(KindCA, certs...) }

// LoadFile adds every certificate of a PEM or DER file.
func (s *Store) LoadFile(kind Kind, path string) error {
	certs, err := x509util.LoadCertificates(path)
	if err != nil {
		return err
	}
	s.Add(kind, certs...)
	return nil
}

// LoadPath adds a single file, or every .pem, .crt, .cer and .der file of
// a directory.
func (s *Store) LoadPath(kind Kind, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if !info.IsDir() {
		return s.LoadFile(kind, path)
	}

	entries, err := os.ReadDir(path)
	if err != nil {
		return fmt.Errorf("failed to read directory %s: %w", path, err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".pem", ".crt", ".cer", ".der":
		default:
			continue
		}
		if err := s.LoadFile(kind, filepath.Join(path, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// Roots returns a copy of the trust anchors.
func (s *Store) Roots() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*x509.Certificate(nil), s.roots...)
}

// CAs returns a copy of the intermediate certificates.
func (s *Store) CAs() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*x509.Certificate(nil), s.cas...)
}

// Len returns the number of certificates in both stores.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.roots) + len(s.cas)
}

// all returns roots first, then CAs.
func (s *Store) all() []*x509.Certificate {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*x509.Certificate, 0, len(s.roots)+len(s.cas))
	out = append(out, s.roots...)
	return append(out, s.cas...)
}

// FindBySubject returns the certificates whose DER subject equals
// rawSubject, roots first.
func (s *Store) FindBySubject(rawSubject []byte) []*x509.Certificate {
	var out []*x509.Certificate
	for _, c := range s.all() {
		if bytes.Equal(c.RawSubject, rawSubject) {
			out = append(out, c)
		}
	}
	return out
}

// FindByKeyID returns the certificates whose SHA-1 public key hash or
// subject key identifier equals id, roots first.
func (s *Store) FindByKeyID(id []byte) []*x509.Certificate {
	var out []*x509.Certificate
	for _, c := range s.all() {
		if len(c.SubjectKeyId) > 0 && bytes.Equal(c.SubjectKeyId, id) {
			out = append(out, c)
			continue
		}
		bits, err := x509util.SubjectPublicKeyBits(c)
		if err != nil {
			continue
		}
		sum := sha1.Sum(bits)
		if bytes.Equal(sum[:], id) {
			out = append(out, c)
		}
	}
	return out
}

// FindIssuer returns the first stored certificate whose subject matches
// the issuer of cert and whose key verifies cert's signature.
func (s *Store) FindIssuer(cert *x509.Certificate) (*x509.Certificate, bool) {
	for _, c := range s.FindBySubject(cert.RawIssuer) {
		if cert.CheckSignatureFrom(c) == nil {
			return c, true
		}
	}
	return nil, false
}

// VerifyOptions returns x509 verification options with the roots as
// trust anchors and the CAs plus extra as intermediates. Any extended key
// usage is accepted; revocation is never checked by x509.Verify.
func (s *Store) VerifyOptions(extra []*x509.Certificate, now time.Time) (x509.VerifyOptions, error) {
	s.mu.RLock()
	useSystem := s.systemRoots
	roots := append([]*x509.Certificate(nil), s.roots...)
	cas := append([]*x509.Certificate(nil), s.cas...)
	s.mu.RUnlock()

	rootPool := x509.NewCertPool()
	if useSystem {
		sys, err := x509.SystemCertPool()
		if err != nil {
			return x509.VerifyOptions{}, fmt.Errorf("failed to load system roots: %w", err)
		}
		rootPool = sys
	}
	for _, c := range roots {
		rootPool.AddCert(c)
	}

	intermediates := x509.NewCertPool()
	for _, c := range cas {
		intermediates.AddCert(c)
	}
	for _, c := range extra {
		intermediates.AddCert(c)
	}

	return x509.VerifyOptions{
		Roots:         rootPool,
		Intermediates: intermediates,
		CurrentTime:   now,
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}, nil
}

// Verify builds chains for cert. extra certificates are usable as
// intermediates only.
func (s *Store) Verify(cert *x509.Certificate, extra []*x509.Certificate, now time.Time) ([][]*x509.Certificate, error) {
	opts, err := s.VerifyOptions(extra, now)
	if err != nil {
		return nil, err
	}
	return cert.Verify(opts)
}

func appendUnique(list []*x509.Certificate, c *x509.Certificate) []*x509.Certificate {
	for _, existing := range list {
		if bytes.Equal(existing.Raw, c.Raw) {
			return list
		}
	}
	return append(list, c)
}
