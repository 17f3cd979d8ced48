package main

import (
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/remiblancher/qocsp/internal/audit"
	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/ocsp"
	"github.com/remiblancher/qocsp/internal/truststore"
	"github.com/remiblancher/qocsp/internal/x509util"
)

const timeLayout = "2006-01-02 15:04:05 UTC"

// loadCertificateFiles loads the first certificate of each path.
func loadCertificateFiles(paths []string) ([]*x509.Certificate, error) {
	certs := make([]*x509.Certificate, 0, len(paths))
	for _, p := range paths {
		cert, err := x509util.LoadCertificate(p)
		if err != nil {
			return nil, fmt.Errorf("failed to load certificate %s: %w", p, err)
		}
		certs = append(certs, cert)
	}
	return certs, nil
}

// loadTrustStore builds the configured store and adds the issuer file, if
// any. The returned issuer is nil when issuerPath is empty.
func loadTrustStore(issuerPath string) (*truststore.Store, *x509.Certificate, error) {
	store, err := cfg.TrustStore()
	if err != nil {
		return nil, nil, err
	}
	if issuerPath == "" {
		return store, nil, nil
	}
	issuer, err := x509util.LoadCertificate(issuerPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load issuer: %w", err)
	}
	if x509util.IsSelfSigned(issuer) {
		store.AddRoot(issuer)
	} else {
		store.AddCA(issuer)
	}
	return store, issuer, nil
}

// loadSigner loads a private key and wraps it in a Signer for hashName.
// Key loading is audited.
func loadSigner(keyPath, hashName string, passphrase []byte) (*pkicrypto.Signer, error) {
	h, err := pkicrypto.ParseHashAlgorithm(hashName)
	if err != nil {
		return nil, err
	}
	kp, err := pkicrypto.LoadKeyPair(keyPath, passphrase)
	if err != nil {
		_ = audit.LogKeyLoaded(keyPath, "", false, err.Error())
		return nil, err
	}
	if kp.IsPublicOnly() {
		_ = kp.Close()
		_ = audit.LogKeyLoaded(keyPath, kp.Algorithm().String(), false, "no private key")
		return nil, fmt.Errorf("%s: no private key", keyPath)
	}
	if err := audit.LogKeyLoaded(keyPath, kp.Algorithm().String(), true, ""); err != nil {
		_ = kp.Close()
		return nil, err
	}
	signer, err := pkicrypto.NewSigner(kp, h)
	if err != nil {
		_ = kp.Close()
		return nil, err
	}
	return signer, nil
}

// passphraseBytes returns nil for an empty passphrase.
func passphraseBytes(s string) []byte {
	if s == "" {
		return nil
	}
	return []byte(s)
}

// writeOutput writes der to path, PEM armored under pemType when asPEM.
func writeOutput(path string, der []byte, asPEM bool, pemType string) error {
	data := der
	if asPEM {
		data = pem.EncodeToMemory(&pem.Block{Type: pemType, Bytes: der})
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}

// readDERFile reads a DER file, unwrapping a PEM block when present.
func readDERFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	if block, _ := pem.Decode(data); block != nil {
		return block.Bytes, nil
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(timeLayout)
}

// printRequest prints a summary of req.
func printRequest(out io.Writer, req *ocsp.Request) {
	fmt.Fprintf(out, "OCSP Request:\n")
	fmt.Fprintf(out, "  Version:   %d\n", req.Version())
	if name, ok := req.RequestorName(); ok {
		fmt.Fprintf(out, "  Requestor: %s\n", name.String())
	}
	if req.IsSigned() {
		fmt.Fprintf(out, "  Signed:    %s\n", pkicrypto.SignatureAlgorithmName(req.SignatureAlgorithm().Algorithm))
	}
	if nonce := req.Nonce(); nonce != nil {
		fmt.Fprintf(out, "  Nonce:     %s\n", hex.EncodeToString(nonce))
	}
	if u := req.URL(); u != "" {
		fmt.Fprintf(out, "  URL:       %s\n", u)
	}
	fmt.Fprintf(out, "  Entries:   %d\n", req.Requests().Len())
	for i, sr := range req.Requests().Items() {
		id := sr.CertID()
		fmt.Fprintf(out, "    [%d] Serial: %s (%s)\n", i, id.SerialNumber(), pkicrypto.HashName(id.HashAlgorithm()))
	}
}

// printResponse prints the status, entries and compliance of resp.
func printResponse(out io.Writer, resp *ocsp.Response) {
	fmt.Fprintf(out, "OCSP Response:\n")
	fmt.Fprintf(out, "  Status:       %s\n", resp.Status())
	if resp.Status() != ocsp.StatusSuccessful {
		return
	}
	fmt.Fprintf(out, "  Responder:    %s\n", resp.ResponderID())
	fmt.Fprintf(out, "  Produced At:  %s\n", formatTime(resp.ProducedAt()))
	fmt.Fprintf(out, "  Signature:    %s (valid: %t)\n",
		pkicrypto.SignatureAlgorithmName(resp.SignatureAlgorithm().Algorithm), resp.SignatureValid())
	if signer := resp.SignerCertificate(); signer != nil {
		fmt.Fprintf(out, "  Signer:       %s (valid: %t)\n", signer.Subject.String(), resp.SignerValid())
	}
	if nonce := resp.Nonce(); nonce != nil {
		fmt.Fprintf(out, "  Nonce:        %s\n", hex.EncodeToString(nonce))
	}
	if chain := resp.ChainStatus(); len(chain) > 0 {
		names := make([]string, len(chain))
		for i, s := range chain {
			names[i] = s.String()
		}
		fmt.Fprintf(out, "  Chain:        %s\n", strings.Join(names, ", "))
	}

	fmt.Fprintf(out, "  Entries:      %d\n", resp.Responses().Len())
	for i, sr := range resp.Responses().Items() {
		fmt.Fprintf(out, "    [%d] Serial: %s\n", i, sr.CertID().SerialNumber())
		fmt.Fprintf(out, "        Status:      %s\n", sr.Status())
		if sr.Status() == ocsp.CertStatusRevoked {
			fmt.Fprintf(out, "        Revoked At:  %s\n", formatTime(sr.RevocationTime()))
			if sr.HasRevocationReason() {
				fmt.Fprintf(out, "        Reason:      %s\n", sr.RevocationReason())
			}
		}
		fmt.Fprintf(out, "        This Update: %s\n", formatTime(sr.ThisUpdate()))
		fmt.Fprintf(out, "        Next Update: %s\n", formatTime(sr.NextUpdate()))
	}

	if resp.Compliance().Compliant() {
		fmt.Fprintf(out, "  Compliance:   OK\n")
	} else {
		fmt.Fprintf(out, "  Compliance:   %s\n", resp.Compliance())
	}
}
