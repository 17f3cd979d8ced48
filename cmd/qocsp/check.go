package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qocsp/internal/audit"
	"github.com/remiblancher/qocsp/internal/config"
	"github.com/remiblancher/qocsp/internal/log"
	"github.com/remiblancher/qocsp/internal/ocsp"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Query an OCSP responder",
	Long: `Send an OCSP request for one or more certificates and print the
response status, each certificate status and the compliance findings.

The responder URL defaults to the certificates' AIA extension. GET is
tried first in auto mode, falling back to POST when the responder
rejects it.

Exit status is non-zero when the responder cannot be reached, when the
response is not successful, and with --strict when any certificate is
revoked or unknown, when the signature or the responder certificate is
not valid, or when the response is not compliant.

Examples:
  # Check using the AIA URL
  qocsp check --cert server.crt --issuer ca.crt

  # Explicit URL, POST, with a nonce, saving the response
  qocsp check --cert server.crt --issuer ca.crt \
      --url http://ocsp.example.com --method post --nonce --out resp.der`,
	RunE: runCheck,
}

var (
	checkCerts   []string
	checkIssuer  string
	checkURL     string
	checkMethod  string
	checkHash    string
	checkNonce   bool
	checkTimeout time.Duration
	checkOutput  string
	checkStrict  bool
)

func init() {
	flags := checkCmd.Flags()
	flags.StringSliceVar(&checkCerts, "cert", nil, "Certificate(s) to check (required, repeatable)")
	flags.StringVar(&checkIssuer, "issuer", "", "Issuer certificate (default: looked up in trust store)")
	flags.StringVar(&checkURL, "url", "", "Responder URL (default: from certificate AIA)")
	flags.StringVar(&checkMethod, "method", config.DefaultMethod, "HTTP method (auto, get, post)")
	flags.StringVar(&checkHash, "hash", config.DefaultHash, "CertID hash algorithm")
	flags.BoolVar(&checkNonce, "nonce", false, "Add a nonce extension")
	flags.DurationVar(&checkTimeout, "timeout", config.DefaultTimeout, "HTTP timeout")
	flags.StringVarP(&checkOutput, "out", "o", "", "Save the raw response to this file")
	flags.BoolVar(&checkStrict, "strict", false, "Fail unless every certificate is good and the response is trusted and compliant")

	_ = checkCmd.MarkFlagRequired("cert")
}

func runCheck(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	flags := cmd.Flags()
	if !flags.Changed("method") {
		checkMethod = cfg.Client.Method
	}
	if !flags.Changed("hash") {
		checkHash = cfg.Client.Hash
	}
	if !flags.Changed("nonce") {
		checkNonce = cfg.Client.Nonce
	}
	if !flags.Changed("timeout") {
		checkTimeout = cfg.Client.Timeout
	}
	if checkURL == "" {
		checkURL = cfg.Client.URL
	}

	method, err := ocsp.ParseMethod(checkMethod)
	if err != nil {
		return err
	}

	builder, err := newRequestBuilder(checkCerts, checkIssuer, checkHash)
	if err != nil {
		return err
	}
	req, err := builder.SetNonce(checkNonce).SetURL(checkURL).Encode()
	if err != nil {
		return err
	}

	store, _, err := loadTrustStore(checkIssuer)
	if err != nil {
		return err
	}
	client, err := ocsp.NewClient(ocsp.ClientOptions{
		HTTPClient: &http.Client{Timeout: checkTimeout},
		Store:      store,
	})
	if err != nil {
		return err
	}

	resp, err := client.SendWith(ctx, req, method)
	entries := req.Requests()
	firstSerial := ""
	if entries.Len() > 0 {
		firstSerial = entries.At(0).CertID().SerialNumber()
	}
	if err != nil {
		_ = audit.LogOCSPRequest(req.URL(), firstSerial, method.String(), entries.Len(), false, err.Error())
		return fmt.Errorf("OCSP request failed: %w", err)
	}
	if err := audit.LogOCSPRequest(req.URL(), firstSerial, method.String(), entries.Len(), true, ""); err != nil {
		return err
	}

	if checkOutput != "" {
		if err := writeOutput(checkOutput, resp.Raw(), false, ""); err != nil {
			return err
		}
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Responder: %s\n\n", req.URL())
	printResponse(out, resp)

	if err := auditCheck(ctx, req, resp); err != nil {
		return err
	}

	if resp.Status() != ocsp.StatusSuccessful {
		return fmt.Errorf("OCSP responder returned %s", resp.Status())
	}
	if checkStrict {
		return strictResult(resp)
	}
	return nil
}

// auditCheck records one OCSP_CHECK event per requested certificate.
func auditCheck(ctx context.Context, req *ocsp.Request, resp *ocsp.Response) error {
	logger := log.GetLogger(ctx)
	subjects := make(map[string]string)
	for _, c := range req.SourceCertificates() {
		subjects[ocsp.SerialHex(c.SerialNumber)] = c.Subject.String()
	}
	compliance := ""
	if !resp.Compliance().Compliant() {
		compliance = resp.Compliance().String()
	}

	for _, sr := range req.Requests().Items() {
		serial := sr.CertID().SerialNumber()
		status := resp.Status().String()
		success := false
		if single, ok := resp.Responses().ByCertID(sr.CertID()); ok {
			status = single.Status().String()
			success = trustworthy(resp)
		}
		logger.LogAttrs(ctx, slog.LevelInfo, "OCSP check",
			slog.String("serial", serial),
			slog.String("status", status),
			slog.String("compliance", compliance))
		if err := audit.LogOCSPCheck(serial, subjects[serial], status, compliance, success); err != nil {
			return err
		}
	}
	return nil
}

var errNotGood = errors.New("certificate status check failed")

// trustworthy reports whether resp is signed by a valid signer and raises
// no compliance flag.
func trustworthy(resp *ocsp.Response) bool {
	return resp.SignatureValid() && resp.SignerValid() && resp.Compliance().Compliant()
}

func strictResult(resp *ocsp.Response) error {
	if !resp.SignatureValid() {
		return fmt.Errorf("%w: response signature is invalid", errNotGood)
	}
	if !resp.SignerValid() {
		return fmt.Errorf("%w: responder certificate is not trusted", errNotGood)
	}
	if !resp.Compliance().Compliant() {
		return fmt.Errorf("%w: response not compliant (%s)", errNotGood, resp.Compliance())
	}
	for _, sr := range resp.Responses().Items() {
		if sr.Status() != ocsp.CertStatusGood {
			return fmt.Errorf("%w: serial %s is %s", errNotGood, sr.CertID().SerialNumber(), sr.Status())
		}
	}
	return nil
}
