package main

import (
	"crypto/x509"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	xocsp "golang.org/x/crypto/ocsp"

	"github.com/remiblancher/qocsp/internal/ocsp"
)

var infoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Display an OCSP response or request",
	Long: `Decode and display an OCSP response (default) or request (--request-file).

When the request a response answers is given with --request, the nonce
and CertID checks are performed too. --x-check decodes the response a
second time with golang.org/x/crypto/ocsp and compares the results.

Examples:
  qocsp info resp.der --issuer ca.crt
  qocsp info resp.der --issuer ca.crt --request req.der --x-check
  qocsp info req.der --request-file`,
	Args: cobra.ExactArgs(1),
	RunE: runInfo,
}

var (
	infoIssuer     string
	infoRequest    string
	infoIsRequest  bool
	infoCrossCheck bool
)

func init() {
	flags := infoCmd.Flags()
	flags.StringVar(&infoIssuer, "issuer", "", "Issuer certificate used to locate and verify the signer")
	flags.StringVar(&infoRequest, "request", "", "Request the response answers")
	flags.BoolVar(&infoIsRequest, "request-file", false, "The file is a request, not a response")
	flags.BoolVar(&infoCrossCheck, "x-check", false, "Cross-check with golang.org/x/crypto/ocsp")
}

func runInfo(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	der, err := readDERFile(args[0])
	if err != nil {
		return err
	}

	if infoIsRequest {
		req, err := ocsp.ParseRequest(der)
		if err != nil {
			return err
		}
		printRequest(out, req)
		if req.IsSigned() {
			if err := req.VerifySignature(); err != nil {
				fmt.Fprintf(out, "  Signature:  INVALID (%v)\n", err)
			} else {
				fmt.Fprintf(out, "  Signature:  valid\n")
			}
		}
		return nil
	}

	store, issuer, err := loadTrustStore(infoIssuer)
	if err != nil {
		return err
	}
	opts := ocsp.ParseOptions{Store: store}
	if infoRequest != "" {
		reqDER, err := readDERFile(infoRequest)
		if err != nil {
			return err
		}
		if opts.Request, err = ocsp.ParseRequest(reqDER); err != nil {
			return err
		}
	}

	resp, err := ocsp.ParseResponse(der, opts)
	if err != nil {
		return err
	}
	printResponse(out, resp)

	if infoCrossCheck {
		return crossCheck(out, der, resp, issuer)
	}
	return nil
}

var errCrossCheck = errors.New("x/crypto/ocsp disagrees")

// crossCheck decodes der with x/crypto/ocsp, one entry at a time, and
// compares status, times and reasons with resp.
func crossCheck(out io.Writer, der []byte, resp *ocsp.Response, issuer *x509.Certificate) error {
	fmt.Fprintf(out, "\nCross-check (golang.org/x/crypto/ocsp):\n")

	if resp.Status() != ocsp.StatusSuccessful {
		_, err := xocsp.ParseResponse(der, nil)
		var rerr xocsp.ResponseError
		if !errors.As(err, &rerr) || int(rerr.Status) != int(resp.Status()) {
			return fmt.Errorf("%w: response status (%v)", errCrossCheck, err)
		}
		fmt.Fprintf(out, "  Status: %s (agree)\n", resp.Status())
		return nil
	}

	for _, sr := range resp.Responses().Items() {
		serial := sr.CertID().Serial()
		x, err := xocsp.ParseResponseForCert(der, &x509.Certificate{SerialNumber: serial}, issuer)
		if err != nil {
			return fmt.Errorf("%w: serial %s: %v", errCrossCheck, sr.CertID().SerialNumber(), err)
		}
		switch {
		case x.Status != int(sr.Status()):
			return fmt.Errorf("%w: serial %s status %d", errCrossCheck, sr.CertID().SerialNumber(), x.Status)
		case !x.ThisUpdate.Equal(sr.ThisUpdate()):
			return fmt.Errorf("%w: serial %s thisUpdate %v", errCrossCheck, sr.CertID().SerialNumber(), x.ThisUpdate)
		case !x.NextUpdate.Equal(sr.NextUpdate()):
			return fmt.Errorf("%w: serial %s nextUpdate %v", errCrossCheck, sr.CertID().SerialNumber(), x.NextUpdate)
		case sr.Status() == ocsp.CertStatusRevoked && !x.RevokedAt.Equal(sr.RevocationTime()):
			return fmt.Errorf("%w: serial %s revokedAt %v", errCrossCheck, sr.CertID().SerialNumber(), x.RevokedAt)
		case sr.HasRevocationReason() && x.RevocationReason != int(sr.RevocationReason()):
			return fmt.Errorf("%w: serial %s reason %d", errCrossCheck, sr.CertID().SerialNumber(), x.RevocationReason)
		}
		fmt.Fprintf(out, "  [%s] %s (agree)\n", sr.CertID().SerialNumber(), sr.Status())
	}
	if issuer != nil {
		fmt.Fprintf(out, "  Signature verified against %s\n", issuer.Subject.String())
	}
	return nil
}
