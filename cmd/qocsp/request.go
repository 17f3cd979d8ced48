package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qocsp/internal/config"
	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/ocsp"
	"github.com/remiblancher/qocsp/internal/x509util"
)

var requestCmd = &cobra.Command{
	Use:   "request",
	Short: "Create an OCSP request",
	Long: `Create an OCSP request for one or more certificates and save it as DER.

The issuer is taken from --issuer, or looked up in the configured
trust store. The request may be signed with --sign-key/--sign-cert.

Examples:
  # Unsigned request with a nonce
  qocsp request --cert server.crt --issuer ca.crt --nonce --out req.der

  # Several certificates, SHA-256 CertIDs
  qocsp request --cert a.crt --cert b.crt --issuer ca.crt --hash sha256 --out req.der

  # Signed request including the signer chain
  qocsp request --cert server.crt --issuer ca.crt \
      --sign-key client.key --sign-cert client.crt --full-chain --out req.der`,
	RunE: runRequest,
}

var (
	requestCerts          []string
	requestIssuer         string
	requestHash           string
	requestNonce          bool
	requestURL            string
	requestServiceLocator bool
	requestSignKey        string
	requestSignCert       string
	requestSignHash       string
	requestPassphrase     string
	requestFullChain      bool
	requestOutput         string
	requestPEM            bool
)

func init() {
	flags := requestCmd.Flags()
	flags.StringSliceVar(&requestCerts, "cert", nil, "Certificate(s) to check (required, repeatable)")
	flags.StringVar(&requestIssuer, "issuer", "", "Issuer certificate (default: looked up in trust store)")
	flags.StringVar(&requestHash, "hash", config.DefaultHash, "CertID hash algorithm (sha1, sha256, sha384, sha512)")
	flags.BoolVar(&requestNonce, "nonce", false, "Add a nonce extension")
	flags.StringVar(&requestURL, "url", "", "Responder URL recorded with the request")
	flags.BoolVar(&requestServiceLocator, "service-locator", false, "Add a service locator extension per certificate")
	flags.StringVar(&requestSignKey, "sign-key", "", "Private key to sign the request")
	flags.StringVar(&requestSignCert, "sign-cert", "", "Certificate of the signing key")
	flags.StringVar(&requestSignHash, "sign-hash", "sha256", "Signature hash algorithm")
	flags.StringVar(&requestPassphrase, "passphrase", "", "Passphrase of the signing key")
	flags.BoolVar(&requestFullChain, "full-chain", false, "Attach the signer chain instead of the signer certificate alone")
	flags.StringVarP(&requestOutput, "out", "o", "", "Output file (required)")
	flags.BoolVar(&requestPEM, "pem", false, "Write PEM instead of DER")

	_ = requestCmd.MarkFlagRequired("cert")
	_ = requestCmd.MarkFlagRequired("out")
}

func runRequest(cmd *cobra.Command, args []string) error {
	if !cmd.Flags().Changed("hash") {
		requestHash = cfg.Client.Hash
	}
	if !cmd.Flags().Changed("nonce") {
		requestNonce = cfg.Client.Nonce
	}
	if requestURL == "" {
		requestURL = cfg.Client.URL
	}
	if (requestSignKey == "") != (requestSignCert == "") {
		return fmt.Errorf("--sign-key and --sign-cert must be used together")
	}

	builder, err := newRequestBuilder(requestCerts, requestIssuer, requestHash)
	if err != nil {
		return err
	}
	builder.SetNonce(requestNonce).
		SetURL(requestURL).
		SetServiceLocator(requestServiceLocator)

	var req *ocsp.Request
	if requestSignKey != "" {
		signCert, err := x509util.LoadCertificate(requestSignCert)
		if err != nil {
			return fmt.Errorf("failed to load signer certificate: %w", err)
		}
		signer, err := loadSigner(requestSignKey, requestSignHash, passphraseBytes(requestPassphrase))
		if err != nil {
			return err
		}
		defer func() { _ = signer.KeyPair().Close() }()

		store, _, err := loadTrustStore(requestIssuer)
		if err != nil {
			return err
		}
		req, err = builder.Sign(signer, signCert, ocsp.SignOptions{
			IncludeFullChain: requestFullChain,
			Store:            store,
		})
		if err != nil {
			return err
		}
	} else {
		req, err = builder.Encode()
		if err != nil {
			return err
		}
	}

	if err := writeOutput(requestOutput, req.Raw(), requestPEM, "OCSP REQUEST"); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printRequest(out, req)
	fmt.Fprintf(out, "\nRequest written to %s\n", requestOutput)
	return nil
}

// newRequestBuilder loads certPaths and starts a request for them with
// CertIDs hashed by hashName.
func newRequestBuilder(certPaths []string, issuerPath, hashName string) (*ocsp.RequestBuilder, error) {
	h, err := pkicrypto.ParseHashAlgorithm(hashName)
	if err != nil {
		return nil, err
	}
	certs, err := loadCertificateFiles(certPaths)
	if err != nil {
		return nil, err
	}
	store, issuer, err := loadTrustStore(issuerPath)
	if err != nil {
		return nil, err
	}

	var builder *ocsp.RequestBuilder
	if issuer != nil {
		builder, err = ocsp.NewRequestForCertificates(certs, issuer)
	} else {
		builder, err = ocsp.NewRequestForCertificatesFromStore(certs, store)
	}
	if err != nil {
		return nil, err
	}
	return builder.SetHashAlgorithm(h), nil
}
