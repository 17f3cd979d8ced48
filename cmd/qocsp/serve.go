package main

import (
	"crypto/x509"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qocsp/internal/config"
	"github.com/remiblancher/qocsp/internal/log"
	"github.com/remiblancher/qocsp/internal/responder"
	"github.com/remiblancher/qocsp/internal/x509util"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run an OCSP responder",
	Long: `Run an OCSP responder (RFC 6960) over HTTP.

Certificate statuses come from a YAML status file, reloaded whenever it
changes:

  certificates:
    - serial: "0A:1B:2C"
      status: good
    - serial: "0x10"
      status: revoked
      revoked_at: 2024-05-01T10:00:00Z
      reason: keyCompromise

Serials absent from the file are answered "unknown". Requests naming
another issuer are answered "unauthorized".

Settings come from the responder section of --config; flags override
them.

Examples:
  qocsp serve --cert responder.crt --key responder.key --issuer ca.crt \
      --status status.yaml --listen :8080

  qocsp serve --config qocsp.yaml`,
	RunE: runServe,
}

var (
	serveListen     string
	serveCert       string
	serveKey        string
	serveIssuer     string
	serveStatus     string
	serveHash       string
	serveNextUpdate time.Duration
	serveByName     bool
)

func init() {
	flags := serveCmd.Flags()
	flags.StringVar(&serveListen, "listen", "", "Listen address (default: "+config.DefaultListen+")")
	flags.StringVar(&serveCert, "cert", "", "Responder certificate")
	flags.StringVar(&serveKey, "key", "", "Responder private key")
	flags.StringVar(&serveIssuer, "issuer", "", "CA certificate the responder answers for (default: --cert)")
	flags.StringVar(&serveStatus, "status", "", "Certificate status file (YAML)")
	flags.StringVar(&serveHash, "hash", "", "Signature hash algorithm (default: sha256)")
	flags.DurationVar(&serveNextUpdate, "next-update", 0, "Response validity (default: 1h)")
	flags.BoolVar(&serveByName, "by-name", false, "Identify the responder by name instead of key hash")
}

// applyServeFlags merges the serve flags into cfg.Responder.
func applyServeFlags(cmd *cobra.Command) {
	rc := &cfg.Responder
	if serveListen != "" {
		rc.Listen = serveListen
	}
	if serveCert != "" {
		rc.Cert = serveCert
	}
	if serveKey != "" {
		rc.Key = serveKey
	}
	if serveIssuer != "" {
		rc.Issuer = serveIssuer
	}
	if serveStatus != "" {
		rc.StatusFile = serveStatus
	}
	if serveHash != "" {
		rc.Hash = serveHash
	}
	if cmd.Flags().Changed("next-update") {
		rc.NextUpdate = serveNextUpdate
	}
	if cmd.Flags().Changed("by-name") {
		rc.ByName = serveByName
	}
}

// newResponderFromConfig loads the certificates and key named by
// cfg.Responder.
func newResponderFromConfig(cmd *cobra.Command) (*responder.Responder, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if err := cfg.ValidateResponder(); err != nil {
		return nil, err
	}
	rc := cfg.Responder

	cert, err := x509util.LoadCertificate(rc.Cert)
	if err != nil {
		return nil, fmt.Errorf("failed to load responder certificate: %w", err)
	}
	var issuer *x509.Certificate
	var chain []*x509.Certificate
	if rc.Issuer != "" {
		if issuer, err = x509util.LoadCertificate(rc.Issuer); err != nil {
			return nil, fmt.Errorf("failed to load issuer certificate: %w", err)
		}
		if !x509util.SameCertificate(issuer, cert) {
			chain = append(chain, issuer)
		}
	}

	passphrase, err := cfg.Passphrase()
	if err != nil {
		return nil, err
	}
	signer, err := loadSigner(rc.Key, rc.Hash, passphrase)
	if err != nil {
		return nil, err
	}

	ctx := cmd.Context()
	r, err := responder.New(ctx, responder.Options{
		Certificate: cert,
		Issuer:      issuer,
		Signer:      signer,
		Chain:       chain,
		StatusFile:  rc.StatusFile,
		NextUpdate:  rc.NextUpdate,
		ByName:      rc.ByName,
		Logger:      log.GetLogger(ctx),
	})
	if err != nil {
		_ = signer.KeyPair().Close()
		return nil, err
	}
	return r, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	applyServeFlags(cmd)

	r, err := newResponderFromConfig(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Starting OCSP responder on %s\n", cfg.Responder.Listen)
	fmt.Fprintf(out, "  Status file: %s (%d entries)\n", cfg.Responder.StatusFile, r.Status().Len())
	fmt.Fprintf(out, "  Press Ctrl+C to stop\n")

	return r.ListenAndServe(ctx, responder.ServerOptions{
		Addr:         cfg.Responder.Listen,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
}
