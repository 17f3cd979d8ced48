package main

import (
	"crypto"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qocsp/internal/audit"
	"github.com/remiblancher/qocsp/internal/config"
	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/ocsp"
	"github.com/remiblancher/qocsp/internal/responder"
	"github.com/remiblancher/qocsp/internal/x509util"
)

var demoCmd = &cobra.Command{
	Use:   "demo",
	Short: "Create a demo PKI for the responder",
	Long: `Create a small PKI to try the responder and the client:

  ca.crt, ca.key                 Root CA
  responder.crt, responder.key   Delegated OCSP responder (id-kp-OCSPSigning, ocsp-nocheck)
  good.crt                       Leaf marked good
  revoked.crt                    Leaf marked revoked (keyCompromise)
  unknown.crt                    Leaf absent from the status file
  status.yaml                    Status file
  qocsp.yaml                     Configuration for 'qocsp serve' and 'qocsp check'

Examples:
  qocsp demo --dir ./demo
  qocsp serve --config ./demo/qocsp.yaml
  qocsp check --config ./demo/qocsp.yaml --cert ./demo/revoked.crt --issuer ./demo/ca.crt`,
	RunE: runDemo,
}

var (
	demoDir       string
	demoAlgorithm string
	demoListen    string
	demoForce     bool
)

func init() {
	flags := demoCmd.Flags()
	flags.StringVarP(&demoDir, "dir", "d", "", "Output directory (required)")
	flags.StringVarP(&demoAlgorithm, "algorithm", "a", string(pkicrypto.KeySpecECDSAP256), "Key algorithm (ecdsa-*, rsa-*)")
	flags.StringVar(&demoListen, "listen", config.DefaultListen, "Responder address written to the certificates and configuration")
	flags.BoolVar(&demoForce, "force", false, "Overwrite existing files")
	_ = demoCmd.MarkFlagRequired("dir")
}

// demoKey is a generated key with its Signer.
type demoKey struct {
	kp     pkicrypto.KeyPair
	signer *pkicrypto.Signer
}

func newDemoKey(spec pkicrypto.KeySpec, path string) (*demoKey, error) {
	kp, err := pkicrypto.GenerateKeyPair(spec)
	if err != nil {
		_ = audit.LogKeyGenerated(path, string(spec), false)
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	signer, err := pkicrypto.NewSigner(kp, crypto.SHA256)
	if err != nil {
		_ = kp.Close()
		return nil, err
	}
	if path != "" {
		if err := pkicrypto.SaveKeyPair(kp, path, nil); err != nil {
			_ = kp.Close()
			_ = audit.LogKeyGenerated(path, string(spec), false)
			return nil, err
		}
		if err := audit.LogKeyGenerated(path, string(spec), true); err != nil {
			_ = kp.Close()
			return nil, err
		}
	}
	return &demoKey{kp: kp, signer: signer}, nil
}

func (k *demoKey) Close() error { return k.kp.Close() }

func runDemo(cmd *cobra.Command, args []string) error {
	spec, err := pkicrypto.ParseKeySpec(demoAlgorithm)
	if err != nil {
		return fmt.Errorf("invalid algorithm: %w", err)
	}
	switch spec {
	case pkicrypto.KeySpecDSA1024, pkicrypto.KeySpecDSA2048:
		return fmt.Errorf("DSA keys cannot issue X.509 certificates, use ecdsa-* or rsa-*")
	}

	if err := os.MkdirAll(demoDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	path := func(name string) string { return filepath.Join(demoDir, name) }
	if !demoForce {
		if _, err := os.Stat(path("ca.crt")); err == nil {
			return fmt.Errorf("%s already contains a demo PKI (use --force to overwrite)", demoDir)
		}
	}
	url := "http://" + demoListen

	caKey, err := newDemoKey(spec, path("ca.key"))
	if err != nil {
		return err
	}
	defer func() { _ = caKey.Close() }()
	caCert, caDER, err := x509util.NewCertificateBuilder().
		CommonName("qocsp Demo Root CA").
		Organization("qocsp demo").
		ValidFor(10*365*24*time.Hour).
		CA(1).
		BuildAndSign(caKey.kp.Public(), nil, caKey.signer)
	if err != nil {
		return fmt.Errorf("failed to create CA: %w", err)
	}

	respKey, err := newDemoKey(spec, path("responder.key"))
	if err != nil {
		return err
	}
	defer func() { _ = respKey.Close() }()
	_, respDER, err := x509util.NewCertificateBuilder().
		CommonName("qocsp Demo OCSP Responder").
		Organization("qocsp demo").
		ValidFor(365*24*time.Hour).
		EndEntity().
		OCSPSigning().
		OCSPNoCheck().
		BuildAndSign(respKey.kp.Public(), caCert, caKey.signer)
	if err != nil {
		return fmt.Errorf("failed to create responder certificate: %w", err)
	}

	leaves := map[string]*x509.Certificate{}
	for _, name := range []string{"good", "revoked", "unknown"} {
		leafKey, err := newDemoKey(spec, "")
		if err != nil {
			return err
		}
		leaf, der, err := x509util.NewCertificateBuilder().
			CommonName(name+".demo.example").
			DNSNames(name+".demo.example").
			ValidFor(90*24*time.Hour).
			TLSServer().
			OCSPServers(url).
			BuildAndSign(leafKey.kp.Public(), caCert, caKey.signer)
		_ = leafKey.Close()
		if err != nil {
			return fmt.Errorf("failed to create %s certificate: %w", name, err)
		}
		if err := writeOutput(path(name+".crt"), der, true, "CERTIFICATE"); err != nil {
			return err
		}
		leaves[name] = leaf
	}

	if err := writeOutput(path("ca.crt"), caDER, true, "CERTIFICATE"); err != nil {
		return err
	}
	if err := writeOutput(path("responder.crt"), respDER, true, "CERTIFICATE"); err != nil {
		return err
	}

	status, err := responder.EncodeStatusEntries([]responder.StatusEntry{
		{Serial: ocsp.SerialHex(leaves["good"].SerialNumber), Status: ocsp.CertStatusGood.String()},
		{
			Serial:    ocsp.SerialHex(leaves["revoked"].SerialNumber),
			Status:    ocsp.CertStatusRevoked.String(),
			RevokedAt: time.Now().UTC().Truncate(time.Second),
			Reason:    ocsp.ReasonKeyCompromise.String(),
		},
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path("status.yaml"), status, 0644); err != nil {
		return fmt.Errorf("failed to write status file: %w", err)
	}

	demoCfg := config.Default()
	demoCfg.Client.URL = url
	demoCfg.Client.Nonce = true
	demoCfg.Trust.Roots = []string{path("ca.crt")}
	demoCfg.Responder.Listen = demoListen
	demoCfg.Responder.Cert = path("responder.crt")
	demoCfg.Responder.Key = path("responder.key")
	demoCfg.Responder.Issuer = path("ca.crt")
	demoCfg.Responder.StatusFile = path("status.yaml")
	cfgData, err := yaml.Marshal(demoCfg)
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	if err := os.WriteFile(path("qocsp.yaml"), cfgData, 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Demo PKI created in %s\n", demoDir)
	fmt.Fprintf(out, "  Algorithm:   %s\n", spec)
	fmt.Fprintf(out, "  CA:          %s\n", caCert.Subject.String())
	fmt.Fprintf(out, "  Responder:   %s\n", url)
	for _, name := range []string{"good", "revoked", "unknown"} {
		fmt.Fprintf(out, "  %-12s %s\n", name+":", ocsp.SerialHex(leaves[name].SerialNumber))
	}
	fmt.Fprintf(out, "\nNext steps:\n")
	fmt.Fprintf(out, "  qocsp serve --config %s\n", path("qocsp.yaml"))
	fmt.Fprintf(out, "  qocsp check --config %s --cert %s\n", path("qocsp.yaml"), path("revoked.crt"))
	return nil
}
