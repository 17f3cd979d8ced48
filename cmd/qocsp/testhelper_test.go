package main

import (
	"bytes"
	"context"
	"crypto"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/remiblancher/qocsp/internal/audit"
	"github.com/remiblancher/qocsp/internal/config"
	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/responder"
	"github.com/remiblancher/qocsp/internal/x509util"
)

// executeCommand executes a Cobra command with the given args and returns output.
func executeCommand(root *cobra.Command, args ...string) (output string, err error) {
	clearChangedFlags(root)

	buf := new(bytes.Buffer)
	root.SetOut(buf)
	root.SetErr(buf)
	root.SetArgs(args)

	err = root.Execute()
	return buf.String(), err
}

// clearChangedFlags resets the Changed marks cobra keeps between runs.
func clearChangedFlags(cmd *cobra.Command) {
	unset := func(f *pflag.Flag) { f.Changed = false }
	cmd.Flags().VisitAll(unset)
	cmd.PersistentFlags().VisitAll(unset)
	for _, c := range cmd.Commands() {
		clearChangedFlags(c)
	}
}

// resetGlobalFlags resets the root command flags and configuration.
func resetGlobalFlags() {
	configPath = ""
	auditLogPath = ""
	logLevel = config.DefaultLogLevel
	logFormat = config.DefaultLogFormat
	cfg = config.Default()
}

// testContext holds test resources.
type testContext struct {
	t       *testing.T
	tempDir string
}

// newTestContext creates a new test context with a temp directory.
func newTestContext(t *testing.T) *testContext {
	t.Helper()
	resetGlobalFlags()
	t.Setenv("QOCSP_CONFIG", "")
	t.Setenv("QOCSP_AUDIT_LOG", "")
	t.Cleanup(func() { _ = audit.Close() })
	return &testContext{t: t, tempDir: t.TempDir()}
}

// path returns a path within the temp directory.
func (tc *testContext) path(name string) string {
	return filepath.Join(tc.tempDir, name)
}

// writeFile writes content to a file in the temp directory.
func (tc *testContext) writeFile(name, content string) string {
	tc.t.Helper()
	path := tc.path(name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		tc.t.Fatalf("Failed to write file %s: %v", name, err)
	}
	return path
}

// demoPKI runs `qocsp demo` into the temp directory and returns its path.
func (tc *testContext) demoPKI(algorithm string) string {
	tc.t.Helper()
	resetDemoFlags()
	dir := tc.path("demo")
	if out, err := executeCommand(rootCmd, "demo", "--dir", dir, "--algorithm", algorithm); err != nil {
		tc.t.Fatalf("demo failed: %v\n%s", err, out)
	}
	return dir
}

// startResponder serves the demo PKI in dir over httptest.
func (tc *testContext) startResponder(dir string) *httptest.Server {
	tc.t.Helper()
	cert, err := x509util.LoadCertificate(filepath.Join(dir, "responder.crt"))
	if err != nil {
		tc.t.Fatalf("LoadCertificate() error = %v", err)
	}
	issuer, err := x509util.LoadCertificate(filepath.Join(dir, "ca.crt"))
	if err != nil {
		tc.t.Fatalf("LoadCertificate() error = %v", err)
	}
	kp, err := pkicrypto.LoadKeyPair(filepath.Join(dir, "responder.key"), nil)
	if err != nil {
		tc.t.Fatalf("LoadKeyPair() error = %v", err)
	}
	tc.t.Cleanup(func() { _ = kp.Close() })
	signer, err := pkicrypto.NewSigner(kp, crypto.SHA256)
	if err != nil {
		tc.t.Fatalf("NewSigner() error = %v", err)
	}

	r, err := responder.New(context.Background(), responder.Options{
		Certificate: cert,
		Issuer:      issuer,
		Signer:      signer,
		StatusFile:  filepath.Join(dir, "status.yaml"),
		NextUpdate:  config.DefaultNextUpdate,
	})
	if err != nil {
		tc.t.Fatalf("responder.New() error = %v", err)
	}
	srv := httptest.NewServer(r.Handler())
	tc.t.Cleanup(srv.Close)
	return srv
}

func assertFileExists(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Errorf("Expected file to exist: %s", path)
	}
}

func assertContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Errorf("output should contain %q, got:\n%s", want, output)
	}
}

// =============================================================================
// Flag Reset Functions
// =============================================================================

func resetKeyFlags() {
	keyGenAlgorithm = string(pkicrypto.KeySpecECDSAP256)
	keyGenOutput = ""
	keyGenPassphrase = ""
	keyInfoPassphrase = ""
	keyPath = ""
	keyPassphrase = ""
	keyHash = "sha256"
	keyPadding = "pkcs1v15"
	keySaltLength = 0
	keyInput = ""
	keyOutput = ""
	keySignature = ""
}

func resetDemoFlags() {
	demoDir = ""
	demoAlgorithm = string(pkicrypto.KeySpecECDSAP256)
	demoListen = config.DefaultListen
	demoForce = false
}

func resetRequestFlags() {
	requestCerts = nil
	requestIssuer = ""
	requestHash = config.DefaultHash
	requestNonce = false
	requestURL = ""
	requestServiceLocator = false
	requestSignKey = ""
	requestSignCert = ""
	requestSignHash = "sha256"
	requestPassphrase = ""
	requestFullChain = false
	requestOutput = ""
	requestPEM = false
}

func resetCheckFlags() {
	checkCerts = nil
	checkIssuer = ""
	checkURL = ""
	checkMethod = config.DefaultMethod
	checkHash = config.DefaultHash
	checkNonce = false
	checkTimeout = config.DefaultTimeout
	checkOutput = ""
	checkStrict = false
}

func resetInfoFlags() {
	infoIssuer = ""
	infoRequest = ""
	infoIsRequest = false
	infoCrossCheck = false
}

func resetServeFlags() {
	serveListen = ""
	serveCert = ""
	serveKey = ""
	serveIssuer = ""
	serveStatus = ""
	serveHash = ""
	serveNextUpdate = 0
	serveByName = false
}

func resetAuditFlags() {
	auditLogFile = ""
	auditTailNum = 10
	auditShowJSON = false
}
