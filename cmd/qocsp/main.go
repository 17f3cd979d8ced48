// Command qocsp is an OCSP (RFC 6960) client, inspector and responder.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qocsp/internal/audit"
	"github.com/remiblancher/qocsp/internal/config"
	"github.com/remiblancher/qocsp/internal/log"
)

// Build-time variables (injected by GoReleaser)
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// Global flags
var (
	configPath   string
	auditLogPath string
	logLevel     string
	logFormat    string
)

// cfg is the effective configuration of the running command.
var cfg = config.Default()

func main() {
	if err := rootCmd.Execute(); err != nil {
		// PersistentPostRunE does not run after a failed command.
		_ = audit.Close()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "qocsp",
	Short: "OCSP client, inspector and responder",
	Long: `qocsp builds, sends and inspects OCSP (RFC 6960) requests and responses,
and runs a small OCSP responder backed by a YAML status table.

Supported key algorithms: RSA (PKCS#1 v1.5 and PSS), DSA, ECDSA.

Examples:
  # Check the revocation status of a certificate
  qocsp check --cert server.crt --issuer ca.crt

  # Build a request with a nonce and save it
  qocsp request --cert server.crt --issuer ca.crt --nonce --out req.der

  # Inspect a response
  qocsp info resp.der --issuer ca.crt

  # Generate a demo PKI and serve it
  qocsp demo --dir ./demo
  qocsp serve --config ./demo/qocsp.yaml`,
	Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if configPath == "" {
			configPath = os.Getenv("QOCSP_CONFIG")
		}
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return err
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}

		// Flags override the configuration file.
		if cmd.Flags().Changed("log-level") {
			cfg.Log.Level = logLevel
		}
		if cmd.Flags().Changed("log-format") {
			cfg.Log.Format = logFormat
		}
		if auditLogPath == "" {
			auditLogPath = os.Getenv("QOCSP_AUDIT_LOG")
		}
		if auditLogPath != "" {
			cfg.Audit.Path = auditLogPath
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}

		logger, err := log.New(cmd.ErrOrStderr(), cfg.Log.Level, cfg.Log.Format)
		if err != nil {
			return err
		}
		cmd.SetContext(log.WithLogger(cmd.Context(), logger))

		if cfg.Audit.Path != "" {
			if err := audit.InitFile(cfg.Audit.Path); err != nil {
				return fmt.Errorf("failed to initialize audit log: %w", err)
			}
		}
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		return audit.Close()
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "Configuration file (or set QOCSP_CONFIG env var)")
	flags.StringVar(&auditLogPath, "audit-log", "", "Path to audit log file (or set QOCSP_AUDIT_LOG env var)")
	flags.StringVar(&logLevel, "log-level", config.DefaultLogLevel, "Log level (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", config.DefaultLogFormat, "Log format (text, json)")

	rootCmd.AddCommand(requestCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(keyCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(demoCmd)
	rootCmd.AddCommand(auditCmd)
}
