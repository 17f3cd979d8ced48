package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qocsp/internal/audit"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log management",
	Long: `Commands for managing and verifying audit logs.

The audit log is a tamper-evident record of key usage, OCSP checks
and responder activity. Each event is chained to the previous one
with a SHA-256 hash.

Examples:
  # Verify audit log integrity
  qocsp audit verify --log /var/log/qocsp/audit.jsonl

  # Show last 10 events
  qocsp audit tail --log /var/log/qocsp/audit.jsonl -n 10`,
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify audit log integrity",
	Long: `Verify the hash chain of an audit log file.

Each event in the log contains:
  - hash_prev: SHA-256 hash of the previous event
  - hash: SHA-256 hash of the current event

The chain starts with hash_prev="sha256:genesis" for the first event.`,
	RunE: runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit events",
	Long:  `Display the most recent audit events from the log file.`,
	RunE:  runAuditTail,
}

var (
	auditLogFile  string
	auditTailNum  int
	auditShowJSON bool
)

func init() {
	auditVerifyCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (required)")
	_ = auditVerifyCmd.MarkFlagRequired("log")

	auditTailCmd.Flags().StringVar(&auditLogFile, "log", "", "Path to audit log file (required)")
	_ = auditTailCmd.MarkFlagRequired("log")
	auditTailCmd.Flags().IntVarP(&auditTailNum, "num", "n", 10, "Number of events to show")
	auditTailCmd.Flags().BoolVar(&auditShowJSON, "json", false, "Output as JSON")

	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Verifying audit log: %s\n\n", auditLogFile)

	count, err := audit.VerifyChain(auditLogFile)
	if err != nil {
		fmt.Fprintf(out, "VERIFICATION FAILED\n")
		fmt.Fprintf(out, "  Valid events: %d\n", count)
		fmt.Fprintf(out, "  Error: %s\n", err)
		return fmt.Errorf("audit log verification failed: %w", err)
	}

	fmt.Fprintf(out, "VERIFICATION PASSED\n")
	fmt.Fprintf(out, "  Total events: %d\n", count)
	fmt.Fprintf(out, "  Hash chain: VALID\n")
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	data, err := os.ReadFile(auditLogFile)
	if err != nil {
		return fmt.Errorf("failed to read audit log: %w", err)
	}

	if len(bytes.TrimSpace(data)) == 0 {
		fmt.Fprintln(out, "Audit log is empty")
		return nil
	}

	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			lines = append(lines, line)
		}
	}

	if len(lines) > auditTailNum {
		lines = lines[len(lines)-auditTailNum:]
	}

	if auditShowJSON {
		fmt.Fprintln(out, "[")
		for i, line := range lines {
			if i > 0 {
				fmt.Fprintln(out, ",")
			}
			fmt.Fprint(out, line)
		}
		fmt.Fprintln(out, "\n]")
		return nil
	}

	for _, line := range lines {
		var event audit.Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			fmt.Fprintf(out, "  [ERROR] %s\n", err)
			continue
		}
		printEvent(out, &event)
	}
	return nil
}

func printEvent(out io.Writer, e *audit.Event) {
	resultIcon := "✓"
	if e.Result == audit.ResultFailure {
		resultIcon = "✗"
	}

	fmt.Fprintf(out, "[%s] %s %s\n", e.Timestamp, resultIcon, e.EventType)
	fmt.Fprintf(out, "    Actor:  %s@%s\n", e.Actor.ID, e.Actor.Host)

	if e.Object.Type != "" {
		fmt.Fprintf(out, "    Object: %s", e.Object.Type)
		if e.Object.Serial != "" {
			fmt.Fprintf(out, " serial=%s", e.Object.Serial)
		}
		if e.Object.Subject != "" {
			fmt.Fprintf(out, " subject=%s", e.Object.Subject)
		}
		if e.Object.Path != "" {
			fmt.Fprintf(out, " path=%s", e.Object.Path)
		}
		if e.Object.URL != "" {
			fmt.Fprintf(out, " url=%s", e.Object.URL)
		}
		fmt.Fprintln(out)
	}

	c := e.Context
	if c.Algorithm != "" || c.Method != "" || c.Status != "" || c.Compliance != "" || c.Reason != "" {
		fmt.Fprint(out, "    Context:")
		if c.Algorithm != "" {
			fmt.Fprintf(out, " algorithm=%s", c.Algorithm)
		}
		if c.Method != "" {
			fmt.Fprintf(out, " method=%s", c.Method)
		}
		if c.Status != "" {
			fmt.Fprintf(out, " status=%s", c.Status)
		}
		if c.Compliance != "" {
			fmt.Fprintf(out, " compliance=%s", c.Compliance)
		}
		if c.Reason != "" {
			fmt.Fprintf(out, " reason=%s", c.Reason)
		}
		fmt.Fprintln(out)
	}

	fmt.Fprintln(out)
}
