package responder

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/qocsp/internal/ocsp"
)

// StatusEntry is one certificate of the YAML status table.
//
//	certificates:
//	  - serial: "0A:1B:2C"
//	    status: revoked
//	    revoked_at: 2024-05-01T10:00:00Z
//	    reason: keyCompromise
type StatusEntry struct {
	Serial    string    `yaml:"serial"`
	Status    string    `yaml:"status"`
	RevokedAt time.Time `yaml:"revoked_at,omitempty"`
	Reason    string    `yaml:"reason,omitempty"`
}

type statusDocument struct {
	Certificates []StatusEntry `yaml:"certificates"`
}

// CertificateStatus is the resolved status of one serial number.
type CertificateStatus struct {
	Status    ocsp.CertStatus
	RevokedAt time.Time
	Reason    ocsp.RevocationReason
}

// StatusTable maps serial numbers to certificate statuses. It is
// immutable once built.
type StatusTable struct {
	entries map[string]CertificateStatus
}

// EncodeStatusEntries renders entries as a YAML status file.
func EncodeStatusEntries(entries []StatusEntry) ([]byte, error) {
	data, err := yaml.Marshal(statusDocument{Certificates: entries})
	if err != nil {
		return nil, fmt.Errorf("failed to encode status file: %w", err)
	}
	return data, nil
}

// LoadStatusTable reads a YAML status table.
func LoadStatusTable(path string) (*StatusTable, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read status file: %w", err)
	}
	return ParseStatusTable(data)
}

// ParseStatusTable decodes a YAML status table. Serial numbers are hex,
// optionally colon-separated or prefixed with 0x.
func ParseStatusTable(data []byte) (*StatusTable, error) {
	var doc statusDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse status file: %w", err)
	}

	t := &StatusTable{entries: make(map[string]CertificateStatus, len(doc.Certificates))}
	for i, e := range doc.Certificates {
		serial, err := parseSerial(e.Serial)
		if err != nil {
			return nil, fmt.Errorf("certificates[%d]: %w", i, err)
		}
		key := ocsp.SerialHex(serial)
		if _, dup := t.entries[key]; dup {
			return nil, fmt.Errorf("certificates[%d]: duplicate serial %s", i, key)
		}

		status, err := ocsp.ParseCertStatus(strings.ToLower(strings.TrimSpace(e.Status)))
		if err != nil {
			return nil, fmt.Errorf("certificates[%d]: %w", i, err)
		}
		cs := CertificateStatus{Status: status, Reason: ocsp.ReasonNotGiven}
		if status == ocsp.CertStatusRevoked {
			if e.RevokedAt.IsZero() {
				return nil, fmt.Errorf("certificates[%d]: revoked_at is required for revoked serial %s", i, key)
			}
			cs.RevokedAt = e.RevokedAt.UTC()
			if cs.Reason, err = ocsp.ParseRevocationReason(e.Reason); err != nil {
				return nil, fmt.Errorf("certificates[%d]: %w", i, err)
			}
		}
		t.entries[key] = cs
	}
	return t, nil
}

func parseSerial(s string) (*big.Int, error) {
	clean := strings.TrimSpace(s)
	clean = strings.TrimPrefix(strings.TrimPrefix(clean, "0x"), "0X")
	clean = strings.ReplaceAll(clean, ":", "")
	if clean == "" {
		return nil, fmt.Errorf("serial is required")
	}
	n, ok := new(big.Int).SetString(clean, 16)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("invalid serial %q", s)
	}
	return n, nil
}

// Lookup returns the status recorded for serial.
func (t *StatusTable) Lookup(serial *big.Int) (CertificateStatus, bool) {
	if t == nil || serial == nil {
		return CertificateStatus{}, false
	}
	cs, ok := t.entries[ocsp.SerialHex(serial)]
	return cs, ok
}

// Len returns the number of entries.
func (t *StatusTable) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}
