// Package config loads the qocsp YAML configuration file.
package config

import (
	"crypto"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
	"github.com/remiblancher/qocsp/internal/log"
	"github.com/remiblancher/qocsp/internal/ocsp"
	"github.com/remiblancher/qocsp/internal/truststore"
)

// Defaults applied by Load and Default.
const (
	DefaultMethod     = "auto"
	DefaultHash       = "sha1"
	DefaultSignHash   = "sha256"
	DefaultTimeout    = 10 * time.Second
	DefaultListen     = "127.0.0.1:8080"
	DefaultNextUpdate = time.Hour
	DefaultLogLevel   = "info"
	DefaultLogFormat  = "text"
)

// Config represents the YAML configuration.
type Config struct {
	Client    ClientConfig    `yaml:"client"`
	Trust     TrustConfig     `yaml:"trust"`
	Responder ResponderConfig `yaml:"responder"`
	Log       LogConfig       `yaml:"log"`
	Audit     AuditConfig     `yaml:"audit"`
}

// ClientConfig holds the request side settings.
type ClientConfig struct {
	// Method is auto, get or post.
	Method string `yaml:"method"`

	// Timeout bounds a whole HTTP exchange.
	Timeout time.Duration `yaml:"timeout"`

	// Hash is the CertID hash algorithm.
	Hash string `yaml:"hash"`

	// Nonce adds a random nonce extension to requests.
	Nonce bool `yaml:"nonce"`

	// URL overrides the responder URL of the certificates.
	URL string `yaml:"url"`
}

// TrustConfig lists the certificates used to validate responders.
type TrustConfig struct {
	// Roots are trust anchor files or directories.
	Roots []string `yaml:"roots"`

	// CAs are intermediate certificate files or directories.
	CAs []string `yaml:"cas"`

	// System adds the system root pool.
	System bool `yaml:"system"`
}

// ResponderConfig configures `qocsp serve`.
type ResponderConfig struct {
	Listen string `yaml:"listen"`

	// Cert is the responder certificate, Issuer the CA it answers for.
	Cert   string `yaml:"cert"`
	Key    string `yaml:"key"`
	Issuer string `yaml:"issuer"`

	// PassphraseEnv names the environment variable holding the key
	// passphrase.
	PassphraseEnv string `yaml:"passphrase_env"`

	// StatusFile is the YAML certificate status table.
	StatusFile string `yaml:"status_file"`

	// Hash is the response signature digest.
	Hash string `yaml:"hash"`

	NextUpdate time.Duration `yaml:"next_update"`

	// ByName identifies the responder by subject name instead of key hash.
	ByName bool `yaml:"by_name"`
}

// LogConfig selects the technical log output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuditConfig selects the audit log output.
type AuditConfig struct {
	// Path is the JSONL audit file; empty disables auditing.
	Path string `yaml:"path"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads, defaults and validates the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML configuration document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Client.Method == "" {
		c.Client.Method = DefaultMethod
	}
	if c.Client.Hash == "" {
		c.Client.Hash = DefaultHash
	}
	if c.Client.Timeout == 0 {
		c.Client.Timeout = DefaultTimeout
	}
	if c.Responder.Listen == "" {
		c.Responder.Listen = DefaultListen
	}
	if c.Responder.Hash == "" {
		c.Responder.Hash = DefaultSignHash
	}
	if c.Responder.NextUpdate == 0 {
		c.Responder.NextUpdate = DefaultNextUpdate
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
	if c.Log.Format == "" {
		c.Log.Format = DefaultLogFormat
	}
}

// Validate checks that the configuration is consistent.
func (c *Config) Validate() error {
	if _, err := ocsp.ParseMethod(c.Client.Method); err != nil {
		return fmt.Errorf("client.method: %w", err)
	}
	if c.Client.Timeout < 0 {
		return fmt.Errorf("client.timeout must not be negative")
	}
	if _, err := pkicrypto.ParseHashAlgorithm(c.Client.Hash); err != nil {
		return fmt.Errorf("client.hash: %w", err)
	}
	if _, err := pkicrypto.ParseHashAlgorithm(c.Responder.Hash); err != nil {
		return fmt.Errorf("responder.hash: %w", err)
	}
	if c.Responder.NextUpdate < 0 {
		return fmt.Errorf("responder.next_update must not be negative")
	}
	if _, err := log.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	switch log.Format(c.Log.Format) {
	case log.FormatText, log.FormatJSON:
	default:
		return fmt.Errorf("log.format: unsupported format %q (expected text or json)", c.Log.Format)
	}
	return nil
}

// ValidateResponder checks the settings required by `qocsp serve`.
func (c *Config) ValidateResponder() error {
	if c.Responder.Cert == "" {
		return fmt.Errorf("responder.cert is required")
	}
	if c.Responder.Key == "" {
		return fmt.Errorf("responder.key is required")
	}
	if c.Responder.StatusFile == "" {
		return fmt.Errorf("responder.status_file is required")
	}
	return nil
}

// ClientMethod returns the configured transport.
func (c *Config) ClientMethod() ocsp.Method {
	m, _ := ocsp.ParseMethod(c.Client.Method)
	return m
}

// ClientHash returns the configured CertID hash.
func (c *Config) ClientHash() crypto.Hash {
	h, _ := pkicrypto.ParseHashAlgorithm(c.Client.Hash)
	return h
}

// ResponderHash returns the configured response signature digest.
func (c *Config) ResponderHash() crypto.Hash {
	h, _ := pkicrypto.ParseHashAlgorithm(c.Responder.Hash)
	return h
}

// Passphrase returns the responder key passphrase from the environment,
// nil when none is configured.
func (c *Config) Passphrase() ([]byte, error) {
	if c.Responder.PassphraseEnv == "" {
		return nil, nil
	}
	pass := os.Getenv(c.Responder.PassphraseEnv)
	if pass == "" {
		return nil, fmt.Errorf("environment variable %s is not set or empty", c.Responder.PassphraseEnv)
	}
	return []byte(pass), nil
}

// TrustStore builds the certificate store described by the trust section.
func (c *Config) TrustStore() (*truststore.Store, error) {
	store := truststore.New()
	store.UseSystemRoots(c.Trust.System)
	for _, p := range c.Trust.Roots {
		if err := store.LoadPath(truststore.KindRoot, p); err != nil {
			return nil, fmt.Errorf("failed to load trust root: %w", err)
		}
	}
	for _, p := range c.Trust.CAs {
		if err := store.LoadPath(truststore.KindCA, p); err != nil {
			return nil, fmt.Errorf("failed to load CA certificate: %w", err)
		}
	}
	return store, nil
}
