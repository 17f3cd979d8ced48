package main

import (
	"encoding/hex"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/remiblancher/qocsp/internal/audit"
	pkicrypto "github.com/remiblancher/qocsp/internal/crypto"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Key management commands",
	Long:  `Commands for generating, inspecting and using RSA, DSA and ECDSA keys.`,
}

var keyGenCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generate a key pair",
	Long: `Generate a new key pair and save it as PKCS#8 PEM.

Supported algorithms:
  ecdsa-p224   - ECDSA with P-224 curve
  ecdsa-p256   - ECDSA with P-256 curve (default)
  ecdsa-p384   - ECDSA with P-384 curve
  ecdsa-p521   - ECDSA with P-521 curve
  rsa-2048     - RSA 2048-bit
  rsa-3072     - RSA 3072-bit
  rsa-4096     - RSA 4096-bit
  dsa-1024     - DSA L=1024, N=160
  dsa-2048     - DSA L=2048, N=256

Examples:
  qocsp key gen --algorithm ecdsa-p384 --out responder.key
  qocsp key gen --algorithm rsa-2048 --out responder.key --passphrase secret`,
	RunE: runKeyGen,
}

var keyInfoCmd = &cobra.Command{
	Use:   "info <file>",
	Short: "Display key information",
	Long: `Display the algorithm and size of a private key, public key or
certificate file (PEM or DER).

Examples:
  qocsp key info responder.key
  qocsp key info responder.crt`,
	Args: cobra.ExactArgs(1),
	RunE: runKeyInfo,
}

var keySignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a file",
	Long: `Sign the content of a file and write the raw signature.

RSA keys sign with PKCS#1 v1.5 unless --padding pss is given. DSA keys
always sign with SHA-1.

Examples:
  qocsp key sign --key responder.key --in data.bin --out data.sig
  qocsp key sign --key rsa.key --hash sha384 --padding pss --in data.bin --out data.sig`,
	RunE: runKeySign,
}

var keyVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify a file signature",
	Long: `Verify a raw signature made by 'qocsp key sign'. The key may be a
private key, a public key or a certificate.

Examples:
  qocsp key verify --key responder.crt --in data.bin --sig data.sig`,
	RunE: runKeyVerify,
}

var (
	keyGenAlgorithm  string
	keyGenOutput     string
	keyGenPassphrase string

	keyInfoPassphrase string

	keyPath       string
	keyPassphrase string
	keyHash       string
	keyPadding    string
	keySaltLength int
	keyInput      string
	keyOutput     string
	keySignature  string
)

func init() {
	keyGenCmd.Flags().StringVarP(&keyGenAlgorithm, "algorithm", "a", string(pkicrypto.KeySpecECDSAP256), "Key algorithm")
	keyGenCmd.Flags().StringVarP(&keyGenOutput, "out", "o", "", "Output file (required)")
	keyGenCmd.Flags().StringVar(&keyGenPassphrase, "passphrase", "", "Encrypt the key with this passphrase")
	_ = keyGenCmd.MarkFlagRequired("out")

	keyInfoCmd.Flags().StringVar(&keyInfoPassphrase, "passphrase", "", "Passphrase of an encrypted key")

	for _, c := range []*cobra.Command{keySignCmd, keyVerifyCmd} {
		c.Flags().StringVarP(&keyPath, "key", "k", "", "Key file (required)")
		c.Flags().StringVar(&keyPassphrase, "passphrase", "", "Passphrase of an encrypted key")
		c.Flags().StringVar(&keyHash, "hash", "sha256", "Hash algorithm (md5, sha1, sha256, sha384, sha512)")
		c.Flags().StringVar(&keyPadding, "padding", "pkcs1v15", "RSA padding (pkcs1v15, pss)")
		c.Flags().IntVar(&keySaltLength, "salt-length", 0, "PSS salt length (default: hash size)")
		c.Flags().StringVar(&keyInput, "in", "", "Data file (required)")
		_ = c.MarkFlagRequired("key")
		_ = c.MarkFlagRequired("in")
	}
	keySignCmd.Flags().StringVarP(&keyOutput, "out", "o", "", "Signature output file (required)")
	_ = keySignCmd.MarkFlagRequired("out")
	keyVerifyCmd.Flags().StringVar(&keySignature, "sig", "", "Signature file (required)")
	_ = keyVerifyCmd.MarkFlagRequired("sig")

	keyCmd.AddCommand(keyGenCmd)
	keyCmd.AddCommand(keyInfoCmd)
	keyCmd.AddCommand(keySignCmd)
	keyCmd.AddCommand(keyVerifyCmd)
}

func runKeyGen(cmd *cobra.Command, args []string) error {
	spec, err := pkicrypto.ParseKeySpec(keyGenAlgorithm)
	if err != nil {
		return fmt.Errorf("invalid algorithm: %w", err)
	}

	kp, err := pkicrypto.GenerateKeyPair(spec)
	if err != nil {
		_ = audit.LogKeyGenerated(keyGenOutput, string(spec), false)
		return fmt.Errorf("failed to generate key: %w", err)
	}
	defer func() { _ = kp.Close() }()

	if err := pkicrypto.SaveKeyPair(kp, keyGenOutput, passphraseBytes(keyGenPassphrase)); err != nil {
		_ = audit.LogKeyGenerated(keyGenOutput, string(spec), false)
		return fmt.Errorf("failed to save key: %w", err)
	}
	if err := audit.LogKeyGenerated(keyGenOutput, string(spec), true); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key pair generated successfully!\n")
	fmt.Fprintf(out, "  Algorithm: %s\n", spec)
	fmt.Fprintf(out, "  Key file:  %s\n", keyGenOutput)
	if keyGenPassphrase != "" {
		fmt.Fprintf(out, "  Encrypted: yes\n")
	}
	return nil
}

func runKeyInfo(cmd *cobra.Command, args []string) error {
	kp, err := pkicrypto.LoadKeyPair(args[0], passphraseBytes(keyInfoPassphrase))
	if err != nil {
		return err
	}
	defer func() { _ = kp.Close() }()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Key: %s\n", args[0])
	fmt.Fprintf(out, "  Algorithm: %s\n", kp.Algorithm())
	fmt.Fprintf(out, "  OID:       %s\n", kp.OID())
	fmt.Fprintf(out, "  Size:      %s\n", keySize(kp))
	if kp.IsPublicOnly() {
		fmt.Fprintf(out, "  Type:      public\n")
	} else {
		fmt.Fprintf(out, "  Type:      private\n")
	}

	spki, err := pkicrypto.MarshalPKIXPublicKey(kp)
	if err == nil {
		fmt.Fprintf(out, "  SPKI:      %d bytes\n", len(spki))
	}
	return nil
}

// keySize describes the strength of kp: modulus, prime or curve size.
func keySize(kp pkicrypto.KeyPair) string {
	switch k := kp.(type) {
	case *pkicrypto.RSAKeyPair:
		return fmt.Sprintf("%d bits", k.N.BitLen())
	case *pkicrypto.DSAKeyPair:
		return fmt.Sprintf("L=%d, N=%d", k.P.BitLen(), k.Q.BitLen())
	case *pkicrypto.ECDSAKeyPair:
		if k.Curve != nil {
			return fmt.Sprintf("%s (%d bits)", k.Curve.Params().Name, k.Curve.Params().BitSize)
		}
	}
	return "unknown"
}

// newKeySigner builds a Signer from the sign/verify flags.
func newKeySigner(kp pkicrypto.KeyPair) (*pkicrypto.Signer, error) {
	h, err := pkicrypto.ParseHashAlgorithm(keyHash)
	if err != nil {
		return nil, err
	}
	padding, err := pkicrypto.ParsePadding(strings.ToLower(keyPadding))
	if err != nil {
		return nil, err
	}

	signer, err := pkicrypto.NewSigner(kp, h)
	if err != nil {
		return nil, err
	}
	if padding != pkicrypto.PaddingPKCS1v15 {
		if err := signer.SetPadding(padding); err != nil {
			return nil, err
		}
	}
	if keySaltLength != 0 {
		if err := signer.SetSaltLength(keySaltLength); err != nil {
			return nil, err
		}
	}
	return signer, nil
}

func runKeySign(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(keyInput)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	kp, err := pkicrypto.LoadKeyPair(keyPath, passphraseBytes(keyPassphrase))
	if err != nil {
		_ = audit.LogKeyLoaded(keyPath, "", false, err.Error())
		return err
	}
	defer func() { _ = kp.Close() }()
	if kp.IsPublicOnly() {
		_ = audit.LogKeyLoaded(keyPath, kp.Algorithm().String(), false, "no private key")
		return fmt.Errorf("%s: no private key", keyPath)
	}
	if err := audit.LogKeyLoaded(keyPath, kp.Algorithm().String(), true, ""); err != nil {
		return err
	}

	signer, err := newKeySigner(kp)
	if err != nil {
		return err
	}
	sig, err := signer.SignData(data)
	if err != nil {
		return fmt.Errorf("failed to sign: %w", err)
	}
	if err := os.WriteFile(keyOutput, sig, 0644); err != nil {
		return fmt.Errorf("failed to write signature: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Signature written to %s\n", keyOutput)
	if oid, ok := signer.SignatureAlgorithm(); ok {
		fmt.Fprintf(out, "  Algorithm: %s\n", pkicrypto.SignatureAlgorithmName(oid))
	}
	fmt.Fprintf(out, "  Size:      %d bytes\n", len(sig))
	return nil
}

func runKeyVerify(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(keyInput)
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}
	sig, err := os.ReadFile(keySignature)
	if err != nil {
		return fmt.Errorf("failed to read signature: %w", err)
	}

	kp, err := pkicrypto.LoadKeyPair(keyPath, passphraseBytes(keyPassphrase))
	if err != nil {
		return err
	}
	defer func() { _ = kp.Close() }()

	signer, err := newKeySigner(kp)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if !signer.VerifyData(data, sig) {
		fmt.Fprintf(out, "Signature: INVALID\n")
		return fmt.Errorf("signature verification failed")
	}
	fmt.Fprintf(out, "Signature: VALID\n")
	fmt.Fprintf(out, "  Hash: %s\n", pkicrypto.HashName(signer.Hash()))
	fmt.Fprintf(out, "  Sig:  %s...\n", hex.EncodeToString(sig[:min(8, len(sig))]))
	return nil
}
