package cli

import (
	"bufio"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chainseal/internal/attest"
	"github.com/ppiankov/chainseal/internal/audit"
)

var (
	auditPubKey     string
	auditTailN      int
	auditType       string
	auditActor      string
	auditTenant     string
	auditFrom       string
	auditTo         string
	auditJSON       bool
	auditKeygenPath string
	auditKeygenPub  string
)

func init() {
	auditVerifyCmd.Flags().StringVar(&auditPubKey, "pubkey", "", "Public key file (default: audit.public_key_file, then the signing key)")
	auditVerifyCmd.Flags().BoolVar(&auditJSON, "json", false, "Output as JSON")

	auditTailCmd.Flags().IntVarP(&auditTailN, "lines", "n", 10, "Number of records to show")

	auditReplayCmd.Flags().StringVar(&auditType, "type", "", "Only records of this type")
	auditReplayCmd.Flags().StringVar(&auditActor, "actor", "", "Only records by this actor id")
	auditReplayCmd.Flags().StringVar(&auditTenant, "tenant", "", "Only records for this tenant id")
	auditReplayCmd.Flags().StringVar(&auditFrom, "from", "", "Start time (RFC3339)")
	auditReplayCmd.Flags().StringVar(&auditTo, "to", "", "End time (RFC3339)")
	auditReplayCmd.Flags().BoolVar(&auditJSON, "json", false, "Output as JSON")

	auditKeygenCmd.Flags().StringVar(&auditKeygenPath, "out", "", "Private key path (default: audit.key_file)")
	auditKeygenCmd.Flags().StringVar(&auditKeygenPub, "pub-out", "", "Public key path (default: audit.public_key_file or <out>.pub)")

	auditCmd.AddCommand(auditVerifyCmd, auditTailCmd, auditReplayCmd, auditKeygenCmd)
	rootCmd.AddCommand(auditCmd)
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Inspect and verify the forensic ledger",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [ledger]",
	Short: "Verify hash chain, digests and signatures",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [ledger]",
	Short: "Show the last records of the ledger",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditReplayCmd = &cobra.Command{
	Use:   "replay [ledger]",
	Short: "Replay ledger records as a timeline",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditReplay,
}

var auditKeygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Generate an Ed25519 signing key pair",
	Args:  cobra.NoArgs,
	RunE:  runAuditKeygen,
}

func ledgerPath(args []string) string {
	if len(args) > 0 {
		return args[0]
	}
	return cfg.Audit.Path
}

// verifyKey resolves the public key: flag, config, then the signing key.
func verifyKey() (ed25519.PublicKey, error) {
	if auditPubKey != "" {
		return audit.LoadPublicKey(auditPubKey)
	}
	if cfg.Audit.PublicKeyFile != "" {
		if _, err := os.Stat(cfg.Audit.PublicKeyFile); err == nil {
			return audit.LoadPublicKey(cfg.Audit.PublicKeyFile)
		}
	}
	signer, err := audit.LoadSigner([]byte(os.Getenv(audit.SigningKeyEnv)), cfg.Audit.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("no public key available: %w", err)
	}
	return signer.PublicKey(), nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	pub, err := verifyKey()
	if err != nil {
		return err
	}
	path := ledgerPath(args)
	var anchor audit.Head
	if len(args) == 0 {
		if anchor, err = anchoredHead(cmd.Context()); err != nil {
			return err
		}
	}
	result := audit.VerifyFrom(path, pub, anchor)
	out := cmd.OutOrStdout()

	if auditJSON {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
	} else if result.Valid {
		fmt.Fprintf(out, "OK: %d records verified (key %s)\n", result.Lines, audit.KeyID(pub))
	} else if result.ErrorLine > 0 {
		fmt.Fprintf(out, "FAIL: line %d: %s\n", result.ErrorLine, result.Error)
	} else {
		fmt.Fprintf(out, "FAIL: %s\n", result.Error)
	}

	if !result.Valid {
		return fmt.Errorf("ledger verification failed: %s", path)
	}
	return nil
}

// anchoredHead returns the ledger head recorded by the attestation
// registry, or the zero Head when there is no registry yet.
func anchoredHead(ctx context.Context) (audit.Head, error) {
	if _, err := os.Stat(cfg.Attest.DBPath); errors.Is(err, os.ErrNotExist) {
		return audit.Head{}, nil
	}
	reg, err := attest.OpenRegistry(cfg.Attest.DBPath)
	if err != nil {
		return audit.Head{}, err
	}
	defer reg.Close()
	return reg.LatestHead(ctx)
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path := ledgerPath(args)
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open ledger: %w", err)
	}
	defer f.Close()

	n := auditTailN
	if n <= 0 {
		n = 10
	}
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read ledger: %w", err)
	}

	out := cmd.OutOrStdout()
	for _, line := range lines {
		var rec audit.Record
		if err := json.Unmarshal([]byte(line), &rec); err != nil {
			fmt.Fprintln(out, line)
			continue
		}
		outcome := audit.Outcome(rec)
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(out, "[%s] %s actor=%s tenant=%s outcome=%s id=%s\n",
			rec.Timestamp, rec.Type, rec.Body.ActorID, rec.Body.TenantID, outcome, rec.Body.ID)
	}
	return nil
}

func runAuditReplay(cmd *cobra.Command, args []string) error {
	filter := audit.ReplayFilter{
		Type:     auditType,
		ActorID:  auditActor,
		TenantID: auditTenant,
	}
	var err error
	if filter.From, err = parseTimeFlag("from", auditFrom); err != nil {
		return err
	}
	if filter.To, err = parseTimeFlag("to", auditTo); err != nil {
		return err
	}

	result, err := audit.Replay(ledgerPath(args), filter)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if auditJSON {
		s, err := audit.FormatJSON(result)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		return nil
	}
	fmt.Fprint(out, audit.FormatTimeline(result))
	return nil
}

func parseTimeFlag(name, v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s time %q: %w", name, v, err)
	}
	return t, nil
}

func runAuditKeygen(cmd *cobra.Command, args []string) error {
	keyPath := auditKeygenPath
	if keyPath == "" {
		keyPath = cfg.Audit.KeyFile
	}
	if keyPath == "" {
		return errors.New("no key path: set --out or audit.key_file")
	}
	pubPath := auditKeygenPub
	if pubPath == "" {
		pubPath = cfg.Audit.PublicKeyFile
	}
	if pubPath == "" {
		pubPath = strings.TrimSuffix(keyPath, filepath.Ext(keyPath)) + ".pub"
	}
	if _, err := os.Stat(keyPath); err == nil {
		return fmt.Errorf("signing key already exists at %s", keyPath)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate key: %w", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	pubPEM, err := audit.MarshalPublicKey(pub)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(keyPath), 0700); err != nil {
		return fmt.Errorf("cannot create key directory: %w", err)
	}
	if err := os.WriteFile(keyPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der}), 0600); err != nil {
		return fmt.Errorf("failed to write signing key: %w", err)
	}
	if err := os.WriteFile(pubPath, pubPEM, 0644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Created %s\nCreated %s\nKey ID: %s\n", keyPath, pubPath, audit.KeyID(pub))
	return nil
}
