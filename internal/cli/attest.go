package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chainseal/internal/attest"
	"github.com/ppiankov/chainseal/internal/audit"
)

var (
	attestJSON          bool
	attestJustification string
	attestActor         string
)

func init() {
	attestCmd.PersistentFlags().StringVar(&attestActor, "actor", "", "Actor id written into ledger records (default: $USER)")
	attestVerifyCmd.Flags().BoolVar(&attestJSON, "json", false, "Output as JSON")
	attestVerifyCmd.Flags().StringVar(&auditPubKey, "pubkey", "", "Public key file (default: audit.public_key_file, then the signing key)")
	attestRemediateCmd.Flags().StringVar(&attestJustification, "justification", "", "Reason starting with \"JUSTIFICATION: \" (required)")
	attestRemediateCmd.MarkFlagRequired("justification")

	attestCmd.AddCommand(attestTrackCmd, attestVerifyCmd, attestRemediateCmd)
	rootCmd.AddCommand(attestCmd)
}

var attestCmd = &cobra.Command{
	Use:   "attest",
	Short: "Track artifacts and attest them against the signed ledger",
}

var attestTrackCmd = &cobra.Command{
	Use:   "track <path>...",
	Short: "Record the current digest of artifacts as their baseline",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAttestTrack,
}

var attestVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Re-verify the ledger and every tracked artifact (fails closed)",
	Args:  cobra.NoArgs,
	RunE:  runAttestVerify,
}

var attestRemediateCmd = &cobra.Command{
	Use:   "remediate <path>",
	Short: "Accept the current content of a tracked artifact with a justification",
	Args:  cobra.ExactArgs(1),
	RunE:  runAttestRemediate,
}

// attestSession holds what an attest subcommand opened.
type attestSession struct {
	attestor *attest.Attestor
	reg      *attest.Registry
	ledger   *audit.Ledger
}

func (s *attestSession) Close() error {
	return errors.Join(s.reg.Close(), s.ledger.Close())
}

// openAttestor opens the registry and the ledger. Writing commands need
// the signing key; verification only needs a public key.
func openAttestor(needSigner bool) (*attestSession, error) {
	var (
		signer *audit.Signer
		opts   []attest.Option
		err    error
	)
	if needSigner {
		signer, err = audit.LoadSigner([]byte(os.Getenv(audit.SigningKeyEnv)), cfg.Audit.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load signing key: %w", err)
		}
	} else {
		pub, err := verifyKey()
		if err != nil {
			return nil, err
		}
		opts = append(opts, attest.WithPublicKey(pub))
	}

	actor := attestActor
	if actor == "" {
		actor = os.Getenv("USER")
	}
	if actor != "" {
		opts = append(opts, attest.WithActor(actor))
	}
	opts = append(opts, attest.WithLogger(logger))

	reg, err := attest.OpenRegistry(cfg.Attest.DBPath)
	if err != nil {
		return nil, err
	}
	ledger, err := audit.OpenLedger(cfg.Audit.Path)
	if err != nil {
		reg.Close()
		return nil, err
	}
	return &attestSession{
		attestor: attest.New(reg, audit.NewService(ledger, signer), opts...),
		reg:      reg,
		ledger:   ledger,
	}, nil
}

func runAttestTrack(cmd *cobra.Command, args []string) error {
	s, err := openAttestor(true)
	if err != nil {
		return err
	}
	defer s.Close()

	out := cmd.OutOrStdout()
	for _, p := range args {
		b, err := s.attestor.Track(cmd.Context(), p)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Tracked %s %s\n", b.Path, b.Digest)
	}
	return nil
}

func runAttestVerify(cmd *cobra.Command, args []string) error {
	s, err := openAttestor(false)
	if err != nil {
		return err
	}
	defer s.Close()

	report, verr := s.attestor.Verify(cmd.Context())
	out := cmd.OutOrStdout()
	if attestJSON {
		data, err := attest.FormatJSON(report)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, data)
	} else {
		fmt.Fprint(out, attest.FormatText(report))
	}
	return verr
}

func runAttestRemediate(cmd *cobra.Command, args []string) error {
	if err := attest.ValidateJustification(attestJustification); err != nil {
		return err
	}
	s, err := openAttestor(true)
	if err != nil {
		return err
	}
	defer s.Close()

	b, err := s.attestor.Remediate(cmd.Context(), args[0], attestJustification)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Remediated %s %s\n", b.Path, b.Digest)
	return nil
}
