package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/mac"
)

var (
	checkMode                string
	checkSubject             string
	checkSubjectCompartments []string
	checkObject              string
	checkObjectCompartments  []string
)

func init() {
	checkCmd.Flags().StringVar(&checkMode, "mode", "read", "Access mode: read or write")
	checkCmd.Flags().StringVar(&checkSubject, "subject", label.Public.String(), "Subject clearance level")
	checkCmd.Flags().StringSliceVar(&checkSubjectCompartments, "subject-compartment", nil, "Subject compartment (repeatable)")
	checkCmd.Flags().StringVar(&checkObject, "object", label.Public.String(), "Object classification level")
	checkCmd.Flags().StringSliceVar(&checkObjectCompartments, "object-compartment", nil, "Object compartment (repeatable)")
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Evaluate a MAC decision without running anything",
	Long:  "Applies no-read-up or no-write-down to a subject and object label.\nExits non-zero on denial.",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func runCheck(cmd *cobra.Command, args []string) error {
	subject, err := label.Parse(checkSubject, checkSubjectCompartments...)
	if err != nil {
		return fmt.Errorf("subject: %w", err)
	}
	object, err := label.Parse(checkObject, checkObjectCompartments...)
	if err != nil {
		return fmt.Errorf("object: %w", err)
	}

	var decision error
	switch checkMode {
	case "read":
		decision = mac.EnforceNoReadUp(subject, object)
	case "write":
		decision = mac.EnforceNoWriteDown(subject, object)
	default:
		return fmt.Errorf("unknown mode %q (want read or write)", checkMode)
	}

	out := cmd.OutOrStdout()
	if decision != nil {
		fmt.Fprintf(out, "DENY %s\n", decision)
		return decision
	}
	fmt.Fprintf(out, "ALLOW %s %s -> %s\n", checkMode, subject, object)
	return nil
}
