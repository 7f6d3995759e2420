package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/ppiankov/chainseal/internal/label"
	"github.com/ppiankov/chainseal/internal/policy"
)

var (
	policyComponent      string
	policyOperation      string
	policyClassification string
	policyCompartments   []string
	policyTenant         string
	policyForce          bool
)

func init() {
	policyCheckCmd.Flags().StringVar(&policyComponent, "component", "", "Component name")
	policyCheckCmd.Flags().StringVar(&policyOperation, "operation", "", "Operation name")
	policyCheckCmd.Flags().StringVar(&policyClassification, "classification", label.Public.String(), "Object classification level")
	policyCheckCmd.Flags().StringSliceVar(&policyCompartments, "compartment", nil, "Object compartment (repeatable)")
	policyCheckCmd.Flags().StringVar(&policyTenant, "tenant", "", "Tenant id")

	policyInitCmd.Flags().BoolVar(&policyForce, "force", false, "Overwrite an existing policy file")

	policyCmd.AddCommand(policyCheckCmd, policyInitCmd)
	rootCmd.AddCommand(policyCmd)
}

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect the instrumentation policy",
}

var policyCheckCmd = &cobra.Command{
	Use:   "check",
	Short: "Report whether an operation would be instrumented",
	Args:  cobra.NoArgs,
	RunE:  runPolicyCheck,
}

var policyInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default policy.yaml with comments",
	Args:  cobra.NoArgs,
	RunE:  runPolicyInit,
}

func runPolicyCheck(cmd *cobra.Command, args []string) error {
	object, err := label.Parse(policyClassification, policyCompartments...)
	if err != nil {
		return err
	}
	pc, hash, err := policy.LoadConfigWithHash(cfg.Policy.Path)
	if err != nil {
		return err
	}

	instrument, err := policy.NewRuleAdapter(pc, hash).ShouldInstrumentSync(policy.Request{
		Component:      policyComponent,
		Operation:      policyOperation,
		Classification: object,
		TenantID:       policyTenant,
	})
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Policy: %s (%s)\n", cfg.Policy.Path, hash)
	fmt.Fprintf(out, "Object: %s\n", object)
	if instrument {
		fmt.Fprintln(out, "Result: INSTRUMENT")
	} else {
		fmt.Fprintln(out, "Result: SKIP")
	}
	return nil
}

func runPolicyInit(cmd *cobra.Command, args []string) error {
	path := cfg.Policy.Path
	if path == "" {
		return fmt.Errorf("no policy path configured")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("cannot create config directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil && !policyForce {
		return fmt.Errorf("policy.yaml already exists at %s", path)
	}
	if err := os.WriteFile(path, []byte(policy.DefaultConfigYAML()), 0600); err != nil {
		return fmt.Errorf("failed to write policy.yaml: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
	return nil
}
