package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/harun/cropadvisor/pkg/guardrail"
	"github.com/spf13/cobra"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect guardrail policy rules",
}

var rulesCheckCmd = &cobra.Command{
	Use:   "check [file]",
	Short: "Validate a rules file and list its rules",
	Long: `Validate a guardrail rules file and list its rules. Without an argument
the configured rules file is checked, or the built-in rules when none is set.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runRulesCheck,
}

var rulesDefaultCmd = &cobra.Command{
	Use:   "default",
	Short: "Print the built-in rules as YAML",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := cmd.OutOrStdout().Write(guardrail.DefaultRulesYAML())
		return err
	},
}

func init() {
	rulesCmd.AddCommand(rulesCheckCmd)
	rulesCmd.AddCommand(rulesDefaultCmd)
	rootCmd.AddCommand(rulesCmd)
}

func runRulesCheck(cmd *cobra.Command, args []string) error {
	var (
		rules  *guardrail.RuleSet
		source string
		err    error
	)
	switch {
	case len(args) == 1:
		source = args[0]
		rules, err = guardrail.LoadFile(source)
	default:
		cfg, cfgErr := loadConfig()
		if cfgErr != nil {
			return cfgErr
		}
		source = cfg.Guardrail.RulesFile
		if source == "" {
			source = "built-in"
			rules = guardrail.DefaultRules()
		} else {
			rules, err = guardrail.LoadFile(source)
		}
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s: %d rules OK\n\n", source, len(rules.Rules))

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tACTION\tSEVERITY\tDESCRIPTION")
	for _, r := range rules.Rules {
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", r.ID, r.Action, r.Severity, r.Description)
	}
	return w.Flush()
}
