// Package cli implements pipelinectl, the operator tool for automation rule
// files and the rule audit log.
package cli

import (
	"os"

	"github.com/spf13/cobra"
)

func NewRootCmd(version string) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "pipelinectl",
		Short:        "Operate the lead pipeline: rule files and the automation audit log",
		SilenceUsage: true,
	}

	cmd.AddCommand(newRulesCmd())
	cmd.AddCommand(newAuditCmd())

	cmd.SetOut(os.Stdout)
	cmd.SetErr(os.Stderr)

	cmd.SetVersionTemplate("{{.Version}}\n")
	if version != "" {
		cmd.Version = version
	} else {
		cmd.Version = "dev"
	}

	return cmd
}
