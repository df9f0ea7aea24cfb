package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/catherinevee/cloudauditor/internal/audit"
	"github.com/catherinevee/cloudauditor/internal/report"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Collect IAM and EC2 inventory across accounts",
	Long: `Audit the local account and every registered role. Roles that cannot be
assumed are marked broken and skipped for the rest of the run; the others are
marked working and their IAM users, groups, roles, customer policies and EC2
instances are upserted into the database.`,
	RunE: runAudit,
}

var auditScope string

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().StringVar(&auditScope, "scope", string(audit.ScopeAll), "accounts to audit (local, remote, all)")
}

func runAudit(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	scope, err := audit.ParseScope(auditScope)
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfgManager.Get())
	if err != nil {
		return err
	}
	defer db.Close()

	auditor, err := newAuditor(cmd, db)
	if err != nil {
		return err
	}

	rep, err := auditor.Run(ctx, scope)
	if err != nil {
		return err
	}
	report.PrintAudit(cmd.OutOrStdout(), rep)

	if n := rep.Failed(); n > 0 {
		return fmt.Errorf("%d accounts could not be audited", n)
	}
	return nil
}
