package cmd

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/catherinevee/cloudauditor/internal/audit"
	"github.com/catherinevee/cloudauditor/internal/database"
	"github.com/catherinevee/cloudauditor/internal/logger"
	awsprovider "github.com/catherinevee/cloudauditor/internal/providers/aws"
	"github.com/catherinevee/cloudauditor/internal/report"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

var accountIDPattern = regexp.MustCompile(`^[0-9]{12}$`)

var accountsCmd = &cobra.Command{
	Use:   "accounts",
	Short: "Manage monitored cross-account roles",
}

var accountsRegisterCmd = &cobra.Command{
	Use:   "register <account-id>",
	Short: "Register an account and its audit role",
	Args:  cobra.ExactArgs(1),
	RunE:  runAccountsRegister,
}

var accountsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered accounts",
	RunE:  runAccountsList,
}

var accountsSyncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Register every active account in the organization",
	RunE:  runAccountsSync,
}

var accountsVerifyCmd = &cobra.Command{
	Use:   "verify [account-id...]",
	Short: "Assume each role and record whether it works",
	RunE:  runAccountsVerify,
}

var (
	accountName    string
	accountRoleARN string
	accountsAll    bool
	accountsSkip   bool
)

func init() {
	rootCmd.AddCommand(accountsCmd)
	accountsCmd.AddCommand(accountsRegisterCmd, accountsListCmd, accountsSyncCmd, accountsVerifyCmd)

	accountsRegisterCmd.Flags().StringVar(&accountName, "name", "", "friendly account name")
	accountsRegisterCmd.Flags().StringVar(&accountRoleARN, "role-arn", "", "role ARN (default: audit.role_name in the account)")
	accountsRegisterCmd.Flags().BoolVar(&accountsSkip, "skip-verify", false, "register without assuming the role")
	accountsListCmd.Flags().BoolVar(&accountsAll, "all", false, "include disabled accounts")
}

func roleARNFor(accountID, roleName string) string {
	return awsprovider.OrgAccount{ID: accountID}.RoleARN(roleName)
}

func runAccountsRegister(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	cfg := cfgManager.Get()

	accountID := args[0]
	if !accountIDPattern.MatchString(accountID) {
		return fmt.Errorf("invalid account id %q: must be 12 digits", accountID)
	}
	roleARN := accountRoleARN
	if roleARN == "" {
		roleARN = roleARNFor(accountID, cfg.Audit.RoleName)
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.RegisterAccount(ctx, accountID, accountName, roleARN); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Registered %s (%s)", accountID, roleARN))

	if accountsSkip {
		return nil
	}

	auditor, err := newAuditor(cmd, db)
	if err != nil {
		return err
	}
	account, err := db.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	if v := auditor.Verify(ctx, account); !v.Success {
		printVerification(cmd, v)
		return fmt.Errorf("role verification failed for %s", accountID)
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Verified %s", roleARN))
	return nil
}

func runAccountsList(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	db, err := openDatabase(ctx, cfgManager.Get())
	if err != nil {
		return err
	}
	defer db.Close()

	accounts, err := db.ListAccounts(ctx, accountsAll)
	if err != nil {
		return err
	}
	report.PrintAccounts(cmd.OutOrStdout(), accounts)
	return nil
}

func runAccountsSync(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := cfgManager.Get()

	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	members, err := awsprovider.ActiveAccounts(ctx, session.NewOrganizationsClient())
	if err != nil {
		return err
	}

	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return err
	}
	defer db.Close()

	for _, m := range members {
		if err := db.RegisterAccount(ctx, m.ID, m.Name, m.RoleARN(cfg.Audit.RoleName)); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.OutOrStdout(), color.GreenString("Registered %d active organization accounts", len(members)))
	return nil
}

func runAccountsVerify(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	db, err := openDatabase(ctx, cfgManager.Get())
	if err != nil {
		return err
	}
	defer db.Close()

	var accounts []models.MonitoredAccount
	if len(args) == 0 {
		if accounts, err = db.ListAccounts(ctx, false); err != nil {
			return err
		}
	}
	for _, id := range args {
		a, err := db.GetAccount(ctx, id)
		if errors.Is(err, database.ErrNotFound) {
			return fmt.Errorf("account %s is not registered", id)
		}
		if err != nil {
			return err
		}
		accounts = append(accounts, a)
	}

	auditor, err := newAuditor(cmd, db)
	if err != nil {
		return err
	}

	failed := 0
	for _, a := range accounts {
		v := auditor.Verify(ctx, a)
		if !v.Success {
			failed++
		}
		printVerification(cmd, v)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d roles failed verification", failed, len(accounts))
	}
	return nil
}

func printVerification(cmd *cobra.Command, v audit.Verification) {
	out := cmd.OutOrStdout()
	if v.Success {
		fmt.Fprintf(out, "%s %s\n", color.GreenString("✓"), v.RoleARN)
		return
	}
	fmt.Fprintf(out, "%s %s: %s\n", color.RedString("✗"), v.RoleARN, v.Message)
	if len(v.Tips) > 0 {
		fmt.Fprintln(out, "  Troubleshooting tips:")
		for _, tip := range v.Tips {
			fmt.Fprintf(out, "  - %s\n", tip)
		}
	}
}

// newAuditor builds an auditor over the base session and db
func newAuditor(cmd *cobra.Command, db *database.DB) (*audit.Auditor, error) {
	ctx := cmd.Context()
	cfg := cfgManager.Get()

	session, err := openSession(ctx, cfg)
	if err != nil {
		return nil, err
	}
	connector := audit.NewAWSConnector(session, cfg.Audit.ExternalID)
	return audit.New(connector, db, auditRegions(ctx, session, cfg),
		audit.WithWorkers(cfg.Discovery.MaxWorkers),
		audit.WithLogger(logger.New("audit"))), nil
}
