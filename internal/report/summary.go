package report

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"

	"github.com/catherinevee/cloudauditor/internal/audit"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

// DefaultTopTypes bounds the type table in PrintSummary
const DefaultTopTypes = 20

// PrintSummary renders run totals, per-stage counts and the most common types
func PrintSummary(w io.Writer, result *models.DiscoveryResult, topTypes int) {
	if topTypes <= 0 {
		topTypes = DefaultTopTypes
	}

	fmt.Fprintln(w, color.CyanString(strings.Repeat("=", 60)))
	fmt.Fprintln(w, color.CyanString("Resource Discovery Summary"))
	fmt.Fprintln(w, color.CyanString(strings.Repeat("=", 60)))

	status := color.GreenString("success")
	if !result.Success {
		status = color.YellowString("completed with %d errors", len(result.Errors))
	}
	fmt.Fprintf(w, "Run:        %s\n", result.RunID)
	fmt.Fprintf(w, "Account:    %s\n", result.AccountID)
	fmt.Fprintf(w, "Regions:    %d\n", len(result.Regions))
	fmt.Fprintf(w, "Resources:  %s\n", color.GreenString("%d", result.TotalCount))
	fmt.Fprintf(w, "Duration:   %s\n", result.Duration.Round(time.Millisecond))
	fmt.Fprintf(w, "Status:     %s\n", status)

	if len(result.StageCounts) > 0 {
		fmt.Fprintln(w, "\n"+color.CyanString("Sources"))
		sources := make([]string, 0, len(result.StageCounts))
		for s := range result.StageCounts {
			sources = append(sources, string(s))
		}
		sort.Strings(sources)

		table := newTable(w, []string{"Source", "Added"})
		for _, s := range sources {
			table.Append([]string{s, strconv.Itoa(result.StageCounts[models.DiscoverySource(s)])})
		}
		table.Render()
	}

	summary := result.Summary()
	if len(summary) > 0 {
		fmt.Fprintln(w, "\n"+color.CyanString("Resource Types"))
		table := newTable(w, []string{"Type", "Count"})
		for i, tc := range summary {
			if i == topTypes {
				table.Append([]string{fmt.Sprintf("... %d more types", len(summary)-topTypes), ""})
				break
			}
			table.Append([]string{tc.Type, strconv.Itoa(tc.Count)})
		}
		table.Render()
	}

	if len(result.Errors) > 0 {
		fmt.Fprintln(w, "\n"+color.YellowString("Errors"))
		for _, e := range result.Errors {
			fmt.Fprintf(w, "  • %s\n", color.YellowString("%s", e))
		}
	}
}

// PrintAudit renders one row per audited account
func PrintAudit(w io.Writer, rep audit.Report) {
	fmt.Fprintln(w, color.CyanString("Audit (%s scope)", rep.Scope))

	table := newTable(w, []string{"Account", "Local", "Status", "IAM", "Instances", "Errors"})
	for _, a := range rep.Accounts {
		local := ""
		if a.Local {
			local = "yes"
		}
		table.Append([]string{
			a.AccountID,
			local,
			statusString(a.Status),
			strconv.Itoa(a.IAMEntities),
			strconv.Itoa(a.Instances),
			strconv.Itoa(len(a.Errors)),
		})
	}
	table.Render()

	for _, a := range rep.Accounts {
		for _, e := range a.Errors {
			fmt.Fprintf(w, "  %s %s\n", color.RedString(a.AccountID), e)
		}
	}
}

// PrintAccounts renders the registered accounts
func PrintAccounts(w io.Writer, accounts []models.MonitoredAccount) {
	if len(accounts) == 0 {
		fmt.Fprintln(w, "No accounts registered")
		return
	}

	table := newTable(w, []string{"Account", "Name", "Role", "Status", "Verified", "Last Error"})
	for _, a := range accounts {
		verified := "-"
		if a.LastVerifiedAt != nil {
			verified = a.LastVerifiedAt.Local().Format("2006-01-02 15:04")
		}
		table.Append([]string{a.AccountID, a.Name, a.RoleARN, statusString(a.Status), verified, a.LastError})
	}
	table.Render()
}

func statusString(s models.AccountStatus) string {
	switch s {
	case models.AccountWorking:
		return color.GreenString(string(s))
	case models.AccountBroken:
		return color.RedString(string(s))
	case models.AccountPending:
		return color.YellowString(string(s))
	}
	return string(s)
}

func newTable(w io.Writer, header []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetHeaderLine(false)
	table.SetColumnSeparator(" ")
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	return table
}
