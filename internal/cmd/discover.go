package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/catherinevee/cloudauditor/internal/metrics"
	"github.com/catherinevee/cloudauditor/internal/report"
	"github.com/catherinevee/cloudauditor/pkg/models"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run one discovery pass",
	Long: `Discover resources in the current account. Resource Explorer is queried first;
AWS Config runs when the index is missing or returned fewer than ten resources;
Cloud Control runs when enabled. Results are merged with first-writer-wins on
resource identity and filtered by type and tag.`,
	RunE: runDiscover,
}

var (
	discoverFormat       string
	discoverOutputDir    string
	discoverPersist      bool
	discoverRegions      []string
	discoverInclude      []string
	discoverExclude      []string
	discoverTags         []string
	discoverCloudControl bool
	discoverTop          int
)

func init() {
	rootCmd.AddCommand(discoverCmd)

	discoverCmd.Flags().StringVarP(&discoverFormat, "format", "f", "", "also export the result (json, csv, both)")
	discoverCmd.Flags().StringVarP(&discoverOutputDir, "output-dir", "o", "reports", "directory for exported files")
	discoverCmd.Flags().BoolVar(&discoverPersist, "persist", false, "upsert resources into the database")
	discoverCmd.Flags().StringSliceVarP(&discoverRegions, "regions", "r", nil, "regions to scan (default: all enabled)")
	discoverCmd.Flags().StringSliceVar(&discoverInclude, "include", nil, "resource types to include")
	discoverCmd.Flags().StringSliceVar(&discoverExclude, "exclude", nil, "resource types to exclude")
	discoverCmd.Flags().StringSliceVar(&discoverTags, "tag", nil, "required tag (key=value), repeatable")
	discoverCmd.Flags().BoolVar(&discoverCloudControl, "cloud-control", false, "enable Cloud Control enumeration")
	discoverCmd.Flags().IntVar(&discoverTop, "top", report.DefaultTopTypes, "resource types shown in the summary")
}

// discoveryConfig applies command-line overrides to the configured run
func discoveryConfig(cmd *cobra.Command, base models.DiscoveryConfig) (models.DiscoveryConfig, error) {
	dc := base.Clone()
	if cmd.Flags().Changed("regions") {
		dc.Regions = discoverRegions
	}
	if cmd.Flags().Changed("include") {
		dc.IncludeTypes = discoverInclude
	}
	if cmd.Flags().Changed("exclude") {
		dc.ExcludeTypes = append(dc.ExcludeTypes, discoverExclude...)
	}
	if discoverCloudControl {
		dc.UseCloudControl = true
	}
	for _, kv := range discoverTags {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return dc, fmt.Errorf("invalid tag %q (want key=value)", kv)
		}
		if dc.Tags == nil {
			dc.Tags = make(map[string]string)
		}
		dc.Tags[k] = v
	}
	return dc, nil
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	cfg := cfgManager.Get()

	var format report.Format
	if discoverFormat != "" {
		f, err := report.ParseFormat(discoverFormat)
		if err != nil {
			return err
		}
		format = f
	}

	dc, err := discoveryConfig(cmd, cfg.ToDiscoveryConfig())
	if err != nil {
		return err
	}

	session, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}

	fmt.Fprintln(os.Stderr, color.CyanString("Discovering resources in %s...", cfg.AWS.Region))
	result := newEngine(session, cfg, dc, metrics.Nop{}).Discover(ctx)

	if discoverPersist {
		db, err := openDatabase(ctx, cfg)
		if err != nil {
			return err
		}
		defer db.Close()

		n, err := db.UpsertResources(ctx, result.Resources)
		if err != nil {
			result.AddError("persist: " + err.Error())
		} else {
			fmt.Fprintln(os.Stderr, color.GreenString("Persisted %d resources to %s", n, cfg.Database.Path))
		}
		if err := db.RecordRun(ctx, models.NewRunRecord(result)); err != nil {
			return fmt.Errorf("failed to record run: %w", err)
		}
	}

	report.PrintSummary(cmd.OutOrStdout(), result, discoverTop)

	if format != "" {
		paths, err := report.Export(result, discoverOutputDir, format)
		if err != nil {
			return err
		}
		for _, p := range paths {
			fmt.Fprintln(os.Stderr, color.GreenString("Wrote %s", p))
		}
	}

	if result.AccountID == "" {
		return fmt.Errorf("discovery aborted: %s", strings.Join(result.Errors, "; "))
	}
	return nil
}
