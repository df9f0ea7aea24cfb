package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/gocarina/gocsv"

	"github.com/catherinevee/cloudauditor/pkg/models"
)

// Format selects the exported file types
type Format string

const (
	FormatJSON Format = "json"
	FormatCSV  Format = "csv"
	FormatBoth Format = "both"
)

// ParseFormat validates a format name
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatJSON, FormatCSV, FormatBoth:
		return Format(s), nil
	}
	return "", fmt.Errorf("invalid report format %q (want json, csv or both)", s)
}

// WriteJSON writes the full result, indented
func WriteJSON(w io.Writer, result *models.DiscoveryResult) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	return nil
}

// csvRow flattens a resource for spreadsheet use
type csvRow struct {
	ARN          string `csv:"arn"`
	Type         string `csv:"resource_type"`
	Region       string `csv:"region"`
	AccountID    string `csv:"account_id"`
	Name         string `csv:"name"`
	Source       string `csv:"discovery_source"`
	Tags         string `csv:"tags"`
	CreatedAt    string `csv:"created_at"`
	LastModified string `csv:"last_modified"`
}

// WriteCSV writes one row per resource. Tags are encoded as a JSON object.
func WriteCSV(w io.Writer, resources []models.Resource) error {
	rows := make([]csvRow, 0, len(resources))
	for _, r := range resources {
		row := csvRow{
			ARN:          r.ARN,
			Type:         r.Type,
			Region:       r.Region,
			AccountID:    r.AccountID,
			Name:         r.Name,
			Source:       string(r.Source),
			CreatedAt:    formatTime(r.CreatedAt),
			LastModified: formatTime(r.LastModified),
		}
		if len(r.Tags) > 0 {
			tags, err := json.Marshal(r.Tags)
			if err != nil {
				return fmt.Errorf("failed to encode tags of %s: %w", r.ARN, err)
			}
			row.Tags = string(tags)
		}
		rows = append(rows, row)
	}
	if err := gocsv.Marshal(rows, w); err != nil {
		return fmt.Errorf("failed to write csv: %w", err)
	}
	return nil
}

// WriteSummaryCSV writes the per-type counts
func WriteSummaryCSV(w io.Writer, result *models.DiscoveryResult) error {
	summary := result.Summary()
	if err := gocsv.Marshal(&summary, w); err != nil {
		return fmt.Errorf("failed to write summary csv: %w", err)
	}
	return nil
}

// Export writes the result into dir and returns the created paths. Files are
// named after the run id.
func Export(result *models.DiscoveryResult, dir string, format Format) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	base := filepath.Join(dir, "discovery-"+result.RunID)
	var paths []string

	write := func(path string, fn func(io.Writer) error) error {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		if err := fn(f); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return fmt.Errorf("failed to close %s: %w", path, err)
		}
		paths = append(paths, path)
		return nil
	}

	if format == FormatJSON || format == FormatBoth {
		if err := write(base+".json", func(w io.Writer) error { return WriteJSON(w, result) }); err != nil {
			return paths, err
		}
	}
	if format == FormatCSV || format == FormatBoth {
		if err := write(base+".csv", func(w io.Writer) error { return WriteCSV(w, result.Resources) }); err != nil {
			return paths, err
		}
		if err := write(base+"-summary.csv", func(w io.Writer) error { return WriteSummaryCSV(w, result) }); err != nil {
			return paths, err
		}
	}
	return paths, nil
}

func formatTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
