package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sorenmh/infrastructure-shared/wasm-deploy/models"
)

type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Out is where results are printed.
var Out io.Writer = os.Stdout

// Print writes data as JSON or YAML, or calls table for the table format.
func Print(format Format, data interface{}, table func()) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(Out)
		enc.SetIndent("", "  ")
		return enc.Encode(data)
	case FormatYAML:
		enc := yaml.NewEncoder(Out)
		enc.SetIndent(2)
		return enc.Encode(data)
	case FormatTable:
		table()
		return nil
	default:
		return fmt.Errorf("unsupported output format: %s", format)
	}
}

func PrintTable(headers []string, rows [][]string) {
	w := tabwriter.NewWriter(Out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(headers, "\t"))
	for _, row := range rows {
		fmt.Fprintln(w, strings.Join(row, "\t"))
	}
	w.Flush()
}

// PrintDeployments lists deployments one per row, with ages and expiries
// relative to now.
func PrintDeployments(deployments []models.Deployment, now time.Time) {
	rows := make([][]string, 0, len(deployments))
	for _, d := range deployments {
		rows = append(rows, []string{
			d.ID,
			d.Address.FQDN,
			Status(d),
			string(d.Life),
			d.Build,
			Age(d.CreatedAt, now),
			Expiry(d, now),
		})
	}
	PrintTable([]string{"ID", "ADDRESS", "STATUS", "LIFE", "BUILD", "AGE", "EXPIRES"}, rows)
}

// Status shows the failure kind next to errored deployments.
func Status(d models.Deployment) string {
	if d.Status == models.StatusErrored && d.Error != nil && d.Error.Kind != "" {
		return fmt.Sprintf("%s (%s)", d.Status, d.Error.Kind)
	}
	return string(d.Status)
}

// Age is the compact time elapsed since t, such as "5m" or "3d".
func Age(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return compact(now.Sub(t))
}

// Expiry tells when a short-lived deployment is pruned. Long-lived ones
// never expire.
func Expiry(d models.Deployment, now time.Time) string {
	if d.Life == models.LifeLong || d.ExpiresOn.IsZero() {
		return "never"
	}
	left := d.ExpiresOn.Sub(now)
	if left <= 0 {
		return "expired"
	}
	return "in " + compact(left)
}

func compact(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func Success(message string) {
	fmt.Fprintf(Out, "✓ %s\n", message)
}

func Warn(message string) {
	fmt.Fprintf(Out, "Warning: %s\n", message)
}
