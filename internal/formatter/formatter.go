// package formatter exports sweep reports to various formats (CSV, Markdown, plain text)
package formatter

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/desertthunder/mixify/internal/shared"
	"github.com/desertthunder/mixify/internal/tasks"
)

// Supported export formats
const (
	FormatCSV      = "csv"
	FormatMarkdown = "md"
	FormatText     = "text"
)

// Outcome classifies a single sweep result as refreshed, reconnect_required or failed.
func Outcome(res tasks.SweepResult) string {
	switch {
	case res.ReconnectRequired:
		return "reconnect_required"
	case res.Err != nil:
		return "failed"
	default:
		return "refreshed"
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// ExportToCSV converts a SweepReport to CSV format with columns: UserID, ExpiresAt, NewExpiry, Outcome, Error
func ExportToCSV(report *tasks.SweepReport) ([]byte, error) {
	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)

	headers := []string{"UserID", "ExpiresAt", "NewExpiry", "Outcome", "Error"}
	if err := writer.Write(headers); err != nil {
		return nil, fmt.Errorf("failed to write CSV headers: %w", err)
	}

	for _, res := range report.Results {
		record := []string{
			res.UserID,
			formatTime(res.ExpiresAt),
			formatTime(res.NewExpiry),
			Outcome(res),
			errString(res.Err),
		}
		if err := writer.Write(record); err != nil {
			return nil, fmt.Errorf("failed to write CSV record: %w", err)
		}
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, fmt.Errorf("CSV writer error: %w", err)
	}

	return buf.Bytes(), nil
}

// ExportToMarkdown converts a SweepReport to a Markdown summary with a results table
func ExportToMarkdown(report *tasks.SweepReport, title string) ([]byte, error) {
	var buf bytes.Buffer

	if title == "" {
		title = "Connection sweep"
	}
	buf.WriteString(fmt.Sprintf("# %s\n\n", title))

	buf.WriteString(fmt.Sprintf("**Candidates**: %d\n", report.Candidates))
	buf.WriteString(fmt.Sprintf("**Refreshed**: %d\n", report.Refreshed))
	buf.WriteString(fmt.Sprintf("**Failed**: %d\n", report.Failed))
	buf.WriteString(fmt.Sprintf("**Reconnect required**: %d\n", report.ReconnectRequired))
	buf.WriteString(fmt.Sprintf("**States removed**: %d\n\n", report.StatesRemoved))

	if len(report.Results) == 0 {
		return buf.Bytes(), nil
	}

	buf.WriteString("## Results\n\n")
	buf.WriteString("| User | Expired at | New expiry | Outcome | Error |\n")
	buf.WriteString("|---|---|---|---|---|\n")
	for _, res := range report.Results {
		buf.WriteString(fmt.Sprintf("| %s | %s | %s | %s | %s |\n",
			escapeCell(res.UserID),
			formatTime(res.ExpiresAt),
			formatTime(res.NewExpiry),
			Outcome(res),
			escapeCell(errString(res.Err)),
		))
	}

	return buf.Bytes(), nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}

// ExportToText converts a SweepReport to plain text format
func ExportToText(report *tasks.SweepReport) ([]byte, error) {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("Candidates: %d\n", report.Candidates))
	buf.WriteString(fmt.Sprintf("Refreshed: %d, Failed: %d, Reconnect required: %d\n\n",
		report.Refreshed, report.Failed, report.ReconnectRequired))

	for i, res := range report.Results {
		line := fmt.Sprintf("%d. %s - %s", i+1, res.UserID, Outcome(res))
		if res.Err != nil {
			line += ": " + res.Err.Error()
		}
		buf.WriteString(line + "\n")
	}

	return buf.Bytes(), nil
}

// Export renders report in the named format.
func Export(report *tasks.SweepReport, format string) ([]byte, error) {
	switch format {
	case FormatCSV:
		return ExportToCSV(report)
	case FormatMarkdown, "markdown":
		return ExportToMarkdown(report, "")
	case FormatText, "txt", "":
		return ExportToText(report)
	default:
		return nil, fmt.Errorf("%w: unknown format %q (csv, md, text)", shared.ErrInvalidArgument, format)
	}
}

// WriteExport writes report to path in the named format.
//
// Defaults to sweep_{timestamp}.{format} as the filename.
func WriteExport(report *tasks.SweepReport, format, path string) (string, error) {
	data, err := Export(report, format)
	if err != nil {
		return "", err
	}

	if path == "" {
		ext := format
		if ext == "" || ext == "txt" {
			ext = FormatText
		}
		path = fmt.Sprintf("sweep_%s.%s", time.Now().UTC().Format("20060102T150405Z"), ext)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("failed to write export file: %w", err)
	}

	return path, nil
}
