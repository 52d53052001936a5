package commands

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/sharepool/sharepool/internal/transport"
)

func checkFormat() error {
	switch outputFormat {
	case "table", "json":
		return nil
	}
	return fmt.Errorf("unsupported output format %q (use table or json)", outputFormat)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printTable(w io.Writer, headers []string, rows [][]string) {
	table := tablewriter.NewWriter(w)
	table.SetHeader(headers)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(true)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator("")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	table.AppendBulk(rows)
	table.Render()
}

// printPairs prints a key: value listing.
func printPairs(w io.Writer, pairs [][2]string) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetAutoFormatHeaders(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetCenterSeparator("")
	table.SetColumnSeparator(":")
	table.SetRowSeparator("")
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetTablePadding("  ")
	table.SetNoWhiteSpace(true)
	for _, p := range pairs {
		table.Append([]string{p[0], p[1]})
	}
	table.Render()
}

// entryJSON is the wire form of an entry, with the modification time in
// epoch milliseconds.
type entryJSON struct {
	Name         string `json:"name"`
	Path         string `json:"path"`
	IsDirectory  bool   `json:"is_directory"`
	Size         int64  `json:"size"`
	LastModified int64  `json:"last_modified"`
}

func toJSON(entries []transport.Entry) []entryJSON {
	out := make([]entryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, entryJSON{
			Name:         e.Name,
			Path:         e.Path,
			IsDirectory:  e.IsDir,
			Size:         e.Size,
			LastModified: e.LastModifiedMs(),
		})
	}
	return out
}

func entryRows(entries []transport.Entry) [][]string {
	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		kind, size := "file", humanSize(e.Size)
		if e.IsDir {
			kind, size = "dir", "-"
		}
		rows = append(rows, []string{e.Path, kind, size, modified(e.ModTime)})
	}
	return rows
}

func printEntries(w io.Writer, entries []transport.Entry) error {
	if outputFormat == "json" {
		return printJSON(w, toJSON(entries))
	}
	printTable(w, []string{"Path", "Type", "Size", "Modified"}, entryRows(entries))
	return nil
}

func modified(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04")
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return strconv.FormatInt(n, 10) + " B"
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
