// Package report renders audit results in the supported output formats.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/olekukonko/tablewriter"
	"sigs.k8s.io/yaml"
)

// Format names an output encoding.
type Format string

const (
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
	FormatTable Format = "table"
)

// Formats lists every supported format in flag-help order.
var Formats = []Format{FormatJSON, FormatYAML, FormatTable}

// Tabular is implemented by values that can be rendered as a table.
type Tabular interface {
	TableHeader() []string
	TableRows() [][]string
}

// ParseFormat validates a user supplied format name.
func ParseFormat(value string) (Format, error) {
	format := Format(strings.ToLower(strings.TrimSpace(value)))
	for _, known := range Formats {
		if format == known {
			return format, nil
		}
	}
	return "", fmt.Errorf("unknown output format %q (expected one of %s)", value, formatList())
}

func formatList() string {
	names := make([]string, 0, len(Formats))
	for _, format := range Formats {
		names = append(names, string(format))
	}
	return strings.Join(names, ", ")
}

// Write encodes value to w.
func Write(w io.Writer, format Format, value any) error {
	if w == nil {
		return fmt.Errorf("assertion failed: writer must not be nil")
	}

	switch format {
	case FormatJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(value); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	case FormatYAML:
		data, err := yaml.Marshal(value)
		if err != nil {
			return fmt.Errorf("encode yaml: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("write yaml: %w", err)
		}
		return nil
	case FormatTable:
		tabular, ok := value.(Tabular)
		if !ok {
			return fmt.Errorf("%T cannot be rendered as a table", value)
		}
		return writeTable(w, tabular)
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}

func writeTable(w io.Writer, tabular Tabular) error {
	table := tablewriter.NewWriter(w)

	header := tabular.TableHeader()
	cells := make([]any, 0, len(header))
	for _, cell := range header {
		cells = append(cells, cell)
	}
	table.Header(cells...)

	for _, row := range tabular.TableRows() {
		if err := table.Append(row); err != nil {
			return fmt.Errorf("append table row: %w", err)
		}
	}
	if err := table.Render(); err != nil {
		return fmt.Errorf("render table: %w", err)
	}
	return nil
}
