package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/pterm/pterm"
	"gopkg.in/yaml.v3"
)

var outputFormat string

// render writes v as JSON or YAML, or table as a pterm table.
func render(w io.Writer, v any, table pterm.TableData) error {
	switch outputFormat {
	case "", "table":
		return pterm.DefaultTable.WithHasHeader().WithWriter(w).WithData(table).Render()
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q, want table, json or yaml", outputFormat)
	}
}
