package config

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/olekukonko/tablewriter"
	"gopkg.in/yaml.v3"
)

// OutputFormat represents the output format
type OutputFormat string

const (
	OutputTable OutputFormat = "table"
	OutputJSON  OutputFormat = "json"
	OutputYAML  OutputFormat = "yaml"
)

// Outputter handles formatted output
type Outputter struct {
	format OutputFormat
	writer io.Writer
}

// NewOutputter creates an outputter writing to stdout
func NewOutputter(format string) *Outputter {
	return NewOutputterTo(format, os.Stdout)
}

// NewOutputterTo creates an outputter writing to w
func NewOutputterTo(format string, w io.Writer) *Outputter {
	if format == "" {
		format = string(OutputTable)
	}
	return &Outputter{
		format: OutputFormat(format),
		writer: w,
	}
}

// Validate rejects unknown formats before any request is made
func (o *Outputter) Validate() error {
	switch o.format {
	case OutputTable, OutputJSON, OutputYAML:
		return nil
	default:
		return fmt.Errorf("unknown output format: %s (want table, json or yaml)", o.format)
	}
}

// Print outputs data in the configured format
func (o *Outputter) Print(data any) error {
	switch o.format {
	case OutputJSON:
		return o.printJSON(data)
	case OutputYAML:
		return o.printYAML(data)
	case OutputTable:
		// Table format requires custom handling per data type
		return fmt.Errorf("table format requires custom formatting")
	default:
		return fmt.Errorf("unknown output format: %s", o.format)
	}
}

// Render prints rows as a table in table mode and data otherwise
func (o *Outputter) Render(data any, headers []string, rows func() [][]string) error {
	if o.format == OutputTable {
		o.PrintTable(headers, rows())
		return nil
	}
	return o.Print(data)
}

// PrintTable prints data as a table
func (o *Outputter) PrintTable(headers []string, rows [][]string) {
	table := tablewriter.NewWriter(o.writer)

	headerAny := make([]any, len(headers))
	for i, h := range headers {
		headerAny[i] = h
	}
	table.Header(headerAny...)

	for _, row := range rows {
		table.Append(row)
	}
	table.Render()
}

// Printf writes a plain line regardless of format
func (o *Outputter) Printf(format string, args ...any) {
	fmt.Fprintf(o.writer, format, args...)
}

func (o *Outputter) printJSON(data any) error {
	encoder := json.NewEncoder(o.writer)
	encoder.SetIndent("", "  ")
	return encoder.Encode(data)
}

// printYAML routes through JSON so keys match the API field names
func (o *Outputter) printYAML(data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}

	encoder := yaml.NewEncoder(o.writer)
	encoder.SetIndent(2)
	defer encoder.Close()
	return encoder.Encode(generic)
}

// GetFormat returns the output format
func (o *Outputter) GetFormat() OutputFormat {
	return o.format
}
