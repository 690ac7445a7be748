package helpers

import (
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"text/tabwriter"

	"gopkg.in/yaml.v3"
)

// OutputFormat represents the desired output format.
type OutputFormat string

const (
	FormatTable OutputFormat = "table"
	FormatJSON  OutputFormat = "json"
	FormatCSV   OutputFormat = "csv"
	FormatYAML  OutputFormat = "yaml"
)

// SupportedFormats lists every format NewFormatter accepts.
var SupportedFormats = []OutputFormat{FormatTable, FormatJSON, FormatYAML, FormatCSV}

// FormatNames returns the names of SupportedFormats, for flag help and shell
// completion.
func FormatNames() []string {
	names := make([]string, len(SupportedFormats))
	for i, f := range SupportedFormats {
		names[i] = string(f)
	}
	return names
}

// ParseFormat checks s against SupportedFormats.
func ParseFormat(s string) (OutputFormat, error) {
	for _, f := range SupportedFormats {
		if s == string(f) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported format %q, must be one of: %s", s, strings.Join(FormatNames(), ", "))
}

// Formatter renders a slice of rows.
type Formatter interface {
	Format(data any, writer io.Writer) error
}

// NewFormatter creates a new Formatter for the given format.
func NewFormatter(format OutputFormat) (Formatter, error) {
	switch format {
	case FormatTable:
		return &TableFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	case FormatCSV:
		return &CSVFormatter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

// JSONFormatter formats data as JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(data any, writer io.Writer) error {
	enc := json.NewEncoder(writer)
	enc.SetIndent("", "  ")
	return enc.Encode(data)
}

// YAMLFormatter formats data as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(data any, writer io.Writer) error {
	enc := yaml.NewEncoder(writer)
	enc.SetIndent(2)
	if err := enc.Encode(data); err != nil {
		return err
	}
	return enc.Close()
}

// TableFormatter formats data as a table using struct tags.
//
// A field is shown when it has a `header:"Name"` tag. The tag option "hex"
// prints unsigned integers as 0x%08x and slices are joined with ", ".
type TableFormatter struct{}

func (f *TableFormatter) Format(data any, writer io.Writer) error {
	cols, rows, err := tabulate(data)
	if err != nil || cols == nil {
		return err
	}

	w := tabwriter.NewWriter(writer, 0, 0, 3, ' ', 0)
	if _, err := fmt.Fprintln(w, strings.Join(headers(cols), "\t")); err != nil {
		return err
	}
	for _, row := range rows {
		if _, err := fmt.Fprintln(w, strings.Join(row, "\t")); err != nil {
			return err
		}
	}
	return w.Flush()
}

// CSVFormatter formats data as CSV using struct tags.
type CSVFormatter struct{}

func (f *CSVFormatter) Format(data any, writer io.Writer) error {
	cols, rows, err := tabulate(data)
	if err != nil || cols == nil {
		return err
	}

	w := csv.NewWriter(writer)
	if err := w.Write(headers(cols)); err != nil {
		return err
	}
	for _, row := range rows {
		if err := w.Write(row); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

type column struct {
	index  int
	header string
	hex    bool
}

// tabulate resolves the columns of a slice of structs and renders every row.
// An empty slice yields no columns.
func tabulate(data any) ([]column, [][]string, error) {
	val := reflect.ValueOf(data)
	if val.Kind() != reflect.Slice {
		return nil, nil, fmt.Errorf("data must be a slice")
	}
	if val.Len() == 0 {
		return nil, nil, nil
	}

	t := val.Type().Elem()
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	if t.Kind() != reflect.Struct {
		return nil, nil, fmt.Errorf("data must be a slice of structs")
	}
	cols := columns(t)

	rows := make([][]string, 0, val.Len())
	for i := 0; i < val.Len(); i++ {
		v := val.Index(i)
		if v.Kind() == reflect.Ptr {
			v = v.Elem()
		}
		row := make([]string, len(cols))
		for j, c := range cols {
			row[j] = cell(v.Field(c.index), c.hex)
		}
		rows = append(rows, row)
	}
	return cols, rows, nil
}

func columns(t reflect.Type) []column {
	var cols []column
	for i := 0; i < t.NumField(); i++ {
		tag := t.Field(i).Tag.Get("header")
		if tag == "" {
			continue
		}
		name, opt, _ := strings.Cut(tag, ",")
		cols = append(cols, column{index: i, header: name, hex: opt == "hex"})
	}
	return cols
}

func headers(cols []column) []string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = c.header
	}
	return out
}

func cell(v reflect.Value, hex bool) string {
	switch v.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		if hex {
			return fmt.Sprintf("0x%08x", v.Uint())
		}
	case reflect.Slice:
		parts := make([]string, v.Len())
		for i := range parts {
			parts[i] = cell(v.Index(i), hex)
		}
		return strings.Join(parts, ", ")
	}
	return fmt.Sprintf("%v", v.Interface())
}
