package formatter

import (
	"fmt"
	"strings"

	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/scheduler"
	"github.com/harunnryd/kanri/internal/statestore"
)

type OutputFormat string

const (
	OutputFormatTable OutputFormat = "table"
	OutputFormatJSON  OutputFormat = "json"
	OutputFormatYAML  OutputFormat = "yaml"
)

// Formatter renders command output.
type Formatter interface {
	FormatResult(onboarding.Result) (string, error)
	FormatRecord(statestore.Record, []statestore.Transition) (string, error)
	FormatReport(reconcile.Report) (string, error)
	FormatBackups([]configdoc.Backup) (string, error)
	FormatRuns([]scheduler.RunRecord) (string, error)
}

// recordView is the serialized shape of a record and its history.
type recordView struct {
	Record  statestore.Record       `json:"record" yaml:"record"`
	History []statestore.Transition `json:"history,omitempty" yaml:"history,omitempty"`
}

type FormatterFactory struct{}

func NewFormatterFactory() *FormatterFactory {
	return &FormatterFactory{}
}

func (f *FormatterFactory) Create(format OutputFormat) (Formatter, error) {
	switch format {
	case OutputFormatTable:
		return NewTableFormatter(), nil
	case OutputFormatJSON:
		return NewJSONFormatter(), nil
	case OutputFormatYAML:
		return NewYAMLFormatter(), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s (supported: table, json, yaml)", format)
	}
}

func ParseOutputFormat(s string) (OutputFormat, error) {
	format := OutputFormat(strings.ToLower(s))
	switch format {
	case OutputFormatTable, OutputFormatJSON, OutputFormatYAML:
		return format, nil
	default:
		return "", fmt.Errorf("invalid output format: %s (supported: table, json, yaml)", s)
	}
}
