package formatter

import (
	"encoding/json"

	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/scheduler"
	"github.com/harunnryd/kanri/internal/statestore"
)

type JSONFormatter struct{}

func NewJSONFormatter() *JSONFormatter {
	return &JSONFormatter{}
}

func (f *JSONFormatter) FormatResult(res onboarding.Result) (string, error) {
	return marshalJSON(res)
}

func (f *JSONFormatter) FormatRecord(rec statestore.Record, history []statestore.Transition) (string, error) {
	return marshalJSON(recordView{Record: rec, History: history})
}

func (f *JSONFormatter) FormatReport(report reconcile.Report) (string, error) {
	return marshalJSON(report)
}

func (f *JSONFormatter) FormatBackups(backups []configdoc.Backup) (string, error) {
	if backups == nil {
		backups = []configdoc.Backup{}
	}
	return marshalJSON(backups)
}

func (f *JSONFormatter) FormatRuns(runs []scheduler.RunRecord) (string, error) {
	if runs == nil {
		runs = []scheduler.RunRecord{}
	}
	return marshalJSON(runs)
}

func marshalJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
