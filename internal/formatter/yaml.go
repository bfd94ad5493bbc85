package formatter

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/scheduler"
	"github.com/harunnryd/kanri/internal/statestore"
)

type YAMLFormatter struct{}

func NewYAMLFormatter() *YAMLFormatter {
	return &YAMLFormatter{}
}

func (f *YAMLFormatter) FormatResult(res onboarding.Result) (string, error) {
	return marshalYAML(res)
}

func (f *YAMLFormatter) FormatRecord(rec statestore.Record, history []statestore.Transition) (string, error) {
	return marshalYAML(recordView{Record: rec, History: history})
}

func (f *YAMLFormatter) FormatReport(report reconcile.Report) (string, error) {
	return marshalYAML(report)
}

func (f *YAMLFormatter) FormatBackups(backups []configdoc.Backup) (string, error) {
	if len(backups) == 0 {
		return "[]", nil
	}
	return marshalYAML(backups)
}

func (f *YAMLFormatter) FormatRuns(runs []scheduler.RunRecord) (string, error) {
	if len(runs) == 0 {
		return "[]", nil
	}
	return marshalYAML(runs)
}

func marshalYAML(v any) (string, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
