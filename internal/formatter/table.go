package formatter

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"

	"github.com/harunnryd/kanri/internal/configdoc"
	"github.com/harunnryd/kanri/internal/onboarding"
	"github.com/harunnryd/kanri/internal/reconcile"
	"github.com/harunnryd/kanri/internal/scheduler"
	"github.com/harunnryd/kanri/internal/statestore"
)

const timeLayout = "2006-01-02 15:04:05"

type TableFormatter struct {
	headerStyle  lipgloss.Style
	cellStyle    lipgloss.Style
	oddRowStyle  lipgloss.Style
	evenRowStyle lipgloss.Style
	borderStyle  lipgloss.Style
}

func NewTableFormatter() *TableFormatter {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")
	lightGray := lipgloss.Color("241")

	return &TableFormatter{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Align(lipgloss.Center).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Padding(0, 1),
		oddRowStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		evenRowStyle: lipgloss.NewStyle().
			Foreground(lightGray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

func (f *TableFormatter) FormatResult(res onboarding.Result) (string, error) {
	t := f.detailTable()
	t.Row("Agent ID", res.AgentID)
	t.Row("Created", strconv.FormatBool(res.Created))
	if res.Nonce != "" {
		t.Row("Nonce", res.Nonce)
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatRecord(rec statestore.Record, history []statestore.Transition) (string, error) {
	t := f.detailTable()
	t.Row("Identity", rec.Identity)
	t.Row("Agent ID", rec.AgentID)
	t.Row("Status", string(rec.Status))
	t.Row("Name", orDash(rec.Name))
	t.Row("Email", orDash(rec.Email))
	t.Row("OAuth", orDash(rec.OAuthStatus))
	t.Row("Created", formatTime(rec.CreatedAt))
	t.Row("Updated", formatTime(rec.UpdatedAt))
	if rec.ExpiresAt != nil {
		t.Row("Expires", formatTime(*rec.ExpiresAt))
	}

	out := t.String()
	if len(history) == 0 {
		return out, nil
	}

	h := f.listTable("From", "To", "At")
	for _, tr := range history {
		h.Row(orDash(string(tr.From)), string(tr.To), formatTime(tr.CreatedAt))
	}
	return out + "\n" + h.String(), nil
}

func (f *TableFormatter) FormatReport(report reconcile.Report) (string, error) {
	mode := "repair"
	if report.DryRun {
		mode = "dry-run"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Reconciliation (%s) started %s, took %s\n", mode, formatTime(report.StartedAt), report.Took.Round(time.Millisecond))

	if report.Empty() && len(report.Failures) == 0 {
		b.WriteString("No drift found")
		return b.String(), nil
	}

	counts := report.Counts()
	categories := make([]string, 0, len(counts))
	for category := range counts {
		categories = append(categories, category)
	}
	sort.Strings(categories)

	summary := f.listTable("Category", "Findings")
	for _, category := range categories {
		summary.Row(category, strconv.Itoa(counts[category]))
	}
	b.WriteString(summary.String())

	findings := f.listTable("Category", "ID", "Detail")
	rows := 0
	for _, agentID := range report.OrphanedAgents {
		findings.Row(reconcile.CategoryOrphanedAgents, agentID, "")
		rows++
	}
	for _, binding := range report.InvalidBindings {
		findings.Row(reconcile.CategoryInvalidBindings, binding.AgentID, bindingDetail(binding))
		rows++
	}
	for _, ref := range report.OrphanedRecords {
		findings.Row(reconcile.CategoryOrphanedRecords, ref.AgentID, refDetail(ref))
		rows++
	}
	for _, ref := range report.StaleRecords {
		findings.Row(reconcile.CategoryStaleRecords, ref.AgentID, refDetail(ref))
		rows++
	}
	if rows > 0 {
		b.WriteString("\n")
		b.WriteString(findings.String())
	}

	if !report.DryRun {
		fmt.Fprintf(&b, "\nRemoved %d agents, pruned %d bindings, cancelled %d records",
			len(report.RemovedAgents), report.PrunedBindings, len(report.CancelledRecords))
	}

	if len(report.Failures) > 0 {
		failures := f.listTable("Category", "ID", "Error")
		for _, failure := range report.Failures {
			failures.Row(failure.Category, failure.ID, truncateString(failure.Error, 60))
		}
		b.WriteString("\n")
		b.WriteString(failures.String())
	}

	return b.String(), nil
}

func (f *TableFormatter) FormatBackups(backups []configdoc.Backup) (string, error) {
	if len(backups) == 0 {
		return "No backups found", nil
	}

	t := f.listTable("Handle", "Created", "Size")
	for _, backup := range backups {
		t.Row(string(backup.Handle), formatTime(backup.CreatedAt), strconv.FormatInt(backup.Size, 10))
	}
	return t.String(), nil
}

func (f *TableFormatter) FormatRuns(runs []scheduler.RunRecord) (string, error) {
	if len(runs) == 0 {
		return "No runs recorded", nil
	}

	t := f.listTable("ID", "Trigger", "Started", "Took", "Dry Run", "Findings", "Failures", "Error")
	for _, run := range runs {
		total := 0
		for _, n := range run.Findings {
			total += n
		}
		t.Row(
			run.ID,
			run.Trigger,
			formatTime(run.StartedAt),
			run.Took.Round(time.Millisecond).String(),
			strconv.FormatBool(run.DryRun),
			strconv.Itoa(total),
			strconv.Itoa(run.Failures),
			truncateString(orDash(run.Error), 40),
		)
	}
	return t.String(), nil
}

func (f *TableFormatter) listTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			switch {
			case row == table.HeaderRow:
				return f.headerStyle
			case row%2 == 0:
				return f.evenRowStyle
			default:
				return f.oddRowStyle
			}
		}).
		Headers(headers...)
}

func (f *TableFormatter) detailTable() *table.Table {
	return table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(f.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return f.headerStyle
			}
			return f.cellStyle
		})
}

func bindingDetail(b configdoc.Binding) string {
	if b.Match.Peer == nil {
		return b.Match.Channel
	}
	return fmt.Sprintf("%s %s:%s", b.Match.Channel, b.Match.Peer.Kind, b.Match.Peer.ID)
}

func refDetail(ref reconcile.RecordRef) string {
	return fmt.Sprintf("%s (%s) updated %s", ref.Identity, ref.Status, formatTime(ref.UpdatedAt))
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(timeLayout)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
