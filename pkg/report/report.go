// Package report renders an audit run as a markdown document and exports
// findings to flat files. Tables are left-aligned pipe markdown with padded
// cells, so the raw text reads as cleanly as the rendered form.
package report

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/clinscope/audit/pkg/crosscheck"
	"github.com/clinscope/audit/pkg/deviation"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/statuscheck"
	"github.com/clinscope/audit/pkg/structure"
	"github.com/clinscope/audit/pkg/tabular"
)

// Preview is the head of the annotated table: the first baseline rows that
// carry freshly written counts, restricted to the identifying, status and
// endpoint columns present in the table.
type Preview struct {
	Headers []string
	Rows    [][]string
	// TotalRows is the row count of the full annotated table.
	TotalRows int
}

// DeviationSection carries the schedule-deviation material of the report:
// the engine result, the rewrite stats, the diff against previously stored
// counts and a preview of the annotated table.
type DeviationSection struct {
	Result deviation.Result
	Stats  deviation.ApplyStats
	// ChangeColumns are the count columns that existed before the run, in
	// contract order. Empty means the input carried no prior counts and no
	// comparison was possible.
	ChangeColumns []string
	Changes       []deviation.CountChange
	Preview       Preview
}

// RunData is one audit run's renderable material. A nil section was not
// part of the run and is left out of the document.
type RunData struct {
	Study      string
	Dataset    string
	Deviation  *DeviationSection
	Structure  *structure.Report
	Status     *statuscheck.Report
	Crosscheck *crosscheck.Report
}

// Render produces the full markdown document for a run.
func Render(data RunData) string {
	var b strings.Builder
	b.WriteString("# Study Audit Report\n\n")
	fmt.Fprintf(&b, "- Study: %s\n", data.Study)
	fmt.Fprintf(&b, "- Dataset: %s\n", data.Dataset)

	if data.Deviation != nil {
		renderDeviation(&b, data.Deviation)
	}
	if data.Structure != nil {
		renderStructure(&b, data.Structure)
	}
	if data.Status != nil {
		renderStatus(&b, data.Status)
	}
	if data.Crosscheck != nil {
		renderCrosscheck(&b, data.Crosscheck)
	}
	return b.String()
}

func renderDeviation(b *strings.Builder, sec *DeviationSection) {
	b.WriteString("\n## Schedule Deviations\n\n")
	fmt.Fprintf(b, "- Participants evaluated: %d\n", len(sec.Result.Counts))
	fmt.Fprintf(b, "- Baseline rows updated with counts: %d\n", sec.Stats.Updated)
	fmt.Fprintf(b, "- Excluded participants with counts blanked: %d\n", sec.Stats.Blanked)
	fmt.Fprintf(b, "- Baseline anchors resolved from the visit date: %d\n", sec.Result.ProxyBaselineCount)

	b.WriteString("\n### Summary of Changes\n\n")
	switch {
	case len(sec.ChangeColumns) == 0:
		b.WriteString("Input carried no prior count columns; no comparison available.\n")
	case len(sec.Changes) == 0:
		b.WriteString("No count values changed for the processed participants.\n")
	default:
		fmt.Fprintf(b, "Participants processed with count values changed: %d\n\n", len(sec.Changes))
		headers := []string{"participant"}
		for _, col := range sec.ChangeColumns {
			headers = append(headers, "initial_"+col, "final_"+col)
		}
		rows := make([][]string, 0, len(sec.Changes))
		for _, ch := range sec.Changes {
			row := []string{ch.Participant}
			for i := range sec.ChangeColumns {
				row = append(row, ch.Initial[i], ch.Final[i])
			}
			rows = append(rows, row)
		}
		b.WriteString(mdTable(headers, rows))
	}

	if sec.Preview.TotalRows > 0 {
		b.WriteString("\n### Annotated Table Preview\n\n")
		if len(sec.Preview.Rows) > 0 {
			fmt.Fprintf(b, "First %d baseline rows with counts:\n\n", len(sec.Preview.Rows))
			b.WriteString(mdTable(sec.Preview.Headers, sec.Preview.Rows))
		} else {
			b.WriteString("No baseline rows with counts to preview.\n")
		}
		fmt.Fprintf(b, "\nTotal rows: %d\n", sec.Preview.TotalRows)
	}
}

func renderStructure(b *strings.Builder, rep *structure.Report) {
	b.WriteString("\n## Event Structure\n\n")
	fmt.Fprintf(b, "- Participants checked: %d\n", rep.ParticipantsChecked)
	fmt.Fprintf(b, "- Participants flagged: %d\n", len(rep.Flagged))
	if len(rep.Flagged) == 0 {
		b.WriteString("\nNo structural discrepancies found.\n")
		return
	}
	var rows [][]string
	for _, p := range rep.Flagged {
		for _, issue := range p.Issues {
			rows = append(rows, []string{p.Participant, issue.Code, issue.Detail})
		}
	}
	b.WriteString("\n")
	b.WriteString(mdTable([]string{"participant", "code", "detail"}, rows))
}

func renderStatus(b *strings.Builder, rep *statuscheck.Report) {
	b.WriteString("\n## Status vs Data Entry\n\n")
	fmt.Fprintf(b, "- Participants with a review status: %d\n", rep.Checked)
	fmt.Fprintf(b, "- Candidates with no test date on any tracked event: %d\n", rep.Total)

	statuses := make([]int, 0, len(rep.ByStatus))
	for status := range rep.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)
	b.WriteString("\n")
	for _, status := range statuses {
		ids := rep.ByStatus[status]
		if len(ids) == 0 {
			fmt.Fprintf(b, "- Status %d: none\n", status)
			continue
		}
		fmt.Fprintf(b, "- Status %d (%d found): %s\n", status, len(ids), strings.Join(ids, ", "))
	}
	if rep.Total > 0 {
		fmt.Fprintf(b, "\nThese participants may warrant status review, potentially changing to status %d.\n", rep.TargetStatus)
	}
}

func renderCrosscheck(b *strings.Builder, rep *crosscheck.Report) {
	b.WriteString("\n## Cross-Source Comparison\n\n")
	fmt.Fprintf(b, "- Value discrepancies: %d\n", len(rep.Discrepancies))
	fmt.Fprintf(b, "- Arm classification mismatches: %d\n", len(rep.ArmMismatches))
	fmt.Fprintf(b, "- Filtered Excel baseline rows: %d\n", rep.Summary.ExcelBaselineRows)

	renderSourceSummary(b, "Filtered CSV Baseline", rep.Summary.CSVBaseline)
	renderSourceSummary(b, "Filtered Excel EOS", rep.Summary.ExcelEOS)

	if len(rep.Discrepancies) > 0 {
		b.WriteString("\n### Discrepancies\n\n")
		rows := make([][]string, 0, len(rep.Discrepancies))
		for _, d := range rep.Discrepancies {
			rows = append(rows, []string{d.RecordID, d.Field, d.CSVRow, d.ExcelRow, d.CSVValue, d.ExcelValue, d.Note})
		}
		b.WriteString(mdTable([]string{"record_id", "field", "csv_row", "excel_row", "csv_value", "excel_value", "note"}, rows))
	}
	if len(rep.ArmMismatches) > 0 {
		b.WriteString("\n### Arm Mismatches\n\n")
		rows := make([][]string, 0, len(rep.ArmMismatches))
		for _, m := range rep.ArmMismatches {
			rows = append(rows, []string{m.RecordID, m.Issue})
		}
		b.WriteString(mdTable([]string{"record_id", "issue"}, rows))
	}
}

func renderSourceSummary(b *strings.Builder, title string, src crosscheck.SourceSummary) {
	fmt.Fprintf(b, "\n### %s\n\n", title)
	fmt.Fprintf(b, "- Rows: %d\n", src.Rows)
	for _, arm := range src.Arms {
		fmt.Fprintf(b, "- %s: %d\n", arm.Arm, arm.Count)
	}
	b.WriteString("\nParticipant status counts and percentages:\n")
	writeBreakdown(b, src.Statuses)
	for _, arm := range src.Arms {
		if len(arm.Statuses.Counts) == 0 && arm.Statuses.Missing == 0 {
			continue
		}
		fmt.Fprintf(b, "\n%s:\n", arm.Arm)
		writeBreakdown(b, arm.Statuses)
	}
}

func writeBreakdown(b *strings.Builder, bd crosscheck.StatusBreakdown) {
	total := bd.Total()
	if total == 0 && bd.Missing == 0 {
		b.WriteString("- No valid status values found.\n")
		return
	}
	for _, sc := range bd.Counts {
		pct := float64(sc.Count) / float64(total) * 100
		fmt.Fprintf(b, "- Status %d: %d (%.2f%%)\n", sc.Status, sc.Count, pct)
	}
	if bd.Missing > 0 {
		fmt.Fprintf(b, "- Status missing/invalid: %d\n", bd.Missing)
	}
}

// BuildPreview selects the first n baseline rows whose count columns carry
// a value. n defaults to 5.
func BuildPreview(t *tabular.Table, proto protocol.Protocol, n int) Preview {
	if n <= 0 {
		n = 5
	}
	cols := proto.Columns
	countCols := make([]string, 0, 3)
	for _, col := range []string{cols.MissedCount, cols.OutsideWindowCount, cols.TotalDeviationCount} {
		if col != "" && t.HasColumn(col) {
			countCols = append(countCols, col)
		}
	}
	p := Preview{TotalRows: len(t.Rows)}
	if len(countCols) == 0 {
		return p
	}

	headers := make([]string, 0, 5+len(countCols))
	for _, col := range []string{cols.ParticipantID, cols.EventName, cols.Status, cols.PrimaryEndpoint, cols.SecondaryEndpoint} {
		if col != "" && t.HasColumn(col) {
			headers = append(headers, col)
		}
	}
	headers = append(headers, countCols...)
	p.Headers = headers

	for row := range t.Rows {
		if len(p.Rows) >= n {
			break
		}
		if strings.TrimSpace(t.Value(row, cols.EventName)) != proto.BaselineEvent {
			continue
		}
		withCounts := false
		for _, col := range countCols {
			if strings.TrimSpace(t.Value(row, col)) != "" {
				withCounts = true
				break
			}
		}
		if !withCounts {
			continue
		}
		cells := make([]string, len(headers))
		for i, col := range headers {
			cells[i] = t.Value(row, col)
		}
		p.Rows = append(p.Rows, cells)
	}
	return p
}

// mdTable renders a left-aligned pipe table. Cells are padded to the column
// width; literal pipes are escaped.
func mdTable(headers []string, rows [][]string) string {
	esc := func(s string) string { return strings.ReplaceAll(s, "|", `\|`) }

	cells := make([][]string, 0, len(rows)+1)
	head := make([]string, len(headers))
	for i, h := range headers {
		head[i] = esc(h)
	}
	cells = append(cells, head)
	for _, row := range rows {
		out := make([]string, len(headers))
		for i := range headers {
			if i < len(row) {
				out[i] = esc(row[i])
			}
		}
		cells = append(cells, out)
	}

	widths := make([]int, len(headers))
	for _, row := range cells {
		for i, c := range row {
			if n := utf8.RuneCountInString(c); n > widths[i] {
				widths[i] = n
			}
		}
	}

	var b strings.Builder
	writeRow := func(row []string) {
		for i, c := range row {
			b.WriteString("| ")
			b.WriteString(c)
			b.WriteString(strings.Repeat(" ", widths[i]-utf8.RuneCountInString(c)))
			b.WriteString(" ")
		}
		b.WriteString("|\n")
	}
	writeRow(cells[0])
	for _, w := range widths {
		b.WriteString("|:")
		b.WriteString(strings.Repeat("-", w+1))
	}
	b.WriteString("|\n")
	for _, row := range cells[1:] {
		writeRow(row)
	}
	return b.String()
}
