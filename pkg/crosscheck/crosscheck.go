// Package crosscheck reconciles the combined group CSV exports against the
// master workbook. Baseline-row values are compared field by field between
// the two sources, participant status and endpoint dates are compared
// against the workbook's end-of-study rows, rows present in only one source
// are reported as existence findings, and per-arm participant and status
// counts are tallied for both sides.
package crosscheck

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
	"github.com/sirupsen/logrus"
)

// FieldRecordExistence labels findings about rows missing from one source,
// as opposed to findings about a disagreeing field value.
const FieldRecordExistence = "Record Existence"

// Discrepancy is one cross-source finding: either a field whose value
// disagrees between the two sources, or a row present in only one of them.
type Discrepancy struct {
	RecordID   string `json:"record_id"`
	Field      string `json:"field"`
	CSVRow     string `json:"source_csv_row"`
	ExcelRow   string `json:"source_excel_row"`
	CSVValue   string `json:"csv_value"`
	ExcelValue string `json:"excel_value"`
	Note       string `json:"note"`
}

// ArmMismatch flags a participant whose arm assignment disagrees between the
// group exports (judged by baseline event) and the workbook (judged by
// end-of-study event).
type ArmMismatch struct {
	RecordID string `json:"record_id"`
	Issue    string `json:"issue"`
}

// StatusCount is one status code's tally within a filtered source.
type StatusCount struct {
	Status int `json:"status"`
	Count  int `json:"count"`
}

// StatusBreakdown counts parseable status codes in ascending code order,
// plus the rows whose status cell was blank or unreadable.
type StatusBreakdown struct {
	Counts  []StatusCount `json:"counts,omitempty"`
	Missing int           `json:"missing,omitempty"`
}

// Total is the number of rows carrying a readable status, the denominator
// for per-status percentages.
func (b StatusBreakdown) Total() int {
	total := 0
	for _, c := range b.Counts {
		total += c.Count
	}
	return total
}

// ArmSummary tallies one arm's participants within a filtered source.
type ArmSummary struct {
	Arm      string          `json:"arm"`
	Count    int             `json:"count"`
	Statuses StatusBreakdown `json:"statuses"`
}

// SourceSummary describes one source after event filtering and
// first-row-per-participant reduction.
type SourceSummary struct {
	Rows     int             `json:"rows"`
	Arms     []ArmSummary    `json:"arms"`
	Statuses StatusBreakdown `json:"statuses"`
}

// Summary carries the participant counts reported alongside the findings.
type Summary struct {
	CSVBaseline       SourceSummary `json:"csv_baseline"`
	ExcelBaselineRows int           `json:"excel_baseline_rows"`
	ExcelEOS          SourceSummary `json:"excel_eos"`
}

// Report is the full output of one cross-source comparison.
type Report struct {
	Discrepancies []Discrepancy `json:"discrepancies"`
	ArmMismatches []ArmMismatch `json:"arm_mismatches"`
	Summary       Summary       `json:"summary"`
}

// Check reconciles the group exports, combined in the order given, against
// the master workbook sheet. For every participant with a baseline row in
// the combined exports, baseline fields (visit date, assessment-collected,
// result, test date) are compared against the workbook's baseline row and
// status plus endpoint dates against the workbook's end-of-study row.
// Workbook rows carrying a repeat-instance value are filtered out first; of
// the rows that remain, the first per participant wins.
//
// A value missing on one side only is never a mismatch: disagreement is
// reported only when both sources carry a value. Rows present in only one
// source are reported as existence findings in both directions; participants
// whose arm assignment differs between the sources are reported separately.
func Check(groups []*tabular.Table, workbook *tabular.Table, proto protocol.Protocol) (Report, error) {
	if len(groups) == 0 {
		return Report{}, errors.New("crosscheck: at least one group export is required")
	}
	if workbook == nil {
		return Report{}, errors.New("crosscheck: master workbook table is required")
	}
	if err := requireColumns(groups, workbook, proto.Columns); err != nil {
		return Report{}, err
	}

	cols := proto.Columns
	baselineEvents := make(map[string]bool)
	eosEvents := make(map[string]bool)
	armByBaseline := make(map[string]protocol.Arm)
	armByEOS := make(map[string]protocol.Arm)
	for _, arm := range proto.Crosscheck.Arms {
		baselineEvents[arm.BaselineEvent] = true
		eosEvents[arm.EndOfStudyEvent] = true
		armByBaseline[arm.BaselineEvent] = arm
		armByEOS[arm.EndOfStudyEvent] = arm
	}

	csvBase := filterFirst(groups, cols, baselineEvents, false)
	excelBase := filterFirst([]*tabular.Table{workbook}, cols, baselineEvents, true)
	excelEOS := filterFirst([]*tabular.Table{workbook}, cols, eosEvents, true)

	logger.Log.WithFields(logrus.Fields{
		"csv_baseline":   len(csvBase.ids),
		"excel_baseline": len(excelBase.ids),
		"excel_eos":      len(excelEOS.ids),
	}).Info("Cross-source filters applied")

	kinds := columnKinds(cols)
	baselineCols := compareList(cols.VisitDate, cols.AssessmentCollected, cols.Result, cols.TestDate)
	eosCols := compareList(cols.Status, cols.PrimaryEndpoint, cols.SecondaryEndpoint)

	var report Report
	for _, pid := range csvBase.sorted() {
		csvRow := csvBase.rows[pid]
		if excelRow, ok := excelBase.rows[pid]; ok {
			report.Discrepancies = append(report.Discrepancies,
				compareRows(pid, csvRow, excelRow, baselineCols, kinds, "Baseline (Filtered)")...)
		} else {
			report.Discrepancies = append(report.Discrepancies, missingInExcelFinding(
				pid, csvRow, cols, "Missing in Filtered Excel Baseline",
				"Record found in filtered CSV Baseline but not filtered Excel Baseline."))
		}
		if eosRow, ok := excelEOS.rows[pid]; ok {
			report.Discrepancies = append(report.Discrepancies,
				compareRows(pid, csvRow, eosRow, eosCols, kinds, "EOS (Filtered)")...)
		} else if hasAny(csvRow, eosCols, kinds) {
			report.Discrepancies = append(report.Discrepancies, missingInExcelFinding(
				pid, csvRow, cols, "Missing in Filtered Excel EOS",
				"Record has end-of-study fields in CSV Baseline but no matching row in filtered Excel EOS."))
		}
	}

	for _, pid := range excelBase.sorted() {
		if _, ok := csvBase.rows[pid]; ok {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, missingInCSVFinding(
			pid, excelBase.rows[pid], cols, "Baseline (Filtered)",
			"Record found in filtered Excel Baseline but not filtered CSV Baseline."))
	}
	for _, pid := range excelEOS.sorted() {
		if _, ok := csvBase.rows[pid]; ok {
			continue
		}
		// Already reported against the workbook's baseline rows.
		if _, ok := excelBase.rows[pid]; ok {
			continue
		}
		report.Discrepancies = append(report.Discrepancies, missingInCSVFinding(
			pid, excelEOS.rows[pid], cols, "EOS (Filtered)",
			"Record found in filtered Excel EOS but not filtered CSV Baseline (and not caught as Excel Baseline only)."))
	}

	csvArms := assignArms(csvBase, cols, armByBaseline)
	excelArms := assignArms(excelEOS, cols, armByEOS)
	for _, pid := range csvBase.sorted() {
		csvArm, ok := csvArms[pid]
		if !ok {
			continue
		}
		excelArm, ok := excelArms[pid]
		if !ok || csvArm == excelArm {
			continue
		}
		report.ArmMismatches = append(report.ArmMismatches, ArmMismatch{
			RecordID: pid,
			Issue: fmt.Sprintf("Arm Mismatch: CSV Baseline Event '%s' vs Excel EOS Event '%s'",
				readCell(csvBase.rows[pid], cols.EventName).raw,
				readCell(excelEOS.rows[pid], cols.EventName).raw),
		})
	}

	report.Summary = Summary{
		CSVBaseline:       summarize(csvBase, cols, proto.Crosscheck.Arms, csvArms),
		ExcelBaselineRows: len(excelBase.ids),
		ExcelEOS:          summarize(excelEOS, cols, proto.Crosscheck.Arms, excelArms),
	}

	logger.Log.WithFields(logrus.Fields{
		"discrepancies":  len(report.Discrepancies),
		"arm_mismatches": len(report.ArmMismatches),
	}).Info("Cross-source comparison finished")
	return report, nil
}

// sourceRow points back into the table a filtered row came from, so a
// comparison can read any column of the original row.
type sourceRow struct {
	table *tabular.Table
	row   int
}

// filtered is one source reduced to its first matching row per participant.
type filtered struct {
	ids  []string
	rows map[string]sourceRow
}

func (f filtered) sorted() []string {
	ids := append([]string(nil), f.ids...)
	sort.Strings(ids)
	return ids
}

// filterFirst keeps the first row per participant, in file order across the
// given tables, whose event is in the target set. With blankRepeat set,
// rows carrying a repeat-instance value are dropped before the reduction:
// the workbook lists repeating instruments as extra rows under the same
// event name.
func filterFirst(tables []*tabular.Table, cols protocol.Columns, events map[string]bool, blankRepeat bool) filtered {
	out := filtered{rows: make(map[string]sourceRow)}
	for _, t := range tables {
		for i := range t.Rows {
			pid := strings.TrimSpace(t.Value(i, cols.ParticipantID))
			if pid == "" {
				continue
			}
			if !events[strings.TrimSpace(t.Value(i, cols.EventName))] {
				continue
			}
			if blankRepeat && !tabular.MissingCell(t.Value(i, cols.RepeatInstance)) {
				continue
			}
			if _, seen := out.rows[pid]; seen {
				continue
			}
			out.rows[pid] = sourceRow{table: t, row: i}
			out.ids = append(out.ids, pid)
		}
	}
	return out
}

// compareList assembles a comparison column list, dropping unbound names.
func compareList(cols ...string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

type colKind int

const (
	kindGeneral colKind = iota
	kindResult
	kindDate
	kindStatus
)

func columnKinds(cols protocol.Columns) map[string]colKind {
	kinds := make(map[string]colKind)
	bind := func(col string, kind colKind) {
		if col != "" {
			kinds[col] = kind
		}
	}
	bind(cols.AssessmentCollected, kindGeneral)
	bind(cols.Result, kindResult)
	bind(cols.VisitDate, kindDate)
	bind(cols.TestDate, kindDate)
	bind(cols.PrimaryEndpoint, kindDate)
	bind(cols.SecondaryEndpoint, kindDate)
	bind(cols.Status, kindStatus)
	return kinds
}

// cellValue is one side of a comparison: the trimmed cell text plus whether
// the source carried the column at all.
type cellValue struct {
	raw string
	ok  bool
}

func readCell(sr sourceRow, col string) cellValue {
	if col == "" || !sr.table.HasColumn(col) {
		return cellValue{}
	}
	return cellValue{raw: strings.TrimSpace(sr.table.Value(sr.row, col)), ok: true}
}

// present reports whether the cell carries a comparable value under the
// column's rule: dates must parse, statuses must have an integer part.
func (v cellValue) present(kind colKind) bool {
	if !v.ok || tabular.MissingCell(v.raw) {
		return false
	}
	switch kind {
	case kindDate:
		_, ok := tabular.ParseDate(v.raw)
		return ok
	case kindStatus:
		_, ok := statusValue(v.raw)
		return ok
	}
	return true
}

// statusValue reads a status cell as its integer part, accepting the float
// renderings numeric exports produce ("4" and "4.0" both read as 4).
func statusValue(raw string) (int, bool) {
	n, err := strconv.Atoi(tabular.IntegerPart(raw))
	if err != nil {
		return 0, false
	}
	return n, true
}

func compareRows(pid string, csv, excel sourceRow, columns []string, kinds map[string]colKind, excelSource string) []Discrepancy {
	var out []Discrepancy
	for _, col := range columns {
		kind := kinds[col]
		csvVal := readCell(csv, col)
		excelVal := readCell(excel, col)
		mismatch, note := compareCells(kind, csvVal, excelVal)
		if !mismatch {
			continue
		}
		out = append(out, Discrepancy{
			RecordID:   pid,
			Field:      col,
			CSVRow:     "Baseline",
			ExcelRow:   excelSource,
			CSVValue:   displayValue(kind, csvVal),
			ExcelValue: displayValue(kind, excelVal),
			Note:       note,
		})
	}
	return out
}

// compareCells applies the kind-specific equality rule. A value missing on
// either side is never a mismatch here; missing rows are reported as
// existence findings instead.
func compareCells(kind colKind, csv, excel cellValue) (bool, string) {
	if !csv.present(kind) || !excel.present(kind) {
		return false, ""
	}
	switch kind {
	case kindResult:
		c, cok := tabular.FirstInteger(csv.raw)
		x, xok := tabular.FirstInteger(excel.raw)
		if cok != xok || c != x {
			return true, fmt.Sprintf("Integer part differs: CSV=%s, Excel=%s (Originals: '%s', '%s')",
				formatInt(c, cok), formatInt(x, xok), csv.raw, excel.raw)
		}
	case kindDate:
		c, _ := tabular.ParseDate(csv.raw)
		x, _ := tabular.ParseDate(excel.raw)
		if !c.Equal(x) {
			return true, "Dates differ"
		}
	case kindStatus:
		if tabular.IntegerPart(csv.raw) != tabular.IntegerPart(excel.raw) {
			return true, fmt.Sprintf("Status values differ (Originals: '%s', '%s')", csv.raw, excel.raw)
		}
	default:
		if csv.raw != excel.raw {
			return true, "Values differ"
		}
	}
	return false, ""
}

func formatInt(n int, ok bool) string {
	if !ok {
		return "none"
	}
	return strconv.Itoa(n)
}

// displayValue renders a compared cell for the finding record: dates in ISO
// form, everything else as the trimmed original.
func displayValue(kind colKind, v cellValue) string {
	if kind == kindDate {
		if d, ok := tabular.ParseDate(v.raw); ok {
			return d.Format("2006-01-02")
		}
	}
	return v.raw
}

func missingInCSVFinding(pid string, excelRow sourceRow, cols protocol.Columns, excelSource, note string) Discrepancy {
	return Discrepancy{
		RecordID:   pid,
		Field:      FieldRecordExistence,
		CSVRow:     "N/A",
		ExcelRow:   excelSource,
		CSVValue:   "Missing in Filtered CSV Baseline",
		ExcelValue: fmt.Sprintf("Exists (%s)", readCell(excelRow, cols.EventName).raw),
		Note:       note,
	}
}

func missingInExcelFinding(pid string, csvRow sourceRow, cols protocol.Columns, excelValue, note string) Discrepancy {
	return Discrepancy{
		RecordID:   pid,
		Field:      FieldRecordExistence,
		CSVRow:     "Baseline",
		ExcelRow:   "N/A",
		CSVValue:   fmt.Sprintf("Exists (%s)", readCell(csvRow, cols.EventName).raw),
		ExcelValue: excelValue,
		Note:       note,
	}
}

// hasAny reports whether the row carries a comparable value in any of the
// given columns.
func hasAny(row sourceRow, columns []string, kinds map[string]colKind) bool {
	for _, col := range columns {
		if readCell(row, col).present(kinds[col]) {
			return true
		}
	}
	return false
}

// assignArms maps each filtered participant to the arm its row's event
// belongs to.
func assignArms(f filtered, cols protocol.Columns, armByEvent map[string]protocol.Arm) map[string]string {
	out := make(map[string]string, len(f.ids))
	for pid, row := range f.rows {
		if arm, ok := armByEvent[readCell(row, cols.EventName).raw]; ok {
			out[pid] = arm.Name
		}
	}
	return out
}

func summarize(f filtered, cols protocol.Columns, arms []protocol.Arm, armOf map[string]string) SourceSummary {
	sum := SourceSummary{Rows: len(f.ids)}
	armCount := make(map[string]int)
	armStatuses := make(map[string][]int)
	armMissing := make(map[string]int)
	var all []int
	missing := 0
	for _, pid := range f.ids {
		arm := armOf[pid]
		armCount[arm]++
		status, ok := statusValue(readCell(f.rows[pid], cols.Status).raw)
		if !ok {
			missing++
			armMissing[arm]++
			continue
		}
		all = append(all, status)
		armStatuses[arm] = append(armStatuses[arm], status)
	}
	sum.Statuses = breakdown(all, missing)
	for _, arm := range arms {
		sum.Arms = append(sum.Arms, ArmSummary{
			Arm:      arm.Name,
			Count:    armCount[arm.Name],
			Statuses: breakdown(armStatuses[arm.Name], armMissing[arm.Name]),
		})
	}
	return sum
}

func breakdown(statuses []int, missing int) StatusBreakdown {
	counts := make(map[int]int)
	for _, s := range statuses {
		counts[s]++
	}
	codes := make([]int, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	b := StatusBreakdown{Missing: missing}
	for _, code := range codes {
		b.Counts = append(b.Counts, StatusCount{Status: code, Count: counts[code]})
	}
	return b
}

type requirement struct{ name, header string }

func requireColumns(groups []*tabular.Table, workbook *tabular.Table, cols protocol.Columns) error {
	core := []requirement{
		{"participant id", cols.ParticipantID},
		{"event name", cols.EventName},
	}
	for i, t := range groups {
		if err := missingColumns(t, core); err != nil {
			return fmt.Errorf("group export %d: %w", i+1, err)
		}
	}
	workbookCols := append(append([]requirement{}, core...), requirement{"repeat instance", cols.RepeatInstance})
	if err := missingColumns(workbook, workbookCols); err != nil {
		return fmt.Errorf("master workbook: %w", err)
	}
	return nil
}

func missingColumns(t *tabular.Table, required []requirement) error {
	var missing []string
	for _, req := range required {
		header := req.header
		if header == "" {
			header = req.name
		}
		if req.header == "" || !t.HasColumn(req.header) {
			missing = append(missing, header)
		}
	}
	if len(missing) > 0 {
		return &tabular.ColumnError{Missing: missing}
	}
	return nil
}
