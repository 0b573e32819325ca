// Package structure validates per-participant event structure and row-level
// consistency of a study export: every expected event present exactly once,
// no events outside the protocol vocabulary, test dates and results entered
// together, test dates in schedule order, and no follow-up test dated before
// the effective baseline.
package structure

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/clinscope/audit/pkg/deviation"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

// Issue codes are stable identifiers; findings persist them verbatim.
const (
	CodeIncorrectRowCount       = "incorrect_expected_event_row_count"
	CodeMissingExpectedEvents   = "missing_expected_events"
	CodeDuplicateExpectedEvents = "duplicate_expected_events"
	CodeUnexpectedEvents        = "unexpected_events_found"
	CodeDateWithoutResult       = "date_without_result"
	CodeResultWithoutDate       = "result_without_date"
	CodeDateOrderViolation      = "date_order_violation"
	CodeTestBeforeBaseline      = "test_date_before_baseline"
)

// Issue is one discrepancy for one participant. Detail is the rendered
// message; Items carries the individual offending events when the code
// aggregates a list.
type Issue struct {
	Code   string   `json:"code"`
	Detail string   `json:"detail"`
	Items  []string `json:"items,omitempty"`
}

// ParticipantIssues groups every issue found for one participant.
type ParticipantIssues struct {
	Participant string  `json:"participant"`
	Issues      []Issue `json:"issues"`
}

type Report struct {
	ParticipantsChecked int                 `json:"participants_checked"`
	Flagged             []ParticipantIssues `json:"flagged"`
}

// Check validates the export against the protocol's event structure. Unlike
// the deviation engine, the full column contract is required here: date and
// result consistency cannot be judged with either column absent.
func Check(t *tabular.Table, proto protocol.Protocol) (Report, error) {
	if err := requireColumns(t, proto.Columns); err != nil {
		return Report{}, err
	}
	records, err := tabular.Normalize(t, proto.Columns.FieldMap())
	if err != nil {
		return Report{}, err
	}

	tracked := proto.TrackedEvents()
	expectedSet := proto.TrackedSet()
	order := make(map[string]int, len(tracked))
	for i, e := range tracked {
		order[e] = i
	}
	baselines := deviation.ResolveBaselines(records, proto.BaselineEvent)

	groups := make(map[string][]tabular.Record)
	var pids []string
	for _, rec := range records {
		if rec.ParticipantID == "" {
			continue
		}
		if _, ok := groups[rec.ParticipantID]; !ok {
			pids = append(pids, rec.ParticipantID)
		}
		groups[rec.ParticipantID] = append(groups[rec.ParticipantID], rec)
	}
	sort.Strings(pids)

	report := Report{ParticipantsChecked: len(pids)}
	for _, pid := range pids {
		var base *time.Time
		if b, ok := baselines[pid]; ok {
			d := b.Date
			base = &d
		}
		issues := checkParticipant(groups[pid], proto.BaselineEvent, tracked, expectedSet, order, base)
		if len(issues) > 0 {
			report.Flagged = append(report.Flagged, ParticipantIssues{Participant: pid, Issues: issues})
		}
	}
	return report, nil
}

// requireColumns enforces the structure check's full contract and reports
// every missing column at once.
func requireColumns(t *tabular.Table, cols protocol.Columns) error {
	var missing []string
	for _, req := range []struct{ name, header string }{
		{"participant id", cols.ParticipantID},
		{"event name", cols.EventName},
		{"test date", cols.TestDate},
		{"result", cols.Result},
		{"visit date", cols.VisitDate},
		{"status", cols.Status},
		{"primary endpoint", cols.PrimaryEndpoint},
	} {
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

func checkParticipant(rows []tabular.Record, baselineEvent string, tracked []string, expectedSet map[string]bool, order map[string]int, baseline *time.Time) []Issue {
	var issues []Issue

	counts := make(map[string]int)
	expectedRows := 0
	for _, r := range rows {
		counts[r.Event]++
		if expectedSet[r.Event] {
			expectedRows++
		}
	}

	if expectedRows != len(tracked) {
		issues = append(issues, Issue{
			Code:   CodeIncorrectRowCount,
			Detail: fmt.Sprintf("Found %d, Expected %d", expectedRows, len(tracked)),
		})
	}

	var missing []string
	for _, e := range tracked {
		if counts[e] == 0 {
			missing = append(missing, e)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		issues = append(issues, listIssue(CodeMissingExpectedEvents, missing))
	}

	var duplicates []string
	for _, e := range tracked {
		if counts[e] > 1 {
			duplicates = append(duplicates, fmt.Sprintf("%s (Count: %d)", e, counts[e]))
		}
	}
	if len(duplicates) > 0 {
		sort.Strings(duplicates)
		issues = append(issues, listIssue(CodeDuplicateExpectedEvents, duplicates))
	}

	var unexpected []string
	for e := range counts {
		// The blank-event sentinel is noise, not a vocabulary violation.
		if !expectedSet[e] && e != tabular.MissingEventName {
			unexpected = append(unexpected, e)
		}
	}
	if len(unexpected) > 0 {
		sort.Strings(unexpected)
		issues = append(issues, listIssue(CodeUnexpectedEvents, unexpected))
	}

	var dateNoResult, resultNoDate []string
	for _, r := range rows {
		switch {
		case r.TestDate != nil && tabular.MissingCell(r.Result):
			dateNoResult = append(dateNoResult, r.Event)
		case r.TestDate == nil && !tabular.MissingCell(r.Result):
			resultNoDate = append(resultNoDate, r.Event)
		}
	}
	if len(dateNoResult) > 0 {
		sort.Strings(dateNoResult)
		issues = append(issues, listIssue(CodeDateWithoutResult, dateNoResult))
	}
	if len(resultNoDate) > 0 {
		sort.Strings(resultNoDate)
		issues = append(issues, listIssue(CodeResultWithoutDate, resultNoDate))
	}

	if violations := dateOrderViolations(rows, expectedSet, order); len(violations) > 0 {
		issues = append(issues, listIssue(CodeDateOrderViolation, violations))
	}

	if baseline != nil {
		var early []string
		for _, r := range rows {
			if r.Event == baselineEvent || r.TestDate == nil {
				continue
			}
			if r.TestDate.Before(*baseline) {
				early = append(early, fmt.Sprintf("%s (%s)", r.Event, r.TestDate.Format("2006-01-02")))
			}
		}
		if len(early) > 0 {
			sort.Strings(early)
			issues = append(issues, listIssue(CodeTestBeforeBaseline, early))
		}
	}

	return issues
}

// dateOrderViolations orders the participant's dated expected events by
// schedule position and reports every adjacent pair whose dates decrease.
// Equal dates across consecutive visits are allowed.
func dateOrderViolations(rows []tabular.Record, expectedSet map[string]bool, order map[string]int) []string {
	type dated struct {
		event string
		order int
		date  time.Time
	}
	var seq []dated
	for _, r := range rows {
		if r.TestDate == nil || !expectedSet[r.Event] {
			continue
		}
		seq = append(seq, dated{event: r.Event, order: order[r.Event], date: *r.TestDate})
	}
	if len(seq) < 2 {
		return nil
	}
	sort.SliceStable(seq, func(i, j int) bool { return seq[i].order < seq[j].order })

	var violations []string
	for i := 0; i+1 < len(seq); i++ {
		if seq[i].date.After(seq[i+1].date) {
			violations = append(violations, fmt.Sprintf("'%s' (%s) before '%s' (%s)",
				seq[i+1].event, seq[i+1].date.Format("2006-01-02"),
				seq[i].event, seq[i].date.Format("2006-01-02")))
		}
	}
	return violations
}

func listIssue(code string, items []string) Issue {
	return Issue{Code: code, Detail: strings.Join(items, "; "), Items: items}
}
