package structure

import (
	"fmt"
	"os"
	"testing"

	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func structureTable() *tabular.Table {
	return tabular.NewTable([]string{
		"record_id", "event_name", "visit_date", "test_date",
		"participant_status", "primary_endpoint_date", "result",
	})
}

func addRow(t *tabular.Table, pid, event, testDate, result string) {
	t.AppendRow([]string{pid, event, "", testDate, "1", "", result})
}

func TestCheckCleanParticipant(t *testing.T) {
	proto := protocol.Default()
	table := structureTable()
	for i, event := range proto.TrackedEvents() {
		addRow(table, "P1", event, fmt.Sprintf("2023-%02d-10", i+1), "5")
	}

	report, err := Check(table, proto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if report.ParticipantsChecked != 1 {
		t.Errorf("expected 1 participant checked, got %d", report.ParticipantsChecked)
	}
	if len(report.Flagged) != 0 {
		t.Fatalf("expected no issues, got %+v", report.Flagged)
	}
}

func TestCheckFlagsStructuralIssues(t *testing.T) {
	proto := protocol.Default()
	table := structureTable()
	addRow(table, "P2", "study_baseline", "2023-01-10", "5")
	addRow(table, "P2", "followup_visit_1", "2023-03-10", "5")
	addRow(table, "P2", "followup_visit_1", "2023-03-12", "5")
	addRow(table, "P2", "extra_visit", "2023-04-01", "5")
	addRow(table, "", "", "", "")

	report, err := Check(table, proto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Flagged) != 1 {
		t.Fatalf("expected one flagged participant, got %d", len(report.Flagged))
	}
	issues := report.Flagged[0].Issues
	wantCodes := []string{
		CodeIncorrectRowCount,
		CodeMissingExpectedEvents,
		CodeDuplicateExpectedEvents,
		CodeUnexpectedEvents,
	}
	if len(issues) != len(wantCodes) {
		t.Fatalf("expected %d issues, got %+v", len(wantCodes), issues)
	}
	for i, want := range wantCodes {
		if issues[i].Code != want {
			t.Errorf("issue %d: expected code %s, got %s", i, want, issues[i].Code)
		}
	}
	if issues[0].Detail != "Found 3, Expected 10" {
		t.Errorf("unexpected row count detail: %q", issues[0].Detail)
	}
	if len(issues[1].Items) != 8 || issues[1].Items[0] != "end_of_study_visit" {
		t.Errorf("unexpected missing events: %v", issues[1].Items)
	}
	if issues[2].Detail != "followup_visit_1 (Count: 2)" {
		t.Errorf("unexpected duplicate detail: %q", issues[2].Detail)
	}
	if issues[3].Detail != "extra_visit" {
		t.Errorf("unexpected unexpected-event detail: %q", issues[3].Detail)
	}
}

func TestCheckDateResultConsistency(t *testing.T) {
	proto := protocol.Default()
	table := structureTable()
	for i, event := range proto.TrackedEvents() {
		date := fmt.Sprintf("2023-%02d-10", i+1)
		result := "5"
		switch event {
		case "followup_visit_2":
			result = "nan"
		case "followup_visit_3":
			date = ""
			result = "6"
		}
		addRow(table, "P3", event, date, result)
	}

	report, err := Check(table, proto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(report.Flagged) != 1 {
		t.Fatalf("expected one flagged participant, got %d", len(report.Flagged))
	}
	issues := report.Flagged[0].Issues
	if len(issues) != 2 {
		t.Fatalf("expected 2 issues, got %+v", issues)
	}
	if issues[0].Code != CodeDateWithoutResult || issues[0].Detail != "followup_visit_2" {
		t.Errorf("unexpected first issue: %+v", issues[0])
	}
	if issues[1].Code != CodeResultWithoutDate || issues[1].Detail != "followup_visit_3" {
		t.Errorf("unexpected second issue: %+v", issues[1])
	}
}

func TestCheckDateOrderViolation(t *testing.T) {
	proto := protocol.Default()
	table := structureTable()
	addRow(table, "P4", "study_baseline", "2023-01-10", "5")
	addRow(table, "P4", "followup_visit_1", "2023-05-01", "5")
	addRow(table, "P4", "followup_visit_2", "2023-02-01", "5")

	report, err := Check(table, proto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := report.Flagged[0].Issues
	var order *Issue
	for i := range issues {
		if issues[i].Code == CodeDateOrderViolation {
			order = &issues[i]
		}
	}
	if order == nil {
		t.Fatalf("expected a date order violation, got %+v", issues)
	}
	want := "'followup_visit_2' (2023-02-01) before 'followup_visit_1' (2023-05-01)"
	if order.Detail != want {
		t.Errorf("unexpected violation detail:\ngot  %q\nwant %q", order.Detail, want)
	}
}

func TestCheckTestBeforeBaseline(t *testing.T) {
	proto := protocol.Default()
	table := structureTable()
	addRow(table, "P5", "study_baseline", "2023-03-01", "5")
	addRow(table, "P5", "followup_visit_1", "2023-02-20", "5")
	addRow(table, "P5", "unscheduled_x", "2023-02-15", "5")

	report, err := Check(table, proto)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	issues := report.Flagged[0].Issues
	last := issues[len(issues)-1]
	if last.Code != CodeTestBeforeBaseline {
		t.Fatalf("expected final issue %s, got %+v", CodeTestBeforeBaseline, issues)
	}
	want := "followup_visit_1 (2023-02-20); unscheduled_x (2023-02-15)"
	if last.Detail != want {
		t.Errorf("unexpected detail:\ngot  %q\nwant %q", last.Detail, want)
	}
}

func TestCheckReportsAllMissingColumns(t *testing.T) {
	table := tabular.NewTable([]string{"record_id", "event_name", "participant_status"})
	table.AppendRow([]string{"P1", "study_baseline", "1"})

	_, err := Check(table, protocol.Default())
	if err == nil {
		t.Fatal("expected a column error")
	}
	if !tabular.IsColumnError(err) {
		t.Fatalf("expected ColumnError, got %T", err)
	}
	colErr := err.(*tabular.ColumnError)
	if len(colErr.Missing) != 4 {
		t.Errorf("expected 4 missing columns, got %v", colErr.Missing)
	}
}
