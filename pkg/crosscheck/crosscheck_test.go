package crosscheck

import (
	"os"
	"reflect"
	"strings"
	"testing"

	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

func TestMain(m *testing.M) {
	logger.Init()
	os.Exit(m.Run())
}

func groupTable() *tabular.Table {
	return tabular.NewTable([]string{
		"record_id", "event_name", "visit_date", "test_date", "participant_status",
		"primary_endpoint_date", "secondary_endpoint_date", "result", "assessment_collected",
	})
}

func workbookTable() *tabular.Table {
	return tabular.NewTable([]string{
		"record_id", "event_name", "repeat_instance", "visit_date", "test_date",
		"participant_status", "primary_endpoint_date", "secondary_endpoint_date",
		"result", "assessment_collected",
	})
}

func addRow(t *tabular.Table, cells map[string]string) {
	row := make([]string, len(t.Headers))
	for i, h := range t.Headers {
		row[i] = cells[h]
	}
	t.AppendRow(row)
}

func TestCheckFlagsValueMismatches(t *testing.T) {
	g1 := groupTable()
	addRow(g1, map[string]string{
		"record_id": "P1", "event_name": "baseline_arm_1",
		"visit_date": "2023-01-10", "test_date": "2023-01-10",
		"participant_status": "1", "result": "Score: 12", "assessment_collected": "Yes",
	})
	addRow(g1, map[string]string{
		"record_id": "P3", "event_name": "baseline_arm_1", "test_date": "2023-02-01",
	})
	g2 := groupTable()
	addRow(g2, map[string]string{
		"record_id": "P2", "event_name": "baseline_arm_2",
		"participant_status": "2", "primary_endpoint_date": "2023-06-01",
		"result": "Score: 7", "assessment_collected": "Yes",
	})

	wb := workbookTable()
	addRow(wb, map[string]string{
		"record_id": "P1", "event_name": "baseline_arm_1",
		"visit_date": "2023-01-11", "test_date": "2023-01-10",
		"result": "12 points", "assessment_collected": "Yes",
	})
	addRow(wb, map[string]string{
		"record_id": "P1", "event_name": "end_of_study_arm_1", "participant_status": "1.0",
	})
	addRow(wb, map[string]string{
		"record_id": "P2", "event_name": "baseline_arm_2",
		"result": "8", "assessment_collected": "No",
	})
	addRow(wb, map[string]string{
		"record_id": "P2", "event_name": "end_of_study_arm_2",
		"participant_status": "3", "primary_endpoint_date": "2023-06-02",
	})
	addRow(wb, map[string]string{
		"record_id": "P3", "event_name": "baseline_arm_1",
	})
	addRow(wb, map[string]string{
		"record_id": "P3", "event_name": "end_of_study_arm_1", "participant_status": "4",
	})

	rep, err := Check([]*tabular.Table{g1, g2}, wb, protocol.Default())
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}

	want := []Discrepancy{
		{
			RecordID: "P1", Field: "visit_date",
			CSVRow: "Baseline", ExcelRow: "Baseline (Filtered)",
			CSVValue: "2023-01-10", ExcelValue: "2023-01-11",
			Note: "Dates differ",
		},
		{
			RecordID: "P2", Field: "assessment_collected",
			CSVRow: "Baseline", ExcelRow: "Baseline (Filtered)",
			CSVValue: "Yes", ExcelValue: "No",
			Note: "Values differ",
		},
		{
			RecordID: "P2", Field: "result",
			CSVRow: "Baseline", ExcelRow: "Baseline (Filtered)",
			CSVValue: "Score: 7", ExcelValue: "8",
			Note: "Integer part differs: CSV=7, Excel=8 (Originals: 'Score: 7', '8')",
		},
		{
			RecordID: "P2", Field: "participant_status",
			CSVRow: "Baseline", ExcelRow: "EOS (Filtered)",
			CSVValue: "2", ExcelValue: "3",
			Note: "Status values differ (Originals: '2', '3')",
		},
		{
			RecordID: "P2", Field: "primary_endpoint_date",
			CSVRow: "Baseline", ExcelRow: "EOS (Filtered)",
			CSVValue: "2023-06-01", ExcelValue: "2023-06-02",
			Note: "Dates differ",
		},
	}
	if !reflect.DeepEqual(rep.Discrepancies, want) {
		t.Fatalf("expected discrepancies %+v, got %+v", want, rep.Discrepancies)
	}
	if len(rep.ArmMismatches) != 0 {
		t.Fatalf("expected no arm mismatches, got %+v", rep.ArmMismatches)
	}
}

func TestCheckRepeatInstanceAndDuplicateRows(t *testing.T) {
	g1 := groupTable()
	addRow(g1, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1", "result": "1"})
	g2 := groupTable()
	addRow(g2, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1", "result": "7"})

	wb := workbookTable()
	addRow(wb, map[string]string{
		"record_id": "P1", "event_name": "baseline_arm_1", "repeat_instance": "2", "result": "99",
	})
	addRow(wb, map[string]string{
		"record_id": "P1", "event_name": "baseline_arm_1", "result": "12",
	})
	addRow(wb, map[string]string{
		"record_id": "P1", "event_name": "baseline_arm_1", "result": "55",
	})

	rep, err := Check([]*tabular.Table{g1, g2}, wb, protocol.Default())
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if len(rep.Discrepancies) != 1 {
		t.Fatalf("expected 1 discrepancy, got %d: %+v", len(rep.Discrepancies), rep.Discrepancies)
	}
	got := rep.Discrepancies[0]
	if got.CSVValue != "1" || got.ExcelValue != "12" {
		t.Fatalf("expected first group row compared against first workbook row without repeat instance, got %+v", got)
	}
	if got.Note != "Integer part differs: CSV=1, Excel=12 (Originals: '1', '12')" {
		t.Fatalf("unexpected note %q", got.Note)
	}
}

func TestCheckReportsMissingRowsBothDirections(t *testing.T) {
	g1 := groupTable()
	addRow(g1, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1"})
	addRow(g1, map[string]string{"record_id": "P5", "event_name": "baseline_arm_2", "participant_status": "2"})
	addRow(g1, map[string]string{"record_id": "P6", "event_name": "baseline_arm_1"})

	wb := workbookTable()
	addRow(wb, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1"})
	addRow(wb, map[string]string{"record_id": "P1", "event_name": "end_of_study_arm_1"})
	addRow(wb, map[string]string{"record_id": "P2", "event_name": "baseline_arm_1"})
	addRow(wb, map[string]string{"record_id": "P3", "event_name": "end_of_study_arm_1"})
	addRow(wb, map[string]string{"record_id": "P4", "event_name": "baseline_arm_2"})
	addRow(wb, map[string]string{"record_id": "P4", "event_name": "end_of_study_arm_2"})

	rep, err := Check([]*tabular.Table{g1}, wb, protocol.Default())
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}

	want := []Discrepancy{
		{
			RecordID: "P5", Field: FieldRecordExistence,
			CSVRow: "Baseline", ExcelRow: "N/A",
			CSVValue: "Exists (baseline_arm_2)", ExcelValue: "Missing in Filtered Excel Baseline",
			Note: "Record found in filtered CSV Baseline but not filtered Excel Baseline.",
		},
		{
			RecordID: "P5", Field: FieldRecordExistence,
			CSVRow: "Baseline", ExcelRow: "N/A",
			CSVValue: "Exists (baseline_arm_2)", ExcelValue: "Missing in Filtered Excel EOS",
			Note: "Record has end-of-study fields in CSV Baseline but no matching row in filtered Excel EOS.",
		},
		{
			RecordID: "P6", Field: FieldRecordExistence,
			CSVRow: "Baseline", ExcelRow: "N/A",
			CSVValue: "Exists (baseline_arm_1)", ExcelValue: "Missing in Filtered Excel Baseline",
			Note: "Record found in filtered CSV Baseline but not filtered Excel Baseline.",
		},
		{
			RecordID: "P2", Field: FieldRecordExistence,
			CSVRow: "N/A", ExcelRow: "Baseline (Filtered)",
			CSVValue: "Missing in Filtered CSV Baseline", ExcelValue: "Exists (baseline_arm_1)",
			Note: "Record found in filtered Excel Baseline but not filtered CSV Baseline.",
		},
		{
			RecordID: "P4", Field: FieldRecordExistence,
			CSVRow: "N/A", ExcelRow: "Baseline (Filtered)",
			CSVValue: "Missing in Filtered CSV Baseline", ExcelValue: "Exists (baseline_arm_2)",
			Note: "Record found in filtered Excel Baseline but not filtered CSV Baseline.",
		},
		{
			RecordID: "P3", Field: FieldRecordExistence,
			CSVRow: "N/A", ExcelRow: "EOS (Filtered)",
			CSVValue: "Missing in Filtered CSV Baseline", ExcelValue: "Exists (end_of_study_arm_1)",
			Note: "Record found in filtered Excel EOS but not filtered CSV Baseline (and not caught as Excel Baseline only).",
		},
	}
	if !reflect.DeepEqual(rep.Discrepancies, want) {
		t.Fatalf("expected existence findings %+v, got %+v", want, rep.Discrepancies)
	}
}

func TestCheckFlagsArmMismatches(t *testing.T) {
	g1 := groupTable()
	addRow(g1, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1"})
	addRow(g1, map[string]string{"record_id": "P2", "event_name": "baseline_arm_2"})
	addRow(g1, map[string]string{"record_id": "P3", "event_name": "baseline_arm_1"})

	wb := workbookTable()
	addRow(wb, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1"})
	addRow(wb, map[string]string{"record_id": "P2", "event_name": "baseline_arm_2"})
	addRow(wb, map[string]string{"record_id": "P3", "event_name": "baseline_arm_1"})
	addRow(wb, map[string]string{"record_id": "P1", "event_name": "end_of_study_arm_2"})
	addRow(wb, map[string]string{"record_id": "P2", "event_name": "end_of_study_arm_2"})
	addRow(wb, map[string]string{"record_id": "P3", "event_name": "end_of_study_arm_1"})

	rep, err := Check([]*tabular.Table{g1}, wb, protocol.Default())
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}
	if len(rep.Discrepancies) != 0 {
		t.Fatalf("expected no value discrepancies, got %+v", rep.Discrepancies)
	}
	want := []ArmMismatch{
		{
			RecordID: "P1",
			Issue:    "Arm Mismatch: CSV Baseline Event 'baseline_arm_1' vs Excel EOS Event 'end_of_study_arm_2'",
		},
	}
	if !reflect.DeepEqual(rep.ArmMismatches, want) {
		t.Fatalf("expected arm mismatches %+v, got %+v", want, rep.ArmMismatches)
	}
}

func TestCheckSummaryCounts(t *testing.T) {
	g1 := groupTable()
	addRow(g1, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1", "participant_status": "1"})
	addRow(g1, map[string]string{"record_id": "P2", "event_name": "baseline_arm_1", "participant_status": "2"})
	addRow(g1, map[string]string{"record_id": "P5", "event_name": "baseline_arm_1"})
	g2 := groupTable()
	addRow(g2, map[string]string{"record_id": "P3", "event_name": "baseline_arm_2", "participant_status": "1"})
	addRow(g2, map[string]string{"record_id": "P4", "event_name": "baseline_arm_2", "participant_status": "5.0"})

	wb := workbookTable()
	addRow(wb, map[string]string{"record_id": "P1", "event_name": "baseline_arm_1"})
	addRow(wb, map[string]string{"record_id": "P2", "event_name": "baseline_arm_1"})
	addRow(wb, map[string]string{"record_id": "P1", "event_name": "end_of_study_arm_1", "participant_status": "3"})
	addRow(wb, map[string]string{"record_id": "P3", "event_name": "end_of_study_arm_2", "participant_status": "n/a"})
	addRow(wb, map[string]string{"record_id": "P6", "event_name": "end_of_study_arm_2", "participant_status": "4"})

	rep, err := Check([]*tabular.Table{g1, g2}, wb, protocol.Default())
	if err != nil {
		t.Fatalf("Check returned error: %v", err)
	}

	want := Summary{
		CSVBaseline: SourceSummary{
			Rows: 5,
			Arms: []ArmSummary{
				{Arm: "arm_1", Count: 3, Statuses: StatusBreakdown{
					Counts:  []StatusCount{{Status: 1, Count: 1}, {Status: 2, Count: 1}},
					Missing: 1,
				}},
				{Arm: "arm_2", Count: 2, Statuses: StatusBreakdown{
					Counts: []StatusCount{{Status: 1, Count: 1}, {Status: 5, Count: 1}},
				}},
			},
			Statuses: StatusBreakdown{
				Counts:  []StatusCount{{Status: 1, Count: 2}, {Status: 2, Count: 1}, {Status: 5, Count: 1}},
				Missing: 1,
			},
		},
		ExcelBaselineRows: 2,
		ExcelEOS: SourceSummary{
			Rows: 3,
			Arms: []ArmSummary{
				{Arm: "arm_1", Count: 1, Statuses: StatusBreakdown{
					Counts: []StatusCount{{Status: 3, Count: 1}},
				}},
				{Arm: "arm_2", Count: 2, Statuses: StatusBreakdown{
					Counts:  []StatusCount{{Status: 4, Count: 1}},
					Missing: 1,
				}},
			},
			Statuses: StatusBreakdown{
				Counts:  []StatusCount{{Status: 3, Count: 1}, {Status: 4, Count: 1}},
				Missing: 1,
			},
		},
	}
	if !reflect.DeepEqual(rep.Summary, want) {
		t.Fatalf("expected summary %+v, got %+v", want, rep.Summary)
	}
	if got := rep.Summary.CSVBaseline.Statuses.Total(); got != 4 {
		t.Fatalf("expected 4 rows with readable status, got %d", got)
	}
}

func TestCheckRequiresColumns(t *testing.T) {
	g := tabular.NewTable([]string{"event_name"})
	_, err := Check([]*tabular.Table{g}, workbookTable(), protocol.Default())
	if err == nil {
		t.Fatal("expected error for group export without id column")
	}
	if !tabular.IsColumnError(err) {
		t.Fatalf("expected column error, got %v", err)
	}
	if !strings.Contains(err.Error(), "group export 1") || !strings.Contains(err.Error(), "record_id") {
		t.Fatalf("unexpected error message %q", err.Error())
	}

	wb := tabular.NewTable([]string{"record_id", "event_name"})
	_, err = Check([]*tabular.Table{groupTable()}, wb, protocol.Default())
	if err == nil {
		t.Fatal("expected error for workbook without repeat instance column")
	}
	if !tabular.IsColumnError(err) {
		t.Fatalf("expected column error, got %v", err)
	}
	if !strings.Contains(err.Error(), "master workbook") || !strings.Contains(err.Error(), "repeat_instance") {
		t.Fatalf("unexpected error message %q", err.Error())
	}

	if _, err := Check(nil, workbookTable(), protocol.Default()); err == nil {
		t.Fatal("expected error for missing group exports")
	}
	if _, err := Check([]*tabular.Table{groupTable()}, nil, protocol.Default()); err == nil {
		t.Fatal("expected error for missing workbook")
	}
}
