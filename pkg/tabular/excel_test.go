package tabular

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/xuri/excelize/v2"
)

func setRow(t *testing.T, f *excelize.File, sheet string, row int, cells ...interface{}) {
	t.Helper()
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		t.Fatalf("cell name: %v", err)
	}
	if err := f.SetSheetRow(sheet, cell, &cells); err != nil {
		t.Fatalf("set row %d on %s: %v", row, sheet, err)
	}
}

func saveWorkbook(t *testing.T, f *excelize.File) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "master.xlsx")
	if err := f.SaveAs(path); err != nil {
		t.Fatalf("save workbook: %v", err)
	}
	return path
}

func TestReadWorkbookSheetCleansHeadersAndPadsRows(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet("Master"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	setRow(t, f, "Sheet1", 1, "decoy")
	setRow(t, f, "Master", 1, "\uFEFFrecord_id ", " event_name", "result")
	setRow(t, f, "Master", 2, "M1", "study_baseline", "9")
	setRow(t, f, "Master", 3, "M2")
	path := saveWorkbook(t, f)

	table, err := ReadWorkbookSheet(path, "Master")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []string{"record_id", "event_name", "result"}
	for i, h := range want {
		if table.Headers[i] != h {
			t.Fatalf("header %d not cleaned: %q", i, table.Headers[i])
		}
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	if got := table.Value(0, "result"); got != "9" {
		t.Fatalf("cell should arrive as rendered string, got %q", got)
	}
	if got := table.Value(1, "event_name"); got != "" {
		t.Fatalf("short row should pad with empty cells, got %q", got)
	}
	if table.Path != path {
		t.Fatalf("table path = %q, want %q", table.Path, path)
	}
}

func TestReadWorkbookSheetDefaultsToFirstSheet(t *testing.T) {
	f := excelize.NewFile()
	defer f.Close()
	if err := f.SetSheetName("Sheet1", "Enrollment"); err != nil {
		t.Fatalf("rename sheet: %v", err)
	}
	if _, err := f.NewSheet("Extra"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	setRow(t, f, "Enrollment", 1, "record_id", "participant_status")
	setRow(t, f, "Enrollment", 2, "E1", "5")
	setRow(t, f, "Extra", 1, "unrelated")
	path := saveWorkbook(t, f)

	table, err := ReadWorkbookSheet(path, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := table.Value(0, "participant_status"); got != "5" {
		t.Fatalf("empty sheet name should select the first sheet, got %q", got)
	}
}

func TestReadWorkbookSheetErrors(t *testing.T) {
	if _, err := ReadWorkbookSheet(filepath.Join(t.TempDir(), "nope.xlsx"), ""); err == nil {
		t.Fatal("missing workbook should fail")
	}

	f := excelize.NewFile()
	defer f.Close()
	if _, err := f.NewSheet("Empty"); err != nil {
		t.Fatalf("new sheet: %v", err)
	}
	setRow(t, f, "Sheet1", 1, "record_id")
	path := saveWorkbook(t, f)

	if _, err := ReadWorkbookSheet(path, "Ghost"); err == nil || !strings.Contains(err.Error(), "Ghost") {
		t.Fatalf("unknown sheet should fail naming the sheet, got %v", err)
	}
	if _, err := ReadWorkbookSheet(path, "Empty"); err == nil || !strings.Contains(err.Error(), "empty") {
		t.Fatalf("sheet without rows should fail, got %v", err)
	}
}
