package report

import (
	"database/sql"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/clinscope/audit/pkg/common/models"
	_ "modernc.org/sqlite"
)

// findingColumns is the flat export contract for findings, shared by the
// CSV and SQLite writers.
var findingColumns = []string{
	"id", "run_id", "check", "participant_id", "event", "code", "severity", "message", "detail",
}

func findingRecord(f models.AuditFinding) []string {
	detail := ""
	if len(f.Detail) > 0 {
		if raw, err := json.Marshal(f.Detail); err == nil {
			detail = string(raw)
		}
	}
	return []string{
		f.ID.String(),
		f.RunID.String(),
		f.Check,
		f.ParticipantID,
		f.Event,
		f.Code,
		f.Severity,
		f.Message,
		detail,
	}
}

// WriteFindingsCSV persists the run's findings as UTF-8 CSV, one row per
// finding, detail payload serialized as JSON.
func WriteFindingsCSV(path string, findings []models.AuditFinding) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(findingColumns); err != nil {
		return err
	}
	for _, finding := range findings {
		if err := w.Write(findingRecord(finding)); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

// WriteFindingsSQLite persists the run's findings as a local SQLite
// database, recreating the audit_findings table so a rerun against the same
// path never accumulates stale rows.
func WriteFindingsSQLite(path string, findings []models.AuditFinding) error {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(`DROP TABLE IF EXISTS "audit_findings"`); err != nil {
		return err
	}
	defs := make([]string, 0, len(findingColumns))
	for _, col := range findingColumns {
		defs = append(defs, fmt.Sprintf("%q TEXT", col))
	}
	if _, err := db.Exec(`CREATE TABLE "audit_findings" (` + strings.Join(defs, ",") + `)`); err != nil {
		return err
	}

	quoted := make([]string, 0, len(findingColumns))
	for _, col := range findingColumns {
		quoted = append(quoted, fmt.Sprintf("%q", col))
	}
	ph := strings.TrimRight(strings.Repeat("?,", len(findingColumns)), ",")
	stmt, err := db.Prepare(`INSERT INTO "audit_findings" (` + strings.Join(quoted, ",") + `) VALUES (` + ph + `)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, finding := range findings {
		rec := findingRecord(finding)
		args := make([]any, len(rec))
		for i, v := range rec {
			args[i] = v
		}
		if _, err := stmt.Exec(args...); err != nil {
			return err
		}
	}

	for _, idx := range []string{
		`CREATE INDEX IF NOT EXISTS idx_audit_findings_participant ON audit_findings(participant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_findings_check_code ON audit_findings("check", code)`,
	} {
		if _, err := db.Exec(idx); err != nil {
			return err
		}
	}
	return nil
}
