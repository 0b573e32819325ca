package models

import (
	"time"

	"github.com/google/uuid"
)

// Event Bus models
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"` // audit.run.requested, audit.run.completed, audit.run.failed
	Source    string                 `json:"source"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Metadata  map[string]string      `json:"metadata,omitempty"`
}

// Audit run models
type AuditRun struct {
	ID           uuid.UUID              `json:"id"`
	Dataset      string                 `json:"dataset"`
	Checks       []string               `json:"checks"`
	Status       string                 `json:"status"`
	RequestedBy  string                 `json:"requested_by"`
	Summary      map[string]interface{} `json:"summary,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
}

type StartAuditRunRequest struct {
	Dataset          string   `json:"dataset"`
	Checks           []string `json:"checks"`
	SecondaryDataset string   `json:"secondary_dataset,omitempty"`
	MasterWorkbook   string   `json:"master_workbook,omitempty"`
	RequestedBy      string   `json:"requested_by,omitempty"`
}

type AuditFinding struct {
	ID            uuid.UUID              `json:"id"`
	RunID         uuid.UUID              `json:"run_id"`
	Check         string                 `json:"check"`
	ParticipantID string                 `json:"participant_id"`
	Event         string                 `json:"event,omitempty"`
	Code          string                 `json:"code"`
	Severity      string                 `json:"severity"`
	Message       string                 `json:"message"`
	Detail        map[string]interface{} `json:"detail,omitempty"`
	CreatedAt     time.Time              `json:"created_at"`
}

// DeviationSummary is the roll-up published after a schedule-deviation pass.
type DeviationSummary struct {
	Dataset            string    `json:"dataset"`
	RunID              string    `json:"run_id,omitempty"`
	Participants       int       `json:"participants"`
	Computed           int       `json:"computed"`
	Excluded           int       `json:"excluded"`
	MissedTotal        int       `json:"missed_total"`
	OutsideWindowTotal int       `json:"outside_window_total"`
	DeviationTotal     int       `json:"deviation_total"`
	ProxyBaselineCount int       `json:"proxy_baseline_count"`
	ChangedCounts      int       `json:"changed_counts"`
	GeneratedAt        time.Time `json:"generated_at"`
}
