package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/clinscope/audit/pkg/common/models"
	"github.com/clinscope/audit/pkg/deviation"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type runModel struct {
	ID               uuid.UUID      `gorm:"primaryKey;column:id"`
	Dataset          string         `gorm:"column:dataset;index"`
	SecondaryDataset string         `gorm:"column:secondary_dataset"`
	MasterWorkbook   string         `gorm:"column:master_workbook"`
	Checks           datatypes.JSON `gorm:"column:checks"`
	Status           string         `gorm:"column:status"`
	RequestedBy      string         `gorm:"column:requested_by"`
	Summary          datatypes.JSON `gorm:"column:summary"`
	ErrorMessage     string         `gorm:"column:error_message"`
	CreatedAt        time.Time      `gorm:"column:created_at"`
	StartedAt        *time.Time     `gorm:"column:started_at"`
	CompletedAt      *time.Time     `gorm:"column:completed_at"`
}

func (runModel) TableName() string { return "audit_runs" }

type findingModel struct {
	ID            uuid.UUID      `gorm:"primaryKey;column:id"`
	RunID         uuid.UUID      `gorm:"column:run_id;index"`
	Check         string         `gorm:"column:check_name"`
	ParticipantID string         `gorm:"column:participant_id;index"`
	Event         string         `gorm:"column:event"`
	Code          string         `gorm:"column:code"`
	Severity      string         `gorm:"column:severity"`
	Message       string         `gorm:"column:message"`
	Detail        datatypes.JSON `gorm:"column:detail"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
}

func (findingModel) TableName() string { return "audit_findings" }

type deviationRecordModel struct {
	ID            int64     `gorm:"primaryKey;column:id"`
	RunID         uuid.UUID `gorm:"column:run_id;index"`
	Dataset       string    `gorm:"column:dataset;index"`
	ParticipantID string    `gorm:"column:participant_id"`
	Missed        int       `gorm:"column:missed_count"`
	OutsideWindow int       `gorm:"column:outside_window_count"`
	Total         int       `gorm:"column:total_count"`
	CreatedAt     time.Time `gorm:"column:created_at"`
}

func (deviationRecordModel) TableName() string { return "deviation_records" }

type Repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) AutoMigrate() error {
	return r.db.AutoMigrate(
		&runModel{},
		&findingModel{},
		&deviationRecordModel{},
	)
}

func (r *Repository) CreateRun(ctx context.Context, model *runModel) error {
	return r.db.WithContext(ctx).Create(model).Error
}

func (r *Repository) UpdateRun(ctx context.Context, id uuid.UUID, updates map[string]interface{}) error {
	return r.db.WithContext(ctx).Model(&runModel{}).Where("id = ?", id).Updates(updates).Error
}

func (r *Repository) GetRun(ctx context.Context, id uuid.UUID) (models.AuditRun, error) {
	var model runModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return models.AuditRun{}, err
	}
	return runToDomain(&model), nil
}

func (r *Repository) ListRuns(ctx context.Context, dataset string, limit int) ([]models.AuditRun, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	query := r.db.WithContext(ctx).Order("created_at DESC").Limit(limit)
	if dataset != "" {
		query = query.Where("dataset = ?", dataset)
	}
	var rows []runModel
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}
	runs := make([]models.AuditRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, runToDomain(&rows[i]))
	}
	return runs, nil
}

// LatestCompletedRun is the most recent completed run for a dataset; it
// backs the summary endpoint when the cache has expired.
func (r *Repository) LatestCompletedRun(ctx context.Context, dataset string) (models.AuditRun, error) {
	var model runModel
	err := r.db.WithContext(ctx).
		Where("dataset = ? AND status = ?", dataset, runStatusCompleted).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		return models.AuditRun{}, err
	}
	return runToDomain(&model), nil
}

func (r *Repository) InsertFindings(ctx context.Context, findings []models.AuditFinding) error {
	if len(findings) == 0 {
		return nil
	}
	rows := make([]findingModel, 0, len(findings))
	for _, f := range findings {
		row := findingModel{
			ID:            f.ID,
			RunID:         f.RunID,
			Check:         f.Check,
			ParticipantID: f.ParticipantID,
			Event:         f.Event,
			Code:          f.Code,
			Severity:      f.Severity,
			Message:       f.Message,
			CreatedAt:     f.CreatedAt,
		}
		if f.Detail != nil {
			if data, err := json.Marshal(f.Detail); err == nil {
				row.Detail = datatypes.JSON(data)
			}
		}
		rows = append(rows, row)
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, 200).Error
}

func (r *Repository) ListFindings(ctx context.Context, runID uuid.UUID, limit int) ([]models.AuditFinding, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	var rows []findingModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("participant_id, code").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	findings := make([]models.AuditFinding, 0, len(rows))
	for i := range rows {
		findings = append(findings, findingToDomain(&rows[i]))
	}
	return findings, nil
}

// InsertDeviationRecords persists the per-participant tallies of one
// engine pass, keyed by run, as the queryable audit trail behind the
// change diagnostics.
func (r *Repository) InsertDeviationRecords(ctx context.Context, runID uuid.UUID, dataset string, counts map[string]deviation.Counts) error {
	if len(counts) == 0 {
		return nil
	}
	pids := make([]string, 0, len(counts))
	for pid := range counts {
		pids = append(pids, pid)
	}
	sort.Strings(pids)

	now := time.Now().UTC()
	rows := make([]deviationRecordModel, 0, len(pids))
	for _, pid := range pids {
		c := counts[pid]
		rows = append(rows, deviationRecordModel{
			RunID:         runID,
			Dataset:       dataset,
			ParticipantID: pid,
			Missed:        c.Missed,
			OutsideWindow: c.OutsideWindow,
			Total:         c.Total(),
			CreatedAt:     now,
		})
	}
	return r.db.WithContext(ctx).CreateInBatches(rows, 500).Error
}

// IsNotFound reports whether an error is the repository's missing-record
// case, so handlers can answer 404 instead of 500.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}

func runToDomain(model *runModel) models.AuditRun {
	run := models.AuditRun{
		ID:           model.ID,
		Dataset:      model.Dataset,
		Status:       model.Status,
		RequestedBy:  model.RequestedBy,
		ErrorMessage: model.ErrorMessage,
		CreatedAt:    model.CreatedAt,
		StartedAt:    model.StartedAt,
		CompletedAt:  model.CompletedAt,
	}
	if len(model.Checks) > 0 {
		_ = json.Unmarshal(model.Checks, &run.Checks)
	}
	if len(model.Summary) > 0 {
		_ = json.Unmarshal(model.Summary, &run.Summary)
	}
	return run
}

func findingToDomain(model *findingModel) models.AuditFinding {
	finding := models.AuditFinding{
		ID:            model.ID,
		RunID:         model.RunID,
		Check:         model.Check,
		ParticipantID: model.ParticipantID,
		Event:         model.Event,
		Code:          model.Code,
		Severity:      model.Severity,
		Message:       model.Message,
		CreatedAt:     model.CreatedAt,
	}
	if len(model.Detail) > 0 {
		_ = json.Unmarshal(model.Detail, &finding.Detail)
	}
	return finding
}
