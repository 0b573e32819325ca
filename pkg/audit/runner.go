package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/common/models"
	"github.com/clinscope/audit/pkg/observability/metrics"
	"github.com/clinscope/audit/pkg/report"
	"github.com/clinscope/audit/pkg/tabular"
	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	runStatusQueued    = "queued"
	runStatusRunning   = "running"
	runStatusCompleted = "completed"
	runStatusFailed    = "failed"
)

// Runner executes audit runs asynchronously on a bounded worker pool and
// records every state transition in the repository.
type Runner struct {
	service *Service
	repo    *Repository
	workers chan struct{}
	timeout time.Duration
}

func NewRunner(service *Service, repo *Repository, maxWorkers int, timeout time.Duration) *Runner {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Runner{
		service: service,
		repo:    repo,
		workers: make(chan struct{}, maxWorkers),
		timeout: timeout,
	}
}

// Enqueue validates the request, records a queued run, and hands it to a
// worker. The returned run carries the id callers poll with.
func (r *Runner) Enqueue(ctx context.Context, req models.StartAuditRunRequest) (models.AuditRun, error) {
	checks, err := NormalizeChecks(req)
	if err != nil {
		return models.AuditRun{}, err
	}

	jobID := uuid.New()
	checksJSON, _ := json.Marshal(checks)
	model := &runModel{
		ID:               jobID,
		Dataset:          req.Dataset,
		SecondaryDataset: req.SecondaryDataset,
		MasterWorkbook:   req.MasterWorkbook,
		Checks:           datatypes.JSON(checksJSON),
		Status:           runStatusQueued,
		RequestedBy:      req.RequestedBy,
		CreatedAt:        time.Now().UTC(),
	}
	if err := r.repo.CreateRun(ctx, model); err != nil {
		return models.AuditRun{}, err
	}

	go r.run(jobID, req)

	return runToDomain(model), nil
}

func (r *Runner) run(jobID uuid.UUID, req models.StartAuditRunRequest) {
	r.workers <- struct{}{}
	metrics.ObserveQueueDepth(len(r.workers))
	defer func() {
		<-r.workers
		metrics.ObserveQueueDepth(len(r.workers))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	metrics.RunStarted()
	if err := r.repo.UpdateRun(ctx, jobID, map[string]interface{}{
		"status":     runStatusRunning,
		"started_at": time.Now().UTC(),
	}); err != nil {
		logger.Log.WithError(err).WithField("run_id", jobID.String()).Error("Failed to mark run running")
	}

	outcome, err := r.service.Execute(ctx, jobID, req)
	if err != nil {
		r.fail(ctx, jobID, req, err)
		return
	}

	summary, err := r.persist(ctx, jobID, req, outcome)
	if err != nil {
		r.fail(ctx, jobID, req, err)
		return
	}

	summaryJSON, _ := json.Marshal(summary)
	if err := r.repo.UpdateRun(ctx, jobID, map[string]interface{}{
		"status":        runStatusCompleted,
		"summary":       datatypes.JSON(summaryJSON),
		"completed_at":  time.Now().UTC(),
		"error_message": "",
	}); err != nil {
		logger.Log.WithError(err).WithField("run_id", jobID.String()).Error("Failed to mark run completed")
	}
	metrics.RunCompleted(len(outcome.Findings))

	if outcome.Summary != nil {
		r.service.cacheSummary(ctx, *outcome.Summary)
	}
	data := map[string]interface{}{
		"run_id":   jobID.String(),
		"dataset":  req.Dataset,
		"checks":   outcome.Checks,
		"findings": len(outcome.Findings),
	}
	if outcome.Summary != nil {
		data["deviation"] = outcome.Summary
	}
	r.service.publishRunEvent(ctx, "audit.run.completed", data)
}

// persist stores findings and deviation counts and writes the run's file
// artifacts. It returns the summary payload recorded on the run row.
func (r *Runner) persist(ctx context.Context, jobID uuid.UUID, req models.StartAuditRunRequest, outcome *Outcome) (map[string]interface{}, error) {
	if err := r.repo.InsertFindings(ctx, outcome.Findings); err != nil {
		return nil, err
	}

	summary := map[string]interface{}{
		"checks":   outcome.Checks,
		"findings": len(outcome.Findings),
		"rows":     len(outcome.Table.Rows),
	}
	if outcome.Summary != nil {
		if err := r.repo.InsertDeviationRecords(ctx, jobID, req.Dataset, outcome.Data.Deviation.Result.Counts); err != nil {
			return nil, err
		}
		summary["deviation"] = outcome.Summary
	}

	artifacts, err := r.writeArtifacts(jobID, outcome)
	if err != nil {
		return nil, err
	}
	if len(artifacts) > 0 {
		summary["artifacts"] = artifacts
	}
	return summary, nil
}

func (r *Runner) writeArtifacts(jobID uuid.UUID, outcome *Outcome) (map[string]string, error) {
	dir := r.service.cfg.ArtifactDir
	if dir == "" {
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	artifacts := make(map[string]string)

	reportPath := filepath.Join(dir, jobID.String()+"_report.md")
	if err := os.WriteFile(reportPath, []byte(report.Render(outcome.Data)), 0o644); err != nil {
		return nil, err
	}
	artifacts["report"] = reportPath

	if len(outcome.Findings) > 0 {
		findingsPath := filepath.Join(dir, jobID.String()+"_findings.csv")
		if err := report.WriteFindingsCSV(findingsPath, outcome.Findings); err != nil {
			return nil, err
		}
		artifacts["findings"] = findingsPath
	}

	if outcome.Data.Deviation != nil {
		annotatedPath := filepath.Join(dir, jobID.String()+"_annotated.csv")
		if err := tabular.WriteCSV(outcome.Table, annotatedPath); err != nil {
			return nil, err
		}
		artifacts["annotated"] = annotatedPath
	}
	return artifacts, nil
}

func (r *Runner) fail(ctx context.Context, jobID uuid.UUID, req models.StartAuditRunRequest, err error) {
	logger.Log.WithError(err).WithField("run_id", jobID.String()).Error("Audit run failed")
	metrics.RunFailed()
	if uerr := r.repo.UpdateRun(ctx, jobID, map[string]interface{}{
		"status":        runStatusFailed,
		"error_message": err.Error(),
		"completed_at":  time.Now().UTC(),
	}); uerr != nil {
		logger.Log.WithError(uerr).WithField("run_id", jobID.String()).Error("Failed to mark run failed")
	}
	r.service.publishRunEvent(ctx, "audit.run.failed", map[string]interface{}{
		"run_id":  jobID.String(),
		"dataset": req.Dataset,
		"error":   err.Error(),
	})
}
