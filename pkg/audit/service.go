// Package audit orchestrates audit runs over study exports: it loads the
// requested files, drives the individual check passes, collects their
// findings, and persists, caches and publishes the results. The same core
// backs the HTTP service and the offline runner; the repository, cache and
// event producer are each optional.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/clinscope/audit/pkg/common/config"
	"github.com/clinscope/audit/pkg/common/kafka"
	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/common/models"
	"github.com/clinscope/audit/pkg/crosscheck"
	"github.com/clinscope/audit/pkg/deviation"
	"github.com/clinscope/audit/pkg/observability/metrics"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/report"
	"github.com/clinscope/audit/pkg/statuscheck"
	"github.com/clinscope/audit/pkg/structure"
	"github.com/clinscope/audit/pkg/tabular"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	CheckDeviation  = "deviation"
	CheckStructure  = "structure"
	CheckStatus     = "status"
	CheckCrosscheck = "crosscheck"
)

const (
	severityInfo    = "info"
	severityWarning = "warning"
)

const summaryKeyPrefix = "audit:summary:"

// ErrNoPersistence is returned by query methods when the service runs
// without a repository, as the offline runner does.
var ErrNoPersistence = errors.New("audit: persistence is not configured")

// checkOrder is the canonical execution order of the passes.
var checkOrder = []string{CheckDeviation, CheckStructure, CheckStatus, CheckCrosscheck}

// NormalizeChecks validates and deduplicates the requested check names and
// returns them in canonical order. An empty request selects every check the
// request can support: the cross-source pass joins only when a master
// workbook is named.
func NormalizeChecks(req models.StartAuditRunRequest) ([]string, error) {
	if len(req.Checks) == 0 {
		checks := []string{CheckDeviation, CheckStructure, CheckStatus}
		if strings.TrimSpace(req.MasterWorkbook) != "" {
			checks = append(checks, CheckCrosscheck)
		}
		return checks, nil
	}

	known := map[string]bool{
		CheckDeviation:  true,
		CheckStructure:  true,
		CheckStatus:     true,
		CheckCrosscheck: true,
	}
	requested := make(map[string]bool, len(req.Checks))
	for _, c := range req.Checks {
		name := strings.ToLower(strings.TrimSpace(c))
		if !known[name] {
			return nil, fmt.Errorf("audit: unknown check %q", c)
		}
		requested[name] = true
	}
	if requested[CheckCrosscheck] && strings.TrimSpace(req.MasterWorkbook) == "" {
		return nil, errors.New("audit: the crosscheck requires a master workbook")
	}

	checks := make([]string, 0, len(requested))
	for _, name := range checkOrder {
		if requested[name] {
			checks = append(checks, name)
		}
	}
	return checks, nil
}

// Outcome is everything one run produced: the annotated table, the
// renderable report material, the flat findings, and the deviation roll-up
// when that pass ran.
type Outcome struct {
	Checks   []string
	Table    *tabular.Table
	Data     report.RunData
	Findings []models.AuditFinding
	Summary  *models.DeviationSummary
}

type Service struct {
	proto    protocol.Protocol
	cfg      *config.Config
	repo     *Repository
	cache    *redis.Client
	producer *kafka.Producer
}

// NewService wires the audit core. repo, cache and producer may each be
// nil; the offline runner uses the same core with no infrastructure
// behind it.
func NewService(proto protocol.Protocol, cfg *config.Config, repo *Repository, cache *redis.Client, producer *kafka.Producer) *Service {
	return &Service{
		proto:    proto,
		cfg:      cfg,
		repo:     repo,
		cache:    cache,
		producer: producer,
	}
}

// Execute runs the requested checks over the named files and returns the
// collected outcome. It performs no persistence; callers decide what to do
// with the annotated table and the findings.
func (s *Service) Execute(ctx context.Context, runID uuid.UUID, req models.StartAuditRunRequest) (*Outcome, error) {
	checks, err := NormalizeChecks(req)
	if err != nil {
		return nil, err
	}
	path, err := s.resolvePath(req.Dataset)
	if err != nil {
		return nil, err
	}
	table, err := tabular.ReadCSV(path)
	if err != nil {
		return nil, fmt.Errorf("load dataset %s: %w", req.Dataset, err)
	}
	metrics.RowsNormalized(len(table.Rows))

	out := &Outcome{
		Checks: checks,
		Table:  table,
		Data:   report.RunData{Study: s.proto.Study, Dataset: req.Dataset},
	}

	logger.Log.WithFields(logrus.Fields{
		"run_id":  runID.String(),
		"dataset": req.Dataset,
		"checks":  strings.Join(checks, ","),
		"rows":    len(table.Rows),
	}).Info("Audit run starting")

	for _, check := range checks {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}
		switch check {
		case CheckDeviation:
			err = s.runDeviation(runID, req.Dataset, out)
		case CheckStructure:
			err = s.runStructure(runID, out)
		case CheckStatus:
			err = s.runStatus(runID, out)
		case CheckCrosscheck:
			err = s.runCrosscheck(runID, req, out)
		}
		if err != nil {
			return nil, fmt.Errorf("%s check: %w", check, err)
		}
	}

	logger.Log.WithFields(logrus.Fields{
		"run_id":   runID.String(),
		"findings": len(out.Findings),
	}).Info("Audit run finished")
	return out, nil
}

// resolvePath anchors a requested file under the configured data
// directory. With no data directory (the offline runner), paths are used
// as given.
func (s *Service) resolvePath(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", errors.New("audit: file name is required")
	}
	if s.cfg.DataDir == "" {
		return name, nil
	}
	clean := filepath.Clean(name)
	if filepath.IsAbs(clean) || strings.HasPrefix(clean, "..") {
		return "", fmt.Errorf("audit: file %q must be relative to the data directory", name)
	}
	return filepath.Join(s.cfg.DataDir, clean), nil
}

func (s *Service) runDeviation(runID uuid.UUID, dataset string, out *Outcome) error {
	records, err := tabular.Normalize(out.Table, s.proto.Columns.FieldMap())
	if err != nil {
		return err
	}
	snap := deviation.SnapshotCounts(out.Table, s.proto)
	engine := deviation.NewEngine(s.proto, s.cfg.EngineWorkers)
	res := engine.Run(records)
	stats := deviation.Apply(out.Table, s.proto, res)
	changes := deviation.DiffCounts(out.Table, s.proto, snap, res)

	out.Data.Deviation = &report.DeviationSection{
		Result:        res,
		Stats:         stats,
		ChangeColumns: snap.Columns,
		Changes:       changes,
		Preview:       report.BuildPreview(out.Table, s.proto, 5),
	}

	participants := make(map[string]bool)
	for _, rec := range records {
		if rec.ParticipantID != "" {
			participants[rec.ParticipantID] = true
		}
	}
	summary := models.DeviationSummary{
		Dataset:            dataset,
		RunID:              runID.String(),
		Participants:       len(participants),
		Computed:           len(res.Counts),
		Excluded:           len(res.Excluded),
		ProxyBaselineCount: res.ProxyBaselineCount,
		ChangedCounts:      len(changes),
		GeneratedAt:        time.Now().UTC(),
	}
	for _, c := range res.Counts {
		summary.MissedTotal += c.Missed
		summary.OutsideWindowTotal += c.OutsideWindow
		summary.DeviationTotal += c.Total()
	}
	out.Summary = &summary

	pids := make([]string, 0, len(res.Counts))
	for pid := range res.Counts {
		pids = append(pids, pid)
	}
	sort.Strings(pids)
	now := time.Now().UTC()
	for _, pid := range pids {
		c := res.Counts[pid]
		if c.Total() == 0 {
			continue
		}
		out.Findings = append(out.Findings, models.AuditFinding{
			ID:            uuid.New(),
			RunID:         runID,
			Check:         CheckDeviation,
			ParticipantID: pid,
			Code:          "schedule_deviation",
			Severity:      severityWarning,
			Message:       fmt.Sprintf("%d missed, %d outside the visit window", c.Missed, c.OutsideWindow),
			Detail: map[string]interface{}{
				"missed":         c.Missed,
				"outside_window": c.OutsideWindow,
				"total":          c.Total(),
			},
			CreatedAt: now,
		})
	}
	return nil
}

func (s *Service) runStructure(runID uuid.UUID, out *Outcome) error {
	rep, err := structure.Check(out.Table, s.proto)
	if err != nil {
		return err
	}
	out.Data.Structure = &rep

	now := time.Now().UTC()
	for _, p := range rep.Flagged {
		for _, issue := range p.Issues {
			finding := models.AuditFinding{
				ID:            uuid.New(),
				RunID:         runID,
				Check:         CheckStructure,
				ParticipantID: p.Participant,
				Code:          issue.Code,
				Severity:      severityWarning,
				Message:       issue.Detail,
				CreatedAt:     now,
			}
			if len(issue.Items) > 0 {
				finding.Detail = map[string]interface{}{"items": issue.Items}
			}
			out.Findings = append(out.Findings, finding)
		}
	}
	return nil
}

func (s *Service) runStatus(runID uuid.UUID, out *Outcome) error {
	rep, err := statuscheck.Check(out.Table, s.proto)
	if err != nil {
		return err
	}
	out.Data.Status = &rep

	statuses := make([]int, 0, len(rep.ByStatus))
	for status := range rep.ByStatus {
		statuses = append(statuses, status)
	}
	sort.Ints(statuses)

	now := time.Now().UTC()
	for _, status := range statuses {
		for _, pid := range rep.ByStatus[status] {
			out.Findings = append(out.Findings, models.AuditFinding{
				ID:            uuid.New(),
				RunID:         runID,
				Check:         CheckStatus,
				ParticipantID: pid,
				Code:          "review_candidate",
				Severity:      severityInfo,
				Message:       fmt.Sprintf("Status %d with no test date on any tracked event", status),
				Detail: map[string]interface{}{
					"status":        status,
					"target_status": rep.TargetStatus,
				},
				CreatedAt: now,
			})
		}
	}
	return nil
}

func (s *Service) runCrosscheck(runID uuid.UUID, req models.StartAuditRunRequest, out *Outcome) error {
	groups := []*tabular.Table{out.Table}
	if strings.TrimSpace(req.SecondaryDataset) != "" {
		path, err := s.resolvePath(req.SecondaryDataset)
		if err != nil {
			return err
		}
		second, err := tabular.ReadCSV(path)
		if err != nil {
			return fmt.Errorf("load dataset %s: %w", req.SecondaryDataset, err)
		}
		groups = append(groups, second)
	}
	path, err := s.resolvePath(req.MasterWorkbook)
	if err != nil {
		return err
	}
	workbook, err := tabular.ReadWorkbookSheet(path, s.proto.Crosscheck.Sheet)
	if err != nil {
		return fmt.Errorf("load workbook %s: %w", req.MasterWorkbook, err)
	}

	rep, err := crosscheck.Check(groups, workbook, s.proto)
	if err != nil {
		return err
	}
	out.Data.Crosscheck = &rep

	now := time.Now().UTC()
	for _, d := range rep.Discrepancies {
		code := "value_mismatch"
		if d.Field == crosscheck.FieldRecordExistence {
			code = "missing_row"
		}
		out.Findings = append(out.Findings, models.AuditFinding{
			ID:            uuid.New(),
			RunID:         runID,
			Check:         CheckCrosscheck,
			ParticipantID: d.RecordID,
			Code:          code,
			Severity:      severityWarning,
			Message:       d.Note,
			Detail: map[string]interface{}{
				"field":       d.Field,
				"csv_value":   d.CSVValue,
				"excel_value": d.ExcelValue,
			},
			CreatedAt: now,
		})
	}
	for _, m := range rep.ArmMismatches {
		out.Findings = append(out.Findings, models.AuditFinding{
			ID:            uuid.New(),
			RunID:         runID,
			Check:         CheckCrosscheck,
			ParticipantID: m.RecordID,
			Code:          "arm_mismatch",
			Severity:      severityWarning,
			Message:       m.Issue,
			CreatedAt:     now,
		})
	}
	return nil
}

func (s *Service) GetRun(ctx context.Context, id uuid.UUID) (models.AuditRun, error) {
	if s.repo == nil {
		return models.AuditRun{}, ErrNoPersistence
	}
	return s.repo.GetRun(ctx, id)
}

func (s *Service) ListRuns(ctx context.Context, dataset string, limit int) ([]models.AuditRun, error) {
	if s.repo == nil {
		return nil, ErrNoPersistence
	}
	return s.repo.ListRuns(ctx, dataset, limit)
}

func (s *Service) ListFindings(ctx context.Context, runID uuid.UUID, limit int) ([]models.AuditFinding, error) {
	if s.repo == nil {
		return nil, ErrNoPersistence
	}
	return s.repo.ListFindings(ctx, runID, limit)
}

// DatasetSummary returns the latest deviation roll-up for a dataset, from
// the cache when fresh, otherwise from the last completed run.
func (s *Service) DatasetSummary(ctx context.Context, dataset string) (models.DeviationSummary, error) {
	if s.cache != nil {
		raw, err := s.cache.Get(ctx, summaryKeyPrefix+dataset).Result()
		if err == nil {
			var summary models.DeviationSummary
			if jerr := json.Unmarshal([]byte(raw), &summary); jerr == nil {
				return summary, nil
			}
		} else if !errors.Is(err, redis.Nil) {
			logger.Log.WithError(err).Warn("summary cache read failed")
		}
	}

	if s.repo == nil {
		return models.DeviationSummary{}, ErrNoPersistence
	}
	run, err := s.repo.LatestCompletedRun(ctx, dataset)
	if err != nil {
		return models.DeviationSummary{}, err
	}
	raw, ok := run.Summary["deviation"]
	if !ok {
		return models.DeviationSummary{}, fmt.Errorf("audit: no deviation summary recorded for dataset %s", dataset)
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return models.DeviationSummary{}, err
	}
	var summary models.DeviationSummary
	if err := json.Unmarshal(data, &summary); err != nil {
		return models.DeviationSummary{}, err
	}
	return summary, nil
}

func (s *Service) cacheSummary(ctx context.Context, summary models.DeviationSummary) {
	if s.cache == nil {
		return
	}
	data, err := json.Marshal(summary)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, summaryKeyPrefix+summary.Dataset, data, s.cfg.SummaryCacheTTL).Err(); err != nil {
		logger.Log.WithError(err).Warn("summary cache write failed")
	}
}

func (s *Service) publishRunEvent(ctx context.Context, eventType string, data map[string]interface{}) {
	if s.producer == nil {
		return
	}
	if err := s.producer.PublishEvent(ctx, eventType, "audit-service", data); err != nil {
		logger.Log.WithError(err).WithField("event_type", eventType).Warn("failed to publish run event")
	}
}
