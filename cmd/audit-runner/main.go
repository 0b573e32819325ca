// The audit runner executes the audit checks over local files without any
// service infrastructure: no postgres, no redis, no kafka. It prints the
// markdown report to stdout and writes the annotated export next to the
// input, so it can run as a scheduled batch job on an export directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/clinscope/audit/pkg/audit"
	"github.com/clinscope/audit/pkg/common/config"
	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/common/models"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/report"
	"github.com/clinscope/audit/pkg/tabular"
)

func main() {
	input := flag.String("input", "", "study export CSV to audit (required)")
	secondary := flag.String("secondary", "", "second export group CSV for the cross-source check")
	master := flag.String("master", "", "master workbook (.xlsx) for the cross-source check")
	protocolPath := flag.String("protocol", "", "protocol YAML; the built-in default when empty")
	checksFlag := flag.String("checks", "", "comma-separated checks to run (deviation,structure,status,crosscheck); all applicable when empty")
	output := flag.String("output", "", "annotated CSV destination; defaults to <input>_annotated.csv")
	reportPath := flag.String("report", "", "markdown report destination; stdout when empty")
	findingsPath := flag.String("findings", "", "findings CSV destination (optional)")
	sqlitePath := flag.String("sqlite", "", "findings SQLite database destination (optional)")
	workers := flag.Int("workers", 4, "deviation engine worker count")
	flag.Parse()

	// Logs go to stderr in text form so the report can stream to stdout.
	if os.Getenv("LOG_FORMAT") == "" {
		os.Setenv("LOG_FORMAT", "text")
	}
	logger.Init()
	logger.Log.SetOutput(os.Stderr)

	if *input == "" {
		fmt.Fprintln(os.Stderr, "audit-runner: -input is required")
		flag.Usage()
		os.Exit(2)
	}

	proto, err := loadProtocol(*protocolPath)
	if err != nil {
		logger.Log.WithError(err).Fatal("failed to load protocol")
	}

	cfg := config.Load()
	cfg.DataDir = "" // CLI paths are used as given
	cfg.EngineWorkers = *workers

	var checks []string
	if *checksFlag != "" {
		for _, c := range strings.Split(*checksFlag, ",") {
			if c = strings.TrimSpace(c); c != "" {
				checks = append(checks, c)
			}
		}
	}
	req := models.StartAuditRunRequest{
		Dataset:          *input,
		SecondaryDataset: *secondary,
		MasterWorkbook:   *master,
		Checks:           checks,
		RequestedBy:      "audit-runner",
	}

	service := audit.NewService(proto, cfg, nil, nil, nil)
	runID := uuid.New()

	out, err := service.Execute(context.Background(), runID, req)
	if err != nil {
		if tabular.IsColumnError(err) {
			logger.Log.WithError(err).Fatal("export is missing required columns")
		}
		logger.Log.WithError(err).Fatal("audit failed")
	}

	if out.Data.Deviation != nil {
		dest := *output
		if dest == "" {
			dest = annotatedPath(*input)
		}
		if err := tabular.WriteCSV(out.Table, dest); err != nil {
			logger.Log.WithError(err).Fatal("failed to write annotated CSV")
		}
		logger.Log.WithField("path", dest).Info("Annotated export written")
	}

	rendered := report.Render(out.Data)
	if *reportPath == "" {
		fmt.Print(rendered)
	} else {
		if err := os.WriteFile(*reportPath, []byte(rendered), 0o644); err != nil {
			logger.Log.WithError(err).Fatal("failed to write report")
		}
		logger.Log.WithField("path", *reportPath).Info("Report written")
	}

	if *findingsPath != "" {
		if err := report.WriteFindingsCSV(*findingsPath, out.Findings); err != nil {
			logger.Log.WithError(err).Fatal("failed to write findings CSV")
		}
		logger.Log.WithField("path", *findingsPath).Info("Findings CSV written")
	}
	if *sqlitePath != "" {
		if err := report.WriteFindingsSQLite(*sqlitePath, out.Findings); err != nil {
			logger.Log.WithError(err).Fatal("failed to write findings database")
		}
		logger.Log.WithField("path", *sqlitePath).Info("Findings database written")
	}

	logger.Log.WithFields(logrus.Fields{
		"run_id":   runID.String(),
		"checks":   strings.Join(out.Checks, ","),
		"findings": len(out.Findings),
	}).Info("Audit complete")
}

func loadProtocol(path string) (protocol.Protocol, error) {
	if path == "" {
		return protocol.Default(), nil
	}
	return protocol.Load(path)
}

func annotatedPath(input string) string {
	ext := filepath.Ext(input)
	return strings.TrimSuffix(input, ext) + "_annotated" + ext
}
