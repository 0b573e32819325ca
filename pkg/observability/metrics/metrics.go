package metrics

import (
	"fmt"
	"net/http"
	"sync/atomic"
)

var (
	runsStarted     atomic.Int64
	runsCompleted   atomic.Int64
	runsFailed      atomic.Int64
	findingsEmitted atomic.Int64
	rowsNormalized  atomic.Int64
	runsQueued      atomic.Int64
)

func Init() {}

func RunStarted() {
	runsStarted.Add(1)
}

func RunCompleted(findings int) {
	runsCompleted.Add(1)
	findingsEmitted.Add(int64(findings))
}

func RunFailed() {
	runsFailed.Add(1)
}

func RowsNormalized(n int) {
	rowsNormalized.Add(int64(n))
}

func ObserveQueueDepth(depth int) {
	runsQueued.Store(int64(depth))
}

func WritePrometheus(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; version=0.0.4")
	fmt.Fprintf(w, "# HELP clinscope_audit_runs_started_total Number of audit runs started since process start.\n")
	fmt.Fprintf(w, "# TYPE clinscope_audit_runs_started_total counter\n")
	fmt.Fprintf(w, "clinscope_audit_runs_started_total %d\n", runsStarted.Load())

	fmt.Fprintf(w, "# HELP clinscope_audit_runs_completed_total Number of audit runs completed since process start.\n")
	fmt.Fprintf(w, "# TYPE clinscope_audit_runs_completed_total counter\n")
	fmt.Fprintf(w, "clinscope_audit_runs_completed_total %d\n", runsCompleted.Load())

	fmt.Fprintf(w, "# HELP clinscope_audit_runs_failed_total Number of audit runs failed since process start.\n")
	fmt.Fprintf(w, "# TYPE clinscope_audit_runs_failed_total counter\n")
	fmt.Fprintf(w, "clinscope_audit_runs_failed_total %d\n", runsFailed.Load())

	fmt.Fprintf(w, "# HELP clinscope_audit_findings_emitted_total Number of findings emitted by completed runs.\n")
	fmt.Fprintf(w, "# TYPE clinscope_audit_findings_emitted_total counter\n")
	fmt.Fprintf(w, "clinscope_audit_findings_emitted_total %d\n", findingsEmitted.Load())

	fmt.Fprintf(w, "# HELP clinscope_audit_rows_normalized_total Number of export rows normalized across runs.\n")
	fmt.Fprintf(w, "# TYPE clinscope_audit_rows_normalized_total counter\n")
	fmt.Fprintf(w, "clinscope_audit_rows_normalized_total %d\n", rowsNormalized.Load())

	fmt.Fprintf(w, "# HELP clinscope_audit_runs_queued Number of audit runs currently queued or running.\n")
	fmt.Fprintf(w, "# TYPE clinscope_audit_runs_queued gauge\n")
	fmt.Fprintf(w, "clinscope_audit_runs_queued %d\n", runsQueued.Load())
}
