package deviation

import (
	"sort"
	"time"

	"github.com/clinscope/audit/pkg/tabular"
)

// Baseline is the anchor date all schedule offsets are computed from.
// UsedVisitDate marks the proxy fallback: the baseline row had no test date
// and the visit date stood in for it.
type Baseline struct {
	Date          time.Time
	UsedVisitDate bool
}

// ResolveBaselines picks at most one anchor date per participant from the
// baseline-event rows. Duplicate baseline rows are deduplicated by a stable
// sort on participant id, first row wins; the anchor is the test date when
// present, else the visit date, else the participant stays unresolved.
func ResolveBaselines(records []tabular.Record, baselineEvent string) map[string]Baseline {
	candidates := make([]tabular.Record, 0)
	for _, rec := range records {
		if rec.ParticipantID == "" || rec.Event != baselineEvent {
			continue
		}
		candidates = append(candidates, rec)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].ParticipantID < candidates[j].ParticipantID
	})

	baselines := make(map[string]Baseline)
	seen := make(map[string]bool)
	for _, rec := range candidates {
		if seen[rec.ParticipantID] {
			continue
		}
		seen[rec.ParticipantID] = true
		switch {
		case rec.TestDate != nil:
			baselines[rec.ParticipantID] = Baseline{Date: *rec.TestDate}
		case rec.VisitDate != nil:
			baselines[rec.ParticipantID] = Baseline{Date: *rec.VisitDate, UsedVisitDate: true}
		}
	}
	return baselines
}

// ProxyBaselineCount counts participants whose anchor fell back to the visit
// date. Diagnostic only; nothing downstream branches on it.
func ProxyBaselineCount(baselines map[string]Baseline) int {
	n := 0
	for _, b := range baselines {
		if b.UsedVisitDate {
			n++
		}
	}
	return n
}
