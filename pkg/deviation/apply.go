package deviation

import (
	"strconv"
	"strings"

	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

// ApplyStats summarizes the rewrite pass.
type ApplyStats struct {
	// Updated is the number of participants whose baseline row received
	// fresh counts.
	Updated int
	// Blanked is the number of excluded participants whose rows were
	// cleared.
	Blanked int
}

// Apply writes a Result back onto the table. All three count columns are
// created if missing and cleared on every data row first, so stale values
// from a previous run can never survive. Each evaluated participant's
// counts land on their first baseline row in file order; every row of an
// excluded participant is blanked last, which wins over any write.
// Separator rows are never touched.
func Apply(t *tabular.Table, proto protocol.Protocol, res Result) ApplyStats {
	cols := proto.Columns
	countCols := []string{cols.MissedCount, cols.OutsideWindowCount, cols.TotalDeviationCount}
	for _, col := range countCols {
		t.EnsureColumn(col)
	}

	for row := range t.Rows {
		if t.IsSeparator(row, cols.ParticipantID) {
			continue
		}
		for _, col := range countCols {
			t.Set(row, col, "")
		}
	}

	// First baseline row per participant, in file order.
	baselineRow := make(map[string]int)
	for row := range t.Rows {
		pid := strings.TrimSpace(t.Value(row, cols.ParticipantID))
		if pid == "" || strings.TrimSpace(t.Value(row, cols.EventName)) != proto.BaselineEvent {
			continue
		}
		if _, ok := baselineRow[pid]; !ok {
			baselineRow[pid] = row
		}
	}

	var stats ApplyStats
	for pid, counts := range res.Counts {
		row, ok := baselineRow[pid]
		if !ok {
			continue
		}
		t.Set(row, cols.MissedCount, strconv.Itoa(counts.Missed))
		t.Set(row, cols.OutsideWindowCount, strconv.Itoa(counts.OutsideWindow))
		t.Set(row, cols.TotalDeviationCount, strconv.Itoa(counts.Total()))
		stats.Updated++
	}

	excluded := make(map[string]bool, len(res.Excluded))
	for _, pid := range res.Excluded {
		excluded[pid] = true
	}
	for row := range t.Rows {
		pid := strings.TrimSpace(t.Value(row, cols.ParticipantID))
		if pid == "" || !excluded[pid] {
			continue
		}
		for _, col := range countCols {
			t.Set(row, col, "")
		}
	}
	stats.Blanked = len(res.Excluded)
	return stats
}
