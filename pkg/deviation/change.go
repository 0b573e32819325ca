package deviation

import (
	"sort"
	"strings"

	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

// Snapshot holds the pre-run values of whichever count columns already
// existed in the input. A fresh export with no count columns yields an
// empty snapshot and no change report.
type Snapshot struct {
	// Columns are the count columns present before the run, in contract
	// order (missed, outside window, total).
	Columns []string
	// Values maps participant to one cell per column, taken from the first
	// row per participant in file order regardless of event.
	Values map[string][]string
}

// SnapshotCounts captures count cells before Apply rewrites them.
func SnapshotCounts(t *tabular.Table, proto protocol.Protocol) Snapshot {
	cols := proto.Columns
	snap := Snapshot{Values: make(map[string][]string)}
	for _, col := range []string{cols.MissedCount, cols.OutsideWindowCount, cols.TotalDeviationCount} {
		if t.HasColumn(col) {
			snap.Columns = append(snap.Columns, col)
		}
	}
	if len(snap.Columns) == 0 {
		return snap
	}
	for row := range t.Rows {
		pid := strings.TrimSpace(t.Value(row, cols.ParticipantID))
		if pid == "" {
			continue
		}
		if _, seen := snap.Values[pid]; seen {
			continue
		}
		cells := make([]string, len(snap.Columns))
		for i, col := range snap.Columns {
			cells[i] = strings.TrimSpace(t.Value(row, col))
		}
		snap.Values[pid] = cells
	}
	return snap
}

// CountChange is one evaluated participant whose persisted counts differ
// from the recomputed ones. Initial and Final align with Snapshot.Columns;
// blank cells display as "BLANK".
type CountChange struct {
	Participant string
	Initial     []string
	Final       []string
}

// DiffCounts compares the snapshot against the rewritten table, restricted
// to participants the engine actually evaluated. Cells compare as raw
// strings, so a recomputed value identical to the persisted one is not a
// change regardless of how the source system formatted it.
func DiffCounts(t *tabular.Table, proto protocol.Protocol, snap Snapshot, res Result) []CountChange {
	if len(snap.Columns) == 0 {
		return nil
	}
	cols := proto.Columns

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

	var changes []CountChange
	for pid := range res.Counts {
		row, ok := baselineRow[pid]
		if !ok {
			continue
		}
		initial, ok := snap.Values[pid]
		if !ok {
			initial = make([]string, len(snap.Columns))
		}
		final := make([]string, len(snap.Columns))
		changed := false
		for i, col := range snap.Columns {
			final[i] = strings.TrimSpace(t.Value(row, col))
			if initial[i] != final[i] {
				changed = true
			}
		}
		if !changed {
			continue
		}
		changes = append(changes, CountChange{
			Participant: pid,
			Initial:     displayCells(initial),
			Final:       displayCells(final),
		})
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Participant < changes[j].Participant })
	return changes
}

func displayCells(cells []string) []string {
	out := make([]string, len(cells))
	for i, c := range cells {
		if c == "" {
			out[i] = "BLANK"
		} else {
			out[i] = c
		}
	}
	return out
}
