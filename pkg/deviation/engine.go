package deviation

import (
	"sort"
	"sync"
	"time"

	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
	"github.com/sirupsen/logrus"
)

// Counts are the per-participant deviation tallies.
type Counts struct {
	Missed        int `json:"missed"`
	OutsideWindow int `json:"outside_window"`
}

// Total is the combined deviation count written to the total column.
func (c Counts) Total() int {
	return c.Missed + c.OutsideWindow
}

// Result is one full engine pass over a normalized dataset.
type Result struct {
	// Counts holds tallies for every evaluated participant, including
	// participants whose every expected test was on time (zero counts).
	Counts map[string]Counts
	// Excluded lists participants carrying the excluded status on any
	// baseline row, sorted. Their count cells are blanked, never written.
	Excluded []string
	// ProxyBaselineCount is the number of participants whose anchor fell
	// back to the visit date.
	ProxyBaselineCount int
}

// Engine evaluates the visit schedule for every eligible participant.
// Evaluation is per-participant and side-effect free, so participants are
// fanned out across a bounded worker pool.
type Engine struct {
	proto   protocol.Protocol
	workers chan struct{}
}

func NewEngine(proto protocol.Protocol, maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Engine{
		proto:   proto,
		workers: make(chan struct{}, maxWorkers),
	}
}

type evaluation struct {
	info     ParticipantInfo
	baseline time.Time
	horizon  time.Time
}

// Run computes deviation counts for every participant with a resolvable
// baseline and an eligible status. Participants with an endpoint status but
// no endpoint date are skipped, not failed: their counts stay absent.
func (e *Engine) Run(records []tabular.Record) Result {
	baselines := ResolveBaselines(records, e.proto.BaselineEvent)
	infos := CollectParticipants(records, e.proto.BaselineEvent)
	performed := BuildPerformedIndex(records, e.proto.TrackedSet())
	maxOffset := e.proto.MaxOffsetMonths()

	evals := make([]evaluation, 0, len(infos))
	for pid, info := range infos {
		base, ok := baselines[pid]
		if !ok {
			continue
		}
		horizon, ok := ResolveHorizon(info, base.Date, maxOffset, e.proto.Statuses)
		if !ok {
			continue
		}
		evals = append(evals, evaluation{info: info, baseline: base.Date, horizon: horizon})
	}
	sort.Slice(evals, func(i, j int) bool { return evals[i].info.ID < evals[j].info.ID })

	logger.Log.WithFields(logrus.Fields{
		"participants": len(infos),
		"baselines":    len(baselines),
		"eligible":     len(evals),
		"performed":    len(performed),
	}).Info("Deviation engine pass starting")

	out := make([]Counts, len(evals))
	var wg sync.WaitGroup
	for i := range evals {
		wg.Add(1)
		e.workers <- struct{}{}
		go func(i int, ev evaluation) {
			defer wg.Done()
			defer func() { <-e.workers }()
			out[i] = e.evaluate(ev, performed)
		}(i, evals[i])
	}
	wg.Wait()

	counts := make(map[string]Counts, len(evals))
	for i, ev := range evals {
		counts[ev.info.ID] = out[i]
	}

	return Result{
		Counts:             counts,
		Excluded:           excludedParticipants(records, e.proto),
		ProxyBaselineCount: ProxyBaselineCount(baselines),
	}
}

// evaluate walks the schedule for one participant. A test is expected when
// its scheduled date falls on or before the horizon; the baseline test is
// always expected for active participants. An expected test with no
// performed date is missed; a performed date outside scheduled±grace is
// outside the window. The two tallies never overlap.
func (e *Engine) evaluate(ev evaluation, performed map[Key]time.Time) Counts {
	var c Counts
	status := *ev.info.Status

	expected := status == e.proto.Statuses.Active || !ev.baseline.After(ev.horizon)
	if expected {
		if done, ok := performed[Key{Participant: ev.info.ID, Event: e.proto.BaselineEvent}]; !ok {
			c.Missed++
		} else if outsideWindow(done, ev.baseline, e.proto.GraceDays) {
			c.OutsideWindow++
		}
	}

	for _, visit := range e.proto.Schedule {
		scheduled := AddMonths(ev.baseline, visit.OffsetMonths)
		if scheduled.After(ev.horizon) {
			continue
		}
		if done, ok := performed[Key{Participant: ev.info.ID, Event: visit.Event}]; !ok {
			c.Missed++
		} else if outsideWindow(done, scheduled, e.proto.GraceDays) {
			c.OutsideWindow++
		}
	}
	return c
}

// outsideWindow reports whether a performed date misses the inclusive
// [scheduled-grace, scheduled+grace] window. A test exactly on either bound
// is on time.
func outsideWindow(performed, scheduled time.Time, graceDays int) bool {
	lower := scheduled.AddDate(0, 0, -graceDays)
	upper := scheduled.AddDate(0, 0, graceDays)
	return performed.Before(lower) || performed.After(upper)
}

// excludedParticipants collects participants with the excluded status on any
// baseline-event row. The excluded status on a later duplicate baseline row
// still excludes the participant, even after counts were computed from the
// first row.
func excludedParticipants(records []tabular.Record, proto protocol.Protocol) []string {
	seen := make(map[string]bool)
	var pids []string
	for _, rec := range records {
		if rec.ParticipantID == "" || rec.Event != proto.BaselineEvent {
			continue
		}
		if rec.Status == nil || *rec.Status != proto.Statuses.Excluded {
			continue
		}
		if !seen[rec.ParticipantID] {
			seen[rec.ParticipantID] = true
			pids = append(pids, rec.ParticipantID)
		}
	}
	sort.Strings(pids)
	return pids
}
