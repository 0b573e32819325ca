// Package statuscheck flags participants whose recorded status implies
// participation but whose tracked events carry no test dates at all. These
// are candidates for reclassification to the excluded status, reported for
// human review and never changed automatically.
package statuscheck

import (
	"sort"

	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

// Report lists review candidates grouped by their current status.
type Report struct {
	// Checked is the number of participants whose status is in the review
	// set.
	Checked int `json:"checked"`
	// ByStatus maps each review status to its sorted candidate ids. Every
	// review status appears, empty or not.
	ByStatus map[int][]string `json:"by_status"`
	// Total is the candidate count across statuses.
	Total int `json:"total"`
	// TargetStatus is the status candidates might be changed to, carried
	// for report context only.
	TargetStatus int `json:"target_status"`
}

// Check determines each participant's status from their first row in file
// order, then flags those in the review set with no test date on any
// tracked event. A participant whose first row has no parseable status is
// never checked, even when a later row carries one.
func Check(t *tabular.Table, proto protocol.Protocol) (Report, error) {
	if err := requireColumns(t, proto.Columns); err != nil {
		return Report{}, err
	}
	records, err := tabular.Normalize(t, proto.Columns.FieldMap())
	if err != nil {
		return Report{}, err
	}

	statuses := make(map[string]*int)
	for _, rec := range records {
		if rec.ParticipantID == "" {
			continue
		}
		if _, seen := statuses[rec.ParticipantID]; !seen {
			statuses[rec.ParticipantID] = rec.Status
		}
	}

	tracked := proto.TrackedSet()
	hasDate := make(map[string]bool)
	for _, rec := range records {
		if rec.ParticipantID == "" || rec.TestDate == nil || !tracked[rec.Event] {
			continue
		}
		hasDate[rec.ParticipantID] = true
	}

	report := Report{
		ByStatus:     make(map[int][]string, len(proto.Statuses.Review)),
		TargetStatus: proto.Statuses.Excluded,
	}
	for _, status := range proto.Statuses.Review {
		report.ByStatus[status] = []string{}
	}
	for pid, status := range statuses {
		if status == nil || !proto.Statuses.IsReview(*status) {
			continue
		}
		report.Checked++
		if !hasDate[pid] {
			report.ByStatus[*status] = append(report.ByStatus[*status], pid)
			report.Total++
		}
	}
	for status := range report.ByStatus {
		sort.Strings(report.ByStatus[status])
	}
	return report, nil
}

func requireColumns(t *tabular.Table, cols protocol.Columns) error {
	var missing []string
	for _, req := range []struct{ name, header string }{
		{"participant id", cols.ParticipantID},
		{"event name", cols.EventName},
		{"test date", cols.TestDate},
		{"status", cols.Status},
	} {
		header := req.header
		if header == "" {
			header = req.name
		}
		if req.header == "" || !t.HasColumn(req.header) {
			missing = append(missing, header)
		}
	}
	if len(missing) > 0 {
		return &tabular.ColumnError{Missing: missing}
	}
	return nil
}
