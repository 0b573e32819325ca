package deviation

import (
	"time"

	"github.com/clinscope/audit/pkg/tabular"
)

// Key identifies one tracked event for one participant.
type Key struct {
	Participant string
	Event       string
}

// BuildPerformedIndex maps each (participant, tracked event) pair to the
// date the test was actually performed. Rows without a test date do not
// count as performed. When an event appears more than once the earliest
// date wins; on equal dates the first row in file order wins.
func BuildPerformedIndex(records []tabular.Record, tracked map[string]bool) map[Key]time.Time {
	index := make(map[Key]time.Time)
	for _, rec := range records {
		if rec.ParticipantID == "" || rec.TestDate == nil || !tracked[rec.Event] {
			continue
		}
		key := Key{Participant: rec.ParticipantID, Event: rec.Event}
		if current, ok := index[key]; ok && !rec.TestDate.Before(current) {
			continue
		}
		index[key] = *rec.TestDate
	}
	return index
}
