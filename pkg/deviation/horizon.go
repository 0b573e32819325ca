package deviation

import (
	"time"

	"github.com/clinscope/audit/pkg/protocol"
	"github.com/clinscope/audit/pkg/tabular"
)

// ParticipantInfo is the status and endpoint dates taken from a
// participant's first baseline-event row in file order. Later baseline rows
// for the same participant never contribute, even when the first row has
// blanks.
type ParticipantInfo struct {
	ID        string
	Status    *int
	Primary   *time.Time
	Secondary *time.Time
}

// CollectParticipants extracts one ParticipantInfo per participant that has
// at least one baseline-event row with a non-blank id.
func CollectParticipants(records []tabular.Record, baselineEvent string) map[string]ParticipantInfo {
	infos := make(map[string]ParticipantInfo)
	for _, rec := range records {
		if rec.ParticipantID == "" || rec.Event != baselineEvent {
			continue
		}
		if _, seen := infos[rec.ParticipantID]; seen {
			continue
		}
		infos[rec.ParticipantID] = ParticipantInfo{
			ID:        rec.ParticipantID,
			Status:    rec.Status,
			Primary:   rec.PrimaryEndpoint,
			Secondary: rec.SecondaryEndpoint,
		}
	}
	return infos
}

// ResolveHorizon maps a participant's status to the last date through which
// scheduled tests are expected. Active participants are held to the full
// schedule, so their horizon is baseline plus the largest offset. Endpoint
// statuses stop at their endpoint date; when that date is missing the
// participant cannot be evaluated and ok is false. Any other status
// (excluded, unknown, absent) is never evaluated.
func ResolveHorizon(info ParticipantInfo, baseline time.Time, maxOffsetMonths int, policy protocol.StatusPolicy) (time.Time, bool) {
	if info.Status == nil {
		return time.Time{}, false
	}
	switch status := *info.Status; {
	case status == policy.Active:
		return AddMonths(baseline, maxOffsetMonths), true
	case status == policy.PrimaryEndpoint:
		if info.Primary == nil {
			return time.Time{}, false
		}
		return *info.Primary, true
	case policy.IsSecondaryEndpoint(status):
		if info.Secondary == nil {
			return time.Time{}, false
		}
		return *info.Secondary, true
	default:
		return time.Time{}, false
	}
}
