// Package protocol holds the study protocol definition the audit passes run
// against: the visit schedule, the grace window, the status policy, and the
// column bindings of the flat export. A protocol can be loaded from YAML;
// with no file configured the compiled-in default study is used.
package protocol

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/clinscope/audit/pkg/tabular"
	"gopkg.in/yaml.v3"
)

// Visit is one scheduled follow-up, expressed as a month offset from the
// effective baseline date.
type Visit struct {
	OffsetMonths int    `yaml:"offset_months" json:"offset_months"`
	Event        string `yaml:"event" json:"event"`
}

// StatusPolicy maps participant status codes to horizon behavior.
type StatusPolicy struct {
	Active            int   `yaml:"active" json:"active"`
	PrimaryEndpoint   int   `yaml:"primary_endpoint" json:"primary_endpoint"`
	SecondaryEndpoint []int `yaml:"secondary_endpoint" json:"secondary_endpoint"`
	Excluded          int   `yaml:"excluded" json:"excluded"`
	Review            []int `yaml:"review" json:"review"`
}

// Columns binds the logical fields to header names in the export.
type Columns struct {
	ParticipantID       string `yaml:"participant_id" json:"participant_id"`
	EventName           string `yaml:"event_name" json:"event_name"`
	VisitDate           string `yaml:"visit_date" json:"visit_date"`
	TestDate            string `yaml:"test_date" json:"test_date"`
	Status              string `yaml:"status" json:"status"`
	PrimaryEndpoint     string `yaml:"primary_endpoint" json:"primary_endpoint"`
	SecondaryEndpoint   string `yaml:"secondary_endpoint" json:"secondary_endpoint"`
	Result              string `yaml:"result" json:"result"`
	AssessmentCollected string `yaml:"assessment_collected" json:"assessment_collected"`
	RepeatInstance      string `yaml:"repeat_instance" json:"repeat_instance"`
	MissedCount         string `yaml:"missed_count" json:"missed_count"`
	OutsideWindowCount  string `yaml:"outside_window_count" json:"outside_window_count"`
	TotalDeviationCount string `yaml:"total_deviation_count" json:"total_deviation_count"`
}

// FieldMap binds the column contract to the normalizer's logical fields.
func (c Columns) FieldMap() tabular.FieldMap {
	return tabular.FieldMap{
		ParticipantID:     c.ParticipantID,
		EventName:         c.EventName,
		VisitDate:         c.VisitDate,
		TestDate:          c.TestDate,
		Status:            c.Status,
		PrimaryEndpoint:   c.PrimaryEndpoint,
		SecondaryEndpoint: c.SecondaryEndpoint,
		Result:            c.Result,
	}
}

// Arm names the per-arm baseline and end-of-study events used by the
// cross-source comparison against the master workbook.
type Arm struct {
	Name            string `yaml:"name" json:"name"`
	BaselineEvent   string `yaml:"baseline_event" json:"baseline_event"`
	EndOfStudyEvent string `yaml:"end_of_study_event" json:"end_of_study_event"`
}

type Crosscheck struct {
	Sheet string `yaml:"sheet" json:"sheet"`
	Arms  []Arm  `yaml:"arms" json:"arms"`
}

type Protocol struct {
	Study         string       `yaml:"study" json:"study"`
	BaselineEvent string       `yaml:"baseline_event" json:"baseline_event"`
	Schedule      []Visit      `yaml:"schedule" json:"schedule"`
	GraceDays     int          `yaml:"grace_days" json:"grace_days"`
	Statuses      StatusPolicy `yaml:"statuses" json:"statuses"`
	Columns       Columns      `yaml:"columns" json:"columns"`
	Crosscheck    Crosscheck   `yaml:"crosscheck" json:"crosscheck"`
}

// Load reads a protocol from YAML. An empty path returns the default
// protocol; YAML only overrides what it names.
func Load(path string) (Protocol, error) {
	if path == "" {
		return Default(), nil
	}
	content, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return Default(), err
	}

	p := Default()
	if err := yaml.Unmarshal(content, &p); err != nil {
		return Protocol{}, err
	}

	if err := p.Validate(); err != nil {
		return Protocol{}, err
	}
	return p, nil
}

// Default returns the compiled-in study definition: a baseline visit plus
// follow-ups every two months out to month 18, with a 14-day grace window.
func Default() Protocol {
	return Protocol{
		Study:         "default-study",
		BaselineEvent: "study_baseline",
		Schedule: []Visit{
			{OffsetMonths: 2, Event: "followup_visit_1"},
			{OffsetMonths: 4, Event: "followup_visit_2"},
			{OffsetMonths: 6, Event: "followup_visit_3"},
			{OffsetMonths: 8, Event: "followup_visit_4"},
			{OffsetMonths: 10, Event: "followup_visit_5"},
			{OffsetMonths: 12, Event: "followup_visit_6"},
			{OffsetMonths: 14, Event: "followup_visit_7"},
			{OffsetMonths: 16, Event: "followup_visit_8"},
			{OffsetMonths: 18, Event: "end_of_study_visit"},
		},
		GraceDays: 14,
		Statuses: StatusPolicy{
			Active:            1,
			PrimaryEndpoint:   2,
			SecondaryEndpoint: []int{3, 4},
			Excluded:          5,
			Review:            []int{1, 2, 4},
		},
		Columns: Columns{
			ParticipantID:       "record_id",
			EventName:           "event_name",
			VisitDate:           "visit_date",
			TestDate:            "test_date",
			Status:              "participant_status",
			PrimaryEndpoint:     "primary_endpoint_date",
			SecondaryEndpoint:   "secondary_endpoint_date",
			Result:              "result",
			AssessmentCollected: "assessment_collected",
			RepeatInstance:      "repeat_instance",
			MissedCount:         "missed_test_count",
			OutsideWindowCount:  "outside_window_test_count",
			TotalDeviationCount: "total_test_deviations",
		},
		Crosscheck: Crosscheck{
			Sheet: "data_sheet",
			Arms: []Arm{
				{Name: "arm_1", BaselineEvent: "baseline_arm_1", EndOfStudyEvent: "end_of_study_arm_1"},
				{Name: "arm_2", BaselineEvent: "baseline_arm_2", EndOfStudyEvent: "end_of_study_arm_2"},
			},
		},
	}
}

func (p Protocol) Validate() error {
	if p.BaselineEvent == "" {
		return errors.New("protocol: baseline_event is required")
	}
	if len(p.Schedule) == 0 {
		return errors.New("protocol: schedule must contain at least one visit")
	}
	if p.GraceDays < 0 {
		return fmt.Errorf("protocol: grace_days must be >= 0, got %d", p.GraceDays)
	}

	seen := map[string]bool{p.BaselineEvent: true}
	prev := 0
	for i, v := range p.Schedule {
		if v.Event == "" {
			return fmt.Errorf("protocol: schedule entry %d has no event name", i)
		}
		if seen[v.Event] {
			return fmt.Errorf("protocol: duplicate schedule event %q", v.Event)
		}
		seen[v.Event] = true
		if v.OffsetMonths < 0 {
			return fmt.Errorf("protocol: schedule offset for %q must be >= 0", v.Event)
		}
		if i > 0 && v.OffsetMonths <= prev {
			return fmt.Errorf("protocol: schedule offsets must strictly increase, got %d after %d", v.OffsetMonths, prev)
		}
		prev = v.OffsetMonths
	}

	cols := map[string]string{
		"participant_id": p.Columns.ParticipantID,
		"event_name":     p.Columns.EventName,
		"status":         p.Columns.Status,
	}
	for name, header := range cols {
		if header == "" {
			return fmt.Errorf("protocol: column binding %s is required", name)
		}
	}
	return nil
}

// MaxOffsetMonths is the largest schedule offset; the active-status horizon
// is baseline plus this many months.
func (p Protocol) MaxOffsetMonths() int {
	max := 0
	for _, v := range p.Schedule {
		if v.OffsetMonths > max {
			max = v.OffsetMonths
		}
	}
	return max
}

// TrackedEvents lists the baseline event followed by the schedule events in
// protocol order. This is both the performed-test vocabulary and the
// canonical event order for structural checks.
func (p Protocol) TrackedEvents() []string {
	events := make([]string, 0, len(p.Schedule)+1)
	events = append(events, p.BaselineEvent)
	for _, v := range p.Schedule {
		events = append(events, v.Event)
	}
	return events
}

// TrackedSet is TrackedEvents as a membership set.
func (p Protocol) TrackedSet() map[string]bool {
	set := make(map[string]bool, len(p.Schedule)+1)
	for _, e := range p.TrackedEvents() {
		set[e] = true
	}
	return set
}

// IsSecondaryEndpoint reports whether the status code resolves its horizon
// from the secondary endpoint date.
func (s StatusPolicy) IsSecondaryEndpoint(status int) bool {
	for _, code := range s.SecondaryEndpoint {
		if code == status {
			return true
		}
	}
	return false
}

// IsReview reports whether the status code is checked by the status/data-entry
// agreement pass.
func (s StatusPolicy) IsReview(status int) bool {
	for _, code := range s.Review {
		if code == status {
			return true
		}
	}
	return false
}
