package protocol

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultProtocolIsValid(t *testing.T) {
	p := Default()
	if err := p.Validate(); err != nil {
		t.Fatalf("default protocol should validate, got %v", err)
	}
	if p.GraceDays != 14 {
		t.Fatalf("expected default grace of 14 days, got %d", p.GraceDays)
	}
	if p.MaxOffsetMonths() != 18 {
		t.Fatalf("expected max offset 18, got %d", p.MaxOffsetMonths())
	}
	events := p.TrackedEvents()
	if events[0] != "study_baseline" {
		t.Fatalf("expected baseline first in tracked events, got %q", events[0])
	}
	if len(events) != 10 {
		t.Fatalf("expected 10 tracked events, got %d", len(events))
	}
}

func TestLoadEmptyPathReturnsDefault(t *testing.T) {
	p, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.BaselineEvent != "study_baseline" {
		t.Fatalf("expected default baseline event, got %q", p.BaselineEvent)
	}
}

func TestLoadOverridesOnlyNamedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "protocol.yaml")
	content := []byte(`
study: renal-follow-up
grace_days: 7
schedule:
  - offset_months: 3
    event: fu1
  - offset_months: 6
    event: fu2
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	p, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Study != "renal-follow-up" {
		t.Fatalf("study not overridden: %q", p.Study)
	}
	if p.GraceDays != 7 {
		t.Fatalf("grace_days not overridden: %d", p.GraceDays)
	}
	if len(p.Schedule) != 2 || p.Schedule[1].Event != "fu2" {
		t.Fatalf("schedule not overridden: %+v", p.Schedule)
	}
	// Defaults survive for unnamed fields.
	if p.BaselineEvent != "study_baseline" {
		t.Fatalf("baseline event should keep default, got %q", p.BaselineEvent)
	}
	if p.Columns.ParticipantID != "record_id" {
		t.Fatalf("column bindings should keep defaults, got %q", p.Columns.ParticipantID)
	}
}

func TestValidateRejectsBadSchedules(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Protocol)
	}{
		{"empty schedule", func(p *Protocol) { p.Schedule = nil }},
		{"duplicate event", func(p *Protocol) { p.Schedule[1].Event = p.Schedule[0].Event }},
		{"non-increasing offsets", func(p *Protocol) { p.Schedule[1].OffsetMonths = p.Schedule[0].OffsetMonths }},
		{"baseline in schedule", func(p *Protocol) { p.Schedule[0].Event = p.BaselineEvent }},
		{"negative grace", func(p *Protocol) { p.GraceDays = -1 }},
		{"missing id column", func(p *Protocol) { p.Columns.ParticipantID = "" }},
	}
	for _, tc := range cases {
		p := Default()
		tc.mutate(&p)
		if err := p.Validate(); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}

func TestStatusPolicyHelpers(t *testing.T) {
	p := Default()
	if !p.Statuses.IsSecondaryEndpoint(3) || !p.Statuses.IsSecondaryEndpoint(4) {
		t.Fatal("statuses 3 and 4 should resolve to the secondary endpoint")
	}
	if p.Statuses.IsSecondaryEndpoint(2) {
		t.Fatal("status 2 should not resolve to the secondary endpoint")
	}
	if !p.Statuses.IsReview(4) || p.Statuses.IsReview(5) {
		t.Fatal("review set should contain 4 but not 5")
	}
}
