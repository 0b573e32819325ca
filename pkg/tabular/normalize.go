package tabular

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MissingEventName is the sentinel substituted for a blank event cell so
// grouping and vocabulary checks never see an empty key.
const MissingEventName = "MISSING_EVENT_NAME"

// Record is the normalized view of one table row. Optional fields are nil
// when the cell was blank or unparseable; normalization is total and never
// returns an error for cell content.
type Record struct {
	Row               int
	ParticipantID     string
	Event             string
	VisitDate         *time.Time
	TestDate          *time.Time
	Status            *int
	PrimaryEndpoint   *time.Time
	SecondaryEndpoint *time.Time
	Result            string
}

// FieldMap names the headers that carry each logical field. ParticipantID,
// EventName, and Status must resolve to real columns; the rest degrade to
// absent values when the column is missing.
type FieldMap struct {
	ParticipantID     string
	EventName         string
	VisitDate         string
	TestDate          string
	Status            string
	PrimaryEndpoint   string
	SecondaryEndpoint string
	Result            string
}

// ColumnError is the fatal configuration error: one or more required columns
// are absent from the table. Nothing is computed when it is returned.
type ColumnError struct {
	Missing []string
}

func (e *ColumnError) Error() string {
	return fmt.Sprintf("required columns missing from input: %s", strings.Join(e.Missing, ", "))
}

func IsColumnError(err error) bool {
	var ce *ColumnError
	return errors.As(err, &ce)
}

// Normalize converts every table row into a Record. Blank-id separator rows
// still produce a Record (with an empty ParticipantID) so row numbering stays
// aligned with the table; downstream passes skip them.
func Normalize(t *Table, fields FieldMap) ([]Record, error) {
	var missing []string
	for _, req := range []struct{ name, header string }{
		{"participant id", fields.ParticipantID},
		{"event name", fields.EventName},
		{"status", fields.Status},
	} {
		if req.header == "" || !t.HasColumn(req.header) {
			header := req.header
			if header == "" {
				header = req.name
			}
			missing = append(missing, header)
		}
	}
	if len(missing) > 0 {
		return nil, &ColumnError{Missing: missing}
	}

	records := make([]Record, 0, len(t.Rows))
	for i := range t.Rows {
		rec := Record{
			Row:           i,
			ParticipantID: strings.TrimSpace(t.Value(i, fields.ParticipantID)),
			Event:         normalizeEvent(t.Value(i, fields.EventName)),
			Result:        strings.TrimSpace(t.Value(i, fields.Result)),
		}
		rec.VisitDate = parseDateCell(t.Value(i, fields.VisitDate))
		rec.TestDate = parseDateCell(t.Value(i, fields.TestDate))
		rec.PrimaryEndpoint = parseDateCell(t.Value(i, fields.PrimaryEndpoint))
		rec.SecondaryEndpoint = parseDateCell(t.Value(i, fields.SecondaryEndpoint))
		rec.Status = parseStatusCell(t.Value(i, fields.Status))
		records = append(records, rec)
	}
	return records, nil
}

func normalizeEvent(raw string) string {
	event := strings.TrimSpace(raw)
	if event == "" {
		return MissingEventName
	}
	return event
}

func parseDateCell(raw string) *time.Time {
	d, ok := ParseDate(raw)
	if !ok {
		return nil
	}
	return &d
}

func parseStatusCell(raw string) *int {
	s, ok := ParseStatus(raw)
	if !ok {
		return nil
	}
	return &s
}

var dateLayouts = []string{
	"2006-01-02",
	"2006-01-02 15:04:05",
	time.RFC3339,
	"2006/01/02",
	"01/02/2006",
	"1/2/2006",
	"01/02/2006 15:04",
	"02-Jan-2006",
	"2-Jan-2006",
	"Jan 2, 2006",
	"January 2, 2006",
	"02.01.2006",
}

// ParseDate applies a permissive date grammar and truncates the result to a
// calendar day in UTC. Unparseable input reports ok=false, never an error.
func ParseDate(raw string) (time.Time, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return Day(parsed), true
		}
	}
	return time.Time{}, false
}

// Day truncates a timestamp to midnight UTC of its calendar day.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// ParseStatus reads a status code as an integer. A float form is accepted
// when its fractional part is zero ("2.0" is status 2); anything else is
// absent.
func ParseStatus(raw string) (int, bool) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return 0, false
	}
	if n, err := strconv.Atoi(value); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(value, 64); err == nil && f == float64(int(f)) {
		return int(f), true
	}
	return 0, false
}

// MissingCell reports whether a cell carries no value. Flat exports render
// absent entries as blank cells or the literal string "nan".
func MissingCell(raw string) bool {
	v := strings.TrimSpace(raw)
	return v == "" || v == "nan"
}

var firstIntPattern = regexp.MustCompile(`\d+`)

// FirstInteger extracts the first run of digits from a free-text value, the
// comparison key used for result fields across sources.
func FirstInteger(raw string) (int, bool) {
	match := firstIntPattern.FindString(raw)
	if match == "" {
		return 0, false
	}
	n, err := strconv.Atoi(match)
	if err != nil {
		return 0, false
	}
	return n, true
}

// IntegerPart returns everything before the first decimal point, trimmed.
// Used to compare status cells that may round-trip as "1" or "1.0".
func IntegerPart(raw string) string {
	value := strings.TrimSpace(raw)
	if i := strings.IndexByte(value, '.'); i >= 0 {
		value = value[:i]
	}
	return strings.TrimSpace(value)
}
