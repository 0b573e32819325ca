// Package tabular loads flat study exports (CSV and Excel) into an in-memory
// table of raw string cells and normalizes rows into typed records. Cells are
// never coerced on load; all parsing happens in the normalization step with
// defined fallbacks, so a malformed cell can never abort a run.
package tabular

import "strings"

// Table is an ordered header row plus raw data rows. Rows whose participant
// id cell is blank are intentional separators and travel through read, audit,
// and rewrite untouched.
type Table struct {
	Path    string
	Headers []string
	Rows    [][]string

	index map[string]int
}

func NewTable(headers []string) *Table {
	t := &Table{Headers: headers}
	t.rebuildIndex()
	return t
}

func (t *Table) rebuildIndex() {
	t.index = make(map[string]int, len(t.Headers))
	for i, h := range t.Headers {
		// First occurrence wins on duplicate headers.
		if _, ok := t.index[h]; !ok {
			t.index[h] = i
		}
	}
}

// Column returns the position of a header, if present.
func (t *Table) Column(name string) (int, bool) {
	i, ok := t.index[name]
	return i, ok
}

func (t *Table) HasColumn(name string) bool {
	_, ok := t.index[name]
	return ok
}

// EnsureColumn appends the column if it is missing and returns its position.
// Existing rows are padded with empty cells.
func (t *Table) EnsureColumn(name string) int {
	if i, ok := t.index[name]; ok {
		return i
	}
	t.Headers = append(t.Headers, name)
	i := len(t.Headers) - 1
	t.index[name] = i
	for r := range t.Rows {
		for len(t.Rows[r]) < len(t.Headers) {
			t.Rows[r] = append(t.Rows[r], "")
		}
	}
	return i
}

// AppendRow adds a row, padding or truncating it to the header width.
func (t *Table) AppendRow(cells []string) {
	row := make([]string, len(t.Headers))
	copy(row, cells)
	t.Rows = append(t.Rows, row)
}

// Value returns the raw cell for (row, header), or "" when the column does
// not exist or the row is short.
func (t *Table) Value(row int, name string) string {
	i, ok := t.index[name]
	if !ok || row < 0 || row >= len(t.Rows) || i >= len(t.Rows[row]) {
		return ""
	}
	return t.Rows[row][i]
}

// Set writes a cell; the column must exist (use EnsureColumn first).
func (t *Table) Set(row int, name string, value string) {
	i, ok := t.index[name]
	if !ok || row < 0 || row >= len(t.Rows) {
		return
	}
	for len(t.Rows[row]) <= i {
		t.Rows[row] = append(t.Rows[row], "")
	}
	t.Rows[row][i] = value
}

// IsSeparator reports whether the row has a blank cell in the given id
// column, marking it an intentional blank separator, not data.
func (t *Table) IsSeparator(row int, idColumn string) bool {
	return strings.TrimSpace(t.Value(row, idColumn)) == ""
}

// CleanHeader strips a UTF-8 byte order mark and surrounding whitespace from
// a header cell.
func CleanHeader(h string) string {
	return strings.TrimSpace(strings.ReplaceAll(h, "\uFEFF", ""))
}
