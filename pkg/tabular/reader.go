package tabular

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/clinscope/audit/pkg/common/logger"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
)

// Fallback decodings for exports that are not valid UTF-8, tried in order.
var fallbackEncodings = []struct {
	name string
	enc  encoding.Encoding
}{
	{"latin-1", charmap.ISO8859_1},
	{"windows-1252", charmap.Windows1252},
}

// ReadCSV loads a CSV export. Non-UTF-8 content falls back through the
// single-byte encodings above; ragged rows are padded or truncated to the
// header width rather than rejected.
func ReadCSV(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text, encName := decodeBytes(data)
	if encName != "utf-8" {
		logger.Log.WithFields(map[string]interface{}{
			"path":     path,
			"encoding": encName,
		}).Warn("input was not valid UTF-8, decoded with fallback encoding")
	}

	reader := csv.NewReader(strings.NewReader(text))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if len(rows) == 0 {
		return nil, errors.New("empty input file: " + path)
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = CleanHeader(h)
	}

	t := NewTable(headers)
	t.Path = path
	for _, row := range rows[1:] {
		t.AppendRow(row)
	}
	return t, nil
}

func decodeBytes(data []byte) (string, string) {
	if utf8.Valid(data) {
		return string(data), "utf-8"
	}
	for _, fallback := range fallbackEncodings {
		decoded, err := fallback.enc.NewDecoder().Bytes(data)
		if err != nil {
			continue
		}
		return string(decoded), fallback.name
	}
	return string(data), "utf-8"
}
