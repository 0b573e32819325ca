package tabular

import (
	"encoding/csv"
	"os"
)

// WriteCSV rewrites the table as UTF-8 CSV. Absent values stay empty cells,
// so a blank separator row round-trips as a line of commas and the persisted
// column contract stays bit-exact between runs.
func WriteCSV(t *Table, path string) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := f.Close(); err == nil {
			err = cerr
		}
	}()

	w := csv.NewWriter(f)
	if err := w.Write(t.Headers); err != nil {
		return err
	}
	width := len(t.Headers)
	padded := make([]string, width)
	for _, row := range t.Rows {
		for i := 0; i < width; i++ {
			if i < len(row) {
				padded[i] = row[i]
			} else {
				padded[i] = ""
			}
		}
		if err := w.Write(padded); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}
