package tabular

import (
	"errors"
	"fmt"

	"github.com/clinscope/audit/pkg/common/logger"
	"github.com/xuri/excelize/v2"
)

// ReadWorkbookSheet loads one sheet of an Excel workbook into a Table. An
// empty sheet name selects the first sheet. Cell values arrive as the strings
// excelize renders, which the normalization layer parses like CSV cells.
func ReadWorkbookSheet(path, sheet string) (*Table, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := f.Close(); cerr != nil {
			logger.Log.WithError(cerr).Warn("failed to close workbook")
		}
	}()

	if sheet == "" {
		sheet = f.GetSheetName(0)
	}
	rows, err := f.GetRows(sheet)
	if err != nil {
		return nil, fmt.Errorf("read sheet %q: %w", sheet, err)
	}
	if len(rows) == 0 {
		return nil, errors.New("sheet is empty: " + sheet)
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
