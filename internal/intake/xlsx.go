package intake

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/ncm-audit/internal/model"
)

// ReadXLSX reads products from the first sheet of a workbook. The first row
// is the header.
func ReadXLSX(path string) ([]model.ProductInput, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, eris.Wrap(err, "intake: open xlsx")
	}
	if len(f.Sheets) == 0 {
		return nil, eris.Errorf("intake: %s has no sheets", path)
	}

	sheet := f.Sheets[0]
	rows := make([][]string, 0, len(sheet.Rows))
	for _, row := range sheet.Rows {
		if row == nil {
			continue
		}
		cells := make([]string, len(row.Cells))
		for j, cell := range row.Cells {
			cells[j] = cell.String()
		}
		rows = append(rows, cells)
	}
	return productsFromRows(rows)
}
