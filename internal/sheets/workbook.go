package sheets

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/extrame/xls"
	"github.com/xuri/excelize/v2"
)

// maxLegacyRows bounds the rows read from one legacy .xls sheet.
const maxLegacyRows = 100000

type workbook interface {
	SheetNames() []string
	Rows(sheet string) ([][]string, error)
	Close() error
}

func openWorkbook(path string) (workbook, error) {
	if strings.EqualFold(filepath.Ext(path), ".xls") {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		wb, err := xls.OpenReader(f, "utf-8")
		if err != nil {
			_ = f.Close()
			return nil, err
		}
		return &legacyWorkbook{wb: wb, closer: f}, nil
	}
	f, err := excelize.OpenFile(path)
	if err != nil {
		return nil, err
	}
	return &openXMLWorkbook{file: f}, nil
}

type openXMLWorkbook struct {
	file *excelize.File
}

func (w *openXMLWorkbook) SheetNames() []string {
	return w.file.GetSheetList()
}

// Rows returns raw cell values, so dates arrive as Excel serials and numbers
// unformatted.
func (w *openXMLWorkbook) Rows(sheet string) ([][]string, error) {
	return w.file.GetRows(sheet, excelize.Options{RawCellValue: true})
}

func (w *openXMLWorkbook) Close() error {
	return w.file.Close()
}

type legacyWorkbook struct {
	wb     *xls.WorkBook
	closer io.Closer
}

func (w *legacyWorkbook) SheetNames() []string {
	names := make([]string, 0, w.wb.NumSheets())
	for i := 0; i < w.wb.NumSheets(); i++ {
		if sheet := w.wb.GetSheet(i); sheet != nil {
			names = append(names, sheet.Name)
		}
	}
	return names
}

func (w *legacyWorkbook) Rows(name string) ([][]string, error) {
	for i := 0; i < w.wb.NumSheets(); i++ {
		sheet := w.wb.GetSheet(i)
		if sheet == nil || sheet.Name != name {
			continue
		}
		var rows [][]string
		for r := 0; r <= int(sheet.MaxRow) && r < maxLegacyRows; r++ {
			row := sheet.Row(r)
			if row == nil {
				rows = append(rows, nil)
				continue
			}
			cells := make([]string, 0, row.LastCol())
			for c := 0; c < row.LastCol(); c++ {
				cells = append(cells, row.Col(c))
			}
			rows = append(rows, cells)
		}
		return rows, nil
	}
	return nil, fmt.Errorf("sheet %q not found", name)
}

func (w *legacyWorkbook) Close() error {
	return w.closer.Close()
}
