package provisioning

import (
	"context"
	"os"

	"github.com/xuri/excelize/v2"

	apperrors "keygate/internal/errors"
)

// ExcelSource reads identities from the first column of the first sheet
// of an Excel workbook.
type ExcelSource struct {
	path string
}

func NewExcelSource(path string) *ExcelSource {
	return &ExcelSource{path: path}
}

func (s *ExcelSource) Name() string { return "excel" }

func (s *ExcelSource) Load(ctx context.Context) ([]string, error) {
	f, err := excelize.OpenFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("allow-list workbook", err).WithContext("path", s.path)
		}
		return nil, apperrors.NewParsingError("open allow-list workbook", err).WithContext("path", s.path)
	}
	defer f.Close()

	sheetNames := f.GetSheetList()
	if len(sheetNames) == 0 {
		return nil, apperrors.NewParsingError("allow-list workbook has no sheets", nil).WithContext("path", s.path)
	}

	rows, err := f.GetRows(sheetNames[0])
	if err != nil {
		return nil, apperrors.NewParsingError("read allow-list sheet "+sheetNames[0], err).WithContext("path", s.path)
	}

	ids := make([]string, 0, len(rows))
	for i, row := range rows {
		if len(row) == 0 {
			continue
		}
		if i == 0 && isHeader(row[0]) {
			continue
		}
		ids = append(ids, row[0])
	}
	return ids, nil
}
