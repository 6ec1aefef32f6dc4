package provisioning

import (
	"context"
	"encoding/csv"
	"os"

	apperrors "keygate/internal/errors"
)

// CSVSource reads identities from the first column of a CSV file.
type CSVSource struct {
	path string
}

func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path}
}

func (s *CSVSource) Name() string { return "csv" }

// Load reads every row's first cell. A leading header row and '#' comment
// lines are skipped; trailing columns are ignored so annotated exports
// load as-is.
func (s *CSVSource) Load(ctx context.Context) ([]string, error) {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperrors.NewNotFoundError("allow-list csv", err).WithContext("path", s.path)
		}
		return nil, apperrors.NewStorageError("open allow-list csv", err).WithContext("path", s.path)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comment = '#'

	records, err := r.ReadAll()
	if err != nil {
		return nil, apperrors.NewParsingError("parse allow-list csv", err).WithContext("path", s.path)
	}

	ids := make([]string, 0, len(records))
	for i, record := range records {
		if len(record) == 0 {
			continue
		}
		if i == 0 && isHeader(record[0]) {
			continue
		}
		ids = append(ids, record[0])
	}
	return ids, nil
}
