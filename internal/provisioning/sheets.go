package provisioning

import (
	"context"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/security"
)

// SheetsSource reads identities from a Google Sheets range using a
// service account.
type SheetsSource struct {
	sheetID         string
	readRange       string
	credentialsFile string
	passphrase      string
}

func NewSheetsSource(cfg config.AllowListConfig) *SheetsSource {
	return &SheetsSource{
		sheetID:         cfg.SheetID,
		readRange:       cfg.SheetRange,
		credentialsFile: cfg.CredentialsFile,
		passphrase:      cfg.CredentialsPassphrase,
	}
}

func (s *SheetsSource) Name() string { return "sheets" }

// Load reads the configured range. The credentials file may be sealed or
// plain service-account JSON; LoadCredentialsFile handles both layouts.
func (s *SheetsSource) Load(ctx context.Context) ([]string, error) {
	credentialsJSON, err := security.LoadCredentialsFile(s.credentialsFile, s.passphrase)
	if err != nil {
		return nil, apperrors.NewConfigError("load sheets credentials", err).
			WithContext("credentials_file", s.credentialsFile)
	}

	svc, err := sheets.NewService(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, apperrors.NewConfigError("create sheets service", err)
	}

	resp, err := svc.Spreadsheets.Values.Get(s.sheetID, s.readRange).Context(ctx).Do()
	if err != nil {
		return nil, apperrors.NewNetworkError("read sheet "+s.sheetID, err).
			WithContext("range", s.readRange)
	}

	ids := make([]string, 0, len(resp.Values))
	for _, row := range resp.Values {
		if len(row) == 0 {
			continue
		}
		if v, ok := row[0].(string); ok {
			ids = append(ids, v)
		}
	}
	return ids, nil
}
