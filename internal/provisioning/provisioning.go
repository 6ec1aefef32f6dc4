// Package provisioning loads the pre-issued user identity allow-list into
// the store at process start. Identities come from an operator-maintained
// CSV file, Excel workbook or Google Sheet; the service itself never adds
// or removes entries after seeding.
package provisioning

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"keygate/internal/config"
	apperrors "keygate/internal/errors"
	"keygate/internal/store"
)

// Source yields the raw identity list from one provisioning backend.
type Source interface {
	// Name identifies the source in logs and error messages.
	Name() string

	// Load returns the identities in file order, untrimmed. The loader
	// normalizes and deduplicates before seeding.
	Load(ctx context.Context) ([]string, error)
}

// NewSource builds the source selected by cfg.Source. A "none" source
// returns nil, which the loader treats as nothing to seed; backends such
// as postgres are often provisioned out of band.
func NewSource(cfg config.AllowListConfig) (Source, error) {
	switch cfg.Source {
	case "", "none":
		return nil, nil
	case "csv":
		return NewCSVSource(cfg.Path), nil
	case "excel":
		return NewExcelSource(cfg.Path), nil
	case "sheets":
		return NewSheetsSource(cfg), nil
	default:
		return nil, apperrors.NewConfigError(fmt.Sprintf("unknown allow-list source %q", cfg.Source), nil)
	}
}

// Loader seeds an allow-list store from a source.
type Loader struct {
	source Source
	store  store.AllowListStore
	logger *slog.Logger
}

// NewLoader wires a loader. A nil logger falls back to slog.Default.
func NewLoader(source Source, st store.AllowListStore, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		source: source,
		store:  st,
		logger: logger.With(slog.String("component", "provisioning")),
	}
}

// Run loads the source and seeds the store, returning how many identities
// were newly added. Entries already present keep their consumption state,
// so rerunning against a live store is safe. A configured source that
// yields nothing is an error; with no source configured Run is a no-op.
func (l *Loader) Run(ctx context.Context) (int, error) {
	if l.source == nil {
		l.logger.InfoContext(ctx, "no allow-list source configured, skipping seed")
		return 0, nil
	}

	ids, err := l.source.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("load allow-list from %s: %w", l.source.Name(), err)
	}

	ids = normalizeIdentities(ids)
	if len(ids) == 0 {
		return 0, apperrors.NewParsingError(
			fmt.Sprintf("allow-list source %s yielded no identities", l.source.Name()), nil)
	}

	added, err := l.store.Seed(ctx, ids)
	if err != nil {
		return 0, apperrors.NewStorageError("seed allow-list", err)
	}

	total, err := l.store.Count(ctx)
	if err != nil {
		return added, apperrors.NewStorageError("count allow-list", err)
	}

	l.logger.InfoContext(ctx, "allow-list seeded",
		slog.String("source", l.source.Name()),
		slog.Int("loaded", len(ids)),
		slog.Int("added", added),
		slog.Int64("total", total))
	return added, nil
}

// normalizeIdentities trims, drops empties and deduplicates while keeping
// first-seen order. Comparison is exact after trimming, matching how the
// issue path treats identities.
func normalizeIdentities(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// isHeader reports whether a first-row cell looks like a column title
// rather than an identity. Operator files routinely carry one.
func isHeader(cell string) bool {
	switch strings.ToLower(strings.TrimSpace(cell)) {
	case "user_id", "user id", "email", "identity":
		return true
	}
	return false
}
