package fieldscript

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ExportVersion is the current version of the export format.
const ExportVersion = "1.0"

// ExportFormat is the top-level structure for JSON exports.
type ExportFormat struct {
	Version    string    `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	Profile    string    `json:"profile,omitempty"`
	Records    []Record  `json:"records"`
}

// ImportStrategy defines how to handle records that already exist locally.
type ImportStrategy string

const (
	// ImportSkip keeps existing records untouched.
	ImportSkip ImportStrategy = "skip"
	// ImportNewer replaces existing records whose version is lower.
	ImportNewer ImportStrategy = "newer"
)

// ImportResult summarizes an import operation.
type ImportResult struct {
	Total    int      `json:"total"`
	Created  int      `json:"created"`
	Replaced int      `json:"replaced"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

// ExportJSON streams every record, soft-deleted ones included, as JSON.
func (s *Store) ExportJSON(ctx context.Context, profile string, w io.Writer) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrStoreClosed
	}

	profileJSON, _ := json.Marshal(profile)
	header := fmt.Sprintf(`{"version":%q,"exported_at":%q,"profile":%s,"records":[`,
		ExportVersion,
		time.Now().UTC().Format(time.RFC3339),
		profileJSON,
	)
	if _, err := io.WriteString(w, header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM records ORDER BY created_at, local_id`)
	if err != nil {
		return fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()

	enc := json.NewEncoder(w)
	first := true

	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}

		rec, err := scanRecordFrom(rows)
		if err != nil {
			return fmt.Errorf("scan record: %w", err)
		}

		if !first {
			if _, err := io.WriteString(w, ","); err != nil {
				return fmt.Errorf("write separator: %w", err)
			}
		}
		first = false

		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode record: %w", err)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate records: %w", err)
	}

	if _, err := io.WriteString(w, "]}"); err != nil {
		return fmt.Errorf("write footer: %w", err)
	}
	return nil
}

// ImportJSON reads an export and inserts its records. Imported records keep
// their IDs and versions but are marked PENDING so the next pass reconciles
// them with the remote store.
func (s *Store) ImportJSON(ctx context.Context, r io.Reader, strategy ImportStrategy) (*ImportResult, error) {
	switch strategy {
	case "":
		strategy = ImportSkip
	case ImportSkip, ImportNewer:
	default:
		return nil, fmt.Errorf("unknown import strategy %q", strategy)
	}

	var data ExportFormat
	if err := json.NewDecoder(r).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode export: %w", err)
	}
	if data.Version != ExportVersion {
		return nil, fmt.Errorf("unsupported export version %q", data.Version)
	}

	result := &ImportResult{Total: len(data.Records)}
	for i := range data.Records {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		rec := data.Records[i]
		rec.SyncStatus = StatusPending

		existing, err := s.GetByID(rec.LocalID)
		switch {
		case errors.Is(err, ErrNotFound):
			if _, err := s.Insert(&rec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.LocalID, err))
				continue
			}
			result.Created++
		case err != nil:
			return result, err
		case strategy == ImportNewer && rec.Version > existing.Version:
			if rec.RemoteID == "" {
				rec.RemoteID = existing.RemoteID
			}
			if err := s.Update(&rec); err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", rec.LocalID, err))
				continue
			}
			result.Replaced++
		default:
			result.Skipped++
		}
	}
	return result, nil
}
