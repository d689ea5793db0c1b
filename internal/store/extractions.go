package store

import (
	"context"
	"database/sql"
	"fmt"
)

const extractionColumns = `id, run_id, chunk_id, prompt_name, signature_hash, content_hash, prompt_version,
	extractor_version, model_id, params_fingerprint, raw_output, parsed_json, validation_error,
	extraction_status, created_at`

// GetCachedSuccess returns the successful cache entry for (chunk_id, signature_hash),
// or nil when there is none. Failed entries are never returned.
func (s *SQLiteStore) GetCachedSuccess(ctx context.Context, chunkID int64, signatureHash string) (*ChunkExtraction, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+extractionColumns+` FROM chunk_extractions
		 WHERE chunk_id = ? AND signature_hash = ? AND extraction_status = ?`,
		chunkID, signatureHash, string(ExtractionSuccess))
	e, err := scanExtraction(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("looking up cache entry: %w", err)
	}
	return e, nil
}

// InsertExtraction stores a cache entry. A row already present for
// (chunk_id, signature_hash) is returned unchanged when it succeeded; a
// previously failed row is overwritten so a later success becomes cacheable.
func (s *SQLiteStore) InsertExtraction(ctx context.Context, e *ChunkExtraction) (*ChunkExtraction, error) {
	return insertExtraction(ctx, s.db, e)
}

// PersistExtraction stores a successful cache entry together with its claims
// in one transaction, so a cache hit always finds the claims it produced.
// When another run already owns the entry, its row is returned and the
// claims are not written.
func (s *SQLiteStore) PersistExtraction(ctx context.Context, e *ChunkExtraction, claims []*Claim) (*ChunkExtraction, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	e.Status = ExtractionSuccess
	stored, err := insertExtraction(ctx, tx, e)
	if err != nil {
		return nil, err
	}
	if stored.RunID == e.RunID {
		for _, c := range claims {
			c.ChunkExtractionID = stored.ID
		}
		if err := persistClaims(ctx, tx, claims); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing extraction: %w", err)
	}
	return stored, nil
}

func insertExtraction(ctx context.Context, q execQuerier, e *ChunkExtraction) (*ChunkExtraction, error) {
	if e.Status == "" {
		e.Status = ExtractionSuccess
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO chunk_extractions (run_id, chunk_id, prompt_name, signature_hash, content_hash, prompt_version,
			extractor_version, model_id, params_fingerprint, raw_output, parsed_json, validation_error, extraction_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_id, signature_hash) DO UPDATE SET
			run_id = excluded.run_id,
			prompt_name = excluded.prompt_name,
			raw_output = excluded.raw_output,
			parsed_json = excluded.parsed_json,
			validation_error = excluded.validation_error,
			extraction_status = excluded.extraction_status
		 WHERE chunk_extractions.extraction_status != 'SUCCESS'`,
		e.RunID, e.ChunkID, e.PromptName, e.SignatureHash, e.ContentHash, e.PromptVersion,
		e.ExtractorVersion, e.ModelID, e.ParamsFingerprint,
		nullString(e.RawOutput), nullString(e.ParsedJSON), nullString(e.ValidationError), string(e.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("inserting extraction: %w", err)
	}

	row := q.QueryRowContext(ctx,
		`SELECT `+extractionColumns+` FROM chunk_extractions WHERE chunk_id = ? AND signature_hash = ?`,
		e.ChunkID, e.SignatureHash)
	stored, err := scanExtraction(row)
	if err != nil {
		return nil, fmt.Errorf("reading back extraction: %w", err)
	}
	return stored, nil
}

func scanExtraction(r rowScanner) (*ChunkExtraction, error) {
	e := &ChunkExtraction{}
	var raw, parsed, validation sql.NullString
	var status string
	var created sql.NullTime
	if err := r.Scan(&e.ID, &e.RunID, &e.ChunkID, &e.PromptName, &e.SignatureHash, &e.ContentHash,
		&e.PromptVersion, &e.ExtractorVersion, &e.ModelID, &e.ParamsFingerprint,
		&raw, &parsed, &validation, &status, &created); err != nil {
		return nil, err
	}
	e.RawOutput = raw.String
	e.ParsedJSON = parsed.String
	e.ValidationError = validation.String
	e.Status = ExtractionStatus(status)
	if created.Valid {
		e.CreatedAt = created.Time
	}
	return e, nil
}
