package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const runColumns = `id, document_id, run_kind, status, prompt_version, extractor_version, model_id,
	config_json, stats_json, error_summary, created_at, finished_at`

// CreateRun inserts a new pipeline run. Status defaults to RUNNING.
func (s *SQLiteStore) CreateRun(ctx context.Context, r *Run) (int64, error) {
	if r.Status == "" {
		r.Status = RunRunning
	}
	if r.ConfigJSON == "" {
		r.ConfigJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO pipeline_runs (document_id, run_kind, status, prompt_version, extractor_version, model_id, config_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		r.DocumentID, string(r.Kind), string(r.Status), r.PromptVersion, r.ExtractorVersion, r.ModelID, r.ConfigJSON,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting run: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting run id: %w", err)
	}
	r.ID = id
	return id, nil
}

// GetRun returns one run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id int64) (*Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM pipeline_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting run %d: %w", id, err)
	}
	return r, nil
}

// ListRuns returns the runs of a document, newest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, documentID string) ([]*Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+runColumns+` FROM pipeline_runs WHERE document_id = ? ORDER BY id DESC`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var out []*Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// FinalizeRun sets the terminal status, stats and finish time of a run.
func (s *SQLiteStore) FinalizeRun(ctx context.Context, id int64, status RunStatus, statsJSON, errorSummary string) error {
	if statsJSON == "" {
		statsJSON = "{}"
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE pipeline_runs SET status = ?, stats_json = ?, error_summary = ?, finished_at = ? WHERE id = ?`,
		string(status), statsJSON, nullString(truncate(errorSummary, MaxErrorMessageLen)), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("finalizing run %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %d: %w", id, ErrNotFound)
	}
	return nil
}

func scanRun(r rowScanner) (*Run, error) {
	run := &Run{}
	var kind, status string
	var errSummary sql.NullString
	var created, finished sql.NullTime
	if err := r.Scan(&run.ID, &run.DocumentID, &kind, &status, &run.PromptVersion, &run.ExtractorVersion,
		&run.ModelID, &run.ConfigJSON, &run.StatsJSON, &errSummary, &created, &finished); err != nil {
		return nil, err
	}
	run.Kind = RunKind(kind)
	run.Status = RunStatus(status)
	run.ErrorSummary = errSummary.String
	if created.Valid {
		run.CreatedAt = created.Time
	}
	run.FinishedAt = ptrTime(finished)
	return run, nil
}

// EnsureChunkRuns creates PENDING rows for every (run, chunk) pair that does
// not exist yet. Existing rows are left untouched.
func (s *SQLiteStore) EnsureChunkRuns(ctx context.Context, runID int64, chunkIDs []int64) error {
	if len(chunkIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunk_runs (run_id, chunk_id, status) VALUES (?, ?, ?)
		 ON CONFLICT(run_id, chunk_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("preparing chunk run insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range chunkIDs {
		if _, err := stmt.ExecContext(ctx, runID, id, string(ChunkPending)); err != nil {
			return fmt.Errorf("ensuring chunk run (%d, %d): %w", runID, id, err)
		}
	}
	return tx.Commit()
}

// MarkCached records a cache hit for the chunk in this run.
func (s *SQLiteStore) MarkCached(ctx context.Context, runID, chunkID, extractionID int64, signatureHash string) error {
	return s.upsertChunkRun(ctx, runID, chunkID, ChunkCached, &extractionID, signatureHash, 0, "", "", false)
}

// MarkSuccess records a successful extraction for the chunk in this run.
func (s *SQLiteStore) MarkSuccess(ctx context.Context, runID, chunkID, extractionID int64, status ChunkRunStatus, signatureHash string, latencyMS int64) error {
	if status != ChunkSuccess && status != ChunkSuccessWithWarnings {
		return fmt.Errorf("invalid success status %q", status)
	}
	return s.upsertChunkRun(ctx, runID, chunkID, status, &extractionID, signatureHash, latencyMS, "", "", true)
}

// MarkFailed records a failed chunk. Attempts are incremented and the
// message is clipped to MaxErrorMessageLen.
func (s *SQLiteStore) MarkFailed(ctx context.Context, runID, chunkID int64, errorType, message string, latencyMS int64) error {
	return s.upsertChunkRun(ctx, runID, chunkID, ChunkFailed, nil, "", latencyMS, errorType, message, true)
}

func (s *SQLiteStore) upsertChunkRun(ctx context.Context, runID, chunkID int64, status ChunkRunStatus,
	extractionID *int64, signatureHash string, latencyMS int64, errType, errMsg string, countAttempt bool) error {
	attempt := 0
	if countAttempt {
		attempt = 1
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO chunk_runs (run_id, chunk_id, status, attempts, latency_ms, error_type, error_message,
			chunk_extraction_id, signature_hash, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, chunk_id) DO UPDATE SET
			status = excluded.status,
			attempts = chunk_runs.attempts + excluded.attempts,
			latency_ms = excluded.latency_ms,
			error_type = excluded.error_type,
			error_message = excluded.error_message,
			chunk_extraction_id = COALESCE(excluded.chunk_extraction_id, chunk_runs.chunk_extraction_id),
			signature_hash = COALESCE(excluded.signature_hash, chunk_runs.signature_hash),
			updated_at = excluded.updated_at`,
		runID, chunkID, string(status), attempt, latencyMS,
		nullString(errType), nullString(truncate(errMsg, MaxErrorMessageLen)),
		nullInt64(extractionID), nullString(signatureHash), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating chunk run (%d, %d): %w", runID, chunkID, err)
	}
	return nil
}

// ListChunkRuns returns the chunk runs of a run ordered by chunk index.
func (s *SQLiteStore) ListChunkRuns(ctx context.Context, runID int64) ([]*ChunkRun, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT cr.run_id, cr.chunk_id, cr.status, cr.attempts, cr.latency_ms, cr.error_type, cr.error_message,
			cr.chunk_extraction_id, cr.signature_hash, cr.updated_at
		 FROM chunk_runs cr JOIN chunks c ON c.id = cr.chunk_id
		 WHERE cr.run_id = ? ORDER BY c.chunk_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing chunk runs: %w", err)
	}
	defer rows.Close()

	var out []*ChunkRun
	for rows.Next() {
		cr := &ChunkRun{}
		var status string
		var errType, errMsg, sig sql.NullString
		var extID sql.NullInt64
		var updated sql.NullTime
		if err := rows.Scan(&cr.RunID, &cr.ChunkID, &status, &cr.Attempts, &cr.LatencyMS,
			&errType, &errMsg, &extID, &sig, &updated); err != nil {
			return nil, fmt.Errorf("scanning chunk run: %w", err)
		}
		cr.Status = ChunkRunStatus(status)
		cr.ErrorType = errType.String
		cr.ErrorMessage = errMsg.String
		cr.ChunkExtractionID = ptrInt64(extID)
		cr.SignatureHash = sig.String
		if updated.Valid {
			cr.UpdatedAt = updated.Time
		}
		out = append(out, cr)
	}
	return out, rows.Err()
}
