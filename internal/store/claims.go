package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

const claimColumns = `c.id, c.run_id, c.document_id, c.chunk_id, c.chunk_extraction_id, c.ordinal, c.claim_type,
	c.value_json, c.epistemic_tag, c.review_status, c.superseded_by_id, c.embedding_status, c.embedding_error,
	c.embedding_model_id, c.vector_collection, c.vector_point_id, c.card_text, c.dedupe_key, c.stage2_json,
	c.embedded_at, c.created_at, c.updated_at`

// runClaimScope selects claims created in the run plus claims owned by cache
// entries the run reused.
const runClaimScope = `(c.run_id = ? OR c.chunk_extraction_id IN (
	SELECT cr.chunk_extraction_id FROM chunk_runs cr
	WHERE cr.run_id = ? AND cr.status = 'CACHED' AND cr.chunk_extraction_id IS NOT NULL))`

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CreateClaim inserts a claim. Inserting the same (extraction, ordinal) twice
// returns the existing ID.
func (s *SQLiteStore) CreateClaim(ctx context.Context, c *Claim) (int64, error) {
	return createClaim(ctx, s.db, c)
}

// CreateEvidence inserts one evidence snippet.
func (s *SQLiteStore) CreateEvidence(ctx context.Context, e *Evidence) (int64, error) {
	return createEvidence(ctx, s.db, e)
}

// PersistClaims writes claims and their evidence in one transaction.
func (s *SQLiteStore) PersistClaims(ctx context.Context, claims []*Claim) error {
	if len(claims) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if err := persistClaims(ctx, tx, claims); err != nil {
		return err
	}
	return tx.Commit()
}

func persistClaims(ctx context.Context, tx execQuerier, claims []*Claim) error {
	for _, c := range claims {
		if _, err := createClaim(ctx, tx, c); err != nil {
			return err
		}
		for i, e := range c.Evidence {
			e.ClaimID = c.ID
			if e.ChunkID == 0 {
				e.ChunkID = c.ChunkID
			}
			e.Ordinal = i
			if _, err := createEvidence(ctx, tx, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func createClaim(ctx context.Context, q execQuerier, c *Claim) (int64, error) {
	if c.EpistemicTag == "" {
		c.EpistemicTag = "EXPLICIT"
	}
	if c.ReviewStatus == "" {
		c.ReviewStatus = ReviewUnreviewed
	}
	if c.EmbeddingStatus == "" {
		c.EmbeddingStatus = EmbeddingPending
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO claims (run_id, document_id, chunk_id, chunk_extraction_id, ordinal, claim_type, value_json,
			epistemic_tag, review_status, embedding_status)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chunk_extraction_id, ordinal) DO NOTHING`,
		c.RunID, c.DocumentID, c.ChunkID, c.ChunkExtractionID, c.Ordinal, c.ClaimType, c.ValueJSON,
		c.EpistemicTag, string(c.ReviewStatus), string(c.EmbeddingStatus),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting claim: %w", err)
	}
	if err := q.QueryRowContext(ctx,
		`SELECT id FROM claims WHERE chunk_extraction_id = ? AND ordinal = ?`,
		c.ChunkExtractionID, c.Ordinal,
	).Scan(&c.ID); err != nil {
		return 0, fmt.Errorf("reading claim id: %w", err)
	}
	return c.ID, nil
}

func createEvidence(ctx context.Context, q execQuerier, e *Evidence) (int64, error) {
	var start, end sql.NullInt64
	if e.CharStart != nil {
		start = sql.NullInt64{Int64: int64(*e.CharStart), Valid: true}
	}
	if e.CharEnd != nil {
		end = sql.NullInt64{Int64: int64(*e.CharEnd), Valid: true}
	}
	_, err := q.ExecContext(ctx,
		`INSERT INTO claim_evidence (claim_id, chunk_id, ordinal, snippet_text, char_start, char_end)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(claim_id, ordinal) DO NOTHING`,
		e.ClaimID, e.ChunkID, e.Ordinal, e.SnippetText, start, end,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting evidence: %w", err)
	}
	if err := q.QueryRowContext(ctx,
		`SELECT id FROM claim_evidence WHERE claim_id = ? AND ordinal = ?`, e.ClaimID, e.Ordinal,
	).Scan(&e.ID); err != nil {
		return 0, fmt.Errorf("reading evidence id: %w", err)
	}
	return e.ID, nil
}

// GetClaim returns one claim with its evidence.
func (s *SQLiteStore) GetClaim(ctx context.Context, id int64) (*Claim, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims c WHERE c.id = ?`, id)
	c, err := scanClaim(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("claim %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting claim %d: %w", id, err)
	}
	if err := s.attachEvidence(ctx, []*Claim{c}); err != nil {
		return nil, err
	}
	return c, nil
}

// GetClaims returns the requested claims keyed by ID. Missing IDs are absent
// from the map.
func (s *SQLiteStore) GetClaims(ctx context.Context, ids []int64) (map[int64]*Claim, error) {
	out := make(map[int64]*Claim, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	claims, err := s.queryClaims(ctx,
		`SELECT `+claimColumns+` FROM claims c WHERE c.id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	for _, c := range claims {
		out[c.ID] = c
	}
	return out, nil
}

// ListClaimsByRun returns every claim visible to a Stage 1 run, ordered by
// chunk index then ordinal.
func (s *SQLiteStore) ListClaimsByRun(ctx context.Context, runID int64, filter ClaimFilter) ([]*Claim, error) {
	query := `SELECT ` + claimColumns + ` FROM claims c JOIN chunks ch ON ch.id = c.chunk_id WHERE ` + runClaimScope
	args := []any{runID, runID}
	if filter.ClaimType != "" {
		query += ` AND c.claim_type = ?`
		args = append(args, filter.ClaimType)
	}
	if filter.ReviewStatus != "" {
		query += ` AND c.review_status = ?`
		args = append(args, string(filter.ReviewStatus))
	}
	if filter.OnlyPendingEmbedding {
		query += ` AND c.embedding_status != 'EMBEDDED'`
	}
	query += ` ORDER BY ch.chunk_index, c.chunk_extraction_id, c.ordinal`
	return s.queryClaims(ctx, query, args...)
}

// ListClaimsPendingEmbedding returns the run's claims that still need indexing.
func (s *SQLiteStore) ListClaimsPendingEmbedding(ctx context.Context, runID int64) ([]*Claim, error) {
	return s.ListClaimsByRun(ctx, runID, ClaimFilter{OnlyPendingEmbedding: true})
}

// CountClaimsByExtraction reports how many claims a cache entry owns.
func (s *SQLiteStore) CountClaimsByExtraction(ctx context.Context, extractionID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM claims WHERE chunk_extraction_id = ?`, extractionID,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting claims: %w", err)
	}
	return n, nil
}

// AcceptedClaimIDs returns the IDs of ACCEPTED claims of one type in the run scope.
func (s *SQLiteStore) AcceptedClaimIDs(ctx context.Context, runID int64, claimType string) (map[int64]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id FROM claims c WHERE `+runClaimScope+` AND c.claim_type = ? AND c.review_status = 'ACCEPTED'`,
		runID, runID, claimType)
	if err != nil {
		return nil, fmt.Errorf("listing accepted claims: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]bool)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out[id] = true
	}
	return out, rows.Err()
}

// MarkEmbedded records successful index upserts.
func (s *SQLiteStore) MarkEmbedded(ctx context.Context, updates []EmbeddingUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE claims SET embedding_status = 'EMBEDDED', embedding_error = NULL, embedding_model_id = ?,
			vector_collection = ?, vector_point_id = ?, card_text = ?, dedupe_key = ?, embedded_at = ?, updated_at = ?
		 WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("preparing embedding update: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, u := range updates {
		at := u.EmbeddedAt
		if at.IsZero() {
			at = now
		}
		if _, err := stmt.ExecContext(ctx, u.ModelID, u.Collection, u.PointID, u.CardText, u.DedupeKey,
			at, now, u.ClaimID); err != nil {
			return fmt.Errorf("marking claim %d embedded: %w", u.ClaimID, err)
		}
	}
	return tx.Commit()
}

// MarkEmbeddingFailed flags claims as FAILED with a clipped error message.
func (s *SQLiteStore) MarkEmbeddingFailed(ctx context.Context, claimIDs []int64, message string) error {
	if len(claimIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	msg := truncate(message, MaxEmbeddingErrorLen)
	now := time.Now().UTC()
	for _, id := range claimIDs {
		if _, err := tx.ExecContext(ctx,
			`UPDATE claims SET embedding_status = 'FAILED', embedding_error = ?, updated_at = ? WHERE id = ?`,
			msg, now, id); err != nil {
			return fmt.Errorf("marking claim %d failed: %w", id, err)
		}
	}
	return tx.Commit()
}

// SetCardInfo stores card text and dedupe key without touching embedding status.
func (s *SQLiteStore) SetCardInfo(ctx context.Context, updates []CardUpdate) error {
	if len(updates) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, u := range updates {
		if _, err := tx.ExecContext(ctx,
			`UPDATE claims SET card_text = ?, dedupe_key = ?, updated_at = ? WHERE id = ?`,
			u.CardText, u.DedupeKey, now, u.ClaimID); err != nil {
			return fmt.Errorf("setting card info on claim %d: %w", u.ClaimID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) queryClaims(ctx context.Context, query string, args ...any) ([]*Claim, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying claims: %w", err)
	}
	var out []*Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scanning claim: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := s.attachEvidence(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

// attachEvidence loads evidence for the given claims in one query.
func (s *SQLiteStore) attachEvidence(ctx context.Context, claims []*Claim) error {
	if len(claims) == 0 {
		return nil
	}
	byID := make(map[int64]*Claim, len(claims))
	args := make([]any, 0, len(claims))
	for _, c := range claims {
		byID[c.ID] = c
		args = append(args, c.ID)
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(args)), ",")
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, claim_id, chunk_id, ordinal, snippet_text, char_start, char_end
		 FROM claim_evidence WHERE claim_id IN (`+placeholders+`) ORDER BY claim_id, ordinal`, args...)
	if err != nil {
		return fmt.Errorf("loading evidence: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		e := &Evidence{}
		var start, end sql.NullInt64
		if err := rows.Scan(&e.ID, &e.ClaimID, &e.ChunkID, &e.Ordinal, &e.SnippetText, &start, &end); err != nil {
			return fmt.Errorf("scanning evidence: %w", err)
		}
		if start.Valid {
			v := int(start.Int64)
			e.CharStart = &v
		}
		if end.Valid {
			v := int(end.Int64)
			e.CharEnd = &v
		}
		if c, ok := byID[e.ClaimID]; ok {
			c.Evidence = append(c.Evidence, e)
		}
	}
	return rows.Err()
}

func scanClaim(r rowScanner) (*Claim, error) {
	c := &Claim{}
	var review, embedding string
	var superseded sql.NullInt64
	var embErr, embModel, collection, pointID, card, dedupe, stage2 sql.NullString
	var embeddedAt, created, updated sql.NullTime
	if err := r.Scan(&c.ID, &c.RunID, &c.DocumentID, &c.ChunkID, &c.ChunkExtractionID, &c.Ordinal, &c.ClaimType,
		&c.ValueJSON, &c.EpistemicTag, &review, &superseded, &embedding, &embErr,
		&embModel, &collection, &pointID, &card, &dedupe, &stage2,
		&embeddedAt, &created, &updated); err != nil {
		return nil, err
	}
	c.ReviewStatus = ReviewStatus(review)
	c.SupersededByID = ptrInt64(superseded)
	c.EmbeddingStatus = EmbeddingStatus(embedding)
	c.EmbeddingError = embErr.String
	c.EmbeddingModelID = embModel.String
	c.VectorCollection = collection.String
	c.VectorPointID = pointID.String
	c.CardText = card.String
	c.DedupeKey = dedupe.String
	c.Stage2JSON = stage2.String
	c.EmbeddedAt = ptrTime(embeddedAt)
	if created.Valid {
		c.CreatedAt = created.Time
	}
	if updated.Valid {
		c.UpdatedAt = updated.Time
	}
	return c, nil
}
