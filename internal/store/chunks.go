package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertChunks inserts or refreshes the chunks of a document keyed by
// (document_id, index). Chunk IDs are written back into the passed structs.
// Text of a chunk that a run or extraction references never changes: such a
// write fails with ErrChunkImmutable and nothing is stored.
func (s *SQLiteStore) UpsertChunks(ctx context.Context, documentID string, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	check, err := tx.PrepareContext(ctx,
		`SELECT c.content_hash,
			EXISTS (SELECT 1 FROM chunk_extractions e WHERE e.chunk_id = c.id)
			OR EXISTS (SELECT 1 FROM chunk_runs r WHERE r.chunk_id = c.id)
		 FROM chunks c WHERE c.document_id = ? AND c.chunk_index = ?`,
	)
	if err != nil {
		return fmt.Errorf("preparing chunk check: %w", err)
	}
	defer check.Close()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO chunks (document_id, chunk_index, text, content_hash, char_start, char_end, page_start, page_end)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(document_id, chunk_index) DO UPDATE SET
			text = excluded.text,
			content_hash = excluded.content_hash,
			char_start = excluded.char_start,
			char_end = excluded.char_end,
			page_start = excluded.page_start,
			page_end = excluded.page_end
		 RETURNING id`,
	)
	if err != nil {
		return fmt.Errorf("preparing chunk upsert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		c.DocumentID = documentID
		if c.ContentHash == "" {
			c.ContentHash = ContentHash(c.Text)
		}
		var prevHash string
		var referenced bool
		err := check.QueryRowContext(ctx, documentID, c.Index).Scan(&prevHash, &referenced)
		switch {
		case err == sql.ErrNoRows:
		case err != nil:
			return fmt.Errorf("checking chunk %d: %w", c.Index, err)
		case referenced && prevHash != c.ContentHash:
			return fmt.Errorf("chunk %d of %s: %w", c.Index, documentID, ErrChunkImmutable)
		}
		if err := stmt.QueryRowContext(ctx,
			documentID, c.Index, c.Text, c.ContentHash,
			c.CharStart, c.CharEnd, c.PageStart, c.PageEnd,
		).Scan(&c.ID); err != nil {
			return fmt.Errorf("upserting chunk %d: %w", c.Index, err)
		}
	}

	return tx.Commit()
}

// ListChunks returns the chunks of a document ordered by index.
func (s *SQLiteStore) ListChunks(ctx context.Context, documentID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, document_id, chunk_index, text, content_hash, char_start, char_end, page_start, page_end, created_at
		 FROM chunks WHERE document_id = ? ORDER BY chunk_index`, documentID)
	if err != nil {
		return nil, fmt.Errorf("listing chunks: %w", err)
	}
	defer rows.Close()

	var out []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// GetChunk returns one chunk by ID.
func (s *SQLiteStore) GetChunk(ctx context.Context, id int64) (*Chunk, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, document_id, chunk_index, text, content_hash, char_start, char_end, page_start, page_end, created_at
		 FROM chunks WHERE id = ?`, id)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("chunk %d: %w", id, ErrNotFound)
	}
	return c, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanChunk(r rowScanner) (*Chunk, error) {
	c := &Chunk{}
	var created sql.NullTime
	if err := r.Scan(&c.ID, &c.DocumentID, &c.Index, &c.Text, &c.ContentHash,
		&c.CharStart, &c.CharEnd, &c.PageStart, &c.PageEnd, &created); err != nil {
		return nil, err
	}
	if created.Valid {
		c.CreatedAt = created.Time
	}
	return c, nil
}
