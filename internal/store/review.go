package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// maxSupersedeHops bounds chain walks in ResolveCanonicalID.
const maxSupersedeHops = 64

// ErrSupersedeCycle is returned when a supersede chain loops back on itself.
var ErrSupersedeCycle = errors.New("supersede chain contains a cycle")

// ApplyReview applies the claim changes of one Stage 2 decision and its audit
// row atomically. Either every change and the audit row land, or none do.
func (s *SQLiteStore) ApplyReview(ctx context.Context, changes []ReviewChange, call *LLMCall) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, ch := range changes {
		var status string
		var stage2 sql.NullString
		err := tx.QueryRowContext(ctx,
			`SELECT review_status, stage2_json FROM claims WHERE id = ?`, ch.ClaimID,
		).Scan(&status, &stage2)
		if err == sql.ErrNoRows {
			return fmt.Errorf("claim %d: %w", ch.ClaimID, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("loading claim %d: %w", ch.ClaimID, err)
		}

		merged, err := mergeStage2(stage2.String, ch.Stage2Patch, ch.AppendConflict)
		if err != nil {
			return fmt.Errorf("claim %d: %w", ch.ClaimID, err)
		}

		if ch.Status != "" {
			status = string(ch.Status)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE claims SET review_status = ?, superseded_by_id = COALESCE(?, superseded_by_id),
				stage2_json = ?, updated_at = ? WHERE id = ?`,
			status, nullInt64(ch.SupersededBy), nullString(merged), now, ch.ClaimID,
		); err != nil {
			return fmt.Errorf("updating claim %d: %w", ch.ClaimID, err)
		}
	}

	if call != nil {
		if _, err := insertLLMCall(ctx, tx, call); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// mergeStage2 merges patch keys into the stored stage2 object and appends
// conflict to its "conflicts" array. An unchanged document is returned as is.
func mergeStage2(existing string, patch map[string]any, conflict any) (string, error) {
	if len(patch) == 0 && conflict == nil {
		return existing, nil
	}
	doc := map[string]any{}
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &doc); err != nil {
			return "", fmt.Errorf("decoding stage2_json: %w", err)
		}
	}
	for k, v := range patch {
		doc[k] = v
	}
	if conflict != nil {
		list, _ := doc["conflicts"].([]any)
		doc["conflicts"] = append(list, conflict)
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("encoding stage2_json: %w", err)
	}
	return string(b), nil
}

// ResolveCanonicalID follows superseded_by links from claimID to the end of
// the chain and returns the final claim ID.
func (s *SQLiteStore) ResolveCanonicalID(ctx context.Context, claimID int64) (int64, error) {
	seen := map[int64]bool{claimID: true}
	current := claimID
	for hop := 0; hop < maxSupersedeHops; hop++ {
		var next sql.NullInt64
		err := s.db.QueryRowContext(ctx,
			`SELECT superseded_by_id FROM claims WHERE id = ?`, current,
		).Scan(&next)
		if err == sql.ErrNoRows {
			return 0, fmt.Errorf("claim %d: %w", current, ErrNotFound)
		}
		if err != nil {
			return 0, fmt.Errorf("resolving claim %d: %w", current, err)
		}
		if !next.Valid {
			return current, nil
		}
		if seen[next.Int64] {
			return 0, fmt.Errorf("claim %d: %w", claimID, ErrSupersedeCycle)
		}
		seen[next.Int64] = true
		current = next.Int64
	}
	return 0, fmt.Errorf("claim %d: chain longer than %d hops: %w", claimID, maxSupersedeHops, ErrSupersedeCycle)
}
