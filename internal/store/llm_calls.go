package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InsertLLMCall appends one row to the LLM call audit.
func (s *SQLiteStore) InsertLLMCall(ctx context.Context, c *LLMCall) (int64, error) {
	return insertLLMCall(ctx, s.db, c)
}

func insertLLMCall(ctx context.Context, q execQuerier, c *LLMCall) (int64, error) {
	if c.Status == "" {
		c.Status = CallSuccess
	}
	res, err := q.ExecContext(ctx,
		`INSERT INTO llm_calls (run_id, chunk_id, seed_claim_id, kind, provider, model, signature_hash,
			request_json, response_text, response_json, status, error_code, error_message,
			prompt_tokens, completion_tokens, total_tokens, latency_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.RunID, nullInt64(c.ChunkID), nullInt64(c.SeedClaimID), c.Kind,
		nullString(c.Provider), nullString(c.Model), nullString(c.SignatureHash),
		nullString(c.RequestJSON), nullString(c.ResponseText), nullString(c.ResponseJSON),
		string(c.Status), nullString(c.ErrorCode), nullString(truncate(c.ErrorMessage, MaxErrorMessageLen)),
		c.PromptTokens, c.CompletionTokens, c.TotalTokens, c.LatencyMS,
	)
	if err != nil {
		return 0, fmt.Errorf("inserting llm call: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting llm call id: %w", err)
	}
	c.ID = id
	return id, nil
}

// ListLLMCalls returns the audit rows of a run in insertion order.
func (s *SQLiteStore) ListLLMCalls(ctx context.Context, runID int64) ([]*LLMCall, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, chunk_id, seed_claim_id, kind, provider, model, signature_hash, request_json,
			response_text, response_json, status, error_code, error_message, prompt_tokens, completion_tokens,
			total_tokens, latency_ms, created_at
		 FROM llm_calls WHERE run_id = ? ORDER BY id`, runID)
	if err != nil {
		return nil, fmt.Errorf("listing llm calls: %w", err)
	}
	defer rows.Close()

	var out []*LLMCall
	for rows.Next() {
		c := &LLMCall{}
		var chunkID, seedID sql.NullInt64
		var provider, model, sig, req, respText, respJSON, code, msg sql.NullString
		var status string
		var created sql.NullTime
		if err := rows.Scan(&c.ID, &c.RunID, &chunkID, &seedID, &c.Kind, &provider, &model, &sig, &req,
			&respText, &respJSON, &status, &code, &msg, &c.PromptTokens, &c.CompletionTokens,
			&c.TotalTokens, &c.LatencyMS, &created); err != nil {
			return nil, fmt.Errorf("scanning llm call: %w", err)
		}
		c.ChunkID = ptrInt64(chunkID)
		c.SeedClaimID = ptrInt64(seedID)
		c.Provider = provider.String
		c.Model = model.String
		c.SignatureHash = sig.String
		c.RequestJSON = req.String
		c.ResponseText = respText.String
		c.ResponseJSON = respJSON.String
		c.Status = LLMCallStatus(status)
		c.ErrorCode = code.String
		c.ErrorMessage = msg.String
		if created.Valid {
			c.CreatedAt = created.Time
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
