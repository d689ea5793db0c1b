package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// schemaVersion is bumped whenever bootstrap DDL changes shape.
const schemaVersion = "1"

// migrate creates all tables if they don't exist and seeds metadata.
func (s *SQLiteStore) migrate() error {
	bootstrapDone, err := s.isMetaFlagEnabled("schema_bootstrap_complete")
	if err != nil {
		return fmt.Errorf("checking bootstrap state: %w", err)
	}

	if !bootstrapDone {
		if err := s.runBootstrapDDL(); err != nil {
			return err
		}
	}

	if err := s.seedMeta(); err != nil {
		return fmt.Errorf("seeding metadata: %w", err)
	}

	if !bootstrapDone {
		if err := s.setMetaFlag("schema_bootstrap_complete"); err != nil {
			return fmt.Errorf("marking bootstrap complete: %w", err)
		}
	}

	// Schema evolution: stage2 lookup indexes were added after the first release.
	if err := s.migrateReviewIndexes(); err != nil {
		return fmt.Errorf("migrating review indexes: %w", err)
	}

	return nil
}

func (s *SQLiteStore) runBootstrapDDL() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS chunks (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id  TEXT NOT NULL,
			chunk_index  INTEGER NOT NULL,
			text         TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			char_start   INTEGER NOT NULL DEFAULT 0,
			char_end     INTEGER NOT NULL DEFAULT 0,
			page_start   INTEGER NOT NULL DEFAULT 0,
			page_end     INTEGER NOT NULL DEFAULT 0,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (document_id, chunk_index)
		)`,

		`CREATE TABLE IF NOT EXISTS pipeline_runs (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id       TEXT NOT NULL,
			run_kind          TEXT NOT NULL,
			status            TEXT NOT NULL,
			prompt_version    TEXT NOT NULL DEFAULT '',
			extractor_version TEXT NOT NULL DEFAULT '',
			model_id          TEXT NOT NULL DEFAULT '',
			config_json       TEXT NOT NULL DEFAULT '{}',
			stats_json        TEXT NOT NULL DEFAULT '{}',
			error_summary     TEXT,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP,
			finished_at       DATETIME
		)`,

		`CREATE TABLE IF NOT EXISTS chunk_extractions (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id             INTEGER NOT NULL REFERENCES pipeline_runs(id),
			chunk_id           INTEGER NOT NULL REFERENCES chunks(id),
			prompt_name        TEXT NOT NULL,
			signature_hash     TEXT NOT NULL,
			content_hash       TEXT NOT NULL,
			prompt_version     TEXT NOT NULL,
			extractor_version  TEXT NOT NULL,
			model_id           TEXT NOT NULL,
			params_fingerprint TEXT NOT NULL,
			raw_output         TEXT,
			parsed_json        TEXT,
			validation_error   TEXT,
			extraction_status  TEXT NOT NULL,
			created_at         DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (chunk_id, signature_hash),
			UNIQUE (run_id, chunk_id, prompt_name)
		)`,

		`CREATE TABLE IF NOT EXISTS chunk_runs (
			run_id              INTEGER NOT NULL REFERENCES pipeline_runs(id),
			chunk_id            INTEGER NOT NULL REFERENCES chunks(id),
			status              TEXT NOT NULL DEFAULT 'PENDING',
			attempts            INTEGER NOT NULL DEFAULT 0,
			latency_ms          INTEGER NOT NULL DEFAULT 0,
			error_type          TEXT,
			error_message       TEXT,
			chunk_extraction_id INTEGER REFERENCES chunk_extractions(id),
			signature_hash      TEXT,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, chunk_id)
		)`,

		`CREATE TABLE IF NOT EXISTS claims (
			id                  INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id              INTEGER NOT NULL REFERENCES pipeline_runs(id),
			document_id         TEXT NOT NULL,
			chunk_id            INTEGER NOT NULL REFERENCES chunks(id),
			chunk_extraction_id INTEGER NOT NULL REFERENCES chunk_extractions(id),
			ordinal             INTEGER NOT NULL,
			claim_type          TEXT NOT NULL,
			value_json          TEXT NOT NULL,
			epistemic_tag       TEXT NOT NULL DEFAULT 'EXPLICIT',
			review_status       TEXT NOT NULL DEFAULT 'UNREVIEWED',
			superseded_by_id    INTEGER REFERENCES claims(id),
			embedding_status    TEXT NOT NULL DEFAULT 'PENDING',
			embedding_error     TEXT,
			embedding_model_id  TEXT,
			vector_collection   TEXT,
			vector_point_id     TEXT,
			card_text           TEXT,
			dedupe_key          TEXT,
			stage2_json         TEXT,
			embedded_at         DATETIME,
			created_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE (chunk_extraction_id, ordinal)
		)`,

		`CREATE INDEX IF NOT EXISTS idx_claims_run_type ON claims(run_id, claim_type)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_extraction ON claims(chunk_extraction_id)`,

		`CREATE TABLE IF NOT EXISTS claim_evidence (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			claim_id     INTEGER NOT NULL REFERENCES claims(id) ON DELETE CASCADE,
			chunk_id     INTEGER NOT NULL REFERENCES chunks(id),
			ordinal      INTEGER NOT NULL,
			snippet_text TEXT NOT NULL,
			char_start   INTEGER,
			char_end     INTEGER,
			UNIQUE (claim_id, ordinal)
		)`,

		`CREATE TABLE IF NOT EXISTS llm_calls (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id            INTEGER NOT NULL REFERENCES pipeline_runs(id),
			chunk_id          INTEGER,
			seed_claim_id     INTEGER,
			kind              TEXT NOT NULL,
			provider          TEXT,
			model             TEXT,
			signature_hash    TEXT,
			request_json      TEXT,
			response_text     TEXT,
			response_json     TEXT,
			status            TEXT NOT NULL,
			error_code        TEXT,
			error_message     TEXT,
			prompt_tokens     INTEGER NOT NULL DEFAULT 0,
			completion_tokens INTEGER NOT NULL DEFAULT 0,
			total_tokens      INTEGER NOT NULL DEFAULT 0,
			latency_ms        INTEGER NOT NULL DEFAULT 0,
			created_at        DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE INDEX IF NOT EXISTS idx_llm_calls_run ON llm_calls(run_id)`,
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning migration: %w", err)
	}
	defer tx.Rollback()

	for _, stmt := range statements {
		if _, err := tx.Exec(stmt); err != nil {
			return fmt.Errorf("executing migration statement: %w\nSQL: %s", err, firstLine(stmt))
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration: %w", err)
	}

	return nil
}

func (s *SQLiteStore) isMetaFlagEnabled(key string) (bool, error) {
	var exists int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='meta'`).Scan(&exists); err != nil {
		return false, err
	}
	if exists == 0 {
		return false, nil
	}

	var value string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", key).Scan(&value)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return value == "true", nil
}

func (s *SQLiteStore) setMetaFlag(key string) error {
	_, err := s.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES (?, 'true')", key)
	return err
}

// seedMeta initializes the meta table with defaults if not already set.
func (s *SQLiteStore) seedMeta() error {
	defaults := map[string]string{
		"schema_version": schemaVersion,
		"created_at":     time.Now().UTC().Format(time.RFC3339),
	}

	for k, v := range defaults {
		_, err := s.db.Exec(
			"INSERT OR IGNORE INTO meta (key, value) VALUES (?, ?)", k, v,
		)
		if err != nil {
			return fmt.Errorf("seeding meta key %q: %w", k, err)
		}
	}
	return nil
}

// migrateReviewIndexes adds the indexes Stage 2 relies on for seed listing and chain walks.
func (s *SQLiteStore) migrateReviewIndexes() error {
	done, err := s.isMetaFlagEnabled("review_indexes_v1")
	if err != nil {
		return err
	}
	if done {
		return nil
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_claims_review
		 ON claims(run_id, claim_type, review_status)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_superseded
		 ON claims(superseded_by_id)`,
		`CREATE INDEX IF NOT EXISTS idx_chunk_runs_extraction
		 ON chunk_runs(run_id, status, chunk_extraction_id)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("creating index: %w\nSQL: %s", err, firstLine(stmt))
		}
	}
	return s.setMetaFlag("review_indexes_v1")
}

func firstLine(stmt string) string {
	stmt = strings.TrimSpace(stmt)
	if idx := strings.IndexByte(stmt, '\n'); idx > 0 {
		return stmt[:idx]
	}
	return stmt
}
