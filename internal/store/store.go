// Package store provides the SQLite storage layer for the claim ledger.
//
// All pipeline state lives in a single SQLite database file, including:
// - Chunks produced by the chunk source, with content hashes
// - Pipeline runs and per-(run, chunk) processing records
// - The extraction cache keyed by (chunk_id, signature_hash)
// - Claims, their evidence snippets, and Stage 2 review state
// - The append-only LLM call audit
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
	"unicode/utf8"

	_ "modernc.org/sqlite"
)

// DefaultDBPath is the default database location.
const DefaultDBPath = "~/.claimledger/ledger.db"

// MaxErrorMessageLen caps error text stored on chunk runs and LLM calls.
const MaxErrorMessageLen = 4096

// MaxEmbeddingErrorLen caps the embedding error stored on a claim.
const MaxEmbeddingErrorLen = 1024

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrChunkImmutable is returned when new text is written over a chunk that
// extractions or runs already reference.
var ErrChunkImmutable = errors.New("chunk is referenced by extractions and cannot change")

// RunKind distinguishes Stage 1 extraction runs from Stage 2 normalization runs.
type RunKind string

const (
	RunKindStage1 RunKind = "STAGE1_EXTRACT"
	RunKindStage2 RunKind = "STAGE2_NORMALIZE"
)

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunSuccess   RunStatus = "SUCCESS"
	RunPartial   RunStatus = "PARTIAL"
	RunFailed    RunStatus = "FAILED"
	RunCompleted RunStatus = "COMPLETED"
)

// ChunkRunStatus is the per-(run, chunk) processing state.
type ChunkRunStatus string

const (
	ChunkPending             ChunkRunStatus = "PENDING"
	ChunkCached              ChunkRunStatus = "CACHED"
	ChunkSuccess             ChunkRunStatus = "SUCCESS"
	ChunkSuccessWithWarnings ChunkRunStatus = "SUCCESS_WITH_WARNINGS"
	ChunkFailed              ChunkRunStatus = "FAILED"
)

// ExtractionStatus is the outcome recorded on a cache entry.
type ExtractionStatus string

const (
	ExtractionSuccess ExtractionStatus = "SUCCESS"
	ExtractionFailed  ExtractionStatus = "FAILED"
)

// ReviewStatus is the Stage 2 state of a claim.
type ReviewStatus string

const (
	ReviewUnreviewed ReviewStatus = "UNREVIEWED"
	ReviewAccepted   ReviewStatus = "ACCEPTED"
	ReviewRejected   ReviewStatus = "REJECTED"
	ReviewSuperseded ReviewStatus = "SUPERSEDED"
)

// EmbeddingStatus tracks whether a claim card is in the vector index.
type EmbeddingStatus string

const (
	EmbeddingPending  EmbeddingStatus = "PENDING"
	EmbeddingEmbedded EmbeddingStatus = "EMBEDDED"
	EmbeddingFailed   EmbeddingStatus = "FAILED"
)

// LLMCallStatus is the final status of an audited model invocation.
type LLMCallStatus string

const (
	CallSuccess     LLMCallStatus = "SUCCESS"
	CallFailed      LLMCallStatus = "FAILED"
	CallParseFailed LLMCallStatus = "PARSE_FAILED"
)

// Chunk is one immutable text segment of a document.
type Chunk struct {
	ID          int64
	DocumentID  string
	Index       int
	Text        string
	ContentHash string
	CharStart   int
	CharEnd     int
	PageStart   int
	PageEnd     int
	CreatedAt   time.Time
}

// Run is a pipeline run over one document.
type Run struct {
	ID               int64
	DocumentID       string
	Kind             RunKind
	Status           RunStatus
	PromptVersion    string
	ExtractorVersion string
	ModelID          string
	ConfigJSON       string
	StatsJSON        string
	ErrorSummary     string
	CreatedAt        time.Time
	FinishedAt       *time.Time
}

// ChunkRun is the processing record of one chunk within one run.
type ChunkRun struct {
	RunID             int64
	ChunkID           int64
	Status            ChunkRunStatus
	Attempts          int
	LatencyMS         int64
	ErrorType         string
	ErrorMessage      string
	ChunkExtractionID *int64
	SignatureHash     string
	UpdatedAt         time.Time
}

// ChunkExtraction is a cache entry keyed by (chunk_id, signature_hash).
type ChunkExtraction struct {
	ID                int64
	RunID             int64
	ChunkID           int64
	PromptName        string
	SignatureHash     string
	ContentHash       string
	PromptVersion     string
	ExtractorVersion  string
	ModelID           string
	ParamsFingerprint string
	RawOutput         string
	ParsedJSON        string
	ValidationError   string
	Status            ExtractionStatus
	CreatedAt         time.Time
}

// Claim is one atomic, evidence-backed statement.
type Claim struct {
	ID                int64
	RunID             int64
	DocumentID        string
	ChunkID           int64
	ChunkExtractionID int64
	Ordinal           int
	ClaimType         string
	ValueJSON         string
	EpistemicTag      string
	ReviewStatus      ReviewStatus
	SupersededByID    *int64
	EmbeddingStatus   EmbeddingStatus
	EmbeddingError    string
	EmbeddingModelID  string
	VectorCollection  string
	VectorPointID     string
	CardText          string
	DedupeKey         string
	Stage2JSON        string
	EmbeddedAt        *time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Evidence []*Evidence
}

// Evidence is a verbatim snippet of the claim's source chunk.
type Evidence struct {
	ID          int64
	ClaimID     int64
	ChunkID     int64
	Ordinal     int
	SnippetText string
	CharStart   *int
	CharEnd     *int
}

// LLMCall is one audited model invocation.
type LLMCall struct {
	ID               int64
	RunID            int64
	ChunkID          *int64
	SeedClaimID      *int64
	Kind             string
	Provider         string
	Model            string
	SignatureHash    string
	RequestJSON      string
	ResponseText     string
	ResponseJSON     string
	Status           LLMCallStatus
	ErrorCode        string
	ErrorMessage     string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
	LatencyMS        int64
	CreatedAt        time.Time
}

// ClaimFilter narrows claim listings.
type ClaimFilter struct {
	ClaimType    string
	ReviewStatus ReviewStatus
	// OnlyPendingEmbedding selects claims whose embedding_status is not EMBEDDED.
	OnlyPendingEmbedding bool
}

// EmbeddingUpdate records a successful index upsert for one claim.
type EmbeddingUpdate struct {
	ClaimID    int64
	ModelID    string
	Collection string
	PointID    string
	CardText   string
	DedupeKey  string
	EmbeddedAt time.Time
}

// CardUpdate stores card text and dedupe key without changing embedding status.
type CardUpdate struct {
	ClaimID   int64
	CardText  string
	DedupeKey string
}

// ReviewChange is one claim mutation inside a Stage 2 decision.
type ReviewChange struct {
	ClaimID int64
	// Status is left unchanged when empty.
	Status       ReviewStatus
	SupersededBy *int64
	// Stage2Patch keys are merged into the claim's stage2_json object.
	Stage2Patch map[string]any
	// AppendConflict is appended to stage2_json.conflicts when non-nil.
	AppendConflict any
}

// StoreConfig holds configuration for NewStore.
type StoreConfig struct {
	DBPath string
}

// Store defines the ledger storage interface.
type Store interface {
	// Chunks
	UpsertChunks(ctx context.Context, documentID string, chunks []*Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]*Chunk, error)
	GetChunk(ctx context.Context, id int64) (*Chunk, error)

	// Runs
	CreateRun(ctx context.Context, r *Run) (int64, error)
	GetRun(ctx context.Context, id int64) (*Run, error)
	ListRuns(ctx context.Context, documentID string) ([]*Run, error)
	FinalizeRun(ctx context.Context, id int64, status RunStatus, statsJSON, errorSummary string) error

	// Chunk runs
	EnsureChunkRuns(ctx context.Context, runID int64, chunkIDs []int64) error
	MarkCached(ctx context.Context, runID, chunkID, extractionID int64, signatureHash string) error
	MarkSuccess(ctx context.Context, runID, chunkID, extractionID int64, status ChunkRunStatus, signatureHash string, latencyMS int64) error
	MarkFailed(ctx context.Context, runID, chunkID int64, errorType, message string, latencyMS int64) error
	ListChunkRuns(ctx context.Context, runID int64) ([]*ChunkRun, error)

	// Extraction cache
	GetCachedSuccess(ctx context.Context, chunkID int64, signatureHash string) (*ChunkExtraction, error)
	InsertExtraction(ctx context.Context, e *ChunkExtraction) (*ChunkExtraction, error)
	PersistExtraction(ctx context.Context, e *ChunkExtraction, claims []*Claim) (*ChunkExtraction, error)

	// Claims
	CreateClaim(ctx context.Context, c *Claim) (int64, error)
	CreateEvidence(ctx context.Context, e *Evidence) (int64, error)
	PersistClaims(ctx context.Context, claims []*Claim) error
	GetClaim(ctx context.Context, id int64) (*Claim, error)
	GetClaims(ctx context.Context, ids []int64) (map[int64]*Claim, error)
	ListClaimsByRun(ctx context.Context, runID int64, filter ClaimFilter) ([]*Claim, error)
	ListClaimsPendingEmbedding(ctx context.Context, runID int64) ([]*Claim, error)
	CountClaimsByExtraction(ctx context.Context, extractionID int64) (int, error)
	AcceptedClaimIDs(ctx context.Context, runID int64, claimType string) (map[int64]bool, error)

	// Embedding bookkeeping
	MarkEmbedded(ctx context.Context, updates []EmbeddingUpdate) error
	MarkEmbeddingFailed(ctx context.Context, claimIDs []int64, message string) error
	SetCardInfo(ctx context.Context, updates []CardUpdate) error

	// Stage 2
	ApplyReview(ctx context.Context, changes []ReviewChange, call *LLMCall) error
	ResolveCanonicalID(ctx context.Context, claimID int64) (int64, error)

	// Audit
	InsertLLMCall(ctx context.Context, c *LLMCall) (int64, error)
	ListLLMCalls(ctx context.Context, runID int64) ([]*LLMCall, error)

	Close() error
}

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates a new SQLite-backed Store.
// Pass ":memory:" for in-memory databases (testing).
func NewStore(cfg StoreConfig) (*SQLiteStore, error) {
	if cfg.DBPath == "" {
		cfg.DBPath = expandPath(DefaultDBPath)
	}

	if cfg.DBPath != ":memory:" {
		dir := filepath.Dir(cfg.DBPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating db directory: %w", err)
		}
	}

	// busy_timeout is set per connection so concurrent chunk workers wait
	// for the write lock instead of failing with SQLITE_BUSY.
	dsn := cfg.DBPath
	if dsn != ":memory:" {
		dsn += "?_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every pooled connection to ":memory:" would get its own empty database.
	if cfg.DBPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("setting pragma %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		dbPath: cfg.DBPath,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database path the store was opened with.
func (s *SQLiteStore) Path() string {
	return s.dbPath
}

// expandPath expands ~ to home directory.
func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// truncate clips s to at most max bytes without splitting a UTF-8 sequence.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt64(p *int64) sql.NullInt64 {
	if p == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *p, Valid: true}
}

func ptrInt64(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func ptrTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}
