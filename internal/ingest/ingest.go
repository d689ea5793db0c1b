// Package ingest is the development chunk source: it splits a text or
// Markdown file into paragraph-bounded chunks and upserts them into the
// ledger by (document_id, index).
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

// DefaultMaxFileSize is 10MB.
const DefaultMaxFileSize = 10 * 1024 * 1024

// ChunkStore is the part of the ledger the chunk source writes to.
type ChunkStore interface {
	UpsertChunks(ctx context.Context, documentID string, chunks []*store.Chunk) error
	ListChunks(ctx context.Context, documentID string) ([]*store.Chunk, error)
}

// Options configures an ingest.
type Options struct {
	MaxChars    int   // chunk ceiling in characters (default 1500)
	MaxFileSize int64 // bytes (default 10MB)
	DryRun      bool
	Logger      *slog.Logger
}

// Result summarizes an ingest. Stale counts stored chunks whose index is past
// the new chunk count; they are left in place.
type Result struct {
	DocumentID      string `json:"document_id"`
	Chunks          int    `json:"chunks"`
	ChunksNew       int    `json:"chunks_new"`
	ChunksUpdated   int    `json:"chunks_updated"`
	ChunksUnchanged int    `json:"chunks_unchanged"`
	ChunksStale     int    `json:"chunks_stale"`
}

// DocumentID derives a document id from a file name.
func DocumentID(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// File reads path and ingests it as documentID. Markdown front matter is
// dropped before chunking.
func File(ctx context.Context, st ChunkStore, documentID, path string, opts Options) (*Result, error) {
	maxSize := opts.MaxFileSize
	if maxSize <= 0 {
		maxSize = DefaultMaxFileSize
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxSize {
		return nil, fmt.Errorf("%s is %d bytes, over the %d byte limit", path, info.Size(), maxSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	text := string(data)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		text = stripFrontMatter(store.NormalizeNewlines(text))
	}
	return Text(ctx, st, documentID, text, opts)
}

// Text chunks text and upserts the chunks of documentID.
func Text(ctx context.Context, st ChunkStore, documentID, text string, opts Options) (*Result, error) {
	if strings.TrimSpace(documentID) == "" {
		return nil, fmt.Errorf("document id is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "ingest", "document_id", documentID)

	spans := Split(store.NormalizeNewlines(text), opts.MaxChars)
	if len(spans) == 0 {
		return nil, fmt.Errorf("document %s has no text", documentID)
	}

	existing, err := st.ListChunks(ctx, documentID)
	if err != nil {
		return nil, err
	}
	byIndex := make(map[int]*store.Chunk, len(existing))
	for _, c := range existing {
		byIndex[c.Index] = c
	}

	res := &Result{DocumentID: documentID, Chunks: len(spans)}
	chunks := make([]*store.Chunk, 0, len(spans))
	for i, sp := range spans {
		c := &store.Chunk{
			Index:       i,
			Text:        sp.Text,
			ContentHash: store.ContentHash(sp.Text),
			CharStart:   sp.Start,
			CharEnd:     sp.End,
		}
		prev, ok := byIndex[i]
		switch {
		case !ok:
			res.ChunksNew++
		case prev.ContentHash == c.ContentHash && prev.CharStart == c.CharStart && prev.CharEnd == c.CharEnd:
			res.ChunksUnchanged++
		default:
			res.ChunksUpdated++
		}
		chunks = append(chunks, c)
	}
	for idx := range byIndex {
		if idx >= len(spans) {
			res.ChunksStale++
		}
	}
	if res.ChunksStale > 0 {
		log.Warn("stored chunks past the new end of the document", "stale", res.ChunksStale)
	}

	if opts.DryRun {
		return res, nil
	}
	if err := st.UpsertChunks(ctx, documentID, chunks); err != nil {
		return nil, fmt.Errorf("storing chunks: %w", err)
	}
	log.Info("document ingested", "chunks", res.Chunks, "new", res.ChunksNew, "updated", res.ChunksUpdated)
	return res, nil
}

// stripFrontMatter removes a leading --- delimited YAML block.
func stripFrontMatter(content string) string {
	if !strings.HasPrefix(strings.TrimSpace(content), "---") {
		return content
	}
	trimmed := strings.TrimSpace(content)
	rest := trimmed[3:]
	idx := strings.Index(rest, "\n---")
	if idx < 0 {
		return content
	}
	return rest[idx+4:]
}
