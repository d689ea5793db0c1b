package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorkWithoutDrama/GraphEditor-Copy-sub000/internal/store"
)

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewStore(store.StoreConfig{DBPath: ":memory:"})
	if err != nil {
		t.Fatalf("creating test store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSplit_PacksParagraphs(t *testing.T) {
	text := "Первый абзац.\n\nВторой абзац.\n\n\n  Третий абзац."
	spans := Split(text, 30)

	require.Len(t, spans, 2)
	assert.Equal(t, "Первый абзац.\n\nВторой абзац.", spans[0].Text)
	assert.Equal(t, "Третий абзац.", spans[1].Text)

	runes := []rune(text)
	for _, sp := range spans {
		assert.Equal(t, sp.Text, string(runes[sp.Start:sp.End]), "span offsets are character offsets")
	}
}

func TestSplit_SingleChunkWhenSmall(t *testing.T) {
	spans := Split("one\n\ntwo", 100)
	require.Len(t, spans, 1)
	assert.Equal(t, "one\n\ntwo", spans[0].Text)
	assert.Equal(t, 0, spans[0].Start)

	assert.Empty(t, Split(" \n\n ", 100))
}

func TestSplit_LongParagraphCutsAtBoundary(t *testing.T) {
	sentence := "The operator sends the report. "
	text := strings.TrimSpace(strings.Repeat(sentence, 10))

	spans := Split(text, 100)
	require.Greater(t, len(spans), 1)
	for _, sp := range spans {
		assert.LessOrEqual(t, utf8.RuneCountInString(sp.Text), 100)
		assert.True(t, strings.HasSuffix(sp.Text, "."), "cut at a sentence end: %q", sp.Text)
		assert.False(t, strings.HasPrefix(sp.Text, " "))
	}
	assert.Equal(t, len([]rune(text)), spans[len(spans)-1].End)
}

func TestSplit_NoBoundaryHardCut(t *testing.T) {
	spans := Split(strings.Repeat("x", 250), 100)
	require.Len(t, spans, 3)
	assert.Equal(t, 100, spans[0].End)
	assert.Equal(t, 250, spans[2].End)
}

func TestText_UpsertAndReingest(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	res, err := Text(ctx, st, "doc-1", "Система хранит данные.\r\n\r\nОператор отправляет отчёт.", Options{MaxChars: 40})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Chunks)
	assert.Equal(t, 2, res.ChunksNew)

	chunks, err := st.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	require.Len(t, chunks, 2)
	assert.Equal(t, "Оператор отправляет отчёт.", chunks[1].Text)
	assert.Equal(t, store.ContentHash(chunks[1].Text), chunks[1].ContentHash)
	firstID := chunks[0].ID

	res, err = Text(ctx, st, "doc-1", "Система хранит данные.\n\nОператор отправляет отчёт и журнал.", Options{MaxChars: 40})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksUnchanged)
	assert.Equal(t, 0, res.ChunksNew)
	assert.Equal(t, 1, res.ChunksUpdated)

	chunks, err = st.ListChunks(ctx, "doc-1")
	require.NoError(t, err)
	assert.Equal(t, firstID, chunks[0].ID, "upsert keeps chunk identity per index")
}

func TestText_ExtractedChunkCannotChange(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := Text(ctx, st, "doc", "Система хранит данные.", Options{})
	require.NoError(t, err)
	chunks, err := st.ListChunks(ctx, "doc")
	require.NoError(t, err)
	run := &store.Run{DocumentID: "doc", Kind: store.RunKindStage1, PromptVersion: "p", ExtractorVersion: "1", ModelID: "m"}
	_, err = st.CreateRun(ctx, run)
	require.NoError(t, err)
	require.NoError(t, st.EnsureChunkRuns(ctx, run.ID, []int64{chunks[0].ID}))

	_, err = Text(ctx, st, "doc", "Система удаляет данные.", Options{})
	require.ErrorIs(t, err, store.ErrChunkImmutable)

	res, err := Text(ctx, st, "doc", "Система хранит данные.", Options{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.ChunksUnchanged)
}

func TestText_DryRunAndStale(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	_, err := Text(ctx, st, "doc", "a\n\nb\n\nc", Options{MaxChars: 1})
	require.NoError(t, err)

	res, err := Text(ctx, st, "doc", "a", Options{MaxChars: 1, DryRun: true})
	require.NoError(t, err)
	assert.Equal(t, 2, res.ChunksStale)
	assert.Equal(t, 1, res.ChunksUnchanged)

	chunks, err := st.ListChunks(ctx, "doc")
	require.NoError(t, err)
	assert.Len(t, chunks, 3)

	_, err = Text(ctx, st, "", "a", Options{})
	assert.Error(t, err)
	_, err = Text(ctx, st, "doc", "   ", Options{})
	assert.Error(t, err)
}

func TestFile_MarkdownFrontMatter(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	path := filepath.Join(t.TempDir(), "field-notes.md")
	require.NoError(t, os.WriteFile(path, []byte("---\ntitle: Notes\n---\n\nThe pump starts.\n"), 0o600))

	res, err := File(ctx, st, DocumentID(path), path, Options{})
	require.NoError(t, err)
	assert.Equal(t, "field-notes", res.DocumentID)

	chunks, err := st.ListChunks(ctx, "field-notes")
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "The pump starts.", chunks[0].Text)

	_, err = File(ctx, st, "big", path, Options{MaxFileSize: 4})
	assert.Error(t, err)
}
