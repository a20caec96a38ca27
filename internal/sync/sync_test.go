package sync

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conorfennell/kioku/internal/domain"
	kerrors "github.com/conorfennell/kioku/internal/errors"
	"github.com/conorfennell/kioku/internal/knol"
	"github.com/conorfennell/kioku/internal/storage"
)

var t0 = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newSyncer(t *testing.T) (*Syncer, *storage.DB) {
	t.Helper()
	db, err := storage.Open(filepath.Join(t.TempDir(), "kioku.db"), 0)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := New(db, filepath.Join(t.TempDir(), "repos"))
	s.now = func() time.Time { return t0 }
	return s, db
}

func writeDeck(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o600))
}

func TestAddSource(t *testing.T) {
	s, _ := newSyncer(t)
	ctx := context.Background()
	dir := t.TempDir()

	src, created, err := s.AddSource(ctx, dir)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, domain.SourceLocal, src.Type)

	again, created, err := s.AddSource(ctx, dir)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, src.ID, again.ID)

	git, _, err := s.AddSource(ctx, "https://github.com/kioku/decks-ja.git")
	require.NoError(t, err)
	assert.Equal(t, domain.SourceGit, git.Type)

	_, _, err = s.AddSource(ctx, filepath.Join(dir, "missing"))
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest))
	_, _, err = s.AddSource(ctx, "  ")
	assert.True(t, kerrors.Is(err, kerrors.ErrInvalidRequest))
}

func TestRun_InsertsRetiresAndRestores(t *testing.T) {
	s, db := newSyncer(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeDeck(t, dir, "n5.md", "Q: 猫\nA: cat\n---\nQ: 犬\nA: dog\nC: 犬が好き\n")
	writeDeck(t, filepath.Join(dir, "notes"), "readme.txt", "Q: ignored\nA: not a deck file\n")
	src, _, err := s.AddSource(ctx, dir)
	require.NoError(t, err)

	reports, err := s.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 2, reports[0].Parsed)
	assert.Equal(t, 2, reports[0].Inserted)
	assert.Zero(t, reports[0].Retired)

	catHash := knol.Hash(domain.Item{Prompt: "猫", Answer: "cat"})
	dogHash := knol.Hash(domain.Item{Prompt: "犬", Answer: "dog", Context: "犬が好き"})

	// Drop the dog entry and reformat the cat entry.
	writeDeck(t, dir, "n5.md", "Q: **猫**\nA: Cat\n")
	reports, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, Report{SourceID: src.ID, Path: src.Path, Parsed: 1, Retired: 1}, reports[0])

	dog, err := db.FindItemByHash(ctx, dogHash)
	require.NoError(t, err)
	require.NotNil(t, dog, "retired items are kept")
	assert.True(t, dog.Retired)
	cat, err := db.FindItemByHash(ctx, catHash)
	require.NoError(t, err)
	assert.False(t, cat.Retired)

	writeDeck(t, dir, "n5.md", "Q: 猫\nA: cat\n---\nQ: 犬\nA: dog\nC: 犬が好き\n")
	reports, err = s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, reports[0].Restored)
	assert.Zero(t, reports[0].Inserted)

	got, err := db.GetSource(ctx, src.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastScanned)
	assert.True(t, got.LastScanned.Equal(t0))
}

func TestRun_ParseErrorSkipsRetirement(t *testing.T) {
	s, db := newSyncer(t)
	ctx := context.Background()
	dir := t.TempDir()

	writeDeck(t, dir, "a.md", "Q: uno\nA: one\n")
	writeDeck(t, dir, "b.md", "Q: dos\nA: two\n")
	src, _, err := s.AddSource(ctx, dir)
	require.NoError(t, err)
	_, err = s.Run(ctx)
	require.NoError(t, err)

	// A line longer than the parser accepts makes b.md unreadable.
	writeDeck(t, dir, "b.md", "Q: "+strings.Repeat("x", 2<<20)+"\n")
	reports, err := s.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports[0].Errors, 1)
	assert.Zero(t, reports[0].Retired)

	active, err := db.GetItemsBySourceID(ctx, src.ID, false)
	require.NoError(t, err)
	assert.Len(t, active, 2)
}

func TestRun_GitSourceUsesCheckout(t *testing.T) {
	s, db := newSyncer(t)
	ctx := context.Background()

	var fetched []string
	s.fetch = func(_ context.Context, url, localPath string) error {
		fetched = append(fetched, url)
		writeDeck(t, localPath, "deck.md", "Q: Haus\nA: house\n")
		return nil
	}

	src, _, err := s.AddSource(ctx, "git@github.com:kioku/decks-de.git")
	require.NoError(t, err)
	reports, err := s.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"git@github.com:kioku/decks-de.git"}, fetched)
	assert.Equal(t, 1, reports[0].Inserted)

	items, err := db.GetItemsBySourceID(ctx, src.ID, false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "Haus", items[0].Prompt)
}

func TestRun_FailingSourceDoesNotStopOthers(t *testing.T) {
	s, db := newSyncer(t)
	ctx := context.Background()

	gone := t.TempDir()
	_, _, err := s.AddSource(ctx, gone)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(gone))

	ok := t.TempDir()
	writeDeck(t, ok, "deck.md", "Q: agua\nA: water\n")
	_, _, err = s.AddSource(ctx, ok)
	require.NoError(t, err)

	reports, err := s.Run(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.NotEmpty(t, reports[0].Errors)
	assert.Equal(t, 1, reports[1].Inserted)

	srcs, err := db.GetAllSources(ctx)
	require.NoError(t, err)
	assert.Len(t, srcs, 2)
}

func TestRun_NoSources(t *testing.T) {
	s, _ := newSyncer(t)
	reports, err := s.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, reports)
}
