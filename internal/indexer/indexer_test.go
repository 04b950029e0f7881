package indexer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oaklabs/oakd/internal/activity"
	"github.com/oaklabs/oakd/internal/chunker"
	"github.com/oaklabs/oakd/internal/config"
	"github.com/oaklabs/oakd/internal/ignore"
	"github.com/oaklabs/oakd/internal/vectorstore"
	"github.com/oaklabs/oakd/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// stubProvider hashes each text into a deterministic 4-dim vector.
type stubProvider struct {
	fail bool
}

var errProviderDown = errors.New("provider down")

func (p *stubProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	if p.fail {
		return nil, errProviderDown
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v := make([]float32, 4)
		for j, r := range t {
			v[j%4] += float32(r%13) / 13
		}
		v[0]++
		out[i] = v
	}
	return out, nil
}
func (p *stubProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := p.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
func (p *stubProvider) Dimension() int     { return 4 }
func (p *stubProvider) ContextWindow() int { return 8192 }
func (p *stubProvider) Name() string       { return "stub" }
func (p *stubProvider) Close() error       { return nil }

type fixture struct {
	root    string
	ix      *Indexer
	store   *activity.Store
	vectors *vectorstore.Store
	prov    *stubProvider
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	root := t.TempDir()

	policy, err := ignore.NewPolicy(root, nil, nil)
	require.NoError(t, err)

	store, err := activity.Open(filepath.Join(t.TempDir(), "activities.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	vectors, err := vectorstore.New(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	prov := &stubProvider{}
	ix := New(root, policy, chunker.NewTreeSitterChunker(), prov, vectors, store,
		config.IndexingConfig{MaxFileSize: 1024 * 1024}, zap.NewNop())
	return &fixture{root: root, ix: ix, store: store, vectors: vectors, prov: prov}
}

func (f *fixture) write(t *testing.T, rel, content string) {
	t.Helper()
	abs := filepath.Join(f.root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
}

const goFile = `package main

func Hello() string {
	return "hello"
}
`

func TestFullIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "main.go", goFile)
	f.write(t, "util/helpers.go", "package util\n\nfunc Add(a, b int) int { return a + b }\n")
	f.write(t, "node_modules/dep/index.js", "module.exports = 1\n") // excluded

	res, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.FilesIndexed)
	assert.Zero(t, res.FilesFailed)
	assert.Greater(t, res.ChunksIndexed, 0)

	// One IndexedFile row per file, chunk counts match the store.
	row, err := f.store.GetIndexedFile(ctx, "main.go")
	require.NoError(t, err)

	st, err := f.vectors.Stats(ctx, vectorstore.CollectionCode)
	require.NoError(t, err)
	assert.Equal(t, res.ChunksIndexed, st.Count)
	assert.Greater(t, row.ChunkCount, 0)
}

func TestFullIndexSkipsUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "main.go", goFile)
	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	res, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.FilesIndexed)
	assert.Equal(t, 1, res.FilesSkipped)
}

func TestEmptyFilesSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "empty.go", "")
	res, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.FilesIndexed)
	assert.Equal(t, 1, res.FilesSkipped)

	_, err = f.store.GetIndexedFile(ctx, "empty.go")
	assert.ErrorIs(t, err, activity.ErrNotFound)
}

func TestBinaryFilesSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(f.root, "blob.bin"),
		[]byte{0x7f, 0x45, 0x4c, 0x46, 0x00, 0x01}, 0o644))

	res, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.FilesIndexed)
}

func TestProviderFailureMarksFileAndContinues(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "a.go", goFile)
	f.prov.fail = true

	res, err := f.ix.FullIndex(ctx)
	require.NoError(t, err, "run continues past per-file failures")
	assert.Equal(t, 1, res.FilesFailed)

	bad, err := f.store.FilesWithErrors(ctx)
	require.NoError(t, err)
	require.Len(t, bad, 1)
	assert.Equal(t, "a.go", bad[0].Filepath)

	// Recovery clears the error.
	f.prov.fail = false
	res, err = f.ix.FullIndex(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesIndexed)

	bad, err = f.store.FilesWithErrors(ctx)
	require.NoError(t, err)
	assert.Empty(t, bad)
}

func TestIncrementalModifyReplacesChunks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "main.go", goFile)
	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	f.write(t, "main.go", "package main\n\nfunc Goodbye() string {\n\treturn \"bye\"\n}\n")
	require.NoError(t, f.ix.HandleEvent(ctx, watcher.Event{Op: watcher.Modified, Path: "main.go"}))

	row, err := f.store.GetIndexedFile(ctx, "main.go")
	require.NoError(t, err)

	st, err := f.vectors.Stats(ctx, vectorstore.CollectionCode)
	require.NoError(t, err)
	assert.Equal(t, row.ChunkCount, st.Count, "old chunks fully replaced")

	hits, err := f.vectors.Search(ctx, vectorstore.CollectionCode,
		mustEmbed(t, f.prov, "anything"), 10, map[string]string{"filepath": "main.go"}, 0)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotContains(t, h.Content, "Hello", "stale content gone")
	}
}

func TestIncrementalDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "main.go", goFile)
	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.root, "main.go")))
	require.NoError(t, f.ix.HandleEvent(ctx, watcher.Event{Op: watcher.Deleted, Path: "main.go"}))

	_, err = f.store.GetIndexedFile(ctx, "main.go")
	assert.ErrorIs(t, err, activity.ErrNotFound)

	st, err := f.vectors.Stats(ctx, vectorstore.CollectionCode)
	require.NoError(t, err)
	assert.Zero(t, st.Count)
}

func TestIncrementalRename(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "old.go", goFile)
	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Rename(filepath.Join(f.root, "old.go"), filepath.Join(f.root, "new.go")))
	require.NoError(t, f.ix.HandleEvent(ctx, watcher.Event{
		Op: watcher.Renamed, Path: "new.go", OldPath: "old.go",
	}))

	_, err = f.store.GetIndexedFile(ctx, "old.go")
	assert.ErrorIs(t, err, activity.ErrNotFound)

	row, err := f.store.GetIndexedFile(ctx, "new.go")
	require.NoError(t, err)
	assert.Greater(t, row.ChunkCount, 0)
}

func TestFullIndexPrunesVanishedFiles(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "gone.go", goFile)
	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	require.NoError(t, os.Remove(filepath.Join(f.root, "gone.go")))
	_, err = f.ix.FullIndex(ctx)
	require.NoError(t, err)

	_, err = f.store.GetIndexedFile(ctx, "gone.go")
	assert.ErrorIs(t, err, activity.ErrNotFound)
}

func TestProgressEvents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "a.go", goFile)
	f.write(t, "b.go", "package b\n")

	events, cancel := f.ix.Subscribe()
	defer cancel()

	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	var got []Progress
	for {
		select {
		case p := <-events:
			got = append(got, p)
			if p.Done {
				assert.Equal(t, p.Total, p.Processed)
				assert.GreaterOrEqual(t, len(got), 3)
				return
			}
		default:
			t.Fatal("expected a final done event")
		}
	}
}

func mustEmbed(t *testing.T, p *stubProvider, text string) []float32 {
	t.Helper()
	v, err := p.EmbedQuery(context.Background(), text)
	require.NoError(t, err)
	return v
}

func TestRebuildReindexesEverything(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.write(t, "main.go", goFile)
	_, err := f.ix.FullIndex(ctx)
	require.NoError(t, err)

	// An incremental pass would skip the unchanged file; Rebuild must not.
	res, err := f.ix.Rebuild(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.FilesIndexed)
	assert.Zero(t, res.FilesSkipped)

	st, err := f.vectors.Stats(ctx, vectorstore.CollectionCode)
	require.NoError(t, err)
	assert.Equal(t, res.ChunksIndexed, st.Count)
}
