package storage

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storypipe/internal/domain"
	logx "storypipe/pkg/logx"
)

func openDriver(t *testing.T, driver, dir string) Ledger {
	t.Helper()
	path := dir
	if driver == "sqlite" {
		path = filepath.Join(dir, "ledger.db")
	}
	l, err := Open(Config{Driver: driver, Path: path}, logx.Nop())
	require.NoError(t, err)
	return l
}

func forEachDriver(t *testing.T, fn func(t *testing.T, driver string)) {
	for _, d := range []string{"file", "sqlite"} {
		d := d
		t.Run(d, func(t *testing.T) { fn(t, d) })
	}
}

func TestRecordIsIdempotent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		l := openDriver(t, driver, t.TempDir())
		defer l.Close()

		k := Key{Account: "alice", Period: "2024-03-01", SourceURL: "https://cdn.example/a.mp4"}
		ok, err := l.HasEntry(ctx, k)
		require.NoError(t, err)
		assert.False(t, ok)

		for i := 0; i < 5; i++ {
			require.NoError(t, l.Record(ctx, k, fmt.Sprintf("%d.mp4", i+1)))
			ok, err := l.HasEntry(ctx, k)
			require.NoError(t, err)
			assert.True(t, ok)
		}

		entries, err := l.Entries(ctx, "alice", "2024-03-01")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "1.mp4", entries[0].Filename, "first record wins")
	})
}

func TestScopesAreIndependent(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		l := openDriver(t, driver, t.TempDir())
		defer l.Close()

		url := "https://cdn.example/x.jpg"
		require.NoError(t, l.Record(ctx, Key{Account: "alice", Period: "2024-03-01", SourceURL: url}, "1.jpeg"))

		for _, k := range []Key{
			{Account: "bob", Period: "2024-03-01", SourceURL: url},
			{Account: "alice", Period: "2024-03-02", SourceURL: url},
		} {
			ok, err := l.HasEntry(ctx, k)
			require.NoError(t, err)
			assert.False(t, ok, "%+v", k)
		}
	})
}

func TestEntriesSurviveReopen(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		dir := t.TempDir()
		k := Key{Account: "alice", Period: "2024-03-01", SourceURL: "https://cdn.example/a.mp4"}

		l := openDriver(t, driver, dir)
		require.NoError(t, l.Record(ctx, k, "1.mp4"))
		require.NoError(t, l.Close())

		l2 := openDriver(t, driver, dir)
		defer l2.Close()
		ok, err := l2.HasEntry(ctx, k)
		require.NoError(t, err)
		assert.True(t, ok)
	})
}

func TestConcurrentRecordsKeepOneEntryPerKey(t *testing.T) {
	forEachDriver(t, func(t *testing.T, driver string) {
		ctx := context.Background()
		l := openDriver(t, driver, t.TempDir())
		defer l.Close()

		var wg sync.WaitGroup
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; i < 10; i++ {
					k := Key{Account: "alice", Period: "2024-03-01", SourceURL: fmt.Sprintf("https://cdn.example/%d", i)}
					assert.NoError(t, l.Record(ctx, k, fmt.Sprintf("%d.mp4", i)))
				}
			}()
		}
		wg.Wait()

		entries, err := l.Entries(ctx, "alice", "2024-03-01")
		require.NoError(t, err)
		assert.Len(t, entries, 10)
	})
}

func TestFileJournalSkipsTornTail(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	path := filepath.Join(dir, "alice", "2024-03-01.jsonl")
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(`{"url":"https://a","filename":"1.mp4","recorded_at":1}`+"\n"+`{"url":"https://b","fil`), 0o600))

	l := openDriver(t, "file", dir)
	defer l.Close()

	ok, err := l.HasEntry(ctx, Key{Account: "alice", Period: "2024-03-01", SourceURL: "https://a"})
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = l.HasEntry(ctx, Key{Account: "alice", Period: "2024-03-01", SourceURL: "https://b"})
	require.NoError(t, err)
	assert.False(t, ok)

	// The next append must not be glued onto the torn line.
	require.NoError(t, l.Record(ctx, Key{Account: "alice", Period: "2024-03-01", SourceURL: "https://c"}, "3.mp4"))
	l.Close()
	l2 := openDriver(t, "file", dir)
	defer l2.Close()
	ok, err = l2.HasEntry(ctx, Key{Account: "alice", Period: "2024-03-01", SourceURL: "https://c"})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestKeyValidation(t *testing.T) {
	ctx := context.Background()
	l := openDriver(t, "file", t.TempDir())
	defer l.Close()

	for _, k := range []Key{
		{Account: "../etc", Period: "2024-03-01", SourceURL: "u"},
		{Account: "alice", Period: "", SourceURL: "u"},
		{Account: "alice", Period: "2024-03-01", SourceURL: " "},
	} {
		err := l.Record(ctx, k, "x")
		assert.ErrorIs(t, err, domain.ErrConfig, "%+v", k)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(Config{Driver: "postgres", Path: t.TempDir()}, logx.Nop())
	assert.Error(t, err)
	_, err = Open(Config{}, logx.Nop())
	assert.ErrorIs(t, err, ErrDisabled)
}
