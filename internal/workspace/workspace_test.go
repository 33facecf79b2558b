package workspace

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storypipe/internal/domain"
)

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestVideosNumericOrder(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	dir := w.PeriodDir("alice", "2024-03-01")
	for _, name := range []string{"10.mp4", "2.mp4", "1.mp4", "3.jpeg", "etag.mp4", "11.MP4"} {
		touch(t, filepath.Join(dir, name))
	}
	touch(t, w.ChunkPath("alice", "2024-03-01", 1))

	got, err := w.Videos("alice", "2024-03-01")
	require.NoError(t, err)
	var names []string
	for _, p := range got {
		names = append(names, filepath.Base(p))
	}
	assert.Equal(t, []string{"1.mp4", "2.mp4", "10.mp4", "11.MP4", "etag.mp4"}, names)

	none, err := w.Videos("bob", "2024-03-01")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestArtifactNaming(t *testing.T) {
	assert.Equal(t, "1.mp4", ArtifactName(1, domain.ContentVideo))
	assert.Equal(t, "2.jpeg", ArtifactName(2, domain.ContentImage))
	assert.Equal(t, "3.bin", ArtifactName(3, domain.ContentOther))
	assert.Equal(t, "merged_4.mp4", ChunkName(4))
}

func TestArtifactNumbers(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	none, err := w.ArtifactNumbers("alice", "2024-03-01")
	require.NoError(t, err)
	assert.Empty(t, none)

	dir := w.PeriodDir("alice", "2024-03-01")
	for _, name := range []string{"1.mp4", "7.jpeg", "notes.txt", ".3.mp4.123.part"} {
		touch(t, filepath.Join(dir, name))
	}
	touch(t, w.ChunkPath("alice", "2024-03-01", 9))

	got, err := w.ArtifactNumbers("alice", "2024-03-01")
	require.NoError(t, err)
	assert.ElementsMatch(t, []int{1, 7}, got)

	n, ok := ArtifactNumber("12.mp4")
	assert.True(t, ok)
	assert.Equal(t, 12, n)
	_, ok = ArtifactNumber("merged_all.mp4")
	assert.False(t, ok)
}

func TestUploadStaysInsideUploadsDir(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	inside := filepath.Join(w.UploadsDir(), "clip.mp4")
	touch(t, inside)
	outside := filepath.Join(t.TempDir(), "secret.txt")
	touch(t, outside)
	require.NoError(t, os.Symlink(outside, filepath.Join(w.UploadsDir(), "escape.mp4")))

	got, err := w.Upload(inside)
	require.NoError(t, err)
	assert.Equal(t, "clip.mp4", filepath.Base(got))

	for _, p := range []string{
		"",
		outside,
		filepath.Join(w.UploadsDir(), "escape.mp4"),
		filepath.Join(w.UploadsDir(), "missing.mp4"),
		w.UploadsDir(),
		w.UploadsDir() + "/../clip.mp4",
	} {
		_, err := w.Upload(p)
		assert.True(t, errors.Is(err, domain.ErrConfig), "path %q: %v", p, err)
	}
}

func TestMergedUnitsByMode(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	for _, i := range []int{2, 10, 1} {
		touch(t, w.ChunkPath("alice", "2024-03-01", i))
	}
	touch(t, w.SinglePath("alice", "2024-03-01"))
	touch(t, filepath.Join(w.PublishedDir("alice", "2024-03-01"), "merged_3.mp4"))

	chunked, err := w.MergedUnits("alice", "2024-03-01", domain.MergeChunked)
	require.NoError(t, err)
	require.Len(t, chunked, 3)
	assert.Equal(t, []int{1, 2, 10}, []int{chunked[0].Part, chunked[1].Part, chunked[2].Part})

	single, err := w.MergedUnits("alice", "2024-03-01", domain.MergeSingle)
	require.NoError(t, err)
	require.Len(t, single, 1)
	assert.Equal(t, 0, single[0].Part)

	both, err := w.MergedUnits("alice", "2024-03-01", domain.MergeBoth)
	require.NoError(t, err)
	assert.Len(t, both, 4)
}

func TestPendingFolders(t *testing.T) {
	w, err := New(t.TempDir())
	require.NoError(t, err)
	touch(t, w.ChunkPath("bob", "2024-03-02", 1))
	touch(t, w.SinglePath("alice", "2024-03-02"))
	touch(t, w.ArtifactPath("carol", "2024-03-02", 1, domain.ContentVideo))
	touch(t, filepath.Join(w.PublishedDir("dave", "2024-03-01"), "merged_1.mp4"))
	touch(t, filepath.Join(w.UploadsDir(), "x.mp4"))

	got, err := w.PendingFolders()
	require.NoError(t, err)
	assert.Equal(t, []Folder{{"alice", "2024-03-02"}, {"bob", "2024-03-02"}}, got)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestWriteFileIsAllOrNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a", "1.mp4")

	n, err := WriteFile(path, strings.NewReader("payload"))
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)

	_, err = WriteFile(filepath.Join(dir, "a", "2.mp4"), failingReader{})
	require.Error(t, err)
	ents, err := os.ReadDir(filepath.Join(dir, "a"))
	require.NoError(t, err)
	require.Len(t, ents, 1)
	assert.Equal(t, "1.mp4", ents[0].Name())
}

func TestNewRejectsEmptyRoot(t *testing.T) {
	_, err := New(" ")
	assert.ErrorIs(t, err, domain.ErrConfig)
}
