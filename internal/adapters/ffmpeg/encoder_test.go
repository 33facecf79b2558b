package ffmpeg

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storypipe/internal/domain"
	logx "storypipe/pkg/logx"
)

type call struct {
	bin  string
	args []string
}

func fakeRun(calls *[]call, results ...error) func(context.Context, string, []string) ([]byte, error) {
	return func(_ context.Context, bin string, args []string) ([]byte, error) {
		*calls = append(*calls, call{bin, args})
		var err error
		if len(results) > 0 {
			err, results = results[0], results[1:]
		}
		if err != nil {
			return []byte("Stream specifier ':a' matches no streams"), err
		}
		return nil, os.WriteFile(args[len(args)-1], []byte("merged"), 0o644)
	}
}

func TestMergeUsesConcatFilter(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "merged", "merged_1.mp4")
	var calls []call
	e := New(Options{Binary: "ffmpeg-test", CRF: 20}, logx.Nop())
	e.run = fakeRun(&calls)

	require.NoError(t, e.Merge(context.Background(), []string{"a.mp4", "b.mp4"}, out))
	require.Len(t, calls, 1)
	assert.Equal(t, "ffmpeg-test", calls[0].bin)
	joined := strings.Join(calls[0].args, " ")
	assert.Contains(t, joined, "-i a.mp4 -i b.mp4")
	assert.Contains(t, joined, "concat=n=2:v=1:a=0[outv]")
	assert.Contains(t, joined, "scale=1080:1920")
	assert.Contains(t, joined, "-crf 20")

	b, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "merged", string(b))
	ents, _ := os.ReadDir(filepath.Dir(out))
	assert.Len(t, ents, 1, "temp output must be renamed away")
}

func TestMergeFallsBackToDemuxer(t *testing.T) {
	out := filepath.Join(t.TempDir(), "merged_all.mp4")
	var calls []call
	e := New(Options{}, logx.Nop())
	e.run = fakeRun(&calls, errors.New("exit status 1"), nil)

	require.NoError(t, e.Merge(context.Background(), []string{"1.mp4"}, out))
	require.Len(t, calls, 2)
	assert.Contains(t, strings.Join(calls[1].args, " "), "-f concat -safe 0")
	_, err := os.Stat(out)
	assert.NoError(t, err)
}

func TestMergeFailureIsEncodingError(t *testing.T) {
	out := filepath.Join(t.TempDir(), "merged_1.mp4")
	var calls []call
	e := New(Options{}, logx.Nop())
	e.run = fakeRun(&calls, errors.New("exit status 1"), errors.New("exit status 1"))

	err := e.Merge(context.Background(), []string{"1.mp4"}, out)
	require.ErrorIs(t, err, domain.ErrEncoding)
	assert.Contains(t, err.Error(), "matches no streams")
	_, statErr := os.Stat(out)
	assert.True(t, os.IsNotExist(statErr))
}

func TestMergeNothing(t *testing.T) {
	e := New(Options{}, logx.Nop())
	assert.ErrorIs(t, e.Merge(context.Background(), nil, "x.mp4"), domain.ErrNotFound)
}
