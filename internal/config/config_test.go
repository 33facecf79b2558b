package config

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storypipe/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 7, c.Pipeline.ChunkSize)
	assert.Equal(t, "300ms", c.Pipeline.DownloadInterval)
	assert.Equal(t, "30s", c.Scheduler.PollInterval)
	assert.Equal(t, DefaultChunkTitle, c.Pipeline.ChunkTitle)
}

func TestDecodeYAMLAndJSONAgree(t *testing.T) {
	yml := `
logging:
  level: debug
  console: true
storage:
  driver: sqlite
  path: ./ledger.db
workspace:
  root: ./media
  settings_file: ./settings.json
pipeline:
  chunk_size: 5
archive:
  driver: s3
  s3:
    bucket: media
    region: us-east-1
`
	js := `{"logging":{"level":"debug","console":true},"storage":{"driver":"sqlite","path":"./ledger.db"},
"workspace":{"root":"./media","settings_file":"./settings.json"},"pipeline":{"chunk_size":5},
"archive":{"driver":"s3","s3":{"bucket":"media","region":"us-east-1"}}}`

	a, err := Decode("config.yaml", []byte(yml))
	require.NoError(t, err)
	b, err := Decode("config.json", []byte(js))
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Equal(t, 5, a.Pipeline.ChunkSize)
	assert.Equal(t, "media", a.Archive.S3.Bucket)
}

func TestDecodeYAMLSingleDocument(t *testing.T) {
	_, err := Decode("c.yml", []byte("workspace:\n  root: ./m\n---\nlogging:\n  level: debug\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "single document")
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	_, err := Decode("c.json", []byte(`{"workspace":{"root":"x","settings_file":"s"},"telegram":{}}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "telegram")

	_, err = Decode("c.json", []byte(`{"workspace":{"root":"x","settings_file":"s"}}{}`))
	require.Error(t, err)
}

func TestValidateAccumulatesErrors(t *testing.T) {
	c := Default()
	c.Pipeline.ChunkSize = -1
	c.Pipeline.DownloadInterval = "soon"
	c.Scheduler.PollInterval = "2m"
	c.Storage.Driver = "postgres"
	c.Notifier.Enabled = true

	err := c.Validate()
	require.ErrorIs(t, err, domain.ErrConfig)
	msg := err.Error()
	for _, want := range []string{
		"pipeline.chunk_size",
		"pipeline.download_interval",
		"scheduler.poll_interval",
		"storage.driver",
		"notifier.token",
		"notifier.chat_id",
	} {
		assert.Contains(t, msg, want)
	}
	assert.Equal(t, 6, strings.Count(msg, "\n  - "))
}

func TestValidateFeedTemplateAndArchive(t *testing.T) {
	c := Default()
	c.Fetcher.FeedURLTemplate = "https://feeds.example/static.xml"
	c.Archive.Driver = "s3"
	c.Archive.S3.AccessKeyID = "AKIA"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "{account}")
	assert.Contains(t, err.Error(), "archive.s3.bucket")
	assert.Contains(t, err.Error(), "secret_access_key")
}

func TestValidatePprofBind(t *testing.T) {
	c := Default()
	c.Pprof.Enabled = true
	require.NoError(t, c.Validate())

	c.Pprof.Addr = "0.0.0.0:6060"
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "pprof.token")

	c.Pprof.Token = "t"
	assert.NoError(t, c.Validate())
}

func TestParseDurationOrDefault(t *testing.T) {
	d, err := ParseDurationOrDefault("x", "", time.Second)
	require.NoError(t, err)
	assert.Equal(t, time.Second, d)
	d, err = ParseDurationOrDefault("x", "250ms", time.Second)
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, d)
	_, err = ParseDurationOrDefault("x", "-1s", time.Second)
	assert.Error(t, err)
}

func TestSummarizeChange(t *testing.T) {
	a := Default()
	b := Default()
	b.Pipeline.ChunkSize = 3
	b.Notifier.Token = "secret"
	b.HTTP.Addr = "127.0.0.1:9999"

	changed, attrs := SummarizeChange(a, b)
	assert.ElementsMatch(t, []string{"pipeline", "notifier", "http"}, changed)
	assert.NotEmpty(t, attrs)
	assert.Equal(t, []string{"http"}, RestartRequired(changed))
}

func TestWatchPublishesValidReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	write := func(chunk int) {
		body := `{"workspace":{"root":"./m","settings_file":"./s.json"},"pipeline":{"chunk_size":` + strconv.Itoa(chunk) + `}}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	}
	write(7)

	m := NewManager(path)
	_, err := m.Load()
	require.NoError(t, err)
	m.SetValidator(func(_ context.Context, c *Config) error {
		if c.Pipeline.ChunkSize == 99 {
			return domain.ErrConfig
		}
		return nil
	})
	ch := m.Subscribe(4)
	defer m.Unsubscribe(ch)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = m.Watch(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Give the watcher time to register the directory.
	time.Sleep(100 * time.Millisecond)
	write(99)
	time.Sleep(600 * time.Millisecond)
	write(4)

	select {
	case c := <-ch:
		assert.Equal(t, 4, c.Pipeline.ChunkSize)
		assert.Equal(t, 4, m.Get().Pipeline.ChunkSize)
	case <-time.After(5 * time.Second):
		t.Fatal("no config published")
	}
}
