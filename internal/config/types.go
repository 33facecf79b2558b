package config

// Config is the process configuration file. Operator-editable state
// (accounts, schedule, credentials) lives in the settings file instead.
//
// All durations are Go duration strings (e.g. "300ms", "30s", "2m").
type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	HTTP      HTTPConfig      `json:"http"`
	Storage   StorageConfig   `json:"storage"`
	Workspace WorkspaceConfig `json:"workspace"`
	Engine    EngineConfig    `json:"engine"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Fetcher   FetcherConfig   `json:"fetcher"`
	Encoder   EncoderConfig   `json:"encoder"`
	Publisher PublisherConfig `json:"publisher"`
	Archive   ArchiveConfig   `json:"archive"`
	Notifier  NotifierConfig  `json:"notifier"`
	Pprof     PprofConfig     `json:"pprof"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// HTTPConfig controls the operator API. Prefer a loopback address; the API
// has no authentication of its own.
type HTTPConfig struct {
	Addr         string `json:"addr"`
	ReadTimeout  string `json:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty"`
	MaxUploadMB  int    `json:"max_upload_mb,omitempty"`
}

// StorageConfig selects the idempotency ledger backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/ledger.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type WorkspaceConfig struct {
	Root           string `json:"root"`
	SettingsFile   string `json:"settings_file"`
	CredentialsDir string `json:"credentials_dir"`
}

type EngineConfig struct {
	// MaxConcurrent bounds running jobs. 0 means unbounded.
	MaxConcurrent int `json:"max_concurrent,omitempty"`
}

// PipelineConfig holds the tunables applied on reload without restart.
type PipelineConfig struct {
	ChunkSize        int    `json:"chunk_size,omitempty"`
	DownloadInterval string `json:"download_interval,omitempty"`
	ChunkTitle       string `json:"chunk_title,omitempty"`
	FullTitle        string `json:"full_title,omitempty"`
	Timezone         string `json:"timezone,omitempty"`
}

type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	PollInterval string `json:"poll_interval,omitempty"`
}

type FetcherConfig struct {
	// FeedURLTemplate has "{account}" substituted with the username.
	FeedURLTemplate string `json:"feed_url_template"`
	UserAgent       string `json:"user_agent,omitempty"`
	Timeout         string `json:"timeout,omitempty"`
	Retries         int    `json:"retries,omitempty"`
}

type EncoderConfig struct {
	FFmpegPath string `json:"ffmpeg_path,omitempty"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	CRF        int    `json:"crf,omitempty"`
	Timeout    string `json:"timeout,omitempty"`
}

type PublisherConfig struct {
	Endpoint string `json:"endpoint"`
	Timeout  string `json:"timeout,omitempty"`
}

// ArchiveConfig selects where published units go. "local" moves them
// under merged/published; "s3" uploads and removes the local copy.
type ArchiveConfig struct {
	Driver string   `json:"driver"`
	S3     S3Config `json:"s3,omitempty"`
}

type S3Config struct {
	Bucket          string `json:"bucket"`
	Region          string `json:"region,omitempty"`
	Endpoint        string `json:"endpoint,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	AccessKeyID     string `json:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty"`
	PathStyle       bool   `json:"path_style,omitempty"`
}

// NotifierConfig sends a Telegram message when a job finishes.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"`
	ChatID     int64  `json:"chat_id,omitempty"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	// OnlyErrors suppresses messages for jobs that finished done.
	OnlyErrors bool `json:"only_errors,omitempty"`
}

// PprofConfig exposes runtime profiles on a separate listener. A
// non-loopback addr needs a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
