package domain

import "time"

// Config represents the application configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Paths        PathsConfig        `mapstructure:"paths"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Telegram     TelegramConfig     `mapstructure:"telegram"`
	Indexer      IndexerConfig      `mapstructure:"indexer"`
	Parser       ParserConfig       `mapstructure:"parser"`
	Notification NotificationConfig `mapstructure:"notification"`
	Logging      LoggingConfig      `mapstructure:"logging"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// PathsConfig contains on-disk locations used by the server
type PathsConfig struct {
	BaseDir string `mapstructure:"base_dir"`
	LogsDir string `mapstructure:"logs_dir"`
	WorkDir string `mapstructure:"work_dir"` // scratch space for tdl exports
}

// StorageDriver selects the record store implementation
type StorageDriver string

const (
	StorageSQLite StorageDriver = "sqlite"
	StorageMongo  StorageDriver = "mongo"
)

// StorageConfig contains persistence configuration
type StorageConfig struct {
	Driver          StorageDriver `mapstructure:"driver"`
	SQLitePath      string        `mapstructure:"sqlite_path"`
	MongoURI        string        `mapstructure:"mongo_uri"`
	MongoDatabase   string        `mapstructure:"mongo_database"`
	MongoCollection string        `mapstructure:"mongo_collection"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// TelegramConfig contains Telegram-specific configuration
type TelegramConfig struct {
	Profile     string `mapstructure:"profile"`
	StorageType string `mapstructure:"storage_type"`
	StoragePath string `mapstructure:"storage_path"`
	TDLBinary   string `mapstructure:"tdl_binary"`
	ExportFile  string `mapstructure:"export_file"` // optional pre-exported history, bypasses tdl
	PageSize    int    `mapstructure:"page_size"`

	BotToken       string        `mapstructure:"bot_token"`
	BackupChatID   string        `mapstructure:"backup_chat_id"`
	APIBaseURL     string        `mapstructure:"api_base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// IndexerConfig contains pipeline tuning
type IndexerConfig struct {
	OpsPerMinute       int           `mapstructure:"ops_per_minute"`
	MaxRetries         int           `mapstructure:"max_retries"`
	MaxBackoff         time.Duration `mapstructure:"max_backoff"`
	MaxProbe           int           `mapstructure:"max_probe"`
	MaxFetchFailures   int           `mapstructure:"max_fetch_failures"` // consecutive, then the run fails
	ProgressInterval   time.Duration `mapstructure:"progress_interval"`
	PersistenceRetries int           `mapstructure:"persistence_retries"`
	SharedLimiter      bool          `mapstructure:"shared_limiter"`
}

// ParserConfig selects caption precedence rules
type ParserConfig struct {
	TitleArtistSource string `mapstructure:"title_artist_source"` // tags, caption
	TrackIDSource     string `mapstructure:"track_id_source"`     // info, url
}

// NotificationConfig contains notification-related configuration
type NotificationConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Method  string `mapstructure:"method"` // osascript, notify-send, etc.
}

// LoggingConfig contains logging-related configuration
type LoggingConfig struct {
	Level      string `mapstructure:"level"`       // debug, info, warn, error
	Format     string `mapstructure:"format"`      // json, console
	OutputPath string `mapstructure:"output_path"` // stdout, stderr, or file path
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8090,
		},
		Paths: PathsConfig{
			BaseDir: "$HOME/.media-indexer",
			LogsDir: "$HOME/.media-indexer/logs",
			WorkDir: "$HOME/.media-indexer/work",
		},
		Storage: StorageConfig{
			Driver:          StorageSQLite,
			SQLitePath:      "$HOME/.media-indexer/index.db",
			MongoURI:        "mongodb://localhost:27017/",
			MongoDatabase:   "media_indexer",
			MongoCollection: "files",
			ConnectTimeout:  5 * time.Second,
		},
		Telegram: TelegramConfig{
			Profile:        "default",
			StorageType:    "bolt",
			StoragePath:    "$HOME/.media-indexer/tdl",
			TDLBinary:      "tdl",
			PageSize:       100,
			APIBaseURL:     "https://api.telegram.org",
			RequestTimeout: 60 * time.Second,
		},
		Indexer: IndexerConfig{
			OpsPerMinute:       20,
			MaxRetries:         3,
			MaxBackoff:         2 * time.Minute,
			MaxProbe:           200,
			MaxFetchFailures:   20,
			ProgressInterval:   2 * time.Minute,
			PersistenceRetries: 3,
			SharedLimiter:      true,
		},
		Parser: ParserConfig{
			TitleArtistSource: "tags",
			TrackIDSource:     "info",
		},
		Notification: NotificationConfig{
			Enabled: false,
			Method:  "notify-send",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			OutputPath: "stdout",
		},
	}
}
