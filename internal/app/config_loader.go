package app

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/yourusername/tg-media-indexer/internal/caption"
	"github.com/yourusername/tg-media-indexer/internal/domain"
)

// EnvPrefix is prepended to every environment override, e.g.
// MEDIAINDEXER_TELEGRAM_BOT_TOKEN
const EnvPrefix = "MEDIAINDEXER"

// LoadConfig loads configuration from file and environment. Any returned
// error wraps domain.ErrConfiguration.
func LoadConfig(configPath string) (*domain.Config, error) {
	config := domain.DefaultConfig()

	v := viper.New()
	v.SetConfigType("yaml")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.AddConfigPath("./configs")
		v.AddConfigPath("$HOME/.media-indexer")
		v.AddConfigPath("/etc/media-indexer")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only sees keys viper already knows about
	setDefaults(v, config)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("%w: failed to read config file: %v", domain.ErrConfiguration, err)
		}
	}

	if err := v.Unmarshal(config); err != nil {
		return nil, fmt.Errorf("%w: failed to unmarshal config: %v", domain.ErrConfiguration, err)
	}

	expandPaths(config)

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
	}
	return config, nil
}

func setDefaults(v *viper.Viper, c *domain.Config) {
	defaults := map[string]interface{}{
		"server.host": c.Server.Host,
		"server.port": c.Server.Port,

		"paths.base_dir": c.Paths.BaseDir,
		"paths.logs_dir": c.Paths.LogsDir,
		"paths.work_dir": c.Paths.WorkDir,

		"storage.driver":           string(c.Storage.Driver),
		"storage.sqlite_path":      c.Storage.SQLitePath,
		"storage.mongo_uri":        c.Storage.MongoURI,
		"storage.mongo_database":   c.Storage.MongoDatabase,
		"storage.mongo_collection": c.Storage.MongoCollection,
		"storage.connect_timeout":  c.Storage.ConnectTimeout,

		"telegram.profile":         c.Telegram.Profile,
		"telegram.storage_type":    c.Telegram.StorageType,
		"telegram.storage_path":    c.Telegram.StoragePath,
		"telegram.tdl_binary":      c.Telegram.TDLBinary,
		"telegram.export_file":     c.Telegram.ExportFile,
		"telegram.page_size":       c.Telegram.PageSize,
		"telegram.bot_token":       c.Telegram.BotToken,
		"telegram.backup_chat_id":  c.Telegram.BackupChatID,
		"telegram.api_base_url":    c.Telegram.APIBaseURL,
		"telegram.request_timeout": c.Telegram.RequestTimeout,

		"indexer.ops_per_minute":      c.Indexer.OpsPerMinute,
		"indexer.max_retries":         c.Indexer.MaxRetries,
		"indexer.max_backoff":         c.Indexer.MaxBackoff,
		"indexer.max_probe":           c.Indexer.MaxProbe,
		"indexer.max_fetch_failures":  c.Indexer.MaxFetchFailures,
		"indexer.progress_interval":   c.Indexer.ProgressInterval,
		"indexer.persistence_retries": c.Indexer.PersistenceRetries,
		"indexer.shared_limiter":      c.Indexer.SharedLimiter,

		"parser.title_artist_source": c.Parser.TitleArtistSource,
		"parser.track_id_source":     c.Parser.TrackIDSource,

		"notification.enabled": c.Notification.Enabled,
		"notification.method":  c.Notification.Method,

		"logging.level":       c.Logging.Level,
		"logging.format":      c.Logging.Format,
		"logging.output_path": c.Logging.OutputPath,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// expandPaths expands environment variables in path configurations
func expandPaths(config *domain.Config) {
	config.Paths.BaseDir = expandPath(config.Paths.BaseDir)
	config.Paths.LogsDir = expandPath(config.Paths.LogsDir)
	config.Paths.WorkDir = expandPath(config.Paths.WorkDir)
	config.Storage.SQLitePath = expandPath(config.Storage.SQLitePath)
	config.Telegram.StoragePath = expandPath(config.Telegram.StoragePath)
	config.Telegram.ExportFile = expandPath(config.Telegram.ExportFile)

	if config.Logging.OutputPath != "stdout" && config.Logging.OutputPath != "stderr" {
		config.Logging.OutputPath = expandPath(config.Logging.OutputPath)
	}
}

// expandPath expands environment variables and ~ in paths
func expandPath(path string) string {
	if path == "" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if strings.Contains(path, "$HOME") {
		if home, err := os.UserHomeDir(); err == nil {
			path = strings.ReplaceAll(path, "$HOME", home)
		}
	}
	return os.ExpandEnv(path)
}

// validateConfig rejects settings the pipeline cannot run with
func validateConfig(config *domain.Config) error {
	if config.Server.Port < 1 || config.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", config.Server.Port)
	}

	switch config.Storage.Driver {
	case domain.StorageSQLite:
		if config.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path not configured")
		}
	case domain.StorageMongo:
		if config.Storage.MongoURI == "" {
			return fmt.Errorf("storage.mongo_uri not configured")
		}
		if config.Storage.MongoDatabase == "" || config.Storage.MongoCollection == "" {
			return fmt.Errorf("storage.mongo_database and storage.mongo_collection are required")
		}
	default:
		return fmt.Errorf("unknown storage driver %q", config.Storage.Driver)
	}

	if config.Telegram.ExportFile == "" && config.Telegram.TDLBinary == "" {
		return fmt.Errorf("telegram.tdl_binary not configured")
	}
	if config.Telegram.PageSize < 1 {
		return fmt.Errorf("telegram.page_size must be at least 1")
	}
	if (config.Telegram.BotToken == "") != (config.Telegram.BackupChatID == "") {
		return fmt.Errorf("telegram.bot_token and telegram.backup_chat_id must be set together")
	}

	if config.Indexer.OpsPerMinute < 1 {
		return fmt.Errorf("indexer.ops_per_minute must be at least 1")
	}
	if config.Indexer.MaxRetries < 0 || config.Indexer.PersistenceRetries < 0 {
		return fmt.Errorf("retry counts cannot be negative")
	}
	if config.Indexer.MaxBackoff <= 0 {
		return fmt.Errorf("indexer.max_backoff must be positive")
	}
	if config.Indexer.MaxProbe < 1 {
		return fmt.Errorf("indexer.max_probe must be at least 1")
	}
	if config.Indexer.MaxFetchFailures < 1 {
		return fmt.Errorf("indexer.max_fetch_failures must be at least 1")
	}

	if _, err := caption.ParsePolicy(config.Parser.TitleArtistSource, config.Parser.TrackIDSource); err != nil {
		return err
	}

	if config.Logging.Level == "" {
		config.Logging.Level = "info"
	}
	if _, err := zapcore.ParseLevel(config.Logging.Level); err != nil {
		return fmt.Errorf("invalid logging.level: %v", err)
	}
	return nil
}

// SaveConfig writes configuration to a YAML file
func SaveConfig(config *domain.Config, path string) error {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v, config)

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
