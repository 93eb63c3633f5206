// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Logging   LoggingConfig         `mapstructure:"logging"`
	Archive   ArchiveConfig         `mapstructure:"archive"`
	Scraper   ScraperConfig         `mapstructure:"scraper"`
	HTTP      HTTPConfig            `mapstructure:"http"`
	DB        DBConfig              `mapstructure:"db"`
	Inspector InspectorConfig       `mapstructure:"inspector"`
	Boards    map[string]BoardRules `mapstructure:"boards"`
}

// ServerConfig controls the metrics/health HTTP listener.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ArchiveConfig sets where and what the archiver stores.
type ArchiveConfig struct {
	DownloadLocation  string `mapstructure:"download_location"`
	TempDir           string `mapstructure:"temp_dir"`
	FullImagesEnabled bool   `mapstructure:"full_images_enabled"`
	ThumbnailsEnabled bool   `mapstructure:"thumbnails_enabled"`
}

// ScraperConfig governs poll pacing and concurrency.
type ScraperConfig struct {
	BoardScrapeDelaySeconds float64  `mapstructure:"board_scrape_delay_seconds"`
	APIDelaySeconds         float64  `mapstructure:"api_delay_seconds"`
	Concurrency             int      `mapstructure:"concurrency"`
	DownloadConcurrency     int      `mapstructure:"download_concurrency"`
	UserAgent               string   `mapstructure:"user_agent"`
	Proxies                 []string `mapstructure:"proxies"`
}

// HTTPConfig configures the outbound HTTP clients.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

// DBConfig selects and configures the storage backend.
type DBConfig struct {
	Backend string `mapstructure:"backend"`
	DSN     string `mapstructure:"dsn"`
	Path    string `mapstructure:"path"`
}

// InspectorConfig controls technical-metadata extraction.
type InspectorConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	FfprobePath string `mapstructure:"ffprobe_path"`
}

// BoardRules are the per-board archival filters.
type BoardRules struct {
	ThreadTitleFilter string `mapstructure:"thread_title_filter"`
	OPContentFilter   string `mapstructure:"op_content_filter"`
}

// BoardScrapeDelay returns the index poll interval.
func (c ScraperConfig) BoardScrapeDelay() time.Duration {
	return time.Duration(c.BoardScrapeDelaySeconds * float64(time.Second))
}

// APIDelay returns the minimum per-client inter-request delay.
func (c ScraperConfig) APIDelay() time.Duration {
	return time.Duration(c.APIDelaySeconds * float64(time.Second))
}

// Timeout returns the per-request timeout.
func (c HTTPConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("archive.download_location", "archive")
	v.SetDefault("archive.full_images_enabled", true)
	v.SetDefault("archive.thumbnails_enabled", true)
	v.SetDefault("scraper.board_scrape_delay_seconds", 30.0)
	v.SetDefault("scraper.api_delay_seconds", 1.0)
	v.SetDefault("scraper.concurrency", 4)
	v.SetDefault("scraper.download_concurrency", 4)
	v.SetDefault("scraper.user_agent", "board-archiver/0.1")
	v.SetDefault("http.timeout_seconds", 120)
	v.SetDefault("db.backend", "sqlite")
	v.SetDefault("db.path", "archive.db")
	v.SetDefault("inspector.enabled", false)
	v.SetDefault("inspector.ffprobe_path", "ffprobe")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if len(c.Boards) == 0 {
		return fmt.Errorf("at least one board must be configured")
	}
	if c.Archive.DownloadLocation == "" {
		return fmt.Errorf("archive.download_location is required")
	}
	if c.Scraper.Concurrency <= 0 {
		return fmt.Errorf("scraper.concurrency must be > 0")
	}
	if c.Scraper.APIDelaySeconds < 0 {
		return fmt.Errorf("scraper.api_delay_seconds must be >= 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	switch c.DB.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres backend")
		}
	case "sqlite":
		if c.DB.Path == "" {
			return fmt.Errorf("db.path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("db.backend must be postgres or sqlite, got %q", c.DB.Backend)
	}
	return nil
}
