// Package config は xpost の設定ファイル（YAML）と環境変数の読み込みを扱います。
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/shouni/x-post-kit/pkg/domain"
	"github.com/shouni/x-post-kit/pkg/imgutil"
)

// Config は xpost 全体の設定です。
type Config struct {
	User    string        `yaml:"user"`
	Gemini  GeminiConfig  `yaml:"gemini"`
	Storage StorageConfig `yaml:"storage"`
	History HistoryConfig `yaml:"history"`
	Session SessionConfig `yaml:"session"`
	// Styles は3つのスタイル枠の表示名で、画像・本文のプロンプトに使います。
	Styles  [domain.NumStyles]string `yaml:"styles"`
	Logging LoggingConfig            `yaml:"logging"`
}

// GeminiConfig は生成プロバイダの設定です。APIキーが空ならプロバイダは未設定扱いになります。
type GeminiConfig struct {
	APIKey      string  `yaml:"api_key"`
	TextModel   string  `yaml:"text_model"`
	ImageModel  string  `yaml:"image_model"`
	AspectRatio string  `yaml:"aspect_ratio"`
	Temperature float32 `yaml:"temperature"`
	Timeout     string  `yaml:"timeout"`
}

// StorageConfig は永続画像の保存先です。
type StorageConfig struct {
	Backend string `yaml:"backend"` // dir, gcs
	Dir     string `yaml:"dir"`
	Bucket  string `yaml:"bucket"`
	// BaseURL は GCS オブジェクトの公開URLの接頭辞です。空なら storage.googleapis.com を使います。
	BaseURL      string `yaml:"base_url"`
	Compress     bool   `yaml:"compress"`
	JPEGQuality  int    `yaml:"jpeg_quality"`
	FetchTimeout string `yaml:"fetch_timeout"`
}

type HistoryConfig struct {
	DatabasePath string `yaml:"database_path"`
	Capacity     int    `yaml:"capacity"`
}

// SessionConfig は生成セッションの挙動です。
type SessionConfig struct {
	AutosaveDelay string `yaml:"autosave_delay"`
	PreviewDelay  string `yaml:"preview_delay"`
	Novelty       bool   `yaml:"novelty"`
	// Premium が true なら投稿文字数の上限が拡張されます。
	Premium bool `yaml:"premium"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// DefaultConfig は既定の設定を返します。
func DefaultConfig() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".xpost")
	return &Config{
		User: "local",
		Gemini: GeminiConfig{
			TextModel:   "gemini-2.5-flash",
			ImageModel:  "gemini-2.5-flash-image",
			AspectRatio: "16:9",
			Temperature: 0.8,
			Timeout:     "120s",
		},
		Storage: StorageConfig{
			Backend:      "dir",
			Dir:          filepath.Join(base, "images"),
			Compress:     true,
			JPEGQuality:  imgutil.DefaultQuality,
			FetchTimeout: "30s",
		},
		History: HistoryConfig{
			DatabasePath: filepath.Join(base, "history.db"),
			Capacity:     15,
		},
		Session: SessionConfig{
			AutosaveDelay: "800ms",
			PreviewDelay:  "600ms",
		},
		Styles: domain.DefaultStyleNames,
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load は path の設定を読み込みます。ファイルがなければ既定値を使います。
// どちらの場合も環境変数で上書きします。
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// Save は設定を YAML で書き出します。
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GEMINI_API_KEY"); v != "" {
		c.Gemini.APIKey = v
	}
	if v := os.Getenv("XPOST_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("XPOST_DB"); v != "" {
		c.History.DatabasePath = v
	}
	if v := os.Getenv("XPOST_BUCKET"); v != "" {
		c.Storage.Bucket = v
		c.Storage.Backend = "gcs"
	}
	if v := os.Getenv("XPOST_BLOB_DIR"); v != "" {
		c.Storage.Dir = v
		c.Storage.Backend = "dir"
	}
}

// Validate は設定の整合性を検証します。APIキーの欠落はエラーにしません。
func (c *Config) Validate() error {
	if c.User == "" {
		return fmt.Errorf("user is required")
	}
	switch c.Storage.Backend {
	case "dir":
		if c.Storage.Dir == "" {
			return fmt.Errorf("storage.dir is required for the dir backend")
		}
	case "gcs":
		if c.Storage.Bucket == "" {
			return fmt.Errorf("storage.bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("invalid storage backend: %s (valid: dir, gcs)", c.Storage.Backend)
	}
	if c.History.DatabasePath == "" {
		return fmt.Errorf("history.database_path is required")
	}
	if c.History.Capacity <= 0 {
		return fmt.Errorf("history.capacity must be positive: %d", c.History.Capacity)
	}
	for i, name := range c.Styles {
		if name == "" {
			return fmt.Errorf("styles[%d] is empty", i)
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return fmt.Errorf("invalid logging format: %s (valid: text, json)", c.Logging.Format)
	}
	return nil
}

// HasAPIKey は生成プロバイダのAPIキーが設定されているかどうかを返します。
func (c *Config) HasAPIKey() bool {
	return c.Gemini.APIKey != ""
}

func (c *Config) GetGeminiTimeout() time.Duration {
	return parseDuration(c.Gemini.Timeout, 120*time.Second)
}

func (c *Config) GetFetchTimeout() time.Duration {
	return parseDuration(c.Storage.FetchTimeout, 30*time.Second)
}

// GetAutosaveDelay は下書き自動保存のデバウンス間隔を返します。
func (c *Config) GetAutosaveDelay() time.Duration {
	return parseDuration(c.Session.AutosaveDelay, 800*time.Millisecond)
}

// GetPreviewDelay はリンクプレビュー取得のデバウンス間隔を返します。
func (c *Config) GetPreviewDelay() time.Duration {
	return parseDuration(c.Session.PreviewDelay, 600*time.Millisecond)
}

// SlogLevel は logging.level を slog のレベルに変換します。
func (c *Config) SlogLevel() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(c.Logging.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid logging level: %s", c.Logging.Level)
	}
	return lv, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
