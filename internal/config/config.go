package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cwygoda/tubequeue/internal/domain"
)

//go:embed config.example.toml
var exampleConf []byte

// Config holds application configuration.
type Config struct {
	Server       ServerConfig                       `toml:"server"`
	Database     DatabaseConfig                     `toml:"database"`
	Log          LogConfig                          `toml:"log"`
	Queue        QueueConfig                        `toml:"queue"`
	Paths        PathsConfig                        `toml:"paths"`
	Downloader   DownloaderConfig                   `toml:"downloader"`
	Subtitles    SubtitleConfig                     `toml:"subtitles"`
	Destinations map[string]domain.DownloadSettings `toml:"destinations"`
	Processors   []ProcessorConfig                  `toml:"processors"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port   int    `toml:"port"`
	Secret string `toml:"secret"`
}

// DatabaseConfig contains the job journal location.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// LogConfig contains logger settings.
type LogConfig struct {
	Level string `toml:"level"`
}

// QueueConfig contains worker pool settings.
type QueueConfig struct {
	ThreadCount      int           `toml:"thread_count"`
	ProgressEvery    int           `toml:"progress_every"`
	ProgressInterval time.Duration `toml:"progress_interval"`
}

// PathsConfig contains the download and scratch directories.
type PathsConfig struct {
	DataDir string `toml:"data_dir"`
	TempDir string `toml:"temp_dir"`
}

// DownloaderConfig contains yt-dlp options.
type DownloaderConfig struct {
	Binary              string   `toml:"binary"`
	FFmpegLocation      string   `toml:"ffmpeg_location"`
	Proxy               string   `toml:"proxy"`
	CookiesFile         string   `toml:"cookies_file"`
	JSRuntimes          []string `toml:"js_runtimes"`
	Verbose             bool     `toml:"verbose"`
	SponsorBlock        bool     `toml:"sponsorblock"`
	TrimMetadata        bool     `toml:"trim_metadata"`
	PreferredLanguage   string   `toml:"preferred_language"`
	PreferredAudioCodec string   `toml:"preferred_audio_codec"`
	PreferredVideoCodec string   `toml:"preferred_video_codec"`
	PreferredVideoExt   string   `toml:"preferred_video_ext"`
}

// SubtitleConfig contains subtitle download options.
type SubtitleConfig struct {
	Write     bool     `toml:"write"`
	Embed     bool     `toml:"embed"`
	Automatic bool     `toml:"automatic"`
	Format    string   `toml:"format"`
	Languages []string `toml:"languages"`
}

// ProcessorConfig defines a command run for URLs matching a pattern.
type ProcessorConfig struct {
	Name    string   `toml:"name"`
	Pattern string   `toml:"pattern"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	Isolate *bool    `toml:"isolate"`
}

// DefaultConfigPath returns the config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, _ := os.UserHomeDir()
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "tubequeue", "config.toml")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	cacheDir := os.Getenv("XDG_CACHE_HOME")
	if cacheDir == "" {
		home, _ := os.UserHomeDir()
		cacheDir = filepath.Join(home, ".cache")
	}
	return filepath.Join(cacheDir, "tubequeue", "jobs.db")
}

// DefaultDataDir returns the default download root.
func DefaultDataDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "tubequeue", "data")
}

// DefaultTempDir returns the default scratch directory for partial downloads.
func DefaultTempDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".tubequeue", "temp")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// DefaultConfig returns the configuration embedded in config.example.toml.
func DefaultConfig() *Config {
	var cfg Config
	if _, err := toml.Decode(string(exampleConf), &cfg); err != nil {
		panic(fmt.Sprintf("failed to parse embedded default config: %v", err))
	}
	return &cfg
}

// LoadConfig reads a TOML file on top of the defaults. A destinations table in
// the file replaces the default destinations instead of merging with them.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	defaults := cfg.Destinations
	cfg.Destinations = nil

	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if !md.IsDefined("destinations") {
		cfg.Destinations = defaults
	}
	return cfg, nil
}

// Load reads path when it exists, falls back to defaults otherwise, applies
// environment overrides and fills in default directories.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			loaded, err := LoadConfig(path)
			if err != nil {
				return nil, err
			}
			cfg = loaded
		}
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.Normalize()
	return cfg, cfg.Validate()
}

// ApplyEnv overrides values from environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if port := getenv("TUBEQUEUE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Server.Port = p
		}
	}
	if secret := getenv("TUBEQUEUE_SECRET"); secret != "" {
		c.Server.Secret = secret
	}
	if db := getenv("TUBEQUEUE_DB"); db != "" {
		c.Database.Path = db
	}
	if dataDir := getenv("TUBEQUEUE_DATA_DIR"); dataDir != "" {
		c.Paths.DataDir = dataDir
	}
	if tempDir := getenv("TUBEQUEUE_TEMP_DIR"); tempDir != "" {
		c.Paths.TempDir = tempDir
	}
	if threads := getenv("TUBEQUEUE_THREAD_COUNT"); threads != "" {
		if n, err := strconv.Atoi(threads); err == nil {
			c.Queue.ThreadCount = n
		}
	}
	if proxy := getenv("TUBEQUEUE_PROXY"); proxy != "" {
		c.Downloader.Proxy = strings.TrimSpace(proxy)
	}
	if level := getenv("TUBEQUEUE_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}
}

// Normalize fills empty paths with defaults and expands ~.
func (c *Config) Normalize() {
	if c.Database.Path == "" {
		c.Database.Path = DefaultDBPath()
	}
	if c.Paths.DataDir == "" {
		c.Paths.DataDir = DefaultDataDir()
	}
	if c.Paths.TempDir == "" {
		c.Paths.TempDir = DefaultTempDir()
	}
	c.Database.Path = ExpandPath(c.Database.Path)
	c.Paths.DataDir = ExpandPath(c.Paths.DataDir)
	c.Paths.TempDir = ExpandPath(c.Paths.TempDir)
	c.Downloader.CookiesFile = ExpandPath(c.Downloader.CookiesFile)
	if c.Downloader.Binary == "" {
		c.Downloader.Binary = "yt-dlp"
	}
	if c.Queue.ThreadCount <= 0 {
		c.Queue.ThreadCount = 4
	}
	if len(c.Subtitles.Languages) == 0 {
		c.Subtitles.Languages = []string{"en"}
	}
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	for _, pc := range c.Processors {
		if pc.Name == "" || pc.Command == "" || pc.Pattern == "" {
			return fmt.Errorf("processor %q needs name, pattern and command", pc.Name)
		}
	}
	return nil
}

// Destination returns the settings of a destination folder.
func (c *Config) Destination(name string) (domain.DownloadSettings, bool) {
	d, ok := c.Destinations[name]
	return d, ok
}

// AudioLocations returns destination names that accept audio, sorted.
func (c *Config) AudioLocations() []string {
	return c.locations(domain.DownloadSettings.IsAudio)
}

// VideoLocations returns destination names that accept video, sorted.
func (c *Config) VideoLocations() []string {
	return c.locations(domain.DownloadSettings.IsVideo)
}

func (c *Config) locations(match func(domain.DownloadSettings) bool) []string {
	var names []string
	for name, d := range c.Destinations {
		if match(d) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// EnsureDirs creates the data, destination and temp directories.
func (c *Config) EnsureDirs() error {
	dirs := []string{c.Paths.DataDir, c.Paths.TempDir}
	for name := range c.Destinations {
		dirs = append(dirs, filepath.Join(c.Paths.DataDir, name))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

// CreateConfigFile writes the embedded example config to path.
func CreateConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists at %s", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}
	if err := os.WriteFile(path, exampleConf, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
