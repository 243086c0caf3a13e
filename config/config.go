package config

import (
	"fmt"
	"math"
	"net"
	"strings"
	"time"

	"github.com/adhocore/gronx"
	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"duochat/logger"
)

// DefaultMaxAttachmentSize is the attachment ceiling applied when none is configured.
const DefaultMaxAttachmentSize = "100MiB"

// DefaultSessionSweepCron removes expired login sessions at the top of every hour.
const DefaultSessionSweepCron = "0 * * * *"

// Config holds the application configuration
type Config struct {
	Host              string        `mapstructure:"host"`
	Port              string        `mapstructure:"port"`
	DatabasePath      string        `mapstructure:"database_path"`
	UploadDir         string        `mapstructure:"upload_dir"`
	PublicBaseURL     string        `mapstructure:"public_base_url"`
	StaticDir         string        `mapstructure:"static_dir"`
	MaxAttachmentSize string        `mapstructure:"max_attachment_size"`
	AttachmentPreview string        `mapstructure:"attachment_preview"`
	LogLevel          string        `mapstructure:"log_level"`
	SendRatePerSec    float64       `mapstructure:"send_rate_per_sec"`
	SendBurst         int           `mapstructure:"send_burst"`
	SessionTTL        time.Duration `mapstructure:"session_ttl"`
	FeedRetryInterval time.Duration `mapstructure:"feed_retry_interval"`
	SessionSweepCron  string        `mapstructure:"session_sweep_cron"`

	// MaxAttachmentBytes is MaxAttachmentSize parsed into bytes.
	MaxAttachmentBytes int64 `mapstructure:"-"`
}

// Addr returns the listen address for the HTTP server
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// FilesURL returns the URL prefix under which uploaded files are reachable
func (c *Config) FilesURL() string {
	return strings.TrimSuffix(c.PublicBaseURL, "/") + "/files"
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("host", "")
	v.SetDefault("port", "8080")
	v.SetDefault("database_path", "duochat.db")
	v.SetDefault("upload_dir", "uploads")
	v.SetDefault("public_base_url", "")
	v.SetDefault("static_dir", "./static")
	v.SetDefault("max_attachment_size", DefaultMaxAttachmentSize)
	v.SetDefault("attachment_preview", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("send_rate_per_sec", 5.0)
	v.SetDefault("send_burst", 10)
	v.SetDefault("session_ttl", "168h")
	v.SetDefault("feed_retry_interval", "2s")
	v.SetDefault("session_sweep_cron", DefaultSessionSweepCron)
}

// RegisterFlags adds the command-line overrides to fs
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String("port", "8080", "HTTP listen port")
	fs.String("host", "", "HTTP listen host")
	fs.String("database-path", "duochat.db", "path of the SQLite database file")
	fs.String("upload-dir", "uploads", "directory that stores uploaded attachments")
	fs.String("log-level", "info", "log level (debug, info, warn, error)")
}

// Load parses args and reads configuration from an optional .env file, the
// environment and the parsed flags, in increasing order of precedence.
func Load(args []string) (*Config, error) {
	fs := pflag.NewFlagSet("duochat", pflag.ContinueOnError)
	RegisterFlags(fs)
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return FromFlags(fs)
}

// FromFlags is Load for a flag set that was registered with RegisterFlags
// and already parsed.
func FromFlags(fs *pflag.FlagSet) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.L.Debug("no .env file found, using environment variables")
	}

	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	for key, flag := range map[string]string{
		"port":          "port",
		"host":          "host",
		"database_path": "database-path",
		"upload_dir":    "upload-dir",
		"log_level":     "log-level",
	} {
		if err := v.BindPFlag(key, fs.Lookup(flag)); err != nil {
			return nil, fmt.Errorf("bind flag %s: %w", flag, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	size, err := humanize.ParseBytes(cfg.MaxAttachmentSize)
	if err != nil {
		return nil, fmt.Errorf("invalid max_attachment_size %q: %w", cfg.MaxAttachmentSize, err)
	}
	if size == 0 {
		return nil, fmt.Errorf("max_attachment_size must be positive")
	}
	if size > math.MaxInt64 {
		return nil, fmt.Errorf("max_attachment_size %q is too large", cfg.MaxAttachmentSize)
	}
	cfg.MaxAttachmentBytes = int64(size)

	if cfg.SendBurst <= 0 {
		cfg.SendBurst = 1
	}
	if cfg.FeedRetryInterval <= 0 {
		cfg.FeedRetryInterval = 2 * time.Second
	}
	if !gronx.IsValid(cfg.SessionSweepCron) {
		return nil, fmt.Errorf("invalid session_sweep_cron %q", cfg.SessionSweepCron)
	}

	return &cfg, nil
}
