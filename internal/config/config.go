package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const EnvPrefix = "SMART_ASSETS"

type DetectorConfig struct {
	Command       string        `mapstructure:"command"`
	Args          []string      `mapstructure:"args"`
	WorkDir       string        `mapstructure:"workdir"`
	Timeout       time.Duration `mapstructure:"timeout"`
	MaxLineBytes  int           `mapstructure:"max_line_bytes"`
	RequireOutput bool          `mapstructure:"require_output"`
}

type EventsConfig struct {
	Buffer    int           `mapstructure:"buffer"`
	Keepalive time.Duration `mapstructure:"keepalive"`
}

type MQTTConfig struct {
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	TopicPrefix string `mapstructure:"topic_prefix"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type Config struct {
	Addr         string         `mapstructure:"addr"`
	BaseURL      string         `mapstructure:"base_url"`
	DataDir      string         `mapstructure:"data_dir"`
	UploadDir    string         `mapstructure:"upload_dir"`
	ProcessedDir string         `mapstructure:"processed_dir"`
	RoutePrefix  string         `mapstructure:"route_prefix"`
	MaxUploadMB  int64          `mapstructure:"max_upload_mb"`
	Detector     DetectorConfig `mapstructure:"detector"`
	Events       EventsConfig   `mapstructure:"events"`
	MQTT         MQTTConfig     `mapstructure:"mqtt"`
	Log          LogConfig      `mapstructure:"log"`
}

// SetDefaults registers every key so environment overrides resolve even
// without a config file.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("addr", ":5000")
	v.SetDefault("base_url", "")
	v.SetDefault("data_dir", "data")
	v.SetDefault("upload_dir", "")
	v.SetDefault("processed_dir", "")
	v.SetDefault("route_prefix", "/api/videos")
	v.SetDefault("max_upload_mb", 512)
	v.SetDefault("detector.command", "python3")
	v.SetDefault("detector.args", []string{"-u", "processVideo.py"})
	v.SetDefault("detector.workdir", ".")
	v.SetDefault("detector.timeout", time.Duration(0))
	v.SetDefault("detector.max_line_bytes", 1<<20)
	v.SetDefault("detector.require_output", true)
	v.SetDefault("events.buffer", 16)
	v.SetDefault("events.keepalive", 15*time.Second)
	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "smart-assets-api")
	v.SetDefault("mqtt.topic_prefix", "smart-assets")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
}

// New returns a viper instance with defaults and SMART_ASSETS_* environment
// binding (nested keys use "_", e.g. SMART_ASSETS_DETECTOR_COMMAND).
func New() *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads an optional config file, decodes v and fills derived paths.
func Load(v *viper.Viper, file string) (Config, error) {
	if file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", file, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	// env values for list keys arrive as one string
	if raw := v.GetString("detector.args"); len(cfg.Detector.Args) == 1 && strings.Contains(raw, " ") {
		cfg.Detector.Args = strings.Fields(raw)
	}

	if cfg.UploadDir == "" {
		cfg.UploadDir = filepath.Join(cfg.DataDir, "uploads")
	}
	if cfg.ProcessedDir == "" {
		cfg.ProcessedDir = filepath.Join(cfg.DataDir, "processed")
	}
	cfg.RoutePrefix = "/" + strings.Trim(cfg.RoutePrefix, "/")
	if cfg.BaseURL == "" {
		addr := cfg.Addr
		if strings.HasPrefix(addr, ":") {
			addr = "localhost" + addr
		}
		cfg.BaseURL = "http://" + addr
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.DataDir) == "" {
		errs = append(errs, errors.New("data_dir is required"))
	}
	if strings.TrimSpace(c.Detector.Command) == "" {
		errs = append(errs, errors.New("detector.command is required"))
	}
	if c.MaxUploadMB <= 0 {
		errs = append(errs, fmt.Errorf("max_upload_mb must be positive, got %d", c.MaxUploadMB))
	}
	if c.Detector.Timeout < 0 {
		errs = append(errs, errors.New("detector.timeout must not be negative"))
	}
	switch strings.ToLower(c.Log.Format) {
	case "console", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format must be console or json, got %q", c.Log.Format))
	}
	return errors.Join(errs...)
}

// MaxUploadBytes is the request body limit for uploads.
func (c Config) MaxUploadBytes() int64 {
	return c.MaxUploadMB << 20
}

// DBPath is where the job record database lives.
func (c Config) DBPath() string {
	return filepath.Join(c.DataDir, "videos.db")
}
