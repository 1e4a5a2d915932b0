// ytweb/config/config.go
package config

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

type Config struct {
	Port             string        `mapstructure:"PORT"`
	DownloadDir      string        `mapstructure:"DOWNLOAD_DIR"`
	YtDlpBin         string        `mapstructure:"YTDLP_BIN"`
	FFmpegBin        string        `mapstructure:"FFMPEG_BIN"`
	Cookies          string        `mapstructure:"COOKIES"`
	ExtraArgs        string        `mapstructure:"EXTRA_ARGS"`
	JobTimeout       time.Duration `mapstructure:"JOB_TIMEOUT"`
	FileRetention    time.Duration `mapstructure:"FILE_RETENTION"`
	LinkTTL          time.Duration `mapstructure:"LINK_TTL"`
	SweepInterval    time.Duration `mapstructure:"SWEEP_INTERVAL"`
	MaxConcurrency   int           `mapstructure:"MAX_CONCURRENCY"`
	QueueSize        int           `mapstructure:"QUEUE_SIZE"`
	ThrottleCPU      float64       `mapstructure:"THROTTLE_CPU"`
	ThrottleFreeMem  int64         `mapstructure:"THROTTLE_FREEMEM"`
	ThrottleFreeDisk int64         `mapstructure:"THROTTLE_FREEDISK"`
	RateLimit        float64       `mapstructure:"RATE_LIMIT"`
	RateBurst        int           `mapstructure:"RATE_BURST"`
	AuthEnable       bool          `mapstructure:"AUTH_ENABLE"`
	AuthKey          string        `mapstructure:"AUTH_KEY"`
	BaseURL          string        `mapstructure:"BASE"`
	LogLevel         string        `mapstructure:"LOG_LEVEL"`
}

// stringToDurationHookFunc parses Go duration strings such as "30m".
func stringToDurationHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t != reflect.TypeOf(time.Duration(0)) {
			return data, nil
		}
		return time.ParseDuration(data.(string))
	}
}

// stringToByteSizeHookFunc parses human-readable sizes such as "500MB".
func stringToByteSizeHookFunc() mapstructure.DecodeHookFunc {
	return func(
		f reflect.Type,
		t reflect.Type,
		data interface{},
	) (interface{}, error) {
		if f.Kind() != reflect.String || t.Kind() != reflect.Int64 {
			return data, nil
		}

		var size datasize.ByteSize
		if err := size.UnmarshalText([]byte(data.(string))); err != nil {
			// Not a size string, let the default decoder try.
			return data, nil
		}
		return int64(size.Bytes()), nil
	}
}

// Load reads configuration from defaults, an optional YAML file, a .env file
// and the environment, in increasing order of precedence. path may be empty,
// in which case ytweb_config.yaml is searched for in . and /etc/ytweb/.
func Load(path string) (*Config, error) {
	// A missing .env is the normal case outside development.
	_ = godotenv.Load()

	vp := viper.New()

	vp.SetDefault("PORT", "8080")
	vp.SetDefault("DOWNLOAD_DIR", "downloads")
	vp.SetDefault("YTDLP_BIN", "yt-dlp")
	vp.SetDefault("FFMPEG_BIN", "")
	vp.SetDefault("COOKIES", "")
	vp.SetDefault("EXTRA_ARGS", "")
	vp.SetDefault("JOB_TIMEOUT", "30m")
	vp.SetDefault("FILE_RETENTION", "1h")
	vp.SetDefault("LINK_TTL", "30m")
	vp.SetDefault("SWEEP_INTERVAL", "5m")
	vp.SetDefault("MAX_CONCURRENCY", 2)
	vp.SetDefault("QUEUE_SIZE", 64)
	vp.SetDefault("THROTTLE_CPU", 0.0)
	vp.SetDefault("THROTTLE_FREEMEM", 0)
	vp.SetDefault("THROTTLE_FREEDISK", "500MB")
	vp.SetDefault("RATE_LIMIT", 5.0)
	vp.SetDefault("RATE_BURST", 10)
	vp.SetDefault("AUTH_ENABLE", false)
	vp.SetDefault("AUTH_KEY", "")
	vp.SetDefault("BASE", "")
	vp.SetDefault("LOG_LEVEL", "info")

	if path != "" {
		vp.SetConfigFile(path)
	} else {
		vp.SetConfigName("ytweb_config")
		vp.SetConfigType("yaml")
		vp.AddConfigPath(".")
		vp.AddConfigPath("/etc/ytweb/")
	}

	if err := vp.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || path != "" {
			return nil, err
		}
	}

	vp.SetEnvPrefix("YTWEB")
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	// Bare PORT, DOWNLOAD_DIR and YTDLP_COOKIES are accepted too.
	_ = vp.BindEnv("PORT", "YTWEB_PORT", "PORT")
	_ = vp.BindEnv("DOWNLOAD_DIR", "YTWEB_DOWNLOAD_DIR", "DOWNLOAD_DIR")
	_ = vp.BindEnv("COOKIES", "YTWEB_COOKIES", "YTDLP_COOKIES")

	var cfg Config
	err := vp.Unmarshal(&cfg, viper.DecodeHook(
		mapstructure.ComposeDecodeHookFunc(
			stringToDurationHookFunc(),
			stringToByteSizeHookFunc(),
		),
	))
	if err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the server cannot run with.
func (c *Config) Validate() error {
	if c.MaxConcurrency < 1 {
		return fmt.Errorf("MAX_CONCURRENCY must be at least 1, got %d", c.MaxConcurrency)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("QUEUE_SIZE must be at least 1, got %d", c.QueueSize)
	}
	if c.FileRetention <= 0 || c.LinkTTL <= 0 || c.SweepInterval <= 0 || c.JobTimeout <= 0 {
		return fmt.Errorf("JOB_TIMEOUT, FILE_RETENTION, LINK_TTL and SWEEP_INTERVAL must be positive")
	}
	if c.DownloadDir == "" {
		return fmt.Errorf("DOWNLOAD_DIR must not be empty")
	}
	if c.AuthEnable && c.AuthKey == "" {
		return fmt.Errorf("AUTH_KEY is required when AUTH_ENABLE is set")
	}
	return nil
}
