package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/basekick-labs/arcplay/internal/source"
	"github.com/basekick-labs/arcplay/internal/topic"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for arcplay
type Config struct {
	Source   SourceConfig
	Playback PlaybackConfig
	Codecs   CodecsConfig
	Server   ServerConfig
	Log      LogConfig
	Metrics  MetricsConfig
}

type SourceConfig struct {
	Backend   string `validate:"oneof=local memory s3 minio azure azblob"`
	LocalPath string
	BlockSize int64 `validate:"gte=4096"`

	// S3/MinIO
	S3Bucket    string
	S3Region    string
	S3Endpoint  string // e.g. "localhost:9000" for MinIO
	S3AccessKey string // falls back to the AWS credential chain when empty
	S3SecretKey string
	S3UseSSL    bool
	S3PathStyle bool

	// Azure Blob Storage
	AzureConnectionString   string
	AzureAccountName        string
	AzureAccountKey         string
	AzureSASToken           string
	AzureContainer          string
	AzureEndpoint           string
	AzureUseManagedIdentity bool

	// Remote retry and breaker settings
	MaxRetries      int           `validate:"gte=0,lte=20"`
	RetryDelay      time.Duration `validate:"gte=0"`
	RetryMaxDelay   time.Duration `validate:"gte=0"`
	BreakerFailures int           `validate:"gte=1"`
	BreakerCooldown time.Duration `validate:"gte=0"`
	BreakerProbes   int           `validate:"gte=1"`
}

type PlaybackConfig struct {
	Window          time.Duration `validate:"gt=0"`
	TimestampUnit   string        `validate:"oneof=ns us ms s"`
	TimestampSuffix string        `validate:"required"`
	TimeHint        string        `validate:"required"`
	ImageHints      []string
	MessageEncoding string `validate:"oneof=json msgpack"`
}

type CodecsConfig struct {
	// Enabled lists filter names; empty enables every built-in filter.
	Enabled []string
}

type ServerConfig struct {
	Host         string
	Port         int `validate:"min=1,max=65535"`
	ReadTimeout  int `validate:"gte=0"` // seconds
	WriteTimeout int `validate:"gte=0"` // seconds
	// MessageLimit caps messages returned by one /api/v1/messages call.
	MessageLimit    int `validate:"gte=1"`
	ShutdownTimeout time.Duration
}

type LogConfig struct {
	Level  string `validate:"oneof=trace debug info warn warning error fatal disabled off"`
	Format string `validate:"oneof=json console"`
}

type MetricsConfig struct {
	Enabled bool
}

// Load reads defaults, then the config file, then ARCPLAY_* environment
// variables. An empty path searches the usual locations for arcplay.toml.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("ARCPLAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("arcplay")
		v.SetConfigType("toml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/arcplay/")
		v.AddConfigPath("$HOME/.arcplay/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	blockSize, err := ParseSize(v.GetString("source.block_size"))
	if err != nil {
		return nil, fmt.Errorf("invalid source.block_size: %w", err)
	}

	cfg := &Config{
		Source: SourceConfig{
			Backend:   strings.ToLower(v.GetString("source.backend")),
			LocalPath: v.GetString("source.local_path"),
			BlockSize: blockSize,

			S3Bucket:    v.GetString("source.s3_bucket"),
			S3Region:    v.GetString("source.s3_region"),
			S3Endpoint:  v.GetString("source.s3_endpoint"),
			S3AccessKey: v.GetString("source.s3_access_key"),
			S3SecretKey: v.GetString("source.s3_secret_key"),
			S3UseSSL:    v.GetBool("source.s3_use_ssl"),
			S3PathStyle: v.GetBool("source.s3_path_style"),

			AzureConnectionString:   v.GetString("source.azure_connection_string"),
			AzureAccountName:        v.GetString("source.azure_account_name"),
			AzureAccountKey:         v.GetString("source.azure_account_key"),
			AzureSASToken:           v.GetString("source.azure_sas_token"),
			AzureContainer:          v.GetString("source.azure_container"),
			AzureEndpoint:           v.GetString("source.azure_endpoint"),
			AzureUseManagedIdentity: v.GetBool("source.azure_use_managed_identity"),

			MaxRetries:      v.GetInt("source.max_retries"),
			RetryDelay:      v.GetDuration("source.retry_delay"),
			RetryMaxDelay:   v.GetDuration("source.retry_max_delay"),
			BreakerFailures: v.GetInt("source.breaker_failures"),
			BreakerCooldown: v.GetDuration("source.breaker_cooldown"),
			BreakerProbes:   v.GetInt("source.breaker_probes"),
		},
		Playback: PlaybackConfig{
			Window:          v.GetDuration("playback.window"),
			TimestampUnit:   v.GetString("playback.timestamp_unit"),
			TimestampSuffix: v.GetString("playback.timestamp_suffix"),
			TimeHint:        v.GetString("playback.time_hint"),
			ImageHints:      v.GetStringSlice("playback.image_hints"),
			MessageEncoding: strings.ToLower(v.GetString("playback.message_encoding")),
		},
		Codecs: CodecsConfig{
			Enabled: v.GetStringSlice("codecs.enabled"),
		},
		Server: ServerConfig{
			Host:            v.GetString("server.host"),
			Port:            v.GetInt("server.port"),
			ReadTimeout:     v.GetInt("server.read_timeout"),
			WriteTimeout:    v.GetInt("server.write_timeout"),
			MessageLimit:    v.GetInt("server.message_limit"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Metrics: MetricsConfig{
			Enabled: v.GetBool("metrics.enabled"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("source.backend", "local")
	v.SetDefault("source.local_path", ".")
	v.SetDefault("source.block_size", "256KB")
	v.SetDefault("source.s3_region", "us-east-1")
	v.SetDefault("source.s3_use_ssl", true)
	v.SetDefault("source.max_retries", 3)
	v.SetDefault("source.retry_delay", "100ms")
	v.SetDefault("source.retry_max_delay", "5s")
	v.SetDefault("source.breaker_failures", 5)
	v.SetDefault("source.breaker_cooldown", "30s")
	v.SetDefault("source.breaker_probes", 3)

	v.SetDefault("playback.window", "1s")
	v.SetDefault("playback.timestamp_unit", "ns")
	v.SetDefault("playback.timestamp_suffix", ".timestamp")
	v.SetDefault("playback.time_hint", "time")
	v.SetDefault("playback.image_hints", topic.DefaultImageHints)
	v.SetDefault("playback.message_encoding", "json")

	v.SetDefault("codecs.enabled", []string{})

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", 30)
	v.SetDefault("server.write_timeout", 300)
	v.SetDefault("server.message_limit", 10000)
	v.SetDefault("server.shutdown_timeout", "30s")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("metrics.enabled", true)
}

var validate = validator.New()

// Validate checks the struct tags and the cross-field rules.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return formatValidationError(err)
	}
	switch c.Source.Backend {
	case "s3", "minio":
		if c.Source.S3Bucket == "" {
			return errors.New("source.s3_bucket is required for the s3 backend")
		}
	case "azure", "azblob":
		if c.Source.AzureContainer == "" {
			return errors.New("source.azure_container is required for the azure backend")
		}
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// SourceConfig converts the settings into the form source.New expects.
func (c *Config) SourceConfig() source.Config {
	s := c.Source
	return source.Config{
		Backend:   s.Backend,
		LocalPath: s.LocalPath,
		BlockSize: s.BlockSize,
		S3: source.S3Config{
			Bucket:    s.S3Bucket,
			Region:    s.S3Region,
			Endpoint:  s.S3Endpoint,
			AccessKey: s.S3AccessKey,
			SecretKey: s.S3SecretKey,
			UseSSL:    s.S3UseSSL,
			PathStyle: s.S3PathStyle,
		},
		Azure: source.AzureConfig{
			ConnectionString:   s.AzureConnectionString,
			AccountName:        s.AzureAccountName,
			AccountKey:         s.AzureAccountKey,
			SASToken:           s.AzureSASToken,
			UseManagedIdentity: s.AzureUseManagedIdentity,
			ContainerName:      s.AzureContainer,
			Endpoint:           s.AzureEndpoint,
		},
		Resilience: &source.ResilientConfig{
			MaxFailures:   s.BreakerFailures,
			Cooldown:      s.BreakerCooldown,
			Probes:        s.BreakerProbes,
			MaxRetries:    s.MaxRetries,
			RetryDelay:    s.RetryDelay,
			RetryMaxDelay: s.RetryMaxDelay,
		},
	}
}

// TopicOptions converts the playback settings into discovery options.
func (c *Config) TopicOptions() topic.Options {
	o := topic.DefaultOptions()
	o.TimestampSuffix = c.Playback.TimestampSuffix
	o.TimeHint = c.Playback.TimeHint
	o.DefaultUnit = c.Playback.TimestampUnit
	o.AuxSuffixes = []string{c.Playback.TimestampSuffix, ".parameters"}
	if len(c.Playback.ImageHints) > 0 {
		o.ImageHints = c.Playback.ImageHints
	}
	return o
}

// ParseSize parses a human-readable size string (e.g., "256KB", "1GB") into bytes.
// Supports B, KB, MB, GB suffixes (case-insensitive). Plain numbers are treated as bytes.
func ParseSize(sizeStr string) (int64, error) {
	sizeStr = strings.TrimSpace(strings.ToUpper(sizeStr))
	if sizeStr == "" {
		return 0, fmt.Errorf("empty size string")
	}

	units := []struct {
		suffix     string
		multiplier int64
	}{
		{"GB", 1 << 30},
		{"MB", 1 << 20},
		{"KB", 1 << 10},
		{"B", 1},
	}

	for _, unit := range units {
		if !strings.HasSuffix(sizeStr, unit.suffix) {
			continue
		}
		numStr := strings.TrimSpace(strings.TrimSuffix(sizeStr, unit.suffix))
		var num float64
		var trailing string
		n, _ := fmt.Sscanf(numStr, "%f%s", &num, &trailing)
		if n == 0 {
			return 0, fmt.Errorf("invalid size number: %s", numStr)
		}
		if trailing != "" {
			return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
		}
		if num < 0 {
			return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
		}
		return int64(num * float64(unit.multiplier)), nil
	}

	var num int64
	var trailing string
	n, _ := fmt.Sscanf(sizeStr, "%d%s", &num, &trailing)
	if n == 0 || trailing != "" {
		return 0, fmt.Errorf("invalid size format: %s (use e.g., '1GB', '500MB', '100KB')", sizeStr)
	}
	if num < 0 {
		return 0, fmt.Errorf("size cannot be negative: %s", sizeStr)
	}
	return num, nil
}
