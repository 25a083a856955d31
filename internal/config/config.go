package config

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds broker configuration loaded from file and environment.
type Config struct {
	ListenAddr    string `mapstructure:"listen_addr"`
	PublicURL     string `mapstructure:"public_url"`
	LogFormat     string `mapstructure:"log_format"`
	LogLevel      string `mapstructure:"log_level"`
	DirectoryFile string `mapstructure:"directory_file"`

	Stream    StreamConfig    `mapstructure:"stream"`
	Bootstrap BootstrapConfig `mapstructure:"bootstrap"`
	Consent   ConsentConfig   `mapstructure:"consent"`
	OTP       OTPConfig       `mapstructure:"otp"`
	API       APIConfig       `mapstructure:"api"`
	Lockout   LockoutConfig   `mapstructure:"lockout"`
	Recording RecordingConfig `mapstructure:"recording"`
}

type StreamConfig struct {
	WaitTimeout time.Duration `mapstructure:"wait_timeout"`
	IdleTTL     time.Duration `mapstructure:"idle_ttl"`
	ChunkBuffer int           `mapstructure:"chunk_buffer"`
}

type BootstrapConfig struct {
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`
}

type ConsentConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
}

type OTPConfig struct {
	TTL time.Duration `mapstructure:"ttl"`
}

type APIConfig struct {
	RateLimit float64 `mapstructure:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst"`
}

type LockoutConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts"`
	Duration    time.Duration `mapstructure:"duration"`
}

// RecordingConfig selects where relayed video is persisted when recording
// is enabled in the directory settings. Backend is one of none, file, s3.
type RecordingConfig struct {
	Backend    string `mapstructure:"backend"`
	Dir        string `mapstructure:"dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
	// Static credentials; when empty the default AWS chain is used.
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
}

func Default() *Config {
	return &Config{
		ListenAddr:    ":5000",
		LogFormat:     "text",
		LogLevel:      "info",
		DirectoryFile: "directory.yaml",
		Stream: StreamConfig{
			WaitTimeout: 30 * time.Second,
			IdleTTL:     2 * time.Minute,
			ChunkBuffer: 64,
		},
		Bootstrap: BootstrapConfig{ReadyTimeout: 30 * time.Second},
		Consent:   ConsentConfig{Timeout: 60 * time.Second},
		OTP:       OTPConfig{TTL: time.Minute},
		API:       APIConfig{RateLimit: 5, RateBurst: 10},
		Lockout:   LockoutConfig{MaxAttempts: 5, Duration: 15 * time.Minute},
		Recording: RecordingConfig{Backend: "none", Dir: "recordings"},
	}
}

// Load reads configuration from cfgFile (or the default search path) and
// RELAYBROKER_* environment variables, layered over Default().
func Load(cfgFile string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("relaybroker")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/relaybroker")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RELAYBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal even when the key is absent from the config file.
func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("listen_addr", d.ListenAddr)
	v.SetDefault("public_url", d.PublicURL)
	v.SetDefault("log_format", d.LogFormat)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("directory_file", d.DirectoryFile)
	v.SetDefault("stream.wait_timeout", d.Stream.WaitTimeout)
	v.SetDefault("stream.idle_ttl", d.Stream.IdleTTL)
	v.SetDefault("stream.chunk_buffer", d.Stream.ChunkBuffer)
	v.SetDefault("bootstrap.ready_timeout", d.Bootstrap.ReadyTimeout)
	v.SetDefault("consent.timeout", d.Consent.Timeout)
	v.SetDefault("otp.ttl", d.OTP.TTL)
	v.SetDefault("api.rate_limit", d.API.RateLimit)
	v.SetDefault("api.rate_burst", d.API.RateBurst)
	v.SetDefault("lockout.max_attempts", d.Lockout.MaxAttempts)
	v.SetDefault("lockout.duration", d.Lockout.Duration)
	v.SetDefault("recording.backend", d.Recording.Backend)
	v.SetDefault("recording.dir", d.Recording.Dir)
	v.SetDefault("recording.s3_bucket", d.Recording.S3Bucket)
	v.SetDefault("recording.s3_region", d.Recording.S3Region)
	v.SetDefault("recording.s3_prefix", d.Recording.S3Prefix)
	v.SetDefault("recording.s3_endpoint", d.Recording.S3Endpoint)
	v.SetDefault("recording.s3_access_key_id", d.Recording.S3AccessKeyID)
	v.SetDefault("recording.s3_secret_access_key", d.Recording.S3SecretAccessKey)
}
