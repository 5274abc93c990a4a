package config

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

//go:embed defaults.yaml
var defaults []byte

// ---- Root ----

type Config struct {
	Log        LogConfig       `mapstructure:"log"`
	HTTP       HTTPConfig      `mapstructure:"http"`
	MySQL      DatabaseConfig  `mapstructure:"mysql"`
	ClickHouse DatabaseConfig  `mapstructure:"clickhouse"`
	Redis      RedisConfig     `mapstructure:"redis"`
	Kafka      KafkaConfig     `mapstructure:"kafka"`
	Outbox     OutboxConfig    `mapstructure:"outbox"`
	Session    SessionConfig   `mapstructure:"session"`
	RateLimit  RateLimitConfig `mapstructure:"rate_limit"`
	Breaker    BreakerConfig   `mapstructure:"breaker"`
}

// ---- Leaf structs ----

type LogConfig struct {
	Level string `mapstructure:"level"`
}

type HTTPConfig struct {
	Addr            string        `mapstructure:"addr"`
	APIKeys         []string      `mapstructure:"api_keys"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idletime"`
	PingTimeout     time.Duration `mapstructure:"ping_timeout"`
}

type RedisConfig struct {
	Addr        string        `mapstructure:"addr"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

type KafkaConfig struct {
	Brokers        []string      `mapstructure:"brokers"`
	GroupID        string        `mapstructure:"group_id"`
	PushTopic      string        `mapstructure:"push_topic"`
	MinBytes       int           `mapstructure:"min_bytes"`
	MaxBytes       int           `mapstructure:"max_bytes"`
	CommitInterval int           `mapstructure:"commit_interval_ms"`
	BatchSize      int           `mapstructure:"batch_size"`
	BatchTimeout   time.Duration `mapstructure:"batch_timeout"`
	WriteTimeout   time.Duration `mapstructure:"write_timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
}

type OutboxConfig struct {
	MaxRetry               int           `mapstructure:"max_retry"`
	BaseRetryDelay         time.Duration `mapstructure:"base_retry_delay"`
	ConfirmTimeout         time.Duration `mapstructure:"confirm_timeout"`
	TimeoutScanInterval    time.Duration `mapstructure:"timeout_scan_interval"`
	RecoveryRescanInterval time.Duration `mapstructure:"recovery_rescan_interval"`
	RescanLimit            int           `mapstructure:"rescan_limit"`
	PublishTimeout         time.Duration `mapstructure:"publish_timeout"`
	PersistTimeout         time.Duration `mapstructure:"persist_timeout"`
	PersistBatchSize       int           `mapstructure:"persist_batch_size"`
	SignalBuffer           int           `mapstructure:"signal_buffer"`
	Audit                  bool          `mapstructure:"audit"`
}

type SessionConfig struct {
	Node         string        `mapstructure:"node"`
	KickNotice   string        `mapstructure:"kick_notice"`
	DeviceGroups bool          `mapstructure:"device_groups"`
	PresenceTTL  time.Duration `mapstructure:"presence_ttl"`

	// HeartbeatTimeout closes a websocket that sent nothing for this long; 0 disables it.
	HeartbeatTimeout time.Duration `mapstructure:"heartbeat_timeout"`
}

type RateLimitConfig struct {
	RPS int `mapstructure:"rps"`
}

type BreakerConfig struct {
	FailThreshold int `mapstructure:"fail_threshold" yaml:"fail_threshold"`
	OpenForMs     int `mapstructure:"open_for_ms"    yaml:"open_for_ms"`
}

// Load reads embedded defaults, merges user YAML (if provided), and applies env overrides (IMGW_*).
func Load(path string) (Config, error) {
	v := viper.New()

	// embedded defaults
	v.SetConfigType("yaml")
	if err := v.ReadConfig(bytes.NewReader(defaults)); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				return Config{}, fmt.Errorf("read %s: %w", path, err)
			}
		}
	}

	// env override (IMGW_OUTBOX_MAX_RETRY, ...)
	v.SetEnvPrefix("IMGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the delivery engine cannot run with.
func (c Config) Validate() error {
	var errs []error
	o := c.Outbox
	if o.MaxRetry < 0 {
		errs = append(errs, fmt.Errorf("outbox.max_retry must be >= 0, got %d", o.MaxRetry))
	}
	for name, d := range map[string]time.Duration{
		"outbox.base_retry_delay":         o.BaseRetryDelay,
		"outbox.confirm_timeout":          o.ConfirmTimeout,
		"outbox.timeout_scan_interval":    o.TimeoutScanInterval,
		"outbox.recovery_rescan_interval": o.RecoveryRescanInterval,
	} {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", name, d))
		}
	}
	if c.Session.HeartbeatTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.heartbeat_timeout must be >= 0, got %s", c.Session.HeartbeatTimeout))
	}
	if len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers is empty"))
	}
	return errors.Join(errs...)
}
