package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/illmade-knight/go-amqptrigger/pkg/amqpconsumer"
	"github.com/illmade-knight/go-amqptrigger/pkg/cache"
	"github.com/illmade-knight/go-amqptrigger/pkg/serde"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override, e.g. AMQP_TRIGGER_QUEUE.
const EnvPrefix = "AMQP_TRIGGER"

// Trigger modes.
const (
	ModeRealtime = "realtime"
	ModePolling  = "polling"
)

// Ledger backends.
const (
	LedgerNone   = "none"
	LedgerMemory = "memory"
	LedgerRedis  = "redis"
)

// Config is the complete process configuration.
type Config struct {
	LogLevel     string
	LogFormat    string
	HTTPPort     string
	OTLPEndpoint string

	TriggerID string
	Mode      string

	Ledger     string
	LedgerSize int
	Redis      cache.RedisConfig

	AMQP *amqpconsumer.Config
}

// AddFlags registers every setting on flags. Each flag can also be set from
// the environment or from the YAML config file under the same name.
func AddFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Optional YAML config file.")
	flags.String("log-level", "info", "Log level: trace, debug, info, warn, error.")
	flags.String("log-format", "json", "Log output: json or console.")
	flags.String("http-port", ":8080", "Listen address for /healthz, /readyz and /metrics.")
	flags.String("otlp-endpoint", "", "An optional OTLP/HTTP endpoint for traces.")

	flags.String("trigger-id", "amqp-trigger", "Identifier stamped on every execution.")
	flags.String("mode", ModeRealtime, "Trigger mode: realtime or polling.")

	flags.String("amqp-url", "", "Full AMQP URI. Takes precedence over host, port, username, password and vhost.")
	flags.String("amqp-host", "", "Broker host (default localhost).")
	flags.Int("amqp-port", 0, "Broker port (default 5672).")
	flags.String("amqp-username", "", "Broker username (default guest).")
	flags.String("amqp-password", "", "Broker password (default guest).")
	flags.String("amqp-vhost", "", "Broker virtual host (default /).")
	flags.String("queue", "", "Queue to consume from.")
	flags.String("consumer-tag", amqpconsumer.DefaultConsumerTag, "Consumer tag announced to the broker.")
	flags.String("serde", string(serde.String), "Payload decoding: STRING, JSON or BINARY.")
	flags.Int("prefetch", 0, "Channel prefetch count. Zero keeps the broker default.")
	flags.Duration("heartbeat", amqpconsumer.DefaultHeartbeat, "AMQP heartbeat interval.")
	flags.Duration("connect-timeout", amqpconsumer.DefaultConnectTimeout, "Dial timeout.")

	flags.Duration("poll-interval", amqpconsumer.DefaultPollInterval, "Polling mode: time between polls.")
	flags.Int("max-records", 0, "Polling mode: maximum records per batch.")
	flags.Duration("max-duration", 0, "Polling mode: maximum time spent collecting one batch.")

	flags.String("ledger", LedgerNone, "Redelivery ledger: none, memory or redis.")
	flags.Int("ledger-size", 10000, "Memory ledger: number of message IDs remembered.")
	flags.String("redis-addr", "localhost:6379", "Redis ledger: server address.")
	flags.String("redis-password", "", "Redis ledger: password.")
	flags.Int("redis-db", 0, "Redis ledger: database number.")
	flags.String("redis-key-prefix", cache.DefaultKeyPrefix, "Redis ledger: key prefix.")
	flags.Duration("redis-ttl", 24*time.Hour, "Redis ledger: how long message IDs are remembered.")
}

// LoadConfig resolves the configuration from parsed flags, the environment
// and the optional config file, in decreasing order of precedence.
func LoadConfig(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	serdeType, err := serde.ParseType(v.GetString("serde"))
	if err != nil {
		return nil, err
	}

	amqpCfg := amqpconsumer.NewConfigDefaults(v.GetString("queue"))
	amqpCfg.URL = v.GetString("amqp-url")
	amqpCfg.Host = v.GetString("amqp-host")
	amqpCfg.Port = v.GetInt("amqp-port")
	amqpCfg.Username = v.GetString("amqp-username")
	amqpCfg.Password = v.GetString("amqp-password")
	amqpCfg.VirtualHost = v.GetString("amqp-vhost")
	amqpCfg.ConsumerTag = v.GetString("consumer-tag")
	amqpCfg.SerdeType = serdeType
	amqpCfg.PrefetchCount = v.GetInt("prefetch")
	amqpCfg.Heartbeat = v.GetDuration("heartbeat")
	amqpCfg.ConnectTimeout = v.GetDuration("connect-timeout")
	amqpCfg.PollInterval = v.GetDuration("poll-interval")
	amqpCfg.MaxRecords = v.GetInt("max-records")
	amqpCfg.MaxDuration = v.GetDuration("max-duration")

	cfg := &Config{
		LogLevel:     v.GetString("log-level"),
		LogFormat:    v.GetString("log-format"),
		HTTPPort:     v.GetString("http-port"),
		OTLPEndpoint: v.GetString("otlp-endpoint"),
		TriggerID:    v.GetString("trigger-id"),
		Mode:         strings.ToLower(v.GetString("mode")),
		Ledger:       strings.ToLower(v.GetString("ledger")),
		LedgerSize:   v.GetInt("ledger-size"),
		Redis: cache.RedisConfig{
			Addr:      v.GetString("redis-addr"),
			Password:  v.GetString("redis-password"),
			DB:        v.GetInt("redis-db"),
			KeyPrefix: v.GetString("redis-key-prefix"),
			TTL:       v.GetDuration("redis-ttl"),
		},
		AMQP: amqpCfg,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the settings for the selected mode.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRealtime:
		if err := c.AMQP.Validate(); err != nil {
			return err
		}
	case ModePolling:
		if err := c.AMQP.ValidateBatch(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}

	switch c.Ledger {
	case LedgerNone, LedgerRedis:
	case LedgerMemory:
		if c.LedgerSize <= 0 {
			return errors.New("ledger-size must be greater than 0")
		}
	default:
		return fmt.Errorf("unknown ledger %q", c.Ledger)
	}
	if c.TriggerID == "" {
		return errors.New("trigger-id is required")
	}
	return nil
}
