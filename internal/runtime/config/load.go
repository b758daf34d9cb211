package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. SMSRELAY_PUBSUB_SYSTEM.
const EnvPrefix = "SMSRELAY"

// Defaults returns the configuration used when nothing else is set.
func Defaults() *Config {
	return &Config{
		PubSubSystem:       "channel",
		InboundTopic:       "sms.inbound",
		KafkaConsumerGroup: "smsrelay",
		RequestTimeout:     30 * time.Second,
		MaxInFlight:        64,
		ShutdownTimeout:    10 * time.Second,
		SettingsBackend:    SettingsBackendFile,
		SettingsFile:       "smsrelay-settings.yaml",
		RedisKey:           "smsrelay:settings",
		StatusEnabled:      true,
		StatusPort:         8081,
		LogLevel:           "info",
		LogFormat:          "text",
	}
}

// Load reads path (YAML, optional) and environment overrides on top of
// Defaults. An empty path skips the file; a missing file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can resolve it during
// Unmarshal.
func setDefaults(v *viper.Viper) {
	d := Defaults()

	v.SetDefault("pubsub_system", d.PubSubSystem)
	v.SetDefault("inbound_topic", d.InboundTopic)
	v.SetDefault("outcome_topic", "")
	v.SetDefault("kafka_brokers", []string{})
	v.SetDefault("kafka_consumer_group", d.KafkaConsumerGroup)
	v.SetDefault("rabbitmq_url", "")
	v.SetDefault("nats_url", "")
	v.SetDefault("http_server_address", "")
	v.SetDefault("http_publisher_url", "")
	v.SetDefault("aws_region", "")
	v.SetDefault("aws_account_id", "")
	v.SetDefault("aws_access_key_id", "")
	v.SetDefault("aws_secret_access_key", "")
	v.SetDefault("aws_endpoint", "")
	v.SetDefault("request_timeout", d.RequestTimeout)
	v.SetDefault("max_in_flight", d.MaxInFlight)
	v.SetDefault("shutdown_timeout", d.ShutdownTimeout)
	v.SetDefault("settings_backend", d.SettingsBackend)
	v.SetDefault("settings_file", d.SettingsFile)
	v.SetDefault("redis_url", "")
	v.SetDefault("redis_key", d.RedisKey)
	v.SetDefault("metrics_enabled", false)
	v.SetDefault("status_enabled", d.StatusEnabled)
	v.SetDefault("status_port", d.StatusPort)
	v.SetDefault("status_cors_allowed_origins", []string{})
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("log_format", d.LogFormat)
}
