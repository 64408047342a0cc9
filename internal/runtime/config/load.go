package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable read by Load.
const EnvPrefix = "CHAINFLOW"

// Load reads configuration from the YAML file at path (optional, may be empty)
// and from CHAINFLOW_* environment variables, in that order of precedence:
// environment wins over file, file wins over defaults. The result has
// WithDefaults applied and is validated.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	// AutomaticEnv only resolves keys viper already knows about.
	defaults := Config{}.WithDefaults()
	for key, value := range defaultKeys(defaults) {
		v.SetDefault(key, value)
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config %s: %w", path, err)
			}
		}
	}

	var conf Config
	if err := v.Unmarshal(&conf); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	conf = conf.WithDefaults()
	if err := conf.Validate(); err != nil {
		return nil, err
	}
	return &conf, nil
}

func defaultKeys(c Config) map[string]any {
	return map[string]any{
		"parallelism":                c.Parallelism,
		"chunk_size":                 c.ChunkSize,
		"cache_enabled":              c.CacheEnabled,
		"cache_size":                 c.CacheSize,
		"cache_ttl":                  c.CacheTTL,
		"pubsub_system":              c.PubSubSystem,
		"kafka_brokers":              c.KafkaBrokers,
		"kafka_client_id":            c.KafkaClientID,
		"kafka_consumer_group":       c.KafkaConsumerGroup,
		"rabbitmq_url":               c.RabbitMQURL,
		"nats_url":                   c.NATSURL,
		"http_server_address":        c.HTTPServerAddress,
		"http_publisher_url":         c.HTTPPublisherURL,
		"io_file":                    c.IOFile,
		"sqlite_file":                c.SQLiteFile,
		"postgres_url":               c.PostgresURL,
		"aws_region":                 c.AWSRegion,
		"aws_account_id":             c.AWSAccountID,
		"aws_access_key_id":          c.AWSAccessKeyID,
		"aws_secret_access_key":      c.AWSSecretAccessKey,
		"aws_endpoint":               c.AWSEndpoint,
		"batch_topic":                c.BatchTopic,
		"response_topic":             c.ResponseTopic,
		"response_encoding":          c.ResponseEncoding,
		"poison_queue":               c.PoisonQueue,
		"metrics_enabled":            c.MetricsEnabled,
		"metrics_port":               c.MetricsPort,
		"webui_enabled":              c.WebUIEnabled,
		"webui_port":                 c.WebUIPort,
		"webui_cors_allowed_origins": c.WebUICORSAllowedOrigins,
	}
}
