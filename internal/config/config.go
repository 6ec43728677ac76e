package config

import (
	"net"
	"net/url"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const envPrefix = "CHECKOUT"

type Database struct {
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	Host          string `mapstructure:"host"`
	Port          string `mapstructure:"port"`
	SSLMode       string `mapstructure:"ssl-mode"`
	MigrationsDir string `mapstructure:"migrations-dir"`
}

func (d Database) ConnString() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     net.JoinHostPort(d.Host, d.Port),
		Path:     "/" + d.Name,
		RawQuery: url.Values{"sslmode": {d.SSLMode}}.Encode(),
	}
	return u.String()
}

type KafkaWriter struct {
	BatchSize      int `mapstructure:"batch-size"`
	BatchTimeoutMs int `mapstructure:"batch-timeout-ms"`
}

type KafkaBroker struct {
	URL string `mapstructure:"url"`
}

type KafkaTopic struct {
	ProviderAnswers string `mapstructure:"provider-answers"`
	Notifications   string `mapstructure:"notifications"`
}

type KafkaReader struct {
	GroupID           string `mapstructure:"group-id"`
	RetryBackoffMs    int    `mapstructure:"retry-backoff-ms"`
	MaxRetryBackoffMs int    `mapstructure:"max-retry-backoff-ms"`
}

type Kafka struct {
	Writer KafkaWriter `mapstructure:"writer"`
	Broker KafkaBroker `mapstructure:"broker"`
	Topic  KafkaTopic  `mapstructure:"topic"`
	Reader KafkaReader `mapstructure:"reader"`
}

type CallbackProcessor struct {
	Parallelism         int `mapstructure:"parallelism"`
	RescheduleDelayMs   int `mapstructure:"reschedule-delay-ms"`
	MaxDeliveryAttempts int `mapstructure:"max-delivery-attempts"`
}

type CallbackProducer struct {
	PollingIntervalMs  int `mapstructure:"polling-interval-ms"`
	FetchSize          int `mapstructure:"fetch-size"`
	RescheduleDelayMs  int `mapstructure:"reschedule-delay-ms"`
	MaxPublishAttempts int `mapstructure:"max-publish-attempts"`
	DeliveryLeaseMs    int `mapstructure:"delivery-lease-ms"`
}

type CallbackSender struct {
	TimeoutMs int    `mapstructure:"timeout-ms"`
	URL       string `mapstructure:"url"`
}

type Callback struct {
	Processor CallbackProcessor `mapstructure:"processor"`
	Producer  CallbackProducer  `mapstructure:"producer"`
	Sender    CallbackSender    `mapstructure:"sender"`
}

type Server struct {
	Port           string `mapstructure:"port"`
	ReadTimeoutMs  int    `mapstructure:"read-timeout-ms"`
	WriteTimeoutMs int    `mapstructure:"write-timeout-ms"`
}

// Provider holds the payment gateway credentials.
type Provider struct {
	SiteID      string `mapstructure:"site-id"`
	APIPassword string `mapstructure:"api-password"`
	SHAKey      string `mapstructure:"sha-key"`
	PublicKey   string `mapstructure:"public-key"`
}

type Reconcile struct {
	MaxAttempts int `mapstructure:"max-attempts"`
}

type Metrics struct {
	URL          string `mapstructure:"url"`
	IntervalMs   int    `mapstructure:"interval-ms"`
	CommonLabels string `mapstructure:"common-labels"`
}

type Logs struct {
	URL string `mapstructure:"url"`
}

type Config struct {
	Database  Database  `mapstructure:"database"`
	Kafka     Kafka     `mapstructure:"kafka"`
	Callback  Callback  `mapstructure:"callback"`
	Server    Server    `mapstructure:"server"`
	Provider  Provider  `mapstructure:"provider"`
	Reconcile Reconcile `mapstructure:"reconcile"`
	Metrics   Metrics   `mapstructure:"metrics"`
	Logs      Logs      `mapstructure:"logs"`
}

var defaults = map[string]any{
	"database.host":           "localhost",
	"database.port":           "5432",
	"database.user":           "postgres",
	"database.password":       "postgres",
	"database.name":           "checkout",
	"database.ssl-mode":       "disable",
	"database.migrations-dir": "migrations",

	"kafka.broker.url":                  "localhost:9092",
	"kafka.topic.provider-answers":      "provider-answers",
	"kafka.topic.notifications":         "payment-notifications",
	"kafka.reader.group-id":             "checkout-service",
	"kafka.reader.retry-backoff-ms":     500,
	"kafka.reader.max-retry-backoff-ms": 30_000,
	"kafka.writer.batch-size":           100,
	"kafka.writer.batch-timeout-ms":     100,

	"callback.processor.parallelism":           100,
	"callback.processor.reschedule-delay-ms":   10_000,
	"callback.processor.max-delivery-attempts": 3,
	"callback.producer.polling-interval-ms":    500,
	"callback.producer.fetch-size":             200,
	"callback.producer.reschedule-delay-ms":    10_000,
	"callback.producer.max-publish-attempts":   3,
	"callback.producer.delivery-lease-ms":      60_000,
	"callback.sender.timeout-ms":               10_000,
	"callback.sender.url":                      "",

	"server.port":             "8080",
	"server.read-timeout-ms":  5_000,
	"server.write-timeout-ms": 10_000,

	"provider.site-id":      "",
	"provider.api-password": "",
	"provider.sha-key":      "",
	"provider.public-key":   "",

	"reconcile.max-attempts": 3,

	"metrics.url":           "",
	"metrics.interval-ms":   10_000,
	"metrics.common-labels": "",

	"logs.url": "",
}

// LoadConfig reads config.yaml from path when present. Every key can be
// overridden from the environment, e.g. CHECKOUT_DATABASE_HOST or
// CHECKOUT_CALLBACK_SENDER_URL; a .env file in the working directory is
// loaded first.
func LoadConfig(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	return &config, nil
}
