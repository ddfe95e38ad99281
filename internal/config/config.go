package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	RabbitMQ   RabbitMQConfig   `mapstructure:"rabbitmq"`
	Redis      RedisConfig      `mapstructure:"redis"`
	SMTP       SMTPConfig       `mapstructure:"smtp"`
	Enrichment EnrichmentConfig `mapstructure:"enrichment"`
	Status     StatusConfig     `mapstructure:"status"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServiceConfig identifies this worker in logs and the health response.
type ServiceConfig struct {
	Name string `mapstructure:"name"`
}

// HTTPConfig holds the health and metrics listener configuration.
type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr returns host:port.
func (c HTTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// RabbitMQConfig holds broker connection and topology configuration.
type RabbitMQConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	User              string        `mapstructure:"user"`
	Password          string        `mapstructure:"password"`
	VHost             string        `mapstructure:"vhost"`
	Exchange          string        `mapstructure:"exchange"`
	Queue             string        `mapstructure:"queue"`
	RoutingKey        string        `mapstructure:"routing_key"`
	DeadLetterQueue   string        `mapstructure:"dead_letter_queue"`
	Prefetch          int           `mapstructure:"prefetch"`
	ConsumerTag       string        `mapstructure:"consumer_tag"`
	ConnectAttempts   int           `mapstructure:"connect_attempts"`
	ConnectRetryDelay time.Duration `mapstructure:"connect_retry_delay"`
}

// URL returns the AMQP URL with credentials escaped.
func (c RabbitMQConfig) URL() string {
	u := url.URL{
		Scheme: "amqp",
		User:   url.UserPassword(c.User, c.Password),
		Host:   net.JoinHostPort(c.Host, strconv.Itoa(c.Port)),
		Path:   "/" + strings.TrimPrefix(c.VHost, "/"),
	}
	return u.String()
}

// RedisConfig holds key-value store configuration.
type RedisConfig struct {
	Host           string        `mapstructure:"host"`
	Port           int           `mapstructure:"port"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	IdempotencyTTL time.Duration `mapstructure:"idempotency_ttl"`
}

// Addr returns host:port.
func (c RedisConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SMTPConfig holds the outbound relay configuration.
type SMTPConfig struct {
	Host               string        `mapstructure:"host"`
	Port               int           `mapstructure:"port"`
	User               string        `mapstructure:"user"`
	Password           string        `mapstructure:"password"`
	Sender             string        `mapstructure:"sender"`
	SenderName         string        `mapstructure:"sender_name"`
	TLSMode            string        `mapstructure:"tls_mode"` // none, starttls, tls
	InsecureSkipVerify bool          `mapstructure:"insecure_skip_verify"`
	HeloName           string        `mapstructure:"helo_name"`
	Timeout            time.Duration `mapstructure:"timeout"`
	BreakerThreshold   uint32        `mapstructure:"breaker_threshold"`
	BreakerCooldown    time.Duration `mapstructure:"breaker_cooldown"`
}

// Addr returns host:port.
func (c SMTPConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// EnrichmentConfig holds the user and template service clients.
type EnrichmentConfig struct {
	UserServiceURL     string        `mapstructure:"user_service_url"`
	TemplateServiceURL string        `mapstructure:"template_service_url"`
	Timeout            time.Duration `mapstructure:"timeout"`
	RetryAttempts      int           `mapstructure:"retry_attempts"`
	RetryInitial       time.Duration `mapstructure:"retry_initial"`
	RetryMultiplier    float64       `mapstructure:"retry_multiplier"`
	JWT                JWTConfig     `mapstructure:"jwt"`
}

// JWTConfig configures the bearer token sent to the enrichment services.
// An empty SigningKey disables the Authorization header.
type JWTConfig struct {
	SigningKey string        `mapstructure:"signing_key"`
	Issuer     string        `mapstructure:"issuer"`
	Audience   string        `mapstructure:"audience"`
	TTL        time.Duration `mapstructure:"ttl"`
}

// StatusConfig configures the optional status sinks. The Redis sink is
// always on.
type StatusConfig struct {
	CollectorURL string        `mapstructure:"collector_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	RecordTTL    time.Duration `mapstructure:"record_ttl"`
}

// DatabaseConfig holds PostgreSQL connection configuration. An empty URL
// disables the Postgres status sink.
type DatabaseConfig struct {
	URL            string        `mapstructure:"url"`
	PoolMin        int32         `mapstructure:"pool_min"`
	PoolMax        int32         `mapstructure:"pool_max"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level     string `mapstructure:"level"`
	Output    string `mapstructure:"output"`
	FilePath  string `mapstructure:"file_path"`
	MaxSizeMB int    `mapstructure:"max_size_mb"`
	MaxFiles  int    `mapstructure:"max_files"`
}

// ErrMissingRequired is wrapped by Validate for every absent required value.
var ErrMissingRequired = errors.New("missing required configuration")

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "email-service")

	v.SetDefault("http.host", "0.0.0.0")
	v.SetDefault("http.port", 8000)
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 10*time.Second)
	v.SetDefault("http.shutdown_timeout", 30*time.Second)

	v.SetDefault("rabbitmq.host", "")
	v.SetDefault("rabbitmq.port", 5672)
	v.SetDefault("rabbitmq.user", "")
	v.SetDefault("rabbitmq.password", "")
	v.SetDefault("rabbitmq.vhost", "/")
	v.SetDefault("rabbitmq.exchange", "notifications.direct")
	v.SetDefault("rabbitmq.queue", "email.queue")
	v.SetDefault("rabbitmq.routing_key", "email.queue")
	v.SetDefault("rabbitmq.dead_letter_queue", "failed.queue")
	v.SetDefault("rabbitmq.prefetch", 10)
	v.SetDefault("rabbitmq.consumer_tag", "email-worker")
	v.SetDefault("rabbitmq.connect_attempts", 5)
	v.SetDefault("rabbitmq.connect_retry_delay", 5*time.Second)

	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.idempotency_ttl", time.Hour)

	v.SetDefault("smtp.host", "")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("smtp.user", "")
	v.SetDefault("smtp.password", "")
	v.SetDefault("smtp.sender", "")
	v.SetDefault("smtp.sender_name", "")
	v.SetDefault("smtp.tls_mode", "starttls")
	v.SetDefault("smtp.insecure_skip_verify", false)
	v.SetDefault("smtp.helo_name", "localhost")
	v.SetDefault("smtp.timeout", 30*time.Second)
	v.SetDefault("smtp.breaker_threshold", 5)
	v.SetDefault("smtp.breaker_cooldown", 30*time.Second)

	v.SetDefault("enrichment.user_service_url", "http://user-service:8000/api/v1/users")
	v.SetDefault("enrichment.template_service_url", "http://template-service:8000/api/v1/templates")
	v.SetDefault("enrichment.timeout", 10*time.Second)
	v.SetDefault("enrichment.retry_attempts", 3)
	v.SetDefault("enrichment.retry_initial", 500*time.Millisecond)
	v.SetDefault("enrichment.retry_multiplier", 2.0)
	v.SetDefault("enrichment.jwt.signing_key", "")
	v.SetDefault("enrichment.jwt.issuer", "email-service")
	v.SetDefault("enrichment.jwt.audience", "")
	v.SetDefault("enrichment.jwt.ttl", 15*time.Minute)

	v.SetDefault("status.collector_url", "")
	v.SetDefault("status.timeout", 5*time.Second)
	v.SetDefault("status.record_ttl", time.Duration(0))

	v.SetDefault("database.url", "")
	v.SetDefault("database.pool_min", 1)
	v.SetDefault("database.pool_max", 5)
	v.SetDefault("database.connect_timeout", 5*time.Second)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.file_path", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_files", 5)
}

// Load reads configuration from config.yaml in configPath, if present.
// Environment variables with prefix EMAIL_WORKER_ override file values.
// For example, EMAIL_WORKER_SMTP_HOST overrides smtp.host. The returned
// config has passed Validate.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)

	v.SetEnvPrefix("EMAIL_WORKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every missing required value in a single error.
func (c *Config) Validate() error {
	var missing []string
	require := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			missing = append(missing, key)
		}
	}
	requirePort := func(key string, port int) {
		if port <= 0 || port > 65535 {
			missing = append(missing, key)
		}
	}

	require("rabbitmq.host", c.RabbitMQ.Host)
	require("rabbitmq.user", c.RabbitMQ.User)
	require("rabbitmq.password", c.RabbitMQ.Password)
	require("redis.host", c.Redis.Host)
	requirePort("redis.port", c.Redis.Port)
	require("smtp.host", c.SMTP.Host)
	requirePort("smtp.port", c.SMTP.Port)
	require("smtp.sender", c.SMTP.Sender)
	require("enrichment.user_service_url", c.Enrichment.UserServiceURL)
	require("enrichment.template_service_url", c.Enrichment.TemplateServiceURL)

	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	switch c.SMTP.TLSMode {
	case "none", "starttls", "tls":
	default:
		return fmt.Errorf("smtp.tls_mode %q must be none, starttls or tls", c.SMTP.TLSMode)
	}
	if c.RabbitMQ.Prefetch <= 0 {
		return fmt.Errorf("rabbitmq.prefetch must be positive, got %d", c.RabbitMQ.Prefetch)
	}
	return nil
}
