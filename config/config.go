package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	ServiceName    string         `mapstructure:"service_name"`
	HTTPAddr       string         `mapstructure:"http_addr"`
	GRPCAddr       string         `mapstructure:"grpc_addr"`
	JWTSecret      string         `mapstructure:"jwt_secret"`
	FrontendURL    string         `mapstructure:"frontend_url"`
	JaegerEndpoint string         `mapstructure:"jaeger_endpoint"`
	Database       DatabaseConfig `mapstructure:"database"`
	Redis          RedisConfig    `mapstructure:"redis"`
	Kafka          KafkaConfig    `mapstructure:"kafka"`
	Paystack       PaystackConfig `mapstructure:"paystack"`
	Terminal       TerminalConfig `mapstructure:"terminal"`
	Resend         ResendConfig   `mapstructure:"resend"`
	Saga           SagaConfig     `mapstructure:"saga"`
}

type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     string `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Name     string `mapstructure:"name"`
	SSLMode  string `mapstructure:"sslmode"`
}

func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	RateTTL  time.Duration `mapstructure:"rate_ttl"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	ShipmentTopic string   `mapstructure:"shipment_topic"`
	TrackingTopic string   `mapstructure:"tracking_topic"`
	GroupID       string   `mapstructure:"group_id"`
}

type PaystackConfig struct {
	SecretKey   string        `mapstructure:"secret_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type TerminalConfig struct {
	SecretKey   string        `mapstructure:"secret_key"`
	BaseURL     string        `mapstructure:"base_url"`
	Timeout     time.Duration `mapstructure:"timeout"`
	MaxAttempts int           `mapstructure:"max_attempts"`
}

type ResendConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	From       string        `mapstructure:"from"`
	AdminEmail string        `mapstructure:"admin_email"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
	RetryDelay time.Duration `mapstructure:"retry_delay"`
}

type SagaConfig struct {
	DeliveryFallback     time.Duration `mapstructure:"delivery_fallback"`
	TrackingPollInterval time.Duration `mapstructure:"tracking_poll_interval"`
	TrackingBatchSize    int           `mapstructure:"tracking_batch_size"`
}

// env bindings keep the variable names the service has always been deployed
// with.
var envBindings = map[string]string{
	"service_name":                "SERVICE_NAME",
	"http_addr":                   "HTTP_ADDR",
	"grpc_addr":                   "GRPC_ADDR",
	"jwt_secret":                  "JWT_SECRET",
	"frontend_url":                "FRONTEND_URL",
	"jaeger_endpoint":             "JAEGER_ENDPOINT",
	"database.host":               "DB_HOST",
	"database.port":               "DB_PORT",
	"database.user":               "DB_USER",
	"database.password":           "DB_PASSWORD",
	"database.name":               "DB_NAME",
	"database.sslmode":            "DB_SSLMODE",
	"redis.addr":                  "REDIS_ADDR",
	"redis.password":              "REDIS_PASSWORD",
	"redis.db":                    "REDIS_DB",
	"redis.rate_ttl":              "REDIS_RATE_TTL",
	"kafka.brokers":               "KAFKA_BROKER",
	"kafka.shipment_topic":        "KAFKA_SHIPMENT_TOPIC",
	"kafka.tracking_topic":        "KAFKA_TRACKING_TOPIC",
	"kafka.group_id":              "KAFKA_GROUP_ID",
	"paystack.secret_key":         "PAYSTACK_SECRET_KEY",
	"paystack.base_url":           "PAYSTACK_BASE_URL",
	"paystack.timeout":            "PAYSTACK_TIMEOUT",
	"paystack.max_attempts":       "PAYSTACK_MAX_ATTEMPTS",
	"terminal.secret_key":         "TSHIP_SECRET_KEY",
	"terminal.base_url":           "TERMINAL_AFRICA_BASE_URL",
	"terminal.timeout":            "TERMINAL_AFRICA_TIMEOUT",
	"terminal.max_attempts":       "TERMINAL_AFRICA_MAX_ATTEMPTS",
	"resend.api_key":              "RESEND_API_KEY",
	"resend.base_url":             "RESEND_BASE_URL",
	"resend.from":                 "EMAIL_FROM",
	"resend.admin_email":          "ADMIN_EMAIL",
	"resend.timeout":              "RESEND_TIMEOUT",
	"resend.max_retries":          "RESEND_MAX_RETRIES",
	"resend.retry_delay":          "RESEND_RETRY_DELAY",
	"saga.delivery_fallback":      "DELIVERY_FALLBACK",
	"saga.tracking_poll_interval": "TRACKING_POLL_INTERVAL",
	"saga.tracking_batch_size":    "TRACKING_BATCH_SIZE",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service_name", "shipment-service")
	v.SetDefault("http_addr", ":8085")
	v.SetDefault("grpc_addr", ":50055")
	v.SetDefault("jwt_secret", "")
	v.SetDefault("frontend_url", "https://quickship.africa")
	v.SetDefault("jaeger_endpoint", "http://localhost:14268/api/traces")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.password", "postgres")
	v.SetDefault("database.name", "shipmentdb")
	v.SetDefault("database.sslmode", "disable")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.rate_ttl", 5*time.Minute)

	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.shipment_topic", "shipment_events")
	v.SetDefault("kafka.tracking_topic", "carrier_tracking_events")
	v.SetDefault("kafka.group_id", "shipment-service")

	v.SetDefault("paystack.secret_key", "")
	v.SetDefault("paystack.base_url", "https://api.paystack.co")
	v.SetDefault("paystack.timeout", 15*time.Second)
	v.SetDefault("paystack.max_attempts", 3)

	v.SetDefault("terminal.secret_key", "")
	v.SetDefault("terminal.base_url", "https://api.terminal.africa/v1")
	v.SetDefault("terminal.timeout", 30*time.Second)
	v.SetDefault("terminal.max_attempts", 3)

	v.SetDefault("resend.api_key", "")
	v.SetDefault("resend.base_url", "https://api.resend.com")
	v.SetDefault("resend.from", "QuickShipAfrica <sales@quickship.africa>")
	v.SetDefault("resend.admin_email", "info@quickship.africa")
	v.SetDefault("resend.timeout", 10*time.Second)
	v.SetDefault("resend.max_retries", 2)
	v.SetDefault("resend.retry_delay", time.Second)

	v.SetDefault("saga.delivery_fallback", 5*24*time.Hour)
	v.SetDefault("saga.tracking_poll_interval", 10*time.Minute)
	v.SetDefault("saga.tracking_batch_size", 50)
}

// Load reads defaults, an optional file named by CONFIG_FILE, and the
// environment, in increasing precedence.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", env, err)
		}
	}
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.BindEnv("config_file", "CONFIG_FILE"); err != nil {
		return nil, fmt.Errorf("failed to bind CONFIG_FILE: %w", err)
	}
	if path := v.GetString("config_file"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if c.Saga.DeliveryFallback <= 0 {
		return fmt.Errorf("saga.delivery_fallback must be positive")
	}
	if c.Terminal.MaxAttempts < 1 || c.Paystack.MaxAttempts < 1 {
		return fmt.Errorf("max_attempts must be at least 1")
	}
	if c.Resend.MaxRetries < 0 {
		return fmt.Errorf("resend.max_retries must not be negative")
	}
	if len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("at least one kafka broker is required")
	}
	return nil
}

const (
	// retryBackoffAllowance covers the sleeps between attempts of one
	// retried provider call.
	retryBackoffAllowance = 15 * time.Second
	shutdownMargin        = 5 * time.Second
)

// ShutdownTimeout is how long shutdown waits for in-flight requests. It is an
// upper bound on one booking saga with every retry spent: verify and refund
// at the gateway, create, purchase and cancel at the carrier, and the three
// booking emails.
func (c *Config) ShutdownTimeout() time.Duration {
	gateway := c.Paystack.Timeout*attempts(c.Paystack.MaxAttempts) + retryBackoffAllowance
	carrier := c.Terminal.Timeout*attempts(c.Terminal.MaxAttempts) + retryBackoffAllowance
	mail := (c.Resend.Timeout + c.Resend.RetryDelay) * attempts(c.Resend.MaxRetries)
	return 2*gateway + 3*carrier + 3*mail + shutdownMargin
}

func attempts(n int) time.Duration {
	if n < 1 {
		return 1
	}
	return time.Duration(n)
}
