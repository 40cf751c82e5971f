package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	AppConfig
	DataBaseConfig
	SenderConfig
	StatsConfig
	TransportConfig
	DeliveryLogConfig
	TokenConfig
	WebhookConfig
	QueueConfig
	RedisConfig
	LoggerConfig
}

type AppConfig struct {
	Addr           string `envconfig:"APP_ADDR" default:":8080"`
	PublicBase     string `envconfig:"APP_PUBLIC_BASE" default:"http://localhost:8080"` // base for /t/u and /t/c links
	TrackingDomain string `envconfig:"APP_TRACKING_DOMAIN" default:"track.motorical.com"`
}

type DataBaseConfig struct {
	Host         string `envconfig:"DB_HOST" default:"localhost"`
	Port         string `envconfig:"DB_PORT" default:"5432"`
	Name         string `envconfig:"DB_NAME" default:"commsblock"`
	User         string `envconfig:"DB_USER" default:"postgres"`
	Password     string `envconfig:"DB_PASSWORD" default:""`
	SSLMode      string `envconfig:"DB_SSLMODE" default:"disable"`
	MaxOpenConns int    `envconfig:"DB_MAX_OPEN_CONNS" default:"10"`
}

// DSN builds a lib/pq connection string.
func (c DataBaseConfig) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Name, c.SSLMode)
}

type SenderConfig struct {
	TickInterval        time.Duration `envconfig:"SENDER_TICK_INTERVAL" default:"5s"`
	HeartbeatInterval   time.Duration `envconfig:"SENDER_HEARTBEAT_INTERVAL" default:"30s"`
	FromAddress         string        `envconfig:"SENDER_FROM_ADDRESS" default:"no-reply@motorical.com"`
	UnsubMailto         string        `envconfig:"SENDER_UNSUB_MAILTO" default:"unsubscribe@motorical.com"`
	MaxAttempts         int           `envconfig:"SENDER_MAX_ATTEMPTS" default:"3"`
	BackoffBase         time.Duration `envconfig:"SENDER_BACKOFF_BASE" default:"500ms"`
	RatePerSecond       float64       `envconfig:"SENDER_RATE_PER_SECOND" default:"20"`
	LeaseTTL            time.Duration `envconfig:"SENDER_LEASE_TTL" default:"5m"`
	DefaultChunkSize    int           `envconfig:"SENDER_DEFAULT_CHUNK_SIZE" default:"100"`
	DefaultDelaySeconds int           `envconfig:"SENDER_DEFAULT_DELAY_SECONDS" default:"30"`
}

type StatsConfig struct {
	TickInterval      time.Duration `envconfig:"STATS_TICK_INTERVAL" default:"15s"`
	HeartbeatInterval time.Duration `envconfig:"STATS_HEARTBEAT_INTERVAL" default:"60s"`
	LogLimit          int           `envconfig:"STATS_LOG_LIMIT" default:"100"`
	RecentWindow      time.Duration `envconfig:"STATS_RECENT_WINDOW" default:"48h"`
	CampaignLimit     int           `envconfig:"STATS_CAMPAIGN_LIMIT" default:"50"`
}

type TransportConfig struct {
	APIBase      string        `envconfig:"MOTORICAL_API_BASE" default:""`
	APIKey       string        `envconfig:"MOTORICAL_API_KEY" default:""`
	SMTPHost     string        `envconfig:"SMTP_HOST" default:""`
	SMTPPort     int           `envconfig:"SMTP_PORT" default:"587"`
	SMTPUser     string        `envconfig:"SMTP_USER" default:""`
	SMTPPassword string        `envconfig:"SMTP_PASSWORD" default:""`
	SMTPImplicit bool          `envconfig:"SMTP_IMPLICIT_TLS" default:"false"`
	Timeout      time.Duration `envconfig:"TRANSPORT_TIMEOUT" default:"15s"`
}

type DeliveryLogConfig struct {
	PublicAPIBase  string  `envconfig:"MOTORICAL_PUBLIC_API_BASE" default:"https://api.motorical.com"`
	PublicAPIToken string  `envconfig:"MOTORICAL_PUBLIC_API_TOKEN" default:""`
	RatePerSecond  float64 `envconfig:"DELIVERY_LOG_RATE_PER_SECOND" default:"5"`
}

type TokenConfig struct {
	Secret   string        `envconfig:"SERVICE_JWT_SECRET" default:"dev-secret"`
	ClickTTL time.Duration `envconfig:"TOKEN_CLICK_TTL" default:"2160h"`
	UnsubTTL time.Duration `envconfig:"TOKEN_UNSUB_TTL" default:"720h"`
}

type WebhookConfig struct {
	Secret string `envconfig:"WEBHOOK_SECRET" default:""` // empty accepts unsigned webhooks
}

type QueueConfig struct {
	AMQPURL  string `envconfig:"AMQP_URL" default:""` // empty uses the in-memory queue
	Exchange string `envconfig:"AMQP_EXCHANGE" default:"email_events"`
}

type RedisConfig struct {
	Addr     string `envconfig:"REDIS_ADDR" default:""` // empty uses the process-local lease
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
}

type LoggerConfig struct {
	Level  string `envconfig:"LOG_LEVEL" default:"info"`
	Pretty bool   `envconfig:"LOG_PRETTY" default:"false"`
}

// Load reads the optional env files and then the process environment.
func Load(files ...string) (*Config, error) {
	if err := godotenv.Load(files...); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load env file: %w", err)
	}
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return cfg, nil
}
