// Package config loads the broadcaster's configuration surface from the
// environment, the same way the teacher's root config.go does: struct tags
// parsed by caarlos0/env, an optional .env file via joho/godotenv, and a
// Validate pass that rejects nonsensical combinations before the server
// binds a listener.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds every setting the broadcaster needs to start serving
// connections. Tags:
//
//	env:        environment variable name
//	envDefault: default value if unset
type Config struct {
	Addr string `env:"BROADCASTER_ADDR" envDefault:":8443"`

	NATSURL          string        `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSMaxReconnect int           `env:"NATS_MAX_RECONNECT" envDefault:"60"`
	NATSReconnectWait time.Duration `env:"NATS_RECONNECT_WAIT" envDefault:"2s"`

	KafkaBrokers      string        `env:"KAFKA_BROKERS" envDefault:"localhost:19092"`
	KafkaArchiveTopic string        `env:"KAFKA_ARCHIVE_TOPIC" envDefault:"pubsub-notifications"`
	KafkaHTTPTimeout  time.Duration `env:"KAFKA_HTTP_TIMEOUT" envDefault:"5s"`

	JWTSigningKeyPath string `env:"JWT_SIGNING_KEY_PATH,required"`

	MaxConnections int `env:"BROADCASTER_MAX_CONNECTIONS" envDefault:"500"`

	CPULimit           float64 `env:"BROADCASTER_CPU_LIMIT" envDefault:"1.0"`
	CPURejectThreshold float64 `env:"BROADCASTER_CPU_REJECT_THRESHOLD" envDefault:"75.0"`
	CPUPauseThreshold  float64 `env:"BROADCASTER_CPU_PAUSE_THRESHOLD" envDefault:"80.0"`

	MaxNotifyRate int `env:"BROADCASTER_MAX_NOTIFY_RATE" envDefault:"1000"`

	MessageBodySpoolSize            int           `env:"SESSION_SPOOL_SIZE_BYTES" envDefault:"16777216"`
	OutgoingMaxWSMessageSize         int           `env:"SESSION_MAX_WS_MESSAGE_SIZE" envDefault:"16777216"`
	WebsocketAcceptTimeout           time.Duration `env:"SESSION_ACCEPT_TIMEOUT" envDefault:"5s"`
	WebsocketLargeDirectSendTimeout  time.Duration `env:"SESSION_LARGE_DIRECT_SEND_TIMEOUT" envDefault:"0s"`
	WebsocketMaxPendingSends         int           `env:"SESSION_MAX_PENDING_SENDS" envDefault:"64"`
	WebsocketMaxUnprocessedReceives  int           `env:"SESSION_MAX_UNPROCESSED_RECEIVES" envDefault:"64"`
	WebsocketSendMaxUnacknowledged   int           `env:"SESSION_MAX_UNACKNOWLEDGED" envDefault:"32"`
	WebsocketMinimalHeaders          bool          `env:"SESSION_MINIMAL_HEADERS" envDefault:"false"`

	CompressionAllowed               bool          `env:"COMPRESSION_ALLOWED" envDefault:"true"`
	AllowTraining                    bool          `env:"COMPRESSION_ALLOW_TRAINING" envDefault:"true"`
	CompressionMinSize               uint32        `env:"COMPRESSION_MIN_SIZE" envDefault:"128"`
	CompressionTrainedMaxSize        uint32        `env:"COMPRESSION_TRAINED_MAX_SIZE" envDefault:"1048576"`
	CompressionTrainingLowWatermark  uint64        `env:"COMPRESSION_TRAINING_LOW_WATERMARK" envDefault:"1048576"`
	CompressionTrainingHighWatermark uint64        `env:"COMPRESSION_TRAINING_HIGH_WATERMARK" envDefault:"16777216"`
	CompressionRetrainInterval       time.Duration `env:"COMPRESSION_RETRAIN_INTERVAL" envDefault:"1h"`
	DecompressionMaxWindowSize       int           `env:"COMPRESSION_MAX_WINDOW_SIZE" envDefault:"8388608"`

	MetricsInterval time.Duration `env:"METRICS_INTERVAL" envDefault:"15s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	Environment string `env:"ENVIRONMENT" envDefault:"development"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, validates it, and returns the result. Priority matches the
// teacher: real env vars override .env file values, which override
// envDefault tags.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using process environment only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config: parsing environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validation: %w", err)
	}
	return cfg, nil
}

// Validate rejects configuration combinations that would make the server
// misbehave rather than fail fast at startup.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("BROADCASTER_ADDR is required")
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("BROADCASTER_MAX_CONNECTIONS must be > 0, got %d", c.MaxConnections)
	}
	if c.CPURejectThreshold < 0 || c.CPURejectThreshold > 100 {
		return fmt.Errorf("BROADCASTER_CPU_REJECT_THRESHOLD must be 0-100, got %.1f", c.CPURejectThreshold)
	}
	if c.CPUPauseThreshold < c.CPURejectThreshold {
		return fmt.Errorf("BROADCASTER_CPU_PAUSE_THRESHOLD (%.1f) must be >= BROADCASTER_CPU_REJECT_THRESHOLD (%.1f)",
			c.CPUPauseThreshold, c.CPURejectThreshold)
	}
	if c.AllowTraining && !c.CompressionAllowed {
		return fmt.Errorf("COMPRESSION_ALLOW_TRAINING requires COMPRESSION_ALLOWED=true")
	}
	if c.CompressionTrainingHighWatermark < c.CompressionTrainingLowWatermark {
		return fmt.Errorf("COMPRESSION_TRAINING_HIGH_WATERMARK must be >= COMPRESSION_TRAINING_LOW_WATERMARK")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.LogLevel] {
		return fmt.Errorf("LOG_LEVEL must be one of debug, info, warn, error (got %q)", c.LogLevel)
	}
	validFormats := map[string]bool{"json": true, "pretty": true}
	if !validFormats[c.LogFormat] {
		return fmt.Errorf("LOG_FORMAT must be one of json, pretty (got %q)", c.LogFormat)
	}
	return nil
}

// LogConfig emits the loaded configuration as one structured log line.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("environment", c.Environment).
		Str("addr", c.Addr).
		Str("nats_url", c.NATSURL).
		Str("kafka_brokers", c.KafkaBrokers).
		Int("max_connections", c.MaxConnections).
		Float64("cpu_limit", c.CPULimit).
		Float64("cpu_reject_threshold", c.CPURejectThreshold).
		Float64("cpu_pause_threshold", c.CPUPauseThreshold).
		Bool("compression_allowed", c.CompressionAllowed).
		Bool("allow_training", c.AllowTraining).
		Dur("metrics_interval", c.MetricsInterval).
		Str("log_level", c.LogLevel).
		Str("log_format", c.LogFormat).
		Msg("broadcaster configuration loaded")
}

// SessionConfig projects the fields the session engine actually consumes
// into a session.Config-shaped value (kept here, not in internal/session,
// so that package stays free of a dependency on env parsing).
func (c *Config) SessionConfig() SessionFields {
	return SessionFields{
		MessageBodySpoolSize:             c.MessageBodySpoolSize,
		OutgoingMaxWSMessageSize:         c.OutgoingMaxWSMessageSize,
		WebsocketAcceptTimeout:           c.WebsocketAcceptTimeout,
		WebsocketLargeDirectSendTimeout:  c.WebsocketLargeDirectSendTimeout,
		WebsocketMaxPendingSends:         c.WebsocketMaxPendingSends,
		WebsocketMaxUnprocessedReceives:  c.WebsocketMaxUnprocessedReceives,
		WebsocketSendMaxUnacknowledged:   c.WebsocketSendMaxUnacknowledged,
		WebsocketMinimalHeaders:          c.WebsocketMinimalHeaders,
		CompressionAllowed:               c.CompressionAllowed,
		AllowTraining:                    c.AllowTraining,
		CompressionMinSize:               c.CompressionMinSize,
		CompressionTrainedMaxSize:        c.CompressionTrainedMaxSize,
		CompressionTrainingLowWatermark:  c.CompressionTrainingLowWatermark,
		CompressionTrainingHighWatermark: c.CompressionTrainingHighWatermark,
		CompressionRetrainInterval:       c.CompressionRetrainInterval,
		DecompressionMaxWindowSize:       c.DecompressionMaxWindowSize,
	}
}

// SessionFields mirrors session.Config's shape field-for-field so cmd/broadcaster
// can convert without this package importing internal/session.
type SessionFields struct {
	MessageBodySpoolSize             int
	OutgoingMaxWSMessageSize         int
	WebsocketAcceptTimeout           time.Duration
	WebsocketLargeDirectSendTimeout  time.Duration
	WebsocketMaxPendingSends         int
	WebsocketMaxUnprocessedReceives  int
	WebsocketSendMaxUnacknowledged   int
	WebsocketMinimalHeaders          bool
	CompressionAllowed               bool
	AllowTraining                    bool
	CompressionMinSize               uint32
	CompressionTrainedMaxSize        uint32
	CompressionTrainingLowWatermark  uint64
	CompressionTrainingHighWatermark uint64
	CompressionRetrainInterval       time.Duration
	DecompressionMaxWindowSize       int
}
