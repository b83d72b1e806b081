package models

// Config holds the application configuration
type Config struct {
	WhatsApp      WhatsAppConfig `json:"whatsapp"`
	Broker        BrokerConfig   `json:"broker"`
	Dispatch      DispatchConfig `json:"dispatch"`
	Database      DatabaseConfig `json:"database"`
	Realtime      RealtimeConfig `json:"realtime"`
	Retry         RetryConfig    `json:"retry"`
	Tracing       TracingConfig  `json:"tracing"`
	Server        ServerConfig   `json:"server"`
	LogLevel      string         `json:"log_level"`
	RetentionDays int            `json:"retentionDays"`
}

// WhatsAppConfig holds Cloud API related configuration. The access token and
// webhook app secret are supplied via environment only.
type WhatsAppConfig struct {
	APIBaseURL  string         `json:"api_base_url"`
	APIVersion  string         `json:"api_version"`
	TimeoutSec  int            `json:"timeout_sec"`
	VerifyToken string         `json:"verify_token"`
	AccessToken string         `json:"-"`
	AppSecret   string         `json:"-"`
	Senders     []SenderConfig `json:"senders"`
}

// SenderConfig is one sending identity (Cloud API phone number) the gateway
// operates on behalf of.
type SenderConfig struct {
	PhoneNumberID      string `json:"phone_number_id"`
	DisplayPhoneNumber string `json:"display_phone_number"`
}

// BrokerConfig holds job broker related configuration. RedisURL may be
// overridden by WAGATE_REDIS_URL.
type BrokerConfig struct {
	RedisURL       string `json:"redis_url"`
	QueueName      string `json:"queue_name"`
	JobStateTTLSec int    `json:"job_state_ttl_sec"`
}

// DispatchConfig holds dispatcher, watchdog and worker pool configuration.
type DispatchConfig struct {
	WorkerPoolSize       int `json:"worker_pool_size"`
	MaxAttempts          int `json:"max_attempts"`
	WatchdogIntervalSec  int `json:"watchdog_interval_sec"`
	StuckThresholdSec    int `json:"stuck_threshold_sec"`
	ProcessingReclaimSec int `json:"processing_reclaim_sec"`
	WatchdogBatchSize    int `json:"watchdog_batch_size"`
	DequeueBlockSec      int `json:"dequeue_block_sec"`
}

// DatabaseConfig holds database related configuration
type DatabaseConfig struct {
	Path string `json:"path"`
}

// RealtimeConfig holds viewer WebSocket configuration. Tokens are bearer
// credentials accepted at upgrade time; empty means the endpoint is disabled.
type RealtimeConfig struct {
	Enabled              bool     `json:"enabled"`
	ViewerTokens         []string `json:"viewer_tokens"`
	HeartbeatIntervalSec int      `json:"heartbeat_interval_sec"`
}

// RetryConfig holds backoff configuration for infrastructure retries.
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig holds OpenTelemetry configuration
type TracingConfig struct {
	Enabled        bool    `json:"enabled"`
	ServiceName    string  `json:"service_name"`
	ServiceVersion string  `json:"service_version"`
	Environment    string  `json:"environment"`
	OTLPEndpoint   string  `json:"otlp_endpoint"`
	SampleRate     float64 `json:"sample_rate"`
	UseStdout      bool    `json:"use_stdout"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port                 int `json:"port"`
	CleanupIntervalHours int `json:"cleanup_interval_hours"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
