package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"wagate/internal/constants"
	"wagate/internal/models"
	"wagate/internal/security"
	"wagate/internal/validation"
)

var (
	ErrMissingAPIBaseURL = models.ConfigError{Message: "missing WhatsApp API base URL"}
	ErrMissingDBPath     = models.ConfigError{Message: "missing database path"}
	ErrMissingRedisURL   = models.ConfigError{Message: "missing broker Redis URL"}
	ErrMissingSenders    = models.ConfigError{Message: "senders array is required and must contain at least one sender"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	applyEnvironmentOverrides(&config)

	// Perform security validation after environment overrides
	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.WhatsApp.APIBaseURL == "" {
		return ErrMissingAPIBaseURL
	}
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Broker.RedisURL == "" {
		return ErrMissingRedisURL
	}

	if len(c.WhatsApp.Senders) == 0 {
		return ErrMissingSenders
	}

	seen := make(map[string]bool)
	for i, sender := range c.WhatsApp.Senders {
		if sender.PhoneNumberID == "" {
			return models.ConfigError{Message: fmt.Sprintf("empty phone number id in sender %d", i)}
		}
		if seen[sender.PhoneNumberID] {
			return models.ConfigError{Message: fmt.Sprintf("duplicate sender phone number id: %s", sender.PhoneNumberID)}
		}
		seen[sender.PhoneNumberID] = true
	}

	for _, token := range c.Realtime.ViewerTokens {
		if err := validation.ValidateViewerToken(token); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid viewer token: %v", err)}
		}
	}

	if c.WhatsApp.APIVersion == "" {
		c.WhatsApp.APIVersion = constants.DefaultGraphAPIVersion
	}
	if c.WhatsApp.TimeoutSec <= 0 {
		c.WhatsApp.TimeoutSec = constants.DefaultWhatsAppTimeoutSec
	}

	if c.Broker.QueueName == "" {
		c.Broker.QueueName = constants.DefaultSendQueueName
	}
	if c.Broker.JobStateTTLSec <= 0 {
		c.Broker.JobStateTTLSec = constants.DefaultJobStateTTLSec
	}

	if c.Dispatch.WorkerPoolSize <= 0 {
		c.Dispatch.WorkerPoolSize = constants.DefaultWorkerPoolSize
	}
	if c.Dispatch.MaxAttempts <= 0 {
		c.Dispatch.MaxAttempts = constants.DefaultMaxSendAttempts
	}
	if c.Dispatch.WatchdogIntervalSec <= 0 {
		c.Dispatch.WatchdogIntervalSec = constants.DefaultWatchdogIntervalSec
	}
	if c.Dispatch.StuckThresholdSec <= 0 {
		c.Dispatch.StuckThresholdSec = constants.DefaultStuckThresholdSec
	}
	if c.Dispatch.ProcessingReclaimSec <= 0 {
		c.Dispatch.ProcessingReclaimSec = constants.DefaultProcessingReclaimSec
	}
	if c.Dispatch.WatchdogBatchSize <= 0 {
		c.Dispatch.WatchdogBatchSize = constants.DefaultWatchdogBatchSize
	}
	if c.Dispatch.DequeueBlockSec <= 0 {
		c.Dispatch.DequeueBlockSec = constants.DefaultDequeueBlockSec
	}

	if c.Realtime.HeartbeatIntervalSec <= 0 {
		c.Realtime.HeartbeatIntervalSec = constants.DefaultHeartbeatIntervalSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultDatabaseRetryAttempts
	}

	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.CleanupIntervalHours <= 0 {
		c.Server.CleanupIntervalHours = constants.DefaultCleanupIntervalHours
	}

	if c.RetentionDays <= 0 {
		c.RetentionDays = constants.DefaultRetentionDays
	}

	return nil
}

func applyEnvironmentOverrides(c *models.Config) {
	if url := os.Getenv("WHATSAPP_API_URL"); url != "" {
		c.WhatsApp.APIBaseURL = url
	}

	// SECURITY: credentials are supplied via environment only, never the file
	if token := os.Getenv("WAGATE_WHATSAPP_ACCESS_TOKEN"); token != "" {
		c.WhatsApp.AccessToken = token
	}
	if secret := os.Getenv("WAGATE_WHATSAPP_APP_SECRET"); secret != "" {
		c.WhatsApp.AppSecret = secret
	}
	if token := os.Getenv("WAGATE_WEBHOOK_VERIFY_TOKEN"); token != "" {
		c.WhatsApp.VerifyToken = token
	}

	if url := os.Getenv("WAGATE_REDIS_URL"); url != "" {
		c.Broker.RedisURL = url
	}

	if path := os.Getenv("DB_PATH"); path != "" {
		c.Database.Path = path
	}

	if port := os.Getenv("WAGATE_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil && p > 0 {
			c.Server.Port = p
		}
	}
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("WAGATE_ENV") == "production"

	if isProduction {
		if c.WhatsApp.AccessToken == "" {
			return models.ConfigError{Message: "WhatsApp access token is required in production (set WAGATE_WHATSAPP_ACCESS_TOKEN environment variable)"}
		}
		if c.WhatsApp.AppSecret == "" {
			return models.ConfigError{Message: "WhatsApp app secret is required in production (set WAGATE_WHATSAPP_APP_SECRET environment variable)"}
		}
		if len(c.WhatsApp.AppSecret) < 32 {
			return models.ConfigError{Message: "WhatsApp app secret must be at least 32 characters long"}
		}
		if c.WhatsApp.VerifyToken == "" {
			return models.ConfigError{Message: "webhook verify token is required in production (set WAGATE_WEBHOOK_VERIFY_TOKEN environment variable)"}
		}

		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else {
		if c.WhatsApp.AppSecret == "" {
			fmt.Fprintf(os.Stderr, "WARNING: WhatsApp app secret not set. Set WAGATE_WHATSAPP_APP_SECRET environment variable to enable webhook signature verification.\n")
		}
	}

	return nil
}
