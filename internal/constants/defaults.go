package constants

// Default dispatch / watchdog configuration values
const (
	DefaultWatchdogIntervalSec  = 30
	DefaultStuckThresholdSec    = 120
	DefaultProcessingReclaimSec = 600
	DefaultWatchdogBatchSize    = 50
	DefaultMaxSendAttempts      = 3
	DefaultWorkerPoolSize       = 4
	DefaultDequeueBlockSec      = 5
	DefaultJobStateTTLSec       = 86400
	DefaultSendQueueName        = "outbound-sends"
	DefaultRetentionDays        = 30
	DefaultCleanupIntervalHours = 24
)

// WhatsApp Cloud API defaults
const (
	DefaultGraphAPIVersion    = "v21.0"
	DefaultWhatsAppTimeoutSec = 30
)

// Session window
const (
	SessionWindowHours = 24
)

// Default timeout values
const (
	DefaultHTTPTimeoutSec        = 30
	DefaultDatabaseRetryAttempts = 3
	DefaultRetryBackoffMs        = 1000
	DefaultMaxBackoffMs          = 60000
	DefaultGracefulShutdownSec   = 30
	DefaultServerReadTimeoutSec  = 15
	DefaultServerWriteTimeoutSec = 15
	DefaultServerIdleTimeoutSec  = 60
	DefaultServerPort            = 8084
	DefaultBrokerPingTimeoutSec  = 3

	DefaultWebhookProcessTimeoutSec = 60
	DefaultMediaFetchTimeoutSec     = 30
)

// Realtime defaults
const (
	DefaultHeartbeatIntervalSec = 30
	DefaultWriteTimeoutSec      = 10
	MaxFrameBytes               = 4096
	ViewerSendBuffer            = 64
)

// Validation limits
const (
	MinRecipientLength  = 7
	MaxRecipientLength  = 20
	MaxTemplateNameLen  = 512
	MaxMessageIDLength  = 256
	MaxWebhookBodyBytes = 3 << 20

	MinViewerTokenLength = 16
)

// Encryption parameters
const (
	EncryptionSalt       = "wagate-field-encryption-v1"
	EncryptionLookupSalt = "wagate-lookup-v1"
	EncryptionKeySize    = 32
	EncryptionNonceSize  = 12
	EncryptionIterations = 100000
)

// Privacy settings
const (
	PhoneMaskVisibleDigits = 4
)

// Server internals
const (
	ServerErrorChannelSize = 1
)
