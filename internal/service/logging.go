package service

// Standard logging field names. Use these exact names so log lines stay
// greppable across components.
const (
	LogFieldRecordID    = "record_id"
	LogFieldJobID       = "job_id"
	LogFieldQueue       = "queue"
	LogFieldSenderID    = "sender_id"
	LogFieldRecipient   = "recipient"
	LogFieldMessageID   = "message_id"
	LogFieldStatus      = "status"
	LogFieldEventType   = "event_type"
	LogFieldRemoteIP    = "remote_ip"
	LogFieldErrorCode   = "error_code"
	LogFieldAttempt     = "attempt"
	LogFieldCount       = "count"
	LogFieldDuration    = "duration_ms"
	LogFieldIdempotency = "idempotency_key"

	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldStatusCode = "status_code"
	LogFieldUserAgent  = "user_agent"
	LogFieldSize       = "size_bytes"
)
