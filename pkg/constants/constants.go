package constants

import "time"

// Timeouts and delays
const (
	// ShutdownTimeout bounds each shutdown step (pool drain, session release, server stop)
	ShutdownTimeout = 5 * time.Second
	// StatusRequestTimeout is the timeout for the status command's gateway query
	StatusRequestTimeout = 5 * time.Second
	// ReplyTimeout bounds a reply sent by a built-in handler or admin command
	ReplyTimeout = 10 * time.Second
)

// Metrics server endpoints
const (
	// MetricsPath serves Prometheus metrics
	MetricsPath = "/metrics"
	// HealthPath serves the runtime state as JSON
	HealthPath = "/healthz"
)

// Token masking
const (
	// MinTokenLengthForMasking is the minimum token length to apply masking
	MinTokenLengthForMasking = 10
	// TokenMaskPrefixLength is the length of prefix to show before masking
	TokenMaskPrefixLength = 4
	// TokenMaskSuffixLength is the length of suffix to show after masking
	TokenMaskSuffixLength = 4
)

// Built-in command prefixes handled by the start command
const (
	// EchoPrefix asks the bot to repeat the rest of the message
	EchoPrefix = "/echo "
	// SwitchPrefix starts a group switch admin command
	SwitchPrefix = "/switch"
	// BlacklistPrefix starts a blacklist admin command
	BlacklistPrefix = "/blacklist"
)
