// Package security provides validation, sanitization, and limits for the job engine.
package security

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"llmarena/pkg/core"
)

// Limits and configuration
const (
	// MaxJobTypeNameLength is the maximum length for job type names
	MaxJobTypeNameLength = 255

	// MaxParamsSize is the maximum size in bytes for job parameters (1MB)
	MaxParamsSize = 1 << 20

	// MaxErrorMessageLength is the maximum length for stored error messages.
	// Clients only ever see messages at or below this cap.
	MaxErrorMessageLength = 500

	// MaxConcurrency is the hard limit for per-user running jobs
	MaxConcurrency = 64

	// MaxConnectionsPerUser is the hard limit for live client connections
	MaxConnectionsPerUser = 32
)

// validJobTypeName matches alphanumeric, hyphens, underscores, and dots
var validJobTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// secretPatterns match credential material that must never be persisted or
// reach the wire, even when an upstream error echoes a raw request.
var secretPatterns = []*regexp.Regexp{
	regexp.MustCompile(`sk-ant-[A-Za-z0-9\-_]{8,}`),       // Anthropic API keys
	regexp.MustCompile(`sk-[A-Za-z0-9\-_]{16,}`),          // OpenAI-style API keys
	regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+`), // Authorization headers
	regexp.MustCompile(`AKIA[0-9A-Z]{16}`),                // AWS access key ids
	regexp.MustCompile(`(?i)(api[_-]?key|token|secret)=[^\s&"']+`),
}

// ValidateJobTypeName validates a job type name
func ValidateJobTypeName(name string) error {
	if name == "" {
		return core.ErrInvalidJobTypeName
	}
	if len(name) > MaxJobTypeNameLength {
		return core.ErrJobTypeNameTooLong
	}
	if !validJobTypeName.MatchString(name) {
		return core.ErrInvalidJobTypeName
	}
	return nil
}

// SanitizeErrorMessage redacts secrets, strips control characters, and
// truncates the message before storage or broadcast.
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
	}

	for _, re := range secretPatterns {
		msg = re.ReplaceAllString(msg, "[REDACTED]")
	}

	// Remove any null bytes or control characters (except newlines)
	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}

	result := sanitized.String()

	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampProgress bounds a progress percentage to [0, 100].
func ClampProgress(pct int) int {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ClampConcurrency ensures a per-user limit is within bounds.
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampConnections ensures a per-user connection cap is within bounds.
func ClampConnections(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConnectionsPerUser {
		return MaxConnectionsPerUser
	}
	return n
}
