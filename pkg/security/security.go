// Package security provides validation, sanitization, and limits for the route pipeline.
package security

import (
	"regexp"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Limits
const (
	// MaxJobTypeNameLength is the maximum length for job kinds
	MaxJobTypeNameLength = 255

	// MaxJobArgsSize is the maximum size in bytes for job payloads (1MB)
	MaxJobArgsSize = 1 << 20

	// MaxAttempts is the hard limit for delivery attempts
	MaxAttempts = 100

	// MaxConcurrency is the hard limit for worker concurrency
	MaxConcurrency = 1000

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxQueueNameLength is the maximum length for lane names
	MaxQueueNameLength = 255

	// MaxUniqueKeyLength is the maximum length for unique keys
	MaxUniqueKeyLength = 255

	// MinIdempotencyTTL and MaxIdempotencyTTL bound how long keys are honoured
	MinIdempotencyTTL = time.Hour
	MaxIdempotencyTTL = 10 * 365 * 24 * time.Hour

	// MaxErrorPreviewLength bounds upstream response bodies quoted in errors
	MaxErrorPreviewLength = 160
)

// validJobTypeName matches alphanumeric, hyphens, underscores, and dots
var validJobTypeName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobTypeName validates a job kind
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

// ValidateQueueName validates a lane name
func ValidateQueueName(name string) error {
	if name == "" {
		return core.ErrInvalidQueueName
	}
	if len(name) > MaxQueueNameLength {
		return core.ErrQueueNameTooLong
	}
	if !validJobTypeName.MatchString(name) {
		return core.ErrInvalidQueueName
	}
	return nil
}

// ValidateUniqueKey validates a unique key length
func ValidateUniqueKey(key string) error {
	if len(key) > MaxUniqueKeyLength {
		return core.ErrUniqueKeyTooLong
	}
	return nil
}

// NormalizeIdempotencyKey parses a client key. Empty input yields "".
func NormalizeIdempotencyKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", nil
	}
	id, err := uuid.Parse(key)
	if err != nil {
		return "", core.ErrInvalidIdempotency
	}
	return id.String(), nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	return truncate(stripControl(msg), MaxErrorMessageLength)
}

// Preview compacts whitespace in an upstream body and keeps its first
// MaxErrorPreviewLength characters, marking a cut with "...".
func Preview(body string) string {
	compact := strings.Join(strings.Fields(stripControl(body)), " ")
	if utf8.RuneCountInString(compact) <= MaxErrorPreviewLength {
		return compact
	}
	return string([]rune(compact)[:MaxErrorPreviewLength]) + "..."
}

func stripControl(msg string) string {
	if msg == "" {
		return ""
	}

	var sanitized strings.Builder
	sanitized.Grow(len(msg))

	for _, r := range msg {
		if r == '\n' || r == '\r' || r == '\t' || (r >= 32 && r != 127) {
			sanitized.WriteRune(r)
		}
	}
	return sanitized.String()
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	runes := []rune(s)
	return string(runes[:limit-3]) + "..."
}

// ClampAttempts ensures the attempt budget is within limits
func ClampAttempts(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxAttempts {
		return MaxAttempts
	}
	return n
}

// ClampConcurrency ensures concurrency is within limits
func ClampConcurrency(n int) int {
	if n < 1 {
		return 1
	}
	if n > MaxConcurrency {
		return MaxConcurrency
	}
	return n
}

// ClampIdempotencyTTL keeps the idempotency window within [1h, 10y].
func ClampIdempotencyTTL(d time.Duration) time.Duration {
	if d < MinIdempotencyTTL {
		return MinIdempotencyTTL
	}
	if d > MaxIdempotencyTTL {
		return MaxIdempotencyTTL
	}
	return d
}
