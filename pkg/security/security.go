package security

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/docstream/workgate/pkg/job"
)

// Submission limits
const (
	// MaxJobNameLength is the maximum length for job names
	MaxJobNameLength = 255

	// MaxExecutorNameLength is the maximum length for executor names
	MaxExecutorNameLength = 255

	// MaxPayloadSize is the maximum size in bytes for a job payload (1MB)
	MaxPayloadSize = 1 << 20

	// MaxRetries is the hard limit for retry attempts
	MaxRetries = 100

	// MaxErrorMessageLength is the maximum length for stored error messages
	MaxErrorMessageLength = 4096

	// MaxUniqueKeyLength is the maximum length for unique keys
	MaxUniqueKeyLength = 255
)

// validName matches alphanumeric, hyphens, underscores, and dots
var validName = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_\-\.]*$`)

// ValidateJobName validates a job name
func ValidateJobName(name string) error {
	if name == "" || !validName.MatchString(name) {
		return &job.ValidationError{Field: "name", Reason: "must start with a letter and contain only letters, digits, '_', '-', '.'"}
	}
	if len(name) > MaxJobNameLength {
		return &job.ValidationError{Field: "name", Reason: "too long"}
	}
	return nil
}

// ValidateExecutorName validates an executor name
func ValidateExecutorName(name string) error {
	if name == "" || !validName.MatchString(name) {
		return &job.ValidationError{Field: "executor", Reason: "must start with a letter and contain only letters, digits, '_', '-', '.'"}
	}
	if len(name) > MaxExecutorNameLength {
		return &job.ValidationError{Field: "executor", Reason: "too long"}
	}
	return nil
}

// ValidatePayload bounds the payload size
func ValidatePayload(data []byte, max int) error {
	if max <= 0 {
		max = MaxPayloadSize
	}
	if len(data) > max {
		return &job.ValidationError{Field: "data", Reason: "payload too large"}
	}
	return nil
}

// ValidateUniqueKey validates a unique key length
func ValidateUniqueKey(key string) error {
	if len(key) > MaxUniqueKeyLength {
		return &job.ValidationError{Field: "unique_key", Reason: "too long"}
	}
	return nil
}

// SanitizeErrorMessage truncates and sanitizes error messages for storage
func SanitizeErrorMessage(msg string) string {
	if msg == "" {
		return ""
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

	// Truncate if too long
	if utf8.RuneCountInString(result) > MaxErrorMessageLength {
		runes := []rune(result)
		result = string(runes[:MaxErrorMessageLength-3]) + "..."
	}

	return result
}

// ClampRetries ensures retry count is within limits
func ClampRetries(n int) int {
	if n < 0 {
		return 0
	}
	if n > MaxRetries {
		return MaxRetries
	}
	return n
}

// HashedKey derives a dedup key from a job's name and payload, for
// submissions that opt into dedup without naming their own key.
func HashedKey(name string, payload []byte) string {
	h := sha256.New()
	h.Write([]byte(name))
	h.Write([]byte{0})
	h.Write(payload)
	return "sha256:" + hex.EncodeToString(h.Sum(nil))
}
