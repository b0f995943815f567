package common

import (
	"os"
	"strings"

	"github.com/apex/log"
	"github.com/google/uuid"
)

// Component base structure for a Component
type Component struct {
	LogTags log.Fields
}

// CopyLogTags make a copy of the log tags which can be extended locally
func (c Component) CopyLogTags() log.Fields {
	result := log.Fields{}
	for k, v := range c.LogTags {
		result[k] = v
	}
	return result
}

// NewUAID mint a new user agent ID
func NewUAID() string {
	return strings.ReplaceAll(uuid.New().String(), "-", "")
}

// NormalizeUAID parse a client supplied user agent ID. Returns false if it is not valid.
func NormalizeUAID(raw string) (string, bool) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return strings.ReplaceAll(parsed.String(), "-", ""), true
}

// NormalizeCHID parse a client supplied channel ID. Returns false if it is not valid.
func NormalizeCHID(raw string) (string, bool) {
	parsed, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return parsed.String(), true
}

// GetUnitTestNatsURI NATS server to use in unit tests. Empty when not available.
func GetUnitTestNatsURI() string {
	return os.Getenv("UNITTEST_NATS_URI")
}

// GetUnitTestRedisURI Redis server to use in unit tests. Empty when not available.
func GetUnitTestRedisURI() string {
	return os.Getenv("UNITTEST_REDIS_URI")
}
