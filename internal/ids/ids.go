// Package ids provides entity-identifier generation: 128-bit UUIDs for
// durable records and the 8-hex "short ID" shown to humans (§3, §9).
package ids

import (
	"fmt"
	"strings"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/google/uuid"
)

// New returns a new lowercase-hyphenated UUID for a durable record
// (Agent, Envelope, AgentBinding, CronSchedule, AgentRun).
func New() string {
	return uuid.NewString()
}

// Short derives the 8-hex-character short ID shown to humans: the
// first 8 hex characters of the UUID with hyphens removed.
func Short(id string) string {
	stripped := strings.ReplaceAll(id, "-", "")
	if len(stripped) < 8 {
		return stripped
	}
	return stripped[:8]
}

const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// GenerateToken returns a 40-character opaque bearer token, used for
// agent tokens (plaintext at rest, per §9) and boss-token candidates
// before hashing.
func GenerateToken() string {
	tok, err := gonanoid.Generate(tokenAlphabet, 40)
	if err != nil {
		panic(fmt.Sprintf("ids: generate token: %v", err))
	}
	return tok
}

// HasPrefix reports whether id's short form (or the id itself) starts
// with the given prefix, case-insensitively. Used by lookups that
// accept either a full UUID or a short-ID prefix.
func HasPrefix(id, prefix string) bool {
	prefix = strings.ToLower(strings.ReplaceAll(prefix, "-", ""))
	stripped := strings.ToLower(strings.ReplaceAll(id, "-", ""))
	return strings.HasPrefix(stripped, prefix)
}
