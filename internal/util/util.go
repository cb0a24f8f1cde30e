// Package util provides small helpers shared across the review engine:
// hashing, token generation, timestamps and case conversion.
package util

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// SHA256Hex returns the lowercase hex SHA-256 digest of s.
func SHA256Hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

// SessionID derives the deterministic session id for a project/branch pair.
func SessionID(project, branch string) string {
	return SHA256Hex(project + "||" + branch)
}

// Base64URL encodes b as base64url without padding, the PKCE alphabet.
func Base64URL(b []byte) string {
	return base64.RawURLEncoding.EncodeToString(b)
}

// PKCEChallenge computes the S256 code challenge for a verifier.
func PKCEChallenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return Base64URL(sum[:])
}

// VerifyPKCE reports whether verifier satisfies the stored S256 challenge.
func VerifyPKCE(challenge, verifier string) bool {
	return challenge != "" && PKCEChallenge(verifier) == challenge
}

// NewID returns a random UUID string.
func NewID() string {
	return uuid.NewString()
}

// NewToken returns a URL-safe random token with the given entropy in bytes.
func NewToken(bytes int) string {
	if bytes <= 0 {
		bytes = 32
	}
	b := make([]byte, bytes)
	// crypto/rand.Read never fails on supported platforms
	_, _ = rand.Read(b)
	return Base64URL(b)
}

// NowISO returns the current UTC time in ISO-8601 with millisecond precision.
func NowISO() string {
	return FormatISO(time.Now())
}

// FormatISO formats t as ISO-8601 UTC with millisecond precision.
func FormatISO(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}

// ParseISO parses an ISO-8601 timestamp, accepting both millisecond and
// second precision. The zero time is returned for unparseable input.
func ParseISO(s string) time.Time {
	for _, layout := range []string{"2006-01-02T15:04:05.000Z", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}

// SnakeToCamel converts snake_case to camelCase. Already-camel input is
// returned unchanged.
func SnakeToCamel(s string) string {
	parts := strings.Split(s, "_")
	if len(parts) == 1 {
		return s
	}
	var b strings.Builder
	for i, p := range parts {
		if p == "" {
			continue
		}
		if i == 0 {
			b.WriteString(p)
			continue
		}
		r := []rune(p)
		r[0] = unicode.ToUpper(r[0])
		b.WriteString(string(r))
	}
	return b.String()
}

// CamelToSnake converts camelCase to snake_case.
func CamelToSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if unicode.IsUpper(r) {
			if i > 0 {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
