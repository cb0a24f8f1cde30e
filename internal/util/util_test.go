package util

import (
	"regexp"
	"testing"
)

func TestSessionID_Deterministic(t *testing.T) {
	hexRe := regexp.MustCompile(`^[0-9a-f]{64}$`)

	cases := [][2]string{
		{"myproj", "working"},
		{"owner/repo", "feature/x"},
		{"", ""},
	}
	for _, c := range cases {
		a := SessionID(c[0], c[1])
		b := SessionID(c[0], c[1])
		if a != b {
			t.Fatalf("SessionID(%q, %q) not deterministic: %s vs %s", c[0], c[1], a, b)
		}
		if !hexRe.MatchString(a) {
			t.Fatalf("SessionID(%q, %q) = %q, want 64 lowercase hex chars", c[0], c[1], a)
		}
	}

	if SessionID("a", "b") == SessionID("a", "c") {
		t.Fatal("different branches should produce different session ids")
	}
}

func TestPKCE_VerifyRoundTrip(t *testing.T) {
	verifier := NewToken(32)
	challenge := PKCEChallenge(verifier)

	if !VerifyPKCE(challenge, verifier) {
		t.Fatal("VerifyPKCE should accept the matching verifier")
	}
	if VerifyPKCE(challenge, verifier+"x") {
		t.Fatal("VerifyPKCE should reject a tampered verifier")
	}
	if VerifyPKCE("", verifier) {
		t.Fatal("VerifyPKCE should reject an empty challenge")
	}
}

func TestNewToken_URLSafe(t *testing.T) {
	tok := NewToken(32)
	if len(tok) != 43 { // 32 bytes base64url no pad
		t.Fatalf("token length = %d, want 43", len(tok))
	}
	if regexp.MustCompile(`[+/=]`).MatchString(tok) {
		t.Fatalf("token %q contains non-url-safe characters", tok)
	}
	if NewToken(32) == tok {
		t.Fatal("two tokens should not collide")
	}
}

func TestISOTimestamps(t *testing.T) {
	now := NowISO()
	re := regexp.MustCompile(`^\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}\.\d{3}Z$`)
	if !re.MatchString(now) {
		t.Fatalf("NowISO() = %q, want millisecond-precision ISO-8601", now)
	}

	parsed := ParseISO(now)
	if parsed.IsZero() {
		t.Fatalf("ParseISO(%q) returned zero time", now)
	}
	if FormatISO(parsed) != now {
		t.Fatalf("round trip = %q, want %q", FormatISO(parsed), now)
	}

	if !ParseISO("not a time").IsZero() {
		t.Fatal("ParseISO should return zero time for garbage")
	}
}

func TestCaseConversion(t *testing.T) {
	cases := []struct{ snake, camel string }{
		{"repo_path", "repoPath"},
		{"target_branch", "targetBranch"},
		{"line_content_hash", "lineContentHash"},
		{"plain", "plain"},
	}
	for _, c := range cases {
		if got := SnakeToCamel(c.snake); got != c.camel {
			t.Fatalf("SnakeToCamel(%q) = %q, want %q", c.snake, got, c.camel)
		}
		if got := CamelToSnake(c.camel); got != c.snake {
			t.Fatalf("CamelToSnake(%q) = %q, want %q", c.camel, got, c.snake)
		}
	}
}
