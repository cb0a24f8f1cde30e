// Package pushgate validates any write-back to a remote against an
// operator-configured whitelist of repo and branch patterns.
package pushgate

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Gate holds the whitelist: repo pattern -> allowed branch patterns.
// An empty whitelist allows everything; with any entry, default is deny.
type Gate struct {
	whitelist map[string][]string
}

// Result is the outcome of a gate check.
type Result struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// New builds a gate from the configured whitelist.
func New(whitelist map[string][]string) *Gate {
	return &Gate{whitelist: whitelist}
}

var remoteForms = []*regexp.Regexp{
	// https://github.com/owner/repo[.git][/]
	regexp.MustCompile(`^https://github\.com/([^/\s]+)/([^/\s]+?)(?:\.git)?/?$`),
	// git@github.com:owner/repo[.git]
	regexp.MustCompile(`^git@github\.com:([^/\s]+)/([^/\s]+?)(?:\.git)?$`),
	// already normalised owner/repo
	regexp.MustCompile(`^([^/\s@:]+)/([^/\s@:]+)$`),
}

// NormalizeRemote reduces a remote URL to "owner/repo". Unrecognised input
// returns "".
func NormalizeRemote(url string) string {
	url = strings.TrimSpace(url)
	for _, re := range remoteForms {
		if m := re.FindStringSubmatch(url); m != nil {
			return m[1] + "/" + m[2]
		}
	}
	return ""
}

// PatternMatches reports whether the glob-like pattern matches s: '*' matches
// any run of characters, every other character is literal.
func PatternMatches(pattern, s string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(s)
}

var (
	patternMu    sync.Mutex
	patternCache = map[string]*regexp.Regexp{}
)

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.Lock()
	defer patternMu.Unlock()
	if re, ok := patternCache[pattern]; ok {
		return re, nil
	}
	var b strings.Builder
	b.WriteString("^")
	for i, part := range strings.Split(pattern, "*") {
		if i > 0 {
			b.WriteString(".*")
		}
		b.WriteString(regexp.QuoteMeta(part))
	}
	b.WriteString("$")
	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, err
	}
	patternCache[pattern] = re
	return re, nil
}

// Check evaluates repo/branch against the whitelist.
func (g *Gate) Check(repo, branch string) Result {
	if len(g.whitelist) == 0 {
		return Result{Allowed: true}
	}

	var branchPatterns []string
	for repoPattern, branches := range g.whitelist {
		if PatternMatches(repoPattern, repo) {
			branchPatterns = append(branchPatterns, branches...)
		}
	}
	if len(branchPatterns) == 0 {
		return Result{Allowed: false, Reason: fmt.Sprintf("repository %s is not whitelisted for push", repo)}
	}
	for _, bp := range branchPatterns {
		if PatternMatches(bp, branch) {
			return Result{Allowed: true}
		}
	}
	return Result{
		Allowed: false,
		Reason: fmt.Sprintf("branch %s is not whitelisted for %s (allowed: %s)",
			branch, repo, strings.Join(branchPatterns, ", ")),
	}
}

// PushTarget is a validated push destination.
type PushTarget struct {
	Repo   string `json:"repo"`
	Branch string `json:"branch"`
}

// ErrInvalidRemote marks an unparseable remote URL.
type ErrInvalidRemote struct{ URL string }

func (e *ErrInvalidRemote) Error() string {
	return fmt.Sprintf("invalid remote URL: %s", e.URL)
}

// ErrPermissionDenied marks a whitelist denial and carries the reason.
type ErrPermissionDenied struct{ Reason string }

func (e *ErrPermissionDenied) Error() string {
	return "push permission denied: " + e.Reason
}

// ValidatePush normalises the remote and runs the whitelist check. It is the
// single choke point before any write to a remote.
func (g *Gate) ValidatePush(remoteURL, branch string) (*PushTarget, error) {
	repo := NormalizeRemote(remoteURL)
	if repo == "" {
		return nil, &ErrInvalidRemote{URL: remoteURL}
	}
	if res := g.Check(repo, branch); !res.Allowed {
		return nil, &ErrPermissionDenied{Reason: res.Reason}
	}
	return &PushTarget{Repo: repo, Branch: branch}, nil
}
