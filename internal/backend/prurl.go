package backend

import (
	"regexp"
	"strconv"
)

// PRRef identifies a hosted pull request.
type PRRef struct {
	Owner  string
	Repo   string
	Number int
}

var prRefForms = []*regexp.Regexp{
	// https://github.com/owner/repo/pull/123 (optional trailing path)
	regexp.MustCompile(`^https://github\.com/([^/\s]+)/([^/\s]+)/pull/(\d+)(?:/.*)?$`),
	// owner/repo#123
	regexp.MustCompile(`^([^/\s#]+)/([^/\s#]+)#(\d+)$`),
	// owner/repo/pull/123
	regexp.MustCompile(`^([^/\s]+)/([^/\s]+)/pull/(\d+)$`),
}

// ParsePRRef parses the three canonical PR reference forms. Malformed input
// returns nil; the caller rejects it.
func ParsePRRef(ref string) *PRRef {
	for _, re := range prRefForms {
		m := re.FindStringSubmatch(ref)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[3])
		if err != nil || n <= 0 {
			return nil
		}
		return &PRRef{Owner: m[1], Repo: m[2], Number: n}
	}
	return nil
}
