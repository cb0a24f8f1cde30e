package session

import (
	"strings"

	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
)

// Staleness classifies how a comment's anchor line relates to current code.
type Staleness string

const (
	StaleFresh   Staleness = "fresh"
	StaleShifted Staleness = "shifted"
	StaleChanged Staleness = "changed"
)

// shiftWindow bounds how far a context line may move and still count as a
// shift rather than a change.
const shiftWindow = 5

// computeStaleness classifies the anchor comment against the current file
// content. ok reports whether the file still exists; a deleted file is
// always "changed".
func computeStaleness(anchor *store.Comment, content string, ok bool) Staleness {
	if anchor.LineContentHash == "" {
		return ""
	}
	if !ok {
		return StaleChanged
	}

	lines := git.ExtractLines(content, 1, 1<<30)
	if anchor.Line >= 1 && anchor.Line <= len(lines) {
		if util.SHA256Hex(lines[anchor.Line-1]) == anchor.LineContentHash {
			return StaleFresh
		}
	}

	// The anchored line changed. If the recorded line or any captured
	// context line still appears near the anchor, the comment has merely
	// shifted.
	candidates := snippetLines(anchor.LineContent)
	candidates = append(candidates, snippetLines(anchor.ContextBefore)...)
	candidates = append(candidates, snippetLines(anchor.ContextAfter)...)
	if len(candidates) == 0 {
		return StaleChanged
	}

	lo := anchor.Line - shiftWindow
	hi := anchor.Line + shiftWindow
	if lo < 1 {
		lo = 1
	}
	if hi > len(lines) {
		hi = len(lines)
	}
	for i := lo; i <= hi; i++ {
		for _, cand := range candidates {
			if lines[i-1] == cand {
				return StaleShifted
			}
		}
	}
	return StaleChanged
}

// snippetLines splits a captured snippet into non-empty lines.
func snippetLines(snippet string) []string {
	if snippet == "" {
		return nil
	}
	var out []string
	for _, l := range strings.Split(snippet, "\n") {
		if strings.TrimSpace(l) != "" {
			out = append(out, l)
		}
	}
	return out
}
