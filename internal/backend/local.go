package backend

import (
	"context"

	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
)

// Local reviews the diff between a target branch and the working tree of a
// local repository. Comments live in the embedded store, keyed by the review
// session id.
type Local struct {
	git          *git.Git
	store        *store.Store
	reviewID     string // review session id comments are keyed by
	repoPath     string
	targetBranch string

	// untracked paths pulled into the review by registration or manual
	// addition; rendered as synthetic new-file diffs.
	untracked []string
}

// NewLocal builds a local backend for one session.
func NewLocal(g *git.Git, s *store.Store, reviewID, repoPath, targetBranch string, untracked []string) *Local {
	return &Local{
		git:          g,
		store:        s,
		reviewID:     reviewID,
		repoPath:     repoPath,
		targetBranch: targetBranch,
		untracked:    untracked,
	}
}

// SessionID returns "local:" + sha256(repoPath||targetBranch).
func (l *Local) SessionID() string {
	return "local:" + util.SHA256Hex(l.repoPath+"||"+l.targetBranch)
}

// SessionType reports the local variant.
func (l *Local) SessionType() store.BackendType {
	return store.BackendLocal
}

// SessionDescriptor returns display fields.
func (l *Local) SessionDescriptor() map[string]any {
	return map[string]any{
		"type":          string(store.BackendLocal),
		"repo_path":     l.repoPath,
		"target_branch": l.targetBranch,
	}
}

// ListFiles returns files changed against the target branch plus the
// session's in-scope untracked files.
func (l *Local) ListFiles(_ context.Context) ([]git.ChangedFile, error) {
	files := l.git.ChangedFiles(l.repoPath, l.targetBranch)
	seen := make(map[string]bool, len(files))
	for _, f := range files {
		seen[f.Path] = true
	}
	for _, path := range l.untracked {
		if !seen[path] {
			files = append(files, git.ChangedFile{Path: path, Status: git.StatusUntracked})
			seen[path] = true
		}
	}
	return files, nil
}

// GetDiff returns the merge-base diff plus synthetic diffs for in-scope
// untracked files.
func (l *Local) GetDiff(_ context.Context) (string, error) {
	return l.git.Diff(l.repoPath, l.targetBranch, l.untracked), nil
}

// GetFileContent reads from the target branch (base) or working tree (head).
func (l *Local) GetFileContent(_ context.Context, file string, side Side, rng *LineRange) (string, bool, error) {
	ref := ""
	if side == SideBase {
		ref = l.targetBranch
	}
	content, ok := l.git.FileContent(l.repoPath, ref, file)
	if !ok {
		return "", false, nil
	}
	if rng != nil {
		extracted, ok := ExtractLines(content, *rng)
		return extracted, ok, nil
	}
	return content, true, nil
}

// ListComments returns the session's stored comments in creation order.
func (l *Local) ListComments(_ context.Context) ([]*store.Comment, error) {
	return l.store.ListComments(l.reviewID, "")
}

// AddComment stores the comment under the review session.
func (l *Local) AddComment(_ context.Context, c *store.Comment) error {
	c.SessionID = l.reviewID
	return l.store.AddComment(c)
}

// ResolveComment marks a stored comment resolved.
func (l *Local) ResolveComment(_ context.Context, id string) error {
	return l.store.SetResolved(id, true)
}

// UnresolveComment reopens a stored comment.
func (l *Local) UnresolveComment(_ context.Context, id string) error {
	return l.store.SetResolved(id, false)
}
