// Package git shells out to the git binary for diff, branch and content
// operations. Non-zero exit codes are absorbed and surface as empty results;
// callers never see subprocess failures.
package git

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// FileStatus classifies an entry in a change list.
type FileStatus string

const (
	StatusAdded     FileStatus = "added"
	StatusModified  FileStatus = "modified"
	StatusDeleted   FileStatus = "deleted"
	StatusRenamed   FileStatus = "renamed"
	StatusUntracked FileStatus = "untracked"
)

// ChangedFile is one entry of a change list.
type ChangedFile struct {
	Path   string     `json:"path"`
	Status FileStatus `json:"status"`
}

// Git runs git subcommands in a repository working directory.
type Git struct {
	runner Runner
}

// New returns a Git adapter backed by the real git binary.
func New() *Git {
	return &Git{runner: &RealRunner{}}
}

// NewWithRunner returns a Git adapter with a custom runner, used in tests.
func NewWithRunner(r Runner) *Git {
	return &Git{runner: r}
}

// run executes git and returns trimmed stdout. Failures map to ("", false).
func (g *Git) run(dir string, args ...string) (string, bool) {
	out, err := g.runner.RunInDir(dir, "git", args...)
	if err != nil {
		return "", false
	}
	return strings.TrimRight(string(out), "\n"), true
}

// IsGitRepo reports whether path is inside a git work tree.
func (g *Git) IsGitRepo(path string) bool {
	out, ok := g.run(path, "rev-parse", "--is-inside-work-tree")
	return ok && strings.TrimSpace(out) == "true"
}

// CurrentBranch returns the checked-out branch, or "working" for non-repos
// and detached heads.
func (g *Git) CurrentBranch(path string) string {
	out, ok := g.run(path, "rev-parse", "--abbrev-ref", "HEAD")
	branch := strings.TrimSpace(out)
	if !ok || branch == "" || branch == "HEAD" {
		return "working"
	}
	return branch
}

// DetectDefaultBranch prefers the remote HEAD, then main, master, and finally
// the first local branch.
func (g *Git) DetectDefaultBranch(path string) string {
	if out, ok := g.run(path, "symbolic-ref", "refs/remotes/origin/HEAD"); ok {
		ref := strings.TrimSpace(out)
		if idx := strings.LastIndex(ref, "/"); idx >= 0 && idx < len(ref)-1 {
			return ref[idx+1:]
		}
	}
	for _, candidate := range []string{"main", "master"} {
		if g.BranchExists(path, candidate) {
			return candidate
		}
	}
	if branches := g.ListBranches(path); len(branches) > 0 {
		return branches[0]
	}
	return "main"
}

// ListBranches returns the local branch names.
func (g *Git) ListBranches(path string) []string {
	out, ok := g.run(path, "branch", "--format=%(refname:short)")
	if !ok || strings.TrimSpace(out) == "" {
		return nil
	}
	var branches []string
	for _, line := range strings.Split(out, "\n") {
		if b := strings.TrimSpace(line); b != "" {
			branches = append(branches, b)
		}
	}
	return branches
}

// BranchExists reports whether the named local branch exists.
func (g *Git) BranchExists(path, branch string) bool {
	_, ok := g.run(path, "rev-parse", "--verify", "--quiet", "refs/heads/"+branch)
	return ok
}

// RemoteURL returns the fetch URL of the named remote, or "".
func (g *Git) RemoteURL(path, remote string) string {
	if remote == "" {
		remote = "origin"
	}
	out, ok := g.run(path, "remote", "get-url", remote)
	if !ok {
		return ""
	}
	return strings.TrimSpace(out)
}

// Diff returns the merge-base diff between target and the working tree, with
// synthetic "new file" diffs appended for any untracked paths the caller has
// pulled into the review. Binary files are elided by git itself.
func (g *Git) Diff(path, target string, untracked []string) string {
	var parts []string
	if out, ok := g.run(path, "diff", target+"..."); ok && strings.TrimSpace(out) != "" {
		parts = append(parts, out)
	}
	for _, file := range untracked {
		if d := g.syntheticDiff(path, file); d != "" {
			parts = append(parts, strings.TrimRight(d, "\n"))
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "\n") + "\n"
}

// syntheticDiff renders an untracked file as a unified "new file" diff.
func (g *Git) syntheticDiff(path, file string) string {
	content, ok := g.workTreeContent(path, file)
	if !ok || strings.ContainsRune(content, 0) {
		return ""
	}
	lines := splitLines(content)
	if len(lines) == 0 {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", file, file)
	b.WriteString("new file mode 100644\n")
	b.WriteString("--- /dev/null\n")
	fmt.Fprintf(&b, "+++ b/%s\n", file)
	fmt.Fprintf(&b, "@@ -0,0 +1,%d @@\n", len(lines))
	for _, line := range lines {
		b.WriteString("+")
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// ChangedFiles lists files changed relative to target, untracked excluded.
func (g *Git) ChangedFiles(path, target string) []ChangedFile {
	out, ok := g.run(path, "diff", "--name-status", target+"...")
	if !ok || strings.TrimSpace(out) == "" {
		return nil
	}
	var files []ChangedFile
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Split(line, "\t")
		if len(fields) < 2 {
			continue
		}
		status := statusFromLetter(fields[0])
		p := fields[1]
		if status == StatusRenamed && len(fields) >= 3 {
			p = fields[2] // new name
		}
		files = append(files, ChangedFile{Path: p, Status: status})
	}
	return files
}

func statusFromLetter(letter string) FileStatus {
	switch {
	case strings.HasPrefix(letter, "A"):
		return StatusAdded
	case strings.HasPrefix(letter, "D"):
		return StatusDeleted
	case strings.HasPrefix(letter, "R"):
		return StatusRenamed
	default:
		return StatusModified
	}
}

// FileContent reads file at ref (via git show) or from the working tree when
// ref is empty. Missing files map to ("", false).
func (g *Git) FileContent(path, ref, file string) (string, bool) {
	if ref != "" {
		out, err := g.runner.RunInDir(path, "git", "show", ref+":"+file)
		if err != nil {
			return "", false
		}
		return string(out), true
	}
	return g.workTreeContent(path, file)
}

func (g *Git) workTreeContent(path, file string) (string, bool) {
	data, err := os.ReadFile(filepath.Join(path, file))
	if err != nil {
		return "", false
	}
	return string(data), true
}

// LinesRange returns lines from..to of the working-tree file, 1-indexed and
// inclusive. Out-of-range bounds clamp; from > to yields nil.
func (g *Git) LinesRange(path, file string, from, to int) []string {
	content, ok := g.workTreeContent(path, file)
	if !ok {
		return nil
	}
	return ExtractLines(content, from, to)
}

// ExtractLines slices 1-indexed inclusive line ranges out of content,
// clamping to bounds. A clamped start beyond the end yields nil.
func ExtractLines(content string, from, to int) []string {
	lines := splitLines(content)
	if len(lines) == 0 {
		return nil
	}
	if from < 1 {
		from = 1
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from > to {
		return nil
	}
	return lines[from-1 : to]
}

// Staged lists files staged in the index.
func (g *Git) Staged(path string) []string {
	return g.listLines(path, "diff", "--cached", "--name-only")
}

// Unstaged lists tracked files with unstaged modifications.
func (g *Git) Unstaged(path string) []string {
	return g.listLines(path, "diff", "--name-only")
}

// Untracked lists untracked files, respecting .gitignore.
func (g *Git) Untracked(path string) []string {
	return g.listLines(path, "ls-files", "--others", "--exclude-standard")
}

// Stage adds a file to the index. Failures are absorbed.
func (g *Git) Stage(path, file string) {
	_, _ = g.run(path, "add", "--", file)
}

// RestoreFile discards working-tree modifications to a file.
func (g *Git) RestoreFile(path, file string) {
	_, _ = g.run(path, "restore", "--", file)
}

// Log returns up to limit recent one-line commit summaries.
func (g *Git) Log(path string, limit int) []string {
	if limit <= 0 {
		limit = 20
	}
	return g.listLines(path, "log", "--oneline", "-n", strconv.Itoa(limit))
}

// Push pushes branch to the named remote and reports success.
func (g *Git) Push(path, remote, branch string) (string, bool) {
	if remote == "" {
		remote = "origin"
	}
	return g.run(path, "push", remote, branch)
}

func (g *Git) listLines(path string, args ...string) []string {
	out, ok := g.run(path, args...)
	if !ok || strings.TrimSpace(out) == "" {
		return nil
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if l := strings.TrimSpace(line); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// splitLines splits content on newlines, dropping a single trailing empty
// line produced by a final newline.
func splitLines(content string) []string {
	if content == "" {
		return nil
	}
	lines := strings.Split(content, "\n")
	if len(lines) > 0 && lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}
