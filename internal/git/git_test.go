package git

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

// mockGit builds an adapter whose git invocations are served from a map of
// joined-argument keys to outputs. Unknown commands fail, exercising the
// absorb-to-empty policy.
func mockGit(responses map[string]string) (*Git, *MockRunner) {
	runner := &MockRunner{
		RunInDirFunc: func(dir, name string, args ...string) ([]byte, error) {
			key := strings.Join(args, " ")
			if out, ok := responses[key]; ok {
				return []byte(out), nil
			}
			return []byte("fatal: not a git repository"), errors.New("exit status 128")
		},
	}
	return NewWithRunner(runner), runner
}

func TestIsGitRepo(t *testing.T) {
	g, _ := mockGit(map[string]string{"rev-parse --is-inside-work-tree": "true\n"})
	if !g.IsGitRepo("/repo") {
		t.Fatal("IsGitRepo should be true")
	}

	g, _ = mockGit(nil)
	if g.IsGitRepo("/not-a-repo") {
		t.Fatal("IsGitRepo should absorb the failure and return false")
	}
}

func TestCurrentBranch(t *testing.T) {
	g, _ := mockGit(map[string]string{"rev-parse --abbrev-ref HEAD": "feature/x\n"})
	if got := g.CurrentBranch("/repo"); got != "feature/x" {
		t.Fatalf("CurrentBranch = %q, want feature/x", got)
	}

	// Non-repos and detached heads report "working".
	g, _ = mockGit(nil)
	if got := g.CurrentBranch("/tmp"); got != "working" {
		t.Fatalf("CurrentBranch = %q, want working", got)
	}
	g, _ = mockGit(map[string]string{"rev-parse --abbrev-ref HEAD": "HEAD\n"})
	if got := g.CurrentBranch("/repo"); got != "working" {
		t.Fatalf("detached CurrentBranch = %q, want working", got)
	}
}

func TestDetectDefaultBranch(t *testing.T) {
	// Remote HEAD wins.
	g, _ := mockGit(map[string]string{
		"symbolic-ref refs/remotes/origin/HEAD": "refs/remotes/origin/trunk\n",
	})
	if got := g.DetectDefaultBranch("/repo"); got != "trunk" {
		t.Fatalf("DetectDefaultBranch = %q, want trunk", got)
	}

	// Falls back to main, then master.
	g, _ = mockGit(map[string]string{
		"rev-parse --verify --quiet refs/heads/master": "abc\n",
	})
	if got := g.DetectDefaultBranch("/repo"); got != "master" {
		t.Fatalf("DetectDefaultBranch = %q, want master", got)
	}

	// Falls back to the first local branch.
	g, _ = mockGit(map[string]string{
		"branch --format=%(refname:short)": "dev\nother\n",
	})
	if got := g.DetectDefaultBranch("/repo"); got != "dev" {
		t.Fatalf("DetectDefaultBranch = %q, want dev", got)
	}
}

func TestListBranchesAndExists(t *testing.T) {
	g, _ := mockGit(map[string]string{
		"branch --format=%(refname:short)":           "main\nfeature/x\n",
		"rev-parse --verify --quiet refs/heads/main": "abc\n",
	})
	branches := g.ListBranches("/repo")
	if !reflect.DeepEqual(branches, []string{"main", "feature/x"}) {
		t.Fatalf("ListBranches = %v", branches)
	}
	if !g.BranchExists("/repo", "main") {
		t.Fatal("BranchExists(main) should be true")
	}
	if g.BranchExists("/repo", "gone") {
		t.Fatal("BranchExists(gone) should be false")
	}
}

func TestChangedFiles(t *testing.T) {
	g, _ := mockGit(map[string]string{
		"diff --name-status main...": "M\ta.go\nA\tb.go\nD\tc.go\nR100\told.go\tnew.go\n",
	})
	files := g.ChangedFiles("/repo", "main")
	want := []ChangedFile{
		{Path: "a.go", Status: StatusModified},
		{Path: "b.go", Status: StatusAdded},
		{Path: "c.go", Status: StatusDeleted},
		{Path: "new.go", Status: StatusRenamed},
	}
	if !reflect.DeepEqual(files, want) {
		t.Fatalf("ChangedFiles = %v, want %v", files, want)
	}

	g, _ = mockGit(nil)
	if files := g.ChangedFiles("/repo", "main"); files != nil {
		t.Fatalf("failure should yield nil, got %v", files)
	}
}

func TestDiff_WithSyntheticUntracked(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "fresh.txt"), []byte("one\ntwo\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	g, _ := mockGit(map[string]string{
		"diff main...": "diff --git a/README.md b/README.md\n--- a/README.md\n+++ b/README.md\n@@ -1,3 +1,3 @@\n line1\n line2\n-hello\n+hi\n",
	})
	diff := g.Diff(dir, "main", []string{"fresh.txt", "missing.txt"})

	if !strings.Contains(diff, "-hello") || !strings.Contains(diff, "+hi") {
		t.Fatalf("diff missing tracked change:\n%s", diff)
	}
	if !strings.Contains(diff, "diff --git a/fresh.txt b/fresh.txt") {
		t.Fatalf("diff missing synthetic file header:\n%s", diff)
	}
	if !strings.Contains(diff, "@@ -0,0 +1,2 @@") {
		t.Fatalf("synthetic hunk header wrong:\n%s", diff)
	}
	if !strings.Contains(diff, "+one") || !strings.Contains(diff, "+two") {
		t.Fatalf("synthetic lines missing:\n%s", diff)
	}
	if strings.Contains(diff, "missing.txt") {
		t.Fatal("unreadable untracked file should be skipped")
	}
}

func TestFileContent(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "f.txt"), []byte("worktree\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	g, runner := mockGit(map[string]string{"show main:f.txt": "committed\n"})
	content, ok := g.FileContent(dir, "main", "f.txt")
	if !ok || content != "committed\n" {
		t.Fatalf("FileContent(ref) = %q, %v", content, ok)
	}
	last := runner.Calls[len(runner.Calls)-1]
	if last.Args[0] != "show" || last.Args[1] != "main:f.txt" {
		t.Fatalf("unexpected git invocation: %v", last.Args)
	}

	content, ok = g.FileContent(dir, "", "f.txt")
	if !ok || content != "worktree\n" {
		t.Fatalf("FileContent(worktree) = %q, %v", content, ok)
	}

	if _, ok := g.FileContent(dir, "", "absent.txt"); ok {
		t.Fatal("missing file should report !ok")
	}
}

func TestExtractLines(t *testing.T) {
	content := "l1\nl2\nl3\nl4\nl5\n"

	if got := ExtractLines(content, 2, 4); !reflect.DeepEqual(got, []string{"l2", "l3", "l4"}) {
		t.Fatalf("ExtractLines(2,4) = %v", got)
	}
	// Clamping.
	if got := ExtractLines(content, 0, 2); !reflect.DeepEqual(got, []string{"l1", "l2"}) {
		t.Fatalf("ExtractLines(0,2) = %v", got)
	}
	if got := ExtractLines(content, 4, 99); !reflect.DeepEqual(got, []string{"l4", "l5"}) {
		t.Fatalf("ExtractLines(4,99) = %v", got)
	}
	// from > to and from beyond EOF yield nil.
	if got := ExtractLines(content, 3, 2); got != nil {
		t.Fatalf("ExtractLines(3,2) = %v, want nil", got)
	}
	if got := ExtractLines(content, 10, 12); got != nil {
		t.Fatalf("ExtractLines(10,12) = %v, want nil", got)
	}
	if got := ExtractLines("", 1, 1); got != nil {
		t.Fatalf("ExtractLines on empty = %v, want nil", got)
	}
}

func TestStagedUnstagedUntracked(t *testing.T) {
	g, _ := mockGit(map[string]string{
		"diff --cached --name-only":           "staged.go\n",
		"diff --name-only":                    "dirty.go\n",
		"ls-files --others --exclude-standard": "new.go\n",
	})
	if got := g.Staged("/repo"); !reflect.DeepEqual(got, []string{"staged.go"}) {
		t.Fatalf("Staged = %v", got)
	}
	if got := g.Unstaged("/repo"); !reflect.DeepEqual(got, []string{"dirty.go"}) {
		t.Fatalf("Unstaged = %v", got)
	}
	if got := g.Untracked("/repo"); !reflect.DeepEqual(got, []string{"new.go"}) {
		t.Fatalf("Untracked = %v", got)
	}
}

func TestStageAndRestoreInvocations(t *testing.T) {
	g, runner := mockGit(map[string]string{
		"add -- f.go":     "",
		"restore -- f.go": "",
	})
	g.Stage("/repo", "f.go")
	g.RestoreFile("/repo", "f.go")

	if len(runner.Calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(runner.Calls))
	}
	if runner.Calls[0].Args[0] != "add" || runner.Calls[1].Args[0] != "restore" {
		t.Fatalf("unexpected calls: %v", runner.Calls)
	}
}
