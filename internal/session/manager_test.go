package session

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/reviewd/reviewd/internal/backend"
	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
)

type fixture struct {
	mgr       *Manager
	store     *store.Store
	repo      string
	responses map[string]string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	repo := filepath.Join(dir, "repo")
	if err := os.MkdirAll(repo, 0o755); err != nil {
		t.Fatal(err)
	}

	responses := map[string]string{
		"rev-parse --is-inside-work-tree":          "true",
		"rev-parse --abbrev-ref HEAD":              "feature",
		"rev-parse --verify --quiet refs/heads/main": "ref",
		"remote get-url origin":                    "git@github.com:acme/widgets.git",
		"diff --name-status main...":               "M\ta.go",
		"diff main...":                             "diff --git a/a.go b/a.go\n--- a/a.go\n+++ b/a.go\n@@ -1 +1 @@\n-x\n+alpha\n",
	}
	runner := &git.MockRunner{
		RunInDirFunc: func(dir, name string, args ...string) ([]byte, error) {
			if out, ok := responses[strings.Join(args, " ")]; ok {
				return []byte(out), nil
			}
			return nil, errors.New("exit status 1")
		},
	}

	return &fixture{
		mgr:       New(s, git.NewWithRunner(runner), ""),
		store:     s,
		repo:      repo,
		responses: responses,
	}
}

func (f *fixture) writeFile(t *testing.T, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(f.repo, name), []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestGetOrCreateLocal_Deterministic(t *testing.T) {
	f := newFixture(t)

	sess, err := f.mgr.GetOrCreateLocal(f.repo, "")
	if err != nil {
		t.Fatal(err)
	}
	if sess.Project != "acme/widgets" || sess.Branch != "feature" {
		t.Fatalf("session = %s@%s", sess.Project, sess.Branch)
	}
	if sess.TargetBranch != "main" {
		t.Fatalf("TargetBranch = %q, want detected main", sess.TargetBranch)
	}
	if sess.ID != util.SessionID("acme/widgets", "feature") {
		t.Fatalf("ID = %q", sess.ID)
	}

	again, err := f.mgr.GetOrCreateLocal(f.repo, "")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != sess.ID {
		t.Fatalf("second call created a new session: %q vs %q", again.ID, sess.ID)
	}

	// Re-opening with an explicit target branch updates it in place.
	retargeted, err := f.mgr.GetOrCreateLocal(f.repo, "develop")
	if err != nil {
		t.Fatal(err)
	}
	if retargeted.ID != sess.ID || retargeted.TargetBranch != "develop" {
		t.Fatalf("retargeted = %q target %q", retargeted.ID, retargeted.TargetBranch)
	}
}

func TestGetOrCreateHosted(t *testing.T) {
	f := newFixture(t)

	sess, err := f.mgr.GetOrCreateHosted("https://github.com/acme/widgets/pull/42")
	if err != nil {
		t.Fatal(err)
	}
	if sess.BackendType != store.BackendHosted || sess.Owner != "acme" || sess.PRNumber != 42 {
		t.Fatalf("session = %+v", sess)
	}

	again, err := f.mgr.GetOrCreateHosted("acme/widgets#42")
	if err != nil {
		t.Fatal(err)
	}
	if again.ID != sess.ID {
		t.Fatal("equivalent PR references should resolve to one session")
	}

	if _, err := f.mgr.GetOrCreateHosted("not-a-ref"); err == nil {
		t.Fatal("malformed reference should fail")
	}
}

func TestEffectiveFiles_Composition(t *testing.T) {
	f := newFixture(t)
	f.responses["ls-files --others --exclude-standard"] = "new.txt\nscratch.txt"

	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.mgr.RegisterFiles(sess, "agent-1", []string{"new.txt"}); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.AddManualFile(sess, "docs/readme.md"); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.RemoveFile(sess, "a.go"); err != nil {
		t.Fatal(err)
	}

	files, err := f.mgr.EffectiveFiles(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	var paths []string
	for _, fl := range files {
		paths = append(paths, fl.Path)
	}
	want := []string{"docs/readme.md", "new.txt"}
	if len(paths) != len(want) || paths[0] != want[0] || paths[1] != want[1] {
		t.Fatalf("effective files = %v, want %v", paths, want)
	}
	// Registered untracked files carry untracked status; the manual addition
	// of a tracked path falls back to modified.
	if files[1].Status != git.StatusUntracked {
		t.Fatalf("new.txt status = %v", files[1].Status)
	}

	if err := f.mgr.RestoreFile(sess, "a.go"); err != nil {
		t.Fatal(err)
	}
	files, err = f.mgr.EffectiveFiles(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 || files[0].Path != "a.go" {
		t.Fatalf("after restore = %v", files)
	}
}

func TestRegisterFiles_Ownership(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}

	added, err := f.mgr.RegisterFiles(sess, "agent-1", []string{"x.go", "y.go"})
	if err != nil || len(added) != 2 {
		t.Fatalf("added = %v, %v", added, err)
	}

	// A second agent touching the same path does not steal it.
	added, err = f.mgr.RegisterFiles(sess, "agent-2", []string{"x.go", "z.go"})
	if err != nil || len(added) != 1 || added[0] != "z.go" {
		t.Fatalf("added = %v, %v", added, err)
	}
	if sess.RegisteredFiles["x.go"] != "agent-1" {
		t.Fatalf("x.go owner = %q", sess.RegisteredFiles["x.go"])
	}

	// Unregister only removes the caller's own entries.
	if err := f.mgr.UnregisterFiles(sess, "agent-2", []string{"x.go", "z.go"}); err != nil {
		t.Fatal(err)
	}
	reloaded, err := f.mgr.Get(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := reloaded.RegisteredFiles["x.go"]; !ok {
		t.Fatal("x.go should survive another agent's unregister")
	}
	if _, ok := reloaded.RegisteredFiles["z.go"]; ok {
		t.Fatal("z.go should be unregistered")
	}
}

func TestManualOverlay_AddRemoveRestore(t *testing.T) {
	f := newFixture(t)
	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}

	// Adding twice is idempotent.
	_ = f.mgr.AddManualFile(sess, "n.txt")
	_ = f.mgr.AddManualFile(sess, "n.txt")
	if len(sess.ManualAdditions) != 1 {
		t.Fatalf("additions = %v", sess.ManualAdditions)
	}

	// Removing a manual addition undoes the addition rather than recording a
	// removal.
	_ = f.mgr.RemoveFile(sess, "n.txt")
	if len(sess.ManualAdditions) != 0 || len(sess.ManualRemovals) != 0 {
		t.Fatalf("overlays = %v / %v", sess.ManualAdditions, sess.ManualRemovals)
	}

	// Adding back a removed backend file clears the removal.
	_ = f.mgr.RemoveFile(sess, "a.go")
	_ = f.mgr.AddManualFile(sess, "a.go")
	if len(sess.ManualRemovals) != 0 || len(sess.ManualAdditions) != 0 {
		t.Fatalf("overlays = %v / %v", sess.ManualAdditions, sess.ManualRemovals)
	}
}

func TestComments_StalenessLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}
	f.writeFile(t, "a.go", "alpha\nbeta\ngamma\n")

	c := &store.Comment{File: "a.go", Line: 2, Text: "check this", Author: "alice"}
	if err := f.mgr.AddComment(ctx, sess, c); err != nil {
		t.Fatal(err)
	}
	if c.LineContent != "beta" || c.ContextBefore != "alpha" || c.ContextAfter != "gamma" {
		t.Fatalf("anchor = %q / %q / %q", c.LineContent, c.ContextBefore, c.ContextAfter)
	}

	threads, err := f.mgr.Comments(ctx, sess, "")
	if err != nil || len(threads) != 1 {
		t.Fatalf("threads = %v, %v", threads, err)
	}
	if threads[0].Staleness != StaleFresh {
		t.Fatalf("staleness = %q, want fresh", threads[0].Staleness)
	}

	// Insert a line above: the anchored line moved but still exists nearby.
	f.writeFile(t, "a.go", "intro\nalpha\nbeta\ngamma\n")
	threads, _ = f.mgr.Comments(ctx, sess, "")
	if threads[0].Staleness != StaleShifted {
		t.Fatalf("staleness = %q, want shifted", threads[0].Staleness)
	}

	// Rewrite the region entirely.
	f.writeFile(t, "a.go", "one\ntwo\nthree\n")
	threads, _ = f.mgr.Comments(ctx, sess, "")
	if threads[0].Staleness != StaleChanged {
		t.Fatalf("staleness = %q, want changed", threads[0].Staleness)
	}

	// Delete the file.
	if err := os.Remove(filepath.Join(f.repo, "a.go")); err != nil {
		t.Fatal(err)
	}
	threads, _ = f.mgr.Comments(ctx, sess, "")
	if threads[0].Staleness != StaleChanged {
		t.Fatalf("staleness = %q, want changed for deleted file", threads[0].Staleness)
	}
}

func TestComments_ReplyInheritance(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}
	f.writeFile(t, "a.go", "alpha\nbeta\n")

	root := &store.Comment{File: "a.go", Line: 1, Text: "root", Author: "alice"}
	if err := f.mgr.AddComment(ctx, sess, root); err != nil {
		t.Fatal(err)
	}
	reply := &store.Comment{ParentID: root.ID, Text: "agreed", Author: "bob"}
	if err := f.mgr.AddComment(ctx, sess, reply); err != nil {
		t.Fatal(err)
	}
	if reply.File != "a.go" || reply.Line != 1 {
		t.Fatalf("reply anchor = %s:%d, want inherited a.go:1", reply.File, reply.Line)
	}

	threads, err := f.mgr.Comments(ctx, sess, "a.go")
	if err != nil || len(threads) != 1 {
		t.Fatalf("threads = %v, %v", threads, err)
	}
	if len(threads[0].Replies) != 1 || threads[0].Replies[0].Author != "bob" {
		t.Fatalf("replies = %+v", threads[0].Replies)
	}
}

func TestReviewState_Snapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}
	f.writeFile(t, "a.go", "alpha\n")

	c := &store.Comment{File: "a.go", Line: 1, Text: "open question", Author: "alice"}
	if err := f.mgr.AddComment(ctx, sess, c); err != nil {
		t.Fatal(err)
	}

	state, err := f.mgr.ReviewState(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if !state.IsGitRepo {
		t.Fatal("fixture repo should report as a git repo")
	}
	if len(state.Files) != 1 || state.Files[0].Path != "a.go" {
		t.Fatalf("files = %v", state.Files)
	}
	if len(state.ParsedDiff) != 1 || state.ParsedDiff[0].FileB != "a.go" {
		t.Fatalf("parsed diff = %+v", state.ParsedDiff)
	}
	if state.Unresolved != 1 {
		t.Fatalf("unresolved = %d", state.Unresolved)
	}
	if len(state.Threads["a.go"]) != 1 {
		t.Fatalf("threads = %v", state.Threads)
	}

	if err := f.mgr.Resolve(ctx, sess, c.ID, true); err != nil {
		t.Fatal(err)
	}
	state, err = f.mgr.ReviewState(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if state.Unresolved != 0 {
		t.Fatalf("unresolved after resolve = %d", state.Unresolved)
	}
}

func TestReviewState_UnresolvedCountsReplies(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	sess, err := f.mgr.GetOrCreateLocal(f.repo, "main")
	if err != nil {
		t.Fatal(err)
	}
	f.writeFile(t, "a.go", "alpha\n")

	root := &store.Comment{File: "a.go", Line: 1, Text: "root", Author: "alice"}
	if err := f.mgr.AddComment(ctx, sess, root); err != nil {
		t.Fatal(err)
	}
	reply := &store.Comment{ParentID: root.ID, Text: "agreed", Author: "bob"}
	if err := f.mgr.AddComment(ctx, sess, reply); err != nil {
		t.Fatal(err)
	}

	state, err := f.mgr.ReviewState(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if state.Unresolved != 2 {
		t.Fatalf("unresolved = %d, want 2 (root and reply)", state.Unresolved)
	}

	// Resolving the root leaves the reply row unresolved; the snapshot must
	// agree with the store count, replies included.
	if err := f.mgr.Resolve(ctx, sess, root.ID, true); err != nil {
		t.Fatal(err)
	}
	state, err = f.mgr.ReviewState(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	want, err := f.store.UnresolvedCount(sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if want != 1 || state.Unresolved != want {
		t.Fatalf("unresolved = %d, store count = %d, want both 1", state.Unresolved, want)
	}

	if err := f.mgr.Resolve(ctx, sess, reply.ID, true); err != nil {
		t.Fatal(err)
	}
	state, err = f.mgr.ReviewState(ctx, sess)
	if err != nil {
		t.Fatal(err)
	}
	if state.Unresolved != 0 {
		t.Fatalf("unresolved after resolving all = %d", state.Unresolved)
	}
}

type stubHosted struct {
	files []git.ChangedFile
}

func (s *stubHosted) SessionID() string                  { return "hosted:acme/widgets:42" }
func (s *stubHosted) SessionType() store.BackendType     { return store.BackendHosted }
func (s *stubHosted) SessionDescriptor() map[string]any  { return map[string]any{"type": "hosted"} }
func (s *stubHosted) GetDiff(ctx context.Context) (string, error) { return "", nil }

func (s *stubHosted) ListFiles(ctx context.Context) ([]git.ChangedFile, error) {
	return s.files, nil
}

func (s *stubHosted) GetFileContent(ctx context.Context, file string, side backend.Side, rng *backend.LineRange) (string, bool, error) {
	return "", false, nil
}

func (s *stubHosted) ListComments(ctx context.Context) ([]*store.Comment, error) { return nil, nil }
func (s *stubHosted) AddComment(ctx context.Context, c *store.Comment) error     { return nil }
func (s *stubHosted) ResolveComment(ctx context.Context, id string) error        { return nil }
func (s *stubHosted) UnresolveComment(ctx context.Context, id string) error      { return nil }

func TestEffectiveFiles_HostedSkipsWorktreeGit(t *testing.T) {
	dir := t.TempDir()
	s, err := store.Open(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	// A hosted session has no working tree; any git invocation is a bug.
	runner := &git.MockRunner{
		RunInDirFunc: func(dir, name string, args ...string) ([]byte, error) {
			t.Errorf("unexpected git call in %q: %v", dir, args)
			return nil, errors.New("exit status 1")
		},
	}
	mgr := New(s, git.NewWithRunner(runner), "")

	prev := newHostedBackend
	defer func() { newHostedBackend = prev }()
	newHostedBackend = func(ref backend.PRRef, token string) backend.Backend {
		return &stubHosted{files: []git.ChangedFile{{Path: "x.go", Status: git.StatusModified}}}
	}

	sess, err := mgr.GetOrCreateHosted("acme/widgets#42")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := mgr.RegisterFiles(sess, "agent-1", []string{"y.go"}); err != nil {
		t.Fatal(err)
	}

	files, err := mgr.EffectiveFiles(context.Background(), sess)
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0].Path != "x.go" || files[1].Path != "y.go" {
		t.Fatalf("files = %v", files)
	}
	if files[1].Status != git.StatusModified {
		t.Fatalf("overlay status = %s, want modified", files[1].Status)
	}
}
