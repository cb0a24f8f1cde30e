// Package session owns review lifecycle: deterministic session identity,
// the effective file set composed from backend changes and overlays, and
// comment threads annotated with staleness.
package session

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"

	"github.com/reviewd/reviewd/internal/backend"
	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/pushgate"
	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
)

// anchorContext is how many lines around a comment's line are captured as
// the staleness anchor.
const anchorContext = 3

// Manager coordinates sessions between the store, git and the backends.
type Manager struct {
	store *store.Store
	git   *git.Git
	token string // hosted backend auth
}

// New builds a manager. token may be empty; hosted sessions then run
// unauthenticated and hit the lower rate limit.
func New(s *store.Store, g *git.Git, token string) *Manager {
	return &Manager{store: s, git: g, token: token}
}

// GetOrCreateLocal resolves a local session for repoPath. The id is derived
// from project and working branch, so repeated calls return the same session.
// An empty targetBranch is detected from the repository.
func (m *Manager) GetOrCreateLocal(repoPath, targetBranch string) (*store.Session, error) {
	abs, err := filepath.Abs(repoPath)
	if err != nil {
		return nil, fmt.Errorf("resolve repo path: %w", err)
	}

	branch := "working"
	if m.git.IsGitRepo(abs) {
		branch = m.git.CurrentBranch(abs)
		if targetBranch == "" {
			targetBranch = m.git.DetectDefaultBranch(abs)
		}
	} else if targetBranch == "" {
		targetBranch = "main"
	}

	project := m.projectName(abs)
	id := util.SessionID(project, branch)

	existing, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		if targetBranch != existing.TargetBranch {
			existing.TargetBranch = targetBranch
			if err := m.store.UpdateSession(existing); err != nil {
				return nil, err
			}
		}
		return existing, nil
	}

	sess := &store.Session{
		ID:           id,
		BackendType:  store.BackendLocal,
		RepoPath:     abs,
		TargetBranch: targetBranch,
		Project:      project,
		Branch:       branch,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// GetOrCreateHosted resolves a session for a pull request reference (full URL,
// owner/repo#N or owner/repo/pull/N).
func (m *Manager) GetOrCreateHosted(ref string) (*store.Session, error) {
	pr := backend.ParsePRRef(ref)
	if pr == nil {
		return nil, fmt.Errorf("invalid pull request reference: %s", ref)
	}

	project := pr.Owner + "/" + pr.Repo
	branch := fmt.Sprintf("pr-%d", pr.Number)
	id := util.SessionID(project, branch)

	existing, err := m.store.GetSession(id)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	sess := &store.Session{
		ID:          id,
		BackendType: store.BackendHosted,
		Owner:       pr.Owner,
		Repo:        pr.Repo,
		PRNumber:    pr.Number,
		Project:     project,
		Branch:      branch,
	}
	if err := m.store.CreateSession(sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// Get returns a session by id, nil when absent.
func (m *Manager) Get(id string) (*store.Session, error) {
	return m.store.GetSession(id)
}

// List returns all sessions, newest first.
func (m *Manager) List() ([]*store.Session, error) {
	return m.store.ListSessions()
}

// Delete removes a session and its comments.
func (m *Manager) Delete(id string) error {
	return m.store.DeleteSession(id)
}

var newHostedBackend = func(ref backend.PRRef, token string) backend.Backend {
	return backend.NewHosted(ref, token)
}

// Backend builds the backend matching the session's variant.
func (m *Manager) Backend(sess *store.Session) (backend.Backend, error) {
	switch sess.BackendType {
	case store.BackendLocal:
		return backend.NewLocal(m.git, m.store, sess.ID, sess.RepoPath, sess.TargetBranch,
			m.untrackedInScope(sess)), nil
	case store.BackendHosted:
		ref := backend.PRRef{Owner: sess.Owner, Repo: sess.Repo, Number: sess.PRNumber}
		return newHostedBackend(ref, m.token), nil
	default:
		return nil, fmt.Errorf("unknown backend type %q", sess.BackendType)
	}
}

// projectName prefers the normalised origin slug and falls back to the
// directory basename.
func (m *Manager) projectName(repoPath string) string {
	if slug := pushgate.NormalizeRemote(m.git.RemoteURL(repoPath, "origin")); slug != "" {
		return slug
	}
	return filepath.Base(repoPath)
}

// untrackedInScope returns the session's overlay paths that are currently
// untracked in the working tree, so they can be rendered as synthetic diffs.
func (m *Manager) untrackedInScope(sess *store.Session) []string {
	removed := stringSet(sess.ManualRemovals)
	inScope := map[string]bool{}
	for path := range sess.RegisteredFiles {
		if !removed[path] {
			inScope[path] = true
		}
	}
	for _, path := range sess.ManualAdditions {
		if !removed[path] {
			inScope[path] = true
		}
	}
	if len(inScope) == 0 {
		return nil
	}

	var paths []string
	for _, u := range m.git.Untracked(sess.RepoPath) {
		if inScope[u] {
			paths = append(paths, u)
		}
	}
	sort.Strings(paths)
	return paths
}

// EffectiveFiles composes the review scope: the backend's change list plus
// registered and manually added files, minus manual removals, sorted by path.
func (m *Manager) EffectiveFiles(ctx context.Context, sess *store.Session) ([]git.ChangedFile, error) {
	b, err := m.Backend(sess)
	if err != nil {
		return nil, err
	}
	base, err := b.ListFiles(ctx)
	if err != nil {
		return nil, err
	}

	removed := stringSet(sess.ManualRemovals)
	byPath := map[string]git.ChangedFile{}
	for _, f := range base {
		if !removed[f.Path] {
			byPath[f.Path] = f
		}
	}

	untracked := map[string]bool{}
	if sess.BackendType == store.BackendLocal {
		untracked = stringSet(m.git.Untracked(sess.RepoPath))
	}
	overlay := func(path string) {
		if removed[path] {
			return
		}
		if _, ok := byPath[path]; ok {
			return
		}
		status := git.StatusModified
		if untracked[path] {
			status = git.StatusUntracked
		}
		byPath[path] = git.ChangedFile{Path: path, Status: status}
	}
	for path := range sess.RegisteredFiles {
		overlay(path)
	}
	for _, path := range sess.ManualAdditions {
		overlay(path)
	}

	files := make([]git.ChangedFile, 0, len(byPath))
	for _, f := range byPath {
		files = append(files, f)
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// RegisterFiles records paths under the agent's ownership and returns the
// paths that were newly registered. Paths already registered by another agent
// are kept under their original owner.
func (m *Manager) RegisterFiles(sess *store.Session, agentID string, paths []string) ([]string, error) {
	if sess.RegisteredFiles == nil {
		sess.RegisteredFiles = map[string]string{}
	}
	var added []string
	for _, path := range paths {
		if _, ok := sess.RegisteredFiles[path]; ok {
			continue
		}
		sess.RegisteredFiles[path] = agentID
		added = append(added, path)
	}
	if len(added) == 0 {
		return nil, nil
	}
	sort.Strings(added)
	return added, m.store.UpdateSession(sess)
}

// UnregisterFiles removes only the entries the agent owns.
func (m *Manager) UnregisterFiles(sess *store.Session, agentID string, paths []string) error {
	changed := false
	for _, path := range paths {
		if owner, ok := sess.RegisteredFiles[path]; ok && owner == agentID {
			delete(sess.RegisteredFiles, path)
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return m.store.UpdateSession(sess)
}

// AddManualFile pulls a path into scope. Adding a previously removed path
// clears the removal instead of stacking an addition.
func (m *Manager) AddManualFile(sess *store.Session, path string) error {
	if idx := indexOf(sess.ManualRemovals, path); idx >= 0 {
		sess.ManualRemovals = append(sess.ManualRemovals[:idx], sess.ManualRemovals[idx+1:]...)
		return m.store.UpdateSession(sess)
	}
	if indexOf(sess.ManualAdditions, path) >= 0 {
		return nil
	}
	sess.ManualAdditions = append(sess.ManualAdditions, path)
	return m.store.UpdateSession(sess)
}

// RemoveFile takes a path out of scope. A path that only entered via manual
// addition is dropped from the additions; anything else is shadowed by a
// removal entry.
func (m *Manager) RemoveFile(sess *store.Session, path string) error {
	if idx := indexOf(sess.ManualAdditions, path); idx >= 0 {
		sess.ManualAdditions = append(sess.ManualAdditions[:idx], sess.ManualAdditions[idx+1:]...)
		return m.store.UpdateSession(sess)
	}
	if indexOf(sess.ManualRemovals, path) >= 0 {
		return nil
	}
	sess.ManualRemovals = append(sess.ManualRemovals, path)
	return m.store.UpdateSession(sess)
}

// RestoreFile clears a manual removal, bringing a shadowed path back.
func (m *Manager) RestoreFile(sess *store.Session, path string) error {
	idx := indexOf(sess.ManualRemovals, path)
	if idx < 0 {
		return nil
	}
	sess.ManualRemovals = append(sess.ManualRemovals[:idx], sess.ManualRemovals[idx+1:]...)
	return m.store.UpdateSession(sess)
}

// AddComment anchors the comment to the current head content and routes it to
// the backend. Replies inherit file and line from their parent when unset.
func (m *Manager) AddComment(ctx context.Context, sess *store.Session, c *store.Comment) error {
	b, err := m.Backend(sess)
	if err != nil {
		return err
	}

	if c.ParentID != "" && (c.File == "" || c.Line == 0) {
		if parent, err := m.store.GetComment(c.ParentID); err == nil && parent != nil {
			if c.File == "" {
				c.File = parent.File
			}
			if c.Line == 0 {
				c.Line = parent.Line
			}
		}
	}

	if c.File != "" && c.Line > 0 && c.LineContent == "" {
		if content, ok, err := b.GetFileContent(ctx, c.File, backend.SideHead, nil); err == nil && ok {
			lines := git.ExtractLines(content, 1, 1<<30)
			if c.Line <= len(lines) {
				c.LineContent = lines[c.Line-1]
				c.ContextBefore = joinRange(lines, c.Line-anchorContext, c.Line-1)
				c.ContextAfter = joinRange(lines, c.Line+1, c.Line+anchorContext)
			}
		}
	}

	return b.AddComment(ctx, c)
}

// Resolve flips a thread's resolved state through the backend.
func (m *Manager) Resolve(ctx context.Context, sess *store.Session, commentID string, resolved bool) error {
	b, err := m.Backend(sess)
	if err != nil {
		return err
	}
	if resolved {
		return b.ResolveComment(ctx, commentID)
	}
	return b.UnresolveComment(ctx, commentID)
}

// Comments returns the session's threads, optionally filtered to one file,
// annotated with staleness against the current head content. For hosted
// sessions, locally stored notes are merged alongside the backend's threads.
func (m *Manager) Comments(ctx context.Context, sess *store.Session, file string) ([]*Thread, error) {
	b, err := m.Backend(sess)
	if err != nil {
		return nil, err
	}
	comments, err := b.ListComments(ctx)
	if err != nil {
		return nil, err
	}
	if sess.BackendType == store.BackendHosted {
		local, err := m.store.ListComments(sess.ID, "")
		if err != nil {
			return nil, err
		}
		comments = append(comments, local...)
	}

	if file != "" {
		filtered := comments[:0]
		for _, c := range comments {
			if c.File == file {
				filtered = append(filtered, c)
			}
		}
		comments = filtered
	}

	threads := AssembleThreads(comments)
	m.annotate(ctx, b, threads)
	return threads, nil
}

// annotate computes staleness for every thread against head content, fetching
// each file once.
func (m *Manager) annotate(ctx context.Context, b backend.Backend, threads []*Thread) {
	type fileState struct {
		content string
		ok      bool
	}
	cache := map[string]fileState{}
	lookup := func(file string) fileState {
		if st, hit := cache[file]; hit {
			return st
		}
		content, ok, err := b.GetFileContent(ctx, file, backend.SideHead, nil)
		st := fileState{content: content, ok: ok && err == nil}
		cache[file] = st
		return st
	}

	for _, t := range threads {
		if t.File == "" {
			continue
		}
		st := lookup(t.File)
		t.Staleness = computeStaleness(&t.Comment, st.content, st.ok)
		for _, r := range t.Replies {
			if r.LineContentHash != "" {
				r.Staleness = computeStaleness(&r.Comment, st.content, st.ok)
			} else {
				r.Staleness = t.Staleness
			}
		}
	}
}

// ReviewState is the full snapshot handed to review clients.
type ReviewState struct {
	Session    *store.Session       `json:"session"`
	Descriptor map[string]any       `json:"descriptor"`
	IsGitRepo  bool                 `json:"is_git_repo"`
	Files      []git.ChangedFile    `json:"files"`
	Diff       string               `json:"diff"`
	ParsedDiff []git.FileDiff       `json:"parsed_diff"`
	Threads    map[string][]*Thread `json:"threads"`
	Unresolved int                  `json:"unresolved_count"`
}

// ReviewState assembles the snapshot: scope, diff, parsed hunks and annotated
// threads grouped by file.
func (m *Manager) ReviewState(ctx context.Context, sess *store.Session) (*ReviewState, error) {
	b, err := m.Backend(sess)
	if err != nil {
		return nil, err
	}

	files, err := m.EffectiveFiles(ctx, sess)
	if err != nil {
		return nil, err
	}
	diff, err := b.GetDiff(ctx)
	if err != nil {
		return nil, err
	}
	threads, err := m.Comments(ctx, sess, "")
	if err != nil {
		return nil, err
	}

	byFile := map[string][]*Thread{}
	for _, t := range threads {
		byFile[t.File] = append(byFile[t.File], t)
	}
	unresolved, err := m.unresolvedCount(sess, threads)
	if err != nil {
		return nil, err
	}

	state := &ReviewState{
		Session:    sess,
		Descriptor: b.SessionDescriptor(),
		Files:      files,
		Diff:       diff,
		ParsedDiff: git.ParseDiff(diff),
		Threads:    byFile,
		Unresolved: unresolved,
	}
	if sess.BackendType == store.BackendLocal {
		state.IsGitRepo = m.git.IsGitRepo(sess.RepoPath)
	} else {
		state.IsGitRepo = true
	}
	return state, nil
}

// unresolvedCount counts comments with resolved = 0, replies included. Local
// comments are rows in the store, so the store count is authoritative there;
// hosted comments exist only in the assembled threads.
func (m *Manager) unresolvedCount(sess *store.Session, threads []*Thread) (int, error) {
	if sess.BackendType == store.BackendLocal {
		return m.store.UnresolvedCount(sess.ID)
	}
	n := 0
	for _, t := range threads {
		if !t.Resolved {
			n++
		}
		for _, r := range t.Replies {
			if !r.Resolved {
				n++
			}
		}
	}
	return n, nil
}

func stringSet(in []string) map[string]bool {
	set := make(map[string]bool, len(in))
	for _, s := range in {
		set[s] = true
	}
	return set
}

func indexOf(in []string, s string) int {
	for i, v := range in {
		if v == s {
			return i
		}
	}
	return -1
}

// joinRange joins 1-indexed inclusive lines, clamped, as a snippet.
func joinRange(lines []string, from, to int) string {
	if from < 1 {
		from = 1
	}
	if to > len(lines) {
		to = len(lines)
	}
	if from > to {
		return ""
	}
	out := ""
	for i := from; i <= to; i++ {
		if out != "" {
			out += "\n"
		}
		out += lines[i-1]
	}
	return out
}
