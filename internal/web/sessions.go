package web

import (
	"net/http"
	"net/url"
	"os"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/reviewd/reviewd/internal/backend"
	"github.com/reviewd/reviewd/internal/events"
	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/push"
	"github.com/reviewd/reviewd/internal/store"
)

func (h *Handler) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.sessions.List()
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*store.Session{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

type createSessionRequest struct {
	RepoPath     string `json:"repo_path"`
	RepoPathAlt  string `json:"repo-path"`
	TargetBranch string `json:"target_branch"`
	PRRef        string `json:"pr_ref"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	if req.PRRef != "" {
		sess, err := h.sessions.GetOrCreateHosted(req.PRRef)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"session": sess})
		return
	}

	repoPath := req.RepoPath
	if repoPath == "" {
		repoPath = req.RepoPathAlt
	}
	if repoPath == "" {
		writeError(w, http.StatusBadRequest, "repo_path or pr_ref is required")
		return
	}
	if info, err := os.Stat(repoPath); err != nil || !info.IsDir() {
		writeError(w, http.StatusBadRequest, "repo_path %s does not exist", repoPath)
		return
	}

	sess, err := h.sessions.GetOrCreateLocal(repoPath, req.TargetBranch)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": sess})
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	state, err := h.sessions.ReviewState(r.Context(), sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type patchSessionRequest struct {
	TargetBranch string `json:"target_branch"`
}

func (h *Handler) handlePatchSession(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	var req patchSessionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.TargetBranch != "" {
		sess.TargetBranch = req.TargetBranch
		if err := h.store.UpdateSession(sess); err != nil {
			writeDomainError(w, err)
			return
		}
		h.bus.Publish(events.Event{Type: events.SessionUpdated, SessionID: sess.ID})
	}
	state, err := h.sessions.ReviewState(r.Context(), sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (h *Handler) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if err := h.sessions.Delete(sess.ID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.stopWatcher(sess.ID)
	h.bus.Publish(events.Event{Type: events.SessionDeleted, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": sess.ID})
}

func (h *Handler) handleDiff(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	b, err := h.sessions.Backend(sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	diff, err := b.GetDiff(r.Context())
	if err != nil {
		writeDomainError(w, err)
		return
	}
	files, err := h.sessions.EffectiveFiles(r.Context(), sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if files == nil {
		files = []git.ChangedFile{}
	}

	type fileWithSize struct {
		git.ChangedFile
		Size int64 `json:"size"`
	}
	withSize := make([]fileWithSize, 0, len(files))
	for _, f := range files {
		entry := fileWithSize{ChangedFile: f}
		if sess.RepoPath != "" {
			if info, err := os.Stat(joinRepo(sess.RepoPath, f.Path)); err == nil {
				entry.Size = info.Size()
			}
		}
		withSize = append(withSize, entry)
	}

	isGitRepo := true
	if sess.BackendType == store.BackendLocal {
		isGitRepo = h.git.IsGitRepo(sess.RepoPath)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"diff":            diff,
		"parsed":          git.ParseDiff(diff),
		"files":           files,
		"files_with_size": withSize,
		"changed_files":   files,
		"is_git_repo":     isGitRepo,
	})
}

// pathVar extracts and decodes the {path} variable, then runs the traversal
// guard against the session's repository.
func pathVar(w http.ResponseWriter, r *http.Request, sess *store.Session) (string, bool) {
	raw := mux.Vars(r)["path"]
	decoded, err := url.PathUnescape(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed path %q", raw)
		return "", false
	}
	rel, err := safePath(sess.RepoPath, decoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return "", false
	}
	return rel, true
}

func (h *Handler) handleFileContent(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	file, ok := pathVar(w, r, sess)
	if !ok {
		return
	}
	b, err := h.sessions.Backend(sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	side := backend.SideHead
	if r.URL.Query().Get("side") == "base" {
		side = backend.SideBase
	}
	content, found, err := b.GetFileContent(r.Context(), file, side, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "file %s not found", file)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"file": file, "side": side, "content": content})
}

func (h *Handler) handleContext(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	file, ok := pathVar(w, r, sess)
	if !ok {
		return
	}

	from, err1 := strconv.Atoi(r.URL.Query().Get("from"))
	to, err2 := strconv.Atoi(r.URL.Query().Get("to"))
	if err1 != nil || err2 != nil {
		writeError(w, http.StatusBadRequest, "from and to must be integers")
		return
	}
	if from < 1 {
		from = 1
	}
	if from > to {
		writeError(w, http.StatusBadRequest, "from must be <= to")
		return
	}

	b, err := h.sessions.Backend(sess)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	content, found, err := b.GetFileContent(r.Context(), file, backend.SideHead, nil)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "file %s not found", file)
		return
	}

	lines := git.ExtractLines(content, from, to)
	// Echo the effective range: ExtractLines clamps to the end of the file.
	if last := from + len(lines) - 1; len(lines) > 0 && to > last {
		to = last
	}
	type numbered struct {
		Line    int    `json:"line"`
		Content string `json:"content"`
	}
	out := make([]numbered, 0, len(lines))
	for i, l := range lines {
		out = append(out, numbered{Line: from + i, Content: l})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"file": file, "from": from, "to": to, "lines": out,
	})
}

// requireLocal rejects hosted sessions for working-tree operations. Running
// git against an empty repo path would hit the server's own directory.
func (h *Handler) requireLocal(w http.ResponseWriter, sess *store.Session, op string) bool {
	if sess.BackendType != store.BackendLocal {
		writeError(w, http.StatusBadRequest, "%s requires a local session", op)
		return false
	}
	return true
}

func (h *Handler) handleBranches(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !h.requireLocal(w, sess, "branch listing") {
		return
	}
	branches := h.git.ListBranches(sess.RepoPath)
	if branches == nil {
		branches = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"branches": branches,
		"current":  h.git.CurrentBranch(sess.RepoPath),
		"target":   sess.TargetBranch,
	})
}

func (h *Handler) handleStaged(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !h.requireLocal(w, sess, "staging state") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"staged":   orEmpty(h.git.Staged(sess.RepoPath)),
		"unstaged": orEmpty(h.git.Unstaged(sess.RepoPath)),
	})
}

func (h *Handler) handleUntracked(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !h.requireLocal(w, sess, "untracked listing") {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"untracked": orEmpty(h.git.Untracked(sess.RepoPath)),
	})
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !h.requireLocal(w, sess, "history") {
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"history": orEmpty(h.git.Log(sess.RepoPath, limit)),
	})
}

type fileActionRequest struct {
	Path string `json:"path"`
}

// fileAction decodes {path} from the body and runs the traversal guard.
func (h *Handler) fileAction(w http.ResponseWriter, r *http.Request, sess *store.Session) (string, bool) {
	var req fileActionRequest
	if err := decodeJSON(r, &req); err != nil || req.Path == "" {
		writeError(w, http.StatusBadRequest, "path is required")
		return "", false
	}
	rel, err := safePath(sess.RepoPath, req.Path)
	if err != nil {
		writeError(w, http.StatusBadRequest, "%s", err.Error())
		return "", false
	}
	return rel, true
}

func (h *Handler) handleStage(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !h.requireLocal(w, sess, "staging") {
		return
	}
	path, ok := h.fileAction(w, r, sess)
	if !ok {
		return
	}
	h.git.Stage(sess.RepoPath, path)
	writeJSON(w, http.StatusOK, map[string]any{"staged": path})
}

func (h *Handler) handleRestoreFile(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	path, ok := h.fileAction(w, r, sess)
	if !ok {
		return
	}
	// Restore serves two purposes: clearing a manual removal and discarding
	// working-tree edits when asked explicitly.
	if r.URL.Query().Get("discard") == "true" {
		if !h.requireLocal(w, sess, "discard") {
			return
		}
		h.git.RestoreFile(sess.RepoPath, path)
	}
	if err := h.sessions.RestoreFile(sess, path); err != nil {
		writeDomainError(w, err)
		return
	}
	h.bus.Publish(events.Event{Type: events.SessionUpdated, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, map[string]any{"restored": path})
}

func (h *Handler) handleAddManualFile(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	path, ok := h.fileAction(w, r, sess)
	if !ok {
		return
	}
	if err := h.sessions.AddManualFile(sess, path); err != nil {
		writeDomainError(w, err)
		return
	}
	h.bus.Publish(events.Event{Type: events.SessionUpdated, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, map[string]any{"added": path, "session": sess})
}

func (h *Handler) handleRemoveFile(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	path, ok := h.fileAction(w, r, sess)
	if !ok {
		return
	}
	if err := h.sessions.RemoveFile(sess, path); err != nil {
		writeDomainError(w, err)
		return
	}
	h.bus.Publish(events.Event{Type: events.SessionUpdated, SessionID: sess.ID})
	writeJSON(w, http.StatusOK, map[string]any{"removed": path, "session": sess})
}

type pushRequest struct {
	Remote     string `json:"remote"`
	Branch     string `json:"branch"`
	OpenPR     bool   `json:"open_pr"`
	Title      string `json:"title"`
	Body       string `json:"body"`
	BaseBranch string `json:"base_branch"`
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	if !h.requireLocal(w, sess, "push") {
		return
	}
	var req pushRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	branch := req.Branch
	if branch == "" {
		branch = h.git.CurrentBranch(sess.RepoPath)
	}
	baseBranch := req.BaseBranch
	if baseBranch == "" {
		baseBranch = sess.TargetBranch
	}

	res, err := h.pusher.Push(r.Context(), push.Request{
		RepoPath:   sess.RepoPath,
		Remote:     req.Remote,
		Branch:     branch,
		OpenPR:     req.OpenPR,
		Title:      req.Title,
		Body:       req.Body,
		BaseBranch: baseBranch,
	})
	if err != nil {
		writeDomainError(w, err)
		return
	}
	h.bus.Publish(events.Event{Type: events.ReviewSubmitted, SessionID: sess.ID, Payload: res})
	writeJSON(w, http.StatusOK, res)
}

func joinRepo(repoPath, file string) string {
	resolved, err := safePath(repoPath, file)
	if err != nil {
		return ""
	}
	return repoPath + "/" + resolved
}

func orEmpty(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}
