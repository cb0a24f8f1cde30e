// Package web exposes the review engine over HTTP: the REST API, the SSE
// event stream, the OAuth provider endpoints and the JSON-RPC tool endpoint.
package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gorilla/mux"

	"github.com/reviewd/reviewd/internal/backend"
	"github.com/reviewd/reviewd/internal/config"
	"github.com/reviewd/reviewd/internal/events"
	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/oauth"
	"github.com/reviewd/reviewd/internal/push"
	"github.com/reviewd/reviewd/internal/pushgate"
	"github.com/reviewd/reviewd/internal/session"
	"github.com/reviewd/reviewd/internal/store"
)

// Handler aggregates the engine handles every endpoint needs.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	sessions *session.Manager
	git      *git.Git
	bus      *events.Bus
	pusher   *push.Coordinator
	provider *oauth.Provider

	mu       sync.Mutex
	watchers map[string]*watcherRef // session id -> running watcher

	mcpOnce sync.Once
	mcp     http.Handler
}

// NewHandler wires the engine together.
func NewHandler(cfg *config.Config, s *store.Store, mgr *session.Manager, g *git.Git,
	bus *events.Bus, pusher *push.Coordinator, provider *oauth.Provider) *Handler {
	return &Handler{
		cfg:      cfg,
		store:    s,
		sessions: mgr,
		git:      g,
		bus:      bus,
		pusher:   pusher,
		provider: provider,
		watchers: map[string]*watcherRef{},
	}
}

// RegisterRoutes mounts every endpoint on the router. Encoded-path matching
// keeps escaped slashes in file-path parameters intact for the traversal
// guard.
func (h *Handler) RegisterRoutes(r *mux.Router) {
	r.UseEncodedPath()

	r.HandleFunc("/api/config", h.handleConfig).Methods("GET")

	r.HandleFunc("/api/sessions", h.handleListSessions).Methods("GET")
	r.HandleFunc("/api/sessions", h.handleCreateSession).Methods("POST")
	r.HandleFunc("/api/sessions/{id}", h.handleGetSession).Methods("GET")
	r.HandleFunc("/api/sessions/{id}", h.handlePatchSession).Methods("PATCH")
	r.HandleFunc("/api/sessions/{id}", h.handleDeleteSession).Methods("DELETE")

	r.HandleFunc("/api/sessions/{id}/diff", h.handleDiff).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/file-content/{path:.*}", h.handleFileContent).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/context/{path:.*}", h.handleContext).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/branches", h.handleBranches).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/staged", h.handleStaged).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/untracked", h.handleUntracked).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/history", h.handleHistory).Methods("GET")

	r.HandleFunc("/api/sessions/{id}/stage", h.handleStage).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/restore-file", h.handleRestoreFile).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/manual-files", h.handleAddManualFile).Methods("POST")
	r.HandleFunc("/api/sessions/{id}/manual-files", h.handleRemoveFile).Methods("DELETE")
	r.HandleFunc("/api/sessions/{id}/push", h.handlePush).Methods("POST")

	r.HandleFunc("/api/sessions/{id}/comments", h.handleListComments).Methods("GET")
	r.HandleFunc("/api/sessions/{id}/comments", h.handleAddComment).Methods("POST")
	r.HandleFunc("/api/comments/{id}/resolve", h.handleResolve(true)).Methods("PATCH")
	r.HandleFunc("/api/comments/{id}/unresolve", h.handleResolve(false)).Methods("PATCH")
	r.HandleFunc("/api/comments/{id}", h.handleDeleteComment).Methods("DELETE")

	r.HandleFunc("/events", h.handleEvents).Methods("GET")

	r.HandleFunc("/oauth/register", h.handleOAuthRegister).Methods("POST")
	r.HandleFunc("/oauth/authorize", h.handleOAuthAuthorize).Methods("GET")
	r.HandleFunc("/oauth/token", h.handleOAuthToken).Methods("POST")
	r.HandleFunc("/oauth/revoke", h.handleOAuthRevoke).Methods("POST")
	r.HandleFunc("/.well-known/oauth-authorization-server", h.handleOAuthMetadata).Methods("GET")

	r.Handle("/mcp", h.mcpHandler()).Methods("POST", "GET", "DELETE")

	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	}).Methods("GET")
}

// Close stops all running watchers.
func (h *Handler) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, ref := range h.watchers {
		_ = ref.w.Close()
		delete(h.watchers, id)
	}
}

func (h *Handler) handleConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.cfg.ClientView())
}

// writeJSON renders v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("write response: %v", err)
	}
}

// writeError emits {error: message} without leaking internals.
func writeError(w http.ResponseWriter, status int, format string, args ...any) {
	writeJSON(w, status, map[string]string{"error": fmt.Sprintf(format, args...)})
}

// writeDomainError maps typed engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, err error) {
	var denied *pushgate.ErrPermissionDenied
	var invalidRemote *pushgate.ErrInvalidRemote
	var conflict *store.ErrConflict
	var rateLimited *backend.RateLimitError
	var upstream *backend.UpstreamError
	var oauthErr *oauth.Error

	switch {
	case errors.As(err, &denied):
		writeError(w, http.StatusForbidden, "%s", denied.Error())
	case errors.As(err, &invalidRemote):
		writeError(w, http.StatusBadRequest, "%s", invalidRemote.Error())
	case errors.As(err, &conflict):
		writeError(w, http.StatusConflict, "%s", conflict.Error())
	case errors.As(err, &rateLimited):
		w.Header().Set("Retry-After", rateLimited.ResetAt.UTC().Format(http.TimeFormat))
		writeError(w, http.StatusServiceUnavailable, "%s", rateLimited.Error())
	case errors.As(err, &upstream):
		writeError(w, http.StatusBadGateway, "%s", upstream.Error())
	case errors.As(err, &oauthErr):
		writeJSON(w, http.StatusBadRequest, oauthErr)
	case strings.Contains(err.Error(), "not found"):
		writeError(w, http.StatusNotFound, "%s", err.Error())
	default:
		log.Printf("internal error: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// decodeJSON reads the request body into v.
func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

// loadSession resolves the path variable to a session, writing 404 on absence.
func (h *Handler) loadSession(w http.ResponseWriter, r *http.Request) *store.Session {
	id := mux.Vars(r)["id"]
	sess, err := h.sessions.Get(id)
	if err != nil {
		writeDomainError(w, err)
		return nil
	}
	if sess == nil {
		writeError(w, http.StatusNotFound, "session %s not found", id)
		return nil
	}
	return sess
}

// safePath resolves file against the session's repo and rejects anything that
// escapes it. The check applies to every handler taking a path parameter.
func safePath(repoPath, file string) (string, error) {
	if repoPath == "" {
		// hosted sessions have no local tree; paths are repository-relative
		if strings.Contains(file, "..") {
			return "", fmt.Errorf("path traversal detected in %q", file)
		}
		return file, nil
	}
	resolved := filepath.Clean(filepath.Join(repoPath, file))
	root := filepath.Clean(repoPath)
	if resolved != root && !strings.HasPrefix(resolved, root+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal detected in %q", file)
	}
	rel, err := filepath.Rel(root, resolved)
	if err != nil {
		return "", fmt.Errorf("path traversal detected in %q", file)
	}
	return filepath.ToSlash(rel), nil
}
