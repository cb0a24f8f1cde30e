package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/reviewd/reviewd/internal/events"
	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
	"github.com/reviewd/reviewd/internal/watcher"
)

// heartbeatInterval keeps idle SSE connections alive through proxies.
const heartbeatInterval = 15 * time.Second

// handleEvents serves the SSE stream. An optional ?session= filter scopes
// delivery; subscribing to a local session also starts its watcher.
func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	sessionID := r.URL.Query().Get("session")
	if sessionID != "" {
		if sess, err := h.sessions.Get(sessionID); err == nil && sess != nil {
			h.acquireWatcher(sess)
			defer h.releaseWatcher(sessionID)
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	sub := h.bus.Subscribe(sessionID)
	defer sub.Close()

	clientID := util.NewID()
	if err := writeSSE(w, events.Event{
		Type:      events.Connected,
		SessionID: sessionID,
		Payload:   map[string]string{"client_id": clientID},
		Time:      util.NowISO(),
	}); err != nil {
		return
	}
	flusher.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			// A failed write means the client is gone; drop only this
			// subscriber and leave the rest of the bus untouched.
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()

		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()

		case <-r.Context().Done():
			return
		}
	}
}

// writeSSE frames one event as a named SSE message.
func writeSSE(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data)
	return err
}

// watcherRef counts the SSE subscribers holding a session's watcher open.
type watcherRef struct {
	w    *watcher.Watcher
	refs int
}

// acquireWatcher starts the working-tree watcher for a local session, or adds
// a reference to the running one. Change batches bump the session timestamp
// and fan out as files-changed followed by diff-changed.
func (h *Handler) acquireWatcher(sess *store.Session) {
	if sess.BackendType != store.BackendLocal || sess.RepoPath == "" {
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ref, running := h.watchers[sess.ID]; running {
		ref.refs++
		return
	}

	sessionID := sess.ID
	debounce := time.Duration(h.cfg.WatcherDebounceMS) * time.Millisecond
	w, err := watcher.New(sess.RepoPath, debounce, func(paths []string) {
		if err := h.store.TouchSession(sessionID); err != nil {
			log.Printf("touch session %s: %v", sessionID, err)
		}
		h.bus.Publish(events.Event{
			Type:      events.FilesChanged,
			SessionID: sessionID,
			Payload:   map[string]any{"paths": paths},
		})
		if h.batchTouchesReview(sessionID, paths) {
			h.bus.Publish(events.Event{Type: events.DiffChanged, SessionID: sessionID})
		}
	})
	if err != nil {
		log.Printf("create watcher for %s: %v", sessionID, err)
		return
	}
	if err := w.Start(); err != nil {
		log.Printf("start watcher for %s: %v", sessionID, err)
		return
	}
	h.watchers[sessionID] = &watcherRef{w: w, refs: 1}
}

// batchTouchesReview reports whether any changed path is in the session's
// effective file set. A batch of out-of-scope files does not invalidate the
// diff.
func (h *Handler) batchTouchesReview(sessionID string, paths []string) bool {
	sess, err := h.sessions.Get(sessionID)
	if err != nil || sess == nil {
		return false
	}
	files, err := h.sessions.EffectiveFiles(context.Background(), sess)
	if err != nil {
		// cannot tell; assume the diff moved
		return true
	}
	inScope := make(map[string]bool, len(files))
	for _, f := range files {
		inScope[f.Path] = true
	}
	for _, p := range paths {
		if inScope[p] {
			return true
		}
	}
	return false
}

// releaseWatcher drops one reference; the last subscriber tears the watch down.
func (h *Handler) releaseWatcher(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ref, ok := h.watchers[sessionID]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs <= 0 {
		_ = ref.w.Close()
		delete(h.watchers, sessionID)
	}
}

// stopWatcher tears down the session's watcher regardless of subscribers.
// Used on session delete and server shutdown.
func (h *Handler) stopWatcher(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ref, ok := h.watchers[sessionID]; ok {
		_ = ref.w.Close()
		delete(h.watchers, sessionID)
	}
}
