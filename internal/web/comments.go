package web

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/reviewd/reviewd/internal/events"
	"github.com/reviewd/reviewd/internal/session"
	"github.com/reviewd/reviewd/internal/store"
)

func (h *Handler) handleListComments(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	threads, err := h.sessions.Comments(r.Context(), sess, r.URL.Query().Get("file"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if threads == nil {
		threads = []*session.Thread{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": threads})
}

type addCommentRequest struct {
	File        string `json:"file"`
	Line        int    `json:"line"`
	Side        string `json:"side"`
	Text        string `json:"text"`
	Author      string `json:"author"`
	ParentID    string `json:"parent_id"`
	LineContent string `json:"line_content"`
}

func (h *Handler) handleAddComment(w http.ResponseWriter, r *http.Request) {
	sess := h.loadSession(w, r)
	if sess == nil {
		return
	}
	var req addCommentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if req.Text == "" || req.Author == "" {
		writeError(w, http.StatusBadRequest, "text and author are required")
		return
	}
	if req.File == "" && req.ParentID == "" {
		writeError(w, http.StatusBadRequest, "file is required for top-level comments")
		return
	}
	if req.File != "" {
		rel, err := safePath(sess.RepoPath, req.File)
		if err != nil {
			writeError(w, http.StatusBadRequest, "%s", err.Error())
			return
		}
		req.File = rel
	}

	c := &store.Comment{
		File:        req.File,
		Line:        req.Line,
		Side:        req.Side,
		Text:        req.Text,
		Author:      req.Author,
		ParentID:    req.ParentID,
		LineContent: req.LineContent,
	}
	if err := h.sessions.AddComment(r.Context(), sess, c); err != nil {
		writeDomainError(w, err)
		return
	}
	h.bus.Publish(events.Event{Type: events.CommentAdded, SessionID: sess.ID, Payload: c})
	writeJSON(w, http.StatusOK, map[string]any{"comment": c})
}

// handleDeleteComment removes a locally-stored comment and its descendants.
func (h *Handler) handleDeleteComment(w http.ResponseWriter, r *http.Request) {
	commentID := mux.Vars(r)["id"]

	c, err := h.store.GetComment(commentID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	if c == nil {
		writeError(w, http.StatusNotFound, "comment %s not found", commentID)
		return
	}

	if err := h.store.DeleteComment(commentID); err != nil {
		writeDomainError(w, err)
		return
	}
	h.bus.Publish(events.Event{Type: events.CommentDeleted, SessionID: c.SessionID, Payload: map[string]string{
		"comment_id": commentID,
	}})
	writeJSON(w, http.StatusOK, map[string]any{"deleted": commentID})
}

type resolveRequest struct {
	Author    string `json:"author"`
	SessionID string `json:"session_id"`
}

// handleResolve covers both resolve and unresolve. Hosted comment ids carry no
// local row, so the session may be named explicitly in the body.
func (h *Handler) handleResolve(resolved bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		commentID := mux.Vars(r)["id"]

		var req resolveRequest
		if err := decodeJSON(r, &req); err != nil || req.Author == "" {
			writeError(w, http.StatusBadRequest, "author is required")
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			c, err := h.store.GetComment(commentID)
			if err != nil {
				writeDomainError(w, err)
				return
			}
			if c == nil {
				writeError(w, http.StatusNotFound, "comment %s not found", commentID)
				return
			}
			sessionID = c.SessionID
		}

		sess, err := h.sessions.Get(sessionID)
		if err != nil {
			writeDomainError(w, err)
			return
		}
		if sess == nil {
			writeError(w, http.StatusNotFound, "session %s not found", sessionID)
			return
		}

		if err := h.sessions.Resolve(r.Context(), sess, commentID, resolved); err != nil {
			writeDomainError(w, err)
			return
		}

		evType := events.CommentResolved
		if !resolved {
			evType = events.CommentUnresolved
		}
		h.bus.Publish(events.Event{Type: evType, SessionID: sess.ID, Payload: map[string]string{
			"comment_id": commentID,
			"author":     req.Author,
		}})
		writeJSON(w, http.StatusOK, map[string]any{"comment_id": commentID, "resolved": resolved})
	}
}
