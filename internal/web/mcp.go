package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/reviewd/reviewd/internal/backend"
	"github.com/reviewd/reviewd/internal/events"
	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/push"
	"github.com/reviewd/reviewd/internal/session"
	"github.com/reviewd/reviewd/internal/store"
)

// mcpHandler lazily builds the JSON-RPC tool endpoint. The SDK owns the
// protocol: initialize, tools/list, tools/call and the standard error codes.
func (h *Handler) mcpHandler() http.Handler {
	h.mcpOnce.Do(func() {
		server := mcp.NewServer(&mcp.Implementation{
			Name:    "reviewd",
			Version: "v1.0.0",
		}, nil)
		h.registerTools(server)
		h.mcp = mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
			return server
		}, nil)
	})
	return h.mcp
}

// textResult marshals v as the single text content block tool callers expect.
func textResult(v any) (*mcp.CallToolResult, any, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: string(data)}},
	}, nil, nil
}

func errResult(format string, args ...any) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}, nil, nil
}

// requireSession loads the named session or reports a tool error.
func (h *Handler) requireSession(id string) (*store.Session, *mcp.CallToolResult) {
	sess, err := h.sessions.Get(id)
	if err != nil || sess == nil {
		res, _, _ := errResult("session %s not found", id)
		return nil, res
	}
	return sess, nil
}

type listSessionsParams struct{}

type getOrCreateSessionParams struct {
	RepoPath     string `json:"repo_path,omitempty" jsonschema:"Absolute path to a local repository"`
	TargetBranch string `json:"target_branch,omitempty" jsonschema:"Branch the diff is computed against"`
	PRRef        string `json:"pr_ref,omitempty" jsonschema:"Pull request reference (URL or owner/repo#N) for hosted sessions"`
}

type registerFilesParams struct {
	SessionID string   `json:"session_id" jsonschema:"Session id"`
	Paths     []string `json:"paths" jsonschema:"Repository-relative paths to pull into the review"`
	AgentID   string   `json:"agent_id" jsonschema:"Identifier of the registering agent"`
}

type sessionOnlyParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
}

type pendingFeedbackParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	File      string `json:"file,omitempty" jsonschema:"Restrict to one file"`
}

type addCommentParams struct {
	SessionID   string `json:"session_id" jsonschema:"Session id"`
	Text        string `json:"text" jsonschema:"Comment body"`
	Author      string `json:"author" jsonschema:"Comment author"`
	File        string `json:"file,omitempty" jsonschema:"File the comment anchors to (required unless replying)"`
	Line        int    `json:"line,omitempty" jsonschema:"1-indexed line on the new side of the diff"`
	Side        string `json:"side,omitempty" jsonschema:"new or old"`
	ParentID    string `json:"parent_id,omitempty" jsonschema:"Comment id being replied to"`
	LineContent string `json:"line_content,omitempty" jsonschema:"Captured content of the anchored line"`
}

type commentActionParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	CommentID string `json:"comment_id" jsonschema:"Comment id"`
	Author    string `json:"author,omitempty" jsonschema:"Acting author"`
}

type submitReviewParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	Branch    string `json:"branch,omitempty" jsonschema:"Branch to push (defaults to the checked-out branch)"`
	OpenPR    bool   `json:"open_pr,omitempty" jsonschema:"Open a pull request after pushing"`
	Title     string `json:"title,omitempty" jsonschema:"Pull request title"`
	Body      string `json:"body,omitempty" jsonschema:"Pull request body"`
}

type getContextParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	File      string `json:"file" jsonschema:"Repository-relative file path"`
	From      int    `json:"from" jsonschema:"First line, 1-indexed inclusive"`
	To        int    `json:"to" jsonschema:"Last line, 1-indexed inclusive"`
}

type listDirectoryParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	Path      string `json:"path,omitempty" jsonschema:"Repository-relative directory (default repository root)"`
}

type getFileContentParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	File      string `json:"file" jsonschema:"Repository-relative file path"`
	Side      string `json:"side,omitempty" jsonschema:"head (default) or base"`
}

type getHistoryParams struct {
	SessionID string `json:"session_id" jsonschema:"Session id"`
	Limit     int    `json:"limit,omitempty" jsonschema:"Maximum commits (default 20)"`
}

func (h *Handler) registerTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_sessions",
		Description: "List all review sessions",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params listSessionsParams) (*mcp.CallToolResult, any, error) {
		sessions, err := h.sessions.List()
		if err != nil {
			return errResult("list sessions: %v", err)
		}
		return textResult(map[string]any{"sessions": sessions})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_or_create_session",
		Description: "Resolve the review session for a local repository or a hosted pull request, creating it if needed",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params getOrCreateSessionParams) (*mcp.CallToolResult, any, error) {
		if params.PRRef != "" {
			sess, err := h.sessions.GetOrCreateHosted(params.PRRef)
			if err != nil {
				return errResult("%v", err)
			}
			return textResult(map[string]any{"session": sess})
		}
		if params.RepoPath == "" {
			return errResult("repo_path or pr_ref is required")
		}
		if info, err := os.Stat(params.RepoPath); err != nil || !info.IsDir() {
			return errResult("repo_path %s does not exist", params.RepoPath)
		}
		sess, err := h.sessions.GetOrCreateLocal(params.RepoPath, params.TargetBranch)
		if err != nil {
			return errResult("%v", err)
		}
		return textResult(map[string]any{"session": sess})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "register_files",
		Description: "Register files into the review scope under an agent's ownership",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params registerFilesParams) (*mcp.CallToolResult, any, error) {
		if params.AgentID == "" || len(params.Paths) == 0 {
			return errResult("paths and agent_id are required")
		}
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		clean, bad := h.cleanPaths(sess, params.Paths)
		if bad != "" {
			return errResult("path traversal detected in %q", bad)
		}
		added, err := h.sessions.RegisterFiles(sess, params.AgentID, clean)
		if err != nil {
			return errResult("%v", err)
		}
		h.bus.Publish(events.Event{Type: events.SessionUpdated, SessionID: sess.ID})
		return textResult(map[string]any{"registered": orEmpty(added)})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "unregister_files",
		Description: "Remove an agent's own registered files from the review scope",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params registerFilesParams) (*mcp.CallToolResult, any, error) {
		if params.AgentID == "" || len(params.Paths) == 0 {
			return errResult("paths and agent_id are required")
		}
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		clean, bad := h.cleanPaths(sess, params.Paths)
		if bad != "" {
			return errResult("path traversal detected in %q", bad)
		}
		if err := h.sessions.UnregisterFiles(sess, params.AgentID, clean); err != nil {
			return errResult("%v", err)
		}
		h.bus.Publish(events.Event{Type: events.SessionUpdated, SessionID: sess.ID})
		return textResult(map[string]any{"unregistered": clean})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_review_state",
		Description: "Full review snapshot: scope, diff, parsed hunks and annotated comment threads",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params sessionOnlyParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		state, err := h.sessions.ReviewState(ctx, sess)
		if err != nil {
			return errResult("%v", err)
		}
		return textResult(state)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_pending_feedback",
		Description: "Unresolved comment threads awaiting action, grouped by file",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params pendingFeedbackParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		threads, err := h.sessions.Comments(ctx, sess, params.File)
		if err != nil {
			return errResult("%v", err)
		}
		pending := map[string][]*session.Thread{}
		count := 0
		for _, t := range threads {
			if t.Resolved {
				continue
			}
			pending[t.File] = append(pending[t.File], t)
			count++
		}
		return textResult(map[string]any{"pending": pending, "count": count})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "add_comment",
		Description: "Add a review comment or a reply. Replies inherit file and line from their parent",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params addCommentParams) (*mcp.CallToolResult, any, error) {
		if params.Text == "" || params.Author == "" {
			return errResult("text and author are required")
		}
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		if params.File == "" && params.ParentID == "" {
			return errResult("file is required for top-level comments")
		}
		if params.File != "" {
			rel, err := safePath(sess.RepoPath, params.File)
			if err != nil {
				return errResult("%v", err)
			}
			params.File = rel
		}
		c := &store.Comment{
			File:        params.File,
			Line:        params.Line,
			Side:        params.Side,
			Text:        params.Text,
			Author:      params.Author,
			ParentID:    params.ParentID,
			LineContent: params.LineContent,
		}
		if err := h.sessions.AddComment(ctx, sess, c); err != nil {
			return errResult("%v", err)
		}
		h.bus.Publish(events.Event{Type: events.CommentAdded, SessionID: sess.ID, Payload: c})
		return textResult(map[string]any{"comment": c})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "resolve_comment",
		Description: "Mark a comment thread resolved",
	}, h.resolveTool(true, events.CommentResolved))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "unresolve_comment",
		Description: "Reopen a resolved comment thread",
	}, h.resolveTool(false, events.CommentUnresolved))

	mcp.AddTool(server, &mcp.Tool{
		Name:        "submit_review",
		Description: "Push the session's branch through the permission gate, optionally opening a pull request",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params submitReviewParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		if sess.BackendType != store.BackendLocal {
			return errResult("submit_review requires a local session")
		}
		branch := params.Branch
		if branch == "" {
			branch = h.git.CurrentBranch(sess.RepoPath)
		}
		res, err := h.pusher.Push(ctx, push.Request{
			RepoPath:   sess.RepoPath,
			Branch:     branch,
			OpenPR:     params.OpenPR,
			Title:      params.Title,
			Body:       params.Body,
			BaseBranch: sess.TargetBranch,
		})
		if err != nil {
			return errResult("%v", err)
		}
		h.bus.Publish(events.Event{Type: events.ReviewSubmitted, SessionID: sess.ID, Payload: res})
		return textResult(res)
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_context",
		Description: "Read a 1-indexed inclusive line range of a file on the new side of the diff",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params getContextParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		file, err := safePath(sess.RepoPath, params.File)
		if err != nil {
			return errResult("%v", err)
		}
		from := params.From
		if from < 1 {
			from = 1
		}
		if from > params.To {
			return errResult("from must be <= to")
		}
		b, err := h.sessions.Backend(sess)
		if err != nil {
			return errResult("%v", err)
		}
		content, found, err := b.GetFileContent(ctx, file, backend.SideHead, nil)
		if err != nil {
			return errResult("%v", err)
		}
		if !found {
			return errResult("file %s not found", file)
		}
		lines := git.ExtractLines(content, from, params.To)
		type numbered struct {
			Line    int    `json:"line"`
			Content string `json:"content"`
		}
		out := make([]numbered, 0, len(lines))
		for i, l := range lines {
			out = append(out, numbered{Line: from + i, Content: l})
		}
		return textResult(map[string]any{"file": file, "from": from, "to": params.To, "lines": out})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "list_directory",
		Description: "List entries of a directory inside a local session's repository",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params listDirectoryParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		if sess.BackendType != store.BackendLocal {
			return errResult("list_directory requires a local session")
		}
		rel, err := safePath(sess.RepoPath, params.Path)
		if err != nil {
			return errResult("%v", err)
		}
		entries, err := os.ReadDir(joinRepo(sess.RepoPath, rel))
		if err != nil {
			return errResult("read directory: %v", err)
		}
		type entry struct {
			Name  string `json:"name"`
			IsDir bool   `json:"is_dir"`
		}
		out := make([]entry, 0, len(entries))
		for _, e := range entries {
			out = append(out, entry{Name: e.Name(), IsDir: e.IsDir()})
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
		return textResult(map[string]any{"path": rel, "entries": out})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_file_content",
		Description: "Read full file content on one side of the diff",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params getFileContentParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		file, err := safePath(sess.RepoPath, params.File)
		if err != nil {
			return errResult("%v", err)
		}
		side := backend.SideHead
		if strings.EqualFold(params.Side, "base") {
			side = backend.SideBase
		}
		b, err := h.sessions.Backend(sess)
		if err != nil {
			return errResult("%v", err)
		}
		content, found, err := b.GetFileContent(ctx, file, side, nil)
		if err != nil {
			return errResult("%v", err)
		}
		if !found {
			return errResult("file %s not found", file)
		}
		return textResult(map[string]any{"file": file, "side": side, "content": content})
	})

	mcp.AddTool(server, &mcp.Tool{
		Name:        "get_history",
		Description: "Recent one-line commit summaries of a local session's repository",
	}, func(ctx context.Context, req *mcp.CallToolRequest, params getHistoryParams) (*mcp.CallToolResult, any, error) {
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		if sess.BackendType != store.BackendLocal {
			return errResult("get_history requires a local session")
		}
		return textResult(map[string]any{"history": orEmpty(h.git.Log(sess.RepoPath, params.Limit))})
	})
}

// resolveTool builds the shared resolve/unresolve handler.
func (h *Handler) resolveTool(resolved bool, evType events.Type) func(context.Context, *mcp.CallToolRequest, commentActionParams) (*mcp.CallToolResult, any, error) {
	return func(ctx context.Context, req *mcp.CallToolRequest, params commentActionParams) (*mcp.CallToolResult, any, error) {
		if params.CommentID == "" {
			return errResult("comment_id is required")
		}
		sess, fail := h.requireSession(params.SessionID)
		if fail != nil {
			return fail, nil, nil
		}
		if err := h.sessions.Resolve(ctx, sess, params.CommentID, resolved); err != nil {
			return errResult("%v", err)
		}
		h.bus.Publish(events.Event{Type: evType, SessionID: sess.ID, Payload: map[string]string{
			"comment_id": params.CommentID,
			"author":     params.Author,
		}})
		return textResult(map[string]any{"comment_id": params.CommentID, "resolved": resolved})
	}
}

// cleanPaths applies the traversal guard to a batch; the first offender is
// returned.
func (h *Handler) cleanPaths(sess *store.Session, paths []string) ([]string, string) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		rel, err := safePath(sess.RepoPath, p)
		if err != nil {
			return nil, p
		}
		out = append(out, rel)
	}
	return out, ""
}
