package store

import (
	"database/sql"
	"fmt"

	"github.com/reviewd/reviewd/internal/util"
)

// Comment is a threaded annotation on a line. Replies carry a ParentID and
// inherit file/line from their parent when created without them.
type Comment struct {
	ID        string `json:"id"`
	SessionID string `json:"session_id"`
	ParentID  string `json:"parent_id,omitempty"`

	File string `json:"file"`
	Line int    `json:"line"`
	Side string `json:"side,omitempty"` // "new" or "old"

	Text   string `json:"text"`
	Author string `json:"author"`

	// Snippets captured at creation time, used for staleness detection.
	LineContent     string `json:"line_content,omitempty"`
	ContextBefore   string `json:"context_before,omitempty"`
	ContextAfter    string `json:"context_after,omitempty"`
	LineContentHash string `json:"line_content_hash,omitempty"`

	Resolved  bool   `json:"resolved"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// AddComment inserts a comment. When LineContent is set and no hash was
// provided, the hash is computed here so staleness checks stay consistent.
func (s *Store) AddComment(c *Comment) error {
	if c.ID == "" {
		c.ID = util.NewID()
	}
	if c.LineContentHash == "" && c.LineContent != "" {
		c.LineContentHash = util.SHA256Hex(c.LineContent)
	}
	now := util.NowISO()
	c.CreatedAt = now
	c.UpdatedAt = now

	var parent any
	if c.ParentID != "" {
		parent = c.ParentID
	}
	_, err := s.db.Exec(`INSERT INTO comments
		(id, session_id, parent_id, file, line, side, text, author,
		 line_content, context_before, context_after, line_content_hash,
		 resolved, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.SessionID, parent, c.File, c.Line, c.Side, c.Text, c.Author,
		c.LineContent, c.ContextBefore, c.ContextAfter, c.LineContentHash,
		boolToInt(c.Resolved), now, now)
	if err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// GetComment returns the comment or nil when absent.
func (s *Store) GetComment(id string) (*Comment, error) {
	row := s.db.QueryRow(selectComment+` WHERE id = ?`, id)
	return scanComment(row)
}

// ListComments returns the session's comments in creation order. When file is
// non-empty only comments anchored to that file (and their replies) are
// returned.
func (s *Store) ListComments(sessionID, file string) ([]*Comment, error) {
	query := selectComment + ` WHERE session_id = ?`
	args := []any{sessionID}
	if file != "" {
		query += ` AND file = ?`
		args = append(args, file)
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	var comments []*Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, err
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// SetResolved flips the resolved flag and bumps updated_at.
func (s *Store) SetResolved(id string, resolved bool) error {
	res, err := s.db.Exec(`UPDATE comments SET resolved = ?, updated_at = ? WHERE id = ?`,
		boolToInt(resolved), util.NowISO(), id)
	if err != nil {
		return fmt.Errorf("set resolved: %w", err)
	}
	return requireRow(res, "comment", id)
}

// DeleteComment removes a comment; descendants cascade via foreign keys.
func (s *Store) DeleteComment(id string) error {
	res, err := s.db.Exec(`DELETE FROM comments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete comment: %w", err)
	}
	return requireRow(res, "comment", id)
}

// UnresolvedCount counts unresolved comments for a session, replies included.
func (s *Store) UnresolvedCount(sessionID string) (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM comments WHERE session_id = ? AND resolved = 0`,
		sessionID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("unresolved count: %w", err)
	}
	return n, nil
}

const selectComment = `SELECT id, session_id, parent_id, file, line, side, text, author,
	line_content, context_before, context_after, line_content_hash,
	resolved, created_at, updated_at FROM comments`

func scanComment(row scanner) (*Comment, error) {
	var c Comment
	var parent sql.NullString
	var resolved int
	err := row.Scan(&c.ID, &c.SessionID, &parent, &c.File, &c.Line, &c.Side, &c.Text,
		&c.Author, &c.LineContent, &c.ContextBefore, &c.ContextAfter, &c.LineContentHash,
		&resolved, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan comment: %w", err)
	}
	if parent.Valid {
		c.ParentID = parent.String
	}
	c.Resolved = resolved != 0
	return &c, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
