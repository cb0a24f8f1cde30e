package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/reviewd/reviewd/internal/util"
)

// BackendType distinguishes the two backend variants.
type BackendType string

const (
	BackendLocal  BackendType = "local"
	BackendHosted BackendType = "hosted"
)

// Session is a review in progress. The three overlay fields compose with the
// backend's change list to produce the effective file set; they are stored as
// JSON columns.
type Session struct {
	ID string `json:"id"`

	BackendType  BackendType `json:"backend_type"`
	RepoPath     string      `json:"repo_path,omitempty"`
	TargetBranch string      `json:"target_branch,omitempty"`
	Owner        string      `json:"owner,omitempty"`
	Repo         string      `json:"repo,omitempty"`
	PRNumber     int         `json:"pr_number,omitempty"`
	AuthTokenRef string      `json:"-"`

	Project string `json:"project"`
	Branch  string `json:"branch"`

	// RegisteredFiles maps path -> registering agent id. Entries may be
	// shadowed by ManualRemovals but are never deleted by a removal.
	RegisteredFiles map[string]string `json:"registered_files"`
	ManualAdditions []string          `json:"manual_additions"`
	ManualRemovals  []string          `json:"manual_removals"`

	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// CreateSession inserts a session. The caller supplies the deterministic id.
func (s *Store) CreateSession(sess *Session) error {
	if sess.RegisteredFiles == nil {
		sess.RegisteredFiles = map[string]string{}
	}
	reg, adds, removes, err := encodeOverlays(sess)
	if err != nil {
		return err
	}
	now := util.NowISO()
	sess.CreatedAt = now
	sess.UpdatedAt = now
	_, err = s.db.Exec(`INSERT INTO sessions
		(id, backend_type, repo_path, target_branch, owner, repo, pr_number, auth_token_ref,
		 project, branch, registered_files, manual_additions, manual_removals, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.BackendType, sess.RepoPath, sess.TargetBranch, sess.Owner, sess.Repo,
		sess.PRNumber, sess.AuthTokenRef, sess.Project, sess.Branch, reg, adds, removes, now, now)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession returns the session or nil when absent.
func (s *Store) GetSession(id string) (*Session, error) {
	row := s.db.QueryRow(`SELECT id, backend_type, repo_path, target_branch, owner, repo,
		pr_number, auth_token_ref, project, branch, registered_files, manual_additions,
		manual_removals, created_at, updated_at FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessions returns all sessions ordered by creation time descending.
func (s *Store) ListSessions() ([]*Session, error) {
	rows, err := s.db.Query(`SELECT id, backend_type, repo_path, target_branch, owner, repo,
		pr_number, auth_token_ref, project, branch, registered_files, manual_additions,
		manual_removals, created_at, updated_at FROM sessions ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// UpdateSession persists the mutable fields (overlays and target branch) and
// bumps updated_at.
func (s *Store) UpdateSession(sess *Session) error {
	reg, adds, removes, err := encodeOverlays(sess)
	if err != nil {
		return err
	}
	sess.UpdatedAt = util.NowISO()
	res, err := s.db.Exec(`UPDATE sessions SET target_branch = ?, branch = ?,
		registered_files = ?, manual_additions = ?, manual_removals = ?, updated_at = ?
		WHERE id = ?`,
		sess.TargetBranch, sess.Branch, reg, adds, removes, sess.UpdatedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	return requireRow(res, "session", sess.ID)
}

// TouchSession bumps updated_at, used by watcher-driven invalidation.
func (s *Store) TouchSession(id string) error {
	res, err := s.db.Exec(`UPDATE sessions SET updated_at = ? WHERE id = ?`, util.NowISO(), id)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return requireRow(res, "session", id)
}

// DeleteSession removes the session; comments cascade via foreign keys.
func (s *Store) DeleteSession(id string) error {
	res, err := s.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return requireRow(res, "session", id)
}

// ErrNotFound-style sentinel is avoided here: absent rows surface as nil from
// Get, and mutations on absent rows return a typed error from requireRow.

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(row scanner) (*Session, error) {
	var sess Session
	var reg, adds, removes string
	err := row.Scan(&sess.ID, &sess.BackendType, &sess.RepoPath, &sess.TargetBranch,
		&sess.Owner, &sess.Repo, &sess.PRNumber, &sess.AuthTokenRef, &sess.Project,
		&sess.Branch, &reg, &adds, &removes, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan session: %w", err)
	}
	if err := json.Unmarshal([]byte(reg), &sess.RegisteredFiles); err != nil {
		return nil, fmt.Errorf("decode registered_files: %w", err)
	}
	if err := json.Unmarshal([]byte(adds), &sess.ManualAdditions); err != nil {
		return nil, fmt.Errorf("decode manual_additions: %w", err)
	}
	if err := json.Unmarshal([]byte(removes), &sess.ManualRemovals); err != nil {
		return nil, fmt.Errorf("decode manual_removals: %w", err)
	}
	return &sess, nil
}

func encodeOverlays(sess *Session) (string, string, string, error) {
	reg, err := json.Marshal(orEmptyMap(sess.RegisteredFiles))
	if err != nil {
		return "", "", "", fmt.Errorf("encode registered_files: %w", err)
	}
	adds, err := json.Marshal(sortedCopy(sess.ManualAdditions))
	if err != nil {
		return "", "", "", fmt.Errorf("encode manual_additions: %w", err)
	}
	removes, err := json.Marshal(sortedCopy(sess.ManualRemovals))
	if err != nil {
		return "", "", "", fmt.Errorf("encode manual_removals: %w", err)
	}
	return string(reg), string(adds), string(removes), nil
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func sortedCopy(in []string) []string {
	out := make([]string, 0, len(in))
	out = append(out, in...)
	sort.Strings(out)
	return out
}

func requireRow(res sql.Result, kind, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s %s not found", kind, id)
	}
	return nil
}
