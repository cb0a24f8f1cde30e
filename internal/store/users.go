package store

import (
	"database/sql"
	"fmt"
	"strings"

	"github.com/reviewd/reviewd/internal/util"
)

// User identifies an operator account. The api_key column doubles as the
// personal-access-token storage for the hosted-PR API.
type User struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Name      string `json:"name"`
	APIKey    string `json:"api_key,omitempty"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// ErrConflict marks unique-constraint violations (duplicate email/api key).
type ErrConflict struct{ msg string }

func (e *ErrConflict) Error() string { return e.msg }

// CreateUser inserts a user. A duplicate email yields *ErrConflict.
func (s *Store) CreateUser(u *User) error {
	if u.ID == "" {
		u.ID = util.NewID()
	}
	now := util.NowISO()
	u.CreatedAt = now
	u.UpdatedAt = now

	var apiKey any
	if u.APIKey != "" {
		apiKey = u.APIKey
	}
	_, err := s.db.Exec(`INSERT INTO users (id, email, name, api_key, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`, u.ID, u.Email, u.Name, apiKey, now, now)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &ErrConflict{msg: fmt.Sprintf("user with email %s already exists", u.Email)}
		}
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

// GetUserByEmail returns the user or nil when absent.
func (s *Store) GetUserByEmail(email string) (*User, error) {
	row := s.db.QueryRow(`SELECT id, email, name, api_key, created_at, updated_at
		FROM users WHERE email = ?`, email)
	return scanUser(row)
}

// GetUserByAPIKey returns the user owning the key, or nil.
func (s *Store) GetUserByAPIKey(key string) (*User, error) {
	if key == "" {
		return nil, nil
	}
	row := s.db.QueryRow(`SELECT id, email, name, api_key, created_at, updated_at
		FROM users WHERE api_key = ?`, key)
	return scanUser(row)
}

// SetAPIKey stores (or clears, with "") the user's hosted-API token.
func (s *Store) SetAPIKey(userID, key string) error {
	var apiKey any
	if key != "" {
		apiKey = key
	}
	res, err := s.db.Exec(`UPDATE users SET api_key = ?, updated_at = ? WHERE id = ?`,
		apiKey, util.NowISO(), userID)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE") {
			return &ErrConflict{msg: "api key already in use"}
		}
		return fmt.Errorf("set api key: %w", err)
	}
	return requireRow(res, "user", userID)
}

func scanUser(row scanner) (*User, error) {
	var u User
	var apiKey sql.NullString
	err := row.Scan(&u.ID, &u.Email, &u.Name, &apiKey, &u.CreatedAt, &u.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan user: %w", err)
	}
	if apiKey.Valid {
		u.APIKey = apiKey.String
	}
	return &u, nil
}
