package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/reviewd/reviewd/internal/util"
)

// OAuthClient is a registered OAuth client.
type OAuthClient struct {
	ID           string   `json:"client_id"`
	Secret       string   `json:"client_secret,omitempty"`
	Name         string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scopes       []string `json:"scopes"`
	CreatedAt    string   `json:"created_at"`
}

// OAuthState is a pending authorization: PKCE challenge plus, once the user
// approves, the single-use authorization code. Expiry is wall-clock seconds.
type OAuthState struct {
	State         string
	ClientID      string
	RedirectURI   string
	Scope         string
	CodeChallenge string
	Code          string
	ExpiresAt     int64
}

// OAuthToken is a stored access or refresh token.
type OAuthToken struct {
	Token     string
	ClientID  string
	Scope     string
	ExpiresAt int64
}

// RegisterClient inserts an OAuth client.
func (s *Store) RegisterClient(c *OAuthClient) error {
	uris, err := json.Marshal(c.RedirectURIs)
	if err != nil {
		return fmt.Errorf("encode redirect_uris: %w", err)
	}
	scopes, err := json.Marshal(c.Scopes)
	if err != nil {
		return fmt.Errorf("encode scopes: %w", err)
	}
	now := util.NowISO()
	c.CreatedAt = now
	_, err = s.db.Exec(`INSERT INTO oauth_clients (id, secret, name, redirect_uris, scopes, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`, c.ID, c.Secret, c.Name, string(uris), string(scopes), now, now)
	if err != nil {
		return fmt.Errorf("insert oauth client: %w", err)
	}
	return nil
}

// GetClient returns the client or nil when absent.
func (s *Store) GetClient(id string) (*OAuthClient, error) {
	var c OAuthClient
	var uris, scopes string
	err := s.db.QueryRow(`SELECT id, secret, name, redirect_uris, scopes, created_at
		FROM oauth_clients WHERE id = ?`, id).
		Scan(&c.ID, &c.Secret, &c.Name, &uris, &scopes, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get oauth client: %w", err)
	}
	if err := json.Unmarshal([]byte(uris), &c.RedirectURIs); err != nil {
		return nil, fmt.Errorf("decode redirect_uris: %w", err)
	}
	if err := json.Unmarshal([]byte(scopes), &c.Scopes); err != nil {
		return nil, fmt.Errorf("decode scopes: %w", err)
	}
	return &c, nil
}

// SaveState stores a pending authorization.
func (s *Store) SaveState(st *OAuthState) error {
	var code any
	if st.Code != "" {
		code = st.Code
	}
	_, err := s.db.Exec(`INSERT OR REPLACE INTO oauth_state
		(state, client_id, redirect_uri, scope, code_challenge, code, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		st.State, st.ClientID, st.RedirectURI, st.Scope, st.CodeChallenge, code,
		st.ExpiresAt, util.NowISO())
	if err != nil {
		return fmt.Errorf("save oauth state: %w", err)
	}
	return nil
}

// ConsumeCode atomically looks up and deletes the state holding the given
// authorization code. Expired or unknown codes return nil.
func (s *Store) ConsumeCode(code string) (*OAuthState, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var st OAuthState
	var storedCode sql.NullString
	err = tx.QueryRow(`SELECT state, client_id, redirect_uri, scope, code_challenge, code, expires_at
		FROM oauth_state WHERE code = ?`, code).
		Scan(&st.State, &st.ClientID, &st.RedirectURI, &st.Scope, &st.CodeChallenge,
			&storedCode, &st.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup code: %w", err)
	}
	st.Code = storedCode.String

	if _, err := tx.Exec(`DELETE FROM oauth_state WHERE state = ?`, st.State); err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	// An expired code is treated as absent.
	if st.ExpiresAt <= time.Now().Unix() {
		return nil, nil
	}
	return &st, nil
}

// SaveAccessToken stores an access token.
func (s *Store) SaveAccessToken(t *OAuthToken) error {
	return s.saveToken("oauth_access_tokens", t)
}

// GetAccessToken returns a live access token, or nil when absent or expired.
func (s *Store) GetAccessToken(token string) (*OAuthToken, error) {
	return s.getToken("oauth_access_tokens", token)
}

// DeleteAccessToken revokes an access token. Unknown tokens are a no-op.
func (s *Store) DeleteAccessToken(token string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_access_tokens WHERE token = ?`, token)
	return err
}

// SaveRefreshToken stores a refresh token.
func (s *Store) SaveRefreshToken(t *OAuthToken) error {
	return s.saveToken("oauth_refresh_tokens", t)
}

// GetRefreshToken returns a live refresh token, or nil when absent or expired.
func (s *Store) GetRefreshToken(token string) (*OAuthToken, error) {
	return s.getToken("oauth_refresh_tokens", token)
}

// DeleteRefreshToken revokes a refresh token. Unknown tokens are a no-op.
func (s *Store) DeleteRefreshToken(token string) error {
	_, err := s.db.Exec(`DELETE FROM oauth_refresh_tokens WHERE token = ?`, token)
	return err
}

func (s *Store) saveToken(table string, t *OAuthToken) error {
	_, err := s.db.Exec(`INSERT INTO `+table+` (token, client_id, scope, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?)`, t.Token, t.ClientID, t.Scope, t.ExpiresAt, util.NowISO())
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

func (s *Store) getToken(table, token string) (*OAuthToken, error) {
	var t OAuthToken
	err := s.db.QueryRow(`SELECT token, client_id, scope, expires_at FROM `+table+` WHERE token = ?`,
		token).Scan(&t.Token, &t.ClientID, &t.Scope, &t.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token: %w", err)
	}
	if t.ExpiresAt <= time.Now().Unix() {
		return nil, nil
	}
	return &t, nil
}
