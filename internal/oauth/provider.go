// Package oauth implements the embedded OAuth 2.0 provider used by agent
// clients: dynamic registration, PKCE authorization code flow, refresh token
// rotation and revocation. The provider is loopback-only; registration
// rejects redirect URIs pointing anywhere else.
package oauth

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
)

// codeTTL bounds how long an authorization code stays exchangeable.
const codeTTL = 600 * time.Second

var allowedScopes = map[string]bool{"read": true, "write": true}

// Error is an OAuth protocol error, rendered as {"error", "error_description"}.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

func oauthErr(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Provider issues and validates tokens against the embedded store.
type Provider struct {
	store      *store.Store
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewProvider builds a provider signing access tokens with secret.
func NewProvider(s *store.Store, secret string, accessTTL, refreshTTL time.Duration) *Provider {
	return &Provider{
		store:      s,
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// RegistrationRequest is the dynamic client registration payload.
type RegistrationRequest struct {
	ClientName   string   `json:"client_name"`
	RedirectURIs []string `json:"redirect_uris"`
	Scope        string   `json:"scope,omitempty"`
}

// Register validates and persists a new client. Redirect URIs must point at
// the loopback interface or a private network; scopes default to read.
func (p *Provider) Register(req *RegistrationRequest) (*store.OAuthClient, error) {
	if req.ClientName == "" {
		return nil, oauthErr("invalid_client_metadata", "client_name is required")
	}
	if len(req.RedirectURIs) == 0 {
		return nil, oauthErr("invalid_client_metadata", "at least one redirect_uri is required")
	}
	for _, uri := range req.RedirectURIs {
		if !localRedirectURI(uri) {
			return nil, oauthErr("invalid_redirect_uri", "redirect_uri %s is not local", uri)
		}
	}

	scopes := strings.Fields(req.Scope)
	if len(scopes) == 0 {
		scopes = []string{"read"}
	}
	for _, sc := range scopes {
		if !allowedScopes[sc] {
			return nil, oauthErr("invalid_scope", "unknown scope %s", sc)
		}
	}

	client := &store.OAuthClient{
		ID:           util.NewID(),
		Secret:       util.NewToken(32),
		Name:         req.ClientName,
		RedirectURIs: req.RedirectURIs,
		Scopes:       scopes,
	}
	if err := p.store.RegisterClient(client); err != nil {
		return nil, err
	}
	return client, nil
}

// localRedirectURI accepts http(s) URIs whose host is localhost, the loopback
// interface or a private address.
func localRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	host := u.Hostname()
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || ip.IsPrivate()
}

// AuthorizeRequest is the parsed authorization query.
type AuthorizeRequest struct {
	ClientID            string
	RedirectURI         string
	ResponseType        string
	Scope               string
	State               string
	CodeChallenge       string
	CodeChallengeMethod string
}

// Authorize validates the request and, this being a single-user local server,
// approves it immediately. It returns the redirect URL carrying the code.
func (p *Provider) Authorize(req *AuthorizeRequest) (string, error) {
	client, err := p.store.GetClient(req.ClientID)
	if err != nil {
		return "", err
	}
	if client == nil {
		return "", oauthErr("invalid_client", "unknown client_id")
	}
	if !containsString(client.RedirectURIs, req.RedirectURI) {
		return "", oauthErr("invalid_request", "redirect_uri is not registered")
	}
	if req.ResponseType != "code" {
		return "", oauthErr("unsupported_response_type", "only code is supported")
	}
	if req.CodeChallenge == "" || req.CodeChallengeMethod != "S256" {
		return "", oauthErr("invalid_request", "PKCE with S256 is required")
	}
	scope := req.Scope
	if scope == "" {
		scope = strings.Join(client.Scopes, " ")
	}
	for _, sc := range strings.Fields(scope) {
		if !containsString(client.Scopes, sc) {
			return "", oauthErr("invalid_scope", "scope %s is not granted to this client", sc)
		}
	}

	code := util.NewToken(32)
	st := &store.OAuthState{
		State:         util.NewToken(16),
		ClientID:      req.ClientID,
		RedirectURI:   req.RedirectURI,
		Scope:         scope,
		CodeChallenge: req.CodeChallenge,
		Code:          code,
		ExpiresAt:     time.Now().Add(codeTTL).Unix(),
	}
	if err := p.store.SaveState(st); err != nil {
		return "", err
	}

	redirect, err := url.Parse(req.RedirectURI)
	if err != nil {
		return "", oauthErr("invalid_request", "malformed redirect_uri")
	}
	q := redirect.Query()
	q.Set("code", code)
	if req.State != "" {
		q.Set("state", req.State)
	}
	redirect.RawQuery = q.Encode()
	return redirect.String(), nil
}

// TokenRequest is the parsed token endpoint form.
type TokenRequest struct {
	GrantType    string
	Code         string
	CodeVerifier string
	RedirectURI  string
	ClientID     string
	RefreshToken string
}

// TokenResponse is the token endpoint success payload.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// Token handles both supported grants.
func (p *Provider) Token(req *TokenRequest) (*TokenResponse, error) {
	switch req.GrantType {
	case "authorization_code":
		return p.exchangeCode(req)
	case "refresh_token":
		return p.refresh(req)
	default:
		return nil, oauthErr("unsupported_grant_type", "grant_type %s is not supported", req.GrantType)
	}
}

func (p *Provider) exchangeCode(req *TokenRequest) (*TokenResponse, error) {
	st, err := p.store.ConsumeCode(req.Code)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, oauthErr("invalid_grant", "authorization code is invalid or expired")
	}
	if st.ClientID != req.ClientID {
		return nil, oauthErr("invalid_grant", "code was issued to another client")
	}
	if st.RedirectURI != req.RedirectURI {
		return nil, oauthErr("invalid_grant", "redirect_uri does not match")
	}
	if !util.VerifyPKCE(st.CodeChallenge, req.CodeVerifier) {
		return nil, oauthErr("invalid_grant", "PKCE verification failed")
	}
	return p.issueTokens(st.ClientID, st.Scope)
}

// refresh rotates the refresh token: the presented token is revoked and a new
// pair is issued.
func (p *Provider) refresh(req *TokenRequest) (*TokenResponse, error) {
	t, err := p.store.GetRefreshToken(req.RefreshToken)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, oauthErr("invalid_grant", "refresh token is invalid or expired")
	}
	if req.ClientID != "" && req.ClientID != t.ClientID {
		return nil, oauthErr("invalid_grant", "refresh token was issued to another client")
	}
	if err := p.store.DeleteRefreshToken(req.RefreshToken); err != nil {
		return nil, err
	}
	return p.issueTokens(t.ClientID, t.Scope)
}

// issueTokens mints a signed access token and a fresh refresh token. The
// access token is also stored so revocation works without a denylist.
func (p *Provider) issueTokens(clientID, scope string) (*TokenResponse, error) {
	now := time.Now()
	accessExp := now.Add(p.accessTTL)

	claims := jwt.MapClaims{
		"sub":   clientID,
		"scope": scope,
		"iat":   now.Unix(),
		"exp":   accessExp.Unix(),
		"jti":   util.NewID(),
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.secret)
	if err != nil {
		return nil, fmt.Errorf("sign access token: %w", err)
	}
	if err := p.store.SaveAccessToken(&store.OAuthToken{
		Token: access, ClientID: clientID, Scope: scope, ExpiresAt: accessExp.Unix(),
	}); err != nil {
		return nil, err
	}

	refresh := util.NewToken(32)
	if err := p.store.SaveRefreshToken(&store.OAuthToken{
		Token: refresh, ClientID: clientID, Scope: scope,
		ExpiresAt: now.Add(p.refreshTTL).Unix(),
	}); err != nil {
		return nil, err
	}

	return &TokenResponse{
		AccessToken:  access,
		TokenType:    "Bearer",
		ExpiresIn:    int64(p.accessTTL.Seconds()),
		RefreshToken: refresh,
		Scope:        scope,
	}, nil
}

// Revoke invalidates a token. Per RFC 7009 unknown tokens succeed silently;
// the hint only orders the lookup.
func (p *Provider) Revoke(token, hint string) error {
	if hint == "refresh_token" {
		if err := p.store.DeleteRefreshToken(token); err != nil {
			return err
		}
		return p.store.DeleteAccessToken(token)
	}
	if err := p.store.DeleteAccessToken(token); err != nil {
		return err
	}
	return p.store.DeleteRefreshToken(token)
}

// TokenInfo is the validated identity attached to a request.
type TokenInfo struct {
	ClientID string
	Scope    string
}

// Validate checks signature, expiry and revocation state of an access token.
func (p *Provider) Validate(token string) (*TokenInfo, error) {
	stored, err := p.store.GetAccessToken(token)
	if err != nil {
		return nil, err
	}
	if stored == nil {
		return nil, oauthErr("invalid_token", "token is revoked or expired")
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return p.secret, nil
	})
	if err != nil || !parsed.Valid {
		return nil, oauthErr("invalid_token", "token signature or expiry check failed")
	}
	return &TokenInfo{ClientID: stored.ClientID, Scope: stored.Scope}, nil
}

// HasScope reports whether the validated token grants the named scope.
func (t *TokenInfo) HasScope(scope string) bool {
	return containsString(strings.Fields(t.Scope), scope)
}

// Metadata is the RFC 8414 authorization server metadata document.
func (p *Provider) Metadata(issuer string) map[string]any {
	return map[string]any{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"scopes_supported":                      []string{"read", "write"},
	}
}

func containsString(in []string, s string) bool {
	for _, v := range in {
		if v == s {
			return true
		}
	}
	return false
}
