package oauth

import (
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/reviewd/reviewd/internal/store"
	"github.com/reviewd/reviewd/internal/util"
)

func newProvider(t *testing.T) (*Provider, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return NewProvider(s, "test-signing-secret", time.Hour, 24*time.Hour), s
}

func register(t *testing.T, p *Provider, scope string) *store.OAuthClient {
	t.Helper()
	client, err := p.Register(&RegistrationRequest{
		ClientName:   "agent",
		RedirectURIs: []string{"http://127.0.0.1:3000/callback"},
		Scope:        scope,
	})
	if err != nil {
		t.Fatal(err)
	}
	return client
}

// authorize runs the approval step and returns the issued code.
func authorize(t *testing.T, p *Provider, client *store.OAuthClient, challenge string) string {
	t.Helper()
	redirect, err := p.Authorize(&AuthorizeRequest{
		ClientID:            client.ID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		State:               "xyz",
		CodeChallenge:       challenge,
		CodeChallengeMethod: "S256",
	})
	if err != nil {
		t.Fatal(err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatal(err)
	}
	if u.Query().Get("state") != "xyz" {
		t.Fatalf("state not echoed: %s", redirect)
	}
	code := u.Query().Get("code")
	if code == "" {
		t.Fatalf("no code in redirect: %s", redirect)
	}
	return code
}

func TestRegister_Validation(t *testing.T) {
	p, _ := newProvider(t)

	if _, err := p.Register(&RegistrationRequest{RedirectURIs: []string{"http://localhost/cb"}}); err == nil {
		t.Fatal("missing client_name should fail")
	}
	if _, err := p.Register(&RegistrationRequest{ClientName: "x"}); err == nil {
		t.Fatal("missing redirect_uris should fail")
	}
	if _, err := p.Register(&RegistrationRequest{
		ClientName: "x", RedirectURIs: []string{"https://evil.example.com/cb"},
	}); err == nil {
		t.Fatal("non-local redirect_uri should fail")
	}
	if _, err := p.Register(&RegistrationRequest{
		ClientName: "x", RedirectURIs: []string{"http://localhost/cb"}, Scope: "admin",
	}); err == nil {
		t.Fatal("unknown scope should fail")
	}

	client, err := p.Register(&RegistrationRequest{
		ClientName:   "x",
		RedirectURIs: []string{"http://localhost:8123/cb", "http://192.168.1.10/cb"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if client.ID == "" || client.Secret == "" {
		t.Fatalf("client = %+v", client)
	}
	if len(client.Scopes) != 1 || client.Scopes[0] != "read" {
		t.Fatalf("default scopes = %v", client.Scopes)
	}
}

func TestLocalRedirectURI(t *testing.T) {
	tests := []struct {
		uri  string
		want bool
	}{
		{"http://localhost:3000/cb", true},
		{"http://127.0.0.1/cb", true},
		{"http://[::1]:9000/cb", true},
		{"http://10.0.0.5/cb", true},
		{"http://172.16.0.1/cb", true},
		{"http://192.168.0.2/cb", true},
		{"https://example.com/cb", false},
		{"http://8.8.8.8/cb", false},
		{"ftp://localhost/cb", false},
		{"not a uri", false},
	}
	for _, tt := range tests {
		if got := localRedirectURI(tt.uri); got != tt.want {
			t.Errorf("localRedirectURI(%q) = %v, want %v", tt.uri, got, tt.want)
		}
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	p, _ := newProvider(t)
	client := register(t, p, "read write")

	verifier := util.NewToken(32)
	code := authorize(t, p, client, util.PKCEChallenge(verifier))

	resp, err := p.Token(&TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: verifier,
		RedirectURI:  client.RedirectURIs[0],
		ClientID:     client.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.TokenType != "Bearer" || resp.AccessToken == "" || resp.RefreshToken == "" {
		t.Fatalf("response = %+v", resp)
	}
	if resp.Scope != "read write" {
		t.Fatalf("scope = %q", resp.Scope)
	}

	info, err := p.Validate(resp.AccessToken)
	if err != nil {
		t.Fatal(err)
	}
	if info.ClientID != client.ID || !info.HasScope("write") {
		t.Fatalf("info = %+v", info)
	}

	// A code is single use.
	if _, err := p.Token(&TokenRequest{
		GrantType: "authorization_code", Code: code,
		CodeVerifier: verifier, RedirectURI: client.RedirectURIs[0], ClientID: client.ID,
	}); err == nil {
		t.Fatal("reused code should fail")
	}
}

func TestToken_PKCEMismatch(t *testing.T) {
	p, _ := newProvider(t)
	client := register(t, p, "")

	code := authorize(t, p, client, util.PKCEChallenge(util.NewToken(32)))
	_, err := p.Token(&TokenRequest{
		GrantType:    "authorization_code",
		Code:         code,
		CodeVerifier: util.NewToken(32), // wrong verifier
		RedirectURI:  client.RedirectURIs[0],
		ClientID:     client.ID,
	})
	if err == nil || !strings.Contains(err.Error(), "PKCE") {
		t.Fatalf("error = %v, want PKCE failure", err)
	}
}

func TestAuthorize_Validation(t *testing.T) {
	p, _ := newProvider(t)
	client := register(t, p, "read")

	base := AuthorizeRequest{
		ClientID:            client.ID,
		RedirectURI:         client.RedirectURIs[0],
		ResponseType:        "code",
		CodeChallenge:       util.PKCEChallenge("v"),
		CodeChallengeMethod: "S256",
	}

	bad := base
	bad.ClientID = "nope"
	if _, err := p.Authorize(&bad); err == nil {
		t.Fatal("unknown client should fail")
	}

	bad = base
	bad.RedirectURI = "http://localhost:9/other"
	if _, err := p.Authorize(&bad); err == nil {
		t.Fatal("unregistered redirect_uri should fail")
	}

	bad = base
	bad.CodeChallengeMethod = "plain"
	if _, err := p.Authorize(&bad); err == nil {
		t.Fatal("plain PKCE should fail")
	}

	bad = base
	bad.Scope = "write"
	if _, err := p.Authorize(&bad); err == nil {
		t.Fatal("scope escalation should fail")
	}
}

func TestRefreshRotation(t *testing.T) {
	p, _ := newProvider(t)
	client := register(t, p, "read")

	verifier := util.NewToken(32)
	code := authorize(t, p, client, util.PKCEChallenge(verifier))
	first, err := p.Token(&TokenRequest{
		GrantType: "authorization_code", Code: code,
		CodeVerifier: verifier, RedirectURI: client.RedirectURIs[0], ClientID: client.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	second, err := p.Token(&TokenRequest{
		GrantType: "refresh_token", RefreshToken: first.RefreshToken, ClientID: client.ID,
	})
	if err != nil {
		t.Fatal(err)
	}
	if second.RefreshToken == first.RefreshToken {
		t.Fatal("refresh token should rotate")
	}

	// The old refresh token is dead after rotation.
	if _, err := p.Token(&TokenRequest{
		GrantType: "refresh_token", RefreshToken: first.RefreshToken, ClientID: client.ID,
	}); err == nil {
		t.Fatal("rotated refresh token should fail")
	}
}

func TestRevoke(t *testing.T) {
	p, _ := newProvider(t)
	client := register(t, p, "read")

	verifier := util.NewToken(32)
	code := authorize(t, p, client, util.PKCEChallenge(verifier))
	resp, err := p.Token(&TokenRequest{
		GrantType: "authorization_code", Code: code,
		CodeVerifier: verifier, RedirectURI: client.RedirectURIs[0], ClientID: client.ID,
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := p.Revoke(resp.AccessToken, "access_token"); err != nil {
		t.Fatal(err)
	}
	if _, err := p.Validate(resp.AccessToken); err == nil {
		t.Fatal("revoked token should not validate")
	}

	// Unknown tokens revoke without error.
	if err := p.Revoke("does-not-exist", ""); err != nil {
		t.Fatal(err)
	}
}

func TestMetadata(t *testing.T) {
	p, _ := newProvider(t)
	md := p.Metadata("http://localhost:8090")
	if md["issuer"] != "http://localhost:8090" {
		t.Fatalf("issuer = %v", md["issuer"])
	}
	if md["token_endpoint"] != "http://localhost:8090/oauth/token" {
		t.Fatalf("token_endpoint = %v", md["token_endpoint"])
	}
	methods, _ := md["code_challenge_methods_supported"].([]string)
	if len(methods) != 1 || methods[0] != "S256" {
		t.Fatalf("code_challenge_methods_supported = %v", methods)
	}
}
