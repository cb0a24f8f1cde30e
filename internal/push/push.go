// Package push coordinates write-backs: the whitelist gate, the git push
// itself and the optional pull request that follows.
package push

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/pushgate"
)

// Coordinator runs the push pipeline for local sessions.
type Coordinator struct {
	git  *git.Git
	gate *pushgate.Gate
	gql  *githubv4.Client
}

// Request describes one push.
type Request struct {
	RepoPath string `json:"repo_path"`
	Remote   string `json:"remote,omitempty"` // defaults to origin
	Branch   string `json:"branch"`

	// OpenPR asks for a pull request after the push. An existing open PR for
	// the branch is reused.
	OpenPR     bool   `json:"open_pr,omitempty"`
	Title      string `json:"title,omitempty"`
	Body       string `json:"body,omitempty"`
	BaseBranch string `json:"base_branch,omitempty"` // defaults to the repo default branch
}

// Result reports what happened.
type Result struct {
	Repo     string `json:"repo"`
	Branch   string `json:"branch"`
	Output   string `json:"output,omitempty"`
	PRNumber int    `json:"pr_number,omitempty"`
	PRURL    string `json:"pr_url,omitempty"`
	PRState  string `json:"pr_state,omitempty"`
	Created  bool   `json:"pr_created,omitempty"`
}

// New builds a coordinator. With an empty token, PR operations are skipped
// and pushes rely on the ambient git credential helper.
func New(g *git.Git, gate *pushgate.Gate, token string) *Coordinator {
	c := &Coordinator{git: g, gate: gate}
	if token != "" {
		src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
		httpClient := &http.Client{Transport: &oauth2.Transport{Source: src}}
		c.gql = githubv4.NewClient(httpClient)
	}
	return c
}

// NewWithClient wires an explicit GraphQL client, used in tests.
func NewWithClient(g *git.Git, gate *pushgate.Gate, gql *githubv4.Client) *Coordinator {
	return &Coordinator{git: g, gate: gate, gql: gql}
}

// Push validates against the gate, pushes the branch and optionally ensures a
// pull request exists for it.
func (c *Coordinator) Push(ctx context.Context, req Request) (*Result, error) {
	remote := req.Remote
	if remote == "" {
		remote = "origin"
	}
	remoteURL := c.git.RemoteURL(req.RepoPath, remote)
	target, err := c.gate.ValidatePush(remoteURL, req.Branch)
	if err != nil {
		return nil, err
	}

	out, ok := c.git.Push(req.RepoPath, remote, req.Branch)
	if !ok {
		return nil, fmt.Errorf("git push %s %s failed", remote, req.Branch)
	}

	res := &Result{Repo: target.Repo, Branch: req.Branch, Output: out}
	if !req.OpenPR {
		return res, nil
	}
	if c.gql == nil {
		return nil, fmt.Errorf("pull request requested but no token is configured")
	}
	if err := c.ensurePR(ctx, req, target.Repo, res); err != nil {
		return nil, err
	}
	return res, nil
}

// ensurePR reuses the branch's open PR or creates one.
func (c *Coordinator) ensurePR(ctx context.Context, req Request, slug string, res *Result) error {
	owner, name, ok := strings.Cut(slug, "/")
	if !ok {
		return fmt.Errorf("malformed repository slug %q", slug)
	}

	var q struct {
		Repository struct {
			ID               githubv4.ID
			DefaultBranchRef struct {
				Name githubv4.String
			}
			PullRequests struct {
				Nodes []struct {
					Number githubv4.Int
					URL    githubv4.URI
					State  githubv4.PullRequestState
				}
			} `graphql:"pullRequests(first: 1, states: [OPEN], headRefName: $head)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner": githubv4.String(owner),
		"name":  githubv4.String(name),
		"head":  githubv4.String(req.Branch),
	}
	if err := c.gql.Query(ctx, &q, vars); err != nil {
		return fmt.Errorf("look up pull request: %w", err)
	}

	if nodes := q.Repository.PullRequests.Nodes; len(nodes) > 0 {
		res.PRNumber = int(nodes[0].Number)
		res.PRURL = nodes[0].URL.String()
		res.PRState = normalizeState(string(nodes[0].State))
		return nil
	}

	base := req.BaseBranch
	if base == "" {
		base = string(q.Repository.DefaultBranchRef.Name)
	}
	title := req.Title
	if title == "" {
		title = req.Branch
	}

	var m struct {
		CreatePullRequest struct {
			PullRequest struct {
				Number githubv4.Int
				URL    githubv4.URI
				State  githubv4.PullRequestState
			}
		} `graphql:"createPullRequest(input: $input)"`
	}
	input := githubv4.CreatePullRequestInput{
		RepositoryID: q.Repository.ID,
		BaseRefName:  githubv4.String(base),
		HeadRefName:  githubv4.String(req.Branch),
		Title:        githubv4.String(title),
	}
	if req.Body != "" {
		body := githubv4.String(req.Body)
		input.Body = &body
	}
	if err := c.gql.Mutate(ctx, &m, input, nil); err != nil {
		return fmt.Errorf("create pull request: %w", err)
	}

	pr := m.CreatePullRequest.PullRequest
	res.PRNumber = int(pr.Number)
	res.PRURL = pr.URL.String()
	res.PRState = normalizeState(string(pr.State))
	res.Created = true
	return nil
}

// normalizeState lowercases the provider's state enum; anything unexpected
// reports as open.
func normalizeState(state string) string {
	switch strings.ToLower(state) {
	case "open", "closed", "merged":
		return strings.ToLower(state)
	default:
		return "open"
	}
}
