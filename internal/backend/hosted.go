package backend

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	gh "github.com/google/go-github/v66/github"
	"github.com/shurcooL/githubv4"
	"golang.org/x/oauth2"

	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/store"
)

// Hosted reviews a pull request on the hosted provider. Threads and mutations
// go over GraphQL; REST is used only where GraphQL has no equivalent (the raw
// diff). Both clients share one rate-limit state fed by response headers.
type Hosted struct {
	owner  string
	repo   string
	number int

	gql   *githubv4.Client
	rest  *gh.Client
	limit *RateLimit

	// cached on first use
	prID    githubv4.ID
	headOID string
	baseRef string
}

// NewHosted builds a hosted backend authenticated with token.
func NewHosted(ref PRRef, token string) *Hosted {
	limit := NewRateLimit()
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	httpClient := &http.Client{
		Transport: NewLimitTransport(&oauth2.Transport{Source: src}, limit),
	}
	return &Hosted{
		owner:  ref.Owner,
		repo:   ref.Repo,
		number: ref.Number,
		gql:    githubv4.NewClient(httpClient),
		rest:   gh.NewClient(httpClient),
		limit:  limit,
	}
}

// NewHostedWithClients wires explicit clients, used in tests.
func NewHostedWithClients(ref PRRef, gql *githubv4.Client, rest *gh.Client, limit *RateLimit) *Hosted {
	return &Hosted{owner: ref.Owner, repo: ref.Repo, number: ref.Number, gql: gql, rest: rest, limit: limit}
}

// SessionID returns "hosted:owner/repo:number".
func (h *Hosted) SessionID() string {
	return fmt.Sprintf("hosted:%s/%s:%d", h.owner, h.repo, h.number)
}

// SessionType reports the hosted variant.
func (h *Hosted) SessionType() store.BackendType {
	return store.BackendHosted
}

// SessionDescriptor returns display fields.
func (h *Hosted) SessionDescriptor() map[string]any {
	return map[string]any{
		"type":      string(store.BackendHosted),
		"owner":     h.owner,
		"repo":      h.repo,
		"pr_number": h.number,
	}
}

// RateLimit exposes the shared limiter state.
func (h *Hosted) RateLimit() *RateLimit {
	return h.limit
}

// ListFiles pages through the PR's changed files.
func (h *Hosted) ListFiles(ctx context.Context) ([]git.ChangedFile, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				Files struct {
					Nodes []struct {
						Path       string
						ChangeType string
					}
					PageInfo struct {
						HasNextPage bool
						EndCursor   githubv4.String
					}
				} `graphql:"files(first: 100, after: $cursor)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(h.owner),
		"name":   githubv4.String(h.repo),
		"number": githubv4.Int(h.number),
		"cursor": (*githubv4.String)(nil),
	}

	var files []git.ChangedFile
	for {
		if err := h.gql.Query(ctx, &q, vars); err != nil {
			return nil, upstream("list PR files", err)
		}
		for _, n := range q.Repository.PullRequest.Files.Nodes {
			files = append(files, git.ChangedFile{Path: n.Path, Status: statusFromChangeType(n.ChangeType)})
		}
		page := q.Repository.PullRequest.Files.PageInfo
		if !page.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(page.EndCursor)
	}
	return files, nil
}

func statusFromChangeType(t string) git.FileStatus {
	switch strings.ToUpper(t) {
	case "ADDED", "COPIED":
		return git.StatusAdded
	case "DELETED":
		return git.StatusDeleted
	case "RENAMED":
		return git.StatusRenamed
	default:
		return git.StatusModified
	}
}

// GetDiff fetches the raw unified diff. GraphQL exposes no equivalent, so
// this is the one REST call on the read path.
func (h *Hosted) GetDiff(ctx context.Context) (string, error) {
	diff, _, err := h.rest.PullRequests.GetRaw(ctx, h.owner, h.repo, h.number,
		gh.RawOptions{Type: gh.Diff})
	if err != nil {
		return "", upstream("fetch PR diff", err)
	}
	return diff, nil
}

// GetFileContent reads a blob on the base or head side of the PR.
func (h *Hosted) GetFileContent(ctx context.Context, file string, side Side, rng *LineRange) (string, bool, error) {
	if err := h.resolvePR(ctx); err != nil {
		return "", false, err
	}
	ref := h.headOID
	if side == SideBase {
		ref = h.baseRef
	}

	var q struct {
		Repository struct {
			Object *struct {
				Blob struct {
					Text     string
					IsBinary bool
				} `graphql:"... on Blob"`
			} `graphql:"object(expression: $expr)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner": githubv4.String(h.owner),
		"name":  githubv4.String(h.repo),
		"expr":  githubv4.String(ref + ":" + file),
	}
	if err := h.gql.Query(ctx, &q, vars); err != nil {
		return "", false, upstream(fmt.Sprintf("fetch blob %s", file), err)
	}
	if q.Repository.Object == nil || q.Repository.Object.Blob.IsBinary {
		return "", false, nil
	}
	content := q.Repository.Object.Blob.Text
	if rng != nil {
		extracted, ok := ExtractLines(content, *rng)
		return extracted, ok, nil
	}
	return content, true, nil
}

type threadComment struct {
	ID         string
	DatabaseID int
	Body       string
	Author     struct{ Login string }
	Path       string
	Line       *int
	CreatedAt  string
	UpdatedAt  string
}

type reviewThread struct {
	ID         string
	IsResolved bool
	Comments   struct {
		Nodes []threadComment
	} `graphql:"comments(first: 100)"`
}

// listThreads pages through review threads until hasNextPage is false.
func (h *Hosted) listThreads(ctx context.Context) ([]reviewThread, error) {
	var q struct {
		Repository struct {
			PullRequest struct {
				ReviewThreads struct {
					Nodes    []reviewThread
					PageInfo struct {
						HasNextPage bool
						EndCursor   githubv4.String
					}
				} `graphql:"reviewThreads(first: 50, after: $cursor)"`
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(h.owner),
		"name":   githubv4.String(h.repo),
		"number": githubv4.Int(h.number),
		"cursor": (*githubv4.String)(nil),
	}

	var threads []reviewThread
	for {
		if err := h.gql.Query(ctx, &q, vars); err != nil {
			return nil, upstream("list review threads", err)
		}
		threads = append(threads, q.Repository.PullRequest.ReviewThreads.Nodes...)
		page := q.Repository.PullRequest.ReviewThreads.PageInfo
		if !page.HasNextPage {
			break
		}
		vars["cursor"] = githubv4.NewString(page.EndCursor)
	}
	return threads, nil
}

// ListComments normalises review threads to the store comment shape: the
// first comment of a thread is the root, the rest reference it as parent,
// and the thread's resolved flag is mirrored onto every member.
func (h *Hosted) ListComments(ctx context.Context) ([]*store.Comment, error) {
	threads, err := h.listThreads(ctx)
	if err != nil {
		return nil, err
	}
	var comments []*store.Comment
	for _, t := range threads {
		var rootID string
		for i, tc := range t.Comments.Nodes {
			c := &store.Comment{
				ID:        tc.ID,
				SessionID: h.SessionID(),
				File:      tc.Path,
				Text:      tc.Body,
				Author:    tc.Author.Login,
				Resolved:  t.IsResolved,
				CreatedAt: tc.CreatedAt,
				UpdatedAt: tc.UpdatedAt,
			}
			if tc.Line != nil {
				c.Line = *tc.Line
			}
			if i == 0 {
				rootID = tc.ID
			} else {
				c.ParentID = rootID
			}
			comments = append(comments, c)
		}
	}
	return comments, nil
}

// AddComment posts a new review thread, or a reply when ParentID is set.
func (h *Hosted) AddComment(ctx context.Context, c *store.Comment) error {
	if err := h.resolvePR(ctx); err != nil {
		return err
	}

	if c.ParentID != "" {
		threadID, err := h.threadForComment(ctx, c.ParentID)
		if err != nil {
			return err
		}
		var m struct {
			AddPullRequestReviewThreadReply struct {
				Comment struct{ ID string }
			} `graphql:"addPullRequestReviewThreadReply(input: $input)"`
		}
		thread := githubv4.ID(threadID)
		input := githubv4.AddPullRequestReviewThreadReplyInput{
			PullRequestReviewThreadID: &thread,
			Body:                      githubv4.String(c.Text),
		}
		if err := h.gql.Mutate(ctx, &m, input, nil); err != nil {
			return upstream("reply to review thread", err)
		}
		c.ID = m.AddPullRequestReviewThreadReply.Comment.ID
		return nil
	}

	side := githubv4.DiffSideRight
	if c.Side == "old" {
		side = githubv4.DiffSideLeft
	}
	line := githubv4.Int(c.Line)
	var m struct {
		AddPullRequestReviewThread struct {
			Thread struct {
				ID       string
				Comments struct {
					Nodes []struct{ ID string }
				} `graphql:"comments(first: 1)"`
			}
		} `graphql:"addPullRequestReviewThread(input: $input)"`
	}
	prID := h.prID
	input := githubv4.AddPullRequestReviewThreadInput{
		PullRequestID: &prID,
		Path:          githubv4.String(c.File),
		Line:          &line,
		Side:          &side,
		Body:          githubv4.String(c.Text),
	}
	if err := h.gql.Mutate(ctx, &m, input, nil); err != nil {
		return upstream("add review thread", err)
	}
	if nodes := m.AddPullRequestReviewThread.Thread.Comments.Nodes; len(nodes) > 0 {
		c.ID = nodes[0].ID
	}
	return nil
}

// ResolveComment resolves the thread containing the comment.
func (h *Hosted) ResolveComment(ctx context.Context, id string) error {
	threadID, err := h.threadForComment(ctx, id)
	if err != nil {
		return err
	}
	var m struct {
		ResolveReviewThread struct {
			Thread struct{ ID string }
		} `graphql:"resolveReviewThread(input: $input)"`
	}
	input := githubv4.ResolveReviewThreadInput{ThreadID: githubv4.ID(threadID)}
	if err := h.gql.Mutate(ctx, &m, input, nil); err != nil {
		return upstream("resolve review thread", err)
	}
	return nil
}

// UnresolveComment reopens the thread containing the comment.
func (h *Hosted) UnresolveComment(ctx context.Context, id string) error {
	threadID, err := h.threadForComment(ctx, id)
	if err != nil {
		return err
	}
	var m struct {
		UnresolveReviewThread struct {
			Thread struct{ ID string }
		} `graphql:"unresolveReviewThread(input: $input)"`
	}
	input := githubv4.UnresolveReviewThreadInput{ThreadID: githubv4.ID(threadID)}
	if err := h.gql.Mutate(ctx, &m, input, nil); err != nil {
		return upstream("unresolve review thread", err)
	}
	return nil
}

// threadForComment maps a comment node id to its containing thread id.
func (h *Hosted) threadForComment(ctx context.Context, commentID string) (string, error) {
	threads, err := h.listThreads(ctx)
	if err != nil {
		return "", err
	}
	for _, t := range threads {
		for _, c := range t.Comments.Nodes {
			if c.ID == commentID {
				return t.ID, nil
			}
		}
	}
	return "", fmt.Errorf("review thread for comment %s not found", commentID)
}

// resolvePR caches the PR node id, head commit and base ref.
func (h *Hosted) resolvePR(ctx context.Context) error {
	if h.prID != nil {
		return nil
	}
	var q struct {
		Repository struct {
			PullRequest struct {
				ID          githubv4.ID
				HeadRefOid  string
				BaseRefName string
			} `graphql:"pullRequest(number: $number)"`
		} `graphql:"repository(owner: $owner, name: $name)"`
	}
	vars := map[string]any{
		"owner":  githubv4.String(h.owner),
		"name":   githubv4.String(h.repo),
		"number": githubv4.Int(h.number),
	}
	if err := h.gql.Query(ctx, &q, vars); err != nil {
		return upstream("resolve PR", err)
	}
	h.prID = q.Repository.PullRequest.ID
	h.headOID = q.Repository.PullRequest.HeadRefOid
	h.baseRef = q.Repository.PullRequest.BaseRefName
	return nil
}
