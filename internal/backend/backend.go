// Package backend defines the capability surface a review session draws its
// diff, file contents and comment transport from, with implementations for a
// local git working tree and a hosted pull request.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/reviewd/reviewd/internal/git"
	"github.com/reviewd/reviewd/internal/store"
)

// Side selects which side of the diff a file content read targets.
type Side string

const (
	SideBase Side = "base"
	SideHead Side = "head"
)

// LineRange is a 1-indexed inclusive line range.
type LineRange struct {
	From int `json:"from"`
	To   int `json:"to"`
}

// Backend is the narrow capability set both variants satisfy. Implementations
// normalise their native comment shapes to store.Comment before exposure.
type Backend interface {
	// SessionID returns the variant-prefixed backend session id.
	SessionID() string

	// SessionType reports the variant.
	SessionType() store.BackendType

	// SessionDescriptor returns display fields for clients.
	SessionDescriptor() map[string]any

	// ListFiles returns the backend's own change list.
	ListFiles(ctx context.Context) ([]git.ChangedFile, error)

	// GetDiff returns unified diff text.
	GetDiff(ctx context.Context) (string, error)

	// GetFileContent reads file content on one side of the diff, optionally
	// restricted to a line range. Missing files report ok == false.
	GetFileContent(ctx context.Context, file string, side Side, rng *LineRange) (content string, ok bool, err error)

	// ListComments returns the backend's comments, normalised.
	ListComments(ctx context.Context) ([]*store.Comment, error)

	// AddComment posts a comment (or reply, when ParentID is set).
	AddComment(ctx context.Context, c *store.Comment) error

	// ResolveComment and UnresolveComment flip a thread's resolved state.
	ResolveComment(ctx context.Context, id string) error
	UnresolveComment(ctx context.Context, id string) error
}

// UpstreamError marks a hosted-API failure. It is never absorbed; callers
// surface it with its cause.
type UpstreamError struct{ Err error }

func (e *UpstreamError) Error() string { return e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// upstream wraps a hosted-API failure with its operation.
func upstream(op string, err error) error {
	return &UpstreamError{Err: fmt.Errorf("%s: %w", op, err)}
}

// ExtractLines is the default line-extraction helper shared by backends:
// 1-indexed, inclusive, clamping to the content bounds. It returns ok == false
// when the clamped range is empty.
func ExtractLines(content string, rng LineRange) (string, bool) {
	lines := git.ExtractLines(content, rng.From, rng.To)
	if lines == nil {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}
