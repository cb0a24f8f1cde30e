package session

import "github.com/reviewd/reviewd/internal/store"

// AnnotatedComment is a comment plus its computed staleness.
type AnnotatedComment struct {
	store.Comment
	Staleness Staleness `json:"staleness,omitempty"`
}

// Thread is a top-level comment with its replies in creation order.
type Thread struct {
	AnnotatedComment
	Replies []*AnnotatedComment `json:"replies"`
}

// AssembleThreads builds threads from a flat creation-ordered comment list in
// a single pass. Comments without a parent are roots; replies attach to the
// thread of their nearest known ancestor. Orphaned replies (parent missing)
// are dropped; the rows stay in the store so a later re-sync can recover them.
func AssembleThreads(comments []*store.Comment) []*Thread {
	byID := make(map[string]*store.Comment, len(comments))
	for _, c := range comments {
		byID[c.ID] = c
	}

	threadOf := make(map[string]*Thread, len(comments))
	var threads []*Thread
	for _, c := range comments {
		if c.ParentID == "" {
			t := &Thread{AnnotatedComment: AnnotatedComment{Comment: *c}, Replies: []*AnnotatedComment{}}
			threads = append(threads, t)
			threadOf[c.ID] = t
			continue
		}
		root := rootFor(c, byID)
		t, ok := threadOf[root]
		if !ok {
			continue // orphan
		}
		t.Replies = append(t.Replies, &AnnotatedComment{Comment: *c})
		threadOf[c.ID] = t
	}
	return threads
}

// rootFor walks parent links to the top-level ancestor id.
func rootFor(c *store.Comment, byID map[string]*store.Comment) string {
	cur := c
	for cur.ParentID != "" {
		parent, ok := byID[cur.ParentID]
		if !ok {
			return cur.ParentID // unresolvable; caller will treat as orphan
		}
		cur = parent
	}
	return cur.ID
}
