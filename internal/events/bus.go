// Package events is the in-process pub/sub bus feeding the SSE endpoint.
package events

import (
	"sync"

	"github.com/reviewd/reviewd/internal/util"
)

// Type names an event on the wire.
type Type string

const (
	Connected         Type = "connected"
	FilesChanged      Type = "files-changed"
	DiffChanged       Type = "diff-changed"
	CommentAdded      Type = "comment-added"
	CommentResolved   Type = "comment-resolved"
	CommentUnresolved Type = "comment-unresolved"
	CommentDeleted    Type = "comment-deleted"
	SessionUpdated    Type = "session-updated"
	SessionDeleted    Type = "session-deleted"
	ReviewSubmitted   Type = "review-submitted"
)

// Event is one bus message. SessionID scopes delivery; an empty SessionID
// broadcasts to every subscriber.
type Event struct {
	Type      Type   `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
	Time      string `json:"time"`
}

// subscriberBuffer bounds each subscriber's queue. A subscriber that falls
// this far behind loses events rather than blocking publishers.
const subscriberBuffer = 16

// Bus fans events out to subscribers.
type Bus struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// Subscriber receives events for one session, or all sessions when the filter
// is empty.
type Subscriber struct {
	bus    *Bus
	filter string
	ch     chan Event
	once   sync.Once
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[*Subscriber]struct{}{}}
}

// Subscribe registers a subscriber. sessionID filters delivery; "" receives
// everything. The caller must Close the subscriber when done.
func (b *Bus) Subscribe(sessionID string) *Subscriber {
	sub := &Subscriber{bus: b, filter: sessionID, ch: make(chan Event, subscriberBuffer)}
	b.mu.Lock()
	b.subs[sub] = struct{}{}
	b.mu.Unlock()
	return sub
}

// Publish stamps the event time and delivers it to matching subscribers
// without blocking. Slow subscribers drop events.
func (b *Bus) Publish(ev Event) {
	if ev.Time == "" {
		ev.Time = util.NowISO()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for sub := range b.subs {
		if sub.filter != "" && ev.SessionID != "" && sub.filter != ev.SessionID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

// SubscriberCount reports how many subscribers are attached.
func (b *Bus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// C is the receive channel. It is closed by Close.
func (s *Subscriber) C() <-chan Event {
	return s.ch
}

// Close detaches the subscriber and closes its channel. Safe to call more
// than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()
		close(s.ch)
	})
}
