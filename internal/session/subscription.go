package session

import (
	"sync"
	"sync/atomic"

	"github.com/fwdslsh/dispatch/internal/eventlog"
)

// subscriptionBuffer bounds how far a subscriber may fall behind before it is
// dropped. A dropped client re-attaches with its last seen seq, so no events
// are lost end to end.
const subscriptionBuffer = 256

// Subscription is a live, ordered feed of one session's events, handed out by
// Attach. The channel closes when the session ends, the subscriber falls too
// far behind, or Close is called.
type Subscription struct {
	id        int64
	sessionID string
	live      bool
	ch        chan eventlog.Event
	lagged    atomic.Bool

	detach func()
	once   sync.Once
}

// Events returns the ordered event feed.
func (s *Subscription) Events() <-chan eventlog.Event {
	return s.ch
}

// SessionID returns the session this subscription follows.
func (s *Subscription) SessionID() string {
	return s.sessionID
}

// Live reports whether the subscription was taken on a running session. A
// non-live subscription only carries replayed history and is already closed.
func (s *Subscription) Live() bool {
	return s.live
}

// Lagged reports whether the subscription was dropped for falling behind.
// Such a client should re-attach with the last seq it processed.
func (s *Subscription) Lagged() bool {
	return s.lagged.Load()
}

// Close detaches the subscriber. Purely a transport-level unsubscribe; the
// session lifecycle is unaffected. Idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
	})
}

// newClosedSubscription returns a subscription that delivers nothing, used
// when attaching to a session that is no longer live.
func newClosedSubscription(sessionID string) *Subscription {
	ch := make(chan eventlog.Event)
	close(ch)
	return &Subscription{sessionID: sessionID, ch: ch}
}
