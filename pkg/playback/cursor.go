package playback

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// StartStreamRequest describes one startStream call (§4.6). ConnectionID
// scopes fencing: a second StartStreamRequest for the same ConnectionID
// implicitly cancels whatever cursor that connection already owns.
type StartStreamRequest struct {
	ConnectionID string
	ScopeID      string
	Timebase     ordering.Timebase
	TimelineMode ordering.TimelineMode

	StartTime time.Time
	StopTime  *time.Time

	// Rate is a signed rational expressed as a float64: negative plays in
	// reverse, zero pauses, magnitude scales wall-clock pacing.
	Rate float64

	Filters truthstore.Filters
}

// Chunk is one emitted window of ordered events, stamped with the cursor
// endpoint the client must snap its displayed time to (§4.6.6).
type Chunk struct {
	PlaybackRequestID string
	Events            []*lanes.Envelope
	CursorEndpoint    time.Time
	Complete          bool
	Err               error
}

// Cursor is the server-side state backing one active stream (§4.6.1).
// Only the engine's pacer goroutine mutates position (rate is fixed at
// creation); external callers read them through Position and Rate.
type Cursor struct {
	PlaybackRequestID string
	ConnectionID      string
	ScopeID           string
	Timebase          ordering.Timebase
	TimelineMode      ordering.TimelineMode
	Filters           truthstore.Filters

	stopTime *time.Time

	mu       sync.Mutex
	position time.Time
	rate     float64

	cancelled atomic.Bool
	doneCh    chan struct{}
	doneOnce  sync.Once

	followersMu sync.Mutex
	followers   map[string]*Follower
}

// Follower is a secondary output stream bound to a leader cursor's window
// signal (§4.6.4). It never paces independently; the leader's pacer loop
// fans each window out to every registered follower.
type Follower struct {
	ID string
	ch chan Chunk
}

// Chunks returns the follower's delivery channel.
func (f *Follower) Chunks() <-chan Chunk {
	return f.ch
}

func newCursor(req StartStreamRequest) *Cursor {
	return &Cursor{
		ConnectionID: req.ConnectionID,
		ScopeID:      req.ScopeID,
		Timebase:     req.Timebase,
		TimelineMode: req.TimelineMode,
		Filters:      req.Filters,
		stopTime:     req.StopTime,
		position:     req.StartTime,
		rate:         req.Rate,
		doneCh:       make(chan struct{}),
		followers:    make(map[string]*Follower),
	}
}

// cancel marks the cursor cancelled and releases its pacer goroutine from
// any sleep or wake-wait it is blocked in. Idempotent.
func (c *Cursor) cancel() {
	c.cancelled.Store(true)
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// Cancelled reports whether cancel has been called.
func (c *Cursor) Cancelled() bool {
	return c.cancelled.Load()
}

// Position returns the cursor's current timeline position.
func (c *Cursor) Position() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.position
}

// Rate returns the cursor's current pacing rate.
func (c *Cursor) Rate() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rate
}

func (c *Cursor) setPosition(t time.Time) {
	c.mu.Lock()
	c.position = t
	c.mu.Unlock()
}

// addFollower registers a follower bound to this cursor's window signal
// and returns it. The channel is buffered to depth 1: fanout uses a
// non-blocking send-or-replace so a slow follower re-anchors to the
// leader's latest window instead of building up a backlog (§4.6.4).
func (c *Cursor) addFollower(id string) *Follower {
	f := &Follower{ID: id, ch: make(chan Chunk, 1)}
	c.followersMu.Lock()
	c.followers[id] = f
	c.followersMu.Unlock()
	return f
}

func (c *Cursor) removeFollower(id string) {
	c.followersMu.Lock()
	f, ok := c.followers[id]
	if ok {
		delete(c.followers, id)
	}
	c.followersMu.Unlock()
	if ok {
		close(f.ch)
	}
}

// fanout delivers chunk to every registered follower, re-anchoring
// (replacing) any follower whose previous chunk is still unconsumed
// rather than blocking the leader's pacer on a slow reader.
func (c *Cursor) fanout(chunk Chunk) {
	c.followersMu.Lock()
	defer c.followersMu.Unlock()
	for _, f := range c.followers {
		select {
		case f.ch <- chunk:
		default:
			select {
			case <-f.ch:
			default:
			}
			select {
			case f.ch <- chunk:
			default:
			}
		}
	}
}

func (c *Cursor) closeFollowers() {
	c.followersMu.Lock()
	defer c.followersMu.Unlock()
	for id, f := range c.followers {
		close(f.ch)
		delete(c.followers, id)
	}
}
