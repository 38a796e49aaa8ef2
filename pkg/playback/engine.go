// Package playback implements the playback engine (C6): server-paced
// leader/follower cursors over the truth store, window-paced emission,
// and fencing by playbackRequestId. The pacer loop selects on a
// stop/cancel signal alongside a cancellable sleep rather than a ticker,
// since the sleep interval itself changes with rate.
package playback

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// Engine owns every active cursor and the scope wake signal they block
// on while tailing LIVE.
type Engine struct {
	store      *truthstore.Store
	waker      *ScopeWaker
	windowSpan time.Duration

	mu           sync.Mutex
	byConnection map[string]*Cursor
}

// New wires a playback engine. windowSpan is the fixed timeline window
// width (config's playback.windowSpanMilliseconds, §4.6.3).
func New(store *truthstore.Store, waker *ScopeWaker, windowSpan time.Duration) *Engine {
	if windowSpan <= 0 {
		windowSpan = time.Second
	}
	return &Engine{
		store:        store,
		waker:        waker,
		windowSpan:   windowSpan,
		byConnection: make(map[string]*Cursor),
	}
}

// Waker returns the engine's scope wake signal, for wiring into
// ingest.New as the Waker dependency.
func (e *Engine) Waker() *ScopeWaker {
	return e.waker
}

// StartStream allocates a fresh playbackRequestId, implicitly cancelling
// whatever stream req.ConnectionID previously owned (§4.6.2, §4.6.5), and
// starts its pacer goroutine. The returned channel is closed when the
// cursor completes, is cancelled, or is superseded.
func (e *Engine) StartStream(ctx context.Context, req StartStreamRequest) (*Cursor, <-chan Chunk) {
	cur := newCursor(req)
	cur.PlaybackRequestID = uuid.NewString()

	e.mu.Lock()
	if prev, ok := e.byConnection[req.ConnectionID]; ok {
		prev.cancel()
	}
	e.byConnection[req.ConnectionID] = cur
	e.mu.Unlock()

	out := make(chan Chunk, 4)
	go e.run(ctx, cur, out)
	return cur, out
}

// CancelStream cancels the active cursor for connectionID, if any
// (explicit cancel, §4.6.5).
func (e *Engine) CancelStream(connectionID string) {
	e.mu.Lock()
	cur, ok := e.byConnection[connectionID]
	if ok {
		delete(e.byConnection, connectionID)
	}
	e.mu.Unlock()
	if ok {
		cur.cancel()
	}
}

// AddFollower binds a new follower output stream to the cursor currently
// owned by leaderConnectionID (§4.6.4). The follower never paces
// independently; it receives the same (t0, t1) windows the leader emits.
func (e *Engine) AddFollower(leaderConnectionID, followerID string) (*Follower, error) {
	e.mu.Lock()
	cur, ok := e.byConnection[leaderConnectionID]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("playback: no active cursor for connection %q", leaderConnectionID)
	}
	return cur.addFollower(followerID), nil
}

// RemoveFollower unbinds followerID from leaderConnectionID's cursor, if
// both still exist.
func (e *Engine) RemoveFollower(leaderConnectionID, followerID string) {
	e.mu.Lock()
	cur, ok := e.byConnection[leaderConnectionID]
	e.mu.Unlock()
	if ok {
		cur.removeFollower(followerID)
	}
}

// TailLive starts an unbound LIVE stream not tied to any client cursor
// (§4.6.4's "unbound TCP streams ... simply tail LIVE"): a cursor keyed
// by a synthetic connection ID, rate 1, no stop time, starting at now.
func (e *Engine) TailLive(ctx context.Context, scopeID string, timebase ordering.Timebase, filters truthstore.Filters) (*Cursor, <-chan Chunk) {
	return e.StartStream(ctx, StartStreamRequest{
		ConnectionID: "tail-" + uuid.NewString(),
		ScopeID:      scopeID,
		Timebase:     timebase,
		TimelineMode: ordering.TimelineModeLive,
		StartTime:    time.Now().UTC(),
		Rate:         1,
		Filters:      filters,
	})
}

// run is the cursor's pacer goroutine, implementing §4.6.3's per-tick
// sequence until the cursor completes, is cancelled, or ctx ends.
func (e *Engine) run(ctx context.Context, cur *Cursor, out chan<- Chunk) {
	defer close(out)
	defer cur.closeFollowers()

	for {
		if cur.Cancelled() || ctx.Err() != nil {
			return
		}

		rate := cur.Rate()
		if rate == 0 {
			// Paused: hold position and wait for cancellation (a rate
			// change arrives as a superseding startStream, §4.6.5).
			select {
			case <-cur.doneCh:
				return
			case <-ctx.Done():
				return
			}
		}

		t0 := cur.Position()
		var lo, hi time.Time
		var t1 time.Time
		if rate > 0 {
			t1 = t0.Add(e.windowSpan)
			lo, hi = t0, t1
		} else {
			t1 = t0.Add(-e.windowSpan)
			lo, hi = t1, t0
		}

		events, err := e.store.QueryWindow(ctx, truthstore.WindowQuery{
			ScopeID:  cur.ScopeID,
			Timebase: cur.Timebase,
			T0:       nullTimeIf(lo),
			T1:       nullTimeIf(hi),
			Filters:  cur.Filters,
		})
		if err != nil {
			select {
			case out <- Chunk{PlaybackRequestID: cur.PlaybackRequestID, Err: err}:
			case <-ctx.Done():
			}
			return
		}

		chunk := Chunk{
			PlaybackRequestID: cur.PlaybackRequestID,
			Events:            events,
			CursorEndpoint:    t1,
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			return
		case <-cur.doneCh:
			return
		}
		cur.fanout(chunk)
		cur.setPosition(t1)

		if reachedStop(cur.stopTime, t1, rate) {
			complete := Chunk{PlaybackRequestID: cur.PlaybackRequestID, Complete: true}
			select {
			case out <- complete:
			case <-ctx.Done():
			}
			cur.fanout(complete)
			return
		}

		isLive := cur.TimelineMode == ordering.TimelineModeLive && cur.stopTime == nil
		if isLive && len(events) == 0 {
			select {
			case <-e.waker.Wait(cur.ScopeID):
			case <-ctx.Done():
				return
			case <-cur.doneCh:
				return
			}
			continue
		}

		sleepDur := time.Duration(float64(e.windowSpan) / math.Abs(rate))
		select {
		case <-time.After(sleepDur):
		case <-ctx.Done():
			return
		case <-cur.doneCh:
			return
		}
	}
}

func reachedStop(stop *time.Time, position time.Time, rate float64) bool {
	if stop == nil {
		return false
	}
	if rate >= 0 {
		return !position.Before(*stop)
	}
	return !position.After(*stop)
}

func nullTimeIf(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
