package playback

import (
	"context"
	"testing"
	"time"

	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
	testdb "github.com/nova-truth/nova/test/database"
	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T) (*Engine, *ingest.Pipeline) {
	t.Helper()
	client := testdb.NewTestClient(t)
	store := truthstore.New(client.DB())
	waker := NewScopeWaker()
	engine := New(store, waker, 200*time.Millisecond)
	pipeline := ingest.New(store, nil, waker, nil)
	return engine, pipeline
}

func rawEnvelope(scopeID string, at time.Time) *lanes.Envelope {
	return &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: scopeID, SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneRaw,
		SourceTruthTime: at,
		Raw:             &lanes.RawPayload{Bytes: []byte("frame")},
	}
}

func TestEngineStartStreamEmitsExistingWindow(t *testing.T) {
	ctx := context.Background()
	engine, pipeline := newTestEngine(t)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := rawEnvelope("scope1", start.Add(100*time.Millisecond))
	inserted, err := pipeline.Ingest(ctx, e, nil, true)
	require.NoError(t, err)
	require.True(t, inserted)

	stop := start.Add(time.Second)
	cur, out := engine.StartStream(ctx, StartStreamRequest{
		ConnectionID: "conn1",
		ScopeID:      "scope1",
		Timebase:     ordering.TimebaseSource,
		TimelineMode: ordering.TimelineModeReplay,
		StartTime:    start,
		StopTime:     &stop,
		Rate:         4,
	})
	require.NotEmpty(t, cur.PlaybackRequestID)

	var sawEvent bool
	var sawComplete bool
	for chunk := range out {
		if chunk.Err != nil {
			t.Fatalf("unexpected chunk error: %v", chunk.Err)
		}
		if len(chunk.Events) > 0 {
			sawEvent = true
		}
		if chunk.Complete {
			sawComplete = true
		}
	}
	require.True(t, sawEvent, "expected at least one chunk with the ingested event")
	require.True(t, sawComplete, "expected a stream-complete chunk once stopTime is reached")
}

func TestStartStreamSupersedesPriorCursorForSameConnection(t *testing.T) {
	ctx := context.Background()
	engine, _ := newTestEngine(t)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	stop := start.Add(10 * time.Second)

	first, firstOut := engine.StartStream(ctx, StartStreamRequest{
		ConnectionID: "conn1",
		ScopeID:      "scope1",
		Timebase:     ordering.TimebaseSource,
		TimelineMode: ordering.TimelineModeReplay,
		StartTime:    start,
		StopTime:     &stop,
		Rate:         1,
	})

	second, secondOut := engine.StartStream(ctx, StartStreamRequest{
		ConnectionID: "conn1",
		ScopeID:      "scope1",
		Timebase:     ordering.TimebaseSource,
		TimelineMode: ordering.TimelineModeReplay,
		StartTime:    start,
		StopTime:     &stop,
		Rate:         1,
	})
	require.NotEqual(t, first.PlaybackRequestID, second.PlaybackRequestID)

	select {
	case <-first.doneCh:
	case <-time.After(time.Second):
		t.Fatal("superseded cursor was never cancelled")
	}

	// Draining firstOut must terminate (the pacer goroutine exits on
	// cancellation rather than running forever).
	drainTimeout := time.After(2 * time.Second)
drain:
	for {
		select {
		case _, ok := <-firstOut:
			if !ok {
				break drain
			}
		case <-drainTimeout:
			t.Fatal("superseded cursor's output channel was never closed")
		}
	}

	engine.CancelStream("conn1")
	_ = secondOut
}

func TestFollowerReceivesSameWindowAsLeader(t *testing.T) {
	ctx := context.Background()
	engine, pipeline := newTestEngine(t)

	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	e := rawEnvelope("scope1", start.Add(50*time.Millisecond))
	_, err := pipeline.Ingest(ctx, e, nil, true)
	require.NoError(t, err)

	stop := start.Add(time.Second)
	_, leaderOut := engine.StartStream(ctx, StartStreamRequest{
		ConnectionID: "leader-conn",
		ScopeID:      "scope1",
		Timebase:     ordering.TimebaseSource,
		TimelineMode: ordering.TimelineModeReplay,
		StartTime:    start,
		StopTime:     &stop,
		Rate:         4,
	})

	follower, err := engine.AddFollower("leader-conn", "follower1")
	require.NoError(t, err)

	var followerSawEvent bool
	timeout := time.After(3 * time.Second)
followerLoop:
	for {
		select {
		case chunk, ok := <-follower.Chunks():
			if !ok {
				break followerLoop
			}
			if len(chunk.Events) > 0 {
				followerSawEvent = true
			}
		case <-timeout:
			break followerLoop
		}
	}
	require.True(t, followerSawEvent)

	for range leaderOut {
	}
}
