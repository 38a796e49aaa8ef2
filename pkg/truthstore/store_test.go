package truthstore

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/nova-truth/nova/pkg/database"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore starts a real Postgres container, runs the embedded
// migrations, and returns a Store ready for use.
func newTestStore(t *testing.T) *Store {
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("nova_test"),
		postgres.WithUsername("nova_test"),
		postgres.WithPassword("nova_test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pgContainer); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := pgContainer.Host(ctx)
	require.NoError(t, err)
	port, err := pgContainer.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	client, err := database.NewClient(ctx, database.Config{
		Host:            host,
		Port:            port.Int(),
		User:            "nova_test",
		Password:        "nova_test",
		Database:        "nova_test",
		SSLMode:         "disable",
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	return New(client.DB())
}

func parsedEnvelope(t *testing.T, scopeID, systemID, containerID, uniqueID, messageType string, sourceTime time.Time, payload map[string]any) *lanes.Envelope {
	t.Helper()
	e := &lanes.Envelope{
		Identity: lanes.Identity{
			ScopeID:     scopeID,
			SystemID:    systemID,
			ContainerID: containerID,
			UniqueID:    uniqueID,
		},
		Lane:            lanes.LaneParsed,
		MessageType:     messageType,
		SourceTruthTime: sourceTime,
		Parsed:          &lanes.ParsedPayload{SchemaVersion: 1, Payload: payload},
	}
	id, err := e.ComputeEventID()
	require.NoError(t, err)
	e.EventID = id
	e.CanonicalTruthTime = sourceTime
	return e
}

func TestInsertEventDedupesIdenticalContent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e1 := parsedEnvelope(t, "scope1", "sys1", "c1", "u1", "reading",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), map[string]any{"value": 1})

	inserted, err := store.InsertEvent(ctx, e1)
	require.NoError(t, err)
	require.True(t, inserted)

	// Re-derive an identical envelope (simulating a re-emitted duplicate)
	// and re-insert; content-derived IDs mean it collides on the same key.
	e2 := parsedEnvelope(t, "scope1", "sys1", "c1", "u1", "reading",
		time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), map[string]any{"value": 1})
	require.Equal(t, e1.EventID, e2.EventID)

	inserted, err = store.InsertEvent(ctx, e2)
	require.NoError(t, err)
	require.False(t, inserted, "duplicate content must not re-insert")

	results, err := store.QueryWindow(ctx, WindowQuery{
		ScopeID:  "scope1",
		Timebase: ordering.TimebaseSource,
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
}

func TestQueryWindowOrdersByTimeThenLanePriority(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	// Two events at the identical timestamp: a metadata event (priority 0)
	// and a parsed event (priority 3). Metadata must sort first on the tie.
	metaEvt := &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: "scope2", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneMetadata,
		MessageType:     "capability",
		SourceTruthTime: base,
		Metadata:        &lanes.MetadataPayload{Kind: lanes.MetadataKindCapability, Payload: map[string]any{"k": "v"}},
	}
	id, err := metaEvt.ComputeEventID()
	require.NoError(t, err)
	metaEvt.EventID = id
	metaEvt.CanonicalTruthTime = base

	parsedEvt := parsedEnvelope(t, "scope2", "sys1", "c1", "u1", "reading", base, map[string]any{"value": 2})

	_, err = store.InsertEvent(ctx, parsedEvt)
	require.NoError(t, err)
	_, err = store.InsertEvent(ctx, metaEvt)
	require.NoError(t, err)

	results, err := store.QueryWindow(ctx, WindowQuery{
		ScopeID:  "scope2",
		Timebase: ordering.TimebaseSource,
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.Equal(t, lanes.LaneMetadata, results[0].Lane, "metadata (priority 0) must sort before parsed (priority 3) on a timestamp tie")
	require.Equal(t, lanes.LaneParsed, results[1].Lane)
}

func TestQueryWindowBoundsOnT0T1(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	inside := parsedEnvelope(t, "scope3", "sys1", "c1", "u1", "reading", t0.Add(time.Minute), map[string]any{"v": 1})
	before := parsedEnvelope(t, "scope3", "sys1", "c1", "u1", "reading", t0.Add(-time.Minute), map[string]any{"v": 2})
	after := parsedEnvelope(t, "scope3", "sys1", "c1", "u1", "reading", t0.Add(10*time.Minute), map[string]any{"v": 3})

	for _, e := range []*lanes.Envelope{inside, before, after} {
		_, err := store.InsertEvent(ctx, e)
		require.NoError(t, err)
	}

	results, err := store.QueryWindow(ctx, WindowQuery{
		ScopeID:  "scope3",
		Timebase: ordering.TimebaseSource,
		T0:       sql.NullTime{Time: t0, Valid: true},
		T1:       sql.NullTime{Time: t0.Add(5 * time.Minute), Valid: true},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, inside.EventID, results[0].EventID)
}

func TestCommandIdempotencyViaHasRequestID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	exists, err := store.HasRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.False(t, exists)

	cmdEvt := &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: "scope4", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneCommand,
		MessageType:     "command",
		SourceTruthTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Command: &lanes.CommandPayload{
			CommandID: "cmd-1",
			RequestID: "req-1",
			Kind:      lanes.CommandKindRequest,
			Status:    "pending",
			Payload:   map[string]any{"action": "restart"},
		},
	}
	id, err := cmdEvt.ComputeEventID()
	require.NoError(t, err)
	cmdEvt.EventID = id
	cmdEvt.CanonicalTruthTime = cmdEvt.SourceTruthTime

	inserted, err := store.InsertEvent(ctx, cmdEvt)
	require.NoError(t, err)
	require.True(t, inserted)

	exists, err = store.HasRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, exists)
}

func TestQueryCommandsOrdersByCommitOrder(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	request := &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: "scope5", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneCommand,
		MessageType:     "command",
		SourceTruthTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Command: &lanes.CommandPayload{
			CommandID: "cmd-2", RequestID: "req-2", Kind: lanes.CommandKindRequest,
			Status: "pending", Payload: map[string]any{"action": "restart"},
		},
	}
	id, err := request.ComputeEventID()
	require.NoError(t, err)
	request.EventID = id
	request.CanonicalTruthTime = request.SourceTruthTime

	result := &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: "scope5", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneCommand,
		MessageType:     "command",
		SourceTruthTime: request.SourceTruthTime.Add(time.Second),
		Command: &lanes.CommandPayload{
			CommandID: "cmd-2", Kind: lanes.CommandKindResult,
			Status: "succeeded", Payload: map[string]any{"exitCode": 0},
		},
	}
	id, err = result.ComputeEventID()
	require.NoError(t, err)
	result.EventID = id
	result.CanonicalTruthTime = result.SourceTruthTime

	_, err = store.InsertEvent(ctx, request)
	require.NoError(t, err)
	_, err = store.InsertEvent(ctx, result)
	require.NoError(t, err)

	rows, err := store.QueryCommands(ctx, []string{"cmd-2"})
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, lanes.CommandKindRequest, rows[0].Kind)
	require.Equal(t, lanes.CommandKindResult, rows[1].Kind)
}

func TestDriverBindingResolution(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	has, err := store.HasBindingFor(ctx, "sys1", "c1", "u1", lanes.LaneRaw)
	require.NoError(t, err)
	require.False(t, has)

	evt := &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: "scope6", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneMetadata,
		MessageType:     "driverBinding",
		SourceTruthTime: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		Metadata:        &lanes.MetadataPayload{Kind: lanes.MetadataKindDriverBinding, Payload: map[string]any{"driverId": "file-writer-v1"}},
	}
	id, err := evt.ComputeEventID()
	require.NoError(t, err)
	evt.EventID = id
	evt.CanonicalTruthTime = evt.SourceTruthTime
	_, err = store.InsertEvent(ctx, evt)
	require.NoError(t, err)

	binding := DriverBindingRow{
		SystemID: "sys1", ContainerID: "c1", UniqueID: "u1",
		Lane:           lanes.LaneRaw,
		EffectiveTime:  sql.NullTime{Time: evt.SourceTruthTime, Valid: true},
		DriverID:       "file-writer-v1",
		DriverVersion:  "1.0.0",
		Target:         "sys1/c1/u1.log",
	}
	require.NoError(t, store.InsertDriverBinding(ctx, binding, evt.EventID))

	has, err = store.HasBindingFor(ctx, "sys1", "c1", "u1", lanes.LaneRaw)
	require.NoError(t, err)
	require.True(t, has)

	rows, err := store.QueryDriverBindings(ctx, "sys1", sql.NullTime{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "file-writer-v1", rows[0].DriverID)
}
