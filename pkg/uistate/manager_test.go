package uistate

import (
	"context"
	"testing"
	"time"

	"github.com/nova-truth/nova/pkg/database"
	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

func newTestStore(t *testing.T) *truthstore.Store {
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

	return truthstore.New(client.DB())
}

func identity() lanes.Identity {
	return lanes.Identity{ScopeID: "scope1", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"}
}

func upsertEnvelope(t *testing.T, viewID, manifestVersion string, sourceTime time.Time, upsert map[string]any) *lanes.Envelope {
	t.Helper()
	return &lanes.Envelope{
		Identity:        identity(),
		Lane:            lanes.LaneUI,
		MessageType:     "state-upsert",
		SourceTruthTime: sourceTime,
		UI:              &lanes.UIPayload{ViewID: viewID, ManifestVersion: manifestVersion, Upsert: upsert},
	}
}

func TestHandleUpsertDeepMergesAndNullNeverOverwrites(t *testing.T) {
	store := newTestStore(t)
	p := ingest.New(store, nil, nil, nil)
	mgr := New(p, 60)
	p2 := ingest.New(store, nil, nil, mgr)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	e1 := upsertEnvelope(t, "view1", "v1", base, map[string]any{"status": "pending", "progress": 0})
	_, err := p2.Ingest(ctx, e1, nil, true)
	require.NoError(t, err)

	snap, ok := mgr.CurrentSnapshot(identity(), "view1")
	require.True(t, ok)
	require.Equal(t, "pending", snap["status"])
	require.Equal(t, 0, snap["progress"])

	// A null value for an already-set key must not overwrite it; a
	// non-null value for a different key must merge in alongside it.
	e2 := upsertEnvelope(t, "view1", "v1", base.Add(time.Minute), map[string]any{"status": nil, "progress": 50})
	_, err = p2.Ingest(ctx, e2, nil, true)
	require.NoError(t, err)

	snap, ok = mgr.CurrentSnapshot(identity(), "view1")
	require.True(t, ok)
	require.Equal(t, "pending", snap["status"], "null must not overwrite existing non-null value")
	require.Equal(t, 50, snap["progress"])
}

func TestHandleUpsertEmitsOneCheckpointPerBucket(t *testing.T) {
	store := newTestStore(t)
	p := ingest.New(store, nil, nil, nil)
	mgr := New(p, 60)
	p2 := ingest.New(store, nil, nil, mgr)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	e1 := upsertEnvelope(t, "view1", "v1", base, map[string]any{"a": 1})
	_, err := p2.Ingest(ctx, e1, nil, true)
	require.NoError(t, err)

	e2 := upsertEnvelope(t, "view1", "v1", base.Add(10*time.Minute), map[string]any{"b": 2})
	_, err = p2.Ingest(ctx, e2, nil, true)
	require.NoError(t, err)

	results, err := store.QueryWindow(ctx, truthstore.WindowQuery{
		ScopeID:  "scope1",
		Timebase: ordering.TimebaseSource,
		Filters:  truthstore.Filters{Lanes: []lanes.Lane{lanes.LaneUI}, MessageType: CheckpointMessageType},
	})
	require.NoError(t, err)
	require.Len(t, results, 1, "only the first upsert in a bucket should emit a checkpoint")

	// A second hour's bucket must emit its own checkpoint.
	e3 := upsertEnvelope(t, "view1", "v1", base.Add(90*time.Minute), map[string]any{"c": 3})
	_, err = p2.Ingest(ctx, e3, nil, true)
	require.NoError(t, err)

	results, err = store.QueryWindow(ctx, truthstore.WindowQuery{
		ScopeID:  "scope1",
		Timebase: ordering.TimebaseSource,
		Filters:  truthstore.Filters{Lanes: []lanes.Lane{lanes.LaneUI}, MessageType: CheckpointMessageType},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
}

func TestStateAtTimeReconstructsFromCheckpointPlusSubsequentUpserts(t *testing.T) {
	store := newTestStore(t)
	p := ingest.New(store, nil, nil, nil)
	mgr := New(p, 60)
	p2 := ingest.New(store, nil, nil, mgr)
	ctx := context.Background()

	base := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)

	e1 := upsertEnvelope(t, "view1", "v1", base, map[string]any{"status": "pending"})
	_, err := p2.Ingest(ctx, e1, nil, true)
	require.NoError(t, err)

	e2 := upsertEnvelope(t, "view1", "v1", base.Add(5*time.Minute), map[string]any{"progress": 25})
	_, err = p2.Ingest(ctx, e2, nil, true)
	require.NoError(t, err)

	e3 := upsertEnvelope(t, "view1", "v1", base.Add(10*time.Minute), map[string]any{"progress": 75})
	_, err = p2.Ingest(ctx, e3, nil, true)
	require.NoError(t, err)

	snap, err := StateAtTime(ctx, store, identity(), "view1", base.Add(6*time.Minute), ordering.TimebaseSource)
	require.NoError(t, err)
	require.Equal(t, "pending", snap["status"])
	require.Equal(t, float64(25), snap["progress"])

	snap, err = StateAtTime(ctx, store, identity(), "view1", base.Add(11*time.Minute), ordering.TimebaseSource)
	require.NoError(t, err)
	require.Equal(t, float64(75), snap["progress"])
}
