package command

import (
	"context"
	"errors"
	"sync"
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

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	failNext  bool
}

func (f *fakePublisher) PublishCommand(ctx context.Context, e *lanes.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return errors.New("dispatch unavailable")
	}
	f.published = append(f.published, e.Command.RequestID)
	return nil
}

func (f *fakePublisher) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func requestEnvelope(commandID, requestID string) *lanes.Envelope {
	return &lanes.Envelope{
		Identity:        lanes.Identity{ScopeID: "scope1", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:            lanes.LaneCommand,
		MessageType:     "restart",
		SourceTruthTime: time.Now().UTC().Truncate(time.Microsecond),
		Command: &lanes.CommandPayload{
			CommandID: commandID,
			RequestID: requestID,
			Kind:      lanes.CommandKindRequest,
			Status:    "pending",
			Payload:   map[string]any{"action": "restart"},
		},
	}
}

func TestSubmitCommandRejectsDuringReplay(t *testing.T) {
	store := newTestStore(t)
	p := ingest.New(store, nil, nil, nil)
	mgr := New(p, store, &fakePublisher{})

	_, err := mgr.SubmitCommand(context.Background(), requestEnvelope("cmd-1", "req-1"), ordering.TimelineModeReplay)
	require.ErrorIs(t, err, ErrReplayBlocked)
}

func TestSubmitCommandRecordsBeforeDispatchAndIsIdempotent(t *testing.T) {
	store := newTestStore(t)
	p := ingest.New(store, nil, nil, nil)
	pub := &fakePublisher{}
	mgr := New(p, store, pub)
	ctx := context.Background()

	ack, err := mgr.SubmitCommand(ctx, requestEnvelope("cmd-1", "req-1"), ordering.TimelineModeLive)
	require.NoError(t, err)
	require.False(t, ack.Idempotent)
	require.Equal(t, 1, pub.count())

	has, err := store.HasRequestID(ctx, "req-1")
	require.NoError(t, err)
	require.True(t, has)

	// Resubmitting the same requestId must not dispatch again.
	ack2, err := mgr.SubmitCommand(ctx, requestEnvelope("cmd-1", "req-1"), ordering.TimelineModeLive)
	require.NoError(t, err)
	require.True(t, ack2.Idempotent)
	require.Equal(t, 1, pub.count())
}

func TestSubmitCommandAppendsFailureResultOnDispatchError(t *testing.T) {
	store := newTestStore(t)
	p := ingest.New(store, nil, nil, nil)
	pub := &fakePublisher{failNext: true}
	mgr := New(p, store, pub)
	ctx := context.Background()

	_, err := mgr.SubmitCommand(ctx, requestEnvelope("cmd-2", "req-2"), ordering.TimelineModeLive)
	require.Error(t, err)

	// The request row must still have been committed before dispatch
	// was attempted.
	has, err := store.HasRequestID(ctx, "req-2")
	require.NoError(t, err)
	require.True(t, has)

	results, err := store.QueryWindow(ctx, truthstore.WindowQuery{
		ScopeID:  "scope1",
		Timebase: ordering.TimebaseSource,
		Filters:  truthstore.Filters{Lanes: []lanes.Lane{lanes.LaneCommand}},
	})
	require.NoError(t, err)

	var sawFailureResult bool
	for _, e := range results {
		if e.Command.Kind == lanes.CommandKindResult && e.Command.CommandID == "cmd-2" && e.Command.Status == "failed" {
			sawFailureResult = true
		}
	}
	require.True(t, sawFailureResult, "expected a failed CommandResult to be appended")
}
