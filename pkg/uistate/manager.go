// Package uistate implements the UI-state manager (C9): an in-memory
// per-view snapshot map fed exclusively by the ingest pipeline, guarded
// by a single RWMutex rather than any store-backed cache.
package uistate

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// CheckpointMessageType marks a UI-lane event as a full-snapshot
// checkpoint rather than a partial upsert, so StateAtTime can recognize
// it as a fresh baseline when replaying a window.
const CheckpointMessageType = "ui-checkpoint"

type viewKey struct {
	scopeID, systemID, containerID, uniqueID, viewID string
}

func keyFor(identity lanes.Identity, viewID string) viewKey {
	return viewKey{identity.ScopeID, identity.SystemID, identity.ContainerID, identity.UniqueID, viewID}
}

type viewState struct {
	snapshot     map[string]any
	checkpointed map[string]bool // manifestVersion|bucketStart -> already emitted
}

// Manager maintains the live per-view snapshot map and emits bucketed
// checkpoints back through the ingest pipeline (§4.5).
type Manager struct {
	mu                sync.RWMutex
	views             map[viewKey]*viewState
	pipeline          *ingest.Pipeline
	checkpointMinutes int
}

// New wires a Manager. checkpointMinutes is the bucket grid width
// (config's ui.checkpointIntervalMinutes, default 60). pipeline is the
// same ingest pipeline the manager was itself handed through — the
// checkpoint write re-enters Ingest so it is deduped, ordered, and
// file-written exactly like any other event.
func New(pipeline *ingest.Pipeline, checkpointMinutes int) *Manager {
	if checkpointMinutes <= 0 {
		checkpointMinutes = 60
	}
	return &Manager{
		views:             make(map[viewKey]*viewState),
		pipeline:          pipeline,
		checkpointMinutes: checkpointMinutes,
	}
}

// HandleUpsert implements ingest.UIAppender. It deep-merges e's upsert
// into the view's running snapshot (null values never overwrite
// existing non-null values) and, at most once per bucket, emits a
// UiCheckpoint event carrying the full merged snapshot.
func (m *Manager) HandleUpsert(ctx context.Context, e *lanes.Envelope) error {
	if e.UI == nil {
		return fmt.Errorf("uistate: envelope missing UI payload")
	}

	key := keyFor(e.Identity, e.UI.ViewID)
	bucketStart := floorToBucket(e.SourceTruthTime, m.checkpointMinutes)
	bucketKey := e.UI.ManifestVersion + "|" + bucketStart.Format(time.RFC3339)

	m.mu.Lock()
	vs, ok := m.views[key]
	discovery := !ok
	if !ok {
		vs = &viewState{snapshot: make(map[string]any), checkpointed: make(map[string]bool)}
		m.views[key] = vs
	}

	if e.MessageType == CheckpointMessageType {
		// A checkpoint re-entering through Ingest already carries the
		// full snapshot it was built from; absorb it as-is rather than
		// merging, and never re-emit from it.
		vs.snapshot = cloneMap(e.UI.Upsert)
		vs.checkpointed[bucketKey] = true
		m.mu.Unlock()
		return nil
	}

	if err := deepMergeUpsert(&vs.snapshot, e.UI.Upsert); err != nil {
		m.mu.Unlock()
		return fmt.Errorf("uistate: merge upsert: %w", err)
	}

	needCheckpoint := discovery || !vs.checkpointed[bucketKey]
	vs.checkpointed[bucketKey] = true
	snapshotCopy := cloneMap(vs.snapshot)
	m.mu.Unlock()

	if !needCheckpoint {
		return nil
	}

	checkpoint := &lanes.Envelope{
		Identity:        e.Identity,
		Lane:            lanes.LaneUI,
		MessageType:     CheckpointMessageType,
		SourceTruthTime: bucketStart,
		UI: &lanes.UIPayload{
			ViewID:          e.UI.ViewID,
			ManifestVersion: e.UI.ManifestVersion,
			Upsert:          snapshotCopy,
		},
	}
	if _, err := m.pipeline.Ingest(ctx, checkpoint, nil, true); err != nil {
		return fmt.Errorf("uistate: emit checkpoint: %w", err)
	}
	return nil
}

// CurrentSnapshot returns the live in-memory snapshot for a view, for
// callers that only need "now" rather than a reconstructed past state.
func (m *Manager) CurrentSnapshot(identity lanes.Identity, viewID string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	vs, ok := m.views[keyFor(identity, viewID)]
	if !ok {
		return nil, false
	}
	return cloneMap(vs.snapshot), true
}

// StateAtTime reconstructs a view's snapshot as of T under timebase:
// the latest checkpoint at or before T, with every subsequent upsert
// through T applied in the store's deterministic order (§4.5). The read
// has no lower bound: it replays every UI-lane event of the identity up
// to T and resets the snapshot at each checkpoint it meets, so its cost
// grows with the view's whole history, not with one bucket.
func StateAtTime(ctx context.Context, store *truthstore.Store, identity lanes.Identity, viewID string, t time.Time, timebase ordering.Timebase) (map[string]any, error) {
	t1 := t.Add(time.Nanosecond)
	events, err := store.QueryWindow(ctx, truthstore.WindowQuery{
		ScopeID:  identity.ScopeID,
		Timebase: timebase,
		T1:       sql.NullTime{Time: t1, Valid: true},
		Filters: truthstore.Filters{
			Lanes:       []lanes.Lane{lanes.LaneUI},
			SystemID:    identity.SystemID,
			ContainerID: identity.ContainerID,
			UniqueID:    identity.UniqueID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("uistate: query window: %w", err)
	}

	snapshot := make(map[string]any)
	for _, e := range events {
		if e.UI == nil || e.UI.ViewID != viewID {
			continue
		}
		if e.MessageType == CheckpointMessageType {
			snapshot = cloneMap(e.UI.Upsert)
			continue
		}
		if err := deepMergeUpsert(&snapshot, e.UI.Upsert); err != nil {
			return nil, fmt.Errorf("uistate: replay merge: %w", err)
		}
	}
	return snapshot, nil
}

// deepMergeUpsert merges upsert into snapshot in place: a null value in
// upsert is never applied, preserving any existing snapshot value under
// that key (the field-level precedence rule in §4.5). mergo's default
// "don't overwrite with an empty value" rule can't express this on its
// own — a legitimate zero, false, or empty string is not null and must
// still overwrite — so null keys are stripped before handing the rest
// to mergo with WithOverwriteWithEmptyValue forcing those through.
func deepMergeUpsert(snapshot *map[string]any, upsert map[string]any) error {
	filtered := stripNil(upsert)
	return mergo.Merge(snapshot, filtered, mergo.WithOverride, mergo.WithOverwriteWithEmptyValue)
}

// stripNil returns a copy of m with every null-valued key (recursively,
// for nested objects) removed.
func stripNil(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		if v == nil {
			continue
		}
		if nested, ok := v.(map[string]any); ok {
			out[k] = stripNil(nested)
			continue
		}
		out[k] = v
	}
	return out
}

func floorToBucket(t time.Time, bucketMinutes int) time.Time {
	t = t.UTC()
	bucket := time.Duration(bucketMinutes) * time.Minute
	return t.Truncate(bucket)
}

func cloneMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
