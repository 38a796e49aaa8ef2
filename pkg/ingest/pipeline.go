// Package ingest implements the ingest pipeline (C4): validate, derive,
// compute, assign, insert, and fan out — the only path by which an
// envelope ever reaches the truth store. Each Ingest call runs the full
// sequence linearly in the caller's goroutine; there is no multi-stage
// worker fan-out. The pipeline does not serialize calls: concurrent
// callers, and fan-out targets that ingest further events, run their
// Ingest calls independently.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// ErrIdentityConflict is returned when an envelope's identity or lane
// disagrees with the transport address it arrived on (§4.3 step 2: "if
// both are present and conflict, reject — no silent mutation").
var ErrIdentityConflict = errors.New("ingest: envelope identity conflicts with transport address")

// FileWriter is the real-time file-writer plane (§4.8), invoked only on
// the live ingest path. Declared here (rather than imported from
// pkg/driver) so pkg/driver can depend on pkg/ingest's types without a
// cycle; main.go wires the concrete implementation in.
type FileWriter interface {
	Write(ctx context.Context, e *lanes.Envelope) error
}

// Waker lets ingest notify the playback engine that new events have
// landed for a scope, so LIVE cursors blocked on the wake signal can
// resume without polling (§4.6.1).
type Waker interface {
	Wake(scopeID string)
}

// UIAppender hands UI-lane events to the UI-state manager (§4.9) after
// they are durably committed, so checkpoint emission always flows back
// through the full ingest pipeline rather than writing the store
// directly.
type UIAppender interface {
	HandleUpsert(ctx context.Context, e *lanes.Envelope) error
}

// Pipeline is the ingest pipeline's single entry point.
type Pipeline struct {
	store      *truthstore.Store
	fileWriter FileWriter
	waker      Waker
	uiAppender UIAppender
}

// New wires the ingest pipeline. fileWriter, waker, and uiAppender may
// be nil in tests that only exercise validate/derive/insert.
func New(store *truthstore.Store, fileWriter FileWriter, waker Waker, uiAppender UIAppender) *Pipeline {
	return &Pipeline{store: store, fileWriter: fileWriter, waker: waker, uiAppender: uiAppender}
}

// SetUIAppender wires the UI-state manager after construction, breaking
// the cycle between Pipeline and uistate.Manager the same way
// driver.RealTimeWriter.SetPipeline breaks the Pipeline/FileWriter
// cycle: uistate.New requires a *Pipeline up front, so main.go
// constructs the pipeline first with a nil UIAppender, builds the
// uistate.Manager around it, then calls SetUIAppender.
func (p *Pipeline) SetUIAppender(uiAppender UIAppender) {
	p.uiAppender = uiAppender
}

// Ingest runs the full §4.3 pipeline for one envelope. addr is the
// transport address the envelope arrived on, if any — nil for envelopes
// constructed in-process (e.g. UiCheckpoint emission, command results
// appended by the command manager). live indicates whether this call is
// on the live producer ingest path; it must be false for anything
// derived from a replay/query/export read path (§4.3's structural
// invariant that replay never triggers a file write).
func (p *Pipeline) Ingest(ctx context.Context, e *lanes.Envelope, addr *lanes.Address, live bool) (inserted bool, err error) {
	if err := reconcileAddress(e, addr); err != nil {
		return false, err
	}

	if err := e.Validate(); err != nil {
		return false, err
	}

	if e.EventID == "" {
		id, err := e.ComputeEventID()
		if err != nil {
			return false, fmt.Errorf("ingest: compute event id: %w", err)
		}
		e.EventID = id
	} else if computed, err := e.ComputeEventID(); err == nil && computed != e.EventID {
		// §3: a producer-supplied event ID is accepted as-is; a mismatch
		// against the content-derived hash is logged, never rewritten.
		slog.Warn("ingest: producer-supplied event id does not match computed hash",
			"eventId", e.EventID, "computedEventId", computed)
	}

	e.CanonicalTruthTime = time.Now().UTC()

	inserted, err = p.store.InsertEvent(ctx, e)
	if err != nil {
		return false, err
	}
	if !inserted {
		return false, nil
	}

	if live && p.fileWriter != nil {
		if err := p.fileWriter.Write(ctx, e); err != nil {
			slog.Error("ingest: file-writer failed", "eventId", e.EventID, "error", err)
		}
	}

	if p.waker != nil {
		p.waker.Wake(e.ScopeID)
	}

	if e.Lane == lanes.LaneUI && p.uiAppender != nil {
		if err := p.uiAppender.HandleUpsert(ctx, e); err != nil {
			slog.Error("ingest: ui-state append failed", "eventId", e.EventID, "error", err)
		}
	}

	return true, nil
}

// reconcileAddress fills empty identity/lane fields from addr and
// rejects any field present on both sides that disagrees.
func reconcileAddress(e *lanes.Envelope, addr *lanes.Address) error {
	if addr == nil {
		return nil
	}

	fields := []struct {
		name      string
		envelope  *string
		transport string
	}{
		{"scopeId", &e.ScopeID, addr.ScopeID},
		{"systemId", &e.SystemID, addr.SystemID},
		{"containerId", &e.ContainerID, addr.ContainerID},
		{"uniqueId", &e.UniqueID, addr.UniqueID},
	}
	for _, f := range fields {
		if *f.envelope == "" {
			*f.envelope = f.transport
			continue
		}
		if *f.envelope != f.transport {
			return fmt.Errorf("%w: %s envelope=%q transport=%q", ErrIdentityConflict, f.name, *f.envelope, f.transport)
		}
	}

	if e.Lane == "" {
		e.Lane = addr.Lane
	} else if e.Lane != addr.Lane {
		return fmt.Errorf("%w: lane envelope=%q transport=%q", ErrIdentityConflict, e.Lane, addr.Lane)
	}

	return nil
}
