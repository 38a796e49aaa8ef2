package driver

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// RealTimeWriter implements ingest.FileWriter (§4.8's real-time path):
// on every freshly inserted live event, select a driver, write the event
// to its per-day/per-identity target directory, and on the first write
// for a given identity+lane pair emit a DriverBinding metadata event
// recording which driver+version owns which target from which effective
// time.
type RealTimeWriter struct {
	registry *Registry
	store    *truthstore.Store
	pipeline *ingest.Pipeline
	dataDir  string
}

// NewRealTimeWriter wires the real-time writer. pipeline is set after
// construction via SetPipeline, since ingest.New requires a FileWriter
// up front and RealTimeWriter needs the pipeline it feeds into — main.go
// breaks the cycle by constructing RealTimeWriter first, then the
// pipeline, then calling SetPipeline.
func NewRealTimeWriter(registry *Registry, store *truthstore.Store, dataDir string) *RealTimeWriter {
	return &RealTimeWriter{registry: registry, store: store, dataDir: dataDir}
}

// SetPipeline wires the ingest pipeline this writer emits DriverBinding
// events through. Must be called before Write.
func (w *RealTimeWriter) SetPipeline(p *ingest.Pipeline) {
	w.pipeline = p
}

// Write implements ingest.FileWriter.
func (w *RealTimeWriter) Write(ctx context.Context, e *lanes.Envelope) error {
	if isDriverBindingEvent(e) {
		// A DriverBinding event is itself just written to its own metadata
		// target; emitting a binding event for a binding event would
		// recurse forever.
		return w.writeOnly(ctx, e)
	}

	drv, ok := w.registry.Select(e.Lane, e.MessageType, schemaVersionOf(e))
	if !ok {
		return fmt.Errorf("driver: %w: lane=%s messageType=%s", ErrNoMatchingDriver, e.Lane, e.MessageType)
	}

	dir := TargetDir(w.dataDir, e)
	target, err := drv.Write(ctx, dir, e)
	if err != nil {
		return fmt.Errorf("driver: write: %w", err)
	}

	bound, err := w.store.HasBindingFor(ctx, e.SystemID, e.ContainerID, e.UniqueID, e.Lane)
	if err != nil {
		return fmt.Errorf("driver: check binding: %w", err)
	}
	if bound {
		return nil
	}

	return w.emitBinding(ctx, e, drv, target)
}

func (w *RealTimeWriter) writeOnly(ctx context.Context, e *lanes.Envelope) error {
	drv, ok := w.registry.Select(e.Lane, e.MessageType, 0)
	if !ok {
		return fmt.Errorf("driver: %w: lane=%s messageType=%s", ErrNoMatchingDriver, e.Lane, e.MessageType)
	}
	dir := TargetDir(w.dataDir, e)
	_, err := drv.Write(ctx, dir, e)
	return err
}

func (w *RealTimeWriter) emitBinding(ctx context.Context, e *lanes.Envelope, drv Driver, target string) error {
	relTarget, err := filepath.Rel(w.dataDir, target)
	if err != nil {
		relTarget = target
	}

	binding := &lanes.Envelope{
		Identity:        e.Identity,
		Lane:            lanes.LaneMetadata,
		MessageType:     "driverBinding",
		SourceTruthTime: time.Now().UTC(),
		Metadata: &lanes.MetadataPayload{
			Kind: lanes.MetadataKindDriverBinding,
			Payload: map[string]any{
				"lane":          string(e.Lane),
				"driverId":      drv.ID(),
				"driverVersion": drv.Version(),
				"target":        relTarget,
			},
		},
	}

	_, err = w.pipeline.Ingest(ctx, binding, nil, true)
	if err != nil {
		return fmt.Errorf("driver: emit binding event: %w", err)
	}

	return w.store.InsertDriverBinding(ctx, truthstore.DriverBindingRow{
		SystemID:       e.SystemID,
		ContainerID:    e.ContainerID,
		UniqueID:       e.UniqueID,
		Lane:           e.Lane,
		EffectiveTime:  sql.NullTime{Time: binding.SourceTruthTime, Valid: true},
		DriverID:       drv.ID(),
		DriverVersion:  drv.Version(),
		Target:         relTarget,
	}, binding.EventID)
}

func isDriverBindingEvent(e *lanes.Envelope) bool {
	return e.Lane == lanes.LaneMetadata && e.Metadata != nil && e.Metadata.Kind == lanes.MetadataKindDriverBinding
}

// schemaVersionOf extracts the parsed-lane schema version for driver
// selection; every other lane selects without a schema version
// dimension.
func schemaVersionOf(e *lanes.Envelope) int {
	if e.Lane == lanes.LaneParsed && e.Parsed != nil {
		return e.Parsed.SchemaVersion
	}
	return 0
}

// TargetDir derives the per-day/per-identity target directory an event
// writes into, shared by the real-time and export paths so both produce
// the same folder hierarchy (§4.8 step 4).
func TargetDir(baseDir string, e *lanes.Envelope) string {
	day := e.SourceTruthTime.UTC().Format("2006-01-02")
	return filepath.Join(baseDir, day, e.SystemID, e.ContainerID, e.UniqueID)
}
