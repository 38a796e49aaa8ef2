// Package router implements the request router (C10): the sole path by
// which the edge process mutates or observes truth (§4.10). It dispatches
// typed requests to the truth store, playback engine, command manager,
// ingest pipeline, and UI-state manager, and never exposes those
// components directly to pkg/edge.
package router

import (
	"context"
	"fmt"
	"time"

	"github.com/nova-truth/nova/pkg/command"
	"github.com/nova-truth/nova/pkg/driver"
	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/playback"
	"github.com/nova-truth/nova/pkg/truthstore"
	"github.com/nova-truth/nova/pkg/uistate"
)

// QueryRequest is a bounded-range read (§6 queryWindow).
type QueryRequest struct {
	ScopeID  string
	Timebase ordering.Timebase
	T0, T1   *time.Time
	Filters  truthstore.Filters
	Limit    int
}

// QueryResponse carries the ordered events a QueryRequest returned.
type QueryResponse struct {
	Events []*lanes.Envelope
}

// StartStreamRequest starts a server-paced stream (§4.6).
type StartStreamRequest struct {
	ConnectionID string
	ScopeID      string
	Timebase     ordering.Timebase
	TimelineMode ordering.TimelineMode
	StartTime    time.Time
	StopTime     *time.Time
	Rate         float64
	Filters      truthstore.Filters
}

// CancelStreamRequest cancels the active stream owned by ConnectionID.
type CancelStreamRequest struct {
	ConnectionID string
}

// AddFollowerRequest binds a follower output stream to an existing
// leader cursor (§4.6.4).
type AddFollowerRequest struct {
	LeaderConnectionID string
	FollowerID         string
}

// SubmitCommandRequest submits a command (§4.7). TimelineMode reflects
// whichever stream mode the submitting connection is currently in; the
// router forwards it unchanged and the command manager rejects the
// request outright when it is REPLAY.
type SubmitCommandRequest struct {
	Envelope     *lanes.Envelope
	TimelineMode ordering.TimelineMode
}

// SubmitCommandResponse acknowledges a command submission.
type SubmitCommandResponse struct {
	CommandID  string
	RequestID  string
	Idempotent bool
}

// IngestMetadataRequest appends an operator-authored metadata event
// (chat messages, presentation overrides, manifests) directly, bypassing
// the producer transport.
type IngestMetadataRequest struct {
	Envelope *lanes.Envelope
}

// QueryCommandsRequest returns every request/progress/result row for a
// set of command IDs (§6 queryCommands).
type QueryCommandsRequest struct {
	CommandIDs []string
}

// QueryCommandsResponse carries the correlated command rows.
type QueryCommandsResponse struct {
	Rows []truthstore.CommandRow
}

// ViewStateRequest reconstructs a UI view's snapshot as of T (§4.9).
type ViewStateRequest struct {
	Identity lanes.Identity
	ViewID   string
	At       time.Time
	Timebase ordering.Timebase
}

// ViewStateResponse carries the reconstructed snapshot.
type ViewStateResponse struct {
	Snapshot map[string]any
}

// ExportRequest runs a windowed export (§4.8's export path).
type ExportRequest struct {
	ScopeID  string
	SystemID string
	T0, T1   time.Time
	ExportID string
}

// ExportResponse carries the path to the archived export bundle.
type ExportResponse struct {
	ArchivePath string
}

// Router wires every truth-side component the edge can reach.
type Router struct {
	store    *truthstore.Store
	playback *playback.Engine
	commands *command.Manager
	ingest   *ingest.Pipeline
	ui       *uistate.Manager
	exporter *driver.Exporter
}

// New wires a Router from the truth-side components main.go assembles.
func New(store *truthstore.Store, pb *playback.Engine, commands *command.Manager, ing *ingest.Pipeline, ui *uistate.Manager, exporter *driver.Exporter) *Router {
	return &Router{store: store, playback: pb, commands: commands, ingest: ing, ui: ui, exporter: exporter}
}

// Query runs a bounded-range read.
func (r *Router) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	q := truthstore.WindowQuery{
		ScopeID:  req.ScopeID,
		Timebase: req.Timebase,
		Filters:  req.Filters,
		Limit:    req.Limit,
	}
	if req.T0 != nil {
		q.T0.Time, q.T0.Valid = *req.T0, true
	}
	if req.T1 != nil {
		q.T1.Time, q.T1.Valid = *req.T1, true
	}
	events, err := r.store.QueryWindow(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("router: query: %w", err)
	}
	return &QueryResponse{Events: events}, nil
}

// StartStream starts a server-paced stream and returns the cursor plus
// its chunk channel for the edge to forward to the client.
func (r *Router) StartStream(ctx context.Context, req StartStreamRequest) (*playback.Cursor, <-chan playback.Chunk) {
	return r.playback.StartStream(ctx, playback.StartStreamRequest{
		ConnectionID: req.ConnectionID,
		ScopeID:      req.ScopeID,
		Timebase:     req.Timebase,
		TimelineMode: req.TimelineMode,
		StartTime:    req.StartTime,
		StopTime:     req.StopTime,
		Rate:         req.Rate,
		Filters:      req.Filters,
	})
}

// CancelStream cancels the active stream for a connection.
func (r *Router) CancelStream(req CancelStreamRequest) {
	r.playback.CancelStream(req.ConnectionID)
}

// AddFollower binds a follower output stream to an existing leader
// cursor.
func (r *Router) AddFollower(req AddFollowerRequest) (*playback.Follower, error) {
	return r.playback.AddFollower(req.LeaderConnectionID, req.FollowerID)
}

// SubmitCommand submits a command request.
func (r *Router) SubmitCommand(ctx context.Context, req SubmitCommandRequest) (*SubmitCommandResponse, error) {
	ack, err := r.commands.SubmitCommand(ctx, req.Envelope, req.TimelineMode)
	if err != nil {
		return nil, err
	}
	return &SubmitCommandResponse{CommandID: ack.CommandID, RequestID: ack.RequestID, Idempotent: ack.Idempotent}, nil
}

// QueryCommands returns every row correlated by the given command IDs.
func (r *Router) QueryCommands(ctx context.Context, req QueryCommandsRequest) (*QueryCommandsResponse, error) {
	rows, err := r.store.QueryCommands(ctx, req.CommandIDs)
	if err != nil {
		return nil, fmt.Errorf("router: query commands: %w", err)
	}
	return &QueryCommandsResponse{Rows: rows}, nil
}

// IngestMetadata appends an operator-authored metadata event. live is
// always true here: operator actions via the edge are always live
// producer events, never part of a replay read path.
func (r *Router) IngestMetadata(ctx context.Context, req IngestMetadataRequest) error {
	if req.Envelope.Lane != lanes.LaneMetadata {
		return fmt.Errorf("router: ingestMetadata requires a metadata-lane envelope, got %q", req.Envelope.Lane)
	}
	_, err := r.ingest.Ingest(ctx, req.Envelope, nil, true)
	return err
}

// ViewState reconstructs a UI view's snapshot as of T.
func (r *Router) ViewState(ctx context.Context, req ViewStateRequest) (*ViewStateResponse, error) {
	snapshot, err := uistate.StateAtTime(ctx, r.store, req.Identity, req.ViewID, req.At, req.Timebase)
	if err != nil {
		return nil, fmt.Errorf("router: view state: %w", err)
	}
	return &ViewStateResponse{Snapshot: snapshot}, nil
}

// CurrentViewState returns the UI-state manager's live in-memory
// snapshot for a view, skipping a store round-trip for "now" reads.
func (r *Router) CurrentViewState(identity lanes.Identity, viewID string) (map[string]any, bool) {
	return r.ui.CurrentSnapshot(identity, viewID)
}

// Export runs a windowed export.
func (r *Router) Export(ctx context.Context, req ExportRequest) (*ExportResponse, error) {
	if r.exporter == nil {
		return nil, fmt.Errorf("router: export not configured")
	}
	archivePath, err := r.exporter.Export(ctx, req.ScopeID, req.SystemID, req.T0, req.T1, req.ExportID)
	if err != nil {
		return nil, fmt.Errorf("router: export: %w", err)
	}
	return &ExportResponse{ArchivePath: archivePath}, nil
}
