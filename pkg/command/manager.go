// Package command implements the command manager (C7): record-before-
// dispatch submission, idempotency, and replay blocking.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nova-truth/nova/pkg/ingest"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// ErrReplayBlocked is returned when a command is submitted while the
// requesting stream is in REPLAY mode (§4.6/§4.7: replay must never
// cause an external side effect).
var ErrReplayBlocked = errors.New("command: commands are blocked during replay")

// ErrInvalidRequest is returned when the envelope submitted is not a
// well-formed CommandRequest.
var ErrInvalidRequest = errors.New("command: invalid command request")

// Publisher delivers a command request to its producer for LIVE
// execution. Declared here rather than imported as a concrete type so
// command stays agnostic of the transport implementation.
type Publisher interface {
	PublishCommand(ctx context.Context, e *lanes.Envelope) error
}

// Ack acknowledges a submitted command. Idempotent is true when the
// request ID had already been recorded and this ack reflects the prior
// submission rather than a new dispatch.
type Ack struct {
	CommandID  string
	RequestID  string
	Idempotent bool
}

// Manager implements submitCommand (§4.7).
type Manager struct {
	pipeline  *ingest.Pipeline
	store     *truthstore.Store
	publisher Publisher
}

// New wires a Manager from the same ingest pipeline and truth store the
// rest of the truth side uses, plus a transport publisher for dispatch.
func New(pipeline *ingest.Pipeline, store *truthstore.Store, publisher Publisher) *Manager {
	return &Manager{pipeline: pipeline, store: store, publisher: publisher}
}

// SubmitCommand runs the full §4.7 sequence. e must be a LaneCommand
// envelope with Kind == CommandKindRequest and a non-empty RequestID.
func (m *Manager) SubmitCommand(ctx context.Context, e *lanes.Envelope, mode ordering.TimelineMode) (*Ack, error) {
	if mode == ordering.TimelineModeReplay {
		return nil, ErrReplayBlocked
	}
	if e.Lane != lanes.LaneCommand || e.Command == nil || e.Command.Kind != lanes.CommandKindRequest {
		return nil, fmt.Errorf("%w: envelope is not a command request", ErrInvalidRequest)
	}
	if e.Command.CommandID == "" || e.Command.RequestID == "" {
		return nil, fmt.Errorf("%w: commandId and requestId are required", ErrInvalidRequest)
	}

	exists, err := m.store.HasRequestID(ctx, e.Command.RequestID)
	if err != nil {
		return nil, fmt.Errorf("command: check request id: %w", err)
	}
	if exists {
		return &Ack{CommandID: e.Command.CommandID, RequestID: e.Command.RequestID, Idempotent: true}, nil
	}

	inserted, err := m.pipeline.Ingest(ctx, e, nil, true)
	if err != nil {
		return nil, fmt.Errorf("command: record request: %w", err)
	}
	if !inserted {
		// Lost a race against a concurrent identical submission; the
		// other caller's dispatch owns this request.
		return &Ack{CommandID: e.Command.CommandID, RequestID: e.Command.RequestID, Idempotent: true}, nil
	}

	if err := m.publisher.PublishCommand(ctx, e); err != nil {
		m.appendFailureResult(ctx, e, err)
		return nil, fmt.Errorf("command: dispatch failed: %w", err)
	}

	return &Ack{CommandID: e.Command.CommandID, RequestID: e.Command.RequestID}, nil
}

// appendFailureResult records the mandatory CommandResult when dispatch
// fails after the request was already committed — a command is never
// allowed to exist as "dispatched but not recorded" nor as "recorded
// but silently never resolved" (§4.7).
func (m *Manager) appendFailureResult(ctx context.Context, req *lanes.Envelope, dispatchErr error) {
	result := &lanes.Envelope{
		Identity:        req.Identity,
		Lane:            lanes.LaneCommand,
		MessageType:     req.MessageType,
		SourceTruthTime: time.Now().UTC(),
		Command: &lanes.CommandPayload{
			CommandID: req.Command.CommandID,
			Kind:      lanes.CommandKindResult,
			Status:    "failed",
			Payload:   map[string]any{"error": dispatchErr.Error()},
		},
	}
	if _, err := m.pipeline.Ingest(ctx, result, nil, true); err != nil {
		slog.Error("command: failed to append failure result", "commandId", req.Command.CommandID, "error", err)
	}
}
