package lanes

import (
	"errors"
	"fmt"
)

// ErrValidation is wrapped by every validation failure Validate returns,
// so callers can distinguish a rejected envelope from any other error
// with errors.Is.
var ErrValidation = errors.New("envelope validation failed")

// Validate checks that e carries every field required for its claimed
// lane and that its identity triple and source time are well-formed.
// Ingest rejects any envelope that fails this check (§4.3 step 1).
func (e *Envelope) Validate() error {
	if !e.Lane.Valid() {
		return fmt.Errorf("%w: unknown lane %q", ErrValidation, e.Lane)
	}

	if e.ScopeID == "" || e.SystemID == "" || e.ContainerID == "" || e.UniqueID == "" {
		return fmt.Errorf("%w: identity triple (scopeId, systemId, containerId, uniqueId) must be non-empty", ErrValidation)
	}

	for _, r := range e.ScopeID {
		if !(r >= 'A' && r <= 'Z' || r >= 'a' && r <= 'z' || r >= '0' && r <= '9') {
			return fmt.Errorf("%w: scopeId %q must contain only ASCII letters and digits", ErrValidation, e.ScopeID)
		}
	}

	if e.SourceTruthTime.IsZero() {
		return fmt.Errorf("%w: sourceTruthTime is required", ErrValidation)
	}

	if e.Lane != LaneRaw && e.MessageType == "" {
		return fmt.Errorf("%w: messageType is required for lane %q", ErrValidation, e.Lane)
	}

	switch e.Lane {
	case LaneRaw:
		if e.Raw == nil || e.Raw.Bytes == nil {
			return fmt.Errorf("%w: raw lane requires payload bytes", ErrValidation)
		}
	case LaneParsed:
		if e.Parsed == nil || e.Parsed.Payload == nil {
			return fmt.Errorf("%w: parsed lane requires a payload object", ErrValidation)
		}
	case LaneUI:
		if e.UI == nil || e.UI.ViewID == "" {
			return fmt.Errorf("%w: ui lane requires a viewId", ErrValidation)
		}
		if e.UI.Upsert == nil {
			return fmt.Errorf("%w: ui lane requires an upsert object", ErrValidation)
		}
	case LaneCommand:
		if e.Command == nil || e.Command.CommandID == "" {
			return fmt.Errorf("%w: command lane requires a commandId", ErrValidation)
		}
		switch e.Command.Kind {
		case CommandKindRequest, CommandKindProgress, CommandKindResult:
		default:
			return fmt.Errorf("%w: command lane requires a valid kind, got %q", ErrValidation, e.Command.Kind)
		}
		if e.Command.Kind == CommandKindRequest && e.Command.RequestID == "" {
			return fmt.Errorf("%w: command request requires a requestId", ErrValidation)
		}
	case LaneMetadata:
		if e.Metadata == nil || e.Metadata.Kind == "" {
			return fmt.Errorf("%w: metadata lane requires a kind", ErrValidation)
		}
	}

	if e.Lane != LaneRaw && e.ConnectionID != "" {
		return fmt.Errorf("%w: connectionId is raw-lane-only", ErrValidation)
	}
	if e.Lane != LaneRaw && e.Sequence != nil {
		return fmt.Errorf("%w: sequence is raw-lane-only", ErrValidation)
	}

	return nil
}
