package lanes

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// WireEnvelope is the JSON shape producers publish on the wire contract
// (§6): required identity/time/lane fields plus exactly one of payload/
// bytes depending on lane. This is the boundary type; Envelope is the
// in-process sum type every other package operates on.
type WireEnvelope struct {
	ScopeID            string          `json:"scopeId"`
	Lane               string          `json:"lane"`
	SystemID           string          `json:"systemId"`
	ContainerID        string          `json:"containerId"`
	UniqueID           string          `json:"uniqueId"`
	SourceTruthTime    string          `json:"sourceTruthTime"`
	CanonicalTruthTime string          `json:"canonicalTruthTime,omitempty"`
	MessageType        string          `json:"messageType,omitempty"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	Bytes              string          `json:"bytes,omitempty"` // base64, raw lane only
	EventID            string          `json:"eventId,omitempty"`
	ConnectionID       string          `json:"connectionId,omitempty"`
	Sequence           *int64          `json:"sequence,omitempty"`
}

// ToWire renders e as the wire JSON shape. For non-raw lanes, the lane's
// typed payload is flattened into the single Payload object expected by
// the envelope schema (§6); for the command/metadata/ui lanes this means
// re-wrapping the lane-specific fields the way producers send them.
func (e *Envelope) ToWire() (*WireEnvelope, error) {
	w := &WireEnvelope{
		ScopeID:         e.ScopeID,
		Lane:            string(e.Lane),
		SystemID:        e.SystemID,
		ContainerID:     e.ContainerID,
		UniqueID:        e.UniqueID,
		SourceTruthTime: e.SourceTruthTime.UTC().Format(time.RFC3339Nano),
		MessageType:     e.MessageType,
		EventID:         e.EventID,
		ConnectionID:    e.ConnectionID,
		Sequence:        e.Sequence,
	}
	if !e.CanonicalTruthTime.IsZero() {
		w.CanonicalTruthTime = e.CanonicalTruthTime.UTC().Format(time.RFC3339Nano)
	}

	switch e.Lane {
	case LaneRaw:
		if e.Raw == nil {
			return nil, fmt.Errorf("lanes: raw envelope missing payload")
		}
		w.Bytes = base64.StdEncoding.EncodeToString(e.Raw.Bytes)
	case LaneParsed:
		raw, err := json.Marshal(rawParsedWire{SchemaVersion: e.Parsed.SchemaVersion, Payload: e.Parsed.Payload})
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	case LaneUI:
		raw, err := json.Marshal(rawUIWire{ViewID: e.UI.ViewID, ManifestVersion: e.UI.ManifestVersion, Upsert: e.UI.Upsert})
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	case LaneCommand:
		raw, err := json.Marshal(rawCommandWire{
			CommandID: e.Command.CommandID,
			RequestID: e.Command.RequestID,
			Kind:      string(e.Command.Kind),
			Status:    e.Command.Status,
			Payload:   e.Command.Payload,
		})
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	case LaneMetadata:
		raw, err := json.Marshal(rawMetadataWire{Kind: string(e.Metadata.Kind), Payload: e.Metadata.Payload})
		if err != nil {
			return nil, err
		}
		w.Payload = raw
	default:
		return nil, fmt.Errorf("lanes: unknown lane %q", e.Lane)
	}
	return w, nil
}

type rawParsedWire struct {
	SchemaVersion int            `json:"schemaVersion"`
	Payload       map[string]any `json:"payload"`
}

type rawUIWire struct {
	ViewID          string         `json:"viewId"`
	ManifestVersion string         `json:"manifestVersion,omitempty"`
	Upsert          map[string]any `json:"upsert"`
}

type rawCommandWire struct {
	CommandID string         `json:"commandId"`
	RequestID string         `json:"requestId,omitempty"`
	Kind      string         `json:"kind"`
	Status    string         `json:"status,omitempty"`
	Payload   map[string]any `json:"payload"`
}

type rawMetadataWire struct {
	Kind    string         `json:"kind"`
	Payload map[string]any `json:"payload"`
}

// FromWire parses a wire envelope into the in-process Envelope sum type.
// It does not validate the result; callers run Validate() afterward.
func FromWire(w *WireEnvelope) (*Envelope, error) {
	lane := Lane(w.Lane)

	sourceTime, err := parseWireTime(w.SourceTruthTime)
	if err != nil {
		return nil, fmt.Errorf("lanes: invalid sourceTruthTime: %w", err)
	}

	e := &Envelope{
		Identity: Identity{
			ScopeID:     w.ScopeID,
			SystemID:    w.SystemID,
			ContainerID: w.ContainerID,
			UniqueID:    w.UniqueID,
		},
		Lane:            lane,
		SourceTruthTime: sourceTime,
		MessageType:     w.MessageType,
		EventID:         w.EventID,
		ConnectionID:    w.ConnectionID,
		Sequence:        w.Sequence,
	}

	if w.CanonicalTruthTime != "" {
		canonicalTime, err := parseWireTime(w.CanonicalTruthTime)
		if err != nil {
			return nil, fmt.Errorf("lanes: invalid canonicalTruthTime: %w", err)
		}
		e.CanonicalTruthTime = canonicalTime
	}

	switch lane {
	case LaneRaw:
		raw, err := base64.StdEncoding.DecodeString(w.Bytes)
		if err != nil {
			return nil, fmt.Errorf("lanes: invalid base64 bytes: %w", err)
		}
		e.Raw = &RawPayload{Bytes: raw}
	case LaneParsed:
		var p rawParsedWire
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("lanes: invalid parsed payload: %w", err)
		}
		e.Parsed = &ParsedPayload{SchemaVersion: p.SchemaVersion, Payload: p.Payload}
	case LaneUI:
		var p rawUIWire
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("lanes: invalid ui payload: %w", err)
		}
		e.UI = &UIPayload{ViewID: p.ViewID, ManifestVersion: p.ManifestVersion, Upsert: p.Upsert}
	case LaneCommand:
		var p rawCommandWire
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("lanes: invalid command payload: %w", err)
		}
		e.Command = &CommandPayload{
			CommandID: p.CommandID,
			RequestID: p.RequestID,
			Kind:      CommandKind(p.Kind),
			Status:    p.Status,
			Payload:   p.Payload,
		}
	case LaneMetadata:
		var p rawMetadataWire
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, fmt.Errorf("lanes: invalid metadata payload: %w", err)
		}
		e.Metadata = &MetadataPayload{Kind: MetadataKind(p.Kind), Payload: p.Payload}
	default:
		return nil, fmt.Errorf("lanes: unknown lane %q", w.Lane)
	}

	return e, nil
}

func parseWireTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.UTC(), nil
}
