// Package edge terminates client WebSocket connections, authenticates
// them, and translates wire messages into typed router calls (C11,
// §4.10). It holds only ephemeral per-connection state — active stream
// ID and authenticated identity — discarded on disconnect.
package edge

import (
	"encoding/json"
	"time"

	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/truthstore"
)

// ClientMessage is the JSON shape a client sends on its WebSocket
// connection. Action selects which field set is meaningful.
type ClientMessage struct {
	Action string `json:"action"`

	// startStream / query
	ScopeID      string            `json:"scopeId,omitempty"`
	Timebase     ordering.Timebase `json:"timebase,omitempty"`
	TimelineMode ordering.TimelineMode `json:"timelineMode,omitempty"`
	StartTime    string            `json:"startTime,omitempty"`
	StopTime     string            `json:"stopTime,omitempty"`
	Rate         *float64          `json:"rate,omitempty"`
	Lanes        []string          `json:"lanes,omitempty"`
	SystemID     string            `json:"systemId,omitempty"`
	ContainerID  string            `json:"containerId,omitempty"`
	UniqueID     string            `json:"uniqueId,omitempty"`
	MessageType  string            `json:"messageType,omitempty"`
	Limit        int               `json:"limit,omitempty"`

	// addFollower
	LeaderConnectionID string `json:"leaderConnectionId,omitempty"`

	// submitCommand / ingestMetadata
	Envelope *lanes.WireEnvelope `json:"envelope,omitempty"`

	// export
	T0       string `json:"t0,omitempty"`
	T1       string `json:"t1,omitempty"`
	ExportID string `json:"exportId,omitempty"`
}

// ServerMessage is the JSON shape the edge sends back to a client.
// Type selects which field set is populated.
type ServerMessage struct {
	Type string `json:"type"`

	ConnectionID     string `json:"connectionId,omitempty"`
	PlaybackRequestID string `json:"playbackRequestId,omitempty"`

	// streamChunk
	Events []*lanes.WireEnvelope `json:"events,omitempty"`
	T0     string                `json:"t0,omitempty"`
	T1     string                `json:"t1,omitempty"`

	// queryResult
	QueryEvents []*lanes.WireEnvelope `json:"queryEvents,omitempty"`

	// submitCommand ack
	CommandID  string `json:"commandId,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
	Idempotent bool   `json:"idempotent,omitempty"`

	// export result
	ArchivePath string `json:"archivePath,omitempty"`

	// error
	Message string `json:"message,omitempty"`
}

func toWireEnvelopes(events []*lanes.Envelope) ([]*lanes.WireEnvelope, error) {
	wire := make([]*lanes.WireEnvelope, 0, len(events))
	for _, e := range events {
		w, err := e.ToWire()
		if err != nil {
			return nil, err
		}
		wire = append(wire, w)
	}
	return wire, nil
}

func toLaneList(raw []string) []lanes.Lane {
	out := make([]lanes.Lane, 0, len(raw))
	for _, l := range raw {
		out = append(out, lanes.Lane(l))
	}
	return out
}

func toFilters(msg *ClientMessage) truthstore.Filters {
	return truthstore.Filters{
		Lanes:       toLaneList(msg.Lanes),
		SystemID:    msg.SystemID,
		ContainerID: msg.ContainerID,
		UniqueID:    msg.UniqueID,
		MessageType: msg.MessageType,
	}
}

func parseOptionalTime(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return nil, err
	}
	t = t.UTC()
	return &t, nil
}
