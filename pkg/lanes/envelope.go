package lanes

import (
	"fmt"
	"time"

	"github.com/nova-truth/nova/pkg/canon"
)

// Identity is the stable public identity triple every event carries,
// scoped by a routing/visibility partition.
type Identity struct {
	ScopeID     string
	SystemID    string
	ContainerID string
	UniqueID    string
}

func (id Identity) String() string {
	return fmt.Sprintf("%s|%s|%s|%s", id.ScopeID, id.SystemID, id.ContainerID, id.UniqueID)
}

// Envelope is the shared event record across all five lanes. Exactly one
// of Raw/Parsed/UI/Command/Metadata is populated, matching Lane.
type Envelope struct {
	Identity

	Lane Lane

	// SourceTruthTime is the producer-authored wall-clock at observation.
	// Never mutated once set.
	SourceTruthTime time.Time

	// CanonicalTruthTime is assigned once at ingest by the receiving truth
	// instance. Zero until ingest sets it.
	CanonicalTruthTime time.Time

	// MessageType names the lane-internal kind for non-raw lanes.
	MessageType string

	// EventID may be supplied by the producer; if empty, the truth store
	// computes it at ingest. If supplied, it is accepted as-is (a mismatch
	// against the recomputed hash is logged, never rewritten).
	EventID string

	// ConnectionID and Sequence are raw-lane-only optional debug fields.
	ConnectionID string
	Sequence     *int64

	Raw      *RawPayload
	Parsed   *ParsedPayload
	UI       *UIPayload
	Command  *CommandPayload
	Metadata *MetadataPayload
}

// sourceTruthTimeHashForm is the normalized string form of SourceTruthTime
// used as one component of the event ID hash input. Producers are
// expected to send timestamps that normalize identically for identical
// instants; this keeps the hash a pure function of observable content
// rather than of wire formatting accidents.
func (e *Envelope) sourceTruthTimeHashForm() string {
	return e.SourceTruthTime.UTC().Format(time.RFC3339Nano)
}

// CanonicalPayload returns the bytes hashed into the event ID: the raw
// frame bytes for the raw lane, or the canonical JSON serialization of
// the lane's payload object for every other lane.
func (e *Envelope) CanonicalPayload() ([]byte, error) {
	switch e.Lane {
	case LaneRaw:
		if e.Raw == nil {
			return nil, fmt.Errorf("lanes: raw envelope missing RawPayload")
		}
		return e.Raw.Bytes, nil
	case LaneParsed:
		if e.Parsed == nil {
			return nil, fmt.Errorf("lanes: parsed envelope missing ParsedPayload")
		}
		return canon.Canonicalize(e.Parsed.Payload)
	case LaneUI:
		if e.UI == nil {
			return nil, fmt.Errorf("lanes: ui envelope missing UIPayload")
		}
		return canon.Canonicalize(e.UI.Upsert)
	case LaneCommand:
		if e.Command == nil {
			return nil, fmt.Errorf("lanes: command envelope missing CommandPayload")
		}
		return canon.Canonicalize(e.Command.Payload)
	case LaneMetadata:
		if e.Metadata == nil {
			return nil, fmt.Errorf("lanes: metadata envelope missing MetadataPayload")
		}
		return canon.Canonicalize(e.Metadata.Payload)
	default:
		return nil, fmt.Errorf("lanes: unknown lane %q", e.Lane)
	}
}

// ComputeEventID computes and returns the content-derived event ID for
// this envelope. It does not mutate e.EventID; callers decide whether to
// accept a producer-supplied ID or derive one.
func (e *Envelope) ComputeEventID() (string, error) {
	payload, err := e.CanonicalPayload()
	if err != nil {
		return "", err
	}
	return canon.ComputeEventID(
		e.ScopeID, string(e.Lane), e.SystemID, e.ContainerID, e.UniqueID,
		e.sourceTruthTimeHashForm(), payload,
	), nil
}
