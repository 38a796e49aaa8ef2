package lanes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseEnvelope(lane Lane) *Envelope {
	e := &Envelope{
		Identity: Identity{ScopeID: "s1", SystemID: "sys1", ContainerID: "c1", UniqueID: "u1"},
		Lane:     lane,
		SourceTruthTime: time.Date(2026, 1, 27, 10, 0, 0, 0, time.UTC),
	}
	switch lane {
	case LaneRaw:
		e.Raw = &RawPayload{Bytes: []byte{0xDE, 0xAD, 0xBE, 0xEF}}
	case LaneParsed:
		e.MessageType = "telemetry"
		e.Parsed = &ParsedPayload{SchemaVersion: 1, Payload: map[string]any{"value": 1}}
	case LaneUI:
		e.MessageType = "upsert"
		e.UI = &UIPayload{ViewID: "view1", Upsert: map[string]any{"key": "a"}}
	case LaneCommand:
		e.MessageType = "command"
		e.Command = &CommandPayload{CommandID: "cmd-1", RequestID: "r-1", Kind: CommandKindRequest, Payload: map[string]any{}}
	case LaneMetadata:
		e.MessageType = "metadata"
		e.Metadata = &MetadataPayload{Kind: MetadataKindCapability, Payload: map[string]any{"version": 1}}
	}
	return e
}

func TestValidateAcceptsWellFormedEnvelopePerLane(t *testing.T) {
	for _, lane := range []Lane{LaneRaw, LaneParsed, LaneUI, LaneCommand, LaneMetadata} {
		t.Run(string(lane), func(t *testing.T) {
			assert.NoError(t, baseEnvelope(lane).Validate())
		})
	}
}

func TestValidateRejectsEmptyIdentity(t *testing.T) {
	e := baseEnvelope(LaneParsed)
	e.SystemID = ""
	assert.ErrorIs(t, e.Validate(), ErrValidation)
}

func TestValidateRejectsMissingMessageTypeForNonRaw(t *testing.T) {
	e := baseEnvelope(LaneParsed)
	e.MessageType = ""
	assert.ErrorIs(t, e.Validate(), ErrValidation)
}

func TestValidateRejectsMissingSourceTime(t *testing.T) {
	e := baseEnvelope(LaneParsed)
	e.SourceTruthTime = time.Time{}
	assert.ErrorIs(t, e.Validate(), ErrValidation)
}

func TestValidateRejectsConnectionIDOnNonRawLane(t *testing.T) {
	e := baseEnvelope(LaneParsed)
	e.ConnectionID = "conn-1"
	assert.ErrorIs(t, e.Validate(), ErrValidation)
}

func TestValidateRejectsCommandRequestWithoutRequestID(t *testing.T) {
	e := baseEnvelope(LaneCommand)
	e.Command.RequestID = ""
	assert.ErrorIs(t, e.Validate(), ErrValidation)
}

func TestComputeEventIDIsDeterministicAndContentDerived(t *testing.T) {
	e1 := baseEnvelope(LaneParsed)
	e2 := baseEnvelope(LaneParsed)

	id1, err := e1.ComputeEventID()
	require.NoError(t, err)
	id2, err := e2.ComputeEventID()
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	e2.Parsed.Payload["value"] = 2
	id3, err := e2.ComputeEventID()
	require.NoError(t, err)
	assert.NotEqual(t, id1, id3)
}

func TestComputeEventIDForRawUsesBytesDirectly(t *testing.T) {
	e := baseEnvelope(LaneRaw)
	payload, err := e.CanonicalPayload()
	require.NoError(t, err)
	assert.Equal(t, e.Raw.Bytes, payload)
}

func TestLanePriorityOrdersMetadataFirstAndRawLast(t *testing.T) {
	assert.Less(t, LaneMetadata.Priority(), LaneCommand.Priority())
	assert.Less(t, LaneCommand.Priority(), LaneUI.Priority())
	assert.Less(t, LaneUI.Priority(), LaneParsed.Priority())
	assert.Less(t, LaneParsed.Priority(), LaneRaw.Priority())
}
