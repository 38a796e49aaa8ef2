package lanes

// RawPayload carries binary frame bytes, preserved without rechunking.
type RawPayload struct {
	Bytes []byte
}

// ParsedPayload carries a typed, structured payload with a message type
// and schema version.
type ParsedPayload struct {
	SchemaVersion int
	Payload       map[string]any
}

// UIPayload carries a partial upsert keyed by a view identifier. Upsert
// keys merge into the view's running snapshot; see pkg/uistate.
// ManifestVersion names the rendering manifest this upsert was produced
// against; it partitions checkpoint buckets so a manifest change starts
// a fresh checkpoint lineage instead of merging across versions.
type UIPayload struct {
	ViewID          string
	ManifestVersion string
	Upsert          map[string]any
}

// CommandKind distinguishes the three stages of a command's lifecycle
// that all correlate by CommandID.
type CommandKind string

const (
	CommandKindRequest  CommandKind = "request"
	CommandKindProgress CommandKind = "progress"
	CommandKindResult   CommandKind = "result"
)

// CommandPayload carries a command request, progress update, or result.
// RequestID is only set (and only meaningful) on Kind == CommandKindRequest;
// it is what enforces submission idempotency.
type CommandPayload struct {
	CommandID string
	RequestID string
	Kind      CommandKind
	Status    string
	Payload   map[string]any
}

// MetadataKind names the specific time-versioned descriptor a metadata
// event carries.
type MetadataKind string

const (
	MetadataKindCapability          MetadataKind = "capability"
	MetadataKindDriverBinding       MetadataKind = "driverBinding"
	MetadataKindManifest            MetadataKind = "manifest"
	MetadataKindChat                MetadataKind = "chat"
	MetadataKindPresentationOverride MetadataKind = "presentationOverride"
)

// MetadataPayload carries a time-versioned descriptor: producer
// capability, driver binding, published manifest, operator chat, or a
// presentation override.
type MetadataPayload struct {
	Kind    MetadataKind
	Payload map[string]any
}
