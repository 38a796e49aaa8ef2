// Package truthstore implements the durable append-only event store (C3):
// a global ID-uniqueness index plus one table per lane, mutated atomically
// by insertEvent, and read back pre-ordered by queryWindow/queryCommands
// through indexes that mirror pkg/ordering's comparator exactly so that no
// in-process sort is ever needed on the read path.
package truthstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nova-truth/nova/pkg/canon"
	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
)

// ErrStoreUnavailable wraps any error the backing database returns on a
// write attempt; §7 documents this as a retryable condition for ingest —
// producers may re-emit, and dedupe absorbs the eventual duplicate.
var ErrStoreUnavailable = errors.New("truthstore: store unavailable")

// Store is the truth store's handle on the backing Postgres database. It
// has exactly one writer in effect (the ingest pipeline, §5); readers
// (queries, streams, export) never block writers beyond Postgres's own
// MVCC semantics.
type Store struct {
	db *sql.DB
}

// New wraps an already-open database connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// InsertEvent atomically inserts into the global ID index and the
// envelope's lane table in a single transaction (invariant 2, §3).
// Returns inserted=false on a dedupe hit (the event ID already exists)
// without touching the lane table — the ID index's primary key makes
// this check and the no-op both race-free under concurrent insert
// attempts for the same ID.
func (s *Store) InsertEvent(ctx context.Context, e *lanes.Envelope) (inserted bool, err error) {
	if e.EventID == "" {
		return false, fmt.Errorf("truthstore: envelope missing EventID")
	}
	if e.CanonicalTruthTime.IsZero() {
		return false, fmt.Errorf("truthstore: envelope missing CanonicalTruthTime")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO event_index
			(event_id, scope_id, lane, system_id, container_id, unique_id,
			 message_type, source_truth_time, canonical_truth_time,
			 lane_priority, connection_id, sequence)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (event_id) DO NOTHING`,
		e.EventID, e.ScopeID, string(e.Lane), e.SystemID, e.ContainerID, e.UniqueID,
		e.MessageType, e.SourceTruthTime, e.CanonicalTruthTime,
		e.Lane.Priority(), e.ConnectionID, e.Sequence,
	)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if n == 0 {
		// Dedupe hit: not an error (§7 DuplicateEvent).
		return false, nil
	}

	if err := insertLaneRow(ctx, tx, e); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return true, nil
}

func insertLaneRow(ctx context.Context, tx *sql.Tx, e *lanes.Envelope) error {
	switch e.Lane {
	case lanes.LaneRaw:
		_, err := tx.ExecContext(ctx,
			`INSERT INTO raw_events (event_id, bytes) VALUES ($1, $2)`,
			e.EventID, e.Raw.Bytes)
		return err
	case lanes.LaneParsed:
		payload, err := canon.Canonicalize(e.Parsed.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO parsed_events (event_id, schema_version, payload) VALUES ($1, $2, $3)`,
			e.EventID, e.Parsed.SchemaVersion, payload)
		return err
	case lanes.LaneUI:
		payload, err := canon.Canonicalize(e.UI.Upsert)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO ui_events (event_id, view_id, upsert) VALUES ($1, $2, $3)`,
			e.EventID, e.UI.ViewID, payload)
		return err
	case lanes.LaneCommand:
		payload, err := canon.Canonicalize(e.Command.Payload)
		if err != nil {
			return err
		}
		var requestID any
		if e.Command.RequestID != "" {
			requestID = e.Command.RequestID
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO command_events (event_id, command_id, request_id, kind, status, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			e.EventID, e.Command.CommandID, requestID, string(e.Command.Kind), e.Command.Status, payload)
		return err
	case lanes.LaneMetadata:
		payload, err := canon.Canonicalize(e.Metadata.Payload)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO metadata_events (event_id, kind, payload) VALUES ($1, $2, $3)`,
			e.EventID, string(e.Metadata.Kind), payload)
		return err
	default:
		return fmt.Errorf("truthstore: unknown lane %q", e.Lane)
	}
}

// Filters narrows a queryWindow/export scan. The zero value matches
// everything within the window. Lanes and MessageType are ANDed when set.
type Filters struct {
	Lanes       []lanes.Lane
	SystemID    string
	ContainerID string
	UniqueID    string
	MessageType string
}

// WindowQuery describes a bounded [T0, T1) read over one scope.
type WindowQuery struct {
	ScopeID  string
	Timebase ordering.Timebase
	T0, T1   sql.NullTime // NullTime.Valid=false means unbounded on that side
	Filters  Filters
	Limit    int

	// IngestOrder, when true, replaces timebase order with commit/rowid
	// order — the export driver's narrow parity sub-contract (§4.8),
	// never used by the query/stream read path.
	IngestOrder bool
}

// QueryWindow returns every event in [t0, t1) for scope, already ordered
// by the single ordering tuple (or, when IngestOrder is set, by commit
// order) without any in-process sort — the backing index mirrors the
// requested order exactly (§4.2).
func (s *Store) QueryWindow(ctx context.Context, q WindowQuery) ([]*lanes.Envelope, error) {
	if q.Timebase != "" && !q.Timebase.Valid() {
		return nil, fmt.Errorf("truthstore: invalid timebase %q", q.Timebase)
	}
	timebase := q.Timebase
	if timebase == "" {
		timebase = ordering.TimebaseSource
	}

	timeCol := ordering.TimeColumn(timebase)
	orderClause := "committed_at ASC"
	if !q.IngestOrder {
		orderClause = ordering.OrderByClause(timebase)
	}

	sqlText := fmt.Sprintf(`
		SELECT event_id, lane, system_id, container_id, unique_id, message_type,
		       source_truth_time, canonical_truth_time, connection_id, sequence
		FROM event_index
		WHERE scope_id = $1`)
	args := []any{q.ScopeID}

	if q.T0.Valid {
		args = append(args, q.T0.Time)
		sqlText += fmt.Sprintf(" AND %s >= $%d", timeCol, len(args))
	}
	if q.T1.Valid {
		args = append(args, q.T1.Time)
		sqlText += fmt.Sprintf(" AND %s < $%d", timeCol, len(args))
	}
	if len(q.Filters.Lanes) > 0 {
		laneStrs := make([]string, len(q.Filters.Lanes))
		for i, l := range q.Filters.Lanes {
			laneStrs[i] = string(l)
		}
		args = append(args, laneStrs)
		sqlText += fmt.Sprintf(" AND lane = ANY($%d)", len(args))
	}
	if q.Filters.SystemID != "" {
		args = append(args, q.Filters.SystemID)
		sqlText += fmt.Sprintf(" AND system_id = $%d", len(args))
	}
	if q.Filters.ContainerID != "" {
		args = append(args, q.Filters.ContainerID)
		sqlText += fmt.Sprintf(" AND container_id = $%d", len(args))
	}
	if q.Filters.UniqueID != "" {
		args = append(args, q.Filters.UniqueID)
		sqlText += fmt.Sprintf(" AND unique_id = $%d", len(args))
	}
	if q.Filters.MessageType != "" {
		args = append(args, q.Filters.MessageType)
		sqlText += fmt.Sprintf(" AND message_type = $%d", len(args))
	}

	sqlText += " ORDER BY " + orderClause
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sqlText += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []*lanes.Envelope
	for rows.Next() {
		var (
			eventID, lane, systemID, containerID, uniqueID, messageType, connectionID string
			sourceTime, canonicalTime                                                 sql.NullTime
			sequence                                                                  sql.NullInt64
		)
		if err := rows.Scan(&eventID, &lane, &systemID, &containerID, &uniqueID, &messageType,
			&sourceTime, &canonicalTime, &connectionID, &sequence); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}

		e := &lanes.Envelope{
			Identity: lanes.Identity{
				ScopeID:     q.ScopeID,
				SystemID:    systemID,
				ContainerID: containerID,
				UniqueID:    uniqueID,
			},
			Lane:               lanes.Lane(lane),
			MessageType:        messageType,
			EventID:            eventID,
			SourceTruthTime:    sourceTime.Time,
			CanonicalTruthTime: canonicalTime.Time,
			ConnectionID:       connectionID,
		}
		if sequence.Valid {
			v := sequence.Int64
			e.Sequence = &v
		}

		if err := s.hydrateLanePayload(ctx, e); err != nil {
			return nil, err
		}
		results = append(results, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return results, nil
}

// hydrateLanePayload fills in the lane-specific payload for an envelope
// whose identity/time fields queryWindow already populated from
// event_index, by joining to the matching lane table on event_id.
func (s *Store) hydrateLanePayload(ctx context.Context, e *lanes.Envelope) error {
	switch e.Lane {
	case lanes.LaneRaw:
		var b []byte
		if err := s.db.QueryRowContext(ctx,
			`SELECT bytes FROM raw_events WHERE event_id = $1`, e.EventID).Scan(&b); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		e.Raw = &lanes.RawPayload{Bytes: b}
	case lanes.LaneParsed:
		var version int
		var payload []byte
		if err := s.db.QueryRowContext(ctx,
			`SELECT schema_version, payload FROM parsed_events WHERE event_id = $1`, e.EventID).
			Scan(&version, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		e.Parsed = &lanes.ParsedPayload{SchemaVersion: version, Payload: m}
	case lanes.LaneUI:
		var viewID string
		var upsert []byte
		if err := s.db.QueryRowContext(ctx,
			`SELECT view_id, upsert FROM ui_events WHERE event_id = $1`, e.EventID).
			Scan(&viewID, &upsert); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var m map[string]any
		if err := json.Unmarshal(upsert, &m); err != nil {
			return err
		}
		e.UI = &lanes.UIPayload{ViewID: viewID, Upsert: m}
	case lanes.LaneCommand:
		var commandID, kind, status string
		var requestID sql.NullString
		var payload []byte
		if err := s.db.QueryRowContext(ctx,
			`SELECT command_id, request_id, kind, status, payload FROM command_events WHERE event_id = $1`,
			e.EventID).Scan(&commandID, &requestID, &kind, &status, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		e.Command = &lanes.CommandPayload{
			CommandID: commandID,
			RequestID: requestID.String,
			Kind:      lanes.CommandKind(kind),
			Status:    status,
			Payload:   m,
		}
	case lanes.LaneMetadata:
		var kind string
		var payload []byte
		if err := s.db.QueryRowContext(ctx,
			`SELECT kind, payload FROM metadata_events WHERE event_id = $1`, e.EventID).
			Scan(&kind, &payload); err != nil {
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return err
		}
		e.Metadata = &lanes.MetadataPayload{Kind: lanes.MetadataKind(kind), Payload: m}
	}
	return nil
}

// CommandRow is a single request/progress/result row for one command,
// as returned by QueryCommands.
type CommandRow struct {
	EventID   string
	CommandID string
	RequestID string
	Kind      lanes.CommandKind
	Status    string
	Payload   map[string]any
	EventTime ordering.Key
}

// QueryCommands returns every request/progress/result row correlated by
// any of the given command IDs, ordered by commit order (the order they
// were appended in, which is also their causal order since progress/
// result can only be appended after their request commits).
func (s *Store) QueryCommands(ctx context.Context, commandIDs []string) ([]CommandRow, error) {
	if len(commandIDs) == 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.event_id, c.command_id, COALESCE(c.request_id, ''), c.kind, c.status, c.payload,
		       i.source_truth_time
		FROM command_events c
		JOIN event_index i ON i.event_id = c.event_id
		WHERE c.command_id = ANY($1)
		ORDER BY i.committed_at ASC`, commandIDs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []CommandRow
	for rows.Next() {
		var r CommandRow
		var payload []byte
		var sourceTime sql.NullTime
		var kind string
		if err := rows.Scan(&r.EventID, &r.CommandID, &r.RequestID, &kind, &r.Status, &payload, &sourceTime); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		r.Kind = lanes.CommandKind(kind)
		var m map[string]any
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, err
		}
		r.Payload = m
		r.EventTime = ordering.Key{Time: sourceTime.Time}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return results, nil
}

// HasRequestID reports whether a CommandRequest row already exists for
// requestID, backing the command manager's idempotency check (§4.7).
func (s *Store) HasRequestID(ctx context.Context, requestID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM command_events WHERE request_id = $1 AND kind = 'request')`,
		requestID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}

// DriverBindingRow is a materialized row from driver_bindings, preloaded
// by the export path (§4.8) so binding resolution never issues a query
// per event.
type DriverBindingRow struct {
	SystemID, ContainerID, UniqueID string
	Lane                           lanes.Lane
	EffectiveTime                  sql.NullTime
	DriverID, DriverVersion        string
	Target                         string
}

// QueryDriverBindings preloads every binding effective strictly before t1
// for the given identity scope, so the export path can resolve each
// event's binding in-process (§4.8 step 2).
func (s *Store) QueryDriverBindings(ctx context.Context, scopeSystemID string, t1 sql.NullTime) ([]DriverBindingRow, error) {
	sqlText := `
		SELECT system_id, container_id, unique_id, lane, effective_time, driver_id, driver_version, target
		FROM driver_bindings
		WHERE system_id = $1`
	args := []any{scopeSystemID}
	if t1.Valid {
		args = append(args, t1.Time)
		sqlText += " AND effective_time < $2"
	}
	sqlText += " ORDER BY effective_time ASC"

	rows, err := s.db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	defer rows.Close()

	var results []DriverBindingRow
	for rows.Next() {
		var r DriverBindingRow
		var lane string
		if err := rows.Scan(&r.SystemID, &r.ContainerID, &r.UniqueID, &lane, &r.EffectiveTime,
			&r.DriverID, &r.DriverVersion, &r.Target); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		r.Lane = lanes.Lane(lane)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return results, nil
}

// InsertDriverBinding records a new DriverBinding metadata row (§4.8:
// emitted on the first write for a given identity+lane pair).
func (s *Store) InsertDriverBinding(ctx context.Context, b DriverBindingRow, eventID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO driver_bindings
			(system_id, container_id, unique_id, lane, effective_time, driver_id, driver_version, target, event_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		b.SystemID, b.ContainerID, b.UniqueID, string(b.Lane), b.EffectiveTime.Time,
		b.DriverID, b.DriverVersion, b.Target, eventID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// HasBindingFor reports whether a driver binding already exists for the
// given identity+lane pair, so the real-time writer only emits one
// DriverBinding event per pair (§4.8: "Subsequent writes ... do not
// re-emit").
func (s *Store) HasBindingFor(ctx context.Context, systemID, containerID, uniqueID string, lane lanes.Lane) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM driver_bindings
			WHERE system_id = $1 AND container_id = $2 AND unique_id = $3 AND lane = $4
		)`, systemID, containerID, uniqueID, string(lane)).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return exists, nil
}
