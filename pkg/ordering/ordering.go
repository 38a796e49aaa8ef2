// Package ordering implements the single deterministic order over events
// across lanes. The order key is expressed once, as a typed tuple, and
// both the in-process comparator and the store's SQL ORDER BY clause are
// derived from that one definition — there is exactly one place that
// knows what "ordered" means.
package ordering

import (
	"bytes"
	"fmt"
	"time"

	"github.com/nova-truth/nova/pkg/lanes"
)

// Timebase selects which wall-clock a query or stream orders by. Mixing
// timebases inside one query is forbidden by construction: every
// operation that accepts a Timebase uses it for every event in the
// operation.
type Timebase string

const (
	TimebaseSource    Timebase = "source"
	TimebaseCanonical Timebase = "canonical"
)

// Valid reports whether tb is one of the two defined timebases.
func (tb Timebase) Valid() bool {
	return tb == TimebaseSource || tb == TimebaseCanonical
}

// TimelineMode distinguishes a stream following the live edge of the
// store from one replaying a past window. It gates command dispatch (the
// command manager refuses submissions made in REPLAY, §4.7) and whether
// a stream tails the live edge (§4.6). Ingest-side file writes do not
// read it; they are gated by the live flag passed to ingest's Ingest.
type TimelineMode string

const (
	TimelineModeLive   TimelineMode = "LIVE"
	TimelineModeReplay TimelineMode = "REPLAY"
)

// Valid reports whether tm is one of the two defined timeline modes.
func (tm TimelineMode) Valid() bool {
	return tm == TimelineModeLive || tm == TimelineModeReplay
}

// Key is the order tuple: (time, lane priority, identity-scoped tie
// breaker, sequence, event ID). Two Keys compare equal only when every
// field matches; Compare is therefore a total order over Key, which
// makes the emitted order over events total as well (§5: "the order is
// therefore total").
type Key struct {
	Time         time.Time
	LanePriority int
	ConnectionID string // raw-lane tertiary tie-break; empty for other lanes
	Sequence     *int64 // raw-lane tertiary tie-break; nil if absent
	EventID      string
}

// Of derives the order key for an envelope under the given timebase.
// The envelope must already carry an EventID (ingest assigns one before
// any ordering operation can run) and, for the canonical timebase, a
// non-zero CanonicalTruthTime.
func Of(e *lanes.Envelope, tb Timebase) (Key, error) {
	t, err := timeFor(e, tb)
	if err != nil {
		return Key{}, err
	}
	return Key{
		Time:         t,
		LanePriority: e.Lane.Priority(),
		ConnectionID: e.ConnectionID,
		Sequence:     e.Sequence,
		EventID:      e.EventID,
	}, nil
}

func timeFor(e *lanes.Envelope, tb Timebase) (time.Time, error) {
	switch tb {
	case TimebaseSource:
		if e.SourceTruthTime.IsZero() {
			return time.Time{}, fmt.Errorf("ordering: envelope missing sourceTruthTime")
		}
		return e.SourceTruthTime, nil
	case TimebaseCanonical:
		if e.CanonicalTruthTime.IsZero() {
			return time.Time{}, fmt.Errorf("ordering: envelope missing canonicalTruthTime")
		}
		return e.CanonicalTruthTime, nil
	default:
		return time.Time{}, fmt.Errorf("ordering: unknown timebase %q", tb)
	}
}

// Compare returns -1 if a sorts before b, +1 if a sorts after b, and 0
// only when every tie-break field matches (which, given EventID
// uniqueness, means a and b are the same event).
func Compare(a, b Key) int {
	if !a.Time.Equal(b.Time) {
		if a.Time.Before(b.Time) {
			return -1
		}
		return 1
	}

	if a.LanePriority != b.LanePriority {
		if a.LanePriority < b.LanePriority {
			return -1
		}
		return 1
	}

	if a.ConnectionID != b.ConnectionID {
		if a.ConnectionID < b.ConnectionID {
			return -1
		}
		return 1
	}

	if seqCmp := compareSequence(a.Sequence, b.Sequence); seqCmp != 0 {
		return seqCmp
	}

	return bytes.Compare([]byte(a.EventID), []byte(b.EventID))
}

// compareSequence treats a missing sequence as sorting before any
// present sequence, since §4.1's tertiary rule only applies "if present".
func compareSequence(a, b *int64) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return -1
	case b == nil:
		return 1
	case *a < *b:
		return -1
	case *a > *b:
		return 1
	default:
		return 0
	}
}

// Less reports whether a sorts strictly before b; convenient for
// sort.Slice / slices.SortFunc call sites.
func Less(a, b Key) bool {
	return Compare(a, b) < 0
}

// TimeColumn returns the event-index column backing the given timebase.
// Both timebase columns live only on pkg/truthstore's event_index table,
// which every window query reads, so one mapping serves every query.
func TimeColumn(tb Timebase) string {
	if tb == TimebaseCanonical {
		return "canonical_truth_time"
	}
	return "source_truth_time"
}

// OrderByClause derives the SQL ORDER BY clause matching Key's field
// order exactly, so a bounded store read never needs an in-process sort
// on top of the index scan (§4.2: "Indexes must mirror the ordering
// tuple"). lane_priority, connection_id and event_id are columns
// pkg/truthstore materializes on every event_index row; sequence is nullable
// and NULLS FIRST matches compareSequence treating absence as "before".
func OrderByClause(tb Timebase) string {
	return fmt.Sprintf(
		"%s ASC, lane_priority ASC, connection_id ASC, sequence ASC NULLS FIRST, event_id ASC",
		TimeColumn(tb),
	)
}
