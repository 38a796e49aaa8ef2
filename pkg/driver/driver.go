// Package driver implements the driver & file-writer plane (C8): a
// config-driven, id-keyed registry of plugins mapping truth to files,
// a real-time writer invoked from the live ingest path, and a windowed
// export path with byte-identical parity to real-time output. The
// registry is built once at startup from static declarations and is
// read-only thereafter.
package driver

import (
	"context"
	"fmt"

	"github.com/nova-truth/nova/pkg/lanes"
)

// Driver maps truth events to files. Each driver declares a stable
// identifier, a version, and a predicate over (lane, messageType,
// schemaVersion); the registry's selection is deterministic for fixed
// declarations and configuration (§4.8).
type Driver interface {
	ID() string
	Version() string
	Matches(lane lanes.Lane, messageType string, schemaVersion int) bool
	// Write appends e to the driver's target file under dir, returning
	// the relative target path recorded in the DriverBinding event.
	Write(ctx context.Context, dir string, e *lanes.Envelope) (target string, err error)
	// Close finalizes any open file handles the driver holds for dir.
	Close() error
}

// ErrNoMatchingDriver is returned when no registered driver's predicate
// matches an event's (lane, messageType, schemaVersion).
var ErrNoMatchingDriver = fmt.Errorf("driver: no driver matches event")

// Registry holds every configured driver, in registration order.
// Selection always considers drivers in that fixed order, so the first
// match is deterministic across runs given the same registrations.
type Registry struct {
	drivers []Driver
}

// NewRegistry builds a registry from a fixed, ordered driver list,
// resolved once at startup.
func NewRegistry(drivers ...Driver) *Registry {
	return &Registry{drivers: drivers}
}

// Select returns the first registered driver whose predicate matches.
func (r *Registry) Select(lane lanes.Lane, messageType string, schemaVersion int) (Driver, bool) {
	for _, d := range r.drivers {
		if d.Matches(lane, messageType, schemaVersion) {
			return d, true
		}
	}
	return nil, false
}

// Lookup returns the driver registered under the given id and version,
// used by the export path to resolve a preloaded DriverBinding back to
// its driver instance rather than re-running Select's predicate.
func (r *Registry) Lookup(id, version string) (Driver, bool) {
	for _, d := range r.drivers {
		if d.ID() == id && d.Version() == version {
			return d, true
		}
	}
	return nil, false
}

// RegistryFactory builds a fresh Registry of new, independent driver
// instances on every call. The real-time writer and the exporter must
// never share driver instances: each driver holds its own open file
// handles, and closing one export's drivers must not close the
// real-time writer's files. Callers that need a registry for more than
// one long-lived writer (real-time vs. export) should hold a
// RegistryFactory and call it once per writer rather than sharing one
// Registry value.
type RegistryFactory func() *Registry
