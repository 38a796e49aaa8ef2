package lanes

import (
	"fmt"
	"strconv"
	"strings"
)

// Address is the parsed form of the public wire transport address:
//
//	nova.{scopeId}.{lane}.{systemId}.{containerId}.{uniqueId}.v{schemaVersion}
//
// The subscriber (pkg/transport) parses addresses to a routing key for
// diagnostics only — envelope fields inside the message body remain
// authoritative (§4.4).
type Address struct {
	ScopeID       string
	Lane          Lane
	SystemID      string
	ContainerID   string
	UniqueID      string
	SchemaVersion int
}

// String renders the address back into its wire form.
func (a Address) String() string {
	return fmt.Sprintf("nova.%s.%s.%s.%s.%s.v%d",
		a.ScopeID, a.Lane, a.SystemID, a.ContainerID, a.UniqueID, a.SchemaVersion)
}

// ParseAddress parses a wire address string into its component parts.
// It does not validate scopeId's character class ([A-Za-z0-9]+) beyond
// rejecting the empty string — producers violating the contract are
// caught by envelope validation downstream, not by address parsing.
func ParseAddress(addr string) (Address, error) {
	parts := strings.Split(addr, ".")
	if len(parts) != 7 || parts[0] != "nova" {
		return Address{}, fmt.Errorf("lanes: malformed address %q", addr)
	}

	version := parts[6]
	if len(version) < 2 || version[0] != 'v' {
		return Address{}, fmt.Errorf("lanes: malformed schema version in address %q", addr)
	}
	schemaVersion, err := strconv.Atoi(version[1:])
	if err != nil || schemaVersion <= 0 {
		return Address{}, fmt.Errorf("lanes: schema version must be a positive integer, got %q", version)
	}

	lane := Lane(parts[2])
	if !lane.Valid() {
		return Address{}, fmt.Errorf("lanes: unknown lane %q in address %q", parts[2], addr)
	}

	for i, label := range []string{"scopeId", "systemId", "containerId", "uniqueId"} {
		idx := []int{1, 3, 4, 5}[i]
		if parts[idx] == "" {
			return Address{}, fmt.Errorf("lanes: empty %s in address %q", label, addr)
		}
	}

	return Address{
		ScopeID:       parts[1],
		Lane:          lane,
		SystemID:      parts[3],
		ContainerID:   parts[4],
		UniqueID:      parts[5],
		SchemaVersion: schemaVersion,
	}, nil
}
