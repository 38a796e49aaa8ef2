// Package transport abstracts the producer pub/sub wire as a Go
// interface (§4.4), with a PostgreSQL LISTEN/NOTIFY implementation:
// a dedicated receive connection per subscriber, channel names scoped
// by scope/command routing, and payload-size-aware publishing.
package transport

import "fmt"

// ScopeChannel names the NOTIFY channel carrying every event published
// for one scope. Payload-role subscribers (own scope only) LISTEN on
// exactly this channel.
func ScopeChannel(scopeID string) string {
	return fmt.Sprintf("nova_scope_%s", scopeID)
}

// AggregateChannel is the fan-out channel every publish additionally
// notifies, so an aggregating-role subscriber (all scopes) can LISTEN
// once instead of tracking every scope that has ever appeared.
const AggregateChannel = "nova_all_scopes"

// CommandChannel names the channel producers LISTEN on for command
// requests targeting one scope — the command manager (§4.7) publishes
// CommandRequest envelopes here for LIVE execution.
func CommandChannel(scopeID string) string {
	return fmt.Sprintf("nova_commands_%s", scopeID)
}
