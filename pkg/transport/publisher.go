package transport

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nova-truth/nova/pkg/lanes"
)

// notifyPayloadLimit is PostgreSQL's NOTIFY payload ceiling (8000 bytes)
// with headroom for the channel name. A command envelope that doesn't
// fit can't be meaningfully truncated — dispatch fails outright and the
// command manager records the failure (§4.7 record-before-dispatch).
const notifyPayloadLimit = 7900

// Publisher publishes outbound envelopes over the wire via
// pg_notify — the command manager's only path for delivering a
// CommandRequest to its producer for LIVE execution (§4.7 step 4).
type Publisher struct {
	db *sql.DB
}

// NewPublisher wraps the shared database pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// PublishCommand notifies the envelope's scope-level command channel.
// Unlike pkg/truthstore.InsertEvent, this performs no persistence — the
// command manager commits the CommandRequest row before calling this,
// per the record-before-dispatch invariant.
func (p *Publisher) PublishCommand(ctx context.Context, e *lanes.Envelope) error {
	return p.notify(ctx, CommandChannel(e.ScopeID), e)
}

// PublishScope notifies both the scope's own channel and the aggregate
// fan-out channel, so payload-role subscribers on that scope and
// aggregating-role subscribers across every scope both observe it.
func (p *Publisher) PublishScope(ctx context.Context, e *lanes.Envelope) error {
	payload, err := p.marshalAndCheck(e)
	if err != nil {
		return err
	}
	if err := p.pgNotify(ctx, ScopeChannel(e.ScopeID), payload); err != nil {
		return err
	}
	return p.pgNotify(ctx, AggregateChannel, payload)
}

func (p *Publisher) notify(ctx context.Context, channel string, e *lanes.Envelope) error {
	payload, err := p.marshalAndCheck(e)
	if err != nil {
		return err
	}
	return p.pgNotify(ctx, channel, payload)
}

func (p *Publisher) marshalAndCheck(e *lanes.Envelope) (string, error) {
	wire, err := e.ToWire()
	if err != nil {
		return "", fmt.Errorf("transport: encode envelope: %w", err)
	}
	payload, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("transport: marshal envelope: %w", err)
	}
	if len(payload) > notifyPayloadLimit {
		return "", fmt.Errorf("transport: envelope %q exceeds NOTIFY payload limit (%d > %d bytes)", e.EventID, len(payload), notifyPayloadLimit)
	}
	return string(payload), nil
}

func (p *Publisher) pgNotify(ctx context.Context, channel, payload string) error {
	if _, err := p.db.ExecContext(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("transport: pg_notify failed: %w", err)
	}
	return nil
}
