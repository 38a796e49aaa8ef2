package transport

import (
	"context"
	"log/slog"

	"github.com/nova-truth/nova/pkg/lanes"
)

// Ingester is the ingest pipeline's entry point, as seen from the
// transport side. Declared here (rather than importing pkg/ingest's
// concrete type) purely for documentation clarity — pkg/ingest has no
// transport dependency, so importing *ingest.Pipeline directly would be
// equally cycle-free, but main.go constructs the bridge against this
// narrow interface so a test double never needs a real store.
type Ingester interface {
	Ingest(ctx context.Context, e *lanes.Envelope, addr *lanes.Address, live bool) (inserted bool, err error)
}

// Bridge is C5's consumer half: it drains a Subscriber's decoded
// envelope channel and hands each one to ingest on the live path,
// exactly the data flow described in §2 ("producers -> transport -> C5
// -> C4 -> C3"). The address reconciliation the wire format would
// otherwise need is a no-op here because pg_notify channels carry only a
// scope/command routing key, not the full address — every identity and
// lane field already arrives inside the envelope body, so addr is always
// nil and reconcileAddress (pkg/ingest) is a pass-through.
type Bridge struct {
	ingester Ingester
}

// NewBridge wires a Bridge around the pipeline it feeds.
func NewBridge(ingester Ingester) *Bridge {
	return &Bridge{ingester: ingester}
}

// Run drains ch until it closes or ctx is cancelled, ingesting every
// envelope on the live path. One Bridge/goroutine per subscribed
// channel; callers fan out multiple scope subscriptions by calling Run
// once per channel returned from Subscriber.SubscribeScope /
// SubscribeCommands.
func (b *Bridge) Run(ctx context.Context, ch <-chan *lanes.Envelope) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			if _, err := b.ingester.Ingest(ctx, e, nil, true); err != nil {
				slog.Error("transport: ingest failed for subscribed envelope",
					"eventId", e.EventID, "lane", e.Lane, "error", err)
			}
		}
	}
}
