package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/nova-truth/nova/pkg/lanes"
)

// listenCmd represents a LISTEN/UNLISTEN command executed by the receive
// loop, the sole goroutine that touches the dedicated pgx connection.
type listenCmd struct {
	sql     string
	channel string
	gen     uint64 // generation captured at Unsubscribe time; 0 for LISTEN
	result  chan error
}

// Subscriber is the Postgres-NOTIFY-backed implementation of the
// transport subscriber (§4.4). Each subscribed channel gets its own
// delivery channel of decoded envelopes; the receive loop is the only
// goroutine that issues LISTEN/UNLISTEN or calls WaitForNotification,
// avoiding the "conn busy" race between the two.
type Subscriber struct {
	connString string
	conn       *pgx.Conn
	connMu     sync.Mutex

	outputs   map[string]chan *lanes.Envelope
	outputsMu sync.RWMutex

	cmdCh   chan listenCmd
	running atomic.Bool

	listenGen   map[string]uint64
	listenGenMu sync.Mutex

	cancelLoop context.CancelFunc
	loopDone   chan struct{}
}

// NewSubscriber creates a subscriber bound to connString. Start must be
// called before Subscribe.
func NewSubscriber(connString string) *Subscriber {
	return &Subscriber{
		connString: connString,
		outputs:    make(map[string]chan *lanes.Envelope),
		cmdCh:      make(chan listenCmd, 16),
		listenGen:  make(map[string]uint64),
	}
}

// Start establishes the dedicated LISTEN connection and begins the
// receive loop.
func (s *Subscriber) Start(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, s.connString)
	if err != nil {
		return fmt.Errorf("transport: failed to connect for LISTEN: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	s.running.Store(true)

	loopCtx, cancel := context.WithCancel(ctx)
	s.cancelLoop = cancel
	s.loopDone = make(chan struct{})
	go func() {
		defer close(s.loopDone)
		s.receiveLoop(loopCtx)
	}()

	slog.Info("transport subscriber started")
	return nil
}

// SubscribeScope returns a channel of decoded envelopes for one scope:
// own-scope-only when aggregate is false, all-scopes when true (§4.4's
// payload-role vs aggregating-role distinction). The returned channel is
// closed when Unsubscribe or Stop is called for it.
func (s *Subscriber) SubscribeScope(ctx context.Context, scopeID string, aggregate bool) (<-chan *lanes.Envelope, error) {
	channel := ScopeChannel(scopeID)
	if aggregate {
		channel = AggregateChannel
	}
	return s.subscribeChannel(ctx, channel)
}

// SubscribeCommands returns a channel of decoded command envelopes
// published for one scope (§4.7 step 4: producers execute LIVE
// commands delivered on this channel).
func (s *Subscriber) SubscribeCommands(ctx context.Context, scopeID string) (<-chan *lanes.Envelope, error) {
	return s.subscribeChannel(ctx, CommandChannel(scopeID))
}

func (s *Subscriber) subscribeChannel(ctx context.Context, channel string) (<-chan *lanes.Envelope, error) {
	if !s.running.Load() {
		return nil, fmt.Errorf("transport: subscriber not started")
	}

	out := make(chan *lanes.Envelope, 256)
	s.outputsMu.Lock()
	s.outputs[channel] = out
	s.outputsMu.Unlock()

	if err := s.sendCmd(ctx, listenCmd{sql: "LISTEN " + pgx.Identifier{channel}.Sanitize(), channel: channel}); err != nil {
		s.outputsMu.Lock()
		delete(s.outputs, channel)
		s.outputsMu.Unlock()
		return nil, err
	}
	return out, nil
}

// Unsubscribe sends UNLISTEN and closes the channel's delivery channel.
func (s *Subscriber) Unsubscribe(ctx context.Context, channel string) error {
	s.listenGenMu.Lock()
	gen := s.listenGen[channel]
	s.listenGenMu.Unlock()

	err := s.sendCmd(ctx, listenCmd{
		sql:     "UNLISTEN " + pgx.Identifier{channel}.Sanitize(),
		channel: channel,
		gen:     gen,
	})

	s.outputsMu.Lock()
	if out, ok := s.outputs[channel]; ok {
		close(out)
		delete(s.outputs, channel)
	}
	s.outputsMu.Unlock()

	return err
}

func (s *Subscriber) sendCmd(ctx context.Context, cmd listenCmd) error {
	cmd.result = make(chan error, 1)
	select {
	case s.cmdCh <- cmd:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// receiveLoop is the sole goroutine touching the pgx connection.
func (s *Subscriber) receiveLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		s.processPendingCmds(ctx)

		s.connMu.Lock()
		conn := s.conn
		s.connMu.Unlock()
		if conn == nil {
			s.reconnect(ctx)
			continue
		}

		waitCtx, cancel := context.WithTimeout(ctx, 100*time.Millisecond)
		notification, err := conn.WaitForNotification(waitCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if waitCtx.Err() != nil {
				continue
			}
			slog.Error("transport NOTIFY receive error", "error", err)
			s.reconnect(ctx)
			continue
		}

		s.deliver(notification.Channel, []byte(notification.Payload))
	}
}

func (s *Subscriber) deliver(channel string, payload []byte) {
	s.outputsMu.RLock()
	out, ok := s.outputs[channel]
	s.outputsMu.RUnlock()
	if !ok {
		return
	}

	var wire lanes.WireEnvelope
	if err := json.Unmarshal(payload, &wire); err != nil {
		slog.Error("transport: malformed NOTIFY payload", "channel", channel, "error", err)
		return
	}
	env, err := lanes.FromWire(&wire)
	if err != nil {
		slog.Error("transport: envelope decode failed", "channel", channel, "error", err)
		return
	}
	if err := env.Validate(); err != nil {
		slog.Error("transport: envelope rejected by validation", "channel", channel, "error", err)
		return
	}

	select {
	case out <- env:
	default:
		slog.Warn("transport: subscriber channel full, dropping envelope", "channel", channel, "eventId", env.EventID)
	}
}

func (s *Subscriber) processPendingCmds(ctx context.Context) {
	for {
		select {
		case cmd := <-s.cmdCh:
			if cmd.gen > 0 {
				s.listenGenMu.Lock()
				stale := s.listenGen[cmd.channel] != cmd.gen
				s.listenGenMu.Unlock()
				if stale {
					cmd.result <- nil
					continue
				}
			}

			s.connMu.Lock()
			conn := s.conn
			s.connMu.Unlock()
			if conn == nil {
				cmd.result <- fmt.Errorf("transport: LISTEN connection not established")
				continue
			}

			_, err := conn.Exec(ctx, cmd.sql)
			if err == nil && cmd.gen == 0 && cmd.channel != "" {
				s.listenGenMu.Lock()
				s.listenGen[cmd.channel]++
				s.listenGenMu.Unlock()
			}
			cmd.result <- err
		default:
			return
		}
	}
}

func (s *Subscriber) reconnect(ctx context.Context) {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.conn != nil {
		_ = s.conn.Close(ctx)
		s.conn = nil
	}

	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		conn, err := pgx.Connect(ctx, s.connString)
		if err != nil {
			slog.Error("transport: LISTEN reconnect failed", "error", err, "backoff", backoff)
			backoff = min(backoff*2, 30*time.Second)
			continue
		}
		s.conn = conn

		s.outputsMu.RLock()
		for ch := range s.outputs {
			if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{ch}.Sanitize()); err != nil {
				slog.Error("transport: re-LISTEN failed", "channel", ch, "error", err)
			}
		}
		s.outputsMu.RUnlock()

		slog.Info("transport subscriber reconnected")
		return
	}
}

// Stop signals the receive loop to exit, waits for it, closes the
// connection, and closes every remaining delivery channel.
func (s *Subscriber) Stop(ctx context.Context) {
	s.running.Store(false)

	if s.cancelLoop != nil {
		s.cancelLoop()
	}
	if s.loopDone != nil {
		<-s.loopDone
	}

	s.connMu.Lock()
	if s.conn != nil {
		_ = s.conn.Close(ctx)
		s.conn = nil
	}
	s.connMu.Unlock()

	s.outputsMu.Lock()
	for ch, out := range s.outputs {
		close(out)
		delete(s.outputs, ch)
	}
	s.outputsMu.Unlock()
}
