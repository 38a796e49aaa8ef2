package edge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/nova-truth/nova/pkg/lanes"
	"github.com/nova-truth/nova/pkg/ordering"
	"github.com/nova-truth/nova/pkg/playback"
	"github.com/nova-truth/nova/pkg/router"
)

// writeTimeout bounds how long a single WebSocket write may block before
// the connection is considered unresponsive.
const writeTimeout = 10 * time.Second

// Connection holds the ephemeral per-connection state the edge tracks:
// the authenticated identity and the active stream's fence value
// (activePlaybackID). All of it is discarded on disconnect (§4.10).
//
// activePlaybackID is written by the read loop (startStream/cancel) and
// read by the per-stream forwarder goroutines; mu guards every access.
type Connection struct {
	ID       string
	Conn     *websocket.Conn
	ctx      context.Context
	cancel   context.CancelFunc
	writeMu  sync.Mutex
	identity string // authenticated identity, set during handshake; empty if auth is disabled

	mu               sync.Mutex
	activePlaybackID string
}

// Authenticator validates an inbound connection before it is registered.
// A nil Authenticator admits every connection with an empty identity —
// acceptable because auth mechanics are out of scope here and are
// expressed purely through this interface.
type Authenticator interface {
	Authenticate(r *websocket.Conn) (identity string, err error)
}

// ConnectionManager owns every live WebSocket connection and is the
// bridge between the wire protocol and the Router (§4.10).
type ConnectionManager struct {
	router *router.Router
	auth   Authenticator

	mu          sync.RWMutex
	connections map[string]*Connection
}

// NewConnectionManager wires a ConnectionManager to a Router. auth may be
// nil to admit all connections unauthenticated.
func NewConnectionManager(r *router.Router, auth Authenticator) *ConnectionManager {
	return &ConnectionManager{router: r, auth: auth, connections: make(map[string]*Connection)}
}

// ActiveConnections returns the count of currently registered connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// HandleConnection manages one WebSocket connection's lifecycle: it
// authenticates, registers, runs the read loop, and cleans up ephemeral
// state on disconnect. Blocks until the connection closes.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	identity := ""
	if m.auth != nil {
		id, err := m.auth.Authenticate(conn)
		if err != nil {
			_ = conn.Close(websocket.StatusPolicyViolation, "authentication failed")
			return
		}
		identity = id
	}

	ctx, cancel := context.WithCancel(parentCtx)
	c := &Connection{
		ID:       uuid.NewString(),
		Conn:     conn,
		ctx:      ctx,
		cancel:   cancel,
		identity: identity,
	}

	m.register(c)
	defer m.unregister(c)

	m.send(c, ServerMessage{Type: "connection.established", ConnectionID: c.ID})

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			m.send(c, ServerMessage{Type: "error", Message: "invalid message"})
			continue
		}
		m.dispatch(ctx, c, &msg)
	}
}

func (m *ConnectionManager) register(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[c.ID] = c
}

func (m *ConnectionManager) unregister(c *Connection) {
	m.mu.Lock()
	delete(m.connections, c.ID)
	m.mu.Unlock()

	m.router.CancelStream(router.CancelStreamRequest{ConnectionID: c.ID})
	c.cancel()
	_ = c.Conn.Close(websocket.StatusNormalClosure, "")
}

func (m *ConnectionManager) dispatch(ctx context.Context, c *Connection, msg *ClientMessage) {
	switch msg.Action {
	case "query":
		m.handleQuery(ctx, c, msg)
	case "startStream":
		m.handleStartStream(ctx, c, msg)
	case "cancelStream":
		m.handleCancelStream(c)
	case "addFollower":
		m.handleAddFollower(c, msg)
	case "submitCommand":
		m.handleSubmitCommand(ctx, c, msg)
	case "ingestMetadata":
		m.handleIngestMetadata(ctx, c, msg)
	case "export":
		m.handleExport(ctx, c, msg)
	case "ping":
		m.send(c, ServerMessage{Type: "pong"})
	default:
		m.send(c, ServerMessage{Type: "error", Message: fmt.Sprintf("unknown action %q", msg.Action)})
	}
}

func (m *ConnectionManager) handleQuery(ctx context.Context, c *Connection, msg *ClientMessage) {
	t0, err := parseOptionalTime(msg.T0)
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: "invalid t0"})
		return
	}
	t1, err := parseOptionalTime(msg.T1)
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: "invalid t1"})
		return
	}

	resp, err := m.router.Query(ctx, router.QueryRequest{
		ScopeID:  msg.ScopeID,
		Timebase: msg.Timebase,
		T0:       t0,
		T1:       t1,
		Filters:  toFilters(msg),
		Limit:    msg.Limit,
	})
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	wire, err := toWireEnvelopes(resp.Events)
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	m.send(c, ServerMessage{Type: "queryResult", QueryEvents: wire})
}

func (m *ConnectionManager) handleStartStream(ctx context.Context, c *Connection, msg *ClientMessage) {
	startTime, err := parseOptionalTime(msg.StartTime)
	if err != nil || startTime == nil {
		m.send(c, ServerMessage{Type: "error", Message: "invalid or missing startTime"})
		return
	}
	stopTime, err := parseOptionalTime(msg.StopTime)
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: "invalid stopTime"})
		return
	}
	rate := 1.0
	if msg.Rate != nil {
		rate = *msg.Rate
	}

	cur, chunks := m.router.StartStream(ctx, router.StartStreamRequest{
		ConnectionID: c.ID,
		ScopeID:      msg.ScopeID,
		Timebase:     msg.Timebase,
		TimelineMode: msg.TimelineMode,
		StartTime:    *startTime,
		StopTime:     stopTime,
		Rate:         rate,
		Filters:      toFilters(msg),
	})

	c.mu.Lock()
	c.activePlaybackID = cur.PlaybackRequestID
	c.mu.Unlock()

	m.send(c, ServerMessage{Type: "streamStarted", PlaybackRequestID: cur.PlaybackRequestID})
	go m.forwardChunks(c, cur.PlaybackRequestID, chunks)
}

// forwardChunks relays a cursor's output channel to the client, applying
// the fence-discard rule in defense in depth alongside the engine-level
// fencing: any chunk whose PlaybackRequestID no longer matches the
// connection's currently active one is dropped rather than sent (§5,
// "Cancellation and timeouts").
func (m *ConnectionManager) forwardChunks(c *Connection, playbackRequestID string, chunks <-chan playback.Chunk) {
	for chunk := range chunks {
		c.mu.Lock()
		active := c.activePlaybackID
		c.mu.Unlock()
		if active != playbackRequestID {
			continue
		}
		if chunk.Err != nil {
			m.send(c, ServerMessage{Type: "error", PlaybackRequestID: playbackRequestID, Message: chunk.Err.Error()})
			continue
		}
		wire, err := toWireEnvelopes(chunk.Events)
		if err != nil {
			m.send(c, ServerMessage{Type: "error", PlaybackRequestID: playbackRequestID, Message: err.Error()})
			continue
		}
		msgType := "streamChunk"
		if chunk.Complete {
			msgType = "streamComplete"
		}
		m.send(c, ServerMessage{
			Type:              msgType,
			PlaybackRequestID: playbackRequestID,
			Events:            wire,
			T1:                chunk.CursorEndpoint.Format(time.RFC3339Nano),
		})
	}
}

func (m *ConnectionManager) handleCancelStream(c *Connection) {
	m.router.CancelStream(router.CancelStreamRequest{ConnectionID: c.ID})
	c.mu.Lock()
	c.activePlaybackID = ""
	c.mu.Unlock()
	m.send(c, ServerMessage{Type: "streamCancelled"})
}

func (m *ConnectionManager) handleAddFollower(c *Connection, msg *ClientMessage) {
	follower, err := m.router.AddFollower(router.AddFollowerRequest{
		LeaderConnectionID: msg.LeaderConnectionID,
		FollowerID:         c.ID,
	})
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	m.send(c, ServerMessage{Type: "followerAdded"})
	go m.forwardFollowerChunks(c, follower)
}

func (m *ConnectionManager) forwardFollowerChunks(c *Connection, follower *playback.Follower) {
	for chunk := range follower.Chunks() {
		if chunk.Err != nil {
			m.send(c, ServerMessage{Type: "error", PlaybackRequestID: chunk.PlaybackRequestID, Message: chunk.Err.Error()})
			continue
		}
		wire, err := toWireEnvelopes(chunk.Events)
		if err != nil {
			m.send(c, ServerMessage{Type: "error", PlaybackRequestID: chunk.PlaybackRequestID, Message: err.Error()})
			continue
		}
		msgType := "streamChunk"
		if chunk.Complete {
			msgType = "streamComplete"
		}
		m.send(c, ServerMessage{
			Type:              msgType,
			PlaybackRequestID: chunk.PlaybackRequestID,
			Events:            wire,
			T1:                chunk.CursorEndpoint.Format(time.RFC3339Nano),
		})
	}
}

func (m *ConnectionManager) handleSubmitCommand(ctx context.Context, c *Connection, msg *ClientMessage) {
	if msg.Envelope == nil {
		m.send(c, ServerMessage{Type: "error", Message: "submitCommand requires an envelope"})
		return
	}
	e, err := lanes.FromWire(msg.Envelope)
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	mode := msg.TimelineMode
	if mode == "" {
		mode = ordering.TimelineModeLive
	}
	ack, err := m.router.SubmitCommand(ctx, router.SubmitCommandRequest{Envelope: e, TimelineMode: mode})
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	m.send(c, ServerMessage{Type: "commandAck", CommandID: ack.CommandID, RequestID: ack.RequestID, Idempotent: ack.Idempotent})
}

func (m *ConnectionManager) handleIngestMetadata(ctx context.Context, c *Connection, msg *ClientMessage) {
	if msg.Envelope == nil {
		m.send(c, ServerMessage{Type: "error", Message: "ingestMetadata requires an envelope"})
		return
	}
	e, err := lanes.FromWire(msg.Envelope)
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	if err := m.router.IngestMetadata(ctx, router.IngestMetadataRequest{Envelope: e}); err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	m.send(c, ServerMessage{Type: "metadataIngested"})
}

func (m *ConnectionManager) handleExport(ctx context.Context, c *Connection, msg *ClientMessage) {
	t0, err := parseOptionalTime(msg.T0)
	if err != nil || t0 == nil {
		m.send(c, ServerMessage{Type: "error", Message: "invalid or missing t0"})
		return
	}
	t1, err := parseOptionalTime(msg.T1)
	if err != nil || t1 == nil {
		m.send(c, ServerMessage{Type: "error", Message: "invalid or missing t1"})
		return
	}
	exportID := msg.ExportID
	if exportID == "" {
		exportID = uuid.NewString()
	}
	resp, err := m.router.Export(ctx, router.ExportRequest{
		ScopeID:  msg.ScopeID,
		SystemID: msg.SystemID,
		T0:       *t0,
		T1:       *t1,
		ExportID: exportID,
	})
	if err != nil {
		m.send(c, ServerMessage{Type: "error", Message: err.Error()})
		return
	}
	m.send(c, ServerMessage{Type: "exportComplete", ArchivePath: resp.ArchivePath})
}

func (m *ConnectionManager) send(c *Connection, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		slog.Error("edge: failed to marshal server message", "connection_id", c.ID, "error", err)
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	if err := c.Conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		slog.Warn("edge: failed to write to connection", "connection_id", c.ID, "error", err)
	}
}
