package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/slooh/slooh/internal/domain"
)

// ConnectionConfig holds the websocket tuning knobs.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(r *http.Request) bool { return true },
	}
}

// broadcast is one outbound delivery. target narrows it to a single
// connection (command replies); exclude skips one connection (the actor,
// for notifications it already received as a reply).
type broadcast struct {
	sessionID string
	event     Event
	target    *Conn
	exclude   *Conn
	evict     bool // dissolve the group after delivering (terminal events)
}

// manager owns the per-session broadcast groups. All deliveries funnel
// through one FIFO channel drained by a single goroutine, so events for a
// session reach every member in the order the host issued them.
type manager struct {
	config   ConnectionConfig
	upgrader websocket.Upgrader

	handle func(ctx context.Context, c *Conn, msg []byte)
	closed func(ctx context.Context, c *Conn)

	mirror EventPublisher // optional out-of-process mirror of broadcasts

	mu     sync.RWMutex
	groups map[string]map[*Conn]bool

	broadcastCh chan broadcast
}

func newManager(config ConnectionConfig, mirror EventPublisher) *manager {
	d := DefaultConnectionConfig()
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = d.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = d.ReadTimeout
	}
	if config.PingInterval <= 0 {
		config.PingInterval = d.PingInterval
	}
	if config.MaxMessageSize <= 0 {
		config.MaxMessageSize = d.MaxMessageSize
	}
	if config.ReadBufferSize <= 0 {
		config.ReadBufferSize = d.ReadBufferSize
	}
	if config.WriteBufferSize <= 0 {
		config.WriteBufferSize = d.WriteBufferSize
	}
	if config.CheckOrigin == nil {
		config.CheckOrigin = d.CheckOrigin
	}

	return &manager{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		mirror:      mirror,
		groups:      make(map[string]map[*Conn]bool),
		broadcastCh: make(chan broadcast, 1024),
	}
}

// Conn is one websocket connection, bound to at most one session at a time.
type Conn struct {
	id       string
	identity domain.Identity

	ws      *websocket.Conn
	send    chan []byte
	manager *manager

	closeOnce sync.Once
	done      chan struct{}

	mu        sync.Mutex
	sessionID string
	memberID  string
	host      bool
}

// Identity returns the identity the connection authenticated as.
func (c *Conn) Identity() domain.Identity { return c.identity }

func (c *Conn) bind(sessionID, memberID string, host bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID = sessionID
	c.memberID = memberID
	c.host = host
}

func (c *Conn) clearBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.sessionID, c.memberID, c.host = "", "", false
}

// binding returns the session binding, if any.
func (c *Conn) binding() (sessionID, memberID string, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.sessionID, c.memberID, c.sessionID != ""
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// Run drains the broadcast queue until ctx is done.
func (m *manager) Run(ctx context.Context) {
	slog.InfoContext(ctx, "gateway: broadcast dispatcher started")

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "gateway: broadcast dispatcher stopped")
			return
		case b := <-m.broadcastCh:
			m.deliver(ctx, b)
		}
	}
}

// Upgrade turns an HTTP request into a managed websocket connection.
// The identity was verified before this point; anonymous is allowed.
func (m *manager) Upgrade(w http.ResponseWriter, r *http.Request, identity domain.Identity) error {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("upgrade connection: %w", err)
	}

	c := &Conn{
		id:       uuid.NewString(),
		identity: identity,
		ws:       ws,
		send:     make(chan []byte, 256),
		manager:  m,
		done:     make(chan struct{}),
	}

	go c.writePump()
	go c.readPump(r.Context())

	slog.InfoContext(r.Context(), "gateway: connection established",
		"connection_id", c.id,
		"account_id", identity.AccountID,
	)
	return nil
}

func (m *manager) register(c *Conn, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.groups[sessionID] == nil {
		m.groups[sessionID] = make(map[*Conn]bool)
	}
	m.groups[sessionID][c] = true
}

func (m *manager) unregister(c *Conn) {
	sessionID, _, ok := c.binding()
	if !ok {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.removeLocked(c, sessionID)
}

func (m *manager) removeLocked(c *Conn, sessionID string) {
	group, ok := m.groups[sessionID]
	if !ok {
		return
	}

	delete(group, c)
	if len(group) == 0 {
		delete(m.groups, sessionID)
	}
}

// evict unbinds every connection in the session's group and dissolves it.
// The websockets stay open: an evicted client may join another session.
func (m *manager) evict(sessionID string) {
	m.mu.Lock()
	group := m.groups[sessionID]
	delete(m.groups, sessionID)
	m.mu.Unlock()

	for c := range group {
		c.clearBinding()
	}
}

// send enqueues an event for a session's group. FIFO per session group,
// drops (with a log line) only if the dispatcher is wedged.
func (m *manager) send(b broadcast) {
	select {
	case m.broadcastCh <- b:
	default:
		slog.Error("gateway: broadcast queue full, dropping event",
			"session_id", b.sessionID,
			"event", string(b.event.Type),
		)
	}
}

func (m *manager) deliver(ctx context.Context, b broadcast) {
	m.mu.RLock()
	targets := make([]*Conn, 0, len(m.groups[b.sessionID]))
	for c := range m.groups[b.sessionID] {
		if b.target != nil && c != b.target {
			continue
		}
		if c == b.exclude {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	if b.target != nil && len(targets) == 0 {
		// Reply to a connection that is not (or no longer) in a group.
		targets = append(targets, b.target)
	}

	data, err := json.Marshal(b.event)
	if err != nil {
		slog.ErrorContext(ctx, "gateway: marshal event failed",
			"event", string(b.event.Type),
			"error", err,
		)
		return
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Slow or dead consumer. Cut it loose rather than stall the
			// whole session's fan-out.
			slog.WarnContext(ctx, "gateway: send buffer full, closing connection",
				"connection_id", c.id,
			)
			m.unregister(c)
			c.close()
		}
	}

	if m.mirror != nil && b.target == nil {
		m.mirror.PublishSessionEvent(ctx, b.sessionID, b.event)
	}

	if b.evict {
		m.evict(b.sessionID)
	}
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(c.manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(c.manager.config.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) readPump(ctx context.Context) {
	defer func() {
		// Abrupt disconnects run the same leave cascade as an explicit
		// leave, including host-disconnect ending the session.
		c.manager.closed(ctx, c)
		c.manager.unregister(c)
		c.close()
	}()

	c.ws.SetReadLimit(c.manager.config.MaxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
		return nil
	})

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				slog.ErrorContext(ctx, "gateway: unexpected close",
					"connection_id", c.id,
					"error", err,
				)
			}
			return
		}

		c.manager.handle(ctx, c, msg)
		c.ws.SetReadDeadline(time.Now().Add(c.manager.config.ReadTimeout))
	}
}
