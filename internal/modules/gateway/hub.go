package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mx-space/authgate/internal/middleware"
	"github.com/mx-space/authgate/internal/modules/gateway/presence"
	"github.com/mx-space/authgate/internal/pkg/metrics"
	pkgredis "github.com/mx-space/authgate/internal/pkg/redis"
	"go.uber.org/zap"
)

const defaultHandshakeTimeout = 5 * time.Second

type client struct {
	conn Conn

	mu        sync.Mutex
	state     connState
	subjectID string
	timer     *time.Timer
}

type Option func(*Hub)

func WithLogger(logger *zap.Logger) Option {
	return func(h *Hub) {
		if logger != nil {
			h.logger = logger
		}
	}
}

func WithHandshakeTimeout(d time.Duration) Option {
	return func(h *Hub) {
		if d > 0 {
			h.handshakeTimeout = d
		}
	}
}

// WithFanout relays targeted emits and broadcasts to other instances over a
// Redis pub/sub channel.
func WithFanout(rc *pkgredis.Client, channel string) Option {
	return func(h *Hub) {
		if rc != nil {
			h.fanout = newFanout(rc, channel)
		}
	}
}

func WithInstanceID(id string) Option {
	return func(h *Hub) {
		if id != "" {
			h.instanceID = id
		}
	}
}

// Hub authenticates realtime connections and fans events out to them. It owns
// the presence registry.
type Hub struct {
	verifier TokenVerifier
	emitter  Emitter
	presence *presence.Registry
	logger   *zap.Logger

	handshakeTimeout time.Duration
	instanceID       string
	fanout           *fanout
	outbound         chan envelope

	mu      sync.Mutex
	clients map[string]*client
}

func NewHub(verifier TokenVerifier, emitter Emitter, opts ...Option) *Hub {
	h := &Hub{
		verifier:         verifier,
		emitter:          emitter,
		presence:         presence.NewRegistry(),
		logger:           zap.NewNop(),
		handshakeTimeout: defaultHandshakeTimeout,
		instanceID:       uuid.NewString(),
		outbound:         make(chan envelope, 256),
		clients:          make(map[string]*client),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.Named("Gateway")
	return h
}

func (h *Hub) InstanceID() string { return h.instanceID }

// HandleConnection runs the handshake for a new connection. rawToken may carry
// a "Bearer " prefix. A connection that does not authenticate within the
// handshake timeout is rejected.
func (h *Hub) HandleConnection(conn Conn, rawToken string) {
	c := &client{conn: conn, state: stateConnecting}
	h.mu.Lock()
	h.clients[conn.ID()] = c
	h.mu.Unlock()

	c.mu.Lock()
	c.timer = time.AfterFunc(h.handshakeTimeout, func() {
		h.reject(c, "timeout", "authentication timed out")
	})
	c.mu.Unlock()

	token := middleware.NormalizeToken(rawToken)
	if token == "" {
		h.reject(c, "missing_token", "authentication required")
		return
	}
	claims, err := h.verifier.Verify(token)
	if err != nil {
		h.reject(c, "invalid_token", "invalid or expired token")
		return
	}

	c.mu.Lock()
	if c.state != stateConnecting {
		// Timed out or disconnected while verifying.
		c.mu.Unlock()
		return
	}
	c.state = stateAuthenticated
	c.subjectID = claims.SubjectID
	c.timer.Stop()
	h.presence.Register(claims.SubjectID, conn.ID())
	c.mu.Unlock()

	conn.Join(UserRoom(claims.SubjectID))
	conn.Join(broadcastRoom)
	h.publishPresence()

	h.emitTo(conn, EventConnectionConfirmed, map[string]any{
		"subjectId":    claims.SubjectID,
		"connectionId": conn.ID(),
	})
	h.logger.Debug("connection authenticated",
		zap.String("conn_id", conn.ID()),
		zap.String("subject_id", claims.SubjectID))
}

func (h *Hub) reject(c *client, reason, message string) {
	c.mu.Lock()
	if c.state != stateConnecting {
		c.mu.Unlock()
		return
	}
	c.state = stateRejected
	if c.timer != nil {
		c.timer.Stop()
	}
	c.mu.Unlock()

	h.forget(c.conn.ID())
	metrics.ObserveRejected(reason)
	h.emitTo(c.conn, EventConnectionError, map[string]any{"message": message})
	c.conn.Disconnect()
	h.logger.Debug("connection rejected", zap.String("conn_id", c.conn.ID()), zap.String("reason", reason))
}

// HandleDisconnect cleans up after a connection in any state. Unknown and
// already cleaned up connections are ignored.
func (h *Hub) HandleDisconnect(connID string) {
	c := h.forget(connID)
	if c == nil {
		return
	}
	c.mu.Lock()
	wasAuthenticated := c.state == stateAuthenticated
	c.state = stateDisconnected
	if c.timer != nil {
		c.timer.Stop()
	}
	if wasAuthenticated {
		h.presence.Unregister(c.subjectID, connID)
	}
	c.mu.Unlock()

	if wasAuthenticated {
		h.publishPresence()
	}
}

func (h *Hub) forget(connID string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return nil
	}
	delete(h.clients, connID)
	return c
}

func (h *Hub) authenticated(connID string) (*client, error) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	h.mu.Unlock()
	if !ok {
		return nil, ErrNotAuthenticated
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateAuthenticated {
		return nil, ErrNotAuthenticated
	}
	return c, nil
}

// Subscribe joins an authenticated connection to room and acknowledges it.
func (h *Hub) Subscribe(connID, room string) error {
	room, err := validateRoom(room)
	if err != nil {
		return err
	}
	c, err := h.authenticated(connID)
	if err != nil {
		return err
	}
	c.conn.Join(room)
	h.emitTo(c.conn, EventSubscribed, map[string]any{"room": room})
	return nil
}

// Unsubscribe leaves room and acknowledges it. The private user room cannot be left.
func (h *Hub) Unsubscribe(connID, room string) error {
	room, err := validateRoom(room)
	if err != nil {
		return err
	}
	c, err := h.authenticated(connID)
	if err != nil {
		return err
	}
	c.conn.Leave(room)
	h.emitTo(c.conn, EventUnsubscribed, map[string]any{"room": room})
	return nil
}

// SendToUser emits to every live connection of subjectID. Offline subjects
// are a no-op; nothing is queued.
func (h *Hub) SendToUser(subjectID string, event Event, payload any) error {
	if !event.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	if subjectID == "" {
		return nil
	}
	h.deliver(envelope{Target: subjectID, Event: event, Payload: payload})
	h.relay(envelope{Target: subjectID, Event: event, Payload: payload})
	return nil
}

// SendToRoom emits to every connection subscribed to room.
func (h *Hub) SendToRoom(room string, event Event, payload any) error {
	if !event.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	room, err := validateRoom(room)
	if err != nil {
		return err
	}
	h.deliver(envelope{Room: room, Event: event, Payload: payload})
	h.relay(envelope{Room: room, Event: event, Payload: payload})
	return nil
}

// Broadcast emits to every authenticated connection regardless of subject.
func (h *Hub) Broadcast(event Event, payload any) error {
	if !event.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownEvent, event)
	}
	h.deliver(envelope{Event: event, Payload: payload})
	h.relay(envelope{Event: event, Payload: payload})
	return nil
}

// deliver emits to this instance's connections only.
func (h *Hub) deliver(env envelope) {
	defer h.recoverPanic("deliver", "")
	switch {
	case env.Target != "":
		if !h.presence.IsOnline(env.Target) {
			return
		}
		h.emitter.EmitToRoom(UserRoom(env.Target), string(env.Event), env.Payload)
	case env.Room != "":
		h.emitter.EmitToRoom(env.Room, string(env.Event), env.Payload)
	default:
		h.emitter.EmitToRoom(broadcastRoom, string(env.Event), env.Payload)
	}
	metrics.ObserveEmit(string(env.Event))
}

func (h *Hub) relay(env envelope) {
	if h.fanout == nil {
		return
	}
	env.Origin = h.instanceID
	select {
	case h.outbound <- env:
	default:
		h.logger.Warn("gateway fan-out queue full, dropping event", zap.String("event", string(env.Event)))
	}
}

func (h *Hub) emitTo(conn Conn, event Event, payload any) {
	if err := conn.Emit(string(event), payload); err != nil {
		h.logger.Warn("emit failed", zap.String("conn_id", conn.ID()), zap.String("event", string(event)), zap.Error(err))
		return
	}
	metrics.ObserveEmit(string(event))
}

// Run pumps the cluster fan-out until ctx is done. Without fan-out it only
// waits for ctx.
func (h *Hub) Run(ctx context.Context) {
	if h.fanout == nil {
		<-ctx.Done()
		return
	}
	go h.fanout.subscribe(ctx, h.instanceID, h.logger, h.deliver)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-h.outbound:
			if err := h.fanout.publish(ctx, env); err != nil {
				h.logger.Warn("gateway publish failed", zap.String("channel", h.fanout.channel), zap.Error(err))
			}
		}
	}
}

func (h *Hub) UserSocketCount(subjectID string) int {
	return h.presence.ConnectionCountFor(subjectID)
}

func (h *Hub) IsUserOnline(subjectID string) bool {
	return h.presence.IsOnline(subjectID)
}

func (h *Hub) Stats() Stats {
	h.mu.Lock()
	handshaking := 0
	for _, c := range h.clients {
		c.mu.Lock()
		if c.state == stateConnecting {
			handshaking++
		}
		c.mu.Unlock()
	}
	h.mu.Unlock()
	return Stats{
		InstanceID:    h.instanceID,
		Connections:   h.presence.ConnectionCount(),
		OnlineUsers:   h.presence.OnlineCount(),
		Handshaking:   handshaking,
		ClusterFanout: h.fanout != nil,
	}
}

func (h *Hub) publishPresence() {
	metrics.SetPresence(h.presence.ConnectionCount(), h.presence.OnlineCount())
}

// recoverPanic keeps one connection's failure away from the rest.
func (h *Hub) recoverPanic(op, connID string) {
	if r := recover(); r != nil {
		h.logger.Error("gateway handler panic",
			zap.String("op", op),
			zap.String("conn_id", connID),
			zap.Any("panic", r),
			zap.Stack("stack"))
	}
}
