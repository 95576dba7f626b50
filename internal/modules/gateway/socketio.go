package gateway

import (
	"encoding/json"
	"net/http"
	"strings"

	socketio "github.com/zishang520/socket.io/v2/socket"
	"go.uber.org/zap"
)

// SocketServer binds a socket.io server to a Hub and implements Emitter.
type SocketServer struct {
	sio    *socketio.Server
	logger *zap.Logger
}

func NewSocketServer(logger *zap.Logger) *SocketServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SocketServer{
		sio:    socketio.NewServer(nil, nil),
		logger: logger.Named("SocketIO"),
	}
}

// Attach routes socket.io connections of the default namespace into hub.
func (s *SocketServer) Attach(hub *Hub) {
	_ = s.sio.Sockets().On("connection", func(args ...any) {
		if len(args) == 0 {
			return
		}
		sock, ok := args[0].(*socketio.Socket)
		if !ok {
			return
		}
		conn := socketConn{s: sock}
		id := conn.ID()

		// Registered before the handshake so a drop mid-handshake is cleaned up.
		_ = sock.On("disconnect", func(_ ...any) {
			defer hub.recoverPanic("disconnect", id)
			hub.HandleDisconnect(id)
		})
		_ = sock.On(clientEventSubscribe, func(eventArgs ...any) {
			defer hub.recoverPanic(clientEventSubscribe, id)
			ack(eventArgs, hub.Subscribe(id, roomFromArgs(eventArgs)))
		})
		_ = sock.On(clientEventUnsubscribe, func(eventArgs ...any) {
			defer hub.recoverPanic(clientEventUnsubscribe, id)
			ack(eventArgs, hub.Unsubscribe(id, roomFromArgs(eventArgs)))
		})

		func() {
			defer hub.recoverPanic("connection", id)
			hub.HandleConnection(conn, tokenFromHandshake(sock.Handshake()))
		}()
	})
}

func (s *SocketServer) EmitToRoom(room, event string, payload any) {
	if err := s.sio.To(socketio.Room(room)).Emit(event, toWire(payload)); err != nil {
		s.logger.Warn("room emit failed", zap.String("room", room), zap.String("event", event), zap.Error(err))
	}
}

// Handler returns the socket.io HTTP handler mounted at /socket.io.
func (s *SocketServer) Handler() http.Handler {
	return s.sio.ServeHandler(nil)
}

func (s *SocketServer) Close() {
	s.sio.Close(nil)
}

type socketConn struct {
	s *socketio.Socket
}

func (c socketConn) ID() string { return string(c.s.Id()) }

func (c socketConn) Emit(event string, payload any) error {
	return c.s.Emit(event, toWire(payload))
}

func (c socketConn) Join(room string)  { c.s.Join(socketio.Room(room)) }
func (c socketConn) Leave(room string) { c.s.Leave(socketio.Room(room)) }
func (c socketConn) Disconnect()       { c.s.Disconnect(true) }

// tokenFromHandshake reads auth.token, then the token query parameter, then the
// Authorization header. The first non-empty source wins, even if its token is
// invalid.
func tokenFromHandshake(handshake *socketio.Handshake) string {
	if handshake == nil {
		return ""
	}
	if auth, ok := handshake.Auth.(map[string]any); ok {
		if token := strFromAny(auth["token"]); token != "" {
			return token
		}
	}
	if token := firstValueFromMultiMap(handshake.Query, "token"); token != "" {
		return token
	}
	return firstValueFromMultiMap(handshake.Headers, "authorization")
}

func firstValueFromMultiMap(values map[string][]string, key string) string {
	for k, list := range values {
		if !strings.EqualFold(strings.TrimSpace(k), key) || len(list) == 0 {
			continue
		}
		if v := strings.TrimSpace(list[0]); v != "" {
			return v
		}
	}
	return ""
}

// roomFromArgs accepts "room" or {"room": "room"}.
func roomFromArgs(args []any) string {
	if len(args) == 0 {
		return ""
	}
	switch v := args[0].(type) {
	case string:
		return strings.TrimSpace(v)
	case map[string]any:
		return strFromAny(v["room"])
	}
	return ""
}

// ack answers a client-side acknowledgement callback when one was sent.
func ack(args []any, err error) {
	if len(args) == 0 {
		return
	}
	cb, ok := args[len(args)-1].(socketio.Ack)
	if !ok {
		return
	}
	if err != nil {
		cb([]any{map[string]any{"ok": false, "message": err.Error()}}, nil)
		return
	}
	cb([]any{map[string]any{"ok": true}}, nil)
}

// toWire turns payloads into plain maps, which is what the socket.io encoder
// serializes reliably.
func toWire(payload any) any {
	switch v := payload.(type) {
	case nil:
		return map[string]any{}
	case map[string]any, string, []byte:
		return v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return map[string]any{}
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func strFromAny(v any) string {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s)
	}
	return ""
}
